// Command reolinkfw inspects and extracts Reolink camera/NVR/router
// firmware PAK archives.
package main

import (
	"os"

	"reolinkfw/cli"
)

func main() {
	os.Exit(cli.Run(os.Args))
}
