// Package cli implements the two external subcommands ("info" and
// "extract") spec.md describes as collaborators around the firmware
// core: argument parsing, input acquisition (local file, URL, optional
// cache), ZIP-of-PAKs splitting, and report/extraction dispatch.
package cli

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"

	"reolinkfw"
	"reolinkfw/cache"
	"reolinkfw/fetch"
)

// Version is the CLI's reported version string, set at build time via
// -ldflags the way the teacher's own binaries are tagged.
var Version = "dev"

// Run parses args (as os.Args, argv[0] included) and executes the
// requested subcommand, returning the process exit code.
func Run(args []string) int {
	if len(args) < 2 {
		usage(args)
		return 1
	}

	switch args[1] {
	case "-V", "--version":
		fmt.Println(args[0], Version)
		return 0
	case "info":
		return runInfo(args[0], args[2:])
	case "extract":
		return runExtract(args[0], args[2:])
	default:
		usage(args)
		return 1
	}
}

func usage(args []string) {
	prog := "reolinkfw"
	if len(args) > 0 {
		prog = filepath.Base(args[0])
	}
	fmt.Fprintf(os.Stderr, `Extract information and files from Reolink firmwares

Usage:
  %[1]s [-V|--version]
  %[1]s info    [--no-cache] [-j|--json [indent]] <file-or-url>
  %[1]s extract [--no-cache] [-d|--dest DIR] [-f|--force] <file-or-url>
`, prog)
}

func runInfo(prog string, args []string) int {
	fs := pflag.NewFlagSet("info", pflag.ContinueOnError)
	noCache := fs.Bool("no-cache", false, "don't use cache for remote files (URLs)")
	jsonIndent := fs.IntP("json", "j", -2, "JSON output with optional indentation level for pretty print")
	fs.Lookup("json").NoOptDefVal = "-1"
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		usage([]string{prog})
		return 1
	}
	target := fs.Arg(0)

	ctx := context.Background()
	blob, err := acquire(ctx, target, !*noCache)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	pakBlobs, err := splitPAKs(blob)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}

	// Each PAK reports independently: one PAK's failure never aborts the
	// others, it just becomes that PAK's report.Error (mirroring the
	// original's get_info() list comprehension over every PAK found).
	var reports []*reolinkfw.Report
	for _, pak := range pakBlobs {
		fw, err := reolinkfw.Open(bytes.NewReader(pak), int64(len(pak)))
		if err != nil {
			reports = append(reports, &reolinkfw.Report{Error: err.Error()})
			continue
		}
		r, _ := reolinkfw.BuildReport(ctx, fw)
		fw.Close()
		reports = append(reports, r)
	}

	useJSON := *jsonIndent != -2
	if !useJSON {
		for i, r := range reports {
			r.WriteText(os.Stdout)
			if i != len(reports)-1 {
				fmt.Println()
			}
		}
		return 0
	}

	var out []byte
	if *jsonIndent < 0 {
		out, err = json.Marshal(reports)
	} else {
		out, err = json.MarshalIndent(reports, "", strings.Repeat(" ", *jsonIndent))
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	fmt.Println(string(out))
	return 0
}

func runExtract(prog string, args []string) int {
	fs := pflag.NewFlagSet("extract", pflag.ContinueOnError)
	noCache := fs.Bool("no-cache", false, "don't use cache for remote files (URLs)")
	dest := fs.StringP("dest", "d", "", "destination directory. Default: current directory")
	force := fs.BoolP("force", "f", false, "overwrite existing files. Does not apply to UBIFS.")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() != 1 {
		usage([]string{prog})
		return 1
	}
	target := fs.Arg(0)

	destDir := *dest
	if destDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			return 1
		}
		destDir = wd
	}

	ctx := context.Background()
	blob, err := acquire(ctx, target, !*noCache)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	pakBlobs, err := splitPAKs(blob)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}

	stem := pakStem(target)
	for i, pak := range pakBlobs {
		fw, err := reolinkfw.Open(bytes.NewReader(pak), int64(len(pak)))
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			return 1
		}
		name := stem
		if len(pakBlobs) > 1 {
			sum, err := fw.SHA256OfPAK(ctx)
			if err != nil {
				fw.Close()
				fmt.Fprintln(os.Stderr, "error:", err)
				return 1
			}
			name = sum
			_ = i
		}
		err = fw.ExtractAll(ctx, filepath.Join(destDir, name), *force)
		fw.Close()
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			return 1
		}
	}
	return 0
}

// acquire resolves target (a URL or local path) to the raw downloaded or
// read bytes, going through the on-disk cache for URLs when useCache is
// set.
func acquire(ctx context.Context, target string, useCache bool) ([]byte, error) {
	if !strings.HasPrefix(target, "http") {
		b, err := os.ReadFile(target)
		if err != nil {
			return nil, reolinkfw.NewExternalError(reolinkfw.ErrNotURLOrFile, target, err)
		}
		return b, nil
	}

	normalized, err := fetch.NormalizeURL(ctx, target)
	if err != nil {
		return nil, err
	}

	if useCache {
		if b, ok := cache.Get(normalized); ok {
			return b, nil
		}
	}
	b, err := fetch.Download(ctx, normalized)
	if err != nil {
		return nil, err
	}
	if useCache {
		cache.Put(normalized, b)
	}
	return b, nil
}

// splitPAKs accepts either a bare PAK or a ZIP of PAKs, returning every
// distinct (by exact byte equality) PAK member, in file order.
func splitPAKs(blob []byte) ([][]byte, error) {
	if len(blob) >= 4 && string(blob[:4]) == reolinkfw.PAKMagic {
		return [][]byte{blob}, nil
	}
	zr, err := zip.NewReader(bytes.NewReader(blob), int64(len(blob)))
	if err != nil {
		return nil, reolinkfw.NewExternalError(reolinkfw.ErrNotZipOrPAK, "", err)
	}

	seen := map[string]bool{}
	var out [][]byte
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			continue
		}
		magic := make([]byte, 4)
		n, _ := io.ReadFull(rc, magic)
		if n == 4 && string(magic) == reolinkfw.PAKMagic {
			rest, err := io.ReadAll(rc)
			rc.Close()
			if err != nil {
				continue
			}
			full := append(magic, rest...)
			key := string(full)
			if !seen[key] {
				seen[key] = true
				out = append(out, full)
			}
			continue
		}
		rc.Close()
	}
	if len(out) == 0 {
		return nil, reolinkfw.NewExternalError(reolinkfw.ErrNoPAKsInZip, "", nil)
	}
	return out, nil
}

// pakStem names the extraction directory after the input's filename stem,
// or "firmware" when the input is a bare URL with no path component worth
// keeping.
func pakStem(target string) string {
	base := filepath.Base(target)
	if idx := strings.IndexByte(base, '?'); idx != -1 {
		base = base[:idx]
	}
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	if stem == "" || stem == "." || stem == "/" {
		return "firmware"
	}
	return stem
}
