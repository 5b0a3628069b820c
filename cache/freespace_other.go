//go:build !linux

package cache

// freeSpace is conservatively unknown on platforms without a wired statfs
// equivalent, which disables caching rather than risk filling a volume.
func freeSpace(dir string) (int64, error) {
	return 0, nil
}
