//go:build linux

package reolinkfw

import (
	"os"

	"golang.org/x/sys/unix"
)

// NewScopedTempFile writes data to an anonymous memfd when the kernel
// supports it, falling back to a real on-disk temp file (removed on
// Close) when memfd_create is unavailable — the same fallback order
// the Python original's TempFile selection follows.
func NewScopedTempFile(data []byte) (*ScopedTempFile, error) {
	fd, err := unix.MemfdCreate("reolinkfw", 0)
	if err != nil {
		return newOnDiskTempFile(data)
	}
	f := os.NewFile(uintptr(fd), "reolinkfw-memfd")
	if _, err := f.Write(data); err != nil {
		f.Close()
		return nil, wrapErr(ErrDecoderFailed, "memfd-write", err)
	}
	return &ScopedTempFile{f: f}, nil
}

func newOnDiskTempFile(data []byte) (*ScopedTempFile, error) {
	f, err := os.CreateTemp("", "reolinkfw-*")
	if err != nil {
		return nil, wrapErr(ErrDecoderFailed, "tempfile-create", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, wrapErr(ErrDecoderFailed, "tempfile-write", err)
	}
	return &ScopedTempFile{f: f, unlinkPath: f.Name()}, nil
}
