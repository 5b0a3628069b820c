//go:build !linux

package reolinkfw

import "os"

// NewScopedTempFile falls back to a real on-disk temp file (removed on
// Close) on platforms with no anonymous memory-backed file primitive.
func NewScopedTempFile(data []byte) (*ScopedTempFile, error) {
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
