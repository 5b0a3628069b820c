package reolinkfw

import "os"

// ScopedTempFile owns a byte-backed file handle for the duration it is
// held open: an anonymous memory-backed file where the platform offers
// one, an on-disk temp file (deleted on Close) otherwise. Either way it
// satisfies io.ReaderAt so it can back a Source directly.
type ScopedTempFile struct {
	f *os.File
	unlinkPath string
}

// Size returns the file's length.
func (t *ScopedTempFile) Size() (int64, error) {
	fi, err := t.f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// ReadAt implements io.ReaderAt.
func (t *ScopedTempFile) ReadAt(p []byte, off int64) (int, error) {
	return t.f.ReadAt(p, off)
}

// Close releases the handle, and removes the backing path if one exists.
func (t *ScopedTempFile) Close() error {
	err := t.f.Close()
	if t.unlinkPath != "" {
		os.Remove(t.unlinkPath)
	}
	return err
}
