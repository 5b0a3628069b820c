package reolinkfw

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
)

// sha256ChunkSize bounds how much is read between context-cancellation
// checks, so a multi-gigabyte PAK can still be cancelled promptly.
const sha256ChunkSize = 1 << 20

// SHA256Hex streams r through SHA-256, checking ctx for cancellation at
// each chunk boundary, and returns the lowercase hex digest.
func SHA256Hex(ctx context.Context, r io.Reader) (string, error) {
	h := sha256.New()
	buf := make([]byte, sha256ChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		n, err := r.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", wrapErr(ErrTruncated, "sha256", err)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// SHA256OfPAK hashes the façade's whole underlying byte source, the same
// bytes the original archive file or download blob holds.
func (fw *Firmware) SHA256OfPAK(ctx context.Context) (string, error) {
	r := io.NewSectionReader(fw.src.r, 0, fw.src.Size())
	return SHA256Hex(ctx, r)
}
