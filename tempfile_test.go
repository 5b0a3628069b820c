package reolinkfw_test

import (
	"bytes"
	"testing"

	"reolinkfw"
)

func TestScopedTempFileRoundTrip(t *testing.T) {
	t.Log("Test ScopedTempFile round-trips written data through ReadAt")

	payload := []byte("reolinkfw scoped temp file fixture contents")
	tf, err := reolinkfw.NewScopedTempFile(payload)
	if err != nil {
		t.Fatalf("NewScopedTempFile failed: %v", err)
	}
	defer tf.Close()

	size, err := tf.Size()
	if err != nil {
		t.Fatalf("Size failed: %v", err)
	}
	if size != int64(len(payload)) {
		t.Fatalf("size mismatch, Except: %v But: %v", len(payload), size)
	}

	got := make([]byte, len(payload))
	if _, err := tf.ReadAt(got, 0); err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("round-trip mismatch, Except: %q But: %q", payload, got)
	}
}

func TestScopedTempFileCloseReleasesHandle(t *testing.T) {
	t.Log("Test ScopedTempFile.Close succeeds once without leaving the handle usable")

	tf, err := reolinkfw.NewScopedTempFile([]byte("x"))
	if err != nil {
		t.Fatalf("NewScopedTempFile failed: %v", err)
	}
	if err := tf.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := tf.ReadAt(make([]byte, 1), 0); err == nil {
		t.Fatalf("expected ReadAt to fail after Close")
	}
}
