package reolinkfw_test

import (
	"bytes"
	"io"
	"testing"

	"reolinkfw"
)

func TestWindowReadExact(t *testing.T) {
	t.Log("Test window read_exact stays inside bounds")

	src := reolinkfw.NewSource(bytes.NewReader([]byte("0123456789")), 10)
	w, err := src.Open(2, 4)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer w.Close()

	got, err := w.ReadExact(4)
	if err != nil {
		t.Fatalf("ReadExact failed: %v", err)
	}
	if want := "2345"; string(got) != want {
		t.Fatalf("ReadExact failed, Except: %v But: %v", want, string(got))
	}

	if _, err := w.ReadExact(1); err == nil {
		t.Fatalf("ReadExact past window end should fail")
	}
}

func TestWindowPeekDoesNotAdvance(t *testing.T) {
	t.Log("Test peek leaves cursor untouched")

	src := reolinkfw.NewSource(bytes.NewReader([]byte("abcdef")), 6)
	w, err := src.Open(0, 6)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer w.Close()

	peeked, err := w.Peek(3)
	if err != nil {
		t.Fatalf("Peek failed: %v", err)
	}
	if string(peeked) != "abc" {
		t.Fatalf("Peek failed, Except: abc But: %v", string(peeked))
	}
	if w.Tell() != 0 {
		t.Fatalf("Peek advanced cursor, Except: 0 But: %v", w.Tell())
	}

	full, err := io.ReadAll(w)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if string(full) != "abcdef" {
		t.Fatalf("ReadAll failed, Except: abcdef But: %v", string(full))
	}
}

func TestSourceRefcount(t *testing.T) {
	t.Log("Test source closes only after last window releases")

	src := reolinkfw.NewSource(bytes.NewReader([]byte("xyz")), 3)
	w1, _ := src.Open(0, 3)
	w2, _ := src.Open(0, 3)

	if err := w1.Close(); err != nil {
		t.Fatalf("Close w1 failed: %v", err)
	}
	if err := w2.Close(); err != nil {
		t.Fatalf("Close w2 failed: %v", err)
	}
	if err := w2.Close(); err != nil {
		t.Fatalf("double Close should be idempotent: %v", err)
	}
}
