package cache_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"reolinkfw/cache"
)

func TestPutGetRoundTrip(t *testing.T) {
	t.Log("Test Put/Get round-trips a blob keyed by the URL's hash")

	url := fmt.Sprintf("https://example.com/fw.pak?cache-test=%d", os.Getpid())
	payload := []byte("cached firmware blob")

	if err := cache.Put(url, payload); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	t.Cleanup(func() {
		dir, err := cache.Dir()
		if err != nil {
			return
		}
		os.Remove(filepath.Join(dir, cache.KeyForURL(url)))
	})

	got, ok := cache.Get(url)
	if !ok {
		t.Fatalf("expected cache hit after Put")
	}
	if string(got) != string(payload) {
		t.Fatalf("round-trip mismatch, Except: %q But: %q", payload, got)
	}
}

func TestGetMissForUnknownURL(t *testing.T) {
	t.Log("Test Get reports a miss for a URL never Put")

	_, ok := cache.Get("https://example.com/never-cached-xyz123.pak")
	if ok {
		t.Fatalf("expected cache miss")
	}
}

func TestPutNamesEntryAfterNameQueryParam(t *testing.T) {
	t.Log("Test Put stores the blob under the name query parameter, with a companion key file")

	url := fmt.Sprintf("https://example.com/download?id=%d&name=camera-test.pak", os.Getpid())
	payload := []byte("named cache entry contents")

	if err := cache.Put(url, payload); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	dir, err := cache.Dir()
	if err != nil {
		t.Fatalf("Dir failed: %v", err)
	}
	key := cache.KeyForURL(url)
	t.Cleanup(func() {
		os.Remove(filepath.Join(dir, key))
		os.Remove(filepath.Join(dir, "camera-test.pak"))
	})

	keyFileContents, err := os.ReadFile(filepath.Join(dir, key))
	if err != nil {
		t.Fatalf("expected a companion key file recording the filename: %v", err)
	}
	if string(keyFileContents) != "camera-test.pak" {
		t.Fatalf("companion key file mismatch, Except: camera-test.pak But: %v", string(keyFileContents))
	}

	got, ok := cache.Get(url)
	if !ok {
		t.Fatalf("expected cache hit for named entry")
	}
	if string(got) != string(payload) {
		t.Fatalf("named entry round-trip mismatch, Except: %q But: %q", payload, got)
	}
}

func TestKeyForURLStableAndDistinct(t *testing.T) {
	t.Log("Test KeyForURL is stable for the same URL and distinct across different URLs")

	a := cache.KeyForURL("https://example.com/a.pak")
	b := cache.KeyForURL("https://example.com/a.pak")
	c := cache.KeyForURL("https://example.com/b.pak")

	if a != b {
		t.Fatalf("expected stable key for same URL, got %v and %v", a, b)
	}
	if a == c {
		t.Fatalf("expected distinct keys for distinct URLs, both got %v", a)
	}
}
