package cramfs_test

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"io"
	"testing"

	"reolinkfw/cramfs"
)

const fxSuperblockSize = 76

func putRawInode(dst []byte, mode uint16, size uint32, namelenBytes, offsetBytes uint32) {
	w0 := uint32(mode)
	w1 := size
	w2 := (namelenBytes/4)&0x3f | ((offsetBytes/4)&0x3ffffff)<<6
	binary.LittleEndian.PutUint32(dst[0:4], w0)
	binary.LittleEndian.PutUint32(dst[4:8], w1)
	binary.LittleEndian.PutUint32(dst[8:12], w2)
}

// buildCramFSFixture assembles a minimal real CramFS image: a
// superblock, a root directory listing one file "hello.txt", and that
// file's block-pointer-table-prefixed, zlib-compressed content.
func buildCramFSFixture(t *testing.T) []byte {
	t.Helper()

	const (
		modeDir = 0040000
		modeReg = 0100000
	)

	var compressed bytes.Buffer
	zw := zlib.NewWriter(&compressed)
	if _, err := zw.Write([]byte("hello world")); err != nil {
		t.Fatalf("zlib write failed: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zlib close failed: %v", err)
	}

	const rootDirOffset = fxSuperblockSize
	const name = "hello.txt"
	const namePadded = 12 // 9 bytes rounded up to a 4-byte multiple
	const dirListingSize = 12 + namePadded
	const fileDataOffset = rootDirOffset + dirListingSize

	buf := make([]byte, fileDataOffset+4+compressed.Len())

	binary.LittleEndian.PutUint32(buf[0:4], 0x28cd3d45)
	putRawInode(buf[64:76], modeDir|0755, dirListingSize, 0, rootDirOffset)

	putRawInode(buf[rootDirOffset:rootDirOffset+12], modeReg|0644, 11, namePadded, fileDataOffset)
	copy(buf[rootDirOffset+12:], name)

	binary.LittleEndian.PutUint32(buf[fileDataOffset:fileDataOffset+4], uint32(compressed.Len()))
	copy(buf[fileDataOffset+4:], compressed.Bytes())

	return buf
}

func TestCramFSSelectAndReadFile(t *testing.T) {
	t.Log("Test CramFS open, path select, and regular file read-out")

	img, err := cramfs.Open(bytes.NewReader(buildCramFSFixture(t)), 0)
	if err != nil {
		t.Fatalf("cramfs.Open failed: %v", err)
	}

	entry, err := img.Select("hello.txt")
	if err != nil {
		t.Fatalf("Select(hello.txt) failed: %v", err)
	}
	if entry.IsDir || entry.IsLink {
		t.Fatalf("Select(hello.txt) did not return a regular file")
	}

	r, err := entry.Open()
	if err != nil {
		t.Fatalf("Entry.Open failed: %v", err)
	}
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(got) != "hello world" {
		t.Fatalf("file content mismatch, Except: hello world But: %v", string(got))
	}
}

func TestCramFSSelectNotFound(t *testing.T) {
	t.Log("Test Select reports an error when neither the direct path nor the /mnt/app/<name> fallback resolve")

	img, err := cramfs.Open(bytes.NewReader(buildCramFSFixture(t)), 0)
	if err != nil {
		t.Fatalf("cramfs.Open failed: %v", err)
	}
	if _, err := img.Select("nope/hello.txt"); err == nil {
		t.Fatalf("expected a miss for a path this fixture does not contain")
	}
}

func TestCramFSOpenBadMagic(t *testing.T) {
	t.Log("Test Open rejects a buffer without the CramFS magic")

	buf := make([]byte, fxSuperblockSize)
	if _, err := cramfs.Open(bytes.NewReader(buf), 0); err != cramfs.ErrNotCramFS {
		t.Fatalf("Open mismatch, Except: %v But: %v", cramfs.ErrNotCramFS, err)
	}
}
