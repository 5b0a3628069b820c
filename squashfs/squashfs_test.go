package squashfs_test

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"reolinkfw/squashfs"
)

const (
	fxInodeTableStart = 96
	fxDirTableStart   = 166
	fxDataStart       = 197
)

// buildSquashFSFixture assembles a minimal but structurally real
// SquashFS v4 image: a superblock, one inode-table metadata block
// holding a root directory inode and a regular-file inode, one
// directory-table metadata block listing "hello.txt", and one
// uncompressed data block holding the file's content.
func buildSquashFSFixture(t *testing.T) []byte {
	t.Helper()

	const content = "hello world"
	buf := make([]byte, fxDataStart+len(content))

	// Superblock.
	copy(buf[0:4], "hsqs")
	binary.LittleEndian.PutUint32(buf[4:8], 2)     // inode count
	binary.LittleEndian.PutUint32(buf[12:16], 4096) // block size
	binary.LittleEndian.PutUint16(buf[20:22], 1)    // compression: zlib (unused, all blocks stored raw)
	binary.LittleEndian.PutUint16(buf[24:26], 1)    // flags: uncompressed inodes
	binary.LittleEndian.PutUint64(buf[32:40], 0)    // root inode ref: block 0, offset 0
	binary.LittleEndian.PutUint64(buf[64:72], fxInodeTableStart)
	binary.LittleEndian.PutUint64(buf[72:80], fxDirTableStart)

	// Inode table: one metadata block, root dir inode then file inode.
	inodeBody := make([]byte, 68)
	// root dir inode header (itype=1) + body.
	binary.LittleEndian.PutUint16(inodeBody[0:2], 1) // itDir
	binary.LittleEndian.PutUint32(inodeBody[16:20], 0) // blkStart in dir table
	binary.LittleEndian.PutUint16(inodeBody[24:26], 32) // dir.size (29 + 3)
	binary.LittleEndian.PutUint16(inodeBody[26:28], 0)  // blkOffset in dir table
	// file inode header (itype=2) + body, at body offset 32.
	binary.LittleEndian.PutUint16(inodeBody[32:34], 2) // itReg
	binary.LittleEndian.PutUint32(inodeBody[48:52], fxDataStart)
	binary.LittleEndian.PutUint32(inodeBody[52:56], 0xffffffff) // no fragment
	binary.LittleEndian.PutUint32(inodeBody[60:64], uint32(len(content)))
	binary.LittleEndian.PutUint32(inodeBody[64:68], (1<<24)|uint32(len(content))) // one uncompressed block

	binary.LittleEndian.PutUint16(buf[fxInodeTableStart:], uint16(len(inodeBody)))
	copy(buf[fxInodeTableStart+2:], inodeBody)

	// Directory table: one metadata block listing "hello.txt".
	const name = "hello.txt"
	dirBody := make([]byte, 12+8+len(name))
	binary.LittleEndian.PutUint32(dirBody[0:4], 0) // count-1: one entry
	binary.LittleEndian.PutUint32(dirBody[4:8], 0) // start_block: inode table block 0
	binary.LittleEndian.PutUint32(dirBody[8:12], 1) // inode_number base, arbitrary
	binary.LittleEndian.PutUint16(dirBody[12:14], 32) // entry offset into inode table block
	binary.LittleEndian.PutUint16(dirBody[14:16], 1)  // inode_number_delta, arbitrary
	binary.LittleEndian.PutUint16(dirBody[16:18], 2)  // entry type, unused by the reader
	binary.LittleEndian.PutUint16(dirBody[18:20], uint16(len(name)-1))
	copy(dirBody[20:], name)

	binary.LittleEndian.PutUint16(buf[fxDirTableStart:], uint16(len(dirBody)))
	copy(buf[fxDirTableStart+2:], dirBody)

	copy(buf[fxDataStart:], content)

	return buf
}

func TestSquashFSSelectAndReadFile(t *testing.T) {
	t.Log("Test SquashFS open, path select, and regular file read-out")

	img, err := squashfs.Open(bytes.NewReader(buildSquashFSFixture(t)), 0)
	if err != nil {
		t.Fatalf("squashfs.Open failed: %v", err)
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

	if _, err := img.Select("/hello.txt"); err != nil {
		t.Fatalf("absolute path select failed: %v", err)
	}
}

func TestSquashFSSelectNotFound(t *testing.T) {
	t.Log("Test Select reports an error when neither the direct path nor the /mnt/app/<name> fallback resolve")

	img, err := squashfs.Open(bytes.NewReader(buildSquashFSFixture(t)), 0)
	if err != nil {
		t.Fatalf("squashfs.Open failed: %v", err)
	}

	if _, err := img.Select("nope/hello.txt"); err == nil {
		t.Fatalf("expected a miss for a path this fixture does not contain")
	}
}

func TestSquashFSOpenBadMagic(t *testing.T) {
	t.Log("Test Open rejects a buffer without the hsqs magic")

	buf := make([]byte, 96)
	if _, err := squashfs.Open(bytes.NewReader(buf), 0); err != squashfs.ErrNotSquashFS {
		t.Fatalf("Open mismatch, Except: %v But: %v", squashfs.ErrNotSquashFS, err)
	}
}
