package ubi_test

import (
	"encoding/binary"
	"testing"

	"reolinkfw/ubi"
)

const fixtureLEBSize = 1024

func writeCommonHdr(dst []byte, nodeType uint8, totalLen uint32) {
	copy(dst, "\x31\x18\x10\x06")
	binary.LittleEndian.PutUint32(dst[16:20], totalLen)
	dst[20] = nodeType
}

func writeKey(dst []byte, ino uint32, ktype uint8, val uint32) {
	binary.LittleEndian.PutUint32(dst[0:4], ino)
	binary.LittleEndian.PutUint32(dst[4:8], (uint32(ktype)<<29)|(val&0x1fffffff))
}

// buildUBIFSFixture assembles a 3-LEB image: LEB0 holds the superblock,
// LEB1 the master node, LEB2 one flat index node plus its four leaves
// (root inode, one dentry, the file's inode, and its single data node),
// forming a minimal but structurally real UBIFS tree for "/hello.txt".
func buildUBIFSFixture(t *testing.T) []byte {
	t.Helper()

	const (
		reg     = 0x8
		dir     = 0x4
		fileMod = reg<<12 | 0644
		dirMod  = dir<<12 | 0755
	)

	data := make([]byte, fixtureLEBSize*3)

	// LEB0: superblock node. Body needs leb_size at [10:14].
	sbBody := make([]byte, 16)
	binary.LittleEndian.PutUint32(sbBody[10:14], fixtureLEBSize)
	writeCommonHdr(data[0:], 6 /* nodeSb */, uint32(24+len(sbBody)))
	copy(data[24:], sbBody)

	// LEB1: master node. Body needs root_lnum at [24:28], root_offs at
	// [28:32].
	mstBody := make([]byte, 32)
	binary.LittleEndian.PutUint32(mstBody[24:28], 2) // root_lnum
	binary.LittleEndian.PutUint32(mstBody[28:32], 0) // root_offs
	mstOff := fixtureLEBSize * 1
	writeCommonHdr(data[mstOff:], 7 /* nodeMst */, uint32(24+len(mstBody)))
	copy(data[mstOff+24:], mstBody)

	// LEB2: idx node + 4 leaves.
	lebOff := fixtureLEBSize * 2

	ino1Body := make([]byte, 128)
	binary.LittleEndian.PutUint32(ino1Body[72:76], dirMod) // mode
	writeKey(ino1Body[0:8], 1, 0 /* keyTypeIno */, 0)

	helloName := "hello.txt"
	dentBody := make([]byte, 16+len(helloName))
	writeKey(dentBody[0:8], 1, 2 /* keyTypeDnt */, 0)
	binary.LittleEndian.PutUint32(dentBody[8:12], 2) // inum
	dentBody[12] = 0                                 // dent type: itypeReg
	binary.LittleEndian.PutUint16(dentBody[13:15], uint16(len(helloName)))
	copy(dentBody[16:], helloName)

	content := []byte("hello world")
	ino2Body := make([]byte, 128)
	binary.LittleEndian.PutUint32(ino2Body[72:76], fileMod) // mode
	binary.LittleEndian.PutUint64(ino2Body[16:24], uint64(len(content)))
	writeKey(ino2Body[0:8], 2, 0 /* keyTypeIno */, 0)

	datBody := make([]byte, 16+len(content))
	writeKey(datBody[0:8], 2, 1 /* keyTypeDat */, 0)
	binary.LittleEndian.PutUint32(datBody[8:12], uint32(len(content)))
	copy(datBody[16:], content)

	writeLeaf := func(off int, nodeType byte, body []byte) int {
		total := uint32(24 + len(body))
		writeCommonHdr(data[lebOff+off:], nodeType, total)
		copy(data[lebOff+off+24:], body)
		return off + int(total)
	}

	const idxHdrAndBranches = 24 + 4 + 4*20
	off := idxHdrAndBranches
	ino1Off := off
	off = writeLeaf(off, 0 /* nodeIno */, ino1Body)
	dentOff := off
	off = writeLeaf(off, 2 /* nodeDnt */, dentBody)
	ino2Off := off
	off = writeLeaf(off, 0 /* nodeIno */, ino2Body)
	datOff := off
	_ = writeLeaf(off, 1 /* nodeDat */, datBody)

	// idx node body (after its 24-byte common header): child_cnt, level,
	// then the branch table.
	binary.LittleEndian.PutUint16(data[lebOff+24:], 4)
	binary.LittleEndian.PutUint16(data[lebOff+26:], 0)
	branch := func(i int, lnum, boffs uint32) {
		base := lebOff + 24 + 4 + i*20
		binary.LittleEndian.PutUint32(data[base:], lnum)
		binary.LittleEndian.PutUint32(data[base+4:], boffs)
		binary.LittleEndian.PutUint32(data[base+8:], 0) // branch len, unused by the reader
	}
	branch(0, 2, uint32(ino1Off))
	branch(1, 2, uint32(dentOff))
	branch(2, 2, uint32(ino2Off))
	branch(3, 2, uint32(datOff))
	writeCommonHdr(data[lebOff:], 9 /* nodeIdx */, uint32(idxHdrAndBranches))

	return data
}

func TestUBIFSSelectAndReadFile(t *testing.T) {
	t.Log("Test UBIFS open, path select, and regular file read-out")

	fs, err := ubi.Open(buildUBIFSFixture(t))
	if err != nil {
		t.Fatalf("ubi.Open failed: %v", err)
	}

	node := fs.Root.Select("hello.txt")
	if node == nil {
		t.Fatalf("Select(hello.txt) returned nil")
	}
	reg, ok := node.(*ubi.Reg)
	if !ok {
		t.Fatalf("Select(hello.txt) did not return a regular file")
	}
	if got := string(reg.Bytes()); got != "hello world" {
		t.Fatalf("file content mismatch, Except: hello world But: %v", got)
	}

	if got := fs.Root.Select("/hello.txt"); got == nil {
		t.Fatalf("absolute path select failed")
	}
	if got := fs.Root.Select(".."); got != fs.Root {
		t.Fatalf("select(..) at root should return root itself")
	}
}
