// Package squashfs implements enough of the read-only SquashFS format
// to open an image at an arbitrary offset, resolve a path to an inode,
// stream a file's content, and walk the whole tree for extraction.
package squashfs

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"path"
	"strings"

	"github.com/klauspost/compress/zlib"
)

const (
	magic          = "hsqs"
	superblockSize = 96
	metadataSize   = 8192
)

// compression ids, per the standard SquashFS superblock.
const (
	compZlib = 1
	compLZMA = 2
	compLZO  = 3
	compXZ   = 4
	compLZ4  = 5
	compZstd = 6
)

// inode types, basic variants only: extended (xattr-carrying) inodes are
// not produced by the firmware images this reader targets and are left
// unsupported, surfacing as a decoder error rather than silently
// misparsed.
const (
	itDir    = 1
	itReg    = 2
	itSymlink = 3
	itBlk    = 4
	itChr    = 5
	itFifo   = 6
	itSock   = 7
)

// ErrNotSquashFS is returned when the magic does not match.
var ErrNotSquashFS = errors.New("squashfs: bad magic")

type superblock struct {
	InodeCount        uint32
	BlockSize         uint32
	FragCount         uint32
	Compression       uint16
	Flags             uint16
	RootInode         uint64
	IDTableStart      uint64
	InodeTableStart   uint64
	DirTableStart     uint64
	FragTableStart    uint64
}

func parseSuperblock(b []byte) (superblock, error) {
	if len(b) < superblockSize || string(b[:4]) != magic {
		return superblock{}, ErrNotSquashFS
	}
	var sb superblock
	sb.BlockSize = binary.LittleEndian.Uint32(b[12:16])
	sb.FragCount = binary.LittleEndian.Uint32(b[16:20])
	sb.Compression = binary.LittleEndian.Uint16(b[20:22])
	sb.Flags = binary.LittleEndian.Uint16(b[24:26])
	sb.RootInode = binary.LittleEndian.Uint64(b[32:40])
	sb.IDTableStart = binary.LittleEndian.Uint64(b[48:56])
	sb.InodeTableStart = binary.LittleEndian.Uint64(b[64:72])
	sb.DirTableStart = binary.LittleEndian.Uint64(b[72:80])
	sb.FragTableStart = binary.LittleEndian.Uint64(b[80:88])
	sb.InodeCount = binary.LittleEndian.Uint32(b[4:8])
	return sb, nil
}

const flagUncompressedInodes = 1 << 0

// Image is an opened SquashFS image over an arbitrary ReaderAt-backed
// section.
type Image struct {
	r          io.ReaderAt
	base       int64
	sb         superblock
	alwaysUncompressed bool
}

// Open parses the superblock starting at offset off within r.
func Open(r io.ReaderAt, off int64) (*Image, error) {
	buf := make([]byte, superblockSize)
	if _, err := r.ReadAt(buf, off); err != nil {
		return nil, err
	}
	sb, err := parseSuperblock(buf)
	if err != nil {
		return nil, err
	}
	return &Image{r: r, base: off, sb: sb, alwaysUncompressed: sb.Flags&flagUncompressedInodes != 0}, nil
}

// readMetadataBlock reads one compressed-or-not metadata block at an
// absolute offset and returns its decompressed bytes plus the number of
// on-disk bytes consumed (header + payload).
func (img *Image) readMetadataBlock(off int64) ([]byte, int64, error) {
	hdr := make([]byte, 2)
	if _, err := img.r.ReadAt(hdr, img.base+off); err != nil {
		return nil, 0, err
	}
	h := binary.LittleEndian.Uint16(hdr)
	size := int64(h & 0x7fff)
	uncompressed := h&0x8000 != 0

	payload := make([]byte, size)
	if _, err := img.r.ReadAt(payload, img.base+off+2); err != nil {
		return nil, 0, err
	}
	if uncompressed || img.alwaysUncompressed {
		return payload, 2 + size, nil
	}
	out, err := img.decompress(payload)
	if err != nil {
		return nil, 0, err
	}
	return out, 2 + size, nil
}

func (img *Image) decompress(b []byte) ([]byte, error) {
	switch img.sb.Compression {
	case compZlib:
		zr, err := zlib.NewReader(bytes.NewReader(b))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return io.ReadAll(zr)
	default:
		return nil, errors.New("squashfs: unsupported compression id")
	}
}

// metadataReader reads a logical stream of concatenated, individually
// compressed 8 KiB metadata blocks starting at (block, offset), the
// standard SquashFS "metadata cursor" addressing scheme used for both
// the inode and directory tables.
type metadataReader struct {
	img   *Image
	base  int64 // absolute start of the table this cursor reads
	cache map[int64]metadataBlock
}

// metadataBlock is one decompressed block plus how many on-disk bytes
// (2-byte length header + payload) it consumed, needed to advance the
// cursor to the next block regardless of whether this one hit cache.
type metadataBlock struct {
	data     []byte
	consumed int64
}

func (img *Image) newMetadataReader(tableStart int64) *metadataReader {
	return &metadataReader{img: img, base: tableStart, cache: map[int64]metadataBlock{}}
}

// read returns n decompressed bytes starting at the cursor (block,
// offset) pair, advancing as needed across block boundaries.
func (mr *metadataReader) read(block uint32, offset uint16, n int) ([]byte, error) {
	out := make([]byte, 0, n)
	curBlock := int64(block)
	curOff := int(offset)
	for len(out) < n {
		data, consumed, err := mr.blockAt(curBlock)
		if err != nil {
			return nil, err
		}
		if curOff >= len(data) {
			return nil, errors.New("squashfs: metadata cursor out of range")
		}
		take := n - len(out)
		if take > len(data)-curOff {
			take = len(data) - curOff
		}
		out = append(out, data[curOff:curOff+take]...)
		curOff += take
		if curOff >= len(data) {
			curBlock += consumed
			curOff = 0
		}
	}
	return out, nil
}

func (mr *metadataReader) blockAt(relOff int64) ([]byte, int64, error) {
	if b, ok := mr.cache[relOff]; ok {
		return b.data, b.consumed, nil
	}
	data, consumed, err := mr.img.readMetadataBlock(mr.base + relOff)
	if err != nil {
		return nil, 0, err
	}
	mr.cache[relOff] = metadataBlock{data: data, consumed: consumed}
	return data, consumed, nil
}

// noFragment marks a regular-file inode that stores its final partial
// block as an ordinary full-size block rather than packing it into the
// shared fragment table.
const noFragment = 0xffffffff

// Entry describes one inode reachable from the image, enough to satisfy
// a tree walk or a single Select.
type Entry struct {
	Name        string
	Mode        uint16
	IsDir       bool
	IsLink      bool
	LinkTarget  string
	InodeNumber int32
	size        uint32
	blkStart    uint64
	blkOffset   uint32
	fragIndex   uint32
	blockSizes  []uint32
	img         *Image
}

// Open returns a reader over a regular file entry's content. Each data
// block's on-disk length and compression flag come from the inode's own
// block-size list, not from any inline per-block header; data blocks
// are simply laid back to back in the data area.
func (e *Entry) Open() (io.Reader, error) {
	if e.IsDir || e.IsLink {
		return nil, errors.New("squashfs: not a regular file")
	}
	if e.fragIndex != noFragment {
		return nil, errors.New("squashfs: fragment-packed tail blocks are not supported")
	}
	var buf bytes.Buffer
	remaining := int64(e.size)
	blockSize := int64(e.img.sb.BlockSize)
	off := int64(e.blkStart)
	for _, raw := range e.blockSizes {
		blkLen := int64(raw &^ (1 << 24))
		uncompressed := raw&(1<<24) != 0

		take := blockSize
		if remaining < take {
			take = remaining
		}

		if blkLen == 0 {
			// a fully-sparse block contributes only zero bytes.
			buf.Write(make([]byte, take))
			remaining -= take
			continue
		}
		chunk := make([]byte, blkLen)
		if _, err := e.img.r.ReadAt(chunk, e.img.base+off); err != nil {
			return nil, err
		}
		off += blkLen

		if uncompressed {
			buf.Write(chunk[:min64(int64(len(chunk)), take)])
		} else {
			dec, err := e.img.decompress(chunk)
			if err != nil {
				return nil, err
			}
			buf.Write(dec[:min64(int64(len(dec)), take)])
		}
		remaining -= take
	}
	return bytes.NewReader(buf.Bytes()), nil
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// Select resolves p (absolute or relative to root) starting from the
// image root, with a fallback to "/mnt/app/<name>" for the last path
// component when the direct lookup misses.
func (img *Image) Select(p string) (*Entry, error) {
	root, err := img.readDirInode(img.sb.RootInode)
	if err != nil {
		return nil, err
	}
	p = strings.TrimPrefix(path.Clean("/"+p), "/")
	if p == "" || p == "." {
		return root, nil
	}
	entry, err := img.walk(root, strings.Split(p, "/"))
	if err == nil {
		return entry, nil
	}
	fallback := "mnt/app/" + path.Base(p)
	return img.walk(root, strings.Split(fallback, "/"))
}

func (img *Image) walk(dir *Entry, parts []string) (*Entry, error) {
	cur := dir
	for _, part := range parts {
		if part == "" {
			continue
		}
		children, err := img.readDir(cur)
		if err != nil {
			return nil, err
		}
		next, ok := children[part]
		if !ok {
			return nil, errors.New("squashfs: not found: " + part)
		}
		cur = next
	}
	return cur, nil
}

// readDirInode fetches and parses the inode at packed reference ref
// (block<<16 | offset into the inode table), requiring it to be a
// directory.
func (img *Image) readDirInode(ref uint64) (*Entry, error) {
	e, err := img.readInode(ref)
	if err != nil {
		return nil, err
	}
	if !e.IsDir {
		return nil, errors.New("squashfs: root is not a directory")
	}
	return e, nil
}

func (img *Image) readInode(ref uint64) (*Entry, error) {
	block := uint32(ref >> 16)
	offset := uint16(ref & 0xffff)
	mr := img.newMetadataReader(int64(img.sb.InodeTableStart))
	hdr, err := mr.read(block, offset, 16)
	if err != nil {
		return nil, err
	}
	itype := binary.LittleEndian.Uint16(hdr[0:2])
	mode := binary.LittleEndian.Uint16(hdr[2:4])

	e := &Entry{Mode: mode, img: img}
	switch itype {
	case itDir:
		body, err := mr.read(block, offset+16, 16)
		if err != nil {
			return nil, err
		}
		e.IsDir = true
		e.blkStart = uint64(binary.LittleEndian.Uint32(body[0:4]))
		e.size = uint32(binary.LittleEndian.Uint16(body[8:10]))
		e.blkOffset = uint32(binary.LittleEndian.Uint16(body[10:12]))
	case itReg:
		body, err := mr.read(block, offset+16, 16)
		if err != nil {
			return nil, err
		}
		e.blkStart = uint64(binary.LittleEndian.Uint32(body[0:4]))
		e.fragIndex = binary.LittleEndian.Uint32(body[4:8])
		e.blkOffset = binary.LittleEndian.Uint32(body[8:12])
		e.size = binary.LittleEndian.Uint32(body[12:16])

		numBlocks := e.size / img.sb.BlockSize
		if e.fragIndex == noFragment && e.size%img.sb.BlockSize != 0 {
			numBlocks++
		}
		if numBlocks > 0 {
			list, err := mr.read(block, offset+16+16, int(numBlocks)*4)
			if err != nil {
				return nil, err
			}
			e.blockSizes = make([]uint32, numBlocks)
			for i := range e.blockSizes {
				e.blockSizes[i] = binary.LittleEndian.Uint32(list[i*4 : i*4+4])
			}
		}
	case itSymlink:
		body, err := mr.read(block, offset+16, 8)
		if err != nil {
			return nil, err
		}
		targetSize := binary.LittleEndian.Uint32(body[4:8])
		target, err := mr.read(block, offset+16+8, int(targetSize))
		if err != nil {
			return nil, err
		}
		e.IsLink = true
		e.LinkTarget = string(target)
	default:
		if itype > itSock {
			return nil, errors.New("squashfs: extended inode types are not supported")
		}
		// block/char/fifo/socket specials: no content, exposed as an
		// opaque entry.
	}
	return e, nil
}

// readDir reads dir's directory-table listing, resolving each entry's
// own inode lazily.
func (img *Image) readDir(dir *Entry) (map[string]*Entry, error) {
	out := map[string]*Entry{}
	if dir.size <= 3 {
		return out, nil // empty directory listing is exactly 3 bytes
	}
	mr := img.newMetadataReader(int64(img.sb.DirTableStart))
	remaining := int(dir.size) - 3
	block := uint32(dir.blkStart)
	offset := dir.blkOffset
	for remaining > 0 {
		hdr, err := mr.read(block, offset, 12)
		if err != nil {
			return nil, err
		}
		count := binary.LittleEndian.Uint32(hdr[0:4]) + 1
		startBlock := binary.LittleEndian.Uint32(hdr[4:8])
		inodeBase := int32(binary.LittleEndian.Uint32(hdr[8:12]))
		remaining -= 12
		offset += 12

		for i := uint32(0); i < count; i++ {
			entHdr, err := mr.read(block, offset, 8)
			if err != nil {
				return nil, err
			}
			inodeOffset := binary.LittleEndian.Uint16(entHdr[0:2])
			inodeNumDelta := int16(binary.LittleEndian.Uint16(entHdr[2:4]))
			nameSize := binary.LittleEndian.Uint16(entHdr[6:8])
			offset += 8
			remaining -= 8

			name, err := mr.read(block, offset, int(nameSize)+1)
			if err != nil {
				return nil, err
			}
			offset += uint16(nameSize) + 1
			remaining -= int(nameSize) + 1

			ref := uint64(startBlock)<<16 | uint64(inodeOffset)
			child, err := img.readInode(ref)
			if err != nil {
				return nil, err
			}
			child.Name = string(name)
			child.InodeNumber = inodeBase + int32(inodeNumDelta)
			out[child.Name] = child
		}
	}
	return out, nil
}

// ExtractTo recursively writes dir's whole subtree under destDir through
// write. What happens to a file that already exists is up to write; force
// is passed along the walk but not consulted by it.
func (img *Image) ExtractTo(dir *Entry, destDir string, force bool, write func(relPath string, content io.Reader, mode uint16) error) error {
	return img.extractDir(dir, "", destDir, force, write)
}

func (img *Image) extractDir(dir *Entry, relPrefix, destDir string, force bool, write func(string, io.Reader, uint16) error) error {
	children, err := img.readDir(dir)
	if err != nil {
		return err
	}
	for name, child := range children {
		rel := path.Join(relPrefix, name)
		switch {
		case child.IsDir:
			if err := img.extractDir(child, rel, destDir, force, write); err != nil {
				return err
			}
		case child.IsLink:
			// Symlinks carry no block data; callers decide how to
			// recreate them from LinkTarget.
			continue
		default:
			r, err := child.Open()
			if err != nil {
				return err
			}
			if err := write(rel, r, child.Mode); err != nil {
				return err
			}
		}
	}
	return nil
}
