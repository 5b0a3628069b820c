// Package cramfs implements enough of the read-only CramFS format to
// open an image at an arbitrary offset, resolve a path to an inode,
// stream a file's content, and walk the whole tree for extraction.
package cramfs

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
	magic          = 0x28cd3d45
	superblockSize = 76
	blockSize      = 4096
	inodeSize      = 12
)

// ErrNotCramFS is returned when the magic does not match.
var ErrNotCramFS = errors.New("cramfs: bad magic")

// mode bits, the standard POSIX S_IFMT family as packed into the
// inode's 16-bit mode field.
const (
	modeFmt  = 0170000
	modeDir  = 0040000
	modeReg  = 0100000
	modeLnk  = 0120000
)

type superblock struct {
	Size      uint32
	Flags     uint32
	RootInode rawInode
}

func parseSuperblock(b []byte) (superblock, error) {
	if len(b) < superblockSize || binary.LittleEndian.Uint32(b[0:4]) != magic {
		return superblock{}, ErrNotCramFS
	}
	var sb superblock
	sb.Size = binary.LittleEndian.Uint32(b[4:8])
	sb.Flags = binary.LittleEndian.Uint32(b[8:12])
	sb.RootInode = parseRawInode(b[64:76])
	return sb, nil
}

// rawInode is the packed 12-byte on-disk inode: mode/uid in the first
// word, size/gid in the second, namelen/offset (both in 4-byte units)
// in the third.
type rawInode struct {
	Mode    uint16
	UID     uint16
	Size    uint32
	GID     uint8
	NameLen uint32 // bytes, already ×4 and un-padded by caller
	Offset  uint32 // bytes, already ×4
}

func parseRawInode(b []byte) rawInode {
	w0 := binary.LittleEndian.Uint32(b[0:4])
	w1 := binary.LittleEndian.Uint32(b[4:8])
	w2 := binary.LittleEndian.Uint32(b[8:12])
	return rawInode{
		Mode:    uint16(w0 & 0xffff),
		UID:     uint16(w0 >> 16),
		Size:    w1 & 0xffffff,
		GID:     uint8(w1 >> 24),
		NameLen: (w2 & 0x3f) * 4,
		Offset:  (w2 >> 6) * 4,
	}
}

// Image is an opened CramFS image over an arbitrary ReaderAt-backed
// section.
type Image struct {
	r    io.ReaderAt
	base int64
	sb   superblock
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
	return &Image{r: r, base: off, sb: sb}, nil
}

// Entry describes one inode reachable from the image.
type Entry struct {
	Name       string
	Mode       uint16
	IsDir      bool
	IsLink     bool
	LinkTarget string
	size       uint32
	offset     uint32 // byte offset of this inode's data/listing region
	img        *Image
}

func (img *Image) entryFromRaw(ri rawInode) (*Entry, error) {
	e := &Entry{Mode: ri.Mode, size: ri.Size, offset: ri.Offset, img: img}
	switch ri.Mode & modeFmt {
	case modeDir:
		e.IsDir = true
	case modeLnk:
		e.IsLink = true
		target, err := img.readFileData(ri.Offset, ri.Size)
		if err != nil {
			return nil, err
		}
		e.LinkTarget = string(target)
	case modeReg:
		// handled lazily by Entry.Open
	default:
		// char/block/fifo/socket specials: no content to read.
	}
	return e, nil
}

// Open returns a reader over a regular file entry's content.
func (e *Entry) Open() (io.Reader, error) {
	if e.IsDir || e.IsLink {
		return nil, errors.New("cramfs: not a regular file")
	}
	data, err := e.img.readFileData(e.offset, e.size)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(data), nil
}

// readFileData reads and decompresses the whole of a file's (or
// symlink's) block-pointer-table-prefixed data region.
func (img *Image) readFileData(offset, size uint32) ([]byte, error) {
	numBlocks := (int64(size) + blockSize - 1) / blockSize
	if numBlocks == 0 {
		return nil, nil
	}
	ptrTable := make([]byte, numBlocks*4)
	if _, err := img.r.ReadAt(ptrTable, img.base+int64(offset)); err != nil {
		return nil, err
	}

	out := make([]byte, 0, size)
	dataStart := int64(offset) + numBlocks*4
	var prevEnd uint32
	remaining := int64(size)
	for i := int64(0); i < numBlocks; i++ {
		end := binary.LittleEndian.Uint32(ptrTable[i*4 : i*4+4])
		blkLen := end - prevEnd

		take := int64(blockSize)
		if remaining < take {
			take = remaining
		}

		if blkLen == 0 {
			// a hole: the original block was entirely zero and was
			// never stored.
			out = append(out, make([]byte, take)...)
		} else {
			chunk := make([]byte, blkLen)
			if _, err := img.r.ReadAt(chunk, img.base+dataStart+int64(prevEnd)); err != nil {
				return nil, err
			}
			dec, err := inflate(chunk)
			if err != nil {
				return nil, err
			}
			if int64(len(dec)) < take {
				take = int64(len(dec))
			}
			out = append(out, dec[:take]...)
		}
		prevEnd = end
		remaining -= take
	}
	return out, nil
}

func inflate(b []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

// readDir reads dir's packed inode+name listing, resolving each
// child's own raw inode immediately (directory tables are small and
// fully materialised in one read, unlike SquashFS/UBIFS's cursor
// schemes).
func (img *Image) readDir(dir *Entry) (map[string]*Entry, error) {
	out := map[string]*Entry{}
	if dir.size == 0 {
		return out, nil
	}
	listing := make([]byte, dir.size)
	if _, err := img.r.ReadAt(listing, img.base+int64(dir.offset)); err != nil {
		return nil, err
	}

	pos := 0
	for pos+inodeSize <= len(listing) {
		ri := parseRawInode(listing[pos : pos+inodeSize])
		pos += inodeSize
		if pos+int(ri.NameLen) > len(listing) {
			return nil, errors.New("cramfs: directory listing truncated")
		}
		name := listing[pos : pos+int(ri.NameLen)]
		pos += int(ri.NameLen)
		name = bytes.TrimRight(name, "\x00")

		child, err := img.entryFromRaw(ri)
		if err != nil {
			return nil, err
		}
		child.Name = string(name)
		out[child.Name] = child
	}
	return out, nil
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
			return nil, errors.New("cramfs: not found: " + part)
		}
		cur = next
	}
	return cur, nil
}

// Select resolves p (absolute or relative to root) starting from the
// image root, with a fallback to "/mnt/app/<name>" for the last path
// component when the direct lookup misses.
func (img *Image) Select(p string) (*Entry, error) {
	root, err := img.entryFromRaw(img.sb.RootInode)
	if err != nil {
		return nil, err
	}
	if !root.IsDir {
		return nil, errors.New("cramfs: root is not a directory")
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

// ExtractTo recursively writes dir's whole subtree under destDir via
// write, the same contract SquashFS/UBIFS extraction uses.
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
