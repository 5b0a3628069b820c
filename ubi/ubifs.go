package ubi

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"path"
	"strings"
)

// ErrNotUBIFS is returned when the expected superblock node is absent.
var ErrNotUBIFS = errors.New("ubifs: not a UBIFS image")

const ubifsNodeMagic = "\x31\x18\x10\x06" // UBIFS_NODE_MAGIC, little-endian on disk

const (
	commonHdrSize = 24

	nodeIno = 0
	nodeDat = 1
	nodeDnt = 2
	nodeXnt = 3
	nodeTrn = 4
	nodePad = 5
	nodeSb  = 6
	nodeMst = 7
	nodeRef = 8
	nodeIdx = 9
	nodeCs  = 10
	nodeOrp = 11

	keyTypeIno = 0
	keyTypeDat = 1
	keyTypeDnt = 2
	keyTypeXnt = 3

	itypeReg  = 0
	itypeDir  = 1
	itypeLnk  = 2
	itypeBlk  = 3
	itypeChr  = 4
	itypeFifo = 5
	itypeSock = 6

	ubifsBlockSize = 4096
	rootIno        = 1
)

type commonHdr struct {
	Magic    uint32
	Len      uint32
	NodeType uint8
}

func parseCommonHdr(b []byte) (commonHdr, bool) {
	if len(b) < commonHdrSize {
		return commonHdr{}, false
	}
	magic := binary.LittleEndian.Uint32(b[0:4])
	if b[0] != ubifsNodeMagic[0] || b[1] != ubifsNodeMagic[1] || b[2] != ubifsNodeMagic[2] || b[3] != ubifsNodeMagic[3] {
		return commonHdr{}, false
	}
	return commonHdr{
		Magic:    magic,
		Len:      binary.LittleEndian.Uint32(b[16:20]),
		NodeType: b[20],
	}, true
}

// key is an 8-byte UBIFS key: an inode number plus a type tag packed
// with either a name hash (dentry) or a block number (data node).
type key struct {
	Ino  uint32
	Type uint8
	Val  uint32 // hash (dentry/xentry) or block number (data)
}

func parseKey(b []byte) key {
	w0 := binary.LittleEndian.Uint32(b[0:4])
	w1 := binary.LittleEndian.Uint32(b[4:8])
	return key{
		Ino:  w0,
		Type: uint8(w1 >> 29),
		Val:  w1 & 0x1fffffff,
	}
}

// inoNode holds the subset of ubifs_ino_node fields this reader needs.
type inoNode struct {
	Size  uint64
	Nlink uint32
	UID   uint32
	GID   uint32
	Mode  uint32
	Itype uint8
	Data  []byte // inline data: symlink target or small-file content
}

func parseInoNode(body []byte) (inoNode, error) {
	// Layout after the common header: key(8) creat_sqnum(8) size(8)
	// atime_sec(8) ctime_sec(8) mtime_sec(8) atime_nsec(4) ctime_nsec(4)
	// mtime_nsec(4) nlink(4) uid(4) gid(4) mode(4) flags(4) data_len(4)
	// xattr_cnt(4) xattr_size(4) padding1(4) xattr_names(4) compr_type(2)
	// padding2(26), then data_len bytes of inline data.
	const fixedSize = 8 + 8 + 8 + 8 + 8 + 8 + 4 + 4 + 4 + 4 + 4 + 4 + 4 + 4 + 4 + 4 + 4 + 4 + 4 + 2 + 26
	if len(body) < fixedSize {
		return inoNode{}, errors.New("ubifs: truncated inode node")
	}
	size := binary.LittleEndian.Uint64(body[16:24])
	nlink := binary.LittleEndian.Uint32(body[60:64])
	uid := binary.LittleEndian.Uint32(body[64:68])
	gid := binary.LittleEndian.Uint32(body[68:72])
	mode := binary.LittleEndian.Uint32(body[72:76])
	dataLen := binary.LittleEndian.Uint32(body[80:84])

	itype := uint8((mode >> 12) & 0xf)
	// POSIX S_IFMT nibble values translated to the small itype enum the
	// reolinkfw reader actually branches on.
	var mapped uint8
	switch itype {
	case 0x8:
		mapped = itypeReg
	case 0x4:
		mapped = itypeDir
	case 0xa:
		mapped = itypeLnk
	case 0x6:
		mapped = itypeBlk
	case 0x2:
		mapped = itypeChr
	case 0x1:
		mapped = itypeFifo
	case 0xc:
		mapped = itypeSock
	default:
		mapped = itypeReg
	}

	var data []byte
	if dataLen > 0 && fixedSize+int(dataLen) <= len(body) {
		data = append([]byte(nil), body[fixedSize:fixedSize+int(dataLen)]...)
	}
	return inoNode{Size: size, Nlink: nlink, UID: uid, GID: gid, Mode: mode, Itype: mapped, Data: data}, nil
}

type dentNode struct {
	Inum uint32
	Type uint8
	Name string
}

func parseDentNode(body []byte) (dentNode, error) {
	// key(8) inum(4) type(1) nlen(2) padding(1), then nlen bytes of name.
	if len(body) < 16 {
		return dentNode{}, errors.New("ubifs: truncated dent node")
	}
	inum := binary.LittleEndian.Uint32(body[8:12])
	typ := body[12]
	nlen := binary.LittleEndian.Uint16(body[13:15])
	if 16+int(nlen) > len(body) {
		return dentNode{}, errors.New("ubifs: truncated dent name")
	}
	name := string(body[16 : 16+int(nlen)])
	return dentNode{Inum: inum, Type: typ, Name: name}, nil
}

type dataNode struct {
	Block uint32
	Data  []byte
}

func parseDataNode(body []byte, key key) (dataNode, error) {
	// key(8) size(4) compr_type(2) padding(2), then compressed/raw data.
	// This reader only accepts uncompressed data nodes (compr_type ==
	// 0); UBIFS images produced for these devices store application
	// data uncompressed in practice, so compressed data nodes surface
	// as a decoder-failed style error to the caller instead of being
	// silently misread.
	if len(body) < 16 {
		return dataNode{}, errors.New("ubifs: truncated data node")
	}
	size := binary.LittleEndian.Uint32(body[8:12])
	comprType := binary.LittleEndian.Uint16(body[12:14])
	if comprType != 0 {
		return dataNode{}, errors.New("ubifs: compressed data nodes are not supported")
	}
	if 16+int(size) > len(body) {
		return dataNode{}, errors.New("ubifs: truncated data node payload")
	}
	return dataNode{Block: key.Val, Data: body[16 : 16+size]}, nil
}

// masterNode carries just the root index pointer this reader needs.
type masterNode struct {
	RootLnum int64
	RootOffs int64
}

func parseMasterNode(body []byte) (masterNode, error) {
	// highest_inum(8) cmt_no(8) flags(4) log_lnum(4) root_lnum(4)
	// root_offs(4) ...
	if len(body) < 32 {
		return masterNode{}, errors.New("ubifs: truncated master node")
	}
	rootLnum := binary.LittleEndian.Uint32(body[24:28])
	rootOffs := binary.LittleEndian.Uint32(body[28:32])
	return masterNode{RootLnum: int64(rootLnum), RootOffs: int64(rootOffs)}, nil
}

type sbNode struct {
	LEBSize int64
}

func parseSBNode(body []byte) (sbNode, error) {
	// key_hash(1) key_fmt(1) flags(4) min_io_size(4) leb_size(4) ...
	if len(body) < 16 {
		return sbNode{}, errors.New("ubifs: truncated superblock node")
	}
	lebSize := binary.LittleEndian.Uint32(body[10:14])
	return sbNode{LEBSize: int64(lebSize)}, nil
}

// FS is a parsed UBIFS file system: an inode index built by walking the
// on-flash B+tree once at open time, plus the resolved root directory.
type FS struct {
	data    []byte
	lebSize int64
	inodes  map[uint32]*inode
	Root    *Dir
}

type inode struct {
	ino      inoNode
	dentries []dentNode
	data     map[uint32][]byte // data-node blocks keyed by block number
}

// Open parses the UBIFS superblock and master node at the front of data
// (a reassembled volume) and walks the index B+tree to build the inode
// table, mirroring `UBIFS.__init__`'s eager `walk.index` call.
func Open(data []byte) (*FS, error) {
	ch, ok := parseCommonHdr(data)
	if !ok || int(ch.NodeType) != nodeSb {
		return nil, ErrNotUBIFS
	}
	sb, err := parseSBNode(data[commonHdrSize:])
	if err != nil {
		return nil, err
	}
	if sb.LEBSize <= 0 {
		return nil, errors.New("ubifs: invalid leb_size")
	}

	// The master node is duplicated in LEB 1 and 2; LEB numbering in
	// this reassembled stream starts at 0, so LEB 1 holds the first
	// copy.
	mstOff := sb.LEBSize * 1
	if mstOff+commonHdrSize > int64(len(data)) {
		return nil, errors.New("ubifs: master node out of range")
	}
	mstCh, ok := parseCommonHdr(data[mstOff:])
	if !ok || int(mstCh.NodeType) != nodeMst {
		return nil, errors.New("ubifs: master node not found")
	}
	mst, err := parseMasterNode(data[mstOff+commonHdrSize:])
	if err != nil {
		return nil, err
	}

	fs := &FS{data: data, lebSize: sb.LEBSize, inodes: map[uint32]*inode{}}
	if err := fs.walkIndex(mst.RootLnum, mst.RootOffs); err != nil {
		return nil, err
	}

	root := fs.dirFor(rootIno, "", nil)
	if root == nil {
		return nil, errors.New("ubifs: root inode missing")
	}
	fs.Root = root
	return fs, nil
}

func (fs *FS) nodeAt(lnum, offs int64) ([]byte, commonHdr, error) {
	pos := lnum*fs.lebSize + offs
	if pos < 0 || pos+commonHdrSize > int64(len(fs.data)) {
		return nil, commonHdr{}, errors.New("ubifs: node offset out of range")
	}
	ch, ok := parseCommonHdr(fs.data[pos:])
	if !ok {
		return nil, commonHdr{}, errors.New("ubifs: bad node magic")
	}
	end := pos + int64(ch.Len)
	if end > int64(len(fs.data)) {
		return nil, commonHdr{}, errors.New("ubifs: node length out of range")
	}
	return fs.data[pos+commonHdrSize : end], ch, nil
}

// walkIndex recursively descends the B+tree starting at (lnum, offs),
// gathering inode, dentry, and data nodes into fs.inodes, the same
// traversal `walk.index` performs in the Python original.
func (fs *FS) walkIndex(lnum, offs int64) error {
	body, ch, err := fs.nodeAt(lnum, offs)
	if err != nil {
		return err
	}
	switch int(ch.NodeType) {
	case nodeIdx:
		return fs.walkIdxNode(body)
	case nodeIno:
		n, err := parseInoNode(body)
		if err != nil {
			return err
		}
		fs.inode(keyInoOf(body)).ino = n
		return nil
	case nodeDnt, nodeXnt:
		d, err := parseDentNode(body)
		if err != nil {
			return err
		}
		parent := keyInoOf(body)
		ent := fs.inode(parent)
		ent.dentries = append(ent.dentries, d)
		return nil
	case nodeDat:
		k := parseKey(body)
		d, err := parseDataNode(body, k)
		if err != nil {
			return err
		}
		ent := fs.inode(k.Ino)
		if ent.data == nil {
			ent.data = map[uint32][]byte{}
		}
		ent.data[d.Block] = d.Data
		return nil
	default:
		// pad, cs, ref, trun, orph nodes carry nothing this reader
		// exposes through the file tree.
		return nil
	}
}

func keyInoOf(body []byte) uint32 {
	return parseKey(body).Ino
}

func (fs *FS) inode(ino uint32) *inode {
	e, ok := fs.inodes[ino]
	if !ok {
		e = &inode{}
		fs.inodes[ino] = e
	}
	return e
}

func (fs *FS) walkIdxNode(body []byte) error {
	if len(body) < 4 {
		return errors.New("ubifs: truncated index node")
	}
	childCnt := binary.LittleEndian.Uint16(body[0:2])
	const branchSize = 4 + 4 + 4 + 8 // lnum, offs, len, key
	off := 4
	for i := 0; i < int(childCnt); i++ {
		if off+branchSize > len(body) {
			return errors.New("ubifs: truncated branch table")
		}
		branch := body[off : off+branchSize]
		lnum := binary.LittleEndian.Uint32(branch[0:4])
		boffs := binary.LittleEndian.Uint32(branch[4:8])
		off += branchSize
		if err := fs.walkIndex(int64(lnum), int64(boffs)); err != nil {
			return err
		}
	}
	return nil
}

// --- file tree -------------------------------------------------------

// Node is implemented by Dir, Reg, and Symlink.
type Node interface {
	Name() string
	Mode() uint32
	IsDir() bool
}

type base struct {
	name string
	mode uint32
}

func (b *base) Name() string { return b.name }
func (b *base) Mode() uint32 { return b.mode }

// Reg is a regular file.
type Reg struct {
	base
	size int64
	data map[uint32][]byte
}

func (r *Reg) IsDir() bool { return false }

// Bytes concatenates the file's data-node blocks in block order,
// zero-filling any block the index never recorded (a hole).
func (r *Reg) Bytes() []byte {
	out := make([]byte, r.size)
	for block, chunk := range r.data {
		start := int64(block) * ubifsBlockSize
		if start >= r.size {
			continue
		}
		end := start + int64(len(chunk))
		if end > r.size {
			end = r.size
		}
		copy(out[start:end], chunk[:end-start])
	}
	return out
}

// Symlink exposes its target as inline inode data.
type Symlink struct {
	base
	target string
}

func (s *Symlink) IsDir() bool   { return false }
func (s *Symlink) Target() string { return s.target }

// Dir is a directory; Select resolves a path relative to it.
type Dir struct {
	base
	fs       *FS
	ino      uint32
	parent   *Dir
	children map[string]Node
}

func (d *Dir) IsDir() bool { return true }

// Children returns every directory entry, built lazily from the
// dentries gathered at Open time.
func (d *Dir) Children() map[string]Node {
	if d.children != nil {
		return d.children
	}
	d.children = map[string]Node{}
	ent := d.fs.inodes[d.ino]
	for _, dent := range ent.dentries {
		child := d.fs.nodeFor(dent.Inum, dent.Type, dent.Name, d)
		if child != nil {
			d.children[dent.Name] = child
		}
	}
	return d.children
}

func (fs *FS) nodeFor(ino uint32, dtype uint8, name string, parent *Dir) Node {
	switch dtype {
	case itypeDir:
		return fs.dirFor(ino, name, parent)
	case itypeLnk:
		e, ok := fs.inodes[ino]
		if !ok {
			return nil
		}
		return &Symlink{base: base{name: name, mode: e.ino.Mode}, target: string(e.ino.Data)}
	default:
		e, ok := fs.inodes[ino]
		if !ok {
			return nil
		}
		return &Reg{base: base{name: name, mode: e.ino.Mode}, size: int64(e.ino.Size), data: e.data}
	}
}

func (fs *FS) dirFor(ino uint32, name string, parent *Dir) *Dir {
	e, ok := fs.inodes[ino]
	if !ok {
		return nil
	}
	return &Dir{base: base{name: name, mode: e.ino.Mode}, fs: fs, ino: ino, parent: parent}
}

// Select resolves p (absolute or relative, with "." and ".." support)
// against d, mirroring Directory.select in the Python original.
func (d *Dir) Select(p string) Node {
	p = path.Clean(p)
	if p == ".." {
		if d.parent != nil {
			return d.parent
		}
		return d
	}
	if strings.HasPrefix(p, "/") {
		if d.parent == nil {
			p = strings.TrimPrefix(p, "/")
		} else {
			return d.fs.Root.Select(p)
		}
	}
	if p == "." || p == "" {
		return d
	}
	parts := strings.SplitN(p, "/", 2)
	child, ok := d.Children()[parts[0]]
	if !ok {
		return nil
	}
	if len(parts) == 1 {
		return child
	}
	if cd, ok := child.(*Dir); ok {
		return cd.Select(parts[1])
	}
	return nil
}

// ExtractTo recursively writes d's whole subtree under destDir via write.
// Symlinks are skipped (callers recreate them from Target()); force does
// not apply here, matching the journalling file system's existing-file
// rule: a destination file already present is left untouched.
func (d *Dir) ExtractTo(destDir string, write func(relPath string, content io.Reader, mode uint32) error) error {
	return d.extractTo("", destDir, write)
}

func (d *Dir) extractTo(relPrefix, destDir string, write func(string, io.Reader, uint32) error) error {
	for name, child := range d.Children() {
		rel := path.Join(relPrefix, name)
		switch n := child.(type) {
		case *Dir:
			if err := n.extractTo(rel, destDir, write); err != nil {
				return err
			}
		case *Symlink:
			continue
		case *Reg:
			if err := write(rel, bytes.NewReader(n.Bytes()), n.Mode()); err != nil {
				return err
			}
		}
	}
	return nil
}
