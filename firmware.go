package reolinkfw

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"reolinkfw/cramfs"
	"reolinkfw/squashfs"
	"reolinkfw/ubi"
)

// metadataFileNames are probed, in this order, against the application
// file system's root and its "mnt/app" fallback, forming the metadata
// bundle the façade hands to report construction.
var metadataFileNames = []string{"version_file", "version.json", "dvr.xml", "dvr", "router"}

// ubiInnerMagicOffset is the fixed distance, from the start of a UBI
// volume's reassembled data, at which the wrapped file system's own
// magic is found.
const ubiInnerMagicOffset = 260 * 1024

// Metadata is the fixed bundle of files read out of the application file
// system. Dvr and Router are optional; VersionFile and DvrXML are not.
type Metadata struct {
	VersionFile []byte
	DvrXML      []byte
	Dvr         []byte
	Router      []byte
}

// dvrXMLAttrs are the recognised attributes of dvr.xml's root element.
type dvrXMLAttrs struct {
	FirmwareVersionPrefix string `xml:"firmware_version_prefix,attr"`
	BoardType             string `xml:"board_type,attr"`
	BoardName             string `xml:"board_name,attr"`
	BuildDate             string `xml:"build_date,attr"`
	DisplayTypeInfo       string `xml:"display_type_info,attr"`
	DetailMachineType     string `xml:"detail_machine_type,attr"`
	Type                  string `xml:"type,attr"`
}

func parseDvrXML(b []byte) (dvrXMLAttrs, error) {
	var a dvrXMLAttrs
	if err := xml.Unmarshal(b, &a); err != nil {
		return a, wrapErr(ErrDecoderFailed, "dvr.xml", err)
	}
	return a, nil
}

var firmwareVersionPrefixRe = regexp.MustCompile(`echo (v[23]\.0\.0)`)

// firmwareVersionPrefix resolves dvr.xml's firmware_version_prefix
// attribute, falling back to a regex scan of the dvr or router binary
// when the attribute is absent.
func firmwareVersionPrefix(attrs dvrXMLAttrs, meta *Metadata) string {
	if attrs.FirmwareVersionPrefix != "" {
		return attrs.FirmwareVersionPrefix
	}
	bin := meta.Dvr
	if bin == nil {
		bin = meta.Router
	}
	if bin == nil {
		return ""
	}
	m := firmwareVersionPrefixRe.FindSubmatch(bin)
	if m == nil {
		return ""
	}
	return string(m[1])
}

// dispatchedFS is the façade's uniform handle onto whichever concrete
// file-system reader the application section turned out to hold: one
// dispatch, then read/extract through closures rather than an interface,
// since only the façade ever needs to address it.
type dispatchedFS struct {
	kind      FSKind
	readFile  func(name string) ([]byte, bool, error)
	extractTo func(destDir string, force bool) error
}

func wrapSquashFS(img *squashfs.Image) *dispatchedFS {
	return &dispatchedFS{
		kind: FSSquashFS,
		readFile: func(name string) ([]byte, bool, error) {
			e, err := img.Select(name)
			if err != nil {
				return nil, false, nil
			}
			r, err := e.Open()
			if err != nil {
				return nil, true, wrapErr(ErrDecoderFailed, "squashfs("+name+")", err)
			}
			b, err := io.ReadAll(r)
			if err != nil {
				return nil, true, wrapErr(ErrDecoderFailed, "squashfs("+name+")", err)
			}
			return b, true, nil
		},
		extractTo: func(destDir string, force bool) error {
			root, err := img.Select("")
			if err != nil {
				return err
			}
			return img.ExtractTo(root, destDir, force, extractWriter16(destDir, force))
		},
	}
}

func wrapCramFS(img *cramfs.Image) *dispatchedFS {
	return &dispatchedFS{
		kind: FSCramFS,
		readFile: func(name string) ([]byte, bool, error) {
			e, err := img.Select(name)
			if err != nil {
				return nil, false, nil
			}
			r, err := e.Open()
			if err != nil {
				return nil, true, wrapErr(ErrDecoderFailed, "cramfs("+name+")", err)
			}
			b, err := io.ReadAll(r)
			if err != nil {
				return nil, true, wrapErr(ErrDecoderFailed, "cramfs("+name+")", err)
			}
			return b, true, nil
		},
		extractTo: func(destDir string, force bool) error {
			root, err := img.Select("")
			if err != nil {
				return err
			}
			return img.ExtractTo(root, destDir, force, extractWriter16(destDir, force))
		},
	}
}

func wrapUBIFS(fs *ubi.FS) *dispatchedFS {
	return &dispatchedFS{
		kind: FSUBIFS,
		readFile: func(name string) ([]byte, bool, error) {
			node := fs.Root.Select(name)
			if node == nil {
				node = fs.Root.Select("mnt/app/" + name)
			}
			if node == nil {
				return nil, false, nil
			}
			reg, ok := node.(*ubi.Reg)
			if !ok {
				return nil, false, nil
			}
			return reg.Bytes(), true, nil
		},
		extractTo: func(destDir string, force bool) error {
			// force never applies to UBIFS: a pre-existing file is
			// always left untouched.
			return fs.Root.ExtractTo(destDir, extractWriterUBIFS(destDir))
		},
	}
}

// dispatchFS reads data's leading magic and builds the matching
// dispatchedFS, descending one extra level through a UBI erase-block
// wrapper when present. This is the application-FS dispatch state
// machine: READ_MAGIC, then, for a UBI wrapper, INNER_MAGIC.
func dispatchFS(data []byte) (*dispatchedFS, error) {
	if len(data) < 4 {
		return nil, newErr(ErrTruncated, "fs-magic")
	}
	switch CheckFSKind(data[:4]) {
	case FSSquashFS:
		img, err := squashfs.Open(bytes.NewReader(data), 0)
		if err != nil {
			return nil, wrapErr(ErrDecoderFailed, "squashfs", err)
		}
		return wrapSquashFS(img), nil
	case FSCramFS:
		img, err := cramfs.Open(bytes.NewReader(data), 0)
		if err != nil {
			return nil, wrapErr(ErrDecoderFailed, "cramfs", err)
		}
		return wrapCramFS(img), nil
	case FSUBIFS:
		fs, err := ubi.Open(data)
		if err != nil {
			return nil, wrapErr(ErrDecoderFailed, "ubifs", err)
		}
		return wrapUBIFS(fs), nil
	case FSUBI:
		return dispatchUBI(data)
	default:
		return nil, newErr(ErrUnrecognisedImageType, "app-fs")
	}
}

func dispatchUBI(data []byte) (*dispatchedFS, error) {
	pebSize, err := ubi.GuessPEBSize(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, wrapErr(ErrUnknownFSInUBI, "peb-size", err)
	}
	volumes, err := ubi.ReadVolumes(bytes.NewReader(data), int64(len(data)), pebSize)
	if err != nil {
		return nil, wrapErr(ErrUnknownFSInUBI, "volumes", err)
	}
	vol, ok := ubi.SelectVolume(volumes)
	if !ok {
		return nil, newErr(ErrUnknownFSInUBI, "no-volume")
	}
	if len(vol.Data) < ubiInnerMagicOffset+4 {
		return nil, newErr(ErrUnknownFSInUBI, "volume-too-small")
	}
	inner := vol.Data[ubiInnerMagicOffset:]
	switch CheckFSKind(inner[:4]) {
	case FSUBIFS:
		fs, err := ubi.Open(inner)
		if err != nil {
			return nil, wrapErr(ErrUnknownFSInUBI, "ubifs", err)
		}
		return wrapUBIFS(fs), nil
	case FSSquashFS:
		img, err := squashfs.Open(bytes.NewReader(inner), 0)
		if err != nil {
			return nil, wrapErr(ErrUnknownFSInUBI, "squashfs", err)
		}
		return wrapSquashFS(img), nil
	default:
		return nil, newErr(ErrUnknownFSInUBI, "inner-magic")
	}
}

// gatherMetadata probes fs for every metadata file name, failing only
// when a required one (version_file, dvr.xml) is absent.
func gatherMetadata(fs *dispatchedFS) (*Metadata, error) {
	files := map[string][]byte{}
	for _, name := range metadataFileNames {
		b, ok, err := fs.readFile(name)
		if err != nil {
			return nil, err
		}
		if ok {
			files[name] = b
		}
	}
	versionFile, ok := files["version_file"]
	if !ok {
		return nil, newErr(ErrMissingSection, "version_file")
	}
	dvrXML, ok := files["dvr.xml"]
	if !ok {
		return nil, newErr(ErrMissingSection, "dvr.xml")
	}
	return &Metadata{VersionFile: versionFile, DvrXML: dvrXML, Dvr: files["dvr"], Router: files["router"]}, nil
}

// readAllWindow copies a window's whole content into memory. Application,
// U-Boot, and kernel sections on these devices are at most tens of
// megabytes, well within what the façade can hold at once — the same
// assumption the Python original makes by loading each section as a
// single bytes object.
func readAllWindow(w *Window) ([]byte, error) {
	buf := make([]byte, w.Len())
	off := int64(0)
	for off < int64(len(buf)) {
		n, err := w.ReadAt(buf[off:], off)
		off += int64(n)
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, wrapErr(ErrTruncated, "read-section", err)
		}
		if n == 0 {
			break
		}
	}
	return buf[:off], nil
}

// Firmware is the façade: one byte source, its parsed PAK header, and
// the lazily computed, memoized derived state spec.md's data model
// names (U-Boot bytes, kernel bytes, parsed FDT, application file
// system, metadata bundle) — mirroring the field-holds-computed-state
// pattern the teacher's BootImg uses for its own header structs.
type Firmware struct {
	src *Source
	pak *PAK

	ubootOnce  sync.Once
	ubootBytes []byte
	ubootErr   error

	kernelOnce  sync.Once
	kernelBytes []byte
	kernelErr   error

	fdtOnce sync.Once
	fdt     *FDTHeader
	fdtErr  error

	appFSOnce sync.Once
	appFS     *dispatchedFS
	appFSErr  error

	metaOnce sync.Once
	meta     *Metadata
	metaErr  error
}

// Open wraps r (of the given size) as a Firmware, verifying the data
// model's section invariants: a U-Boot section and a kernel section with
// nonzero length, and at least one application-FS section. Further
// sections with the same logical name are not rejected.
func Open(r io.ReaderAt, size int64) (*Firmware, error) {
	src := NewSource(r, size)
	pak, err := OpenPAK(src)
	if err != nil {
		src.release()
		return nil, err
	}
	if _, ok := pak.UBootSection(); !ok {
		pak.Close()
		return nil, newErr(ErrMissingSection, "uboot")
	}
	if _, ok := pak.KernelSection(); !ok {
		pak.Close()
		return nil, newErr(ErrMissingSection, "kernel")
	}
	if _, ok := pak.ApplicationSection(); !ok {
		pak.Close()
		return nil, newErr(ErrMissingSection, "fs")
	}
	return &Firmware{src: src, pak: pak}, nil
}

// Close releases the façade's hold on its byte source.
func (fw *Firmware) Close() error {
	return fw.pak.Close()
}

// PAK returns the parsed PAK header this façade was built from.
func (fw *Firmware) PAK() *PAK {
	return fw.pak
}

var (
	bclMagicBytes = []byte(bclMagic)
	grainMediaRe  = regexp.MustCompile(`^GM\d{4}`)
)

const (
	mstarOSByte       = 0x11
	mstarTypeByte     = 0x02
	hisiliconLogoText = "HISILICON LOGO MAGIC"
)

// uboot returns the U-Boot section's bytes, BCL-decompressed and
// MStar-header-unwrapped where those variants apply, memoized.
func (fw *Firmware) uboot() ([]byte, error) {
	fw.ubootOnce.Do(func() {
		sec, ok := fw.pak.UBootSection()
		if !ok {
			fw.ubootErr = newErr(ErrMissingSection, "uboot")
			return
		}
		w, err := fw.pak.Open(sec)
		if err != nil {
			fw.ubootErr = err
			return
		}
		defer w.Close()
		raw, err := readAllWindow(w)
		if err != nil {
			fw.ubootErr = err
			return
		}
		fw.ubootBytes = decodeUBootSection(raw)
	})
	return fw.ubootBytes, fw.ubootErr
}

func decodeUBootSection(raw []byte) []byte {
	buf := raw
	if len(buf) >= 4 && bytes.Equal(buf[:4], bclMagicBytes) {
		if out, err := DecodeBCL(bytes.NewReader(buf)); err == nil {
			buf = out
		}
	}
	if body, ok := unwrapMStarUBoot(buf); ok {
		buf = body
	}
	return buf
}

// unwrapMStarUBoot scans for a legacy image header whose OS/type bytes
// mark the MStar variant (OS 0x11, type 0x02) and returns the bytes that
// follow it, the way FindFDTHeader scans for FDT magics.
func unwrapMStarUBoot(buf []byte) ([]byte, bool) {
	magic := []byte(UImageMagic)
	off := 0
	for {
		idx := bytes.Index(buf[off:], magic)
		if idx == -1 {
			return nil, false
		}
		start := off + idx
		if start+legacyImageHeaderSize <= len(buf) &&
			buf[start+28] == mstarOSByte && buf[start+30] == mstarTypeByte {
			return buf[start+legacyImageHeaderSize:], true
		}
		off = start + 4
		if off >= len(buf) {
			return nil, false
		}
	}
}

var (
	ubootVersionRe = regexp.MustCompile(`U-Boot \d{4}\.\d{2}[^\x00\n]*? \([^\x00\n]*?\)`)
	compilerRe     = regexp.MustCompile(`gcc version [^\x00\n]+`)
	linkerRe       = regexp.MustCompile(`GNU ld[^\x00\n]+`)
)

// UBootVersion scans the decoded U-Boot bytes for the "U-Boot YYYY.MM …
// (…)" banner.
func (fw *Firmware) UBootVersion() (string, error) {
	buf, err := fw.uboot()
	if err != nil {
		return "", err
	}
	m := ubootVersionRe.Find(buf)
	if m == nil {
		return "", nil
	}
	return string(m), nil
}

// UBootCompilerLinker scans the decoded U-Boot bytes for the compiler
// and linker banners and joins whichever are found.
func (fw *Firmware) UBootCompilerLinker() (string, error) {
	buf, err := fw.uboot()
	if err != nil {
		return "", err
	}
	var parts []string
	if m := compilerRe.Find(buf); m != nil {
		parts = append(parts, string(m))
	}
	if m := linkerRe.Find(buf); m != nil {
		parts = append(parts, string(m))
	}
	return strings.Join(parts, ", "), nil
}

// KernelHeader reads and parses the kernel section's 64-byte legacy
// image header. Cheap enough to recompute on demand rather than memoize.
func (fw *Firmware) KernelHeader() (*LegacyImageHeader, error) {
	sec, ok := fw.pak.KernelSection()
	if !ok {
		return nil, newErr(ErrMissingSection, "kernel")
	}
	w, err := fw.pak.Open(sec)
	if err != nil {
		return nil, err
	}
	defer w.Close()
	return ReadLegacyImageHeader(w)
}

// kernel returns the kernel section's fully decompressed payload,
// memoized.
func (fw *Firmware) kernel() ([]byte, error) {
	fw.kernelOnce.Do(func() {
		sec, ok := fw.pak.KernelSection()
		if !ok {
			fw.kernelErr = newErr(ErrMissingSection, "kernel")
			return
		}
		w, err := fw.pak.Open(sec)
		if err != nil {
			fw.kernelErr = err
			return
		}
		defer w.Close()
		raw, err := readAllWindow(w)
		if err != nil {
			fw.kernelErr = err
			return
		}
		fw.kernelBytes, fw.kernelErr = decodeKernelSection(raw)
	})
	return fw.kernelBytes, fw.kernelErr
}

// kernelCompressionScanWindow bounds how far past the "-- System halted"
// marker decodeKernelSection searches for a compression magic, so a
// corrupted section fails fast instead of scanning to the section end.
const kernelCompressionScanWindow = 1 << 16

func decodeKernelSection(raw []byte) ([]byte, error) {
	if len(raw) < legacyImageHeaderSize {
		return nil, newErr(ErrTruncated, "kernel-header")
	}
	body := raw[legacyImageHeaderSize:]
	if kind := CheckCompKind(body); kind == CompXZ || kind == CompLZMA {
		return Decompress(kind, bytes.NewReader(body))
	}
	idx := bytes.Index(body, []byte(SysHaltedStr))
	if idx == -1 {
		return nil, newErr(ErrSystemHaltedNotFound, "kernel")
	}
	end := idx + kernelCompressionScanWindow
	if end > len(body) {
		end = len(body)
	}
	for i := idx; i < end; i++ {
		if kind := CheckCompKind(body[i:]); kind != CompUnknown {
			return Decompress(kind, bytes.NewReader(body[i:]))
		}
	}
	return nil, newErr(ErrNoKnownCompression, "kernel")
}

// FDT returns the first flattened device tree with a non-empty model
// property, looked up first in a dedicated "fdt" section, then the raw
// kernel section bytes, then the decompressed kernel, memoized.
func (fw *Firmware) FDT() (*FDTHeader, error) {
	fw.fdtOnce.Do(func() {
		if hdr := fw.fdtFromSection("fdt"); hdr != nil {
			fw.fdt = hdr
			return
		}
		if hdr := fw.fdtFromSection("kernel"); hdr != nil {
			fw.fdt = hdr
			return
		}
		if kbuf, err := fw.kernel(); err == nil {
			if hdr, model := FindFDTHeader(kbuf); model != "" {
				fw.fdt = hdr
				return
			}
		}
		fw.fdtErr = newErr(ErrMissingSection, "fdt")
	})
	return fw.fdt, fw.fdtErr
}

func (fw *Firmware) fdtFromSection(logical string) *FDTHeader {
	var sec Section
	var ok bool
	switch logical {
	case "fdt":
		sec, ok = fw.pak.Section("fdt")
	case "kernel":
		sec, ok = fw.pak.KernelSection()
	}
	if !ok || sec.Len == 0 {
		return nil
	}
	w, err := fw.pak.Open(sec)
	if err != nil {
		return nil
	}
	defer w.Close()
	raw, err := readAllWindow(w)
	if err != nil {
		return nil
	}
	hdr, model := FindFDTHeader(raw)
	if model == "" {
		return nil
	}
	return hdr
}

// BoardVendor derives the board vendor from the FDT's compatible string
// when an FDT is present, otherwise probes the U-Boot section for the
// Grain Media or HiSilicon markers.
func (fw *Firmware) BoardVendor() (string, error) {
	if hdr, err := fw.FDT(); err == nil && hdr != nil {
		if compat := hdr.Property("compatible"); compat != "" {
			return vendorFromCompatible(compat), nil
		}
	}
	buf, err := fw.uboot()
	if err != nil {
		return "", err
	}
	if grainMediaRe.Match(buf) {
		return "Grain Media", nil
	}
	if bytes.Contains(buf, []byte(hisiliconLogoText)) {
		return "HiSilicon", nil
	}
	return "", nil
}

func vendorFromCompatible(compat string) string {
	lower := strings.ToLower(compat)
	switch {
	case strings.Contains(lower, "novatek"):
		return "Novatek"
	case strings.Contains(lower, "sstar"):
		return "MStar/SigmaStar"
	case strings.Contains(lower, "hisilicon"):
		return "HiSilicon"
	default:
		if i := strings.IndexByte(compat, ','); i != -1 {
			return compat[:i]
		}
		return compat
	}
}

// BoardName returns the FDT's model property, when an FDT is present.
func (fw *Firmware) BoardName() (string, error) {
	hdr, err := fw.FDT()
	if err != nil {
		return "", err
	}
	return hdr.Property("model"), nil
}

var linuxBannerRe = regexp.MustCompile(`Linux version [^\x00\n]+ \([^\x00\n]+@[^\x00\n]+\) \([^\x00\n]+\) [^\x00\n]+`)

// LinuxBanner is the first "Linux version ... (...@...) (...) ..." match
// inside the decompressed kernel.
func (fw *Firmware) LinuxBanner() (string, error) {
	buf, err := fw.kernel()
	if err != nil {
		return "", err
	}
	m := linuxBannerRe.Find(buf)
	if m == nil {
		return "", nil
	}
	return string(m), nil
}

// applicationFS dispatches and memoizes the application file system.
func (fw *Firmware) applicationFS() (*dispatchedFS, error) {
	fw.appFSOnce.Do(func() {
		sec, ok := fw.pak.ApplicationSection()
		if !ok {
			fw.appFSErr = newErr(ErrMissingSection, "fs")
			return
		}
		w, err := fw.pak.Open(sec)
		if err != nil {
			fw.appFSErr = err
			return
		}
		defer w.Close()
		data, err := readAllWindow(w)
		if err != nil {
			fw.appFSErr = err
			return
		}
		fw.appFS, fw.appFSErr = dispatchFS(data)
	})
	return fw.appFS, fw.appFSErr
}

// Metadata extracts and memoizes the metadata bundle from the
// application file system.
func (fw *Firmware) Metadata() (*Metadata, error) {
	fw.metaOnce.Do(func() {
		fs, err := fw.applicationFS()
		if err != nil {
			fw.metaErr = err
			return
		}
		fw.meta, fw.metaErr = gatherMetadata(fs)
	})
	return fw.meta, fw.metaErr
}

// writeExtracted applies the extraction overwrite policy while writing
// content to destDir/relPath: force overwrites, otherwise a pre-existing
// file fails with ErrExists, unless skipExisting silently leaves it
// untouched regardless of force (the UBIFS rule).
func writeExtracted(destDir, relPath string, content io.Reader, mode uint32, force, skipExisting bool) error {
	full := filepath.Join(destDir, filepath.FromSlash(relPath))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	if _, err := os.Stat(full); err == nil {
		if skipExisting {
			return nil
		}
		if !force {
			return newErr(ErrExists, relPath)
		}
	}
	f, err := os.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(mode&0o777))
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, content)
	return err
}

func extractWriter16(destDir string, force bool) func(string, io.Reader, uint16) error {
	return func(rel string, content io.Reader, mode uint16) error {
		return writeExtracted(destDir, rel, content, uint32(mode), force, false)
	}
}

func extractWriterUBIFS(destDir string) func(string, io.Reader, uint32) error {
	return func(rel string, content io.Reader, mode uint32) error {
		return writeExtracted(destDir, rel, content, mode, false, true)
	}
}

const (
	ikcfgStart = "IKCFG_ST"
	ikcfgEnd   = "IKCFG_ED"
)

// extractKernelConfig recovers the gzip-compressed .config embedded in
// the kernel image between its IKCFG_ST/IKCFG_ED markers.
func extractKernelConfig(kbuf []byte) ([]byte, bool) {
	start := bytes.Index(kbuf, []byte(ikcfgStart))
	if start == -1 {
		return nil, false
	}
	start += len(ikcfgStart)
	end := bytes.Index(kbuf[start:], []byte(ikcfgEnd))
	if end == -1 {
		return nil, false
	}
	out, err := decodeGzip(bytes.NewReader(kbuf[start : start+end]))
	if err != nil {
		return nil, false
	}
	return out, true
}

// renderDTS renders an FDT's struct block as a readable device-tree
// source text dump: nested node blocks with property assignments. It is
// not a byte-for-byte dtc decompile, only a textual equivalent good
// enough for inspection.
func renderDTS(h *FDTHeader) string {
	var buf strings.Builder
	buf.WriteString("/dts-v1/;\n\n/ {\n")

	raw := h.Bytes()
	structOff := int(h.OffDTStruct)
	structEnd := structOff + int(h.SizeDTStruct)
	if structEnd > len(raw) {
		structEnd = len(raw)
	}
	stringsOff := int(h.OffDTStrings)
	off := structOff
	depth := 1

	for off+4 <= structEnd {
		tok := binary.BigEndian.Uint32(raw[off : off+4])
		off += 4
		switch tok {
		case fdtNop:
		case fdtBeginNode:
			end := bytes.IndexByte(raw[off:structEnd], 0)
			if end == -1 {
				off = structEnd
				continue
			}
			name := string(raw[off : off+end])
			off += alignUp32(end + 1)
			if name != "" {
				fmt.Fprintf(&buf, "%s%s {\n", strings.Repeat("\t", depth), name)
				depth++
			}
		case fdtEndNode:
			if depth > 1 {
				depth--
				fmt.Fprintf(&buf, "%s};\n", strings.Repeat("\t", depth))
			}
		case fdtProp:
			if off+8 > structEnd {
				off = structEnd
				continue
			}
			plen := binary.BigEndian.Uint32(raw[off : off+4])
			nameoff := binary.BigEndian.Uint32(raw[off+4 : off+8])
			off += 8
			if off+int(plen) > structEnd {
				off = structEnd
				continue
			}
			value := raw[off : off+int(plen)]
			off += alignUp32(int(plen))
			name := fdtStringAt(raw, stringsOff, nameoff)
			fmt.Fprintf(&buf, "%s%s;\n", strings.Repeat("\t", depth), formatDTSProp(name, value))
		case fdtEnd:
			off = structEnd
		default:
			off = structEnd
		}
	}
	buf.WriteString("};\n")
	return buf.String()
}

func fdtStringAt(raw []byte, stringsOff int, nameoff uint32) string {
	start := stringsOff + int(nameoff)
	if start < 0 || start >= len(raw) {
		return ""
	}
	end := bytes.IndexByte(raw[start:], 0)
	if end == -1 {
		return ""
	}
	return string(raw[start : start+end])
}

func formatDTSProp(name string, value []byte) string {
	if len(value) == 0 {
		return name
	}
	if isPrintableDTSString(value) {
		return fmt.Sprintf("%s = %q", name, strings.TrimRight(string(value), "\x00"))
	}
	if len(value)%4 == 0 {
		cells := make([]string, len(value)/4)
		for i := range cells {
			cells[i] = fmt.Sprintf("0x%08x", binary.BigEndian.Uint32(value[i*4:i*4+4]))
		}
		return fmt.Sprintf("%s = <%s>", name, strings.Join(cells, " "))
	}
	hexBytes := make([]string, len(value))
	for i, b := range value {
		hexBytes[i] = fmt.Sprintf("%02x", b)
	}
	return fmt.Sprintf("%s = [%s]", name, strings.Join(hexBytes, " "))
}

func isPrintableDTSString(value []byte) bool {
	if value[len(value)-1] != 0 {
		return false
	}
	for _, b := range value[:len(value)-1] {
		if b == 0 {
			continue
		}
		if b < 0x20 || b > 0x7e {
			return false
		}
	}
	return true
}

// ExtractAll writes every file-system section under dest (named after
// the rootfs section, with an "app" section landing at mnt/app beneath
// it), plus the decoded uboot and kernel payloads and, when recoverable, the
// kernel's embedded .config and the FDT re-serialised as camera.dts.
func (fw *Firmware) ExtractAll(ctx context.Context, dest string, force bool) error {
	rootfsSec, ok := fw.pak.RootFSSection()
	if !ok {
		return newErr(ErrMissingSection, "rootfs")
	}
	rootDir := filepath.Join(dest, rootfsSec.Name)

	for _, sec := range fw.pak.FSSections() {
		if err := ctx.Err(); err != nil {
			return err
		}
		out := rootDir
		if sec.Name == "app" {
			out = filepath.Join(rootDir, "mnt", "app")
		}
		if err := fw.extractSection(sec, out, force); err != nil {
			return err
		}
	}

	if err := fw.extractDecoded(fw.uboot, "uboot", dest, force); err != nil {
		return err
	}
	if err := fw.extractDecoded(fw.kernel, "kernel", dest, force); err != nil {
		return err
	}

	if kbuf, err := fw.kernel(); err == nil {
		if cfg, ok := extractKernelConfig(kbuf); ok {
			if err := writeExtracted(dest, ".config", bytes.NewReader(cfg), 0o644, force, false); err != nil {
				return err
			}
		}
	}
	if hdr, err := fw.FDT(); err == nil && hdr != nil {
		dts := renderDTS(hdr)
		if err := writeExtracted(dest, "camera.dts", strings.NewReader(dts), 0o644, force, false); err != nil {
			return err
		}
	}
	return nil
}

func (fw *Firmware) extractSection(sec Section, out string, force bool) error {
	w, err := fw.pak.Open(sec)
	if err != nil {
		return err
	}
	defer w.Close()
	data, err := readAllWindow(w)
	if err != nil {
		return err
	}
	fs, err := dispatchFS(data)
	if err != nil {
		return err
	}
	return fs.extractTo(out, force)
}

// extractDecoded writes the bytes decoded returns (the memoized
// fw.uboot()/fw.kernel() accessors), matching the "# decompressed"
// annotation the persisted extraction layout carries for these two files.
func (fw *Firmware) extractDecoded(decoded func() ([]byte, error), name, dest string, force bool) error {
	data, err := decoded()
	if err != nil {
		return err
	}
	return writeExtracted(dest, name, bytes.NewReader(data), 0o644, force, false)
}
