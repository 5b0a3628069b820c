package reolinkfw

import (
	"bytes"
	"encoding/binary"
)

// PAK section-descriptor and mtd-partition-descriptor widths. The PAK
// container's header layout was never published by its vendor; these
// widths, and the fixed prefix below, are this reader's own concrete
// layout: a short null-padded ASCII name per section, a start offset
// and a length, and a section-count that must be inferred rather than
// read directly.
const (
	pakSectionDescSize = 36 // name[24] + start u32 + len u32 + flags u32
	pakMTDDescSize     = 20 // name[16] + flags u32
	pakSectionNameLen  = 24
	pakMTDNameLen      = 16
	pakFixedPrefixSize = 8 // magic[4] + headerSize u32
)

// sectionCountCandidates is the order section counts are tried in, per
// mypakler.py's guess_section_count: the 8..14 band covers every firmware
// observed in the field, so it's tried first.
var sectionCountCandidates = buildSectionCountCandidates()

func buildSectionCountCandidates() []int {
	var out []int
	for i := 8; i <= 14; i++ {
		out = append(out, i)
	}
	for i := 1; i <= 7; i++ {
		out = append(out, i)
	}
	for i := 14; i <= 30; i++ {
		out = append(out, i)
	}
	return out
}

func pakHeaderSize(sectionCount, mtdPartCount int) int64 {
	return int64(pakFixedPrefixSize) +
		int64(sectionCount)*pakSectionDescSize +
		int64(mtdPartCount)*pakMTDDescSize
}

// Section describes one named region of a PAK archive.
type Section struct {
	Name  string
	Start int64
	Len   int64
}

// PAK is a parsed proprietary firmware container: a fixed-shape header of
// section and MTD-partition descriptors over a byte Source.
type PAK struct {
	src      *Source
	sections []Section
}

// logical name sets the façade and CLI use to resolve "uboot" and
// "kernel" regardless of the vendor's literal section naming.
var (
	ubootNames  = []string{"uboot", "uboot1", "BOOT"}
	kernelNames = []string{"kernel", "KERNEL"}
)

// rootfsNames and fsNames are the section-name sets a PAK's file-system
// sections are drawn from: rootfsNames for the section whose name also
// becomes the extraction directory, fsNames for every section that
// carries a file-system image (rootfs plus the optional "app" overlay).
var (
	rootfsNames = []string{"fs", "rootfs"}
	fsNames     = []string{"fs", "rootfs", "app"}
)

// OpenPAK verifies the magic, infers the section count, and parses the
// section table. On success the PAK takes over the caller's reference to
// src, which Close releases; on failure the caller still holds it.
func OpenPAK(src *Source) (*PAK, error) {
	magic := make([]byte, 4)
	if _, err := src.r.ReadAt(magic, 0); err != nil {
		return nil, wrapErr(ErrTruncated, "pak-magic", err)
	}
	if string(magic) != PAKMagic {
		return nil, newErr(ErrBadMagic, "pak")
	}

	for _, n := range sectionCountCandidates {
		sections, ok := tryParsePAKHeader(src, n, n)
		if ok {
			return &PAK{src: src, sections: sections}, nil
		}
	}
	return nil, newErr(ErrUnrecognisedImageType, "pak-section-count")
}

// tryParsePAKHeader attempts one candidate (sectionCount, mtdPartCount)
// pair and validates that the resulting table is internally consistent:
// every nonzero-length section must lie fully inside the source and
// every name must be printable ASCII. A header that merely "parses" but
// produces impossible offsets is rejected.
func tryParsePAKHeader(src *Source, sectionCount, mtdPartCount int) ([]Section, bool) {
	hdrSize := pakHeaderSize(sectionCount, mtdPartCount)
	if hdrSize > src.Size() {
		return nil, false
	}
	buf := make([]byte, hdrSize)
	if _, err := src.r.ReadAt(buf, 0); err != nil {
		return nil, false
	}

	// The header stores its own total size right after the magic. Since
	// that field sits at a fixed offset regardless of which candidate
	// count is being tried, it disambiguates a candidate that is merely
	// a truncated prefix of the true, larger table from the one that
	// actually matches: a short candidate reads real descriptors for
	// its first sections but will not reproduce the stored size.
	storedSize := int64(binary.LittleEndian.Uint32(buf[4:8]))
	if storedSize != hdrSize {
		return nil, false
	}

	off := pakFixedPrefixSize
	sections := make([]Section, 0, sectionCount)
	seen := map[string]bool{}
	for i := 0; i < sectionCount; i++ {
		desc := buf[off : off+pakSectionDescSize]
		off += pakSectionDescSize

		name := pakCString(desc[:pakSectionNameLen])
		start := int64(binary.LittleEndian.Uint32(desc[pakSectionNameLen : pakSectionNameLen+4]))
		length := int64(binary.LittleEndian.Uint32(desc[pakSectionNameLen+4 : pakSectionNameLen+8]))

		if !isPlausibleASCII(name) {
			return nil, false
		}
		if length > 0 {
			if start < 0 || start+length > src.Size() {
				return nil, false
			}
		}
		if name != "" {
			if seen[name] {
				return nil, false
			}
			seen[name] = true
		}
		sections = append(sections, Section{Name: name, Start: start, Len: length})
	}
	// MTD-partition array is skipped: it carries no data this repo
	// consumes, but its presence must still fit inside hdrSize, which
	// the bounds check above already guarantees.
	return sections, true
}

func pakCString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

func isPlausibleASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < 0x20 || c > 0x7e {
			return false
		}
	}
	return true
}

// Sections returns every section the PAK header describes, in header
// order.
func (p *PAK) Sections() []Section {
	return p.sections
}

// Section looks up a section by its exact on-disk name.
func (p *PAK) Section(name string) (Section, bool) {
	for _, s := range p.sections {
		if s.Name == name {
			return s, true
		}
	}
	return Section{}, false
}

// sectionByLogicalName returns the first nonzero-length section whose
// name is in candidates, in the PAK's own section order.
func (p *PAK) sectionByLogicalName(candidates []string) (Section, bool) {
	for _, s := range p.sections {
		if s.Len > 0 && nameIn(s.Name, candidates) {
			return s, true
		}
	}
	return Section{}, false
}

// UBootSection resolves the logical "uboot" section.
func (p *PAK) UBootSection() (Section, bool) { return p.sectionByLogicalName(ubootNames) }

// KernelSection resolves the logical "kernel" section.
func (p *PAK) KernelSection() (Section, bool) { return p.sectionByLogicalName(kernelNames) }

func nameIn(name string, set []string) bool {
	for _, n := range set {
		if name == n {
			return true
		}
	}
	return false
}

// RootFSSection resolves the section whose name names the extraction
// directory: the first nonzero-length section named "fs" or "rootfs", in
// PAK order.
func (p *PAK) RootFSSection() (Section, bool) {
	for _, s := range p.sections {
		if s.Len > 0 && nameIn(s.Name, rootfsNames) {
			return s, true
		}
	}
	return Section{}, false
}

// FSSections returns every nonzero-length file-system-bearing section
// ("fs", "rootfs", "app") in PAK order.
func (p *PAK) FSSections() []Section {
	var out []Section
	for _, s := range p.sections {
		if s.Len > 0 && nameIn(s.Name, fsNames) {
			out = append(out, s)
		}
	}
	return out
}

// ApplicationSection is the source of the metadata bundle: the last
// nonzero-length section in PAK order whose name is "fs", "rootfs", or
// "app". Since "app", when present, always appears after the rootfs
// section in every observed firmware, this also has the effect the spec
// names directly: "app" wins when present, otherwise the single
// "fs"/"rootfs" section serves as both rootfs and application FS.
func (p *PAK) ApplicationSection() (Section, bool) {
	var last Section
	found := false
	for _, s := range p.FSSections() {
		last = s
		found = true
	}
	return last, found
}

// Open returns a Window over the section's bytes within the PAK's
// source.
func (p *PAK) Open(s Section) (*Window, error) {
	return p.src.Open(s.Start, s.Len)
}

// Close releases the PAK's reference to its backing Source. Any Window
// opened from it remains valid until it is itself closed.
func (p *PAK) Close() error {
	return p.src.release()
}
