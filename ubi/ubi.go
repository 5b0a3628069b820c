// Package ubi implements a read-only UBI erase-block layer and the UBIFS
// journalling file system that normally rides on top of it, following the
// shape described by `ubireader` and reimplemented here without that
// dependency: guess the erase-block size from repeated headers, reassemble
// each volume's logical erase blocks into a contiguous byte stream, then
// walk the UBIFS B+tree inside the chosen volume.
package ubi

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"sort"
)

// ErrNotUBI is returned when no erase-counter header can be found at all.
var ErrNotUBI = errors.New("ubi: no erase-counter header found")

const (
	ecMagic  = "UBI#"
	vidMagic = "UBI!"

	ecHdrSize  = 64
	vidHdrSize = 64

	layoutVolumeID  = 0x7fffefff
	vtblRecordSize  = 172
	vtblMaxVolNames = 128
)

// ecHeader is the 64-byte erase-counter header at the start of every
// physical erase block.
type ecHeader struct {
	ErasCount    uint64
	VIDHdrOffset uint32
	DataOffset   uint32
}

func parseECHeader(b []byte) (ecHeader, bool) {
	if len(b) < ecHdrSize || string(b[:4]) != ecMagic {
		return ecHeader{}, false
	}
	var h ecHeader
	h.ErasCount = binary.BigEndian.Uint64(b[8:16])
	h.VIDHdrOffset = binary.BigEndian.Uint32(b[16:20])
	h.DataOffset = binary.BigEndian.Uint32(b[20:24])
	return h, true
}

// vidHeader is the 64-byte volume-identifier header.
type vidHeader struct {
	VolID    uint32
	LNum     uint32
	DataSize uint32
	UsedEBs  uint32
}

func parseVIDHeader(b []byte) (vidHeader, bool) {
	if len(b) < vidHdrSize || string(b[:4]) != vidMagic {
		return vidHeader{}, false
	}
	var h vidHeader
	h.VolID = binary.BigEndian.Uint32(b[8:12])
	h.LNum = binary.BigEndian.Uint32(b[12:16])
	h.DataSize = binary.BigEndian.Uint32(b[24:28])
	h.UsedEBs = binary.BigEndian.Uint32(b[28:32])
	return h, true
}

// GuessPEBSize scans the first few megabytes of r for repeated "UBI#"
// erase-counter magics and returns the modal distance between
// consecutive occurrences, the standard guess_peb_size technique (named
// the same as ubireader.utils.guess_peb_size).
func GuessPEBSize(r io.ReaderAt, size int64) (int64, error) {
	scanLen := size
	const cap4MiB = 4 << 20
	if scanLen > cap4MiB {
		scanLen = cap4MiB
	}
	buf := make([]byte, scanLen)
	if _, err := r.ReadAt(buf, 0); err != nil && err != io.EOF {
		return 0, err
	}

	var offsets []int64
	for off := 0; off+4 <= len(buf); {
		idx := bytes.Index(buf[off:], []byte(ecMagic))
		if idx < 0 {
			break
		}
		offsets = append(offsets, int64(off+idx))
		off += idx + 4
	}
	if len(offsets) < 2 {
		if len(offsets) == 1 {
			// Only one header visible. If the scan covered the whole
			// image, the image is that single PEB; otherwise fall back
			// to a conservative, commonly observed NAND PEB size.
			if scanLen == size {
				return size, nil
			}
			return 128 * 1024, nil
		}
		return 0, ErrNotUBI
	}

	counts := map[int64]int{}
	for i := 1; i < len(offsets); i++ {
		d := offsets[i] - offsets[i-1]
		counts[d]++
	}
	var best int64
	bestCount := -1
	for d, c := range counts {
		if c > bestCount || (c == bestCount && d < best) {
			best = d
			bestCount = c
		}
	}
	return best, nil
}

// Volume is one reassembled UBI volume: its name (if known from the
// layout volume's volume table) and its logical-erase-block data,
// concatenated in logical-block order.
type Volume struct {
	ID   uint32
	Name string
	Data []byte
}

// ReadVolumes scans every physical erase block, groups payload data by
// volume id in logical-block order, and resolves names from the layout
// volume's volume-table records when present.
func ReadVolumes(r io.ReaderAt, size int64, pebSize int64) ([]Volume, error) {
	if pebSize <= 0 {
		return nil, errors.New("ubi: invalid peb size")
	}

	type leb struct {
		lnum int64
		data []byte
	}
	volumes := map[uint32][]leb{}
	var layoutData []byte

	for off := int64(0); off+pebSize <= size; off += pebSize {
		hdrBuf := make([]byte, ecHdrSize+vidHdrSize)
		n, err := r.ReadAt(hdrBuf, off)
		if err != nil && err != io.EOF {
			return nil, err
		}
		hdrBuf = hdrBuf[:n]
		if len(hdrBuf) < ecHdrSize {
			continue
		}
		ec, ok := parseECHeader(hdrBuf)
		if !ok {
			continue // erased or foreign block, skip
		}
		vidOff := off + int64(ec.VIDHdrOffset)
		vidBuf := make([]byte, vidHdrSize)
		if _, err := r.ReadAt(vidBuf, vidOff); err != nil {
			continue
		}
		vid, ok := parseVIDHeader(vidBuf)
		if !ok {
			continue // unmapped block, no volume data
		}

		dataOff := off + int64(ec.DataOffset)
		dataLen := pebSize - int64(ec.DataOffset)
		if dataOff+dataLen > size {
			dataLen = size - dataOff
		}
		if dataLen <= 0 {
			continue
		}
		data := make([]byte, dataLen)
		if _, err := r.ReadAt(data, dataOff); err != nil && err != io.EOF {
			continue
		}

		if vid.VolID == layoutVolumeID {
			if layoutData == nil || len(data) > len(layoutData) {
				layoutData = data
			}
			continue
		}
		volumes[vid.VolID] = append(volumes[vid.VolID], leb{lnum: int64(vid.LNum), data: data})
	}

	if len(volumes) == 0 {
		return nil, ErrNotUBI
	}

	names := parseVolumeTable(layoutData)

	ids := make([]uint32, 0, len(volumes))
	for id := range volumes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]Volume, 0, len(ids))
	for _, id := range ids {
		lebs := volumes[id]
		sort.Slice(lebs, func(i, j int) bool { return lebs[i].lnum < lebs[j].lnum })
		var buf bytes.Buffer
		for _, l := range lebs {
			buf.Write(l.data)
		}
		out = append(out, Volume{ID: id, Name: names[id], Data: buf.Bytes()})
	}
	return out, nil
}

// parseVolumeTable reads the UBI volume-table records out of the layout
// volume's reassembled data, mapping volume id to its ASCII name.
func parseVolumeTable(data []byte) map[uint32]string {
	names := map[uint32]string{}
	for i := 0; i*vtblRecordSize+vtblRecordSize <= len(data) && i < 128; i++ {
		rec := data[i*vtblRecordSize : (i+1)*vtblRecordSize]
		nameLen := binary.BigEndian.Uint16(rec[20:22])
		if nameLen == 0 || int(nameLen) > vtblMaxVolNames {
			continue
		}
		nameBytes := rec[22 : 22+vtblMaxVolNames]
		if int(nameLen) > len(nameBytes) {
			continue
		}
		name := string(nameBytes[:nameLen])
		if name != "" {
			names[uint32(i)] = name
		}
	}
	return names
}

// SelectVolume returns the volume named "app" if present, otherwise the
// first volume in id order.
func SelectVolume(volumes []Volume) (Volume, bool) {
	if len(volumes) == 0 {
		return Volume{}, false
	}
	for _, v := range volumes {
		if v.Name == "app" {
			return v, true
		}
	}
	return volumes[0], true
}
