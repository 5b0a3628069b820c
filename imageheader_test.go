package reolinkfw_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"reolinkfw"
)

func buildUImageHeader(t *testing.T, os, arch uint8) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	binary.Write(buf, binary.BigEndian, uint32(0x27051956)) // magic
	binary.Write(buf, binary.BigEndian, uint32(0))          // hcrc
	binary.Write(buf, binary.BigEndian, uint32(0))          // time
	binary.Write(buf, binary.BigEndian, uint32(1234))       // size
	binary.Write(buf, binary.BigEndian, uint32(0))          // load
	binary.Write(buf, binary.BigEndian, uint32(0))          // ep
	binary.Write(buf, binary.BigEndian, uint32(0))          // dcrc
	buf.WriteByte(os)
	buf.WriteByte(arch)
	buf.WriteByte(0) // type
	buf.WriteByte(0) // comp
	buf.Write(make([]byte, 32))
	return buf.Bytes()
}

func TestReadLegacyImageHeader(t *testing.T) {
	t.Log("Test legacy U-Boot image header parse")

	raw := buildUImageHeader(t, 5, 2)
	hdr, err := reolinkfw.ReadLegacyImageHeader(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("ReadLegacyImageHeader failed: %v", err)
	}
	if hdr.OS != reolinkfw.OSLinux {
		t.Fatalf("OS mismatch, Except: %v But: %v", reolinkfw.OSLinux, hdr.OS)
	}
	if hdr.Arch != reolinkfw.ArchARM {
		t.Fatalf("Arch mismatch, Except: %v But: %v", reolinkfw.ArchARM, hdr.Arch)
	}
	if hdr.Arch.String() != "ARM" {
		t.Fatalf("Arch.String mismatch, Except: ARM But: %v", hdr.Arch.String())
	}
	if hdr.DataSize != 1234 {
		t.Fatalf("DataSize mismatch, Except: 1234 But: %v", hdr.DataSize)
	}
}

func TestReadLegacyImageHeaderBadMagic(t *testing.T) {
	t.Log("Test legacy image header rejects bad magic")

	raw := make([]byte, 64)
	if _, err := reolinkfw.ReadLegacyImageHeader(bytes.NewReader(raw)); err == nil {
		t.Fatalf("expected bad-magic error")
	}
}

func buildFDT(t *testing.T, props map[string]string) []byte {
	t.Helper()

	// Build strings block and struct block together.
	var strings bytes.Buffer
	nameOff := map[string]uint32{}
	for name := range props {
		nameOff[name] = uint32(strings.Len())
		strings.WriteString(name)
		strings.WriteByte(0)
	}

	var structBlk bytes.Buffer
	writeTok := func(tok uint32) { binary.Write(&structBlk, binary.BigEndian, tok) }
	writeTok(0x1) // FDT_BEGIN_NODE
	structBlk.WriteByte(0)
	structBlk.WriteByte(0)
	structBlk.WriteByte(0)
	structBlk.WriteByte(0) // empty node name, padded to 4
	for name, val := range props {
		writeTok(0x3) // FDT_PROP
		data := append([]byte(val), 0)
		for len(data)%4 != 0 {
			data = append(data, 0)
		}
		binary.Write(&structBlk, binary.BigEndian, uint32(len(val)+1))
		binary.Write(&structBlk, binary.BigEndian, nameOff[name])
		structBlk.Write(data)
	}
	writeTok(0x2) // FDT_END_NODE
	writeTok(0x9) // FDT_END

	const hdrSize = 40
	offStruct := uint32(hdrSize)
	offStrings := offStruct + uint32(structBlk.Len())
	total := offStrings + uint32(strings.Len())

	out := &bytes.Buffer{}
	binary.Write(out, binary.BigEndian, uint32(0xD00DFEED))
	binary.Write(out, binary.BigEndian, total)
	binary.Write(out, binary.BigEndian, offStruct)
	binary.Write(out, binary.BigEndian, offStrings)
	binary.Write(out, binary.BigEndian, uint32(0)) // off_mem_rsvmap
	binary.Write(out, binary.BigEndian, uint32(17))
	binary.Write(out, binary.BigEndian, uint32(16))
	binary.Write(out, binary.BigEndian, uint32(0)) // boot_cpuid_phys
	binary.Write(out, binary.BigEndian, uint32(strings.Len()))
	binary.Write(out, binary.BigEndian, uint32(structBlk.Len()))
	out.Write(structBlk.Bytes())
	out.Write(strings.Bytes())
	return out.Bytes()
}

func TestFindFDTHeaderModel(t *testing.T) {
	t.Log("Test FDT discovery picks the header with a non-empty model")

	blob := buildFDT(t, map[string]string{"model": "IPC-TEST", "compatible": "novatek,nvt"})
	hdr, model := reolinkfw.FindFDTHeader(blob)
	if hdr == nil {
		t.Fatalf("FindFDTHeader returned nil")
	}
	if model != "IPC-TEST" {
		t.Fatalf("model mismatch, Except: IPC-TEST But: %v", model)
	}
	if compat := hdr.Property("compatible"); compat != "novatek,nvt" {
		t.Fatalf("compatible mismatch, Except: novatek,nvt But: %v", compat)
	}
}
