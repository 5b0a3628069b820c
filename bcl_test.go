package reolinkfw_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"reolinkfw"
)

// encodeBCLStore builds a minimal BCL stream using the "store" (algo 0)
// variant, optionally followed by 0xFF padding, to exercise the
// decoder's padding-tolerant framing.
func encodeBCLStore(payload []byte, padding int) []byte {
	buf := &bytes.Buffer{}
	buf.WriteString("BCL\x00")
	binary.Write(buf, binary.LittleEndian, uint32(0)) // algo: store
	binary.Write(buf, binary.LittleEndian, uint32(len(payload)))
	binary.Write(buf, binary.LittleEndian, uint32(len(payload)))
	buf.Write(payload)
	for i := 0; i < padding; i++ {
		buf.WriteByte(0xff)
	}
	return buf.Bytes()
}

func TestDecodeBCLStoreIgnoresPadding(t *testing.T) {
	t.Log("Test BCL store variant tolerates trailing 0xFF padding")

	payload := []byte("hello reolink firmware")
	stream := encodeBCLStore(payload, 3)

	got, err := reolinkfw.DecodeBCL(bytes.NewReader(stream))
	if err != nil {
		t.Fatalf("DecodeBCL failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("DecodeBCL failed, Except: %v But: %v", payload, got)
	}
	if len(got) != len(payload) {
		t.Fatalf("decompress(payload).length mismatch, Except: %v But: %v", len(payload), len(got))
	}
}

func TestDecodeBCLRLE(t *testing.T) {
	t.Log("Test BCL RLE variant")

	// control byte 5 then value 'A' -> "AAAAA"; control byte 0 then len 3
	// then literal run "xyz".
	rleBody := []byte{5, 'A', 0, 3, 'x', 'y', 'z'}
	want := []byte("AAAAAxyz")

	buf := &bytes.Buffer{}
	buf.WriteString("BCL\x00")
	binary.Write(buf, binary.LittleEndian, uint32(1)) // algo: RLE
	binary.Write(buf, binary.LittleEndian, uint32(len(rleBody)))
	binary.Write(buf, binary.LittleEndian, uint32(len(want)))
	buf.Write(rleBody)

	got, err := reolinkfw.DecodeBCL(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("DecodeBCL failed: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("DecodeBCL failed, Except: %v But: %v", want, got)
	}
}

func TestDecodeBCLBadMagic(t *testing.T) {
	t.Log("Test BCL rejects bad magic")

	if _, err := reolinkfw.DecodeBCL(bytes.NewReader([]byte("NOPE0000000000000"))); err == nil {
		t.Fatalf("expected bad-magic error")
	}
}
