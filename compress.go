package reolinkfw

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
	"github.com/ulikunitz/xz/lzma"
)

// lz4LegacyBlockBuf is the scratch buffer size used to decompress each LZ4
// legacy-frame block.
const lz4LegacyBlockBuf = 8 << 20

// Decompress dispatches to the codec named by kind and returns the fully
// decompressed payload: one switch, one case per codec.
func Decompress(kind CompKind, r io.Reader) ([]byte, error) {
	switch kind {
	case CompGzip:
		return decodeGzip(r)
	case CompXZ:
		return decodeXZ(r)
	case CompLZMA:
		return decodeLZMA(r)
	case CompLZ4Legacy:
		return DecodeLZ4Legacy(r)
	case CompBCL:
		return DecodeBCL(r)
	default:
		return nil, newErr(ErrDecoderFailed, "unknown-codec")
	}
}

func decodeGzip(r io.Reader) ([]byte, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, wrapErr(ErrDecoderFailed, "gzip", err)
	}
	defer gz.Close()
	out, err := io.ReadAll(gz)
	if err != nil {
		return nil, wrapErr(ErrDecoderFailed, "gzip", err)
	}
	return out, nil
}

func decodeXZ(r io.Reader) ([]byte, error) {
	xr, err := xz.NewReader(r)
	if err != nil {
		return nil, wrapErr(ErrDecoderFailed, "xz", err)
	}
	out, err := io.ReadAll(xr)
	if err != nil {
		return nil, wrapErr(ErrDecoderFailed, "xz", err)
	}
	return out, nil
}

func decodeLZMA(r io.Reader) ([]byte, error) {
	lr, err := lzma.NewReader(r)
	if err != nil {
		return nil, wrapErr(ErrDecoderFailed, "lzma", err)
	}
	out, err := io.ReadAll(lr)
	if err != nil {
		return nil, wrapErr(ErrDecoderFailed, "lzma", err)
	}
	return out, nil
}

// DecodeLZ4Legacy decompresses the legacy LZ4 frame format: a 4-byte magic
// followed by repeating {u32 block_size, block_size bytes} records. The
// loop terminates when the next size field read equals the cumulative
// decompressed length so far.
func DecodeLZ4Legacy(r io.Reader) ([]byte, error) {
	magic := make([]byte, 4)
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, wrapErr(ErrTruncated, "lz4-legacy-magic", err)
	}
	if string(magic) != LZ4LegMagic {
		return nil, newErr(ErrBadMagic, "lz4-legacy")
	}

	var out bytes.Buffer
	scratch := make([]byte, lz4LegacyBlockBuf)
	for {
		var size uint32
		if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
			if err == io.EOF {
				break
			}
			return nil, wrapErr(ErrTruncated, "lz4-legacy-block-header", err)
		}
		if uint64(size) == uint64(out.Len()) {
			break // terminator: next header quadruplet no longer advances
		}
		block := make([]byte, size)
		if _, err := io.ReadFull(r, block); err != nil {
			return nil, wrapErr(ErrTruncated, "lz4-legacy-block", err)
		}
		n, err := lz4.UncompressBlock(block, scratch)
		if err != nil {
			return nil, wrapErr(ErrDecoderFailed, "lz4-legacy", err)
		}
		out.Write(scratch[:n])
	}
	return out.Bytes(), nil
}
