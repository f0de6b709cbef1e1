package revdb

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects how page bodies are compressed.
type Compression string

const (
	NoCompression   Compression = "none"
	LZ4Compression  Compression = "lz4"
	ZstdCompression Compression = "zstd"
)

func (c Compression) Valid() bool {
	switch c {
	case NoCompression, LZ4Compression, ZstdCompression:
		return true
	default:
		return false
	}
}

// compressionCode is what a page header records: the method actually used,
// which is none when compressing did not help.
type compressionCode uint8

const (
	compressedNone compressionCode = iota
	compressedLZ4
	compressedZstd
)

// Pages below this size are stored raw.
const minCompressSize = 128

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithEncoderConcurrency(1))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1), zstd.WithDecoderMaxMemory(maxPageSize))
	return dec
}

// compress appends the compressed form of raw to buf.
func compress(c Compression, buf, raw []byte) (compressionCode, []byte) {
	if len(raw) < minCompressSize {
		return compressedNone, append(buf, raw...)
	}
	switch c {
	case LZ4Compression:
		start := len(buf)
		buf = binary.AppendUvarint(buf, uint64(len(raw)))
		hdrEnd := len(buf)
		var off int
		off, buf = grow(buf, lz4.CompressBlockBound(len(raw)))
		n, err := lz4.CompressBlock(raw, buf[off:], nil)
		if err != nil || n == 0 || hdrEnd-start+n >= len(raw) {
			return compressedNone, append(buf[:start], raw...)
		}
		return compressedLZ4, buf[:off+n]
	case ZstdCompression:
		enc := getZstdEncoder()
		start := len(buf)
		buf = enc.EncodeAll(raw, buf)
		zstdEncoderPool.Put(enc)
		if len(buf)-start >= len(raw) {
			return compressedNone, append(buf[:start], raw...)
		}
		return compressedZstd, buf
	default:
		return compressedNone, append(buf, raw...)
	}
}

func decompress(code compressionCode, data []byte) ([]byte, error) {
	switch code {
	case compressedNone:
		return data, nil
	case compressedLZ4:
		size, n := binary.Uvarint(data)
		if n <= 0 || size > maxPageSize {
			return nil, dataErrf(data, 0, nil, "invalid lz4 size header")
		}
		raw := make([]byte, size)
		m, err := lz4.UncompressBlock(data[n:], raw)
		if err != nil {
			return nil, dataErrf(data, n, err, "lz4")
		}
		if uint64(m) != size {
			return nil, dataErrf(data, n, nil, "lz4: decompressed %d bytes, wanted %d", m, size)
		}
		return raw, nil
	case compressedZstd:
		dec := getZstdDecoder()
		raw, err := dec.DecodeAll(data, nil)
		zstdDecoderPool.Put(dec)
		if err != nil {
			return nil, dataErrf(data, 0, err, "zstd")
		}
		return raw, nil
	default:
		return nil, fmt.Errorf("unknown compression code %d", code)
	}
}
