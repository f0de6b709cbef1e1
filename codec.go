package revdb

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	pageFormatVersion = 1
	pageHeaderSize    = 3

	maxPageSize = 64 << 20
)

// encodePage serializes p: format version, page type, compression code, body.
func encodePage(p Page, c Compression) ([]byte, error) {
	bb := bytesBuilder{Buf: make([]byte, 0, 512)}
	enc := msgpack.GetEncoder()
	enc.ResetDict(&bb, nil)
	enc.SetSortMapKeys(true)
	err := enc.Encode(p)
	msgpack.PutEncoder(enc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %v page: %w", p.pageType(), err)
	}

	out := make([]byte, pageHeaderSize, pageHeaderSize+len(bb.Buf))
	out[0] = pageFormatVersion
	out[1] = byte(p.pageType())
	code, out := compress(c, out, bb.Buf)
	out[2] = byte(code)
	return out, nil
}

func decodePage(data []byte) (Page, error) {
	if len(data) < pageHeaderSize {
		return nil, dataErrf(data, 0, nil, "page too short")
	}
	if data[0] != pageFormatVersion {
		return nil, dataErrf(data, 0, nil, "unsupported page format %d", data[0])
	}
	p, err := newPageOfType(pageType(data[1]))
	if err != nil {
		return nil, dataErrf(data, 1, err, "invalid page header")
	}
	body, err := decompress(compressionCode(data[2]), data[pageHeaderSize:])
	if err != nil {
		return nil, fmt.Errorf("%v page: %w", p.pageType(), err)
	}

	var r bytes.Reader
	r.Reset(body)
	dec := msgpack.GetDecoder()
	dec.ResetDict(&r, nil)
	err = dec.Decode(p)
	msgpack.PutDecoder(dec)
	if err != nil {
		return nil, dataErrf(body, 0, err, "failed to decode %v page", p.pageType())
	}
	return p, nil
}
