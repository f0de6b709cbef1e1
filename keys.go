package revdb

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
)

// Comparator orders index keys of a balanced-tree index.
type Comparator func(a, b []byte) int

const (
	BytesComparatorName = "bytes"
	TupleComparatorName = "tuple"
)

func BytesComparator(a, b []byte) int {
	return bytes.Compare(a, b)
}

// TupleComparator orders keys built with EncodeTuple element by element.
// Keys that do not decode as tuples sort bytewise after all valid tuples.
func TupleComparator(a, b []byte) int {
	ta, erra := decodeTuple(a)
	tb, errb := decodeTuple(b)
	switch {
	case erra != nil && errb != nil:
		return bytes.Compare(a, b)
	case erra != nil:
		return 1
	case errb != nil:
		return -1
	}
	for i := 0; i < len(ta) && i < len(tb); i++ {
		if c := bytes.Compare(ta[i], tb[i]); c != 0 {
			return c
		}
	}
	return len(ta) - len(tb)
}

// comparatorByName maps a stored comparator name to its function.
func comparatorByName(name string) (Comparator, error) {
	switch name {
	case "", BytesComparatorName:
		return BytesComparator, nil
	case TupleComparatorName:
		return TupleComparator, nil
	default:
		return nil, fmt.Errorf("unknown comparator %q", name)
	}
}

// EncodeTuple builds a composite index key.
func EncodeTuple(elems ...[]byte) []byte {
	return tuple(elems).encode(nil)
}

func DecodeTuple(raw []byte) ([][]byte, error) {
	return decodeTuple(raw)
}

// Int64Key encodes v so that bytewise order matches numeric order.
func Int64Key(v int64) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(v)^(1<<63))
}

// tuple format: el1 el2 ... elN len1 len2 ... lenN-1  n
type tuple [][]byte

func (tup tuple) String() string {
	var buf strings.Builder
	for i, el := range tup {
		if i > 0 {
			buf.WriteByte('|')
		}
		buf.WriteString(hex.EncodeToString(el))
	}
	return buf.String()
}

func decodeTuple(raw []byte) (tuple, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	c, raw, err := decodeRuvarint(raw)
	if err != nil {
		return nil, err
	}
	if c == 0 {
		return nil, nil
	}

	lens := make([]uint32, c)
	for i := int(c) - 2; i >= 0; i-- {
		if len(raw) == 0 {
			return nil, fmt.Errorf("invalid tuple: missing length of element %d", i)
		}
		lens[i], raw, err = decodeRuvarint(raw)
		if err != nil {
			return nil, err
		}
	}

	var explicitLen uint64
	for i := uint32(0); i < c-1; i++ {
		explicitLen += uint64(lens[i])
	}
	if explicitLen > uint64(len(raw)) {
		return nil, fmt.Errorf("invalid tuple: sum of explicit lens %d is greater than total data len %d", explicitLen, len(raw))
	}

	starts := make([]uint32, c+1)
	for i := uint32(0); i < c-1; i++ {
		starts[i+1] = starts[i] + lens[i]
	}
	starts[c] = uint32(len(raw))

	tup := make(tuple, c)
	for i := uint32(0); i < c; i++ {
		tup[i] = raw[starts[i]:starts[i+1]]
	}
	return tup, nil
}

func (tup tuple) encode(buf []byte) []byte {
	for _, el := range tup {
		buf = append(buf, el...)
	}
	for _, el := range tup[:max(len(tup)-1, 0)] {
		buf = appendRuvarint(buf, uint32(len(el)))
	}
	return appendRuvarint(buf, uint32(len(tup)))
}

// Reverse Uvarint is just byte-reversed Uvarint, for right-to-left reading
func appendRuvarint(buf []byte, v uint32) []byte {
	var vb [binary.MaxVarintLen32]byte
	vn := binary.PutUvarint(vb[:], uint64(v))
	var off int
	off, buf = grow(buf, vn)
	for i, b := range vb[:vn] {
		buf[off+vn-i-1] = b
	}
	return buf
}

func decodeRuvarint(buf []byte) (uint32, []byte, error) {
	var vb [binary.MaxVarintLen32]byte
	n := len(buf)
	if n == 0 {
		return 0, nil, fmt.Errorf("invalid ruvarint: empty buffer")
	}
	c := min(n, binary.MaxVarintLen32)
	for i := 0; i < c; i++ {
		vb[i] = buf[n-i-1]
	}
	v, vn := binary.Uvarint(vb[:c])
	if vn <= 0 || v > 1<<32-1 {
		return 0, nil, fmt.Errorf("invalid ruvarint in %x", buf)
	}
	return uint32(v), buf[:n-vn], nil
}
