package revdb

import (
	"bytes"
	"fmt"
	"iter"
	"strings"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/vmihailenco/msgpack/v5"
)

// References is a set of record keys, the value type of balanced-tree indexes.
type References struct {
	bm *roaring64.Bitmap
}

func NewReferences(keys ...int64) *References {
	r := &References{bm: roaring64.New()}
	for _, k := range keys {
		r.bm.Add(uint64(k))
	}
	return r
}

func (r *References) Add(key int64) bool {
	return r.bm.CheckedAdd(uint64(key))
}

func (r *References) Remove(key int64) bool {
	return r.bm.CheckedRemove(uint64(key))
}

func (r *References) Contains(key int64) bool {
	return r != nil && r.bm.Contains(uint64(key))
}

func (r *References) Len() int {
	if r == nil {
		return 0
	}
	return int(r.bm.GetCardinality())
}

func (r *References) IsEmpty() bool {
	return r == nil || r.bm.IsEmpty()
}

// Merge adds every key of o into r and reports whether r grew.
func (r *References) Merge(o *References) bool {
	if o.IsEmpty() {
		return false
	}
	before := r.bm.GetCardinality()
	r.bm.Or(o.bm)
	return r.bm.GetCardinality() != before
}

// Covers reports whether every key of o is already in r.
func (r *References) Covers(o *References) bool {
	if o.IsEmpty() {
		return true
	}
	if r.IsEmpty() {
		return false
	}
	return roaring64.AndNot(o.bm, r.bm).IsEmpty()
}

func (r *References) Equal(o *References) bool {
	if r.IsEmpty() || o.IsEmpty() {
		return r.IsEmpty() == o.IsEmpty()
	}
	return r.bm.Equals(o.bm)
}

func (r *References) Clone() *References {
	if r == nil {
		return NewReferences()
	}
	return &References{bm: r.bm.Clone()}
}

func (r *References) Keys() []int64 {
	if r == nil {
		return nil
	}
	raw := r.bm.ToArray()
	keys := make([]int64, len(raw))
	for i, v := range raw {
		keys[i] = int64(v)
	}
	return keys
}

func (r *References) All() iter.Seq[int64] {
	return func(yield func(int64) bool) {
		if r == nil {
			return
		}
		it := r.bm.Iterator()
		for it.HasNext() {
			if !yield(int64(it.Next())) {
				return
			}
		}
	}
}

func (r *References) String() string {
	var buf strings.Builder
	buf.WriteByte('{')
	for i, k := range r.Keys() {
		if i > 0 {
			buf.WriteByte(',')
		}
		fmt.Fprint(&buf, k)
	}
	buf.WriteByte('}')
	return buf.String()
}

var _ msgpack.CustomEncoder = (*References)(nil)
var _ msgpack.CustomDecoder = (*References)(nil)

func (r *References) EncodeMsgpack(enc *msgpack.Encoder) error {
	var buf bytes.Buffer
	if r != nil {
		if _, err := r.bm.WriteTo(&buf); err != nil {
			return err
		}
	}
	return enc.EncodeBytes(buf.Bytes())
}

func (r *References) DecodeMsgpack(dec *msgpack.Decoder) error {
	raw, err := dec.DecodeBytes()
	if err != nil {
		return err
	}
	r.bm = roaring64.New()
	if len(raw) == 0 {
		return nil
	}
	if _, err := r.bm.ReadFrom(bytes.NewReader(raw)); err != nil {
		return dataErrf(raw, 0, err, "invalid reference set")
	}
	return nil
}
