package revdb

import (
	"bytes"
	"fmt"
	"slices"
)

// NullRecordKey marks an absent parent/child/first-child link.
const NullRecordKey int64 = -1

// DocumentRecordKey is the key of the sentinel record of every subtree.
const DocumentRecordKey int64 = 0

type RecordKind uint8

const (
	DocumentRecordKind RecordKind = iota + 1
	TreeNodeKind
	DeletedRecordKind
	BlobRecordKind
)

func (k RecordKind) String() string {
	switch k {
	case DocumentRecordKind:
		return "document"
	case TreeNodeKind:
		return "tree_node"
	case DeletedRecordKind:
		return "deleted"
	case BlobRecordKind:
		return "blob"
	default:
		return fmt.Sprintf("record(%d)", uint8(k))
	}
}

// Record is the smallest versioned unit of stored data. Implementations must
// be msgpack-serializable pointer types; Clone returns a deep copy.
type Record interface {
	RecordKey() int64
	RecordKind() RecordKind
	Clone() Record
}

func newRecordOfKind(kind RecordKind) (Record, error) {
	switch kind {
	case DocumentRecordKind:
		return &DocumentRecord{}, nil
	case TreeNodeKind:
		return &TreeNode{}, nil
	case DeletedRecordKind:
		return &DeletedRecord{}, nil
	case BlobRecordKind:
		return &BlobRecord{}, nil
	default:
		return nil, fmt.Errorf("unknown record kind %d", uint8(kind))
	}
}

func isDeleted(r Record) bool {
	_, ok := r.(*DeletedRecord)
	return ok
}

// DocumentRecord is the sentinel at key 0 of a subtree. For indexes it anchors
// the tree root.
type DocumentRecord struct {
	Key             int64 `msgpack:"k"`
	FirstChild      int64 `msgpack:"fc"`
	ChildCount      int64 `msgpack:"cc"`
	DescendantCount int64 `msgpack:"dc"`
}

func newDocumentRecord(key int64) *DocumentRecord {
	return &DocumentRecord{Key: key, FirstChild: NullRecordKey}
}

func (r *DocumentRecord) RecordKey() int64       { return r.Key }
func (r *DocumentRecord) RecordKind() RecordKind { return DocumentRecordKind }
func (r *DocumentRecord) HasFirstChild() bool    { return r.FirstChild != NullRecordKey }

func (r *DocumentRecord) Clone() Record {
	c := *r
	return &c
}

// DeletedRecord is a tombstone. It shadows older versions of the record while
// pages are combined.
type DeletedRecord struct {
	Key      int64 `msgpack:"k"`
	Revision int   `msgpack:"r"`
}

func (r *DeletedRecord) RecordKey() int64       { return r.Key }
func (r *DeletedRecord) RecordKind() RecordKind { return DeletedRecordKind }

func (r *DeletedRecord) Clone() Record {
	c := *r
	return &c
}

// BlobRecord carries an opaque payload, typically a serialized node of the
// document model layered on top of this package.
type BlobRecord struct {
	Key  int64  `msgpack:"k"`
	Data []byte `msgpack:"d"`
}

func NewBlobRecord(key int64, data []byte) *BlobRecord {
	return &BlobRecord{Key: key, Data: data}
}

func (r *BlobRecord) RecordKey() int64       { return r.Key }
func (r *BlobRecord) RecordKind() RecordKind { return BlobRecordKind }

func (r *BlobRecord) Clone() Record {
	return &BlobRecord{Key: r.Key, Data: slices.Clone(r.Data)}
}

// TreeNode is a node of a balanced-tree index. Red marks a red node of the
// red/black insert fix-up; the root is always black when the tree is idle.
type TreeNode struct {
	Key      int64       `msgpack:"k"`
	IndexKey []byte      `msgpack:"ik"`
	Value    *References `msgpack:"v"`
	Parent   int64       `msgpack:"p"`
	Left     int64       `msgpack:"l"`
	Right    int64       `msgpack:"r"`
	Red      bool        `msgpack:"c,omitempty"`
}

func (n *TreeNode) RecordKey() int64       { return n.Key }
func (n *TreeNode) RecordKind() RecordKind { return TreeNodeKind }
func (n *TreeNode) HasLeft() bool          { return n.Left != NullRecordKey }
func (n *TreeNode) HasRight() bool         { return n.Right != NullRecordKey }

func (n *TreeNode) Clone() Record {
	return &TreeNode{
		Key:      n.Key,
		IndexKey: slices.Clone(n.IndexKey),
		Value:    n.Value.Clone(),
		Parent:   n.Parent,
		Left:     n.Left,
		Right:    n.Right,
		Red:      n.Red,
	}
}

func (n *TreeNode) String() string {
	color := "B"
	if n.Red {
		color = "R"
	}
	return fmt.Sprintf("#%d(%s %x=%v p%d l%d r%d)", n.Key, color, n.IndexKey, n.Value, n.Parent, n.Left, n.Right)
}

func recordsEqual(a, b Record) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.RecordKind() != b.RecordKind() || a.RecordKey() != b.RecordKey() {
		return false
	}
	switch a := a.(type) {
	case *TreeNode:
		b := b.(*TreeNode)
		return bytes.Equal(a.IndexKey, b.IndexKey) && a.Value.Equal(b.Value) && a.Parent == b.Parent && a.Left == b.Left && a.Right == b.Right && a.Red == b.Red
	case *BlobRecord:
		return bytes.Equal(a.Data, b.(*BlobRecord).Data)
	case *DocumentRecord:
		return *a == *b.(*DocumentRecord)
	case *DeletedRecord:
		return *a == *b.(*DeletedRecord)
	default:
		return false
	}
}
