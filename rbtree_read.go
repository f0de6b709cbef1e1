package revdb

import (
	"iter"
)

type SearchMode int

const (
	SearchEqual SearchMode = iota
	SearchGreater
	SearchGreaterOrEqual
	SearchLess
	SearchLessOrEqual
)

func (m SearchMode) String() string {
	switch m {
	case SearchEqual:
		return "eq"
	case SearchGreater:
		return "gt"
	case SearchGreaterOrEqual:
		return "ge"
	case SearchLess:
		return "lt"
	case SearchLessOrEqual:
		return "le"
	default:
		return "?"
	}
}

// TreeReader looks up keys in a balanced-tree index of one revision. It
// remembers the last node a search stopped at.
type TreeReader struct {
	src  RecordSource
	addr subtreeAddr
	cmp  Comparator
	cur  int64
}

// NewTreeReader reads the index subtree (kind, index) through src, which is
// a *ReadTrx or a *PageTrx.
func NewTreeReader(src RecordSource, kind SubtreeKind, index int, cmp Comparator) *TreeReader {
	if cmp == nil {
		cmp = BytesComparator
	}
	return &TreeReader{
		src:  src,
		addr: subtreeAddr{kind, index},
		cmp:  cmp,
		cur:  NullRecordKey,
	}
}

func (r *TreeReader) node(key int64) (*TreeNode, error) {
	rec, err := r.src.Record(key, r.addr.Kind, r.addr.Index)
	if err != nil {
		return nil, err
	}
	n, ok := rec.(*TreeNode)
	if !ok {
		return nil, recordErrf(r.addr.Kind, r.addr.Index, key, ErrCorrupted, "tree node missing")
	}
	return n, nil
}

// document returns the subtree's document record. A subtree that was never
// created reads as an empty tree.
func (r *TreeReader) document() (*DocumentRecord, error) {
	rec, err := r.src.Record(DocumentRecordKey, r.addr.Kind, r.addr.Index)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return newDocumentRecord(DocumentRecordKey), nil
	}
	d, ok := rec.(*DocumentRecord)
	if !ok {
		return nil, recordErrf(r.addr.Kind, r.addr.Index, DocumentRecordKey, ErrCorrupted, "expected document record, got %v", rec.RecordKind())
	}
	return d, nil
}

// Find returns the node matching key under mode, or nil. The node may be
// shared with committed pages and must not be modified.
func (r *TreeReader) Find(key []byte, mode SearchMode) (*TreeNode, error) {
	doc, err := r.document()
	if err != nil || !doc.HasFirstChild() {
		return nil, err
	}
	var best *TreeNode
	for k := doc.FirstChild; k != NullRecordKey; {
		n, err := r.node(k)
		if err != nil {
			return nil, err
		}
		r.cur = k
		c := r.cmp(key, n.IndexKey)
		if c == 0 && (mode == SearchEqual || mode == SearchGreaterOrEqual || mode == SearchLessOrEqual) {
			return n, nil
		}
		switch mode {
		case SearchGreater, SearchGreaterOrEqual:
			if c < 0 {
				best = n
			}
		case SearchLess, SearchLessOrEqual:
			if c > 0 {
				best = n
			}
		}
		if c < 0 || (c == 0 && mode == SearchLess) {
			k = n.Left
		} else {
			k = n.Right
		}
	}
	if best != nil {
		r.cur = best.Key
	}
	return best, nil
}

// Get returns a copy of the references indexed under key, or nil and false.
// A key whose references were all removed is still found, with an empty set.
func (r *TreeReader) Get(key []byte, mode SearchMode) (*References, bool, error) {
	n, err := r.Find(key, mode)
	if err != nil || n == nil {
		return nil, false, err
	}
	return n.Value.Clone(), true, nil
}

// Len returns the number of nodes in the tree, including emptied ones.
func (r *TreeReader) Len() (int, error) {
	doc, err := r.document()
	if err != nil {
		return 0, err
	}
	return int(doc.DescendantCount), nil
}

// Scan visits nodes in key order until f returns false. Nodes with empty
// references are skipped unless includeEmpty is set. Visited nodes are
// read-only.
func (r *TreeReader) Scan(includeEmpty bool, f func(n *TreeNode) bool) error {
	doc, err := r.document()
	if err != nil || !doc.HasFirstChild() {
		return err
	}
	n, err := r.leftmost(doc.FirstChild)
	for n != nil && err == nil {
		if includeEmpty || !n.Value.IsEmpty() {
			if !f(n) {
				return nil
			}
		}
		n, err = r.successor(n)
	}
	return err
}

// All iterates over keys and references in key order, skipping emptied nodes.
// Iteration stops at the first error, which is then returned by errp.
func (r *TreeReader) All(errp *error) iter.Seq2[[]byte, *References] {
	return func(yield func([]byte, *References) bool) {
		err := r.Scan(false, func(n *TreeNode) bool {
			return yield(n.IndexKey, n.Value.Clone())
		})
		if err != nil && errp != nil {
			*errp = err
		}
	}
}

func (r *TreeReader) leftmost(k int64) (*TreeNode, error) {
	n, err := r.node(k)
	for err == nil && n.HasLeft() {
		n, err = r.node(n.Left)
	}
	return n, err
}

func (r *TreeReader) successor(n *TreeNode) (*TreeNode, error) {
	if n.HasRight() {
		return r.leftmost(n.Right)
	}
	for n.Parent != DocumentRecordKey {
		p, err := r.node(n.Parent)
		if err != nil {
			return nil, err
		}
		if p.Left == n.Key {
			return p, nil
		}
		n = p
	}
	return nil, nil
}
