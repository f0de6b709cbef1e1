package revdb

import (
	"slices"
)

// MoveMode says where Index starts its descent.
type MoveMode int

const (
	// MoveToRoot descends from the tree root.
	MoveToRoot MoveMode = iota
	// NoMove descends from the node the previous Get or Index stopped at. It
	// is only correct right after a Get of the same key.
	NoMove
)

// TreeWriter maintains a persistent red/black tree index over records of one
// index subtree. Nodes are TreeNode records linked by key; the subtree's
// DocumentRecord points at the root. Every change goes through the page
// transaction, so the tree is versioned like any other records.
type TreeWriter struct {
	TreeReader
	trx *PageTrx
}

// NewTreeWriter opens the index subtree (kind, index) of trx for writing,
// creating the subtree if it does not exist yet.
func NewTreeWriter(trx *PageTrx, kind SubtreeKind, index int, cmp Comparator) (*TreeWriter, error) {
	addr, err := makeSubtreeAddr(kind, index)
	if err != nil {
		return nil, err
	}
	if err := trx.checkOpen(); err != nil {
		return nil, err
	}
	if err := trx.ensureSubtree(addr); err != nil {
		return nil, err
	}
	return &TreeWriter{
		TreeReader: *NewTreeReader(trx, kind, index, cmp),
		trx:        trx,
	}, nil
}

func (w *TreeWriter) mutNode(key int64) (*TreeNode, error) {
	rec, err := w.trx.PrepareEntryForModification(key, w.addr.Kind, w.addr.Index)
	if err != nil {
		return nil, err
	}
	n, ok := rec.(*TreeNode)
	if !ok {
		return nil, recordErrf(w.addr.Kind, w.addr.Index, key, ErrCorrupted, "expected tree node, got %v", rec.RecordKind())
	}
	return n, nil
}

func (w *TreeWriter) mutDocument() (*DocumentRecord, error) {
	rec, err := w.trx.PrepareEntryForModification(DocumentRecordKey, w.addr.Kind, w.addr.Index)
	if err != nil {
		return nil, err
	}
	d, ok := rec.(*DocumentRecord)
	if !ok {
		return nil, recordErrf(w.addr.Kind, w.addr.Index, DocumentRecordKey, ErrCorrupted, "expected document record, got %v", rec.RecordKind())
	}
	return d, nil
}

func (w *TreeWriter) newNode(key []byte, value *References, parent int64) (*TreeNode, error) {
	rec, err := w.trx.CreateEntry(w.addr.Kind, w.addr.Index, func(k int64) Record {
		return &TreeNode{
			Key:      k,
			IndexKey: slices.Clone(key),
			Value:    value.Clone(),
			Parent:   parent,
			Left:     NullRecordKey,
			Right:    NullRecordKey,
		}
	})
	if err != nil {
		return nil, err
	}
	return rec.(*TreeNode), nil
}

// Index associates key with value. If key is already present, value is
// merged into the node's references and a copy of the merged set is
// returned. A node whose references already cover value is left untouched.
func (w *TreeWriter) Index(key []byte, value *References, move MoveMode) (*References, error) {
	refs, err := w.index(key, value, move)
	if err != nil {
		return nil, err
	}
	return refs.Clone(), nil
}

func (w *TreeWriter) index(key []byte, value *References, move MoveMode) (*References, error) {
	if err := w.trx.checkOpen(); err != nil {
		return nil, err
	}
	if value == nil {
		value = NewReferences()
	}
	doc, err := w.document()
	if err != nil {
		return nil, err
	}

	if !doc.HasFirstChild() {
		node, err := w.newNode(key, value, DocumentRecordKey)
		if err != nil {
			return nil, err
		}
		d, err := w.mutDocument()
		if err != nil {
			return nil, err
		}
		d.FirstChild = node.Key
		d.ChildCount++
		d.DescendantCount++
		w.cur = node.Key
		return node.Value, nil
	}

	start := w.cur
	if move == MoveToRoot || start == NullRecordKey {
		start = doc.FirstChild
	}
	node, err := w.node(start)
	if err != nil {
		return nil, err
	}
	for {
		c := w.cmp(key, node.IndexKey)
		if c == 0 {
			w.cur = node.Key
			if node.Value.Covers(value) {
				return node.Value, nil
			}
			m, err := w.mutNode(node.Key)
			if err != nil {
				return nil, err
			}
			m.Value.Merge(value)
			return m.Value, nil
		}

		next := node.Right
		if c < 0 {
			next = node.Left
		}
		if next != NullRecordKey {
			node, err = w.node(next)
			if err != nil {
				return nil, err
			}
			continue
		}

		child, err := w.newNode(key, value, node.Key)
		if err != nil {
			return nil, err
		}
		parent, err := w.mutNode(node.Key)
		if err != nil {
			return nil, err
		}
		if c < 0 {
			parent.Left = child.Key
		} else {
			parent.Right = child.Key
		}
		if err := w.fixAfterInsert(child.Key); err != nil {
			return nil, err
		}
		d, err := w.mutDocument()
		if err != nil {
			return nil, err
		}
		d.DescendantCount++
		w.cur = child.Key
		return child.Value, nil
	}
}

// Remove deletes recordKey from the references of key. The node itself stays
// in the tree even when its references become empty; it reports false if key
// or recordKey was not indexed.
func (w *TreeWriter) Remove(key []byte, recordKey int64) (bool, error) {
	if err := w.trx.checkOpen(); err != nil {
		return false, err
	}
	node, err := w.Find(key, SearchEqual)
	if err != nil || node == nil {
		return false, err
	}
	if !node.Value.Contains(recordKey) {
		return false, nil
	}
	m, err := w.mutNode(node.Key)
	if err != nil {
		return false, err
	}
	m.Value.Remove(recordKey)
	return true, nil
}

func (w *TreeWriter) isRed(key int64) (bool, error) {
	if key == NullRecordKey {
		return false, nil
	}
	n, err := w.node(key)
	if err != nil {
		return false, err
	}
	return n.Red, nil
}

func (w *TreeWriter) setRed(key int64, red bool) error {
	if key == NullRecordKey {
		return nil
	}
	n, err := w.node(key)
	if err != nil {
		return err
	}
	if n.Red == red {
		return nil
	}
	m, err := w.mutNode(key)
	if err != nil {
		return err
	}
	m.Red = red
	return nil
}

// fixAfterInsert restores the red/black invariants after x was linked in as
// a leaf.
func (w *TreeWriter) fixAfterInsert(x int64) error {
	if err := w.setRed(x, true); err != nil {
		return err
	}
	for {
		xn, err := w.node(x)
		if err != nil {
			return err
		}
		p := xn.Parent
		if p == DocumentRecordKey {
			break
		}
		pn, err := w.node(p)
		if err != nil {
			return err
		}
		if !pn.Red {
			break
		}
		g := pn.Parent
		if g == DocumentRecordKey {
			break
		}
		gn, err := w.node(g)
		if err != nil {
			return err
		}

		if p == gn.Left {
			uncle := gn.Right
			red, err := w.isRed(uncle)
			if err != nil {
				return err
			}
			if red {
				if err := w.recolor(p, uncle, g); err != nil {
					return err
				}
				x = g
				continue
			}
			if x == pn.Right {
				x = p
				if err := w.rotateLeft(x); err != nil {
					return err
				}
				xn, err := w.node(x)
				if err != nil {
					return err
				}
				p = xn.Parent
			}
			if err := w.setRed(p, false); err != nil {
				return err
			}
			if err := w.setRed(g, true); err != nil {
				return err
			}
			if err := w.rotateRight(g); err != nil {
				return err
			}
		} else {
			uncle := gn.Left
			red, err := w.isRed(uncle)
			if err != nil {
				return err
			}
			if red {
				if err := w.recolor(p, uncle, g); err != nil {
					return err
				}
				x = g
				continue
			}
			if x == pn.Left {
				x = p
				if err := w.rotateRight(x); err != nil {
					return err
				}
				xn, err := w.node(x)
				if err != nil {
					return err
				}
				p = xn.Parent
			}
			if err := w.setRed(p, false); err != nil {
				return err
			}
			if err := w.setRed(g, true); err != nil {
				return err
			}
			if err := w.rotateLeft(g); err != nil {
				return err
			}
		}
	}

	doc, err := w.document()
	if err != nil {
		return err
	}
	return w.setRed(doc.FirstChild, false)
}

func (w *TreeWriter) recolor(parent, uncle, grandparent int64) error {
	if err := w.setRed(parent, false); err != nil {
		return err
	}
	if err := w.setRed(uncle, false); err != nil {
		return err
	}
	return w.setRed(grandparent, true)
}

// replaceChild points whatever referenced old (its parent or the document
// record) at repl.
func (w *TreeWriter) replaceChild(parent, old, repl int64) error {
	if parent == DocumentRecordKey {
		d, err := w.mutDocument()
		if err != nil {
			return err
		}
		d.FirstChild = repl
		return nil
	}
	pn, err := w.mutNode(parent)
	if err != nil {
		return err
	}
	if pn.Left == old {
		pn.Left = repl
	} else {
		pn.Right = repl
	}
	return nil
}

func (w *TreeWriter) rotateLeft(x int64) error {
	xn, err := w.mutNode(x)
	if err != nil {
		return err
	}
	y := xn.Right
	yn, err := w.mutNode(y)
	if err != nil {
		return err
	}

	xn.Right = yn.Left
	if yn.Left != NullRecordKey {
		c, err := w.mutNode(yn.Left)
		if err != nil {
			return err
		}
		c.Parent = x
	}
	yn.Parent = xn.Parent
	if err := w.replaceChild(xn.Parent, x, y); err != nil {
		return err
	}
	yn.Left = x
	xn.Parent = y
	return nil
}

func (w *TreeWriter) rotateRight(x int64) error {
	xn, err := w.mutNode(x)
	if err != nil {
		return err
	}
	y := xn.Left
	yn, err := w.mutNode(y)
	if err != nil {
		return err
	}

	xn.Left = yn.Right
	if yn.Right != NullRecordKey {
		c, err := w.mutNode(yn.Right)
		if err != nil {
			return err
		}
		c.Parent = x
	}
	yn.Parent = xn.Parent
	if err := w.replaceChild(xn.Parent, x, y); err != nil {
		return err
	}
	yn.Right = x
	xn.Parent = y
	return nil
}
