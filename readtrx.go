package revdb

import (
	"fmt"
	"time"
)

// ReadTrx is a read-only view of one committed revision. It is not safe for
// concurrent use; open one per goroutine.
type ReadTrx struct {
	res    *Resource
	pr     *pageReader
	uber   *UberPage
	root   *RevisionRootPage
	defs   []*IndexDef
	closed bool
}

func newReadTrx(res *Resource, uber *UberPage, rev int) (*ReadTrx, error) {
	pr := newPageReader(res, nil)
	root, err := pr.revisionRoot(uber, rev)
	if err != nil {
		return nil, err
	}
	defs, err := res.loadIndexDefs(rev)
	if err != nil {
		return nil, err
	}
	return &ReadTrx{res: res, pr: pr, uber: uber, root: root, defs: defs}, nil
}

func (t *ReadTrx) Revision() int {
	return t.root.Revision
}

func (t *ReadTrx) Timestamp() time.Time {
	return t.root.Timestamp
}

func (t *ReadTrx) Message() string {
	return t.root.Message
}

func (t *ReadTrx) User() User {
	return t.root.User
}

// RevisionRoot returns the root page of the transaction's revision. It must
// not be modified.
func (t *ReadTrx) RevisionRoot() *RevisionRootPage {
	return t.root
}

// Record returns the live record with the given key, or nil if the record
// does not exist or was deleted in this revision. The record belongs to the
// committed page and must not be modified.
func (t *ReadTrx) Record(key int64, kind SubtreeKind, index int) (Record, error) {
	if t.closed {
		return nil, ErrClosed
	}
	addr, err := makeSubtreeAddr(kind, index)
	if err != nil {
		return nil, err
	}
	return t.pr.record(t.root, addr, key)
}

// MaxKey returns the highest key ever allocated in the subtree, or -1.
func (t *ReadTrx) MaxKey(kind SubtreeKind, index int) (int64, error) {
	if t.closed {
		return NullRecordKey, ErrClosed
	}
	addr, err := makeSubtreeAddr(kind, index)
	if err != nil {
		return NullRecordKey, err
	}
	tree, err := t.pr.tree(t.root, addr)
	if err != nil || tree == nil {
		return NullRecordKey, err
	}
	return tree.MaxKey, nil
}

// IndexDefs returns the indexes defined as of this revision.
func (t *ReadTrx) IndexDefs() []*IndexDef {
	return t.defs
}

// IndexDef returns the definition of an index, or ErrNoSuchIndex.
func (t *ReadTrx) IndexDef(kind SubtreeKind, id int) (*IndexDef, error) {
	return findIndexDef(t.defs, kind, id)
}

// Close is idempotent.
func (t *ReadTrx) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true
	t.pr = nil
	t.res.readers.Release(1)
	t.res.stats.ReadTrxs.Add(-1)
	return nil
}

func (t *ReadTrx) String() string {
	return fmt.Sprintf("read@%d", t.root.Revision)
}
