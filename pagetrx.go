package revdb

import (
	"fmt"
)

type trxState int

const (
	trxOpen trxState = iota
	trxCommitting
	trxClosed
)

type WriteOptions struct {
	// Revert bases the transaction on BaseRevision instead of the latest
	// revision. Committing it makes the old state current again.
	Revert       bool
	BaseRevision int

	// Continue keeps the transaction open after Commit, based on the
	// revision just committed.
	Continue bool

	// User overrides Options.User for revisions committed by this transaction.
	User *User
}

// PageTrx is the single write transaction of a resource. It builds the next
// revision by copying pages on write into its intent log; nothing reaches the
// store before Commit.
type PageTrx struct {
	res   *Resource
	id    uint64
	opts  WriteOptions
	state trxState

	log *intentLog
	pr  *pageReader

	uber    *UberPage
	root    *RevisionRootPage
	baseRev int
	defs    []*IndexDef
}

func newPageTrx(res *Resource, opts WriteOptions) (*PageTrx, error) {
	t := &PageTrx{
		res:  res,
		id:   res.lastTrxID.Add(1),
		opts: opts,
		log:  newIntentLog(),
	}
	last := res.lastUber.Load()
	base := last.Revision
	if opts.Revert {
		if opts.BaseRevision < 0 || opts.BaseRevision > last.Revision {
			return nil, fmt.Errorf("%w: cannot revert to %d", ErrNoSuchRevision, opts.BaseRevision)
		}
		base = opts.BaseRevision
	}
	if err := t.reset(last, base); err != nil {
		return nil, err
	}
	return t, nil
}

// reset discards all pending changes and starts revision last.Revision+1 from
// the state of revision base.
func (t *PageTrx) reset(last *UberPage, base int) error {
	t.log.truncate()
	t.pr = newPageReader(t.res, t.log)

	newRev := last.Revision + 1
	var root *RevisionRootPage
	if base >= 0 {
		baseRoot, err := newPageReader(t.res, nil).revisionRoot(last, base)
		if err != nil {
			return err
		}
		root = baseRoot.cloneAs(newRev)
	} else {
		root = newRevisionRootPage(newRev)
	}

	t.uber = last.clone()
	t.uber.Revision = newRev
	ref, err := t.prepareLeafOfTree(t.uber.RevisionsRoot, int64(newRev), revisionTreeLevels)
	if err != nil {
		return err
	}
	t.log.put(ref, newSinglePageContainer(root))
	t.root = root
	t.baseRev = base

	defs, err := t.res.loadIndexDefs(base)
	if err != nil {
		return err
	}
	t.defs = defs
	t.state = trxOpen
	return nil
}

func (t *PageTrx) checkOpen() error {
	switch t.state {
	case trxOpen:
		return nil
	case trxCommitting:
		return fmt.Errorf("%w: commit in progress", ErrIllegalState)
	default:
		return ErrClosed
	}
}

func (t *PageTrx) TrxID() uint64 {
	return t.id
}

// Revision is the number the transaction will commit as.
func (t *PageTrx) Revision() int {
	return t.root.Revision
}

// BaseRevision is the revision the transaction's state started from, or -1.
func (t *PageTrx) BaseRevision() int {
	return t.baseRev
}

// ActualRevisionRoot returns the in-flight revision root page.
func (t *PageTrx) ActualRevisionRoot() *RevisionRootPage {
	return t.root
}

// AppendLogRecord puts a container into the intent log, replacing any
// container ref had.
func (t *PageTrx) AppendLogRecord(ref *PageReference, c *PageContainer) {
	t.log.put(ref, c)
}

// LogRecord returns the container logged for ref; ok is false if there is none.
func (t *PageTrx) LogRecord(ref *PageReference) (c *PageContainer, ok bool) {
	return t.log.get(ref)
}

// prepareLeafOfTree makes every indirect page on the path to leaf key a
// logged copy and returns the leaf reference, creating it if needed.
func (t *PageTrx) prepareLeafOfTree(ref *PageReference, key int64, levels int) (*PageReference, error) {
	if key < 0 || key > maxTreeKey(levels) {
		return nil, fmt.Errorf("%w: key %d out of tree range", ErrIllegalState, key)
	}
	for level := 0; level < levels; level++ {
		ip, err := t.prepareIndirectPage(ref)
		if err != nil {
			return nil, err
		}
		off := indirectOffset(key, levels, level)
		child := ip.Refs[off]
		if child == nil {
			child = newPageReference()
			ip.Refs[off] = child
		}
		ref = child
	}
	return ref, nil
}

func (t *PageTrx) prepareIndirectPage(ref *PageReference) (*IndirectPage, error) {
	if c, ok := t.log.get(ref); ok {
		ip, ok := c.Modified.(*IndirectPage)
		if !ok {
			return nil, pageErrf("prepare", ref.Key, ErrCorrupted, "expected indirect page, got %v", c.Modified.pageType())
		}
		return ip, nil
	}
	var ip *IndirectPage
	if ref.IsNull() {
		ip = newIndirectPage()
	} else {
		p, err := t.res.pio.load(ref.Key)
		if err != nil {
			return nil, err
		}
		committed, ok := p.(*IndirectPage)
		if !ok {
			return nil, pageErrf("prepare", ref.Key, ErrCorrupted, "expected indirect page, got %v", p.pageType())
		}
		ip = committed.clone()
	}
	t.log.put(ref, newSinglePageContainer(ip))
	return ip, nil
}

func (t *PageTrx) prepareIndexRootPage(kind SubtreeKind) (*IndexRootPage, error) {
	ref := t.root.indexRootRef(kind)
	if c, ok := t.log.get(ref); ok {
		return c.Modified.(*IndexRootPage), nil
	}
	var irp *IndexRootPage
	if ref.IsNull() {
		irp = newIndexRootPage(kind)
	} else {
		p, err := t.res.pio.load(ref.Key)
		if err != nil {
			return nil, err
		}
		committed, ok := p.(*IndexRootPage)
		if !ok {
			return nil, pageErrf("prepare", ref.Key, ErrCorrupted, "expected index root page, got %v", p.pageType())
		}
		irp = committed.clone()
	}
	t.log.put(ref, newSinglePageContainer(irp))
	return irp, nil
}

// subtreeForWrite returns the in-flight tree of addr, creating it if needed.
func (t *PageTrx) subtreeForWrite(addr subtreeAddr) (*IndexTree, error) {
	if addr.Kind == RecordSubtree {
		return t.root.Records, nil
	}
	irp, err := t.prepareIndexRootPage(addr.Kind)
	if err != nil {
		return nil, err
	}
	tree := irp.Trees[addr.Index]
	if tree == nil {
		tree = newIndexTree()
		irp.Trees[addr.Index] = tree
	}
	return tree, nil
}

// ensureSubtree creates the subtree of addr with its document record unless
// it already has one.
func (t *PageTrx) ensureSubtree(addr subtreeAddr) error {
	tree, err := t.subtreeForWrite(addr)
	if err != nil {
		return err
	}
	if tree.MaxKey >= DocumentRecordKey {
		return nil
	}
	_, err = t.CreateEntry(addr.Kind, addr.Index, func(key int64) Record {
		return newDocumentRecord(key)
	})
	return err
}

// prepareRecordPage returns the logged container of the record page holding
// key, materializing it through the versioning on first access.
func (t *PageTrx) prepareRecordPage(addr subtreeAddr, key int64) (*PageContainer, error) {
	tree, err := t.subtreeForWrite(addr)
	if err != nil {
		return nil, err
	}
	pageKey := recordPageKey(key)
	leaf, err := t.prepareLeafOfTree(tree.Root, pageKey, recordTreeLevels)
	if err != nil {
		return nil, err
	}
	if c, ok := t.log.get(leaf); ok {
		return c, nil
	}

	var c *PageContainer
	if leaf.IsNull() {
		modified := newKeyValuePage(pageKey, addr, t.root.Revision)
		modified.FullDump = true
		c = &PageContainer{
			Complete: newKeyValuePage(pageKey, addr, t.root.Revision),
			Modified: modified,
		}
	} else {
		fragments, err := t.pr.readFragments(leaf)
		if err != nil {
			return nil, err
		}
		c = t.res.versioning.CombineForModification(leaf, fragments, t.root.Revision)
	}
	t.log.put(leaf, c)
	return c, nil
}

// Record returns the live record with the given key as this transaction
// sees it, or nil. The result is read-only; use PrepareEntryForModification
// to change it.
func (t *PageTrx) Record(key int64, kind SubtreeKind, index int) (Record, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	addr, err := makeSubtreeAddr(kind, index)
	if err != nil {
		return nil, err
	}
	return t.pr.record(t.root, addr, key)
}

// MaxKey returns the highest key allocated in the subtree, or -1.
func (t *PageTrx) MaxKey(kind SubtreeKind, index int) (int64, error) {
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

// PrepareEntryForModification returns the working copy of a record. All
// changes to the returned record become part of the next revision; repeated
// calls return the same copy.
func (t *PageTrx) PrepareEntryForModification(key int64, kind SubtreeKind, index int) (Record, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	addr, err := makeSubtreeAddr(kind, index)
	if err != nil {
		return nil, err
	}
	tree, err := t.pr.tree(t.root, addr)
	if err != nil {
		return nil, err
	}
	if tree == nil || key < 0 || key > tree.MaxKey {
		return nil, recordErrf(addr.Kind, addr.Index, key, ErrCorrupted, "record not found")
	}

	c, err := t.prepareRecordPage(addr, key)
	if err != nil {
		return nil, err
	}
	modified := c.modifiedKV()
	if r := modified.Get(key); r != nil {
		if isDeleted(r) {
			return nil, recordErrf(addr.Kind, addr.Index, key, ErrCorrupted, "record was deleted")
		}
		return r, nil
	}
	r := c.completeKV().Get(key)
	if r == nil || isDeleted(r) {
		return nil, recordErrf(addr.Kind, addr.Index, key, ErrCorrupted, "record not found")
	}
	r = r.Clone()
	modified.Set(r)
	return r, nil
}

// CreateEntry allocates the next key of the subtree and stores the record
// build returns for it.
func (t *PageTrx) CreateEntry(kind SubtreeKind, index int, build func(key int64) Record) (Record, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	addr, err := makeSubtreeAddr(kind, index)
	if err != nil {
		return nil, err
	}
	tree, err := t.subtreeForWrite(addr)
	if err != nil {
		return nil, err
	}
	key := tree.MaxKey + 1
	rec := build(key)
	if rec == nil || rec.RecordKey() != key {
		return nil, recordErrf(addr.Kind, addr.Index, key, ErrIllegalState, "built record has wrong key")
	}
	c, err := t.prepareRecordPage(addr, key)
	if err != nil {
		return nil, err
	}
	tree.MaxKey = key
	c.modifiedKV().Set(rec)
	return rec, nil
}

// RemoveEntry deletes a live record. Its key is never reused.
func (t *PageTrx) RemoveEntry(key int64, kind SubtreeKind, index int) error {
	rec, err := t.Record(key, kind, index)
	if err != nil {
		return err
	}
	addr, _ := makeSubtreeAddr(kind, index)
	if rec == nil {
		return recordErrf(addr.Kind, addr.Index, key, ErrIllegalState, "no such record")
	}
	c, err := t.prepareRecordPage(addr, key)
	if err != nil {
		return err
	}
	tomb := &DeletedRecord{Key: key, Revision: t.root.Revision}
	c.modifiedKV().Set(tomb)
	c.completeKV().Set(tomb)
	return nil
}

// Rollback discards all pending changes and returns the last committed uber
// page. The transaction stays open.
func (t *PageTrx) Rollback() (*UberPage, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	t.res.stats.Rollbacks.Add(1)
	last := t.res.lastUber.Load()
	base := last.Revision
	if t.opts.Revert {
		base = t.baseRev
	}
	if err := t.reset(last, base); err != nil {
		t.close()
		return nil, err
	}
	return last, nil
}

// TruncateTo discards every committed revision after rev and restarts the
// transaction on rev. It fails while read transactions are open.
func (t *PageTrx) TruncateTo(rev int) error {
	if err := t.checkOpen(); err != nil {
		return err
	}
	r := t.res
	if last := r.lastUber.Load(); rev < 0 || rev > last.Revision {
		return fmt.Errorf("%w: %d", ErrNoSuchRevision, rev)
	}
	all := int64(r.cfg.MaxReaders)
	if !r.readers.TryAcquire(all) {
		return fmt.Errorf("%w: cannot truncate with read transactions open", ErrIllegalState)
	}
	defer r.readers.Release(all)

	r.commitMu.Lock()
	defer r.commitMu.Unlock()
	if err := r.truncateTo(rev); err != nil {
		r.needsRecovery.Store(true)
		t.close()
		return err
	}
	t.opts.Revert = false
	return t.reset(r.lastUber.Load(), rev)
}

// Close discards pending changes. It is idempotent.
func (t *PageTrx) Close() error {
	if t.state == trxClosed {
		return nil
	}
	t.close()
	return nil
}

func (t *PageTrx) close() {
	t.log.truncate()
	t.state = trxClosed
	t.res.writers.Release(1)
	t.res.stats.WriteTrxs.Add(-1)
}

func (t *PageTrx) String() string {
	return fmt.Sprintf("trx#%d@%d", t.id, t.root.Revision)
}
