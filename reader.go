package revdb

import "fmt"

// RecordSource resolves record keys within a revision. *ReadTrx and *PageTrx
// implement it; the balanced-tree index navigates exclusively through it.
type RecordSource interface {
	Record(key int64, kind SubtreeKind, index int) (Record, error)
}

// pageReader resolves pages and records of one revision. With a non-nil
// intent log, logged pages shadow committed ones. Combined record pages are
// cached per reader, keyed by the newest fragment's storage key.
type pageReader struct {
	res      *Resource
	log      *intentLog
	combined map[int64]*KeyValuePage
}

func newPageReader(res *Resource, log *intentLog) *pageReader {
	return &pageReader{res: res, log: log, combined: make(map[int64]*KeyValuePage)}
}

// page returns nil for a null reference.
func (r *pageReader) page(ref *PageReference) (Page, error) {
	if r.log != nil {
		if c, ok := r.log.get(ref); ok {
			return c.Modified, nil
		}
	}
	if ref.IsNull() {
		return nil, nil
	}
	return r.res.pio.load(ref.Key)
}

// leafRef walks an indirect tree down to the reference of leaf key. It
// returns nil if the path does not exist.
func (r *pageReader) leafRef(root *PageReference, key int64, levels int) (*PageReference, error) {
	if key < 0 || key > maxTreeKey(levels) {
		return nil, fmt.Errorf("%w: key %d out of tree range", ErrIllegalState, key)
	}
	ref := root
	for level := 0; level < levels; level++ {
		p, err := r.page(ref)
		if err != nil {
			return nil, err
		}
		if p == nil {
			return nil, nil
		}
		ip, ok := p.(*IndirectPage)
		if !ok {
			return nil, pageErrf("resolve", ref.Key, ErrCorrupted, "expected indirect page, got %v", p.pageType())
		}
		off := indirectOffset(key, levels, level)
		if off >= len(ip.Refs) || ip.Refs[off] == nil {
			return nil, nil
		}
		ref = ip.Refs[off]
	}
	return ref, nil
}

func (r *pageReader) revisionRoot(uber *UberPage, rev int) (*RevisionRootPage, error) {
	if rev < 0 || rev > uber.Revision {
		return nil, fmt.Errorf("%w: %d", ErrNoSuchRevision, rev)
	}
	ref, err := r.leafRef(uber.RevisionsRoot, int64(rev), revisionTreeLevels)
	if err != nil {
		return nil, err
	}
	p, err := r.page(ref)
	if err != nil {
		return nil, err
	}
	root, ok := p.(*RevisionRootPage)
	if !ok || root == nil {
		return nil, fmt.Errorf("%w: revision %d root missing", ErrCorrupted, rev)
	}
	return root, nil
}

// tree returns nil if the subtree does not exist in the revision.
func (r *pageReader) tree(root *RevisionRootPage, addr subtreeAddr) (*IndexTree, error) {
	if addr.Kind == RecordSubtree {
		return root.Records, nil
	}
	p, err := r.page(root.indexRootRef(addr.Kind))
	if err != nil || p == nil {
		return nil, err
	}
	irp, ok := p.(*IndexRootPage)
	if !ok {
		return nil, fmt.Errorf("%w: expected %v index root page, got %v", ErrCorrupted, addr.Kind, p.pageType())
	}
	return irp.Trees[addr.Index], nil
}

// readFragments loads the fragments of a committed record page, newest
// first, stopping at a full dump or at the versioning's fragment bound.
func (r *pageReader) readFragments(ref *PageReference) ([]*KeyValuePage, error) {
	keys := fragmentKeys(ref)
	if n := r.res.versioning.MaxFragments(); len(keys) > n {
		keys = keys[:n]
	}
	fragments := make([]*KeyValuePage, 0, len(keys))
	for _, key := range keys {
		p, err := r.res.pio.load(key)
		if err != nil {
			return nil, err
		}
		kv, ok := p.(*KeyValuePage)
		if !ok {
			return nil, pageErrf("materialize", key, ErrCorrupted, "expected key-value page, got %v", p.pageType())
		}
		fragments = append(fragments, kv)
		if kv.FullDump {
			break
		}
	}
	if len(fragments) == 0 {
		return nil, pageErrf("materialize", ref.Key, ErrCorrupted, "no fragments")
	}
	r.res.stats.observeFragments(len(fragments))
	return fragments, nil
}

func (r *pageReader) materialize(ref *PageReference) (*KeyValuePage, error) {
	if p, ok := r.combined[ref.Key]; ok {
		return p, nil
	}
	fragments, err := r.readFragments(ref)
	if err != nil {
		return nil, err
	}
	p := r.res.versioning.Combine(fragments)
	r.combined[ref.Key] = p
	return p, nil
}

// record returns nil if the record is absent or deleted.
func (r *pageReader) record(root *RevisionRootPage, addr subtreeAddr, key int64) (Record, error) {
	tree, err := r.tree(root, addr)
	if err != nil || tree == nil {
		return nil, err
	}
	if key < 0 || key > tree.MaxKey {
		return nil, nil
	}
	leaf, err := r.leafRef(tree.Root, recordPageKey(key), recordTreeLevels)
	if err != nil || leaf == nil {
		return nil, err
	}
	if r.log != nil {
		if c, ok := r.log.get(leaf); ok {
			if rec := c.modifiedKV().Get(key); rec != nil {
				return liveRecord(rec), nil
			}
			return liveRecord(c.completeKV().Get(key)), nil
		}
	}
	if leaf.IsNull() {
		return nil, nil
	}
	p, err := r.materialize(leaf)
	if err != nil {
		return nil, err
	}
	return liveRecord(p.Get(key)), nil
}

func liveRecord(r Record) Record {
	if r == nil || isDeleted(r) {
		return nil
	}
	return r
}
