package revdb

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Check verifies that every revision can be materialized: all pages decode,
// records sit in the pages their keys map to, and every defined index is a
// correctly ordered tree. Revisions are checked in parallel.
func (r *Resource) Check(ctx context.Context) error {
	last := r.LastRevision()
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(min(runtime.GOMAXPROCS(0), r.cfg.MaxReaders))
	for rev := 0; rev <= last; rev++ {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			trx, err := r.BeginReadTrxAt(ctx, rev)
			if err != nil {
				return err
			}
			defer trx.Close()
			if err := trx.check(rev); err != nil {
				return fmt.Errorf("revision %d: %w", rev, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (t *ReadTrx) check(rev int) error {
	if t.root.Revision != rev {
		return fmt.Errorf("%w: root page has revision %d", ErrCorrupted, t.root.Revision)
	}
	if err := t.checkSubtree(subtreeAddr{RecordSubtree, 0}, t.root.Records); err != nil {
		return err
	}
	for kind := PathSummarySubtree; kind < subtreeKindCount; kind++ {
		p, err := t.pr.page(t.root.indexRootRef(kind))
		if err != nil {
			return err
		}
		if p == nil {
			continue
		}
		irp, ok := p.(*IndexRootPage)
		if !ok || irp.Kind != kind {
			return fmt.Errorf("%w: bad %v index root page", ErrCorrupted, kind)
		}
		for index, tree := range irp.Trees {
			if err := t.checkSubtree(subtreeAddr{kind, index}, tree); err != nil {
				return err
			}
		}
	}
	for _, def := range t.defs {
		if err := t.checkIndex(def); err != nil {
			return err
		}
	}
	return nil
}

func (t *ReadTrx) checkSubtree(addr subtreeAddr, tree *IndexTree) error {
	if tree == nil || tree.Root.IsNull() {
		return nil
	}
	return t.checkIndirect(addr, tree, tree.Root, 0, 0)
}

func (t *ReadTrx) checkIndirect(addr subtreeAddr, tree *IndexTree, ref *PageReference, level int, prefix int64) error {
	if level == recordTreeLevels {
		return t.checkRecordPage(addr, tree, ref, prefix)
	}
	p, err := t.pr.page(ref)
	if err != nil {
		return err
	}
	ip, ok := p.(*IndirectPage)
	if !ok {
		return pageErrf("check", ref.Key, ErrCorrupted, "expected indirect page")
	}
	for i, child := range ip.Refs {
		if child.IsNull() {
			continue
		}
		if err := t.checkIndirect(addr, tree, child, level+1, prefix<<fanoutExp|int64(i)); err != nil {
			return err
		}
	}
	return nil
}

func (t *ReadTrx) checkRecordPage(addr subtreeAddr, tree *IndexTree, ref *PageReference, pageKey int64) error {
	p, err := t.pr.materialize(ref)
	if err != nil {
		return err
	}
	if p.PageKey != pageKey || p.addr() != addr {
		return pageErrf("check", ref.Key, ErrCorrupted, "page %v/%d found where %v/%d belongs", p.addr(), p.PageKey, addr, pageKey)
	}
	for _, key := range p.Keys() {
		if recordPageKey(key) != pageKey || key > tree.MaxKey {
			return recordErrf(addr.Kind, addr.Index, key, ErrCorrupted, "stray record in page %d (max key %d)", pageKey, tree.MaxKey)
		}
	}
	return nil
}

func (t *ReadTrx) checkIndex(def *IndexDef) error {
	r := OpenIndex(t, def)
	cmp := def.comparator()
	var prev *TreeNode
	var count int
	var orderErr error
	err := r.Scan(true, func(n *TreeNode) bool {
		if prev != nil && cmp(prev.IndexKey, n.IndexKey) >= 0 {
			orderErr = recordErrf(def.Kind, def.ID, n.Key, ErrCorrupted, "out of order after #%d", prev.Key)
			return false
		}
		prev = n
		count++
		return true
	})
	if err != nil {
		return err
	}
	if orderErr != nil {
		return orderErr
	}
	n, err := r.Len()
	if err != nil {
		return err
	}
	if n != count {
		return recordErrf(def.Kind, def.ID, DocumentRecordKey, ErrCorrupted, "document counts %d nodes, found %d", n, count)
	}
	return nil
}
