package revdb

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Commit writes every logged page reachable from the new uber page, publishes
// the revision and returns the uber page read back from the store. Commits are
// serialized by the resource's commit lock and bracketed by the commit
// sentinel; a failed commit leaves the resource to be recovered by the next
// writer or Open. If the revision was already published when the failure
// happened, the error wraps ErrPublishedWithErrors and the published uber page
// is returned along with it.
//
// Unless WriteOptions.Continue is set, the transaction is closed afterwards.
func (t *PageTrx) Commit(message string) (*UberPage, error) {
	if err := t.checkOpen(); err != nil {
		return nil, err
	}
	r := t.res
	r.commitMu.Lock()
	defer r.commitMu.Unlock()

	t.state = trxCommitting
	start := time.Now()
	rev := t.root.Revision
	pages := t.log.len()

	uber, err := t.commit(message)
	if err != nil {
		r.needsRecovery.Store(true)
		r.logger.LogAttrs(context.Background(), slog.LevelError, "revdb: commit failed",
			slog.Int("rev", rev),
			slog.Bool("published", uber != nil),
			slog.Any("err", err))
		t.close()
		return uber, err
	}
	r.stats.Commits.Add(1)
	r.logger.LogAttrs(context.Background(), slog.LevelDebug, "revdb: committed",
		slog.Int("rev", uber.Revision),
		slog.Int("pages", pages),
		slog.Duration("dur", time.Since(start)))

	if t.opts.Continue {
		t.opts.Revert = false
		if err := t.reset(uber, uber.Revision); err != nil {
			t.close()
			return uber, err
		}
	} else {
		t.close()
	}
	return uber, nil
}

func (t *PageTrx) commit(message string) (*UberPage, error) {
	r := t.res
	if err := r.createSentinel(); err != nil {
		return nil, err
	}

	rev := t.root.Revision
	t.root.Timestamp = r.opt.Now()
	t.root.Message = message
	t.root.User = r.opt.User
	if t.opts.User != nil {
		t.root.User = *t.opts.User
	}

	if err := t.commitRef(t.uber.RevisionsRoot); err != nil {
		return nil, err
	}
	uberKey, err := r.pio.write(t.uber)
	if err != nil {
		return nil, err
	}
	if err := r.writeIndexDefs(rev, t.defs); err != nil {
		return nil, ioErr(err)
	}
	if err := r.store.WriteUberKey(uberKey, rev); err != nil {
		return nil, pageErrf("publish", uberKey, ioErr(err), "revision %d", rev)
	}
	t.log.truncate()

	if err := r.removeSentinel(); err != nil {
		return t.uber, fmt.Errorf("%w: revision %d: %w", ErrPublishedWithErrors, rev, err)
	}
	if err := r.reloadUber(); err != nil {
		return t.uber, fmt.Errorf("%w: revision %d: %w", ErrPublishedWithErrors, rev, err)
	}
	return r.lastUber.Load(), nil
}

// commitRef writes the logged page of ref after its children, then points
// ref at the written block. References without a logged page are unchanged
// since the base revision and are left alone.
func (t *PageTrx) commitRef(ref *PageReference) error {
	c, ok := t.log.get(ref)
	if !ok {
		return nil
	}
	p := c.Modified
	for _, child := range p.references() {
		if err := t.commitRef(child); err != nil {
			return err
		}
	}
	key, err := t.res.pio.write(p)
	if err != nil {
		return err
	}
	ref.Key = key
	if _, ok := p.(*KeyValuePage); ok {
		ref.Fragments = c.nextFragments
	}
	t.log.remove(ref)

	if t.res.opt.Verbose {
		t.res.logger.LogAttrs(context.Background(), slog.LevelDebug, "revdb: page written",
			slog.String("type", p.pageType().String()),
			slog.Int64("key", key),
			slog.Int("fragments", len(ref.Fragments)))
	}
	return nil
}
