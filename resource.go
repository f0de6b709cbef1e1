package revdb

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Resource is one versioned store living in a directory. It allows a single
// PageTrx at a time and any number of ReadTrx up to MaxReaders.
type Resource struct {
	dir        string
	cfg        ResourceConfig
	opt        Options
	logger     *slog.Logger
	store      blockStore
	pio        *pageIO
	versioning Versioning
	stats      Stats

	commitMu sync.Mutex
	writers  *semaphore.Weighted
	readers  *semaphore.Weighted

	lastUber      atomic.Pointer[UberPage]
	lastTrxID     atomic.Uint64
	needsRecovery atomic.Bool
	closed        atomic.Bool
}

// Create makes a new resource in dir and commits its bootstrap revision 0.
func Create(dir string, cfg ResourceConfig, opt Options) (*Resource, error) {
	if _, ok, err := loadResourceConfig(dir); err != nil {
		return nil, err
	} else if ok {
		return nil, fmt.Errorf("%w: resource already exists in %s", ErrIllegalState, dir)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return nil, ioErr(err)
	}
	if err := saveResourceConfig(dir, &cfg); err != nil {
		return nil, ioErr(err)
	}
	return open(dir, cfg, opt)
}

// Open opens the resource previously created in dir. An interrupted commit is
// rolled back to the last durable revision first.
func Open(dir string, opt Options) (*Resource, error) {
	cfg, ok, err := loadResourceConfig(dir)
	if err != nil {
		return nil, err
	} else if !ok {
		return nil, fmt.Errorf("%w: no resource in %s", fs.ErrNotExist, dir)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return open(dir, *cfg, opt)
}

// OpenOrCreate opens the resource in dir, creating it with cfg if needed.
func OpenOrCreate(dir string, cfg ResourceConfig, opt Options) (*Resource, error) {
	_, ok, err := loadResourceConfig(dir)
	if err != nil {
		return nil, err
	}
	if ok {
		return Open(dir, opt)
	}
	return Create(dir, cfg, opt)
}

func open(dir string, cfg ResourceConfig, opt Options) (*Resource, error) {
	opt.applyDefaults()
	v, err := newVersioning(cfg.Versioning, cfg.RevisionsToRestore)
	if err != nil {
		return nil, err
	}
	store, err := openStore(dir, cfg, opt)
	if err != nil {
		return nil, ioErr(err)
	}
	if opt.wrapStore != nil {
		store = opt.wrapStore(store)
	}

	r := &Resource{
		dir:        dir,
		cfg:        cfg,
		opt:        opt,
		logger:     opt.Logger,
		store:      store,
		versioning: v,
		writers:    semaphore.NewWeighted(1),
		readers:    semaphore.NewWeighted(int64(cfg.MaxReaders)),
	}
	r.pio = &pageIO{
		store:       store,
		compression: cfg.Compression,
		cache:       newPageCache(cfg.PageCacheSize),
		stats:       &r.stats,
	}

	if err := r.start(); err != nil {
		store.Close()
		return nil, err
	}
	return r, nil
}

func (r *Resource) start() error {
	if _, err := os.Stat(r.sentinelPath()); err == nil {
		if err := r.recover(); err != nil {
			return err
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return ioErr(err)
	}

	if err := r.reloadUber(); err != nil {
		return err
	}
	if r.lastUber.Load().IsBootstrap() {
		return r.bootstrap()
	}
	return nil
}

func openStore(dir string, cfg ResourceConfig, opt Options) (blockStore, error) {
	var st storage
	switch cfg.Storage {
	case FileStorage:
		return openFileStore(dir, opt)
	case MemoryStorage:
		st = newMemStorage()
	case BoltStorage:
		var err error
		st, err = openBoltStorage(filepath.Join(dir, boltFileName), opt)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("invalid storage %q", cfg.Storage)
	}
	bs, err := openBucketStore(st)
	if err != nil {
		st.Close()
		return nil, err
	}
	return bs, nil
}

// bootstrap commits revision 0 holding the document record of the record subtree.
func (r *Resource) bootstrap() error {
	trx, err := r.BeginPageTrx(context.Background(), WriteOptions{})
	if err != nil {
		return err
	}
	defer trx.Close()
	_, err = trx.CreateEntry(RecordSubtree, 0, func(key int64) Record {
		return newDocumentRecord(key)
	})
	if err != nil {
		return err
	}
	_, err = trx.Commit("bootstrap")
	return err
}

// reloadUber reads the latest uber page back from the store and publishes it.
func (r *Resource) reloadUber() error {
	key, rev, err := r.store.ReadUberKey()
	if err != nil {
		return ioErr(err)
	}
	if key == NullKey {
		r.lastUber.Store(newBootstrapUberPage())
		return nil
	}
	p, err := r.pio.load(key)
	if err != nil {
		return err
	}
	uber, ok := p.(*UberPage)
	if !ok {
		return pageErrf("load", key, ErrCorrupted, "expected uber page, got %v", p.pageType())
	}
	if uber.Revision != rev {
		return pageErrf("load", key, ErrCorrupted, "uber page has revision %d, store says %d", uber.Revision, rev)
	}
	r.lastUber.Store(uber)
	return nil
}

func (r *Resource) recover() error {
	_, rev, err := r.store.ReadUberKey()
	if err != nil {
		return ioErr(err)
	}
	r.logger.LogAttrs(context.Background(), slog.LevelWarn, "revdb: recovering interrupted commit",
		slog.String("dir", r.dir),
		slog.Int("last_revision", rev))

	if err := r.truncateTo(rev); err != nil {
		return err
	}
	if err := os.Remove(r.sentinelPath()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return ioErr(err)
	}
	r.needsRecovery.Store(false)
	r.stats.Recoveries.Add(1)
	if r.opt.OnRecover != nil {
		r.opt.OnRecover(rev)
	}
	return nil
}

// truncateTo discards every revision after rev. Caller holds commitMu or has
// exclusive access to the resource.
func (r *Resource) truncateTo(rev int) error {
	if err := r.store.TruncateTo(rev); err != nil {
		return ioErr(err)
	}
	r.pio.cache.purge()
	if err := r.removeIndexDefsAfter(rev); err != nil {
		return ioErr(err)
	}
	return r.reloadUber()
}

func (r *Resource) sentinelPath() string {
	return filepath.Join(r.dir, sentinelFileName)
}

func (r *Resource) createSentinel() error {
	f, err := os.OpenFile(r.sentinelPath(), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o666)
	if err != nil {
		return ioErr(fmt.Errorf("commit sentinel: %w", err))
	}
	return ioErr(f.Close())
}

func (r *Resource) removeSentinel() error {
	return ioErr(os.Remove(r.sentinelPath()))
}

func (r *Resource) Dir() string {
	return r.dir
}

func (r *Resource) Config() ResourceConfig {
	return r.cfg
}

// LastRevision returns the most recently committed revision.
func (r *Resource) LastRevision() int {
	return r.lastUber.Load().Revision
}

// LastUberPage returns the uber page of the most recent commit. It must not
// be modified.
func (r *Resource) LastUberPage() *UberPage {
	return r.lastUber.Load()
}

// BeginPageTrx starts the resource's single write transaction, waiting for
// the current one to finish.
func (r *Resource) BeginPageTrx(ctx context.Context, opts WriteOptions) (*PageTrx, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	if err := r.writers.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	if r.needsRecovery.Load() {
		r.commitMu.Lock()
		err := r.recover()
		r.commitMu.Unlock()
		if err != nil {
			r.writers.Release(1)
			return nil, err
		}
	}
	trx, err := newPageTrx(r, opts)
	if err != nil {
		r.writers.Release(1)
		return nil, err
	}
	r.stats.WriteTrxs.Add(1)
	return trx, nil
}

// BeginReadTrx opens a read transaction on the latest revision.
func (r *Resource) BeginReadTrx(ctx context.Context) (*ReadTrx, error) {
	return r.BeginReadTrxAt(ctx, -1)
}

// BeginReadTrxAt opens a read transaction on revision rev, or on the latest
// revision if rev is negative.
func (r *Resource) BeginReadTrxAt(ctx context.Context, rev int) (*ReadTrx, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	if err := r.readers.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	uber := r.lastUber.Load()
	if rev < 0 {
		rev = uber.Revision
	}
	trx, err := newReadTrx(r, uber, rev)
	if err != nil {
		r.readers.Release(1)
		return nil, err
	}
	r.stats.ReadTrxs.Add(1)
	return trx, nil
}

// Read runs f in a read transaction on the latest revision.
func (r *Resource) Read(ctx context.Context, f func(trx *ReadTrx) error) error {
	trx, err := r.BeginReadTrx(ctx)
	if err != nil {
		return err
	}
	defer trx.Close()
	return f(trx)
}

// Write runs f in a write transaction and commits it with message, returning
// the new revision. The transaction is rolled back if f fails.
func (r *Resource) Write(ctx context.Context, message string, f func(trx *PageTrx) error) (int, error) {
	trx, err := r.BeginPageTrx(ctx, WriteOptions{})
	if err != nil {
		return -1, err
	}
	defer trx.Close()
	if err := f(trx); err != nil {
		return -1, err
	}
	uber, err := trx.Commit(message)
	if err != nil {
		return -1, err
	}
	return uber.Revision, nil
}

// Close releases the store. Open transactions fail afterwards.
func (r *Resource) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	return r.store.Close()
}
