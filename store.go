package revdb

import (
	"encoding/binary"
	"fmt"
	"slices"
	"sync"
)

// blockStore is the persistent store pages are written to. Blocks are
// immutable once appended. A revision becomes durable when WriteUberKey
// returns; blocks appended after the last durable revision are discarded by
// TruncateTo.
type blockStore interface {
	// Read returns a block's bytes. The caller owns the returned slice.
	Read(key int64) ([]byte, error)

	// Append stores a block and returns its key. Keys grow monotonically.
	Append(data []byte) (int64, error)

	// WriteUberKey makes every appended block durable and records key as
	// the uber page of revision rev.
	WriteUberKey(key int64, rev int) error

	// ReadUberKey returns the latest durable uber page key and revision, or
	// (NullKey, -1) for an empty store.
	ReadUberKey() (key int64, rev int, err error)

	// TruncateTo discards all revisions after rev and every block appended
	// after rev became durable. rev == -1 empties the store.
	TruncateTo(rev int) error

	Close() error
}

const (
	pagesBucket     = "pages"
	revisionsBucket = "revisions"

	revisionEntrySize = 16
)

// bucketStore keeps blocks in a sorted key-value storage (Bolt or memory).
// Appended blocks are buffered and flushed together with the revision entry
// in a single storage transaction, which is what makes a revision atomic.
type bucketStore struct {
	st storage

	mu      sync.Mutex
	pending map[int64][]byte
	nextKey int64
	closed  bool
}

func openBucketStore(st storage) (*bucketStore, error) {
	tx, err := st.BeginTx(true)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	pages, err := tx.CreateBucket(pagesBucket)
	if err != nil {
		return nil, err
	}
	if _, err := tx.CreateBucket(revisionsBucket); err != nil {
		return nil, err
	}
	var nextKey int64
	if k, _ := pages.Cursor().Last(); k != nil {
		nextKey = int64(binary.BigEndian.Uint64(k)) + 1
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &bucketStore{
		st:      st,
		pending: make(map[int64][]byte),
		nextKey: nextKey,
	}, nil
}

func blockKeyBytes(key int64) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(key))
}

func (s *bucketStore) Read(key int64) ([]byte, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if data, ok := s.pending[key]; ok {
		s.mu.Unlock()
		return slices.Clone(data), nil
	}
	s.mu.Unlock()

	tx, err := s.st.BeginTx(false)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	b := tx.Bucket(pagesBucket)
	if b == nil {
		return nil, fmt.Errorf("missing %s bucket", pagesBucket)
	}
	data := b.Get(blockKeyBytes(key))
	if data == nil {
		return nil, fmt.Errorf("block %d not found", key)
	}
	return slices.Clone(data), nil
}

func (s *bucketStore) Append(data []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return NullKey, ErrClosed
	}
	key := s.nextKey
	s.nextKey++
	s.pending[key] = slices.Clone(data)
	return key, nil
}

func (s *bucketStore) WriteUberKey(key int64, rev int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	tx, err := s.st.BeginTx(true)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	pages := tx.Bucket(pagesBucket)
	for _, k := range sortedKeys(s.pending) {
		if err := pages.Put(blockKeyBytes(k), s.pending[k]); err != nil {
			return err
		}
	}

	var entry [revisionEntrySize]byte
	binary.BigEndian.PutUint64(entry[0:], uint64(key))
	binary.BigEndian.PutUint64(entry[8:], uint64(s.nextKey))
	err = tx.Bucket(revisionsBucket).Put(blockKeyBytes(int64(rev)), entry[:])
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	clear(s.pending)
	return nil
}

func (s *bucketStore) ReadUberKey() (int64, int, error) {
	tx, err := s.st.BeginTx(false)
	if err != nil {
		return NullKey, -1, err
	}
	defer tx.Rollback()
	k, v := tx.Bucket(revisionsBucket).Cursor().Last()
	if k == nil {
		return NullKey, -1, nil
	}
	if len(v) != revisionEntrySize {
		return NullKey, -1, dataErrf(v, 0, nil, "invalid revision entry")
	}
	return int64(binary.BigEndian.Uint64(v)), int(binary.BigEndian.Uint64(k)), nil
}

func (s *bucketStore) TruncateTo(rev int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	clear(s.pending)

	tx, err := s.st.BeginTx(true)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var dataEnd int64
	var doomed [][]byte
	revs := tx.Bucket(revisionsBucket)
	c := revs.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		r := int(binary.BigEndian.Uint64(k))
		if r == rev {
			dataEnd = int64(binary.BigEndian.Uint64(v[8:]))
		} else if r > rev {
			doomed = append(doomed, slices.Clone(k))
		}
	}
	for _, k := range doomed {
		if err := revs.Delete(k); err != nil {
			return err
		}
	}

	pc := tx.Bucket(pagesBucket).Cursor()
	for k, _ := pc.Seek(blockKeyBytes(dataEnd)); k != nil; k, _ = pc.Seek(blockKeyBytes(dataEnd)) {
		if err := pc.Delete(); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.nextKey = dataEnd
	return nil
}

func (s *bucketStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.pending = nil
	return s.st.Close()
}

func sortedKeys[V any](m map[int64]V) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
