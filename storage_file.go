package revdb

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/andreyvit/revdb/mmap"
	"github.com/cespare/xxhash/v2"
)

const (
	fileStoreDataName      = "pages.dat"
	fileStoreRevisionsName = "revisions.dat"

	// frame: payload length (u32), xxhash64 of payload (u64), payload
	frameHeaderSize = 12
	// revision slot: uber key (u64), data end (u64), xxhash64 of the first 16 bytes (u64)
	revisionSlotSize = 24

	maxFrameSize = maxPageSize + 1024
)

// fileStore is an append-only block store. Blocks are checksummed frames in
// pages.dat, keyed by offset; revisions.dat holds one fixed-size slot per
// revision. The durable prefix of pages.dat is memory-mapped for reads.
type fileStore struct {
	noSync bool
	logger *slog.Logger

	mu         sync.RWMutex
	data       *os.File
	revs       *os.File
	mapping    []byte
	appendEnd  int64
	durableEnd int64
	revCount   int
	lastUber   int64
	closed     bool
}

func openFileStore(dir string, opt Options) (*fileStore, error) {
	s := &fileStore{
		noSync:   opt.IsTesting,
		logger:   opt.Logger,
		lastUber: NullKey,
	}
	var err error
	s.data, err = os.OpenFile(filepath.Join(dir, fileStoreDataName), os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		return nil, err
	}
	s.revs, err = os.OpenFile(filepath.Join(dir, fileStoreRevisionsName), os.O_RDWR|os.O_CREATE, 0o666)
	if err != nil {
		s.data.Close()
		return nil, err
	}
	if err := s.load(); err != nil {
		s.data.Close()
		s.revs.Close()
		return nil, err
	}
	return s, nil
}

// load reads the revision table, dropping a torn trailing slot.
func (s *fileStore) load() error {
	st, err := s.revs.Stat()
	if err != nil {
		return err
	}
	n := int(st.Size() / revisionSlotSize)
	for n > 0 {
		uber, end, err := s.readSlot(n - 1)
		if err == nil {
			s.lastUber, s.durableEnd = uber, end
			break
		}
		s.logger.LogAttrs(context.Background(), slog.LevelWarn, "revdb: dropping torn revision slot", slog.Int("slot", n-1), slog.Any("err", err))
		n--
	}
	s.revCount = n
	if st.Size() != int64(n)*revisionSlotSize {
		if err := s.revs.Truncate(int64(n) * revisionSlotSize); err != nil {
			return err
		}
	}

	dst, err := s.data.Stat()
	if err != nil {
		return err
	}
	if dst.Size() < s.durableEnd {
		return fmt.Errorf("%w: %s is %d bytes, revision table expects %d", ErrCorrupted, fileStoreDataName, dst.Size(), s.durableEnd)
	}
	s.appendEnd = dst.Size()
	return s.remap()
}

func (s *fileStore) readSlot(rev int) (uberKey, dataEnd int64, err error) {
	var slot [revisionSlotSize]byte
	if _, err := s.revs.ReadAt(slot[:], int64(rev)*revisionSlotSize); err != nil {
		return NullKey, 0, err
	}
	if xxhash.Sum64(slot[:16]) != binary.BigEndian.Uint64(slot[16:]) {
		return NullKey, 0, dataErrf(slot[:], 16, nil, "revision %d slot checksum mismatch", rev)
	}
	return int64(binary.BigEndian.Uint64(slot[0:])), int64(binary.BigEndian.Uint64(slot[8:])), nil
}

// remap maps the durable prefix of the data file. Caller holds s.mu for writing.
func (s *fileStore) remap() error {
	if int64(len(s.mapping)) == s.durableEnd {
		return nil
	}
	if err := mmap.Unmap(s.mapping); err != nil {
		return err
	}
	s.mapping = nil
	m, err := mmap.Map(s.data, s.durableEnd, mmap.RandomAccess)
	if err != nil {
		return err
	}
	s.mapping = m
	return nil
}

func (s *fileStore) Read(key int64) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	if key < 0 || key+frameHeaderSize > s.appendEnd {
		return nil, fmt.Errorf("block %d out of range", key)
	}

	var hdr []byte
	var hdrBuf [frameHeaderSize]byte
	mapped := key+frameHeaderSize <= int64(len(s.mapping))
	if mapped {
		hdr = s.mapping[key : key+frameHeaderSize]
	} else {
		if _, err := s.data.ReadAt(hdrBuf[:], key); err != nil {
			return nil, err
		}
		hdr = hdrBuf[:]
	}
	size := int64(binary.BigEndian.Uint32(hdr[0:]))
	sum := binary.BigEndian.Uint64(hdr[4:])
	if size > maxFrameSize || key+frameHeaderSize+size > s.appendEnd {
		return nil, dataErrf(hdr, 0, nil, "block %d has invalid size %d", key, size)
	}

	payload := make([]byte, size)
	start := key + frameHeaderSize
	if mapped && start+size <= int64(len(s.mapping)) {
		copy(payload, s.mapping[start:start+size])
	} else if _, err := s.data.ReadAt(payload, start); err != nil && !(errors.Is(err, io.EOF) && size == 0) {
		return nil, err
	}
	if xxhash.Sum64(payload) != sum {
		return nil, dataErrf(payload, 0, nil, "block %d checksum mismatch", key)
	}
	return payload, nil
}

func (s *fileStore) Append(data []byte) (int64, error) {
	if len(data) > maxFrameSize {
		return NullKey, fmt.Errorf("block of %d bytes exceeds maximum", len(data))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return NullKey, ErrClosed
	}
	frame := make([]byte, frameHeaderSize, frameHeaderSize+len(data))
	binary.BigEndian.PutUint32(frame[0:], uint32(len(data)))
	binary.BigEndian.PutUint64(frame[4:], xxhash.Sum64(data))
	frame = append(frame, data...)

	key := s.appendEnd
	if _, err := s.data.WriteAt(frame, key); err != nil {
		return NullKey, err
	}
	s.appendEnd += int64(len(frame))
	return key, nil
}

func (s *fileStore) WriteUberKey(key int64, rev int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if rev != s.revCount {
		return fmt.Errorf("%w: revision %d written out of order, next is %d", ErrIllegalState, rev, s.revCount)
	}
	if !s.noSync {
		if err := mmap.Fdatasync(s.data); err != nil {
			return err
		}
	}

	var slot [revisionSlotSize]byte
	binary.BigEndian.PutUint64(slot[0:], uint64(key))
	binary.BigEndian.PutUint64(slot[8:], uint64(s.appendEnd))
	binary.BigEndian.PutUint64(slot[16:], xxhash.Sum64(slot[:16]))
	if _, err := s.revs.WriteAt(slot[:], int64(rev)*revisionSlotSize); err != nil {
		return err
	}
	if !s.noSync {
		if err := mmap.Fdatasync(s.revs); err != nil {
			return err
		}
	}

	s.revCount = rev + 1
	s.lastUber = key
	s.durableEnd = s.appendEnd
	return s.remap()
}

func (s *fileStore) ReadUberKey() (int64, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return NullKey, -1, ErrClosed
	}
	return s.lastUber, s.revCount - 1, nil
}

func (s *fileStore) TruncateTo(rev int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if rev >= s.revCount {
		return fmt.Errorf("%w: cannot truncate to revision %d, only %d exist", ErrIllegalState, rev, s.revCount)
	}

	uber, end := NullKey, int64(0)
	if rev >= 0 {
		var err error
		uber, end, err = s.readSlot(rev)
		if err != nil {
			return err
		}
	}

	if err := mmap.Unmap(s.mapping); err != nil {
		return err
	}
	s.mapping = nil
	if err := s.revs.Truncate(int64(rev+1) * revisionSlotSize); err != nil {
		return err
	}
	if err := s.data.Truncate(end); err != nil {
		return err
	}
	if !s.noSync {
		if err := mmap.Fdatasync(s.revs); err != nil {
			return err
		}
		if err := mmap.Fdatasync(s.data); err != nil {
			return err
		}
	}
	s.revCount = rev + 1
	s.lastUber = uber
	s.durableEnd = end
	s.appendEnd = end
	return s.remap()
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	err := mmap.Unmap(s.mapping)
	s.mapping = nil
	err = errors.Join(err, s.data.Close(), s.revs.Close())
	return err
}
