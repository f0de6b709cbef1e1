package mmap

import (
	"fmt"
	"os"
)

// Options are access pattern hints for Map.
type Options uint

const (
	// SequentialAccess is a hint requesting aggressive read-ahead.
	// Incompatible with RandomAccess. Maps to MADV_SEQUENTIAL on Unix.
	SequentialAccess Options = 1 << iota

	// RandomAccess is a hint that read ahead is less useful than normally.
	// Incompatible with SequentialAccess. Maps to MADV_RANDOM on Unix.
	RandomAccess
)

func (o Options) Has(v Options) bool {
	return o&v != 0
}

// Map memory-maps the first size bytes of f for reading. A zero size returns
// a nil mapping, since most systems refuse empty mappings.
func Map(f *os.File, size int64, opt Options) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	if size < 0 || size > MaxSize {
		return nil, fmt.Errorf("mmap: invalid size %d", size)
	}
	return mmap(f, int(size), opt)
}

// Unmap unmaps a slice returned by Map. Unmapping nil is a no-op.
func Unmap(b []byte) error {
	if b == nil {
		return nil
	}
	return munmap(b)
}
