package revdb

import (
	"log/slog"
	"sync/atomic"
)

// Stats are live counters of a resource. All fields are safe for concurrent
// use; call Resource.Stats for a consistent-enough snapshot.
type Stats struct {
	PageReads    atomic.Int64
	PageWrites   atomic.Int64
	CacheHits    atomic.Int64
	BytesWritten atomic.Int64

	FragmentReads    atomic.Int64
	Materializations atomic.Int64
	MaxFragmentsRead atomic.Int64

	Commits    atomic.Int64
	Rollbacks  atomic.Int64
	Recoveries atomic.Int64

	ReadTrxs  atomic.Int64
	WriteTrxs atomic.Int64
}

func (s *Stats) observeFragments(n int) {
	s.Materializations.Add(1)
	s.FragmentReads.Add(int64(n))
	for {
		cur := s.MaxFragmentsRead.Load()
		if int64(n) <= cur || s.MaxFragmentsRead.CompareAndSwap(cur, int64(n)) {
			return
		}
	}
}

type StatsSnapshot struct {
	PageReads    int64
	PageWrites   int64
	CacheHits    int64
	BytesWritten int64

	FragmentReads    int64
	Materializations int64
	MaxFragmentsRead int64

	Commits    int64
	Rollbacks  int64
	Recoveries int64

	ReadTrxs    int64
	WriteTrxs   int64
	CachedPages int
}

func (s *Stats) snapshot() StatsSnapshot {
	return StatsSnapshot{
		PageReads:        s.PageReads.Load(),
		PageWrites:       s.PageWrites.Load(),
		CacheHits:        s.CacheHits.Load(),
		BytesWritten:     s.BytesWritten.Load(),
		FragmentReads:    s.FragmentReads.Load(),
		Materializations: s.Materializations.Load(),
		MaxFragmentsRead: s.MaxFragmentsRead.Load(),
		Commits:          s.Commits.Load(),
		Rollbacks:        s.Rollbacks.Load(),
		Recoveries:       s.Recoveries.Load(),
		ReadTrxs:         s.ReadTrxs.Load(),
		WriteTrxs:        s.WriteTrxs.Load(),
	}
}

// AvgFragmentsRead is the mean number of fragments read per materialized page.
func (ss StatsSnapshot) AvgFragmentsRead() float64 {
	if ss.Materializations == 0 {
		return 0
	}
	return float64(ss.FragmentReads) / float64(ss.Materializations)
}

func (ss StatsSnapshot) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int64("page_reads", ss.PageReads),
		slog.Int64("page_writes", ss.PageWrites),
		slog.Int64("cache_hits", ss.CacheHits),
		slog.Int64("bytes_written", ss.BytesWritten),
		slog.Int64("max_fragments_read", ss.MaxFragmentsRead),
		slog.Int64("commits", ss.Commits),
		slog.Int64("recoveries", ss.Recoveries),
	)
}

// Stats returns a snapshot of the resource's counters.
func (r *Resource) Stats() StatsSnapshot {
	ss := r.stats.snapshot()
	ss.CachedPages = r.pio.cache.len()
	return ss
}
