package revdb

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// Axis selects which revisions RecordVersions walks, relative to a revision.
type Axis int

const (
	// AxisFirst is the oldest revision holding the record.
	AxisFirst Axis = iota
	// AxisLast is the newest revision holding the record.
	AxisLast
	AxisPrevious
	AxisNext
	// AxisPast walks older revisions, newest first.
	AxisPast
	// AxisFuture walks newer revisions, oldest first.
	AxisFuture
	AxisAllTime
)

func (a Axis) String() string {
	switch a {
	case AxisFirst:
		return "first"
	case AxisLast:
		return "last"
	case AxisPrevious:
		return "previous"
	case AxisNext:
		return "next"
	case AxisPast:
		return "past"
	case AxisFuture:
		return "future"
	case AxisAllTime:
		return "all_time"
	default:
		return fmt.Sprintf("axis(%d)", int(a))
	}
}

type RecordVersion struct {
	Revision  int
	Timestamp time.Time
	Record    Record
}

// revisions returns the revisions axis visits from rev, in visiting order,
// and whether only the first hit counts.
func (a Axis) revisions(rev, last int) (revs []int, firstOnly bool) {
	span := func(from, to int) []int {
		var result []int
		if from <= to {
			for i := from; i <= to; i++ {
				result = append(result, i)
			}
		} else {
			for i := from; i >= to; i-- {
				result = append(result, i)
			}
		}
		return result
	}
	switch a {
	case AxisFirst:
		return span(0, last), true
	case AxisLast:
		return span(last, 0), true
	case AxisPrevious:
		if rev == 0 {
			return nil, true
		}
		return []int{rev - 1}, true
	case AxisNext:
		if rev == last {
			return nil, true
		}
		return []int{rev + 1}, true
	case AxisPast:
		if rev == 0 {
			return nil, false
		}
		return span(rev-1, 0), false
	case AxisFuture:
		if rev == last {
			return nil, false
		}
		return span(rev+1, last), false
	default:
		return span(0, last), false
	}
}

// RecordVersions returns the versions of a record along axis, relative to
// revision rev. Revisions in which the record does not exist are skipped.
func (r *Resource) RecordVersions(ctx context.Context, axis Axis, rev int, key int64, kind SubtreeKind, index int) ([]RecordVersion, error) {
	last := r.LastRevision()
	if rev < 0 || rev > last {
		return nil, fmt.Errorf("%w: %d", ErrNoSuchRevision, rev)
	}
	if axis < AxisFirst || axis > AxisAllTime {
		return nil, fmt.Errorf("%w: invalid axis %v", ErrIllegalState, axis)
	}
	revs, firstOnly := axis.revisions(rev, last)

	var result []RecordVersion
	for _, v := range revs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rv, found, err := r.recordVersion(ctx, v, key, kind, index)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		result = append(result, rv)
		if firstOnly {
			break
		}
	}
	return result, nil
}

func (r *Resource) recordVersion(ctx context.Context, rev int, key int64, kind SubtreeKind, index int) (RecordVersion, bool, error) {
	trx, err := r.BeginReadTrxAt(ctx, rev)
	if err != nil {
		return RecordVersion{}, false, err
	}
	defer trx.Close()
	rec, err := trx.Record(key, kind, index)
	if err != nil || rec == nil {
		return RecordVersion{}, false, err
	}
	return RecordVersion{Revision: rev, Timestamp: trx.Timestamp(), Record: rec}, true, nil
}

// RevisionAt returns the newest revision committed at or before t.
func (r *Resource) RevisionAt(t time.Time) (int, error) {
	uber := r.lastUber.Load()
	pr := newPageReader(r, nil)
	var searchErr error
	// first revision committed after t
	after := sort.Search(uber.Revision+1, func(i int) bool {
		if searchErr != nil {
			return true
		}
		root, err := pr.revisionRoot(uber, i)
		if err != nil {
			searchErr = err
			return true
		}
		return root.Timestamp.After(t)
	})
	if searchErr != nil {
		return -1, searchErr
	}
	if after == 0 {
		return -1, fmt.Errorf("%w: nothing committed at or before %v", ErrNoSuchRevision, t)
	}
	return after - 1, nil
}
