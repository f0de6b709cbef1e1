package revdb

import (
	"fmt"
	"slices"
)

type VersioningKind string

const (
	// FullVersioning writes every modified record page in full.
	FullVersioning VersioningKind = "full"
	// IncrementalVersioning writes deltas against the previous fragment and a
	// full dump once the chain reaches RevisionsToRestore fragments.
	IncrementalVersioning VersioningKind = "incremental"
	// DifferentialVersioning writes deltas against the last full dump and a new
	// full dump every RevisionsToRestore revisions.
	DifferentialVersioning VersioningKind = "differential"
	// SlidingSnapshotVersioning writes deltas and carries records forward as
	// fragments leave a window of RevisionsToRestore fragments.
	SlidingSnapshotVersioning VersioningKind = "sliding_snapshot"
)

// Versioning decides how a record page is split into fragments across
// revisions. Fragments are always passed newest first; fragments[i] was read
// from fragmentKeys(ref)[i].
type Versioning interface {
	Kind() VersioningKind

	// MaxFragments bounds the number of fragments read to materialize a page.
	MaxFragments() int

	// Combine merges fragments into the complete view of the page.
	Combine(fragments []*KeyValuePage) *KeyValuePage

	// CombineForModification builds the container that revision rev of the
	// page is written from.
	CombineForModification(ref *PageReference, fragments []*KeyValuePage, rev int) *PageContainer
}

func newVersioning(kind VersioningKind, revsToRestore int) (Versioning, error) {
	if revsToRestore < 1 {
		return nil, fmt.Errorf("invalid revisions to restore %d", revsToRestore)
	}
	switch kind {
	case FullVersioning:
		return fullVersioning{}, nil
	case IncrementalVersioning:
		return incrementalVersioning{revsToRestore}, nil
	case DifferentialVersioning:
		return differentialVersioning{revsToRestore}, nil
	case SlidingSnapshotVersioning:
		return slidingSnapshotVersioning{revsToRestore}, nil
	default:
		return nil, fmt.Errorf("invalid versioning %q", kind)
	}
}

// fragmentKeys returns the storage keys of all fragments of ref, newest first.
func fragmentKeys(ref *PageReference) []int64 {
	if ref.Key == NullKey {
		return nil
	}
	keys := make([]int64, 0, 1+len(ref.Fragments))
	keys = append(keys, ref.Key)
	return append(keys, ref.Fragments...)
}

// combineFragments lets newer fragments win. Tombstones are kept in the
// result so they keep suppressing older entries. Fragments older than a full
// dump are ignored.
func combineFragments(fragments []*KeyValuePage) *KeyValuePage {
	newest := fragments[0]
	p := newKeyValuePage(newest.PageKey, newest.addr(), newest.Revision)
	p.FullDump = true
	for _, f := range fragments {
		for k, r := range f.records {
			if _, ok := p.records[k]; !ok {
				p.records[k] = r
			}
		}
		if f.FullDump {
			break
		}
	}
	return p
}

func newModifiedPage(complete *KeyValuePage, rev int) *KeyValuePage {
	return newKeyValuePage(complete.PageKey, complete.addr(), rev)
}

// fullDumpOf returns a full dump for revision rev. Tombstones are dropped:
// a full dump is complete, so absence already means deleted.
func fullDumpOf(complete *KeyValuePage, rev int) *KeyValuePage {
	p := newModifiedPage(complete, rev)
	p.FullDump = true
	for k, r := range complete.records {
		if !isDeleted(r) {
			p.records[k] = r.Clone()
		}
	}
	return p
}

type fullVersioning struct{}

func (fullVersioning) Kind() VersioningKind { return FullVersioning }
func (fullVersioning) MaxFragments() int    { return 1 }

func (fullVersioning) Combine(fragments []*KeyValuePage) *KeyValuePage {
	return combineFragments(fragments[:1])
}

func (v fullVersioning) CombineForModification(ref *PageReference, fragments []*KeyValuePage, rev int) *PageContainer {
	complete := v.Combine(fragments)
	return &PageContainer{Complete: complete, Modified: fullDumpOf(complete, rev)}
}

type incrementalVersioning struct {
	revsToRestore int
}

func (v incrementalVersioning) Kind() VersioningKind { return IncrementalVersioning }
func (v incrementalVersioning) MaxFragments() int    { return v.revsToRestore }

func (v incrementalVersioning) Combine(fragments []*KeyValuePage) *KeyValuePage {
	return combineFragments(fragments)
}

func (v incrementalVersioning) CombineForModification(ref *PageReference, fragments []*KeyValuePage, rev int) *PageContainer {
	complete := v.Combine(fragments)
	if len(fragments) >= v.revsToRestore {
		return &PageContainer{Complete: complete, Modified: fullDumpOf(complete, rev)}
	}
	return &PageContainer{
		Complete:      complete,
		Modified:      newModifiedPage(complete, rev),
		nextFragments: fragmentKeys(ref)[:len(fragments)],
	}
}

type differentialVersioning struct {
	revsToRestore int
}

func (v differentialVersioning) Kind() VersioningKind { return DifferentialVersioning }
func (v differentialVersioning) MaxFragments() int    { return 2 }

func (v differentialVersioning) Combine(fragments []*KeyValuePage) *KeyValuePage {
	return combineFragments(fragments)
}

func (v differentialVersioning) CombineForModification(ref *PageReference, fragments []*KeyValuePage, rev int) *PageContainer {
	complete := v.Combine(fragments)
	latest, dump := fragments[0], fragments[len(fragments)-1]
	if rev-dump.Revision >= v.revsToRestore {
		return &PageContainer{Complete: complete, Modified: fullDumpOf(complete, rev)}
	}

	modified := newModifiedPage(complete, rev)
	keys := fragmentKeys(ref)
	if latest.FullDump {
		return &PageContainer{Complete: complete, Modified: modified, nextFragments: keys[:1]}
	}
	// The new fragment replaces the latest diff, so it inherits its entries.
	for k, r := range latest.records {
		modified.records[k] = r.Clone()
	}
	return &PageContainer{Complete: complete, Modified: modified, nextFragments: keys[len(fragments)-1:len(fragments)]}
}

type slidingSnapshotVersioning struct {
	window int
}

func (v slidingSnapshotVersioning) Kind() VersioningKind { return SlidingSnapshotVersioning }
func (v slidingSnapshotVersioning) MaxFragments() int    { return v.window }

func (v slidingSnapshotVersioning) Combine(fragments []*KeyValuePage) *KeyValuePage {
	return combineFragments(fragments)
}

func (v slidingSnapshotVersioning) CombineForModification(ref *PageReference, fragments []*KeyValuePage, rev int) *PageContainer {
	complete := v.Combine(fragments)
	modified := newModifiedPage(complete, rev)

	keep := min(len(fragments), v.window-1)
	if keep < len(fragments) {
		seen := make(map[int64]bool)
		for _, f := range fragments[:keep] {
			for k := range f.records {
				seen[k] = true
			}
		}
		// Entries of fragments leaving the window move into the new fragment
		// unless a newer fragment shadows them.
		for _, f := range fragments[keep:] {
			for k, r := range f.records {
				if seen[k] {
					continue
				}
				seen[k] = true
				if !isDeleted(r) {
					modified.records[k] = r.Clone()
				}
			}
		}
	}
	if keep == 0 {
		modified.FullDump = true
	}
	return &PageContainer{
		Complete:      complete,
		Modified:      modified,
		nextFragments: slices.Clone(fragmentKeys(ref)[:keep]),
	}
}
