package revdb

import (
	"fmt"
	"maps"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func kvPage(rev int, full bool, entries map[int64]string) *KeyValuePage {
	p := newKeyValuePage(0, subtreeAddr{RecordSubtree, 0}, rev)
	p.FullDump = full
	for k, v := range entries {
		if v == "" {
			p.Set(&DeletedRecord{Key: k, Revision: rev})
		} else {
			p.Set(NewBlobRecord(k, []byte(v)))
		}
	}
	return p
}

func kvContents(p *KeyValuePage) map[int64]string {
	m := make(map[int64]string)
	for _, k := range p.Keys() {
		switch r := p.Get(k).(type) {
		case *BlobRecord:
			m[k] = string(r.Data)
		case *DeletedRecord:
			m[k] = ""
		}
	}
	return m
}

func TestNewVersioning(t *testing.T) {
	tests := []struct {
		kind VersioningKind
		n    int
		max  int
	}{
		{FullVersioning, 4, 1},
		{IncrementalVersioning, 4, 4},
		{DifferentialVersioning, 4, 2},
		{SlidingSnapshotVersioning, 3, 3},
	}
	for _, tt := range tests {
		v, err := newVersioning(tt.kind, tt.n)
		require.NoError(t, err)
		assert.Equal(t, tt.kind, v.Kind())
		assert.Equal(t, tt.max, v.MaxFragments(), tt.kind)
	}

	_, err := newVersioning("nope", 3)
	assert.Error(t, err)
	_, err = newVersioning(IncrementalVersioning, 0)
	assert.Error(t, err)
}

func TestCombineFragments(t *testing.T) {
	p := combineFragments([]*KeyValuePage{
		kvPage(3, false, map[int64]string{1: "c1", 2: ""}),
		kvPage(2, false, map[int64]string{2: "b2", 3: "b3"}),
		kvPage(1, true, map[int64]string{1: "a1", 4: "a4"}),
		kvPage(0, true, map[int64]string{5: "ignored"}),
	})
	assert.True(t, p.FullDump)
	assert.Equal(t, 3, p.Revision)
	assert.Equal(t, map[int64]string{1: "c1", 2: "", 3: "b3", 4: "a4"}, kvContents(p))
}

func TestFullVersioning(t *testing.T) {
	v := fullVersioning{}
	ref := &PageReference{Key: 10}
	c := v.CombineForModification(ref, []*KeyValuePage{kvPage(1, true, map[int64]string{1: "a", 2: "b"})}, 2)
	m := c.modifiedKV()
	assert.True(t, m.FullDump)
	assert.Equal(t, 2, m.Revision)
	assert.Equal(t, map[int64]string{1: "a", 2: "b"}, kvContents(m))
	assert.Nil(t, c.nextFragments)

	// the full dump owns its records
	m.Get(1).(*BlobRecord).Data = []byte("changed")
	assert.Equal(t, "a", string(c.completeKV().Get(1).(*BlobRecord).Data))
}

func TestIncrementalVersioning(t *testing.T) {
	v := incrementalVersioning{revsToRestore: 3}
	f1 := kvPage(1, true, map[int64]string{1: "a", 2: "b"})
	d2 := kvPage(2, false, map[int64]string{2: ""})

	ref := &PageReference{Key: 20, Fragments: []int64{10}}
	c := v.CombineForModification(ref, []*KeyValuePage{d2, f1}, 3)
	assert.False(t, c.modifiedKV().FullDump)
	assert.Empty(t, c.modifiedKV().Keys())
	assert.Equal(t, []int64{20, 10}, c.nextFragments)
	assert.Equal(t, map[int64]string{1: "a", 2: ""}, kvContents(c.completeKV()))

	d3 := kvPage(3, false, map[int64]string{3: "c"})
	ref = &PageReference{Key: 30, Fragments: []int64{20, 10}}
	c = v.CombineForModification(ref, []*KeyValuePage{d3, d2, f1}, 4)
	assert.True(t, c.modifiedKV().FullDump)
	assert.Equal(t, map[int64]string{1: "a", 3: "c"}, kvContents(c.modifiedKV()))
	assert.Nil(t, c.nextFragments)
}

func TestDifferentialVersioning(t *testing.T) {
	v := differentialVersioning{revsToRestore: 3}
	f1 := kvPage(1, true, map[int64]string{1: "a", 2: "b"})

	c := v.CombineForModification(&PageReference{Key: 10}, []*KeyValuePage{f1}, 2)
	assert.False(t, c.modifiedKV().FullDump)
	assert.Empty(t, c.modifiedKV().Keys())
	assert.Equal(t, []int64{10}, c.nextFragments)

	d2 := kvPage(2, false, map[int64]string{1: "a2", 2: ""})
	c = v.CombineForModification(&PageReference{Key: 20, Fragments: []int64{10}}, []*KeyValuePage{d2, f1}, 3)
	assert.False(t, c.modifiedKV().FullDump)
	assert.Equal(t, map[int64]string{1: "a2", 2: ""}, kvContents(c.modifiedKV()))
	assert.Equal(t, []int64{10}, c.nextFragments)

	c = v.CombineForModification(&PageReference{Key: 20, Fragments: []int64{10}}, []*KeyValuePage{d2, f1}, 4)
	assert.True(t, c.modifiedKV().FullDump)
	assert.Equal(t, map[int64]string{1: "a2"}, kvContents(c.modifiedKV()))
	assert.Nil(t, c.nextFragments)
}

func TestSlidingSnapshotVersioning(t *testing.T) {
	v := slidingSnapshotVersioning{window: 3}
	f1 := kvPage(1, true, map[int64]string{1: "a", 2: "x", 3: "y", 4: "z"})
	d2 := kvPage(2, false, map[int64]string{3: ""})
	d3 := kvPage(3, false, map[int64]string{2: "b"})

	c := v.CombineForModification(&PageReference{Key: 30, Fragments: []int64{20, 10}}, []*KeyValuePage{d3, d2, f1}, 4)
	m := c.modifiedKV()
	assert.False(t, m.FullDump)
	assert.Equal(t, map[int64]string{1: "a", 4: "z"}, kvContents(m))
	assert.Equal(t, []int64{30, 20}, c.nextFragments)

	// the new fragment and the two kept ones restore the page on their own
	m.Set(NewBlobRecord(4, []byte("z4")))
	got := combineFragments([]*KeyValuePage{m, d3, d2})
	assert.Equal(t, map[int64]string{1: "a", 2: "b", 3: "", 4: "z4"}, kvContents(got))

	c = v.CombineForModification(&PageReference{Key: 20, Fragments: []int64{10}}, []*KeyValuePage{d2, f1}, 3)
	assert.Empty(t, c.modifiedKV().Keys())
	assert.Equal(t, []int64{20, 10}, c.nextFragments)

	w1 := slidingSnapshotVersioning{window: 1}
	c = w1.CombineForModification(&PageReference{Key: 20, Fragments: []int64{10}}, []*KeyValuePage{d2, f1}, 3)
	assert.True(t, c.modifiedKV().FullDump)
	assert.Equal(t, map[int64]string{1: "a", 2: "x", 4: "z"}, kvContents(c.modifiedKV()))
	assert.Empty(t, c.nextFragments)
}

// TestVersioning_Workload commits a long history under every strategy and
// checks every revision against a model, and that no read ever combines more
// fragments than the strategy allows.
func TestVersioning_Workload(t *testing.T) {
	kinds := []VersioningKind{FullVersioning, IncrementalVersioning, DifferentialVersioning, SlidingSnapshotVersioning}
	for _, kind := range kinds {
		for _, n := range []int{1, 2, 3, 5} {
			t.Run(fmt.Sprintf("%s/%d", kind, n), func(t *testing.T) {
				r := setup(t, ResourceConfig{Storage: MemoryStorage, Versioning: kind, RevisionsToRestore: n, PageCacheSize: 16})
				runVersioningWorkload(t, r, 40)
				maxRead := int64(r.versioning.MaxFragments())
				if kind == DifferentialVersioning && n == 1 {
					maxRead = 1
				}
				assert.Equal(t, maxRead, r.Stats().MaxFragmentsRead)
			})
		}
	}
}

func runVersioningWorkload(t *testing.T, r *Resource, revisions int) {
	model := map[int64]string{}
	var history []map[int64]string // by revision
	history = append(history, maps.Clone(model))

	_, err := r.Write(t.Context(), "", func(trx *PageTrx) error {
		for i := range 20 {
			k := addBlob(t, trx, blobValue(i))
			model[k] = blobValue(i)
		}
		return nil
	})
	require.NoError(t, err)
	history = append(history, maps.Clone(model))

	for i := range revisions {
		_, err := r.Write(t.Context(), "", func(trx *PageTrx) error {
			k := int64(i%20 + 1)
			if _, ok := model[k]; ok {
				v := fmt.Sprintf("rev%d", i+2)
				setBlob(t, trx, k, v)
				model[k] = v
			}
			if i%7 == 3 {
				victim := int64((i*3)%20 + 1)
				if _, ok := model[victim]; ok {
					require.NoError(t, trx.RemoveEntry(victim, RecordSubtree, 0))
					delete(model, victim)
				}
				k := addBlob(t, trx, fmt.Sprintf("new%d", i))
				model[k] = fmt.Sprintf("new%d", i)
			}
			return nil
		})
		require.NoError(t, err)
		history = append(history, maps.Clone(model))
		verifyRevision(t, r, len(history)-1, history[len(history)-1])
	}

	for rev, want := range history {
		verifyRevision(t, r, rev, want)
	}
}

func verifyRevision(t *testing.T, r *Resource, rev int, want map[int64]string) {
	t.Helper()
	trx, err := r.BeginReadTrxAt(t.Context(), rev)
	require.NoError(t, err)
	defer trx.Close()

	maxKey, err := trx.MaxKey(RecordSubtree, 0)
	require.NoError(t, err)
	for k := int64(1); k <= maxKey; k++ {
		exp, ok := want[k]
		if !ok {
			exp = "<nil>"
		}
		require.Equal(t, exp, blob(t, trx, k), "revision %d record %d", rev, k)
	}
	for k := range want {
		require.LessOrEqual(t, k, maxKey)
	}
}
