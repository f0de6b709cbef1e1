package revdb

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTree(t *testing.T, r *Resource) (*PageTrx, *TreeWriter) {
	t.Helper()
	trx, err := r.BeginPageTrx(t.Context(), WriteOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { trx.Close() })
	w, err := NewTreeWriter(trx, NameSubtree, 0, nil)
	require.NoError(t, err)
	return trx, w
}

// checkRedBlack verifies parent links, that no red node has a red child, that
// every path has the same number of black nodes, and that the document's
// descendant count matches. It returns the number of nodes.
func checkRedBlack(t *testing.T, r *TreeReader) int {
	t.Helper()
	doc, err := r.document()
	require.NoError(t, err)
	if !doc.HasFirstChild() {
		assert.Zero(t, doc.DescendantCount)
		return 0
	}
	root, err := r.node(doc.FirstChild)
	require.NoError(t, err)
	assert.False(t, root.Red, "root must be black")

	var walk func(key, parent int64, parentRed bool) (blackHeight, count int)
	walk = func(key, parent int64, parentRed bool) (int, int) {
		if key == NullRecordKey {
			return 1, 0
		}
		n, err := r.node(key)
		require.NoError(t, err)
		require.Equal(t, parent, n.Parent, "parent of %v", n)
		require.False(t, parentRed && n.Red, "red node %v has a red parent", n)
		lh, lc := walk(n.Left, key, n.Red)
		rh, rc := walk(n.Right, key, n.Red)
		require.Equal(t, lh, rh, "black height differs under %v", n)
		if !n.Red {
			lh++
		}
		return lh, lc + rc + 1
	}
	_, count := walk(doc.FirstChild, DocumentRecordKey, false)
	assert.Equal(t, int64(count), doc.DescendantCount)
	assert.Equal(t, int64(1), doc.ChildCount)
	return count
}

func scanKeys(t *testing.T, r *TreeReader, includeEmpty bool) []string {
	t.Helper()
	var keys []string
	require.NoError(t, r.Scan(includeEmpty, func(n *TreeNode) bool {
		keys = append(keys, string(n.IndexKey))
		return true
	}))
	return keys
}

func TestTree_InsertKeepsOrderAndBalance(t *testing.T) {
	tests := []struct {
		name  string
		order func(n int) []int
	}{
		{"ascending", func(n int) []int {
			s := make([]int, n)
			for i := range s {
				s[i] = i
			}
			return s
		}},
		{"descending", func(n int) []int {
			s := make([]int, n)
			for i := range s {
				s[i] = n - 1 - i
			}
			return s
		}},
		{"random", func(n int) []int {
			return rand.New(rand.NewPCG(1, 2)).Perm(n)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := setup(t, ResourceConfig{Storage: MemoryStorage})
			trx, w := newTestTree(t, r)

			const n = 700
			var want []string
			for _, i := range tt.order(n) {
				key := fmt.Sprintf("k%05d", i)
				want = append(want, key)
				_, err := w.Index([]byte(key), NewReferences(int64(i)), MoveToRoot)
				require.NoError(t, err)
			}
			slices.Sort(want)

			assert.Equal(t, n, checkRedBlack(t, &w.TreeReader))
			assert.Equal(t, want, scanKeys(t, &w.TreeReader, false))

			_, err := trx.Commit("")
			require.NoError(t, err)

			rtx, err := r.BeginReadTrx(t.Context())
			require.NoError(t, err)
			defer rtx.Close()
			tr := NewTreeReader(rtx, NameSubtree, 0, nil)
			assert.Equal(t, n, checkRedBlack(t, tr))
			assert.Equal(t, want, scanKeys(t, tr, false))
			l, err := tr.Len()
			require.NoError(t, err)
			assert.Equal(t, n, l)

			refs, found, err := tr.Get([]byte("k00042"), SearchEqual)
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, []int64{42}, refs.Keys())
		})
	}
}

func TestTree_MergeAndRemove(t *testing.T) {
	r := setup(t, ResourceConfig{Storage: MemoryStorage})
	trx, w := newTestTree(t, r)

	refs, err := w.Index([]byte("a"), NewReferences(1), MoveToRoot)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, refs.Keys())
	refs, err = w.Index([]byte("a"), NewReferences(2), MoveToRoot)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, refs.Keys())
	refs, err = w.Index([]byte("a"), NewReferences(1), MoveToRoot)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, refs.Keys())
	_, err = w.Index([]byte("b"), NewReferences(3), MoveToRoot)
	require.NoError(t, err)

	l, err := w.Len()
	require.NoError(t, err)
	assert.Equal(t, 2, l)

	ok, err := w.Remove([]byte("a"), 1)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = w.Remove([]byte("a"), 1)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = w.Remove([]byte("zz"), 1)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = w.Remove([]byte("a"), 2)
	require.NoError(t, err)
	assert.True(t, ok)

	refs, found, err := w.Get([]byte("a"), SearchEqual)
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, refs.IsEmpty())
	assert.Equal(t, []string{"b"}, scanKeys(t, &w.TreeReader, false))
	assert.Equal(t, []string{"a", "b"}, scanKeys(t, &w.TreeReader, true))
	l, err = w.Len()
	require.NoError(t, err)
	assert.Equal(t, 2, l)

	// an emptied node is reused
	refs, err = w.Index([]byte("a"), NewReferences(5), MoveToRoot)
	require.NoError(t, err)
	assert.Equal(t, []int64{5}, refs.Keys())
	l, err = w.Len()
	require.NoError(t, err)
	assert.Equal(t, 2, l)

	_, err = trx.Commit("")
	require.NoError(t, err)
}

func TestTree_SearchModes(t *testing.T) {
	r := setup(t, ResourceConfig{Storage: MemoryStorage})
	_, w := newTestTree(t, r)
	for i, k := range []string{"d", "b", "f"} {
		_, err := w.Index([]byte(k), NewReferences(int64(i)), MoveToRoot)
		require.NoError(t, err)
	}

	tests := []struct {
		key  string
		mode SearchMode
		want string
	}{
		{"d", SearchEqual, "d"},
		{"c", SearchEqual, ""},
		{"d", SearchGreater, "f"},
		{"d", SearchGreaterOrEqual, "d"},
		{"c", SearchGreaterOrEqual, "d"},
		{"a", SearchGreater, "b"},
		{"f", SearchGreater, ""},
		{"d", SearchLess, "b"},
		{"e", SearchLessOrEqual, "d"},
		{"f", SearchLessOrEqual, "f"},
		{"b", SearchLess, ""},
		{"z", SearchLess, "f"},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_%v", tt.key, tt.mode), func(t *testing.T) {
			n, err := w.Find([]byte(tt.key), tt.mode)
			require.NoError(t, err)
			if tt.want == "" {
				assert.Nil(t, n)
			} else {
				require.NotNil(t, n)
				assert.Equal(t, tt.want, string(n.IndexKey))
			}
		})
	}
}

func TestTree_StrictNeighborsOfExistingKeys(t *testing.T) {
	r := setup(t, ResourceConfig{Storage: MemoryStorage})
	_, w := newTestTree(t, r)
	const n = 100
	var keys []string
	for _, i := range rand.New(rand.NewPCG(3, 4)).Perm(n) {
		_, err := w.Index([]byte(fmt.Sprintf("k%03d", i)), NewReferences(int64(i)), MoveToRoot)
		require.NoError(t, err)
	}
	for i := range n {
		keys = append(keys, fmt.Sprintf("k%03d", i))
	}

	for i, k := range keys {
		less, err := w.Find([]byte(k), SearchLess)
		require.NoError(t, err)
		if i == 0 {
			assert.Nil(t, less, k)
		} else if assert.NotNil(t, less, k) {
			assert.Equal(t, keys[i-1], string(less.IndexKey))
		}

		greater, err := w.Find([]byte(k), SearchGreater)
		require.NoError(t, err)
		if i == n-1 {
			assert.Nil(t, greater, k)
		} else if assert.NotNil(t, greater, k) {
			assert.Equal(t, keys[i+1], string(greater.IndexKey))
		}
	}
}

func TestTree_ReturnedSetsAreCopies(t *testing.T) {
	r := setup(t, ResourceConfig{Storage: MemoryStorage})
	trx, w := newTestTree(t, r)
	_, err := w.Index([]byte("a"), NewReferences(1), MoveToRoot)
	require.NoError(t, err)
	_, err = trx.Commit("")
	require.NoError(t, err)

	trx, w = newTestTree(t, r)
	refs, err := w.Index([]byte("a"), NewReferences(1), MoveToRoot)
	require.NoError(t, err)
	refs.Add(99)
	refs, found, err := w.Get([]byte("a"), SearchEqual)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []int64{1}, refs.Keys())
	refs.Add(98)
	for _, refs := range w.All(&err) {
		refs.Add(97)
	}
	require.NoError(t, err)
	_, err = trx.Rollback()
	require.NoError(t, err)

	rtx, err := r.BeginReadTrxAt(t.Context(), 1)
	require.NoError(t, err)
	defer rtx.Close()
	refs, found, err = NewTreeReader(rtx, NameSubtree, 0, nil).Get([]byte("a"), SearchEqual)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []int64{1}, refs.Keys())
}

func TestTree_EmptyAndMissing(t *testing.T) {
	r := setup(t, ResourceConfig{Storage: MemoryStorage})
	rtx, err := r.BeginReadTrx(t.Context())
	require.NoError(t, err)
	defer rtx.Close()

	tr := NewTreeReader(rtx, NameSubtree, 4, nil)
	l, err := tr.Len()
	require.NoError(t, err)
	assert.Zero(t, l)
	_, found, err := tr.Get([]byte("x"), SearchEqual)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Empty(t, scanKeys(t, tr, true))
}

func TestTree_OldRevisionsKeepTheirTree(t *testing.T) {
	r := setup(t, ResourceConfig{Storage: MemoryStorage, Versioning: IncrementalVersioning, RevisionsToRestore: 3})
	var all []string
	for rev := 1; rev <= 5; rev++ {
		trx, w := newTestTree(t, r)
		for i := range 30 {
			key := fmt.Sprintf("r%d-%02d", rev, (i*7)%30)
			all = append(all, key)
			_, err := w.Index([]byte(key), NewReferences(int64(rev)), MoveToRoot)
			require.NoError(t, err)
		}
		_, err := trx.Commit(fmt.Sprintf("rev %d", rev))
		require.NoError(t, err)
	}

	for rev := 1; rev <= 5; rev++ {
		rtx, err := r.BeginReadTrxAt(t.Context(), rev)
		require.NoError(t, err)
		tr := NewTreeReader(rtx, NameSubtree, 0, nil)
		want := slices.Sorted(slices.Values(all[:rev*30]))
		assert.Equal(t, want, scanKeys(t, tr, false), "revision %d", rev)
		assert.Equal(t, rev*30, checkRedBlack(t, tr))
		rtx.Close()
	}
}

func TestTree_All(t *testing.T) {
	r := setup(t, ResourceConfig{Storage: MemoryStorage})
	_, w := newTestTree(t, r)
	for i, k := range []string{"c", "a", "b"} {
		_, err := w.Index([]byte(k), NewReferences(int64(i)), MoveToRoot)
		require.NoError(t, err)
	}
	var err error
	var keys []string
	for k, refs := range w.All(&err) {
		keys = append(keys, string(k))
		assert.Equal(t, 1, refs.Len())
		if string(k) == "b" {
			break
		}
	}
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keys)
}

func TestTree_TupleKeys(t *testing.T) {
	r := setup(t, ResourceConfig{Storage: MemoryStorage})
	trx, err := r.BeginPageTrx(t.Context(), WriteOptions{})
	require.NoError(t, err)
	defer trx.Close()
	w, err := NewTreeWriter(trx, CASSubtree, 0, TupleComparator)
	require.NoError(t, err)

	for i, k := range [][]byte{
		EncodeTuple([]byte("b"), Int64Key(2)),
		EncodeTuple([]byte("a"), Int64Key(10)),
		EncodeTuple([]byte("b"), Int64Key(-1)),
		EncodeTuple([]byte("a"), Int64Key(-5)),
	} {
		_, err := w.Index(k, NewReferences(int64(i)), MoveToRoot)
		require.NoError(t, err)
	}
	var order []int64
	require.NoError(t, w.Scan(false, func(n *TreeNode) bool {
		order = append(order, n.Value.Keys()...)
		return true
	}))
	assert.Equal(t, []int64{3, 1, 2, 0}, order)
	checkRedBlack(t, &w.TreeReader)
}
