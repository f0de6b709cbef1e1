package revdb

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStores(t *testing.T) map[string]func() blockStore {
	return map[string]func() blockStore{
		"memory": func() blockStore {
			bs, err := openBucketStore(newMemStorage())
			require.NoError(t, err)
			return bs
		},
		"bolt": func() blockStore {
			st, err := openBoltStorage(filepath.Join(t.TempDir(), "test.db"), Options{IsTesting: true})
			require.NoError(t, err)
			bs, err := openBucketStore(st)
			require.NoError(t, err)
			return bs
		},
		"file": func() blockStore {
			fs, err := openFileStore(t.TempDir(), Options{IsTesting: true, Logger: testLogger(t)})
			require.NoError(t, err)
			return fs
		},
	}
}

func TestBlockStore_Contract(t *testing.T) {
	for name, open := range openTestStores(t) {
		t.Run(name, func(t *testing.T) {
			s := open()
			defer s.Close()

			key, rev, err := s.ReadUberKey()
			require.NoError(t, err)
			assert.Equal(t, NullKey, key)
			assert.Equal(t, -1, rev)

			a, err := s.Append([]byte("alpha"))
			require.NoError(t, err)
			b, err := s.Append([]byte("beta"))
			require.NoError(t, err)
			assert.Greater(t, b, a)

			// appended blocks are readable before they are durable
			data, err := s.Read(b)
			require.NoError(t, err)
			assert.Equal(t, "beta", string(data))

			require.NoError(t, s.WriteUberKey(b, 0))
			key, rev, err = s.ReadUberKey()
			require.NoError(t, err)
			assert.Equal(t, b, key)
			assert.Equal(t, 0, rev)

			c, err := s.Append([]byte("gamma"))
			require.NoError(t, err)
			require.NoError(t, s.WriteUberKey(c, 1))
			d, err := s.Append([]byte("delta"))
			require.NoError(t, err)

			require.NoError(t, s.TruncateTo(0))
			key, rev, err = s.ReadUberKey()
			require.NoError(t, err)
			assert.Equal(t, b, key)
			assert.Equal(t, 0, rev)
			_, err = s.Read(d)
			assert.Error(t, err)

			data, err = s.Read(a)
			require.NoError(t, err)
			assert.Equal(t, "alpha", string(data))

			// keys after the durable end are handed out again
			c2, err := s.Append([]byte("gamma2"))
			require.NoError(t, err)
			assert.Equal(t, c, c2)
			data, err = s.Read(c2)
			require.NoError(t, err)
			assert.Equal(t, "gamma2", string(data))

			require.NoError(t, s.TruncateTo(-1))
			key, rev, err = s.ReadUberKey()
			require.NoError(t, err)
			assert.Equal(t, NullKey, key)
			assert.Equal(t, -1, rev)
			_, err = s.Read(a)
			assert.Error(t, err)

			require.NoError(t, s.Close())
			require.NoError(t, s.Close())
			_, err = s.Read(a)
			assert.ErrorIs(t, err, ErrClosed)
		})
	}
}

func TestBucketStore_UnpublishedBlocksDoNotSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	open := func() *bucketStore {
		st, err := openBoltStorage(path, Options{IsTesting: true})
		require.NoError(t, err)
		bs, err := openBucketStore(st)
		require.NoError(t, err)
		return bs
	}

	s := open()
	a, err := s.Append([]byte("a"))
	require.NoError(t, err)
	require.NoError(t, s.WriteUberKey(a, 0))
	b, err := s.Append([]byte("b"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s = open()
	defer s.Close()
	_, err = s.Read(b)
	assert.Error(t, err)
	b2, err := s.Append([]byte("b2"))
	require.NoError(t, err)
	assert.Equal(t, b, b2)
}

func TestFileStore_Reopen(t *testing.T) {
	dir := t.TempDir()
	opt := Options{IsTesting: true, Logger: testLogger(t)}
	s, err := openFileStore(dir, opt)
	require.NoError(t, err)
	var keys []int64
	for i, v := range []string{"one", "two", "three"} {
		k, err := s.Append([]byte(v))
		require.NoError(t, err)
		require.NoError(t, s.WriteUberKey(k, i))
		keys = append(keys, k)
	}
	assert.ErrorIs(t, s.WriteUberKey(keys[0], 7), ErrIllegalState)
	assert.ErrorIs(t, s.TruncateTo(3), ErrIllegalState)
	require.NoError(t, s.Close())

	s, err = openFileStore(dir, opt)
	require.NoError(t, err)
	defer s.Close()
	key, rev, err := s.ReadUberKey()
	require.NoError(t, err)
	assert.Equal(t, keys[2], key)
	assert.Equal(t, 2, rev)
	for i, v := range []string{"one", "two", "three"} {
		data, err := s.Read(keys[i])
		require.NoError(t, err)
		assert.Equal(t, v, string(data))
	}

	empty, err := s.Append(nil)
	require.NoError(t, err)
	data, err := s.Read(empty)
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestFileStore_DropsTornRevisionSlot(t *testing.T) {
	dir := t.TempDir()
	opt := Options{IsTesting: true, Logger: testLogger(t)}
	s, err := openFileStore(dir, opt)
	require.NoError(t, err)
	a, err := s.Append([]byte("a"))
	require.NoError(t, err)
	require.NoError(t, s.WriteUberKey(a, 0))
	b, err := s.Append([]byte("b"))
	require.NoError(t, err)
	require.NoError(t, s.WriteUberKey(b, 1))
	require.NoError(t, s.Close())

	// scribble over the checksum of the second slot and add a partial third
	f, err := os.OpenFile(filepath.Join(dir, fileStoreRevisionsName), os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xFF, 0xFF}, revisionSlotSize+20)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{1, 2, 3}, 2*revisionSlotSize)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s, err = openFileStore(dir, opt)
	require.NoError(t, err)
	defer s.Close()
	key, rev, err := s.ReadUberKey()
	require.NoError(t, err)
	assert.Equal(t, a, key)
	assert.Equal(t, 0, rev)

	st, err := os.Stat(filepath.Join(dir, fileStoreRevisionsName))
	require.NoError(t, err)
	assert.Equal(t, int64(revisionSlotSize), st.Size())

	// the block of the dropped revision is still in the file until truncated
	require.NoError(t, s.TruncateTo(0))
	_, err = s.Read(b)
	assert.Error(t, err)
}

func TestFileStore_DetectsCorruptedBlock(t *testing.T) {
	dir := t.TempDir()
	opt := Options{IsTesting: true, Logger: testLogger(t)}
	s, err := openFileStore(dir, opt)
	require.NoError(t, err)
	k, err := s.Append([]byte("precious data"))
	require.NoError(t, err)
	require.NoError(t, s.WriteUberKey(k, 0))
	require.NoError(t, s.Close())

	f, err := os.OpenFile(filepath.Join(dir, fileStoreDataName), os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{'P'}, k+frameHeaderSize)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s, err = openFileStore(dir, opt)
	require.NoError(t, err)
	defer s.Close()
	_, err = s.Read(k)
	var de *DataError
	assert.ErrorAs(t, err, &de)
}
