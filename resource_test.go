package revdb

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errInjected = errors.New("injected failure")

// faultyStore fails appends or publishing on demand.
type faultyStore struct {
	blockStore

	mu          sync.Mutex
	failAppends bool
	appendsLeft int
	failPublish bool
	failReload  bool
}

func (s *faultyStore) Append(data []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAppends {
		if s.appendsLeft == 0 {
			return NullKey, errInjected
		}
		s.appendsLeft--
	}
	return s.blockStore.Append(data)
}

func (s *faultyStore) WriteUberKey(key int64, rev int) error {
	s.mu.Lock()
	fail := s.failPublish
	s.mu.Unlock()
	if fail {
		return errInjected
	}
	return s.blockStore.WriteUberKey(key, rev)
}

func (s *faultyStore) ReadUberKey() (int64, int, error) {
	s.mu.Lock()
	fail := s.failReload
	s.mu.Unlock()
	if fail {
		return NullKey, -1, errInjected
	}
	return s.blockStore.ReadUberKey()
}

func (s *faultyStore) failAfter(appends int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAppends, s.appendsLeft = true, appends
}

func (s *faultyStore) heal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAppends, s.failPublish, s.failReload = false, false, false
}

func setup(t testing.TB, cfg ResourceConfig) *Resource {
	t.Helper()
	return setupWithOptions(t, filepath.Join(t.TempDir(), "res"), cfg, Options{})
}

func setupWithOptions(t testing.TB, dir string, cfg ResourceConfig, opt Options) *Resource {
	t.Helper()
	opt.IsTesting = true
	if opt.Logger == nil {
		opt.Logger = testLogger(t)
	}
	r, err := Create(dir, cfg, opt)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func reopen(t testing.TB, r *Resource, opt Options) *Resource {
	t.Helper()
	require.NoError(t, r.Close())
	opt.IsTesting = true
	if opt.Logger == nil {
		opt.Logger = testLogger(t)
	}
	r2, err := Open(r.Dir(), opt)
	require.NoError(t, err)
	t.Cleanup(func() { r2.Close() })
	return r2
}

type testLogWriter struct {
	t testing.TB
}

func (w testLogWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}

func testLogger(t testing.TB) *slog.Logger {
	return slog.New(slog.NewTextHandler(testLogWriter{t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func addBlob(t testing.TB, trx *PageTrx, data string) int64 {
	t.Helper()
	rec, err := trx.CreateEntry(RecordSubtree, 0, func(key int64) Record {
		return NewBlobRecord(key, []byte(data))
	})
	require.NoError(t, err)
	return rec.RecordKey()
}

func setBlob(t testing.TB, trx *PageTrx, key int64, data string) {
	t.Helper()
	rec, err := trx.PrepareEntryForModification(key, RecordSubtree, 0)
	require.NoError(t, err)
	rec.(*BlobRecord).Data = []byte(data)
}

// blob returns the blob's data, or "<nil>" if the record does not exist.
func blob(t testing.TB, src RecordSource, key int64) string {
	t.Helper()
	rec, err := src.Record(key, RecordSubtree, 0)
	require.NoError(t, err)
	if rec == nil {
		return "<nil>"
	}
	b, ok := rec.(*BlobRecord)
	require.True(t, ok, "record %d is %v", key, rec.RecordKind())
	return string(b.Data)
}

func readBlob(t testing.TB, r *Resource, rev int, key int64) string {
	t.Helper()
	trx, err := r.BeginReadTrxAt(t.Context(), rev)
	require.NoError(t, err)
	defer trx.Close()
	return blob(t, trx, key)
}

func blobValue(i int) string {
	return fmt.Sprintf("value-%04d", i)
}

// testClock hands out one minute per call, starting at epoch.
type testClock struct {
	mu    sync.Mutex
	epoch time.Time
	n     int
}

func fakeClock() *testClock {
	return &testClock{epoch: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.at(c.n)
	c.n++
	return t
}

// at returns the time stamped on the n-th call, which is revision n's
// timestamp when only commits consult the clock.
func (c *testClock) at(n int) time.Time {
	return c.epoch.Add(time.Duration(n) * time.Minute)
}

var allStorageKinds = []StorageKind{BoltStorage, FileStorage, MemoryStorage}

func TestResource_Bootstrap(t *testing.T) {
	for _, sk := range allStorageKinds {
		t.Run(string(sk), func(t *testing.T) {
			r := setup(t, ResourceConfig{Storage: sk})
			assert.Equal(t, 0, r.LastRevision())

			trx, err := r.BeginReadTrx(t.Context())
			require.NoError(t, err)
			defer trx.Close()
			assert.Equal(t, 0, trx.Revision())
			assert.Equal(t, "bootstrap", trx.Message())

			rec, err := trx.Record(DocumentRecordKey, RecordSubtree, 0)
			require.NoError(t, err)
			doc, ok := rec.(*DocumentRecord)
			require.True(t, ok)
			assert.False(t, doc.HasFirstChild())

			maxKey, err := trx.MaxKey(RecordSubtree, 0)
			require.NoError(t, err)
			assert.Equal(t, int64(0), maxKey)

			maxKey, err = trx.MaxKey(NameSubtree, 3)
			require.NoError(t, err)
			assert.Equal(t, NullRecordKey, maxKey)
		})
	}
}

func TestResource_RoundTripAcrossReopen(t *testing.T) {
	for _, sk := range []StorageKind{BoltStorage, FileStorage} {
		for _, comp := range []Compression{NoCompression, LZ4Compression, ZstdCompression} {
			t.Run(string(sk)+"/"+string(comp), func(t *testing.T) {
				r := setup(t, ResourceConfig{Storage: sk, Compression: comp})
				var keys []int64
				rev, err := r.Write(t.Context(), "first", func(trx *PageTrx) error {
					for _, s := range []string{"alpha", "beta", "gamma"} {
						keys = append(keys, addBlob(t, trx, s))
					}
					return nil
				})
				require.NoError(t, err)
				assert.Equal(t, 1, rev)

				rev, err = r.Write(t.Context(), "second", func(trx *PageTrx) error {
					setBlob(t, trx, keys[1], "BETA")
					return trx.RemoveEntry(keys[2], RecordSubtree, 0)
				})
				require.NoError(t, err)
				assert.Equal(t, 2, rev)

				r = reopen(t, r, Options{})
				assert.Equal(t, 2, r.LastRevision())
				assert.Equal(t, "alpha", readBlob(t, r, 2, keys[0]))
				assert.Equal(t, "BETA", readBlob(t, r, 2, keys[1]))
				assert.Equal(t, "<nil>", readBlob(t, r, 2, keys[2]))
				assert.Equal(t, "beta", readBlob(t, r, 1, keys[1]))
				assert.Equal(t, "gamma", readBlob(t, r, 1, keys[2]))
				assert.Equal(t, "<nil>", readBlob(t, r, 0, keys[0]))

				require.NoError(t, r.Check(t.Context()))
			})
		}
	}
}

func TestResource_CreateAndOpenErrors(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "res")
	_, err := Open(dir, Options{IsTesting: true})
	assert.ErrorIs(t, err, fs.ErrNotExist)

	r := setupWithOptions(t, dir, ResourceConfig{Storage: MemoryStorage}, Options{})
	_, err = Create(dir, ResourceConfig{}, Options{IsTesting: true})
	assert.ErrorIs(t, err, ErrIllegalState)

	_, err = Create(filepath.Join(t.TempDir(), "x"), ResourceConfig{Versioning: "bogus"}, Options{IsTesting: true})
	assert.Error(t, err)

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	_, err = r.BeginReadTrx(t.Context())
	assert.ErrorIs(t, err, ErrClosed)
	_, err = r.BeginPageTrx(t.Context(), WriteOptions{})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestResource_OpenOrCreate(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "res")
	r, err := OpenOrCreate(dir, ResourceConfig{Storage: FileStorage, Versioning: DifferentialVersioning}, Options{IsTesting: true})
	require.NoError(t, err)
	_, err = r.Write(t.Context(), "", func(trx *PageTrx) error {
		addBlob(t, trx, "x")
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, r.Close())

	r, err = OpenOrCreate(dir, ResourceConfig{Storage: BoltStorage}, Options{IsTesting: true})
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, FileStorage, r.Config().Storage)
	assert.Equal(t, DifferentialVersioning, r.Config().Versioning)
	assert.Equal(t, 1, r.LastRevision())
}

func TestResource_RecoversFromSentinel(t *testing.T) {
	var recovered []int
	opt := Options{OnRecover: func(rev int) { recovered = append(recovered, rev) }}
	r := setupWithOptions(t, filepath.Join(t.TempDir(), "res"), ResourceConfig{}, opt)
	var key int64
	_, err := r.Write(t.Context(), "", func(trx *PageTrx) error {
		key = addBlob(t, trx, "kept")
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, r.Close())

	require.NoError(t, os.WriteFile(filepath.Join(r.Dir(), sentinelFileName), nil, 0o666))
	r = reopen(t, r, opt)
	assert.Equal(t, []int{1}, recovered)
	assert.Equal(t, int64(1), r.Stats().Recoveries)
	assert.NoFileExists(t, filepath.Join(r.Dir(), sentinelFileName))
	assert.Equal(t, "kept", readBlob(t, r, 1, key))
}

func TestResource_ReadAndWriteHelpers(t *testing.T) {
	r := setup(t, ResourceConfig{Storage: MemoryStorage})
	_, err := r.Write(t.Context(), "", func(trx *PageTrx) error {
		addBlob(t, trx, "x")
		return errInjected
	})
	assert.ErrorIs(t, err, errInjected)
	assert.Equal(t, 0, r.LastRevision())

	err = r.Read(t.Context(), func(trx *ReadTrx) error {
		assert.Equal(t, 0, trx.Revision())
		return nil
	})
	require.NoError(t, err)

	ss := r.Stats()
	assert.Equal(t, int64(0), ss.ReadTrxs)
	assert.Equal(t, int64(0), ss.WriteTrxs)
	assert.Equal(t, int64(1), ss.Commits)
}
