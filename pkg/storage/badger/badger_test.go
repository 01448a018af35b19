package badger

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/fpcollect/pkg/document"
	"github.com/nicktill/fpcollect/pkg/storage"
)

func newStore(t *testing.T) *Storage {
	t.Helper()
	// Use in-memory mode for tests
	store, err := New(Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func mustDoc(t *testing.T, s string) document.Node {
	t.Helper()
	n, err := document.Parse([]byte(s))
	require.NoError(t, err)
	return n
}

func TestBadgerStorage_InsertEntryOnce(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	res, err := store.InsertEntry(ctx, storage.Entry{SessionToken: "tok", Source: "1.1.1.1", ReceivedAt: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, storage.Inserted, res)

	res, err = store.InsertEntry(ctx, storage.Entry{SessionToken: "tok", Source: "2.2.2.2", ReceivedAt: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, storage.AlreadyExists, res)
}

func TestBadgerStorage_InsertEntryConcurrent(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	var inserted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := store.InsertEntry(ctx, storage.Entry{SessionToken: "race", ReceivedAt: time.Now()})
			if err == nil && res == storage.Inserted {
				inserted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), inserted.Load())
}

func TestBadgerStorage_PutAndScan(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	base := time.Now()

	docs := map[string]string{
		"a": `{"category":"windows","mainVersion":120,"v":1.50}`,
		"b": `{"category":"linux","mainVersion":120}`,
		"c": `{"category":"windows","mainVersion":119}`,
	}
	i := 0
	for tok, body := range docs {
		require.NoError(t, store.PutFingerprint(ctx, storage.Fingerprint{
			SessionToken: tok,
			ReceivedAt:   base.Add(time.Duration(i) * time.Second),
			Document:     mustDoc(t, body),
		}))
		i++
	}

	collect := func(filter string) map[string]document.Node {
		f, err := document.NewFilter(mustDoc(t, filter))
		require.NoError(t, err)
		out := map[string]document.Node{}
		require.NoError(t, store.ScanFingerprints(ctx, f, func(fp storage.Fingerprint) error {
			out[fp.SessionToken] = fp.Document
			return nil
		}))
		return out
	}

	all := collect(`{}`)
	assert.Len(t, all, 3)
	v, _ := all["a"].Get("v")
	assert.Equal(t, "1.50", v.String(), "number literals survive storage")

	windows := collect(`{"category":"windows"}`)
	assert.Len(t, windows, 2)
	assert.Contains(t, windows, "a")
	assert.Contains(t, windows, "c")

	assert.Len(t, collect(`{"mainVersion":120}`), 2)
	assert.Empty(t, collect(`{"category":"mac"}`))
}

func TestBadgerStorage_AdmissionCAS(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0)

	_, err := store.GetAdmission(ctx, "ip")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	res, err := store.CreateAdmission(ctx, storage.AdmissionRecord{Source: "ip", Timestamps: []time.Time{now}})
	require.NoError(t, err)
	assert.Equal(t, storage.Inserted, res)

	res, err = store.CreateAdmission(ctx, storage.AdmissionRecord{Source: "ip"})
	require.NoError(t, err)
	assert.Equal(t, storage.AlreadyExists, res)

	rec, err := store.GetAdmission(ctx, "ip")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.Version)
	require.Len(t, rec.Timestamps, 1)
	assert.True(t, rec.Timestamps[0].Equal(now))

	stale := rec
	rec.Timestamps = append(rec.Timestamps, now.Add(time.Second))
	rec.FlagCount = 3
	require.NoError(t, store.UpdateAdmission(ctx, rec))
	assert.ErrorIs(t, store.UpdateAdmission(ctx, stale), storage.ErrConflict)

	got, err := store.GetAdmission(ctx, "ip")
	require.NoError(t, err)
	assert.Equal(t, 3, got.FlagCount)
	assert.Equal(t, uint64(2), got.Version)
	assert.Len(t, got.Timestamps, 2)

	assert.ErrorIs(t, store.UpdateAdmission(ctx, storage.AdmissionRecord{Source: "unknown", Version: 1}), storage.ErrConflict)
}

func TestBadgerStorage_Values(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	res, err := store.InsertValue(ctx, storage.ValueRecord{ContentHash: "abc", Serialized: []byte(`[1,2]`)})
	require.NoError(t, err)
	assert.Equal(t, storage.Inserted, res)

	res, err = store.InsertValue(ctx, storage.ValueRecord{ContentHash: "abc", Serialized: []byte(`"other"`)})
	require.NoError(t, err)
	assert.Equal(t, storage.AlreadyExists, res)

	rec, err := store.GetValue(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, `[1,2]`, string(rec.Serialized))

	_, err = store.GetValue(ctx, "nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestBadgerStorage_Stats(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	now := time.Now()

	_, err := store.InsertEntry(ctx, storage.Entry{SessionToken: "a", ReceivedAt: now})
	require.NoError(t, err)
	_, err = store.CreateAdmission(ctx, storage.AdmissionRecord{Source: "ip", Timestamps: []time.Time{now}})
	require.NoError(t, err)
	_, err = store.InsertValue(ctx, storage.ValueRecord{ContentHash: "h", Serialized: []byte(`1`)})
	require.NoError(t, err)
	require.NoError(t, store.PutFingerprint(ctx, storage.Fingerprint{SessionToken: "a", ReceivedAt: now, Document: mustDoc(t, `{"x":1}`)}))

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.Entries)
	assert.Equal(t, uint64(1), stats.Fingerprints)
	assert.Equal(t, uint64(1), stats.Sources)
	assert.Equal(t, uint64(1), stats.Values)
	assert.Equal(t, now.UnixNano(), stats.NewestFingerprint.UnixNano())
}

func TestBadgerStorage_CancelledContext(t *testing.T) {
	store := newStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.InsertEntry(ctx, storage.Entry{SessionToken: "x"})
	assert.ErrorIs(t, err, context.Canceled)

	err = store.ScanFingerprints(ctx, document.Filter{}, func(storage.Fingerprint) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBadgerStorage_CancelledInsertLeavesTokenFree(t *testing.T) {
	store := newStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// past the entry guard: the transaction itself must refuse to claim
	_, err := store.insertIfAbsent(ctx, makeKey(prefixEntry, "late"), []byte("{}"))
	require.ErrorIs(t, err, context.Canceled)

	// a retry with a live context owns the token
	res, err := store.InsertEntry(context.Background(), storage.Entry{SessionToken: "late", ReceivedAt: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, storage.Inserted, res)
}

func TestNew_OnDiskLowMemory(t *testing.T) {
	store, err := New(Config{Path: t.TempDir(), MaxMemoryMB: 16})
	require.NoError(t, err)
	require.NoError(t, store.Close())
}

func TestBadgerStorage_Persistence(t *testing.T) {
	// Use temp directory for persistence test
	tmpDir, err := os.MkdirTemp("", "badger-test-*")
	require.NoError(t, err)
	defer os.RemoveAll(tmpDir)

	ctx := context.Background()

	// Write to first instance
	{
		store, err := New(Config{Path: tmpDir})
		require.NoError(t, err)

		_, err = store.InsertEntry(ctx, storage.Entry{SessionToken: "persist", ReceivedAt: time.Now()})
		require.NoError(t, err)
		require.NoError(t, store.PutFingerprint(ctx, storage.Fingerprint{
			SessionToken: "persist",
			ReceivedAt:   time.Now(),
			Document:     mustDoc(t, `{"category":"mac"}`),
		}))
		require.NoError(t, store.Close())
	}

	// Reopen and verify
	{
		store, err := New(Config{Path: tmpDir})
		require.NoError(t, err)
		defer store.Close()

		res, err := store.InsertEntry(ctx, storage.Entry{SessionToken: "persist", ReceivedAt: time.Now()})
		require.NoError(t, err)
		assert.Equal(t, storage.AlreadyExists, res, "session claims survive restart")

		count := 0
		require.NoError(t, store.ScanFingerprints(ctx, document.Filter{}, func(fp storage.Fingerprint) error {
			count++
			assert.Equal(t, "mac", fp.Category())
			return nil
		}))
		assert.Equal(t, 1, count)
	}
}

func TestFingerprintKey_TimeOrdered(t *testing.T) {
	t0 := time.Unix(100, 0)
	k1 := fingerprintKey("zzz", t0)
	k2 := fingerprintKey("aaa", t0.Add(time.Nanosecond))
	assert.Less(t, string(k1), string(k2))

	ts, ok := fingerprintTime(k1)
	require.True(t, ok)
	assert.True(t, ts.Equal(t0))
}
