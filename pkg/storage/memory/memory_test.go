package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/fpcollect/pkg/document"
	"github.com/nicktill/fpcollect/pkg/storage"
)

func fingerprint(t *testing.T, token, body string) storage.Fingerprint {
	t.Helper()
	doc, err := document.Parse([]byte(body))
	require.NoError(t, err)
	return storage.Fingerprint{SessionToken: token, ReceivedAt: time.Now(), Document: doc}
}

func TestMemoryStorage_InsertEntryOnce(t *testing.T) {
	store := New()
	defer store.Close()
	ctx := context.Background()

	res, err := store.InsertEntry(ctx, storage.Entry{SessionToken: "abc", Source: "1.2.3.4"})
	require.NoError(t, err)
	assert.Equal(t, storage.Inserted, res)

	res, err = store.InsertEntry(ctx, storage.Entry{SessionToken: "abc", Source: "5.6.7.8"})
	require.NoError(t, err)
	assert.Equal(t, storage.AlreadyExists, res)
}

func TestMemoryStorage_InsertEntryConcurrent(t *testing.T) {
	store := New()
	ctx := context.Background()

	var inserted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := store.InsertEntry(ctx, storage.Entry{SessionToken: "same"})
			if err == nil && res == storage.Inserted {
				inserted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), inserted.Load())
}

func TestMemoryStorage_ScanWithFilter(t *testing.T) {
	store := New()
	ctx := context.Background()

	require.NoError(t, store.PutFingerprint(ctx, fingerprint(t, "a", `{"category":"windows","x":1}`)))
	require.NoError(t, store.PutFingerprint(ctx, fingerprint(t, "b", `{"category":"linux","x":1}`)))
	require.NoError(t, store.PutFingerprint(ctx, fingerprint(t, "c", `{"category":"windows","x":2}`)))

	scan := func(filter string) []string {
		n, err := document.Parse([]byte(filter))
		require.NoError(t, err)
		f, err := document.NewFilter(n)
		require.NoError(t, err)

		var tokens []string
		err = store.ScanFingerprints(ctx, f, func(fp storage.Fingerprint) error {
			tokens = append(tokens, fp.SessionToken)
			return nil
		})
		require.NoError(t, err)
		return tokens
	}

	assert.ElementsMatch(t, []string{"a", "b", "c"}, scan(`{}`))
	assert.ElementsMatch(t, []string{"a", "c"}, scan(`{"category":"windows"}`))
	assert.ElementsMatch(t, []string{"c"}, scan(`{"category":"windows","x":2}`))
	assert.ElementsMatch(t, []string{"a", "b"}, scan(`{"x":1}`))
	assert.Empty(t, scan(`{"category":"mac"}`))

	assert.Equal(t, map[string]uint64{`"windows"`: 2, `"linux"`: 1}, store.Categories())
}

func TestMemoryStorage_ScanStopsOnError(t *testing.T) {
	store := New()
	ctx := context.Background()
	for _, tok := range []string{"a", "b", "c"} {
		require.NoError(t, store.PutFingerprint(ctx, fingerprint(t, tok, `{"x":1}`)))
	}

	stop := errors.New("stop")
	calls := 0
	err := store.ScanFingerprints(ctx, document.Filter{}, func(storage.Fingerprint) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestMemoryStorage_AdmissionCAS(t *testing.T) {
	store := New()
	ctx := context.Background()
	now := time.Now()

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

	stale := rec
	rec.FlagCount = 1
	require.NoError(t, store.UpdateAdmission(ctx, rec))

	stale.FlagCount = 5
	assert.ErrorIs(t, store.UpdateAdmission(ctx, stale), storage.ErrConflict)

	got, err := store.GetAdmission(ctx, "ip")
	require.NoError(t, err)
	assert.Equal(t, 1, got.FlagCount)
	assert.Equal(t, uint64(2), got.Version)
}

func TestMemoryStorage_Values(t *testing.T) {
	store := New()
	ctx := context.Background()

	res, err := store.InsertValue(ctx, storage.ValueRecord{ContentHash: "h", Serialized: []byte(`"x"`)})
	require.NoError(t, err)
	assert.Equal(t, storage.Inserted, res)

	res, err = store.InsertValue(ctx, storage.ValueRecord{ContentHash: "h", Serialized: []byte(`"y"`)})
	require.NoError(t, err)
	assert.Equal(t, storage.AlreadyExists, res)

	rec, err := store.GetValue(ctx, "h")
	require.NoError(t, err)
	assert.Equal(t, `"x"`, string(rec.Serialized), "existing values are never overwritten")

	_, err = store.GetValue(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestMemoryStorage_Stats(t *testing.T) {
	store := New()
	ctx := context.Background()

	_, _ = store.InsertEntry(ctx, storage.Entry{SessionToken: "a"})
	_, _ = store.CreateAdmission(ctx, storage.AdmissionRecord{Source: "ip"})
	require.NoError(t, store.PutFingerprint(ctx, fingerprint(t, "a", `{"x":1}`)))

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.Entries)
	assert.Equal(t, uint64(1), stats.Sources)
	assert.Equal(t, uint64(1), stats.Fingerprints)
	assert.False(t, stats.NewestFingerprint.IsZero())
}
