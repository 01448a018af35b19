package ingest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/fpcollect/pkg/admission"
	"github.com/nicktill/fpcollect/pkg/aggregate"
	"github.com/nicktill/fpcollect/pkg/classify"
	"github.com/nicktill/fpcollect/pkg/document"
	"github.com/nicktill/fpcollect/pkg/fingerprint"
	"github.com/nicktill/fpcollect/pkg/storage"
	"github.com/nicktill/fpcollect/pkg/storage/memory"
)

const linuxBody = `{
	"status": "pass",
	"is_bot": false,
	"HighEntropyValues": {"platform": "Linux x86_64", "mobile": false, "uaFullVersion": "121.0.6167.85"},
	"fonts": ["DejaVu Sans", "Noto"]
}`

type recordingFeed struct {
	mu     sync.Mutex
	events []Event
}

func (f *recordingFeed) Publish(ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

type fixture struct {
	backend *memory.Storage
	svc     *Service
	feed    *recordingFeed
	clock   time.Time
}

func newFixture(t *testing.T, policy admission.Policy) *fixture {
	t.Helper()
	return newFixtureWithConfig(t, policy, Config{})
}

func newFixtureWithConfig(t *testing.T, policy admission.Policy, cfg Config) *fixture {
	t.Helper()
	f := &fixture{backend: memory.New(), feed: &recordingFeed{}, clock: time.Unix(1_700_000_000, 0)}

	guard, err := admission.NewGuard(f.backend, policy, nil)
	require.NoError(t, err)
	store := fingerprint.New(f.backend, fingerprint.Config{}, nil)
	engine := aggregate.New(f.backend, aggregate.Config{Workers: 2}, nil)

	cfg.Now = func() time.Time { return f.clock }
	cfg.Feed = f.feed
	f.svc = NewService(guard, store, engine, cfg, nil)
	return f
}

func TestSubmit_StoresAndQueries(t *testing.T) {
	f := newFixture(t, admission.DefaultPolicy())
	ctx := context.Background()

	rc, err := f.svc.Submit(ctx, "10.0.0.1", "tok-1", []byte(linuxBody))
	require.NoError(t, err)
	assert.True(t, rc.Accepted)
	assert.Equal(t, ReasonNone, rc.Reason)
	assert.Equal(t, fingerprint.Stored, rc.Outcome)
	assert.Equal(t, classify.Linux, rc.Category)
	assert.Equal(t, "tok-1", rc.SessionToken)
	assert.False(t, rc.Synthetic)

	table, report, err := f.svc.Query(ctx, document.MapNode(map[string]document.Node{
		"category":    document.StringNode("linux"),
		"mainVersion": document.IntNode(121),
	}))
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.Matched)
	fonts := table[`["fonts"]`]
	require.NotNil(t, fonts)
	assert.Equal(t, int64(1), fonts.Values[`"Noto"`])
	assert.Equal(t, map[int]int64{2: 1}, fonts.Lengths)

	require.Len(t, f.feed.events, 1)
	assert.Equal(t, classify.Linux, f.feed.events[0].Category)
	assert.Equal(t, uint64(1), f.svc.Counters().StoredBy(classify.Linux))
}

func TestSubmit_SameTokenCountedOnce(t *testing.T) {
	f := newFixture(t, admission.Policy{Window: time.Hour, BurstCeiling: 1000, FlagCeiling: 10})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.svc.Submit(ctx, "10.0.0.1", "same", []byte(linuxBody))
		}()
	}
	wg.Wait()

	rc, err := f.svc.Submit(ctx, "10.0.0.1", "same", []byte(linuxBody))
	require.NoError(t, err)
	assert.False(t, rc.Accepted)
	assert.Equal(t, DuplicateSession, rc.Reason)

	table, report, err := f.svc.Query(ctx, document.NullNode())
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.Matched)
	assert.Equal(t, map[string]int64{`"linux"`: 1}, table[`["category"]`].Values)
	assert.Equal(t, uint64(10), f.svc.Counters().Duplicates.Load())
}

func TestSubmit_TooLargeTouchesNothing(t *testing.T) {
	f := newFixture(t, admission.DefaultPolicy())
	ctx := context.Background()

	body := []byte(strings.Repeat("x", MaxBodyBytes+1))
	rc, err := f.svc.Submit(ctx, "10.0.0.9", "tok", body)
	require.NoError(t, err)
	assert.Equal(t, TooLarge, rc.Reason)
	assert.ErrorIs(t, rc.Reason.Err(), ErrTooLarge)

	_, err = f.backend.GetAdmission(ctx, "10.0.0.9")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	stats, err := f.backend.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Entries)

	// exactly at the ceiling is still admitted
	rc, err = f.svc.Submit(ctx, "10.0.0.9", "tok", []byte(strings.Repeat(" ", MaxBodyBytes)))
	require.NoError(t, err)
	assert.NotEqual(t, TooLarge, rc.Reason)
}

func TestSubmit_RateLimited(t *testing.T) {
	f := newFixture(t, admission.Policy{Window: time.Hour, BurstCeiling: 2, FlagCeiling: 10})
	ctx := context.Background()

	for i, want := range []Reason{ReasonNone, ReasonNone, RateLimited} {
		rc, err := f.svc.Submit(ctx, "10.0.0.2", "", []byte(linuxBody))
		require.NoError(t, err)
		assert.Equal(t, want, rc.Reason, "submission %d", i)
	}
	assert.Equal(t, uint64(1), f.svc.Counters().RateLimited.Load())

	stats, err := f.backend.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), stats.Entries, "rejected submission never reaches the store")
}

func TestSubmit_SyntheticTokens(t *testing.T) {
	f := newFixture(t, admission.DefaultPolicy())
	ctx := context.Background()

	a, err := f.svc.Submit(ctx, "10.0.0.3", "", []byte(linuxBody))
	require.NoError(t, err)
	b, err := f.svc.Submit(ctx, "10.0.0.3", "", []byte(linuxBody))
	require.NoError(t, err)

	assert.True(t, a.Synthetic)
	assert.True(t, strings.HasPrefix(a.SessionToken, SyntheticTokenPrefix))
	assert.Len(t, a.SessionToken, len(SyntheticTokenPrefix)+32)
	assert.NotEqual(t, a.SessionToken, b.SessionToken)
	assert.Equal(t, fingerprint.Stored, b.Outcome)

	// a client cannot claim the synthetic space
	c, err := f.svc.Submit(ctx, "10.0.0.3", a.SessionToken, []byte(linuxBody))
	require.NoError(t, err)
	assert.True(t, c.Synthetic)
	assert.NotEqual(t, a.SessionToken, c.SessionToken)
}

func TestSubmit_MalformedAndUnhealthy(t *testing.T) {
	f := newFixture(t, admission.DefaultPolicy())
	ctx := context.Background()

	rc, err := f.svc.Submit(ctx, "10.0.0.4", "m", []byte(`{"status":"pass"`))
	require.NoError(t, err)
	assert.Equal(t, MalformedBody, rc.Reason)
	assert.False(t, rc.Accepted)

	for i, body := range []string{linuxBody + " garbage", linuxBody + linuxBody} {
		rc, err = f.svc.Submit(ctx, "10.0.0.4", fmt.Sprintf("trail-%d", i), []byte(body))
		require.NoError(t, err)
		assert.Equal(t, MalformedBody, rc.Reason, "body %d", i)
		assert.Equal(t, fingerprint.Malformed, rc.Outcome)
	}

	rc, err = f.svc.Submit(ctx, "10.0.0.4", "u", []byte(`{"status":"timeout"}`))
	require.NoError(t, err)
	assert.True(t, rc.Accepted)
	assert.Equal(t, fingerprint.Unhealthy, rc.Outcome)

	_, report, err := f.svc.Query(ctx, document.NullNode())
	require.NoError(t, err)
	assert.Zero(t, report.Matched)
	assert.Empty(t, f.feed.events)
}

func TestSubmit_Cancelled(t *testing.T) {
	f := newFixture(t, admission.DefaultPolicy())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.svc.Submit(ctx, "10.0.0.5", "tok", []byte(linuxBody))
	assert.ErrorIs(t, err, context.Canceled)
}
