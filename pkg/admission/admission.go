// Package admission throttles submissions per source with a sliding window
// and a persistent flag counter.
package admission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nicktill/fpcollect/pkg/storage"
)

// Policy defaults
const (
	DefaultWindow       = time.Hour
	DefaultBurstCeiling = 20
	DefaultFlagCeiling  = 10
	DefaultMaxRetries   = 16
)

// ErrContention is returned when a source's record keeps changing under
// concurrent writers past the retry bound
var ErrContention = errors.New("admission record contention")

// Decision is the result of an admission check
type Decision int

const (
	Allow Decision = iota
	Reject
)

func (d Decision) String() string {
	if d == Allow {
		return "allow"
	}
	return "reject"
}

// Policy holds the admission thresholds
type Policy struct {
	// Window is how far back submissions count towards the burst ceiling
	Window time.Duration

	// BurstCeiling is the most submissions allowed inside Window
	BurstCeiling int

	// FlagCeiling is the flag count above which a source is rejected for good
	FlagCeiling int
}

// DefaultPolicy returns the production thresholds
func DefaultPolicy() Policy {
	return Policy{
		Window:       DefaultWindow,
		BurstCeiling: DefaultBurstCeiling,
		FlagCeiling:  DefaultFlagCeiling,
	}
}

// Validate checks the thresholds are usable
func (p Policy) Validate() error {
	if p.Window <= 0 {
		return fmt.Errorf("admission window must be positive, got %s", p.Window)
	}
	if p.BurstCeiling < 1 {
		return fmt.Errorf("burst ceiling must be at least 1, got %d", p.BurstCeiling)
	}
	if p.FlagCeiling < 0 {
		return fmt.Errorf("flag ceiling must not be negative, got %d", p.FlagCeiling)
	}
	return nil
}

// Evaluate decides on one submission at now against rec. It returns the
// decision and the record to persist; a nil record means nothing changes.
func (p Policy) Evaluate(rec storage.AdmissionRecord, now time.Time) (Decision, *storage.AdmissionRecord) {
	if rec.FlagCount > p.FlagCeiling {
		return Reject, nil
	}

	cutoff := now.Add(-p.Window)
	kept := make([]time.Time, 0, len(rec.Timestamps)+1)
	for _, ts := range rec.Timestamps {
		if !ts.Before(cutoff) {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, now)

	next := rec
	next.Timestamps = kept
	if len(kept) > p.BurstCeiling {
		next.FlagCount++
		return Reject, &next
	}
	return Allow, &next
}

// Guard applies a Policy against records kept in a storage.Store
type Guard struct {
	store      storage.Store
	policy     Policy
	maxRetries int
	log        *zap.Logger
}

// NewGuard creates a guard. A nil logger disables logging.
func NewGuard(store storage.Store, policy Policy, logger *zap.Logger) (*Guard, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{
		store:      store,
		policy:     policy,
		maxRetries: DefaultMaxRetries,
		log:        logger.Named("admission"),
	}, nil
}

// Policy returns the thresholds in force
func (g *Guard) Policy() Policy { return g.policy }

// Check records a submission from source at now and decides on it.
//
// Updates are linearizable per source: a lost race (duplicate creation or a
// stale version) re-reads the record and decides again. Different sources
// never contend.
func (g *Guard) Check(ctx context.Context, source string, now time.Time) (Decision, error) {
	for attempt := 0; attempt < g.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return Reject, err
		}

		rec, err := g.store.GetAdmission(ctx, source)
		if errors.Is(err, storage.ErrNotFound) {
			res, err := g.store.CreateAdmission(ctx, storage.AdmissionRecord{
				Source:     source,
				Timestamps: []time.Time{now},
			})
			if err != nil {
				return Reject, fmt.Errorf("create admission record: %w", err)
			}
			if res == storage.Inserted {
				return Allow, nil
			}
			g.log.Debug("admission record created concurrently, retrying",
				zap.String("source", source))
			continue
		}
		if err != nil {
			return Reject, fmt.Errorf("read admission record: %w", err)
		}

		decision, next := g.policy.Evaluate(rec, now)
		if next == nil {
			return decision, nil
		}

		err = g.store.UpdateAdmission(ctx, *next)
		if errors.Is(err, storage.ErrConflict) {
			g.log.Debug("admission record changed concurrently, retrying",
				zap.String("source", source), zap.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return Reject, fmt.Errorf("update admission record: %w", err)
		}

		if decision == Reject {
			g.log.Info("source over burst ceiling",
				zap.String("source", source),
				zap.Int("window_count", len(next.Timestamps)),
				zap.Int("flag_count", next.FlagCount))
		}
		return decision, nil
	}
	return Reject, fmt.Errorf("%w: source %s after %d attempts", ErrContention, source, g.maxRetries)
}
