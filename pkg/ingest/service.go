// Package ingest is the boundary between transports and the fingerprint
// engine: Submit gates and stores one capture, Query compiles statistics.
package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nicktill/fpcollect/pkg/admission"
	"github.com/nicktill/fpcollect/pkg/aggregate"
	"github.com/nicktill/fpcollect/pkg/classify"
	"github.com/nicktill/fpcollect/pkg/document"
	"github.com/nicktill/fpcollect/pkg/fingerprint"
	"github.com/nicktill/fpcollect/pkg/storage"
)

// Receipt is the outcome of one Submit
type Receipt struct {
	// Accepted is true once the session token was claimed by this call
	Accepted bool
	Reason   Reason

	SessionToken string
	Synthetic    bool

	Outcome  fingerprint.Outcome
	Category classify.Category
}

// Publisher receives an event for each stored fingerprint
type Publisher interface {
	Publish(Event)
}

// Event describes a stored fingerprint for live subscribers
type Event struct {
	Category   classify.Category `json:"category"`
	ReceivedAt time.Time         `json:"received_at"`
}

// Config wires a Service
type Config struct {
	// MaxBodyBytes rejects larger bodies before any state changes (0 = MaxBodyBytes)
	MaxBodyBytes int64

	// Now is the clock (nil = time.Now)
	Now func() time.Time

	// Feed is notified of stored fingerprints (optional)
	Feed Publisher
}

// Service implements submit and query over the engine components
type Service struct {
	guard    *admission.Guard
	store    *fingerprint.Store
	engine   *aggregate.Engine
	maxBody  int64
	now      func() time.Time
	feed     Publisher
	counters *Counters
	log      *zap.Logger
}

// NewService creates a Service
func NewService(guard *admission.Guard, store *fingerprint.Store, engine *aggregate.Engine, cfg Config, logger *zap.Logger) *Service {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = MaxBodyBytes
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		guard:    guard,
		store:    store,
		engine:   engine,
		maxBody:  cfg.MaxBodyBytes,
		now:      cfg.Now,
		feed:     cfg.Feed,
		counters: NewCounters(),
		log:      logger.Named("ingest"),
	}
}

// Counters exposes the running totals
func (s *Service) Counters() *Counters { return s.counters }

// MaxBodyBytes is the size ceiling in force
func (s *Service) MaxBodyBytes() int64 { return s.maxBody }

// Submit gates one capture from source and stores it at most once per
// session. token "" means the client sent none and a synthetic one is minted.
//
// Policy outcomes are reported through the Receipt; the error is non-nil only
// for infrastructure failures.
func (s *Service) Submit(ctx context.Context, source, token string, body []byte) (Receipt, error) {
	s.counters.Submissions.Add(1)

	if int64(len(body)) > s.maxBody {
		s.counters.TooLarge.Add(1)
		return Receipt{Reason: TooLarge}, nil
	}

	now := s.now()
	decision, err := s.guard.Check(ctx, source, now)
	if err != nil {
		return Receipt{}, fmt.Errorf("admission: %w", err)
	}
	if decision == admission.Reject {
		s.counters.RateLimited.Add(1)
		return Receipt{Reason: RateLimited}, nil
	}

	rc := Receipt{SessionToken: token}
	if token == "" || strings.HasPrefix(token, SyntheticTokenPrefix) {
		rc.SessionToken = SyntheticToken()
		rc.Synthetic = true
	}

	res, err := s.store.InsertOnce(ctx, storage.Entry{
		SessionToken: rc.SessionToken,
		Source:       source,
		ReceivedAt:   now,
	}, body)
	if err != nil {
		return Receipt{}, err
	}

	rc.Outcome = res.Outcome
	rc.Category = res.Category
	switch res.Outcome {
	case fingerprint.Duplicate:
		s.counters.Duplicates.Add(1)
		rc.Reason = DuplicateSession
	case fingerprint.Malformed:
		s.counters.Malformed.Add(1)
		rc.Reason = MalformedBody
	case fingerprint.Unhealthy:
		s.counters.Unhealthy.Add(1)
		rc.Accepted = true
	case fingerprint.Stored:
		s.counters.stored(res.Category)
		rc.Accepted = true
		if s.feed != nil {
			s.feed.Publish(Event{Category: res.Category, ReceivedAt: now})
		}
	}
	return rc, nil
}

// Query compiles the value frequency table over fingerprints matching filter
func (s *Service) Query(ctx context.Context, filter document.Node) (aggregate.Table, aggregate.Report, error) {
	s.counters.Queries.Add(1)
	table, report, err := s.engine.Compile(ctx, filter)
	if err != nil {
		s.counters.QueryErrors.Add(1)
		return nil, report, err
	}
	if report.Skipped > 0 {
		s.log.Warn("compile skipped corrupt fingerprints", zap.Int64("skipped", report.Skipped))
	}
	return table, report, nil
}

// SyntheticToken mints a session token that cannot collide with a client one
func SyntheticToken() string {
	id := uuid.New()
	return SyntheticTokenPrefix + strings.ReplaceAll(id.String(), "-", "")
}
