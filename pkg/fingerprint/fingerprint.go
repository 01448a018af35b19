// Package fingerprint stores each session's fingerprint document at most once.
package fingerprint

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/nicktill/fpcollect/pkg/classify"
	"github.com/nicktill/fpcollect/pkg/document"
	"github.com/nicktill/fpcollect/pkg/storage"
	"github.com/nicktill/fpcollect/pkg/values"
)

// HealthField carries the capture step's self check; only "pass" is stored
const (
	HealthField = "status"
	HealthPass  = "pass"
)

// ErrMalformedBody wraps decode and required-field failures
var ErrMalformedBody = errors.New("malformed fingerprint body")

// Outcome is what InsertOnce did with a submission
type Outcome int

const (
	// Stored: first submission for the session, classified and persisted
	Stored Outcome = iota
	// Duplicate: the session token was already claimed; nothing was done
	Duplicate
	// Unhealthy: the token was claimed but the capture failed its self check
	Unhealthy
	// Malformed: the token was claimed but the body could not be used
	Malformed
)

func (o Outcome) String() string {
	switch o {
	case Stored:
		return "stored"
	case Duplicate:
		return "duplicate"
	case Unhealthy:
		return "unhealthy"
	case Malformed:
		return "malformed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result describes one InsertOnce call
type Result struct {
	Outcome  Outcome
	Category classify.Category

	// Err explains a Malformed outcome
	Err error
}

// Config tunes a Store
type Config struct {
	// ParseWorkers bounds concurrent decode + classify work (0 = GOMAXPROCS)
	ParseWorkers int

	// Values, when set, switches to the interned layout: every leaf of the
	// stored document is replaced by its value id.
	Values *values.Store
}

// Store is the write path for fingerprints
type Store struct {
	backend storage.Store
	values  *values.Store
	cpu     *semaphore.Weighted
	log     *zap.Logger
}

// New creates a Store
func New(backend storage.Store, cfg Config, logger *zap.Logger) *Store {
	workers := cfg.ParseWorkers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		backend: backend,
		values:  cfg.Values,
		cpu:     semaphore.NewWeighted(int64(workers)),
		log:     logger.Named("fingerprint"),
	}
}

// Interned reports whether documents are stored as value ids
func (s *Store) Interned() bool { return s.values != nil }

// InsertOnce claims entry.SessionToken and, on first claim, decodes,
// classifies and persists raw. Concurrent calls for one token store exactly
// one document; the others observe Duplicate and do nothing else.
//
// Only infrastructure failures are returned as errors. Unusable bodies still
// consume the token so they cannot be resubmitted forever.
func (s *Store) InsertOnce(ctx context.Context, entry storage.Entry, raw []byte) (Result, error) {
	res, err := s.backend.InsertEntry(ctx, entry)
	if err != nil {
		return Result{}, fmt.Errorf("claim session: %w", err)
	}
	if res == storage.AlreadyExists {
		s.log.Debug("duplicate session", zap.String("session", entry.SessionToken))
		return Result{Outcome: Duplicate}, nil
	}

	doc, cls, result, err := s.prepare(ctx, raw)
	if err != nil {
		return Result{}, err
	}
	if result != nil {
		if result.Outcome == Malformed {
			s.log.Info("malformed fingerprint",
				zap.String("session", entry.SessionToken),
				zap.Error(result.Err))
		}
		return *result, nil
	}

	if s.values != nil {
		doc, err = s.values.InternTree(ctx, doc)
		if err != nil {
			return Result{}, fmt.Errorf("intern fingerprint: %w", err)
		}
	}

	if err := s.backend.PutFingerprint(ctx, storage.Fingerprint{
		SessionToken: entry.SessionToken,
		ReceivedAt:   entry.ReceivedAt,
		Document:     doc,
	}); err != nil {
		return Result{}, fmt.Errorf("persist fingerprint: %w", err)
	}

	return Result{Outcome: Stored, Category: cls.Category}, nil
}

// prepare runs the CPU-bound part under the worker bound. A non-nil Result
// ends the submission without storing anything.
func (s *Store) prepare(ctx context.Context, raw []byte) (document.Node, classify.Result, *Result, error) {
	if err := s.cpu.Acquire(ctx, 1); err != nil {
		return document.Node{}, classify.Result{}, nil, err
	}
	defer s.cpu.Release(1)

	doc, err := document.Parse(raw)
	if err != nil {
		return document.Node{}, classify.Result{}, &Result{Outcome: Malformed, Err: fmt.Errorf("%w: %v", ErrMalformedBody, err)}, nil
	}
	if doc.Kind() != document.Map {
		return document.Node{}, classify.Result{}, &Result{Outcome: Malformed, Err: fmt.Errorf("%w: top level is %s", ErrMalformedBody, doc.Kind())}, nil
	}

	if status, _ := doc.Get(HealthField); !document.Equal(status, document.StringNode(HealthPass)) {
		s.log.Debug("capture failed self check", zap.String("status", status.String()))
		return document.Node{}, classify.Result{}, &Result{Outcome: Unhealthy}, nil
	}

	cls, err := classify.Classify(doc)
	if err != nil {
		return document.Node{}, classify.Result{}, &Result{Outcome: Malformed, Err: fmt.Errorf("%w: %v", ErrMalformedBody, err)}, nil
	}
	if cls.VersionErr != nil {
		s.log.Warn("classification incomplete, storing without mainVersion", zap.Error(cls.VersionErr))
	}

	return classify.Enrich(doc.Without(document.InternalIDField), cls), cls, nil, nil
}
