// Package aggregate compiles per-path value frequency tables over the stored
// fingerprints matching a filter.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nicktill/fpcollect/pkg/document"
	"github.com/nicktill/fpcollect/pkg/flatten"
	"github.com/nicktill/fpcollect/pkg/storage"
	"github.com/nicktill/fpcollect/pkg/values"
)

// Config tunes an Engine
type Config struct {
	// Workers flattening documents in parallel (0 = GOMAXPROCS)
	Workers int

	// Flatten options applied to every document
	Flatten flatten.Options

	// Values must be set when fingerprints are stored in the interned layout
	Values *values.Store
}

// Report summarizes one Compile
type Report struct {
	Matched  int64 // documents the filter selected
	Skipped  int64 // documents dropped for unresolvable value ids
	Duration time.Duration
}

// Engine runs compile queries against a storage.Store
type Engine struct {
	backend storage.Store
	cfg     Config
	log     *zap.Logger
}

// New creates an Engine
func New(backend storage.Store, cfg Config, logger *zap.Logger) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.GOMAXPROCS(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{backend: backend, cfg: cfg, log: logger.Named("aggregate")}
}

// Compile scans the fingerprints matching filterNode and counts every
// (path, value) pair. A null or empty filter selects everything; the
// internal id field is never a constraint.
//
// One goroutine scans; Workers goroutines flatten into private tables which
// are merged once the scan ends. Counting is commutative, so the result does
// not depend on scan order or scheduling.
func (e *Engine) Compile(ctx context.Context, filterNode document.Node) (Table, Report, error) {
	start := time.Now()

	filter, err := document.NewFilter(filterNode)
	if err != nil {
		return nil, Report{}, err
	}
	if e.cfg.Values != nil {
		filter, err = filter.Map(internedForm)
		if err != nil {
			return nil, Report{}, err
		}
	}

	var matched, skipped atomic.Int64
	docs := make(chan storage.Fingerprint, e.cfg.Workers*2)
	partials := make([]Table, e.cfg.Workers)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(docs)
		return e.backend.ScanFingerprints(gctx, filter, func(fp storage.Fingerprint) error {
			matched.Add(1)
			select {
			case docs <- fp:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		})
	})

	for i := 0; i < e.cfg.Workers; i++ {
		partial := make(Table)
		partials[i] = partial
		g.Go(func() error {
			for fp := range docs {
				doc, err := e.materialize(gctx, fp)
				if errors.Is(err, values.ErrIndexCorruption) {
					skipped.Add(1)
					e.log.Error("skipping fingerprint with unresolvable value",
						zap.String("session", fp.SessionToken),
						zap.Error(err))
					continue
				}
				if err != nil {
					return err
				}
				for pair := range flatten.Flatten(doc, e.cfg.Flatten) {
					partial.Add(pair)
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, Report{}, fmt.Errorf("compile: %w", err)
	}

	table := make(Table)
	for _, p := range partials {
		table.Merge(p)
	}

	report := Report{
		Matched:  matched.Load(),
		Skipped:  skipped.Load(),
		Duration: time.Since(start),
	}
	e.log.Debug("compiled",
		zap.Stringer("filter", filter.Node()),
		zap.Int64("matched", report.Matched),
		zap.Int64("skipped", report.Skipped),
		zap.Int("paths", len(table)),
		zap.Duration("took", report.Duration))
	return table, report, nil
}

// materialize strips the storage id and resolves interned leaves
func (e *Engine) materialize(ctx context.Context, fp storage.Fingerprint) (document.Node, error) {
	doc := fp.Document.Without(document.InternalIDField)
	if e.cfg.Values == nil {
		return doc, nil
	}
	return e.cfg.Values.ResolveTree(ctx, doc)
}

// internedForm maps a wanted filter value to the id stored in its place.
// Only hashing is needed; a value never interned simply matches nothing.
func internedForm(n document.Node) (document.Node, error) {
	switch n.Kind() {
	case document.Null:
		return n, nil
	case document.Map:
		fields := make(map[string]document.Node, n.Len())
		for _, k := range n.Keys() {
			child, _ := n.Get(k)
			out, err := internedForm(child)
			if err != nil {
				return document.Node{}, err
			}
			fields[k] = out
		}
		return document.MapNode(fields), nil
	default:
		return document.StringNode(string(values.HashOf(n))), nil
	}
}
