// Package postgres implements storage.Store on PostgreSQL through pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/nicktill/fpcollect/pkg/document"
	"github.com/nicktill/fpcollect/pkg/storage"
)

// scanPageSize is how many fingerprints one keyset page reads
const scanPageSize = 500

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Schema is applied by Migrate. Every statement is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS entries (
	session_token TEXT PRIMARY KEY,
	source TEXT NOT NULL,
	received_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_entries_source ON entries (source);

CREATE TABLE IF NOT EXISTS fingerprints (
	seq BIGSERIAL PRIMARY KEY,
	session_token TEXT NOT NULL,
	received_at BIGINT NOT NULL,
	body TEXT NOT NULL,
	attrs JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fingerprints_attrs ON fingerprints USING GIN (attrs jsonb_path_ops);

CREATE TABLE IF NOT EXISTS admission (
	source TEXT PRIMARY KEY,
	timestamps BIGINT[] NOT NULL,
	flag_count INTEGER NOT NULL,
	version BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS value_records (
	content_hash TEXT PRIMARY KEY,
	serialized BYTEA NOT NULL
);
`

// Store provides a PostgreSQL implementation of storage.Store.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

var _ storage.Store = (*Store)(nil)

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{
		pool: pool,
		log:  logger.Named("postgres"),
	}, nil
}

// Open connects a pool to dsn, verifies it, and applies the schema
func Open(ctx context.Context, dsn string, logger *zap.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	s, err := New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate applies Schema
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	s.log.Debug("schema applied")
	return nil
}

func insertResult(tag pgconn.CommandTag) storage.InsertResult {
	if tag.RowsAffected() == 0 {
		return storage.AlreadyExists
	}
	return storage.Inserted
}

// InsertEntry claims a session token
func (s *Store) InsertEntry(ctx context.Context, e storage.Entry) (storage.InsertResult, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO entries (session_token, source, received_at) VALUES ($1, $2, $3)
		 ON CONFLICT (session_token) DO NOTHING`,
		e.SessionToken, e.Source, e.ReceivedAt.UnixNano())
	if err != nil {
		return storage.AlreadyExists, fmt.Errorf("failed to insert entry: %w", err)
	}
	return insertResult(tag), nil
}

// PutFingerprint stores the canonical text and a jsonb copy for prefiltering
func (s *Store) PutFingerprint(ctx context.Context, fp storage.Fingerprint) error {
	body := string(document.Canonical(fp.Document))
	_, err := s.pool.Exec(ctx,
		`INSERT INTO fingerprints (session_token, received_at, body, attrs) VALUES ($1, $2, $3, $4::jsonb)`,
		fp.SessionToken, fp.ReceivedAt.UnixNano(), body, body)
	if err != nil {
		return fmt.Errorf("failed to insert fingerprint: %w", err)
	}
	return nil
}

// containment builds the jsonb @> operand from the filter's plain, non-null
// constraints. jsonb containment is looser than canonical equality (1 and
// 1.0 compare equal, objects and arrays match by subset), so rows it lets
// through are checked again with Filter.Match.
func containment(filter document.Filter) string {
	fields := make(map[string]document.Node)
	for k, v := range filter.PlainFields() {
		if !v.IsNull() {
			fields[k] = v
		}
	}
	return string(document.Canonical(document.MapNode(fields)))
}

type row struct {
	seq  int64
	fp   storage.Fingerprint
	body string
}

// ScanFingerprints reads keyset pages prefiltered by jsonb containment
func (s *Store) ScanFingerprints(ctx context.Context, filter document.Filter, fn func(storage.Fingerprint) error) error {
	pre := containment(filter)

	var after int64
	for {
		page, err := s.page(ctx, pre, after)
		if err != nil {
			return err
		}
		for _, r := range page {
			doc, err := document.Parse([]byte(r.body))
			if err != nil {
				return fmt.Errorf("failed to decode fingerprint %d: %w", r.seq, err)
			}
			if !filter.Match(doc) {
				continue
			}
			r.fp.Document = doc
			if err := fn(r.fp); err != nil {
				return err
			}
		}
		if len(page) < scanPageSize {
			return nil
		}
		after = page[len(page)-1].seq
	}
}

func (s *Store) page(ctx context.Context, containment string, after int64) ([]row, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT seq, session_token, received_at, body FROM fingerprints
		 WHERE attrs @> $1::jsonb AND seq > $2 ORDER BY seq LIMIT $3`,
		containment, after, scanPageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to scan fingerprints: %w", err)
	}
	defer rows.Close()

	page := make([]row, 0, scanPageSize)
	for rows.Next() {
		var (
			r  row
			ts int64
		)
		if err := rows.Scan(&r.seq, &r.fp.SessionToken, &ts, &r.body); err != nil {
			return nil, fmt.Errorf("failed to read fingerprint row: %w", err)
		}
		r.fp.ReceivedAt = time.Unix(0, ts)
		page = append(page, r)
	}
	return page, rows.Err()
}

// GetAdmission reads the source's record
func (s *Store) GetAdmission(ctx context.Context, source string) (storage.AdmissionRecord, error) {
	var (
		nanos   []int64
		flag    int32
		version int64
	)
	err := s.pool.QueryRow(ctx,
		`SELECT timestamps, flag_count, version FROM admission WHERE source = $1`, source).
		Scan(&nanos, &flag, &version)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.AdmissionRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.AdmissionRecord{}, fmt.Errorf("failed to get admission: %w", err)
	}

	rec := storage.AdmissionRecord{
		Source:     source,
		Timestamps: make([]time.Time, len(nanos)),
		FlagCount:  int(flag),
		Version:    uint64(version),
	}
	for i, n := range nanos {
		rec.Timestamps[i] = time.Unix(0, n)
	}
	return rec, nil
}

func nanos(ts []time.Time) []int64 {
	out := make([]int64, len(ts))
	for i, t := range ts {
		out[i] = t.UnixNano()
	}
	return out
}

// CreateAdmission inserts the record unless the source is known
func (s *Store) CreateAdmission(ctx context.Context, rec storage.AdmissionRecord) (storage.InsertResult, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO admission (source, timestamps, flag_count, version) VALUES ($1, $2, $3, 1)
		 ON CONFLICT (source) DO NOTHING`,
		rec.Source, nanos(rec.Timestamps), int32(rec.FlagCount))
	if err != nil {
		return storage.AlreadyExists, fmt.Errorf("failed to create admission: %w", err)
	}
	return insertResult(tag), nil
}

// UpdateAdmission swaps the record when the stored version still matches
func (s *Store) UpdateAdmission(ctx context.Context, rec storage.AdmissionRecord) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE admission SET timestamps = $1, flag_count = $2, version = version + 1
		 WHERE source = $3 AND version = $4`,
		nanos(rec.Timestamps), int32(rec.FlagCount), rec.Source, int64(rec.Version))
	if err != nil {
		return fmt.Errorf("failed to update admission: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrConflict
	}
	return nil
}

// InsertValue stores a value unless its hash is known
func (s *Store) InsertValue(ctx context.Context, rec storage.ValueRecord) (storage.InsertResult, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO value_records (content_hash, serialized) VALUES ($1, $2)
		 ON CONFLICT (content_hash) DO NOTHING`,
		rec.ContentHash, rec.Serialized)
	if err != nil {
		return storage.AlreadyExists, fmt.Errorf("failed to insert value: %w", err)
	}
	return insertResult(tag), nil
}

// GetValue looks a value up by hash
func (s *Store) GetValue(ctx context.Context, contentHash string) (storage.ValueRecord, error) {
	rec := storage.ValueRecord{ContentHash: contentHash}
	err := s.pool.QueryRow(ctx,
		`SELECT serialized FROM value_records WHERE content_hash = $1`, contentHash).
		Scan(&rec.Serialized)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.ValueRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.ValueRecord{}, fmt.Errorf("failed to get value: %w", err)
	}
	return rec, nil
}

// Stats reads all counters in one round trip
func (s *Store) Stats(ctx context.Context) (*storage.Stats, error) {
	var (
		entries, fingerprints, sources, values, size int64
		oldest, newest                               *int64
	)
	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM entries),
			(SELECT COUNT(*) FROM fingerprints),
			(SELECT COUNT(*) FROM admission),
			(SELECT COUNT(*) FROM value_records),
			(SELECT MIN(received_at) FROM fingerprints),
			(SELECT MAX(received_at) FROM fingerprints),
			pg_database_size(current_database())`).
		Scan(&entries, &fingerprints, &sources, &values, &oldest, &newest, &size)
	if err != nil {
		return nil, fmt.Errorf("failed to read stats: %w", err)
	}

	stats := &storage.Stats{
		Entries:      uint64(entries),
		Fingerprints: uint64(fingerprints),
		Sources:      uint64(sources),
		Values:       uint64(values),
		SizeBytes:    uint64(size),
	}
	if oldest != nil && newest != nil {
		stats.OldestFingerprint = time.Unix(0, *oldest)
		stats.NewestFingerprint = time.Unix(0, *newest)
	}
	return stats, nil
}

// Close releases the pool
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
