// Package sqlite implements storage.Store on a single SQLite file through
// modernc.org/sqlite (pure Go, no cgo).
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/nicktill/fpcollect/pkg/document"
	"github.com/nicktill/fpcollect/pkg/storage"
)

// scanPageSize is how many fingerprints one keyset page reads
const scanPageSize = 500

const schema = `
CREATE TABLE IF NOT EXISTS entries (
	session_token TEXT PRIMARY KEY,
	source TEXT NOT NULL,
	received_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_entries_source ON entries(source);

CREATE TABLE IF NOT EXISTS fingerprints (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	session_token TEXT NOT NULL,
	received_at INTEGER NOT NULL,
	category TEXT,
	body TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fingerprints_category ON fingerprints(category, seq);

CREATE TABLE IF NOT EXISTS admission (
	source TEXT PRIMARY KEY,
	timestamps TEXT NOT NULL,
	flag_count INTEGER NOT NULL,
	version INTEGER NOT NULL
) WITHOUT ROWID;

CREATE TABLE IF NOT EXISTS value_records (
	content_hash TEXT PRIMARY KEY,
	serialized BLOB NOT NULL
) WITHOUT ROWID;
`

// Storage implements storage.Store on SQLite
type Storage struct {
	db  *sql.DB
	log *zap.Logger
}

var _ storage.Store = (*Storage)(nil)

// Open creates or opens the database at path and applies the schema
func Open(ctx context.Context, path string, logger *zap.Logger) (*Storage, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One writer at a time; uniqueness races are settled by the constraints.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	s := &Storage{db: db, log: logger.Named("sqlite")}
	s.log.Debug("opened sqlite store", zap.String("path", path))
	return s, nil
}

func insertResult(res sql.Result) (storage.InsertResult, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return storage.AlreadyExists, err
	}
	if n == 0 {
		return storage.AlreadyExists, nil
	}
	return storage.Inserted, nil
}

// InsertEntry claims a session token
func (s *Storage) InsertEntry(ctx context.Context, e storage.Entry) (storage.InsertResult, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO entries (session_token, source, received_at) VALUES (?, ?, ?)
		 ON CONFLICT(session_token) DO NOTHING`,
		e.SessionToken, e.Source, e.ReceivedAt.UnixNano())
	if err != nil {
		return storage.AlreadyExists, fmt.Errorf("insert entry: %w", err)
	}
	return insertResult(res)
}

// PutFingerprint stores the canonical document with its category
func (s *Storage) PutFingerprint(ctx context.Context, fp storage.Fingerprint) error {
	var category any
	if c := fp.Category(); c != "" {
		category = c
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO fingerprints (session_token, received_at, category, body) VALUES (?, ?, ?, ?)`,
		fp.SessionToken, fp.ReceivedAt.UnixNano(), category, string(document.Canonical(fp.Document)))
	if err != nil {
		return fmt.Errorf("insert fingerprint: %w", err)
	}
	return nil
}

type row struct {
	seq  int64
	fp   storage.Fingerprint
	body string
}

// ScanFingerprints reads keyset pages and closes each page's rows before
// calling fn, so fn may use the store again.
func (s *Storage) ScanFingerprints(ctx context.Context, filter document.Filter, fn func(storage.Fingerprint) error) error {
	category, byCategory := "", false
	if want, ok := filter.Plain("category"); ok {
		if c, isStr := want.Str(); isStr {
			category, byCategory = c, true
		}
	}

	var after int64
	for {
		page, err := s.page(ctx, after, category, byCategory)
		if err != nil {
			return err
		}
		for _, r := range page {
			doc, err := document.Parse([]byte(r.body))
			if err != nil {
				return fmt.Errorf("decode fingerprint %d: %w", r.seq, err)
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

func (s *Storage) page(ctx context.Context, after int64, category string, byCategory bool) ([]row, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if byCategory {
		rows, err = s.db.QueryContext(ctx,
			`SELECT seq, session_token, received_at, body FROM fingerprints
			 WHERE category = ? AND seq > ? ORDER BY seq LIMIT ?`,
			category, after, scanPageSize)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT seq, session_token, received_at, body FROM fingerprints
			 WHERE seq > ? ORDER BY seq LIMIT ?`,
			after, scanPageSize)
	}
	if err != nil {
		return nil, fmt.Errorf("scan fingerprints: %w", err)
	}
	defer rows.Close()

	page := make([]row, 0, scanPageSize)
	for rows.Next() {
		var (
			r  row
			ts int64
		)
		if err := rows.Scan(&r.seq, &r.fp.SessionToken, &ts, &r.body); err != nil {
			return nil, fmt.Errorf("scan fingerprint row: %w", err)
		}
		r.fp.ReceivedAt = time.Unix(0, ts)
		page = append(page, r)
	}
	return page, rows.Err()
}

// GetAdmission reads the source's record
func (s *Storage) GetAdmission(ctx context.Context, source string) (storage.AdmissionRecord, error) {
	var (
		raw string
		rec = storage.AdmissionRecord{Source: source}
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT timestamps, flag_count, version FROM admission WHERE source = ?`, source).
		Scan(&raw, &rec.FlagCount, &rec.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.AdmissionRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.AdmissionRecord{}, fmt.Errorf("get admission: %w", err)
	}

	var nanos []int64
	if err := document.JSON().UnmarshalFromString(raw, &nanos); err != nil {
		return storage.AdmissionRecord{}, fmt.Errorf("decode admission timestamps: %w", err)
	}
	rec.Timestamps = make([]time.Time, len(nanos))
	for i, n := range nanos {
		rec.Timestamps[i] = time.Unix(0, n)
	}
	return rec, nil
}

func encodeTimestamps(ts []time.Time) (string, error) {
	nanos := make([]int64, len(ts))
	for i, t := range ts {
		nanos[i] = t.UnixNano()
	}
	return document.JSON().MarshalToString(nanos)
}

// CreateAdmission inserts the record unless the source is known
func (s *Storage) CreateAdmission(ctx context.Context, rec storage.AdmissionRecord) (storage.InsertResult, error) {
	ts, err := encodeTimestamps(rec.Timestamps)
	if err != nil {
		return storage.AlreadyExists, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO admission (source, timestamps, flag_count, version) VALUES (?, ?, ?, 1)
		 ON CONFLICT(source) DO NOTHING`,
		rec.Source, ts, rec.FlagCount)
	if err != nil {
		return storage.AlreadyExists, fmt.Errorf("create admission: %w", err)
	}
	return insertResult(res)
}

// UpdateAdmission swaps the record when the stored version still matches
func (s *Storage) UpdateAdmission(ctx context.Context, rec storage.AdmissionRecord) error {
	ts, err := encodeTimestamps(rec.Timestamps)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE admission SET timestamps = ?, flag_count = ?, version = version + 1
		 WHERE source = ? AND version = ?`,
		ts, rec.FlagCount, rec.Source, rec.Version)
	if err != nil {
		return fmt.Errorf("update admission: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrConflict
	}
	return nil
}

// InsertValue stores a value unless its hash is known
func (s *Storage) InsertValue(ctx context.Context, rec storage.ValueRecord) (storage.InsertResult, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO value_records (content_hash, serialized) VALUES (?, ?)
		 ON CONFLICT(content_hash) DO NOTHING`,
		rec.ContentHash, rec.Serialized)
	if err != nil {
		return storage.AlreadyExists, fmt.Errorf("insert value: %w", err)
	}
	return insertResult(res)
}

// GetValue looks a value up by hash
func (s *Storage) GetValue(ctx context.Context, contentHash string) (storage.ValueRecord, error) {
	rec := storage.ValueRecord{ContentHash: contentHash}
	err := s.db.QueryRowContext(ctx,
		`SELECT serialized FROM value_records WHERE content_hash = ?`, contentHash).
		Scan(&rec.Serialized)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ValueRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.ValueRecord{}, fmt.Errorf("get value: %w", err)
	}
	return rec, nil
}

// Stats counts rows per table and reads the file size from the page count
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	stats := &storage.Stats{}

	counts := []struct {
		table string
		dst   *uint64
	}{
		{"entries", &stats.Entries},
		{"fingerprints", &stats.Fingerprints},
		{"admission", &stats.Sources},
		{"value_records", &stats.Values},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+c.table).Scan(c.dst); err != nil {
			return nil, fmt.Errorf("count %s: %w", c.table, err)
		}
	}

	var oldest, newest sql.NullInt64
	if err := s.db.QueryRowContext(ctx,
		`SELECT MIN(received_at), MAX(received_at) FROM fingerprints`).Scan(&oldest, &newest); err != nil {
		return nil, fmt.Errorf("fingerprint time range: %w", err)
	}
	if oldest.Valid {
		stats.OldestFingerprint = time.Unix(0, oldest.Int64)
		stats.NewestFingerprint = time.Unix(0, newest.Int64)
	}

	var pages, pageSize int64
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pages); err != nil {
		return nil, err
	}
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize); err != nil {
		return nil, err
	}
	stats.SizeBytes = uint64(pages * pageSize)

	return stats, nil
}

// Close closes the database handle
func (s *Storage) Close() error {
	return s.db.Close()
}
