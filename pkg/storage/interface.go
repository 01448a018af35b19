package storage

import (
	"context"
	"errors"
	"time"

	"github.com/nicktill/fpcollect/pkg/document"
)

var (
	// ErrNotFound is returned by point lookups for absent keys
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a compare-and-swap loses to a concurrent
	// writer. Callers re-read and retry; it never reaches end users.
	ErrConflict = errors.New("storage conflict")
)

// InsertResult is the outcome of an insert-if-absent write
type InsertResult int

const (
	Inserted InsertResult = iota
	AlreadyExists
)

func (r InsertResult) String() string {
	if r == Inserted {
		return "inserted"
	}
	return "already_exists"
}

// Store defines the interface for fingerprint storage backends.
// Implementations: memory (testing), badger (default), sqlite, postgres.
//
// Every write that races is either an insert-if-absent keyed by a unique
// field, or a compare-and-swap on a version counter. Backends never hold a
// lock across documents.
type Store interface {
	// InsertEntry claims a session token. The first caller gets Inserted;
	// every later caller gets AlreadyExists.
	InsertEntry(ctx context.Context, e Entry) (InsertResult, error)

	// PutFingerprint persists a classified document
	PutFingerprint(ctx context.Context, fp Fingerprint) error

	// ScanFingerprints calls fn for every stored fingerprint matching filter.
	// Iteration stops at the first error returned by fn.
	ScanFingerprints(ctx context.Context, filter document.Filter, fn func(Fingerprint) error) error

	// GetAdmission returns ErrNotFound for never-seen sources
	GetAdmission(ctx context.Context, source string) (AdmissionRecord, error)

	// CreateAdmission inserts rec unless a record for rec.Source exists.
	// The stored record starts at Version 1.
	CreateAdmission(ctx context.Context, rec AdmissionRecord) (InsertResult, error)

	// UpdateAdmission replaces the record if the stored version equals
	// rec.Version, and bumps the stored version. Otherwise ErrConflict.
	UpdateAdmission(ctx context.Context, rec AdmissionRecord) error

	// InsertValue inserts rec unless its content hash exists
	InsertValue(ctx context.Context, rec ValueRecord) (InsertResult, error)

	// GetValue returns ErrNotFound for unknown hashes
	GetValue(ctx context.Context, contentHash string) (ValueRecord, error)

	// Stats returns storage statistics
	Stats(ctx context.Context) (*Stats, error)

	// Close cleanly shuts down the storage
	Close() error
}

// Entry is one accepted submission, unique by session token
type Entry struct {
	SessionToken string
	Source       string
	ReceivedAt   time.Time
}

// Fingerprint is a stored, classified document owned by its entry
type Fingerprint struct {
	SessionToken string
	ReceivedAt   time.Time
	Document     document.Node
}

// Category returns the stored category label, or "" when absent
func (f Fingerprint) Category() string {
	n, ok := f.Document.Get("category")
	if !ok {
		return ""
	}
	s, _ := n.Str()
	return s
}

// AdmissionRecord is the per-source rate limit state
type AdmissionRecord struct {
	Source     string
	Timestamps []time.Time
	FlagCount  int
	Version    uint64
}

// ValueRecord is one interned value, keyed by the hash of its canonical form
type ValueRecord struct {
	ContentHash string
	Serialized  []byte
}

// Stats provides storage health and usage info
type Stats struct {
	Entries      uint64
	Fingerprints uint64
	Sources      uint64
	Values       uint64

	// Storage size in bytes (0 when the backend cannot tell)
	SizeBytes uint64

	OldestFingerprint time.Time
	NewestFingerprint time.Time
}

// Observe folds one fingerprint's timestamp into the oldest/newest bounds
func (s *Stats) Observe(t time.Time) {
	if s.OldestFingerprint.IsZero() || t.Before(s.OldestFingerprint) {
		s.OldestFingerprint = t
	}
	if t.After(s.NewestFingerprint) {
		s.NewestFingerprint = t
	}
}
