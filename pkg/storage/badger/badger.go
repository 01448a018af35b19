package badger

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"go.uber.org/zap"

	"github.com/nicktill/fpcollect/pkg/document"
	"github.com/nicktill/fpcollect/pkg/storage"
)

// Key prefixes, one per keyspace
var (
	prefixEntry       = []byte("e/")
	prefixFingerprint = []byte("f/")
	prefixAdmission   = []byte("a/")
	prefixValue       = []byte("v/")
)

// maxTxnRetries bounds retries of insert-if-absent transactions that lost an
// optimistic conflict
const maxTxnRetries = 8

// Storage implements storage.Store using BadgerDB (LSM tree)
type Storage struct {
	db *badger.DB
}

var _ storage.Store = (*Storage)(nil)

// Config holds BadgerDB configuration
type Config struct {
	// Path to store database files
	Path string

	// InMemory mode (for testing)
	InMemory bool

	// MaxMemoryMB limits BadgerDB memory usage in MB (0 = use defaults based on environment)
	// Recommended: 64-128 MB for local dev, 256-512 MB for production
	MaxMemoryMB int64

	// Logger receives badger's internal log lines (nil = silent)
	Logger *zap.Logger
}

// zapLogger adapts zap to badger.Logger
type zapLogger struct {
	s *zap.SugaredLogger
}

func (l zapLogger) Errorf(f string, v ...interface{})   { l.s.Errorf(strings.TrimSpace(f), v...) }
func (l zapLogger) Warningf(f string, v ...interface{}) { l.s.Warnf(strings.TrimSpace(f), v...) }
func (l zapLogger) Infof(f string, v ...interface{})    { l.s.Debugf(strings.TrimSpace(f), v...) }
func (l zapLogger) Debugf(f string, v ...interface{})   { l.s.Debugf(strings.TrimSpace(f), v...) }

// New creates a BadgerDB storage backend
func New(cfg Config) (*Storage, error) {
	opts := badger.DefaultOptions(cfg.Path).WithLogger(nil)
	if cfg.Logger != nil {
		opts = opts.WithLogger(zapLogger{s: cfg.Logger.Named("badger").Sugar()})
	}

	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}

	// Laptop-friendly default: 16 MB memtable + caches, about 48 MB total
	memTableSize := int64(16 * 1024 * 1024)
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB * 1024 * 1024 / 3
	}

	// Block and index caches grow without bound unless capped
	blockCacheSize := memTableSize / 2
	indexCacheSize := memTableSize / 4

	// Documents are a few KB of JSON and never rewritten
	opts = opts.
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(3).
		WithBlockCacheSize(blockCacheSize).
		WithIndexCacheSize(indexCacheSize).
		WithMaxLevels(4).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024).
		WithNumCompactors(2). // badger refuses fewer than two
		WithValueLogMaxEntries(5000).
		WithValueLogFileSize(64 << 20) // 64 MB value log files instead of the 2 GB default

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	return &Storage{db: db}, nil
}

// run executes op unless ctx is already done. A started op always runs to
// completion, so the result the caller sees matches what was committed.
func (s *Storage) run(ctx context.Context, name string, op func() error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s operation cancelled: %w", name, err)
	}
	return op()
}

// insertIfAbsent writes value under key unless the key exists. Badger's
// optimistic transactions report a lost race as ErrConflict, after which the
// retry observes the winner's key.
//
// ctx is checked inside the transaction, so a cancelled caller never claims
// the key.
func (s *Storage) insertIfAbsent(ctx context.Context, key, value []byte) (storage.InsertResult, error) {
	for attempt := 0; attempt < maxTxnRetries; attempt++ {
		var res storage.InsertResult
		err := s.db.Update(func(txn *badger.Txn) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			_, err := txn.Get(key)
			if err == nil {
				res = storage.AlreadyExists
				return nil
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			res = storage.Inserted
			return txn.Set(key, value)
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		return res, err
	}
	return storage.AlreadyExists, fmt.Errorf("insert %q: %w", key, storage.ErrConflict)
}

func (s *Storage) get(key []byte) ([]byte, error) {
	var out []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return storage.ErrNotFound
		}
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	return out, err
}

// InsertEntry claims a session token
func (s *Storage) InsertEntry(ctx context.Context, e storage.Entry) (storage.InsertResult, error) {
	value, err := document.JSON().Marshal(entryRecord{Source: e.Source, ReceivedAt: e.ReceivedAt.UnixNano()})
	if err != nil {
		return storage.AlreadyExists, fmt.Errorf("failed to encode entry: %w", err)
	}

	var res storage.InsertResult
	err = s.run(ctx, "insert entry", func() error {
		var err error
		res, err = s.insertIfAbsent(ctx, makeKey(prefixEntry, e.SessionToken), value)
		return err
	})
	if err != nil {
		return storage.AlreadyExists, err
	}
	return res, nil
}

// PutFingerprint stores the document under a time-ordered key
func (s *Storage) PutFingerprint(ctx context.Context, fp storage.Fingerprint) error {
	value, err := document.JSON().Marshal(fingerprintRecord{
		SessionToken: fp.SessionToken,
		ReceivedAt:   fp.ReceivedAt.UnixNano(),
		Document:     fp.Document,
	})
	if err != nil {
		return fmt.Errorf("failed to encode fingerprint: %w", err)
	}

	return s.run(ctx, "put fingerprint", func() error {
		return s.db.Update(func(txn *badger.Txn) error {
			return txn.Set(fingerprintKey(fp.SessionToken, fp.ReceivedAt), value)
		})
	})
}

// ScanFingerprints walks the fingerprint keyspace in time order. fn runs
// inside a read transaction; it must not write to this store.
func (s *Storage) ScanFingerprints(ctx context.Context, filter document.Filter, fn func(storage.Fingerprint) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchSize = 100
		opts.Prefix = prefixFingerprint

		it := txn.NewIterator(opts)
		defer it.Close()

		var iterCount int
		for it.Seek(prefixFingerprint); it.ValidForPrefix(prefixFingerprint); it.Next() {
			iterCount++
			if iterCount%1000 == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}

			var rec fingerprintRecord
			if err := it.Item().Value(func(val []byte) error {
				return document.JSON().Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("failed to decode fingerprint %q: %w", it.Item().Key(), err)
			}

			if !filter.Match(rec.Document) {
				continue
			}
			if err := fn(rec.fingerprint()); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetAdmission reads the source's record
func (s *Storage) GetAdmission(ctx context.Context, source string) (storage.AdmissionRecord, error) {
	var raw []byte
	err := s.run(ctx, "get admission", func() error {
		var err error
		raw, err = s.get(makeKey(prefixAdmission, source))
		return err
	})
	if err != nil {
		return storage.AdmissionRecord{}, err
	}
	return decodeAdmission(source, raw)
}

// CreateAdmission inserts the record unless the source is known
func (s *Storage) CreateAdmission(ctx context.Context, rec storage.AdmissionRecord) (storage.InsertResult, error) {
	rec.Version = 1
	value, err := encodeAdmission(rec)
	if err != nil {
		return storage.AlreadyExists, err
	}

	var res storage.InsertResult
	err = s.run(ctx, "create admission", func() error {
		var err error
		res, err = s.insertIfAbsent(ctx, makeKey(prefixAdmission, rec.Source), value)
		return err
	})
	if err != nil {
		return storage.AlreadyExists, err
	}
	return res, nil
}

// UpdateAdmission swaps the record when the stored version still matches.
// A badger transaction conflict is the same lost race and maps to
// storage.ErrConflict.
func (s *Storage) UpdateAdmission(ctx context.Context, rec storage.AdmissionRecord) error {
	key := makeKey(prefixAdmission, rec.Source)
	expected := rec.Version
	rec.Version++
	value, err := encodeAdmission(rec)
	if err != nil {
		return err
	}

	return s.run(ctx, "update admission", func() error {
		err := s.db.Update(func(txn *badger.Txn) error {
			item, err := txn.Get(key)
			if errors.Is(err, badger.ErrKeyNotFound) {
				return storage.ErrConflict
			}
			if err != nil {
				return err
			}

			var cur admissionRecord
			if err := item.Value(func(val []byte) error {
				return document.JSON().Unmarshal(val, &cur)
			}); err != nil {
				return fmt.Errorf("failed to decode admission record: %w", err)
			}
			if cur.Version != expected {
				return storage.ErrConflict
			}
			return txn.Set(key, value)
		})
		if errors.Is(err, badger.ErrConflict) {
			return storage.ErrConflict
		}
		return err
	})
}

// InsertValue stores a value unless its hash is known
func (s *Storage) InsertValue(ctx context.Context, rec storage.ValueRecord) (storage.InsertResult, error) {
	var res storage.InsertResult
	err := s.run(ctx, "insert value", func() error {
		var err error
		res, err = s.insertIfAbsent(ctx, makeKey(prefixValue, rec.ContentHash), rec.Serialized)
		return err
	})
	if err != nil {
		return storage.AlreadyExists, err
	}
	return res, nil
}

// GetValue looks a value up by hash
func (s *Storage) GetValue(ctx context.Context, contentHash string) (storage.ValueRecord, error) {
	var raw []byte
	err := s.run(ctx, "get value", func() error {
		var err error
		raw, err = s.get(makeKey(prefixValue, contentHash))
		return err
	})
	if err != nil {
		return storage.ValueRecord{}, err
	}
	return storage.ValueRecord{ContentHash: contentHash, Serialized: raw}, nil
}

// Close shuts down BadgerDB cleanly
func (s *Storage) Close() error {
	return s.db.Close()
}

// RunGC runs BadgerDB's value log garbage collection
// This reclaims disk space from deleted/updated values
// discardRatio: run GC if this fraction of file can be discarded (0.5 = 50%)
// Returns error only if GC failed, nil if GC not needed or succeeded
func (s *Storage) RunGC(discardRatio float64) error {
	return s.db.RunValueLogGC(discardRatio)
}

// Stats counts keys per keyspace without reading values
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	stats := &storage.Stats{}

	err := s.run(ctx, "stats", func() error {
		return s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false

			it := txn.NewIterator(opts)
			defer it.Close()

			var iterCount int
			for it.Rewind(); it.Valid(); it.Next() {
				iterCount++
				if iterCount%1000 == 0 {
					if err := ctx.Err(); err != nil {
						return err
					}
				}

				key := it.Item().Key()
				switch {
				case bytes.HasPrefix(key, prefixEntry):
					stats.Entries++
				case bytes.HasPrefix(key, prefixFingerprint):
					stats.Fingerprints++
					if ts, ok := fingerprintTime(key); ok {
						stats.Observe(ts)
					}
				case bytes.HasPrefix(key, prefixAdmission):
					stats.Sources++
				case bytes.HasPrefix(key, prefixValue):
					stats.Values++
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	lsmSize, vlogSize := s.db.Size()
	stats.SizeBytes = uint64(lsmSize + vlogSize)
	return stats, nil
}

func makeKey(prefix []byte, id string) []byte {
	key := make([]byte, 0, len(prefix)+len(id))
	key = append(key, prefix...)
	return append(key, id...)
}

// fingerprintKey sorts by time first.
// Format: f/[timestamp (8 bytes)][token hash (8 bytes)][token]
func fingerprintKey(token string, ts time.Time) []byte {
	key := make([]byte, len(prefixFingerprint)+16, len(prefixFingerprint)+16+len(token))
	copy(key, prefixFingerprint)
	binary.BigEndian.PutUint64(key[len(prefixFingerprint):], uint64(ts.UnixNano()))
	binary.BigEndian.PutUint64(key[len(prefixFingerprint)+8:], xxhash.Sum64String(token))
	return append(key, token...)
}

func fingerprintTime(key []byte) (time.Time, bool) {
	if len(key) < len(prefixFingerprint)+16 {
		return time.Time{}, false
	}
	nanos := binary.BigEndian.Uint64(key[len(prefixFingerprint):])
	return time.Unix(0, int64(nanos)), true
}

type entryRecord struct {
	Source     string `json:"source"`
	ReceivedAt int64  `json:"received_at"`
}

type fingerprintRecord struct {
	SessionToken string        `json:"session_token"`
	ReceivedAt   int64         `json:"received_at"`
	Document     document.Node `json:"document"`
}

func (r fingerprintRecord) fingerprint() storage.Fingerprint {
	return storage.Fingerprint{
		SessionToken: r.SessionToken,
		ReceivedAt:   time.Unix(0, r.ReceivedAt),
		Document:     r.Document,
	}
}

type admissionRecord struct {
	Timestamps []int64 `json:"timestamps"`
	Flag       int     `json:"flag"`
	Version    uint64  `json:"version"`
}

func encodeAdmission(rec storage.AdmissionRecord) ([]byte, error) {
	ts := make([]int64, len(rec.Timestamps))
	for i, t := range rec.Timestamps {
		ts[i] = t.UnixNano()
	}
	out, err := document.JSON().Marshal(admissionRecord{Timestamps: ts, Flag: rec.FlagCount, Version: rec.Version})
	if err != nil {
		return nil, fmt.Errorf("failed to encode admission record: %w", err)
	}
	return out, nil
}

func decodeAdmission(source string, raw []byte) (storage.AdmissionRecord, error) {
	var r admissionRecord
	if err := document.JSON().Unmarshal(raw, &r); err != nil {
		return storage.AdmissionRecord{}, fmt.Errorf("failed to decode admission record: %w", err)
	}
	rec := storage.AdmissionRecord{
		Source:     source,
		Timestamps: make([]time.Time, len(r.Timestamps)),
		FlagCount:  r.Flag,
		Version:    r.Version,
	}
	for i, n := range r.Timestamps {
		rec.Timestamps[i] = time.Unix(0, n)
	}
	return rec, nil
}
