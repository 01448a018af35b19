package memory

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/cespare/xxhash/v2"

	"github.com/nicktill/fpcollect/pkg/document"
	"github.com/nicktill/fpcollect/pkg/storage"
)

// stripes is the number of independently locked shards per keyspace
const stripes = 64

// Storage keeps everything in memory. Data is lost on restart.
// Useful for testing and development.
type Storage struct {
	entries   [stripes]entryShard
	admission [stripes]admissionShard
	values    [stripes]valueShard

	mu           sync.RWMutex
	fingerprints []storage.Fingerprint
	byCategory   map[string]*roaring.Bitmap // canonical category value -> ordinals
}

type entryShard struct {
	mu sync.Mutex
	m  map[string]storage.Entry
}

type admissionShard struct {
	mu sync.Mutex
	m  map[string]storage.AdmissionRecord
}

type valueShard struct {
	mu sync.RWMutex
	m  map[string][]byte
}

var _ storage.Store = (*Storage)(nil)

// New creates an in-memory storage backend
func New() *Storage {
	s := &Storage{
		fingerprints: make([]storage.Fingerprint, 0, 1024),
		byCategory:   make(map[string]*roaring.Bitmap),
	}
	for i := range s.entries {
		s.entries[i].m = make(map[string]storage.Entry)
		s.admission[i].m = make(map[string]storage.AdmissionRecord)
		s.values[i].m = make(map[string][]byte)
	}
	return s
}

func stripe(key string) uint64 {
	return xxhash.Sum64String(key) % stripes
}

// InsertEntry claims a session token
func (s *Storage) InsertEntry(ctx context.Context, e storage.Entry) (storage.InsertResult, error) {
	sh := &s.entries[stripe(e.SessionToken)]
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, ok := sh.m[e.SessionToken]; ok {
		return storage.AlreadyExists, nil
	}
	sh.m[e.SessionToken] = e
	return storage.Inserted, nil
}

// PutFingerprint appends a classified document and indexes its category
func (s *Storage) PutFingerprint(ctx context.Context, fp storage.Fingerprint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ordinal := uint32(len(s.fingerprints))
	s.fingerprints = append(s.fingerprints, fp)

	if cat, ok := fp.Document.Get("category"); ok {
		key := cat.String()
		bm, ok := s.byCategory[key]
		if !ok {
			bm = roaring.New()
			s.byCategory[key] = bm
		}
		bm.Add(ordinal)
	}
	return nil
}

// ScanFingerprints matches outside the lock on a snapshot of the candidates
func (s *Storage) ScanFingerprints(ctx context.Context, filter document.Filter, fn func(storage.Fingerprint) error) error {
	candidates := s.candidates(filter)

	for i, fp := range candidates {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if !filter.Match(fp.Document) {
			continue
		}
		if err := fn(fp); err != nil {
			return err
		}
	}
	return nil
}

// candidates narrows by the category posting list when the filter pins one
func (s *Storage) candidates(filter document.Filter) []storage.Fingerprint {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want, ok := filter.Plain("category")
	if !ok || want.IsNull() {
		out := make([]storage.Fingerprint, len(s.fingerprints))
		copy(out, s.fingerprints)
		return out
	}

	bm, ok := s.byCategory[want.String()]
	if !ok {
		return nil
	}
	out := make([]storage.Fingerprint, 0, bm.GetCardinality())
	it := bm.Iterator()
	for it.HasNext() {
		out = append(out, s.fingerprints[it.Next()])
	}
	return out
}

// GetAdmission returns a copy of the source's record
func (s *Storage) GetAdmission(ctx context.Context, source string) (storage.AdmissionRecord, error) {
	sh := &s.admission[stripe(source)]
	sh.mu.Lock()
	defer sh.mu.Unlock()

	rec, ok := sh.m[source]
	if !ok {
		return storage.AdmissionRecord{}, storage.ErrNotFound
	}
	return cloneAdmission(rec), nil
}

// CreateAdmission inserts the record unless the source is known
func (s *Storage) CreateAdmission(ctx context.Context, rec storage.AdmissionRecord) (storage.InsertResult, error) {
	sh := &s.admission[stripe(rec.Source)]
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, ok := sh.m[rec.Source]; ok {
		return storage.AlreadyExists, nil
	}
	rec = cloneAdmission(rec)
	rec.Version = 1
	sh.m[rec.Source] = rec
	return storage.Inserted, nil
}

// UpdateAdmission swaps the record when the version still matches
func (s *Storage) UpdateAdmission(ctx context.Context, rec storage.AdmissionRecord) error {
	sh := &s.admission[stripe(rec.Source)]
	sh.mu.Lock()
	defer sh.mu.Unlock()

	cur, ok := sh.m[rec.Source]
	if !ok || cur.Version != rec.Version {
		return storage.ErrConflict
	}
	rec = cloneAdmission(rec)
	rec.Version++
	sh.m[rec.Source] = rec
	return nil
}

func cloneAdmission(rec storage.AdmissionRecord) storage.AdmissionRecord {
	rec.Timestamps = append([]time.Time(nil), rec.Timestamps...)
	return rec
}

// InsertValue stores a value unless its hash is known
func (s *Storage) InsertValue(ctx context.Context, rec storage.ValueRecord) (storage.InsertResult, error) {
	sh := &s.values[stripe(rec.ContentHash)]
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, ok := sh.m[rec.ContentHash]; ok {
		return storage.AlreadyExists, nil
	}
	sh.m[rec.ContentHash] = bytes.Clone(rec.Serialized)
	return storage.Inserted, nil
}

// GetValue looks a value up by hash
func (s *Storage) GetValue(ctx context.Context, contentHash string) (storage.ValueRecord, error) {
	sh := &s.values[stripe(contentHash)]
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	v, ok := sh.m[contentHash]
	if !ok {
		return storage.ValueRecord{}, storage.ErrNotFound
	}
	return storage.ValueRecord{ContentHash: contentHash, Serialized: bytes.Clone(v)}, nil
}

// Close is a no-op for memory storage
func (s *Storage) Close() error {
	return nil
}

// Stats returns storage statistics
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	stats := &storage.Stats{}

	for i := range s.entries {
		s.entries[i].mu.Lock()
		stats.Entries += uint64(len(s.entries[i].m))
		s.entries[i].mu.Unlock()

		s.admission[i].mu.Lock()
		stats.Sources += uint64(len(s.admission[i].m))
		s.admission[i].mu.Unlock()

		s.values[i].mu.RLock()
		for _, v := range s.values[i].m {
			stats.SizeBytes += uint64(len(v))
		}
		stats.Values += uint64(len(s.values[i].m))
		s.values[i].mu.RUnlock()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	stats.Fingerprints = uint64(len(s.fingerprints))
	for _, fp := range s.fingerprints {
		stats.Observe(fp.ReceivedAt)
	}

	// Rough size estimate (a classified fingerprint is a few KB)
	stats.SizeBytes += stats.Fingerprints * 4096

	return stats, nil
}

// Categories reports how many fingerprints carry each category
func (s *Storage) Categories() map[string]uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]uint64, len(s.byCategory))
	for k, bm := range s.byCategory {
		out[k] = bm.GetCardinality()
	}
	return out
}
