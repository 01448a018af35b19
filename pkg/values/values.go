// Package values interns canonical JSON values under content-hash ids.
package values

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/nicktill/fpcollect/pkg/document"
	"github.com/nicktill/fpcollect/pkg/storage"
)

// DefaultCacheSize is the number of ids kept in each in-process cache
const DefaultCacheSize = 65536

// ErrIndexCorruption is returned when an id cannot be resolved, or when the
// stored content under a hash differs from the content being interned
var ErrIndexCorruption = errors.New("value index corruption")

// ID is the content hash of a value's canonical serialization
type ID string

// HashOf returns the id canonically equal values share
func HashOf(v document.Node) ID {
	return hashBytes(document.Canonical(v))
}

func hashBytes(b []byte) ID {
	sum := sha1.Sum(b)
	return ID(hex.EncodeToString(sum[:]))
}

// Store interns values against a storage.Store. Its caches only save round
// trips; dropping them (Purge, restart) never changes an id.
type Store struct {
	backend  storage.Store
	known    *lru.Cache[ID, struct{}]     // ids confirmed persisted
	resolved *lru.Cache[ID, document.Node] // id -> decoded value
	log      *zap.Logger
}

// New creates a value store. cacheSize <= 0 selects DefaultCacheSize.
func New(backend storage.Store, cacheSize int, logger *zap.Logger) (*Store, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	known, err := lru.New[ID, struct{}](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create id cache: %w", err)
	}
	resolved, err := lru.New[ID, document.Node](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create value cache: %w", err)
	}

	return &Store{
		backend:  backend,
		known:    known,
		resolved: resolved,
		log:      logger.Named("values"),
	}, nil
}

// Intern persists v if needed and returns its id. Concurrent callers with
// canonically equal values always get the same id: the insert is
// insert-if-absent on the hash, and a loser verifies the winner's bytes.
func (s *Store) Intern(ctx context.Context, v document.Node) (ID, error) {
	canonical := document.Canonical(v)
	id := hashBytes(canonical)

	if s.known.Contains(id) {
		return id, nil
	}

	res, err := s.backend.InsertValue(ctx, storage.ValueRecord{ContentHash: string(id), Serialized: canonical})
	if err != nil {
		return "", fmt.Errorf("intern value: %w", err)
	}

	if res == storage.AlreadyExists {
		stored, err := s.backend.GetValue(ctx, string(id))
		if err != nil {
			return "", fmt.Errorf("read back value %s: %w", id, err)
		}
		if !bytes.Equal(stored.Serialized, canonical) {
			s.log.Error("content hash collision",
				zap.String("id", string(id)),
				zap.ByteString("stored", stored.Serialized),
				zap.ByteString("interning", canonical))
			return "", fmt.Errorf("%w: id %s holds different content", ErrIndexCorruption, id)
		}
	}

	s.known.Add(id, struct{}{})
	s.resolved.Add(id, v)
	return id, nil
}

// Resolve returns the value stored under id
func (s *Store) Resolve(ctx context.Context, id ID) (document.Node, error) {
	if v, ok := s.resolved.Get(id); ok {
		return v, nil
	}

	rec, err := s.backend.GetValue(ctx, string(id))
	if errors.Is(err, storage.ErrNotFound) {
		return document.Node{}, fmt.Errorf("%w: unknown value id %s", ErrIndexCorruption, id)
	}
	if err != nil {
		return document.Node{}, fmt.Errorf("resolve value %s: %w", id, err)
	}

	v, err := document.Parse(rec.Serialized)
	if err != nil {
		return document.Node{}, fmt.Errorf("%w: value %s does not decode: %v", ErrIndexCorruption, id, err)
	}

	s.known.Add(id, struct{}{})
	s.resolved.Add(id, v)
	return v, nil
}

// InternTree replaces every leaf of a mapping with the string id of its
// value. Nested mappings are kept as structure; lists are interned whole.
// Nulls stay null so absent-field semantics survive.
func (s *Store) InternTree(ctx context.Context, doc document.Node) (document.Node, error) {
	switch doc.Kind() {
	case document.Null:
		return doc, nil
	case document.Map:
		fields := make(map[string]document.Node, doc.Len())
		for _, k := range doc.Keys() {
			child, _ := doc.Get(k)
			out, err := s.InternTree(ctx, child)
			if err != nil {
				return document.Node{}, err
			}
			fields[k] = out
		}
		return document.MapNode(fields), nil
	default:
		id, err := s.Intern(ctx, doc)
		if err != nil {
			return document.Node{}, err
		}
		return document.StringNode(string(id)), nil
	}
}

// ResolveTree reverses InternTree
func (s *Store) ResolveTree(ctx context.Context, doc document.Node) (document.Node, error) {
	switch doc.Kind() {
	case document.Null:
		return doc, nil
	case document.Map:
		fields := make(map[string]document.Node, doc.Len())
		for _, k := range doc.Keys() {
			child, _ := doc.Get(k)
			out, err := s.ResolveTree(ctx, child)
			if err != nil {
				return document.Node{}, fmt.Errorf("%s: %w", k, err)
			}
			fields[k] = out
		}
		return document.MapNode(fields), nil
	case document.String:
		id, _ := doc.Str()
		return s.Resolve(ctx, ID(id))
	default:
		return document.Node{}, fmt.Errorf("%w: expected value id, found %s", ErrIndexCorruption, doc.Kind())
	}
}

// Purge drops both caches
func (s *Store) Purge() {
	s.known.Purge()
	s.resolved.Purge()
}

// CacheLen reports how many ids are cached
func (s *Store) CacheLen() int {
	return s.known.Len()
}
