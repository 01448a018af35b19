/*
Package storage provides the pluggable storage abstraction for fpcollect.

# Storage Interface

Four backends implement Store:
  - memory: in-process maps, for tests and throwaway runs
  - badger: BadgerDB, the default persistent store
  - sqlite: a single-file database (modernc.org/sqlite, no cgo)
  - postgres: pgx pool against a shared PostgreSQL server

# Logical Layout

Every backend keeps four keyspaces:

	entries       session token (unique)   -> source, received time
	fingerprints  session token            -> classified document
	admission     source (unique)          -> timestamps, flag count, version
	values        content hash (unique)    -> canonical serialized value

# Races

Concurrency is resolved by the store, never by a process-wide lock:

	res, err := store.InsertEntry(ctx, entry)
	if res == storage.AlreadyExists {
	    // another submission owns this session token
	}

	err = store.UpdateAdmission(ctx, rec) // CAS on rec.Version
	if errors.Is(err, storage.ErrConflict) {
	    // re-read and decide again
	}

# Usage Example

	store, err := badger.New(badger.Config{Path: "./data"})
	if err != nil {
	    log.Fatal(err)
	}
	defer store.Close()

	filter := document.MustFilter(document.MapNode(map[string]document.Node{
	    "category": document.StringNode("windows"),
	}))
	err = store.ScanFingerprints(ctx, filter, func(fp storage.Fingerprint) error {
	    fmt.Println(fp.SessionToken)
	    return nil
	})

# See Also

  - memory.New() for in-memory storage
  - badger.New() for persistent BadgerDB storage
  - sqlite.Open() and postgres.Open() for SQL backends
*/
package storage
