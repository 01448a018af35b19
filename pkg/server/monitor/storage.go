package monitor

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nicktill/fpcollect/pkg/storage"
)

// Sizer reports how many bytes the store currently occupies
type Sizer func(ctx context.Context) (int64, error)

// DirSizer measures the on-disk size of dir
func DirSizer(dir string) Sizer {
	return func(context.Context) (int64, error) {
		return calculateDirSize(dir)
	}
}

// StatsSizer asks the backend, for stores that do not live in a directory
func StatsSizer(store storage.Store) Sizer {
	return func(ctx context.Context) (int64, error) {
		st, err := store.Stats(ctx)
		if err != nil {
			return 0, err
		}
		return int64(st.SizeBytes), nil
	}
}

// StorageMonitor tracks storage usage with caching to avoid expensive filesystem calls.
type StorageMonitor struct {
	size          Sizer
	maxBytes      int64
	cachedUsage   int64
	lastCheck     time.Time
	cacheDuration time.Duration
	mu            sync.Mutex
}

// NewStorageMonitor creates a new storage monitor.
func NewStorageMonitor(size Sizer, maxBytes int64) *StorageMonitor {
	return &StorageMonitor{
		size:          size,
		maxBytes:      maxBytes,
		cacheDuration: 10 * time.Second,
	}
}

// GetUsage returns current storage usage in bytes (cached for 10s).
func (sm *StorageMonitor) GetUsage(ctx context.Context) (int64, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !sm.lastCheck.IsZero() && time.Since(sm.lastCheck) < sm.cacheDuration {
		return sm.cachedUsage, nil
	}

	usage, err := sm.size(ctx)
	if err != nil {
		return 0, err
	}

	sm.cachedUsage = usage
	sm.lastCheck = time.Now()
	return usage, nil
}

// GetLimit returns the configured storage limit in bytes.
func (sm *StorageMonitor) GetLimit() int64 {
	return sm.maxBytes
}

// OverLimit reports whether usage has reached the limit. A zero limit never trips.
func (sm *StorageMonitor) OverLimit(ctx context.Context) (bool, int64, error) {
	used, err := sm.GetUsage(ctx)
	if err != nil {
		return false, 0, err
	}
	return sm.maxBytes > 0 && used >= sm.maxBytes, used, nil
}

// calculateDirSize recursively calculates directory size in bytes.
// Uses actual disk usage (not logical size) to handle sparse files correctly.
func calculateDirSize(path string) (int64, error) {
	var size int64
	err := filepath.Walk(path, func(filePath string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			actualSize, err := getActualFileSize(filePath, info)
			if err != nil {
				size += info.Size()
			} else {
				size += actualSize
			}
		}
		return nil
	})
	return size, err
}

// getActualFileSize is implemented in platform-specific files:
// - filesize_unix.go (Linux/Mac): Uses syscall.Stat_t.Blocks
// - filesize_windows.go (Windows): Uses GetCompressedFileSizeW API
