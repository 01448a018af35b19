package monitor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/nicktill/fpcollect/pkg/storage/memory"
)

func TestStorageMonitor_GetLimit(t *testing.T) {
	sm := NewStorageMonitor(DirSizer("/tmp"), 1024*1024*1024)
	if got := sm.GetLimit(); got != 1024*1024*1024 {
		t.Errorf("GetLimit() = %d, want %d", got, 1024*1024*1024)
	}
}

func TestStorageMonitor_GetUsage(t *testing.T) {
	tmpDir := t.TempDir()

	testFile := filepath.Join(tmpDir, "test.txt")
	if err := os.WriteFile(testFile, []byte("test data"), 0644); err != nil {
		t.Fatalf("Failed to create test file: %v", err)
	}

	sm := NewStorageMonitor(DirSizer(tmpDir), 1024*1024*1024)
	usage, err := sm.GetUsage(context.Background())
	if err != nil {
		t.Fatalf("GetUsage() error = %v", err)
	}

	if usage < 9 {
		t.Errorf("GetUsage() = %d, want at least 9", usage)
	}
}

func TestStorageMonitor_Caching(t *testing.T) {
	calls := 0
	sm := NewStorageMonitor(func(context.Context) (int64, error) {
		calls++
		return int64(calls * 100), nil
	}, 0)

	usage1, err := sm.GetUsage(context.Background())
	if err != nil {
		t.Fatalf("GetUsage() error = %v", err)
	}
	usage2, err := sm.GetUsage(context.Background())
	if err != nil {
		t.Fatalf("GetUsage() error = %v", err)
	}

	if usage1 != usage2 || calls != 1 {
		t.Errorf("Expected one cached measurement, got %d and %d after %d calls", usage1, usage2, calls)
	}
}

func TestStorageMonitor_InvalidDir(t *testing.T) {
	sm := NewStorageMonitor(DirSizer("/nonexistent/path/12345"), 1024*1024*1024)
	_, err := sm.GetUsage(context.Background())
	if err == nil {
		t.Error("GetUsage() should return error for nonexistent directory")
	}
}

func TestStorageMonitor_OverLimit(t *testing.T) {
	fixed := func(n int64) Sizer {
		return func(context.Context) (int64, error) { return n, nil }
	}

	over, used, err := NewStorageMonitor(fixed(2048), 1024).OverLimit(context.Background())
	if err != nil || !over || used != 2048 {
		t.Errorf("OverLimit() = %v, %d, %v; want true, 2048, nil", over, used, err)
	}

	over, _, _ = NewStorageMonitor(fixed(512), 1024).OverLimit(context.Background())
	if over {
		t.Error("512 of 1024 bytes should not be over the limit")
	}

	over, _, _ = NewStorageMonitor(fixed(1<<40), 0).OverLimit(context.Background())
	if over {
		t.Error("a zero limit should never trip")
	}

	boom := errors.New("stat failed")
	_, _, err = NewStorageMonitor(func(context.Context) (int64, error) { return 0, boom }, 1).OverLimit(context.Background())
	if !errors.Is(err, boom) {
		t.Errorf("OverLimit() error = %v, want %v", err, boom)
	}
}

func TestStatsSizer(t *testing.T) {
	store := memory.New()
	defer store.Close()

	size, err := StatsSizer(store)(context.Background())
	if err != nil {
		t.Fatalf("StatsSizer() error = %v", err)
	}
	if size < 0 {
		t.Errorf("StatsSizer() = %d, want non-negative", size)
	}
}
