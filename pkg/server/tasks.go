package server

import (
	"context"
	"errors"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/nicktill/fpcollect/pkg/server/monitor"
	"github.com/nicktill/fpcollect/pkg/storage"
	"github.com/nicktill/fpcollect/pkg/storage/badger"
)

// gcDiscardRatio rewrites a value log file once half of it is garbage
const gcDiscardRatio = 0.5

// valueLogGC is satisfied by the badger backend
type valueLogGC interface {
	RunGC(discardRatio float64) error
}

var _ valueLogGC = (*badger.Storage)(nil)

// RunBadgerGC runs value log garbage collection every interval until ctx is
// done. Backends without a value log return immediately.
func RunBadgerGC(ctx context.Context, store storage.Store, tm *monitor.TaskMonitor, logger *zap.Logger, interval time.Duration) {
	gc, ok := store.(valueLogGC)
	if !ok {
		logger.Debug("storage has no value log, skipping GC")
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("badger GC scheduler started", zap.Duration("interval", interval))
	for {
		select {
		case <-ticker.C:
			start := time.Now()
			err := gc.RunGC(gcDiscardRatio)
			switch {
			case err == nil:
				tm.RecordSuccess()
				logger.Info("badger GC reclaimed space", zap.Duration("took", time.Since(start).Round(time.Millisecond)))
			case errors.Is(err, badgerdb.ErrNoRewrite), errors.Is(err, badgerdb.ErrRejected):
				// nothing to collect, or a run is already in progress
				tm.RecordSuccess()
				logger.Debug("badger GC found nothing to rewrite")
			default:
				tm.RecordFailure(err)
				logger.Warn("badger GC failed", zap.Error(err), zap.Int("consecutive_errors", tm.Status().ConsecutiveErrors))
			}
		case <-ctx.Done():
			logger.Info("stopping badger GC scheduler")
			return
		}
	}
}

// CheckStorage measures usage once and logs it, warning past the limit
func CheckStorage(ctx context.Context, sm *monitor.StorageMonitor, tm *monitor.TaskMonitor, logger *zap.Logger) {
	over, used, err := sm.OverLimit(ctx)
	if err != nil {
		tm.RecordFailure(err)
		logger.Warn("storage check failed", zap.Error(err))
		return
	}
	tm.RecordSuccess()

	fields := []zap.Field{
		zap.String("used", humanize.Bytes(uint64(used))),
		zap.String("limit", humanize.Bytes(uint64(sm.GetLimit()))),
	}
	if over {
		logger.Warn("storage usage is over the configured limit", fields...)
		return
	}
	logger.Debug("storage usage", fields...)
}

// RunStorageCheck calls CheckStorage now and then every interval until ctx is done
func RunStorageCheck(ctx context.Context, sm *monitor.StorageMonitor, tm *monitor.TaskMonitor, logger *zap.Logger, interval time.Duration) {
	CheckStorage(ctx, sm, tm, logger)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			CheckStorage(ctx, sm, tm, logger)
		case <-ctx.Done():
			return
		}
	}
}
