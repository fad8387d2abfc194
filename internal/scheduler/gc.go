package scheduler

import (
	"context"
	"runtime"
	"time"

	"github.com/gurre/docflow/internal/metrics"
)

// gcTempFileAge is how old a file under the process-wide temp dir must be
// before GC removes it.
const gcTempFileAge = time.Hour

// runGC implements spec §4.6 item 7: every T_gc (config GCInterval, default
// 30 minutes), prune aged temp files, nudge the runtime to collect memory,
// and, if gc_retention_days is configured (non-zero), delete terminal rows
// older than that retention window.
func (s *Scheduler) runGC(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runGCOnce(ctx)
		}
	}
}

func (s *Scheduler) runGCOnce(ctx context.Context) {
	removed, err := s.workspaces.GCTempFiles(gcTempFileAge)
	if err != nil {
		logger.Warn().Err(err).Msg("gc: temp file sweep failed")
	} else if removed > 0 {
		logger.Info().Int("removed", removed).Msg("gc: removed stale temp files")
	}

	metrics.ReportQueueDepths(s.fabric.Depths())
	if stats, err := s.store.Statistics(ctx); err != nil {
		logger.Warn().Err(err).Msg("gc: statistics snapshot failed")
	} else {
		metrics.ReportTaskCounts(stats)
	}

	runtime.GC()

	if s.cfg.GCRetentionDays > 0 {
		deleted, err := s.store.DeleteOlderThan(ctx, s.cfg.GCRetentionDays)
		if err != nil {
			logger.Warn().Err(err).Msg("gc: terminal row deletion failed")
		} else if deleted > 0 {
			logger.Info().Int64("deleted", deleted).Msg("gc: pruned terminal rows")
		}
	}
}
