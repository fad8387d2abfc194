package scheduler

import (
	"context"

	"github.com/gurre/docflow/internal/queue"
)

// runUpdater implements spec §4.6 item 4: in the simplest implementation
// this stage is a no-op beyond logging; it exists to keep the pipeline
// stages composable and to allow future hooks (metrics, cache eviction).
func (s *Scheduler) runUpdater(ctx context.Context) {
	for {
		id, ok := queue.Pop(ctx, s.fabric.Update)
		if !ok {
			return
		}
		logger.Debug().Int64("task_id", id).Msg("updater: post-commit hook")
	}
}
