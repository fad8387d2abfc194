package scheduler

import (
	"context"

	"github.com/gurre/docflow/internal/queue"
)

// runCleaner implements spec §4.6 item 5: pull from cleanup, invoke
// Workspace.partial_cleanup. The worker phase's scratch files (temp/, any
// output/*temp* sub-directory) are removed; final artifacts in output/
// survive for the download proxy.
func (s *Scheduler) runCleaner(ctx context.Context) {
	for {
		id, ok := queue.Pop(ctx, s.fabric.Cleanup)
		if !ok {
			return
		}
		if err := s.workspaces.PartialCleanup(id); err != nil {
			logger.Warn().Err(err).Int64("task_id", id).Msg("cleaner: partial cleanup failed")
		}
	}
}
