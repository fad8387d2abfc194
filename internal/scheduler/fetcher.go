package scheduler

import (
	"context"
	"sort"
	"time"

	"github.com/gurre/docflow/internal/model"
	"github.com/gurre/docflow/internal/queue"
)

// runFetcher implements spec §4.6 item 1: every T_poll seconds, query the
// store for up to K pending tasks ordered by (priority desc, created_at
// asc), attempt the pending->processing CAS on each, and route the winners
// to their priority lane. A losing CAS (another process, or this one on a
// retry re-enqueue, already moved the row) is skipped silently. The
// `intake` lane (spec §4.5: "API create -> Fetcher") is drained as an
// early-wake signal so a freshly created task doesn't wait a full T_poll
// before its first poll; the actual selection still re-reads the store so
// ordering and the CAS stay correct even when several ids land on intake
// between ticks.
func (s *Scheduler) runFetcher(ctx context.Context) {
	interval := time.Duration(s.cfg.TaskCheckIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollOnce(ctx)
		case _, ok := <-s.fabric.Intake:
			if !ok {
				return
			}
			s.pollOnce(ctx)
		}
	}
}

func (s *Scheduler) pollOnce(ctx context.Context) {
	rows, err := s.store.ByStatus(ctx, model.StatusPending)
	if err != nil {
		// StoreTransient at the Fetcher: skip this poll (spec §4.1, §7).
		logger.Warn().Err(err).Msg("fetcher: store unavailable, skipping poll")
		return
	}

	sort.SliceStable(rows, func(i, j int) bool {
		pi, pj := priorityRank(rows[i].Priority), priorityRank(rows[j].Priority)
		if pi != pj {
			return pi > pj
		}
		return rows[i].CreatedAt.Before(rows[j].CreatedAt)
	})

	k := s.cfg.MaxConcurrentTasks
	if k > 0 && len(rows) > k {
		rows = rows[:k]
	}

	for _, t := range rows {
		claimed, err := s.store.TryClaim(ctx, t.ID)
		if err != nil {
			logger.Warn().Err(err).Int64("task_id", t.ID).Msg("fetcher: claim failed, skipping")
			continue
		}
		if !claimed {
			continue
		}
		lane := s.fabric.PriorityLane(t.Priority)
		if err := queue.Push(ctx, lane, t.ID); err != nil {
			return
		}
	}
}

func priorityRank(p model.Priority) int {
	switch p {
	case model.PriorityHigh:
		return 2
	case model.PriorityNormal:
		return 1
	default:
		return 0
	}
}
