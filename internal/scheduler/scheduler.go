// Package scheduler implements the Scheduler & Workers component (spec
// §4.6): the Fetcher, the PriorityMerger hookup, the bounded conversion
// worker pool, Updater, Cleaner, Callback, and GC coordinators, plus crash
// recovery and graceful shutdown. The shape — independent goroutines
// reading from channels, a shared WaitGroup, a context cancelled on Stop,
// and a running flag reported by IsRunning — is the teacher's coordinator.Run pattern
// generalized from a single worker pool to the seven cooperating stages
// this pipeline needs.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gurre/docflow/internal/apierrors"
	"github.com/gurre/docflow/internal/applog"
	"github.com/gurre/docflow/internal/config"
	"github.com/gurre/docflow/internal/dispatcher"
	"github.com/gurre/docflow/internal/model"
	"github.com/gurre/docflow/internal/objectstore"
	"github.com/gurre/docflow/internal/queue"
	"github.com/gurre/docflow/internal/taskstore"
	"github.com/gurre/docflow/internal/workspace"
)

var logger = applog.WithComponent("scheduler")

// Scheduler owns the Queue Fabric and every coordinator goroutine running
// over it.
type Scheduler struct {
	cfg        *config.Config
	store      taskstore.Store
	workspaces *workspace.Manager
	gateway    *objectstore.Gateway
	dispatch   *dispatcher.Dispatcher

	fabric *queue.Fabric

	running atomic.Bool
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

// New builds a Scheduler over its collaborators. capacity bounds every
// Queue Fabric lane (0 uses queue.DefaultCapacity).
func New(cfg *config.Config, store taskstore.Store, workspaces *workspace.Manager, gateway *objectstore.Gateway, dispatch *dispatcher.Dispatcher, capacity int) *Scheduler {
	return &Scheduler{
		cfg:        cfg,
		store:      store,
		workspaces: workspaces,
		gateway:    gateway,
		dispatch:   dispatch,
		fabric:     queue.New(capacity),
	}
}

// Fabric exposes the underlying Queue Fabric, for the API Facade's intake
// enqueue and for /api/health's depth reporting.
func (s *Scheduler) Fabric() *queue.Fabric { return s.fabric }

// IsRunning reports whether the scheduler is currently processing tasks.
func (s *Scheduler) IsRunning() bool { return s.running.Load() }

// Start runs crash recovery (spec §4.6.5), then launches every coordinator
// goroutine: the Fetcher, PriorityMerger, the K-sized conversion worker
// pool, Updater, Cleaner, Callback, and GC. It returns once every goroutine
// has been launched; Start does not block.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.recoverCrashedTasks(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running.Store(true)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runFetcher(runCtx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.fabric.PriorityMerger(runCtx)
	}()

	for i := 0; i < s.cfg.MaxConcurrentTasks; i++ {
		workerID := i
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runWorker(runCtx, workerID)
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runUpdater(runCtx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runCleaner(runCtx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runCallback(runCtx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runGC(runCtx)
	}()

	logger.Info().Int("workers", s.cfg.MaxConcurrentTasks).Msg("scheduler started")
	return nil
}

// Stop implements graceful shutdown (spec §5): running is set false,
// coordinators drain their current item and exit, workers finish their
// current conversion and exit, then the store is closed last. Stop blocks
// until every coordinator has returned.
func (s *Scheduler) Stop() error {
	s.running.Store(false)
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	logger.Info().Msg("scheduler stopped")
	return s.store.Close()
}

// recoverCrashedTasks implements spec §4.6.5: before any worker is spawned,
// every row left in `processing` from a prior process is reset to `pending`
// with the synthetic error_message "recovered after restart".
func (s *Scheduler) recoverCrashedTasks(ctx context.Context) error {
	rows, err := s.store.ByStatus(ctx, model.StatusProcessing)
	if err != nil {
		return err
	}
	for _, t := range rows {
		if err := s.store.UpdateStatus(ctx, t.ID, model.StatusPending, apierrors.RecoveredMarker); err != nil {
			logger.Error().Err(err).Int64("task_id", t.ID).Msg("crash recovery: failed to reset task")
			continue
		}
		logger.Warn().Int64("task_id", t.ID).Msg("crash recovery: reset processing task to pending")
	}
	return nil
}

func nowUTC() time.Time { return time.Now().UTC() }
