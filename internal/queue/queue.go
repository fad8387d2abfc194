// Package queue implements the Queue Fabric (spec §4.5): six bounded,
// in-memory FIFOs carrying task ids between the scheduler's coordinators.
// Queues are never a durability boundary — the store (internal/taskstore) is
// — so every channel here is a plain buffered chan int64, the same
// task-channel-plus-sync.WaitGroup shape the teacher's coordinator uses to
// fan work out to its worker pool.
package queue

import (
	"context"

	"github.com/gurre/docflow/internal/model"
)

// DefaultCapacity bounds each lane when a caller doesn't specify one. A
// bounded channel gives the natural backpressure the concurrency model calls
// for: a stalled consumer blocks its producer rather than growing without
// limit.
const DefaultCapacity = 256

// Fabric holds the six logical queues from spec §4.5. All queues carry task
// ids only, never task bodies.
type Fabric struct {
	Intake chan int64 // API create -> Fetcher

	High   chan int64 // Fetcher -> PriorityMerger
	Normal chan int64
	Low    chan int64

	Dispatch chan int64 // PriorityMerger -> conversion workers

	Update   chan int64 // Worker -> Updater
	Cleanup  chan int64 // Worker -> Cleaner
	Callback chan int64 // Worker -> Callback
}

// New builds a Fabric with every lane bounded at capacity. A capacity of 0
// falls back to DefaultCapacity.
func New(capacity int) *Fabric {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Fabric{
		Intake:   make(chan int64, capacity),
		High:     make(chan int64, capacity),
		Normal:   make(chan int64, capacity),
		Low:      make(chan int64, capacity),
		Dispatch: make(chan int64, capacity),
		Update:   make(chan int64, capacity),
		Cleanup:  make(chan int64, capacity),
		Callback: make(chan int64, capacity),
	}
}

// PriorityLane returns the Fetcher-to-PriorityMerger channel matching p.
// Unknown priorities route to Normal.
func (f *Fabric) PriorityLane(p model.Priority) chan int64 {
	switch p {
	case model.PriorityHigh:
		return f.High
	case model.PriorityLow:
		return f.Low
	default:
		return f.Normal
	}
}

// Push sends id on ch, blocking until the send succeeds or the context is
// cancelled; ch must not be closed (a send on a closed channel panics). It's the single
// choke point every producer in the scheduler goes through, so that a
// shutdown-in-progress context cancels a blocked enqueue instead of leaking
// a goroutine.
func Push(ctx context.Context, ch chan<- int64, id int64) error {
	select {
	case ch <- id:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pop receives the next id from ch, returning ok=false if ctx is cancelled
// first. It never returns ok=false because the channel closed with pending
// sends in flight — coordinators always read until ctx.Done().
func Pop(ctx context.Context, ch <-chan int64) (id int64, ok bool) {
	select {
	case id, open := <-ch:
		return id, open
	case <-ctx.Done():
		return 0, false
	}
}

// CloseAll closes every lane. Call only after every producer goroutine has
// exited — it exists for tests and for deterministic teardown ordering in
// the final shutdown step, not as a substitute for context cancellation.
func (f *Fabric) CloseAll() {
	close(f.Intake)
	close(f.High)
	close(f.Normal)
	close(f.Low)
	close(f.Dispatch)
	close(f.Update)
	close(f.Cleanup)
	close(f.Callback)
}

// Depths reports the current buffered length of every lane, for metrics
// (spec §4.5 is a pure in-memory structure; depth is the only externally
// observable state worth exporting).
type Depths struct {
	Intake, High, Normal, Low, Dispatch, Update, Cleanup, Callback int
}

func (f *Fabric) Depths() Depths {
	return Depths{
		Intake:   len(f.Intake),
		High:     len(f.High),
		Normal:   len(f.Normal),
		Low:      len(f.Low),
		Dispatch: len(f.Dispatch),
		Update:   len(f.Update),
		Cleanup:  len(f.Cleanup),
		Callback: len(f.Callback),
	}
}
