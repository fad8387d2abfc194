// Package taskstore implements the Task Store (spec §4.1): the durable
// record of every conversion task and its lifecycle.
package taskstore

import (
	"context"

	"github.com/gurre/docflow/internal/model"
)

// Statistics summarizes task counts by status, per spec §4.1.
type Statistics struct {
	Pending    int64
	Processing int64
	Completed  int64
	Failed     int64
	Cancelled  int64
	Total      int64
}

// Query filters the result of List.
type Query struct {
	Status   model.Status
	TaskType model.TaskType
	Limit    int
	Offset   int
}

// Store is the durable interface the scheduler and API facade use to manage
// tasks (spec §4.1). Two implementations exist: SQLiteStore for production,
// MemoryStore for tests, the same split the teacher draws between
// checkpoint.S3Store and checkpoint.MemoryStore.
type Store interface {
	// Create inserts t, assigning and returning its ID.
	Create(ctx context.Context, t *model.Task) (int64, error)

	// Get returns the task with the given id, or apierrors.KindNotFound.
	Get(ctx context.Context, id int64) (*model.Task, error)

	// Update persists every field of t (t.ID must already be set).
	Update(ctx context.Context, t *model.Task) error

	// UpdateStatus transitions the task's status and, where applicable,
	// stamps started_at/completed_at/error_message.
	UpdateStatus(ctx context.Context, id int64, status model.Status, errMsg string) error

	// TryClaim atomically transitions id from pending to processing,
	// stamping started_at. ok=false means the row was no longer pending (a
	// losing CAS, per spec §4.6 item 1: "a failed CAS is skipped silently").
	TryClaim(ctx context.Context, id int64) (ok bool, err error)

	// List returns tasks matching q, newest first.
	List(ctx context.Context, q Query) ([]*model.Task, error)

	// ByStatus returns every task currently in the given status, used by the
	// fetcher and by crash recovery.
	ByStatus(ctx context.Context, status model.Status) ([]*model.Task, error)

	// Statistics returns aggregate counts by status.
	Statistics(ctx context.Context) (Statistics, error)

	// DeleteOlderThan deletes terminal (completed/failed/cancelled) tasks
	// whose completed_at/updated_at is older than the retention window
	// (spec §4.6: GC, config key gc retention days).
	DeleteOlderThan(ctx context.Context, days int) (int64, error)

	// Close releases any resources held by the store.
	Close() error
}
