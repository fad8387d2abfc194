package taskstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gurre/docflow/internal/apierrors"
	"github.com/gurre/docflow/internal/model"
)

// MemoryStore implements Store purely in memory, the same role the teacher's
// checkpoint.MemoryStore plays for tests: no file or network I/O, guarded by
// a single RWMutex.
type MemoryStore struct {
	mu     sync.RWMutex
	tasks  map[int64]*model.Task
	nextID int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tasks: make(map[int64]*model.Task)}
}

func cloneTask(t *model.Task) *model.Task {
	cp := *t
	if t.StartedAt != nil {
		v := *t.StartedAt
		cp.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		cp.CompletedAt = &v
	}
	if t.LastRetryAt != nil {
		v := *t.LastRetryAt
		cp.LastRetryAt = &v
	}
	if t.CallbackTime != nil {
		v := *t.CallbackTime
		cp.CallbackTime = &v
	}
	cp.Params = make(model.Params, len(t.Params))
	for k, v := range t.Params {
		cp.Params[k] = v
	}
	cp.Result = make(model.Result, len(t.Result))
	for k, v := range t.Result {
		cp.Result[k] = v
	}
	cp.S3URLs = append([]string(nil), t.S3URLs...)
	return &cp
}

func (s *MemoryStore) Create(ctx context.Context, t *model.Task) (int64, error) {
	if err := t.Validate(); err != nil {
		return 0, apierrors.Invalid(err.Error())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	t.ID = s.nextID
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	if t.Status == "" {
		t.Status = model.StatusPending
	}
	s.tasks[t.ID] = cloneTask(t)
	return t.ID, nil
}

func (s *MemoryStore) Get(ctx context.Context, id int64) (*model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, apierrors.NotFound(fmt.Sprintf("task %d not found", id))
	}
	return cloneTask(t), nil
}

func (s *MemoryStore) Update(ctx context.Context, t *model.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[t.ID]; !ok {
		return apierrors.NotFound(fmt.Sprintf("task %d not found", t.ID))
	}
	t.UpdatedAt = time.Now().UTC()
	s.tasks[t.ID] = cloneTask(t)
	return nil
}

func (s *MemoryStore) TryClaim(ctx context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok || t.Status != model.StatusPending {
		return false, nil
	}
	now := time.Now().UTC()
	t.Status = model.StatusProcessing
	t.StartedAt = &now
	t.UpdatedAt = now
	return true, nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, id int64, status model.Status, errMsg string) error {
	if !status.Valid() {
		return apierrors.Invalid("invalid status: " + string(status))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return apierrors.NotFound(fmt.Sprintf("task %d not found", id))
	}

	now := time.Now().UTC()
	t.Status = status
	t.ErrorMessage = errMsg
	t.UpdatedAt = now
	switch status {
	case model.StatusProcessing:
		t.StartedAt = &now
	case model.StatusCompleted, model.StatusFailed, model.StatusCancelled:
		t.CompletedAt = &now
	}
	return nil
}

func (s *MemoryStore) List(ctx context.Context, q Query) ([]*model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Task
	for _, t := range s.tasks {
		if q.Status != "" && t.Status != q.Status {
			continue
		}
		if q.TaskType != "" && t.TaskType != q.TaskType {
			continue
		}
		out = append(out, cloneTask(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })

	if q.Offset > 0 && q.Offset < len(out) {
		out = out[q.Offset:]
	} else if q.Offset >= len(out) {
		out = nil
	}
	if q.Limit > 0 && q.Limit < len(out) {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *MemoryStore) ByStatus(ctx context.Context, status model.Status) ([]*model.Task, error) {
	return s.List(ctx, Query{Status: status})
}

func (s *MemoryStore) Statistics(ctx context.Context) (Statistics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stats Statistics
	for _, t := range s.tasks {
		switch t.Status {
		case model.StatusPending:
			stats.Pending++
		case model.StatusProcessing:
			stats.Processing++
		case model.StatusCompleted:
			stats.Completed++
		case model.StatusFailed:
			stats.Failed++
		case model.StatusCancelled:
			stats.Cancelled++
		}
		stats.Total++
	}
	return stats, nil
}

func (s *MemoryStore) DeleteOlderThan(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days)

	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for id, t := range s.tasks {
		if t.Status != model.StatusCompleted && t.Status != model.StatusFailed && t.Status != model.StatusCancelled {
			continue
		}
		ref := t.UpdatedAt
		if t.CompletedAt != nil {
			ref = *t.CompletedAt
		}
		if ref.Before(cutoff) {
			delete(s.tasks, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *MemoryStore) Close() error { return nil }
