package scheduler

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/gurre/docflow/internal/metrics"
	"github.com/gurre/docflow/internal/queue"
)

// maxCallbackAttempts bounds the Callback coordinator's retry/backoff (spec
// §4.6 item 6: "bounded retry/backoff").
const maxCallbackAttempts = 3

// callbackBackoff is the delay before each retry attempt, indexed by
// (attempt number - 1).
var callbackBackoff = []time.Duration{0, 500 * time.Millisecond, 2 * time.Second}

// runCallback implements spec §4.6 item 6: pull from callback, POST the
// task's public view to callback_url with a bounded retry/backoff, and
// record the outcome via the store. A callback failure never changes the
// task's status (spec §7 CallbackFailed).
func (s *Scheduler) runCallback(ctx context.Context) {
	client := &http.Client{Timeout: s.cfg.CallbackTimeout}
	for {
		id, ok := queue.Pop(ctx, s.fabric.Callback)
		if !ok {
			return
		}
		s.deliverCallback(ctx, client, id)
	}
}

func (s *Scheduler) deliverCallback(ctx context.Context, client *http.Client, taskID int64) {
	task, err := s.store.Get(ctx, taskID)
	if err != nil {
		logger.Warn().Err(err).Int64("task_id", taskID).Msg("callback: could not load task")
		return
	}
	if task.CallbackURL == "" {
		return
	}

	body, err := json.Marshal(task.View())
	if err != nil {
		logger.Error().Err(err).Int64("task_id", taskID).Msg("callback: failed to marshal task view")
		return
	}

	var statusCode int
	var message string

	// One delivery id per task-id enqueue, not per HTTP attempt: a receiver
	// that dedupes on this header sees one logical delivery even though the
	// retry loop below may POST it more than once.
	deliveryID := uuid.NewString()

	for attempt := 0; attempt < maxCallbackAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(callbackBackoff[attempt]):
			case <-ctx.Done():
				return
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, task.CallbackURL, bytes.NewReader(body))
		if err != nil {
			message = err.Error()
			continue
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Delivery-Id", deliveryID)

		resp, err := client.Do(req)
		if err != nil {
			message = err.Error()
			continue
		}
		statusCode = resp.StatusCode
		resp.Body.Close()
		if statusCode >= 200 && statusCode < 300 {
			message = "delivered"
			break
		}
		message = http.StatusText(statusCode)
	}

	now := nowUTC()
	task.CallbackStatusCode = statusCode
	task.CallbackMessage = message
	task.CallbackTime = &now
	if err := s.store.Update(ctx, task); err != nil {
		logger.Warn().Err(err).Int64("task_id", taskID).Msg("callback: failed to record outcome")
	}

	outcome := "failed"
	if statusCode >= 200 && statusCode < 300 {
		outcome = "delivered"
	}
	metrics.CallbackAttemptsTotal.WithLabelValues(outcome).Inc()
}
