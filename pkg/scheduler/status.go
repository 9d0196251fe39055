package scheduler

import (
	"fmt"
	"time"

	"github.com/camctl/cam/pkg/events"
	"github.com/camctl/cam/pkg/storage"
	"github.com/camctl/cam/pkg/types"
)

// Extra carries the auxiliary column writes and event payload that ride along
// with a status transition.
type Extra struct {
	Summary       string // written to the summary column when non-empty
	AssignWorker  string // sets assigned_worker_id (the claim)
	ClearWorker   bool   // clears assigned_worker_id
	SetRetryCount *int   // overwrites retry_count (the retry path)

	// ResetTimestamps clears started_at and completed_at; used when a task
	// is returned to the queue
	ResetTimestamps bool

	// Reason and Payload are merged into the published event payload only
	Reason  string
	Payload map[string]any
}

// StatusWriter is the single chokepoint for task status mutations. Every
// transition is a compare-and-swap on the row's expected status; the terminal
// statuses are never left once reached.
type StatusWriter struct {
	store     storage.Store
	publisher events.Publisher
}

// NewStatusWriter creates a status writer
func NewStatusWriter(store storage.Store, publisher events.Publisher) *StatusWriter {
	return &StatusWriter{store: store, publisher: publisher}
}

// UpdateTaskStatus reads the task's current status and moves it to next.
// A task already in a different terminal status is left alone: late-arriving
// writes from a worker whose task was cancelled must not resurrect it.
func (w *StatusWriter) UpdateTaskStatus(taskID string, next types.TaskStatus, extra Extra) error {
	task, err := w.store.GetTask(taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return fmt.Errorf("task not found: %s", taskID)
	}

	if task.Status.IsTerminal() && task.Status != next {
		return nil
	}

	_, err = w.UpdateTaskStatusFrom(taskID, task.Status, next, extra)
	return err
}

// UpdateTaskStatusFrom performs a compare-and-swap from an expected status.
// swapped=false means another writer moved the task first; callers treat
// that as benign.
func (w *StatusWriter) UpdateTaskStatusFrom(taskID string, from, next types.TaskStatus, extra Extra) (bool, error) {
	return w.updateGuarded(taskID, storage.TaskGuard{Status: from}, next, extra)
}

// UpdateTaskStatusGuarded is UpdateTaskStatusFrom with the full guard exposed;
// startup recovery additionally pins source and assigned worker so a
// concurrent writer cannot be overwritten.
func (w *StatusWriter) UpdateTaskStatusGuarded(taskID string, guard storage.TaskGuard, next types.TaskStatus, extra Extra) (bool, error) {
	return w.updateGuarded(taskID, guard, next, extra)
}

func (w *StatusWriter) updateGuarded(taskID string, guard storage.TaskGuard, next types.TaskStatus, extra Extra) (bool, error) {
	now := time.Now()
	mut := storage.TaskMutation{Status: &next}

	switch next {
	case types.TaskStatusRunning:
		mut.StartedAt = &now
	case types.TaskStatusQueued:
		mut.QueuedAt = &now
	case types.TaskStatusCompleted, types.TaskStatusFailed:
		mut.CompletedAt = &now
	}

	if extra.Summary != "" {
		mut.Summary = &extra.Summary
	}
	if extra.AssignWorker != "" {
		mut.AssignedWorkerID = &extra.AssignWorker
	} else if extra.ClearWorker {
		empty := ""
		mut.AssignedWorkerID = &empty
	}
	if extra.SetRetryCount != nil {
		mut.RetryCount = extra.SetRetryCount
	}
	if extra.ResetTimestamps {
		zero := time.Time{}
		mut.StartedAt = &zero
		mut.CompletedAt = &zero
	}

	swapped, err := w.store.UpdateTaskWhere(taskID, guard, mut)
	if err != nil {
		return false, err
	}
	if !swapped {
		return false, nil
	}

	payload := map[string]any{
		"taskId": taskID,
		"status": string(next),
	}
	if extra.Reason != "" {
		payload["reason"] = extra.Reason
	}
	if extra.Summary != "" {
		payload["summary"] = extra.Summary
	}
	for k, v := range extra.Payload {
		payload[k] = v
	}
	w.publisher.Publish(events.EventTaskProgress, payload)

	return true, nil
}
