package recovery

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/camctl/cam/pkg/events"
	"github.com/camctl/cam/pkg/log"
	"github.com/camctl/cam/pkg/metrics"
	"github.com/camctl/cam/pkg/scheduler"
	"github.com/camctl/cam/pkg/storage"
	"github.com/camctl/cam/pkg/types"
)

// batchSize bounds how many running tasks one page loads, so recovery after
// a crash with a huge backlog stays flat in memory
const batchSize = 500

// Result reports what one recovery pass did
type Result struct {
	Scanned          int
	RecoveredToQueued int
	MarkedFailed     int
}

// Recovery reconciles orphaned running tasks after a process restart. An
// unclean shutdown can leave tasks running with no live worker; this makes
// one pass over all of them, before the first scheduler tick, and decides
// per task whether to keep, retry or fail.
type Recovery struct {
	store        storage.Store
	status       *scheduler.StatusWriter
	pub          events.Publisher
	staleTimeout time.Duration
	logger       zerolog.Logger
}

// New creates a recovery pass
func New(store storage.Store, status *scheduler.StatusWriter, pub events.Publisher, staleTimeout time.Duration) *Recovery {
	return &Recovery{
		store:        store,
		status:       status,
		pub:          pub,
		staleTimeout: staleTimeout,
		logger:       log.WithComponent("recovery"),
	}
}

// Run scans all scheduler-source running tasks in id-ordered pages and
// recovers every one whose worker is gone. Idempotent: a second run sees the
// recovered tasks in queued or failed and touches nothing.
func (r *Recovery) Run() (Result, error) {
	var result Result
	staleBefore := time.Now().Add(-r.staleTimeout)

	afterID := ""
	for {
		tasks, err := r.store.ListRunningTasks(afterID, batchSize)
		if err != nil {
			return result, fmt.Errorf("failed to list running tasks: %w", err)
		}
		if len(tasks) == 0 {
			break
		}
		afterID = tasks[len(tasks)-1].ID

		workers, err := r.loadWorkers(tasks)
		if err != nil {
			return result, err
		}

		for _, task := range tasks {
			result.Scanned++
			metrics.RecoveryScanned.Inc()

			if workerAlive(task, workers[task.AssignedWorkerID], staleBefore) {
				continue
			}
			r.recover(task, &result)
		}

		if len(tasks) < batchSize {
			break
		}
	}

	r.logger.Info().Int("scanned", result.Scanned).
		Int("requeued", result.RecoveredToQueued).
		Int("failed", result.MarkedFailed).
		Msg("startup recovery complete")
	return result, nil
}

func (r *Recovery) loadWorkers(tasks []*types.Task) (map[string]*types.Worker, error) {
	ids := make([]string, 0, len(tasks))
	seen := make(map[string]struct{}, len(tasks))
	for _, task := range tasks {
		if task.AssignedWorkerID == "" {
			continue
		}
		if _, dup := seen[task.AssignedWorkerID]; dup {
			continue
		}
		seen[task.AssignedWorkerID] = struct{}{}
		ids = append(ids, task.AssignedWorkerID)
	}

	workers, err := r.store.GetWorkers(ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load workers: %w", err)
	}

	byID := make(map[string]*types.Worker, len(workers))
	for _, worker := range workers {
		byID[worker.ID] = worker
	}
	return byID, nil
}

// workerAlive reports whether the task's worker is still executing it:
// the worker exists, is busy on exactly this task and heartbeated within
// the stale window.
func workerAlive(task *types.Task, worker *types.Worker, staleBefore time.Time) bool {
	if worker == nil {
		return false
	}
	if worker.Status != types.WorkerStatusBusy {
		return false
	}
	if worker.CurrentTaskID != task.ID {
		return false
	}
	return !worker.LastHeartbeatAt.Before(staleBefore)
}

func (r *Recovery) recover(task *types.Task, result *Result) {
	// Pin source, status and assigned worker in the guard so a concurrent
	// writer (a worker completing right now) is never overwritten
	expectedWorker := task.AssignedWorkerID
	guard := storage.TaskGuard{
		Status:           types.TaskStatusRunning,
		Source:           types.TaskSourceScheduler,
		AssignedWorkerID: &expectedWorker,
	}

	payload := map[string]any{
		"taskId":         task.ID,
		"previousStatus": string(task.Status),
		"retryCount":     task.RetryCount,
		"maxRetries":     task.MaxRetries,
		"reason":         "orphaned_after_restart",
	}

	if task.RetryCount < task.MaxRetries {
		retries := task.RetryCount + 1
		requeued, err := r.status.UpdateTaskStatusGuarded(task.ID, guard,
			types.TaskStatusQueued,
			scheduler.Extra{
				SetRetryCount:   &retries,
				ClearWorker:     true,
				ResetTimestamps: true,
				Reason:          "orphaned_after_restart",
			})
		if err != nil {
			r.logger.Error().Err(err).Str("task_id", task.ID).Msg("failed to requeue orphaned task")
			return
		}
		if requeued {
			result.RecoveredToQueued++
			metrics.RecoveryRequeued.Inc()
			payload["retryCount"] = retries
			r.pub.Publish(events.EventTaskRecoveredAfterRestart, payload)
			r.logger.Info().Str("task_id", task.ID).Int("retry", retries).Msg("orphaned task requeued")
		}
		return
	}

	failed, err := r.status.UpdateTaskStatusGuarded(task.ID, guard,
		types.TaskStatusFailed,
		scheduler.Extra{ClearWorker: true, Reason: "orphaned_after_restart"})
	if err != nil {
		r.logger.Error().Err(err).Str("task_id", task.ID).Msg("failed to fail orphaned task")
		return
	}
	if failed {
		result.MarkedFailed++
		metrics.RecoveryFailed.Inc()
		r.pub.Publish(events.EventTaskRecoveryFailedAfterRest, payload)
		r.logger.Warn().Str("task_id", task.ID).Msg("orphaned task failed, retries exhausted")
	}
}
