package scheduler

import (
	"time"

	"github.com/camctl/cam/pkg/events"
	"github.com/camctl/cam/pkg/metrics"
	"github.com/camctl/cam/pkg/types"
)

// checkHeartbeats reaps workers whose last heartbeat is older than the stale
// threshold and recovers their tasks: back to the queue while retries remain,
// failed once they are exhausted.
func (s *Scheduler) checkHeartbeats() {
	staleBefore := time.Now().Add(-s.cfg.StaleTimeout)

	workers, err := s.store.ListStaleBusyWorkers(staleBefore)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list stale workers")
		return
	}

	for _, worker := range workers {
		s.reapWorker(worker, staleBefore)
	}

	s.updateWorkerGauge()
}

func (s *Scheduler) updateWorkerGauge() {
	workers, err := s.store.ListWorkers()
	if err != nil {
		return
	}
	counts := make(map[types.WorkerStatus]int)
	for _, worker := range workers {
		counts[worker.Status]++
	}
	for _, status := range []types.WorkerStatus{
		types.WorkerStatusIdle, types.WorkerStatusBusy,
		types.WorkerStatusDraining, types.WorkerStatusOffline,
	} {
		metrics.WorkersTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

func (s *Scheduler) reapWorker(worker *types.Worker, staleBefore time.Time) {
	// The offline flip re-checks freshness so a heartbeat that landed
	// between select and update keeps the worker alive
	reaped, err := s.store.MarkWorkerOffline(worker.ID, staleBefore)
	if err != nil {
		s.logger.Error().Err(err).Str("worker_id", worker.ID).Msg("failed to mark worker offline")
		return
	}
	if !reaped {
		return
	}
	metrics.WorkersReaped.Inc()
	s.logger.Warn().Str("worker_id", worker.ID).
		Time("last_heartbeat", worker.LastHeartbeatAt).Msg("worker heartbeat stale, marked offline")

	tasks, err := s.store.ListTasksByWorker(worker.ID)
	if err != nil {
		s.logger.Error().Err(err).Str("worker_id", worker.ID).Msg("failed to list tasks of dead worker")
		return
	}

	for _, task := range tasks {
		s.recoverTask(task, "worker_heartbeat_stale")
	}

	s.pub.Publish(events.EventWorkerOffline, map[string]any{
		"workerId": worker.ID,
	})
	msg := "worker " + worker.ID + " went offline"
	if len(tasks) > 0 {
		msg = "worker " + worker.ID + " went offline with an assigned task"
	}
	s.pub.Publish(events.EventAlertTriggered, map[string]any{
		"message":  msg,
		"severity": "warning",
	})
}

// recoverTask re-queues a running task that lost its worker, or fails it when
// retries are exhausted.
func (s *Scheduler) recoverTask(task *types.Task, reason string) {
	payload := map[string]any{
		"taskId":         task.ID,
		"previousStatus": string(task.Status),
		"retryCount":     task.RetryCount,
		"maxRetries":     task.MaxRetries,
		"reason":         reason,
	}

	if task.RetryCount < task.MaxRetries {
		retries := task.RetryCount + 1
		requeued, err := s.status.UpdateTaskStatusFrom(task.ID,
			types.TaskStatusRunning, types.TaskStatusQueued,
			Extra{
				SetRetryCount:   &retries,
				ClearWorker:     true,
				ResetTimestamps: true,
				Reason:          reason,
			})
		if err != nil {
			s.logger.Error().Err(err).Str("task_id", task.ID).Msg("failed to requeue task")
			return
		}
		if requeued {
			payload["retryCount"] = retries
			s.pub.Publish(events.EventTaskRecoveredAfterRestart, payload)
			s.logger.Info().Str("task_id", task.ID).Int("retry", retries).Msg("task requeued after worker death")
		}
		return
	}

	failed, err := s.status.UpdateTaskStatusFrom(task.ID,
		types.TaskStatusRunning, types.TaskStatusFailed,
		Extra{ClearWorker: true, Reason: reason})
	if err != nil {
		s.logger.Error().Err(err).Str("task_id", task.ID).Msg("failed to fail task")
		return
	}
	if failed {
		metrics.TasksFailed.Inc()
		s.pub.Publish(events.EventTaskRecoveryFailedAfterRest, payload)
		s.logger.Warn().Str("task_id", task.ID).Msg("task failed, retries exhausted")
	}
}
