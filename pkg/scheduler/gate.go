package scheduler

import (
	"fmt"

	"github.com/camctl/cam/pkg/events"
	"github.com/camctl/cam/pkg/storage"
	"github.com/camctl/cam/pkg/types"
)

// WaitingOutcome is the result of running the gate over a waiting task
type WaitingOutcome string

const (
	WaitingPromoted WaitingOutcome = "promoted"
	WaitingPending  WaitingOutcome = "pending"
	WaitingBlocked  WaitingOutcome = "blocked"
)

// QueuedOutcome is the result of running the gate over a queued task
type QueuedOutcome string

const (
	QueuedReady   QueuedOutcome = "ready"
	QueuedWaiting QueuedOutcome = "waiting"
	QueuedBlocked QueuedOutcome = "blocked"
)

// readiness classifies a dependency set
type readiness int

const (
	depsReady   readiness = iota // every dep completed
	depsPending                  // all deps exist, none blocked, some not yet completed
	depsBlocked                  // a dep failed, was cancelled, or does not exist
)

const reasonDependencyBlocked = "dependency_blocked"

// Gate decides whether a task may leave waiting, and demotes or cancels
// queued tasks whose dependencies regressed. All writes go through the
// status writer's compare-and-swap; losing a race is silent.
type Gate struct {
	store  storage.Store
	status *StatusWriter
	pub    events.Publisher
}

// NewGate creates a dependency gate
func NewGate(store storage.Store, status *StatusWriter, pub events.Publisher) *Gate {
	return &Gate{store: store, status: status, pub: pub}
}

func (g *Gate) classify(dependsOn []string) (readiness, error) {
	deps, err := g.store.GetTasks(dependsOn)
	if err != nil {
		return depsPending, fmt.Errorf("failed to load dependencies: %w", err)
	}
	if len(deps) < len(dependsOn) {
		// a referenced task does not exist; it can never complete
		return depsBlocked, nil
	}

	allCompleted := true
	for _, dep := range deps {
		switch dep.Status {
		case types.TaskStatusFailed, types.TaskStatusCancelled:
			return depsBlocked, nil
		case types.TaskStatusCompleted:
		default:
			allCompleted = false
		}
	}
	if allCompleted {
		return depsReady, nil
	}
	return depsPending, nil
}

// HandleWaiting promotes a waiting task whose dependencies are all completed,
// cancels one with a failed dependency and leaves the rest waiting.
func (g *Gate) HandleWaiting(taskID string, dependsOn []string) (WaitingOutcome, error) {
	state := depsReady
	if len(dependsOn) > 0 {
		var err error
		state, err = g.classify(dependsOn)
		if err != nil {
			return WaitingPending, err
		}
	}

	switch state {
	case depsReady:
		swapped, err := g.status.UpdateTaskStatusFrom(taskID,
			types.TaskStatusWaiting, types.TaskStatusQueued, Extra{})
		if err != nil {
			return WaitingPending, err
		}
		if swapped {
			g.pub.Publish(events.EventTaskDependenciesSatisfied, map[string]any{
				"taskId":    taskID,
				"dependsOn": dependsOn,
			})
		}
		return WaitingPromoted, nil

	case depsBlocked:
		_, err := g.status.UpdateTaskStatusFrom(taskID,
			types.TaskStatusWaiting, types.TaskStatusCancelled,
			Extra{Reason: reasonDependencyBlocked})
		if err != nil {
			return WaitingPending, err
		}
		return WaitingBlocked, nil

	default:
		return WaitingPending, nil
	}
}

// HandleQueued confirms a queued task is still runnable. A task whose
// dependencies regressed to pending is demoted back to waiting rather than
// started; one whose dependency failed is cancelled.
func (g *Gate) HandleQueued(taskID string, dependsOn []string) (QueuedOutcome, error) {
	if len(dependsOn) == 0 {
		return QueuedReady, nil
	}

	state, err := g.classify(dependsOn)
	if err != nil {
		return QueuedWaiting, err
	}

	switch state {
	case depsReady:
		return QueuedReady, nil

	case depsPending:
		_, err := g.status.UpdateTaskStatusFrom(taskID,
			types.TaskStatusQueued, types.TaskStatusWaiting, Extra{})
		if err != nil {
			return QueuedWaiting, err
		}
		return QueuedWaiting, nil

	default:
		_, err := g.status.UpdateTaskStatusFrom(taskID,
			types.TaskStatusQueued, types.TaskStatusCancelled,
			Extra{Reason: reasonDependencyBlocked})
		if err != nil {
			return QueuedWaiting, err
		}
		return QueuedBlocked, nil
	}
}
