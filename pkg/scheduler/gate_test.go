package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camctl/cam/pkg/events"
	"github.com/camctl/cam/pkg/storage"
	"github.com/camctl/cam/pkg/types"
)

func newTestGate(t *testing.T) (storage.Store, *Gate, *capturePub) {
	t.Helper()
	store := newTestStore(t)
	pub := &capturePub{}
	return store, NewGate(store, NewStatusWriter(store, pub), pub), pub
}

// TestGateHandleWaiting tests waiting-task classification and transitions
func TestGateHandleWaiting(t *testing.T) {
	tests := []struct {
		name        string
		deps        map[string]types.TaskStatus // dependency id -> status
		dependsOn   []string
		wantOutcome WaitingOutcome
		wantStatus  types.TaskStatus
	}{
		{
			name:        "no dependencies promotes immediately",
			dependsOn:   nil,
			wantOutcome: WaitingPromoted,
			wantStatus:  types.TaskStatusQueued,
		},
		{
			name:        "all completed promotes",
			deps:        map[string]types.TaskStatus{"d1": types.TaskStatusCompleted, "d2": types.TaskStatusCompleted},
			dependsOn:   []string{"d1", "d2"},
			wantOutcome: WaitingPromoted,
			wantStatus:  types.TaskStatusQueued,
		},
		{
			name:        "one still running stays waiting",
			deps:        map[string]types.TaskStatus{"d1": types.TaskStatusCompleted, "d2": types.TaskStatusRunning},
			dependsOn:   []string{"d1", "d2"},
			wantOutcome: WaitingPending,
			wantStatus:  types.TaskStatusWaiting,
		},
		{
			name:        "failed dependency cancels",
			deps:        map[string]types.TaskStatus{"d1": types.TaskStatusFailed},
			dependsOn:   []string{"d1"},
			wantOutcome: WaitingBlocked,
			wantStatus:  types.TaskStatusCancelled,
		},
		{
			name:        "cancelled dependency cancels",
			deps:        map[string]types.TaskStatus{"d1": types.TaskStatusCancelled},
			dependsOn:   []string{"d1"},
			wantOutcome: WaitingBlocked,
			wantStatus:  types.TaskStatusCancelled,
		},
		{
			name:        "missing dependency cancels",
			dependsOn:   []string{"never-created"},
			wantOutcome: WaitingBlocked,
			wantStatus:  types.TaskStatusCancelled,
		},
		{
			name:        "blocked wins over pending",
			deps:        map[string]types.TaskStatus{"d1": types.TaskStatusRunning, "d2": types.TaskStatusFailed},
			dependsOn:   []string{"d1", "d2"},
			wantOutcome: WaitingBlocked,
			wantStatus:  types.TaskStatusCancelled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, gate, _ := newTestGate(t)
			for id, status := range tt.deps {
				mustCreateTask(t, store, &types.Task{ID: id, Status: status})
			}
			mustCreateTask(t, store, &types.Task{ID: "child", Status: types.TaskStatusWaiting, DependsOn: tt.dependsOn})

			outcome, err := gate.HandleWaiting("child", tt.dependsOn)
			require.NoError(t, err)
			assert.Equal(t, tt.wantOutcome, outcome)
			assert.Equal(t, tt.wantStatus, taskStatus(t, store, "child").Status)
		})
	}
}

// TestGateHandleWaitingPublishesSatisfied tests the promotion event
func TestGateHandleWaitingPublishesSatisfied(t *testing.T) {
	store, gate, pub := newTestGate(t)
	mustCreateTask(t, store, &types.Task{ID: "d1", Status: types.TaskStatusCompleted})
	mustCreateTask(t, store, &types.Task{ID: "child", Status: types.TaskStatusWaiting, DependsOn: []string{"d1"}})

	_, err := gate.HandleWaiting("child", []string{"d1"})
	require.NoError(t, err)
	assert.Contains(t, pub.types(), events.EventTaskDependenciesSatisfied)

	// A second pass finds the task already queued: CAS misses, no second event
	pub.events = nil
	_, err = gate.HandleWaiting("child", []string{"d1"})
	require.NoError(t, err)
	assert.NotContains(t, pub.types(), events.EventTaskDependenciesSatisfied)
	assert.Equal(t, types.TaskStatusQueued, taskStatus(t, store, "child").Status)
}

// TestGateHandleQueued tests the pre-launch re-check
func TestGateHandleQueued(t *testing.T) {
	tests := []struct {
		name        string
		deps        map[string]types.TaskStatus
		dependsOn   []string
		wantOutcome QueuedOutcome
		wantStatus  types.TaskStatus
	}{
		{
			name:        "no dependencies is ready",
			dependsOn:   nil,
			wantOutcome: QueuedReady,
			wantStatus:  types.TaskStatusQueued,
		},
		{
			name:        "all completed is ready",
			deps:        map[string]types.TaskStatus{"d1": types.TaskStatusCompleted},
			dependsOn:   []string{"d1"},
			wantOutcome: QueuedReady,
			wantStatus:  types.TaskStatusQueued,
		},
		{
			name:        "regressed dependency demotes to waiting",
			deps:        map[string]types.TaskStatus{"d1": types.TaskStatusQueued},
			dependsOn:   []string{"d1"},
			wantOutcome: QueuedWaiting,
			wantStatus:  types.TaskStatusWaiting,
		},
		{
			name:        "failed dependency cancels",
			deps:        map[string]types.TaskStatus{"d1": types.TaskStatusFailed},
			dependsOn:   []string{"d1"},
			wantOutcome: QueuedBlocked,
			wantStatus:  types.TaskStatusCancelled,
		},
		{
			name:        "missing dependency cancels",
			dependsOn:   []string{"ghost"},
			wantOutcome: QueuedBlocked,
			wantStatus:  types.TaskStatusCancelled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, gate, _ := newTestGate(t)
			for id, status := range tt.deps {
				mustCreateTask(t, store, &types.Task{ID: id, Status: status})
			}
			mustCreateTask(t, store, &types.Task{ID: "child", Status: types.TaskStatusQueued, DependsOn: tt.dependsOn})

			outcome, err := gate.HandleQueued("child", tt.dependsOn)
			require.NoError(t, err)
			assert.Equal(t, tt.wantOutcome, outcome)
			assert.Equal(t, tt.wantStatus, taskStatus(t, store, "child").Status)
		})
	}
}
