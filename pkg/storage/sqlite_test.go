package storage

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camctl/cam/pkg/types"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTask(id string, status types.TaskStatus) *types.Task {
	return &types.Task{
		ID:                id,
		Title:             "task " + id,
		AgentDefinitionID: "claude-code",
		RepoURL:           "https://github.com/example/repo",
		Status:            status,
		Source:            types.TaskSourceScheduler,
		MaxRetries:        2,
		CreatedAt:         time.Now(),
	}
}

// TestTaskRoundTrip tests that a created task reads back intact
func TestTaskRoundTrip(t *testing.T) {
	store := newTestStore(t)

	created := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	task := &types.Task{
		ID:                "t1",
		Title:             "build the parser",
		Description:       "implement the parser per the ticket",
		AgentDefinitionID: "claude-code",
		RepoURL:           "https://github.com/example/repo",
		BaseBranch:        "main",
		WorkBranch:        "cam/build-the-parser-t1",
		WorkDir:           "services/parser",
		Status:            types.TaskStatusWaiting,
		Source:            types.TaskSourceScheduler,
		DependsOn:         []string{"t0a", "t0b"},
		GroupID:           "pipeline/release-1",
		MaxRetries:        2,
		CreatedAt:         created,
	}
	require.NoError(t, store.CreateTask(task))

	got, err := store.GetTask("t1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, task.Title, got.Title)
	assert.Equal(t, task.DependsOn, got.DependsOn)
	assert.Equal(t, task.GroupID, got.GroupID)
	assert.Equal(t, types.TaskStatusWaiting, got.Status)
	assert.True(t, got.CreatedAt.Equal(created))
	assert.True(t, got.QueuedAt.IsZero())
	assert.True(t, got.StartedAt.IsZero())
}

// TestGetTaskMissing tests that a missing task is nil, not an error
func TestGetTaskMissing(t *testing.T) {
	store := newTestStore(t)

	got, err := store.GetTask("no-such-task")
	assert.NoError(t, err)
	assert.Nil(t, got)
}

// TestGetTasksPartial tests that missing ids are absent rather than errors
func TestGetTasksPartial(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateTask(newTask("a", types.TaskStatusQueued)))

	got, err := store.GetTasks([]string{"a", "ghost"})
	require.NoError(t, err)
	assert.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ID)

	got, err = store.GetTasks(nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

// TestUpdateTaskWhere tests the compare-and-swap semantics
func TestUpdateTaskWhere(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateTask(newTask("t1", types.TaskStatusQueued)))

	running := types.TaskStatusRunning
	worker := "worker-t1"
	swapped, err := store.UpdateTaskWhere("t1",
		TaskGuard{Status: types.TaskStatusQueued},
		TaskMutation{Status: &running, AssignedWorkerID: &worker})
	require.NoError(t, err)
	assert.True(t, swapped)

	got, err := store.GetTask("t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusRunning, got.Status)
	assert.Equal(t, "worker-t1", got.AssignedWorkerID)

	// The same swap again loses: the row is no longer queued
	swapped, err = store.UpdateTaskWhere("t1",
		TaskGuard{Status: types.TaskStatusQueued},
		TaskMutation{Status: &running})
	require.NoError(t, err)
	assert.False(t, swapped)
}

// TestUpdateTaskWhereFullGuard tests source and worker pinning in the guard
func TestUpdateTaskWhereFullGuard(t *testing.T) {
	store := newTestStore(t)
	task := newTask("t1", types.TaskStatusRunning)
	task.AssignedWorkerID = "worker-aaa"
	require.NoError(t, store.CreateTask(task))

	queued := types.TaskStatusQueued

	// Wrong expected worker: no swap
	wrong := "worker-bbb"
	swapped, err := store.UpdateTaskWhere("t1",
		TaskGuard{Status: types.TaskStatusRunning, AssignedWorkerID: &wrong},
		TaskMutation{Status: &queued})
	require.NoError(t, err)
	assert.False(t, swapped)

	// Wrong source: no swap
	swapped, err = store.UpdateTaskWhere("t1",
		TaskGuard{Status: types.TaskStatusRunning, Source: types.TaskSourceTerminal},
		TaskMutation{Status: &queued})
	require.NoError(t, err)
	assert.False(t, swapped)

	// Full guard matches: swap lands, worker cleared via pointer-to-zero
	right := "worker-aaa"
	empty := ""
	swapped, err = store.UpdateTaskWhere("t1",
		TaskGuard{Status: types.TaskStatusRunning, Source: types.TaskSourceScheduler, AssignedWorkerID: &right},
		TaskMutation{Status: &queued, AssignedWorkerID: &empty})
	require.NoError(t, err)
	assert.True(t, swapped)

	got, err := store.GetTask("t1")
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusQueued, got.Status)
	assert.Empty(t, got.AssignedWorkerID)
}

// TestUpdateTaskWhereClearsTimestamps tests pointer-to-zero time clearing
func TestUpdateTaskWhereClearsTimestamps(t *testing.T) {
	store := newTestStore(t)
	task := newTask("t1", types.TaskStatusRunning)
	task.StartedAt = time.Now()
	require.NoError(t, store.CreateTask(task))

	queued := types.TaskStatusQueued
	zero := time.Time{}
	swapped, err := store.UpdateTaskWhere("t1",
		TaskGuard{Status: types.TaskStatusRunning},
		TaskMutation{Status: &queued, StartedAt: &zero})
	require.NoError(t, err)
	require.True(t, swapped)

	got, err := store.GetTask("t1")
	require.NoError(t, err)
	assert.True(t, got.StartedAt.IsZero())
}

// TestUpdateTaskWhereEmptyMutation tests that an empty SET is rejected
func TestUpdateTaskWhereEmptyMutation(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateTask(newTask("t1", types.TaskStatusQueued)))

	_, err := store.UpdateTaskWhere("t1",
		TaskGuard{Status: types.TaskStatusQueued}, TaskMutation{})
	assert.Error(t, err)
}

// TestListTasksFiltersBySourceAndStatus tests the tick's batch queries
func TestListTasksFiltersBySourceAndStatus(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.CreateTask(newTask("w1", types.TaskStatusWaiting)))
	require.NoError(t, store.CreateTask(newTask("q1", types.TaskStatusQueued)))
	require.NoError(t, store.CreateTask(newTask("r1", types.TaskStatusRunning)))
	require.NoError(t, store.CreateTask(newTask("c1", types.TaskStatusCompleted)))

	// Terminal-session tasks are invisible to the scheduler
	terminal := newTask("term1", types.TaskStatusQueued)
	terminal.Source = types.TaskSourceTerminal
	require.NoError(t, store.CreateTask(terminal))

	waiting, err := store.ListWaitingTasks(50)
	require.NoError(t, err)
	assert.Len(t, waiting, 1)
	assert.Equal(t, "w1", waiting[0].ID)

	queued, err := store.ListQueuedTasks(20)
	require.NoError(t, err)
	assert.Len(t, queued, 1)
	assert.Equal(t, "q1", queued[0].ID)

	running, err := store.ListRunningTasks("", 500)
	require.NoError(t, err)
	assert.Len(t, running, 1)
	assert.Equal(t, "r1", running[0].ID)
}

// TestListRunningTasksPagination tests id-ordered paging
func TestListRunningTasksPagination(t *testing.T) {
	store := newTestStore(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, store.CreateTask(newTask(fmt.Sprintf("r%d", i), types.TaskStatusRunning)))
	}

	page1, err := store.ListRunningTasks("", 2)
	require.NoError(t, err)
	require.Len(t, page1, 2)
	assert.Equal(t, "r0", page1[0].ID)
	assert.Equal(t, "r1", page1[1].ID)

	page2, err := store.ListRunningTasks(page1[1].ID, 2)
	require.NoError(t, err)
	require.Len(t, page2, 2)
	assert.Equal(t, "r2", page2[0].ID)

	page3, err := store.ListRunningTasks("r3", 2)
	require.NoError(t, err)
	require.Len(t, page3, 1)
	assert.Equal(t, "r4", page3[0].ID)
}

// TestListTasksByWorker tests the dead-worker task lookup
func TestListTasksByWorker(t *testing.T) {
	store := newTestStore(t)

	running := newTask("r1", types.TaskStatusRunning)
	running.AssignedWorkerID = "worker-1"
	require.NoError(t, store.CreateTask(running))

	// Same worker id but already terminal: not returned
	done := newTask("c1", types.TaskStatusCompleted)
	done.AssignedWorkerID = "worker-1"
	require.NoError(t, store.CreateTask(done))

	tasks, err := store.ListTasksByWorker("worker-1")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "r1", tasks[0].ID)
}

// TestWorkerUpsertAndStaleSweep tests worker registration and heartbeat queries
func TestWorkerUpsertAndStaleSweep(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()

	stale := &types.Worker{
		ID:                "worker-stale",
		SupportedAgentIDs: []string{"claude-code"},
		Status:            types.WorkerStatusBusy,
		CurrentTaskID:     "t1",
		LastHeartbeatAt:   now.Add(-time.Minute),
		Mode:              types.WorkerModeContainer,
		CreatedAt:         now,
	}
	fresh := &types.Worker{
		ID:              "worker-fresh",
		Status:          types.WorkerStatusBusy,
		CurrentTaskID:   "t2",
		LastHeartbeatAt: now,
		Mode:            types.WorkerModeDaemon,
		CreatedAt:       now,
	}
	idle := &types.Worker{
		ID:              "worker-idle",
		Status:          types.WorkerStatusIdle,
		LastHeartbeatAt: now.Add(-time.Hour),
		Mode:            types.WorkerModeDaemon,
		CreatedAt:       now,
	}
	for _, w := range []*types.Worker{stale, fresh, idle} {
		require.NoError(t, store.UpsertWorker(w))
	}

	staleBefore := now.Add(-30 * time.Second)
	got, err := store.ListStaleBusyWorkers(staleBefore)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "worker-stale", got[0].ID)
	assert.Equal(t, []string{"claude-code"}, got[0].SupportedAgentIDs)

	// Upsert refreshes the heartbeat in place
	stale.LastHeartbeatAt = now
	require.NoError(t, store.UpsertWorker(stale))
	got, err = store.ListStaleBusyWorkers(staleBefore)
	require.NoError(t, err)
	assert.Empty(t, got)
}

// TestTimeColumnsOrderSubSecond tests that stored timestamps compare
// correctly at sub-second granularity: queued_at drives FIFO order and
// last_heartbeat_at backs the staleness guard, both as string comparisons
func TestTimeColumnsOrderSubSecond(t *testing.T) {
	store := newTestStore(t)
	base := time.Date(2026, 8, 1, 12, 0, 5, 0, time.UTC)

	// whole-second task queued after a fractional-second one
	first := newTask("t-first", types.TaskStatusQueued)
	first.QueuedAt = base.Add(-500 * time.Millisecond)
	second := newTask("t-second", types.TaskStatusQueued)
	second.QueuedAt = base
	require.NoError(t, store.CreateTask(second))
	require.NoError(t, store.CreateTask(first))

	queued, err := store.ListQueuedTasks(10)
	require.NoError(t, err)
	require.Len(t, queued, 2)
	assert.Equal(t, "t-first", queued[0].ID)
	assert.Equal(t, "t-second", queued[1].ID)

	// whole-second heartbeat older than a fractional cutoff is stale
	require.NoError(t, store.UpsertWorker(&types.Worker{
		ID:              "worker-1",
		Status:          types.WorkerStatusBusy,
		CurrentTaskID:   "t-first",
		LastHeartbeatAt: base,
		Mode:            types.WorkerModeContainer,
		CreatedAt:       base,
	}))
	stale, err := store.ListStaleBusyWorkers(base.Add(400 * time.Millisecond))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "worker-1", stale[0].ID)

	reaped, err := store.MarkWorkerOffline("worker-1", base.Add(400*time.Millisecond))
	require.NoError(t, err)
	assert.True(t, reaped)
}

// TestMarkWorkerOffline tests the freshness-guarded offline flip
func TestMarkWorkerOffline(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()

	worker := &types.Worker{
		ID:              "worker-1",
		Status:          types.WorkerStatusBusy,
		CurrentTaskID:   "t1",
		LastHeartbeatAt: now.Add(-time.Minute),
		Mode:            types.WorkerModeContainer,
		CreatedAt:       now,
	}
	require.NoError(t, store.UpsertWorker(worker))

	// A heartbeat newer than the threshold keeps the worker alive
	reaped, err := store.MarkWorkerOffline("worker-1", now.Add(-2*time.Minute))
	require.NoError(t, err)
	assert.False(t, reaped)

	reaped, err = store.MarkWorkerOffline("worker-1", now.Add(-30*time.Second))
	require.NoError(t, err)
	assert.True(t, reaped)

	got, err := store.GetWorker("worker-1")
	require.NoError(t, err)
	assert.Equal(t, types.WorkerStatusOffline, got.Status)
	assert.Empty(t, got.CurrentTaskID)

	// Already offline: second flip is a no-op
	reaped, err = store.MarkWorkerOffline("worker-1", now)
	require.NoError(t, err)
	assert.False(t, reaped)
}

// TestAgentDefinitionRoundTrip tests agent definition storage
func TestAgentDefinitionRoundTrip(t *testing.T) {
	store := newTestStore(t)

	def := &types.AgentDefinition{
		ID:          "claude-code",
		DisplayName: "Claude Code",
		DockerImage: "ghcr.io/example/claude-agent:v3",
		Command:     "/usr/local/bin/agent",
		Args:        []string{"--headless"},
		RequiredEnvVars: []types.EnvVarSpec{
			{Name: "ANTHROPIC_API_KEY", Required: true, Sensitive: true},
			{Name: "AGENT_THEME", Required: false},
		},
		ResourceLimits: types.ResourceLimits{MemoryLimitMB: 4096},
	}
	require.NoError(t, store.PutAgentDefinition(def))

	got, err := store.GetAgentDefinition("claude-code")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, def.DockerImage, got.DockerImage)
	assert.Equal(t, def.RequiredEnvVars, got.RequiredEnvVars)
	assert.Equal(t, int64(4096), got.ResourceLimits.MemoryLimitMB)

	// Put again with a new image: updated, not duplicated
	def.DockerImage = "ghcr.io/example/claude-agent:v4"
	require.NoError(t, store.PutAgentDefinition(def))

	defs, err := store.ListAgentDefinitions()
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "ghcr.io/example/claude-agent:v4", defs[0].DockerImage)

	missing, err := store.GetAgentDefinition("nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

// TestLookupEnvVarPrecedence tests scope specificity ordering
func TestLookupEnvVarPrecedence(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()

	put := func(repo, agent string, value string) {
		require.NoError(t, store.PutEnvVar(&types.EnvVar{
			Name:              "API_KEY",
			RepositoryID:      repo,
			AgentDefinitionID: agent,
			Encrypted:         []byte(value),
			CreatedAt:         now,
			UpdatedAt:         now,
		}))
	}
	put("", "", "global")
	put("", "claude-code", "agent")
	put("repo-1", "", "repo")
	put("repo-1", "claude-code", "repo+agent")

	tests := []struct {
		name  string
		scope types.EnvVarScope
		want  string
	}{
		{
			name:  "repo and agent beats everything",
			scope: types.EnvVarScope{RepositoryID: "repo-1", AgentDefinitionID: "claude-code"},
			want:  "repo+agent",
		},
		{
			name:  "repo beats agent",
			scope: types.EnvVarScope{RepositoryID: "repo-1", AgentDefinitionID: "other-agent"},
			want:  "repo",
		},
		{
			name:  "agent beats global",
			scope: types.EnvVarScope{RepositoryID: "other-repo", AgentDefinitionID: "claude-code"},
			want:  "agent",
		},
		{
			name:  "global as last resort",
			scope: types.EnvVarScope{RepositoryID: "other-repo", AgentDefinitionID: "other-agent"},
			want:  "global",
		},
		{
			name:  "empty scope resolves global",
			scope: types.EnvVarScope{},
			want:  "global",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.LookupEnvVar("API_KEY", tt.scope)
			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, tt.want, string(got.Encrypted))
		})
	}

	missing, err := store.LookupEnvVar("NO_SUCH_VAR", types.EnvVarScope{})
	require.NoError(t, err)
	assert.Nil(t, missing)
}

// TestLookupEnvVarByRepoURL tests that a secret stored under a repository URL
// resolves for a scope that only carries repo_url, as tasks created by the
// CLI do
func TestLookupEnvVarByRepoURL(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()
	repoURL := "https://github.com/example/repo"

	require.NoError(t, store.PutEnvVar(&types.EnvVar{
		Name:         "OPENAI_API_KEY",
		RepositoryID: repoURL,
		Encrypted:    []byte("repo"),
		CreatedAt:    now,
		UpdatedAt:    now,
	}))
	require.NoError(t, store.PutEnvVar(&types.EnvVar{
		Name:              "OPENAI_API_KEY",
		RepositoryID:      repoURL,
		AgentDefinitionID: "claude-code",
		Encrypted:         []byte("repo+agent"),
		CreatedAt:         now,
		UpdatedAt:         now,
	}))

	scope := types.EnvVarScope{RepoURL: repoURL, AgentDefinitionID: "claude-code"}
	got, err := store.LookupEnvVar("OPENAI_API_KEY", scope)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "repo+agent", string(got.Encrypted))

	scope.AgentDefinitionID = "other-agent"
	got, err = store.LookupEnvVar("OPENAI_API_KEY", scope)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "repo", string(got.Encrypted))

	got, err = store.LookupEnvVar("OPENAI_API_KEY",
		types.EnvVarScope{RepoURL: "https://github.com/example/other"})
	require.NoError(t, err)
	assert.Nil(t, got)
}

// TestPutEnvVarUpsert tests that re-putting a scoped value overwrites it
func TestPutEnvVarUpsert(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()

	v := &types.EnvVar{
		Name:      "TOKEN",
		Encrypted: []byte("v1"),
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, store.PutEnvVar(v))
	v.Encrypted = []byte("v2")
	require.NoError(t, store.PutEnvVar(v))

	got, err := store.LookupEnvVar("TOKEN", types.EnvVarScope{})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "v2", string(got.Encrypted))
}

// TestAppendSystemEvent tests audit rows insert without error
func TestAppendSystemEvent(t *testing.T) {
	store := newTestStore(t)

	err := store.AppendSystemEvent(&types.SystemEvent{
		Type:      "task.progress",
		Payload:   map[string]any{"taskId": "t1", "status": "running"},
		Timestamp: time.Now(),
		Actor:     "scheduler",
	})
	assert.NoError(t, err)
}
