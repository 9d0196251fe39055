package storage

import (
	"time"

	"github.com/camctl/cam/pkg/types"
)

// TaskGuard is the WHERE side of a task compare-and-swap. Status is always
// checked; Source and AssignedWorkerID are checked when set.
type TaskGuard struct {
	Status           types.TaskStatus
	Source           types.TaskSource
	AssignedWorkerID *string
}

// TaskMutation is the SET side of a task compare-and-swap. Nil fields are
// left untouched; a pointer to the zero value clears the column.
type TaskMutation struct {
	Status           *types.TaskStatus
	AssignedWorkerID *string
	RetryCount       *int
	QueuedAt         *time.Time
	StartedAt        *time.Time
	CompletedAt      *time.Time
	Summary          *string
}

// Store defines the interface for control-plane state storage.
// Implemented by the SQLite-backed store; every contended task or worker
// mutation is a single-statement compare-and-swap and a zero-rowcount
// result is reported as swapped=false, never as an error.
type Store interface {
	// Tasks
	CreateTask(task *types.Task) error
	GetTask(id string) (*types.Task, error)
	GetTasks(ids []string) ([]*types.Task, error)
	ListTasks(limit int) ([]*types.Task, error)
	ListWaitingTasks(limit int) ([]*types.Task, error)
	ListQueuedTasks(limit int) ([]*types.Task, error)
	ListRunningTasks(afterID string, limit int) ([]*types.Task, error)
	ListTasksByWorker(workerID string) ([]*types.Task, error)
	UpdateTaskWhere(id string, guard TaskGuard, mut TaskMutation) (bool, error)

	// Workers
	UpsertWorker(worker *types.Worker) error
	GetWorker(id string) (*types.Worker, error)
	GetWorkers(ids []string) ([]*types.Worker, error)
	ListWorkers() ([]*types.Worker, error)
	ListStaleBusyWorkers(staleBefore time.Time) ([]*types.Worker, error)
	MarkWorkerOffline(id string, staleBefore time.Time) (bool, error)
	DeleteWorker(id string) error

	// Agent definitions
	PutAgentDefinition(def *types.AgentDefinition) error
	GetAgentDefinition(id string) (*types.AgentDefinition, error)
	ListAgentDefinitions() ([]*types.AgentDefinition, error)

	// Encrypted env vars
	PutEnvVar(v *types.EnvVar) error
	LookupEnvVar(name string, scope types.EnvVarScope) (*types.EnvVar, error)

	// Audit log
	AppendSystemEvent(event *types.SystemEvent) error

	// Utility
	Close() error
}
