package types

import (
	"time"
)

// Task represents one unit of work that exactly one worker executes end-to-end.
type Task struct {
	ID          string
	Title       string
	Description string // used as the agent prompt

	AgentDefinitionID string

	RepoURL    string
	BaseBranch string
	WorkBranch string
	WorkDir    string // optional sub-directory within the repo

	RepositoryID string // optional, scopes secret resolution

	Status TaskStatus
	Source TaskSource

	DependsOn []string // task ids that must reach completed first
	GroupID   string   // cohort tag; "pipeline/" prefix enables the shared artifact volume

	AssignedWorkerID string // non-empty iff Status == running

	RetryCount int
	MaxRetries int

	CreatedAt   time.Time
	QueuedAt    time.Time
	StartedAt   time.Time
	CompletedAt time.Time

	PRURL         string
	Summary       string
	Feedback      string
	ReviewComment string
}

// TaskStatus represents the state of a task
type TaskStatus string

const (
	TaskStatusWaiting   TaskStatus = "waiting"
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether a task in this status never transitions again.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// TaskSource distinguishes scheduler-managed tasks from live terminal sessions.
// Only scheduler tasks are ever touched by the control plane.
type TaskSource string

const (
	TaskSourceScheduler TaskSource = "scheduler"
	TaskSourceTerminal  TaskSource = "terminal"
)

// Worker is a registration record for an executor, either a container the
// scheduler launched or an externally-started daemon that registered itself.
type Worker struct {
	ID                string
	SupportedAgentIDs []string
	Status            WorkerStatus
	CurrentTaskID     string // non-empty iff Status == busy
	LastHeartbeatAt   time.Time
	ReportedEnvVars   []string // names only, never values
	Mode              WorkerMode
	CreatedAt         time.Time
}

// WorkerStatus represents the current state of a worker
type WorkerStatus string

const (
	WorkerStatusIdle     WorkerStatus = "idle"
	WorkerStatusBusy     WorkerStatus = "busy"
	WorkerStatusDraining WorkerStatus = "draining"
	WorkerStatusOffline  WorkerStatus = "offline"
)

// WorkerMode distinguishes how a worker came to exist
type WorkerMode string

const (
	WorkerModeContainer WorkerMode = "container"
	WorkerModeDaemon    WorkerMode = "daemon"
)

// AgentDefinition is an immutable-per-version descriptor of a coding agent.
type AgentDefinition struct {
	ID              string
	DisplayName     string
	DockerImage     string
	Command         string
	Args            []string
	RequiredEnvVars []EnvVarSpec
	ResourceLimits  ResourceLimits
}

// EnvVarSpec declares one environment variable an agent needs.
type EnvVarSpec struct {
	Name      string
	Required  bool
	Sensitive bool
}

// ResourceLimits holds agent default resource limits
type ResourceLimits struct {
	MemoryLimitMB int64
}

// EnvVarScope narrows secret resolution. Precedence when resolving:
// repo+agent > repo > agent > global.
type EnvVarScope struct {
	RepositoryID      string
	RepoURL           string
	AgentDefinitionID string
}

// SystemEvent is one row of the append-only audit log. The control plane
// writes events for every status change and major action; it never reads
// them back.
type SystemEvent struct {
	ID        int64
	Type      string
	Payload   map[string]any
	Timestamp time.Time
	Actor     string
}

// EnvVar is one stored secret value, encrypted at rest. RepositoryID and
// AgentDefinitionID are empty for globally-scoped values.
type EnvVar struct {
	Name              string
	RepositoryID      string
	AgentDefinitionID string
	Encrypted         []byte
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
