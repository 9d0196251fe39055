package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/camctl/cam/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	agent_definition_id TEXT NOT NULL,
	repo_url TEXT NOT NULL DEFAULT '',
	base_branch TEXT NOT NULL DEFAULT '',
	work_branch TEXT NOT NULL DEFAULT '',
	work_dir TEXT NOT NULL DEFAULT '',
	repository_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	source TEXT NOT NULL DEFAULT 'scheduler',
	depends_on TEXT NOT NULL DEFAULT '[]',
	group_id TEXT NOT NULL DEFAULT '',
	assigned_worker_id TEXT NOT NULL DEFAULT '',
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	queued_at TEXT NOT NULL DEFAULT '',
	started_at TEXT NOT NULL DEFAULT '',
	completed_at TEXT NOT NULL DEFAULT '',
	pr_url TEXT NOT NULL DEFAULT '',
	summary TEXT NOT NULL DEFAULT '',
	feedback TEXT NOT NULL DEFAULT '',
	review_comment TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS workers (
	id TEXT PRIMARY KEY,
	supported_agent_ids TEXT NOT NULL DEFAULT '[]',
	status TEXT NOT NULL,
	current_task_id TEXT NOT NULL DEFAULT '',
	last_heartbeat_at TEXT NOT NULL DEFAULT '',
	reported_env_vars TEXT NOT NULL DEFAULT '[]',
	mode TEXT NOT NULL DEFAULT 'container',
	created_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS agent_definitions (
	id TEXT PRIMARY KEY,
	display_name TEXT NOT NULL DEFAULT '',
	docker_image TEXT NOT NULL,
	command TEXT NOT NULL DEFAULT '',
	args TEXT NOT NULL DEFAULT '[]',
	required_env_vars TEXT NOT NULL DEFAULT '[]',
	memory_limit_mb INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS env_vars (
	name TEXT NOT NULL,
	repository_id TEXT NOT NULL DEFAULT '',
	agent_definition_id TEXT NOT NULL DEFAULT '',
	encrypted BLOB NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (name, repository_id, agent_definition_id)
);
CREATE TABLE IF NOT EXISTS system_events (
	id INTEGER PRIMARY KEY,
	type TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT '{}',
	timestamp TEXT NOT NULL,
	actor TEXT NOT NULL DEFAULT ''
);
`

// indexes for the scheduler's hot query patterns (tick batches, heartbeat
// sweep, orphan scan)
const indexes = `
CREATE INDEX IF NOT EXISTS idx_tasks_source_status ON tasks(source, status);
CREATE INDEX IF NOT EXISTS idx_tasks_assigned_worker ON tasks(assigned_worker_id, status);
CREATE INDEX IF NOT EXISTS idx_workers_status_heartbeat ON workers(status, last_heartbeat_at);
`

// SQLiteStore implements Store using SQLite via database/sql.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating parent dirs and schema) the database at path.
// Use ":memory:" for an ephemeral store in tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create data directory: %w", err)
			}
		}
		path += "?_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// database/sql pooling breaks :memory: databases and write-heavy CAS
	// patterns on SQLite; a single connection serializes all statements.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	if _, err := db.Exec(indexes); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create indexes: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// time columns are stored as fixed-width UTC text, zero time as the empty
// string. The width matters: queued_at ordering and the heartbeat staleness
// guard compare these columns as strings, and RFC3339Nano's trimmed trailing
// zeros would sort "05Z" after "05.5Z".
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func encodeTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func decodeTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func encodeJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func decodeStrings(s string) []string {
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}

// Task operations

const taskColumns = `id, title, description, agent_definition_id, repo_url, base_branch,
	work_branch, work_dir, repository_id, status, source, depends_on, group_id,
	assigned_worker_id, retry_count, max_retries, created_at, queued_at,
	started_at, completed_at, pr_url, summary, feedback, review_comment`

func (s *SQLiteStore) CreateTask(task *types.Task) error {
	_, err := s.db.Exec(`INSERT INTO tasks (`+taskColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		task.ID, task.Title, task.Description, task.AgentDefinitionID,
		task.RepoURL, task.BaseBranch, task.WorkBranch, task.WorkDir,
		task.RepositoryID, string(task.Status), string(task.Source),
		encodeJSON(task.DependsOn), task.GroupID, task.AssignedWorkerID,
		task.RetryCount, task.MaxRetries,
		encodeTime(task.CreatedAt), encodeTime(task.QueuedAt),
		encodeTime(task.StartedAt), encodeTime(task.CompletedAt),
		task.PRURL, task.Summary, task.Feedback, task.ReviewComment)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

func scanTask(row interface{ Scan(...any) error }) (*types.Task, error) {
	var t types.Task
	var status, source, dependsOn string
	var createdAt, queuedAt, startedAt, completedAt string
	err := row.Scan(&t.ID, &t.Title, &t.Description, &t.AgentDefinitionID,
		&t.RepoURL, &t.BaseBranch, &t.WorkBranch, &t.WorkDir,
		&t.RepositoryID, &status, &source, &dependsOn, &t.GroupID,
		&t.AssignedWorkerID, &t.RetryCount, &t.MaxRetries,
		&createdAt, &queuedAt, &startedAt, &completedAt,
		&t.PRURL, &t.Summary, &t.Feedback, &t.ReviewComment)
	if err != nil {
		return nil, err
	}
	t.Status = types.TaskStatus(status)
	t.Source = types.TaskSource(source)
	t.DependsOn = decodeStrings(dependsOn)
	t.CreatedAt = decodeTime(createdAt)
	t.QueuedAt = decodeTime(queuedAt)
	t.StartedAt = decodeTime(startedAt)
	t.CompletedAt = decodeTime(completedAt)
	return &t, nil
}

func (s *SQLiteStore) GetTask(id string) (*types.Task, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task %s: %w", id, err)
	}
	return task, nil
}

func (s *SQLiteStore) queryTasks(query string, args ...any) ([]*types.Task, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*types.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// GetTasks loads the given task ids in one batch. Missing ids are simply
// absent from the result; callers that care (the dependency gate) compare
// lengths.
func (s *SQLiteStore) GetTasks(ids []string) ([]*types.Task, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return s.queryTasks(`SELECT `+taskColumns+` FROM tasks WHERE id IN (`+placeholders+`)`, args...)
}

func (s *SQLiteStore) ListTasks(limit int) ([]*types.Task, error) {
	return s.queryTasks(`SELECT `+taskColumns+` FROM tasks
		WHERE source = ? ORDER BY created_at DESC LIMIT ?`,
		string(types.TaskSourceScheduler), limit)
}

func (s *SQLiteStore) ListWaitingTasks(limit int) ([]*types.Task, error) {
	return s.queryTasks(`SELECT `+taskColumns+` FROM tasks
		WHERE source = ? AND status = ? ORDER BY created_at LIMIT ?`,
		string(types.TaskSourceScheduler), string(types.TaskStatusWaiting), limit)
}

func (s *SQLiteStore) ListQueuedTasks(limit int) ([]*types.Task, error) {
	return s.queryTasks(`SELECT `+taskColumns+` FROM tasks
		WHERE source = ? AND status = ? ORDER BY queued_at LIMIT ?`,
		string(types.TaskSourceScheduler), string(types.TaskStatusQueued), limit)
}

// ListRunningTasks paginates scheduler-source running tasks by id so startup
// recovery can walk an arbitrarily large backlog.
func (s *SQLiteStore) ListRunningTasks(afterID string, limit int) ([]*types.Task, error) {
	return s.queryTasks(`SELECT `+taskColumns+` FROM tasks
		WHERE source = ? AND status = ? AND id > ? ORDER BY id LIMIT ?`,
		string(types.TaskSourceScheduler), string(types.TaskStatusRunning), afterID, limit)
}

func (s *SQLiteStore) ListTasksByWorker(workerID string) ([]*types.Task, error) {
	return s.queryTasks(`SELECT `+taskColumns+` FROM tasks
		WHERE assigned_worker_id = ? AND status = ? AND source = ?`,
		workerID, string(types.TaskStatusRunning), string(types.TaskSourceScheduler))
}

// UpdateTaskWhere performs one compare-and-swap on a task row. The guard's
// status (and source / assigned worker when set) must still match for the
// update to land; swapped=false means another writer won the race.
func (s *SQLiteStore) UpdateTaskWhere(id string, guard TaskGuard, mut TaskMutation) (bool, error) {
	var sets []string
	var args []any

	if mut.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*mut.Status))
	}
	if mut.AssignedWorkerID != nil {
		sets = append(sets, "assigned_worker_id = ?")
		args = append(args, *mut.AssignedWorkerID)
	}
	if mut.RetryCount != nil {
		sets = append(sets, "retry_count = ?")
		args = append(args, *mut.RetryCount)
	}
	if mut.QueuedAt != nil {
		sets = append(sets, "queued_at = ?")
		args = append(args, encodeTime(*mut.QueuedAt))
	}
	if mut.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, encodeTime(*mut.StartedAt))
	}
	if mut.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, encodeTime(*mut.CompletedAt))
	}
	if mut.Summary != nil {
		sets = append(sets, "summary = ?")
		args = append(args, *mut.Summary)
	}
	if len(sets) == 0 {
		return false, fmt.Errorf("empty task mutation for %s", id)
	}

	where := []string{"id = ?", "status = ?"}
	args = append(args, id, string(guard.Status))
	if guard.Source != "" {
		where = append(where, "source = ?")
		args = append(args, string(guard.Source))
	}
	if guard.AssignedWorkerID != nil {
		where = append(where, "assigned_worker_id = ?")
		args = append(args, *guard.AssignedWorkerID)
	}

	query := "UPDATE tasks SET " + strings.Join(sets, ", ") +
		" WHERE " + strings.Join(where, " AND ")
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Worker operations

const workerColumns = `id, supported_agent_ids, status, current_task_id,
	last_heartbeat_at, reported_env_vars, mode, created_at`

func (s *SQLiteStore) UpsertWorker(worker *types.Worker) error {
	_, err := s.db.Exec(`INSERT INTO workers (`+workerColumns+`)
		VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			supported_agent_ids = excluded.supported_agent_ids,
			status = excluded.status,
			current_task_id = excluded.current_task_id,
			last_heartbeat_at = excluded.last_heartbeat_at,
			reported_env_vars = excluded.reported_env_vars,
			mode = excluded.mode`,
		worker.ID, encodeJSON(worker.SupportedAgentIDs), string(worker.Status),
		worker.CurrentTaskID, encodeTime(worker.LastHeartbeatAt),
		encodeJSON(worker.ReportedEnvVars), string(worker.Mode),
		encodeTime(worker.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert worker %s: %w", worker.ID, err)
	}
	return nil
}

func scanWorker(row interface{ Scan(...any) error }) (*types.Worker, error) {
	var w types.Worker
	var agents, envVars, status, mode, heartbeat, createdAt string
	err := row.Scan(&w.ID, &agents, &status, &w.CurrentTaskID,
		&heartbeat, &envVars, &mode, &createdAt)
	if err != nil {
		return nil, err
	}
	w.SupportedAgentIDs = decodeStrings(agents)
	w.Status = types.WorkerStatus(status)
	w.LastHeartbeatAt = decodeTime(heartbeat)
	w.ReportedEnvVars = decodeStrings(envVars)
	w.Mode = types.WorkerMode(mode)
	w.CreatedAt = decodeTime(createdAt)
	return &w, nil
}

func (s *SQLiteStore) GetWorker(id string) (*types.Worker, error) {
	row := s.db.QueryRow(`SELECT `+workerColumns+` FROM workers WHERE id = ?`, id)
	worker, err := scanWorker(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get worker %s: %w", id, err)
	}
	return worker, nil
}

func (s *SQLiteStore) queryWorkers(query string, args ...any) ([]*types.Worker, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query workers: %w", err)
	}
	defer rows.Close()

	var workers []*types.Worker
	for rows.Next() {
		worker, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		workers = append(workers, worker)
	}
	return workers, rows.Err()
}

func (s *SQLiteStore) GetWorkers(ids []string) ([]*types.Worker, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(ids))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return s.queryWorkers(`SELECT `+workerColumns+` FROM workers WHERE id IN (`+placeholders+`)`, args...)
}

func (s *SQLiteStore) ListWorkers() ([]*types.Worker, error) {
	return s.queryWorkers(`SELECT ` + workerColumns + ` FROM workers ORDER BY id`)
}

func (s *SQLiteStore) ListStaleBusyWorkers(staleBefore time.Time) ([]*types.Worker, error) {
	return s.queryWorkers(`SELECT `+workerColumns+` FROM workers
		WHERE status = ? AND last_heartbeat_at < ?`,
		string(types.WorkerStatusBusy), encodeTime(staleBefore))
}

// MarkWorkerOffline flips a busy worker offline and clears its task binding,
// guarded by the same freshness predicate that selected it so a heartbeat
// arriving between select and update keeps the worker alive.
func (s *SQLiteStore) MarkWorkerOffline(id string, staleBefore time.Time) (bool, error) {
	res, err := s.db.Exec(`UPDATE workers SET status = ?, current_task_id = ''
		WHERE id = ? AND status = ? AND last_heartbeat_at < ?`,
		string(types.WorkerStatusOffline), id,
		string(types.WorkerStatusBusy), encodeTime(staleBefore))
	if err != nil {
		return false, fmt.Errorf("failed to mark worker %s offline: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) DeleteWorker(id string) error {
	_, err := s.db.Exec(`DELETE FROM workers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete worker %s: %w", id, err)
	}
	return nil
}

// Agent definition operations

func (s *SQLiteStore) PutAgentDefinition(def *types.AgentDefinition) error {
	envVars, err := json.Marshal(def.RequiredEnvVars)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO agent_definitions
		(id, display_name, docker_image, command, args, required_env_vars, memory_limit_mb)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name,
			docker_image = excluded.docker_image,
			command = excluded.command,
			args = excluded.args,
			required_env_vars = excluded.required_env_vars,
			memory_limit_mb = excluded.memory_limit_mb`,
		def.ID, def.DisplayName, def.DockerImage, def.Command,
		encodeJSON(def.Args), string(envVars), def.ResourceLimits.MemoryLimitMB)
	if err != nil {
		return fmt.Errorf("failed to put agent definition %s: %w", def.ID, err)
	}
	return nil
}

func scanAgentDefinition(row interface{ Scan(...any) error }) (*types.AgentDefinition, error) {
	var def types.AgentDefinition
	var args, envVars string
	err := row.Scan(&def.ID, &def.DisplayName, &def.DockerImage, &def.Command,
		&args, &envVars, &def.ResourceLimits.MemoryLimitMB)
	if err != nil {
		return nil, err
	}
	def.Args = decodeStrings(args)
	if err := json.Unmarshal([]byte(envVars), &def.RequiredEnvVars); err != nil {
		return nil, fmt.Errorf("bad required_env_vars for agent %s: %w", def.ID, err)
	}
	return &def, nil
}

func (s *SQLiteStore) GetAgentDefinition(id string) (*types.AgentDefinition, error) {
	row := s.db.QueryRow(`SELECT id, display_name, docker_image, command, args,
		required_env_vars, memory_limit_mb FROM agent_definitions WHERE id = ?`, id)
	def, err := scanAgentDefinition(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent definition %s: %w", id, err)
	}
	return def, nil
}

func (s *SQLiteStore) ListAgentDefinitions() ([]*types.AgentDefinition, error) {
	rows, err := s.db.Query(`SELECT id, display_name, docker_image, command, args,
		required_env_vars, memory_limit_mb FROM agent_definitions ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list agent definitions: %w", err)
	}
	defer rows.Close()

	var defs []*types.AgentDefinition
	for rows.Next() {
		def, err := scanAgentDefinition(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

// Env var operations

func (s *SQLiteStore) PutEnvVar(v *types.EnvVar) error {
	_, err := s.db.Exec(`INSERT INTO env_vars
		(name, repository_id, agent_definition_id, encrypted, created_at, updated_at)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT(name, repository_id, agent_definition_id) DO UPDATE SET
			encrypted = excluded.encrypted,
			updated_at = excluded.updated_at`,
		v.Name, v.RepositoryID, v.AgentDefinitionID, v.Encrypted,
		encodeTime(v.CreatedAt), encodeTime(v.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to put env var %s: %w", v.Name, err)
	}
	return nil
}

// LookupEnvVar returns the most specific row matching the scope, or nil.
// Specificity order: repo+agent > repo > agent > global. The repo tier
// matches either identifier in the scope, so secrets stored under a
// repository URL resolve for tasks that only carry repo_url.
func (s *SQLiteStore) LookupEnvVar(name string, scope types.EnvVarScope) (*types.EnvVar, error) {
	row := s.db.QueryRow(`SELECT name, repository_id, agent_definition_id, encrypted,
		created_at, updated_at FROM env_vars
		WHERE name = ?
		  AND repository_id IN (?, ?, '')
		  AND agent_definition_id IN (?, '')
		ORDER BY (repository_id != '') DESC, (agent_definition_id != '') DESC
		LIMIT 1`,
		name, scope.RepositoryID, scope.RepoURL, scope.AgentDefinitionID)

	var v types.EnvVar
	var createdAt, updatedAt string
	err := row.Scan(&v.Name, &v.RepositoryID, &v.AgentDefinitionID, &v.Encrypted,
		&createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up env var %s: %w", name, err)
	}
	v.CreatedAt = decodeTime(createdAt)
	v.UpdatedAt = decodeTime(updatedAt)
	return &v, nil
}

// System event operations

func (s *SQLiteStore) AppendSystemEvent(event *types.SystemEvent) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO system_events (type, payload, timestamp, actor)
		VALUES (?,?,?,?)`,
		event.Type, string(payload), encodeTime(event.Timestamp), event.Actor)
	if err != nil {
		return fmt.Errorf("failed to append system event: %w", err)
	}
	return nil
}
