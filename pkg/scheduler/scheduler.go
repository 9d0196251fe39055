package scheduler

import (
	"context"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"

	"github.com/camctl/cam/pkg/events"
	"github.com/camctl/cam/pkg/log"
	"github.com/camctl/cam/pkg/metrics"
	"github.com/camctl/cam/pkg/registry"
	"github.com/camctl/cam/pkg/runtime"
	"github.com/camctl/cam/pkg/secrets"
	"github.com/camctl/cam/pkg/storage"
	"github.com/camctl/cam/pkg/types"
)

// Scheduler owns the periodic control loop: promote waiting tasks, claim and
// launch queued tasks, reap stale workers. All state lives in the store;
// every contended write is a compare-and-swap, so two control planes sharing
// a database would not corrupt state (though running more than one per
// database is unsupported).
type Scheduler struct {
	store    storage.Store
	runtime  runtime.Runtime // nil in daemon-only mode
	resolver secrets.Resolver
	pub      events.Publisher
	status   *StatusWriter
	gate     *Gate
	launcher *Launcher
	cfg      Config

	// warnCache suppresses repeated unschedulable-task warnings; entries
	// expire so the cache cannot grow with process lifetime
	warnCache *gocache.Cache

	tickMu sync.Mutex
	stopCh chan struct{}
	logger zerolog.Logger
}

// NewScheduler creates a scheduler. rt may be nil when no container runtime
// socket exists; container tasks then stay queued until one appears on a
// restart, while daemon workers keep serving their tasks.
func NewScheduler(store storage.Store, rt runtime.Runtime, resolver secrets.Resolver, pub events.Publisher, cfg Config) *Scheduler {
	status := NewStatusWriter(store, pub)
	return &Scheduler{
		store:     store,
		runtime:   rt,
		resolver:  resolver,
		pub:       pub,
		status:    status,
		gate:      NewGate(store, status, pub),
		launcher:  NewLauncher(rt, store, resolver, pub, cfg),
		cfg:       cfg,
		warnCache: gocache.New(WarnCooldown, 10*time.Minute),
		stopCh:    make(chan struct{}),
		logger:    log.WithComponent("scheduler"),
	}
}

// StatusWriter exposes the single task-status mutation path for external
// callers (cancellation, review endpoints).
func (s *Scheduler) StatusWriter() *StatusWriter {
	return s.status
}

// Start begins the scheduler loop
func (s *Scheduler) Start() {
	go s.run()
}

// Stop stops the scheduler
func (s *Scheduler) Stop() {
	close(s.stopCh)
}

func (s *Scheduler) run() {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Tick()
		case <-s.stopCh:
			return
		}
	}
}

// Tick runs one scheduling cycle. Ticks never overlap: if a previous tick is
// still in flight this invocation is dropped.
func (s *Scheduler) Tick() {
	if !s.tickMu.TryLock() {
		metrics.TicksSkipped.Inc()
		return
	}
	defer s.tickMu.Unlock()

	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.TickDuration)
		metrics.TicksTotal.Inc()
	}()

	s.promoteWaiting()
	s.drainQueued()
	s.checkHeartbeats()
}

// promoteWaiting runs the gate over a bounded batch of waiting tasks
func (s *Scheduler) promoteWaiting() {
	tasks, err := s.store.ListWaitingTasks(WaitingBatchSize)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list waiting tasks")
		return
	}

	for _, task := range tasks {
		outcome, err := s.gate.HandleWaiting(task.ID, task.DependsOn)
		if err != nil {
			s.logger.Error().Err(err).Str("task_id", task.ID).Msg("dependency gate failed")
			continue
		}
		switch outcome {
		case WaitingPromoted:
			metrics.TasksPromoted.Inc()
			s.logger.Info().Str("task_id", task.ID).Msg("task promoted to queued")
		case WaitingBlocked:
			metrics.TasksBlocked.Inc()
			s.logger.Info().Str("task_id", task.ID).Msg("task cancelled, dependency blocked")
		}
	}
}

// drainQueued claims and launches a bounded batch of queued tasks
func (s *Scheduler) drainQueued() {
	tasks, err := s.store.ListQueuedTasks(QueuedBatchSize)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list queued tasks")
		return
	}

	for _, task := range tasks {
		if err := s.tryLaunch(task); err != nil {
			s.logger.Error().Err(err).Str("task_id", task.ID).Msg("failed to schedule task")
		}
	}
}

func (s *Scheduler) tryLaunch(task *types.Task) error {
	outcome, err := s.gate.HandleQueued(task.ID, task.DependsOn)
	if err != nil {
		return err
	}
	if outcome != QueuedReady {
		if outcome == QueuedBlocked {
			metrics.TasksBlocked.Inc()
		}
		return nil
	}

	// No container runtime: leave the task queued so daemon-only
	// deployments keep working
	if s.runtime == nil {
		s.warnOnce(task.ID, "no container runtime, task stays queued")
		return nil
	}

	def, err := s.store.GetAgentDefinition(task.AgentDefinitionID)
	if err != nil {
		return err
	}
	if def == nil {
		metrics.TasksFailed.Inc()
		return s.status.UpdateTaskStatus(task.ID, types.TaskStatusFailed, Extra{
			Summary: "agent definition not found: " + task.AgentDefinitionID,
		})
	}

	if missing := s.missingEnvVars(task, def); len(missing) > 0 {
		if s.daemonCanSatisfy(def, missing) {
			// a daemon worker reports these vars; leave the task queued
			// for it instead of launching a container without them
			return nil
		}
		// Skip, never fail: the operator can add the secret and the next
		// tick will pick the task up
		s.warnOnce(task.ID, "missing required env vars: "+strings.Join(missing, ", "))
		return nil
	}

	workerID := "worker-" + shortTaskID(task.ID)

	claimed, err := s.status.UpdateTaskStatusFrom(task.ID,
		types.TaskStatusQueued, types.TaskStatusRunning,
		Extra{AssignWorker: workerID})
	if err != nil {
		return err
	}
	if !claimed {
		// a peer claimed it first
		return nil
	}
	metrics.TasksClaimed.Inc()

	if err := s.launcher.Launch(context.Background(), task, def, workerID); err != nil {
		s.logger.Error().Err(err).Str("task_id", task.ID).Msg("worker launch failed")
		metrics.TasksFailed.Inc()
		_, failErr := s.status.UpdateTaskStatusFrom(task.ID,
			types.TaskStatusRunning, types.TaskStatusFailed,
			Extra{Summary: err.Error(), ClearWorker: true})
		return failErr
	}

	s.logger.Info().Str("task_id", task.ID).Str("worker_id", workerID).Msg("task started")
	return nil
}

// daemonCanSatisfy reports whether every missing env var is reported by an
// eligible daemon worker that supports the agent
func (s *Scheduler) daemonCanSatisfy(def *types.AgentDefinition, missing []string) bool {
	workers, err := s.store.ListWorkers()
	if err != nil || len(workers) == 0 {
		return false
	}
	reported := registry.CollectEnvVarsForAgent(workers, def.ID, registry.Policy{
		Now:          time.Now(),
		StaleTimeout: s.cfg.StaleTimeout,
	})
	for _, name := range missing {
		if _, ok := reported[name]; !ok {
			return false
		}
	}
	return true
}

// missingEnvVars returns the required env-var names that resolve to nothing
func (s *Scheduler) missingEnvVars(task *types.Task, def *types.AgentDefinition) []string {
	scope := types.EnvVarScope{
		RepositoryID:      task.RepositoryID,
		RepoURL:           task.RepoURL,
		AgentDefinitionID: task.AgentDefinitionID,
	}

	var missing []string
	for _, spec := range def.RequiredEnvVars {
		if !spec.Required {
			continue
		}
		_, ok, err := s.resolver.Resolve(spec.Name, scope)
		if err != nil {
			s.logger.Error().Err(err).Str("task_id", task.ID).Str("env_var", spec.Name).
				Msg("env var resolution failed")
			missing = append(missing, spec.Name)
			continue
		}
		if !ok {
			missing = append(missing, spec.Name)
		}
	}
	return missing
}

// warnOnce logs at most one warning per task per cooldown window
func (s *Scheduler) warnOnce(taskID, msg string) {
	if _, suppressed := s.warnCache.Get(taskID); suppressed {
		return
	}
	s.warnCache.SetDefault(taskID, struct{}{})
	s.logger.Warn().Str("task_id", taskID).Msg(msg)
}

func shortTaskID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
