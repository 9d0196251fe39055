package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/camctl/cam/pkg/events"
	"github.com/camctl/cam/pkg/runtime"
	"github.com/camctl/cam/pkg/secrets"
	"github.com/camctl/cam/pkg/storage"
	"github.com/camctl/cam/pkg/types"
	"github.com/camctl/cam/pkg/volume"
)

// Labels stamped on every worker container
const (
	LabelTaskID          = "cam.task-id"
	LabelAgentDefID      = "cam.agent-def-id"
	LabelWorkerID        = "cam.worker-id"
	LabelPipelineGroupID = "cam.pipeline-group-id"
)

// Launcher materializes a claimed task as a worker container: artifact
// volume, environment, container create/start, worker registration.
type Launcher struct {
	runtime  runtime.Runtime
	store    storage.Store
	resolver secrets.Resolver
	pub      events.Publisher
	cfg      Config
}

// NewLauncher creates a launcher
func NewLauncher(rt runtime.Runtime, store storage.Store, resolver secrets.Resolver, pub events.Publisher, cfg Config) *Launcher {
	return &Launcher{
		runtime:  rt,
		store:    store,
		resolver: resolver,
		pub:      pub,
		cfg:      cfg,
	}
}

// Launch runs the full worker launch sequence for a claimed task. Any error
// propagates to the tick, which fails the task and releases the claim.
func (l *Launcher) Launch(ctx context.Context, task *types.Task, def *types.AgentDefinition, workerID string) error {
	spec := &runtime.ContainerSpec{
		ID:          workerID,
		Image:       def.DockerImage,
		NetworkMode: runtime.NetworkModeHost,
		AutoRemove:  true,
		Command:     def.Command,
		Args:        def.Args,
		Labels: map[string]string{
			LabelTaskID:     task.ID,
			LabelAgentDefID: def.ID,
			LabelWorkerID:   workerID,
		},
	}
	if def.ResourceLimits.MemoryLimitMB > 0 {
		spec.MemoryLimitBytes = def.ResourceLimits.MemoryLimitMB * 1024 * 1024
	}

	env := newEnvBuilder()

	if volume.IsPipelineGroup(task.GroupID) {
		name := volume.PipelineVolumeName(task.GroupID)
		hostPath, err := l.runtime.CreateVolume(ctx, name, map[string]string{
			LabelPipelineGroupID: task.GroupID,
		})
		if err != nil {
			return fmt.Errorf("failed to ensure pipeline volume %s: %w", name, err)
		}
		spec.Binds = append(spec.Binds, runtime.Bind{
			Source: hostPath,
			Target: volume.ArtifactMountPath,
		})
		spec.Labels[LabelPipelineGroupID] = task.GroupID
		env.set("CAM_PIPELINE_ARTIFACT_DIR", volume.ArtifactMountPath)
		env.set("CAM_PIPELINE_GROUP_ID", task.GroupID)
	}

	if err := l.buildEnv(env, task, def, workerID); err != nil {
		return err
	}
	spec.Env = env.list()

	containerID, err := l.runtime.CreateContainer(ctx, spec)
	if err != nil {
		return fmt.Errorf("failed to create worker container: %w", err)
	}

	if err := l.runtime.StartContainer(ctx, containerID); err != nil {
		return fmt.Errorf("failed to start worker container: %w", err)
	}

	now := time.Now()
	err = l.store.UpsertWorker(&types.Worker{
		ID:                workerID,
		SupportedAgentIDs: []string{def.ID},
		Status:            types.WorkerStatusBusy,
		CurrentTaskID:     task.ID,
		LastHeartbeatAt:   now,
		Mode:              types.WorkerModeContainer,
		CreatedAt:         now,
	})
	if err != nil {
		return fmt.Errorf("failed to register worker %s: %w", workerID, err)
	}

	l.pub.Publish(events.EventTaskStarted, map[string]any{
		"taskId":            task.ID,
		"workerId":          workerID,
		"agentDefinitionId": def.ID,
	})

	return nil
}

func (l *Launcher) buildEnv(env *envBuilder, task *types.Task, def *types.AgentDefinition, workerID string) error {
	env.set("WORKER_ID", workerID)
	env.set("API_SERVER_URL", l.cfg.APIServerURL)
	env.set("TASK_ID", task.ID)
	env.set("AGENT_DEF_ID", def.ID)
	env.set("REPO_URL", task.RepoURL)
	env.set("BASE_BRANCH", task.BaseBranch)
	env.set("WORK_BRANCH", task.WorkBranch)
	env.set("TASK_DESCRIPTION", task.Description)
	if task.WorkDir != "" {
		env.set("WORK_DIR", task.WorkDir)
	}
	if l.cfg.AuthToken != "" {
		env.set("API_AUTH_TOKEN", l.cfg.AuthToken)
	}

	scope := types.EnvVarScope{
		RepositoryID:      task.RepositoryID,
		RepoURL:           task.RepoURL,
		AgentDefinitionID: task.AgentDefinitionID,
	}

	token, ok, err := l.resolver.Resolve("GITHUB_TOKEN", scope)
	if err != nil {
		return err
	}
	if !ok {
		token = GitTokenFromProcessEnv()
	}
	if token != "" {
		env.set("GITHUB_TOKEN", token)
	}

	for _, spec := range def.RequiredEnvVars {
		if env.has(spec.Name) {
			continue
		}
		value, ok, err := l.resolver.Resolve(spec.Name, scope)
		if err != nil {
			return err
		}
		if ok {
			env.set(spec.Name, value)
		}
	}

	return nil
}

// envBuilder accumulates KEY=value pairs, first write wins
type envBuilder struct {
	keys   map[string]struct{}
	values []string
}

func newEnvBuilder() *envBuilder {
	return &envBuilder{keys: make(map[string]struct{})}
}

func (b *envBuilder) set(key, value string) {
	if _, dup := b.keys[key]; dup {
		return
	}
	b.keys[key] = struct{}{}
	b.values = append(b.values, key+"="+value)
}

func (b *envBuilder) has(key string) bool {
	_, ok := b.keys[key]
	return ok
}

func (b *envBuilder) list() []string {
	return b.values
}
