package runtime

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/camctl/cam/pkg/volume"
)

const (
	// DefaultNamespace is the containerd namespace for CAM workers
	DefaultNamespace = "cam"

	// DefaultSocketPath is the default containerd socket
	DefaultSocketPath = "/run/containerd/containerd.sock"
)

// ContainerdRuntime implements Runtime using containerd
type ContainerdRuntime struct {
	client    *containerd.Client
	namespace string
	volumes   *volume.LocalDriver
}

// NewContainerdRuntime connects to containerd at socketPath. The caller is
// expected to probe the socket first (Probe); a missing socket is an error
// here, and the scheduler runs in daemon-only mode with a nil runtime.
func NewContainerdRuntime(socketPath string, volumes *volume.LocalDriver) (*ContainerdRuntime, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	return &ContainerdRuntime{
		client:    client,
		namespace: DefaultNamespace,
		volumes:   volumes,
	}, nil
}

// Probe reports whether a runtime socket exists at socketPath
func Probe(socketPath string) bool {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	_, err := os.Stat(socketPath)
	return err == nil
}

// Close closes the containerd client connection
func (r *ContainerdRuntime) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// CreateVolume ensures a local volume directory exists and returns its host
// path. Creating an existing volume is a no-op.
func (r *ContainerdRuntime) CreateVolume(ctx context.Context, name string, labels map[string]string) (string, error) {
	return r.volumes.Ensure(name, labels)
}

// CreateContainer creates a container from a worker container spec
func (r *ContainerdRuntime) CreateContainer(ctx context.Context, spec *ContainerSpec) (string, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	image, err := r.client.GetImage(ctx, spec.Image)
	if errdefs.IsNotFound(err) {
		image, err = r.client.Pull(ctx, spec.Image, containerd.WithPullUnpack)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get image %s: %w", spec.Image, err)
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(spec.Env),
	}

	if len(spec.Command) > 0 {
		opts = append(opts, oci.WithProcessArgs(append([]string{spec.Command}, spec.Args...)...))
	}

	if spec.NetworkMode == NetworkModeHost {
		opts = append(opts,
			oci.WithHostNamespace(specs.NetworkNamespace),
			oci.WithHostHostsFile,
			oci.WithHostResolvconf,
		)
	}

	if spec.MemoryLimitBytes > 0 {
		opts = append(opts, oci.WithMemoryLimit(uint64(spec.MemoryLimitBytes)))
	}

	if len(spec.Binds) > 0 {
		mounts := make([]specs.Mount, 0, len(spec.Binds))
		for _, bind := range spec.Binds {
			options := []string{"rbind"}
			if bind.ReadOnly {
				options = append(options, "ro")
			}
			mounts = append(mounts, specs.Mount{
				Source:      bind.Source,
				Destination: bind.Target,
				Type:        "bind",
				Options:     options,
			})
		}
		opts = append(opts, oci.WithMounts(mounts))
	}

	labels := make(map[string]string, len(spec.Labels)+1)
	for k, v := range spec.Labels {
		labels[k] = v
	}
	if spec.AutoRemove {
		// containerd has no daemon-side auto-remove; the label lets the
		// external container reaper clean up exited workers.
		labels["cam.auto-remove"] = "true"
	}

	container, err := r.client.NewContainer(
		ctx,
		spec.ID,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.ID+"-snapshot", image),
		containerd.WithNewSpec(opts...),
		containerd.WithContainerLabels(labels),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	return container.ID(), nil
}

// StartContainer starts a container
func (r *ContainerdRuntime) StartContainer(ctx context.Context, containerID string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return fmt.Errorf("failed to load container %s: %w", containerID, err)
	}

	task, err := container.NewTask(ctx, cio.NullIO)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	if err := task.Start(ctx); err != nil {
		return fmt.Errorf("failed to start task: %w", err)
	}

	return nil
}

// StopContainer stops a running container, force-killing after timeout
func (r *ContainerdRuntime) StopContainer(ctx context.Context, containerID string, timeout time.Duration) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return fmt.Errorf("failed to load container %s: %w", containerID, err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		// No task means the container is not running
		return nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
		return fmt.Errorf("failed to kill task: %w", err)
	}

	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return fmt.Errorf("failed to wait for task: %w", err)
	}

	select {
	case <-statusC:
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			return fmt.Errorf("failed to force kill task: %w", err)
		}
	}

	if _, err := task.Delete(ctx); err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}

	return nil
}

// RemoveContainer removes a container and its snapshot
func (r *ContainerdRuntime) RemoveContainer(ctx context.Context, containerID string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		// Container might not exist
		return nil
	}

	if err := r.StopContainer(ctx, containerID, 10*time.Second); err != nil {
		return fmt.Errorf("failed to stop container before delete: %w", err)
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return fmt.Errorf("failed to delete container: %w", err)
	}

	return nil
}
