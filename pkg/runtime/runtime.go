package runtime

import (
	"context"
	"time"
)

// Bind is one host-path bind mount into a container
type Bind struct {
	Source   string // host path
	Target   string // container path
	ReadOnly bool
}

// ContainerSpec describes the container a worker runs in
type ContainerSpec struct {
	ID               string
	Image            string
	Env              []string // KEY=value pairs
	Binds            []Bind
	NetworkMode      string // "host" shares the host network namespace
	Labels           map[string]string
	MemoryLimitBytes int64
	AutoRemove       bool
	Command          string
	Args             []string
}

// NetworkModeHost shares the host network namespace with the container
const NetworkModeHost = "host"

// Runtime is the container-runtime contract the scheduler invokes. The
// launcher only ever creates volumes, creates containers and starts them;
// stop/remove exist for operator tooling.
type Runtime interface {
	// CreateVolume ensures a named volume exists and returns its host path.
	// An already-existing volume is success.
	CreateVolume(ctx context.Context, name string, labels map[string]string) (string, error)

	// CreateContainer creates a container and returns its runtime id
	CreateContainer(ctx context.Context, spec *ContainerSpec) (string, error)

	// StartContainer starts a previously created container
	StartContainer(ctx context.Context, containerID string) error

	// StopContainer gracefully stops a container, force-killing after timeout
	StopContainer(ctx context.Context, containerID string, timeout time.Duration) error

	// RemoveContainer deletes a container and its snapshot
	RemoveContainer(ctx context.Context, containerID string) error

	Close() error
}
