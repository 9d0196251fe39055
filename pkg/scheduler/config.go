package scheduler

import (
	"os"
	"strconv"
	"time"
)

const (
	// DefaultTickInterval is how often the scheduler wakes up
	DefaultTickInterval = 5 * time.Second

	// DefaultStaleTimeout is how long a worker may go without a heartbeat
	// before it is considered dead
	DefaultStaleTimeout = 30 * time.Second

	// WaitingBatchSize bounds how many waiting tasks one tick examines
	WaitingBatchSize = 50

	// QueuedBatchSize bounds how many queued tasks one tick tries to claim
	QueuedBatchSize = 20

	// WarnCooldown is the minimum interval between repeated "task is
	// unschedulable" warnings for the same task
	WarnCooldown = 60 * time.Second
)

// Config holds scheduler configuration, populated from the environment
type Config struct {
	TickInterval time.Duration
	StaleTimeout time.Duration

	// RuntimeSocket is the containerd socket path; when the socket does not
	// exist the scheduler leaves container tasks queued (daemon-only mode)
	RuntimeSocket string

	// APIServerURL is injected into worker containers so agents can reach
	// the control plane
	APIServerURL string

	// AuthToken, when set, is injected as API_AUTH_TOKEN
	AuthToken string
}

// gitTokenFallbacks is the process-env fallback chain for git credentials,
// tried in order when no GITHUB_TOKEN secret is configured
var gitTokenFallbacks = []string{
	"GITHUB_TOKEN",
	"GITHUB_PAT",
	"GITHUB_API_TOKEN",
	"GIT_HTTP_TOKEN",
	"CAM_GIT_HTTP_TOKEN",
}

// ConfigFromEnv builds a Config from environment variables, falling back to
// defaults for anything unset.
func ConfigFromEnv() Config {
	cfg := Config{
		TickInterval: DefaultTickInterval,
		StaleTimeout: DefaultStaleTimeout,
		APIServerURL: os.Getenv("API_SERVER_URL"),
		AuthToken:    os.Getenv("CAM_AUTH_TOKEN"),
	}

	if v := os.Getenv("WORKER_STALE_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			cfg.StaleTimeout = time.Duration(ms) * time.Millisecond
		}
	}

	cfg.RuntimeSocket = os.Getenv("CONTAINERD_SOCKET_PATH")
	if cfg.RuntimeSocket == "" {
		// legacy name kept for compatibility with older deployments
		cfg.RuntimeSocket = os.Getenv("DOCKER_SOCKET_PATH")
	}

	return cfg
}

// GitTokenFromProcessEnv walks the fallback chain and returns the first
// non-empty value, or ""
func GitTokenFromProcessEnv() string {
	for _, name := range gitTokenFallbacks {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}
