package registry

import (
	"time"

	"github.com/camctl/cam/pkg/types"
)

// Policy parameterizes eligibility so callers share one clock reading across
// a batch of workers.
type Policy struct {
	Now          time.Time
	StaleTimeout time.Duration
}

// IsEligible reports whether a worker can be counted on to pick up work:
// a daemon worker that is idle or busy and has heartbeated within the stale
// window. Container workers are scheduler-owned and never eligible here.
func IsEligible(worker *types.Worker, policy Policy) bool {
	if worker.Mode != types.WorkerModeDaemon {
		return false
	}
	if worker.Status != types.WorkerStatusIdle && worker.Status != types.WorkerStatusBusy {
		return false
	}
	return policy.Now.Sub(worker.LastHeartbeatAt) < policy.StaleTimeout
}

// SupportsAgent reports whether the worker advertises the agent definition
func SupportsAgent(worker *types.Worker, agentDefinitionID string) bool {
	for _, id := range worker.SupportedAgentIDs {
		if id == agentDefinitionID {
			return true
		}
	}
	return false
}

// CollectEnvVarsForAgent returns the union of env-var names reported by
// eligible workers that support the agent. The task-creation admission check
// uses this to accept tasks whose secrets live on a daemon worker rather
// than on the server.
func CollectEnvVarsForAgent(workers []*types.Worker, agentDefinitionID string, policy Policy) map[string]struct{} {
	names := make(map[string]struct{})
	for _, worker := range workers {
		if !IsEligible(worker, policy) {
			continue
		}
		if !SupportsAgent(worker, agentDefinitionID) {
			continue
		}
		for _, name := range worker.ReportedEnvVars {
			names[name] = struct{}{}
		}
	}
	return names
}
