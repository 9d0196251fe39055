package registry

import (
	"testing"
	"time"

	"github.com/camctl/cam/pkg/types"
)

// TestIsEligible tests daemon-worker eligibility rules
func TestIsEligible(t *testing.T) {
	now := time.Now()
	policy := Policy{Now: now, StaleTimeout: 30 * time.Second}

	tests := []struct {
		name   string
		worker *types.Worker
		want   bool
	}{
		{
			name: "idle daemon with fresh heartbeat",
			worker: &types.Worker{
				Mode:            types.WorkerModeDaemon,
				Status:          types.WorkerStatusIdle,
				LastHeartbeatAt: now.Add(-time.Second),
			},
			want: true,
		},
		{
			name: "busy daemon with fresh heartbeat",
			worker: &types.Worker{
				Mode:            types.WorkerModeDaemon,
				Status:          types.WorkerStatusBusy,
				LastHeartbeatAt: now.Add(-10 * time.Second),
			},
			want: true,
		},
		{
			name: "container worker never eligible",
			worker: &types.Worker{
				Mode:            types.WorkerModeContainer,
				Status:          types.WorkerStatusIdle,
				LastHeartbeatAt: now,
			},
			want: false,
		},
		{
			name: "draining daemon",
			worker: &types.Worker{
				Mode:            types.WorkerModeDaemon,
				Status:          types.WorkerStatusDraining,
				LastHeartbeatAt: now,
			},
			want: false,
		},
		{
			name: "offline daemon",
			worker: &types.Worker{
				Mode:            types.WorkerModeDaemon,
				Status:          types.WorkerStatusOffline,
				LastHeartbeatAt: now,
			},
			want: false,
		},
		{
			name: "stale heartbeat",
			worker: &types.Worker{
				Mode:            types.WorkerModeDaemon,
				Status:          types.WorkerStatusIdle,
				LastHeartbeatAt: now.Add(-time.Minute),
			},
			want: false,
		},
		{
			name: "heartbeat exactly at the threshold",
			worker: &types.Worker{
				Mode:            types.WorkerModeDaemon,
				Status:          types.WorkerStatusIdle,
				LastHeartbeatAt: now.Add(-30 * time.Second),
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsEligible(tt.worker, policy); got != tt.want {
				t.Errorf("IsEligible() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestSupportsAgent tests agent advertisement matching
func TestSupportsAgent(t *testing.T) {
	worker := &types.Worker{SupportedAgentIDs: []string{"claude-code", "aider"}}

	if !SupportsAgent(worker, "claude-code") {
		t.Error("SupportsAgent() should match an advertised agent")
	}
	if SupportsAgent(worker, "codex") {
		t.Error("SupportsAgent() should not match an unadvertised agent")
	}
	if SupportsAgent(&types.Worker{}, "claude-code") {
		t.Error("SupportsAgent() should not match with no advertised agents")
	}
}

// TestCollectEnvVarsForAgent tests env-var union over eligible workers
func TestCollectEnvVarsForAgent(t *testing.T) {
	now := time.Now()
	policy := Policy{Now: now, StaleTimeout: 30 * time.Second}

	workers := []*types.Worker{
		{
			ID:                "daemon-1",
			Mode:              types.WorkerModeDaemon,
			Status:            types.WorkerStatusIdle,
			LastHeartbeatAt:   now,
			SupportedAgentIDs: []string{"claude-code"},
			ReportedEnvVars:   []string{"ANTHROPIC_API_KEY", "GITHUB_TOKEN"},
		},
		{
			ID:                "daemon-2",
			Mode:              types.WorkerModeDaemon,
			Status:            types.WorkerStatusBusy,
			LastHeartbeatAt:   now,
			SupportedAgentIDs: []string{"claude-code"},
			ReportedEnvVars:   []string{"GITHUB_TOKEN", "NPM_TOKEN"},
		},
		{
			// stale: contributes nothing
			ID:                "daemon-stale",
			Mode:              types.WorkerModeDaemon,
			Status:            types.WorkerStatusIdle,
			LastHeartbeatAt:   now.Add(-time.Minute),
			SupportedAgentIDs: []string{"claude-code"},
			ReportedEnvVars:   []string{"STALE_ONLY_VAR"},
		},
		{
			// wrong agent: contributes nothing
			ID:                "daemon-other",
			Mode:              types.WorkerModeDaemon,
			Status:            types.WorkerStatusIdle,
			LastHeartbeatAt:   now,
			SupportedAgentIDs: []string{"aider"},
			ReportedEnvVars:   []string{"AIDER_ONLY_VAR"},
		},
	}

	names := CollectEnvVarsForAgent(workers, "claude-code", policy)

	want := []string{"ANTHROPIC_API_KEY", "GITHUB_TOKEN", "NPM_TOKEN"}
	if len(names) != len(want) {
		t.Fatalf("CollectEnvVarsForAgent() returned %d names, want %d: %v", len(names), len(want), names)
	}
	for _, name := range want {
		if _, ok := names[name]; !ok {
			t.Errorf("CollectEnvVarsForAgent() missing %q", name)
		}
	}
	if _, ok := names["STALE_ONLY_VAR"]; ok {
		t.Error("CollectEnvVarsForAgent() should not include vars from stale workers")
	}
}
