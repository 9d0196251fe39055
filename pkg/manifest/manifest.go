package manifest

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/camctl/cam/pkg/types"
)

// AgentManifest is the YAML shape of an agent-definition file
type AgentManifest struct {
	APIVersion string    `yaml:"apiVersion"`
	Kind       string    `yaml:"kind"`
	Metadata   Metadata  `yaml:"metadata"`
	Spec       AgentSpec `yaml:"spec"`
}

// Metadata names a resource
type Metadata struct {
	Name        string `yaml:"name"`
	DisplayName string `yaml:"displayName,omitempty"`
}

// AgentSpec is the body of an agent definition
type AgentSpec struct {
	Image   string       `yaml:"image"`
	Command string       `yaml:"command,omitempty"`
	Args    []string     `yaml:"args,omitempty"`
	EnvVars []EnvVarSpec `yaml:"envVars,omitempty"`
	Limits  LimitsSpec   `yaml:"limits,omitempty"`
}

// EnvVarSpec declares one env var the agent needs
type EnvVarSpec struct {
	Name      string `yaml:"name"`
	Required  bool   `yaml:"required,omitempty"`
	Sensitive bool   `yaml:"sensitive,omitempty"`
}

// LimitsSpec holds default resource limits
type LimitsSpec struct {
	MemoryMB int64 `yaml:"memoryMb,omitempty"`
}

// LoadAgentDefinition reads and validates one agent manifest file
func LoadAgentDefinition(path string) (*types.AgentDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m AgentManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}

	if m.Kind != "AgentDefinition" {
		return nil, fmt.Errorf("unsupported resource kind: %s", m.Kind)
	}
	if m.Metadata.Name == "" {
		return nil, fmt.Errorf("manifest has no metadata.name")
	}
	if m.Spec.Image == "" {
		return nil, fmt.Errorf("agent %s has no spec.image", m.Metadata.Name)
	}

	def := &types.AgentDefinition{
		ID:          m.Metadata.Name,
		DisplayName: m.Metadata.DisplayName,
		DockerImage: m.Spec.Image,
		Command:     m.Spec.Command,
		Args:        m.Spec.Args,
		ResourceLimits: types.ResourceLimits{
			MemoryLimitMB: m.Spec.Limits.MemoryMB,
		},
	}
	if def.DisplayName == "" {
		def.DisplayName = def.ID
	}
	for _, v := range m.Spec.EnvVars {
		def.RequiredEnvVars = append(def.RequiredEnvVars, types.EnvVarSpec{
			Name:      v.Name,
			Required:  v.Required,
			Sensitive: v.Sensitive,
		})
	}

	return def, nil
}
