package volume

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// DefaultVolumesPath is the base directory for local volumes
	DefaultVolumesPath = "/var/lib/cam/volumes"

	// PipelineVolumePrefix prefixes every pipeline artifact volume name
	PipelineVolumePrefix = "cam-pipeline-"

	// PipelineGroupPrefix marks a task group as a pipeline
	PipelineGroupPrefix = "pipeline/"

	// ArtifactMountPath is where the artifact volume is bound inside every
	// container of a pipeline
	ArtifactMountPath = "/cam-pipeline-artifacts"
)

// LocalDriver manages named volumes as directories under a base path
type LocalDriver struct {
	basePath string
}

// NewLocalDriver creates a local volume driver rooted at basePath
func NewLocalDriver(basePath string) (*LocalDriver, error) {
	if basePath == "" {
		basePath = DefaultVolumesPath
	}

	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create volumes directory: %w", err)
	}

	return &LocalDriver{
		basePath: basePath,
	}, nil
}

// Ensure creates the volume directory if it does not exist and returns its
// host path. An existing volume is success; labels are written once on
// creation and left alone afterwards.
func (d *LocalDriver) Ensure(name string, labels map[string]string) (string, error) {
	volumePath := d.Path(name)

	if _, err := os.Stat(volumePath); err == nil {
		return volumePath, nil
	}

	if err := os.MkdirAll(volumePath, 0755); err != nil {
		return "", fmt.Errorf("failed to create volume directory: %w", err)
	}

	if len(labels) > 0 {
		data, err := json.Marshal(labels)
		if err != nil {
			return "", err
		}
		labelPath := filepath.Join(d.basePath, name+".labels.json")
		if err := os.WriteFile(labelPath, data, 0644); err != nil {
			return "", fmt.Errorf("failed to write volume labels: %w", err)
		}
	}

	return volumePath, nil
}

// Delete removes a volume directory and its labels
func (d *LocalDriver) Delete(name string) error {
	if err := os.RemoveAll(d.Path(name)); err != nil {
		return fmt.Errorf("failed to delete volume directory: %w", err)
	}
	_ = os.Remove(filepath.Join(d.basePath, name+".labels.json"))
	return nil
}

// Path returns the host path for a volume
func (d *LocalDriver) Path(name string) string {
	return filepath.Join(d.basePath, name)
}

// IsPipelineGroup reports whether a task group id names a pipeline
func IsPipelineGroup(groupID string) bool {
	return strings.HasPrefix(groupID, PipelineGroupPrefix)
}

// PipelineVolumeName derives the stable volume name for a pipeline group:
// the prefix plus the first 16 hex chars of the group id's SHA-256 digest.
// Every task of one pipeline maps to the same name.
func PipelineVolumeName(groupID string) string {
	digest := sha256.Sum256([]byte(groupID))
	return PipelineVolumePrefix + hex.EncodeToString(digest[:])[:16]
}
