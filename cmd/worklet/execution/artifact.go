package execution

import (
	"github.com/taskmesh/taskmesh/common/models"
)

// ArtifactSpec describes a deployable unit as supplied by an invocation.
type ArtifactSpec struct {
	ArtifactID   string            `json:"artifact_id"`
	ArtifactType string            `json:"artifact_type"`
	Location     string            `json:"location"`
	Version      string            `json:"version,omitempty"`
	Checksum     string            `json:"checksum,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Artifact is a deployable unit holding one or more tasks.
type Artifact struct {
	ArtifactID string
	Type       string
	Location   string
	Version    string
	Checksum   string
	Metadata   map[string]string
	TaskIDs    []string
}

// artifactFromSpec materialises an artifact from an invocation spec.
func artifactFromSpec(spec ArtifactSpec) *Artifact {
	return &Artifact{
		ArtifactID: spec.ArtifactID,
		Type:       spec.ArtifactType,
		Location:   spec.Location,
		Version:    spec.Version,
		Checksum:   spec.Checksum,
		Metadata:   spec.Metadata,
	}
}

// artifactFromCatalog derives the owning artifact from a catalog task's
// executable. Tasks without an executable share a synthetic endpoint-only
// artifact keyed by the task id.
func artifactFromCatalog(task *models.Task) *Artifact {
	if task.Executable == nil {
		return &Artifact{
			ArtifactID: "task-" + task.TaskID,
			Type:       models.ExecutableTypeProcess,
			Location:   task.Endpoint,
			Version:    task.Version,
		}
	}
	id := task.Executable.Name
	if id == "" {
		id = "task-" + task.TaskID
	}
	return &Artifact{
		ArtifactID: id,
		Type:       task.Executable.Type,
		Location:   task.Executable.URI,
		Version:    task.Version,
		Checksum:   task.Executable.ChecksumSHA256,
	}
}
