package execution

import (
	"github.com/taskmesh/taskmesh/common/models"
)

// Task is the worklet-side logical execution unit, mirroring the catalog
// task by id and version. Each task belongs to exactly one artifact.
type Task struct {
	TaskID        string
	Name          string
	Version       string
	ArtifactID    string
	ExecutionKind models.ExecutionKind
	RuntimeType   RuntimeType

	ExecutableURI  string
	ExecutableArgs []string
	ExecutableEnv  map[string]string
}

// taskFromCatalog mirrors a catalog task into the manager's model.
func taskFromCatalog(src *models.Task, artifact *Artifact) *Task {
	t := &Task{
		TaskID:        src.TaskID,
		Name:          src.Name,
		Version:       src.Version,
		ArtifactID:    artifact.ArtifactID,
		ExecutionKind: src.ExecutionKind.Normalize(),
		RuntimeType:   RuntimeTypeForExecutable(artifact.Type),
		ExecutableURI: artifact.Location,
	}
	if src.Executable != nil {
		t.ExecutableArgs = src.Executable.Args
		t.ExecutableEnv = src.Executable.Env
	}
	return t
}

// instanceConfig builds the instance creation config for this task.
func (t *Task) instanceConfig() InstanceConfig {
	return InstanceConfig{
		TaskID:         t.TaskID,
		ArtifactID:     t.ArtifactID,
		ExecutableURI:  t.ExecutableURI,
		ExecutableArgs: t.ExecutableArgs,
		ExecutableEnv:  t.ExecutableEnv,
	}
}
