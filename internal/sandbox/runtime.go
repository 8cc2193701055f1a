package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrContainerGone signals that a container the manager believed was
// running no longer exists. Callers recreate the sandbox and retry.
var ErrContainerGone = errors.New("container gone")

// SkillVenvError reports a failed environment build for a skill. The
// skill is still usable; scripts that need the venv will fail at run
// time with this context attached.
type SkillVenvError struct {
	Skill  string
	Output string
}

func (e *SkillVenvError) Error() string {
	return fmt.Sprintf("environment build failed for skill %s: %s", e.Skill, e.Output)
}

// Mount binds a host path into a container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// ContainerConfig describes a container to create.
type ContainerConfig struct {
	Image   string
	Name    string
	Labels  map[string]string
	Mounts  []Mount
	Network string
	Command []string
	Env     map[string]string
}

// ExecResult is the outcome of a command run inside a container.
type ExecResult struct {
	ExitCode int
	Output   string
}

// Runtime abstracts the container engine.
type Runtime interface {
	// Create makes and starts a container, returning its ID or name.
	Create(ctx context.Context, cfg ContainerConfig) (string, error)
	// Exec runs a shell command inside a running container.
	Exec(ctx context.Context, containerID string, command string, timeout time.Duration) (ExecResult, error)
	// Remove force-removes a container. Removing a missing container is
	// not an error.
	Remove(ctx context.Context, containerID string) error
	// IsRunning reports whether the container exists and is running.
	IsRunning(ctx context.Context, containerID string) (bool, error)
	// ContainerIP returns the container's address on the given network.
	ContainerIP(ctx context.Context, containerID, network string) (string, error)
	// HostIP returns the gateway address of a network, which is how
	// containers reach services on the host.
	HostIP(ctx context.Context, network string) (string, error)
}
