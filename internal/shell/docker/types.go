// Package docker talks to the Docker daemon for step image builds and
// notebook container runs.
package docker

import (
	"context"
	"io"
	"time"
)

// =============================================================================
// Container Types
// =============================================================================

// ContainerSpec defines the specification for creating a container.
type ContainerSpec struct {
	Name       string
	Image      string
	Command    []string
	Env        map[string]string
	EnvFiles   []string // host paths to --env-file style files
	Labels     map[string]string
	Ports      []PortBinding
	Volumes    []VolumeMount
	WorkingDir string
	AutoRemove bool
}

// PortBinding defines a port mapping.
type PortBinding struct {
	ContainerPort int
	HostPort      int    // 0 for auto-assign
	Protocol      string // "tcp" or "udp"
	HostIP        string // "" for 0.0.0.0
}

// VolumeMount defines a bind mount into a container.
type VolumeMount struct {
	Source   string // host path
	Target   string // container path
	ReadOnly bool
}

// ContainerStatus represents the container status.
type ContainerStatus string

const (
	ContainerStatusCreated ContainerStatus = "created"
	ContainerStatusRunning ContainerStatus = "running"
	ContainerStatusExited  ContainerStatus = "exited"
	ContainerStatusDead    ContainerStatus = "dead"
)

// ContainerInfo contains information about a container.
type ContainerInfo struct {
	ID        string
	Name      string
	Image     string
	Status    ContainerStatus
	CreatedAt time.Time
	Ports     []PortBinding
	Labels    map[string]string
	ExitCode  int
}

// =============================================================================
// Options
// =============================================================================

// RemoveOptions defines options for removing containers.
type RemoveOptions struct {
	Force         bool
	RemoveVolumes bool
}

// LogOptions defines options for container logs.
type LogOptions struct {
	Follow bool
	Tail   string // "all" or number
}

// =============================================================================
// Client Interface
// =============================================================================

// Client defines the Docker operations nbforge relies on.
type Client interface {
	// Container operations
	CreateContainer(ctx context.Context, spec ContainerSpec) (containerID string, err error)
	StartContainer(ctx context.Context, containerID string) error
	StopContainer(ctx context.Context, containerID string, timeout *time.Duration) error
	RemoveContainer(ctx context.Context, containerID string, opts RemoveOptions) error
	InspectContainer(ctx context.Context, containerID string) (*ContainerInfo, error)
	FindContainerByName(ctx context.Context, name string) (*ContainerInfo, error)
	ContainerLogs(ctx context.Context, containerID string, opts LogOptions) (io.ReadCloser, error)
	StreamLogs(ctx context.Context, containerID string, opts LogOptions, w io.Writer) error
	WaitContainer(ctx context.Context, containerID string) (int, error)

	// Image operations
	BuildImage(ctx context.Context, files map[string][]byte, tags []string) (string, error)
	PullImage(ctx context.Context, image string) error
	ImageExists(ctx context.Context, image string) (bool, error)

	// Health operations
	Ping(ctx context.Context) error
	Close() error
}

// =============================================================================
// Label Constants
// =============================================================================

const (
	LabelManaged = "com.nbforge.managed"
	LabelStep    = "com.nbforge.step"
	LabelUser    = "com.nbforge.user"
)
