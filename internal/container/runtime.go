// Package container defines the runtime abstraction used to create and
// manage challenge sandbox containers (C3). Implementations wrap a concrete
// engine (Docker); the sandbox lifecycle engine only depends on this
// interface so tests can substitute an in-memory fake.
package container

import (
	"context"
	"time"
)

// Status represents the lifecycle state of a container as reported by the
// runtime.
type Status string

const (
	StatusCreated Status = "created"
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusFailed  Status = "failed"
	StatusUnknown Status = "unknown"
)

// Bind mounts a host path into the container at ContainerPath. Used to
// attach a volume manager's loopback-mounted filesystem to a sandbox.
type Bind struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

// ResourceLimits caps a container's memory and CPU usage.
type ResourceLimits struct {
	MemoryLimitMB int
	CPUQuota      int64 // microseconds of CPU time allowed per CPUPeriod
	CPUPeriod     int64
}

// CreateOptions describes a container to create.
type CreateOptions struct {
	Image     string
	Env       map[string]string
	Labels    map[string]string
	Ports     []int // container ports to publish on randomly assigned host ports
	Binds     []Bind
	Resources ResourceLimits
}

// Container is the runtime's view of a single container.
type Container struct {
	ID        string
	Name      string
	Status    Status
	HostPorts map[int]int // container port -> published host port
	Error     string
	CreatedAt time.Time
	StartedAt *time.Time
	StoppedAt *time.Time
}

// Runtime creates, inspects, and tears down challenge sandbox containers.
type Runtime interface {
	// Create starts a new container under the given name. The name must be
	// unique; a name collision with an existing (non-running) container from
	// a prior crash is cleaned up automatically.
	Create(ctx context.Context, name string, opts CreateOptions) (*Container, error)

	// Get inspects a container by ID, returning its current status and
	// published port mapping.
	Get(ctx context.Context, id string) (*Container, error)

	// Stop sends a graceful stop signal, waiting up to timeout before
	// forcing termination.
	Stop(ctx context.Context, id string, timeout time.Duration) error

	// Remove deletes a stopped container. If force is true, a running
	// container is killed first.
	Remove(ctx context.Context, id string, force bool) error

	// StopAndRemove stops then removes a container, tolerating the case
	// where it is already gone.
	StopAndRemove(ctx context.Context, id string, timeout time.Duration) error

	// List returns containers matching the given label filters.
	List(ctx context.Context, labelFilters map[string]string) ([]*Container, error)

	// WaitForHealthy polls the container until it reports healthy (or, for
	// images without a HEALTHCHECK, until it is simply running) or the
	// timeout elapses.
	WaitForHealthy(ctx context.Context, id string, timeout time.Duration) error

	// Close releases resources held by the runtime client.
	Close() error
}
