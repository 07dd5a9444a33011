// Package runtime defines the container runtime port the orchestrator drives
// modules through, plus the error kinds callers branch on.
package runtime

import (
	"context"
	"errors"
	"time"

	"github.com/agricore/module-orchestrator/internal/db/models"
	"github.com/agricore/module-orchestrator/internal/secprofile"
)

var (
	// ErrImagePullFailed means the module image could not be pulled.
	ErrImagePullFailed = errors.New("image pull failed")
	// ErrImageRejected means the image was pulled but failed validation.
	ErrImageRejected = errors.New("image rejected")
	// ErrContainerCreateFailed means the runtime refused to create the container.
	ErrContainerCreateFailed = errors.New("container create failed")
	// ErrContainerStartFailed means the created container could not be started.
	ErrContainerStartFailed = errors.New("container start failed")
	// ErrContainerNotFound means the referenced container no longer exists.
	ErrContainerNotFound = errors.New("container not found")
	// ErrRuntimeUnreachable means the container runtime daemon is down.
	ErrRuntimeUnreachable = errors.New("container runtime unreachable")
)

// Engine-reported healthcheck states surfaced through Stats.Health. Empty
// means the container has no healthcheck configured.
const (
	HealthStarting  = "starting"
	HealthHealthy   = "healthy"
	HealthUnhealthy = "unhealthy"
)

// ImageInfo describes a validated, locally present image.
type ImageInfo struct {
	ID     string
	Labels map[string]string
}

// CreateSpec is everything the runtime needs to create a module container.
type CreateSpec struct {
	Name        string
	Image       string
	Env         map[string]string
	Ports       []models.PortMapping
	Volumes     []string
	CPULimit    float64
	MemLimitMB  int64
	NetworkMode string
	HealthCheck models.HealthCheck
	Profile     secprofile.Profile
	Labels      map[string]string
}

// Stats is a point-in-time view of a module container.
type Stats struct {
	State        string
	Running      bool
	Health       string
	ExitCode     int
	StartedAt    time.Time
	RestartCount int
	CPUPercent   float64
	MemoryUsed   uint64
	MemoryLimit  uint64
	NetworkRx    uint64
	NetworkTx    uint64
}

// Runtime is the container runtime port. The production implementation talks
// to the Docker engine; tests substitute fakes.
type Runtime interface {
	// ValidateImage pulls the image and returns its metadata, rejecting
	// images the platform does not allow.
	ValidateImage(ctx context.Context, image string) (*ImageInfo, error)
	// Create creates a container from the spec and returns its ID.
	Create(ctx context.Context, spec CreateSpec) (string, error)
	Start(ctx context.Context, containerID string) error
	Stop(ctx context.Context, containerID string, timeout time.Duration) error
	// Remove force-removes a container. A container that no longer exists is
	// treated as already removed.
	Remove(ctx context.Context, containerID string) error
	// Stats inspects a container's current state and resource usage.
	Stats(ctx context.Context, containerID string) (*Stats, error)
	// Ping reports whether the runtime daemon is reachable.
	Ping(ctx context.Context) error
}
