// Package docker implements the runtime port against the Docker engine API.
package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"

	"github.com/agricore/module-orchestrator/internal/db/models"
	"github.com/agricore/module-orchestrator/internal/runtime"
)

// Client drives module containers through the Docker engine.
type Client struct {
	docker            *client.Client
	opTimeout         time.Duration
	stopTimeout       time.Duration
	allowedRegistries []string
}

// New creates a Docker runtime client. An empty host falls back to the SDK's
// standard resolution (DOCKER_HOST, then the local socket). The API version
// is negotiated with the daemon. A non-empty registry list restricts which
// registries module images may be pulled from. opTimeout bounds each engine
// call; pulls of large images dominate, so it should be generous.
func New(host string, opTimeout, stopTimeout time.Duration, allowedRegistries []string) (*Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	c, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	if opTimeout <= 0 {
		opTimeout = 2 * time.Minute
	}
	if stopTimeout <= 0 {
		stopTimeout = 10 * time.Second
	}
	return &Client{
		docker:            c,
		opTimeout:         opTimeout,
		stopTimeout:       stopTimeout,
		allowedRegistries: allowedRegistries,
	}, nil
}

// opCtx bounds a single engine call. The zero timeout (a Client built
// without New, as in tests) leaves the caller's context untouched.
func (c *Client) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.opTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.opTimeout)
}

// Ping reports whether the Docker daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	if _, err := c.docker.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", runtime.ErrRuntimeUnreachable, err)
	}
	return nil
}

// ValidateImage checks the registry allow-list, pulls the image, and
// inspects it. The pull stream must be drained for the pull to actually
// complete.
func (c *Client) ValidateImage(ctx context.Context, ref string) (*runtime.ImageInfo, error) {
	if err := c.checkRegistry(ref); err != nil {
		return nil, err
	}

	ctx, cancel := c.opCtx(ctx)
	defer cancel()

	rc, err := c.docker.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", runtime.ErrImagePullFailed, err)
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return nil, fmt.Errorf("%w: %v", runtime.ErrImagePullFailed, err)
	}

	inspect, _, err := c.docker.ImageInspectWithRaw(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", runtime.ErrImagePullFailed, err)
	}

	labels := map[string]string{}
	if inspect.Config != nil && inspect.Config.Labels != nil {
		labels = inspect.Config.Labels
	}
	return &runtime.ImageInfo{ID: inspect.ID, Labels: labels}, nil
}

// checkRegistry rejects images from registries outside the allow-list.
// References without a registry host resolve to Docker Hub.
func (c *Client) checkRegistry(ref string) error {
	if len(c.allowedRegistries) == 0 {
		return nil
	}

	registry := "docker.io"
	if idx := strings.IndexByte(ref, '/'); idx > 0 {
		host := ref[:idx]
		if strings.ContainsAny(host, ".:") || host == "localhost" {
			registry = host
		}
	}

	for _, allowed := range c.allowedRegistries {
		if registry == allowed {
			return nil
		}
	}
	return fmt.Errorf("%w: registry %s is not allowed", runtime.ErrImageRejected, registry)
}

// Create creates a module container from the spec.
func (c *Client) Create(ctx context.Context, spec runtime.CreateSpec) (string, error) {
	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, p := range spec.Ports {
		proto := p.Protocol
		if proto == "" {
			proto = "tcp"
		}
		port, err := nat.NewPort(proto, strconv.Itoa(p.ContainerPort))
		if err != nil {
			return "", fmt.Errorf("%w: invalid port mapping: %v", runtime.ErrContainerCreateFailed, err)
		}
		exposed[port] = struct{}{}
		bindings[port] = append(bindings[port], nat.PortBinding{
			HostIP:   "0.0.0.0",
			HostPort: strconv.Itoa(p.HostPort),
		})
	}

	cfg := &container.Config{
		Image:        spec.Image,
		Env:          env,
		Labels:       spec.Labels,
		ExposedPorts: exposed,
		Healthcheck:  healthConfig(spec.HealthCheck),
	}

	// No engine restart policy: the orchestrator owns crash recovery, and an
	// auto-restarting container would hide exits from the health poller.
	hostCfg := &container.HostConfig{
		Binds:        spec.Volumes,
		PortBindings: bindings,
		Resources: container.Resources{
			NanoCPUs: int64(spec.CPULimit * 1e9),
			Memory:   spec.MemLimitMB * 1024 * 1024,
		},
	}
	if spec.NetworkMode != "" {
		hostCfg.NetworkMode = container.NetworkMode(spec.NetworkMode)
	}

	applyProfile(cfg, hostCfg, spec)

	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	resp, err := c.docker.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("%w: %v", runtime.ErrContainerCreateFailed, err)
	}
	for _, w := range resp.Warnings {
		slog.Warn("container create warning", "container", spec.Name, "warning", w)
	}
	return resp.ID, nil
}

func applyProfile(cfg *container.Config, hostCfg *container.HostConfig, spec runtime.CreateSpec) {
	p := spec.Profile
	if p.RunAsUser != "" {
		cfg.User = p.RunAsUser
	}
	if p.DropAllCaps {
		hostCfg.CapDrop = []string{"ALL"}
	}
	if p.ReadOnlyRootFS {
		hostCfg.ReadonlyRootfs = true
	}
	if p.NoNewPrivileges {
		hostCfg.SecurityOpt = append(hostCfg.SecurityOpt, "no-new-privileges:true")
	}
}

func healthConfig(hc models.HealthCheck) *container.HealthConfig {
	if hc.Empty() {
		return nil
	}
	cfg := &container.HealthConfig{
		Test:    append([]string{"CMD"}, hc.Command...),
		Retries: hc.Retries,
	}
	if d, err := time.ParseDuration(hc.Interval); err == nil {
		cfg.Interval = d
	}
	if d, err := time.ParseDuration(hc.Timeout); err == nil {
		cfg.Timeout = d
	}
	return cfg
}

// Start starts a created container.
func (c *Client) Start(ctx context.Context, containerID string) error {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	if err := c.docker.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return fmt.Errorf("%w: %v", runtime.ErrContainerStartFailed, err)
	}
	return nil
}

// Stop stops a container, giving it the timeout to exit before SIGKILL.
func (c *Client) Stop(ctx context.Context, containerID string, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = c.stopTimeout
	}
	secs := int(timeout.Seconds())
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	err := c.docker.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &secs})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return fmt.Errorf("%w: %s", runtime.ErrContainerNotFound, containerID)
		}
		return fmt.Errorf("failed to stop container: %w", err)
	}
	return nil
}

// Remove force-removes a container and its anonymous volumes. A container
// that is already gone counts as removed.
func (c *Client) Remove(ctx context.Context, containerID string) error {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	err := c.docker.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

// Stats inspects a container and, when it is running, samples resource usage.
func (c *Client) Stats(ctx context.Context, containerID string) (*runtime.Stats, error) {
	ctx, cancel := c.opCtx(ctx)
	defer cancel()
	inspect, err := c.docker.ContainerInspect(ctx, containerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", runtime.ErrContainerNotFound, containerID)
		}
		return nil, fmt.Errorf("failed to inspect container: %w", err)
	}

	stats := &runtime.Stats{
		State:        inspect.State.Status,
		Running:      inspect.State.Running,
		ExitCode:     inspect.State.ExitCode,
		RestartCount: inspect.RestartCount,
	}
	if inspect.State.Health != nil {
		stats.Health = inspect.State.Health.Status
	}
	if t, err := time.Parse(time.RFC3339Nano, inspect.State.StartedAt); err == nil {
		stats.StartedAt = t
	}

	if !inspect.State.Running {
		return stats, nil
	}

	resp, err := c.docker.ContainerStatsOneShot(ctx, containerID)
	if err != nil {
		// Usage sampling is best-effort; inspection already gave us state.
		slog.Warn("failed to sample container stats", "container", containerID, "error", err)
		return stats, nil
	}
	defer resp.Body.Close()

	var usage container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&usage); err != nil {
		slog.Warn("failed to decode container stats", "container", containerID, "error", err)
		return stats, nil
	}

	stats.CPUPercent = cpuPercent(&usage)
	stats.MemoryUsed = usage.MemoryStats.Usage
	stats.MemoryLimit = usage.MemoryStats.Limit
	for _, nw := range usage.Networks {
		stats.NetworkRx += nw.RxBytes
		stats.NetworkTx += nw.TxBytes
	}
	return stats, nil
}

func cpuPercent(s *container.StatsResponse) float64 {
	cpuDelta := float64(s.CPUStats.CPUUsage.TotalUsage) - float64(s.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(s.CPUStats.SystemUsage) - float64(s.PreCPUStats.SystemUsage)
	if cpuDelta <= 0 || sysDelta <= 0 {
		return 0
	}
	cpus := float64(s.CPUStats.OnlineCPUs)
	if cpus == 0 {
		cpus = float64(len(s.CPUStats.CPUUsage.PercpuUsage))
	}
	return cpuDelta / sysDelta * cpus * 100
}
