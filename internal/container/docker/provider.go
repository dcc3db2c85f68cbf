// Package docker provides a Docker-based implementation of the container.Runtime interface.
package docker

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/xctf-platform/sandboxd/internal/config"
	ctr "github.com/xctf-platform/sandboxd/internal/container"
)

// Provider implements ctr.Runtime using the Docker Engine API.
type Provider struct {
	client  *client.Client
	network string
}

// NewProvider creates a new Docker runtime provider.
func NewProvider(cfg *config.Config) (*Provider, error) {
	opts := []client.Opt{
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	}

	if cfg.DockerHost != "" {
		opts = append(opts, client.WithHost(cfg.DockerHost))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("failed to connect to docker daemon: %w", err)
	}

	return &Provider{client: cli, network: cfg.DockerNetwork}, nil
}

// Create creates and starts a new Docker container. A stale, non-running
// container left over under the same name from a prior crash is removed
// first so the name can be reused.
func (p *Provider) Create(ctx context.Context, name string, opts ctr.CreateOptions) (*ctr.Container, error) {
	if existing, err := p.client.ContainerInspect(ctx, name); err == nil {
		if existing.State.Running {
			return nil, ctr.ErrAlreadyExists
		}
		_ = p.client.ContainerRemove(ctx, existing.ID, container.RemoveOptions{Force: true})
	}

	var env []string
	for k, v := range opts.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	labels := map[string]string{"xctf.managed": "true"}
	for k, v := range opts.Labels {
		labels[k] = v
	}

	exposedPorts := make(nat.PortSet)
	portBindings := make(nat.PortMap)
	for _, port := range opts.Ports {
		p := nat.Port(fmt.Sprintf("%d/tcp", port))
		exposedPorts[p] = struct{}{}
		portBindings[p] = []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: ""}}
	}

	containerConfig := &container.Config{
		Image:        opts.Image,
		Env:          env,
		Labels:       labels,
		ExposedPorts: exposedPorts,
	}

	hostConfig := &container.HostConfig{
		PortBindings: portBindings,
	}
	if opts.Resources.MemoryLimitMB > 0 {
		memBytes := int64(opts.Resources.MemoryLimitMB) * 1024 * 1024
		hostConfig.Memory = memBytes
		hostConfig.MemorySwap = memBytes
	}
	if opts.Resources.CPUQuota > 0 && opts.Resources.CPUPeriod > 0 {
		hostConfig.CPUQuota = opts.Resources.CPUQuota
		hostConfig.CPUPeriod = opts.Resources.CPUPeriod
	}
	for _, bind := range opts.Binds {
		hostConfig.Mounts = append(hostConfig.Mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   bind.HostPath,
			Target:   bind.ContainerPath,
			ReadOnly: bind.ReadOnly,
		})
	}
	if p.network != "" {
		hostConfig.NetworkMode = container.NetworkMode(p.network)
	}

	resp, err := p.client.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ctr.ErrStartFailed, err)
	}

	if err := p.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("%w: %v", ctr.ErrStartFailed, err)
	}

	return p.Get(ctx, resp.ID)
}

// Get inspects a container by ID, extracting its published ports and status.
func (p *Provider) Get(ctx context.Context, id string) (*ctr.Container, error) {
	info, err := p.client.ContainerInspect(ctx, id)
	if err != nil {
		return nil, ctr.ErrNotFound
	}

	c := &ctr.Container{
		ID:        info.ID,
		Name:      info.Name,
		HostPorts: make(map[int]int),
	}

	if created, err := time.Parse(time.RFC3339Nano, info.Created); err == nil {
		c.CreatedAt = created
	}

	for portProto, bindings := range info.NetworkSettings.Ports {
		if len(bindings) == 0 {
			continue
		}
		containerPort := portProto.Int()
		var hostPort int
		if _, err := fmt.Sscanf(bindings[0].HostPort, "%d", &hostPort); err == nil {
			c.HostPorts[containerPort] = hostPort
		}
	}

	switch {
	case info.State.Running:
		c.Status = ctr.StatusRunning
		if started, err := time.Parse(time.RFC3339Nano, info.State.StartedAt); err == nil {
			c.StartedAt = &started
		}
	case info.State.Dead || info.State.OOMKilled:
		c.Status = ctr.StatusFailed
		c.Error = info.State.Error
	case info.State.ExitCode != 0:
		c.Status = ctr.StatusFailed
		c.Error = fmt.Sprintf("exited with code %d", info.State.ExitCode)
	default:
		if info.State.FinishedAt != "" && info.State.FinishedAt != "0001-01-01T00:00:00Z" {
			c.Status = ctr.StatusStopped
			if stopped, err := time.Parse(time.RFC3339Nano, info.State.FinishedAt); err == nil {
				c.StoppedAt = &stopped
			}
		} else {
			c.Status = ctr.StatusCreated
		}
	}

	return c, nil
}

// Stop stops a running container gracefully, falling back to a kill once
// timeout elapses (Docker's own behavior for ContainerStop).
func (p *Provider) Stop(ctx context.Context, id string, timeout time.Duration) error {
	seconds := int(timeout.Seconds())
	if err := p.client.ContainerStop(ctx, id, container.StopOptions{Timeout: &seconds}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to stop container: %w", err)
	}
	return nil
}

// Remove deletes a container, tolerating the already-removed case.
func (p *Provider) Remove(ctx context.Context, id string, force bool) error {
	err := p.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: force, RemoveVolumes: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

// StopAndRemove stops then removes a container.
func (p *Provider) StopAndRemove(ctx context.Context, id string, timeout time.Duration) error {
	if err := p.Stop(ctx, id, timeout); err != nil {
		return err
	}
	return p.Remove(ctx, id, true)
}

// List returns containers matching the given label filters.
func (p *Provider) List(ctx context.Context, labelFilters map[string]string) ([]*ctr.Container, error) {
	args := filters.NewArgs()
	for k, v := range labelFilters {
		args.Add("label", fmt.Sprintf("%s=%s", k, v))
	}

	summaries, err := p.client.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	containers := make([]*ctr.Container, 0, len(summaries))
	for _, summary := range summaries {
		c, err := p.Get(ctx, summary.ID)
		if err != nil {
			continue
		}
		containers = append(containers, c)
	}
	return containers, nil
}

// WaitForHealthy polls the container until the daemon reports it healthy, or
// simply running for images with no HEALTHCHECK defined, or the timeout
// elapses.
func (p *Provider) WaitForHealthy(ctx context.Context, id string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		info, err := p.client.ContainerInspect(ctx, id)
		if err != nil {
			return fmt.Errorf("failed to inspect container: %w", err)
		}

		if info.State.Health != nil {
			switch info.State.Health.Status {
			case "healthy":
				return nil
			case "unhealthy":
				return fmt.Errorf("%w: health check reported unhealthy", ctr.ErrUnhealthy)
			}
		} else if info.State.Running {
			return nil
		}

		if time.Now().After(deadline) {
			return ctr.ErrUnhealthy
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close closes the Docker client connection.
func (p *Provider) Close() error {
	return p.client.Close()
}

