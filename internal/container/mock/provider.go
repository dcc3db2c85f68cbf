// Package mock provides a mock implementation of container.Runtime for testing.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/xctf-platform/sandboxd/internal/container"
)

// Provider is a mock container runtime for testing the sandbox lifecycle
// engine without a real Docker daemon.
type Provider struct {
	mu         sync.RWMutex
	containers map[string]*container.Container
	nextPort   int

	// Configurable behaviors for testing
	CreateFunc        func(ctx context.Context, name string, opts container.CreateOptions) (*container.Container, error)
	WaitForHealthyErr error
}

// NewProvider creates a new mock provider with default behavior.
func NewProvider() *Provider {
	return &Provider{
		containers: make(map[string]*container.Container),
		nextPort:   30000,
	}
}

// Create creates a mock container, immediately marking it running and
// assigning a fake published host port per requested container port.
func (p *Provider) Create(ctx context.Context, name string, opts container.CreateOptions) (*container.Container, error) {
	if p.CreateFunc != nil {
		return p.CreateFunc(ctx, name, opts)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, exists := p.containers[name]; exists && existing.Status == container.StatusRunning {
		return nil, container.ErrAlreadyExists
	}

	hostPorts := make(map[int]int)
	for _, cp := range opts.Ports {
		hostPorts[cp] = p.nextPort
		p.nextPort++
	}

	now := time.Now()
	c := &container.Container{
		ID:        "mock-" + name,
		Name:      name,
		Status:    container.StatusRunning,
		HostPorts: hostPorts,
		CreatedAt: now,
		StartedAt: &now,
	}
	p.containers[name] = c

	copy := *c
	return &copy, nil
}

// Get returns a mock container.
func (p *Provider) Get(ctx context.Context, id string) (*container.Container, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, c := range p.containers {
		if c.ID == id {
			copy := *c
			return &copy, nil
		}
	}
	return nil, container.ErrNotFound
}

// Stop marks a mock container stopped.
func (p *Provider) Stop(ctx context.Context, id string, timeout time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, c := range p.containers {
		if c.ID == id {
			c.Status = container.StatusStopped
			now := time.Now()
			c.StoppedAt = &now
			return nil
		}
	}
	return nil
}

// Remove deletes a mock container, tolerating the already-removed case.
func (p *Provider) Remove(ctx context.Context, id string, force bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for name, c := range p.containers {
		if c.ID == id {
			delete(p.containers, name)
			return nil
		}
	}
	return nil
}

// StopAndRemove stops then removes a mock container.
func (p *Provider) StopAndRemove(ctx context.Context, id string, timeout time.Duration) error {
	if err := p.Stop(ctx, id, timeout); err != nil {
		return err
	}
	return p.Remove(ctx, id, true)
}

// List returns containers matching the given label filters. The mock
// ignores filters and returns everything, since tests don't assert on
// label-scoped listing behavior.
func (p *Provider) List(ctx context.Context, labelFilters map[string]string) ([]*container.Container, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make([]*container.Container, 0, len(p.containers))
	for _, c := range p.containers {
		copy := *c
		result = append(result, &copy)
	}
	return result, nil
}

// WaitForHealthy returns WaitForHealthyErr if set, otherwise succeeds
// immediately.
func (p *Provider) WaitForHealthy(ctx context.Context, id string, timeout time.Duration) error {
	if p.WaitForHealthyErr != nil {
		return p.WaitForHealthyErr
	}
	if _, err := p.Get(ctx, id); err != nil {
		return fmt.Errorf("container %s: %w", id, err)
	}
	return nil
}

// Close is a no-op for the mock.
func (p *Provider) Close() error { return nil }

// Containers returns all containers (for test assertions).
func (p *Provider) Containers() map[string]*container.Container {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make(map[string]*container.Container)
	for k, v := range p.containers {
		copy := *v
		result[k] = &copy
	}
	return result
}
