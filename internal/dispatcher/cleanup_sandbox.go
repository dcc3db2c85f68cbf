package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/xctf-platform/sandboxd/internal/model"
)

// SandboxCleaner is the narrow slice of the sandbox lifecycle engine (C6)
// this executor needs.
type SandboxCleaner interface {
	Cleanup(ctx context.Context, sandboxID string) error
}

// CleanupSandboxExecutor handles cleanup_sandbox jobs: tear down one
// sandbox's container, volume, and firewall mapping.
type CleanupSandboxExecutor struct {
	sandboxes SandboxCleaner
}

// NewCleanupSandboxExecutor creates a new cleanup_sandbox executor.
func NewCleanupSandboxExecutor(sandboxes SandboxCleaner) *CleanupSandboxExecutor {
	return &CleanupSandboxExecutor{sandboxes: sandboxes}
}

func (e *CleanupSandboxExecutor) Type() model.JobType { return model.JobTypeCleanupSandbox }

func (e *CleanupSandboxExecutor) Execute(ctx context.Context, job *model.Job) error {
	if e.sandboxes == nil {
		return fmt.Errorf("sandbox engine not available")
	}

	var payload model.CleanupSandboxPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	if payload.SandboxID == "" {
		return fmt.Errorf("sandbox_id is required")
	}

	return e.sandboxes.Cleanup(ctx, payload.SandboxID)
}
