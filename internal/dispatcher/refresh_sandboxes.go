package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/xctf-platform/sandboxd/internal/model"
)

// SandboxRefresher re-applies firewall state for every active sandbox. With
// ColdStart set, it also rebuilds nftables from scratch after a restart.
type SandboxRefresher interface {
	RefreshAll(ctx context.Context, coldStart bool) error
}

// RefreshSandboxesExecutor handles refresh_sandboxes jobs, run on a fixed
// interval to re-apply firewall rules. The process-start rebuild calls
// RefreshAll directly rather than through this executor.
type RefreshSandboxesExecutor struct {
	sandboxes SandboxRefresher
}

// NewRefreshSandboxesExecutor creates the periodic/cold-start refresh executor.
func NewRefreshSandboxesExecutor(sandboxes SandboxRefresher) *RefreshSandboxesExecutor {
	return &RefreshSandboxesExecutor{sandboxes: sandboxes}
}

func (e *RefreshSandboxesExecutor) Type() model.JobType { return model.JobTypeRefreshSandboxes }

func (e *RefreshSandboxesExecutor) Execute(ctx context.Context, job *model.Job) error {
	if e.sandboxes == nil {
		return fmt.Errorf("sandbox engine not available")
	}

	var payload model.RefreshSandboxesPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	return e.sandboxes.RefreshAll(ctx, payload.ColdStart)
}
