package dispatcher

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/xctf-platform/sandboxd/internal/jobs"
	"github.com/xctf-platform/sandboxd/internal/model"
	"github.com/xctf-platform/sandboxd/internal/store"
)

// SandboxCleanupEnqueuer enqueues a cleanup_sandbox job for one sandbox.
type SandboxCleanupEnqueuer interface {
	Enqueue(ctx context.Context, payload model.JobPayload) error
}

// DestroyNonStaticSandboxesExecutor reaps per-player sandboxes that have
// either been solved or sat idle past the cutoff.
type DestroyNonStaticSandboxesExecutor struct {
	store       *store.Store
	queue       SandboxCleanupEnqueuer
	idleTimeout time.Duration
}

// NewDestroyNonStaticSandboxesExecutor creates the periodic reaper executor.
func NewDestroyNonStaticSandboxesExecutor(s *store.Store, queue SandboxCleanupEnqueuer, idleTimeout time.Duration) *DestroyNonStaticSandboxesExecutor {
	return &DestroyNonStaticSandboxesExecutor{store: s, queue: queue, idleTimeout: idleTimeout}
}

func (e *DestroyNonStaticSandboxesExecutor) Type() model.JobType {
	return model.JobTypeDestroyNonStaticSandboxes
}

func (e *DestroyNonStaticSandboxesExecutor) Execute(ctx context.Context, job *model.Job) error {
	seen := make(map[string]bool)

	idle, err := e.store.ListIdleNonStaticSandboxes(ctx, time.Now().Add(-e.idleTimeout))
	if err != nil {
		return err
	}
	for _, sb := range idle {
		e.enqueueCleanup(ctx, sb.ID, seen)
	}

	active, err := e.store.ListAllActiveSandboxes(ctx)
	if err != nil {
		return err
	}
	for _, sb := range active {
		if sb.UserID == nil {
			continue // static sandboxes are never reaped by this sweep
		}
		solved, err := e.store.HasCorrectSubmission(ctx, *sb.UserID, sb.ChallengeID)
		if err != nil {
			log.Printf("dispatcher: destroy_non_static_sandboxes: check submission for sandbox %s: %v", sb.ID, err)
			continue
		}
		if solved {
			e.enqueueCleanup(ctx, sb.ID, seen)
		}
	}

	return nil
}

func (e *DestroyNonStaticSandboxesExecutor) enqueueCleanup(ctx context.Context, sandboxID string, seen map[string]bool) {
	if seen[sandboxID] {
		return
	}
	seen[sandboxID] = true

	err := e.queue.Enqueue(ctx, model.CleanupSandboxPayload{SandboxID: sandboxID})
	if err != nil && !errors.Is(err, jobs.ErrJobAlreadyExists) {
		log.Printf("dispatcher: destroy_non_static_sandboxes: enqueue cleanup for %s: %v", sandboxID, err)
	}
}
