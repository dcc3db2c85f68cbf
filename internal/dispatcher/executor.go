// Package dispatcher provides a database-backed job queue with leader
// election, claiming and running the reconciliation and lifecycle jobs
// enqueued through internal/jobs and internal/model.
package dispatcher

import (
	"context"

	"github.com/xctf-platform/sandboxd/internal/model"
)

// JobExecutor defines the interface for executing a specific job type.
type JobExecutor interface {
	// Type returns the job type this executor handles.
	Type() model.JobType

	// Execute processes the job. Returns error on failure.
	Execute(ctx context.Context, job *model.Job) error
}
