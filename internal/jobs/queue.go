// Package jobs provides a thin enqueue helper over the store's job table,
// used by services and event hooks to schedule background work for the
// dispatcher to pick up.
package jobs

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/xctf-platform/sandboxd/internal/config"
	"github.com/xctf-platform/sandboxd/internal/model"
	"github.com/xctf-platform/sandboxd/internal/store"
)

// Queue provides helper methods for enqueueing jobs.
type Queue struct {
	store      *store.Store
	cfg        *config.Config
	notifyFunc func() // Called after job creation to notify dispatcher
}

// NewQueue creates a new job queue helper.
func NewQueue(s *store.Store, cfg *config.Config) *Queue {
	return &Queue{store: s, cfg: cfg}
}

// SetNotifyFunc sets the function to call after job creation.
// This is typically dispatcher.(*Service).NotifyNewJob.
func (q *Queue) SetNotifyFunc(f func()) {
	q.notifyFunc = f
}

func (q *Queue) notify() {
	if q.notifyFunc != nil {
		q.notifyFunc()
	}
}

// ErrJobAlreadyExists is returned when a job for the resource already exists.
var ErrJobAlreadyExists = errors.New("job already exists for resource")

// Enqueue enqueues a job from the given payload. The payload determines the
// job type, resource key for deduplication, and optionally the priority and
// max attempts. Returns ErrJobAlreadyExists if a pending/running job for
// this resource already exists, unless the payload implements
// DuplicateAllower and returns true.
func (q *Queue) Enqueue(ctx context.Context, payload model.JobPayload) error {
	resType, resID := payload.ResourceKey()

	allowDuplicates := false
	if d, ok := payload.(model.DuplicateAllower); ok {
		allowDuplicates = d.AllowDuplicate()
	}
	if !allowDuplicates {
		exists, err := q.store.HasActiveJobForResource(ctx, resType, resID)
		if err != nil {
			return err
		}
		if exists {
			return ErrJobAlreadyExists
		}
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	priority := 10 // default
	if p, ok := payload.(model.Prioritized); ok {
		priority = p.JobPriority()
	}

	maxAttempts := q.cfg.JobMaxAttempts
	if m, ok := payload.(model.MaxAttempter); ok {
		maxAttempts = m.JobMaxAttempts()
	}

	job := &model.Job{
		Type:         string(payload.JobType()),
		Payload:      data,
		Status:       string(model.JobStatusPending),
		MaxAttempts:  maxAttempts,
		Priority:     priority,
		ResourceType: &resType,
		ResourceID:   &resID,
	}

	if err := q.store.CreateJob(ctx, job); err != nil {
		return err
	}
	q.notify()
	return nil
}
