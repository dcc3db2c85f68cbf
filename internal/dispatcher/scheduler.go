package dispatcher

import (
	"errors"
	"log"
	"time"

	"github.com/xctf-platform/sandboxd/internal/jobs"
	"github.com/xctf-platform/sandboxd/internal/model"
)

// SetQueue wires the job queue the scheduler enqueues periodic work
// through. Must be called before Start for the scheduler loop to do
// anything; a nil queue leaves the four reconciliation jobs unscheduled
// rather than panicking, since some callers (tests) run the dispatcher
// without a queue at all.
func (d *Service) SetQueue(q *jobs.Queue) {
	d.queue = q
}

// schedulerLoop owns the four reconciliation tickers SPEC_FULL.md's C7
// describes: idle non-static sandbox reaping, expired-session revocation,
// orphan firewall port cleanup, and the periodic firewall-state refresh.
// Only the leader enqueues, same as staleJobCleanupLoop, so a standby
// server doesn't double-schedule these jobs.
func (d *Service) schedulerLoop() {
	defer d.wg.Done()

	destroyTicker := time.NewTicker(d.cfg.DestroyNonStaticSandboxesInterval)
	defer destroyTicker.Stop()
	sessionTicker := time.NewTicker(d.cfg.CleanupExpiredSessionsInterval)
	defer sessionTicker.Stop()
	orphanTicker := time.NewTicker(d.cfg.CleanOrphanFirewallPortsInterval)
	defer orphanTicker.Stop()
	refreshTicker := time.NewTicker(d.cfg.RefreshSandboxesInterval)
	defer refreshTicker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-destroyTicker.C:
			d.enqueuePeriodic(model.DestroyNonStaticSandboxesPayload{
				IdleAfterSeconds: int64(d.cfg.SandboxIdleTimeout.Seconds()),
			})
		case <-sessionTicker.C:
			d.enqueuePeriodic(model.CleanupExpiredSessionsPayload{})
		case <-orphanTicker.C:
			d.enqueuePeriodic(model.CleanOrphanFirewallPortsPayload{})
		case <-refreshTicker.C:
			d.enqueuePeriodic(model.RefreshSandboxesPayload{})
		}
	}
}

// enqueuePeriodic enqueues a periodic job, treating ErrJobAlreadyExists as
// expected rather than an error: it just means the previous run hasn't
// finished yet.
func (d *Service) enqueuePeriodic(payload model.JobPayload) {
	if !d.IsLeader() || d.queue == nil {
		return
	}
	if err := d.queue.Enqueue(d.ctx, payload); err != nil && !errors.Is(err, jobs.ErrJobAlreadyExists) {
		log.Printf("dispatcher: scheduler enqueue %s: %v", payload.JobType(), err)
	}
}
