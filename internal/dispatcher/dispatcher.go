package dispatcher

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xctf-platform/sandboxd/internal/config"
	"github.com/xctf-platform/sandboxd/internal/jobs"
	"github.com/xctf-platform/sandboxd/internal/model"
	"github.com/xctf-platform/sandboxd/internal/store"
)

// Service manages job processing with leader election.
type Service struct {
	store    *store.Store
	cfg      *config.Config
	serverID string

	// queue is used by the scheduler loop to enqueue periodic
	// reconciliation jobs; set via SetQueue.
	queue *jobs.Queue

	// Registered executors by job type
	executors map[model.JobType]JobExecutor

	// Concurrency tracking per job type
	runningJobs   map[model.JobType]int
	runningJobsMu sync.Mutex

	// Leadership state
	isLeader   bool
	isLeaderMu sync.RWMutex

	// Notification channel for immediate job execution. Enqueue sends to
	// this channel to wake up the processor instead of waiting for the
	// next poll tick.
	notifyCh chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates a new dispatcher service.
func NewService(s *store.Store, cfg *config.Config) *Service {
	return &Service{
		store:       s,
		cfg:         cfg,
		serverID:    uuid.New().String(),
		executors:   make(map[model.JobType]JobExecutor),
		runningJobs: make(map[model.JobType]int),
		notifyCh:    make(chan struct{}, 100),
	}
}

// RegisterExecutor registers an executor for a job type.
func (d *Service) RegisterExecutor(executor JobExecutor) {
	d.executors[executor.Type()] = executor
}

// ServerID returns this server's unique ID.
func (d *Service) ServerID() string {
	return d.serverID
}

// IsLeader returns whether this server is currently the leader.
func (d *Service) IsLeader() bool {
	d.isLeaderMu.RLock()
	defer d.isLeaderMu.RUnlock()
	return d.isLeader
}

// NotifyNewJob notifies the dispatcher that a new job was enqueued,
// triggering immediate processing if enabled in config.
func (d *Service) NotifyNewJob() {
	if !d.cfg.DispatcherImmediateExecution {
		return
	}
	select {
	case d.notifyCh <- struct{}{}:
	default:
	}
}

// Start begins the dispatcher service.
func (d *Service) Start(parentCtx context.Context) {
	d.ctx, d.cancel = context.WithCancel(parentCtx)

	log.Printf("dispatcher: starting with server ID %s", d.serverID)

	d.wg.Add(1)
	go d.leaderElectionLoop()

	d.wg.Add(1)
	go d.jobProcessingLoop()

	d.wg.Add(1)
	go d.staleJobCleanupLoop()

	d.wg.Add(1)
	go d.schedulerLoop()
}

// Stop gracefully stops the dispatcher.
func (d *Service) Stop() {
	log.Println("dispatcher: stopping")

	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("dispatcher: all goroutines stopped")
	case <-time.After(30 * time.Second):
		log.Println("dispatcher: timeout waiting for goroutines")
	}

	if d.IsLeader() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.store.ReleaseLeadership(ctx, d.serverID); err != nil {
			log.Printf("dispatcher: release leadership: %v", err)
		} else {
			log.Println("dispatcher: leadership released")
		}
	}
}

func (d *Service) leaderElectionLoop() {
	defer d.wg.Done()

	d.tryAcquireLeadership()

	ticker := time.NewTicker(d.cfg.DispatcherHeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.tryAcquireLeadership()
		}
	}
}

func (d *Service) tryAcquireLeadership() {
	acquired, err := d.store.TryAcquireLeadership(
		d.ctx,
		d.serverID,
		d.cfg.DispatcherHeartbeatTimeout,
	)
	if err != nil {
		log.Printf("dispatcher: leader election error: %v", err)
		d.isLeaderMu.Lock()
		wasLeader := d.isLeader
		d.isLeader = false
		d.isLeaderMu.Unlock()
		if wasLeader {
			log.Printf("dispatcher: relinquished leadership due to error (server %s)", d.serverID)
		}
		return
	}

	d.isLeaderMu.Lock()
	wasLeader := d.isLeader
	d.isLeader = acquired
	d.isLeaderMu.Unlock()

	if acquired && !wasLeader {
		log.Printf("dispatcher: became leader (server %s)", d.serverID)
	} else if !acquired && wasLeader {
		log.Printf("dispatcher: lost leadership (server %s)", d.serverID)
	}
}

func (d *Service) jobProcessingLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.DispatcherPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.processAvailableJobs()
		case <-d.notifyCh:
			d.processAvailableJobs()
		}
	}
}

// processAvailableJobs claims and processes jobs until no capacity or no
// jobs remain.
func (d *Service) processAvailableJobs() {
	if !d.IsLeader() {
		return
	}

	for {
		availableTypes := d.getAvailableJobTypes()
		if len(availableTypes) == 0 {
			return
		}

		job, err := d.store.ClaimJobOfTypes(d.ctx, availableTypes, d.serverID)
		if err != nil {
			log.Printf("dispatcher: claim job: %v", err)
			return
		}
		if job == nil {
			return
		}

		jobType := model.JobType(job.Type)

		d.runningJobsMu.Lock()
		d.runningJobs[jobType]++
		d.runningJobsMu.Unlock()

		d.wg.Add(1)
		go func(j *model.Job, jt model.JobType) {
			defer d.wg.Done()
			defer d.decrementRunning(jt)
			d.executeJob(j)
		}(job, jobType)
	}
}

func (d *Service) getAvailableJobTypes() []string {
	d.runningJobsMu.Lock()
	defer d.runningJobsMu.Unlock()

	var available []string
	for jobType := range d.executors {
		running := d.runningJobs[jobType]
		limit := GetConcurrencyLimit(jobType)
		if running < limit {
			available = append(available, string(jobType))
		}
	}
	return available
}

func (d *Service) executeJob(job *model.Job) {
	log.Printf("dispatcher: processing job %s (type %s)", job.ID, job.Type)

	executor, ok := d.executors[model.JobType(job.Type)]
	if !ok {
		errMsg := "no executor registered for job type"
		log.Printf("dispatcher: job %s failed: %s", job.ID, errMsg)
		if err := d.store.FailJob(d.ctx, job.ID, errMsg); err != nil {
			log.Printf("dispatcher: mark job %s failed: %v", job.ID, err)
		}
		return
	}

	ctx, cancel := context.WithTimeout(d.ctx, d.cfg.DispatcherJobTimeout)
	defer cancel()

	if err := executor.Execute(ctx, job); err != nil {
		log.Printf("dispatcher: job %s failed: %v", job.ID, err)
		if err := d.store.FailJob(d.ctx, job.ID, err.Error()); err != nil {
			log.Printf("dispatcher: mark job %s failed: %v", job.ID, err)
		}
		return
	}

	log.Printf("dispatcher: job %s completed", job.ID)
	if err := d.store.CompleteJob(d.ctx, job.ID); err != nil {
		log.Printf("dispatcher: mark job %s completed: %v", job.ID, err)
	}
}

func (d *Service) decrementRunning(jobType model.JobType) {
	d.runningJobsMu.Lock()
	d.runningJobs[jobType]--
	d.runningJobsMu.Unlock()
}

func (d *Service) staleJobCleanupLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			if !d.IsLeader() {
				continue
			}

			count, err := d.store.CleanupStaleJobs(d.ctx, d.cfg.DispatcherStaleJobTimeout)
			if err != nil {
				log.Printf("dispatcher: stale job cleanup: %v", err)
			} else if count > 0 {
				log.Printf("dispatcher: reset %d stale jobs", count)
			}
		}
	}
}
