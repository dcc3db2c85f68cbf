package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/xctf-platform/sandboxd/internal/config"
	"github.com/xctf-platform/sandboxd/internal/jobs"
	"github.com/xctf-platform/sandboxd/internal/model"
	"github.com/xctf-platform/sandboxd/internal/store"
)

// testDB creates a temporary SQLite database for testing, isolated per test.
func testDB(t *testing.T) *store.Store {
	tmpFile := fmt.Sprintf("%s/dispatcher_test_%d.db", t.TempDir(), time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(tmpFile), &gorm.Config{})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	if err := db.AutoMigrate(model.AllModels()...); err != nil {
		t.Fatalf("migrate test database: %v", err)
	}
	return store.New(db)
}

func testConfig() *config.Config {
	return &config.Config{
		DispatcherEnabled:           true,
		DispatcherPollInterval:      50 * time.Millisecond,
		DispatcherHeartbeatInterval: 100 * time.Millisecond,
		DispatcherHeartbeatTimeout:  500 * time.Millisecond,
		DispatcherJobTimeout:        5 * time.Second,
		DispatcherStaleJobTimeout:   10 * time.Minute,
		JobMaxAttempts:              3,

		// Long enough that the scheduler loop's tickers never fire during a
		// test's lifetime; tests that want to exercise scheduling set these
		// explicitly.
		DestroyNonStaticSandboxesInterval: time.Hour,
		CleanupExpiredSessionsInterval:    time.Hour,
		CleanOrphanFirewallPortsInterval:  time.Hour,
		RefreshSandboxesInterval:          time.Hour,
		SandboxIdleTimeout:                15 * time.Minute,
	}
}

type mockExecutor struct {
	jobType  model.JobType
	execFunc func(ctx context.Context, job *model.Job) error
	mu       sync.Mutex
	count    int
}

func newMockExecutor(jobType model.JobType) *mockExecutor {
	return &mockExecutor{
		jobType:  jobType,
		execFunc: func(ctx context.Context, job *model.Job) error { return nil },
	}
}

func (e *mockExecutor) Type() model.JobType { return e.jobType }

func (e *mockExecutor) Execute(ctx context.Context, job *model.Job) error {
	e.mu.Lock()
	e.count++
	e.mu.Unlock()
	return e.execFunc(ctx, job)
}

func (e *mockExecutor) ExecuteCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.count
}

// --- Queue tests ---

func TestQueue_Enqueue(t *testing.T) {
	s := testDB(t)
	q := jobs.NewQueue(s, testConfig())

	ctx := context.Background()
	if err := q.Enqueue(ctx, model.CleanupSandboxPayload{SandboxID: "sb-1"}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	job, err := s.ClaimJob(ctx, string(model.JobTypeCleanupSandbox), "worker-1")
	if err != nil {
		t.Fatalf("ClaimJob failed: %v", err)
	}
	if job == nil {
		t.Fatal("expected job to be created")
	}
}

func TestQueue_Enqueue_DedupesByResource(t *testing.T) {
	s := testDB(t)
	q := jobs.NewQueue(s, testConfig())

	ctx := context.Background()
	if err := q.Enqueue(ctx, model.CleanupSandboxPayload{SandboxID: "sb-1"}); err != nil {
		t.Fatalf("first Enqueue failed: %v", err)
	}
	err := q.Enqueue(ctx, model.CleanupSandboxPayload{SandboxID: "sb-1"})
	if err != jobs.ErrJobAlreadyExists {
		t.Fatalf("expected ErrJobAlreadyExists, got %v", err)
	}
}

func TestQueue_Enqueue_AllowsDuplicatesWhenPayloadOptsIn(t *testing.T) {
	s := testDB(t)
	q := jobs.NewQueue(s, testConfig())

	ctx := context.Background()
	if err := q.Enqueue(ctx, model.RefreshSandboxesPayload{}); err != nil {
		t.Fatalf("first Enqueue failed: %v", err)
	}
	if err := q.Enqueue(ctx, model.RefreshSandboxesPayload{}); err != nil {
		t.Fatalf("second Enqueue should be allowed: %v", err)
	}
}

// --- Dispatcher tests ---

func TestDispatcher_RegisterExecutor(t *testing.T) {
	s := testDB(t)
	d := NewService(s, testConfig())

	executor := newMockExecutor(model.JobTypeCleanupSandbox)
	d.RegisterExecutor(executor)

	if _, ok := d.executors[model.JobTypeCleanupSandbox]; !ok {
		t.Error("executor not registered")
	}
}

func TestDispatcher_ServerID(t *testing.T) {
	s := testDB(t)
	d := NewService(s, testConfig())
	if d.ServerID() == "" {
		t.Error("ServerID should not be empty")
	}
}

func TestDispatcher_StartStop(t *testing.T) {
	s := testDB(t)
	d := NewService(s, testConfig())
	d.RegisterExecutor(newMockExecutor(model.JobTypeCleanupSandbox))

	ctx := context.Background()
	d.Start(ctx)
	time.Sleep(200 * time.Millisecond)

	if !d.IsLeader() {
		t.Error("dispatcher should become leader")
	}

	d.Stop()
}

func TestDispatcher_ProcessesJobs(t *testing.T) {
	s := testDB(t)
	d := NewService(s, testConfig())

	var executed int64
	executor := newMockExecutor(model.JobTypeCleanupSandbox)
	executor.execFunc = func(ctx context.Context, job *model.Job) error {
		atomic.AddInt64(&executed, 1)
		return nil
	}
	d.RegisterExecutor(executor)

	q := jobs.NewQueue(s, testConfig())
	if err := q.Enqueue(context.Background(), model.CleanupSandboxPayload{SandboxID: "sb-1"}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	ctx := context.Background()
	d.Start(ctx)
	time.Sleep(500 * time.Millisecond)

	if atomic.LoadInt64(&executed) != 1 {
		t.Errorf("expected 1 job executed, got %d", executed)
	}

	d.Stop()
}

func TestDispatcher_ConcurrencyLimit(t *testing.T) {
	s := testDB(t)
	d := NewService(s, testConfig())

	var maxConcurrent, current int64
	var mu sync.Mutex

	executor := newMockExecutor(model.JobTypeSendNotification)
	executor.execFunc = func(ctx context.Context, job *model.Job) error {
		mu.Lock()
		current++
		if current > maxConcurrent {
			maxConcurrent = current
		}
		mu.Unlock()

		time.Sleep(100 * time.Millisecond)

		mu.Lock()
		current--
		mu.Unlock()
		return nil
	}
	d.RegisterExecutor(executor)

	for i := 0; i < 10; i++ {
		n := &model.Notification{Message: "hi"}
		if err := s.CreateNotification(context.Background(), n); err != nil {
			t.Fatalf("CreateNotification failed: %v", err)
		}
		job := &model.Job{
			Type:    string(model.JobTypeSendNotification),
			Payload: []byte(fmt.Sprintf(`{"notification_id":%q}`, n.ID)),
			Status:  string(model.JobStatusPending),
		}
		if err := s.CreateJob(context.Background(), job); err != nil {
			t.Fatalf("CreateJob failed: %v", err)
		}
	}

	ctx := context.Background()
	d.Start(ctx)
	time.Sleep(2 * time.Second)

	limit := GetConcurrencyLimit(model.JobTypeSendNotification)
	if maxConcurrent > int64(limit) {
		t.Errorf("max concurrent jobs (%d) exceeded limit (%d)", maxConcurrent, limit)
	}

	d.Stop()
}

func TestGetConcurrencyLimit(t *testing.T) {
	tests := []struct {
		jobType  model.JobType
		expected int
	}{
		{model.JobTypeCleanupSandbox, ConcurrencyLimits[model.JobTypeCleanupSandbox]},
		{model.JobTypeDestroyNonStaticSandboxes, ConcurrencyLimits[model.JobTypeDestroyNonStaticSandboxes]},
		{model.JobType("unknown"), DefaultConcurrencyLimit},
	}

	for _, tt := range tests {
		t.Run(string(tt.jobType), func(t *testing.T) {
			if got := GetConcurrencyLimit(tt.jobType); got != tt.expected {
				t.Errorf("GetConcurrencyLimit(%s) = %d, want %d", tt.jobType, got, tt.expected)
			}
		})
	}
}

// --- Scheduler tests ---

func TestScheduler_EnqueuesPeriodicJobs(t *testing.T) {
	s := testDB(t)
	cfg := testConfig()
	cfg.DestroyNonStaticSandboxesInterval = 30 * time.Millisecond
	cfg.CleanupExpiredSessionsInterval = 30 * time.Millisecond
	cfg.CleanOrphanFirewallPortsInterval = 30 * time.Millisecond
	cfg.RefreshSandboxesInterval = 30 * time.Millisecond

	d := NewService(s, cfg)
	q := jobs.NewQueue(s, cfg)
	d.SetQueue(q)

	ctx := context.Background()
	d.Start(ctx)
	time.Sleep(200 * time.Millisecond)
	d.Stop()

	for _, jt := range []model.JobType{
		model.JobTypeDestroyNonStaticSandboxes,
		model.JobTypeCleanupExpiredSessions,
		model.JobTypeCleanOrphanFirewallPorts,
		model.JobTypeRefreshSandboxes,
	} {
		if _, err := s.GetJobByResourceID(ctx, "periodic:"+string(jt), ""); err != nil {
			t.Errorf("expected a %s job to have been scheduled: %v", jt, err)
		}
	}
}

func TestScheduler_NoQueueDoesNotPanic(t *testing.T) {
	s := testDB(t)
	cfg := testConfig()
	cfg.DestroyNonStaticSandboxesInterval = 10 * time.Millisecond

	d := NewService(s, cfg)
	ctx := context.Background()
	d.Start(ctx)
	time.Sleep(50 * time.Millisecond)
	d.Stop()
}
