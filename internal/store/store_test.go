package store_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/xctf-platform/sandboxd/internal/model"
	"github.com/xctf-platform/sandboxd/internal/store"
)

func testStore(t *testing.T) *store.Store {
	tmpFile := fmt.Sprintf("%s/store_test_%d.db", t.TempDir(), time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(tmpFile), &gorm.Config{})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	if err := db.AutoMigrate(model.AllModels()...); err != nil {
		t.Fatalf("migrate test database: %v", err)
	}
	return store.New(db)
}

func mustCreateUser(t *testing.T, s *store.Store, username string) *model.User {
	t.Helper()
	u := &model.User{Username: username, Email: username + "@example.com", PasswordHash: "hash"}
	if err := s.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u
}

func mustCreateChallenge(t *testing.T, s *store.Store, name string, static bool) *model.Challenge {
	t.Helper()
	c := &model.Challenge{
		Name:          name,
		Category:      "pwn",
		Points:        100,
		FlagHash:      "flaghash",
		Image:         "xctf/chal:latest",
		Static:        static,
		Active:        true,
		Ports:         "[1337]",
		MemoryLimitMB: 256,
		CPUQuota:      100000,
	}
	if err := s.CreateChallenge(context.Background(), c); err != nil {
		t.Fatalf("create challenge: %v", err)
	}
	return c
}

func TestGetUserByID_NotFound(t *testing.T) {
	s := testStore(t)
	_, err := s.GetUserByID(context.Background(), "nonexistent")
	if err != store.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateAndGetUser(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	u := mustCreateUser(t, s, "alice")

	if u.ID == "" {
		t.Fatal("expected generated ID")
	}

	byID, err := s.GetUserByID(ctx, u.ID)
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if byID.Username != "alice" {
		t.Fatalf("expected username alice, got %s", byID.Username)
	}

	byUsername, err := s.GetUserByUsername(ctx, "alice")
	if err != nil {
		t.Fatalf("get by username: %v", err)
	}
	if byUsername.ID != u.ID {
		t.Fatalf("expected matching id, got %s", byUsername.ID)
	}
}

func TestSetUserBanned_TracksPriorState(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	u := mustCreateUser(t, s, "bob")

	wasBanned, err := s.SetUserBanned(ctx, u.ID, true)
	if err != nil {
		t.Fatalf("ban user: %v", err)
	}
	if wasBanned {
		t.Fatal("expected wasBanned=false on first ban")
	}

	fetched, err := s.GetUserByID(ctx, u.ID)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if !fetched.Banned || fetched.BannedAt == nil {
		t.Fatal("expected user to be banned with BannedAt set")
	}

	wasBanned, err = s.SetUserBanned(ctx, u.ID, true)
	if err != nil {
		t.Fatalf("ban user again: %v", err)
	}
	if !wasBanned {
		t.Fatal("expected wasBanned=true on second ban")
	}

	if _, err := s.SetUserBanned(ctx, u.ID, false); err != nil {
		t.Fatalf("unban user: %v", err)
	}
	fetched, err = s.GetUserByID(ctx, u.ID)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if fetched.Banned || fetched.BannedAt != nil {
		t.Fatal("expected user unbanned with BannedAt cleared")
	}
}

func TestReplaceActiveSession(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	u := mustCreateUser(t, s, "carol")

	first := &model.Session{UserID: u.ID, TokenHash: "hash1", ClientIP: "1.1.1.1", ExpiresAt: time.Now().Add(time.Hour)}
	priorIP, err := s.ReplaceActiveSession(ctx, first)
	if err != nil {
		t.Fatalf("create first session: %v", err)
	}
	if priorIP != "" {
		t.Fatalf("expected empty priorIP for first session, got %q", priorIP)
	}

	second := &model.Session{UserID: u.ID, TokenHash: "hash2", ClientIP: "2.2.2.2", ExpiresAt: time.Now().Add(time.Hour)}
	priorIP, err = s.ReplaceActiveSession(ctx, second)
	if err != nil {
		t.Fatalf("create second session: %v", err)
	}
	if priorIP != "1.1.1.1" {
		t.Fatalf("expected prior IP 1.1.1.1, got %q", priorIP)
	}

	active, err := s.GetActiveSessionByUserID(ctx, u.ID)
	if err != nil {
		t.Fatalf("get active session: %v", err)
	}
	if active.ID != second.ID {
		t.Fatal("expected second session to be the active one")
	}

	firstFetched, err := s.GetSessionByTokenHash(ctx, "hash1")
	if err == nil && firstFetched.Active {
		t.Fatal("expected first session deactivated")
	}
}

func TestGetSessionByTokenHash_IgnoresInactive(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	u := mustCreateUser(t, s, "dave")

	sess := &model.Session{UserID: u.ID, TokenHash: "tok", ClientIP: "3.3.3.3", ExpiresAt: time.Now().Add(time.Hour)}
	if _, err := s.ReplaceActiveSession(ctx, sess); err != nil {
		t.Fatalf("create session: %v", err)
	}

	if err := s.DeactivateSession(ctx, sess.ID); err != nil {
		t.Fatalf("deactivate session: %v", err)
	}

	if _, err := s.GetSessionByTokenHash(ctx, "tok"); err != store.ErrNotFound {
		t.Fatalf("expected ErrNotFound for deactivated session, got %v", err)
	}
}

func TestListExpiredActiveSessions(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	u := mustCreateUser(t, s, "erin")

	expired := &model.Session{UserID: u.ID, TokenHash: "expired", ClientIP: "4.4.4.4", ExpiresAt: time.Now().Add(-time.Hour)}
	if err := s.DB().WithContext(ctx).Create(expired).Error; err != nil {
		t.Fatalf("create expired session: %v", err)
	}

	fresh := &model.Session{UserID: u.ID, TokenHash: "fresh", ClientIP: "5.5.5.5", ExpiresAt: time.Now().Add(time.Hour)}
	if err := s.DB().WithContext(ctx).Create(fresh).Error; err != nil {
		t.Fatalf("create fresh session: %v", err)
	}

	sessions, err := s.ListExpiredActiveSessions(ctx)
	if err != nil {
		t.Fatalf("list expired sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != expired.ID {
		t.Fatalf("expected exactly the expired session, got %+v", sessions)
	}

	if err := s.DeactivateSessions(ctx, []string{expired.ID}); err != nil {
		t.Fatalf("deactivate sessions: %v", err)
	}
	sessions, err = s.ListExpiredActiveSessions(ctx)
	if err != nil {
		t.Fatalf("list expired sessions again: %v", err)
	}
	if len(sessions) != 0 {
		t.Fatalf("expected no active expired sessions after deactivation, got %+v", sessions)
	}
}

func TestChallengeCRUDAndActiveTransition(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	c := mustCreateChallenge(t, s, "baby-pwn", false)

	byName, err := s.GetChallengeByName(ctx, "baby-pwn")
	if err != nil {
		t.Fatalf("get by name: %v", err)
	}
	if byName.ID != c.ID {
		t.Fatal("expected matching challenge id")
	}

	wasActive, err := s.SetChallengeActive(ctx, c.ID, false)
	if err != nil {
		t.Fatalf("deactivate challenge: %v", err)
	}
	if !wasActive {
		t.Fatal("expected wasActive=true before deactivation")
	}

	active, err := s.ListChallenges(ctx, true)
	if err != nil {
		t.Fatalf("list active challenges: %v", err)
	}
	for _, ch := range active {
		if ch.ID == c.ID {
			t.Fatal("deactivated challenge should not appear in active-only listing")
		}
	}

	all, err := s.ListChallenges(ctx, false)
	if err != nil {
		t.Fatalf("list all challenges: %v", err)
	}
	found := false
	for _, ch := range all {
		if ch.ID == c.ID {
			found = true
		}
	}
	if !found {
		t.Fatal("expected deactivated challenge in unfiltered listing")
	}
}

func TestUpsertChallengeByName(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	c := &model.Challenge{Name: "web1", Category: "web", Points: 50, FlagHash: "h1", Image: "img1", Ports: "[]"}
	if err := s.UpsertChallengeByName(ctx, c); err != nil {
		t.Fatalf("initial upsert: %v", err)
	}
	firstID := c.ID

	updated := &model.Challenge{Name: "web1", Category: "web", Points: 75, FlagHash: "h2", Image: "img2", Ports: "[8080]"}
	if err := s.UpsertChallengeByName(ctx, updated); err != nil {
		t.Fatalf("update upsert: %v", err)
	}

	fetched, err := s.GetChallengeByName(ctx, "web1")
	if err != nil {
		t.Fatalf("get challenge: %v", err)
	}
	if fetched.ID != firstID {
		t.Fatalf("expected upsert to reuse existing id %s, got %s", firstID, fetched.ID)
	}
	if fetched.Points != 75 || fetched.FlagHash != "h2" {
		t.Fatalf("expected updated fields, got %+v", fetched)
	}
}

func TestSandboxLookupVariants(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	u := mustCreateUser(t, s, "frank")
	staticChal := mustCreateChallenge(t, s, "static-svc", true)
	userChal := mustCreateChallenge(t, s, "per-user-chal", false)

	staticSB := &model.Sandbox{ChallengeID: staticChal.ID, Status: model.SandboxStatusReady, Active: true, LastSeenAt: time.Now()}
	if err := s.CreateSandbox(ctx, staticSB); err != nil {
		t.Fatalf("create static sandbox: %v", err)
	}

	userSB := &model.Sandbox{ChallengeID: userChal.ID, UserID: &u.ID, Status: model.SandboxStatusReady, Active: true, LastSeenAt: time.Now()}
	if err := s.CreateSandbox(ctx, userSB); err != nil {
		t.Fatalf("create user sandbox: %v", err)
	}

	gotStatic, err := s.GetActiveStaticSandbox(ctx, staticChal.ID)
	if err != nil {
		t.Fatalf("get active static sandbox: %v", err)
	}
	if gotStatic.ID != staticSB.ID {
		t.Fatal("expected matching static sandbox")
	}

	gotUser, err := s.GetActiveSandboxForUser(ctx, userChal.ID, u.ID)
	if err != nil {
		t.Fatalf("get active sandbox for user: %v", err)
	}
	if gotUser.ID != userSB.ID {
		t.Fatal("expected matching per-user sandbox")
	}

	if _, err := s.GetActiveSandboxForUser(ctx, userChal.ID, "someone-else"); err != store.ErrNotFound {
		t.Fatalf("expected ErrNotFound for unrelated user, got %v", err)
	}
}

func TestSandboxLifecycleUpdates(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	chal := mustCreateChallenge(t, s, "lifecycle-chal", true)

	sb := &model.Sandbox{ChallengeID: chal.ID, Status: model.SandboxStatusProvisioning, Active: true, LastSeenAt: time.Now().Add(-time.Hour)}
	if err := s.CreateSandbox(ctx, sb); err != nil {
		t.Fatalf("create sandbox: %v", err)
	}

	sb.Status = model.SandboxStatusReady
	sb.ContainerID = "abc123"
	if err := s.UpdateSandbox(ctx, sb); err != nil {
		t.Fatalf("update sandbox: %v", err)
	}

	before, err := s.GetSandboxByID(ctx, sb.ID)
	if err != nil {
		t.Fatalf("get sandbox: %v", err)
	}
	if before.Status != model.SandboxStatusReady || before.ContainerID != "abc123" {
		t.Fatalf("expected updated sandbox fields, got %+v", before)
	}

	if err := s.TouchSandbox(ctx, sb.ID); err != nil {
		t.Fatalf("touch sandbox: %v", err)
	}
	touched, err := s.GetSandboxByID(ctx, sb.ID)
	if err != nil {
		t.Fatalf("get sandbox: %v", err)
	}
	if !touched.LastSeenAt.After(before.LastSeenAt) {
		t.Fatal("expected LastSeenAt to advance after touch")
	}

	if err := s.MarkSandboxDestroyed(ctx, sb.ID); err != nil {
		t.Fatalf("mark destroyed: %v", err)
	}
	destroyed, err := s.GetSandboxByID(ctx, sb.ID)
	if err != nil {
		t.Fatalf("get sandbox: %v", err)
	}
	if destroyed.Status != model.SandboxStatusDestroyed || destroyed.Active {
		t.Fatalf("expected destroyed+inactive sandbox, got %+v", destroyed)
	}
}

func TestListIdleNonStaticSandboxes(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	u := mustCreateUser(t, s, "grace")
	nonStatic := mustCreateChallenge(t, s, "idle-chal", false)
	static := mustCreateChallenge(t, s, "idle-static-chal", true)

	idle := &model.Sandbox{ChallengeID: nonStatic.ID, UserID: &u.ID, Status: model.SandboxStatusReady, Active: true, LastSeenAt: time.Now().Add(-2 * time.Hour)}
	if err := s.CreateSandbox(ctx, idle); err != nil {
		t.Fatalf("create idle sandbox: %v", err)
	}
	fresh := &model.Sandbox{ChallengeID: nonStatic.ID, UserID: &u.ID, Status: model.SandboxStatusReady, Active: true, LastSeenAt: time.Now()}
	if err := s.CreateSandbox(ctx, fresh); err != nil {
		t.Fatalf("create fresh sandbox: %v", err)
	}
	idleStatic := &model.Sandbox{ChallengeID: static.ID, Status: model.SandboxStatusReady, Active: true, LastSeenAt: time.Now().Add(-2 * time.Hour)}
	if err := s.CreateSandbox(ctx, idleStatic); err != nil {
		t.Fatalf("create idle static sandbox: %v", err)
	}

	cutoff := time.Now().Add(-time.Hour)
	idleList, err := s.ListIdleNonStaticSandboxes(ctx, cutoff)
	if err != nil {
		t.Fatalf("list idle sandboxes: %v", err)
	}
	if len(idleList) != 1 || idleList[0].ID != idle.ID {
		t.Fatalf("expected only the idle non-static sandbox, got %+v", idleList)
	}
}

func TestSubmissionDedup(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	u := mustCreateUser(t, s, "heidi")
	chal := mustCreateChallenge(t, s, "crypto1", false)

	has, err := s.HasCorrectSubmission(ctx, u.ID, chal.ID)
	if err != nil {
		t.Fatalf("has correct submission: %v", err)
	}
	if has {
		t.Fatal("expected no correct submission yet")
	}

	wrong := &model.Submission{UserID: u.ID, ChallengeID: chal.ID, Correct: false}
	if err := s.CreateSubmission(ctx, wrong); err != nil {
		t.Fatalf("create wrong submission: %v", err)
	}
	has, err = s.HasCorrectSubmission(ctx, u.ID, chal.ID)
	if err != nil {
		t.Fatalf("has correct submission: %v", err)
	}
	if has {
		t.Fatal("expected incorrect submission not to count")
	}

	right := &model.Submission{UserID: u.ID, ChallengeID: chal.ID, Correct: true}
	if err := s.CreateSubmission(ctx, right); err != nil {
		t.Fatalf("create correct submission: %v", err)
	}
	has, err = s.HasCorrectSubmission(ctx, u.ID, chal.ID)
	if err != nil {
		t.Fatalf("has correct submission: %v", err)
	}
	if !has {
		t.Fatal("expected correct submission to count")
	}
}

func TestNotificationCreateAndGet(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	n := &model.Notification{Message: "server maintenance at midnight"}
	if err := s.CreateNotification(ctx, n); err != nil {
		t.Fatalf("create notification: %v", err)
	}
	if n.ID == "" {
		t.Fatal("expected generated notification id")
	}

	fetched, err := s.GetNotificationByID(ctx, n.ID)
	if err != nil {
		t.Fatalf("get notification: %v", err)
	}
	if fetched.Message != n.Message {
		t.Fatalf("expected matching message, got %q", fetched.Message)
	}
}

func TestJobClaimCompleteFail(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	job := &model.Job{Type: string(model.JobTypeCleanupExpiredSessions), Payload: []byte(`{}`), MaxAttempts: 2}
	if err := s.CreateJob(ctx, job); err != nil {
		t.Fatalf("create job: %v", err)
	}

	claimed, err := s.ClaimJob(ctx, string(model.JobTypeCleanupExpiredSessions), "worker-1")
	if err != nil {
		t.Fatalf("claim job: %v", err)
	}
	if claimed == nil || claimed.ID != job.ID {
		t.Fatalf("expected to claim the created job, got %+v", claimed)
	}
	if claimed.Status != string(model.JobStatusRunning) || claimed.Attempts != 1 {
		t.Fatalf("expected running job with 1 attempt, got %+v", claimed)
	}

	again, err := s.ClaimJob(ctx, string(model.JobTypeCleanupExpiredSessions), "worker-2")
	if err != nil {
		t.Fatalf("claim again: %v", err)
	}
	if again != nil {
		t.Fatalf("expected no second job available, got %+v", again)
	}

	if err := s.FailJob(ctx, job.ID, "boom"); err != nil {
		t.Fatalf("fail job: %v", err)
	}
	afterFail, err := s.GetJobByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if afterFail.Status != string(model.JobStatusPending) {
		t.Fatalf("expected job requeued as pending after first failure, got %s", afterFail.Status)
	}
	if afterFail.ScheduledAt.Before(time.Now()) {
		t.Fatal("expected retry backoff to push scheduled_at into the future")
	}

	// Backoff means the job isn't claimable yet; confirm the conflict check
	// doesn't accidentally surface it.
	notYet, err := s.ClaimJobOfTypes(ctx, []string{string(model.JobTypeCleanupExpiredSessions)}, "worker-3")
	if err != nil {
		t.Fatalf("claim during backoff: %v", err)
	}
	if notYet != nil {
		t.Fatalf("expected no job claimable during retry backoff, got %+v", notYet)
	}

	if err := s.CompleteJob(ctx, job.ID); err != nil {
		t.Fatalf("complete job: %v", err)
	}
	completed, err := s.GetJobByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if completed.Status != string(model.JobStatusCompleted) || completed.CompletedAt == nil {
		t.Fatalf("expected completed job with CompletedAt set, got %+v", completed)
	}
}

func TestJobResourceConflictBlocksSecondClaim(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	resourceID := "sandbox-123"
	job1 := &model.Job{Type: string(model.JobTypeCleanupSandbox), Payload: []byte(`{}`), MaxAttempts: 3,
		ResourceType: strPtr(model.ResourceTypeSandbox), ResourceID: &resourceID}
	job2 := &model.Job{Type: string(model.JobTypeCleanupSandbox), Payload: []byte(`{}`), MaxAttempts: 3,
		ResourceType: strPtr(model.ResourceTypeSandbox), ResourceID: &resourceID}

	if err := s.CreateJob(ctx, job1); err != nil {
		t.Fatalf("create job1: %v", err)
	}
	if err := s.CreateJob(ctx, job2); err != nil {
		t.Fatalf("create job2: %v", err)
	}

	claimed1, err := s.ClaimJobOfTypes(ctx, []string{string(model.JobTypeCleanupSandbox)}, "worker-1")
	if err != nil {
		t.Fatalf("claim first: %v", err)
	}
	if claimed1 == nil {
		t.Fatal("expected to claim one of the two conflicting jobs")
	}

	claimed2, err := s.ClaimJobOfTypes(ctx, []string{string(model.JobTypeCleanupSandbox)}, "worker-2")
	if err != nil {
		t.Fatalf("claim second: %v", err)
	}
	if claimed2 != nil {
		t.Fatalf("expected second job for the same resource to be blocked while first runs, got %+v", claimed2)
	}
}

func TestHasActiveJobForResource(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	resourceID := "sandbox-999"
	has, err := s.HasActiveJobForResource(ctx, model.ResourceTypeSandbox, resourceID)
	if err != nil {
		t.Fatalf("has active job: %v", err)
	}
	if has {
		t.Fatal("expected no active job before creation")
	}

	job := &model.Job{Type: string(model.JobTypeCleanupSandbox), Payload: []byte(`{}`), MaxAttempts: 3,
		ResourceType: strPtr(model.ResourceTypeSandbox), ResourceID: &resourceID}
	if err := s.CreateJob(ctx, job); err != nil {
		t.Fatalf("create job: %v", err)
	}

	has, err = s.HasActiveJobForResource(ctx, model.ResourceTypeSandbox, resourceID)
	if err != nil {
		t.Fatalf("has active job: %v", err)
	}
	if !has {
		t.Fatal("expected pending job to count as active")
	}
}

func TestCleanupStaleJobs(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	job := &model.Job{Type: string(model.JobTypeRefreshSandboxes), Payload: []byte(`{}`), MaxAttempts: 3}
	if err := s.CreateJob(ctx, job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	if _, err := s.ClaimJob(ctx, string(model.JobTypeRefreshSandboxes), "dead-worker"); err != nil {
		t.Fatalf("claim job: %v", err)
	}

	staleSince := 10 * time.Millisecond
	time.Sleep(20 * time.Millisecond)

	n, err := s.CleanupStaleJobs(ctx, staleSince)
	if err != nil {
		t.Fatalf("cleanup stale jobs: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 stale job reset, got %d", n)
	}

	reset, err := s.GetJobByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if reset.Status != string(model.JobStatusPending) || reset.WorkerID != nil {
		t.Fatalf("expected job reset to pending with no worker, got %+v", reset)
	}
}

func TestListPendingJobTypes(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	types, err := s.ListPendingJobTypes(ctx)
	if err != nil {
		t.Fatalf("list pending job types: %v", err)
	}
	if len(types) != 0 {
		t.Fatalf("expected no pending job types, got %v", types)
	}

	if err := s.CreateJob(ctx, &model.Job{Type: string(model.JobTypeCleanupExpiredSessions), Payload: []byte(`{}`), MaxAttempts: 3}); err != nil {
		t.Fatalf("create job: %v", err)
	}
	if err := s.CreateJob(ctx, &model.Job{Type: string(model.JobTypeRefreshSandboxes), Payload: []byte(`{}`), MaxAttempts: 3}); err != nil {
		t.Fatalf("create job: %v", err)
	}

	types, err = s.ListPendingJobTypes(ctx)
	if err != nil {
		t.Fatalf("list pending job types: %v", err)
	}
	if len(types) != 2 {
		t.Fatalf("expected 2 distinct pending job types, got %v", types)
	}
}

func TestLeaderElection(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	acquired, err := s.TryAcquireLeadership(ctx, "server-a", time.Minute)
	if err != nil {
		t.Fatalf("acquire leadership: %v", err)
	}
	if !acquired {
		t.Fatal("expected server-a to acquire leadership with no prior leader")
	}

	acquiredB, err := s.TryAcquireLeadership(ctx, "server-b", time.Minute)
	if err != nil {
		t.Fatalf("second acquire attempt: %v", err)
	}
	if acquiredB {
		t.Fatal("expected server-b to be denied while server-a's heartbeat is fresh")
	}

	reacquiredA, err := s.TryAcquireLeadership(ctx, "server-a", time.Minute)
	if err != nil {
		t.Fatalf("renew leadership: %v", err)
	}
	if !reacquiredA {
		t.Fatal("expected server-a to renew its own leadership")
	}

	if err := s.ReleaseLeadership(ctx, "server-a"); err != nil {
		t.Fatalf("release leadership: %v", err)
	}

	acquiredB, err = s.TryAcquireLeadership(ctx, "server-b", time.Minute)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	if !acquiredB {
		t.Fatal("expected server-b to acquire leadership after server-a released it")
	}
}

func TestLeaderElectionTakeoverAfterHeartbeatTimeout(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, err := s.TryAcquireLeadership(ctx, "server-a", 10*time.Millisecond); err != nil {
		t.Fatalf("initial acquire: %v", err)
	}

	time.Sleep(20 * time.Millisecond)

	acquiredB, err := s.TryAcquireLeadership(ctx, "server-b", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("takeover acquire: %v", err)
	}
	if !acquiredB {
		t.Fatal("expected server-b to take over after server-a's heartbeat expired")
	}
}

func strPtr(s string) *string { return &s }
