// Package store provides database operations using GORM.
package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/xctf-platform/sandboxd/internal/model"
)

// Common errors
var (
	ErrNotFound = errors.New("record not found")
)

// Store wraps GORM DB for database operations.
type Store struct {
	db *gorm.DB
}

// New creates a new Store with the given GORM DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying GORM DB for advanced queries.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// --- Users ---

func (s *Store) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	var user model.User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*model.User, error) {
	var user model.User
	if err := s.db.WithContext(ctx).First(&user, "username = ?", username).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &user, nil
}

func (s *Store) CreateUser(ctx context.Context, user *model.User) error {
	return s.db.WithContext(ctx).Create(user).Error
}

func (s *Store) UpdateUser(ctx context.Context, user *model.User) error {
	return s.db.WithContext(ctx).Save(user).Error
}

// SetUserBanned flips a user's banned flag. Returns the previous value so
// callers can detect the unbanned->banned transition that triggers cleanup.
func (s *Store) SetUserBanned(ctx context.Context, userID string, banned bool) (wasBanned bool, err error) {
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user model.User
		if err := tx.First(&user, "id = ?", userID).Error; err != nil {
			return err
		}
		wasBanned = user.Banned
		now := time.Now()
		updates := map[string]interface{}{"banned": banned}
		if banned {
			updates["banned_at"] = now
		} else {
			updates["banned_at"] = nil
		}
		return tx.Model(&user).Updates(updates).Error
	})
	return wasBanned, err
}

// --- Sessions ---

// ReplaceActiveSession deactivates any currently-active session for the user
// and inserts the new one in the same transaction, returning the client IP
// the prior session (if any) was bound to.
func (s *Store) ReplaceActiveSession(ctx context.Context, session *model.Session) (priorIP string, err error) {
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var prior model.Session
		e := tx.Where("user_id = ? AND active = ?", session.UserID, true).First(&prior).Error
		switch {
		case e == nil:
			priorIP = prior.ClientIP
			if err := tx.Model(&prior).Update("active", false).Error; err != nil {
				return err
			}
		case errors.Is(e, gorm.ErrRecordNotFound):
			// No prior session, nothing to deactivate.
		default:
			return e
		}
		return tx.Create(session).Error
	})
	return priorIP, err
}

func (s *Store) GetSessionByTokenHash(ctx context.Context, tokenHash string) (*model.Session, error) {
	var session model.Session
	err := s.db.WithContext(ctx).Preload("User").
		First(&session, "token_hash = ? AND active = ?", tokenHash, true).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &session, nil
}

// GetActiveSessionByUserID returns the user's current active session, used
// by the sandbox lifecycle engine to resolve the IP to install firewall
// rules for. Returns ErrNotFound if the user has no active session.
func (s *Store) GetActiveSessionByUserID(ctx context.Context, userID string) (*model.Session, error) {
	var session model.Session
	err := s.db.WithContext(ctx).First(&session, "user_id = ? AND active = ?", userID, true).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &session, nil
}

// UpdateSessionIP records a new client IP on an existing session.
func (s *Store) UpdateSessionIP(ctx context.Context, sessionID, clientIP string) error {
	return s.db.WithContext(ctx).Model(&model.Session{}).
		Where("id = ?", sessionID).
		Update("client_ip", clientIP).Error
}

func (s *Store) DeactivateSession(ctx context.Context, sessionID string) error {
	return s.db.WithContext(ctx).Model(&model.Session{}).
		Where("id = ?", sessionID).
		Update("active", false).Error
}

// ListExpiredActiveSessions returns active sessions whose expiry has passed,
// for the periodic session reaper.
func (s *Store) ListExpiredActiveSessions(ctx context.Context) ([]model.Session, error) {
	var sessions []model.Session
	err := s.db.WithContext(ctx).
		Where("active = ? AND expires_at < ?", true, time.Now()).
		Find(&sessions).Error
	return sessions, err
}

func (s *Store) DeactivateSessions(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Model(&model.Session{}).
		Where("id IN ?", ids).
		Update("active", false).Error
}

// --- Challenges ---

func (s *Store) GetChallengeByID(ctx context.Context, id string) (*model.Challenge, error) {
	var challenge model.Challenge
	if err := s.db.WithContext(ctx).First(&challenge, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &challenge, nil
}

func (s *Store) GetChallengeByName(ctx context.Context, name string) (*model.Challenge, error) {
	var challenge model.Challenge
	if err := s.db.WithContext(ctx).First(&challenge, "name = ?", name).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &challenge, nil
}

func (s *Store) ListChallenges(ctx context.Context, activeOnly bool) ([]model.Challenge, error) {
	var challenges []model.Challenge
	q := s.db.WithContext(ctx).Order("category, name")
	if activeOnly {
		q = q.Where("active = ?", true)
	}
	err := q.Find(&challenges).Error
	return challenges, err
}

func (s *Store) CreateChallenge(ctx context.Context, challenge *model.Challenge) error {
	return s.db.WithContext(ctx).Create(challenge).Error
}

// UpsertChallengeByName creates or updates a challenge matched by name, used
// by the seed tool when loading a challenge descriptor file.
func (s *Store) UpsertChallengeByName(ctx context.Context, challenge *model.Challenge) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing model.Challenge
		err := tx.Where("name = ?", challenge.Name).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return tx.Create(challenge).Error
		case err != nil:
			return err
		default:
			challenge.ID = existing.ID
			return tx.Model(&existing).Updates(challenge).Error
		}
	})
}

// SetChallengeActive flips a challenge's active flag. Returns the previous
// value so callers can detect the active->inactive transition.
func (s *Store) SetChallengeActive(ctx context.Context, challengeID string, active bool) (wasActive bool, err error) {
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var challenge model.Challenge
		if err := tx.First(&challenge, "id = ?", challengeID).Error; err != nil {
			return err
		}
		wasActive = challenge.Active
		return tx.Model(&challenge).Update("active", active).Error
	})
	return wasActive, err
}

// --- Sandboxes ---

func (s *Store) GetSandboxByID(ctx context.Context, id string) (*model.Sandbox, error) {
	var sandbox model.Sandbox
	if err := s.db.WithContext(ctx).First(&sandbox, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &sandbox, nil
}

// GetActiveSandboxForUser finds the active sandbox for a (challenge, user)
// pair, used by the per-player get-or-create path.
func (s *Store) GetActiveSandboxForUser(ctx context.Context, challengeID, userID string) (*model.Sandbox, error) {
	var sandbox model.Sandbox
	err := s.db.WithContext(ctx).
		First(&sandbox, "challenge_id = ? AND user_id = ? AND active = ?", challengeID, userID, true).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &sandbox, nil
}

// GetActiveStaticSandbox finds the single shared active sandbox for a static
// challenge.
func (s *Store) GetActiveStaticSandbox(ctx context.Context, challengeID string) (*model.Sandbox, error) {
	var sandbox model.Sandbox
	err := s.db.WithContext(ctx).
		First(&sandbox, "challenge_id = ? AND active = ?", challengeID, true).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &sandbox, nil
}

func (s *Store) CreateSandbox(ctx context.Context, sandbox *model.Sandbox) error {
	return s.db.WithContext(ctx).Create(sandbox).Error
}

func (s *Store) UpdateSandbox(ctx context.Context, sandbox *model.Sandbox) error {
	return s.db.WithContext(ctx).Save(sandbox).Error
}

func (s *Store) TouchSandbox(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Model(&model.Sandbox{}).
		Where("id = ?", id).
		Update("last_seen_at", time.Now()).Error
}

func (s *Store) MarkSandboxDestroyed(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Model(&model.Sandbox{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status": model.SandboxStatusDestroyed,
			"active": false,
		}).Error
}

func (s *Store) ListActiveSandboxesByChallenge(ctx context.Context, challengeID string) ([]model.Sandbox, error) {
	var sandboxes []model.Sandbox
	err := s.db.WithContext(ctx).
		Where("challenge_id = ? AND active = ?", challengeID, true).
		Find(&sandboxes).Error
	return sandboxes, err
}

// ListIdleNonStaticSandboxes returns active per-player sandboxes for
// non-static challenges that have not been touched since the cutoff, used by
// the periodic reaper.
func (s *Store) ListIdleNonStaticSandboxes(ctx context.Context, cutoff time.Time) ([]model.Sandbox, error) {
	var sandboxes []model.Sandbox
	err := s.db.WithContext(ctx).
		Joins("JOIN challenges ON challenges.id = sandboxes.challenge_id").
		Where("sandboxes.active = ? AND challenges.static = ? AND sandboxes.last_seen_at < ?", true, false, cutoff).
		Find(&sandboxes).Error
	return sandboxes, err
}

func (s *Store) ListAllActiveSandboxes(ctx context.Context) ([]model.Sandbox, error) {
	var sandboxes []model.Sandbox
	err := s.db.WithContext(ctx).Where("active = ?", true).Find(&sandboxes).Error
	return sandboxes, err
}

// --- Submissions ---

func (s *Store) CreateSubmission(ctx context.Context, submission *model.Submission) error {
	return s.db.WithContext(ctx).Create(submission).Error
}

func (s *Store) HasCorrectSubmission(ctx context.Context, userID, challengeID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&model.Submission{}).
		Where("user_id = ? AND challenge_id = ? AND correct = ?", userID, challengeID, true).
		Count(&count).Error
	return count > 0, err
}

// --- Notifications ---

func (s *Store) CreateNotification(ctx context.Context, n *model.Notification) error {
	return s.db.WithContext(ctx).Create(n).Error
}

func (s *Store) GetNotificationByID(ctx context.Context, id string) (*model.Notification, error) {
	var n model.Notification
	if err := s.db.WithContext(ctx).First(&n, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &n, nil
}

// --- Jobs ---

// CreateJob creates a new job in the queue.
func (s *Store) CreateJob(ctx context.Context, job *model.Job) error {
	return s.db.WithContext(ctx).Create(job).Error
}

// GetJobByID retrieves a job by its ID.
func (s *Store) GetJobByID(ctx context.Context, id string) (*model.Job, error) {
	var job model.Job
	if err := s.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &job, nil
}

// GetJobByResourceID retrieves the most recent job for a specific resource.
// Returns ErrNotFound if no job exists for the resource.
func (s *Store) GetJobByResourceID(ctx context.Context, resourceType, resourceID string) (*model.Job, error) {
	var job model.Job
	err := s.db.WithContext(ctx).
		Where("resource_type = ? AND resource_id = ?", resourceType, resourceID).
		Order("created_at DESC").
		First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &job, nil
}

// HasActiveJobForResource checks if there's a pending or running job for the given resource.
// Returns true if a job exists that would block enqueueing a new one.
func (s *Store) HasActiveJobForResource(ctx context.Context, resourceType, resourceID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&model.Job{}).
		Where("resource_type = ? AND resource_id = ? AND status IN ?",
			resourceType, resourceID, []string{string(model.JobStatusPending), string(model.JobStatusRunning)}).
		Count(&count).Error
	return count > 0, err
}

// ClaimJob atomically claims a pending job of the given type.
// Returns nil, nil if no job is available.
func (s *Store) ClaimJob(ctx context.Context, jobType string, workerID string) (*model.Job, error) {
	return s.ClaimJobOfTypes(ctx, []string{jobType}, workerID)
}

// ClaimJobOfTypes atomically claims a pending job of any of the given types.
// Jobs are selected by priority (highest first), then by scheduled time (oldest first).
// If a job has resource_type/resource_id set, it will only be claimed if no other job
// for the same resource is currently running.
// Returns nil, nil if no job is available.
func (s *Store) ClaimJobOfTypes(ctx context.Context, jobTypes []string, workerID string) (*model.Job, error) {
	if len(jobTypes) == 0 {
		return nil, nil
	}

	var job model.Job
	var found bool

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Find pending jobs of any allowed type that are scheduled to run
		// Order: priority (highest first), scheduled_at (oldest first), created_at (tiebreaker)
		var candidates []model.Job
		query := tx.Where("type IN ? AND status = ? AND scheduled_at <= ?",
			jobTypes, model.JobStatusPending, time.Now()).
			Order("priority DESC, scheduled_at ASC, created_at ASC").
			Limit(10) // Check up to 10 candidates to find one without resource conflicts

		if err := query.Find(&candidates).Error; err != nil {
			return err
		}

		if len(candidates) == 0 {
			return nil // No jobs available
		}

		// Find first candidate without a resource conflict
		for _, candidate := range candidates {
			// If job has no resource tracking, claim it immediately
			if candidate.ResourceType == nil || candidate.ResourceID == nil {
				job = candidate
				found = true
				break
			}

			// Check if another job for this resource is already running
			var runningCount int64
			if err := tx.Model(&model.Job{}).
				Where("resource_type = ? AND resource_id = ? AND status = ? AND id != ?",
					*candidate.ResourceType, *candidate.ResourceID, model.JobStatusRunning, candidate.ID).
				Count(&runningCount).Error; err != nil {
				return err
			}

			if runningCount == 0 {
				// No conflict, claim this job
				job = candidate
				found = true
				break
			}
			// Resource is busy, try next candidate
		}

		if !found {
			return nil // All candidates have resource conflicts
		}

		// Claim the job
		now := time.Now()
		job.Status = string(model.JobStatusRunning)
		job.WorkerID = &workerID
		job.StartedAt = &now
		job.Attempts++

		return tx.Save(&job).Error
	})

	if err != nil {
		return nil, err
	}

	if !found {
		return nil, nil
	}

	return &job, nil
}

// CompleteJob marks a job as completed.
func (s *Store) CompleteJob(ctx context.Context, jobID string) error {
	now := time.Now()
	return s.db.WithContext(ctx).Model(&model.Job{}).
		Where("id = ?", jobID).
		Updates(map[string]interface{}{
			"status":       model.JobStatusCompleted,
			"completed_at": now,
		}).Error
}

// FailJob marks a job as failed with an error message.
// If attempts < max_attempts, requeues as pending for retry with backoff.
func (s *Store) FailJob(ctx context.Context, jobID string, errMsg string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job model.Job
		if err := tx.First(&job, "id = ?", jobID).Error; err != nil {
			return err
		}

		if job.Attempts < job.MaxAttempts {
			// Retry: reset to pending with linear backoff (30s per attempt so far)
			backoff := time.Duration(job.Attempts) * 30 * time.Second
			scheduledAt := time.Now().Add(backoff)

			return tx.Model(&job).Updates(map[string]interface{}{
				"status":       model.JobStatusPending,
				"worker_id":    nil,
				"started_at":   nil,
				"scheduled_at": scheduledAt,
				"error":        errMsg,
			}).Error
		}

		// Max attempts reached, mark as failed
		now := time.Now()
		return tx.Model(&job).Updates(map[string]interface{}{
			"status":       model.JobStatusFailed,
			"completed_at": now,
			"error":        errMsg,
		}).Error
	})
}

// CountRunningJobsByType returns the count of running jobs of a given type.
func (s *Store) CountRunningJobsByType(ctx context.Context, jobType string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&model.Job{}).
		Where("type = ? AND status = ?", jobType, model.JobStatusRunning).
		Count(&count).Error
	return count, err
}

// CleanupStaleJobs resets jobs that have been running too long (worker died).
// Returns the number of jobs reset.
func (s *Store) CleanupStaleJobs(ctx context.Context, staleAfter time.Duration) (int64, error) {
	cutoff := time.Now().Add(-staleAfter)
	result := s.db.WithContext(ctx).Model(&model.Job{}).
		Where("status = ? AND started_at < ?", model.JobStatusRunning, cutoff).
		Updates(map[string]interface{}{
			"status":     model.JobStatusPending,
			"worker_id":  nil,
			"started_at": nil,
		})
	return result.RowsAffected, result.Error
}

// ListPendingJobTypes returns the distinct types of pending jobs.
func (s *Store) ListPendingJobTypes(ctx context.Context) ([]string, error) {
	var types []string
	err := s.db.WithContext(ctx).Model(&model.Job{}).
		Where("status = ? AND scheduled_at <= ?", model.JobStatusPending, time.Now()).
		Distinct("type").
		Pluck("type", &types).Error
	return types, err
}

// --- Dispatcher Leader Election ---

// TryAcquireLeadership attempts to become the leader.
// Returns true if this server is now the leader.
func (s *Store) TryAcquireLeadership(ctx context.Context, serverID string, heartbeatTimeout time.Duration) (bool, error) {
	now := time.Now()
	cutoff := now.Add(-heartbeatTimeout)

	var acquired bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing model.DispatcherLeader
		err := tx.First(&existing, "id = ?", model.DispatcherLeaderSingletonID).Error

		if errors.Is(err, gorm.ErrRecordNotFound) {
			// No leader exists, try to become leader
			leader := model.DispatcherLeader{
				ID:          model.DispatcherLeaderSingletonID,
				ServerID:    serverID,
				HeartbeatAt: now,
				AcquiredAt:  now,
			}
			if err := tx.Create(&leader).Error; err != nil {
				// Another server might have won the race
				return nil
			}
			acquired = true
			return nil
		}

		if err != nil {
			return err
		}

		// Leader exists - check if it's us or if heartbeat has expired
		if existing.ServerID == serverID {
			// We are already the leader, update heartbeat
			existing.HeartbeatAt = now
			if err := tx.Save(&existing).Error; err != nil {
				return err
			}
			acquired = true
			return nil
		}

		if existing.HeartbeatAt.Before(cutoff) {
			// Previous leader's heartbeat expired, take over
			existing.ServerID = serverID
			existing.HeartbeatAt = now
			existing.AcquiredAt = now
			if err := tx.Save(&existing).Error; err != nil {
				return err
			}
			acquired = true
			return nil
		}

		// Another server is the active leader
		acquired = false
		return nil
	})

	return acquired, err
}

// ReleaseLeadership releases leadership on graceful shutdown.
func (s *Store) ReleaseLeadership(ctx context.Context, serverID string) error {
	return s.db.WithContext(ctx).
		Where("id = ? AND server_id = ?", model.DispatcherLeaderSingletonID, serverID).
		Delete(&model.DispatcherLeader{}).Error
}
