package dispatcher

import (
	"context"
	"log"

	"github.com/xctf-platform/sandboxd/internal/model"
	"github.com/xctf-platform/sandboxd/internal/store"
)

// SessionIPRevoker removes firewall accepts for a user's IP across all of
// their active non-static sandboxes. Implemented by the sandbox lifecycle
// engine (C6); shared with the C5 IP-mismatch middleware handoff.
type SessionIPRevoker interface {
	RevokeUserIP(ctx context.Context, userID, ip string) error
}

// CleanupExpiredSessionsExecutor flips expired sessions inactive and
// revokes the firewall access they were granted.
type CleanupExpiredSessionsExecutor struct {
	store   *store.Store
	revoker SessionIPRevoker
}

// NewCleanupExpiredSessionsExecutor creates the periodic session reaper.
func NewCleanupExpiredSessionsExecutor(s *store.Store, revoker SessionIPRevoker) *CleanupExpiredSessionsExecutor {
	return &CleanupExpiredSessionsExecutor{store: s, revoker: revoker}
}

func (e *CleanupExpiredSessionsExecutor) Type() model.JobType {
	return model.JobTypeCleanupExpiredSessions
}

func (e *CleanupExpiredSessionsExecutor) Execute(ctx context.Context, job *model.Job) error {
	sessions, err := e.store.ListExpiredActiveSessions(ctx)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		return nil
	}

	ids := make([]string, 0, len(sessions))
	for _, s := range sessions {
		if e.revoker != nil {
			if err := e.revoker.RevokeUserIP(ctx, s.UserID, s.ClientIP); err != nil {
				log.Printf("dispatcher: cleanup_expired_sessions: revoke %s/%s: %v", s.UserID, s.ClientIP, err)
			}
		}
		ids = append(ids, s.ID)
	}

	return e.store.DeactivateSessions(ctx, ids)
}
