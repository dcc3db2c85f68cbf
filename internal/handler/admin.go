package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/xctf-platform/sandboxd/internal/middleware"
	"github.com/xctf-platform/sandboxd/internal/model"
)

func (h *Handler) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	user := middleware.GetUser(r.Context())
	if user == nil || !user.Admin {
		Error(w, http.StatusForbidden, "admin access required")
		return false
	}
	return true
}

type createChallengeRequest struct {
	Name          string `json:"name"`
	Category      string `json:"category"`
	Points        int    `json:"points"`
	Flag          string `json:"flag"`
	Image         string `json:"image"`
	Static        bool   `json:"static"`
	Ports         string `json:"ports"` // JSON-encoded []int
	MemoryLimitMB int    `json:"memory_limit_mb"`
	CPUQuota      int64  `json:"cpu_quota"`
}

// UpsertChallenge creates or updates a challenge by name, hashing the
// submitted flag the same way a player's submission is checked against it.
func (h *Handler) UpsertChallenge(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}

	var req createChallengeRequest
	if err := DecodeJSON(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" || req.Flag == "" || req.Image == "" {
		Error(w, http.StatusBadRequest, "name, flag, and image are required")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Flag), bcrypt.DefaultCost)
	if err != nil {
		Error(w, http.StatusInternalServerError, "could not hash flag")
		return
	}

	challenge := &model.Challenge{
		Name:          req.Name,
		Category:      req.Category,
		Points:        req.Points,
		FlagHash:      string(hash),
		Image:         req.Image,
		Static:        req.Static,
		Active:        true,
		Ports:         req.Ports,
		MemoryLimitMB: req.MemoryLimitMB,
		CPUQuota:      req.CPUQuota,
	}
	if err := h.store.UpsertChallengeByName(r.Context(), challenge); err != nil {
		Error(w, http.StatusInternalServerError, "could not save challenge")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"id": challenge.ID, "name": challenge.Name})
}

type setActiveRequest struct {
	Active bool `json:"active"`
}

// SetChallengeActive flips a challenge's active flag. Per SPEC_FULL.md
// §4.8, transitioning active to inactive enqueues cleanup for every
// sandbox currently running that challenge and broadcasts a notification.
func (h *Handler) SetChallengeActive(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}

	name := chi.URLParam(r, "name")
	challenge, err := h.store.GetChallengeByName(r.Context(), name)
	if err != nil {
		Error(w, http.StatusNotFound, "challenge not found")
		return
	}

	var req setActiveRequest
	if err := DecodeJSON(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	wasActive, err := h.store.SetChallengeActive(r.Context(), challenge.ID, req.Active)
	if err != nil {
		Error(w, http.StatusInternalServerError, "could not update challenge")
		return
	}

	if wasActive && !req.Active {
		h.onChallengeDeactivated(r, challenge)
	}

	JSON(w, http.StatusOK, map[string]bool{"active": req.Active})
}

func (h *Handler) onChallengeDeactivated(r *http.Request, challenge *model.Challenge) {
	sandboxes, err := h.store.ListActiveSandboxesByChallenge(r.Context(), challenge.ID)
	if err != nil {
		return
	}
	for _, sb := range sandboxes {
		_ = h.jobQueue.Enqueue(r.Context(), model.CleanupSandboxPayload{SandboxID: sb.ID})
	}

	n := &model.Notification{Message: "Challenge \"" + challenge.Name + "\" has been taken offline."}
	if err := h.store.CreateNotification(r.Context(), n); err == nil {
		_ = h.jobQueue.Enqueue(r.Context(), model.SendNotificationPayload{NotificationID: n.ID})
	}
}

type banUserRequest struct {
	Banned bool `json:"banned"`
}

// BanUser flips a user's banned flag. Per SPEC_FULL.md §4.8, transitioning
// unbanned to banned enqueues cleanup for every sandbox that user owns; the
// ban itself is enforced on the user's next authenticated request by the
// auth middleware (C5).
func (h *Handler) BanUser(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}

	userID := chi.URLParam(r, "userId")

	var req banUserRequest
	if err := DecodeJSON(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	wasBanned, err := h.store.SetUserBanned(r.Context(), userID, req.Banned)
	if err != nil {
		Error(w, http.StatusInternalServerError, "could not update user")
		return
	}

	if !wasBanned && req.Banned {
		h.onUserBanned(r, userID)
	}

	JSON(w, http.StatusOK, map[string]bool{"banned": req.Banned})
}

func (h *Handler) onUserBanned(r *http.Request, userID string) {
	sandboxes, err := h.store.ListAllActiveSandboxes(r.Context())
	if err != nil {
		return
	}
	for _, sb := range sandboxes {
		if sb.UserID != nil && *sb.UserID == userID {
			_ = h.jobQueue.Enqueue(r.Context(), model.CleanupSandboxPayload{SandboxID: sb.ID})
		}
	}
}
