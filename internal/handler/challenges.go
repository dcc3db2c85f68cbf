package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/xctf-platform/sandboxd/internal/middleware"
	"github.com/xctf-platform/sandboxd/internal/model"
	"github.com/xctf-platform/sandboxd/internal/store"
	"github.com/xctf-platform/sandboxd/internal/xctferr"
)

type challengeView struct {
	Name     string `json:"name"`
	Category string `json:"category"`
	Points   int    `json:"points"`
	Static   bool   `json:"static"`
	Active   bool   `json:"active"`
}

// ListChallenges returns every active challenge's public metadata.
func (h *Handler) ListChallenges(w http.ResponseWriter, r *http.Request) {
	challenges, err := h.store.ListChallenges(r.Context(), true)
	if err != nil {
		Error(w, http.StatusInternalServerError, "could not list challenges")
		return
	}

	out := make([]challengeView, 0, len(challenges))
	for _, c := range challenges {
		out = append(out, challengeView{Name: c.Name, Category: c.Category, Points: c.Points, Static: c.Static, Active: c.Active})
	}
	JSON(w, http.StatusOK, out)
}

// StartChallenge provisions (or returns the existing) sandbox for the
// caller and a named challenge, per spec.md §7's user-visible strings.
func (h *Handler) StartChallenge(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())
	if user == nil {
		Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	name := chi.URLParam(r, "name")
	challenge, err := h.store.GetChallengeByName(r.Context(), name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			Error(w, http.StatusNotFound, "Challenge not found")
			return
		}
		Error(w, http.StatusInternalServerError, "Error starting challenge, check with admins.")
		return
	}

	if !challenge.Active {
		Error(w, http.StatusConflict, "Challenge is not active.")
		return
	}

	if !challenge.Static {
		solved, err := h.store.HasCorrectSubmission(r.Context(), user.ID, challenge.ID)
		if err != nil {
			Error(w, http.StatusInternalServerError, "Error starting challenge, check with admins.")
			return
		}
		if solved {
			Error(w, http.StatusConflict, "You have already solved it.")
			return
		}
	}

	userID := user.ID
	if challenge.Static {
		userID = ""
	}

	sandbox, err := h.sandboxes.GetOrCreate(r.Context(), challenge, userID)
	if err != nil {
		switch {
		case xctferr.Is(err, xctferr.KindSandboxCreateTimeout):
			Error(w, http.StatusServiceUnavailable, "Challenge stuck in unhealthy state")
		default:
			Error(w, http.StatusInternalServerError, "Error starting challenge, check with admins.")
		}
		return
	}
	if sandbox == nil {
		// Lock acquisition timed out; another request is mid-creation. The
		// client's own retry (or a page refresh) will pick up the result.
		Error(w, http.StatusAccepted, "Challenge is starting, try again shortly.")
		return
	}

	JSON(w, http.StatusOK, map[string]any{
		"sandbox_id": sandbox.ID,
		"status":     sandbox.Status,
		"url":        sandboxURL(r, sandbox),
	})
}

func sandboxURL(r *http.Request, sb *model.Sandbox) string {
	host := r.Host
	if idx := strings.IndexByte(host, ':'); idx >= 0 {
		host = host[:idx]
	}
	var mapping map[string]int
	if err := json.Unmarshal([]byte(sb.HostPorts), &mapping); err == nil {
		if port, ok := mapping["8000"]; ok {
			return fmt.Sprintf("http://%s:%d", host, port)
		}
	}
	return fmt.Sprintf("http://%s", host)
}

type submitFlagRequest struct {
	Flag string `json:"flag"`
}

// SubmitFlag checks a submitted flag against a challenge's stored hash and
// records the attempt, returning one of the five strings spec.md §7 names.
func (h *Handler) SubmitFlag(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUser(r.Context())
	if user == nil {
		Error(w, http.StatusUnauthorized, "authentication required")
		return
	}

	var req submitFlagRequest
	if err := DecodeJSON(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	name := chi.URLParam(r, "name")
	challenge, err := h.store.GetChallengeByName(r.Context(), name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			JSON(w, http.StatusOK, map[string]any{"correct": false, "message": "Challenge not found"})
			return
		}
		JSON(w, http.StatusOK, map[string]any{"correct": false, "message": "Error submitting flag, please try again later."})
		return
	}

	solved, err := h.store.HasCorrectSubmission(r.Context(), user.ID, challenge.ID)
	if err != nil {
		JSON(w, http.StatusOK, map[string]any{"correct": false, "message": "Error submitting flag, please try again later."})
		return
	}
	if solved {
		JSON(w, http.StatusOK, map[string]any{"correct": false, "message": "You have already solved this challenge."})
		return
	}

	flag := strings.TrimSpace(req.Flag)
	correct := bcrypt.CompareHashAndPassword([]byte(challenge.FlagHash), []byte(flag)) == nil

	submission := &model.Submission{UserID: user.ID, ChallengeID: challenge.ID, Correct: correct}
	if err := h.store.CreateSubmission(r.Context(), submission); err != nil {
		JSON(w, http.StatusOK, map[string]any{"correct": false, "message": "Error submitting flag, please try again later."})
		return
	}

	if correct {
		JSON(w, http.StatusOK, map[string]any{"correct": true, "message": "correct flag"})
		return
	}
	JSON(w, http.StatusOK, map[string]any{"correct": false, "message": "incorrect flag"})
}
