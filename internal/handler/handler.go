// Package handler implements the thin HTTP surface described by
// SPEC_FULL.md §11: a handful of JSON endpoints that validate input, call
// into the core (auth and sandbox services), and translate core errors into
// the exact user-visible strings spec.md §7 requires. Flag checking and
// submission recording (challenges.go) and the admin transition hooks that
// enqueue cleanup jobs (admin.go) also live here.
package handler

import (
	"encoding/json"
	"net/http"

	"github.com/xctf-platform/sandboxd/internal/config"
	"github.com/xctf-platform/sandboxd/internal/dispatcher"
	"github.com/xctf-platform/sandboxd/internal/firewall"
	"github.com/xctf-platform/sandboxd/internal/jobs"
	"github.com/xctf-platform/sandboxd/internal/service"
	"github.com/xctf-platform/sandboxd/internal/store"
)

// Handler wires the store and core services into HTTP endpoints.
type Handler struct {
	store      *store.Store
	cfg        *config.Config
	auth       *service.AuthService
	sandboxes  *service.SandboxService
	jobQueue   *jobs.Queue
	dispatcher *dispatcher.Service
	firewall   *firewall.Firewall
}

// New creates a Handler over the given core services.
func New(
	s *store.Store,
	cfg *config.Config,
	auth *service.AuthService,
	sandboxes *service.SandboxService,
	jobQueue *jobs.Queue,
	disp *dispatcher.Service,
	fw *firewall.Firewall,
) *Handler {
	return &Handler{
		store:      s,
		cfg:        cfg,
		auth:       auth,
		sandboxes:  sandboxes,
		jobQueue:   jobQueue,
		dispatcher: disp,
		firewall:   fw,
	}
}

// JSON writes v as a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Error writes a {"error": msg} JSON response.
func Error(w http.ResponseWriter, status int, msg string) {
	JSON(w, status, map[string]string{"error": msg})
}

// DecodeJSON decodes the request body into v.
func DecodeJSON(r *http.Request, v any) error {
	defer func() { _ = r.Body.Close() }()
	return json.NewDecoder(r.Body).Decode(v)
}
