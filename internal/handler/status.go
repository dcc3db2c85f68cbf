package handler

import (
	"net/http"

	"github.com/xctf-platform/sandboxd/internal/version"
)

// Status reports liveness/readiness: dispatcher leadership and firewall
// initialization state, for ops visibility rather than an admin dashboard.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"status":  "ok",
		"version": version.Get(),
	}
	if h.dispatcher != nil {
		status["dispatcher_leader"] = h.dispatcher.IsLeader()
	}
	if h.firewall != nil {
		status["firewall_initialized"] = h.firewall.Initialized()
	}
	JSON(w, http.StatusOK, status)
}
