// Package admin exposes the read-only HTTP API served next to the sync
// protocol on the shared listen port.
package admin

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/sportsed/sportsed/engine"
	"github.com/sportsed/sportsed/server"
)

// AdminHandlers serves the admin endpoints from live server state.
type AdminHandlers struct {
	server *server.Server
}

// NewAdminHandlers creates a new AdminHandlers instance.
func NewAdminHandlers(srv *server.Server) *AdminHandlers {
	return &AdminHandlers{server: srv}
}

// handleStatus returns schema version, change-log tip, uptime and the
// connection count.
func (h *AdminHandlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	tip, err := h.server.LastRevision()
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"schema_version": engine.SchemaVersion,
		"last_revision":  tip,
		"uptime_seconds": int64(h.server.Uptime() / time.Second),
		"connections":    h.server.ConnectionCount(),
		"subscriptions":  h.server.SubscriptionCount(),
	})
}

// handleClients returns the rows of the client table, one per
// authenticated connection.
func (h *AdminHandlers) handleClients(w http.ResponseWriter, r *http.Request) {
	clients, err := h.server.Clients()
	if err != nil {
		writeErrorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"count":   len(clients),
		"clients": clients,
	})
}

// handleSubscriptions returns every live subscription with its query.
func (h *AdminHandlers) handleSubscriptions(w http.ResponseWriter, r *http.Request) {
	stats := h.server.Subscriptions()
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"count":         len(stats),
		"subscriptions": stats,
	})
}

func writeJSONResponse(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	writeJSONResponse(w, status, map[string]string{"error": message})
}
