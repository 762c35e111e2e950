package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	lastSeq, err := s.store.LastSequence(r.Context())
	if err != nil {
		// Degraded, not dead: the process keeps serving and clients
		// retry submissions until the store recovers.
		slog.Warn("Health check could not read last sequence", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "degraded",
			"node":   s.config.NodeID,
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"node":         s.config.NodeID,
		"lastSequence": lastSeq,
		"clients":      s.clients.Load(),
		"subscribers":  s.hub.SubscriberCount(),
		"peers":        s.mesh.PeerCount(),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Warn("Failed to encode response", "error", err)
	}
}
