package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/portkeep/portkeep/internal/events"
	"github.com/portkeep/portkeep/internal/logger"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status       string `json:"status"`
	State        string `json:"state"`
	GatewayFound bool   `json:"gateway_found"`
	Time         string `json:"time"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.daemon.Status()

	resp := HealthResponse{
		Status:       "ok",
		State:        st.State,
		GatewayFound: st.GatewayFound,
		Time:         time.Now().UTC().Format(time.RFC3339),
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.daemon.Status())
}

// RuleResponse is one desired rule as served by the API
type RuleResponse struct {
	InternalPort uint16 `json:"internal_port"`
	ExternalPort uint16 `json:"external_port"`
	Protocol     string `json:"protocol"`
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	desired := s.store.Snapshot()
	out := make([]RuleResponse, 0, len(desired))
	for _, key := range desired.SortedKeys() {
		rule := desired[key]
		out = append(out, RuleResponse{
			InternalPort: rule.InternalPort,
			ExternalPort: rule.ExternalPort,
			Protocol:     string(rule.Protocol),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := s.reloadFunc(); err != nil {
		logger.Error().Err(err).Msg("Reload via API failed")
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

func (s *Server) handleGitSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.poller == nil {
		http.Error(w, "GitOps is not enabled", http.StatusNotFound)
		return
	}

	rec, err := s.poller.TriggerSync(r.Context())
	if err != nil {
		writeJSON(w, http.StatusBadGateway, rec)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleGitLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.syncService == nil {
		http.Error(w, "GitOps is not enabled", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s.syncService.History())
}

func (s *Server) handleActivityStream(w http.ResponseWriter, r *http.Request) {
	if s.broadcaster == nil {
		http.Error(w, "Activity stream is not enabled", http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	clientID := uuid.New().String()
	client := s.broadcaster.Register(clientID)
	defer s.broadcaster.Unregister(client)

	// Keepalive comments so proxies do not drop the idle stream.
	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return

		case event, ok := <-client.Channel:
			if !ok {
				return
			}
			data, err := events.FormatSSE(event)
			if err != nil {
				continue
			}
			if _, err := w.Write(data); err != nil {
				return
			}
			flusher.Flush()

		case <-keepalive.C:
			if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
