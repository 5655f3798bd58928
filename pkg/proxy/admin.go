package proxy

import (
	"encoding/json"
	"net/http"

	"github.com/swiftcast-app/swiftcast/pkg/webhook"
)

type mappingRequest struct {
	SessionID string  `json:"session_id"`
	TodoID    string  `json:"todo_id"`
	MissionID *string `json:"mission_id"`
}

// handleMappingRegister lets the orchestrator link an agent session to one
// of its todos after the fact, when the environment variables were not set
// at launch.
func (s *Server) handleMappingRegister(w http.ResponseWriter, r *http.Request) {
	var req mappingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	if req.SessionID == "" || req.TodoID == "" {
		http.Error(w, "session_id and todo_id are required", http.StatusBadRequest)
		return
	}

	if err := s.store.SaveMapping(r.Context(), req.SessionID, req.TodoID, req.MissionID); err != nil {
		s.log.Error("failed to save session mapping", "session_id", req.SessionID, "error", err)
		http.Error(w, "failed to save mapping", http.StatusInternalServerError)
		return
	}
	s.webhook.SendSessionMapping(webhook.MappingData{
		SessionID: req.SessionID,
		TodoID:    req.TodoID,
		MissionID: req.MissionID,
	})

	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}
