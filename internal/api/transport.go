package api

import (
	"encoding/json"
	"net/http"

	"github.com/admo/meshkernel/internal/core"
	"github.com/admo/meshkernel/internal/messages"
)

// handleHandshake is the inbound peer transport for handshake messages.
func (s *Server) handleHandshake(w http.ResponseWriter, r *http.Request) {
	var env messages.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeError(w, http.StatusBadRequest, "invalid envelope")
		return
	}

	result := s.handshakes.ProcessMessage(r.Context(), &env)
	status := http.StatusOK
	if !result.OK && !result.Retryable {
		status = http.StatusForbidden
	}
	writeJSON(w, status, map[string]interface{}{
		"state":          result.State.String(),
		"ok":             result.OK,
		"reason":         result.Reason,
		"retryable":      result.Retryable,
		"retry_delay_ms": result.RetryDelay.Milliseconds(),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.handshakes.Sessions().List())
}

// handleSubmitObservation feeds the ingest pipeline.
func (s *Server) handleSubmitObservation(w http.ResponseWriter, r *http.Request) {
	var obs core.Observation
	if err := json.NewDecoder(r.Body).Decode(&obs); err != nil {
		writeError(w, http.StatusBadRequest, "invalid observation")
		return
	}

	result := s.pipeline.Submit(r.Context(), &obs)
	if !result.Accepted {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"accepted": false,
			"reason":   result.Reason,
		})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"accepted":       true,
		"observation_id": obs.ObservationID,
	})
}
