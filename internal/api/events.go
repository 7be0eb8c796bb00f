package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/antoatta85/agents-at-scale-ark/pkg/models"
)

// createEventRequest is the camelCase wire form used by producers.
type createEventRequest struct {
	SessionID      string          `json:"sessionId"`
	QueryID        string          `json:"queryId"`
	ConversationID string          `json:"conversationId"`
	Reason         string          `json:"reason"`
	QueryName      string          `json:"queryName"`
	QueryNamespace string          `json:"queryNamespace"`
	DurationMs     *float64        `json:"durationMs"`
	Timestamp      *time.Time      `json:"timestamp"`
	Payload        json.RawMessage `json:"payload"`
}

// createEvent appends one lifecycle event to a session's log.
func (s *Server) createEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req createEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.SessionID == "" {
		s.respondError(w, http.StatusBadRequest, "sessionId is required")
		return
	}
	if req.Reason == "" {
		s.respondError(w, http.StatusBadRequest, "reason is required")
		return
	}
	if req.DurationMs != nil && *req.DurationMs < 0 {
		s.respondError(w, http.StatusBadRequest, "durationMs must not be negative")
		return
	}
	// Query lifecycle events are meaningless without a query id.
	if (req.Reason == models.ReasonQueryStart || req.Reason == models.ReasonQueryComplete) && req.QueryID == "" {
		s.respondError(w, http.StatusBadRequest, "queryId is required for "+req.Reason+" events")
		return
	}

	event := &models.SessionEvent{
		SessionID:      req.SessionID,
		QueryID:        req.QueryID,
		ConversationID: req.ConversationID,
		Reason:         req.Reason,
		QueryName:      req.QueryName,
		QueryNamespace: req.QueryNamespace,
		DurationMs:     req.DurationMs,
		Payload:        req.Payload,
	}
	if req.Timestamp != nil {
		event.Timestamp = req.Timestamp.UTC()
	}

	if _, err := s.store.AppendEvent(ctx, event); err != nil {
		var vErr *models.ValidationError
		if errors.As(err, &vErr) {
			s.respondError(w, http.StatusBadRequest, vErr.Message)
			return
		}
		log.Printf("Failed to create event for session %s: %v", req.SessionID, err)
		s.respondError(w, http.StatusInternalServerError, "Failed to create event")
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
