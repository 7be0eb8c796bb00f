package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/antoatta85/agents-at-scale-ark/pkg/models"
)

// addMessagesRequest is the batch add form. Messages are opaque JSON
// objects owned by the producer.
type addMessagesRequest struct {
	SessionID      string            `json:"session_id"`
	QueryID        string            `json:"query_id"`
	ConversationID string            `json:"conversation_id"`
	Messages       []json.RawMessage `json:"messages"`
}

// addMessages appends a batch of messages to a session.
func (s *Server) addMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req addMessagesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.SessionID == "" {
		s.respondError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	if err := s.store.AddMessages(ctx, req.SessionID, req.QueryID, req.ConversationID, req.Messages); err != nil {
		var vErr *models.ValidationError
		if errors.As(err, &vErr) {
			s.respondError(w, http.StatusBadRequest, vErr.Message)
			return
		}
		log.Printf("Failed to add messages for session %s: %v", req.SessionID, err)
		s.respondError(w, http.StatusInternalServerError, "Failed to add messages")
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// getMessages returns messages filtered by session_id and/or query_id.
func (s *Server) getMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := r.URL.Query().Get("session_id")
	queryID := r.URL.Query().Get("query_id")

	messages, err := s.store.GetMessages(ctx, sessionID, queryID)
	if err != nil {
		log.Printf("Failed to get messages: %v", err)
		s.respondError(w, http.StatusInternalServerError, "Failed to get messages")
		return
	}
	if messages == nil {
		messages = []*models.Message{}
	}

	s.respondJSON(w, http.StatusOK, messages)
}
