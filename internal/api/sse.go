package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/antoatta85/agents-at-scale-ark/internal/bus"
	"github.com/antoatta85/agents-at-scale-ark/pkg/models"
	"github.com/go-chi/chi/v5"
)

// sseKeepalive is the idle interval after which a comment line is sent
// to keep intermediaries from closing the stream.
const sseKeepalive = 120 * time.Second

// streamSessionEvents streams the full event history for a session,
// then live events as they are committed.
func (s *Server) streamSessionEvents(w http.ResponseWriter, r *http.Request) {
	s.streamEvents(w, r, false)
}

// streamSessionQueries is streamSessionEvents restricted to query
// lifecycle events, both in history and live.
func (s *Server) streamSessionQueries(w http.ResponseWriter, r *http.Request) {
	s.streamEvents(w, r, true)
}

func isQueryEvent(reason string) bool {
	return reason == models.ReasonQueryStart || reason == models.ReasonQueryComplete
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request, queriesOnly bool) {
	ctx := r.Context()
	sessionID := chi.URLParam(r, "sessionID")

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.respondError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			fmt.Fprintf(w, "data: %s\n\n", `{"type":"error","message":"Session not found"}`)
			flusher.Flush()
			return
		}
		log.Printf("Failed to look up session %s: %v", sessionID, err)
		s.respondError(w, http.StatusInternalServerError, "Failed to open stream")
		return
	}

	// Flush history before going live.
	events, err := s.store.ListEventsBySession(ctx, sessionID)
	if err != nil {
		log.Printf("Failed to list events for session %s: %v", sessionID, err)
		s.respondError(w, http.StatusInternalServerError, "Failed to open stream")
		return
	}
	for _, event := range events {
		if queriesOnly && !isQueryEvent(event.Reason) {
			continue
		}
		payload, err := json.Marshal(event)
		if err != nil {
			log.Printf("Failed to serialize event %d: %v", event.ID, err)
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", payload)
	}
	flusher.Flush()

	sub, err := s.bus.Subscribe(ctx, bus.SessionChannel(sessionID))
	if err != nil {
		log.Printf("Failed to subscribe to session %s: %v", sessionID, err)
		return
	}
	defer sub.Close()

	keepalive := time.NewTimer(sseKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case payload, open := <-sub.C():
			if !open {
				return
			}
			if queriesOnly {
				var peek struct {
					Reason string `json:"reason"`
				}
				if err := json.Unmarshal(payload, &peek); err != nil || !isQueryEvent(peek.Reason) {
					continue
				}
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
			if !keepalive.Stop() {
				select {
				case <-keepalive.C:
				default:
				}
			}
			keepalive.Reset(sseKeepalive)

		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
			keepalive.Reset(sseKeepalive)
		}
	}
}
