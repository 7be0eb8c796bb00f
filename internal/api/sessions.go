package api

import (
	"log"
	"net/http"

	"github.com/antoatta85/agents-at-scale-ark/internal/derive"
	"github.com/antoatta85/agents-at-scale-ark/pkg/models"
	"github.com/go-chi/chi/v5"
)

// listSessions returns all known session ids.
func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sessions, err := s.store.ListSessions(ctx)
	if err != nil {
		log.Printf("Failed to list sessions: %v", err)
		s.respondError(w, http.StatusInternalServerError, "Failed to list sessions")
		return
	}

	ids := make([]string, 0, len(sessions))
	for _, sess := range sessions {
		ids = append(ids, sess.ID)
	}

	s.respondJSON(w, http.StatusOK, map[string][]string{"sessions": ids})
}

// getSession returns the derived session view reconstructed from the
// event and message logs. Unknown sessions get an empty view, not 404:
// a session legitimately exists before its first event arrives.
func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := chi.URLParam(r, "sessionID")

	events, err := s.store.ListEventsBySession(ctx, sessionID)
	if err != nil {
		log.Printf("Failed to list events for session %s: %v", sessionID, err)
		s.respondError(w, http.StatusInternalServerError, "Failed to get session")
		return
	}
	messages, err := s.store.GetMessages(ctx, sessionID, "")
	if err != nil {
		log.Printf("Failed to get messages for session %s: %v", sessionID, err)
		s.respondError(w, http.StatusInternalServerError, "Failed to get session")
		return
	}

	s.respondJSON(w, http.StatusOK, derive.BuildSession(sessionID, events, messages))
}

// timelineResponse is the raw per-session dump with a merged timeline.
type timelineResponse struct {
	SessionID  string                  `json:"session_id"`
	Messages   []*models.Message       `json:"messages"`
	Traces     []*models.Trace         `json:"traces"`
	Spans      []*models.Span          `json:"spans"`
	SpanEvents []*models.SpanEvent     `json:"span_events"`
	Timeline   []*models.TimelineEntry `json:"timeline"`
}

// getSessionTimeline returns every stored record for a session plus a
// single chronological timeline across record types.
func (s *Server) getSessionTimeline(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := chi.URLParam(r, "sessionID")

	resp := timelineResponse{
		SessionID:  sessionID,
		Messages:   []*models.Message{},
		Traces:     []*models.Trace{},
		Spans:      []*models.Span{},
		SpanEvents: []*models.SpanEvent{},
		Timeline:   []*models.TimelineEntry{},
	}

	messages, err := s.store.GetMessages(ctx, sessionID, "")
	if err != nil {
		log.Printf("Failed to get messages for session %s: %v", sessionID, err)
		s.respondError(w, http.StatusInternalServerError, "Failed to get session timeline")
		return
	}
	traces, err := s.store.GetTracesBySession(ctx, sessionID)
	if err != nil {
		log.Printf("Failed to get traces for session %s: %v", sessionID, err)
		s.respondError(w, http.StatusInternalServerError, "Failed to get session timeline")
		return
	}

	var spans []*models.Span
	var spanEvents []*models.SpanEvent
	for _, trace := range traces {
		traceSpans, err := s.store.GetSpansByTrace(ctx, trace.TraceID)
		if err != nil {
			log.Printf("Failed to get spans for trace %s: %v", trace.TraceID, err)
			s.respondError(w, http.StatusInternalServerError, "Failed to get session timeline")
			return
		}
		spans = append(spans, traceSpans...)

		for _, span := range traceSpans {
			events, err := s.store.GetSpanEventsBySpan(ctx, span.SpanID)
			if err != nil {
				log.Printf("Failed to get span events for span %s: %v", span.SpanID, err)
				s.respondError(w, http.StatusInternalServerError, "Failed to get session timeline")
				return
			}
			spanEvents = append(spanEvents, events...)
		}
	}

	if messages != nil {
		resp.Messages = messages
	}
	if traces != nil {
		resp.Traces = traces
	}
	if spans != nil {
		resp.Spans = spans
	}
	if spanEvents != nil {
		resp.SpanEvents = spanEvents
	}
	if timeline := derive.Timeline(messages, traces, spans, spanEvents); timeline != nil {
		resp.Timeline = timeline
	}

	s.respondJSON(w, http.StatusOK, resp)
}
