// Package models defines the core data structures for the session store.
//
// This package contains the persisted row types (sessions, events,
// messages, traces, spans, span events) and the derived view types
// returned by the session API.
package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested item is not found.
// Storage implementations wrap this error when an item doesn't exist.
var ErrNotFound = errors.New("not found")

// ErrUnsupportedFormat is returned when a client requests a wire format
// the ingestion pipeline does not implement (e.g. JSON OTLP).
var ErrUnsupportedFormat = errors.New("unsupported format")

// ValidationError reports a request that is structurally valid but
// semantically incomplete (e.g. a query lifecycle event without a query id).
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// NewValidationError creates a ValidationError with a formatted message.
func NewValidationError(format string, args ...any) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// Event reasons recognized by the derivation engine. Other values are
// stored and streamed untouched for extensibility.
const (
	ReasonQueryStart    = "QueryStart"
	ReasonQueryComplete = "QueryComplete"
	ReasonQueryError    = "QueryError"
	ReasonMessageAdded  = "MessageAdded"
)

// Query statuses in the derived session view.
const (
	QueryStatusInProgress = "in_progress"
	QueryStatusCompleted  = "completed"
)

// DefaultConversationID buckets messages that carry no conversation id.
const DefaultConversationID = "default"

// Session represents a session row. Session ids are assigned by the
// owning application; this store only records first-seen and
// last-updated times.
type Session struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SessionEvent is one immutable fact in the append-only event log.
type SessionEvent struct {
	ID             int64           `json:"id"`
	SessionID      string          `json:"session_id"`
	QueryID        string          `json:"query_id,omitempty"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Reason         string          `json:"reason"`
	QueryName      string          `json:"query_name,omitempty"`
	QueryNamespace string          `json:"query_namespace,omitempty"`
	DurationMs     *float64        `json:"duration_ms,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Message is one turn of conversation content. The body is opaque JSON
// owned by the producing service.
type Message struct {
	ID             int64           `json:"id"`
	SessionID      string          `json:"session_id"`
	QueryID        string          `json:"query_id,omitempty"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Data           json.RawMessage `json:"message"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Trace represents one OTEL trace. EndTime stays nil until the trace
// completes and only ever moves forward on upsert.
type Trace struct {
	TraceID   string     `json:"trace_id"`
	SessionID string     `json:"session_id"`
	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty"`
}

// Span represents one OTEL span within a trace. EndTime extends forward
// on upsert; Status is overwritten by the latest write.
type Span struct {
	TraceID       string     `json:"trace_id"`
	SpanID        string     `json:"span_id"`
	ParentSpanID  string     `json:"parent_span_id,omitempty"`
	SessionID     string     `json:"session_id"`
	Name          string     `json:"name"`
	Kind          string     `json:"kind"`
	StartTime     time.Time  `json:"start_time"`
	EndTime       *time.Time `json:"end_time,omitempty"`
	Status        string     `json:"status"`
	Attributes    AttrMap    `json:"attributes"`
	ResourceAttrs AttrMap    `json:"resource_attrs"`
}

// SpanEvent is an event point inside a span. Append-only.
type SpanEvent struct {
	TraceID    string    `json:"trace_id"`
	SpanID     string    `json:"span_id"`
	SessionID  string    `json:"session_id"`
	Name       string    `json:"name"`
	Time       time.Time `json:"time"`
	Attributes AttrMap   `json:"attributes"`
}

// Query is a derived view reconstructed from QueryStart/QueryComplete
// events. It is never stored.
type Query struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Status        string          `json:"status"`
	DurationMs    *float64        `json:"duration_ms"`
	Conversations []*Conversation `json:"conversations"`
}

// Conversation is a derived view of the message log grouped by
// conversation id. Messages are in chronological order.
type Conversation struct {
	ID           string            `json:"id"`
	FirstMessage json.RawMessage   `json:"firstMessage"`
	LastMessage  json.RawMessage   `json:"lastMessage"`
	Messages     []json.RawMessage `json:"messages,omitempty"`
}

// SessionView is the derived current state of a session: its queries
// (each with nested conversations) and its standalone conversations.
type SessionView struct {
	ID            string          `json:"id"`
	Queries       []*Query        `json:"queries"`
	Conversations []*Conversation `json:"conversations"`
}

// TimelineEntry is one item in the merged session timeline. Type is one
// of "message", "trace", "span", "span_event".
type TimelineEntry struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}
