// Package storage defines the storage interface for session data.
package storage

import (
	"context"
	"encoding/json"

	"github.com/antoatta85/agents-at-scale-ark/pkg/models"
)

// Store is the interface for the append-only session store.
// Implementations must be safe for concurrent use. Write operations
// are transactional: either every row lands or none do.
type Store interface {
	// Session operations
	EnsureSession(ctx context.Context, sessionID string) error
	GetSession(ctx context.Context, sessionID string) (*models.Session, error)
	ListSessions(ctx context.Context) ([]*models.Session, error)

	// Event log operations
	AppendEvent(ctx context.Context, event *models.SessionEvent) (*models.SessionEvent, error)
	ListEventsBySession(ctx context.Context, sessionID string) ([]*models.SessionEvent, error)
	ListEventsByQuery(ctx context.Context, sessionID, queryID string) ([]*models.SessionEvent, error)

	// Message operations
	AddMessages(ctx context.Context, sessionID, queryID, conversationID string, messages []json.RawMessage) error
	GetMessages(ctx context.Context, sessionID, queryID string) ([]*models.Message, error)

	// Trace operations
	StoreTrace(ctx context.Context, trace *models.Trace, span *models.Span, events []*models.SpanEvent) error
	GetTracesBySession(ctx context.Context, sessionID string) ([]*models.Trace, error)
	GetSpansByTrace(ctx context.Context, traceID string) ([]*models.Span, error)
	GetSpanEventsBySpan(ctx context.Context, spanID string) ([]*models.SpanEvent, error)

	// Close the store (for cleanup, e.g., DB connections)
	Close() error
}
