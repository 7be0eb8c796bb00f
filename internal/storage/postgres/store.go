// Package postgres provides the production session store. Event
// notifications are delivered by a database trigger, so listeners on
// any process sharing the database see every committed event.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/antoatta85/agents-at-scale-ark/pkg/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is a postgres-backed session store.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to postgres and applies the schema.
func NewStore(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	for _, stmt := range schemaSQL {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("applying schema: %w", err)
		}
	}

	return &Store{pool: pool}, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// EnsureSession creates the session if it does not exist, otherwise
// bumps updated_at.
func (s *Store) EnsureSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return models.NewValidationError("session id is required")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (id) VALUES ($1)
		ON CONFLICT (id) DO UPDATE SET updated_at = now()
	`, sessionID)
	if err != nil {
		return fmt.Errorf("upserting session: %w", err)
	}
	return nil
}

func ensureSessionTx(ctx context.Context, tx pgx.Tx, sessionID string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO sessions (id) VALUES ($1)
		ON CONFLICT (id) DO UPDATE SET updated_at = now()
	`, sessionID)
	if err != nil {
		return fmt.Errorf("upserting session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by id.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	var sess models.Session
	err := s.pool.QueryRow(ctx, `
		SELECT id, created_at, updated_at FROM sessions WHERE id = $1
	`, sessionID).Scan(&sess.ID, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	return &sess, nil
}

// ListSessions lists all sessions, most recently updated first.
func (s *Store) ListSessions(ctx context.Context) ([]*models.Session, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, created_at, updated_at FROM sessions ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		var sess models.Session
		if err := rows.Scan(&sess.ID, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sessions = append(sessions, &sess)
	}
	return sessions, rows.Err()
}

// AppendEvent appends an event to the session log, creating the
// session if needed. The insert trigger broadcasts the committed row.
func (s *Store) AppendEvent(ctx context.Context, event *models.SessionEvent) (*models.SessionEvent, error) {
	if event.SessionID == "" {
		return nil, models.NewValidationError("session id is required")
	}
	if event.Reason == "" {
		return nil, models.NewValidationError("reason is required")
	}
	if (event.Reason == models.ReasonQueryStart || event.Reason == models.ReasonQueryComplete) && event.QueryID == "" {
		return nil, models.NewValidationError("query id is required for %s events", event.Reason)
	}

	stored := *event
	if stored.Timestamp.IsZero() {
		stored.Timestamp = time.Now().UTC()
	}
	if len(stored.Payload) == 0 {
		stored.Payload = json.RawMessage("{}")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := ensureSessionTx(ctx, tx, stored.SessionID); err != nil {
		return nil, err
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO session_events (
			session_id, query_id, conversation_id, reason,
			query_name, query_namespace, duration_ms, timestamp, payload
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at
	`, stored.SessionID, nullString(stored.QueryID), nullString(stored.ConversationID),
		stored.Reason, nullString(stored.QueryName), nullString(stored.QueryNamespace),
		stored.DurationMs, stored.Timestamp, string(stored.Payload),
	).Scan(&stored.ID, &stored.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return &stored, nil
}

// ListEventsBySession returns all events for a session in timestamp order.
func (s *Store) ListEventsBySession(ctx context.Context, sessionID string) ([]*models.SessionEvent, error) {
	return s.queryEvents(ctx, `
		SELECT id, session_id, query_id, conversation_id, reason,
		       query_name, query_namespace, duration_ms, timestamp, payload, created_at
		FROM session_events
		WHERE session_id = $1
		ORDER BY timestamp, id
	`, sessionID)
}

// ListEventsByQuery returns all events for one query within a session.
func (s *Store) ListEventsByQuery(ctx context.Context, sessionID, queryID string) ([]*models.SessionEvent, error) {
	return s.queryEvents(ctx, `
		SELECT id, session_id, query_id, conversation_id, reason,
		       query_name, query_namespace, duration_ms, timestamp, payload, created_at
		FROM session_events
		WHERE session_id = $1 AND query_id = $2
		ORDER BY timestamp, id
	`, sessionID, queryID)
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]*models.SessionEvent, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var events []*models.SessionEvent
	for rows.Next() {
		var ev models.SessionEvent
		var queryID, conversationID, queryName, queryNamespace *string
		var payload []byte
		if err := rows.Scan(&ev.ID, &ev.SessionID, &queryID, &conversationID, &ev.Reason,
			&queryName, &queryNamespace, &ev.DurationMs, &ev.Timestamp, &payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		ev.QueryID = deref(queryID)
		ev.ConversationID = deref(conversationID)
		ev.QueryName = deref(queryName)
		ev.QueryNamespace = deref(queryNamespace)
		ev.Payload = json.RawMessage(payload)
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// AddMessages appends messages to a session, creating the session if
// needed. All messages land in one transaction.
func (s *Store) AddMessages(ctx context.Context, sessionID, queryID, conversationID string, messages []json.RawMessage) error {
	if sessionID == "" {
		return models.NewValidationError("session id is required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := ensureSessionTx(ctx, tx, sessionID); err != nil {
		return err
	}

	for _, msg := range messages {
		_, err := tx.Exec(ctx, `
			INSERT INTO messages (session_id, query_id, conversation_id, message_data)
			VALUES ($1, $2, $3, $4)
		`, sessionID, nullString(queryID), nullString(conversationID), string(msg))
		if err != nil {
			return fmt.Errorf("inserting message: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// GetMessages returns messages in insertion order, filtered by session
// and/or query id. Empty filters match everything.
func (s *Store) GetMessages(ctx context.Context, sessionID, queryID string) ([]*models.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, query_id, conversation_id, message_data, created_at
		FROM messages
		WHERE ($1 = '' OR session_id = $1) AND ($2 = '' OR query_id = $2)
		ORDER BY created_at, id
	`, sessionID, queryID)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		var msg models.Message
		var queryID, conversationID *string
		var data []byte
		if err := rows.Scan(&msg.ID, &msg.SessionID, &queryID, &conversationID, &data, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		msg.QueryID = deref(queryID)
		msg.ConversationID = deref(conversationID)
		msg.Data = json.RawMessage(data)
		messages = append(messages, &msg)
	}
	return messages, rows.Err()
}

// StoreTrace upserts a trace and one of its spans, and appends the
// span's events, in a single transaction. End times only ever move
// forward; span status is overwritten by the latest write.
func (s *Store) StoreTrace(ctx context.Context, trace *models.Trace, span *models.Span, events []*models.SpanEvent) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := ensureSessionTx(ctx, tx, trace.SessionID); err != nil {
		return err
	}

	// GREATEST skips NULLs, so a still-open row keeps the later value.
	_, err = tx.Exec(ctx, `
		INSERT INTO traces (trace_id, session_id, start_time, end_time)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (trace_id) DO UPDATE SET
			end_time = GREATEST(traces.end_time, excluded.end_time)
	`, trace.TraceID, trace.SessionID, trace.StartTime, trace.EndTime)
	if err != nil {
		return fmt.Errorf("upserting trace: %w", err)
	}

	attrs, err := json.Marshal(span.Attributes)
	if err != nil {
		return fmt.Errorf("encoding span attributes: %w", err)
	}
	resourceAttrs, err := json.Marshal(span.ResourceAttrs)
	if err != nil {
		return fmt.Errorf("encoding resource attributes: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO spans (
			trace_id, span_id, parent_span_id, session_id, name, kind,
			start_time, end_time, status, attributes, resource_attrs
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (span_id) DO UPDATE SET
			end_time = GREATEST(spans.end_time, excluded.end_time),
			status = excluded.status
	`, span.TraceID, span.SpanID, nullString(span.ParentSpanID), span.SessionID,
		span.Name, span.Kind, span.StartTime, span.EndTime,
		span.Status, string(attrs), string(resourceAttrs))
	if err != nil {
		return fmt.Errorf("upserting span: %w", err)
	}

	for _, ev := range events {
		eventAttrs, err := json.Marshal(ev.Attributes)
		if err != nil {
			return fmt.Errorf("encoding event attributes: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO span_events (trace_id, span_id, session_id, name, time, attributes)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, ev.TraceID, ev.SpanID, ev.SessionID, ev.Name, ev.Time, string(eventAttrs))
		if err != nil {
			return fmt.Errorf("inserting span event: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// GetTracesBySession returns all traces for a session in start order.
func (s *Store) GetTracesBySession(ctx context.Context, sessionID string) ([]*models.Trace, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT trace_id, session_id, start_time, end_time
		FROM traces
		WHERE session_id = $1
		ORDER BY start_time
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying traces: %w", err)
	}
	defer rows.Close()

	var traces []*models.Trace
	for rows.Next() {
		var tr models.Trace
		if err := rows.Scan(&tr.TraceID, &tr.SessionID, &tr.StartTime, &tr.EndTime); err != nil {
			return nil, fmt.Errorf("scanning trace: %w", err)
		}
		traces = append(traces, &tr)
	}
	return traces, rows.Err()
}

// GetSpansByTrace returns all spans for a trace in start order.
func (s *Store) GetSpansByTrace(ctx context.Context, traceID string) ([]*models.Span, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT trace_id, span_id, parent_span_id, session_id, name, kind,
		       start_time, end_time, status, attributes, resource_attrs
		FROM spans
		WHERE trace_id = $1
		ORDER BY start_time
	`, traceID)
	if err != nil {
		return nil, fmt.Errorf("querying spans: %w", err)
	}
	defer rows.Close()

	var spans []*models.Span
	for rows.Next() {
		var sp models.Span
		var parentSpanID *string
		var attrs, resourceAttrs []byte
		if err := rows.Scan(&sp.TraceID, &sp.SpanID, &parentSpanID, &sp.SessionID,
			&sp.Name, &sp.Kind, &sp.StartTime, &sp.EndTime, &sp.Status, &attrs, &resourceAttrs); err != nil {
			return nil, fmt.Errorf("scanning span: %w", err)
		}
		sp.ParentSpanID = deref(parentSpanID)
		if err := json.Unmarshal(attrs, &sp.Attributes); err != nil {
			return nil, fmt.Errorf("decoding span attributes: %w", err)
		}
		if err := json.Unmarshal(resourceAttrs, &sp.ResourceAttrs); err != nil {
			return nil, fmt.Errorf("decoding resource attributes: %w", err)
		}
		spans = append(spans, &sp)
	}
	return spans, rows.Err()
}

// GetSpanEventsBySpan returns all events for a span in time order.
func (s *Store) GetSpanEventsBySpan(ctx context.Context, spanID string) ([]*models.SpanEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT trace_id, span_id, session_id, name, time, attributes
		FROM span_events
		WHERE span_id = $1
		ORDER BY time, id
	`, spanID)
	if err != nil {
		return nil, fmt.Errorf("querying span events: %w", err)
	}
	defer rows.Close()

	var events []*models.SpanEvent
	for rows.Next() {
		var ev models.SpanEvent
		var attrs []byte
		if err := rows.Scan(&ev.TraceID, &ev.SpanID, &ev.SessionID, &ev.Name, &ev.Time, &attrs); err != nil {
			return nil, fmt.Errorf("scanning span event: %w", err)
		}
		if err := json.Unmarshal(attrs, &ev.Attributes); err != nil {
			return nil, fmt.Errorf("decoding event attributes: %w", err)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
