// Package sqlite provides a SQLite-backed session store for local
// development and tests. Notifications that postgres delivers through
// a trigger are published to an in-process bus after each commit.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/antoatta85/agents-at-scale-ark/internal/bus"
	"github.com/antoatta85/agents-at-scale-ark/pkg/models"
	_ "modernc.org/sqlite"
)

//go:embed migrations/001_initial_schema.up.sql
var migrationSQL string

// timeLayout is RFC3339 UTC with fixed-width nanoseconds so that text
// comparison in SQL matches chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Publisher receives the serialized event row after a successful
// append. The in-process bus satisfies this.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Store is a SQLite-backed session store.
type Store struct {
	db  *sql.DB
	pub Publisher
}

// NewStore opens (and migrates) a SQLite database at the given path.
func NewStore(dbPath string, pub Publisher) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma: %w", err)
		}
	}

	if _, err := db.Exec(migrationSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db, pub: pub}, nil
}

// Close closes the store and releases resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureSession creates the session if it does not exist, otherwise
// bumps updated_at.
func (s *Store) EnsureSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return models.NewValidationError("session id is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := ensureSessionTx(tx, sessionID, time.Now().UTC()); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func ensureSessionTx(tx *sql.Tx, sessionID string, now time.Time) error {
	ts := now.Format(timeLayout)
	_, err := tx.Exec(`
		INSERT INTO sessions (id, created_at, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at
	`, sessionID, ts, ts)
	if err != nil {
		return fmt.Errorf("upserting session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by id.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	var sess models.Session
	var createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, created_at, updated_at FROM sessions WHERE id = ?
	`, sessionID).Scan(&sess.ID, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	if sess.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if sess.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &sess, nil
}

// ListSessions lists all sessions, most recently updated first.
func (s *Store) ListSessions(ctx context.Context) ([]*models.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, created_at, updated_at FROM sessions ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.Session
	for rows.Next() {
		var sess models.Session
		var createdAt, updatedAt string
		if err := rows.Scan(&sess.ID, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		if sess.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if sess.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		sessions = append(sessions, &sess)
	}
	return sessions, rows.Err()
}

// AppendEvent appends an event to the session log, creating the
// session if needed, and publishes the committed row to the bus.
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

	now := time.Now().UTC()
	stored := *event
	if stored.Timestamp.IsZero() {
		stored.Timestamp = now
	}
	// Stored as fixed-width UTC text, so offsets must be normalized or
	// lexicographic order no longer matches chronological order.
	stored.Timestamp = stored.Timestamp.UTC()
	stored.CreatedAt = now
	if len(stored.Payload) == 0 {
		stored.Payload = json.RawMessage("{}")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := ensureSessionTx(tx, stored.SessionID, now); err != nil {
		return nil, err
	}

	res, err := tx.Exec(`
		INSERT INTO session_events (
			session_id, query_id, conversation_id, reason,
			query_name, query_namespace, duration_ms, timestamp, payload, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, stored.SessionID, nullString(stored.QueryID), nullString(stored.ConversationID),
		stored.Reason, nullString(stored.QueryName), nullString(stored.QueryNamespace),
		stored.DurationMs, stored.Timestamp.Format(timeLayout),
		string(stored.Payload), stored.CreatedAt.Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("inserting event: %w", err)
	}
	if stored.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("reading event id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	s.notify(ctx, &stored)
	return &stored, nil
}

// notify publishes the committed event on its session channel. Publish
// failures are logged, not returned: the row is already durable.
func (s *Store) notify(ctx context.Context, event *models.SessionEvent) {
	if s.pub == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("Failed to serialize event %d for notification: %v", event.ID, err)
		return
	}
	if err := s.pub.Publish(ctx, bus.SessionChannel(event.SessionID), payload); err != nil {
		log.Printf("Failed to publish event %d: %v", event.ID, err)
	}
}

// ListEventsBySession returns all events for a session in timestamp order.
func (s *Store) ListEventsBySession(ctx context.Context, sessionID string) ([]*models.SessionEvent, error) {
	return s.queryEvents(ctx, `
		SELECT id, session_id, query_id, conversation_id, reason,
		       query_name, query_namespace, duration_ms, timestamp, payload, created_at
		FROM session_events
		WHERE session_id = ?
		ORDER BY timestamp, id
	`, sessionID)
}

// ListEventsByQuery returns all events for one query within a session.
func (s *Store) ListEventsByQuery(ctx context.Context, sessionID, queryID string) ([]*models.SessionEvent, error) {
	return s.queryEvents(ctx, `
		SELECT id, session_id, query_id, conversation_id, reason,
		       query_name, query_namespace, duration_ms, timestamp, payload, created_at
		FROM session_events
		WHERE session_id = ? AND query_id = ?
		ORDER BY timestamp, id
	`, sessionID, queryID)
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]*models.SessionEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var events []*models.SessionEvent
	for rows.Next() {
		var ev models.SessionEvent
		var queryID, conversationID, queryName, queryNamespace sql.NullString
		var timestamp, payload, createdAt string
		if err := rows.Scan(&ev.ID, &ev.SessionID, &queryID, &conversationID, &ev.Reason,
			&queryName, &queryNamespace, &ev.DurationMs, &timestamp, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		ev.QueryID = queryID.String
		ev.ConversationID = conversationID.String
		ev.QueryName = queryName.String
		ev.QueryNamespace = queryNamespace.String
		ev.Payload = json.RawMessage(payload)
		if ev.Timestamp, err = parseTime(timestamp); err != nil {
			return nil, err
		}
		if ev.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
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

	now := time.Now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := ensureSessionTx(tx, sessionID, now); err != nil {
		return err
	}

	for _, msg := range messages {
		_, err := tx.Exec(`
			INSERT INTO messages (session_id, query_id, conversation_id, message_data, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, sessionID, nullString(queryID), nullString(conversationID), string(msg), now.Format(timeLayout))
		if err != nil {
			return fmt.Errorf("inserting message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// GetMessages returns messages in insertion order, filtered by session
// and/or query id. Empty filters match everything.
func (s *Store) GetMessages(ctx context.Context, sessionID, queryID string) ([]*models.Message, error) {
	query := `
		SELECT id, session_id, query_id, conversation_id, message_data, created_at
		FROM messages
		WHERE (? = '' OR session_id = ?) AND (? = '' OR query_id = ?)
		ORDER BY created_at, id
	`
	rows, err := s.db.QueryContext(ctx, query, sessionID, sessionID, queryID, queryID)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		var msg models.Message
		var queryID, conversationID sql.NullString
		var data, createdAt string
		if err := rows.Scan(&msg.ID, &msg.SessionID, &queryID, &conversationID, &data, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		msg.QueryID = queryID.String
		msg.ConversationID = conversationID.String
		msg.Data = json.RawMessage(data)
		if msg.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		messages = append(messages, &msg)
	}
	return messages, rows.Err()
}

// StoreTrace upserts a trace and one of its spans, and appends the
// span's events, in a single transaction. End times only ever move
// forward; span status is overwritten by the latest write.
func (s *Store) StoreTrace(ctx context.Context, trace *models.Trace, span *models.Span, events []*models.SpanEvent) error {
	now := time.Now().UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := ensureSessionTx(tx, trace.SessionID, now); err != nil {
		return err
	}

	createdAt := now.Format(timeLayout)

	_, err = tx.Exec(`
		INSERT INTO traces (trace_id, session_id, start_time, end_time, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(trace_id) DO UPDATE SET
			end_time = CASE
				WHEN excluded.end_time IS NOT NULL
				     AND (traces.end_time IS NULL OR excluded.end_time > traces.end_time)
				THEN excluded.end_time
				ELSE traces.end_time
			END
	`, trace.TraceID, trace.SessionID, trace.StartTime.Format(timeLayout),
		nullTime(trace.EndTime), createdAt)
	if err != nil {
		return fmt.Errorf("upserting trace: %w", err)
	}

	attrs, err := encodeJSON(span.Attributes)
	if err != nil {
		return fmt.Errorf("encoding span attributes: %w", err)
	}
	resourceAttrs, err := encodeJSON(span.ResourceAttrs)
	if err != nil {
		return fmt.Errorf("encoding resource attributes: %w", err)
	}

	_, err = tx.Exec(`
		INSERT INTO spans (
			trace_id, span_id, parent_span_id, session_id, name, kind,
			start_time, end_time, status, attributes, resource_attrs, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(span_id) DO UPDATE SET
			end_time = CASE
				WHEN excluded.end_time IS NOT NULL
				     AND (spans.end_time IS NULL OR excluded.end_time > spans.end_time)
				THEN excluded.end_time
				ELSE spans.end_time
			END,
			status = excluded.status
	`, span.TraceID, span.SpanID, nullString(span.ParentSpanID), span.SessionID,
		span.Name, span.Kind, span.StartTime.Format(timeLayout), nullTime(span.EndTime),
		span.Status, attrs, resourceAttrs, createdAt)
	if err != nil {
		return fmt.Errorf("upserting span: %w", err)
	}

	for _, ev := range events {
		eventAttrs, err := encodeJSON(ev.Attributes)
		if err != nil {
			return fmt.Errorf("encoding event attributes: %w", err)
		}
		_, err = tx.Exec(`
			INSERT INTO span_events (trace_id, span_id, session_id, name, time, attributes, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, ev.TraceID, ev.SpanID, ev.SessionID, ev.Name, ev.Time.Format(timeLayout), eventAttrs, createdAt)
		if err != nil {
			return fmt.Errorf("inserting span event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// GetTracesBySession returns all traces for a session in start order.
func (s *Store) GetTracesBySession(ctx context.Context, sessionID string) ([]*models.Trace, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT trace_id, session_id, start_time, end_time
		FROM traces
		WHERE session_id = ?
		ORDER BY start_time
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying traces: %w", err)
	}
	defer rows.Close()

	var traces []*models.Trace
	for rows.Next() {
		var tr models.Trace
		var startTime string
		var endTime sql.NullString
		if err := rows.Scan(&tr.TraceID, &tr.SessionID, &startTime, &endTime); err != nil {
			return nil, fmt.Errorf("scanning trace: %w", err)
		}
		if tr.StartTime, err = parseTime(startTime); err != nil {
			return nil, err
		}
		if tr.EndTime, err = parseNullTime(endTime); err != nil {
			return nil, err
		}
		traces = append(traces, &tr)
	}
	return traces, rows.Err()
}

// GetSpansByTrace returns all spans for a trace in start order.
func (s *Store) GetSpansByTrace(ctx context.Context, traceID string) ([]*models.Span, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT trace_id, span_id, parent_span_id, session_id, name, kind,
		       start_time, end_time, status, attributes, resource_attrs
		FROM spans
		WHERE trace_id = ?
		ORDER BY start_time
	`, traceID)
	if err != nil {
		return nil, fmt.Errorf("querying spans: %w", err)
	}
	defer rows.Close()

	var spans []*models.Span
	for rows.Next() {
		var sp models.Span
		var parentSpanID sql.NullString
		var startTime, attrs, resourceAttrs string
		var endTime sql.NullString
		if err := rows.Scan(&sp.TraceID, &sp.SpanID, &parentSpanID, &sp.SessionID,
			&sp.Name, &sp.Kind, &startTime, &endTime, &sp.Status, &attrs, &resourceAttrs); err != nil {
			return nil, fmt.Errorf("scanning span: %w", err)
		}
		sp.ParentSpanID = parentSpanID.String
		if sp.StartTime, err = parseTime(startTime); err != nil {
			return nil, err
		}
		if sp.EndTime, err = parseNullTime(endTime); err != nil {
			return nil, err
		}
		if err := decodeJSON(attrs, &sp.Attributes); err != nil {
			return nil, fmt.Errorf("decoding span attributes: %w", err)
		}
		if err := decodeJSON(resourceAttrs, &sp.ResourceAttrs); err != nil {
			return nil, fmt.Errorf("decoding resource attributes: %w", err)
		}
		spans = append(spans, &sp)
	}
	return spans, rows.Err()
}

// GetSpanEventsBySpan returns all events for a span in time order.
func (s *Store) GetSpanEventsBySpan(ctx context.Context, spanID string) ([]*models.SpanEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT trace_id, span_id, session_id, name, time, attributes
		FROM span_events
		WHERE span_id = ?
		ORDER BY time, id
	`, spanID)
	if err != nil {
		return nil, fmt.Errorf("querying span events: %w", err)
	}
	defer rows.Close()

	var events []*models.SpanEvent
	for rows.Next() {
		var ev models.SpanEvent
		var ts, attrs string
		if err := rows.Scan(&ev.TraceID, &ev.SpanID, &ev.SessionID, &ev.Name, &ts, &attrs); err != nil {
			return nil, fmt.Errorf("scanning span event: %w", err)
		}
		if ev.Time, err = parseTime(ts); err != nil {
			return nil, err
		}
		if err := decodeJSON(attrs, &ev.Attributes); err != nil {
			return nil, fmt.Errorf("decoding event attributes: %w", err)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// Helper functions

func encodeJSON(data any) (string, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("encoding JSON: %w", err)
	}
	return string(b), nil
}

func decodeJSON(data string, target any) error {
	if err := json.Unmarshal([]byte(data), target); err != nil {
		return fmt.Errorf("decoding JSON: %w", err)
	}
	return nil
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing time %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(timeLayout)
}
