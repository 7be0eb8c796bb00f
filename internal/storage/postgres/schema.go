package postgres

// Schema statements run on startup, in order. All DDL is idempotent so
// restarts against an initialized database are safe.
var schemaSQL = []string{
	`CREATE TABLE IF NOT EXISTS sessions (
		id         TEXT PRIMARY KEY,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS session_events (
		id              BIGSERIAL PRIMARY KEY,
		session_id      TEXT NOT NULL REFERENCES sessions(id),
		query_id        TEXT,
		conversation_id TEXT,
		reason          TEXT NOT NULL,
		query_name      TEXT,
		query_namespace TEXT,
		duration_ms     DOUBLE PRECISION,
		timestamp       TIMESTAMPTZ NOT NULL,
		payload         JSONB NOT NULL DEFAULT '{}',
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_session_events_session ON session_events(session_id, timestamp)`,
	`CREATE INDEX IF NOT EXISTS idx_session_events_query ON session_events(session_id, query_id)`,

	`CREATE TABLE IF NOT EXISTS messages (
		id              BIGSERIAL PRIMARY KEY,
		session_id      TEXT NOT NULL REFERENCES sessions(id),
		query_id        TEXT,
		conversation_id TEXT,
		message_data    JSONB NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS traces (
		id         BIGSERIAL PRIMARY KEY,
		trace_id   TEXT NOT NULL UNIQUE,
		session_id TEXT NOT NULL,
		start_time TIMESTAMPTZ NOT NULL,
		end_time   TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_traces_session ON traces(session_id, start_time)`,

	`CREATE TABLE IF NOT EXISTS spans (
		id             BIGSERIAL PRIMARY KEY,
		trace_id       TEXT NOT NULL,
		span_id        TEXT NOT NULL UNIQUE,
		parent_span_id TEXT,
		session_id     TEXT NOT NULL,
		name           TEXT NOT NULL,
		kind           TEXT NOT NULL,
		start_time     TIMESTAMPTZ NOT NULL,
		end_time       TIMESTAMPTZ,
		status         TEXT NOT NULL DEFAULT 'ok',
		attributes     JSONB NOT NULL DEFAULT '{}',
		resource_attrs JSONB NOT NULL DEFAULT '{}',
		created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_spans_trace ON spans(trace_id, start_time)`,
	`CREATE INDEX IF NOT EXISTS idx_spans_session ON spans(session_id)`,

	`CREATE TABLE IF NOT EXISTS span_events (
		id         BIGSERIAL PRIMARY KEY,
		trace_id   TEXT NOT NULL,
		span_id    TEXT NOT NULL,
		session_id TEXT NOT NULL,
		name       TEXT NOT NULL,
		time       TIMESTAMPTZ NOT NULL,
		attributes JSONB NOT NULL DEFAULT '{}',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_span_events_span ON span_events(span_id, time)`,

	// Every inserted event is broadcast on a per-session channel so
	// listeners see writes from any process sharing the database.
	`CREATE OR REPLACE FUNCTION notify_session_event()
	RETURNS TRIGGER AS $$
	DECLARE
		channel_name TEXT;
		payload JSON;
	BEGIN
		channel_name := 'ark_sessions_' || NEW.session_id;

		payload := json_build_object(
			'id', NEW.id,
			'session_id', NEW.session_id,
			'query_id', NEW.query_id,
			'conversation_id', NEW.conversation_id,
			'reason', NEW.reason,
			'query_name', NEW.query_name,
			'query_namespace', NEW.query_namespace,
			'duration_ms', NEW.duration_ms,
			'timestamp', to_char(NEW.timestamp, 'YYYY-MM-DD"T"HH24:MI:SS.MS"Z"'),
			'payload', NEW.payload,
			'created_at', to_char(NEW.created_at, 'YYYY-MM-DD"T"HH24:MI:SS.MS"Z"')
		);

		PERFORM pg_notify(channel_name, payload::text);
		RETURN NEW;
	END;
	$$ LANGUAGE plpgsql`,

	`DROP TRIGGER IF EXISTS session_events_notify ON session_events`,

	`CREATE TRIGGER session_events_notify
		AFTER INSERT ON session_events
		FOR EACH ROW
		EXECUTE FUNCTION notify_session_event()`,
}
