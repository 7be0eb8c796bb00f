// Package archive mirrors ingested spans into ClickHouse for
// long-term analytical queries. The archive is write-only and
// best-effort: the SQL store stays the source of truth.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/antoatta85/agents-at-scale-ark/pkg/models"
)

const (
	defaultBatchSize     = 1000
	defaultFlushInterval = 5 * time.Second
	defaultShutdownWait  = 10 * time.Second
	defaultDialTimeout   = 10 * time.Second
	defaultMaxRetries    = 3
	defaultRetryDelay    = 1 * time.Second
)

// Config holds ClickHouse archive parameters.
type Config struct {
	Addr          string
	Database      string
	Username      string
	Password      string
	BatchSize     int
	FlushInterval time.Duration
}

// DefaultConfig returns an archive config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:          "localhost:9000",
		Database:      "default",
		Username:      "default",
		Password:      "",
		BatchSize:     defaultBatchSize,
		FlushInterval: defaultFlushInterval,
	}
}

const spanArchiveDDL = `
CREATE TABLE IF NOT EXISTS span_archive (
    timestamp DateTime64(9),
    trace_id String,
    span_id String,
    parent_span_id String,
    session_id String,
    name String,
    kind String,
    duration_ns UInt64,
    status String,
    attributes String,
    resource_attrs String
) ENGINE = MergeTree()
PARTITION BY toDate(timestamp)
ORDER BY (session_id, timestamp, trace_id)
TTL toDateTime(timestamp) + INTERVAL 30 DAY
`

// spanRow is one buffered archive row.
type spanRow struct {
	Timestamp     time.Time
	TraceID       string
	SpanID        string
	ParentSpanID  string
	SessionID     string
	Name          string
	Kind          string
	DurationNs    uint64
	Status        string
	Attributes    string
	ResourceAttrs string
}

// Archive buffers span rows and flushes them to ClickHouse in batches.
type Archive struct {
	conn driver.Conn

	mu   sync.Mutex
	rows []spanRow

	batchSize     int
	flushInterval time.Duration

	stopCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	logger    *slog.Logger
}

// New connects to ClickHouse with retries, creates the archive table,
// and starts the flush loop.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Archive, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}

	conn, err := connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := conn.Exec(ctx, spanArchiveDDL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("creating span_archive table: %w", err)
	}

	a := &Archive{
		conn:          conn,
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		stopCh:        make(chan struct{}),
		logger:        logger,
	}

	a.wg.Add(1)
	go a.flushLoop()

	return a, nil
}

func connect(ctx context.Context, cfg Config) (driver.Conn, error) {
	opts := &clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout:     defaultDialTimeout,
		ConnMaxLifetime: time.Hour,
	}

	var conn driver.Conn
	var err error
	retryDelay := defaultRetryDelay

	for attempt := 1; attempt <= defaultMaxRetries; attempt++ {
		conn, err = clickhouse.Open(opts)
		if err == nil {
			if err = conn.Ping(ctx); err == nil {
				return conn, nil
			}
		}

		if attempt < defaultMaxRetries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryDelay):
				retryDelay *= 2
			}
		}
	}

	return nil, fmt.Errorf("failed to connect to ClickHouse after %d attempts: %w", defaultMaxRetries, err)
}

// AddSpan buffers one span for archival. JSON encoding failures and
// buffer flush failures are logged, never propagated to ingestion.
func (a *Archive) AddSpan(span *models.Span) {
	attrs, err := json.Marshal(span.Attributes)
	if err != nil {
		a.logger.Error("failed to encode span attributes", "span_id", span.SpanID, "error", err)
		return
	}
	resourceAttrs, err := json.Marshal(span.ResourceAttrs)
	if err != nil {
		a.logger.Error("failed to encode resource attributes", "span_id", span.SpanID, "error", err)
		return
	}

	var durationNs uint64
	if span.EndTime != nil {
		durationNs = uint64(span.EndTime.Sub(span.StartTime).Nanoseconds())
	}

	row := spanRow{
		Timestamp:     span.StartTime,
		TraceID:       span.TraceID,
		SpanID:        span.SpanID,
		ParentSpanID:  span.ParentSpanID,
		SessionID:     span.SessionID,
		Name:          span.Name,
		Kind:          span.Kind,
		DurationNs:    durationNs,
		Status:        span.Status,
		Attributes:    string(attrs),
		ResourceAttrs: string(resourceAttrs),
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.rows = append(a.rows, row)
	if len(a.rows) >= a.batchSize {
		a.flushLocked()
	}
}

// flushLoop periodically flushes the buffer on a timer.
func (a *Archive) flushLoop() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.mu.Lock()
			a.flushLocked()
			a.mu.Unlock()
		case <-a.stopCh:
			return
		}
	}
}

// flushLocked writes out the buffered rows (must hold lock). The lock
// is released during the insert.
func (a *Archive) flushLocked() {
	if len(a.rows) == 0 {
		return
	}

	start := time.Now()
	rows := a.rows
	a.rows = nil

	a.mu.Unlock()
	err := a.insertSpans(rows)
	a.mu.Lock()

	if err != nil {
		a.logger.Error("failed to flush span archive",
			"error", err,
			"row_count", len(rows),
		)
		return
	}

	a.logger.Debug("flushed span archive",
		"row_count", len(rows),
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

func (a *Archive) insertSpans(rows []spanRow) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	batch, err := a.conn.PrepareBatch(ctx, "INSERT INTO span_archive")
	if err != nil {
		return err
	}

	for _, row := range rows {
		err = batch.Append(
			row.Timestamp,
			row.TraceID,
			row.SpanID,
			row.ParentSpanID,
			row.SessionID,
			row.Name,
			row.Kind,
			row.DurationNs,
			row.Status,
			row.Attributes,
			row.ResourceAttrs,
		)
		if err != nil {
			return err
		}
	}

	return batch.Send()
}

// Close stops the flush loop, flushes remaining rows, and closes the
// connection.
func (a *Archive) Close() error {
	var closeErr error
	a.closeOnce.Do(func() {
		close(a.stopCh)

		done := make(chan struct{})
		go func() {
			a.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(defaultShutdownWait):
			a.logger.Warn("flush loop did not stop within timeout")
		}

		a.mu.Lock()
		a.flushLocked()
		a.mu.Unlock()

		closeErr = a.conn.Close()
	})
	return closeErr
}
