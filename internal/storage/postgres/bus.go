package postgres

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/antoatta85/agents-at-scale-ark/internal/bus"
	"github.com/jackc/pgx/v5"
)

// Bus delivers notifications through postgres LISTEN/NOTIFY. Each
// subscription holds a dedicated connection; the insert trigger on
// session_events does the publishing, so events written by any process
// sharing the database reach every listener.
type Bus struct {
	databaseURL string

	// Publishing uses a single shared connection.
	pubMu   sync.Mutex
	pubConn *pgx.Conn

	mu        sync.Mutex
	listeners map[*pgx.Conn]context.CancelFunc
	closed    bool
}

// NewBus connects a publishing connection and verifies the database is
// reachable for listeners.
func NewBus(ctx context.Context, databaseURL string) (*Bus, error) {
	conn, err := pgx.Connect(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connecting publisher: %w", err)
	}
	return &Bus{
		databaseURL: databaseURL,
		pubConn:     conn,
		listeners:   make(map[*pgx.Conn]context.CancelFunc),
	}, nil
}

// Publish sends a payload on a channel via pg_notify. Most events are
// published by the insert trigger instead; this path exists for
// out-of-band notifications.
func (b *Bus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	if _, err := b.pubConn.Exec(ctx, "SELECT pg_notify($1, $2)", channel, string(payload)); err != nil {
		return fmt.Errorf("pg_notify: %w", err)
	}
	return nil
}

// Subscribe opens a dedicated connection, LISTENs on the channel, and
// starts a reader goroutine. Notifications that arrive while the
// subscriber's buffer is full are dropped with a warning.
func (b *Bus) Subscribe(ctx context.Context, channel string) (*bus.Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("bus is shut down")
	}
	b.mu.Unlock()

	conn, err := pgx.Connect(ctx, b.databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connecting listener: %w", err)
	}

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("listening on %s: %w", channel, err)
	}

	listenCtx, cancel := context.WithCancel(context.Background())

	b.mu.Lock()
	b.listeners[conn] = cancel
	b.mu.Unlock()

	ch := make(chan []byte, bus.QueueSize)
	sub := bus.NewSubscription(channel, ch, cancel)

	go b.listen(listenCtx, conn, channel, ch)
	return sub, nil
}

// listen reads notifications until the subscription is cancelled, then
// unlistens and closes the connection.
func (b *Bus) listen(ctx context.Context, conn *pgx.Conn, channel string, ch chan []byte) {
	defer func() {
		b.mu.Lock()
		delete(b.listeners, conn)
		b.mu.Unlock()

		cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.Exec(cleanupCtx, "UNLISTEN *"); err != nil {
			log.Printf("Failed to unlisten %s: %v", channel, err)
		}
		conn.Close(cleanupCtx)
		close(ch)
	}()

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("Listener for %s stopped: %v", channel, err)
			}
			return
		}
		select {
		case ch <- []byte(notification.Payload):
		default:
			log.Printf("Subscriber buffer full on %s, dropping notification", channel)
		}
	}
}

// Shutdown cancels every listener and closes the publishing connection.
func (b *Bus) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	cancels := make([]context.CancelFunc, 0, len(b.listeners))
	for _, cancel := range b.listeners {
		cancels = append(cancels, cancel)
	}
	b.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}

	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	return b.pubConn.Close(ctx)
}
