// Package bus defines the live notification bus that relays newly
// appended session events to stream subscribers.
package bus

import (
	"context"
	"log"
	"sync"
)

// QueueSize is the per-subscriber notification queue capacity. When a
// subscriber's queue is full the newest notification is dropped; only
// the persisted log is gap-free.
const QueueSize = 100

// ChannelPrefix namespaces notification channels by session id.
const ChannelPrefix = "ark_sessions_"

// SessionChannel returns the notification channel name for a session.
func SessionChannel(sessionID string) string {
	return ChannelPrefix + sessionID
}

// Bus delivers serialized event payloads to channel subscribers. The
// Postgres implementation rides LISTEN/NOTIFY; the in-process
// implementation fans out over Go channels for backends without
// database-native pub/sub.
type Bus interface {
	// Publish sends payload to all current subscribers of channel.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe registers interest in channel. The caller must call
	// Close on the returned subscription on every exit path.
	Subscribe(ctx context.Context, channel string) (*Subscription, error)

	// Shutdown force-closes all active subscriptions.
	Shutdown(ctx context.Context) error
}

// Subscription is one subscriber's view of a channel.
type Subscription struct {
	ch      chan []byte
	close   func()
	once    sync.Once
	channel string
}

// NewSubscription wraps a delivery channel and a cleanup func. Intended
// for Bus implementations.
func NewSubscription(channel string, ch chan []byte, closeFn func()) *Subscription {
	return &Subscription{ch: ch, close: closeFn, channel: channel}
}

// C returns the delivery channel. It is closed when the subscription
// ends.
func (s *Subscription) C() <-chan []byte {
	return s.ch
}

// Channel returns the channel name this subscription listens on.
func (s *Subscription) Channel() string {
	return s.channel
}

// Close tears the subscription down. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(s.close)
}

// Memory is an in-process fan-out bus. It backs the sqlite storage
// backend, where the store publishes after commit instead of a
// database trigger.
type Memory struct {
	mu   sync.RWMutex
	subs map[string]map[*Subscription]chan []byte
}

// NewMemory creates an in-process bus.
func NewMemory() *Memory {
	return &Memory{subs: make(map[string]map[*Subscription]chan []byte)}
}

// Publish delivers payload to every subscriber of channel. Full queues
// drop the notification with a warning.
func (m *Memory) Publish(ctx context.Context, channel string, payload []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, ch := range m.subs[channel] {
		select {
		case ch <- payload:
		default:
			log.Printf("notification queue full for %s, dropping event", channel)
		}
	}
	return nil
}

// Subscribe registers a new subscriber on channel.
func (m *Memory) Subscribe(ctx context.Context, channel string) (*Subscription, error) {
	ch := make(chan []byte, QueueSize)

	var sub *Subscription
	sub = NewSubscription(channel, ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if set, ok := m.subs[channel]; ok {
			if _, ok := set[sub]; ok {
				delete(set, sub)
				close(ch)
			}
			if len(set) == 0 {
				delete(m.subs, channel)
			}
		}
	})

	m.mu.Lock()
	if m.subs[channel] == nil {
		m.subs[channel] = make(map[*Subscription]chan []byte)
	}
	m.subs[channel][sub] = ch
	m.mu.Unlock()

	return sub, nil
}

// Shutdown closes every active subscription.
func (m *Memory) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	subs := make([]*Subscription, 0)
	for _, set := range m.subs {
		for sub := range set {
			subs = append(subs, sub)
		}
	}
	m.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	return nil
}
