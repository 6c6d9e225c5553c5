// ABOUTME: In-memory channel fan-out for relay events with a per-channel replay buffer
// ABOUTME: Replays recent events to new subscribers and evicts subscribers that fall behind

package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-support/internal/dedupe"
)

const (
	// subscriberBufferSize is the live-event headroom per subscriber on top
	// of the replay buffer.
	subscriberBufferSize = 64

	// DefaultReplaySize is how many recent events per channel are redelivered
	// to every new subscriber.
	DefaultReplaySize = 50

	publishDedupeTTL  = 5 * time.Minute
	publishDedupeSize = 100_000
)

// subscription is one subscriber's stream. done is closed alongside ch so
// the context watcher exits on every removal path.
type subscription struct {
	ch   chan Event
	done chan struct{}
}

// HubConfig configures a Hub.
type HubConfig struct {
	ReplaySize int
	Logger     *slog.Logger
}

// Hub provides in-memory pub/sub keyed by channel name. A subscriber that
// cannot keep up is evicted (its channel closed) rather than silently
// missing events; it reconnects and receives the replay buffer.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]*subscription // channel -> subID -> sub
	replay      map[string][]Event                  // channel -> most recent events, oldest first
	replaySize  int
	seen        *dedupe.Cache
	closed      bool
	logger      *slog.Logger
}

// NewHub creates a hub.
func NewHub(cfg HubConfig) *Hub {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReplaySize < 0 {
		cfg.ReplaySize = 0
	}
	return &Hub{
		subscribers: make(map[string]map[string]*subscription),
		replay:      make(map[string][]Event),
		replaySize:  cfg.ReplaySize,
		seen:        dedupe.New(dedupe.Options{TTL: publishDedupeTTL, MaxSize: publishDedupeSize}),
		logger:      logger.With("component", "relay-hub"),
	}
}

// Subscribe registers a subscriber on channel. The returned stream starts
// with the channel's replay buffer, then carries live events. It is closed
// on Unsubscribe, ctx cancellation, eviction, or hub Close.
func (h *Hub) Subscribe(ctx context.Context, channel string) (<-chan Event, string) {
	subID := uuid.New().String()
	ch := make(chan Event, h.replaySize+subscriberBufferSize)
	sub := &subscription{ch: ch, done: make(chan struct{})}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, subID
	}
	for _, ev := range h.replay[channel] {
		ch <- ev
	}
	if _, ok := h.subscribers[channel]; !ok {
		h.subscribers[channel] = make(map[string]*subscription)
	}
	h.subscribers[channel][subID] = sub
	h.mu.Unlock()

	h.logger.Debug("subscriber added", "channel", channel, "sub_id", subID)

	go func() {
		select {
		case <-ctx.Done():
			h.Unsubscribe(channel, subID)
		case <-sub.done:
		}
	}()

	return ch, subID
}

// Publish fans an event out to every subscriber of its channel. An event ID
// already published on the channel within the dedupe window is dropped.
// Never blocks on slow subscribers.
func (h *Hub) Publish(_ context.Context, event Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrHubClosed
	}

	if h.seen.Observe(dedupe.Key(event.Channel, event.ID)) {
		h.logger.Debug("dropped duplicate publish", "channel", event.Channel, "event_id", event.ID)
		return nil
	}

	if h.replaySize > 0 {
		buf := append(h.replay[event.Channel], event)
		if len(buf) > h.replaySize {
			buf = buf[len(buf)-h.replaySize:]
		}
		h.replay[event.Channel] = buf
	}

	for subID, sub := range h.subscribers[event.Channel] {
		select {
		case sub.ch <- event:
		default:
			// Subscriber channel full: evict so it resyncs instead of missing events
			h.logger.Warn("evicting slow subscriber", "channel", event.Channel, "sub_id", subID)
			h.removeLocked(event.Channel, subID)
		}
	}

	return nil
}

// Unsubscribe removes a subscription and closes its stream.
func (h *Hub) Unsubscribe(channel, subID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.removeLocked(channel, subID) {
		h.logger.Debug("subscriber removed", "channel", channel, "sub_id", subID)
	}
}

func (h *Hub) removeLocked(channel, subID string) bool {
	subs, ok := h.subscribers[channel]
	if !ok {
		return false
	}
	sub, ok := subs[subID]
	if !ok {
		return false
	}

	delete(subs, subID)
	sub.close()

	if len(subs) == 0 {
		delete(h.subscribers, channel)
	}
	return true
}

// SubscriberCount returns the number of live subscribers on channel.
func (h *Hub) SubscriberCount(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[channel])
}

// Close shuts down the hub and closes all subscriber streams.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true

	for channel, subs := range h.subscribers {
		for subID, sub := range subs {
			sub.close()
			delete(subs, subID)
		}
		delete(h.subscribers, channel)
	}
	h.seen.Close()

	h.logger.Debug("relay hub closed")
}

func (s *subscription) close() {
	close(s.ch)
	close(s.done)
}

// Verify Hub implements Publisher
var _ Publisher = (*Hub)(nil)
