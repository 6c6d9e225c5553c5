// ABOUTME: Per-session message list with dedupe-by-ID, ordering, and closed tracking
// ABOUTME: Pure state with no I/O; the widget controller drives it from one goroutine

package session

import (
	"sort"
	"sync"

	"github.com/2389/coven-support/internal/store"
	"github.com/2389/coven-support/internal/transport"
	"github.com/2389/coven-support/internal/wire"
)

// Snapshot is an immutable copy of a session's visible state.
type Snapshot struct {
	ConversationID string
	Messages       []wire.Message
	Connection     transport.State
	Connected      bool
	Closed         bool
	Loading        bool
	Err            error
}

// State holds the messages one session has seen.
type State struct {
	mu             sync.Mutex
	conversationID string
	messages       []wire.Message
	seen           map[string]struct{}
	connection     transport.State
	closed         bool
	loading        bool
	err            error
}

// New creates an empty session state for conversationID. An empty ID means
// the conversation is not known yet; see SetConversation.
func New(conversationID string) *State {
	return &State{
		conversationID: conversationID,
		seen:           make(map[string]struct{}),
		connection:     transport.StateDisconnected,
	}
}

// SetConversation binds the state to a conversation once it is known.
func (s *State) SetConversation(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversationID = id
}

// OnInboundMessage applies a delivered message. A message already seen, or
// one for another conversation, is ignored. Reports whether the list changed.
func (s *State) OnInboundMessage(msg wire.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyLocked(msg)
}

// Seed applies loaded history through the same dedupe path as live events.
// Returns the number of messages added.
func (s *State) Seed(history []wire.Message) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	added := 0
	for _, msg := range history {
		if s.applyLocked(msg) {
			added++
		}
	}
	return added
}

func (s *State) applyLocked(msg wire.Message) bool {
	if msg.ID == "" {
		return false
	}
	if s.conversationID != "" && msg.ConversationID != "" && msg.ConversationID != s.conversationID {
		return false
	}
	if _, ok := s.seen[msg.ID]; ok {
		return false
	}
	s.seen[msg.ID] = struct{}{}

	// Insert after every message that sorts at or before msg. In-order
	// arrivals append; a late history entry lands in its chronological slot.
	i := sort.Search(len(s.messages), func(i int) bool {
		return less(msg, s.messages[i])
	})
	s.messages = append(s.messages, wire.Message{})
	copy(s.messages[i+1:], s.messages[i:])
	s.messages[i] = msg
	return true
}

func less(a, b wire.Message) bool {
	return store.Less(a.ToStore(), b.ToStore())
}

// OnConversationClosed marks the conversation closed. Messages are kept.
// Reports whether this call changed anything.
func (s *State) OnConversationClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	return true
}

// OnConnectionStateChanged records the transport state. It never touches
// messages or the closed flag.
func (s *State) OnConnectionStateChanged(state transport.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connection = state
}

// SetLoading toggles the loading indicator for the init chain.
func (s *State) SetLoading(loading bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loading = loading
}

// SetError records a banner error; nil clears it.
func (s *State) SetError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Seen reports whether a message ID has been applied.
func (s *State) Seen(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[id]
	return ok
}

// Snapshot returns a copy safe to hand to another goroutine.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := make([]wire.Message, len(s.messages))
	copy(msgs, s.messages)
	return Snapshot{
		ConversationID: s.conversationID,
		Messages:       msgs,
		Connection:     s.connection,
		Connected:      s.connection == transport.StateConnected,
		Closed:         s.closed,
		Loading:        s.loading,
		Err:            s.err,
	}
}
