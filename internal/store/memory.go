// ABOUTME: In-memory Store implementation for tests and ephemeral gateways
// ABOUTME: Selected when database.path is ":memory:"; mirrors SQLiteStore semantics

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store implementation.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation // keyed by conversation ID
	messages      map[string][]*Message    // keyed by conversation ID, kept sorted
	now           func() time.Time
}

// NewMemoryStore creates a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]*Message),
		now:           time.Now,
	}
}

// CreateConversation stores a new open conversation.
func (m *MemoryStore) CreateConversation(ctx context.Context) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv := &Conversation{
		ID:        uuid.New().String(),
		Status:    StatusOpen,
		CreatedAt: m.now().UTC(),
	}
	m.conversations[conv.ID] = conv

	// Return a copy to avoid external modification
	result := *conv
	return &result, nil
}

// GetConversation retrieves a conversation by ID.
func (m *MemoryStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}

	result := *conv
	return &result, nil
}

// ListOpenConversations returns open conversations, oldest first.
func (m *MemoryStore) ListOpenConversations(ctx context.Context, limit int) ([]*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Conversation
	for _, conv := range m.conversations {
		if conv.Status != StatusOpen {
			continue
		}
		c := *conv
		result = append(result, &c)
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// CloseConversation transitions an open conversation to closed.
func (m *MemoryStore) CloseConversation(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[id]
	if !ok {
		return false, ErrNotFound
	}
	if conv.Status == StatusClosed {
		return false, nil
	}

	closedAt := m.now().UTC()
	conv.Status = StatusClosed
	conv.ClosedAt = &closedAt
	return true, nil
}

// SaveMessage assigns ID and timestamp and appends the message.
func (m *MemoryStore) SaveMessage(ctx context.Context, msg *NewMessage) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[msg.ConversationID]
	if !ok {
		return nil, ErrNotFound
	}
	if conv.Status == StatusClosed {
		return nil, ErrConversationClosed
	}

	saved := &Message{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: msg.ConversationID,
		SenderType:     msg.SenderType,
		Body:           msg.Body,
		CreatedAt:      m.now().UTC(),
	}

	msgs := append(m.messages[msg.ConversationID], saved)
	sort.SliceStable(msgs, func(i, j int) bool {
		return Less(msgs[i], msgs[j])
	})
	m.messages[msg.ConversationID] = msgs

	result := *saved
	return &result, nil
}

// ListMessages returns copies of a conversation's messages in order.
func (m *MemoryStore) ListMessages(ctx context.Context, conversationID string) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.conversations[conversationID]; !ok {
		return nil, ErrNotFound
	}

	msgs := m.messages[conversationID]
	result := make([]*Message, len(msgs))
	for i, msg := range msgs {
		c := *msg
		result[i] = &c
	}
	return result, nil
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error {
	return nil
}

// Less orders messages by CreatedAt, then ID. It is the single ordering
// used for history replay and live merges.
func Less(a, b *Message) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID < b.ID
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// Verify MemoryStore implements Store
var _ Store = (*MemoryStore)(nil)

// Verify SQLiteStore implements Store
var _ Store = (*SQLiteStore)(nil)
