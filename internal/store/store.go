// ABOUTME: Store interface and data types for support conversation persistence
// ABOUTME: Defines Conversation and Message structs plus the Store contract

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrConversationClosed is returned when a message is appended to a closed conversation
var ErrConversationClosed = errors.New("conversation closed")

// ConversationStatus is the lifecycle state of a conversation.
// The only legal transition is open -> closed.
type ConversationStatus string

const (
	StatusOpen   ConversationStatus = "open"
	StatusClosed ConversationStatus = "closed"
)

// SenderType identifies which side of the conversation wrote a message.
type SenderType string

const (
	SenderVisitor SenderType = "visitor"
	SenderAgent   SenderType = "agent"
)

// Valid reports whether the sender type is one of the known values.
func (s SenderType) Valid() bool {
	return s == SenderVisitor || s == SenderAgent
}

// Conversation is a persistent thread between one visitor and the support team.
type Conversation struct {
	ID        string
	Status    ConversationStatus
	CreatedAt time.Time
	ClosedAt  *time.Time
}

// IsClosed reports whether the conversation has been closed.
func (c *Conversation) IsClosed() bool {
	return c.Status == StatusClosed
}

// Message is a single immutable chat message. ID and CreatedAt are always
// assigned by the store, never by the caller.
type Message struct {
	ID             string
	ConversationID string
	SenderType     SenderType
	Body           string
	CreatedAt      time.Time
}

// NewMessage is the caller-supplied part of a message.
type NewMessage struct {
	ConversationID string
	SenderType     SenderType
	Body           string
}

// Store defines the interface for conversation and message persistence
type Store interface {
	// CreateConversation persists a new open conversation and returns it.
	CreateConversation(ctx context.Context) (*Conversation, error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListOpenConversations(ctx context.Context, limit int) ([]*Conversation, error)

	// CloseConversation marks a conversation closed. Returns true only for the
	// call that performed the transition; closing again returns false, nil.
	CloseConversation(ctx context.Context, id string) (bool, error)

	// SaveMessage assigns ID and CreatedAt and persists the message.
	// Returns ErrNotFound for unknown conversations and ErrConversationClosed
	// when the conversation is no longer open.
	SaveMessage(ctx context.Context, msg *NewMessage) (*Message, error)

	// ListMessages returns a conversation's messages ordered by CreatedAt, then ID.
	ListMessages(ctx context.Context, conversationID string) ([]*Message, error)

	// Close releases any resources held by the store
	Close() error
}
