// ABOUTME: JSON shapes shared by the HTTP API, its client, and relay event payloads
// ABOUTME: Keeps store types free of serialization concerns

package wire

import (
	"time"

	"github.com/2389/coven-support/internal/store"
)

// Message is the JSON form of a persisted message. It is the payload of
// relay "message" events and the element type of every history response.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	SenderType     string    `json:"sender_type"`
	Body           string    `json:"body"`
	CreatedAt      time.Time `json:"created_at"`
}

// FromStore converts a store message.
func FromStore(m *store.Message) Message {
	return Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderType:     string(m.SenderType),
		Body:           m.Body,
		CreatedAt:      m.CreatedAt,
	}
}

// FromStoreList converts a history slice, never returning nil.
func FromStoreList(msgs []*store.Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, FromStore(m))
	}
	return out
}

// ToStore converts back to the store representation.
func (m Message) ToStore() *store.Message {
	return &store.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderType:     store.SenderType(m.SenderType),
		Body:           m.Body,
		CreatedAt:      m.CreatedAt,
	}
}

// CreateConversationResponse is the body of POST /conversation.
type CreateConversationResponse struct {
	ConversationID string `json:"conversation_id"`
}

// MessagesResponse is the body of GET /conversation and GET /admin/messages/{id}.
type MessagesResponse struct {
	ConversationID string    `json:"conversation_id"`
	Status         string    `json:"status"`
	Messages       []Message `json:"messages"`
}

// SendRequest is the body of POST /send and POST /admin/send.
type SendRequest struct {
	ConversationID string `json:"conversation_id"`
	Body           string `json:"body"`
}

// SendResponse is the body of a send. Error is set when the message was
// persisted but could not be broadcast.
type SendResponse struct {
	Message Message `json:"message"`
	Error   string  `json:"error,omitempty"`
}

// TokenRequest is the body of POST /token.
type TokenRequest struct {
	ConversationID string `json:"conversation_id"`
	IsAdmin        bool   `json:"is_admin"`
	AdminID        string `json:"admin_id,omitempty"`
}

// TokenResponse is the body returned by POST /token.
type TokenResponse struct {
	Token     string    `json:"token"`
	Channel   string    `json:"channel"`
	Role      string    `json:"role"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CloseRequest is the body of POST /admin/close.
type CloseRequest struct {
	ConversationID string `json:"conversation_id"`
}

// ConversationSummary is one entry of GET /admin/conversations.
type ConversationSummary struct {
	ID        string    `json:"id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// ConversationsResponse is the body of GET /admin/conversations.
type ConversationsResponse struct {
	Conversations []ConversationSummary `json:"conversations"`
}

// ErrorResponse is the body of every 4xx/5xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// Error codes carried in ErrorResponse.Code so clients can map failures
// back to typed errors without parsing messages.
const (
	CodeValidation          = "validation"
	CodeConversationClosed  = "conversation_closed"
	CodeNotFound            = "not_found"
	CodeUnauthorized        = "unauthorized"
	CodeIdentityUnavailable = "identity_unavailable"
	CodeTokenService        = "token_service"
	CodeStore               = "store"
	CodeTransport           = "transport"
)
