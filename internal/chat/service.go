// ABOUTME: Service owns conversation lifecycle: create, history, append, and close
// ABOUTME: Every message is persisted before it is broadcast on the conversation channel

package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/2389/coven-support/internal/capability"
	"github.com/2389/coven-support/internal/relay"
	"github.com/2389/coven-support/internal/store"
	"github.com/2389/coven-support/internal/wire"
)

// DefaultListLimit caps ListOpen when the caller passes no limit.
const DefaultListLimit = 100

// Service is the only writer of conversation status.
type Service struct {
	store     store.Store
	publisher relay.Publisher
	logger    *slog.Logger
}

// New creates a conversation service.
func New(s store.Store, publisher relay.Publisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     s,
		publisher: publisher,
		logger:    logger.With("component", "chat"),
	}
}

// Create starts a new open conversation with no messages.
func (s *Service) Create(ctx context.Context) (*store.Conversation, error) {
	conv, err := s.store.CreateConversation(ctx)
	if err != nil {
		return nil, storeErr("create conversation", err)
	}
	s.logger.Info("conversation created", "conversation_id", conv.ID)
	return conv, nil
}

// Get returns a conversation's current state.
func (s *Service) Get(ctx context.Context, conversationID string) (*store.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, storeErr("get conversation", err)
	}
	return conv, nil
}

// LoadHistory returns the conversation's messages oldest first. Both roles
// see the same history; role is recorded for auditing only.
func (s *Service) LoadHistory(ctx context.Context, conversationID string, role capability.Role) ([]*store.Message, error) {
	if _, err := s.store.GetConversation(ctx, conversationID); err != nil {
		return nil, storeErr("get conversation", err)
	}
	msgs, err := s.store.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, storeErr("list messages", err)
	}
	s.logger.Debug("history loaded", "conversation_id", conversationID, "role", role, "count", len(msgs))
	return msgs, nil
}

// AppendMessage trims and persists body, then broadcasts it as a "message"
// event. When the broadcast fails the persisted message is still returned,
// alongside a *TransportError.
func (s *Service) AppendMessage(ctx context.Context, conversationID string, sender store.SenderType, body string) (*store.Message, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, &ValidationError{Field: "body", Err: ErrEmptyBody}
	}
	if !sender.Valid() {
		return nil, &ValidationError{Field: "sender_type", Err: fmt.Errorf("unknown sender %q", sender)}
	}

	msg, err := s.store.SaveMessage(ctx, &store.NewMessage{
		ConversationID: conversationID,
		SenderType:     sender,
		Body:           body,
	})
	if err != nil {
		return nil, storeErr("save message", err)
	}

	s.logger.Debug("message recorded",
		"conversation_id", conversationID,
		"message_id", msg.ID,
		"sender", sender)

	data, err := json.Marshal(wire.FromStore(msg))
	if err != nil {
		return msg, &TransportError{Event: relay.EventMessage, Message: msg, Err: err}
	}
	event := relay.Event{
		ID:      msg.ID,
		Channel: capability.ChannelName(conversationID),
		Name:    relay.EventMessage,
		Data:    data,
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Error("message persisted but broadcast failed",
			"conversation_id", conversationID,
			"message_id", msg.ID,
			"error", err)
		return msg, &TransportError{Event: relay.EventMessage, Message: msg, Err: err}
	}

	return msg, nil
}

// Close marks the conversation closed. Only the call that performs the
// transition broadcasts "conversation_closed"; later calls are no-ops.
func (s *Service) Close(ctx context.Context, conversationID string) error {
	changed, err := s.store.CloseConversation(ctx, conversationID)
	if err != nil {
		return storeErr("close conversation", err)
	}
	if !changed {
		s.logger.Debug("conversation already closed", "conversation_id", conversationID)
		return nil
	}

	s.logger.Info("conversation closed", "conversation_id", conversationID)

	event := relay.Event{
		ID:      uuid.NewString(),
		Channel: capability.ChannelName(conversationID),
		Name:    relay.EventConversationClosed,
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Error("conversation closed but broadcast failed", "conversation_id", conversationID, "error", err)
		return &TransportError{Event: relay.EventConversationClosed, Err: err}
	}
	return nil
}

// ListOpen returns open conversations, oldest first, for the agent queue.
func (s *Service) ListOpen(ctx context.Context, limit int) ([]*store.Conversation, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	convs, err := s.store.ListOpenConversations(ctx, limit)
	if err != nil {
		return nil, storeErr("list conversations", err)
	}
	return convs, nil
}
