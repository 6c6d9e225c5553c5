// ABOUTME: Tests for the conversation lifecycle service
// ABOUTME: Covers persist-then-broadcast, validation, monotonic close, and failure taxonomy

package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-support/internal/capability"
	"github.com/2389/coven-support/internal/relay"
	"github.com/2389/coven-support/internal/store"
	"github.com/2389/coven-support/internal/wire"
)

// recordingPublisher captures published events and can be told to fail.
type recordingPublisher struct {
	mu     sync.Mutex
	events []relay.Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, ev relay.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Events() []relay.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]relay.Event(nil), p.events...)
}

// brokenStore fails every call with a generic error.
type brokenStore struct {
	store.Store
}

var errDiskFull = errors.New("disk full")

func (brokenStore) CreateConversation(context.Context) (*store.Conversation, error) {
	return nil, errDiskFull
}

func (brokenStore) GetConversation(context.Context, string) (*store.Conversation, error) {
	return nil, errDiskFull
}

func newTestService(t *testing.T) (*Service, *store.MemoryStore, *recordingPublisher) {
	t.Helper()
	s := store.NewMemoryStore()
	pub := &recordingPublisher{}
	return New(s, pub, nil), s, pub
}

func TestService_CreateStartsOpenAndEmpty(t *testing.T) {
	svc, _, _ := newTestService(t)

	conv, err := svc.Create(t.Context())
	require.NoError(t, err)
	assert.NotEmpty(t, conv.ID)
	assert.Equal(t, store.StatusOpen, conv.Status)

	history, err := svc.LoadHistory(t.Context(), conv.ID, capability.RoleVisitor)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestService_CreateStoreFailure(t *testing.T) {
	svc := New(brokenStore{}, &recordingPublisher{}, nil)

	_, err := svc.Create(t.Context())
	var storeErr *StoreError
	require.ErrorAs(t, err, &storeErr)
	assert.ErrorIs(t, err, errDiskFull)
}

func TestService_AppendPersistsThenBroadcasts(t *testing.T) {
	svc, _, pub := newTestService(t)
	conv, err := svc.Create(t.Context())
	require.NoError(t, err)

	msg, err := svc.AppendMessage(t.Context(), conv.ID, store.SenderVisitor, "  hello  ")
	require.NoError(t, err)
	assert.Equal(t, "hello", msg.Body, "body is trimmed")
	assert.NotEmpty(t, msg.ID)

	events := pub.Events()
	require.Len(t, events, 1)
	assert.Equal(t, msg.ID, events[0].ID)
	assert.Equal(t, capability.ChannelName(conv.ID), events[0].Channel)
	assert.Equal(t, relay.EventMessage, events[0].Name)

	var payload wire.Message
	require.NoError(t, json.Unmarshal(events[0].Data, &payload))
	assert.Equal(t, msg.ID, payload.ID)
	assert.Equal(t, "hello", payload.Body)
	assert.Equal(t, "visitor", payload.SenderType)

	history, err := svc.LoadHistory(t.Context(), conv.ID, capability.RoleAgent)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, msg.ID, history[0].ID)
}

func TestService_AppendRejectsEmptyBody(t *testing.T) {
	svc, _, pub := newTestService(t)
	conv, err := svc.Create(t.Context())
	require.NoError(t, err)

	for _, body := range []string{"", "   ", "\n\t"} {
		_, err := svc.AppendMessage(t.Context(), conv.ID, store.SenderAgent, body)
		var vErr *ValidationError
		require.ErrorAs(t, err, &vErr, "body %q", body)
		assert.ErrorIs(t, err, ErrEmptyBody)
	}

	history, err := svc.LoadHistory(t.Context(), conv.ID, capability.RoleAgent)
	require.NoError(t, err)
	assert.Empty(t, history)
	assert.Empty(t, pub.Events())
}

func TestService_AppendRejectsUnknownSender(t *testing.T) {
	svc, _, _ := newTestService(t)
	conv, err := svc.Create(t.Context())
	require.NoError(t, err)

	_, err = svc.AppendMessage(t.Context(), conv.ID, store.SenderType("bot"), "hi")
	var vErr *ValidationError
	assert.ErrorAs(t, err, &vErr)
}

func TestService_AppendToUnknownConversation(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.AppendMessage(t.Context(), "missing", store.SenderVisitor, "hi")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_BroadcastFailureKeepsMessage(t *testing.T) {
	svc, _, pub := newTestService(t)
	conv, err := svc.Create(t.Context())
	require.NoError(t, err)

	pub.err = errors.New("relay down")
	msg, err := svc.AppendMessage(t.Context(), conv.ID, store.SenderVisitor, "still saved")

	var tErr *TransportError
	require.ErrorAs(t, err, &tErr)
	require.NotNil(t, msg)
	assert.Equal(t, msg, tErr.Message)

	history, err := svc.LoadHistory(t.Context(), conv.ID, capability.RoleVisitor)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, msg.ID, history[0].ID)
}

func TestService_CloseIsMonotonicAndBroadcastsOnce(t *testing.T) {
	svc, _, pub := newTestService(t)
	conv, err := svc.Create(t.Context())
	require.NoError(t, err)

	require.NoError(t, svc.Close(t.Context(), conv.ID))
	require.NoError(t, svc.Close(t.Context(), conv.ID))

	events := pub.Events()
	require.Len(t, events, 1)
	assert.Equal(t, relay.EventConversationClosed, events[0].Name)
	assert.Equal(t, capability.ChannelName(conv.ID), events[0].Channel)

	got, err := svc.Get(t.Context(), conv.ID)
	require.NoError(t, err)
	assert.True(t, got.IsClosed())
	assert.NotNil(t, got.ClosedAt)
}

func TestService_AppendAfterCloseRejected(t *testing.T) {
	svc, _, pub := newTestService(t)
	conv, err := svc.Create(t.Context())
	require.NoError(t, err)
	require.NoError(t, svc.Close(t.Context(), conv.ID))

	_, err = svc.AppendMessage(t.Context(), conv.ID, store.SenderVisitor, "too late")
	assert.ErrorIs(t, err, ErrConversationClosed)

	history, err := svc.LoadHistory(t.Context(), conv.ID, capability.RoleVisitor)
	require.NoError(t, err)
	assert.Empty(t, history)
	assert.Len(t, pub.Events(), 1, "only the close event was broadcast")
}

func TestService_CloseUnknownConversation(t *testing.T) {
	svc, _, _ := newTestService(t)
	assert.ErrorIs(t, svc.Close(t.Context(), "missing"), ErrNotFound)
}

func TestService_CloseBroadcastFailure(t *testing.T) {
	svc, _, pub := newTestService(t)
	conv, err := svc.Create(t.Context())
	require.NoError(t, err)

	pub.err = errors.New("relay down")
	var tErr *TransportError
	require.ErrorAs(t, svc.Close(t.Context(), conv.ID), &tErr)

	got, err := svc.Get(t.Context(), conv.ID)
	require.NoError(t, err)
	assert.True(t, got.IsClosed(), "close is durable even when the broadcast fails")
}

func TestService_LoadHistoryUnknownConversation(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.LoadHistory(t.Context(), "missing", capability.RoleVisitor)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_LoadHistoryStoreFailure(t *testing.T) {
	svc := New(brokenStore{}, &recordingPublisher{}, nil)
	_, err := svc.LoadHistory(t.Context(), "c1", capability.RoleVisitor)
	var storeErr *StoreError
	assert.ErrorAs(t, err, &storeErr)
}

func TestService_ListOpenExcludesClosed(t *testing.T) {
	svc, _, _ := newTestService(t)
	a, err := svc.Create(t.Context())
	require.NoError(t, err)
	b, err := svc.Create(t.Context())
	require.NoError(t, err)
	require.NoError(t, svc.Close(t.Context(), a.ID))

	open, err := svc.ListOpen(t.Context(), 0)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, b.ID, open[0].ID)
}

func TestService_WithRealHub(t *testing.T) {
	hub := relay.NewHub(relay.HubConfig{ReplaySize: 10})
	defer hub.Close()
	svc := New(store.NewMemoryStore(), hub, nil)

	conv, err := svc.Create(t.Context())
	require.NoError(t, err)

	msg, err := svc.AppendMessage(t.Context(), conv.ID, store.SenderAgent, "hi there")
	require.NoError(t, err)

	// A late subscriber still gets the message from the replay buffer
	stream, _ := hub.Subscribe(t.Context(), capability.ChannelName(conv.ID))
	ev := <-stream
	assert.Equal(t, msg.ID, ev.ID)
}

func TestService_CloseEventIDIsNotGuessable(t *testing.T) {
	hub := relay.NewHub(relay.HubConfig{ReplaySize: 10})
	defer hub.Close()
	svc := New(store.NewMemoryStore(), hub, nil)

	conv, err := svc.Create(t.Context())
	require.NoError(t, err)
	channel := capability.ChannelName(conv.ID)

	// An ID picked from the conversation ID must not shadow the close event
	require.NoError(t, hub.Publish(t.Context(), relay.Event{ID: "closed:" + conv.ID, Channel: channel, Name: relay.EventMessage}))
	require.NoError(t, svc.Close(t.Context(), conv.ID))

	stream, _ := hub.Subscribe(t.Context(), channel)
	first := <-stream
	second := <-stream
	assert.Equal(t, relay.EventMessage, first.Name)
	assert.Equal(t, relay.EventConversationClosed, second.Name)
	assert.NotContains(t, second.ID, conv.ID)
}
