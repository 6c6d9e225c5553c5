// ABOUTME: Tests for the HTTP API handlers through the typed client
// ABOUTME: Covers status code mapping, agent auth, token issuance, and closing

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-support/internal/capability"
	"github.com/2389/coven-support/internal/client"
	"github.com/2389/coven-support/internal/store"
	"github.com/2389/coven-support/internal/wire"
)

type apiHarness struct {
	gw      *Gateway
	ts      *httptest.Server
	visitor *client.Client
	agent   *client.Client
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	gw := newTestGateway(t)
	ts := httptest.NewServer(gw.Handler())
	t.Cleanup(ts.Close)

	identity, err := gw.IssueIdentityToken("agent-1", "Ada", time.Hour)
	require.NoError(t, err)

	return &apiHarness{
		gw:      gw,
		ts:      ts,
		visitor: client.New(ts.URL),
		agent:   client.New(ts.URL, client.WithIdentityToken(identity)),
	}
}

func TestAPI_CreateAndHistory(t *testing.T) {
	h := newAPIHarness(t)
	ctx := t.Context()

	id, err := h.visitor.CreateConversation(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	history, err := h.visitor.History(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, history.ConversationID)
	assert.Equal(t, "open", history.Status)
	assert.NotNil(t, history.Messages)
	assert.Empty(t, history.Messages)
}

func TestAPI_SendVisibleToBothSides(t *testing.T) {
	h := newAPIHarness(t)
	ctx := t.Context()

	id, err := h.visitor.CreateConversation(ctx)
	require.NoError(t, err)

	m1, err := h.visitor.Send(ctx, id, "hello")
	require.NoError(t, err)
	assert.Equal(t, "visitor", m1.SenderType)

	m2, err := h.agent.AdminSend(ctx, id, "hi, how can I help?")
	require.NoError(t, err)
	assert.Equal(t, "agent", m2.SenderType)

	visitorView, err := h.visitor.History(ctx, id)
	require.NoError(t, err)
	agentView, err := h.agent.AdminHistory(ctx, id)
	require.NoError(t, err)

	require.Len(t, visitorView.Messages, 2)
	assert.Equal(t, visitorView.Messages, agentView.Messages)
	assert.Equal(t, m1.ID, visitorView.Messages[0].ID)
	assert.Equal(t, m2.ID, visitorView.Messages[1].ID)
}

func TestAPI_SendValidation(t *testing.T) {
	h := newAPIHarness(t)
	ctx := t.Context()
	id, err := h.visitor.CreateConversation(ctx)
	require.NoError(t, err)

	_, err = h.visitor.Send(ctx, id, "   ")
	assert.ErrorIs(t, err, client.ErrValidation)

	_, err = h.visitor.Send(ctx, "", "hello")
	assert.ErrorIs(t, err, client.ErrValidation)

	_, err = h.visitor.Send(ctx, "missing", "hello")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAPI_SendMalformedJSON(t *testing.T) {
	h := newAPIHarness(t)

	resp, err := http.Post(h.ts.URL+"/send", "application/json", bytes.NewBufferString("{not json"))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var body wire.ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, wire.CodeValidation, body.Code)
}

func TestAPI_HistoryRequiresID(t *testing.T) {
	h := newAPIHarness(t)

	resp, err := http.Get(h.ts.URL + "/conversation")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	_, err = h.visitor.History(t.Context(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAPI_AdminRoutesRequireIdentity(t *testing.T) {
	h := newAPIHarness(t)
	ctx := t.Context()
	id, err := h.visitor.CreateConversation(ctx)
	require.NoError(t, err)

	_, err = h.visitor.AdminHistory(ctx, id)
	assert.ErrorIs(t, err, client.ErrUnauthorized)

	_, err = h.visitor.AdminSend(ctx, id, "impersonating")
	assert.ErrorIs(t, err, client.ErrUnauthorized)

	assert.ErrorIs(t, h.visitor.AdminClose(ctx, id), client.ErrUnauthorized)

	forged := client.New(h.ts.URL, client.WithIdentityToken("forged.token.value"))
	_, err = forged.ListOpen(ctx)
	assert.ErrorIs(t, err, client.ErrUnauthorized)
}

func TestAPI_CloseThenSendConflicts(t *testing.T) {
	h := newAPIHarness(t)
	ctx := t.Context()
	id, err := h.visitor.CreateConversation(ctx)
	require.NoError(t, err)

	require.NoError(t, h.agent.AdminClose(ctx, id))
	require.NoError(t, h.agent.AdminClose(ctx, id), "closing twice is a no-op")

	_, err = h.visitor.Send(ctx, id, "anyone there?")
	assert.ErrorIs(t, err, store.ErrConversationClosed)

	history, err := h.visitor.History(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "closed", history.Status)
	assert.Empty(t, history.Messages)

	assert.ErrorIs(t, h.agent.AdminClose(ctx, "missing"), store.ErrNotFound)
}

func TestAPI_ListOpenConversations(t *testing.T) {
	h := newAPIHarness(t)
	ctx := t.Context()

	a, err := h.visitor.CreateConversation(ctx)
	require.NoError(t, err)
	b, err := h.visitor.CreateConversation(ctx)
	require.NoError(t, err)
	require.NoError(t, h.agent.AdminClose(ctx, a))

	open, err := h.agent.ListOpen(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, b, open[0].ID)
}

func TestAPI_ListOpenRejectsBadLimit(t *testing.T) {
	h := newAPIHarness(t)
	identity, err := h.gw.IssueIdentityToken("agent-1", "", time.Hour)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodGet, h.ts.URL+"/admin/conversations?limit=abc", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+identity)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_TokenIssuance(t *testing.T) {
	h := newAPIHarness(t)
	ctx := t.Context()
	id, err := h.visitor.CreateConversation(ctx)
	require.NoError(t, err)

	visitorTok, err := h.visitor.Token(ctx, id, false)
	require.NoError(t, err)
	assert.Equal(t, capability.ChannelName(id), visitorTok.Channel)
	assert.Equal(t, "visitor", visitorTok.Role)

	claims, err := h.gw.broker.Verify(visitorTok.Token)
	require.NoError(t, err)
	assert.True(t, claims.CanSubscribe(capability.ChannelName(id)))
	assert.False(t, claims.CanPublish(capability.ChannelName(id), capability.EventConversationClosed))

	agentTok, err := h.agent.Token(ctx, id, true)
	require.NoError(t, err)
	assert.Equal(t, "agent", agentTok.Role)
}

func TestAPI_TokenErrors(t *testing.T) {
	h := newAPIHarness(t)
	ctx := t.Context()
	id, err := h.visitor.CreateConversation(ctx)
	require.NoError(t, err)

	var authErr *capability.AuthError

	_, err = h.visitor.Token(ctx, "missing", false)
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, capability.KindNotFound, authErr.Kind)

	// Admin token without an identity
	_, err = h.visitor.Token(ctx, id, true)
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, capability.KindUnauthorized, authErr.Kind)
	assert.False(t, authErr.Retryable())
}

func TestAPI_BroadcastFailureReturns502WithMessage(t *testing.T) {
	h := newAPIHarness(t)
	ctx := t.Context()
	id, err := h.visitor.CreateConversation(ctx)
	require.NoError(t, err)

	// Publishing to a closed hub fails after the store write
	h.gw.hub.Close()

	msg, err := h.visitor.Send(ctx, id, "saved anyway")
	assert.ErrorIs(t, err, client.ErrTransport)
	require.NotNil(t, msg)
	assert.Equal(t, "saved anyway", msg.Body)

	history, err := h.visitor.History(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, history.Messages, 1)
	assert.Equal(t, msg.ID, history.Messages[0].ID)
}
