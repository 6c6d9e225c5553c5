// ABOUTME: Tests for the gateway HTTP client against canned httptest responses
// ABOUTME: Verifies request shapes, bearer headers, and status-to-error mapping

package client

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-support/internal/capability"
	"github.com/2389/coven-support/internal/store"
	"github.com/2389/coven-support/internal/wire"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, h http.HandlerFunc, opts ...Option) *Client {
	t.Helper()
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	return New(ts.URL, opts...)
}

func TestClient_CreateConversation(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/conversation", r.URL.Path)
		writeJSON(w, http.StatusCreated, wire.CreateConversationResponse{ConversationID: "c1"})
	})

	id, err := c.CreateConversation(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "c1", id)
}

func TestClient_HistoryEscapesID(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "a b", r.URL.Query().Get("id"))
		writeJSON(w, http.StatusOK, wire.MessagesResponse{
			ConversationID: "a b",
			Status:         "open",
			Messages:       []wire.Message{{ID: "m1", Body: "hi", CreatedAt: time.Now()}},
		})
	})

	resp, err := c.History(t.Context(), "a b")
	require.NoError(t, err)
	require.Len(t, resp.Messages, 1)
	assert.Equal(t, "m1", resp.Messages[0].ID)
}

func TestClient_AdminRoutesSendBearer(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer ident", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/admin/messages/c1":
			writeJSON(w, http.StatusOK, wire.MessagesResponse{ConversationID: "c1"})
		case "/admin/conversations":
			writeJSON(w, http.StatusOK, wire.ConversationsResponse{Conversations: []wire.ConversationSummary{{ID: "c1", Status: "open"}}})
		case "/admin/close":
			var req wire.CloseRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "c1", req.ConversationID)
			w.WriteHeader(http.StatusNoContent)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}, WithIdentityToken("ident"))

	_, err := c.AdminHistory(t.Context(), "c1")
	require.NoError(t, err)

	open, err := c.ListOpen(t.Context())
	require.NoError(t, err)
	assert.Len(t, open, 1)

	require.NoError(t, c.AdminClose(t.Context(), "c1"))
}

func TestClient_VisitorRoutesOmitBearer(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		writeJSON(w, http.StatusCreated, wire.SendResponse{Message: wire.Message{ID: "m1", Body: "hi"}})
	}, WithIdentityToken("ident"))

	msg, err := c.Send(t.Context(), "c1", "hi")
	require.NoError(t, err)
	assert.Equal(t, "m1", msg.ID)
}

func TestClient_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		code   string
		want   error
	}{
		{"validation", http.StatusBadRequest, wire.CodeValidation, ErrValidation},
		{"closed", http.StatusConflict, wire.CodeConversationClosed, store.ErrConversationClosed},
		{"not found", http.StatusNotFound, wire.CodeNotFound, store.ErrNotFound},
		{"unauthorized", http.StatusUnauthorized, wire.CodeUnauthorized, ErrUnauthorized},
		{"status only conflict", http.StatusConflict, "", store.ErrConversationClosed},
		{"server", http.StatusInternalServerError, wire.CodeStore, ErrServer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, wire.ErrorResponse{Error: tt.name, Code: tt.code})
			})

			_, err := c.Send(t.Context(), "c1", "hi")
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)

			var apiErr *APIError
			require.ErrorAs(t, err, &apiErr)
			assert.Equal(t, tt.status, apiErr.Status)
		})
	}
}

func TestClient_TransportFailureReturnsPersistedMessage(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadGateway, wire.SendResponse{
			Message: wire.Message{ID: "m1", Body: "saved"},
			Error:   "relay down",
		})
	})

	msg, err := c.Send(t.Context(), "c1", "saved")
	assert.ErrorIs(t, err, ErrTransport)
	require.NotNil(t, msg)
	assert.Equal(t, "m1", msg.ID)
}

func TestClient_TokenErrorsAreAuthErrors(t *testing.T) {
	tests := []struct {
		status    int
		code      string
		kind      capability.Kind
		retryable bool
	}{
		{http.StatusNotFound, wire.CodeNotFound, capability.KindNotFound, false},
		{http.StatusUnauthorized, wire.CodeUnauthorized, capability.KindUnauthorized, false},
		{http.StatusServiceUnavailable, wire.CodeIdentityUnavailable, capability.KindIdentityUnavailable, true},
		{http.StatusInternalServerError, wire.CodeTokenService, capability.KindTokenService, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, wire.ErrorResponse{Error: "nope", Code: tt.code})
			})

			_, err := c.Token(t.Context(), "c1", false)
			var authErr *capability.AuthError
			require.ErrorAs(t, err, &authErr)
			assert.Equal(t, tt.kind, authErr.Kind)
			assert.Equal(t, tt.retryable, authErr.Retryable())
		})
	}
}

func TestClient_TokenSuccess(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req wire.TokenRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.IsAdmin)
		assert.Equal(t, "Bearer ident", r.Header.Get("Authorization"))
		writeJSON(w, http.StatusOK, wire.TokenResponse{Token: "tok", Channel: "chat:c1", Role: "agent"})
	}, WithIdentityToken("ident"))

	tok, err := c.Token(t.Context(), "c1", true)
	require.NoError(t, err)
	assert.Equal(t, "tok", tok.Token)
}

func TestClient_RelayURL(t *testing.T) {
	assert.Equal(t, "ws://localhost:8080/relay", New("http://localhost:8080/").RelayURL())
	assert.Equal(t, "wss://support.example.com/relay", New("https://support.example.com").RelayURL())
}
