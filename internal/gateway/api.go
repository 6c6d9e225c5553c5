// ABOUTME: HTTP API handlers for conversations, messages, capability tokens, and closing
// ABOUTME: Maps chat and capability errors onto status codes and wire error codes

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/2389/coven-support/internal/auth"
	"github.com/2389/coven-support/internal/capability"
	"github.com/2389/coven-support/internal/chat"
	"github.com/2389/coven-support/internal/store"
	"github.com/2389/coven-support/internal/wire"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 64 * 1024

// handleCreateConversation handles POST /conversation.
func (g *Gateway) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := g.chat.Create(r.Context())
	if err != nil {
		g.sendChatError(w, err)
		return
	}
	g.sendJSON(w, http.StatusCreated, wire.CreateConversationResponse{ConversationID: conv.ID})
}

// handleVisitorHistory handles GET /conversation?id=<id>.
func (g *Gateway) handleVisitorHistory(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		g.sendJSONError(w, http.StatusBadRequest, wire.CodeValidation, "id query parameter is required")
		return
	}
	g.writeHistory(w, r, id, capability.RoleVisitor)
}

// handleAdminHistory handles GET /admin/messages/{id}.
func (g *Gateway) handleAdminHistory(w http.ResponseWriter, r *http.Request) {
	g.writeHistory(w, r, r.PathValue("id"), capability.RoleAgent)
}

func (g *Gateway) writeHistory(w http.ResponseWriter, r *http.Request, id string, role capability.Role) {
	conv, err := g.chat.Get(r.Context(), id)
	if err != nil {
		g.sendChatError(w, err)
		return
	}
	msgs, err := g.chat.LoadHistory(r.Context(), id, role)
	if err != nil {
		g.sendChatError(w, err)
		return
	}
	g.sendJSON(w, http.StatusOK, wire.MessagesResponse{
		ConversationID: conv.ID,
		Status:         string(conv.Status),
		Messages:       wire.FromStoreList(msgs),
	})
}

// handleVisitorSend handles POST /send.
func (g *Gateway) handleVisitorSend(w http.ResponseWriter, r *http.Request) {
	g.send(w, r, store.SenderVisitor)
}

// handleAdminSend handles POST /admin/send.
func (g *Gateway) handleAdminSend(w http.ResponseWriter, r *http.Request) {
	g.send(w, r, store.SenderAgent)
}

func (g *Gateway) send(w http.ResponseWriter, r *http.Request, sender store.SenderType) {
	var req wire.SendRequest
	if err := g.decode(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, wire.CodeValidation, err.Error())
		return
	}
	if req.ConversationID == "" {
		g.sendJSONError(w, http.StatusBadRequest, wire.CodeValidation, "conversation_id is required")
		return
	}

	msg, err := g.chat.AppendMessage(r.Context(), req.ConversationID, sender, req.Body)

	var transportErr *chat.TransportError
	switch {
	case err == nil:
		g.sendJSON(w, http.StatusCreated, wire.SendResponse{Message: wire.FromStore(msg)})
	case errors.As(err, &transportErr) && msg != nil:
		// Persisted: the sender gets the message back along with the failure
		g.sendJSON(w, http.StatusBadGateway, wire.SendResponse{
			Message: wire.FromStore(msg),
			Error:   "message saved but not delivered: " + transportErr.Err.Error(),
		})
	default:
		g.sendChatError(w, err)
	}
}

// handleToken handles POST /token. Agent requests carry their identity
// token as a bearer header; visitor requests carry nothing.
func (g *Gateway) handleToken(w http.ResponseWriter, r *http.Request) {
	var req wire.TokenRequest
	if err := g.decode(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, wire.CodeValidation, err.Error())
		return
	}

	role := capability.RoleVisitor
	var identityToken string
	if req.IsAdmin {
		role = capability.RoleAgent
		identityToken, _ = auth.ExtractBearerToken(r.Header.Get("Authorization"))
	}

	tok, err := g.broker.IssueToken(r.Context(), req.ConversationID, role, identityToken)
	if err != nil {
		g.sendAuthError(w, err)
		return
	}

	g.sendJSON(w, http.StatusOK, wire.TokenResponse{
		Token:     tok.Value,
		Channel:   tok.Channel,
		Role:      string(tok.Role),
		ExpiresAt: tok.ExpiresAt,
	})
}

// handleAdminClose handles POST /admin/close.
func (g *Gateway) handleAdminClose(w http.ResponseWriter, r *http.Request) {
	var req wire.CloseRequest
	if err := g.decode(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, wire.CodeValidation, err.Error())
		return
	}
	if req.ConversationID == "" {
		g.sendJSONError(w, http.StatusBadRequest, wire.CodeValidation, "conversation_id is required")
		return
	}

	err := g.chat.Close(r.Context(), req.ConversationID)
	var transportErr *chat.TransportError
	switch {
	case err == nil:
	case errors.As(err, &transportErr):
		// The close is durable; clients learn about it from history
		g.logger.Warn("close not broadcast", "conversation_id", req.ConversationID, "error", err)
	default:
		g.sendChatError(w, err)
		return
	}

	// RequireAgent guarantees an identity on admin routes
	agent := auth.MustFromContext(r.Context())
	g.logger.Info("conversation closed by agent", "conversation_id", req.ConversationID, "agent_id", agent.AgentID)
	w.WriteHeader(http.StatusNoContent)
}

// handleListConversations handles GET /admin/conversations?limit=N.
func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			g.sendJSONError(w, http.StatusBadRequest, wire.CodeValidation, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	convs, err := g.chat.ListOpen(r.Context(), limit)
	if err != nil {
		g.sendChatError(w, err)
		return
	}

	resp := wire.ConversationsResponse{Conversations: make([]wire.ConversationSummary, 0, len(convs))}
	for _, c := range convs {
		resp.Conversations = append(resp.Conversations, wire.ConversationSummary{
			ID:        c.ID,
			Status:    string(c.Status),
			CreatedAt: c.CreatedAt,
		})
	}
	g.sendJSON(w, http.StatusOK, resp)
}

// decode reads a size-limited JSON body into v.
func (g *Gateway) decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

// sendChatError maps chat service errors to HTTP responses.
func (g *Gateway) sendChatError(w http.ResponseWriter, err error) {
	var validationErr *chat.ValidationError
	switch {
	case errors.As(err, &validationErr):
		g.sendJSONError(w, http.StatusBadRequest, wire.CodeValidation, validationErr.Error())
	case errors.Is(err, chat.ErrNotFound):
		g.sendJSONError(w, http.StatusNotFound, wire.CodeNotFound, "conversation not found")
	case errors.Is(err, chat.ErrConversationClosed):
		g.sendJSONError(w, http.StatusConflict, wire.CodeConversationClosed, "conversation is closed")
	default:
		g.logger.Error("request failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, wire.CodeStore, "internal server error")
	}
}

// sendAuthError maps capability broker errors to HTTP responses.
func (g *Gateway) sendAuthError(w http.ResponseWriter, err error) {
	var authErr *capability.AuthError
	if !errors.As(err, &authErr) {
		g.logger.Error("token issuance failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, wire.CodeTokenService, "token service error")
		return
	}

	switch authErr.Kind {
	case capability.KindUnauthorized:
		g.sendJSONError(w, http.StatusUnauthorized, wire.CodeUnauthorized, authErr.Msg)
	case capability.KindNotFound:
		g.sendJSONError(w, http.StatusNotFound, wire.CodeNotFound, authErr.Msg)
	case capability.KindIdentityUnavailable:
		g.sendJSONError(w, http.StatusServiceUnavailable, wire.CodeIdentityUnavailable, authErr.Msg)
	default:
		g.logger.Error("token issuance failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, wire.CodeTokenService, "token service error")
	}
}

// sendJSON writes v as a JSON response.
func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("writing response failed", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, code, message string) {
	g.sendJSON(w, status, wire.ErrorResponse{Error: message, Code: code})
}
