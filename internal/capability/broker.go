// ABOUTME: Capability token broker issuing short-lived, channel-scoped relay credentials
// ABOUTME: Visitors get tokens anonymously; agents must present a verified identity

package capability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/2389/coven-support/internal/auth"
	"github.com/2389/coven-support/internal/store"
)

// DefaultTTL is the token lifetime when none is configured.
const DefaultTTL = 10 * time.Minute

// Role is the capability level a token grants.
type Role string

const (
	RoleVisitor Role = "visitor"
	RoleAgent   Role = "agent"
)

// Relay event names. Only EventMessage is ever granted to clients;
// EventConversationClosed is server-originated.
const (
	EventMessage            = "message"
	EventConversationClosed = "conversation_closed"
)

// ChannelPrefix prefixes every conversation channel name.
const ChannelPrefix = "chat:"

// ChannelName returns the relay channel for a conversation.
func ChannelName(conversationID string) string {
	return ChannelPrefix + conversationID
}

// ConversationIDFromChannel reverses ChannelName.
func ConversationIDFromChannel(channel string) (string, bool) {
	id, ok := strings.CutPrefix(channel, ChannelPrefix)
	return id, ok && id != ""
}

// Claims are the signed contents of a capability token.
type Claims struct {
	Channel   string   `json:"channel"`
	Role      Role     `json:"role"`
	AgentID   string   `json:"agent_id,omitempty"`
	Publish   []string `json:"publish"`
	Subscribe bool     `json:"subscribe"`
	jwt.RegisteredClaims
}

// ConversationID returns the conversation the token is scoped to.
func (c *Claims) ConversationID() string {
	return c.Subject
}

// CanSubscribe reports whether the holder may subscribe to channel.
func (c *Claims) CanSubscribe(channel string) bool {
	return c.Subscribe && channel == c.Channel
}

// CanPublish reports whether the holder may publish event on channel.
func (c *Claims) CanPublish(channel, event string) bool {
	if channel != c.Channel || event == EventConversationClosed {
		return false
	}
	return slices.Contains(c.Publish, event)
}

// Token is an issued credential plus the metadata clients need.
type Token struct {
	Value     string    `json:"token"`
	Channel   string    `json:"channel"`
	Role      Role      `json:"role"`
	ExpiresAt time.Time `json:"expires_at"`
}

// ConversationLookup is what the broker needs from storage.
type ConversationLookup interface {
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
}

// Broker issues and verifies capability tokens. It holds no per-call state.
type Broker struct {
	secret        []byte
	ttl           time.Duration
	conversations ConversationLookup
	identities    auth.IdentityVerifier
	logger        *slog.Logger
	now           func() time.Time
}

// Config configures a Broker.
type Config struct {
	Secret        []byte
	TTL           time.Duration
	Conversations ConversationLookup
	Identities    auth.IdentityVerifier
	Logger        *slog.Logger
}

// NewBroker creates a broker. The secret must be at least auth.MinSecretLength bytes.
func NewBroker(cfg Config) (*Broker, error) {
	if len(cfg.Secret) < auth.MinSecretLength {
		return nil, auth.ErrSecretTooShort
	}
	if cfg.Conversations == nil {
		return nil, errors.New("capability: conversation lookup is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		secret:        cfg.Secret,
		ttl:           cfg.TTL,
		conversations: cfg.Conversations,
		identities:    cfg.Identities,
		logger:        logger.With("component", "capability"),
		now:           time.Now,
	}, nil
}

// IssueToken mints a token for one conversation's channel. Agent tokens
// require identityToken to verify; visitor tokens ignore it.
func (b *Broker) IssueToken(ctx context.Context, conversationID string, role Role, identityToken string) (*Token, error) {
	if conversationID == "" {
		return nil, &AuthError{Kind: KindNotFound, Msg: "conversation_id is required"}
	}

	var agentID string
	switch role {
	case RoleVisitor:
	case RoleAgent:
		identity, err := b.verifyAgent(ctx, identityToken)
		if err != nil {
			return nil, err
		}
		agentID = identity.AgentID
	default:
		return nil, &AuthError{Kind: KindUnauthorized, Msg: fmt.Sprintf("unknown role %q", role)}
	}

	if _, err := b.conversations.GetConversation(ctx, conversationID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &AuthError{Kind: KindNotFound, Msg: "conversation not found", Err: err}
		}
		return nil, &AuthError{Kind: KindTokenService, Msg: "conversation lookup failed", Err: err}
	}

	now := b.now()
	expiresAt := now.Add(b.ttl)
	channel := ChannelName(conversationID)
	claims := &Claims{
		Channel:   channel,
		Role:      role,
		AgentID:   agentID,
		Publish:   []string{EventMessage},
		Subscribe: true,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   conversationID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(b.secret)
	if err != nil {
		return nil, &AuthError{Kind: KindTokenService, Msg: "signing token", Err: err}
	}
	if signed == "" {
		return nil, &AuthError{Kind: KindTokenService, Msg: "empty token"}
	}

	b.logger.Debug("issued capability token",
		"conversation_id", conversationID,
		"role", role,
		"agent_id", agentID,
		"expires_at", expiresAt)

	return &Token{
		Value:     signed,
		Channel:   channel,
		Role:      role,
		ExpiresAt: expiresAt,
	}, nil
}

func (b *Broker) verifyAgent(ctx context.Context, identityToken string) (*auth.Identity, error) {
	if identityToken == "" {
		return nil, &AuthError{Kind: KindUnauthorized, Msg: "agent identity required"}
	}
	if b.identities == nil {
		return nil, &AuthError{Kind: KindIdentityUnavailable, Msg: "no identity provider configured"}
	}

	identity, err := b.identities.VerifyIdentity(ctx, identityToken)
	switch {
	case err == nil:
		return identity, nil
	case errors.Is(err, auth.ErrIdentityUnavailable), errors.Is(err, context.DeadlineExceeded):
		return nil, &AuthError{Kind: KindIdentityUnavailable, Msg: "identity provider unavailable", Err: err}
	default:
		return nil, &AuthError{Kind: KindUnauthorized, Msg: "invalid agent identity", Err: err}
	}
}

// Verify checks the signature and expiry of a capability token.
func (b *Broker) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return b.secret, nil
	}, jwt.WithExpirationRequired(), jwt.WithTimeFunc(b.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !token.Valid || claims.Channel != ChannelName(claims.Subject) {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// ParseUnverified decodes claims without checking the signature. Clients use
// it to learn their scope and expiry; never use it for authorization.
func ParseUnverified(tokenString string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	return claims, nil
}
