// ABOUTME: JWT identity tokens that distinguish support agents from anonymous visitors
// ABOUTME: Uses HS256 signing with the configured auth.jwt_secret

package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MinSecretLength is the minimum HMAC secret length in bytes.
const MinSecretLength = 32

// identityKind is stamped into every identity token so a token minted for
// another purpose with the same secret is never accepted as an identity.
const identityKind = "agent_identity"

// Token errors
var (
	ErrInvalidToken   = errors.New("invalid token")
	ErrExpiredToken   = errors.New("token expired")
	ErrMissingClaim   = errors.New("missing required claim")
	ErrSecretTooShort = fmt.Errorf("secret must be at least %d bytes", MinSecretLength)

	// ErrIdentityUnavailable means the identity provider could not be reached.
	// Callers treat it as retryable, unlike ErrInvalidToken.
	ErrIdentityUnavailable = errors.New("identity provider unavailable")
)

// Identity is a verified support agent.
type Identity struct {
	AgentID   string
	Name      string
	ExpiresAt time.Time
}

// IdentityVerifier is the boundary to the identity provider.
type IdentityVerifier interface {
	VerifyIdentity(ctx context.Context, token string) (*Identity, error)
}

// JWTVerifier implements IdentityVerifier using HS256 signed JWTs
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a new JWT verifier with the given secret
func NewJWTVerifier(secret []byte) (*JWTVerifier, error) {
	if len(secret) < MinSecretLength {
		return nil, ErrSecretTooShort
	}
	return &JWTVerifier{secret: secret}, nil
}

// VerifyIdentity validates the token and returns the agent it names.
func (v *JWTVerifier) VerifyIdentity(_ context.Context, tokenString string) (*Identity, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		// Validate the signing method is HS256
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithExpirationRequired())

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	if kind, _ := claims["kind"].(string); kind != identityKind {
		return nil, fmt.Errorf("%w: kind", ErrInvalidToken)
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	identity := &Identity{AgentID: sub}
	identity.Name, _ = claims["name"].(string)
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		identity.ExpiresAt = exp.Time
	}

	return identity, nil
}

// Generate creates a new identity token for the given agent with expiration
func (v *JWTVerifier) Generate(agentID, name string, expiresIn time.Duration) (string, error) {
	if agentID == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  agentID,
		"kind": identityKind,
		"iat":  now.Unix(),
		"exp":  now.Add(expiresIn).Unix(),
	}
	if name != "" {
		claims["name"] = name
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
