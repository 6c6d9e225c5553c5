// ABOUTME: Error taxonomy for capability token issuance and verification
// ABOUTME: AuthError kinds let transports decide between retrying and giving up

package capability

import (
	"errors"
	"fmt"
)

// Token verification errors
var (
	ErrTokenInvalid = errors.New("capability token invalid")
	ErrTokenExpired = errors.New("capability token expired")
)

// Kind classifies an AuthError.
type Kind string

const (
	// KindUnauthorized: missing or invalid agent identity, or unknown role.
	KindUnauthorized Kind = "unauthorized"
	// KindNotFound: the conversation does not exist.
	KindNotFound Kind = "not_found"
	// KindIdentityUnavailable: the identity provider could not be reached.
	KindIdentityUnavailable Kind = "identity_unavailable"
	// KindTokenService: the token could not be minted (store or signing failure).
	KindTokenService Kind = "token_service"
)

// AuthError is returned by IssueToken for every failure.
type AuthError struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth %s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("auth %s: %s", e.Kind, e.Msg)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the same request may succeed later.
func (e *AuthError) Retryable() bool {
	return e.Kind == KindIdentityUnavailable || e.Kind == KindTokenService
}

// IsKind reports whether err is an AuthError of the given kind.
func IsKind(err error, kind Kind) bool {
	var authErr *AuthError
	return errors.As(err, &authErr) && authErr.Kind == kind
}
