// ABOUTME: Connection states and errors for the realtime transport adapter
// ABOUTME: FAILED is terminal; DISCONNECTED recovers through fixed-interval redial

package transport

import "errors"

// State is the adapter's connection state.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateFailed       State = "failed"
)

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateFailed
}

var (
	// ErrChannelNotPermitted is returned by Subscribe for a channel the
	// token does not cover. Nothing is sent to the relay.
	ErrChannelNotPermitted = errors.New("channel not permitted by token")

	ErrClosed           = errors.New("transport closed")
	ErrAlreadyConnected = errors.New("transport already connected")

	// Causes reported with StateFailed.
	ErrUnauthorized = errors.New("relay rejected token")
	ErrForbidden    = errors.New("relay refused operation outside token scope")
	ErrTokenRefresh = errors.New("could not refresh expired token")
	ErrProtocol     = errors.New("relay protocol error")
)
