// ABOUTME: Error taxonomy for conversation lifecycle operations
// ABOUTME: Callers match these with errors.Is/As to pick HTTP status and UI treatment

package chat

import (
	"errors"
	"fmt"

	"github.com/2389/coven-support/internal/store"
)

// ErrEmptyBody is wrapped by ValidationError when a body trims to nothing.
var ErrEmptyBody = errors.New("message body is empty")

// ErrConversationClosed is the store's sentinel, re-exported so callers need
// not import store to match it.
var ErrConversationClosed = store.ErrConversationClosed

// ErrNotFound is the store's sentinel for unknown conversations.
var ErrNotFound = store.ErrNotFound

// ValidationError rejects input before anything is persisted.
type ValidationError struct {
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// StoreError wraps a persistence failure that is not one of the sentinels.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// TransportError means an operation's durable effect happened but the relay
// broadcast did not. Message is set when the failure followed a persisted send.
type TransportError struct {
	Event   string
	Message *store.Message
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("broadcast %s: %v", e.Event, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// storeErr keeps sentinels matchable while wrapping everything else.
func storeErr(op string, err error) error {
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrConversationClosed) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}
