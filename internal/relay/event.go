// ABOUTME: Relay event and websocket frame types shared by the hub, server, and clients
// ABOUTME: Events are named, channel-scoped, and identified for at-least-once dedupe

package relay

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/2389/coven-support/internal/capability"
)

// Event names, re-exported for relay callers.
const (
	EventMessage            = capability.EventMessage
	EventConversationClosed = capability.EventConversationClosed
)

// ErrHubClosed is returned when publishing after Close.
var ErrHubClosed = errors.New("relay hub closed")

// Event is one relay delivery. ID identifies the event for dedupe; for
// "message" events it equals the store-assigned message ID. IDs are always
// assigned server side.
type Event struct {
	ID      string          `json:"id"`
	Channel string          `json:"channel"`
	Name    string          `json:"name"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Publisher broadcasts events to every subscriber of a channel.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Frame types on the websocket.
const (
	// client -> server
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FramePublish     = "publish"
	FramePing        = "ping"

	// server -> client
	FrameSubscribed   = "subscribed"
	FrameUnsubscribed = "unsubscribed"
	FrameEvent        = "event"
	FrameError        = "error"
	FramePong         = "pong"
)

// Error codes carried by FrameError and by the HTTP handshake rejection.
const (
	CodeUnauthorized = "unauthorized"
	CodeTokenExpired = "token_expired"
	CodeForbidden    = "forbidden"
	CodeBadFrame     = "bad_frame"
	CodeEvicted      = "evicted"
	CodeRejected     = "rejected"
)

// Frame is a single websocket message in either direction.
type Frame struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
	Event   *Event `json:"event,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// HandshakeError is the JSON body of a rejected websocket upgrade.
type HandshakeError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
