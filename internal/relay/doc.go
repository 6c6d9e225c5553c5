// Package relay provides channel-scoped publish/subscribe for chat events.
//
// # Overview
//
// The relay carries "message" and "conversation_closed" events from the
// chat service to every connected visitor and agent session. Each
// conversation has one channel, named "chat:<conversation_id>".
//
// # Hub
//
// Hub is the in-process fan-out:
//
//	hub := relay.NewHub(relay.HubConfig{ReplaySize: 50})
//	events, subID := hub.Subscribe(ctx, "chat:c1")
//	hub.Publish(ctx, relay.Event{Channel: "chat:c1", Name: relay.EventMessage})
//
// Publish never blocks. A subscriber whose buffer is full is evicted and
// its channel closed. The most recent events per channel are replayed on
// every Subscribe, so a reconnecting client catches up on what it missed
// and must tolerate receiving events it has already seen. Republishing an
// event ID within the dedupe window is a no-op.
//
// # Server
//
// Server exposes the hub over a websocket at GET /relay. The capability
// token arrives as ?token= or a bearer header and is verified before the
// upgrade; a bad token gets HTTP 401 with a JSON HandshakeError.
//
// Frames are JSON objects with a "type":
//
//	client -> server: subscribe, unsubscribe, publish, ping
//	server -> client: subscribed, unsubscribed, event, error, pong
//
// A published "message" is never fanned out as sent. Only its body is read;
// the MessageAppender persists it with the sender taken from the token and
// broadcasts the stored record under the store's ID.
//
// Error frames carry a code. "forbidden", "bad_frame" and "rejected" leave
// the session open; "token_expired", "unauthorized" and "evicted" are
// followed by a policy-violation close.
package relay
