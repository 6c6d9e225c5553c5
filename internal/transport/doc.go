// Package transport is the client side of the relay websocket protocol.
//
// An Adapter owns one connection for one session. Connect returns at once;
// the adapter then moves through these states, reported to the listener
// registered with OnStateChange:
//
//	connecting   -> connected     handshake accepted
//	connected    -> disconnected  network loss or eviction
//	disconnected -> connected     redial succeeded (fixed interval)
//	any          -> failed        token rejected, forbidden, protocol error
//
// An expired token is not a failure: the adapter asks its TokenSource for
// a new one and reconnects. Subscriptions are replayed after every
// reconnect, so handlers must tolerate seeing an event more than once.
package transport
