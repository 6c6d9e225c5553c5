// Package session holds what one chat session has seen: a deduplicated,
// ordered message list plus connection and closed flags. Messages are
// keyed by ID, so redelivery from the relay and overlap between history
// and live events are both harmless.
package session
