// Package store provides persistent storage for support conversations.
//
// # Architecture
//
// Store is the single persistence contract. Two implementations exist:
//
//   - SQLiteStore: durable storage backed by modernc.org/sqlite
//   - MemoryStore: in-process maps, used by tests and ":memory:" gateways
//
// # Data Models
//
//   - Conversation: open or closed thread between a visitor and support
//   - Message: immutable text written by a visitor or agent
//
// Message IDs and timestamps are assigned by the store, never the caller.
// IDs are UUIDv7 so they sort roughly by creation time; history is always
// ordered by CreatedAt with ID as the tie-break (see Less).
//
// # SQLite Configuration
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// # Error Handling
//
//   - ErrNotFound: requested conversation does not exist
//   - ErrConversationClosed: message appended to a closed conversation
//
// All methods accept context.Context for cancellation support.
package store
