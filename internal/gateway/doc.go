// Package gateway orchestrates the support gateway server components.
//
// # Overview
//
// The Gateway owns the store, the chat service, the capability broker, and
// the relay hub and websocket server, and serves them over one HTTP server.
//
// # HTTP API
//
// Visitor routes (no credentials; the conversation ID is the secret):
//
//   - POST /conversation - Start a conversation
//   - GET /conversation?id=ID - Message history
//   - POST /send - Send a visitor message
//   - POST /token - Capability token (is_admin=true needs a bearer identity)
//
// Agent routes (Authorization: Bearer <identity token>):
//
//   - GET /admin/messages/{id} - Message history
//   - POST /admin/send - Send an agent message
//   - POST /admin/close - Close a conversation
//   - GET /admin/conversations - Open conversations, oldest first
//
// Realtime and health:
//
//   - GET /relay?token=T - Relay websocket
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check (store answers)
//
// # Status Codes
//
//   - 400 validation: empty body, bad JSON, missing IDs
//   - 401 unauthorized, 503 identity_unavailable
//   - 404 not_found
//   - 409 conversation_closed
//   - 502 transport: the message was saved but not broadcast; the body
//     still carries the saved message
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	err = gw.Run(ctx) // blocks; shuts down gracefully when ctx ends
package gateway
