// Package auth verifies support agent identities.
//
// Visitors are anonymous and never authenticate. Agents present an identity
// token (HS256 JWT signed with auth.jwt_secret) in the Authorization header:
//
//	Authorization: Bearer <identity token>
//
// IdentityVerifier is the boundary to the identity provider; JWTVerifier is
// the built-in implementation. A provider that cannot be reached must return
// ErrIdentityUnavailable so callers can tell an outage from a bad credential.
//
// # HTTP Middleware
//
// RequireAgent guards agent-only routes and stores the verified identity in
// the request context:
//
//	mux.Handle("GET /admin/messages/{id}", auth.RequireAgent(verifier, logger)(h))
//
//	agent := auth.MustFromContext(r.Context())
package auth
