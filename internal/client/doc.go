// Package client is the HTTP client for the support gateway API.
//
// Visitor routes need no credentials. Admin routes (/admin/*, and /token
// with is_admin set) send the agent identity token from WithIdentityToken
// as a bearer header.
//
// Errors come back as *APIError, which unwraps to a sentinel:
//
//   - ErrValidation (400)
//   - ErrUnauthorized (401, 403)
//   - store.ErrNotFound (404)
//   - store.ErrConversationClosed (409)
//   - ErrTransport (502, message saved but not broadcast)
//   - ErrServer (anything else)
//
// Token wraps its failures in *capability.AuthError instead.
package client
