// Package capability issues the short-lived relay credentials that let a
// visitor or agent subscribe to exactly one conversation channel.
//
// A token is an HS256 JWT signed with relay.token_secret. Its subject is the
// conversation ID and its channel claim is always ChannelName(subject), so
// "chat:<conversation_id>". Both roles may subscribe and publish "message";
// neither may publish "conversation_closed", which only the server emits.
//
// Every IssueToken failure is an *AuthError. Kind tells the caller what
// happened and Retryable whether asking again can help:
//
//	tok, err := broker.IssueToken(ctx, convID, capability.RoleAgent, identity)
//	var authErr *capability.AuthError
//	if errors.As(err, &authErr) && authErr.Retryable() {
//		// identity provider or token service outage
//	}
package capability
