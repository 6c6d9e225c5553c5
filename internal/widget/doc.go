// ABOUTME: Package widget drives a human-facing support chat session
// ABOUTME: Controllers combine the gateway client, relay transport, and session state

// Package widget runs one visitor or agent chat session. A Controller
// opens the conversation, connects to the relay, seeds history, and
// publishes session snapshots for a UI to render.
package widget
