// Package config handles configuration loading for the support gateway.
//
// # Configuration File
//
// The gateway reads its config from, in order:
//
//  1. Path from COVEN_SUPPORT_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven-support/gateway.yaml
//  3. ~/.config/coven-support/gateway.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${COVEN_SUPPORT_JWT_SECRET}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// # Configuration Sections
//
//	server:
//	  http_addr: "127.0.0.1:8080"     # API, relay websocket, health
//
//	database:
//	  path: "/var/lib/coven-support/support.db"   # ":memory:" for ephemeral
//
//	auth:
//	  jwt_secret: "${COVEN_SUPPORT_JWT_SECRET}"   # agent identity tokens
//
//	relay:
//	  token_secret: "${COVEN_SUPPORT_RELAY_SECRET}"
//	  token_ttl: "10m"
//	  reconnect_interval: "3s"
//	  replay_size: 50
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//	  file: ""        # optional JSON log file, in addition to stdout
//
// # Validation
//
// Parse and Load reject secrets shorter than 32 bytes, a relay secret equal
// to the identity secret, malformed durations, and unknown log levels.
package config
