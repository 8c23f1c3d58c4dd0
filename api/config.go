// Package api provides the HTTP API of the assistant backend: chat session
// history and a streaming relay to the upstream model.
package api

import "time"

// defaultKeepAlive is the relay comment interval when Config leaves it unset.
const defaultKeepAlive = 5 * time.Second

// Config is the API server configuration.
type Config struct {
	// ListenAddr is the address to listen on (e.g., ":8080")
	ListenAddr string

	// KeepAlive is how often an open relay writes an SSE comment.
	KeepAlive time.Duration
}
