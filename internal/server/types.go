package server

import (
	"encoding/json"
	"strings"
)

// State is the protocol phase of a Client.
type State int

const (
	// StateAuthenticating is the initial state: the first core frame is the
	// authentication request and everything else is queued.
	StateAuthenticating State = iota
	// StateAuthenticated admits core frames and relay frames.
	StateAuthenticated
	// StateClosed is terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CoreHandler receives the core payloads of authenticated clients.
type CoreHandler func(c *Client, core map[string]json.RawMessage)

// Hooks are optional lifecycle callbacks. They run on server goroutines
// and must not block.
type Hooks struct {
	// OnPreload runs once startup preloading has finished.
	OnPreload func(ids []string)
	// OnConnect runs when a client is accepted, before it authenticates.
	OnConnect func(c *Client)
	// OnDisconnect runs once per client when it closes.
	OnDisconnect func(c *Client)
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
