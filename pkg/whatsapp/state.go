// pkg/whatsapp/state.go
package whatsapp

import "time"

// State is a step of the authentication lifecycle.
type State int

const (
	StateUninitialized State = iota
	StateLoadingSession
	StateAwaitingQR
	StateAuthenticating
	StateReady
	// StateDisconnected is recoverable: Initialize may be called again.
	StateDisconnected
	// StateFailed is terminal.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "UNINITIALIZED"
	case StateLoadingSession:
		return "LOADING_SESSION"
	case StateAwaitingQR:
		return "AWAITING_QR"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateReady:
		return "READY"
	case StateDisconnected:
		return "DISCONNECTED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// ClientState is a snapshot of the lifecycle state.
type ClientState struct {
	State     State
	Since     time.Time
	LastError error
}
