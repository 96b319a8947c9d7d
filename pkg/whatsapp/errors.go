// pkg/whatsapp/errors.go
package whatsapp

import (
	"errors"
	"fmt"
)

var (
	// ErrNotReady is returned by commands issued before the client reached READY.
	ErrNotReady = errors.New("client is not ready")
	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("client is closed")
	// ErrTimeout marks a wait that exceeded its configured limit.
	ErrTimeout = errors.New("timed out")
	// ErrFailed is returned by Initialize after the client entered the terminal FAILED state.
	ErrFailed = errors.New("client has failed; create a new client")
	// ErrInvalidJID is returned for identifiers that are not <user>@<server>.
	ErrInvalidJID = errors.New("invalid jid")
	// ErrNotFound is returned when the page has no entity with the requested id.
	ErrNotFound = errors.New("not found")
)

// AuthError reports a failure to restore a session, obtain a QR code or log in.
// It is recoverable by initializing again with a clean session.
type AuthError struct {
	Op  string
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication failed during %s: %v", e.Op, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// ConnectionError reports that the browser or page is gone or unreachable.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error during %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// CommandError carries the message of an exception raised by a page-side command.
type CommandError struct {
	Command string
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command '%s' failed in page: %s", e.Command, e.Message)
}

// ProtocolError means a page payload did not have the expected shape, which usually
// signals that the WhatsApp Web internals changed.
type ProtocolError struct {
	// Source is the event tag or command name the payload belonged to.
	Source  string
	Payload string
	Err     error
}

const maxPayloadInError = 256

func newProtocolError(source string, payload []byte, err error) *ProtocolError {
	p := string(payload)
	if len(p) > maxPayloadInError {
		p = p[:maxPayloadInError] + "..."
	}
	return &ProtocolError{Source: source, Payload: p, Err: err}
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error in '%s': %v", e.Source, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// errMissingField is wrapped by ProtocolError when a required field is absent.
type errMissingField string

func (f errMissingField) Error() string {
	return fmt.Sprintf("missing required field '%s'", string(f))
}
