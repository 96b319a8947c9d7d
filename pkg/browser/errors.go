// pkg/browser/errors.go
package browser

import (
	"errors"
	"fmt"
)

// ErrSessionClosed is returned by every primitive once the session has been closed.
var ErrSessionClosed = errors.New("browser session is closed")

// ErrNotOpen is returned when a primitive is used before Open succeeded.
var ErrNotOpen = errors.New("browser session is not open")

// ElementNotFoundError is returned when a selector does not match a ready element in time.
type ElementNotFoundError struct {
	Selector string
	Err      error
}

func (e *ElementNotFoundError) Error() string {
	return fmt.Sprintf("element not found matching selector '%s'", e.Selector)
}

func (e *ElementNotFoundError) Unwrap() error {
	return e.Err
}

// NavigationError represents a failure during a page navigation attempt.
type NavigationError struct {
	URL string
	Err error
}

func (e *NavigationError) Error() string {
	return fmt.Sprintf("navigation to '%s' failed: %v", e.URL, e.Err)
}

// Unwrap provides the underlying error for use with errors.Is/As.
func (e *NavigationError) Unwrap() error {
	return e.Err
}
