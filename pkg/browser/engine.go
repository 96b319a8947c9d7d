// pkg/browser/engine.go
package browser

import (
	"context"
	"time"
)

// Engine is the set of browser-automation primitives the WhatsApp core depends on.
// Anything that can drive a single page with these capabilities can back a client.
type Engine interface {
	// Open launches (or attaches to) the browser and prepares the page target.
	Open(ctx context.Context) error
	// Navigate loads url in the page.
	Navigate(ctx context.Context, url string) error
	// Evaluate runs script in the page, awaiting a returned promise, and unmarshals the
	// JSON result into res. res may be nil when no result is needed, or a *[]byte to
	// receive the raw JSON value.
	Evaluate(ctx context.Context, script string, res interface{}) error
	// InjectScript registers source to run on every new document before page scripts.
	InjectScript(ctx context.Context, source string) error
	// ExposeCallback makes window[name](string) in the page invoke fn on the host.
	ExposeCallback(ctx context.Context, name string, fn func(payload string)) error
	// WaitForSelector blocks until selector matches a ready node or timeout elapses.
	WaitForSelector(ctx context.Context, selector string, timeout time.Duration) error
	// Close tears the page and browser down. It is safe to call more than once.
	Close(ctx context.Context) error
}

// StateSnapshotter is implemented by engines that can export and re-import the
// credential material of a page (cookies and local storage) as an opaque blob.
type StateSnapshotter interface {
	CaptureState(ctx context.Context) ([]byte, error)
	RestoreState(ctx context.Context, blob []byte) error
}

// DisconnectNotifier is implemented by engines that can report an unexpected loss of
// the page or browser process.
type DisconnectNotifier interface {
	OnDisconnect(fn func(reason string))
}
