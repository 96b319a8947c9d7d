// pkg/browser/context_utils.go
package browser

import (
	"context"
	"time"
)

// CombineContext creates a new context derived from ctx1 (the primary context) that is
// canceled when either ctx1 or ctx2 is canceled. Values are inherited from ctx1 only,
// which matters for chromedp where ctx1 carries the target connection and ctx2 the
// operation deadline.
func CombineContext(ctx1, ctx2 context.Context) (context.Context, context.CancelFunc) {
	combinedCtx, cancel := context.WithCancel(ctx1)

	go func() {
		select {
		case <-ctx2.Done():
			cancel()
		case <-combinedCtx.Done():
		}
	}()

	return combinedCtx, cancel
}

// valueOnlyContext inherits values from its parent but ignores the parent's deadline
// and cancellation.
type valueOnlyContext struct {
	context.Context
}

func (valueOnlyContext) Deadline() (deadline time.Time, ok bool) { return }
func (valueOnlyContext) Done() <-chan struct{}                   { return nil }
func (valueOnlyContext) Err() error                              { return nil }

// Detach returns a context that keeps the values of ctx but is never canceled with it.
// The browser process is started under a detached context so that the deadline of the
// call that opened it does not kill it later.
func Detach(ctx context.Context) context.Context {
	return valueOnlyContext{ctx}
}
