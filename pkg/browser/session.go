// pkg/browser/session.go
package browser

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/chromedp/cdproto/inspector"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Session is a chromedp-backed Engine owning one Chrome process and one tab.
type Session struct {
	id     string
	cfg    Config
	logger *zap.Logger

	allocCancel context.CancelFunc
	ctx         context.Context
	cancel      context.CancelFunc

	mu           sync.RWMutex
	isOpen       bool
	isClosed     bool
	bindings     map[string]func(string)
	onDisconnect []func(string)
	lostOnce     sync.Once
}

// Ensure Session implements the optional interfaces the core looks for.
var (
	_ Engine             = (*Session)(nil)
	_ StateSnapshotter   = (*Session)(nil)
	_ DisconnectNotifier = (*Session)(nil)
)

// NewSession creates an unopened session. The browser is launched by Open.
func NewSession(cfg Config, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	id := uuid.New().String()
	return &Session{
		id:       id,
		cfg:      cfg,
		logger:   logger.Named("browser").With(zap.String("browser_session_id", id)),
		bindings: make(map[string]func(string)),
	}
}

// ID returns the unique identifier for the session.
func (s *Session) ID() string {
	return s.id
}

// Open launches Chrome, attaches to the first tab and applies the stealth settings.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.isClosed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.isOpen {
		s.mu.Unlock()
		return nil
	}

	// The browser must outlive the caller's deadline, so allocate under a detached context.
	allocCtx, allocCancel := chromedp.NewExecAllocator(Detach(ctx), execAllocatorOptions(s.cfg)...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(s.logger.Sugar().Debugf),
		chromedp.WithErrorf(s.logger.Sugar().Warnf),
	)
	s.allocCancel = allocCancel
	s.ctx = tabCtx
	s.cancel = tabCancel
	s.mu.Unlock()

	// The first Run allocates the browser; it deliberately carries no timeout.
	if err := chromedp.Run(tabCtx); err != nil {
		tabCancel()
		allocCancel()
		return fmt.Errorf("failed to start browser: %w", err)
	}

	chromedp.ListenTarget(tabCtx, s.handleTargetEvent)

	if err := s.runActions(ctx, stealthTasks(s.cfg, s.logger)); err != nil {
		_ = s.Close(context.Background())
		return fmt.Errorf("failed to apply session settings: %w", err)
	}

	s.mu.Lock()
	s.isOpen = true
	s.mu.Unlock()

	go s.watchLifetime(tabCtx)

	s.logger.Info("Browser session opened.", zap.Bool("headless", s.cfg.Headless), zap.String("user_data_dir", s.cfg.UserDataDir))
	return nil
}

// watchLifetime reports the tab context ending without a call to Close.
func (s *Session) watchLifetime(tabCtx context.Context) {
	<-tabCtx.Done()
	s.mu.RLock()
	closed := s.isClosed
	s.mu.RUnlock()
	if !closed {
		s.notifyDisconnect("browser_closed")
	}
}

// handleTargetEvent runs on chromedp's event goroutine and must not block.
func (s *Session) handleTargetEvent(ev interface{}) {
	switch e := ev.(type) {
	case *runtime.EventBindingCalled:
		s.mu.RLock()
		fn, ok := s.bindings[e.Name]
		s.mu.RUnlock()
		if !ok {
			return
		}
		s.invokeBinding(e.Name, fn, e.Payload)
	case *inspector.EventDetached:
		s.notifyDisconnect(fmt.Sprintf("detached: %s", string(e.Reason)))
	case *inspector.EventTargetCrashed:
		s.notifyDisconnect("target_crashed")
	}
}

func (s *Session) invokeBinding(name string, fn func(string), payload string) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Panic during exposed function call.",
				zap.String("name", name),
				zap.Any("panic_reason", r),
				zap.String("stack", string(debug.Stack())))
		}
	}()
	fn(payload)
}

func (s *Session) notifyDisconnect(reason string) {
	s.lostOnce.Do(func() {
		s.mu.RLock()
		handlers := make([]func(string), len(s.onDisconnect))
		copy(handlers, s.onDisconnect)
		s.mu.RUnlock()

		s.logger.Warn("Browser session lost.", zap.String("reason", reason))
		for _, h := range handlers {
			h(reason)
		}
	})
}

// OnDisconnect registers fn to be called once if the page or browser goes away
// without Close having been called.
func (s *Session) OnDisconnect(fn func(reason string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDisconnect = append(s.onDisconnect, fn)
}

// Navigate loads a URL in the tab.
func (s *Session) Navigate(ctx context.Context, url string) error {
	if err := s.runActions(ctx, chromedp.Navigate(url)); err != nil {
		return &NavigationError{URL: url, Err: err}
	}
	return nil
}

// Evaluate runs a snippet of JavaScript in the current document, awaiting promises, and
// optionally unmarshals the result into res.
func (s *Session) Evaluate(ctx context.Context, script string, res interface{}) error {
	return s.runActions(ctx, chromedp.Evaluate(script, res, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithAwaitPromise(true)
	}))
}

// InjectScript adds a script that will be executed on all new documents in the session.
func (s *Session) InjectScript(ctx context.Context, source string) error {
	var scriptID page.ScriptIdentifier
	err := s.runActions(ctx, chromedp.ActionFunc(func(c context.Context) error {
		var err error
		scriptID, err = page.AddScriptToEvaluateOnNewDocument(source).Do(c)
		return err
	}))
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("could not inject persistent script: %w", err)
	}
	s.logger.Debug("Injected persistent script.", zap.String("scriptID", string(scriptID)))
	return nil
}

// ExposeCallback allows fn to be called from the page as window[name](payload).
func (s *Session) ExposeCallback(ctx context.Context, name string, fn func(payload string)) error {
	if fn == nil {
		return fmt.Errorf("callback for '%s' is nil", name)
	}
	if err := s.runActions(ctx, runtime.AddBinding(name)); err != nil {
		return fmt.Errorf("failed to add binding '%s': %w", name, err)
	}
	s.mu.Lock()
	s.bindings[name] = fn
	s.mu.Unlock()
	return nil
}

// WaitForSelector waits until selector matches a ready node.
func (s *Session) WaitForSelector(ctx context.Context, selector string, timeout time.Duration) error {
	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := s.runActions(waitCtx, chromedp.WaitReady(selector, chromedp.ByQuery)); err != nil {
		return &ElementNotFoundError{Selector: selector, Err: err}
	}
	return nil
}

// Close terminates the tab and the browser process.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.isClosed {
		s.mu.Unlock()
		return nil
	}
	s.isClosed = true
	tabCtx, tabCancel, allocCancel := s.ctx, s.cancel, s.allocCancel
	s.mu.Unlock()

	s.logger.Debug("Closing browser session.")

	var closeErr error
	if tabCtx != nil {
		// chromedp.Cancel closes the browser gracefully before canceling the context.
		if err := chromedp.Cancel(tabCtx); err != nil && ctx.Err() == nil {
			closeErr = fmt.Errorf("failed to close browser gracefully: %w", err)
		}
		tabCancel()
	}
	if allocCancel != nil {
		allocCancel()
	}
	return closeErr
}

// runActions executes chromedp actions so that they respect both the session lifetime
// and the incoming operation context.
func (s *Session) runActions(ctx context.Context, actions ...chromedp.Action) error {
	s.mu.RLock()
	tabCtx, closed := s.ctx, s.isClosed
	s.mu.RUnlock()
	if closed {
		return ErrSessionClosed
	}
	if tabCtx == nil {
		return ErrNotOpen
	}

	runCtx, cancel := CombineContext(tabCtx, ctx)
	defer cancel()

	return chromedp.Run(runCtx, actions...)
}
