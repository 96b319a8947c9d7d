// pkg/whatsapp/auth_machine.go
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/wweb/pkg/auth"
	"github.com/xkilldash9x/wweb/pkg/browser"
)

const (
	jsStart     = `window.__wweb ? window.__wweb.start() : Promise.reject(new Error('bridge not injected'))`
	jsBootstrap = `window.__wweb ? window.__wweb.bootstrap() : Promise.reject(new Error('bridge not injected'))`

	// persistTimeout bounds capturing and saving credential material.
	persistTimeout = 15 * time.Second
	// engineCloseTimeout bounds tearing down a browser that is being replaced.
	engineCloseTimeout = 10 * time.Second
)

var errQRRetriesExceeded = errors.New("maximum number of QR codes reached")

// machine owns the lifecycle state of one client. Transitions happen either on the
// caller's goroutine inside initialize or on the dispatch loop; events are always
// delivered on the dispatch loop.
//
// Every Initialize starts a new generation. Signals produced by an engine carry the
// generation that created them, and anything tagged with an older generation is
// dropped, so a browser that is being replaced cannot move the new attempt.
//
// Before READY a watchdog bounds how long the machine may sit in one pre-READY state.
// It is re-armed on each transition and on each fresh QR code. When it fires the attempt
// ends in FAILED and a DISCONNECTED("timeout") event is delivered.
type machine struct {
	opts      Options
	store     auth.Store
	newEngine EngineFactory
	bridge    *bridge
	inbox     *inbox
	emitter   *emitter
	sender    sender
	onError   func(error)
	logger    *zap.Logger
	metrics   *Metrics

	mu          sync.Mutex
	state       State
	since       time.Time
	lastErr     error
	changed     chan struct{}
	gen         uint64
	engine      browser.Engine
	qrCount     int
	invalidated bool
	closed      bool
	watchdog    *time.Timer
	watchSeq    uint64
	buffer      []pageEvent
}

func newMachine(opts Options, store auth.Store, newEngine EngineFactory, b *bridge, q *inbox, e *emitter, s sender, onError func(error), logger *zap.Logger, metrics *Metrics) *machine {
	return &machine{
		opts:      opts,
		store:     store,
		newEngine: newEngine,
		bridge:    b,
		inbox:     q,
		emitter:   e,
		sender:    s,
		onError:   onError,
		logger:    logger.Named("auth_machine"),
		metrics:   metrics,
		state:     StateUninitialized,
		since:     time.Now(),
		changed:   make(chan struct{}),
	}
}

// snapshot returns a copy of the observable state.
func (m *machine) snapshot() ClientState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ClientState{State: m.state, Since: m.since, LastError: m.lastErr}
}

// readyEngine returns the engine when commands may be issued.
func (m *machine) readyEngine() (browser.Engine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, &ConnectionError{Op: "command", Err: ErrClosed}
	}
	if m.state != StateReady || m.engine == nil {
		return nil, fmt.Errorf("%w (state %s)", ErrNotReady, m.state)
	}
	return m.engine, nil
}

// transitionLocked moves to s and re-arms or stops the ready watchdog.
func (m *machine) transitionLocked(s State, err error) {
	from := m.state
	m.state = s
	m.since = time.Now()
	if err != nil {
		m.lastErr = err
	}
	close(m.changed)
	m.changed = make(chan struct{})
	m.metrics.stateChanged(s)

	switch s {
	case StateLoadingSession, StateAwaitingQR, StateAuthenticating:
		m.armWatchdogLocked()
	default:
		m.stopWatchdogLocked()
	}
	m.logger.Info("State transition.", zap.Stringer("from", from), zap.Stringer("to", s), zap.Uint64("generation", m.gen))
}

// armWatchdogLocked restarts the ready timer. The timer only queues a signal; the
// sequence number lets onReadyTimeout ignore timers that were replaced meanwhile.
func (m *machine) armWatchdogLocked() {
	m.stopWatchdogLocked()
	m.watchSeq++
	sig := readyTimeout{gen: m.gen, seq: m.watchSeq}
	m.watchdog = time.AfterFunc(m.opts.ReadyTimeout, func() {
		m.inbox.push(sig)
	})
}

func (m *machine) stopWatchdogLocked() {
	if m.watchdog != nil {
		m.watchdog.Stop()
		m.watchdog = nil
	}
}

// failLocked moves generation gen to DISCONNECTED or FAILED. It reports false when gen
// is stale, the client is closed, or the generation already ended.
func (m *machine) failLocked(gen uint64, to State, err error) bool {
	if m.closed || gen != m.gen || m.state == StateDisconnected || m.state == StateFailed {
		return false
	}
	m.transitionLocked(to, err)
	return true
}

// abort ends an initialize attempt. The DISCONNECTED event is queued for the loop.
func (m *machine) abort(gen uint64, to State, reason string, err error) error {
	m.mu.Lock()
	ok := m.failLocked(gen, to, err)
	m.mu.Unlock()
	if ok {
		m.inbox.push(publish{ev: Event{Type: EventDisconnected, At: time.Now(), Reason: reason}})
	}
	return err
}

// initialize drives a fresh engine up to the point where the page bridge is started.
// READY is reached asynchronously through page events.
func (m *machine) initialize(ctx context.Context) error {
	name := m.opts.SessionName

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return &ConnectionError{Op: "initialize", Err: ErrClosed}
	}
	switch m.state {
	case StateUninitialized, StateDisconnected:
	case StateFailed:
		m.mu.Unlock()
		return ErrFailed
	default:
		st := m.state
		m.mu.Unlock()
		return fmt.Errorf("initialize called while %s", st)
	}
	m.gen++
	gen := m.gen
	previous := m.engine
	m.engine = nil
	m.qrCount = 0
	m.invalidated = false
	if n := len(m.buffer); n > 0 {
		m.logger.Warn("Discarding message events buffered by the previous attempt.", zap.Int("count", n))
		m.metrics.eventDropped("stale")
	}
	m.buffer = nil
	m.metrics.buffered(0)
	m.lastErr = nil
	m.transitionLocked(StateLoadingSession, nil)
	m.mu.Unlock()

	if previous != nil {
		m.closeEngine(previous)
	}

	profileDir, err := m.store.ProfileDir(name)
	if err != nil {
		return m.abort(gen, StateDisconnected, "session storage unavailable", &AuthError{Op: "load_session", Err: err})
	}
	sess, err := m.store.Load(ctx, name)
	if err != nil {
		// Load is fail-soft; a broken store only costs a new QR scan.
		m.logger.Warn("Could not load stored session; continuing without it.", zap.String("session", name), zap.Error(err))
		sess = nil
	}

	engine, err := m.newEngine(profileDir)
	if err != nil {
		return m.abort(gen, StateDisconnected, "browser unavailable", &ConnectionError{Op: "create_engine", Err: err})
	}

	m.mu.Lock()
	if m.closed || gen != m.gen {
		m.mu.Unlock()
		m.closeEngine(engine)
		return &ConnectionError{Op: "initialize", Err: ErrClosed}
	}
	m.engine = engine
	m.mu.Unlock()

	if err := engine.Open(ctx); err != nil {
		return m.abort(gen, StateDisconnected, "browser failed to start", &ConnectionError{Op: "open", Err: err})
	}
	if dn, ok := engine.(browser.DisconnectNotifier); ok {
		dn.OnDisconnect(func(reason string) {
			m.inbox.push(engineLost{gen: gen, reason: reason})
		})
	}
	if err := m.bridge.activate(ctx, engine, gen); err != nil {
		return m.abort(gen, StateDisconnected, "bridge activation failed", &ConnectionError{Op: "activate_bridge", Err: err})
	}

	if sess != nil && len(sess.CredentialBlob) > 0 {
		if snap, ok := engine.(browser.StateSnapshotter); ok {
			if err := snap.RestoreState(ctx, sess.CredentialBlob); err != nil {
				m.logger.Warn("Could not restore stored session; a QR code may be required.", zap.String("session", name), zap.Error(err))
			} else {
				m.logger.Info("Restored stored session.", zap.String("session", name), zap.Time("saved_at", sess.SavedAt))
			}
		}
	} else if sess != nil {
		m.logger.Info("Reusing browser profile.", zap.String("session", name), zap.String("profile_dir", sess.ProfileDir))
	}

	if err := engine.Navigate(ctx, m.opts.URL); err != nil {
		return m.abort(gen, StateDisconnected, "navigation failed", &ConnectionError{Op: "navigate", Err: err})
	}

	if err := engine.WaitForSelector(ctx, appShellSelector, m.opts.SelectorTimeout); err != nil {
		if ctx.Err() != nil {
			return m.abort(gen, StateDisconnected, "initialize canceled", &ConnectionError{Op: "wait_app", Err: ctx.Err()})
		}
		return m.abort(gen, StateFailed, "timeout", &AuthError{Op: "wait_app", Err: fmt.Errorf("%w: %v", ErrTimeout, err)})
	}

	if err := engine.Evaluate(ctx, jsStart, nil); err != nil {
		return m.abort(gen, StateDisconnected, "bridge failed to start", &ConnectionError{Op: "start_bridge", Err: err})
	}

	m.logger.Debug("Page bridge started; waiting for authentication.", zap.String("session", name))
	return nil
}

// waitReady blocks until READY, or returns the error that ended the attempt.
func (m *machine) waitReady(ctx context.Context) error {
	for {
		m.mu.Lock()
		st, lastErr, changed, closed := m.state, m.lastErr, m.changed, m.closed
		m.mu.Unlock()

		switch {
		case closed:
			return &ConnectionError{Op: "wait_ready", Err: ErrClosed}
		case st == StateReady:
			return nil
		case st == StateFailed:
			if lastErr == nil {
				lastErr = ErrFailed
			}
			return lastErr
		case st == StateDisconnected:
			var connErr *ConnectionError
			var authErr *AuthError
			if errors.As(lastErr, &connErr) || errors.As(lastErr, &authErr) {
				return lastErr
			}
			if lastErr == nil {
				lastErr = errors.New("disconnected")
			}
			return &ConnectionError{Op: "wait_ready", Err: lastErr}
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// handle processes one signal on the dispatch loop.
func (m *machine) handle(ctx context.Context, sig interface{}) {
	switch s := sig.(type) {
	case publish:
		m.emit(s.ev)
	case fault:
		m.report(s.err)
	case engineLost:
		m.mu.Lock()
		ok := m.failLocked(s.gen, StateDisconnected, &ConnectionError{Op: "engine", Err: errors.New(s.reason)})
		m.mu.Unlock()
		if ok {
			m.emit(Event{Type: EventDisconnected, Reason: s.reason})
		}
	case readyTimeout:
		m.onReadyTimeout(s)
	case pageEvent:
		m.onPageEvent(ctx, s)
	}
}

// onReadyTimeout fails the attempt when the signal comes from the current timer and
// closes the engine, which no longer has a use.
func (m *machine) onReadyTimeout(s readyTimeout) {
	m.mu.Lock()
	if s.gen != m.gen || s.seq != m.watchSeq {
		m.mu.Unlock()
		return
	}
	st := m.state
	ok := m.failLocked(s.gen, StateFailed, &AuthError{Op: "wait_ready", Err: fmt.Errorf("%w after %s in %s", ErrTimeout, m.opts.ReadyTimeout, st)})
	engine := m.engine
	m.mu.Unlock()
	if !ok {
		return
	}
	m.logger.Error("Timed out waiting for the client to become ready.", zap.Stringer("state", st), zap.Duration("timeout", m.opts.ReadyTimeout))
	m.emit(Event{Type: EventDisconnected, Reason: "timeout"})
	if engine != nil {
		m.closeEngine(engine)
	}
}

// onPageEvent applies one validated page event. Message events are delivered when READY
// and buffered otherwise. Lifecycle events move the state machine; an event that makes
// no sense in the current state is dropped and counted.
func (m *machine) onPageEvent(ctx context.Context, ev pageEvent) {
	m.mu.Lock()
	stale := ev.gen != m.gen || m.closed
	st := m.state
	m.mu.Unlock()
	if stale {
		m.metrics.eventDropped("stale")
		return
	}

	if ev.Type.isMessage() {
		if st == StateReady {
			m.deliverMessage(ev)
			return
		}
		m.bufferMessage(ev)
		return
	}

	switch ev.Type {
	case EventQR:
		m.onQR(ev)
	case EventAuthenticated:
		switch st {
		case StateLoadingSession, StateAwaitingQR:
			m.authenticate(ctx, ev.gen)
		case StateAuthenticating, StateReady:
			m.logger.Debug("Ignoring repeated authenticated signal.")
		default:
			m.dropLifecycle(ev, st)
		}
	case EventReady:
		switch st {
		case StateLoadingSession, StateAwaitingQR:
			// A restored session goes straight to ready; AUTHENTICATED still comes first.
			if !m.authenticate(ctx, ev.gen) {
				return
			}
			m.becomeReady(ctx, ev.gen)
		case StateAuthenticating:
			m.becomeReady(ctx, ev.gen)
		case StateReady:
			m.logger.Debug("Ignoring repeated ready signal.")
		default:
			m.dropLifecycle(ev, st)
		}
	case EventDisconnected:
		reason, err := decodeString(string(ev.Type), ev.Data)
		if err != nil {
			m.protocolFault(err)
			reason = "unknown"
		}
		if reason == "" {
			reason = "unknown"
		}
		m.mu.Lock()
		if strings.EqualFold(reason, "LOGOUT") {
			m.invalidated = true
		}
		ok := m.failLocked(ev.gen, StateDisconnected, &ConnectionError{Op: "page", Err: errors.New(reason)})
		m.mu.Unlock()
		if ok {
			m.emit(Event{Type: EventDisconnected, Reason: reason})
		}
	case EventStateChanged:
		pageState, err := decodeString(string(ev.Type), ev.Data)
		if err != nil {
			m.protocolFault(err)
			return
		}
		m.emit(Event{Type: EventStateChanged, PageState: pageState})
	}
}

func (m *machine) dropLifecycle(ev pageEvent, st State) {
	m.metrics.eventDropped("unexpected_state")
	m.logger.Warn("Dropping lifecycle event not valid in current state.", zap.String("event", string(ev.Type)), zap.Stringer("state", st))
}

// onQR emits a pairing code. Codes are accepted while loading or already awaiting a
// scan. With QRMaxRetries set, the code after the last allowed one ends the attempt
// with an AuthError instead of being shown.
func (m *machine) onQR(ev pageEvent) {
	code, err := decodeString(string(ev.Type), ev.Data)
	if err == nil && code == "" {
		err = newProtocolError(string(ev.Type), ev.Data, errMissingField("qr"))
	}
	if err != nil {
		m.protocolFault(err)
		return
	}

	m.mu.Lock()
	if m.state != StateLoadingSession && m.state != StateAwaitingQR {
		st := m.state
		m.mu.Unlock()
		m.dropLifecycle(ev, st)
		return
	}
	if m.opts.QRMaxRetries > 0 && m.qrCount >= m.opts.QRMaxRetries {
		ok := m.failLocked(ev.gen, StateDisconnected, &AuthError{Op: "qr", Err: errQRRetriesExceeded})
		m.mu.Unlock()
		if ok {
			m.logger.Warn("QR code limit reached.", zap.Int("max_retries", m.opts.QRMaxRetries))
			m.emit(Event{Type: EventDisconnected, Reason: "qr_max_retries"})
		}
		return
	}
	m.qrCount++
	if m.state != StateAwaitingQR {
		m.transitionLocked(StateAwaitingQR, nil)
	} else {
		// Each fresh code restarts the ready window.
		m.armWatchdogLocked()
	}
	attempt := m.qrCount
	m.mu.Unlock()

	m.logger.Info("QR code received.", zap.Int("attempt", attempt))
	m.emit(Event{Type: EventQR, QR: code})
}

// authenticate enters AUTHENTICATING, emits AUTHENTICATED and persists the session.
func (m *machine) authenticate(ctx context.Context, gen uint64) bool {
	m.mu.Lock()
	if gen != m.gen || m.closed {
		m.mu.Unlock()
		return false
	}
	m.transitionLocked(StateAuthenticating, nil)
	m.mu.Unlock()

	m.emit(Event{Type: EventAuthenticated})
	m.persist(ctx)
	return true
}

// becomeReady hooks the page message stream, then enters READY and flushes the buffer.
func (m *machine) becomeReady(ctx context.Context, gen uint64) {
	m.mu.Lock()
	engine := m.engine
	m.mu.Unlock()
	if engine == nil {
		return
	}

	bootCtx, cancel := context.WithTimeout(ctx, m.opts.ReadyTimeout)
	err := engine.Evaluate(bootCtx, jsBootstrap, nil)
	cancel()
	if err != nil {
		m.mu.Lock()
		ok := m.failLocked(gen, StateDisconnected, &ConnectionError{Op: "bootstrap", Err: err})
		m.mu.Unlock()
		if ok {
			m.logger.Error("Could not bootstrap the page message hooks.", zap.Error(err))
			m.emit(Event{Type: EventDisconnected, Reason: "bootstrap failed"})
		}
		return
	}

	m.mu.Lock()
	if gen != m.gen || m.closed || m.state != StateAuthenticating {
		m.mu.Unlock()
		return
	}
	m.transitionLocked(StateReady, nil)
	pending := m.buffer
	m.buffer = nil
	m.metrics.buffered(0)
	m.mu.Unlock()

	m.emit(Event{Type: EventReady})
	if len(pending) > 0 {
		m.logger.Info("Delivering message events received before ready.", zap.Int("count", len(pending)))
	}
	for _, ev := range pending {
		m.deliverMessage(ev)
	}
	m.persist(ctx)
}

// bufferMessage holds a message event until READY. The buffer keeps the newest
// PreReadyBuffer events and is dropped entirely when the attempt ends.
func (m *machine) bufferMessage(ev pageEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateDisconnected || m.state == StateFailed || m.state == StateUninitialized {
		m.metrics.eventDropped("not_connected")
		return
	}
	if len(m.buffer) >= m.opts.PreReadyBuffer {
		m.buffer = append(m.buffer[:0], m.buffer[1:]...)
		m.metrics.eventDropped("buffer_overflow")
		m.logger.Warn("Pre-ready buffer full; dropping the oldest message event.", zap.Int("capacity", m.opts.PreReadyBuffer))
	}
	m.buffer = append(m.buffer, ev)
	m.metrics.buffered(len(m.buffer))
}

// deliverMessage decodes the payload and emits it. A payload that does not decode is
// reported as a ProtocolError and skipped.
func (m *machine) deliverMessage(ev pageEvent) {
	msg, err := decodeMessage(string(ev.Type), ev.Data, m.sender)
	if err != nil {
		m.protocolFault(err)
		return
	}
	m.emit(Event{Type: ev.Type, At: ev.At, Message: msg})
}

// emit delivers ev to listeners unless the client has been closed, possibly by an
// earlier listener of the same signal.
func (m *machine) emit(ev Event) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		m.metrics.eventDropped("closed")
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	m.emitter.emit(ev)
}

func (m *machine) protocolFault(err error) {
	m.metrics.protocolError()
	m.metrics.eventDropped("malformed")
	m.logger.Error("Malformed page event.", zap.Error(err))
	m.report(err)
}

func (m *machine) report(err error) {
	if m.onError == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Panic in error handler.", zap.Any("panic_reason", r))
		}
	}()
	m.onError(err)
}

// persist saves the session. Failures are logged; the in-memory session stays usable.
func (m *machine) persist(ctx context.Context) {
	m.mu.Lock()
	engine := m.engine
	m.mu.Unlock()
	if engine == nil {
		return
	}

	pctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()

	sess := &auth.Session{Name: m.opts.SessionName, Kind: m.store.Kind(), SavedAt: time.Now().UTC()}
	if m.store.Kind() == auth.KindEphemeral {
		if snap, ok := engine.(browser.StateSnapshotter); ok {
			blob, err := snap.CaptureState(pctx)
			if err != nil {
				m.logger.Warn("Could not capture session state; it will not be saved.", zap.Error(err))
				return
			}
			sess.CredentialBlob = blob
		}
	}
	if err := m.store.Save(pctx, m.opts.SessionName, sess); err != nil {
		m.logger.Warn("Could not save session; continuing with the in-memory session.", zap.String("session", m.opts.SessionName), zap.Error(err))
		return
	}
	m.logger.Debug("Session persisted.", zap.String("session", m.opts.SessionName))
}

// markInvalidated makes close clear the stored session.
func (m *machine) markInvalidated() {
	m.mu.Lock()
	m.invalidated = true
	m.mu.Unlock()
}

// close stops the machine, tears the engine down and clears an invalidated session.
func (m *machine) close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.stopWatchdogLocked()
	engine := m.engine
	m.engine = nil
	invalidated := m.invalidated
	m.buffer = nil
	close(m.changed)
	m.changed = make(chan struct{})
	m.mu.Unlock()

	var errs []error
	if engine != nil {
		if err := engine.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to close browser: %w", err))
		}
	}
	if invalidated {
		if err := m.store.Clear(ctx, m.opts.SessionName); err != nil {
			errs = append(errs, err)
		} else {
			m.logger.Info("Cleared invalidated session.", zap.String("session", m.opts.SessionName))
		}
	}
	return errors.Join(errs...)
}

// closeEngine tears down an engine that is no longer current, with its own deadline.
func (m *machine) closeEngine(engine browser.Engine) {
	ctx, cancel := context.WithTimeout(context.Background(), engineCloseTimeout)
	defer cancel()
	if err := engine.Close(ctx); err != nil {
		m.logger.Warn("Error closing browser.", zap.Error(err))
	}
}
