package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/wweb/pkg/auth"
	"github.com/xkilldash9x/wweb/pkg/browser"
)

// commandFunc answers a page command with a result value or a page error.
type commandFunc func(ctx context.Context, args []json.RawMessage) (interface{}, error)

// fakeEngine is a scripted browser.Engine. It implements the optional snapshot and
// disconnect interfaces as well.
type fakeEngine struct {
	mu sync.Mutex

	profileDir   string
	opened       bool
	closed       bool
	navigated    []string
	injected     []string
	callbacks    map[string]func(string)
	onDisconnect []func(string)
	restored     [][]byte
	evaluations  []string
	bootstraps   int

	openErr      error
	navigateErr  error
	selectorErr  error
	startErr     error
	bootstrapErr error
	captureBlob  []byte
	captureErr   error
	commands     map[string]commandFunc
	// rawResult overrides the envelope returned for a command.
	rawResult map[string]string
	// onStart runs when the bridge is started, typically to emit page events.
	onStart func(f *fakeEngine)
	// onBootstrap runs when the message hooks are installed.
	onBootstrap func(f *fakeEngine)
}

var (
	_ browser.Engine             = (*fakeEngine)(nil)
	_ browser.StateSnapshotter   = (*fakeEngine)(nil)
	_ browser.DisconnectNotifier = (*fakeEngine)(nil)
)

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		callbacks:   make(map[string]func(string)),
		commands:    make(map[string]commandFunc),
		rawResult:   make(map[string]string),
		captureBlob: []byte(`{"cookies":[]}`),
	}
}

func (f *fakeEngine) Open(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return f.openErr
	}
	f.opened = true
	f.closed = false
	return nil
}

func (f *fakeEngine) Navigate(ctx context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return browser.ErrSessionClosed
	}
	f.navigated = append(f.navigated, url)
	return f.navigateErr
}

func (f *fakeEngine) InjectScript(ctx context.Context, source string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.injected = append(f.injected, source)
	return nil
}

func (f *fakeEngine) ExposeCallback(ctx context.Context, name string, fn func(string)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callbacks[name] = fn
	return nil
}

func (f *fakeEngine) WaitForSelector(ctx context.Context, selector string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.selectorErr != nil {
		return &browser.ElementNotFoundError{Selector: selector, Err: f.selectorErr}
	}
	return nil
}

func (f *fakeEngine) Evaluate(ctx context.Context, script string, res interface{}) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return browser.ErrSessionClosed
	}
	f.evaluations = append(f.evaluations, script)
	f.mu.Unlock()

	switch script {
	case jsStart:
		f.mu.Lock()
		err, hook := f.startErr, f.onStart
		f.mu.Unlock()
		if err != nil {
			return err
		}
		if hook != nil {
			hook(f)
		}
		return nil
	case jsBootstrap:
		f.mu.Lock()
		f.bootstraps++
		err, hook := f.bootstrapErr, f.onBootstrap
		f.mu.Unlock()
		if err != nil {
			return err
		}
		if hook != nil {
			hook(f)
		}
		return nil
	}

	name, args, err := parseCallScript(script)
	if err != nil {
		return err
	}
	envelope, err := f.answer(ctx, name, args)
	if err != nil {
		return err
	}
	if raw, ok := res.(*[]byte); ok {
		*raw = []byte(envelope)
		return nil
	}
	if res == nil {
		return nil
	}
	return json.Unmarshal([]byte(envelope), res)
}

func (f *fakeEngine) answer(ctx context.Context, name string, args []json.RawMessage) (string, error) {
	f.mu.Lock()
	raw, hasRaw := f.rawResult[name]
	fn := f.commands[name]
	f.mu.Unlock()

	if hasRaw {
		return raw, nil
	}
	if fn == nil {
		return fmt.Sprintf(`{"ok":false,"error":"unknown command: %s"}`, name), nil
	}
	result, err := fn(ctx, args)
	if err != nil {
		var pageErr *pageError
		if errors.As(err, &pageErr) {
			msg, _ := json.Marshal(pageErr.msg)
			return fmt.Sprintf(`{"ok":false,"error":%s}`, msg), nil
		}
		return "", err
	}
	encoded, err := json.Marshal(map[string]interface{}{"ok": true, "result": result})
	return string(encoded), err
}

// pageError makes a commandFunc answer {ok:false, error}.
type pageError struct{ msg string }

func (e *pageError) Error() string { return e.msg }

// parseCallScript recovers the command name and arguments from a dispatcher script.
func parseCallScript(script string) (string, []json.RawMessage, error) {
	const marker = "return await b.call("
	start := strings.Index(script, marker)
	end := strings.LastIndex(script, ");")
	if start < 0 || end < start {
		return "", nil, fmt.Errorf("unexpected script: %s", script)
	}
	var parts []json.RawMessage
	if err := json.Unmarshal([]byte("["+script[start+len(marker):end]+"]"), &parts); err != nil {
		return "", nil, err
	}
	var name string
	if err := json.Unmarshal(parts[0], &name); err != nil {
		return "", nil, err
	}
	var args []json.RawMessage
	if err := json.Unmarshal(parts[1], &args); err != nil {
		return "", nil, err
	}
	return name, args, nil
}

func (f *fakeEngine) Close(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeEngine) CaptureState(ctx context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.captureBlob, f.captureErr
}

func (f *fakeEngine) RestoreState(ctx context.Context, blob []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restored = append(f.restored, blob)
	return nil
}

func (f *fakeEngine) OnDisconnect(fn func(reason string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onDisconnect = append(f.onDisconnect, fn)
}

// emit simulates the page calling the host binding.
func (f *fakeEngine) emit(t EventType, data interface{}) {
	payload, err := json.Marshal(map[string]interface{}{"type": string(t), "data": data})
	if err != nil {
		panic(err)
	}
	f.emitRaw(string(payload))
}

func (f *fakeEngine) emitRaw(payload string) {
	f.mu.Lock()
	cb := f.callbacks[bindingName]
	f.mu.Unlock()
	if cb == nil {
		panic("bridge binding was not exposed")
	}
	cb(payload)
}

// lose simulates the browser process going away.
func (f *fakeEngine) lose(reason string) {
	f.mu.Lock()
	handlers := append([]func(string){}, f.onDisconnect...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(reason)
	}
}

func (f *fakeEngine) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeEngine) commandCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.evaluations {
		if s != jsStart && s != jsBootstrap {
			n++
		}
	}
	return n
}

// recorder collects delivered events.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) handle(ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

func (r *recorder) count(t EventType) int {
	n := 0
	for _, tt := range r.types() {
		if tt == t {
			n++
		}
	}
	return n
}

type fixture struct {
	t      *testing.T
	client *Client
	engine *fakeEngine
	store  auth.Store
	events *recorder
	errs   *errorSink
}

type errorSink struct {
	mu   sync.Mutex
	errs []error
}

func (s *errorSink) add(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
}

func (s *errorSink) all() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.errs...)
}

// newFixture builds a client over a fake engine and an ephemeral store in a temp dir.
// The same engine is returned by every factory call unless the test swaps it.
func newFixture(t *testing.T, configure func(*Options)) *fixture {
	t.Helper()
	store, err := auth.NewEphemeralStore(t.TempDir(), auth.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	return newFixtureWithStore(t, store, configure)
}

func newFixtureWithStore(t *testing.T, store auth.Store, configure func(*Options)) *fixture {
	t.Helper()
	opts := DefaultOptions()
	opts.SessionName = "test"
	opts.ReadyTimeout = 5 * time.Second
	if configure != nil {
		configure(&opts)
	}

	fx := &fixture{t: t, engine: newFakeEngine(), store: store, events: &recorder{}, errs: &errorSink{}}
	var mu sync.Mutex
	client, err := NewClient(opts, store,
		WithLogger(zaptest.NewLogger(t)),
		WithErrorHandler(fx.errs.add),
		WithEngineFactory(func(profileDir string) (browser.Engine, error) {
			mu.Lock()
			defer mu.Unlock()
			fx.engine.profileDir = profileDir
			return fx.engine, nil
		}),
	)
	require.NoError(t, err)
	fx.client = client
	client.OnAny(fx.events.handle)
	return fx
}

func (fx *fixture) close() {
	assert.NoError(fx.t, fx.client.Close(context.Background()))
}

// scriptFreshLogin makes the page ask for a QR code when the bridge starts.
func (fx *fixture) scriptFreshLogin(qr string) {
	fx.engine.onStart = func(f *fakeEngine) {
		f.emit(EventQR, qr)
	}
}

// scriptRestoredLogin makes the page report an existing login when the bridge starts.
func (fx *fixture) scriptRestoredLogin() {
	fx.engine.onStart = func(f *fakeEngine) {
		f.emit(EventReady, nil)
	}
}

// initReady initializes with a restored login and waits for READY.
func (fx *fixture) initReady() {
	fx.t.Helper()
	fx.scriptRestoredLogin()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(fx.t, fx.client.Initialize(ctx))
	require.NoError(fx.t, fx.client.WaitReady(ctx))
}

func (fx *fixture) waitForState(s State) {
	fx.t.Helper()
	require.Eventually(fx.t, func() bool {
		return fx.client.State().State == s
	}, 2*time.Second, 5*time.Millisecond, "state never became %s (is %s)", s, fx.client.State().State)
}

func (fx *fixture) waitForEvents(n int) []Event {
	fx.t.Helper()
	require.Eventually(fx.t, func() bool {
		return len(fx.events.all()) >= n
	}, 2*time.Second, 5*time.Millisecond, "expected at least %d events, got %v", n, fx.events.types())
	return fx.events.all()
}

func messagePayload(id, from, to, body string, fromMe bool) map[string]interface{} {
	remote := from
	if fromMe {
		remote = to
	}
	return map[string]interface{}{
		"id":   map[string]interface{}{"_serialized": id, "remote": remote, "fromMe": fromMe},
		"from": from,
		"to":   to,
		"body": body,
		"t":    1700000000,
		"type": "chat",
	}
}
