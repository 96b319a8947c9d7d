// pkg/whatsapp/client.go

// Package whatsapp drives WhatsApp Web in a browser and exposes it as typed events and
// commands.
//
// A Client moves through UNINITIALIZED, LOADING_SESSION, AWAITING_QR, AUTHENTICATING and
// READY. Page events are queued in arrival order and delivered to listeners on a single
// dispatch goroutine. Message events that arrive before READY are held in a bounded
// buffer and delivered right after the READY event. Commands fail with ErrNotReady until
// the client is ready. The client never reconnects on its own: after a DISCONNECTED
// event the caller decides whether to call Initialize again.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xkilldash9x/wweb/pkg/auth"
	"github.com/xkilldash9x/wweb/pkg/browser"
)

// Client is the facade over the browser session, the auth state machine, the event
// bridge and the command dispatcher. Several clients may run in one process as long
// as they use different session names.
type Client struct {
	id         string
	opts       Options
	store      auth.Store
	logger     *zap.Logger
	registerer prometheus.Registerer
	newEngine  EngineFactory
	onError    func(error)

	metrics    *Metrics
	inbox      *inbox
	emitter    *emitter
	bridge     *bridge
	machine    *machine
	dispatcher *dispatcher
	limiter    *rate.Limiter

	loopCtx    context.Context
	loopCancel context.CancelFunc
	loopOnce   sync.Once
	loopDone   chan struct{}
	loopMu     sync.Mutex
	loopRun    bool
	// dispatching is set while the loop processes a signal, which includes running
	// listeners. Close consults it so a listener can close the client it listens to.
	dispatching atomic.Bool

	closeMu   sync.Mutex
	closing   bool
	closeDone chan struct{}
	closeErr  error
}

// WithErrorHandler receives asynchronous errors, such as a ProtocolError for a
// malformed page event. It runs on the dispatch goroutine and must not block.
func WithErrorHandler(fn func(error)) ClientOption {
	return func(c *Client) {
		c.onError = fn
	}
}

// NewClient builds a client. A nil store uses an EphemeralStore under the default data
// path. Nothing is started until Initialize.
func NewClient(opts Options, store auth.Store, clientOpts ...ClientOption) (*Client, error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if err := auth.ValidateName(opts.SessionName); err != nil {
		return nil, err
	}

	c := &Client{
		id:     uuid.New().String(),
		opts:   opts,
		logger: zap.NewNop(),
	}
	for _, o := range clientOpts {
		o(c)
	}
	c.logger = c.logger.Named("whatsapp").With(zap.String("session", opts.SessionName), zap.String("client_id", c.id))

	if store == nil {
		s, err := auth.NewEphemeralStore("", auth.WithLogger(c.logger))
		if err != nil {
			return nil, err
		}
		store = s
	}
	c.store = store

	if c.newEngine == nil {
		browserCfg := opts.Browser
		logger := c.logger
		c.newEngine = func(profileDir string) (browser.Engine, error) {
			cfg := browserCfg
			cfg.UserDataDir = profileDir
			return browser.NewSession(cfg, logger), nil
		}
	}

	limit := rate.Inf
	if opts.SendRate > 0 {
		limit = rate.Limit(opts.SendRate)
	}
	c.limiter = rate.NewLimiter(limit, opts.SendBurst)

	c.metrics = NewMetrics(c.registerer, opts.SessionName)
	c.inbox = newInbox()
	c.emitter = newEmitter(c.logger, c.metrics)
	c.bridge = newBridge(c.logger, c.metrics, c.inbox)
	c.machine = newMachine(opts, store, c.newEngine, c.bridge, c.inbox, c.emitter, c, c.onError, c.logger, c.metrics)
	c.dispatcher = newDispatcher(c.logger, c.metrics, c.machine)
	c.loopCtx, c.loopCancel = context.WithCancel(context.Background())
	c.loopDone = make(chan struct{})
	c.closeDone = make(chan struct{})
	return c, nil
}

// ID identifies this client instance in logs.
func (c *Client) ID() string { return c.id }

// Metrics exposes the client collectors.
func (c *Client) Metrics() *Metrics { return c.metrics }

// On registers h for events of type t and returns a function that removes it.
// Handlers run in registration order on the dispatch goroutine.
func (c *Client) On(t EventType, h Handler) func() {
	return c.emitter.subscribe(h, t)
}

// OnAny registers h for every event type.
func (c *Client) OnAny(h Handler) func() {
	return c.emitter.subscribe(h)
}

// State returns the current lifecycle state.
func (c *Client) State() ClientState {
	return c.machine.snapshot()
}

// Initialize opens the browser, restores the stored session and starts the page
// bridge. It returns once the page is wired; use WaitReady or the READY event to
// learn when commands are accepted. After a DISCONNECTED event it may be called again.
func (c *Client) Initialize(ctx context.Context) error {
	c.startLoop()
	return c.machine.initialize(ctx)
}

// WaitReady blocks until the client is READY, the attempt ends or ctx is done.
func (c *Client) WaitReady(ctx context.Context) error {
	return c.machine.waitReady(ctx)
}

func (c *Client) startLoop() {
	c.loopOnce.Do(func() {
		c.loopMu.Lock()
		defer c.loopMu.Unlock()
		if c.loopCtx.Err() != nil {
			return
		}
		c.loopRun = true
		go c.run()
	})
}

// run is the dispatch loop: it drains the inbox in FIFO order.
func (c *Client) run() {
	defer close(c.loopDone)
	for {
		select {
		case <-c.loopCtx.Done():
			return
		case <-c.inbox.notify:
			for _, sig := range c.inbox.drain() {
				if c.loopCtx.Err() != nil {
					return
				}
				c.dispatching.Store(true)
				c.machine.handle(c.loopCtx, sig)
				c.dispatching.Store(false)
			}
		}
	}
}

// SendMessage sends a text message, or media captioned with body when WithMedia is
// given, and returns the message as created by the page.
func (c *Client) SendMessage(ctx context.Context, to JID, body string, opts ...SendOption) (*Message, error) {
	jid, err := ParseJID(string(to))
	if err != nil {
		return nil, err
	}
	var so sendOptions
	for _, o := range opts {
		o(&so)
	}
	if so.Media != nil {
		if err := so.Media.validate(); err != nil {
			return nil, err
		}
	}
	if _, err := c.machine.readyEngine(); err != nil {
		return nil, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("send rate limit: %w", err)
	}
	raw, err := c.dispatcher.call(ctx, "sendMessage", string(jid), body, so)
	if err != nil {
		return nil, err
	}
	if isNull(raw) {
		return nil, newProtocolError("sendMessage", raw, errors.New("page returned no message"))
	}
	return decodeMessage("sendMessage", raw, c)
}

// GetChats returns every chat in the order the page lists them.
func (c *Client) GetChats(ctx context.Context) ([]*Chat, error) {
	raw, err := c.dispatcher.call(ctx, "getChats")
	if err != nil {
		return nil, err
	}
	return decodeList("getChats", raw, func(src string, b []byte) (*Chat, error) {
		return decodeChat(src, b, c)
	})
}

// GetChatByID returns one chat or ErrNotFound.
func (c *Client) GetChatByID(ctx context.Context, id JID) (*Chat, error) {
	jid, err := ParseJID(string(id))
	if err != nil {
		return nil, err
	}
	raw, err := c.dispatcher.call(ctx, "getChatById", string(jid))
	if err != nil {
		return nil, err
	}
	if isNull(raw) {
		return nil, fmt.Errorf("chat '%s': %w", id, ErrNotFound)
	}
	return decodeChat("getChatById", raw, c)
}

// GetContacts returns the address book.
func (c *Client) GetContacts(ctx context.Context) ([]*Contact, error) {
	raw, err := c.dispatcher.call(ctx, "getContacts")
	if err != nil {
		return nil, err
	}
	return decodeList("getContacts", raw, decodeContact)
}

// GetContact returns one contact or ErrNotFound.
func (c *Client) GetContact(ctx context.Context, id JID) (*Contact, error) {
	jid, err := ParseJID(string(id))
	if err != nil {
		return nil, err
	}
	raw, err := c.dispatcher.call(ctx, "getContactById", string(jid))
	if err != nil {
		return nil, err
	}
	if isNull(raw) {
		return nil, fmt.Errorf("contact '%s': %w", id, ErrNotFound)
	}
	return decodeContact("getContactById", raw)
}

// GetMessageByID returns one message or ErrNotFound.
func (c *Client) GetMessageByID(ctx context.Context, id string) (*Message, error) {
	if id == "" {
		return nil, fmt.Errorf("message id is empty: %w", ErrNotFound)
	}
	raw, err := c.dispatcher.call(ctx, "getMessageById", id)
	if err != nil {
		return nil, err
	}
	if isNull(raw) {
		return nil, fmt.Errorf("message '%s': %w", id, ErrNotFound)
	}
	return decodeMessage("getMessageById", raw, c)
}

// Logout unlinks the device. The stored session is cleared when the client is closed.
func (c *Client) Logout(ctx context.Context) error {
	if _, err := c.dispatcher.call(ctx, "logout"); err != nil {
		return err
	}
	c.machine.markInvalidated()
	c.logger.Info("Logged out; the stored session will be cleared on close.")
	return nil
}

// Close stops accepting commands, cancels in-flight ones, stops event delivery and
// tears the browser down. Calling it again is a no-op that returns the first result.
//
// Close may be called from a listener. In that case it does not wait for the dispatch
// loop, which is the caller's own goroutine; the loop exits once the listener returns.
// From any other goroutine Close waits for the loop to stop or for ctx to end.
func (c *Client) Close(ctx context.Context) error {
	fromLoop := c.dispatching.Load()

	c.closeMu.Lock()
	if c.closing {
		c.closeMu.Unlock()
		if fromLoop {
			return nil
		}
		select {
		case <-c.closeDone:
			return c.closeErr
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.closing = true
	c.closeMu.Unlock()

	c.logger.Info("Closing client.", zap.Bool("from_listener", fromLoop))
	c.dispatcher.close()

	c.loopMu.Lock()
	c.loopCancel()
	started := c.loopRun
	c.loopMu.Unlock()
	if started && !fromLoop {
		select {
		case <-c.loopDone:
		case <-ctx.Done():
			c.logger.Warn("Dispatch loop still busy at close deadline; continuing teardown.")
		}
	}

	c.closeErr = c.machine.close(ctx)
	close(c.closeDone)
	return c.closeErr
}
