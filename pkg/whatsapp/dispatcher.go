// pkg/whatsapp/dispatcher.go
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/wweb/pkg/browser"
)

// engineSource yields the engine while commands are allowed.
type engineSource interface {
	readyEngine() (browser.Engine, error)
}

// dispatcher turns outbound commands into page evaluations. It keeps no queue; each
// call is an independent Evaluate and concurrent calls rely on the engine.
//
// The dispatcher owns a context of its own that outlives any single call. close cancels
// it, which aborts every in-flight Evaluate, and then waits for those calls to return
// so that the engine can be torn down safely afterwards.
type dispatcher struct {
	logger  *zap.Logger
	metrics *Metrics
	source  engineSource

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

// newDispatcher builds a dispatcher that asks source for the engine on every call, so
// commands are rejected as soon as the client leaves READY.
func newDispatcher(logger *zap.Logger, metrics *Metrics, source engineSource) *dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &dispatcher{
		logger:  logger.Named("dispatcher"),
		metrics: metrics,
		source:  source,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// envelope is the reply shape of window.__wweb.call. OK is a pointer so that a reply
// without the field is told apart from an explicit failure.
type envelope struct {
	OK     *bool           `json:"ok"`
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

// call invokes window.__wweb.call(command, args) and returns the raw JSON result.
//
// Errors are classified by where they happened. A client that is not READY gives
// ErrNotReady without touching the page. A failure inside the engine, including
// cancellation by ctx or by close, is a ConnectionError. A reply that is not a valid
// envelope is a ProtocolError, and a command that threw in the page is a CommandError
// carrying the page's message.
func (d *dispatcher) call(ctx context.Context, command string, args ...interface{}) (json.RawMessage, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, &ConnectionError{Op: command, Err: ErrClosed}
	}
	d.inflight.Add(1)
	d.mu.Unlock()
	defer d.inflight.Done()

	engine, err := d.source.readyEngine()
	if err != nil {
		d.metrics.commandDone(command, "not_ready", 0)
		return nil, err
	}

	script, err := buildCallScript(command, args)
	if err != nil {
		return nil, fmt.Errorf("failed to encode arguments for '%s': %w", command, err)
	}

	callID := uuid.New().String()
	logger := d.logger.With(zap.String("command", command), zap.String("call_id", callID))
	logger.Debug("Dispatching page command.")

	runCtx, cancel := browser.CombineContext(d.ctx, ctx)
	defer cancel()

	start := time.Now()
	var raw []byte
	err = engine.Evaluate(runCtx, script, &raw)
	elapsed := time.Since(start)
	if err != nil {
		if d.ctx.Err() != nil {
			err = errors.Join(ErrClosed, err)
		} else if ctx.Err() != nil && !errors.Is(err, ctx.Err()) {
			err = errors.Join(ctx.Err(), err)
		}
		d.metrics.commandDone(command, "connection_error", elapsed)
		logger.Warn("Page command failed at the engine.", zap.Error(err))
		return nil, &ConnectionError{Op: command, Err: err}
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.OK == nil {
		if err == nil {
			err = errMissingField("ok")
		}
		d.metrics.commandDone(command, "protocol_error", elapsed)
		d.metrics.protocolError()
		perr := newProtocolError(command, raw, err)
		logger.Error("Page command returned a malformed envelope.", zap.Error(perr))
		return nil, perr
	}
	if !*env.OK {
		msg := env.Error
		if msg == "" {
			msg = "unknown page error"
		}
		d.metrics.commandDone(command, "command_error", elapsed)
		logger.Warn("Page command raised an error.", zap.String("page_error", msg))
		return nil, &CommandError{Command: command, Message: msg}
	}

	d.metrics.commandDone(command, "ok", elapsed)
	logger.Debug("Page command completed.", zap.Duration("elapsed", elapsed))
	return env.Result, nil
}

// buildCallScript renders a self-contained async expression for command. Arguments are
// JSON encoded so that no user text is ever interpreted as script.
func buildCallScript(command string, args []interface{}) (string, error) {
	if args == nil {
		args = []interface{}{}
	}
	name, err := json.Marshal(command)
	if err != nil {
		return "", err
	}
	encoded, err := json.Marshal(args)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(`(async () => {
	const b = window.__wweb;
	if (!b || typeof b.call !== 'function') { return { ok: false, error: 'bridge not injected' }; }
	return await b.call(%s, %s);
})()`, name, encoded), nil
}

// close rejects new calls, cancels in-flight ones and waits for them to return.
func (d *dispatcher) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	d.cancel()
	d.inflight.Wait()
}
