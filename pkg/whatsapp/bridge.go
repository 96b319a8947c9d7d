// pkg/whatsapp/bridge.go
package whatsapp

import (
	"context"
	_ "embed"
	"fmt"
	"sync"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/wweb/pkg/browser"
)

// bindingName is the host function the page script calls with every raw event.
const bindingName = "__wwebEmit"

//go:embed scripts/bridge.js
var bridgeScript string

// Signals consumed by the dispatch loop. All of them travel through one FIFO so page
// events, engine loss, watchdog expiry and client-produced events keep their order.
type (
	// pageEvent is a validated raw event from the page script.
	pageEvent struct {
		gen  uint64
		Type EventType
		Data []byte
		At   time.Time
	}
	// engineLost reports that the browser of generation gen went away.
	engineLost struct {
		gen    uint64
		reason string
	}
	// readyTimeout fires when a watchdog armed at (gen, seq) expires.
	readyTimeout struct {
		gen uint64
		seq uint64
	}
	// publish delivers an event produced outside the loop, e.g. by Initialize.
	publish struct {
		ev Event
	}
	// fault hands an asynchronous error to the error handler on the loop goroutine.
	fault struct {
		err error
	}
)

// inbox is an unbounded FIFO. push never blocks, which matters because it is called
// from the browser's event goroutine.
type inbox struct {
	mu     sync.Mutex
	items  []interface{}
	notify chan struct{}
}

func newInbox() *inbox {
	return &inbox{notify: make(chan struct{}, 1)}
}

func (q *inbox) push(s interface{}) {
	q.mu.Lock()
	q.items = append(q.items, s)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// drain takes every queued signal in arrival order.
func (q *inbox) drain() []interface{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

func (q *inbox) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// bridge wires the page script to the host: it exposes the emit binding, injects the
// script and turns raw payloads into queued pageEvents.
type bridge struct {
	logger  *zap.Logger
	metrics *Metrics
	inbox   *inbox
}

func newBridge(logger *zap.Logger, metrics *Metrics, q *inbox) *bridge {
	return &bridge{
		logger:  logger.Named("bridge"),
		metrics: metrics,
		inbox:   q,
	}
}

// activate must run before the first navigation so the script is present on the
// WhatsApp document.
func (b *bridge) activate(ctx context.Context, engine browser.Engine, gen uint64) error {
	err := engine.ExposeCallback(ctx, bindingName, func(payload string) {
		b.receive(gen, payload)
	})
	if err != nil {
		return fmt.Errorf("failed to expose bridge callback: %w", err)
	}
	if err := engine.InjectScript(ctx, bridgeScript); err != nil {
		return fmt.Errorf("failed to inject bridge script: %w", err)
	}
	b.logger.Debug("Bridge activated.", zap.Uint64("generation", gen))
	return nil
}

type rawEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// receive validates the envelope and queues known events. Unknown tags are dropped.
func (b *bridge) receive(gen uint64, payload string) {
	var raw rawEvent
	if err := json.UnmarshalFromString(payload, &raw); err != nil {
		b.reject(newProtocolError("envelope", []byte(payload), err))
		return
	}
	if raw.Type == "" {
		b.reject(newProtocolError("envelope", []byte(payload), errMissingField("type")))
		return
	}

	t := EventType(raw.Type)
	if !t.valid() {
		b.metrics.eventReceived("unknown")
		b.metrics.eventDropped("unknown_type")
		b.logger.Warn("Dropping page event with unknown type.", zap.String("type", raw.Type))
		return
	}
	b.metrics.eventReceived(raw.Type)

	b.inbox.push(pageEvent{
		gen:  gen,
		Type: t,
		Data: []byte(raw.Data),
		At:   time.Now(),
	})
}

func (b *bridge) reject(err *ProtocolError) {
	b.metrics.protocolError()
	b.metrics.eventDropped("malformed")
	b.logger.Error("Malformed page event.", zap.String("source", err.Source), zap.String("payload", err.Payload), zap.Error(err.Err))
	b.inbox.push(fault{err: err})
}

// decodeString reads a string payload, also accepting {"value": "..."} / {"reason": "..."}.
func decodeString(source string, data []byte) (string, error) {
	if isNull(data) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return s, nil
	}
	var obj struct {
		Value  *string `json:"value"`
		Reason *string `json:"reason"`
		State  *string `json:"state"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return "", newProtocolError(source, data, fmt.Errorf("expected a string: %w", err))
	}
	switch {
	case obj.Value != nil:
		return *obj.Value, nil
	case obj.Reason != nil:
		return *obj.Reason, nil
	case obj.State != nil:
		return *obj.State, nil
	}
	return "", newProtocolError(source, data, errMissingField("value"))
}
