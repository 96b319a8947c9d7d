// pkg/whatsapp/emitter.go
package whatsapp

import (
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"
)

type subscription struct {
	id      uint64
	types   map[EventType]struct{} // nil means every type
	handler Handler
}

func (s *subscription) wants(t EventType) bool {
	if s.types == nil {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// emitter is a multi-subscriber broadcast. Handlers for one event run sequentially in
// registration order; each is isolated from the failures of the others.
type emitter struct {
	logger  *zap.Logger
	metrics *Metrics

	mu     sync.RWMutex
	subs   []*subscription
	nextID uint64
}

func newEmitter(logger *zap.Logger, metrics *Metrics) *emitter {
	return &emitter{logger: logger.Named("emitter"), metrics: metrics}
}

// subscribe registers h for the given types (all types when none are given) and
// returns a function that removes it.
func (e *emitter) subscribe(h Handler, types ...EventType) func() {
	if h == nil {
		return func() {}
	}
	sub := &subscription{handler: h}
	if len(types) > 0 {
		sub.types = make(map[EventType]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	e.mu.Lock()
	e.nextID++
	sub.id = e.nextID
	e.subs = append(e.subs, sub)
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			for i, s := range e.subs {
				if s.id == sub.id {
					e.subs = append(e.subs[:i:i], e.subs[i+1:]...)
					break
				}
			}
		})
	}
}

// emit delivers ev to every matching handler and returns the number invoked.
func (e *emitter) emit(ev Event) int {
	e.mu.RLock()
	targets := make([]*subscription, 0, len(e.subs))
	for _, s := range e.subs {
		if s.wants(ev.Type) {
			targets = append(targets, s)
		}
	}
	e.mu.RUnlock()

	e.metrics.eventDelivered(ev.Type)
	for _, s := range targets {
		if err := e.invoke(s, ev); err != nil {
			e.metrics.listenerFailed(ev.Type)
			e.logger.Warn("Event listener failed.",
				zap.String("event", string(ev.Type)),
				zap.Uint64("listener_id", s.id),
				zap.Error(err))
		}
	}
	return len(targets)
}

func (e *emitter) invoke(s *subscription, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Panic in event listener.",
				zap.String("event", string(ev.Type)),
				zap.Any("panic_reason", r),
				zap.String("stack", string(debug.Stack())))
			err = fmt.Errorf("listener panicked: %v", r)
		}
	}()
	return s.handler(ev)
}
