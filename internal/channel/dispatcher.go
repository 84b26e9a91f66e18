package channel

import (
	"fmt"
	"log/slog"
	"sync"

	"jarvis-link/internal/model"
)

// Handler consumes one inbound envelope. Handlers run synchronously on the
// connection's read goroutine and must not block: a slow handler stalls all
// inbound processing for that connection.
type Handler func(model.Envelope)

type subscription struct {
	id uint64
	fn Handler
}

// Dispatcher routes inbound envelopes to the handlers registered for their
// type, in registration order.
type Dispatcher struct {
	logger *slog.Logger

	mu       sync.RWMutex
	nextID   uint64
	handlers map[model.MessageType][]subscription
}

func NewDispatcher(logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		logger:   logger,
		handlers: make(map[model.MessageType][]subscription),
	}
}

// On registers h for typ and returns a function that removes it. The
// returned function is safe to call more than once.
func (d *Dispatcher) On(typ model.MessageType, h Handler) (unsubscribe func()) {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	// Copy on write so Dispatch can iterate a snapshot without the lock.
	subs := make([]subscription, 0, len(d.handlers[typ])+1)
	subs = append(subs, d.handlers[typ]...)
	d.handlers[typ] = append(subs, subscription{id: id, fn: h})
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { d.remove(typ, id) })
	}
}

func (d *Dispatcher) remove(typ model.MessageType, id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cur := d.handlers[typ]
	next := make([]subscription, 0, len(cur))
	for _, s := range cur {
		if s.id != id {
			next = append(next, s)
		}
	}
	if len(next) == 0 {
		delete(d.handlers, typ)
		return
	}
	d.handlers[typ] = next
}

// Handlers returns the number of handlers registered for typ.
func (d *Dispatcher) Handlers(typ model.MessageType) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[typ])
}

// Dispatch invokes every handler registered for env's type and returns how
// many ran. Unregistered types are logged and ignored. A panicking handler
// is logged and does not stop the remaining handlers.
func (d *Dispatcher) Dispatch(env model.Envelope) int {
	d.mu.RLock()
	subs := d.handlers[env.Type()]
	d.mu.RUnlock()

	if len(subs) == 0 {
		d.logger.Debug("no handler for inbound envelope", "type", env.Type())
		return 0
	}
	for _, s := range subs {
		d.invoke(s, env)
	}
	return len(subs)
}

func (d *Dispatcher) invoke(s subscription, env model.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("inbound handler panicked", "type", env.Type(), "panic", fmt.Sprint(r))
		}
	}()
	s.fn(env)
}
