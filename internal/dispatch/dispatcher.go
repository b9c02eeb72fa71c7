// Package dispatch applies decoded events to the channel store and fans them
// out to registered handlers.
package dispatch

import (
	"errors"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"

	"github.com/luciancaetano/cytubenet"
	"github.com/luciancaetano/cytubenet/channel"
	"github.com/luciancaetano/cytubenet/event"
	"github.com/luciancaetano/cytubenet/internal/metrics"
)

type entry struct {
	id      uint64
	handler cytubenet.Handler
}

type waiter struct {
	kinds []event.Kind
	ch    chan event.Event
}

// Dispatcher is safe for concurrent registration. Dispatch itself must be
// called from a single goroutine.
type Dispatcher struct {
	store   *channel.Store
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu       sync.RWMutex
	nextID   uint64
	handlers map[event.Kind][]entry
	waiters  map[uint64]*waiter
}

type Option func(*Dispatcher)

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

func New(store *channel.Store, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:    store,
		logger:   slog.Default(),
		handlers: make(map[event.Kind][]entry),
		waiters:  make(map[uint64]*waiter),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.metrics == nil {
		d.metrics = metrics.New(nil, "")
	}
	return d
}

// On registers handler for kind (event.Any for every kind) and returns a
// function that removes it.
func (d *Dispatcher) On(kind event.Kind, handler cytubenet.Handler) func() {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.handlers[kind] = append(d.handlers[kind], entry{id: id, handler: handler})
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			d.handlers[kind] = slices.DeleteFunc(d.handlers[kind], func(e entry) bool { return e.id == id })
		})
	}
}

// Expect returns a channel that receives the first dispatched event of any
// of kinds, after it has been applied to the store. cancel releases the
// waiter if it is no longer needed.
func (d *Dispatcher) Expect(kinds ...event.Kind) (<-chan event.Event, func()) {
	w := &waiter{kinds: kinds, ch: make(chan event.Event, 1)}

	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.waiters[id] = w
	d.mu.Unlock()

	return w.ch, func() {
		d.mu.Lock()
		delete(d.waiters, id)
		d.mu.Unlock()
	}
}

// Dispatch applies ev to the store, then wakes waiters, then calls the
// handlers registered for its kind followed by the wildcard handlers.
func (d *Dispatcher) Dispatch(ev event.Event) {
	kind := ev.Kind()
	label := string(kind)
	if _, ok := ev.(event.Unhandled); ok {
		label = "unhandled"
	}

	if _, local := ev.(event.StatusChange); !local {
		if err := d.store.Apply(ev); err != nil {
			d.noop(ev, label, err)
		}
		d.metrics.EventsApplied.WithLabelValues(label).Inc()
	}

	d.mu.Lock()
	for id, w := range d.waiters {
		if slices.Contains(w.kinds, kind) || slices.Contains(w.kinds, event.Any) {
			w.ch <- ev
			delete(d.waiters, id)
		}
	}
	handlers := slices.Concat(d.handlers[kind], d.handlers[event.Any])
	d.mu.Unlock()

	if len(handlers) == 0 {
		return
	}

	snap := d.store.Snapshot()
	for _, e := range handlers {
		d.call(e.handler, ev, snap)
	}
}

func (d *Dispatcher) noop(ev event.Event, label string, err error) {
	switch {
	case errors.Is(err, channel.ErrUnknownUser), errors.Is(err, channel.ErrUnknownItem), errors.Is(err, channel.ErrUnknownAnchor):
		d.metrics.StoreNoops.WithLabelValues(label).Inc()
		d.logger.Warn("Event references unknown state", "event", label, "err", err)
	default:
		d.logger.Error("Failed to apply event", "event", label, "err", err)
	}
}

func (d *Dispatcher) call(h cytubenet.Handler, ev event.Event, snap channel.Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			d.metrics.HandlerPanics.Inc()
			d.logger.Error("Handler panicked",
				"event", string(ev.Kind()),
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()
	h(ev, snap)
}
