// Package bus is a small publish/subscribe hub. Modules talk via events
// instead of holding references to each other.
package bus

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultHistorySize = 100

// ErrWaitTimeout is returned by WaitFor when no matching event arrives in time.
var ErrWaitTimeout = errors.New("bus: wait timed out")

// Meta accompanies every delivery.
type Meta struct {
	Event string
	Time  time.Time
}

// Handler receives the payload of a single event.
type Handler func(payload any, meta Meta)

// WildcardHandler receives every event emitted on the bus.
type WildcardHandler func(event string, payload any, meta Meta)

// Record is one remembered emission.
type Record struct {
	Event   string
	Payload any
	Time    time.Time
}

type entry struct {
	handler  Handler
	priority int
}

// Bus delivers events to subscribers in priority order. The zero value is
// not usable; construct with New so tests and pages get fresh instances
// instead of sharing module-level state.
type Bus struct {
	mu        sync.Mutex
	listeners map[string][]*entry
	once      map[string][]*entry
	wildcards []*wildcardEntry
	history   []Record
	histMax   int

	asyncCh chan func()
	stopped chan struct{}
	closeMu sync.Once

	log *zap.Logger
}

type wildcardEntry struct {
	handler WildcardHandler
}

// New creates a Bus and starts its async dispatch loop.
func New(log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	b := &Bus{
		listeners: make(map[string][]*entry),
		once:      make(map[string][]*entry),
		histMax:   defaultHistorySize,
		asyncCh:   make(chan func(), 256),
		stopped:   make(chan struct{}),
		log:       log,
	}
	go b.dispatchLoop()
	return b
}

func (b *Bus) dispatchLoop() {
	for {
		select {
		case fn := <-b.asyncCh:
			fn()
		case <-b.stopped:
			return
		}
	}
}

// Close stops the async dispatch loop. Pending async emissions are dropped.
func (b *Bus) Close() {
	b.closeMu.Do(func() { close(b.stopped) })
}

// Option configures a subscription.
type Option func(*subOpts)

type subOpts struct {
	once     bool
	priority int
}

// Once removes the subscription after its first delivery.
func Once() Option { return func(o *subOpts) { o.once = true } }

// WithPriority orders handlers for the same event; higher fires first.
// Ties keep registration order.
func WithPriority(p int) Option { return func(o *subOpts) { o.priority = p } }

// On subscribes handler to event and returns an unsubscribe func.
func (b *Bus) On(event string, handler Handler, opts ...Option) func() {
	var o subOpts
	for _, opt := range opts {
		opt(&o)
	}

	e := &entry{handler: handler, priority: o.priority}

	b.mu.Lock()
	defer b.mu.Unlock()

	if o.once {
		b.once[event] = append(b.once[event], e)
		return func() { b.remove(b.once, event, e) }
	}

	list := b.listeners[event]
	idx := len(list)
	for i, cur := range list {
		if cur.priority < e.priority {
			idx = i
			break
		}
	}
	list = append(list, nil)
	copy(list[idx+1:], list[idx:])
	list[idx] = e
	b.listeners[event] = list
	return func() { b.remove(b.listeners, event, e) }
}

func (b *Bus) remove(m map[string][]*entry, event string, e *entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := m[event]
	for i, cur := range list {
		if cur == e {
			m[event] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(m[event]) == 0 {
		delete(m, event)
	}
}

// OnWildcard subscribes handler to every event. Wildcard handlers fire after
// the event's own handlers.
func (b *Bus) OnWildcard(handler WildcardHandler) func() {
	w := &wildcardEntry{handler: handler}
	b.mu.Lock()
	b.wildcards = append(b.wildcards, w)
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, cur := range b.wildcards {
			if cur == w {
				b.wildcards = append(b.wildcards[:i], b.wildcards[i+1:]...)
				return
			}
		}
	}
}

// EmitOption configures a single emission.
type EmitOption func(*emitOpts)

type emitOpts struct {
	async   bool
	bubbles bool
}

// Async defers delivery to the bus's dispatch goroutine instead of running
// handlers on the caller's stack. Async emissions stay FIFO relative to each
// other.
func Async() EmitOption { return func(o *emitOpts) { o.async = true } }

// Bubbles re-emits the payload on each colon-delimited parent scope after
// the primary handlers run. Derived emissions never bubble again.
func Bubbles() EmitOption { return func(o *emitOpts) { o.bubbles = true } }

// Emit publishes payload under event.
func (b *Bus) Emit(event string, payload any, opts ...EmitOption) {
	var o emitOpts
	for _, opt := range opts {
		opt(&o)
	}

	meta := Meta{Event: event, Time: time.Now()}

	b.mu.Lock()
	b.history = append(b.history, Record{Event: event, Payload: payload, Time: meta.Time})
	if len(b.history) > b.histMax {
		b.history = b.history[len(b.history)-b.histMax:]
	}
	b.mu.Unlock()

	if o.async {
		select {
		case b.asyncCh <- func() { b.deliver(event, payload, meta, o.bubbles) }:
		case <-b.stopped:
		}
		return
	}
	b.deliver(event, payload, meta, o.bubbles)
}

func (b *Bus) deliver(event string, payload any, meta Meta, bubbles bool) {
	b.mu.Lock()
	persistent := make([]*entry, len(b.listeners[event]))
	copy(persistent, b.listeners[event])
	onceList := b.once[event]
	delete(b.once, event)
	wild := make([]*wildcardEntry, len(b.wildcards))
	copy(wild, b.wildcards)
	b.mu.Unlock()

	// Persistent handlers first (priority order), then one-shots in
	// registration order. One-shots were already removed above so a
	// re-entrant Emit cannot fire them twice.
	for _, e := range persistent {
		b.call(event, e.handler, payload, meta)
	}
	for _, e := range onceList {
		b.call(event, e.handler, payload, meta)
	}
	for _, w := range wild {
		b.callWildcard(event, w.handler, payload, meta)
	}

	if bubbles {
		parts := strings.Split(event, ":")
		for i := len(parts) - 1; i > 0; i-- {
			parent := strings.Join(parts[:i], ":")
			b.Emit(parent, payload)
		}
	}
}

func (b *Bus) call(event string, h Handler, payload any, meta Meta) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event handler panic", zap.String("event", event), zap.Any("panic", r))
		}
	}()
	h(payload, meta)
}

func (b *Bus) callWildcard(event string, h WildcardHandler, payload any, meta Meta) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("wildcard handler panic", zap.String("event", event), zap.Any("panic", r))
		}
	}()
	h(event, payload, meta)
}

// WaitFor resolves with the next payload emitted for event, or fails after
// timeout (or when ctx is done). timeout <= 0 waits until ctx cancellation.
func (b *Bus) WaitFor(ctx context.Context, event string, timeout time.Duration) (any, error) {
	ch := make(chan any, 1)
	unsub := b.On(event, func(payload any, _ Meta) {
		select {
		case ch <- payload:
		default:
		}
	}, Once())
	defer unsub()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case payload := <-ch:
		return payload, nil
	case <-timer:
		return nil, ErrWaitTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// History returns remembered emissions, newest last. An empty filter returns
// everything.
func (b *Bus) History(filter string) []Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Record, 0, len(b.history))
	for _, rec := range b.history {
		if filter == "" || rec.Event == filter {
			out = append(out, rec)
		}
	}
	return out
}

// ClearHistory drops the emission ring buffer.
func (b *Bus) ClearHistory() {
	b.mu.Lock()
	b.history = nil
	b.mu.Unlock()
}

// Replay re-emits remembered events asynchronously, oldest first.
func (b *Bus) Replay(filter string) {
	for _, rec := range b.History(filter) {
		b.Emit(rec.Event, rec.Payload, Async())
	}
}

// Stats reports listener counts per event, for inspection.
func (b *Bus) Stats() map[string]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]int, len(b.listeners))
	for event, list := range b.listeners {
		out[event] = len(list)
	}
	return out
}

// Namespace returns a facade that prefixes every event name with
// "<prefix>:".
func (b *Bus) Namespace(prefix string) *Namespaced {
	return &Namespaced{bus: b, prefix: prefix + ":"}
}

// Namespaced scopes On/Emit to a prefix.
type Namespaced struct {
	bus    *Bus
	prefix string
}

func (n *Namespaced) On(event string, handler Handler, opts ...Option) func() {
	return n.bus.On(n.prefix+event, handler, opts...)
}

func (n *Namespaced) Emit(event string, payload any, opts ...EmitOption) {
	n.bus.Emit(n.prefix+event, payload, opts...)
}
