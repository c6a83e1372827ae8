// Package lifecycle scopes the listeners, fetches, and timers a page
// component creates so tearing the component down cancels all of them
// atomically.
package lifecycle

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Lifecycle groups cancellable setups and cleanup callbacks. Destroy cancels
// every child context and runs every cleanup exactly once.
type Lifecycle struct {
	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	cancels   []context.CancelFunc
	cleanups  map[int]func()
	nextID    int
	destroyed bool

	log *zap.Logger
}

// New creates a Lifecycle rooted under parent. Cancelling parent cancels
// everything the lifecycle owns.
func New(parent context.Context, log *zap.Logger) *Lifecycle {
	if parent == nil {
		parent = context.Background()
	}
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Lifecycle{
		ctx:      ctx,
		cancel:   cancel,
		cleanups: make(map[int]func()),
		log:      log,
	}
}

// Context is the lifecycle-wide context. Scope fetches and timers to it so
// navigation away aborts them.
func (l *Lifecycle) Context() context.Context { return l.ctx }

// Go runs setup with its own child context and keeps the returned cleanup.
// The returned release func cancels just this setup ahead of Destroy.
func (l *Lifecycle) Go(setup func(ctx context.Context) (cleanup func())) (release func()) {
	l.mu.Lock()
	if l.destroyed {
		l.mu.Unlock()
		return func() {}
	}
	ctx, cancel := context.WithCancel(l.ctx)
	l.cancels = append(l.cancels, cancel)
	l.mu.Unlock()

	cleanup := setup(ctx)

	var removeCleanup func()
	consumed := false
	if cleanup != nil {
		var live bool
		removeCleanup, live = l.register(cleanup)
		if !live {
			// Destroy landed while setup ran; its cleanup pass could not
			// see this one, so run it here.
			cancel()
			l.runCleanup(cleanup)
			consumed = true
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			if cleanup != nil && !consumed {
				l.runCleanup(cleanup)
				removeCleanup()
			}
		})
	}
}

// OnDestroy registers fn to run at Destroy. Returns a func that removes the
// registration. On an already-destroyed lifecycle fn runs immediately.
func (l *Lifecycle) OnDestroy(fn func()) (remove func()) {
	remove, live := l.register(fn)
	if !live {
		l.runCleanup(fn)
	}
	return remove
}

func (l *Lifecycle) register(fn func()) (remove func(), live bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.destroyed {
		return func() {}, false
	}
	id := l.nextID
	l.nextID++
	l.cleanups[id] = fn
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.cleanups, id)
	}, true
}

// Destroy cancels every registered context and runs every cleanup. A failing
// cleanup never blocks the rest. Safe to call more than once.
func (l *Lifecycle) Destroy() {
	l.mu.Lock()
	if l.destroyed {
		l.mu.Unlock()
		return
	}
	l.destroyed = true
	cancels := l.cancels
	l.cancels = nil
	ids := make([]int, 0, len(l.cleanups))
	for id := range l.cleanups {
		ids = append(ids, id)
	}
	// Run cleanups in registration order.
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j] < ids[j-1]; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
	fns := make([]func(), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, l.cleanups[id])
	}
	l.cleanups = make(map[int]func())
	l.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	l.cancel()
	for _, fn := range fns {
		l.runCleanup(fn)
	}
}

func (l *Lifecycle) runCleanup(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("lifecycle cleanup panic", zap.Any("panic", r))
		}
	}()
	fn()
}
