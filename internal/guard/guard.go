// Package guard suppresses duplicate in-flight actions: a second click on
// the same control while the first is still running is a no-op, not a queue.
package guard

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultTimeout releases a key whose handler hung, so a control can never
// stay wedged.
const DefaultTimeout = 5 * time.Second

// Guard tracks in-flight action keys. Construct with New; instances are
// independent.
type Guard struct {
	mu      sync.Mutex
	active  map[string]int // key -> generation
	nextGen int
	timeout time.Duration

	onDuplicate func(key string)
	log         *zap.Logger
}

// Option configures a Guard.
type Option func(*Guard)

// WithTimeout overrides the hang-release timeout. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(g *Guard) { g.timeout = d }
}

// OnDuplicate installs a callback invoked when a duplicate invocation is
// suppressed.
func OnDuplicate(fn func(key string)) Option {
	return func(g *Guard) { g.onDuplicate = fn }
}

// New creates a Guard.
func New(log *zap.Logger, opts ...Option) *Guard {
	if log == nil {
		log = zap.NewNop()
	}
	g := &Guard{
		active:  make(map[string]int),
		timeout: DefaultTimeout,
		log:     log,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Do runs fn unless key is already in flight. It reports whether fn ran;
// a suppressed duplicate returns (false, nil).
func (g *Guard) Do(key string, fn func() error) (ran bool, err error) {
	g.mu.Lock()
	if _, busy := g.active[key]; busy {
		g.mu.Unlock()
		if g.onDuplicate != nil {
			g.onDuplicate(key)
		}
		return false, nil
	}
	g.nextGen++
	gen := g.nextGen
	g.active[key] = gen
	g.mu.Unlock()

	var timer *time.Timer
	if g.timeout > 0 {
		timer = time.AfterFunc(g.timeout, func() {
			if g.releaseGen(key, gen) {
				g.log.Warn("guarded action timed out, releasing key",
					zap.String("key", key), zap.Duration("timeout", g.timeout))
			}
		})
	}
	defer func() {
		if timer != nil {
			timer.Stop()
		}
		g.releaseGen(key, gen)
	}()

	return true, fn()
}

// releaseGen frees key only when it is still owned by generation gen, so a
// timed-out handler that eventually finishes cannot release a newer holder.
func (g *Guard) releaseGen(key string, gen int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active[key] == gen {
		delete(g.active, key)
		return true
	}
	return false
}

// IsActive reports whether key is currently held.
func (g *Guard) IsActive(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, busy := g.active[key]
	return busy
}

// Release forcibly frees key.
func (g *Guard) Release(key string) {
	g.mu.Lock()
	delete(g.active, key)
	g.mu.Unlock()
}

// Reset frees every key.
func (g *Guard) Reset() {
	g.mu.Lock()
	g.active = make(map[string]int)
	g.mu.Unlock()
}
