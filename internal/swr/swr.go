// Package swr is a keyed stale-while-revalidate cache: callers get the
// cached value immediately and freshness is restored in the background.
package swr

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Loader fetches the value for a key.
type Loader func(ctx context.Context) (any, error)

// Options tune one lookup. Zero values take the defaults.
type Options struct {
	// TTL is the age past which a cached value no longer satisfies a read.
	TTL time.Duration
	// StaleTime is the age past which a cached value is served but
	// revalidated in the background.
	StaleTime time.Duration
	// Attempts bounds loader retries (exponential backoff between them).
	Attempts int
	// RetryInterval is the initial backoff delay between attempts.
	RetryInterval time.Duration
}

const (
	defaultTTL           = time.Minute
	defaultStaleTime     = 5 * time.Second
	defaultAttempts      = 3
	defaultRetryInterval = 300 * time.Millisecond
)

func (o Options) withDefaults() Options {
	if o.TTL == 0 {
		o.TTL = defaultTTL
	}
	if o.StaleTime == 0 {
		o.StaleTime = defaultStaleTime
	}
	if o.Attempts == 0 {
		o.Attempts = defaultAttempts
	}
	if o.RetryInterval == 0 {
		o.RetryInterval = defaultRetryInterval
	}
	return o
}

type entry struct {
	value     any
	fetchedAt time.Time
}

// Cache is an injectable SWR cache. Construct with New; instances are
// independent so tests never share state.
type Cache struct {
	mu           sync.Mutex
	entries      map[string]entry
	subs         map[string]map[int]func(any)
	nextSubID    int
	revalidating map[string]bool

	group singleflight.Group
	log   *zap.Logger
	now   func() time.Time
}

// New creates an empty cache.
func New(log *zap.Logger) *Cache {
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache{
		entries:      make(map[string]entry),
		subs:         make(map[string]map[int]func(any)),
		revalidating: make(map[string]bool),
		log:          log,
		now:          time.Now,
	}
}

// Get returns the value for key, loading it when absent or expired. A value
// older than StaleTime but younger than TTL is returned immediately while
// exactly one background revalidation refreshes it. When the loader fails
// and an expired value still exists, that value is returned as a fallback.
func (c *Cache) Get(ctx context.Context, key string, loader Loader, opts Options) (any, error) {
	opts = opts.withDefaults()

	c.mu.Lock()
	ent, ok := c.entries[key]
	var age time.Duration
	if ok {
		age = c.now().Sub(ent.fetchedAt)
	}
	fresh := ok && age < opts.TTL
	stale := ok && age > opts.StaleTime
	if fresh && stale && !c.revalidating[key] {
		c.revalidating[key] = true
		go c.revalidate(key, loader, opts)
	}
	c.mu.Unlock()

	if fresh {
		return ent.value, nil
	}

	value, err, _ := c.group.Do(key, func() (any, error) {
		return c.load(ctx, loader, opts)
	})
	if err != nil {
		if ok {
			c.log.Warn("swr loader failed, serving expired value",
				zap.String("key", key), zap.Error(err))
			return ent.value, nil
		}
		return nil, err
	}
	c.set(key, value)
	return value, nil
}

func (c *Cache) revalidate(key string, loader Loader, opts Options) {
	defer func() {
		c.mu.Lock()
		delete(c.revalidating, key)
		c.mu.Unlock()
	}()

	value, err, _ := c.group.Do(key, func() (any, error) {
		return c.load(context.Background(), loader, opts)
	})
	if err != nil {
		// Keep showing the last good value.
		c.log.Warn("swr background revalidation failed",
			zap.String("key", key), zap.Error(err))
		return
	}
	c.set(key, value)
}

func (c *Cache) load(ctx context.Context, loader Loader, opts Options) (any, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = opts.RetryInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(opts.Attempts-1)), ctx)

	var value any
	err := backoff.Retry(func() error {
		v, err := loader(ctx)
		if err != nil {
			return err
		}
		value = v
		return nil
	}, policy)
	return value, err
}

func (c *Cache) set(key string, value any) {
	c.mu.Lock()
	c.entries[key] = entry{value: value, fetchedAt: c.now()}
	fns := make([]func(any), 0, len(c.subs[key]))
	for _, fn := range c.subs[key] {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		c.notify(key, fn, value)
	}
}

func (c *Cache) notify(key string, fn func(any), value any) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("swr subscriber panic", zap.String("key", key), zap.Any("panic", r))
		}
	}()
	fn(value)
}

// Mutate writes value through immediately and notifies subscribers.
func (c *Cache) Mutate(key string, value any) {
	c.set(key, value)
}

// Invalidate removes one entry.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// InvalidateAll removes every entry.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	c.entries = make(map[string]entry)
	c.mu.Unlock()
}

// Peek reports the cached value without loading.
func (c *Cache) Peek(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ent, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	return ent.value, true
}

// Subscribe registers fn to run on every update of key. Returns an
// unsubscribe func.
func (c *Cache) Subscribe(key string, fn func(any)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subs[key] == nil {
		c.subs[key] = make(map[int]func(any))
	}
	id := c.nextSubID
	c.nextSubID++
	c.subs[key][id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs[key], id)
		if len(c.subs[key]) == 0 {
			delete(c.subs, key)
		}
	}
}
