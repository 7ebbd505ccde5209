// Package freshness decides when a cached artifact must be re-fetched and
// makes sure concurrent callers share one in-flight fetch per key.
package freshness

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/bluele/gcache"
	"golang.org/x/sync/singleflight"
)

// FetchFunc produces a fresh value for a key. It receives a context that
// is detached from any single caller's cancellation.
type FetchFunc[T any] func(ctx context.Context) (T, error)

// Result is a cached value tagged with its age. Stale is set when the
// value comes from an earlier fetch because the refresh just failed; Err
// then holds that refresh error.
type Result[T any] struct {
	Value     T
	FetchedAt time.Time
	Stale     bool
	Err       error
}

type entry[T any] struct {
	value     T
	fetchedAt time.Time
}

// Options configures a Cache.
type Options struct {
	Class  TTLClass
	Policy Policy
	Size   int          // maximum number of keys, least recently used evicted first
	Clock  gcache.Clock // nil means wall clock
	Logger *slog.Logger
}

// Cache is a bounded TTL cache with at-most-one in-flight fetch per key
// and serve-stale-on-error. Safe for concurrent use.
type Cache[T any] struct {
	class     TTLClass
	ttl       time.Duration
	retention time.Duration
	clock     gcache.Clock
	entries   gcache.Cache
	group     singleflight.Group
	logger    *slog.Logger
}

// New creates a Cache for one TTL class.
func New[T any](opts Options) *Cache[T] {
	clock := opts.Clock
	if clock == nil {
		clock = gcache.NewRealClock()
	}
	size := opts.Size
	if size <= 0 {
		size = 1024
	}
	return &Cache[T]{
		class:     opts.Class,
		ttl:       opts.Policy.TTL(opts.Class),
		retention: opts.Policy.Retention(opts.Class),
		clock:     clock,
		entries:   gcache.New(size).LRU().Clock(clock).Build(),
		logger:    opts.Logger,
	}
}

// GetOrFetch returns the cached value for key while it is within its TTL.
// Otherwise it calls fetch, joining a fetch already in flight for the same
// key. If the fetch fails and an earlier value is still retained, that
// value is returned tagged Stale with a nil error.
//
// Cancelling ctx only abandons this caller's wait: the shared fetch runs
// to completion and populates the cache for everyone else.
func (c *Cache[T]) GetOrFetch(ctx context.Context, key string, fetch FetchFunc[T]) (Result[T], error) {
	prev, havePrev := c.lookup(key)
	if havePrev && c.clock.Now().Sub(prev.fetchedAt) < c.ttl {
		return Result[T]{Value: prev.value, FetchedAt: prev.fetchedAt}, nil
	}

	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		// A flight that finished between our lookup and this call has
		// already stored a fresh value.
		if cur, ok := c.lookup(key); ok && c.clock.Now().Sub(cur.fetchedAt) < c.ttl {
			return cur, nil
		}
		v, err := fetch(detached)
		if err != nil {
			return nil, err
		}
		e := entry[T]{value: v, fetchedAt: c.clock.Now()}
		if err := c.entries.SetWithExpire(key, e, c.retention); err != nil {
			c.logger.Warn("cache store failed", "class", c.class, "key", key, "error", err)
		}
		return e, nil
	})

	select {
	case <-ctx.Done():
		return Result[T]{}, ctx.Err()
	case res := <-ch:
		if res.Err == nil {
			e := res.Val.(entry[T])
			return Result[T]{Value: e.value, FetchedAt: e.fetchedAt}, nil
		}
		// The entry may have been refreshed by someone else meanwhile.
		if cur, ok := c.lookup(key); ok {
			prev, havePrev = cur, true
		}
		if !havePrev {
			return Result[T]{}, res.Err
		}
		c.logger.Warn("serving stale value",
			"class", c.class,
			"key", key,
			"age", c.clock.Now().Sub(prev.fetchedAt).Round(time.Second),
			"error", res.Err,
		)
		return Result[T]{Value: prev.value, FetchedAt: prev.fetchedAt, Stale: true, Err: res.Err}, nil
	}
}

// Peek returns the retained value for key without fetching. Stale is set
// when the value is past its TTL.
func (c *Cache[T]) Peek(key string) (Result[T], bool) {
	e, ok := c.lookup(key)
	if !ok {
		return Result[T]{}, false
	}
	return Result[T]{
		Value:     e.value,
		FetchedAt: e.fetchedAt,
		Stale:     c.clock.Now().Sub(e.fetchedAt) >= c.ttl,
	}, true
}

// Len returns the number of retained entries.
func (c *Cache[T]) Len() int {
	return c.entries.Len(true)
}

func (c *Cache[T]) lookup(key string) (entry[T], bool) {
	v, err := c.entries.GetIFPresent(key)
	if err != nil {
		if !errors.Is(err, gcache.KeyNotFoundError) {
			c.logger.Warn("cache lookup failed", "class", c.class, "key", key, "error", err)
		}
		return entry[T]{}, false
	}
	return v.(entry[T]), true
}
