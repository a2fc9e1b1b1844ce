package api

import (
	"context"
	"errors"
	"time"
)

var (
	errCacheDisabled = errors.New("cache disabled")
	errCacheStopped  = errors.New("cache stopped")
	errNoLoader      = errors.New("no loader")
)

// lookup models a single cache read or population attempt. A struct keeps
// the channel signature down to one message type for the owning goroutine.
type lookup struct {
	ctx    context.Context
	key    string
	loader func(context.Context) ([]byte, error)
	reply  chan answer
}

// answer carries either the cached bytes or an error back to the handler.
type answer struct {
	data []byte
	err  error
}

// entry records cached JSON with its expiry. Stale entries are trimmed
// lazily on access, which spares us a sweeping timer.
type entry struct {
	data    []byte
	expires time.Time
}

// ResponseCache keeps rendered API responses in memory so identical
// requests inside the TTL skip re-encoding the feature collections.
// A dedicated goroutine owns the map; no mutexes.
type ResponseCache struct {
	ttl      time.Duration
	requests chan lookup
	quit     chan struct{}
	now      func() time.Time
}

// NewResponseCache starts the cache goroutine immediately. A nil cache is
// valid and means caching is disabled. The clock is injectable for tests.
func NewResponseCache(ttl time.Duration) *ResponseCache {
	if ttl <= 0 {
		return nil
	}
	cache := &ResponseCache{
		ttl:      ttl,
		requests: make(chan lookup),
		quit:     make(chan struct{}),
		now:      time.Now,
	}
	go cache.loop()
	return cache
}

// Close stops the cache goroutine. Safe to call more than once.
func (c *ResponseCache) Close() {
	if c == nil {
		return
	}
	select {
	case <-c.quit:
		return
	default:
	}
	close(c.quit)
}

// Get returns cached bytes for key or invokes loader to produce them. The
// stored slice is copied on the way out so callers can modify the result
// without poisoning future hits.
func (c *ResponseCache) Get(ctx context.Context, key string, loader func(context.Context) ([]byte, error)) ([]byte, error) {
	if c == nil {
		return nil, errCacheDisabled
	}
	req := lookup{
		ctx:    ctx,
		key:    key,
		loader: loader,
		reply:  make(chan answer, 1),
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.quit:
		return nil, errCacheStopped
	case c.requests <- req:
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.quit:
		return nil, errCacheStopped
	case resp := <-req.reply:
		if resp.err != nil {
			return nil, resp.err
		}
		if resp.data == nil {
			return nil, nil
		}
		out := make([]byte, len(resp.data))
		copy(out, resp.data)
		return out, nil
	}
}

// loop serializes all cache access inside one goroutine so a plain map
// suffices.
func (c *ResponseCache) loop() {
	store := make(map[string]entry)
	for {
		select {
		case <-c.quit:
			return
		case req := <-c.requests:
			now := c.now()
			if e, ok := store[req.key]; ok && now.Before(e.expires) {
				req.reply <- answer{data: e.data}
				continue
			}
			if req.loader == nil {
				req.reply <- answer{err: errNoLoader}
				continue
			}
			data, err := req.loader(req.ctx)
			if err == nil && data != nil {
				buf := make([]byte, len(data))
				copy(buf, data)
				store[req.key] = entry{data: buf, expires: now.Add(c.ttl)}
			} else if err != nil {
				delete(store, req.key)
			}
			req.reply <- answer{data: data, err: err}
		}
	}
}
