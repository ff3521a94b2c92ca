// Package rowcache matches asynchronous row-window responses to the requests that caused
// them, for a grid whose dataset view can change while requests are in flight.
//
// Entries are keyed by (start, end, context key). Concurrent requests for the same key are
// coalesced into one fetch. A response is applied only if its context key is the cache's
// active context when it arrives: last context wins, stale context loses, regardless of the
// order in which responses arrive.
package rowcache

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/gridfeed/pkg/payload"
)

// DefaultCapacity bounds the number of fulfilled entries kept.
const DefaultCapacity = 64

var (
	ErrInvalidWindow = errors.New("rowcache: invalid window")
	ErrClosed        = errors.New("rowcache: cache closed")
)

type entryState int

const (
	entryPending entryState = iota
	entryFulfilled
)

type entry struct {
	req       WindowRequest
	state     entryState
	seq       uint64
	listeners []func(Window)
	window    Window
}

// Cache is a key-aware row-window cache. It is safe for concurrent use.
type Cache struct {
	fetcher  Fetcher
	decoder  *payload.Decoder
	logger   zerolog.Logger
	capacity int

	mu        sync.Mutex
	entries   map[WindowRequest]*entry
	seq       uint64
	active    string
	activeSet bool
	total     int
	hasTotal  bool
	closed    bool
	stats     Stats
}

type Option func(*Cache)

func WithCapacity(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.capacity = n
		}
	}
}

func WithDecoder(d *payload.Decoder) Option {
	return func(c *Cache) {
		if d != nil {
			c.decoder = d
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Cache) {
		c.logger = l
	}
}

// New creates a cache that calls fetcher for every window it does not hold.
func New(fetcher Fetcher, opts ...Option) *Cache {
	c := &Cache{
		fetcher:  fetcher,
		logger:   log.Logger,
		capacity: DefaultCapacity,
		entries:  map[WindowRequest]*entry{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.decoder == nil {
		c.decoder = payload.NewDecoder(payload.WithLogger(c.logger))
	}
	return c
}

// SetActiveContext moves the active context pointer. Fulfilled entries of other contexts are
// evicted and the reported total length is reset. Pending entries of other contexts stay
// until their response arrives, which is then discarded.
func (c *Cache) SetActiveContext(contextKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if c.activeSet && c.active == contextKey {
		return
	}
	c.active = contextKey
	c.activeSet = true
	c.total = 0
	c.hasTotal = false

	for key, e := range c.entries {
		if e.state == entryFulfilled && e.req.ContextKey != contextKey {
			delete(c.entries, key)
			c.stats.Evictions++
		}
	}
	c.logger.Debug().Str("component", "rowcache").Str("context_key", contextKey).Msg("active context changed")
}

func (c *Cache) ActiveContext() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// RequestWindow delivers the window for req to onSettled, fetching it if needed.
//
// A fulfilled entry settles immediately on the calling goroutine. A pending entry gets
// onSettled as an additional listener and no second fetch is issued. Otherwise a pending
// entry is created and the fetcher is called. The first request on a cache with no
// active context makes req's context active.
func (c *Cache) RequestWindow(req WindowRequest, onSettled func(Window)) error {
	if !req.Valid() {
		return errors.Wrapf(ErrInvalidWindow, "window %s", req)
	}
	if onSettled == nil {
		onSettled = func(Window) {}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if !c.activeSet {
		c.active = req.ContextKey
		c.activeSet = true
	}
	if e, ok := c.entries[req]; ok {
		if e.state == entryFulfilled {
			w := e.window
			c.stats.Hits++
			c.mu.Unlock()
			onSettled(w)
			return nil
		}
		e.listeners = append(e.listeners, onSettled)
		c.stats.Coalesced++
		c.mu.Unlock()
		return nil
	}
	c.seq++
	c.entries[req] = &entry{
		req:       req,
		state:     entryPending,
		seq:       c.seq,
		listeners: []func(Window){onSettled},
	}
	c.stats.Fetches++
	c.mu.Unlock()

	c.logger.Debug().Str("component", "rowcache").Int("start", req.Start).Int("end", req.End).Str("context_key", req.ContextKey).Msg("fetching window")
	if c.fetcher != nil {
		c.fetcher.Fetch(req)
	}
	return nil
}

// SubmitResponse applies resp if it matches a pending entry of the active context, and
// reports whether it did. Unmatched, duplicate and stale responses are discarded silently;
// a stale response also drops its entry and the entry's listeners.
func (c *Cache) SubmitResponse(resp WindowResponse) bool {
	req := resp.Request
	e, ok := c.admit(req)
	if !ok {
		return false
	}

	rows := c.decoder.Decode(resp.Rows)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	if cur, ok := c.entries[req]; !ok || cur != e || e.state != entryPending {
		c.stats.Duplicates++
		c.mu.Unlock()
		return false
	}
	if req.ContextKey != c.active {
		delete(c.entries, req)
		c.stats.Stale++
		c.mu.Unlock()
		c.logStale(req)
		return false
	}

	total := resp.TotalLength
	if total < 0 {
		total = 0
	}
	w := Window{Request: req, Rows: rows, TotalLength: total}
	e.state = entryFulfilled
	e.window = w
	listeners := e.listeners
	e.listeners = nil
	c.total = total
	c.hasTotal = true
	c.stats.Applied++
	c.evictLocked()
	c.mu.Unlock()

	for _, l := range listeners {
		l(w)
	}
	return true
}

// admit performs the pre-decode checks of SubmitResponse.
func (c *Cache) admit(req WindowRequest) (*entry, bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.logger.Debug().Str("component", "rowcache").Str("window", req.String()).Msg("response after close discarded")
		return nil, false
	}
	e, ok := c.entries[req]
	if !ok {
		c.stats.Unmatched++
		c.mu.Unlock()
		c.logger.Debug().Str("component", "rowcache").Str("window", req.String()).Msg("unmatched response discarded")
		return nil, false
	}
	if e.state == entryFulfilled {
		c.stats.Duplicates++
		c.mu.Unlock()
		c.logger.Debug().Str("component", "rowcache").Str("window", req.String()).Msg("duplicate response discarded")
		return nil, false
	}
	if req.ContextKey != c.active {
		delete(c.entries, req)
		c.stats.Stale++
		c.mu.Unlock()
		c.logStale(req)
		return nil, false
	}
	c.mu.Unlock()
	return e, true
}

func (c *Cache) logStale(req WindowRequest) {
	c.logger.Debug().Str("component", "rowcache").Str("window", req.String()).Msg("stale-context response discarded")
}

// evictLocked drops the oldest-inserted fulfilled entries beyond capacity.
// Pending entries are never evicted.
func (c *Cache) evictLocked() {
	type pair struct {
		key WindowRequest
		seq uint64
	}
	pairs := make([]pair, 0, len(c.entries))
	for key, e := range c.entries {
		if e.state == entryFulfilled {
			pairs = append(pairs, pair{key: key, seq: e.seq})
		}
	}
	if len(pairs) <= c.capacity {
		return
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].seq < pairs[j].seq })
	toDrop := len(pairs) - c.capacity
	for i := 0; i < toDrop; i++ {
		delete(c.entries, pairs[i].key)
		c.stats.Evictions++
	}
}

// Consume submits every response read from ch until ctx is done or ch is closed.
func (c *Cache) Consume(ctx context.Context, ch <-chan WindowResponse) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case resp, ok := <-ch:
			if !ok {
				return nil
			}
			c.SubmitResponse(resp)
		}
	}
}

// TotalLength returns the total length reported by the most recently applied response of
// the active context. A shrinking total is applied as-is.
func (c *Cache) TotalLength() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total, c.hasTotal
}

// Close unmounts the cache: all entries and listeners are dropped and later responses
// are discarded.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.entries = map[WindowRequest]*entry{}
}

func (c *Cache) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Len returns the number of entries, pending and fulfilled.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Pending returns the number of entries still waiting for a response. Entries whose
// fetch never settles stay pending forever.
func (c *Cache) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.entries {
		if e.state == entryPending {
			n++
		}
	}
	return n
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Cache) Decoder() *payload.Decoder {
	return c.decoder
}
