// Package datasource adapts a rowcache.Cache to a virtualized grid's pull-based
// "get rows" contract.
package datasource

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/gridfeed/pkg/gridctx"
	"github.com/go-go-golems/gridfeed/pkg/payload"
	"github.com/go-go-golems/gridfeed/pkg/rowcache"
)

var ErrDestroyed = errors.New("datasource: destroyed")

// GetRowsParams is one pull from the grid: rows [StartRow, EndRow) of the view described
// by SortModel and OutsideParams. Exactly one of Success or Fail is called, or neither if
// the request's view is no longer current when its rows arrive.
type GetRowsParams struct {
	StartRow      int
	EndRow        int
	SortModel     gridctx.SortModel
	OutsideParams any

	Success func(rows []payload.Row, total int)
	Fail    func(err error)
}

// Grid is the part of the grid widget the adapter drives.
type Grid interface {
	EnsureIndexVisible(index int)
	PurgeCache()
}

// GridFuncs adapts plain functions to Grid. Nil functions are no-ops.
type GridFuncs struct {
	EnsureIndexVisibleFunc func(index int)
	PurgeCacheFunc         func()
}

func (g GridFuncs) EnsureIndexVisible(index int) {
	if g.EnsureIndexVisibleFunc != nil {
		g.EnsureIndexVisibleFunc(index)
	}
}

func (g GridFuncs) PurgeCache() {
	if g.PurgeCacheFunc != nil {
		g.PurgeCacheFunc()
	}
}

type Option func(*Adapter)

func WithGrid(g Grid) Option {
	return func(a *Adapter) {
		a.grid = g
	}
}

func WithTransitionPolicy(p gridctx.TransitionPolicy) Option {
	return func(a *Adapter) {
		a.policy = p
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(a *Adapter) {
		a.logger = l
	}
}

// Adapter serves one mounted grid instance.
type Adapter struct {
	cache     *rowcache.Cache
	grid      Grid
	policy    gridctx.TransitionPolicy
	lifecycle *gridctx.Lifecycle
	logger    zerolog.Logger

	// deliverMu orders context advances against deliveries, so a delivery for a context
	// that was current when checked completes before the next context becomes active.
	deliverMu sync.Mutex
}

func New(cache *rowcache.Cache, opts ...Option) *Adapter {
	a := &Adapter{
		cache:     cache,
		grid:      GridFuncs{},
		policy:    gridctx.SoftTransition,
		lifecycle: gridctx.NewLifecycle(),
		logger:    log.Logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.grid == nil {
		a.grid = GridFuncs{}
	}
	return a
}

// GetRows answers one grid pull. Success is called on the calling goroutine for cached
// windows and on the response's goroutine otherwise; it must not call GetRows itself.
func (a *Adapter) GetRows(p GetRowsParams) {
	fail := p.Fail
	if fail == nil {
		fail = func(err error) {
			a.logger.Warn().Err(err).Str("component", "datasource").Msg("get rows failed")
		}
	}
	success := p.Success
	if success == nil {
		success = func([]payload.Row, int) {}
	}

	key, err := gridctx.ContextKey(p.SortModel, p.OutsideParams)
	if err != nil {
		fail(errors.Wrap(err, "derive context key"))
		return
	}

	a.deliverMu.Lock()
	tr := a.lifecycle.Advance(key, p.SortModel)
	if tr.Unmounted {
		a.deliverMu.Unlock()
		fail(ErrDestroyed)
		return
	}
	a.cache.SetActiveContext(key)
	a.deliverMu.Unlock()

	if tr.ContextChanged {
		a.logger.Debug().Str("component", "datasource").Str("context_key", key).Str("policy", a.policy.String()).Msg("context changed")
		if a.policy == gridctx.HardReset {
			a.grid.PurgeCache()
		}
	}
	if tr.SortChanged {
		a.grid.EnsureIndexVisible(0)
	}

	req := rowcache.WindowRequest{Start: p.StartRow, End: p.EndRow, ContextKey: key}
	err = a.cache.RequestWindow(req, func(w rowcache.Window) {
		a.deliver(key, p.StartRow, p.EndRow, w, success)
	})
	if err != nil {
		if errors.Is(err, rowcache.ErrClosed) {
			err = ErrDestroyed
		}
		fail(errors.Wrapf(err, "request rows %d-%d", p.StartRow, p.EndRow))
	}
}

func (a *Adapter) deliver(key string, start, end int, w rowcache.Window, success func([]payload.Row, int)) {
	a.deliverMu.Lock()
	defer a.deliverMu.Unlock()
	if a.lifecycle.State() == gridctx.StateUnmounted || a.lifecycle.ContextKey() != key {
		a.logger.Debug().Str("component", "datasource").Str("context_key", key).Int("start", start).Int("end", end).Msg("dropping rows for previous context")
		return
	}
	// A cached window carries the total from its own response; the grid gets the latest one.
	if total, ok := a.cache.TotalLength(); ok {
		w.TotalLength = total
	}
	success(w.Slice(start, end), w.TotalLength)
}

// RowID is the grid row id for row under the current context.
func (a *Adapter) RowID(row payload.Row) string {
	return gridctx.RowIdentity(row, a.lifecycle.ContextKey())
}

// ContextKey returns the context of the most recent GetRows call.
func (a *Adapter) ContextKey() string {
	return a.lifecycle.ContextKey()
}

func (a *Adapter) State() gridctx.State {
	return a.lifecycle.State()
}

// Destroy unmounts the adapter and closes its cache. Pending deliveries are dropped.
func (a *Adapter) Destroy() {
	a.deliverMu.Lock()
	defer a.deliverMu.Unlock()
	if a.lifecycle.Unmount() {
		a.cache.Close()
	}
}
