// Package scenario replays a scripted sequence of grid pulls against an in-process cache,
// adapter and responder, with per-request latencies, and reports what the grid shows at
// the end.
package scenario

import (
	"context"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/gridfeed/pkg/datasource"
	"github.com/go-go-golems/gridfeed/pkg/gridctx"
	"github.com/go-go-golems/gridfeed/pkg/payload"
	"github.com/go-go-golems/gridfeed/pkg/rowcache"
	"github.com/go-go-golems/gridfeed/pkg/tablesource"
)

const settleMargin = 100 * time.Millisecond

// DatasetSpec describes one dataset: generated demo rows, inline rows, or a JSONL file.
type DatasetSpec struct {
	Generate int              `yaml:"generate"`
	Rows     []map[string]any `yaml:"rows"`
	JSONL    string           `yaml:"jsonl"`
}

// Step is one grid pull issued At after the scenario starts. The response is delayed by
// Latency.
type Step struct {
	At      time.Duration     `yaml:"at"`
	Start   int               `yaml:"start"`
	End     int               `yaml:"end"`
	Sort    gridctx.SortModel `yaml:"sort"`
	Outside map[string]any    `yaml:"outside"`
	Latency time.Duration     `yaml:"latency"`
}

type Viewport struct {
	Start int `yaml:"start"`
	End   int `yaml:"end"`
}

type Scenario struct {
	Name     string                 `yaml:"name"`
	Encoding string                 `yaml:"encoding"`
	Policy   string                 `yaml:"policy"`
	Datasets map[string]DatasetSpec `yaml:"datasets"`
	Steps    []Step                 `yaml:"steps"`
	// Settle is how long to wait after the last step; defaults to the latest expected
	// response plus a margin.
	Settle   time.Duration `yaml:"settle"`
	Viewport *Viewport     `yaml:"viewport"`
}

// Load parses a YAML scenario.
func Load(r io.Reader) (*Scenario, error) {
	var sc Scenario
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&sc); err != nil {
		return nil, errors.Wrap(err, "parse scenario")
	}
	if len(sc.Steps) == 0 {
		return nil, errors.New("scenario has no steps")
	}
	if len(sc.Datasets) == 0 {
		return nil, errors.New("scenario has no datasets")
	}
	return &sc, nil
}

func LoadFile(path string) (*Scenario, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return Load(f)
}

// Result is the grid state after the scenario settled.
type Result struct {
	ContextKey  string
	TotalLength int
	Rows        []payload.Row
	RowIDs      []string
	Anchors     []int
	Purges      int
	Stats       rowcache.Stats
}

func (sc *Scenario) policy() (gridctx.TransitionPolicy, error) {
	switch sc.Policy {
	case "", "soft":
		return gridctx.SoftTransition, nil
	case "hard", "hard-reset":
		return gridctx.HardReset, nil
	}
	return 0, errors.Errorf("unknown policy %q", sc.Policy)
}

func (sc *Scenario) settle() time.Duration {
	if sc.Settle > 0 {
		return sc.Settle
	}
	var latest time.Duration
	for _, st := range sc.Steps {
		if d := st.At + st.Latency; d > latest {
			latest = d
		}
	}
	return latest + settleMargin
}

func (d DatasetSpec) rows(name string) ([]payload.Row, error) {
	switch {
	case d.JSONL != "":
		f, err := os.Open(d.JSONL)
		if err != nil {
			return nil, err
		}
		defer func() { _ = f.Close() }()
		return tablesource.ReadJSONL(f)
	case len(d.Rows) > 0:
		out := make([]payload.Row, 0, len(d.Rows))
		for _, r := range d.Rows {
			out = append(out, payload.Row(r))
		}
		return out, nil
	}
	return tablesource.DemoRows(name, d.Generate), nil
}

// Run replays sc and returns the final grid state.
func Run(ctx context.Context, sc *Scenario, logger zerolog.Logger) (*Result, error) {
	policy, err := sc.policy()
	if err != nil {
		return nil, err
	}
	enc, err := tablesource.ParseEncoding(sc.Encoding)
	if err != nil {
		return nil, err
	}

	mem := tablesource.NewMemorySource()
	for name, ds := range sc.Datasets {
		rows, err := ds.rows(name)
		if err != nil {
			return nil, errors.Wrapf(err, "dataset %s", name)
		}
		mem.Put(name, rows)
	}

	var latMu sync.Mutex
	latencies := map[rowcache.WindowRequest]time.Duration{}
	responder := tablesource.NewResponder(mem,
		tablesource.WithEncoding(enc),
		tablesource.WithResponderLogger(logger),
		tablesource.WithLatency(func(req rowcache.WindowRequest) time.Duration {
			latMu.Lock()
			defer latMu.Unlock()
			return latencies[req]
		}),
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var cache *rowcache.Cache
	cache = rowcache.New(
		responder.FetcherFor(runCtx, func(resp rowcache.WindowResponse) bool { return cache.SubmitResponse(resp) }),
		rowcache.WithLogger(logger),
	)

	g := newGrid()
	adapter := datasource.New(cache,
		datasource.WithGrid(g),
		datasource.WithTransitionPolicy(policy),
		datasource.WithLogger(logger),
	)
	defer adapter.Destroy()

	begin := time.Now()
	for i, st := range sc.Steps {
		if err := sleepUntil(runCtx, begin.Add(st.At)); err != nil {
			return nil, err
		}
		key, err := gridctx.ContextKey(st.Sort, st.Outside)
		if err != nil {
			return nil, errors.Wrapf(err, "step %d", i)
		}
		latMu.Lock()
		latencies[rowcache.WindowRequest{Start: st.Start, End: st.End, ContextKey: key}] = st.Latency
		latMu.Unlock()

		logger.Debug().Int("step", i).Int("start", st.Start).Int("end", st.End).Str("context_key", key).Dur("latency", st.Latency).Msg("grid pull")
		start := st.Start
		var stepErr error
		adapter.GetRows(datasource.GetRowsParams{
			StartRow:      st.Start,
			EndRow:        st.End,
			SortModel:     st.Sort,
			OutsideParams: st.Outside,
			Success: func(rows []payload.Row, total int) {
				g.apply(start, rows, total)
			},
			Fail: func(err error) { stepErr = err },
		})
		if stepErr != nil {
			return nil, errors.Wrapf(stepErr, "step %d", i)
		}
	}
	if err := sleepUntil(runCtx, time.Now().Add(sc.settle())); err != nil {
		return nil, err
	}

	res := g.snapshot(sc.Viewport)
	res.ContextKey = adapter.ContextKey()
	res.Stats = cache.Stats()
	for _, r := range res.Rows {
		res.RowIDs = append(res.RowIDs, adapter.RowID(r))
	}
	return res, nil
}

func sleepUntil(ctx context.Context, t time.Time) error {
	d := time.Until(t)
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// grid stands in for the grid's row model: rows by absolute position.
type grid struct {
	mu      sync.Mutex
	rows    map[int]payload.Row
	total   int
	anchors []int
	purges  int
}

func newGrid() *grid {
	return &grid{rows: map[int]payload.Row{}}
}

func (g *grid) EnsureIndexVisible(index int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.anchors = append(g.anchors, index)
}

func (g *grid) PurgeCache() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.purges++
	g.rows = map[int]payload.Row{}
}

func (g *grid) apply(start int, rows []payload.Row, total int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, r := range rows {
		g.rows[start+i] = r
	}
	for pos := range g.rows {
		if pos >= total {
			delete(g.rows, pos)
		}
	}
	g.total = total
}

func (g *grid) snapshot(vp *Viewport) *Result {
	g.mu.Lock()
	defer g.mu.Unlock()
	positions := make([]int, 0, len(g.rows))
	for pos := range g.rows {
		if vp == nil || (pos >= vp.Start && pos < vp.End) {
			positions = append(positions, pos)
		}
	}
	sort.Ints(positions)
	res := &Result{
		TotalLength: g.total,
		Anchors:     append([]int(nil), g.anchors...),
		Purges:      g.purges,
	}
	for _, pos := range positions {
		res.Rows = append(res.Rows, g.rows[pos])
	}
	return res
}
