package tablesource

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/gridfeed/pkg/gridctx"
	"github.com/go-go-golems/gridfeed/pkg/payload"
	"github.com/go-go-golems/gridfeed/pkg/rowcache"
)

func fruitRows() []payload.Row {
	names := []string{"apple", "Banana", "cherry", "date", "elderberry", "fig", "grape"}
	prices := []float64{1.5, 0.25, 3, 2, 7.5, 3, 1}
	rows := make([]payload.Row, 0, len(names))
	for i, n := range names {
		rows = append(rows, payload.Row{"name": n, "price": prices[i], "stock": int64(10 * i)})
	}
	return rows
}

func names(rows []payload.Row) []string {
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, r["name"].(string))
	}
	return out
}

func newSQLite(t *testing.T) *SQLiteSource {
	dsn, err := SQLiteDSNForFile(filepath.Join(t.TempDir(), "grid.db"))
	require.NoError(t, err)
	s, err := NewSQLiteSource(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sources(t *testing.T) map[string]Source {
	mem := NewMemorySource()
	mem.Put("fruit", fruitRows())

	lite := newSQLite(t)
	require.NoError(t, lite.Load(context.Background(), "fruit", fruitRows()))

	return map[string]Source{"memory": mem, "sqlite": lite}
}

func TestSource_WindowSortFilter(t *testing.T) {
	ctx := context.Background()
	for name, src := range sources(t) {
		t.Run(name, func(t *testing.T) {
			outside := map[string]any{"dataset": "fruit"}

			rows, total, err := src.Window(ctx, Query{Start: 0, End: 3, Outside: outside})
			require.NoError(t, err)
			require.Equal(t, 7, total)
			require.Equal(t, []string{"apple", "Banana", "cherry"}, names(rows))
			require.EqualValues(t, 2, rows[2]["index"])

			// stable: cherry and fig tie on price and keep load order
			byPrice := gridctx.SortModel{{ColID: "price", Sort: gridctx.SortAsc}}
			rows, _, err = src.Window(ctx, Query{Start: 0, End: 7, Sort: byPrice, Outside: outside})
			require.NoError(t, err)
			require.Equal(t, []string{"Banana", "grape", "apple", "date", "cherry", "fig", "elderberry"}, names(rows))
			for i, r := range rows {
				require.EqualValues(t, i, r["index"])
			}

			desc := gridctx.SortModel{{ColID: "stock", Sort: gridctx.SortDesc}}
			rows, _, err = src.Window(ctx, Query{Start: 5, End: 10, Sort: desc, Outside: outside})
			require.NoError(t, err)
			require.Equal(t, []string{"Banana", "apple"}, names(rows))
			require.EqualValues(t, 5, rows[0]["index"])
			require.EqualValues(t, 10, rows[0]["stock"])

			rows, total, err = src.Window(ctx, Query{Start: 0, End: 10, Filter: "AN", Outside: outside})
			require.NoError(t, err)
			require.Equal(t, 1, total)
			require.Equal(t, []string{"Banana"}, names(rows))

			rows, total, err = src.Window(ctx, Query{Start: 20, End: 30, Outside: outside})
			require.NoError(t, err)
			require.Equal(t, 7, total)
			require.Empty(t, rows)

			_, _, err = src.Window(ctx, Query{Start: 0, End: 3, Outside: map[string]any{"dataset": "veg"}})
			require.True(t, errors.Is(err, ErrUnknownDataset))

			require.Equal(t, []string{"index", "name", "price", "stock"}, withIndexColumn(src.Columns()))
		})
	}
}

func withIndexColumn(cols []string) []string {
	for _, c := range cols {
		if c == payload.IndexColumn {
			return cols
		}
	}
	out := append([]string{payload.IndexColumn}, cols...)
	return out
}

func TestSQLiteSource_ReloadReplacesDataset(t *testing.T) {
	ctx := context.Background()
	s := newSQLite(t)
	require.NoError(t, s.Load(ctx, "a", fruitRows()))
	require.NoError(t, s.Load(ctx, "b", fruitRows()[:2]))
	require.NoError(t, s.Load(ctx, "a", []payload.Row{{"name": "kiwi", "meta": map[string]any{"origin": "NZ"}}}))

	rows, total, err := s.Window(ctx, Query{Start: 0, End: 10, Outside: map[string]any{"key": "a"}})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Equal(t, "kiwi", rows[0]["name"])
	require.Equal(t, map[string]any{"origin": "NZ"}, rows[0]["meta"])

	ds, err := s.Datasets(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, ds)
}

func TestQueryRequestRoundTrip(t *testing.T) {
	q := Query{
		Start:   10,
		End:     20,
		Sort:    gridctx.SortModel{{ColID: "price", Sort: gridctx.SortDesc}},
		Filter:  "berry",
		Outside: map[string]any{"dataset": "fruit"},
	}
	req, err := RequestFromQuery(q)
	require.NoError(t, err)
	require.Equal(t, 10, req.Start)

	back, err := QueryFromRequest(req)
	require.NoError(t, err)
	require.Equal(t, q.Sort, back.Sort)
	require.Equal(t, "berry", back.Filter)
	require.Equal(t, "fruit", back.Dataset())

	// a context key built by the grid side decodes the same way
	gridKey := gridctx.MustContextKey(q.Sort, map[string]any{"dataset": "fruit", "filter": "berry"})
	require.Equal(t, gridKey, req.ContextKey)

	_, err = QueryFromRequest(rowcache.WindowRequest{Start: 0, End: 1, ContextKey: "not json"})
	require.Error(t, err)
}

func TestResponder_EncodesWindows(t *testing.T) {
	ctx := context.Background()
	mem := NewMemorySource()
	mem.Put("fruit", fruitRows())
	dec := payload.NewDecoder()

	for _, enc := range []Encoding{EncodingRaw, EncodingArrowIPC, EncodingParquet} {
		t.Run(string(enc), func(t *testing.T) {
			r := NewResponder(mem, WithEncoding(enc))
			req, err := RequestFromQuery(Query{Start: 1, End: 4, Outside: map[string]any{"dataset": "fruit"}})
			require.NoError(t, err)

			resp, err := r.Respond(ctx, req)
			require.NoError(t, err)
			require.Equal(t, req, resp.Request)
			require.Equal(t, 7, resp.TotalLength)
			if enc != EncodingRaw {
				require.IsType(t, payload.EncodedPayload{}, resp.Rows)
			}

			rows := dec.Decode(resp.Rows)
			require.Equal(t, []string{"Banana", "cherry", "date"}, names(rows))
			require.EqualValues(t, 1, rows[0]["index"])
		})
	}
}

func TestResponder_LatencyHonorsContext(t *testing.T) {
	mem := NewMemorySource()
	mem.Put("fruit", fruitRows())
	r := NewResponder(mem, WithFixedLatency(time.Hour))
	req, err := RequestFromQuery(Query{Start: 0, End: 4, Outside: map[string]any{"dataset": "fruit"}})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = r.Respond(ctx, req)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestResponder_FetcherFeedsCache(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mem := NewMemorySource()
	for _, ds := range []string{"A", "B"} {
		rows := make([]payload.Row, 0, 30)
		for i := 0; i < 30; i++ {
			rows = append(rows, payload.Row{"label": fmt.Sprintf("%s-%d", ds, i)})
		}
		mem.Put(ds, rows)
	}
	r := NewResponder(mem, WithEncoding(EncodingParquet), WithLatency(func(req rowcache.WindowRequest) time.Duration {
		q, _ := QueryFromRequest(req)
		if q.Dataset() == "A" {
			return 80 * time.Millisecond
		}
		return 2 * time.Millisecond
	}))

	var cache *rowcache.Cache
	cache = rowcache.New(r.FetcherFor(ctx, func(resp rowcache.WindowResponse) bool { return cache.SubmitResponse(resp) }))

	got := make(chan rowcache.Window, 2)
	reqA, _ := RequestFromQuery(Query{Start: 0, End: 10, Outside: map[string]any{"key": "A"}})
	reqB, _ := RequestFromQuery(Query{Start: 0, End: 10, Outside: map[string]any{"key": "B"}})
	cache.SetActiveContext(reqA.ContextKey)
	require.NoError(t, cache.RequestWindow(reqA, func(w rowcache.Window) { got <- w }))
	cache.SetActiveContext(reqB.ContextKey)
	require.NoError(t, cache.RequestWindow(reqB, func(w rowcache.Window) { got <- w }))

	w := <-got
	require.Equal(t, "B-0", w.Rows[0]["label"])
	require.Eventually(t, func() bool { return cache.Stats().Stale == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Empty(t, got)
}

func TestJSONL_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	rows := DemoRows("A", 5)
	require.NoError(t, WriteJSONL(&buf, rows))

	back, err := ReadJSONL(strings.NewReader(buf.String() + "\n\n"))
	require.NoError(t, err)
	require.Len(t, back, 5)
	require.Equal(t, "A-3", back[3]["name"])
	require.IsType(t, int64(0), back[3]["value"])
	require.Equal(t, map[string]any{"source": "A", "even": false}, back[3]["meta"])

	_, err = ReadJSONL(strings.NewReader("{\"a\":1}\nnot json\n"))
	require.ErrorContains(t, err, "line 2")
}
