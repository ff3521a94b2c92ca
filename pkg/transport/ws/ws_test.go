package ws

import (
	"context"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/gridfeed/pkg/gridctx"
	"github.com/go-go-golems/gridfeed/pkg/payload"
	"github.com/go-go-golems/gridfeed/pkg/rowcache"
	"github.com/go-go-golems/gridfeed/pkg/tablesource"
)

func newTestServer(t *testing.T, opts ...tablesource.ResponderOption) (*Handler, string) {
	mem := tablesource.NewMemorySource()
	rows := make([]payload.Row, 0, 40)
	for i := 0; i < 40; i++ {
		rows = append(rows, payload.Row{"label": fmt.Sprintf("row-%d", i), "score": float64(i) / 4, "tags": []any{"x", i}})
	}
	mem.Put("main", rows)

	h := NewHandler(tablesource.NewResponder(mem, opts...), websocket.Upgrader{}, WithLogger(zerolog.Nop()))
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return h, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dialCache(t *testing.T, url string, codec Codec) (*rowcache.Cache, *Client) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	client, err := Dial(ctx, url, codec)
	require.NoError(t, err)
	cache := rowcache.New(client)
	go func() { _ = client.Run(ctx, cache) }()
	return cache, client
}

func TestClient_RoundTrip(t *testing.T) {
	for _, codec := range []Codec{JSON, Msgpack} {
		for _, enc := range []tablesource.Encoding{tablesource.EncodingRaw, tablesource.EncodingParquet} {
			t.Run(codec.Name()+"/"+string(enc), func(t *testing.T) {
				_, url := newTestServer(t, tablesource.WithEncoding(enc))
				cache, _ := dialCache(t, url, codec)

				sortDesc := gridctx.SortModel{{ColID: "score", Sort: gridctx.SortDesc}}
				key := gridctx.MustContextKey(sortDesc, map[string]any{"dataset": "main"})
				got := make(chan rowcache.Window, 1)
				require.NoError(t, cache.RequestWindow(rowcache.WindowRequest{Start: 30, End: 50, ContextKey: key}, func(w rowcache.Window) { got <- w }))

				var w rowcache.Window
				select {
				case w = <-got:
				case <-time.After(3 * time.Second):
					t.Fatal("timed out waiting for window")
				}
				require.Equal(t, 40, w.TotalLength)
				rows := w.Slice(30, 50)
				require.Len(t, rows, 10)
				require.Equal(t, "row-9", rows[0]["label"])
				require.EqualValues(t, 30, rows[0]["index"])
				require.EqualValues(t, 2.25, rows[0]["score"])
				require.Equal(t, "row-0", rows[9]["label"])
				require.Len(t, rows[9]["tags"], 2)
			})
		}
	}
}

func TestClient_FailedRequestIsNotSubmitted(t *testing.T) {
	_, url := newTestServer(t)
	cache, _ := dialCache(t, url, JSON)

	bad := rowcache.WindowRequest{Start: 0, End: 10, ContextKey: gridctx.MustContextKey(nil, map[string]any{"dataset": "nope"})}
	good := rowcache.WindowRequest{Start: 0, End: 10, ContextKey: gridctx.MustContextKey(nil, map[string]any{"dataset": "main"})}
	cache.SetActiveContext(good.ContextKey)
	require.NoError(t, cache.RequestWindow(bad, nil))
	done := make(chan struct{})
	require.NoError(t, cache.RequestWindow(good, func(rowcache.Window) { close(done) }))

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for window")
	}
	require.Equal(t, 1, cache.Pending())
}

func TestHandler_TracksSessions(t *testing.T) {
	h, url := newTestServer(t)
	_, client := dialCache(t, url, Msgpack)
	require.Eventually(t, func() bool { return h.Count() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, client.Close())
	require.Eventually(t, func() bool { return h.Count() == 0 }, time.Second, 5*time.Millisecond)

	_, err := ParseCodec("xml")
	require.Error(t, err)
}

// trackingSource records how many windows are served at once.
type trackingSource struct {
	tablesource.Source
	delay time.Duration

	mu       sync.Mutex
	inFlight int
	peak     int
}

func (s *trackingSource) Window(ctx context.Context, q tablesource.Query) ([]payload.Row, int, error) {
	s.mu.Lock()
	s.inFlight++
	if s.inFlight > s.peak {
		s.peak = s.inFlight
	}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inFlight--
		s.mu.Unlock()
	}()
	time.Sleep(s.delay)
	return s.Source.Window(ctx, q)
}

func TestHandler_BoundsConcurrentRequests(t *testing.T) {
	mem := tablesource.NewMemorySource()
	mem.Put("main", tablesource.DemoRows("main", 100))
	src := &trackingSource{Source: mem, delay: 10 * time.Millisecond}
	h := NewHandler(tablesource.NewResponder(src), websocket.Upgrader{}, WithLogger(zerolog.Nop()), WithConcurrency(2))
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	cache, _ := dialCache(t, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", JSON)

	key := gridctx.MustContextKey(nil, map[string]any{"dataset": "main"})
	settled := make(chan struct{}, 8)
	for i := 0; i < 8; i++ {
		req := rowcache.WindowRequest{Start: i * 10, End: i*10 + 10, ContextKey: key}
		require.NoError(t, cache.RequestWindow(req, func(rowcache.Window) { settled <- struct{}{} }))
	}
	for i := 0; i < 8; i++ {
		select {
		case <-settled:
		case <-time.After(3 * time.Second):
			t.Fatalf("only %d of 8 windows settled", i)
		}
	}

	src.mu.Lock()
	defer src.mu.Unlock()
	require.LessOrEqual(t, src.peak, 2)
	require.GreaterOrEqual(t, src.peak, 1)
}
