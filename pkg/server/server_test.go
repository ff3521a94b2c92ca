package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/gridfeed/pkg/gridctx"
	"github.com/go-go-golems/gridfeed/pkg/rowcache"
	"github.com/go-go-golems/gridfeed/pkg/tablesource"
	"github.com/go-go-golems/gridfeed/pkg/transport/ws"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	mem := tablesource.NewMemorySource()
	mem.Put("A", tablesource.DemoRows("A", 50))
	s := New("127.0.0.1:0", tablesource.NewResponder(mem), WithLogger(zerolog.Nop()))
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func TestServer_Health(t *testing.T) {
	_, ts := newTestServer(t)
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status  string   `json:"status"`
		Columns []string `json:"columns"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "ok", body.Status)
	require.Contains(t, body.Columns, "name")
}

func TestServer_WindowEndpoint(t *testing.T) {
	_, ts := newTestServer(t)
	req := rowcache.WindowRequest{Start: 45, End: 55, ContextKey: gridctx.MustContextKey(nil, map[string]any{"dataset": "A"})}
	b, err := json.Marshal(req)
	require.NoError(t, err)

	resp, err := http.Post(ts.URL+"/api/window", "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out rowcache.WindowResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, req, out.Request)
	require.Equal(t, 50, out.TotalLength)
	require.Len(t, out.Rows, 5)

	bad := `{"start":0,"end":10,"context_key":` + mustJSON(t, gridctx.MustContextKey(nil, map[string]any{"dataset": "zzz"})) + `}`
	resp2, err := http.Post(ts.URL+"/api/window", "application/json", strings.NewReader(bad))
	require.NoError(t, err)
	defer func() { _ = resp2.Body.Close() }()
	require.Equal(t, http.StatusBadRequest, resp2.StatusCode)

	resp3, err := http.Get(ts.URL + "/api/window")
	require.NoError(t, err)
	defer func() { _ = resp3.Body.Close() }()
	require.Equal(t, http.StatusMethodNotAllowed, resp3.StatusCode)
}

func mustJSON(t *testing.T, v any) string {
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return string(b)
}

func TestServer_WebsocketFeedsCache(t *testing.T) {
	_, ts := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := ws.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", ws.Msgpack)
	require.NoError(t, err)
	cache := rowcache.New(client)
	go func() { _ = client.Run(ctx, cache) }()

	got := make(chan rowcache.Window, 1)
	req := rowcache.WindowRequest{Start: 0, End: 10, ContextKey: gridctx.MustContextKey(nil, map[string]any{"dataset": "A"})}
	require.NoError(t, cache.RequestWindow(req, func(w rowcache.Window) { got <- w }))
	select {
	case w := <-got:
		require.Len(t, w.Rows, 10)
		require.Equal(t, "A-0", w.Rows[0]["name"])
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for window")
	}
}

func TestServer_RunStopsWithContext(t *testing.T) {
	mem := tablesource.NewMemorySource()
	s := New("127.0.0.1:0", tablesource.NewResponder(mem), WithLogger(zerolog.Nop()))
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
