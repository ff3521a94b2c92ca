package ws

import (
	"context"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/gridfeed/pkg/rowcache"
	"github.com/go-go-golems/gridfeed/pkg/tablesource"
)

// DefaultConcurrency bounds the requests one session answers at a time.
const DefaultConcurrency = 16

// Handler upgrades requests to websocket sessions that answer window requests.
type Handler struct {
	responder   *tablesource.Responder
	upgrader    websocket.Upgrader
	logger      zerolog.Logger
	concurrency int

	mu    sync.Mutex
	conns map[*conn]struct{}
}

type HandlerOption func(*Handler)

func WithLogger(l zerolog.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = l
	}
}

// WithConcurrency bounds in-flight requests per session. Reading the next frame waits
// while the bound is reached.
func WithConcurrency(n int) HandlerOption {
	return func(h *Handler) {
		if n > 0 {
			h.concurrency = n
		}
	}
}

func NewHandler(responder *tablesource.Responder, upgrader websocket.Upgrader, opts ...HandlerOption) *Handler {
	h := &Handler{
		responder:   responder,
		upgrader:    upgrader,
		logger:      log.Logger,
		concurrency: DefaultConcurrency,
		conns:       map[*conn]struct{}{},
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With().Str("component", "ws").Logger()
	return h
}

// conn serializes writes to one websocket connection.
type conn struct {
	ws      *websocket.Conn
	codec   Codec
	writeMu sync.Mutex
}

func (c *conn) write(v any) error {
	b, err := c.codec.Marshal(v)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(c.codec.MessageType(), b)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	codec, err := ParseCodec(r.URL.Query().Get(CodecParam))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	c := &conn{ws: ws, codec: codec}
	h.add(c)
	defer h.remove(c)
	h.logger.Debug().Str("remote", r.RemoteAddr).Str("codec", codec.Name()).Msg("ws connected")

	g := &errgroup.Group{}
	g.SetLimit(h.concurrency)
	defer func() { _ = g.Wait() }()
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			h.logger.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("ws disconnected")
			return
		}
		var frame requestFrame
		if err := codec.Unmarshal(data, &frame); err != nil {
			h.logger.Warn().Err(err).Msg("failed to decode request frame")
			continue
		}
		g.Go(func() error {
			h.answer(ctx, c, frame)
			return nil
		})
	}
}

func (h *Handler) answer(ctx context.Context, c *conn, frame requestFrame) {
	out := responseFrame{ID: frame.ID}
	resp, err := h.responder.Respond(ctx, frame.Request)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		h.logger.Warn().Err(err).Str("window", frame.Request.String()).Msg("window request failed")
		out.Response = rowcache.WindowResponse{Request: frame.Request}
		out.Error = err.Error()
	} else {
		out.Response = resp
	}
	if err := c.write(out); err != nil {
		h.logger.Warn().Err(err).Str("window", frame.Request.String()).Msg("ws send failed")
	}
}

func (h *Handler) add(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c] = struct{}{}
}

func (h *Handler) remove(c *conn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
	_ = c.ws.Close()
}

// Count returns the number of open sessions.
func (h *Handler) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// CloseAll closes every open session.
func (h *Handler) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.conns {
		_ = c.ws.Close()
		delete(h.conns, c)
	}
}
