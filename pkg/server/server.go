// Package server hosts a window responder over HTTP: websocket sessions on /ws, one-shot
// window requests on /api/window, and an optional bus server on the side.
package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/gridfeed/pkg/rowcache"
	"github.com/go-go-golems/gridfeed/pkg/tablesource"
	"github.com/go-go-golems/gridfeed/pkg/transport/bus"
	"github.com/go-go-golems/gridfeed/pkg/transport/ws"
)

const shutdownTimeout = 30 * time.Second

// Server drives the HTTP server and the optional bus server lifecycle.
type Server struct {
	responder *tablesource.Responder
	httpSrv   *http.Server
	ws        *ws.Handler
	bus       *bus.Server
	closers   []io.Closer
	logger    zerolog.Logger
	upgrader  websocket.Upgrader
}

type Option func(*Server)

// WithBus runs s alongside the HTTP server.
func WithBus(s *bus.Server) Option {
	return func(srv *Server) {
		srv.bus = s
	}
}

// WithCloser registers a resource closed after shutdown, in registration order.
func WithCloser(c io.Closer) Option {
	return func(srv *Server) {
		if c != nil {
			srv.closers = append(srv.closers, c)
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(srv *Server) {
		srv.logger = l
	}
}

func WithUpgrader(u websocket.Upgrader) Option {
	return func(srv *Server) {
		srv.upgrader = u
	}
}

func New(addr string, responder *tablesource.Responder, opts ...Option) *Server {
	s := &Server{
		responder: responder,
		logger:    log.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ws = ws.NewHandler(responder, s.upgrader, ws.WithLogger(s.logger))

	mux := http.NewServeMux()
	mux.Handle("/ws", s.ws)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/window", s.handleWindow)
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

func (s *Server) HTTPServer() *http.Server {
	return s.httpSrv
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.ws.Count(),
		"columns":  s.responder.Source().Columns(),
	})
}

// handleWindow answers one window request posted as JSON.
func (s *Server) handleWindow(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req rowcache.WindowRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
		return
	}
	resp, err := s.responder.Respond(r.Context(), req)
	switch {
	case errors.Is(err, rowcache.ErrInvalidWindow), errors.Is(err, tablesource.ErrUnknownDataset):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		s.logger.Warn().Err(err).Str("window", req.String()).Msg("window request failed")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Run serves until ctx is done or the process receives SIGINT/SIGTERM, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	if ctx == nil {
		return errors.New("ctx is nil")
	}
	eg := errgroup.Group{}
	srvCtx, srvCancel := context.WithCancel(ctx)
	defer srvCancel()

	if s.bus != nil {
		eg.Go(func() error { return s.bus.Run(srvCtx) })
	}

	eg.Go(func() error {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigChan)
		select {
		case <-sigChan:
			s.logger.Info().Msg("received interrupt signal, shutting down gracefully...")
		case <-srvCtx.Done():
		}
		srvCancel()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		s.ws.CloseAll()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error().Err(err).Msg("server shutdown error")
			return err
		}
		for _, c := range s.closers {
			if err := c.Close(); err != nil {
				s.logger.Error().Err(err).Msg("close error")
			}
		}
		s.logger.Info().Msg("server shutdown complete")
		return nil
	})

	eg.Go(func() error {
		s.logger.Info().Str("addr", s.httpSrv.Addr).Msg("starting gridfeed server")
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("server listen error")
			srvCancel()
			return err
		}
		return nil
	})

	return eg.Wait()
}
