// Package bus carries window requests and responses over a watermill publisher/subscriber
// pair: in-process channels for tests and single binaries, Redis Streams across processes.
package bus

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/gridfeed/pkg/rowcache"
	"github.com/go-go-golems/gridfeed/pkg/tablesource"
)

const (
	RequestsTopic  = "gridfeed.requests"
	ResponsesTopic = "gridfeed.responses"
)

type requestEnvelope struct {
	ID      string                 `json:"id"`
	Request rowcache.WindowRequest `json:"request"`
}

type responseEnvelope struct {
	RequestID string                  `json:"request_id"`
	Response  rowcache.WindowResponse `json:"response"`
	Error     string                  `json:"error,omitempty"`
}

// Fetcher publishes window requests and feeds responses back into a Submitter.
type Fetcher struct {
	pub    message.Publisher
	sub    message.Subscriber
	logger zerolog.Logger
}

var _ rowcache.Fetcher = &Fetcher{}

func NewFetcher(pub message.Publisher, sub message.Subscriber, logger zerolog.Logger) *Fetcher {
	return &Fetcher{pub: pub, sub: sub, logger: logger.With().Str("component", "bus.fetcher").Logger()}
}

// Fetch publishes req. Publish failures are logged; the request then never settles.
func (f *Fetcher) Fetch(req rowcache.WindowRequest) {
	b, err := json.Marshal(requestEnvelope{ID: uuid.NewString(), Request: req})
	if err != nil {
		f.logger.Warn().Err(err).Str("window", req.String()).Msg("marshal request failed")
		return
	}
	msg := message.NewMessage(uuid.NewString(), b)
	msg.Metadata.Set("context_key", req.ContextKey)
	if err := f.pub.Publish(RequestsTopic, msg); err != nil {
		f.logger.Warn().Err(err).Str("window", req.String()).Msg("publish request failed")
	}
}

// Start subscribes to responses and consumes them in the background until ctx is done.
func (f *Fetcher) Start(ctx context.Context, dst rowcache.Submitter) error {
	ch, err := f.sub.Subscribe(ctx, ResponsesTopic)
	if err != nil {
		return errors.Wrap(err, "subscribe responses")
	}
	go f.consume(ch, dst)
	return nil
}

// RunResponses subscribes to responses and submits each one to dst until ctx is done.
func (f *Fetcher) RunResponses(ctx context.Context, dst rowcache.Submitter) error {
	ch, err := f.sub.Subscribe(ctx, ResponsesTopic)
	if err != nil {
		return errors.Wrap(err, "subscribe responses")
	}
	f.consume(ch, dst)
	return nil
}

func (f *Fetcher) consume(ch <-chan *message.Message, dst rowcache.Submitter) {
	for msg := range ch {
		var env responseEnvelope
		if err := json.Unmarshal(msg.Payload, &env); err != nil {
			f.logger.Warn().Err(err).Msg("failed to decode response")
			msg.Ack()
			continue
		}
		if env.Error != "" {
			f.logger.Warn().Str("window", env.Response.Request.String()).Str("error", env.Error).Msg("window request failed upstream")
			msg.Ack()
			continue
		}
		dst.SubmitResponse(env.Response)
		msg.Ack()
	}
}

// Server answers requests published on the bus.
type Server struct {
	responder   *tablesource.Responder
	pub         message.Publisher
	sub         message.Subscriber
	logger      zerolog.Logger
	concurrency int

	mu      sync.Mutex
	running bool
	done    chan struct{}
}

type ServerOption func(*Server)

func WithConcurrency(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

func WithServerLogger(l zerolog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = l
	}
}

func NewServer(responder *tablesource.Responder, pub message.Publisher, sub message.Subscriber, opts ...ServerOption) *Server {
	s := &Server{
		responder:   responder,
		pub:         pub,
		sub:         sub,
		logger:      log.Logger,
		concurrency: 16,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "bus.server").Logger()
	return s
}

// Start subscribes to requests and serves them in the background until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	ch, err := s.sub.Subscribe(ctx, RequestsTopic)
	if err != nil {
		s.mu.Unlock()
		return errors.Wrap(err, "subscribe requests")
	}
	s.running = true
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.serve(ctx, ch)
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()
	return nil
}

// Run serves requests until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	s.Wait()
	return nil
}

// Wait blocks until a started server stopped.
func (s *Server) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (s *Server) serve(ctx context.Context, ch <-chan *message.Message) {
	s.logger.Info().Msg("bus server: started")
	g := &errgroup.Group{}
	g.SetLimit(s.concurrency)
	for msg := range ch {
		var env requestEnvelope
		err := json.Unmarshal(msg.Payload, &env)
		msg.Ack()
		if err != nil {
			s.logger.Warn().Err(err).Msg("failed to decode request")
			continue
		}
		g.Go(func() error {
			s.answer(ctx, env)
			return nil
		})
	}
	_ = g.Wait()
	s.logger.Info().Msg("bus server: stopped")
}

func (s *Server) answer(ctx context.Context, env requestEnvelope) {
	out := responseEnvelope{RequestID: env.ID}
	resp, err := s.responder.Respond(ctx, env.Request)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn().Err(err).Str("window", env.Request.String()).Msg("window request failed")
		out.Response = rowcache.WindowResponse{Request: env.Request}
		out.Error = err.Error()
	} else {
		out.Response = resp
	}
	b, err := json.Marshal(out)
	if err != nil {
		s.logger.Warn().Err(err).Str("window", env.Request.String()).Msg("marshal response failed")
		return
	}
	if err := s.pub.Publish(ResponsesTopic, message.NewMessage(uuid.NewString(), b)); err != nil {
		s.logger.Warn().Err(err).Str("window", env.Request.String()).Msg("publish response failed")
	}
}
