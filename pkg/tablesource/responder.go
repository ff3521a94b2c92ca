package tablesource

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/gridfeed/pkg/payload"
	"github.com/go-go-golems/gridfeed/pkg/rowcache"
)

// Encoding is how a Responder ships the rows of a window.
type Encoding string

const (
	EncodingRaw      Encoding = "raw"
	EncodingArrowIPC Encoding = Encoding(payload.FormatArrowIPC)
	EncodingParquet  Encoding = Encoding(payload.FormatParquet)
)

func ParseEncoding(s string) (Encoding, error) {
	switch e := Encoding(strings.ToLower(strings.TrimSpace(s))); e {
	case "", EncodingRaw:
		return EncodingRaw, nil
	case EncodingArrowIPC, EncodingParquet:
		return e, nil
	}
	return "", errors.Errorf("unknown encoding %q", s)
}

// LatencyFunc returns an artificial delay applied before answering req.
type LatencyFunc func(req rowcache.WindowRequest) time.Duration

// Responder answers window requests from a Source.
type Responder struct {
	source   Source
	encoding Encoding
	latency  LatencyFunc
	logger   zerolog.Logger
}

type ResponderOption func(*Responder)

func WithEncoding(e Encoding) ResponderOption {
	return func(r *Responder) {
		r.encoding = e
	}
}

func WithLatency(fn LatencyFunc) ResponderOption {
	return func(r *Responder) {
		r.latency = fn
	}
}

// WithFixedLatency delays every response by d.
func WithFixedLatency(d time.Duration) ResponderOption {
	return WithLatency(func(rowcache.WindowRequest) time.Duration { return d })
}

func WithResponderLogger(l zerolog.Logger) ResponderOption {
	return func(r *Responder) {
		r.logger = l
	}
}

func NewResponder(source Source, opts ...ResponderOption) *Responder {
	r := &Responder{
		source:   source,
		encoding: EncodingRaw,
		logger:   log.Logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Responder) Source() Source {
	return r.source
}

// Respond builds the response for req. The response echoes req unchanged.
func (r *Responder) Respond(ctx context.Context, req rowcache.WindowRequest) (rowcache.WindowResponse, error) {
	if !req.Valid() {
		return rowcache.WindowResponse{}, errors.Wrapf(rowcache.ErrInvalidWindow, "window %s", req)
	}
	q, err := QueryFromRequest(req)
	if err != nil {
		return rowcache.WindowResponse{}, err
	}
	if r.latency != nil {
		if d := r.latency(req); d > 0 {
			t := time.NewTimer(d)
			select {
			case <-ctx.Done():
				t.Stop()
				return rowcache.WindowResponse{}, ctx.Err()
			case <-t.C:
			}
		}
	}

	rows, total, err := r.source.Window(ctx, q)
	if err != nil {
		return rowcache.WindowResponse{}, errors.Wrapf(err, "window %d-%d of %q", q.Start, q.End, q.Dataset())
	}
	resp := rowcache.WindowResponse{Request: req, Rows: rows, TotalLength: total}
	if r.encoding == EncodingRaw || len(rows) == 0 {
		return resp, nil
	}
	enc, err := payload.Encode(payload.Format(r.encoding), rows, payload.Columns(rows))
	if err != nil {
		return rowcache.WindowResponse{}, errors.Wrapf(err, "encode window %s", req)
	}
	resp.Rows = enc
	return resp, nil
}

// FetcherFor returns an in-process fetcher that answers each request on its own goroutine
// and hands the response to submit. Failed requests are logged and never settle.
func (r *Responder) FetcherFor(ctx context.Context, submit func(rowcache.WindowResponse) bool) rowcache.Fetcher {
	return rowcache.FetcherFunc(func(req rowcache.WindowRequest) {
		go func() {
			resp, err := r.Respond(ctx, req)
			if err != nil {
				if ctx.Err() == nil {
					r.logger.Warn().Err(err).Str("component", "tablesource").Str("window", req.String()).Msg("window request failed")
				}
				return
			}
			submit(resp)
		}()
	})
}
