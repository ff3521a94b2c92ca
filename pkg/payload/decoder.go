package payload

import (
	"context"
	"fmt"
	"sync"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// DefaultCapacity is the number of decoded payloads a Decoder remembers.
const DefaultCapacity = 8

// Decoder decodes payloads and memoizes columnar results by their encoded text.
//
// The memo evicts in insertion order (FIFO), not access order. A memoized empty result
// is treated as "not decoded yet" so that a transient failure is retried on next access.
type Decoder struct {
	decode ColumnarDecodeFunc
	logger zerolog.Logger
	sf     singleflight.Group

	mu       sync.Mutex
	capacity int
	memo     map[string][]Row
	order    []string
	stats    DecoderStats
}

// DecoderStats counts memo activity. Decodes counts invocations of the columnar decoder.
type DecoderStats struct {
	Hits      int
	Misses    int
	Decodes   int
	Evictions int
}

type DecoderOption func(*Decoder)

func WithCapacity(n int) DecoderOption {
	return func(d *Decoder) {
		if n > 0 {
			d.capacity = n
		}
	}
}

func WithAllocator(mem memory.Allocator) DecoderOption {
	return func(d *Decoder) {
		d.decode = ArrowColumnarDecoder(mem)
	}
}

func WithColumnarDecoder(fn ColumnarDecodeFunc) DecoderOption {
	return func(d *Decoder) {
		if fn != nil {
			d.decode = fn
		}
	}
}

func WithLogger(l zerolog.Logger) DecoderOption {
	return func(d *Decoder) {
		d.logger = l
	}
}

func NewDecoder(opts ...DecoderOption) *Decoder {
	d := &Decoder{
		decode:   ArrowColumnarDecoder(nil),
		logger:   log.Logger,
		capacity: DefaultCapacity,
		memo:     map[string][]Row{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Decode materializes p into rows. It never returns nil and never panics on bad input.
// Returned rows may be shared with other callers and must not be mutated.
func (d *Decoder) Decode(p DataPayload) []Row {
	s, rows, enc := classify(p)
	switch s {
	case shapeRaw:
		if rows == nil {
			return []Row{}
		}
		return rows
	case shapeEncoded:
		return d.decodeEncoded(enc)
	}
	d.logger.Warn().Str("component", "payload").Str("payload_type", typeName(p)).Msg("unrecognized payload shape, treating as empty")
	return []Row{}
}

func (d *Decoder) decodeEncoded(enc EncodedPayload) []Row {
	if rows, ok := d.lookup(enc.Data); ok {
		return rows
	}
	v, _, _ := d.sf.Do(enc.Data, func() (any, error) {
		// Another caller may have stored a result while this one waited.
		if rows, ok := d.peek(enc.Data); ok {
			return rows, nil
		}
		rows := d.decodeUncached(enc)
		d.store(enc.Data, rows)
		return rows, nil
	})
	return v.([]Row)
}

func (d *Decoder) decodeUncached(enc EncodedPayload) (rows []Row) {
	d.mu.Lock()
	d.stats.Decodes++
	d.mu.Unlock()

	// Corrupted buffers can make the columnar readers panic.
	defer func() {
		if r := recover(); r != nil {
			d.logger.Warn().Str("component", "payload").Str("format", string(enc.Format)).Interface("panic", r).Msg("payload decode panicked")
			rows = []Row{}
		}
	}()

	buf, err := decodeBase64(enc.Data)
	if err != nil {
		d.logger.Warn().Err(err).Str("component", "payload").Str("format", string(enc.Format)).Msg("payload decode failed")
		return []Row{}
	}
	rows, err = d.decode(enc.Format, buf)
	if err != nil {
		d.logger.Warn().Err(err).Str("component", "payload").Str("format", string(enc.Format)).Int("bytes", len(buf)).Msg("payload decode failed")
		return []Row{}
	}
	if rows == nil {
		return []Row{}
	}
	for _, row := range rows {
		reparseCells(row)
	}
	return rows
}

func (d *Decoder) lookup(key string) ([]Row, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rows, ok := d.memo[key]
	if ok && len(rows) > 0 {
		d.stats.Hits++
		return rows, true
	}
	d.stats.Misses++
	return nil, false
}

func (d *Decoder) peek(key string) ([]Row, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rows, ok := d.memo[key]
	return rows, ok && len(rows) > 0
}

func (d *Decoder) store(key string, rows []Row) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.memo[key]; ok {
		// keeps its original insertion position
		d.memo[key] = rows
		return
	}
	d.memo[key] = rows
	d.order = append(d.order, key)
	for len(d.order) > d.capacity {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.memo, oldest)
		d.stats.Evictions++
	}
}

// Len returns the number of memoized payloads.
func (d *Decoder) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.memo)
}

func (d *Decoder) Stats() DecoderStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// Result is the outcome of DecodeAsync. Err is set only when the context ended first.
type Result struct {
	Rows []Row
	Err  error
}

// DecodeAsync decodes p on its own goroutine. The returned channel yields exactly one
// Result and is then closed.
func (d *Decoder) DecodeAsync(ctx context.Context, p DataPayload) <-chan Result {
	ch := make(chan Result, 1)
	go func() {
		defer close(ch)
		if err := ctx.Err(); err != nil {
			ch <- Result{Rows: []Row{}, Err: err}
			return
		}
		ch <- Result{Rows: d.Decode(p)}
	}()
	return ch
}

// DecodeAll resolves every payload-shaped value of m in parallel, each to its []Row. Values
// that are not payloads are copied to the result unchanged.
func (d *Decoder) DecodeAll(ctx context.Context, m map[string]DataPayload) (map[string]DataPayload, error) {
	out := make(map[string]DataPayload, len(m))
	var mu sync.Mutex

	eg, egCtx := errgroup.WithContext(ctx)
	for key, p := range m {
		if !IsPayload(p) {
			mu.Lock()
			out[key] = p
			mu.Unlock()
			continue
		}
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}
			rows := d.Decode(p)
			mu.Lock()
			out[key] = rows
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func typeName(p any) string {
	if p == nil {
		return "nil"
	}
	return fmt.Sprintf("%T", p)
}
