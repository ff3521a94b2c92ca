// Package tablesource answers row-window requests from a backing table: an in-memory set of
// named datasets, or rows stored in SQLite.
package tablesource

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"

	"github.com/go-go-golems/gridfeed/pkg/gridctx"
	"github.com/go-go-golems/gridfeed/pkg/payload"
	"github.com/go-go-golems/gridfeed/pkg/rowcache"
)

// Outside parameter names understood by the sources.
const (
	DatasetParam = "dataset"
	KeyParam     = "key"
	FilterParam  = "filter"
)

var ErrUnknownDataset = errors.New("tablesource: unknown dataset")

// Query selects rows [Start, End) of a dataset view.
type Query struct {
	Start   int               `json:"start" yaml:"start"`
	End     int               `json:"end" yaml:"end"`
	Sort    gridctx.SortModel `json:"sort,omitempty" yaml:"sort,omitempty"`
	Filter  string            `json:"filter,omitempty" yaml:"filter,omitempty"`
	Outside map[string]any    `json:"outside,omitempty" yaml:"outside,omitempty"`
}

// Dataset names the dataset the query addresses: the "dataset" outside parameter, or the
// "key" parameter when that is absent.
func (q Query) Dataset() string {
	for _, name := range []string{DatasetParam, KeyParam} {
		if v, ok := q.Outside[name].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// Source serves windows of sorted, filtered dataset views. Returned rows carry "index" set to
// their position in the view; total is the size of the whole view.
type Source interface {
	Window(ctx context.Context, q Query) (rows []payload.Row, total int, err error)
	Columns() []string
}

// RequestFromQuery builds the window request whose context key describes q's view.
// The filter travels inside the outside parameters.
func RequestFromQuery(q Query) (rowcache.WindowRequest, error) {
	outside := map[string]any{}
	for k, v := range q.Outside {
		outside[k] = v
	}
	if q.Filter != "" {
		outside[FilterParam] = q.Filter
	}
	key, err := gridctx.ContextKey(q.Sort, outside)
	if err != nil {
		return rowcache.WindowRequest{}, err
	}
	return rowcache.WindowRequest{Start: q.Start, End: q.End, ContextKey: key}, nil
}

// QueryFromRequest recovers the query from a request whose context key was derived with
// gridctx.ContextKey.
func QueryFromRequest(req rowcache.WindowRequest) (Query, error) {
	var material struct {
		Outside json.RawMessage   `json:"outside"`
		Sort    gridctx.SortModel `json:"sort"`
	}
	if err := json.Unmarshal([]byte(req.ContextKey), &material); err != nil {
		return Query{}, errors.Wrap(err, "tablesource: parse context key")
	}
	q := Query{Start: req.Start, End: req.End, Sort: material.Sort.Normalize()}
	if len(material.Outside) > 0 && strings.HasPrefix(strings.TrimSpace(string(material.Outside)), "{") {
		if err := json.Unmarshal(material.Outside, &q.Outside); err != nil {
			return Query{}, errors.Wrap(err, "tablesource: parse outside parameters")
		}
	}
	if f, ok := q.Outside[FilterParam].(string); ok {
		q.Filter = f
	}
	return q, nil
}
