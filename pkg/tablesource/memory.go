package tablesource

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/go-go-golems/gridfeed/pkg/gridctx"
	"github.com/go-go-golems/gridfeed/pkg/payload"
)

// MemorySource holds named datasets in memory.
type MemorySource struct {
	mu       sync.RWMutex
	datasets map[string][]payload.Row
}

var _ Source = &MemorySource{}

func NewMemorySource() *MemorySource {
	return &MemorySource{datasets: map[string][]payload.Row{}}
}

// Put replaces a dataset. Rows are kept as given; "index" is assigned on read.
func (s *MemorySource) Put(dataset string, rows []payload.Row) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.datasets[dataset] = append([]payload.Row(nil), rows...)
}

func (s *MemorySource) Datasets() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.datasets))
	for name := range s.datasets {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Columns returns the union of the column names of every dataset.
func (s *MemorySource) Columns() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var all []payload.Row
	for _, rows := range s.datasets {
		all = append(all, rows...)
	}
	return payload.Columns(all)
}

func (s *MemorySource) Window(ctx context.Context, q Query) ([]payload.Row, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	name := q.Dataset()
	s.mu.RLock()
	rows, ok := s.datasets[name]
	s.mu.RUnlock()
	if !ok {
		return nil, 0, errors.Wrapf(ErrUnknownDataset, "%q", name)
	}

	view := make([]payload.Row, 0, len(rows))
	for _, r := range rows {
		if matchesFilter(r, q.Filter) {
			view = append(view, r)
		}
	}
	sortRows(view, q.Sort.Normalize())

	total := len(view)
	start, end := clampRange(q.Start, q.End, total)
	out := make([]payload.Row, 0, end-start)
	for i := start; i < end; i++ {
		out = append(out, withIndex(view[i], i))
	}
	return out, total, nil
}

func clampRange(start, end, total int) (int, int) {
	if start < 0 {
		start = 0
	}
	if end > total {
		end = total
	}
	if start > end {
		start = end
	}
	return start, end
}

func withIndex(r payload.Row, i int) payload.Row {
	out := make(payload.Row, len(r)+1)
	for k, v := range r {
		out[k] = v
	}
	out[payload.IndexColumn] = int64(i)
	return out
}

// matchesFilter reports whether any string cell contains filter, ignoring case.
func matchesFilter(r payload.Row, filter string) bool {
	if filter == "" {
		return true
	}
	needle := strings.ToLower(filter)
	for _, v := range r {
		if s, ok := v.(string); ok && strings.Contains(strings.ToLower(s), needle) {
			return true
		}
	}
	return false
}

func sortRows(rows []payload.Row, model gridctx.SortModel) {
	if len(model) == 0 {
		return
	}
	sort.SliceStable(rows, func(i, j int) bool {
		for _, spec := range model {
			c := compareCells(rows[i][spec.ColID], rows[j][spec.ColID])
			if c == 0 {
				continue
			}
			if spec.Sort == gridctx.SortDesc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
}

// compareCells orders nil before numbers before booleans before everything else.
func compareCells(a, b any) int {
	ra, rb := cellRank(a), cellRank(b)
	if ra != rb {
		return ra - rb
	}
	switch ra {
	case 1:
		fa, _ := asNumber(a)
		fb, _ := asNumber(b)
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	case 2:
		ba, bb := a.(bool), b.(bool)
		switch {
		case ba == bb:
			return 0
		case !ba:
			return -1
		}
		return 1
	case 3:
		return strings.Compare(cellString(a), cellString(b))
	}
	return 0
}

func cellRank(v any) int {
	if v == nil {
		return 0
	}
	if _, ok := asNumber(v); ok {
		return 1
	}
	if _, ok := v.(bool); ok {
		return 2
	}
	return 3
}
