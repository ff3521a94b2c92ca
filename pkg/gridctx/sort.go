// Package gridctx derives the context key that separates one logical dataset view from
// another, and the per-row identity the grid uses for diffing.
package gridctx

import (
	"strings"
)

type SortDirection string

const (
	SortAsc  SortDirection = "asc"
	SortDesc SortDirection = "desc"
)

// SortSpec sorts one column. The JSON shape matches the grid's sort model entries.
type SortSpec struct {
	ColID string        `json:"colId" yaml:"colId"`
	Sort  SortDirection `json:"sort" yaml:"sort"`
}

// SortModel lists sort specs in priority order.
type SortModel []SortSpec

// Normalize trims column ids, lowercases directions, defaults unknown directions to asc
// and drops entries without a column.
func (m SortModel) Normalize() SortModel {
	if m == nil {
		return nil
	}
	out := make(SortModel, 0, len(m))
	for _, s := range m {
		col := strings.TrimSpace(s.ColID)
		if col == "" {
			continue
		}
		dir := SortDirection(strings.ToLower(strings.TrimSpace(string(s.Sort))))
		if dir != SortDesc {
			dir = SortAsc
		}
		out = append(out, SortSpec{ColID: col, Sort: dir})
	}
	return out
}

// Equal compares two models after normalization. A nil model equals an empty one.
func (m SortModel) Equal(o SortModel) bool {
	a, b := m.Normalize(), o.Normalize()
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
