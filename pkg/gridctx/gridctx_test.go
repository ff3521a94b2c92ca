package gridctx

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/gridfeed/pkg/payload"
)

func TestContextKey_IgnoresMapKeyOrder(t *testing.T) {
	sort := SortModel{{ColID: "price", Sort: SortDesc}}

	a, err := ContextKey(sort, map[string]any{"dataset": "A", "filter": map[string]any{"q": "x", "cols": []any{"a", "b"}}})
	require.NoError(t, err)
	b, err := ContextKey(sort, map[string]any{"filter": map[string]any{"cols": []any{"a", "b"}, "q": "x"}, "dataset": "A"})
	require.NoError(t, err)
	require.Equal(t, a, b)

	typed, err := ContextKey(sort, map[string]string{"dataset": "A"})
	require.NoError(t, err)
	generic, err := ContextKey(sort, map[string]any{"dataset": "A"})
	require.NoError(t, err)
	require.Equal(t, typed, generic)
}

func TestContextKey_DistinguishesViews(t *testing.T) {
	base := MustContextKey(nil, map[string]any{"key": "A"})
	require.NotEqual(t, base, MustContextKey(nil, map[string]any{"key": "B"}))
	require.NotEqual(t, base, MustContextKey(SortModel{{ColID: "a", Sort: SortAsc}}, map[string]any{"key": "A"}))
	require.NotEqual(t,
		MustContextKey(SortModel{{ColID: "a", Sort: SortAsc}}, nil),
		MustContextKey(SortModel{{ColID: "a", Sort: SortDesc}}, nil),
	)
	// empty and nil sort models are the same view
	require.Equal(t, base, MustContextKey(SortModel{}, map[string]any{"key": "A"}))
	require.Equal(t, `{"outside":{"key":"A"},"sort":[]}`, base)
}

func TestContextKey_Unserializable(t *testing.T) {
	_, err := ContextKey(nil, map[string]any{"f": func() {}})
	require.Error(t, err)
	require.Panics(t, func() { MustContextKey(nil, make(chan int)) })
}

func TestRowIdentity(t *testing.T) {
	keyA := MustContextKey(nil, map[string]any{"key": "A"})
	keyB := MustContextKey(nil, map[string]any{"key": "B"})

	row := payload.Row{"index": int64(7)}
	require.Equal(t, "7-"+keyA, RowIdentity(row, keyA))
	require.NotEqual(t, RowIdentity(row, keyA), RowIdentity(row, keyB))

	// JSON-decoded indexes render the same as integer ones
	require.Equal(t, RowIdentity(row, keyA), RowIdentity(payload.Row{"index": float64(7)}, keyA))
}

func TestSortModel_Normalize(t *testing.T) {
	m := SortModel{{ColID: " a ", Sort: "DESC"}, {ColID: "", Sort: SortAsc}, {ColID: "b", Sort: "sideways"}}
	require.Equal(t, SortModel{{ColID: "a", Sort: SortDesc}, {ColID: "b", Sort: SortAsc}}, m.Normalize())
	require.True(t, SortModel(nil).Equal(SortModel{}))
	require.False(t, m.Equal(nil))
}

func TestLifecycle(t *testing.T) {
	l := NewLifecycle()
	require.Equal(t, StateIdle, l.State())

	tr := l.Advance("A", nil)
	require.True(t, tr.First)
	require.Equal(t, StateActive, l.State())

	tr = l.Advance("A", nil)
	require.False(t, tr.ContextChanged)
	require.False(t, tr.SortChanged)

	sorted := SortModel{{ColID: "a", Sort: SortAsc}}
	tr = l.Advance("A-sorted", sorted)
	require.True(t, tr.ContextChanged)
	require.True(t, tr.SortChanged)

	tr = l.Advance("B-sorted", sorted)
	require.True(t, tr.ContextChanged)
	require.False(t, tr.SortChanged)
	require.Equal(t, 2, l.Changes())
	require.Equal(t, "B-sorted", l.ContextKey())

	require.True(t, l.Unmount())
	require.False(t, l.Unmount())
	require.True(t, l.Advance("C", nil).Unmounted)
	require.Equal(t, StateUnmounted, l.State())
	require.Equal(t, "unmounted", l.State().String())
}
