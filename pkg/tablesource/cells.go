package tablesource

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"

	"github.com/go-go-golems/gridfeed/pkg/payload"
)

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func cellString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// decodeRowJSON parses a stored row. Integral numbers come back as int64, the rest as float64.
func decodeRowJSON(raw []byte) (payload.Row, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var row payload.Row
	if err := dec.Decode(&row); err != nil {
		return nil, err
	}
	for k, v := range row {
		row[k] = fromJSONNumber(v)
	}
	return row, nil
}

func fromJSONNumber(v any) any {
	switch vv := v.(type) {
	case json.Number:
		if i, err := vv.Int64(); err == nil {
			return i
		}
		if f, err := vv.Float64(); err == nil {
			if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
				return int64(f)
			}
			return f
		}
		return vv.String()
	case map[string]any:
		for k, x := range vv {
			vv[k] = fromJSONNumber(x)
		}
		return vv
	case []any:
		for i, x := range vv {
			vv[i] = fromJSONNumber(x)
		}
		return vv
	}
	return v
}
