package gridctx

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/pkg/errors"

	"github.com/go-go-golems/gridfeed/pkg/payload"
)

// ContextKeyAlgorithmV1 identifies the canonical material behind ContextKey.
//
// The material is JSON over:
//   - outside (embedder parameters, normalized so map key order never matters)
//   - sort (the sort model in priority order)
//
// with a nil sort model treated as an empty list.
const ContextKeyAlgorithmV1 = "canonical-json-v1"

type contextMaterial struct {
	Outside any       `json:"outside"`
	Sort    SortModel `json:"sort"`
}

// ContextKey deterministically serializes everything that selects a logical dataset view.
// Two calls with equal sort models and structurally equal outside parameters produce the
// same key regardless of map iteration or declaration order.
func ContextKey(sort SortModel, outside any) (string, error) {
	m := contextMaterial{
		Outside: normalizeJSONValue(outside),
		Sort:    sort.Normalize(),
	}
	if m.Sort == nil {
		m.Sort = SortModel{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", errors.Wrap(err, "serialize context key")
	}
	return string(b), nil
}

// MustContextKey is ContextKey for static inputs; it panics on unserializable values.
func MustContextKey(sort SortModel, outside any) string {
	key, err := ContextKey(sort, outside)
	if err != nil {
		panic(err)
	}
	return key
}

// RowIdentity returns the grid row id for row under contextKey: "<index>-<contextKey>".
// A context change gives every row a new identity even when its index is unchanged.
func RowIdentity(row payload.Row, contextKey string) string {
	return fmt.Sprintf("%v-%s", indexText(row[payload.IndexColumn]), contextKey)
}

func indexText(v any) string {
	switch n := v.(type) {
	case nil:
		return ""
	case float64:
		if n == float64(int64(n)) {
			return fmt.Sprintf("%d", int64(n))
		}
	case float32:
		if n == float32(int64(n)) {
			return fmt.Sprintf("%d", int64(n))
		}
	case string:
		return n
	}
	return fmt.Sprint(v)
}

// normalizeJSONValue rewrites arbitrary maps into map[string]any so that encoding/json
// emits them with sorted keys.
func normalizeJSONValue(v any) any {
	if v == nil {
		return nil
	}

	switch vv := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(vv))
		for k, value := range vv {
			out[k] = normalizeJSONValue(value)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(vv))
		for k, value := range vv {
			out[fmt.Sprint(k)] = normalizeJSONValue(value)
		}
		return out
	case []any:
		out := make([]any, len(vv))
		for i := range vv {
			out[i] = normalizeJSONValue(vv[i])
		}
		return out
	case json.RawMessage:
		var decoded any
		if err := json.Unmarshal(vv, &decoded); err != nil {
			return strings.TrimSpace(string(vv))
		}
		return normalizeJSONValue(decoded)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map:
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[fmt.Sprint(iter.Key().Interface())] = normalizeJSONValue(iter.Value().Interface())
		}
		return out
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Uint8 {
			return v
		}
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = normalizeJSONValue(rv.Index(i).Interface())
		}
		return out
	case reflect.Pointer:
		if rv.IsNil() {
			return nil
		}
		return normalizeJSONValue(rv.Elem().Interface())
	}
	return v
}
