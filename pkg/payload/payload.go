// Package payload turns the row payloads delivered by a window fetch into row-major records.
//
// A payload is either a plain array of row objects or a base64-encoded columnar buffer
// (Arrow IPC or Parquet) tagged with its format:
//
//	{"format": "arrow-ipc", "data": "<base64>"}
//
// Decoding never fails loudly: unrecognized shapes and undecodable buffers are logged and
// yield an empty row set.
package payload

import (
	"encoding/json"
	"strings"
)

// Row is one record of a table, keyed by column name. Every row carries an "index" field.
type Row map[string]any

// Reserved columns that are passed through verbatim by the JSON re-parse pass.
const (
	IndexColumn  = "index"
	Level0Column = "level_0"
)

// Format names a columnar wire encoding.
type Format string

const (
	FormatArrowIPC Format = "arrow-ipc"
	FormatParquet  Format = "parquet"
)

func (f Format) Valid() bool {
	return f == FormatArrowIPC || f == FormatParquet
}

// EncodedPayload is a columnar table transmitted as base64 text.
type EncodedPayload struct {
	Format Format `json:"format" msgpack:"format"`
	Data   string `json:"data" msgpack:"data"`
}

// DataPayload is anything Decode accepts: []Row, []map[string]any, []any of row objects,
// EncodedPayload (or a pointer to one), a map with "format"/"data" keys, or raw JSON bytes
// holding one of those shapes.
type DataPayload = any

type shape int

const (
	shapeUnknown shape = iota
	shapeRaw
	shapeEncoded
)

// classify resolves a payload into either materialized rows or an encoded buffer.
func classify(p DataPayload) (shape, []Row, EncodedPayload) {
	switch v := p.(type) {
	case nil:
		return shapeUnknown, nil, EncodedPayload{}
	case []Row:
		return shapeRaw, v, EncodedPayload{}
	case []map[string]any:
		rows := make([]Row, len(v))
		for i, m := range v {
			rows[i] = Row(m)
		}
		return shapeRaw, rows, EncodedPayload{}
	case []any:
		rows := make([]Row, 0, len(v))
		for _, item := range v {
			switch m := item.(type) {
			case Row:
				rows = append(rows, m)
			case map[string]any:
				rows = append(rows, Row(m))
			default:
				return shapeUnknown, nil, EncodedPayload{}
			}
		}
		return shapeRaw, rows, EncodedPayload{}
	case EncodedPayload:
		if !v.Format.Valid() {
			return shapeUnknown, nil, EncodedPayload{}
		}
		return shapeEncoded, nil, v
	case *EncodedPayload:
		if v == nil {
			return shapeUnknown, nil, EncodedPayload{}
		}
		return classify(*v)
	case Row:
		return classify(map[string]any(v))
	case map[string]any:
		format, _ := v["format"].(string)
		data, ok := v["data"].(string)
		if !ok {
			return shapeUnknown, nil, EncodedPayload{}
		}
		return classify(EncodedPayload{Format: Format(strings.TrimSpace(format)), Data: data})
	case json.RawMessage:
		return classifyJSON(v)
	case []byte:
		return classifyJSON(v)
	}
	return shapeUnknown, nil, EncodedPayload{}
}

func classifyJSON(b []byte) (shape, []Row, EncodedPayload) {
	var decoded any
	if err := json.Unmarshal(b, &decoded); err != nil {
		return shapeUnknown, nil, EncodedPayload{}
	}
	switch decoded.(type) {
	case []any, map[string]any:
		return classify(decoded)
	}
	return shapeUnknown, nil, EncodedPayload{}
}

// IsPayload reports whether p has a shape Decode understands.
func IsPayload(p DataPayload) bool {
	s, _, _ := classify(p)
	return s != shapeUnknown
}

// reparseCells opportunistically parses string cells as JSON, in place.
// Columnar encodings carry structured cell values as JSON text.
func reparseCells(row Row) Row {
	for k, v := range row {
		if k == IndexColumn || k == Level0Column {
			continue
		}
		s, ok := v.(string)
		if !ok {
			continue
		}
		var parsed any
		if err := json.Unmarshal([]byte(s), &parsed); err != nil {
			continue
		}
		row[k] = parsed
	}
	return row
}
