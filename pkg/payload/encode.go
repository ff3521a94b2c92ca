package payload

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"sort"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/pkg/errors"
)

type columnKind int

const (
	kindString columnKind = iota
	kindInt
	kindFloat
	kindBool
)

// EncodeArrowIPC encodes rows as a base64 Arrow IPC stream.
// Structured cell values (maps, slices) are stored as JSON text.
// If columns is empty, the sorted union of row keys is used.
func EncodeArrowIPC(rows []Row, columns []string) (EncodedPayload, error) {
	mem := memory.NewGoAllocator()
	rec, err := buildRecord(mem, rows, columns)
	if err != nil {
		return EncodedPayload{}, err
	}
	defer rec.Release()

	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(mem))
	if err := w.Write(rec); err != nil {
		_ = w.Close()
		return EncodedPayload{}, errors.Wrap(err, "write arrow ipc record")
	}
	if err := w.Close(); err != nil {
		return EncodedPayload{}, errors.Wrap(err, "close arrow ipc writer")
	}
	return EncodedPayload{Format: FormatArrowIPC, Data: base64.StdEncoding.EncodeToString(buf.Bytes())}, nil
}

// EncodeParquet encodes rows as a base64 Parquet file.
func EncodeParquet(rows []Row, columns []string) (EncodedPayload, error) {
	mem := memory.NewGoAllocator()
	rec, err := buildRecord(mem, rows, columns)
	if err != nil {
		return EncodedPayload{}, err
	}
	defer rec.Release()

	tbl := array.NewTableFromRecords(rec.Schema(), []arrow.Record{rec})
	defer tbl.Release()

	var buf bytes.Buffer
	props := parquet.NewWriterProperties(parquet.WithAllocator(mem))
	if err := pqarrow.WriteTable(tbl, &buf, 4096, props, pqarrow.DefaultWriterProps()); err != nil {
		return EncodedPayload{}, errors.Wrap(err, "write parquet table")
	}
	return EncodedPayload{Format: FormatParquet, Data: base64.StdEncoding.EncodeToString(buf.Bytes())}, nil
}

// Encode dispatches to EncodeArrowIPC or EncodeParquet.
func Encode(format Format, rows []Row, columns []string) (EncodedPayload, error) {
	switch format {
	case FormatArrowIPC:
		return EncodeArrowIPC(rows, columns)
	case FormatParquet:
		return EncodeParquet(rows, columns)
	}
	return EncodedPayload{}, errors.Errorf("unsupported payload format %q", format)
}

// Columns returns the sorted union of keys across rows.
func Columns(rows []Row) []string {
	seen := map[string]struct{}{}
	for _, row := range rows {
		for k := range row {
			seen[k] = struct{}{}
		}
	}
	cols := make([]string, 0, len(seen))
	for k := range seen {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}

func buildRecord(mem memory.Allocator, rows []Row, columns []string) (arrow.Record, error) {
	if len(columns) == 0 {
		columns = Columns(rows)
	}
	kinds := make([]columnKind, len(columns))
	fields := make([]arrow.Field, len(columns))
	for i, col := range columns {
		kinds[i] = inferKind(rows, col)
		fields[i] = arrow.Field{Name: col, Type: arrowType(kinds[i]), Nullable: true}
	}
	schema := arrow.NewSchema(fields, nil)

	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()

	for i, col := range columns {
		fb := b.Field(i)
		for _, row := range rows {
			v, ok := row[col]
			if !ok || v == nil {
				fb.AppendNull()
				continue
			}
			switch kinds[i] {
			case kindInt:
				n, _ := asFloat(v)
				fb.(*array.Int64Builder).Append(int64(n))
			case kindFloat:
				n, _ := asFloat(v)
				fb.(*array.Float64Builder).Append(n)
			case kindBool:
				fb.(*array.BooleanBuilder).Append(v.(bool))
			default:
				s, err := cellText(v)
				if err != nil {
					return nil, errors.Wrapf(err, "encode column %q", col)
				}
				fb.(*array.StringBuilder).Append(s)
			}
		}
	}
	return b.NewRecord(), nil
}

func arrowType(k columnKind) arrow.DataType {
	switch k {
	case kindInt:
		return arrow.PrimitiveTypes.Int64
	case kindFloat:
		return arrow.PrimitiveTypes.Float64
	case kindBool:
		return arrow.FixedWidthTypes.Boolean
	}
	return arrow.BinaryTypes.String
}

func inferKind(rows []Row, col string) columnKind {
	kind := columnKind(-1)
	for _, row := range rows {
		v, ok := row[col]
		if !ok || v == nil {
			continue
		}
		var k columnKind
		switch vv := v.(type) {
		case bool:
			k = kindBool
		default:
			f, numeric := asFloat(vv)
			switch {
			case !numeric:
				return kindString
			case f == math.Trunc(f) && !math.IsInf(f, 0) && math.Abs(f) < 1<<53:
				k = kindInt
			default:
				k = kindFloat
			}
		}
		switch {
		case kind < 0:
			kind = k
		case kind == k:
		case (kind == kindInt && k == kindFloat) || (kind == kindFloat && k == kindInt):
			kind = kindFloat
		default:
			return kindString
		}
	}
	if kind < 0 {
		return kindString
	}
	return kind
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
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

func cellText(v any) (string, error) {
	switch vv := v.(type) {
	case string:
		return vv, nil
	case fmt.Stringer:
		return vv.String(), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
