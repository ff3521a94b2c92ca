package payload

import (
	"bytes"
	"context"
	"encoding/base64"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"
	"github.com/pkg/errors"
)

// ColumnarDecodeFunc turns a raw columnar buffer into row-major records.
// Rows returned by it still go through the JSON re-parse pass.
type ColumnarDecodeFunc func(format Format, buf []byte) ([]Row, error)

var arrowFileMagic = []byte("ARROW1")

// ArrowColumnarDecoder returns the default ColumnarDecodeFunc backed by Apache Arrow.
// Arrow IPC buffers may use either the stream or the file framing.
func ArrowColumnarDecoder(mem memory.Allocator) ColumnarDecodeFunc {
	if mem == nil {
		mem = memory.NewGoAllocator()
	}
	return func(format Format, buf []byte) ([]Row, error) {
		bounded := newBoundedAllocator(mem, len(buf))
		switch format {
		case FormatArrowIPC:
			if bytes.HasPrefix(buf, arrowFileMagic) {
				return decodeArrowFile(bounded, buf)
			}
			return decodeArrowStream(bounded, buf)
		case FormatParquet:
			return decodeParquet(bounded, buf)
		}
		return nil, errors.Errorf("unsupported payload format %q", format)
	}
}

func decodeBase64(data string) ([]byte, error) {
	buf, err := base64.StdEncoding.DecodeString(data)
	if err == nil {
		return buf, nil
	}
	// Some producers strip padding.
	if raw, rawErr := base64.RawStdEncoding.DecodeString(data); rawErr == nil {
		return raw, nil
	}
	return nil, errors.Wrap(err, "decode base64 payload")
}

func decodeArrowStream(mem memory.Allocator, buf []byte) ([]Row, error) {
	if err := checkArrowStream(buf); err != nil {
		return nil, err
	}
	rdr, err := ipc.NewReader(bytes.NewReader(buf), ipc.WithAllocator(mem))
	if err != nil {
		return nil, errors.Wrap(err, "open arrow ipc stream")
	}
	defer rdr.Release()

	rows := []Row{}
	limit := maxRows(len(buf))
	for rdr.Next() {
		if rows, err = appendRecordRows(rows, rdr.Record(), limit); err != nil {
			return nil, err
		}
	}
	if err := rdr.Err(); err != nil {
		return nil, errors.Wrap(err, "read arrow ipc stream")
	}
	return rows, nil
}

func decodeArrowFile(mem memory.Allocator, buf []byte) ([]Row, error) {
	if err := checkArrowFile(buf); err != nil {
		return nil, err
	}
	rdr, err := ipc.NewFileReader(bytes.NewReader(buf), ipc.WithAllocator(mem))
	if err != nil {
		return nil, errors.Wrap(err, "open arrow ipc file")
	}
	defer func() { _ = rdr.Close() }()

	rows := []Row{}
	limit := maxRows(len(buf))
	for i := 0; i < rdr.NumRecords(); i++ {
		rec, err := rdr.Record(i)
		if err != nil {
			return nil, errors.Wrapf(err, "read arrow ipc record %d", i)
		}
		if rows, err = appendRecordRows(rows, rec, limit); err != nil {
			return nil, err
		}
	}
	return rows, nil
}

func decodeParquet(mem memory.Allocator, buf []byte) ([]Row, error) {
	tbl, err := pqarrow.ReadTable(
		context.Background(),
		bytes.NewReader(buf),
		parquet.NewReaderProperties(mem),
		pqarrow.ArrowReadProperties{},
		mem,
	)
	if err != nil {
		return nil, errors.Wrap(err, "read parquet table")
	}
	defer tbl.Release()

	limit := maxRows(len(buf))
	if tbl.NumRows() < 0 || tbl.NumRows() > int64(limit) {
		return nil, errors.Errorf("parquet table claims %d rows for %d bytes", tbl.NumRows(), len(buf))
	}
	tr := array.NewTableReader(tbl, 4096)
	defer tr.Release()

	rows := make([]Row, 0, tbl.NumRows())
	for tr.Next() {
		if rows, err = appendRecordRows(rows, tr.Record(), limit); err != nil {
			return nil, err
		}
	}
	return rows, nil
}

func appendRecordRows(rows []Row, rec arrow.Record, limit int) ([]Row, error) {
	if rec == nil {
		return rows, nil
	}
	schema := rec.Schema()
	ncols := int(rec.NumCols())
	nrows := int(rec.NumRows())
	if nrows < 0 || nrows > limit-len(rows) {
		return nil, errors.Errorf("record claims %d rows, limit %d", nrows, limit)
	}
	for i := 0; i < nrows; i++ {
		row := make(Row, ncols)
		for c := 0; c < ncols; c++ {
			col := rec.Column(c)
			name := schema.Field(c).Name
			if col.IsNull(i) {
				row[name] = nil
				continue
			}
			row[name] = col.GetOneForMarshal(i)
		}
		rows = append(rows, row)
	}
	return rows, nil
}
