package payload

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func sampleRows() []Row {
	return []Row{
		{"index": int64(0), "name": "alice", "score": 1.5, "tags": []any{"a", "b"}, "meta": map[string]any{"k": "v"}},
		{"index": int64(1), "name": "bob", "score": 2.25, "tags": []any{}, "meta": map[string]any{"k": "w"}},
		{"index": int64(2), "name": "carol", "score": 3.75, "tags": []any{"c"}, "meta": map[string]any{"nested": []any{"x"}}},
	}
}

func countingDecoder(calls *atomic.Int64, fail func(buf []byte) bool) ColumnarDecodeFunc {
	return func(_ Format, buf []byte) ([]Row, error) {
		calls.Add(1)
		if fail != nil && fail(buf) {
			return nil, errors.New("boom")
		}
		return []Row{{"index": int64(0), "src": string(buf)}}, nil
	}
}

func encodedText(s string) EncodedPayload {
	return EncodedPayload{Format: FormatArrowIPC, Data: base64.StdEncoding.EncodeToString([]byte(s))}
}

func TestDecode_RawRowsPassThrough(t *testing.T) {
	d := NewDecoder()
	rows := sampleRows()
	require.Equal(t, rows, d.Decode(rows))

	maps := []map[string]any{{"index": 0, "a": "1"}}
	got := d.Decode(maps)
	require.Len(t, got, 1)
	// raw rows are never re-parsed
	require.Equal(t, "1", got[0]["a"])

	anyRows := []any{map[string]any{"index": 0}, Row{"index": 1}}
	require.Len(t, d.Decode(anyRows), 2)
}

func TestDecode_ArrowIPCRoundTrip(t *testing.T) {
	rows := sampleRows()
	enc, err := EncodeArrowIPC(rows, nil)
	require.NoError(t, err)
	require.Equal(t, FormatArrowIPC, enc.Format)

	got := NewDecoder().Decode(enc)
	require.Equal(t, rows, got)
}

func TestDecode_ParquetRoundTrip(t *testing.T) {
	rows := sampleRows()
	enc, err := EncodeParquet(rows, nil)
	require.NoError(t, err)
	require.Equal(t, FormatParquet, enc.Format)

	got := NewDecoder().Decode(enc)
	require.Equal(t, rows, got)
}

func TestDecode_IndexColumnsAreNotReparsed(t *testing.T) {
	rows := []Row{
		{"index": "[1]", "level_0": `{"a":1}`, "other": "[1]"},
	}
	for _, format := range []Format{FormatArrowIPC, FormatParquet} {
		enc, err := Encode(format, rows, nil)
		require.NoError(t, err)

		got := NewDecoder().Decode(enc)
		require.Len(t, got, 1, format)
		require.Equal(t, "[1]", got[0]["index"], format)
		require.Equal(t, `{"a":1}`, got[0]["level_0"], format)
		require.Equal(t, []any{float64(1)}, got[0]["other"], format)
	}
}

func TestDecode_NullCells(t *testing.T) {
	rows := []Row{
		{"index": int64(0), "v": "x"},
		{"index": int64(1)},
	}
	enc, err := EncodeArrowIPC(rows, []string{"index", "v"})
	require.NoError(t, err)

	got := NewDecoder().Decode(enc)
	require.Len(t, got, 2)
	require.Nil(t, got[1]["v"])
	require.Contains(t, got[1], "v")
}

func TestDecode_AlternateShapes(t *testing.T) {
	rows := sampleRows()
	enc, err := EncodeArrowIPC(rows, nil)
	require.NoError(t, err)
	d := NewDecoder()

	asMap := map[string]any{"format": "arrow-ipc", "data": enc.Data}
	require.Equal(t, rows, d.Decode(asMap))
	require.Equal(t, rows, d.Decode(&enc))

	raw, err := json.Marshal(enc)
	require.NoError(t, err)
	require.Equal(t, rows, d.Decode(json.RawMessage(raw)))

	rawRows := json.RawMessage(`[{"index":0,"a":"b"}]`)
	got := d.Decode(rawRows)
	require.Len(t, got, 1)
	require.Equal(t, "b", got[0]["a"])
}

func TestDecode_UnrecognizedShapesAreEmpty(t *testing.T) {
	d := NewDecoder()
	for _, p := range []DataPayload{
		nil,
		"not a payload",
		42,
		map[string]any{"format": "arrow-ipc"},
		map[string]any{"format": "csv", "data": "abc"},
		[]any{1, 2},
		json.RawMessage(`"x"`),
		EncodedPayload{Format: "feather", Data: "AAAA"},
	} {
		got := d.Decode(p)
		require.NotNil(t, got)
		require.Empty(t, got, fmt.Sprintf("%#v", p))
	}
	require.False(t, IsPayload("nope"))
	require.True(t, IsPayload([]Row{}))
}

func TestDecode_CorruptBufferIsEmpty(t *testing.T) {
	d := NewDecoder()
	require.Empty(t, d.Decode(encodedText("definitely not arrow")))
	require.Empty(t, d.Decode(EncodedPayload{Format: FormatParquet, Data: "%%%"}))
}

func TestDecoder_FailureIsNotMemoized(t *testing.T) {
	var calls atomic.Int64
	failing := true
	d := NewDecoder(WithColumnarDecoder(countingDecoder(&calls, func([]byte) bool { return failing })))

	p := encodedText("p1")
	require.Empty(t, d.Decode(p))
	require.Equal(t, int64(1), calls.Load())

	failing = false
	require.Len(t, d.Decode(p), 1)
	require.Equal(t, int64(2), calls.Load())

	require.Len(t, d.Decode(p), 1)
	require.Equal(t, int64(2), calls.Load())
	require.Equal(t, 1, d.Len())
}

func TestDecoder_EvictsOldestInsertedFirst(t *testing.T) {
	var calls atomic.Int64
	d := NewDecoder(WithColumnarDecoder(countingDecoder(&calls, nil)))

	payloads := make([]EncodedPayload, 9)
	for i := range payloads {
		payloads[i] = encodedText(fmt.Sprintf("payload-%d", i))
	}
	for i := 0; i < 8; i++ {
		d.Decode(payloads[i])
	}
	require.Equal(t, int64(8), calls.Load())

	// a hit does not refresh the entry's position
	d.Decode(payloads[0])
	require.Equal(t, int64(8), calls.Load())

	d.Decode(payloads[8])
	require.Equal(t, int64(9), calls.Load())
	require.Equal(t, DefaultCapacity, d.Len())

	d.Decode(payloads[0])
	require.Equal(t, int64(10), calls.Load())

	d.Decode(payloads[8])
	require.Equal(t, int64(10), calls.Load())
	require.Equal(t, 2, d.Stats().Evictions)
}

func TestDecoder_DecodeAsync(t *testing.T) {
	rows := sampleRows()
	enc, err := EncodeArrowIPC(rows, nil)
	require.NoError(t, err)
	d := NewDecoder()

	res := <-d.DecodeAsync(context.Background(), enc)
	require.NoError(t, res.Err)
	require.Equal(t, rows, res.Rows)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res = <-d.DecodeAsync(ctx, enc)
	require.ErrorIs(t, res.Err, context.Canceled)
	require.Empty(t, res.Rows)
}

func TestDecoder_DecodeAll(t *testing.T) {
	rows := sampleRows()
	arrowEnc, err := EncodeArrowIPC(rows, nil)
	require.NoError(t, err)
	parquetEnc, err := EncodeParquet(rows, nil)
	require.NoError(t, err)

	out, err := NewDecoder().DecodeAll(context.Background(), map[string]DataPayload{
		"main":    arrowEnc,
		"summary": parquetEnc,
		"raw":     []Row{{"index": 0}},
		"junk":    "???",
		"count":   42,
	})
	require.NoError(t, err)
	require.Equal(t, rows, out["main"])
	require.Equal(t, rows, out["summary"])
	require.Len(t, out["raw"], 1)
	require.Equal(t, "???", out["junk"])
	require.Equal(t, 42, out["count"])
}

func corruptions(t *testing.T, enc EncodedPayload) []EncodedPayload {
	t.Helper()
	buf, err := base64.StdEncoding.DecodeString(enc.Data)
	require.NoError(t, err)
	out := make([]EncodedPayload, 0, 2*len(buf))
	for i := range buf {
		for _, mask := range []byte{0x01, 0xFF} {
			b := append([]byte(nil), buf...)
			b[i] ^= mask
			out = append(out, EncodedPayload{Format: enc.Format, Data: base64.StdEncoding.EncodeToString(b)})
		}
	}
	return out
}

func TestDecode_CorruptedColumnarBytesNeverCrash(t *testing.T) {
	rows := sampleRows()
	arrowEnc, err := EncodeArrowIPC(rows, nil)
	require.NoError(t, err)
	parquetEnc, err := EncodeParquet(rows, nil)
	require.NoError(t, err)

	for _, enc := range []EncodedPayload{arrowEnc, parquetEnc} {
		t.Run(string(enc.Format), func(t *testing.T) {
			d := NewDecoder(WithLogger(zerolog.Nop()))
			for i, bad := range corruptions(t, enc) {
				var got []Row
				require.NotPanics(t, func() { got = d.Decode(bad) }, "corruption %d", i)
				require.NotNil(t, got, "corruption %d", i)
			}
		})
	}
}

func TestCheckArrowStream_RejectsOversizedLengths(t *testing.T) {
	enc, err := EncodeArrowIPC(sampleRows(), nil)
	require.NoError(t, err)
	buf, err := base64.StdEncoding.DecodeString(enc.Data)
	require.NoError(t, err)
	require.NoError(t, checkArrowStream(buf))

	truncated := buf[:len(buf)-9]
	require.Error(t, checkArrowStream(truncated))

	forged := append([]byte(nil), buf...)
	binary.LittleEndian.PutUint32(forged[4:], uint32(len(buf)*4))
	require.Error(t, checkArrowStream(forged))
}

func TestBoundedAllocator_RefusesHugeAllocations(t *testing.T) {
	mem := newBoundedAllocator(memory.NewGoAllocator(), 10)
	require.Len(t, mem.Allocate(1024), 1024)
	require.Panics(t, func() { mem.Allocate(0x800080004) })
}
