package payload

import (
	"bytes"
	"encoding/binary"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/pkg/errors"
)

const (
	ipcContinuation = 0xFFFFFFFF

	// A single allocation made while decoding may be at most allocFactor times the size of
	// the encoded buffer, and never less than minAllocLimit.
	allocFactor   = 1024
	minAllocLimit = 64 << 20

	minRowLimit = 1 << 16
)

var errAllocLimit = errors.New("columnar decode: allocation exceeds limit")

// boundedAllocator refuses single allocations above limit. Arrow reads buffer sizes from
// the payload itself, so a corrupted length would otherwise be honored verbatim.
// Refusal panics; the decoder recovers it.
type boundedAllocator struct {
	memory.Allocator
	limit int
}

func newBoundedAllocator(mem memory.Allocator, encodedLen int) *boundedAllocator {
	limit := encodedLen * allocFactor
	if limit < minAllocLimit {
		limit = minAllocLimit
	}
	return &boundedAllocator{Allocator: mem, limit: limit}
}

func (a *boundedAllocator) Allocate(size int) []byte {
	if size < 0 || size > a.limit {
		panic(errors.Wrapf(errAllocLimit, "allocate %d bytes, limit %d", size, a.limit))
	}
	return a.Allocator.Allocate(size)
}

func (a *boundedAllocator) Reallocate(size int, b []byte) []byte {
	if size < 0 || size > a.limit {
		panic(errors.Wrapf(errAllocLimit, "reallocate %d bytes, limit %d", size, a.limit))
	}
	return a.Allocator.Reallocate(size, b)
}

// maxRows bounds the row count a buffer of encodedLen bytes may claim.
func maxRows(encodedLen int) int {
	n := encodedLen * 8
	if n < minRowLimit {
		n = minRowLimit
	}
	return n
}

// checkArrowStream walks the message framing of an Arrow IPC stream and verifies every
// metadata block against buf before a reader sizes allocations from it: message bodies,
// flatbuffer vectors, buffer ranges and node lengths must all lie within bounds.
func checkArrowStream(buf []byte) error {
	limit := int64(maxRows(len(buf)))
	pos := 0
	for pos < len(buf) {
		if len(buf)-pos < 4 {
			return errors.Errorf("arrow ipc stream: truncated message header at %d", pos)
		}
		word := binary.LittleEndian.Uint32(buf[pos:])
		pos += 4
		if word == ipcContinuation {
			if len(buf)-pos < 4 {
				return errors.Errorf("arrow ipc stream: truncated message length at %d", pos)
			}
			word = binary.LittleEndian.Uint32(buf[pos:])
			pos += 4
		}
		metaLen := int64(int32(word))
		if metaLen == 0 {
			return nil
		}
		if metaLen < 0 || metaLen > int64(len(buf)-pos) {
			return errors.Errorf("arrow ipc stream: metadata length %d at %d exceeds buffer", metaLen, pos)
		}
		bodyLen, err := checkMessage(buf[pos:pos+int(metaLen)], limit)
		if err != nil {
			return errors.Wrapf(err, "arrow ipc stream: message at %d", pos)
		}
		pos += int(metaLen)
		if bodyLen < 0 || bodyLen > int64(len(buf)-pos) {
			return errors.Errorf("arrow ipc stream: body length %d at %d exceeds buffer", bodyLen, pos)
		}
		pos += int(bodyLen)
	}
	return nil
}

// checkArrowFile verifies the footer of an Arrow IPC file and the message framing of the
// stream section it indexes.
func checkArrowFile(buf []byte) error {
	const trailer = 4 + 6 // footer length + magic
	if len(buf) < 8+trailer || !bytes.HasSuffix(buf, arrowFileMagic) {
		return errors.New("arrow ipc file: missing trailer")
	}
	footerLen := int64(int32(binary.LittleEndian.Uint32(buf[len(buf)-trailer:])))
	footerStart := int64(len(buf)-trailer) - footerLen
	if footerLen <= 0 || footerStart < 8 {
		return errors.Errorf("arrow ipc file: footer length %d out of range", footerLen)
	}
	if err := checkArrowStream(buf[8:footerStart]); err != nil {
		return err
	}

	footer, err := rootTable(buf[footerStart : len(buf)-trailer])
	if err != nil {
		return errors.Wrap(err, "arrow ipc file: footer")
	}
	if schema, ok, err := footer.table(1); err != nil {
		return errors.Wrap(err, "arrow ipc file: footer schema")
	} else if ok {
		if err := checkSchema(schema); err != nil {
			return errors.Wrap(err, "arrow ipc file: footer schema")
		}
	}
	for _, slot := range []int{2, 3} {
		vec, ok, err := footer.vector(slot, 24)
		if err != nil {
			return errors.Wrap(err, "arrow ipc file: footer blocks")
		}
		if !ok {
			continue
		}
		for i := int64(0); i < vec.n; i++ {
			at := vec.start + i*24
			offset := int64(binary.LittleEndian.Uint64(footer.buf[at:]))
			metaLen := int64(int32(binary.LittleEndian.Uint32(footer.buf[at+8:])))
			bodyLen := int64(binary.LittleEndian.Uint64(footer.buf[at+16:]))
			if offset < 8 || metaLen < 0 || bodyLen < 0 ||
				metaLen > footerStart || bodyLen > footerStart ||
				offset+metaLen+bodyLen > footerStart {
				return errors.Errorf("arrow ipc file: block %d out of range", i)
			}
		}
	}
	return nil
}

// Arrow message header types.
const (
	headerSchema          = 1
	headerDictionaryBatch = 2
	headerRecordBatch     = 3
)

// checkMessage validates one flatbuffer-encoded Arrow Message and returns its body length.
func checkMessage(meta []byte, rowLimit int64) (int64, error) {
	msg, err := rootTable(meta)
	if err != nil {
		return 0, err
	}
	headerType, err := msg.byteField(1)
	if err != nil {
		return 0, err
	}
	bodyLen, err := msg.int64Field(3)
	if err != nil {
		return 0, err
	}
	if err := msg.checkTables(4); err != nil {
		return 0, errors.Wrap(err, "custom metadata")
	}
	header, ok, err := msg.table(2)
	if err != nil || !ok {
		return bodyLen, err
	}
	switch headerType {
	case headerSchema:
		err = checkSchema(header)
	case headerRecordBatch:
		err = checkRecordBatch(header, bodyLen, rowLimit)
	case headerDictionaryBatch:
		var data fbTable
		if data, ok, err = header.table(1); err == nil && ok {
			err = checkRecordBatch(data, bodyLen, rowLimit)
		}
	}
	return bodyLen, err
}

func checkSchema(schema fbTable) error {
	if err := schema.checkTables(2); err != nil {
		return errors.Wrap(err, "schema metadata")
	}
	// Every field table takes at least 4 bytes, so a real schema visits fewer fields than
	// that; cyclic child offsets run out of budget instead of looping.
	budget := len(schema.buf) / 4
	return checkFields(schema, 1, 0, &budget)
}

const maxFieldDepth = 64

// checkFields validates the vector of Field tables at slot, recursing into children.
func checkFields(t fbTable, slot int, depth int, budget *int) error {
	if depth > maxFieldDepth {
		return errors.New("schema nests too deep")
	}
	vec, ok, err := t.vector(slot, 4)
	if err != nil || !ok {
		return err
	}
	for i := int64(0); i < vec.n; i++ {
		if *budget--; *budget < 0 {
			return errors.New("schema has more fields than its size allows")
		}
		field, err := t.vectorTable(vec, i)
		if err != nil {
			return errors.Wrapf(err, "field %d", i)
		}
		if _, _, err := field.vector(0, 1); err != nil {
			return errors.Wrapf(err, "field %d name", i)
		}
		if _, _, err := field.table(3); err != nil {
			return errors.Wrapf(err, "field %d type", i)
		}
		if _, _, err := field.table(4); err != nil {
			return errors.Wrapf(err, "field %d dictionary", i)
		}
		if err := field.checkTables(6); err != nil {
			return errors.Wrapf(err, "field %d metadata", i)
		}
		if err := checkFields(field, 5, depth+1, budget); err != nil {
			return errors.Wrapf(err, "field %d", i)
		}
	}
	return nil
}

// checkRecordBatch verifies node lengths against rowLimit and buffer ranges against the
// message body.
func checkRecordBatch(rb fbTable, bodyLen, rowLimit int64) error {
	length, err := rb.int64Field(0)
	if err != nil {
		return err
	}
	if length < 0 || length > rowLimit {
		return errors.Errorf("record batch length %d out of range", length)
	}
	nodes, ok, err := rb.vector(1, 16)
	if err != nil {
		return errors.Wrap(err, "field nodes")
	}
	if ok {
		for i := int64(0); i < nodes.n; i++ {
			at := nodes.start + i*16
			n := int64(binary.LittleEndian.Uint64(rb.buf[at:]))
			nulls := int64(binary.LittleEndian.Uint64(rb.buf[at+8:]))
			if n < 0 || n > rowLimit || nulls < 0 || nulls > n {
				return errors.Errorf("field node %d out of range", i)
			}
		}
	}
	buffers, ok, err := rb.vector(2, 16)
	if err != nil {
		return errors.Wrap(err, "buffers")
	}
	if ok {
		for i := int64(0); i < buffers.n; i++ {
			at := buffers.start + i*16
			off := int64(binary.LittleEndian.Uint64(rb.buf[at:]))
			n := int64(binary.LittleEndian.Uint64(rb.buf[at+8:]))
			if off < 0 || n < 0 || off > bodyLen || n > bodyLen-off {
				return errors.Errorf("buffer %d out of range", i)
			}
		}
	}
	if _, _, err := rb.vector(4, 8); err != nil {
		return errors.Wrap(err, "variadic buffer counts")
	}
	return nil
}

// fbTable is a bounds-checked view of one flatbuffer table.
type fbTable struct {
	buf    []byte
	pos    int64
	vtable int64
	vsize  int64
}

type fbVector struct {
	start int64
	n     int64
}

func rootTable(buf []byte) (fbTable, error) {
	if len(buf) < 4 {
		return fbTable{}, errors.New("flatbuffer too short")
	}
	return tableAt(buf, int64(binary.LittleEndian.Uint32(buf)))
}

func tableAt(buf []byte, pos int64) (fbTable, error) {
	size := int64(len(buf))
	if pos < 0 || pos+4 > size {
		return fbTable{}, errors.New("table out of range")
	}
	vtable := pos - int64(int32(binary.LittleEndian.Uint32(buf[pos:])))
	if vtable < 0 || vtable+4 > size {
		return fbTable{}, errors.New("vtable out of range")
	}
	vsize := int64(binary.LittleEndian.Uint16(buf[vtable:]))
	if vsize < 4 || vsize%2 != 0 || vtable+vsize > size {
		return fbTable{}, errors.New("vtable size out of range")
	}
	return fbTable{buf: buf, pos: pos, vtable: vtable, vsize: vsize}, nil
}

// field returns the absolute position of field slot, or 0 when the field is absent.
// width bytes must fit at that position.
func (t fbTable) field(slot int, width int64) (int64, error) {
	entry := int64(4 + 2*slot)
	if entry+2 > t.vsize {
		return 0, nil
	}
	off := int64(binary.LittleEndian.Uint16(t.buf[t.vtable+entry:]))
	if off == 0 {
		return 0, nil
	}
	at := t.pos + off
	if at+width > int64(len(t.buf)) {
		return 0, errors.Errorf("field %d out of range", slot)
	}
	return at, nil
}

func (t fbTable) byteField(slot int) (uint8, error) {
	at, err := t.field(slot, 1)
	if err != nil || at == 0 {
		return 0, err
	}
	return t.buf[at], nil
}

func (t fbTable) int64Field(slot int) (int64, error) {
	at, err := t.field(slot, 8)
	if err != nil || at == 0 {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(t.buf[at:])), nil
}

// deref follows the uoffset stored in field slot.
func (t fbTable) deref(slot int) (int64, bool, error) {
	at, err := t.field(slot, 4)
	if err != nil || at == 0 {
		return 0, false, err
	}
	target := at + int64(binary.LittleEndian.Uint32(t.buf[at:]))
	if target+4 > int64(len(t.buf)) {
		return 0, false, errors.Errorf("field %d points out of range", slot)
	}
	return target, true, nil
}

func (t fbTable) table(slot int) (fbTable, bool, error) {
	at, ok, err := t.deref(slot)
	if err != nil || !ok {
		return fbTable{}, false, err
	}
	sub, err := tableAt(t.buf, at)
	return sub, err == nil, err
}

// vector resolves the vector at slot and checks that n elements of elemSize fit.
func (t fbTable) vector(slot int, elemSize int64) (fbVector, bool, error) {
	at, ok, err := t.deref(slot)
	if err != nil || !ok {
		return fbVector{}, false, err
	}
	n := int64(binary.LittleEndian.Uint32(t.buf[at:]))
	start := at + 4
	if n > (int64(len(t.buf))-start)/elemSize {
		return fbVector{}, false, errors.Errorf("vector %d with %d elements exceeds buffer", slot, n)
	}
	return fbVector{start: start, n: n}, true, nil
}

func (t fbTable) vectorTable(vec fbVector, i int64) (fbTable, error) {
	at := vec.start + i*4
	return tableAt(t.buf, at+int64(binary.LittleEndian.Uint32(t.buf[at:])))
}

// checkTables validates a vector of tables at slot, such as key/value metadata.
func (t fbTable) checkTables(slot int) error {
	vec, ok, err := t.vector(slot, 4)
	if err != nil || !ok {
		return err
	}
	for i := int64(0); i < vec.n; i++ {
		if _, err := t.vectorTable(vec, i); err != nil {
			return err
		}
	}
	return nil
}
