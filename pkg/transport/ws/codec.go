// Package ws carries window requests and responses over a websocket connection.
//
// The client sends one request frame per window; the server answers each request on its
// own goroutine and writes one response frame per request, in completion order.
package ws

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/go-go-golems/gridfeed/pkg/rowcache"
)

// CodecParam is the URL query parameter that selects the frame codec.
const CodecParam = "codec"

// Codec encodes frames for one websocket message type.
type Codec interface {
	Name() string
	MessageType() int
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

type jsonCodec struct{}

func (jsonCodec) Name() string                       { return "json" }
func (jsonCodec) MessageType() int                   { return websocket.TextMessage }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

type msgpackCodec struct{}

func (msgpackCodec) Name() string                  { return "msgpack" }
func (msgpackCodec) MessageType() int              { return websocket.BinaryMessage }
func (msgpackCodec) Marshal(v any) ([]byte, error) { return msgpack.Marshal(v) }

func (msgpackCodec) Unmarshal(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)
	return dec.Decode(v)
}

var (
	JSON    Codec = jsonCodec{}
	Msgpack Codec = msgpackCodec{}
)

// ParseCodec resolves a codec name; the empty name is JSON.
func ParseCodec(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		return JSON, nil
	case "msgpack":
		return Msgpack, nil
	}
	return nil, errors.Errorf("unknown codec %q", name)
}

type requestFrame struct {
	ID      string                 `json:"id" msgpack:"id"`
	Request rowcache.WindowRequest `json:"request" msgpack:"request"`
}

type responseFrame struct {
	ID       string                  `json:"id" msgpack:"id"`
	Response rowcache.WindowResponse `json:"response" msgpack:"response"`
	Error    string                  `json:"error,omitempty" msgpack:"error,omitempty"`
}
