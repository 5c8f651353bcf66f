package events

import (
	"bytes"
	"encoding/json"

	"github.com/vmihailenco/msgpack/v5"
)

// Codec encodes events for a bridge transport.
type Codec interface {
	Marshal(ev Event) ([]byte, error)
	Unmarshal(data []byte, ev *Event) error
	ContentType() string
}

type JSONCodec struct{}

func (JSONCodec) Marshal(ev Event) ([]byte, error)       { return json.Marshal(ev) }
func (JSONCodec) Unmarshal(data []byte, ev *Event) error { return json.Unmarshal(data, ev) }
func (JSONCodec) ContentType() string                    { return "application/json" }

// MsgpackCodec reuses the json struct tags so both codecs share field names.
type MsgpackCodec struct{}

func (MsgpackCodec) Marshal(ev Event) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	enc.UseCompactInts(true)
	if err := enc.Encode(&ev); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (MsgpackCodec) Unmarshal(data []byte, ev *Event) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	dec.UseLooseInterfaceDecoding(true)
	return dec.Decode(ev)
}

func (MsgpackCodec) ContentType() string { return "application/msgpack" }
