package signaling

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"
)

// Frame operations exchanged between a WebSocket client and the relay.
const (
	opConnect     = "connect"
	opConnected   = "connected"
	opSubscribe   = "subscribe"
	opUnsubscribe = "unsubscribe"
	opPublish     = "publish"
	opMessage     = "message"
	opError       = "error"
)

// frame is the envelope carrying Messages over the WebSocket. The CBOR
// codec falls back to the json tags for field names.
type frame struct {
	Op          string   `json:"op"`
	Identity    string   `json:"identity,omitempty"`
	Topic       string   `json:"topic,omitempty"`
	Destination string   `json:"destination,omitempty"`
	Message     *Message `json:"message,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// Codec encodes frames for one WebSocket message type.
type Codec interface {
	Name() string
	// MessageType is the gorilla/websocket data frame type the codec uses.
	MessageType() int
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// JSONCodec is the default text codec, compatible with browser clients.
var JSONCodec Codec = jsonCodec{}

// CBORCodec is a compact binary codec using CBOR Core Deterministic Encoding.
var CBORCodec Codec = newCBORCodec()

// CodecByName returns the codec registered under name.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec, nil
	case "cbor":
		return CBORCodec, nil
	}
	return nil, fmt.Errorf("signaling: unknown codec %q", name)
}

type jsonCodec struct{}

func (jsonCodec) Name() string                       { return "json" }
func (jsonCodec) MessageType() int                   { return websocket.TextMessage }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

type cborCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func newCBORCodec() cborCodec {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("signaling: CBOR encoder initialization failed: " + err.Error())
	}
	dec, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("signaling: CBOR decoder initialization failed: " + err.Error())
	}
	return cborCodec{enc: enc, dec: dec}
}

func (cborCodec) Name() string                         { return "cbor" }
func (cborCodec) MessageType() int                     { return websocket.BinaryMessage }
func (c cborCodec) Marshal(v any) ([]byte, error)      { return c.enc.Marshal(v) }
func (c cborCodec) Unmarshal(data []byte, v any) error { return c.dec.Unmarshal(data, v) }
