// Package jsoncodec is the JSON codec shared by the runtime. Proto messages
// use their protojson mapping, everything else goes through sonic.
package jsoncodec

import (
	"bytes"
	"encoding/json"
	"io"

	"github.com/bytedance/sonic"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

var (
	defaultConfig = sonic.ConfigStd

	protoMarshal   = protojson.MarshalOptions{EmitUnpopulated: true}
	protoUnmarshal = protojson.UnmarshalOptions{}
)

func Marshal(v any) ([]byte, error) {
	if m, ok := v.(proto.Message); ok {
		return protoMarshal.Marshal(m)
	}
	return defaultConfig.Marshal(v)
}

// MarshalIndent indents proto messages like any other value; protojson's own
// multiline output is not stable across runs.
func MarshalIndent(v any, prefix, indent string) ([]byte, error) {
	m, ok := v.(proto.Message)
	if !ok {
		return defaultConfig.MarshalIndent(v, prefix, indent)
	}
	data, err := protoMarshal.Marshal(m)
	if err != nil {
		return nil, err
	}
	var out bytes.Buffer
	if err := json.Indent(&out, data, prefix, indent); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func Unmarshal(data []byte, v any) error {
	if m, ok := v.(proto.Message); ok {
		return protoUnmarshal.Unmarshal(data, m)
	}
	return defaultConfig.Unmarshal(data, v)
}

// Encode writes v followed by a newline.
func Encode(w io.Writer, v any) error {
	m, ok := v.(proto.Message)
	if !ok {
		return defaultConfig.NewEncoder(w).Encode(v)
	}
	data, err := protoMarshal.Marshal(m)
	if err != nil {
		return err
	}
	_, err = w.Write(append(data, '\n'))
	return err
}

// Decode reads one JSON value from r. The decoder may buffer past the value,
// so streams of several values need a single decoder, see NewDecoder.
func Decode(r io.Reader, v any) error {
	return NewDecoder(r).Decode(v)
}

// Decoder reads successive JSON values from a stream.
type Decoder struct {
	dec sonic.Decoder
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{dec: defaultConfig.NewDecoder(r)}
}

func (d *Decoder) Decode(v any) error {
	m, ok := v.(proto.Message)
	if !ok {
		return d.dec.Decode(v)
	}
	var raw json.RawMessage
	if err := d.dec.Decode(&raw); err != nil {
		return err
	}
	return protoUnmarshal.Unmarshal(raw, m)
}
