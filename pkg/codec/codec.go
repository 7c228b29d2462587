// Package codec turns registry payloads into file and wire bytes.
package codec

import (
    "encoding/json"
    "fmt"

    "google.golang.org/protobuf/proto"
)

type Codec[M any] interface {
    Marshal(m M) ([]byte, error)
    Unmarshal(b []byte) (M, error)
    // Ext is the file suffix including the dot.
    Ext() string
}

// JSON encodes payloads as indented JSON.
type JSON[M any] struct{}

func (JSON[M]) Marshal(m M) ([]byte, error) { return json.MarshalIndent(m, "", "  ") }

func (JSON[M]) Unmarshal(b []byte) (M, error) {
    var m M
    if err := json.Unmarshal(b, &m); err != nil {
        return m, fmt.Errorf("codec: json: %w", err)
    }
    return m, nil
}

func (JSON[M]) Ext() string { return ".json" }

// Proto encodes protobuf messages in binary wire format. New allocates the
// empty message to decode into.
type Proto[M proto.Message] struct {
    New func() M
}

func (Proto[M]) Marshal(m M) ([]byte, error) {
    return proto.MarshalOptions{Deterministic: true}.Marshal(m)
}

func (c Proto[M]) Unmarshal(b []byte) (M, error) {
    m := c.New()
    if err := proto.Unmarshal(b, m); err != nil {
        return m, fmt.Errorf("codec: proto: %w", err)
    }
    return m, nil
}

func (Proto[M]) Ext() string { return ".pb" }
