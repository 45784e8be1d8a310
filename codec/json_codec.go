package codec

import (
	"encoding/json"
	"fmt"

	"post-rpc/message"
)

// JSONCodec uses Go's standard library encoding/json for serialization.
// The wire format is shared with peers written in other languages, so the payload
// is plain JSON text rather than anything Go-specific.
type JSONCodec struct{}

func (c *JSONCodec) Encode(p *message.Packet) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (c *JSONCodec) Decode(data string) (*message.Packet, error) {
	if !json.Valid([]byte(data)) {
		return nil, fmt.Errorf("%w: invalid json", message.ErrMalformed)
	}
	p := &message.Packet{}
	if err := json.Unmarshal([]byte(data), p); err != nil {
		return nil, err
	}
	return p, nil
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
