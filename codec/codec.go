// Package codec turns packets into the UTF-8 text payloads the transport carries.
package codec

import (
	"fmt"

	"post-rpc/message"
)

type CodecType byte

const (
	CodecTypeJSON CodecType = 0
)

// Codec serializes packets to and from transport payloads.
// Decode must never panic on hostile input; it reports message.ErrMalformed instead.
type Codec interface {
	Encode(p *message.Packet) (string, error)
	Decode(data string) (*message.Packet, error)
	Type() CodecType
}

func GetCodec(codecType CodecType) (Codec, error) {
	if codecType == CodecTypeJSON {
		return &JSONCodec{}, nil
	}
	return nil, fmt.Errorf("unsupported codec type: %d", codecType)
}
