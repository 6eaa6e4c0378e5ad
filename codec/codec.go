// Package codec serializes message envelopes and the payloads they carry.
package codec

import (
	"fmt"

	"price-store/protocol"
)

type CodecType byte

const (
	CodecTypeJSON    = CodecType(protocol.CodecTypeJSON)
	CodecTypeBinary  = CodecType(protocol.CodecTypeBinary)
	CodecTypeMsgpack = CodecType(protocol.CodecTypeMsgpack)
)

func (t CodecType) String() string {
	switch t {
	case CodecTypeJSON:
		return "json"
	case CodecTypeBinary:
		return "binary"
	case CodecTypeMsgpack:
		return "msgpack"
	default:
		return fmt.Sprintf("CodecType(%d)", byte(t))
	}
}

// ParseCodecType maps a flag value ("json", "binary", "msgpack") to a CodecType.
func ParseCodecType(name string) (CodecType, error) {
	switch name {
	case "json":
		return CodecTypeJSON, nil
	case "binary":
		return CodecTypeBinary, nil
	case "msgpack":
		return CodecTypeMsgpack, nil
	}
	return 0, fmt.Errorf("codec: unknown codec %q", name)
}

// Codec encodes and decodes *message.Envelope values.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType
}

// GetCodec returns the envelope codec for codecType. Unknown types fall back to the
// binary codec; the frame layer already rejects codec bytes it does not know.
func GetCodec(codecType CodecType) Codec {
	switch codecType {
	case CodecTypeJSON:
		return &JSONCodec{}
	case CodecTypeMsgpack:
		return &MsgpackCodec{}
	default:
		return &BinaryCodec{}
	}
}
