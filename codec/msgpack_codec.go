package codec

import (
	"github.com/vmihailenco/msgpack/v5"
)

// MsgpackCodec encodes envelopes with MessagePack. Smaller than JSON and, unlike the
// binary codec, it can also carry arbitrary payload structs.
type MsgpackCodec struct{}

func (c *MsgpackCodec) Encode(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

func (c *MsgpackCodec) Decode(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}

func (c *MsgpackCodec) Type() CodecType {
	return CodecTypeMsgpack
}
