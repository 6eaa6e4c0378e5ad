package codec

import (
	"encoding/json"

	"github.com/vmihailenco/msgpack/v5"
)

// MarshalPayload serializes call arguments or replies for the payload field of an
// envelope. Msgpack envelopes carry msgpack payloads; the JSON and binary envelope
// codecs carry JSON payloads.
func MarshalPayload(t CodecType, v any) ([]byte, error) {
	if t == CodecTypeMsgpack {
		return msgpack.Marshal(v)
	}
	return json.Marshal(v)
}

// UnmarshalPayload is the inverse of MarshalPayload.
func UnmarshalPayload(t CodecType, data []byte, v any) error {
	if t == CodecTypeMsgpack {
		return msgpack.Unmarshal(data, v)
	}
	return json.Unmarshal(data, v)
}
