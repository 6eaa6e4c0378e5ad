package codec

import (
	"encoding/json"
	"fmt"
)

// JSONCodec uses encoding/json. It is the default, readable in a packet capture.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: json encode: %w", err)
	}
	return data, nil
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("codec: json decode: %w", err)
	}
	return nil
}

// Type reports CodecTypeJSON, the codec byte written into frame headers.
func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
