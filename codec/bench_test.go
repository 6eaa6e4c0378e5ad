package codec

import (
	"testing"

	"price-store/message"
)

// Envelope encode + decode without the network.
func benchmarkCodec(b *testing.B, t CodecType) {
	cdc := GetCodec(t)
	env := &message.Envelope{
		Method:  "Vendor.GetProductBid",
		Payload: []byte(`{"product_name":"widget"}`),
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		data, err := cdc.Encode(env)
		if err != nil {
			b.Fatal(err)
		}
		var out message.Envelope
		if err := cdc.Decode(data, &out); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkCodecJSON(b *testing.B)    { benchmarkCodec(b, CodecTypeJSON) }
func BenchmarkCodecBinary(b *testing.B)  { benchmarkCodec(b, CodecTypeBinary) }
func BenchmarkCodecMsgpack(b *testing.B) { benchmarkCodec(b, CodecTypeMsgpack) }
