package codec

import (
	"encoding/binary"
	"errors"
	"math"

	"price-store/message"
)

var (
	errNotEnvelope = errors.New("BinaryCodec: v must be *message.Envelope")
	errShortBuffer = errors.New("BinaryCodec: truncated envelope")
	errTooLong     = errors.New("BinaryCodec: field too long")
)

// BinaryCodec lays an envelope out as length-prefixed fields:
//
//	methodLen(2) method  payloadLen(4) payload  errorLen(2) error
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	msg, ok := v.(*message.Envelope)
	if !ok {
		return nil, errNotEnvelope
	}
	if len(msg.Method) > math.MaxUint16 || len(msg.Error) > math.MaxUint16 || uint64(len(msg.Payload)) > math.MaxUint32 {
		return nil, errTooLong
	}

	buf := make([]byte, 0, 2+len(msg.Method)+4+len(msg.Payload)+2+len(msg.Error))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(msg.Method)))
	buf = append(buf, msg.Method...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(msg.Payload)))
	buf = append(buf, msg.Payload...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(msg.Error)))
	buf = append(buf, msg.Error...)
	return buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	msg, ok := v.(*message.Envelope)
	if !ok {
		return errNotEnvelope
	}

	r := reader{data: data}
	msg.Method = string(r.next(int(r.u16())))
	payload := r.next(int(r.u32()))
	msg.Error = string(r.next(int(r.u16())))
	if r.short {
		return errShortBuffer
	}
	msg.Payload = append([]byte(nil), payload...)
	return nil
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

// reader walks a byte slice and latches short on the first out-of-range read.
type reader struct {
	data  []byte
	off   int
	short bool
}

func (r *reader) next(n int) []byte {
	if r.short || n < 0 || len(r.data)-r.off < n {
		r.short = true
		return nil
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u16() uint16 {
	b := r.next(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) u32() uint32 {
	b := r.next(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}
