// Package protocol implements the binary frame format shared by the store and the
// vendor nodes.
//
// Every frame is a fixed 14-byte header followed by a body of BodyLen bytes. The reader
// consumes the header first and then exactly BodyLen bytes, so frames can be read back
// to back from a TCP stream.
//
// Frame format:
//
//	0      3  4  5  6         10        14
//	┌──────┬──┬──┬──┬─────────┬─────────┬───────────────┐
//	│magic │v │ct│mt│   seq   │ bodyLen │    body ...    │
//	│ pst  │01│  │  │ uint32  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴─────────┴───────────────┘
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Magic bytes "pst" identify a price-store frame.
const (
	MagicNumber byte = 0x70 // 'p'
	MagicByte2  byte = 0x73 // 's'
	MagicByte3  byte = 0x74 // 't'
	Version     byte = 0x01
	HeaderSize  int  = 14 // 3 (magic) + 1 (version) + 1 (codec) + 1 (msgType) + 4 (seq) + 4 (bodyLen)

	// MaxBodyLen bounds the body a peer may announce. A corrupt or hostile header
	// would otherwise make Decode allocate up to 4GiB.
	MaxBodyLen uint32 = 16 << 20
)

// MsgType distinguishes request, response, and heartbeat frames.
type MsgType byte

const (
	MsgTypeRequest   MsgType = 0 // caller → callee
	MsgTypeResponse  MsgType = 1 // callee → caller, same Seq as the request
	MsgTypeHeartbeat MsgType = 2 // keepalive probe, empty body
)

func (t MsgType) String() string {
	switch t {
	case MsgTypeRequest:
		return "request"
	case MsgTypeResponse:
		return "response"
	case MsgTypeHeartbeat:
		return "heartbeat"
	default:
		return fmt.Sprintf("MsgType(%d)", byte(t))
	}
}

// Codec type constants, mirrored from the codec package to avoid an import cycle.
const (
	CodecTypeJSON    byte = 0
	CodecTypeBinary  byte = 1
	CodecTypeMsgpack byte = 2
)

var (
	ErrInvalidMagic = errors.New("protocol: invalid magic number")
	ErrBodyTooLarge = errors.New("protocol: body exceeds maximum length")
	ErrBadVersion   = errors.New("protocol: unsupported version")
	ErrUnknownCodec = errors.New("protocol: unsupported codec type")
	ErrUnknownFrame = errors.New("protocol: unsupported message type")
)

// Header is the fixed-size frame header.
type Header struct {
	CodecType byte    // serialization format of the body
	MsgType   MsgType // request, response or heartbeat
	Seq       uint32  // correlates a response with its request on one connection
	BodyLen   uint32  // number of body bytes following the header
}

// Encode writes one frame to w as a single Write call.
// Callers sharing w between goroutines must serialize calls to Encode.
func Encode(w io.Writer, h *Header, body []byte) error {
	if uint32(len(body)) > MaxBodyLen {
		return ErrBodyTooLarge
	}
	buf := make([]byte, HeaderSize+len(body))
	buf[0], buf[1], buf[2] = MagicNumber, MagicByte2, MagicByte3
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.MsgType)
	binary.BigEndian.PutUint32(buf[6:10], h.Seq)
	binary.BigEndian.PutUint32(buf[10:14], uint32(len(body)))
	copy(buf[HeaderSize:], body)

	_, err := w.Write(buf)
	return err
}

// Decode reads one complete frame from r and validates its header.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("%w: %x", ErrInvalidMagic, headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("%w: %d", ErrBadVersion, headerBuf[3])
	}
	if !knownCodec(headerBuf[4]) {
		return nil, nil, fmt.Errorf("%w: %d", ErrUnknownCodec, headerBuf[4])
	}
	msgType := MsgType(headerBuf[5])
	if msgType > MsgTypeHeartbeat {
		return nil, nil, fmt.Errorf("%w: %d", ErrUnknownFrame, headerBuf[5])
	}

	seq := binary.BigEndian.Uint32(headerBuf[6:10])
	bodyLen := binary.BigEndian.Uint32(headerBuf[10:14])
	if bodyLen > MaxBodyLen {
		return nil, nil, fmt.Errorf("%w: %d", ErrBodyTooLarge, bodyLen)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}

	return &Header{
		CodecType: headerBuf[4],
		MsgType:   msgType,
		Seq:       seq,
		BodyLen:   bodyLen,
	}, body, nil
}

func knownCodec(c byte) bool {
	return c == CodecTypeJSON || c == CodecTypeBinary || c == CodecTypeMsgpack
}
