package protocol

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	header := Header{
		CodecType: CodecTypeJSON,
		MsgType:   MsgTypeRequest,
		Seq:       12345,
	}
	body := []byte(`{"product_name":"widget"}`)

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, &header, body))

	decoded, decodedBody, err := Decode(&buf)
	require.NoError(t, err)

	assert.Equal(t, header.CodecType, decoded.CodecType)
	assert.Equal(t, header.MsgType, decoded.MsgType)
	assert.Equal(t, header.Seq, decoded.Seq)
	assert.Equal(t, uint32(len(body)), decoded.BodyLen)
	assert.Equal(t, body, decodedBody)
}

func TestEncodeIgnoresCallerBodyLen(t *testing.T) {
	header := Header{CodecType: CodecTypeMsgpack, MsgType: MsgTypeResponse, Seq: 7, BodyLen: 999}

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, &header, []byte("abc")))

	decoded, body, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), decoded.BodyLen)
	assert.Equal(t, "abc", string(body))
}

func TestDecodeBackToBackFrames(t *testing.T) {
	var buf bytes.Buffer
	for seq := uint32(1); seq <= 3; seq++ {
		require.NoError(t, Encode(&buf, &Header{MsgType: MsgTypeRequest, Seq: seq}, []byte{byte(seq)}))
	}

	for seq := uint32(1); seq <= 3; seq++ {
		h, body, err := Decode(&buf)
		require.NoError(t, err)
		assert.Equal(t, seq, h.Seq)
		assert.Equal(t, []byte{byte(seq)}, body)
	}
}

func TestDecodeInvalidMagic(t *testing.T) {
	frame := []byte{0x00, 0x00, 0x00, Version, CodecTypeJSON, byte(MsgTypeRequest), 0, 0, 0x30, 0x39, 0, 0, 0, 0}

	_, _, err := Decode(bytes.NewReader(frame))
	require.ErrorIs(t, err, ErrInvalidMagic)
}

func TestDecodeInvalidVersion(t *testing.T) {
	frame := []byte{MagicNumber, MagicByte2, MagicByte3, 0xFF, CodecTypeJSON, byte(MsgTypeRequest), 0, 0, 0, 1, 0, 0, 0, 0}

	_, _, err := Decode(bytes.NewReader(frame))
	require.ErrorIs(t, err, ErrBadVersion)
}

func TestDecodeUnknownCodecAndType(t *testing.T) {
	badCodec := []byte{MagicNumber, MagicByte2, MagicByte3, Version, 9, byte(MsgTypeRequest), 0, 0, 0, 1, 0, 0, 0, 0}
	_, _, err := Decode(bytes.NewReader(badCodec))
	require.ErrorIs(t, err, ErrUnknownCodec)

	badType := []byte{MagicNumber, MagicByte2, MagicByte3, Version, CodecTypeJSON, 7, 0, 0, 0, 1, 0, 0, 0, 0}
	_, _, err = Decode(bytes.NewReader(badType))
	require.ErrorIs(t, err, ErrUnknownFrame)
}

func TestDecodeRejectsOversizedBody(t *testing.T) {
	frame := []byte{MagicNumber, MagicByte2, MagicByte3, Version, CodecTypeJSON, byte(MsgTypeRequest), 0, 0, 0, 1, 0, 0, 0, 0}
	binary.BigEndian.PutUint32(frame[10:14], MaxBodyLen+1)

	_, _, err := Decode(bytes.NewReader(frame))
	require.ErrorIs(t, err, ErrBodyTooLarge)
}

func TestDecodeEmptyBody(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, &Header{MsgType: MsgTypeHeartbeat, Seq: 1}, nil))

	h, body, err := Decode(&buf)
	require.NoError(t, err)
	assert.Equal(t, MsgTypeHeartbeat, h.MsgType)
	assert.Empty(t, body)
}

func TestDecodeLargeBody(t *testing.T) {
	largeBody := make([]byte, 1024*1024)
	for i := range largeBody {
		largeBody[i] = byte(i % 256)
	}

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, &Header{CodecType: CodecTypeBinary, MsgType: MsgTypeRequest, Seq: 999}, largeBody))

	_, decodedBody, err := Decode(&buf)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(largeBody, decodedBody))
}

func TestDecodeTruncatedBody(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, &Header{MsgType: MsgTypeRequest, Seq: 1}, []byte("hello world")))
	truncated := buf.Bytes()[:buf.Len()-3]

	_, _, err := Decode(bytes.NewReader(truncated))
	require.Error(t, err)
}
