package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"price-store/api"
	"price-store/codec"
	"price-store/protocol"
	"price-store/server"
)

// echoVendor bids the length of the product name and names the product as the vendor.
type echoVendor struct{}

func (e *echoVendor) GetProductBid(_ context.Context, q *api.BidQuery, r *api.BidReply) error {
	r.Price = float64(len(q.ProductName))
	r.VendorID = q.ProductName
	return nil
}

func startServer(t *testing.T) string {
	t.Helper()
	svr := server.NewServer()
	require.NoError(t, svr.RegisterName("Vendor", &echoVendor{}))
	require.NoError(t, svr.Listen("tcp", "127.0.0.1:0"))
	go svr.Serve(context.Background())
	t.Cleanup(func() { svr.Shutdown(context.Background()) })
	return svr.Addr().String()
}

func newTransport(t *testing.T, addr string, ct codec.CodecType) *ClientTransport {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	tr := NewClientTransport(conn, ct, 0)
	t.Cleanup(func() { tr.Close() })
	return tr
}

func bid(t *testing.T, tr *ClientTransport, name string) api.BidReply {
	t.Helper()
	payload, err := codec.MarshalPayload(tr.Codec(), &api.BidQuery{ProductName: name})
	require.NoError(t, err)

	_, ch, err := tr.Send(api.MethodGetProductBid, payload)
	require.NoError(t, err)

	resp := <-ch
	require.NoError(t, resp.Err)
	require.False(t, resp.Envelope.Failed(), resp.Envelope.Error)

	var reply api.BidReply
	require.NoError(t, codec.UnmarshalPayload(tr.Codec(), resp.Envelope.Payload, &reply))
	return reply
}

func TestSendSerial(t *testing.T) {
	addr := startServer(t)
	for _, ct := range []codec.CodecType{codec.CodecTypeJSON, codec.CodecTypeBinary, codec.CodecTypeMsgpack} {
		t.Run(ct.String(), func(t *testing.T) {
			tr := newTransport(t, addr, ct)
			for _, name := range []string{"a", "widget", "gizmo"} {
				reply := bid(t, tr, name)
				assert.Equal(t, name, reply.VendorID)
				assert.Equal(t, float64(len(name)), reply.Price)
			}
		})
	}
}

func TestSendConcurrentRoutesBySeq(t *testing.T) {
	tr := newTransport(t, startServer(t), codec.CodecTypeJSON)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			name := fmt.Sprintf("product-%d", i)
			payload, err := codec.MarshalPayload(tr.Codec(), &api.BidQuery{ProductName: name})
			if !assert.NoError(t, err) {
				return
			}
			_, ch, err := tr.Send(api.MethodGetProductBid, payload)
			if !assert.NoError(t, err) {
				return
			}
			resp := <-ch
			if !assert.NoError(t, resp.Err) {
				return
			}
			var reply api.BidReply
			assert.NoError(t, codec.UnmarshalPayload(tr.Codec(), resp.Envelope.Payload, &reply))
			assert.Equal(t, name, reply.VendorID)
		}()
	}
	wg.Wait()
}

func TestUnknownMethodIsEnvelopeError(t *testing.T) {
	tr := newTransport(t, startServer(t), codec.CodecTypeJSON)

	_, ch, err := tr.Send("Vendor.Nope", nil)
	require.NoError(t, err)
	resp := <-ch
	require.NoError(t, resp.Err)
	assert.True(t, resp.Envelope.Failed())
}

// silentPeer accepts one connection, reads its frames and never answers.
func silentPeer(t *testing.T) (string, <-chan net.Conn) {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		accepted <- conn
		for {
			if _, _, err := protocol.Decode(conn); err != nil {
				return
			}
		}
	}()
	return l.Addr().String(), accepted
}

func TestPeerCloseFailsPendingCalls(t *testing.T) {
	addr, accepted := silentPeer(t)
	tr := newTransport(t, addr, codec.CodecTypeJSON)

	_, ch, err := tr.Send(api.MethodGetProductBid, nil)
	require.NoError(t, err)

	conn := <-accepted
	require.NoError(t, conn.Close())

	select {
	case resp := <-ch:
		require.ErrorIs(t, resp.Err, ErrTransportClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("pending call was not failed")
	}

	<-tr.Done()
	assert.True(t, tr.Broken())
	_, _, err = tr.Send(api.MethodGetProductBid, nil)
	assert.ErrorIs(t, err, ErrTransportClosed)
}

func TestCloseFailsPendingCalls(t *testing.T) {
	addr, _ := silentPeer(t)
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	tr := NewClientTransport(conn, codec.CodecTypeJSON, 0)

	_, ch, err := tr.Send(api.MethodGetProductBid, nil)
	require.NoError(t, err)
	require.NoError(t, tr.Close())

	resp := <-ch
	assert.ErrorIs(t, resp.Err, ErrTransportClosed)
}

func TestCancelDropsLateResponse(t *testing.T) {
	addr, accepted := silentPeer(t)
	tr := newTransport(t, addr, codec.CodecTypeJSON)

	seq, ch, err := tr.Send(api.MethodGetProductBid, nil)
	require.NoError(t, err)
	tr.Cancel(seq)

	conn := <-accepted
	body, err := codec.GetCodec(codec.CodecTypeJSON).Encode(&struct {
		Method string `json:"method"`
	}{Method: api.MethodGetProductBid})
	require.NoError(t, err)
	require.NoError(t, protocol.Encode(conn, &protocol.Header{MsgType: protocol.MsgTypeResponse, Seq: seq}, body))

	select {
	case resp := <-ch:
		t.Fatalf("cancelled call received %+v", resp)
	case <-time.After(100 * time.Millisecond):
	}
	assert.False(t, tr.Broken())
}

func TestHeartbeatFramesAreSent(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	frames := make(chan protocol.MsgType, 4)
	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			h, _, err := protocol.Decode(conn)
			if err != nil {
				return
			}
			frames <- h.MsgType
		}
	}()

	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	tr := NewClientTransport(conn, codec.CodecTypeJSON, 20*time.Millisecond)
	defer tr.Close()

	select {
	case mt := <-frames:
		assert.Equal(t, protocol.MsgTypeHeartbeat, mt)
	case <-time.After(time.Second):
		t.Fatal("no heartbeat received")
	}
}
