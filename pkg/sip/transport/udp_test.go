package transport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/softswitch/pkg/sip/message"
)

func buildOptions(t *testing.T) *message.Request {
	t.Helper()
	req, err := message.NewRequest(message.MethodOptions, message.MustParseURI("sip:pbx.local")).
		Via("udp", "127.0.0.1", 5060, message.GenerateBranch()).
		From(message.MustParseURI("sip:probe@pbx.local"), message.GenerateTag()).
		To(message.MustParseURI("sip:pbx.local"), "").
		CallID(message.GenerateCallID("127.0.0.1")).
		CSeq(1, message.MethodOptions).
		Build()
	require.NoError(t, err)
	return req
}

func TestUDPTransport_SendReceive(t *testing.T) {
	recv := NewUDPTransport()
	require.NoError(t, recv.Listen("127.0.0.1:0"))
	defer recv.Close()

	got := make(chan Parsed, 1)
	recv.OnMessage(func(msg Parsed, _ net.Addr, _ Transport) {
		got <- msg
	})

	send := NewUDPTransport()
	require.NoError(t, send.Listen("127.0.0.1:0"))
	defer send.Close()

	require.NoError(t, send.Send(buildOptions(t), recv.LocalAddr().String()))

	select {
	case msg := <-got:
		assert.True(t, msg.IsRequest())
	case <-time.After(2 * time.Second):
		t.Fatal("message not received")
	}

	assert.Equal(t, uint64(1), send.Stats().MessagesSent)
}

func TestUDPTransport_MalformedDropped(t *testing.T) {
	recv := NewUDPTransport()
	require.NoError(t, recv.Listen("127.0.0.1:0"))
	defer recv.Close()

	got := make(chan Parsed, 1)
	recv.OnMessage(func(msg Parsed, _ net.Addr, _ Transport) {
		got <- msg
	})

	conn, err := net.Dial("udp", recv.LocalAddr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("garbage that is not sip"))
	require.NoError(t, err)

	select {
	case <-got:
		t.Fatal("malformed datagram must not reach the handler")
	case <-time.After(300 * time.Millisecond):
	}

	// the drop is visible in stats
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if recv.Stats().ParseErrors > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("parse error not counted")
}

func TestUDPTransport_ClosedSend(t *testing.T) {
	tr := NewUDPTransport()
	require.NoError(t, tr.Listen("127.0.0.1:0"))
	require.NoError(t, tr.Close())

	err := tr.Send(buildOptions(t), "127.0.0.1:5060")
	assert.ErrorIs(t, err, ErrTransportClosed)
}
