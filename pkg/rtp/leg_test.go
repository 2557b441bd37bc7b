package rtp

import (
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// listenTestPair подбирает свободный четный порт для пары сокетов
func listenTestPair(t *testing.T) *PairConn {
	t.Helper()
	for port := 40000; port < 40200; port += 2 {
		pair, err := ListenPair("127.0.0.1", port)
		if err == nil {
			return pair
		}
	}
	t.Fatal("no free even port pair")
	return nil
}

func TestListenPair_OddPortRejected(t *testing.T) {
	_, err := ListenPair("127.0.0.1", 40001)
	assert.Error(t, err)
}

func TestLeg_Loopback(t *testing.T) {
	pairA := listenTestPair(t)
	pairB := listenTestPair(t)

	received := make(chan []byte, 16)
	legB, err := NewLeg(LegConfig{
		ID:          "leg-b",
		CallID:      "call-1",
		PayloadType: 0,
		Jitter:      JitterBufferConfig{InitialDelay: 20 * time.Millisecond},
		OnPacket: func(p *rtp.Packet) {
			received <- p.Payload
		},
	}, pairB)
	require.NoError(t, err)
	legB.Start()
	defer legB.Close()

	legA, err := NewLeg(LegConfig{ID: "leg-a", CallID: "call-1", PayloadType: 0}, pairA)
	require.NoError(t, err)
	legA.Start()
	defer legA.Close()

	require.NoError(t, legA.SetRemote("127.0.0.1", pairB.RTPPort()))

	payload := make([]byte, 160)
	payload[0] = 0x7F
	for i := 0; i < 3; i++ {
		require.NoError(t, legA.SendPayload(payload, i == 0))
		time.Sleep(20 * time.Millisecond)
	}

	select {
	case got := <-received:
		assert.Equal(t, byte(0x7F), got[0])
	case <-time.After(2 * time.Second):
		t.Fatal("no media received")
	}

	assert.GreaterOrEqual(t, legA.Stats().Sent.Packets, uint32(3))
}

func TestLeg_SendWithoutRemote(t *testing.T) {
	pair := listenTestPair(t)
	leg, err := NewLeg(LegConfig{ID: "leg-x", CallID: "call-2"}, pair)
	require.NoError(t, err)
	defer leg.Close()

	err = leg.SendPayload(make([]byte, 160), false)
	assert.ErrorIs(t, err, ErrNoRemote)
}
