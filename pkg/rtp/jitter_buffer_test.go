package rtp

import (
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tsPkt(ts uint32) *rtp.Packet {
	return &rtp.Packet{Header: rtp.Header{Version: 2, Timestamp: ts}, Payload: make([]byte, 160)}
}

func TestJitterBuffer_OrdersByTimestamp(t *testing.T) {
	jb := NewJitterBuffer(JitterBufferConfig{
		BufferSize:   10,
		InitialDelay: 40 * time.Millisecond,
	})
	defer jb.Stop()

	// Пакеты приходят вперемешку
	require.NoError(t, jb.Put(tsPkt(320)))
	require.NoError(t, jb.Put(tsPkt(160)))
	require.NoError(t, jb.Put(tsPkt(480)))

	var got []uint32
	deadline := time.After(2 * time.Second)
	for len(got) < 3 {
		select {
		case p := <-jb.Output():
			got = append(got, p.Timestamp)
		case <-deadline:
			t.Fatalf("timeout, got %v", got)
		}
	}

	assert.Equal(t, []uint32{160, 320, 480}, got)
}

func TestJitterBuffer_DelayBounds(t *testing.T) {
	jb := NewJitterBuffer(JitterBufferConfig{
		BufferSize:   10,
		InitialDelay: 60 * time.Millisecond,
		PacketTime:   20 * time.Millisecond,
	})
	defer jb.Stop()

	// Много равномерных пакетов: задержка спадает, но не ниже ptime
	for i := 0; i < 200; i++ {
		require.NoError(t, jb.Put(tsPkt(uint32(i)*160)))
	}

	stats := jb.GetStatistics()
	assert.GreaterOrEqual(t, stats.TargetDelay, 20*time.Millisecond)
	assert.LessOrEqual(t, stats.TargetDelay, jb.config.MaxDelay)
}

func TestJitterBuffer_PutNotBlockedByFullOutput(t *testing.T) {
	jb := NewJitterBuffer(JitterBufferConfig{
		BufferSize:   4,
		InitialDelay: time.Millisecond,
		PacketTime:   time.Millisecond,
	})
	defer jb.Stop()

	// Выход никто не читает: processOutput упирается в полный канал,
	// Put при этом обязан продолжать принимать пакеты
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			_ = jb.Put(tsPkt(uint32(i) * 160))
			time.Sleep(time.Millisecond)
		}
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Put завис при переполненном выходном канале")
	}
	assert.Greater(t, jb.GetStatistics().PacketsDropped, uint64(0))
}

func TestJitterBuffer_PutAfterStop(t *testing.T) {
	jb := NewJitterBuffer(JitterBufferConfig{})
	jb.Stop()
	assert.Error(t, jb.Put(tsPkt(0)))
}
