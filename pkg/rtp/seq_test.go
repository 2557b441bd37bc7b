package rtp

import (
	"testing"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pkt(seq uint16) *rtp.Packet {
	return &rtp.Packet{Header: rtp.Header{Version: 2, SequenceNumber: seq, Timestamp: uint32(seq) * 160}}
}

func seqs(packets []*rtp.Packet) []uint16 {
	out := make([]uint16, len(packets))
	for i, p := range packets {
		out[i] = p.SequenceNumber
	}
	return out
}

func TestSequencer_InOrder(t *testing.T) {
	s := NewSequencer(5)

	for seq := uint16(100); seq < 105; seq++ {
		out := s.Push(pkt(seq))
		require.Len(t, out, 1)
		assert.Equal(t, seq, out[0].SequenceNumber)
	}

	stats := s.Stats()
	assert.Equal(t, uint64(5), stats.Delivered)
	assert.Equal(t, uint64(0), stats.Lost)
}

func TestSequencer_ReorderWithinWindow(t *testing.T) {
	s := NewSequencer(5)

	require.Len(t, s.Push(pkt(10)), 1)

	// 12 пришел раньше 11: придерживаем
	assert.Empty(t, s.Push(pkt(12)))

	out := s.Push(pkt(11))
	assert.Equal(t, []uint16{11, 12}, seqs(out))

	stats := s.Stats()
	assert.Equal(t, uint64(1), stats.Reordered)
	assert.Equal(t, uint64(0), stats.Lost)
}

func TestSequencer_GapBeyondWindowIsLoss(t *testing.T) {
	s := NewSequencer(5)

	require.Len(t, s.Push(pkt(10)), 1)

	out := s.Push(pkt(20))
	assert.Equal(t, []uint16{20}, seqs(out))

	stats := s.Stats()
	assert.Equal(t, uint64(9), stats.Lost) // 11..19 пропущены
}

func TestSequencer_LateOutsideWindowNeverReplayed(t *testing.T) {
	s := NewSequencer(5)

	require.Len(t, s.Push(pkt(10)), 1)
	require.Len(t, s.Push(pkt(20)), 1)

	// 15 опоздал за окно: отброшен, не переигрывается
	assert.Empty(t, s.Push(pkt(15)))

	stats := s.Stats()
	assert.Equal(t, uint64(1), stats.Late)
	assert.Equal(t, uint64(2), stats.Delivered)
}

func TestSequencer_Duplicate(t *testing.T) {
	s := NewSequencer(5)

	require.Len(t, s.Push(pkt(30)), 1)
	assert.Empty(t, s.Push(pkt(30)))
	assert.Equal(t, uint64(1), s.Stats().Duplicates)
}

func TestSequencer_Wraparound(t *testing.T) {
	s := NewSequencer(5)

	for _, seq := range []uint16{65534, 65535, 0, 1} {
		out := s.Push(pkt(seq))
		require.Len(t, out, 1, "seq %d", seq)
		assert.Equal(t, seq, out[0].SequenceNumber)
	}
	assert.Equal(t, uint64(0), s.Stats().Lost)
}

func TestSequencer_WraparoundReorder(t *testing.T) {
	s := NewSequencer(5)

	require.Len(t, s.Push(pkt(65535)), 1)

	// Пакет 1 через границу wrap-around, придерживается до 0
	assert.Empty(t, s.Push(pkt(1)))
	out := s.Push(pkt(0))
	assert.Equal(t, []uint16{0, 1}, seqs(out))
}
