package rtp

import (
	"testing"
	"time"

	"github.com/pion/rtcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func marshalRR(t *testing.T, fractionLost uint8) []byte {
	t.Helper()
	data, err := rtcp.Marshal([]rtcp.Packet{&rtcp.ReceiverReport{
		SSRC: 0xABCD,
		Reports: []rtcp.ReceptionReport{{
			SSRC:         0x1234,
			FractionLost: fractionLost,
			Jitter:       40,
		}},
	}})
	require.NoError(t, err)
	return data
}

func TestRTCPMonitor_DegradedAfterMissedIntervals(t *testing.T) {
	var events []QualityEvent
	m := NewRTCPMonitor("leg-1", RTCPConfig{}, func(e QualityEvent) {
		events = append(events, e)
	})

	now := time.Now()
	for i := 0; i < DefaultMissedRTCPLimit-1; i++ {
		m.Tick(now)
		assert.False(t, m.Degraded())
	}

	m.Tick(now)
	require.Len(t, events, 1)
	assert.Equal(t, QualityDegraded, events[0].State)
	assert.Equal(t, DefaultMissedRTCPLimit, events[0].MissedRTCP)
	assert.True(t, m.Degraded())

	// Дальнейшие пропуски не дублируют событие
	m.Tick(now)
	assert.Len(t, events, 1)
}

func TestRTCPMonitor_RecoveryAfterGoodIntervals(t *testing.T) {
	var events []QualityEvent
	m := NewRTCPMonitor("leg-1", RTCPConfig{}, func(e QualityEvent) {
		events = append(events, e)
	})

	now := time.Now()
	for i := 0; i < DefaultMissedRTCPLimit; i++ {
		m.Tick(now)
	}
	require.True(t, m.Degraded())

	// Один интервал с отчетом недостаточен для восстановления
	require.NoError(t, m.OnPacket(marshalRR(t, 0)))
	m.Tick(now)
	assert.True(t, m.Degraded())

	require.NoError(t, m.OnPacket(marshalRR(t, 0)))
	m.Tick(now)
	assert.False(t, m.Degraded())

	require.Len(t, events, 2)
	assert.Equal(t, QualityGood, events[1].State)
}

func TestRTCPMonitor_ReceiptResetsMissedCounter(t *testing.T) {
	m := NewRTCPMonitor("leg-1", RTCPConfig{}, nil)

	now := time.Now()
	m.Tick(now)
	m.Tick(now)

	require.NoError(t, m.OnPacket(marshalRR(t, 0)))
	m.Tick(now)

	// Счетчик пропусков сброшен, снова нужны три подряд
	m.Tick(now)
	m.Tick(now)
	assert.False(t, m.Degraded())
	m.Tick(now)
	assert.True(t, m.Degraded())
}

func TestRTCPMonitor_MalformedPacket(t *testing.T) {
	m := NewRTCPMonitor("leg-1", RTCPConfig{}, nil)
	assert.Error(t, m.OnPacket([]byte{0x01, 0x02}))
}

func TestBuildSenderReport(t *testing.T) {
	data, err := BuildSenderReport(0x1234, 0xABCD,
		SenderStats{Packets: 50, Octets: 8000, LastTimestamp: 16000},
		ReceiverStats{Received: 48, TotalLost: 2},
		time.Now())
	require.NoError(t, err)

	packets, err := rtcp.Unmarshal(data)
	require.NoError(t, err)
	require.Len(t, packets, 1)

	sr, ok := packets[0].(*rtcp.SenderReport)
	require.True(t, ok)
	assert.Equal(t, uint32(0x1234), sr.SSRC)
	assert.Equal(t, uint32(50), sr.PacketCount)
	require.Len(t, sr.Reports, 1)
	assert.Equal(t, uint32(2), sr.Reports[0].TotalLost)
}
