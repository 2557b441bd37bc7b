package rtp

import (
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDTMFPayloadType = 101

func TestDTMFReceiver_OneEventPerKeypress(t *testing.T) {
	var events []DTMFEvent
	recv := NewDTMFReceiver(testDTMFPayloadType, func(e DTMFEvent) {
		events = append(events, e)
	})

	sender := NewDTMFSender(testDTMFPayloadType)
	packets, err := sender.GeneratePackets(DTMFEvent{
		Digit:     DTMF5,
		Duration:  160 * time.Millisecond,
		Volume:    -10,
		Timestamp: 8000,
	}, 0x1234, 100)
	require.NoError(t, err)
	require.Len(t, packets, 6)

	for _, p := range packets {
		isDTMF, err := recv.ProcessPacket(p)
		require.NoError(t, err)
		assert.True(t, isDTMF)
	}

	// Три конечных пакета, но событие ровно одно
	require.Len(t, events, 1)
	assert.Equal(t, DTMF5, events[0].Digit)
	assert.Equal(t, 160*time.Millisecond, events[0].Duration)
	assert.Equal(t, uint32(8000), events[0].Timestamp)
}

func TestDTMFReceiver_DistinctPresses(t *testing.T) {
	var digits []DTMFDigit
	recv := NewDTMFReceiver(testDTMFPayloadType, func(e DTMFEvent) {
		digits = append(digits, e.Digit)
	})

	sender := NewDTMFSender(testDTMFPayloadType)
	seq := uint16(0)
	for i, d := range []DTMFDigit{DTMF1, DTMF2, DTMF2} {
		packets, err := sender.GeneratePackets(DTMFEvent{
			Digit:     d,
			Duration:  100 * time.Millisecond,
			Timestamp: uint32(i+1) * 2000, // каждое нажатие с новым timestamp
		}, 0x1234, seq)
		require.NoError(t, err)
		seq += 6
		for _, p := range packets {
			_, err := recv.ProcessPacket(p)
			require.NoError(t, err)
		}
	}

	// Повтор той же цифры с новым timestamp — отдельное нажатие
	assert.Equal(t, []DTMFDigit{DTMF1, DTMF2, DTMF2}, digits)
}

func TestDTMFReceiver_LateEndRetransmission(t *testing.T) {
	var digits []DTMFDigit
	recv := NewDTMFReceiver(testDTMFPayloadType, func(e DTMFEvent) {
		digits = append(digits, e.Digit)
	})

	sender := NewDTMFSender(testDTMFPayloadType)
	packetsA, err := sender.GeneratePackets(DTMFEvent{
		Digit: DTMF1, Duration: 100 * time.Millisecond, Timestamp: 2000,
	}, 0x1234, 0)
	require.NoError(t, err)
	packetsB, err := sender.GeneratePackets(DTMFEvent{
		Digit: DTMF2, Duration: 100 * time.Millisecond, Timestamp: 4000,
	}, 0x1234, 6)
	require.NoError(t, err)

	for _, p := range append(packetsA, packetsB...) {
		_, err := recv.ProcessPacket(p)
		require.NoError(t, err)
	}

	// Запоздавшая ретрансляция конца первой цифры уже после второй
	late := packetsA[len(packetsA)-1]
	_, err = recv.ProcessPacket(late)
	require.NoError(t, err)

	assert.Equal(t, []DTMFDigit{DTMF1, DTMF2}, digits)
}

func TestDTMFReceiver_StartPacketsDoNotReport(t *testing.T) {
	called := 0
	recv := NewDTMFReceiver(testDTMFPayloadType, func(DTMFEvent) { called++ })

	payload := encodeDTMFPayload(DTMFPayload{Event: 7, Duration: 800})
	for i := 0; i < 5; i++ {
		p := &rtp.Packet{
			Header:  rtp.Header{Version: 2, PayloadType: testDTMFPayloadType, SequenceNumber: uint16(i), Timestamp: 4000},
			Payload: payload,
		}
		isDTMF, err := recv.ProcessPacket(p)
		require.NoError(t, err)
		assert.True(t, isDTMF)
	}

	assert.Zero(t, called, "промежуточные пакеты без end-флага не порождают событий")
}

func TestDTMFReceiver_AudioPassesThrough(t *testing.T) {
	recv := NewDTMFReceiver(testDTMFPayloadType, nil)

	audio := &rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: 0, SequenceNumber: 1},
		Payload: make([]byte, 160),
	}
	isDTMF, err := recv.ProcessPacket(audio)
	require.NoError(t, err)
	assert.False(t, isDTMF)
}

func TestDTMFReceiver_ShortPayload(t *testing.T) {
	recv := NewDTMFReceiver(testDTMFPayloadType, nil)

	p := &rtp.Packet{
		Header:  rtp.Header{Version: 2, PayloadType: testDTMFPayloadType},
		Payload: []byte{0x05},
	}
	isDTMF, err := recv.ProcessPacket(p)
	assert.True(t, isDTMF)
	assert.ErrorIs(t, err, ErrInvalidDTMFPayload)
}

func TestDTMFPayloadRoundTrip(t *testing.T) {
	in := DTMFPayload{Event: 11, EndFlag: true, Volume: 10, Duration: 1280}
	out, err := decodeDTMFPayload(encodeDTMFPayload(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestDigitFromRune(t *testing.T) {
	d, ok := DigitFromRune('#')
	require.True(t, ok)
	assert.Equal(t, DTMFPound, d)
	assert.Equal(t, "#", d.String())

	_, ok = DigitFromRune('x')
	assert.False(t, ok)
}
