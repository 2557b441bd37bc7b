package sdp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const offerBody = "v=0\r\n" +
	"o=endpoint 2890844526 2890844526 IN IP4 10.0.0.5\r\n" +
	"s=call\r\n" +
	"c=IN IP4 10.0.0.5\r\n" +
	"t=0 0\r\n" +
	"m=audio 49170 RTP/AVP 0 8 101\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n" +
	"a=rtpmap:8 PCMA/8000\r\n" +
	"a=rtpmap:101 telephone-event/8000\r\n" +
	"a=fmtp:101 0-16\r\n"

func TestParse(t *testing.T) {
	body, err := Parse([]byte(offerBody))
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.5", body.Connection)

	audio, err := body.Audio()
	require.NoError(t, err)
	assert.Equal(t, 49170, audio.Port)
	require.Len(t, audio.Payloads, 3)
	assert.Equal(t, "PCMU", audio.Payloads[0].Name)
	assert.Equal(t, uint8(101), audio.Payloads[2].Type)
	assert.True(t, audio.Payloads[2].IsTelephoneEvent())
	assert.Equal(t, "0-16", audio.Payloads[2].Fmtp)
}

func TestParse_Invalid(t *testing.T) {
	_, err := Parse([]byte("this is not sdp"))
	assert.ErrorIs(t, err, ErrInvalidSDP)
}

func TestAnswer_PicksFirstCommonCodec(t *testing.T) {
	offer, err := Parse([]byte(offerBody))
	require.NoError(t, err)

	supported := []Payload{
		{Type: 8, Name: "PCMA", ClockRate: 8000},
		{Type: 0, Name: "PCMU", ClockRate: 8000},
		{Type: 101, Name: "telephone-event", ClockRate: 8000},
	}

	answer, chosen, err := Answer(offer, supported, "10.0.0.1", 20000)
	require.NoError(t, err)

	// порядок offer выигрывает: PCMU идет первым в m= строке
	assert.Equal(t, "PCMU", chosen.Name)

	audio, err := answer.Audio()
	require.NoError(t, err)
	assert.Equal(t, 20000, audio.Port)
	require.Len(t, audio.Payloads, 2)
	assert.True(t, audio.Payloads[1].IsTelephoneEvent())
}

func TestAnswer_NoCompatibleCodec(t *testing.T) {
	offer, err := Parse([]byte(offerBody))
	require.NoError(t, err)

	supported := []Payload{{Type: 9, Name: "G722", ClockRate: 8000}}
	_, _, err = Answer(offer, supported, "10.0.0.1", 20000)
	assert.ErrorIs(t, err, ErrNoCompatibleCodec)
}

func TestMarshalRoundTrip(t *testing.T) {
	body := NewOffer("10.0.0.1", 20000, []Payload{
		{Type: 0, Name: "PCMU", ClockRate: 8000},
		{Type: 101, Name: "telephone-event", ClockRate: 8000, Fmtp: "0-16"},
	})

	data, err := body.Marshal()
	require.NoError(t, err)

	parsed, err := Parse(data)
	require.NoError(t, err)

	audio, err := parsed.Audio()
	require.NoError(t, err)
	assert.Equal(t, 20000, audio.Port)
	require.Len(t, audio.Payloads, 2)
	assert.Equal(t, "PCMU", audio.Payloads[0].Name)
}
