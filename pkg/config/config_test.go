package config

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestLoad_Defaults(t *testing.T) {
	c, err := Load(testLogger())
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", c.Signaling.Host)
	assert.Equal(t, 5060, c.Signaling.Port)
	assert.Equal(t, 10000, c.Media.RTPPortMin)
	assert.Equal(t, 20000, c.Media.RTPPortMax)
	assert.Equal(t, 30*time.Second, c.Calls.RingTimeout)
	assert.Equal(t, "voicemail", c.Calls.QueueOverflow)
	assert.True(t, c.Calls.VoicemailEnabled)
	assert.Equal(t, "cdr", c.CDR.Queue)
	assert.Empty(t, c.Trunks)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("SIP_PORT", "5080")
	t.Setenv("RING_TIMEOUT", "15s")
	t.Setenv("QUEUE_OVERFLOW", "abandon")
	t.Setenv("RECORDING_ENABLED", "yes")

	c, err := Load(testLogger())
	require.NoError(t, err)

	assert.Equal(t, 5080, c.Signaling.Port)
	assert.Equal(t, 15*time.Second, c.Calls.RingTimeout)
	assert.Equal(t, "abandon", c.Calls.QueueOverflow)
	assert.True(t, c.Recording.Enabled)
}

func TestLoad_InvalidValueFallsBack(t *testing.T) {
	t.Setenv("RING_TIMEOUT", "not-a-duration")
	t.Setenv("RTP_PORT_MIN", "garbage")

	c, err := Load(testLogger())
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, c.Calls.RingTimeout)
	assert.Equal(t, 10000, c.Media.RTPPortMin)
}

func TestLoad_InvalidPortRange(t *testing.T) {
	t.Setenv("RTP_PORT_MIN", "20000")
	t.Setenv("RTP_PORT_MAX", "10000")

	_, err := Load(testLogger())
	assert.Error(t, err)
}

func TestLoad_InvalidQueueOverflow(t *testing.T) {
	t.Setenv("QUEUE_OVERFLOW", "drop")
	_, err := Load(testLogger())
	assert.Error(t, err)
}

func TestParseTrunks(t *testing.T) {
	trunks, err := parseTrunks("carrier1,sip.carrier1.net:5060,+1|+44,0.010,10; backup,10.0.1.2,+1,0.020,20")
	require.NoError(t, err)
	require.Len(t, trunks, 2)

	assert.Equal(t, "carrier1", trunks[0].ID)
	assert.Equal(t, "sip.carrier1.net:5060", trunks[0].Host)
	assert.Equal(t, []string{"+1", "+44"}, trunks[0].Prefixes)
	assert.Equal(t, 0.010, trunks[0].Rate)
	assert.Equal(t, 10, trunks[0].Priority)

	assert.Equal(t, "backup", trunks[1].ID)
	assert.Equal(t, 20, trunks[1].Priority)
}

func TestParseTrunks_Malformed(t *testing.T) {
	_, err := parseTrunks("only,four,fields,here")
	assert.Error(t, err)

	_, err = parseTrunks("id,host,+1,not-a-rate,10")
	assert.Error(t, err)

	trunks, err := parseTrunks("   ")
	require.NoError(t, err)
	assert.Empty(t, trunks)
}
