package call

import (
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func newTestCall(t *testing.T, config Config) *Call {
	t.Helper()
	config.Logger = quietLogger()
	return New("call-id-1", "101", "102", config)
}

func TestCall_HappyPath(t *testing.T) {
	var ended int32
	c := newTestCall(t, Config{
		OnEnded: func(*Call) { atomic.AddInt32(&ended, 1) },
	})

	require.NoError(t, c.Route())
	require.NoError(t, c.Ring())
	require.NoError(t, c.Answer())
	assert.Equal(t, StateActive, c.State())
	assert.False(t, c.AnsweredAt().IsZero())

	require.NoError(t, c.Terminate())
	assert.Equal(t, StateEnded, c.State())
	assert.Equal(t, DispositionAnswered, c.Disposition())
	assert.Equal(t, int32(1), atomic.LoadInt32(&ended))
}

func TestCall_InvalidTransitionLeavesStateUnchanged(t *testing.T) {
	c := newTestCall(t, Config{})
	require.NoError(t, c.Route())
	require.NoError(t, c.Ring())

	// hold в RINGING недопустим
	err := c.Hold()
	var invalid *InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, StateRinging, invalid.From)
	assert.Equal(t, EventHold, invalid.Event)
	assert.Equal(t, StateRinging, c.State())
}

func TestCall_TerminateIdempotent(t *testing.T) {
	var ended int32
	c := newTestCall(t, Config{
		OnEnded: func(*Call) { atomic.AddInt32(&ended, 1) },
	})

	require.NoError(t, c.Route())
	require.NoError(t, c.Ring())
	require.NoError(t, c.Answer())

	// Ретрансляция BYE: повторные завершения не дублируют CDR
	require.NoError(t, c.Terminate())
	require.NoError(t, c.Terminate())
	require.NoError(t, c.Terminate())
	assert.Equal(t, int32(1), atomic.LoadInt32(&ended))
}

func TestCall_RingTimeoutToVoicemail(t *testing.T) {
	c := newTestCall(t, Config{
		RingTimeout:      30 * time.Millisecond,
		VoicemailEnabled: true,
	})

	require.NoError(t, c.Route())
	require.NoError(t, c.Ring())

	require.Eventually(t, func() bool {
		return c.State() == StateVoicemail
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, DispositionVoicemail, c.Disposition())
}

func TestCall_RingTimeoutWithoutVoicemail(t *testing.T) {
	c := newTestCall(t, Config{
		RingTimeout:      30 * time.Millisecond,
		VoicemailEnabled: false,
	})

	require.NoError(t, c.Route())
	require.NoError(t, c.Ring())

	require.Eventually(t, func() bool {
		return c.State() == StateEnded
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, DispositionNoAnswer, c.Disposition())
}

func TestCall_AnswerCancelsRingTimer(t *testing.T) {
	c := newTestCall(t, Config{RingTimeout: 30 * time.Millisecond})

	require.NoError(t, c.Route())
	require.NoError(t, c.Ring())
	require.NoError(t, c.Answer())

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, StateActive, c.State())
}

func TestCall_QueueOverflowVoicemail(t *testing.T) {
	c := newTestCall(t, Config{
		QueueMaxWait:  30 * time.Millisecond,
		QueueOverflow: OverflowVoicemail,
	})

	require.NoError(t, c.Route())
	require.NoError(t, c.Enqueue("support"))
	require.NoError(t, c.Hold())

	require.Eventually(t, func() bool {
		return c.State() == StateVoicemail
	}, time.Second, 5*time.Millisecond)
}

func TestCall_QueueOverflowAbandon(t *testing.T) {
	c := newTestCall(t, Config{
		QueueMaxWait:  30 * time.Millisecond,
		QueueOverflow: OverflowAbandon,
	})

	require.NoError(t, c.Route())
	require.NoError(t, c.Enqueue("support"))
	require.NoError(t, c.Hold())

	require.Eventually(t, func() bool {
		return c.State() == StateEnded
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, DispositionAbandoned, c.Disposition())
}

func TestCall_TransferTimeoutRevertsToActive(t *testing.T) {
	c := newTestCall(t, Config{TransferTimeout: 30 * time.Millisecond})

	require.NoError(t, c.Route())
	require.NoError(t, c.Ring())
	require.NoError(t, c.Answer())
	require.NoError(t, c.Transfer())

	require.Eventually(t, func() bool {
		return c.State() == StateActive
	}, time.Second, 5*time.Millisecond)
}

func TestCall_ResumeReturnsToOrigin(t *testing.T) {
	// ACTIVE -> HELD -> ACTIVE
	c := newTestCall(t, Config{})
	require.NoError(t, c.Route())
	require.NoError(t, c.Ring())
	require.NoError(t, c.Answer())
	require.NoError(t, c.Hold())
	require.NoError(t, c.Resume())
	assert.Equal(t, StateActive, c.State())

	// QUEUED -> HELD -> QUEUED
	q := newTestCall(t, Config{})
	require.NoError(t, q.Route())
	require.NoError(t, q.Enqueue("sales"))
	require.NoError(t, q.Hold())
	require.NoError(t, q.Resume())
	assert.Equal(t, StateQueued, q.State())
}

func TestCall_ParkTagsHeldState(t *testing.T) {
	c := newTestCall(t, Config{})
	require.NoError(t, c.Route())
	require.NoError(t, c.Ring())
	require.NoError(t, c.Answer())

	require.NoError(t, c.Park("700"))
	assert.Equal(t, StateHeld, c.State())
	assert.Equal(t, "700", c.ParkSlot())

	require.NoError(t, c.Resume())
	assert.Empty(t, c.ParkSlot())
	assert.Equal(t, StateActive, c.State())
}

func TestCall_RecordingToggle(t *testing.T) {
	c := newTestCall(t, Config{})
	require.NoError(t, c.Route())
	require.NoError(t, c.Ring())
	require.NoError(t, c.Answer())

	require.NoError(t, c.StartRecording())
	assert.Equal(t, StateRecorded, c.State())
	assert.True(t, c.State().HasMedia())

	require.NoError(t, c.StopRecording())
	assert.Equal(t, StateActive, c.State())
}

func TestCall_BusyDisposition(t *testing.T) {
	c := newTestCall(t, Config{})
	require.NoError(t, c.Route())
	require.NoError(t, c.Ring())
	require.NoError(t, c.Busy())
	require.NoError(t, c.Terminate())
	assert.Equal(t, DispositionBusy, c.Disposition())
}

func TestCall_CancelledBeforeAnswer(t *testing.T) {
	c := newTestCall(t, Config{})
	require.NoError(t, c.Route())
	require.NoError(t, c.Ring())
	require.NoError(t, c.Terminate())
	assert.Equal(t, DispositionCancelled, c.Disposition())
	assert.Zero(t, c.Duration())
}

func TestCall_StateChangeNotifications(t *testing.T) {
	var events []Event
	c := newTestCall(t, Config{
		OnStateChange: func(_ *Call, _, _ State, e Event) { events = append(events, e) },
	})

	require.NoError(t, c.Route())
	require.NoError(t, c.Ring())
	require.NoError(t, c.Answer())
	require.NoError(t, c.Terminate())

	assert.Equal(t, []Event{EventRoute, EventRing, EventAnswer, EventHangup}, events)
}
