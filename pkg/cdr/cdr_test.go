package cdr

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecord(id string) Record {
	return Record{
		CallID:      id,
		SIPCallID:   id + "@pbx",
		Caller:      "101",
		Callee:      "102",
		CreatedAt:   time.Now().Add(-time.Minute),
		EndedAt:     time.Now(),
		Duration:    50 * time.Second,
		Disposition: "answered",
	}
}

func TestMemorySink(t *testing.T) {
	s := NewMemorySink()
	require.NoError(t, s.Publish(testRecord("c1")))
	require.NoError(t, s.Publish(testRecord("c2")))

	records := s.Records()
	require.Len(t, records, 2)
	assert.Equal(t, "c1", records[0].CallID)
	assert.Equal(t, "c2", records[1].CallID)
}

func TestAMQPSink_FallbackWhenBrokerUnreachable(t *testing.T) {
	l := logrus.New()
	l.SetOutput(io.Discard)

	fallback := NewMemorySink()
	s := NewAMQPSink(AMQPConfig{
		URL:       "amqp://127.0.0.1:1", // заведомо недоступен
		QueueName: "cdr",
		Fallback:  fallback,
		Logger:    logrus.NewEntry(l),
	})
	defer s.Close()

	// Запись не теряется: уходит в fallback
	require.NoError(t, s.Publish(testRecord("c1")))
	require.Len(t, fallback.Records(), 1)
	assert.Equal(t, "c1", fallback.Records()[0].CallID)
}

func TestAMQPSink_PublishAfterClose(t *testing.T) {
	l := logrus.New()
	l.SetOutput(io.Discard)

	s := NewAMQPSink(AMQPConfig{
		URL:       "amqp://127.0.0.1:1",
		QueueName: "cdr",
		Logger:    logrus.NewEntry(l),
	})
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Publish(testRecord("c2")), ErrSinkClosed)
}
