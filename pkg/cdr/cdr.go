// Package cdr defines the call detail record and the sinks it is
// emitted to. The engine publishes exactly one record per call; the
// schema beyond this struct belongs to the consumer.
package cdr

import (
	"sync"
	"time"

	"github.com/arzzra/softswitch/pkg/metrics"
)

// Record — итог одного вызова
type Record struct {
	CallID       string        `json:"call_id"`
	SIPCallID    string        `json:"sip_call_id"`
	Caller       string        `json:"caller"`
	Callee       string        `json:"callee"`
	CreatedAt    time.Time     `json:"created_at"`
	AnsweredAt   *time.Time    `json:"answered_at,omitempty"`
	EndedAt      time.Time     `json:"ended_at"`
	Duration     time.Duration `json:"duration_ns"`
	Disposition  string        `json:"disposition"`
	RecordingRef string        `json:"recording_ref,omitempty"`
}

// Sink принимает готовые записи
type Sink interface {
	Publish(r Record) error
	Close() error
}

// MemorySink буферизует записи в памяти: для тестов и как fallback,
// когда внешний sink недоступен.
type MemorySink struct {
	mu      sync.Mutex
	records []Record
}

// NewMemorySink создает буферный sink
func NewMemorySink() *MemorySink { return &MemorySink{} }

func (s *MemorySink) Publish(r Record) error {
	s.mu.Lock()
	s.records = append(s.records, r)
	s.mu.Unlock()
	metrics.CDRPublished.WithLabelValues(r.Disposition).Inc()
	return nil
}

func (s *MemorySink) Close() error { return nil }

// Records возвращает снимок накопленных записей
func (s *MemorySink) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.records...)
}
