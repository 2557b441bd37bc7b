// Package hooks — диспетчер событий вызовов: упорядоченная раздача
// типизированных событий статически зарегистрированным фичам
// (запись, фрод-скоринг, presence) без связывания машины состояний
// с их реализациями.
package hooks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// EventType — тип события вызова
type EventType string

const (
	EventCallRouting      EventType = "call_routing"
	EventCallQueued       EventType = "call_queued"
	EventCallRinging      EventType = "call_ringing"
	EventCallActive       EventType = "call_active"
	EventCallHeld         EventType = "call_held"
	EventCallTransferred  EventType = "call_transferred"
	EventCallConference   EventType = "call_conference"
	EventCallEnded        EventType = "call_ended"
	EventDTMF             EventType = "dtmf"
	EventQualityDegraded  EventType = "quality_degraded"
	EventQualityRecovered EventType = "quality_recovered"
	EventRecordingStarted EventType = "recording_started"
	EventRecordingStopped EventType = "recording_stopped"
)

// Event — одно событие вызова
type Event struct {
	Type   EventType
	CallID string
	At     time.Time

	// Заполняются по типу события
	Digit       string // dtmf
	Queue       string // call_queued
	Disposition string // call_ended
	Detail      map[string]string
}

// Feature — необязательное поведение, подключаемое на старте.
// Возврат ошибки из HandleEvent не останавливает раздачу другим фичам.
type Feature interface {
	Name() string
	Init(ctx context.Context) error
	HandleEvent(ctx context.Context, e Event) error
	Shutdown(ctx context.Context) error
}

var ErrDispatcherStarted = errors.New("dispatcher already started")

// Dispatcher раздает события фичам в порядке их регистрации; каждая
// фича получает события через собственный канал и обрабатывает их
// строго по порядку поступления.
type Dispatcher struct {
	log *logrus.Entry

	mu       sync.Mutex
	features []Feature
	inboxes  []chan Event
	started  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDispatcher создает диспетчер
func NewDispatcher(log *logrus.Entry) *Dispatcher {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Dispatcher{log: log.WithField("component", "hooks")}
}

// Register добавляет фичу. Состав фиксируется до Start.
func (d *Dispatcher) Register(f Feature) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return ErrDispatcherStarted
	}
	d.features = append(d.features, f)
	return nil
}

// Start инициализирует фичи и запускает воркеры раздачи
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return ErrDispatcherStarted
	}

	d.ctx, d.cancel = context.WithCancel(ctx)

	for _, f := range d.features {
		if err := f.Init(d.ctx); err != nil {
			d.cancel()
			return fmt.Errorf("init feature %s: %w", f.Name(), err)
		}
	}

	d.inboxes = make([]chan Event, len(d.features))
	for i, f := range d.features {
		inbox := make(chan Event, 64)
		d.inboxes[i] = inbox
		d.wg.Add(1)
		go d.worker(f, inbox)
	}

	d.started = true
	return nil
}

// Publish раздает событие всем фичам в порядке регистрации.
// "handled" одной фичей не останавливает раздачу остальным.
func (d *Dispatcher) Publish(e Event) {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return
	}
	inboxes := d.inboxes
	ctx := d.ctx
	d.mu.Unlock()

	if e.At.IsZero() {
		e.At = time.Now()
	}

	for i, inbox := range inboxes {
		select {
		case inbox <- e:
		case <-ctx.Done():
			return
		default:
			// Переполненная фича теряет событие, остальные живут
			d.log.WithFields(logrus.Fields{
				"feature": d.features[i].Name(),
				"event":   e.Type,
			}).Warn("feature inbox full, event dropped")
		}
	}
}

// Shutdown останавливает раздачу и гасит фичи в обратном порядке
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return nil
	}
	d.started = false
	inboxes := d.inboxes
	d.mu.Unlock()

	for _, inbox := range inboxes {
		close(inbox)
	}
	d.wg.Wait()
	d.cancel()

	var first error
	for i := len(d.features) - 1; i >= 0; i-- {
		if err := d.features[i].Shutdown(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (d *Dispatcher) worker(f Feature, inbox <-chan Event) {
	defer d.wg.Done()

	for e := range inbox {
		if d.ctx.Err() != nil {
			return
		}
		if err := f.HandleEvent(d.ctx, e); err != nil {
			d.log.WithError(err).WithFields(logrus.Fields{
				"feature": f.Name(),
				"event":   e.Type,
				"call_id": e.CallID,
			}).Warn("feature failed to handle event")
		}
	}
}
