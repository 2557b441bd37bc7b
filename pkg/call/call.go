package call

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/sirupsen/logrus"
)

// Значения таймеров по умолчанию
const (
	DefaultRingTimeout     = 30 * time.Second
	DefaultQueueMaxWait    = 2 * time.Minute
	DefaultTransferTimeout = 30 * time.Second
)

// Config — политика вызова и колбеки наружу
type Config struct {
	RingTimeout     time.Duration
	QueueMaxWait    time.Duration
	TransferTimeout time.Duration

	VoicemailEnabled bool
	QueueOverflow    QueueOverflowAction

	// OnStateChange вызывается после каждого перехода, вне блокировки
	OnStateChange func(c *Call, from, to State, event Event)
	// OnEnded вызывается ровно один раз при входе в ENDED
	OnEnded func(c *Call)

	Logger *logrus.Entry
}

func (c *Config) applyDefaults() {
	if c.RingTimeout <= 0 {
		c.RingTimeout = DefaultRingTimeout
	}
	if c.QueueMaxWait <= 0 {
		c.QueueMaxWait = DefaultQueueMaxWait
	}
	if c.TransferTimeout <= 0 {
		c.TransferTimeout = DefaultTransferTimeout
	}
	if c.QueueOverflow == "" {
		c.QueueOverflow = OverflowVoicemail
	}
	if c.Logger == nil {
		c.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
}

type transition struct {
	from, to State
	event    Event
}

// Call — один вызов (диалог SIP), 1:1 с Call-ID
type Call struct {
	id     string
	callID string
	caller string
	callee string

	config Config
	log    *logrus.Entry

	mu      sync.Mutex
	machine *fsm.FSM

	heldFrom   State // откуда вызов ушел в HELD: ACTIVE или QUEUED
	parkSlot   string
	queueID    string
	failReason string

	disposition Disposition
	createdAt   time.Time
	answeredAt  time.Time
	endedAt     time.Time

	timer *time.Timer

	cdrOnce sync.Once
	pending []transition
	endedAw bool

	ctx    context.Context
	cancel context.CancelFunc
}

// New создает вызов в состоянии NEW
func New(callID, caller, callee string, config Config) *Call {
	config.applyDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	c := &Call{
		id:        uuid.NewString(),
		callID:    callID,
		caller:    caller,
		callee:    callee,
		config:    config,
		createdAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}
	c.log = config.Logger.WithFields(logrus.Fields{"call": c.id, "sip_call_id": callID})

	c.machine = fsm.NewFSM(
		string(StateNew),
		fsm.Events{
			{Name: string(EventRoute), Src: []string{string(StateNew)}, Dst: string(StateRouting)},
			{Name: string(EventEnqueue), Src: []string{string(StateRouting)}, Dst: string(StateQueued)},
			{Name: string(EventRing), Src: []string{string(StateRouting), string(StateQueued)}, Dst: string(StateRinging)},
			{Name: string(EventIVR), Src: []string{string(StateRouting)}, Dst: string(StateIVR)},
			{Name: string(EventVoicemail), Src: []string{string(StateRouting), string(StateNoAnswer), string(StateHeld), string(StateQueued)}, Dst: string(StateVoicemail)},
			{Name: string(EventConferenceJoin), Src: []string{string(StateRouting), string(StateActive)}, Dst: string(StateConference)},
			{Name: string(EventConferenceLeave), Src: []string{string(StateConference)}, Dst: string(StateActive)},
			{Name: string(EventFail), Src: []string{string(StateNew), string(StateRouting), string(StateRinging)}, Dst: string(StateFailed)},
			{Name: string(EventAnswer), Src: []string{string(StateRinging)}, Dst: string(StateActive)},
			{Name: string(EventBusy), Src: []string{string(StateRinging)}, Dst: string(StateBusy)},
			{Name: string(EventNoAnswer), Src: []string{string(StateRinging)}, Dst: string(StateNoAnswer)},
			{Name: string(EventHold), Src: []string{string(StateActive), string(StateQueued)}, Dst: string(StateHeld)},
			{Name: string(EventResumeActive), Src: []string{string(StateHeld)}, Dst: string(StateActive)},
			{Name: string(EventResumeQueued), Src: []string{string(StateHeld)}, Dst: string(StateQueued)},
			{Name: string(EventTransfer), Src: []string{string(StateActive)}, Dst: string(StateTransferInitiated)},
			{Name: string(EventTransferComplete), Src: []string{string(StateTransferInitiated)}, Dst: string(StateTransferCompleted)},
			{Name: string(EventTransferFail), Src: []string{string(StateTransferInitiated)}, Dst: string(StateActive)},
			{Name: string(EventRecordStart), Src: []string{string(StateActive)}, Dst: string(StateRecorded)},
			{Name: string(EventRecordStop), Src: []string{string(StateRecorded)}, Dst: string(StateActive)},
			{Name: string(EventHangup), Src: []string{
				string(StateNew), string(StateRouting), string(StateQueued), string(StateRinging),
				string(StateIVR), string(StateVoicemail), string(StateConference), string(StateFailed),
				string(StateActive), string(StateHeld), string(StateBusy), string(StateNoAnswer),
				string(StateTransferInitiated), string(StateTransferCompleted), string(StateRecorded),
			}, Dst: string(StateEnded)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) { c.onEnterState(e) },
		},
	)

	return c
}

// ID возвращает внутренний идентификатор вызова
func (c *Call) ID() string { return c.id }

// CallID возвращает SIP Call-ID диалога
func (c *Call) CallID() string { return c.callID }

// Caller возвращает вызывающую сторону
func (c *Call) Caller() string { return c.caller }

// Callee возвращает вызываемую сторону
func (c *Call) Callee() string { return c.callee }

// State возвращает текущее состояние
func (c *Call) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State(c.machine.Current())
}

// Disposition возвращает итог вызова (валиден после ENDED)
func (c *Call) Disposition() Disposition {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disposition
}

// CreatedAt возвращает время создания
func (c *Call) CreatedAt() time.Time { return c.createdAt }

// AnsweredAt возвращает время ответа (zero если не отвечен)
func (c *Call) AnsweredAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.answeredAt
}

// EndedAt возвращает время завершения
func (c *Call) EndedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endedAt
}

// Duration — разговорное время (от ответа до завершения)
func (c *Call) Duration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.answeredAt.IsZero() || c.endedAt.IsZero() {
		return 0
	}
	return c.endedAt.Sub(c.answeredAt)
}

// QueueID возвращает очередь, в которой вызов ждет (если ждет)
func (c *Call) QueueID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queueID
}

// ParkSlot возвращает слот парковки (пусто, если не припаркован)
func (c *Call) ParkSlot() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.parkSlot
}

// FailReason возвращает причину FAILED
func (c *Call) FailReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failReason
}

// --- Переходы ---

// Route переводит NEW → ROUTING
func (c *Call) Route() error { return c.apply(EventRoute) }

// Enqueue ставит вызов в очередь
func (c *Call) Enqueue(queueID string) error {
	c.mu.Lock()
	c.queueID = queueID
	c.mu.Unlock()
	return c.apply(EventEnqueue)
}

// Ring начинает звонок на назначение; запускается ring-таймер
func (c *Call) Ring() error { return c.apply(EventRing) }

// EnterIVR направляет вызов в IVR
func (c *Call) EnterIVR() error { return c.apply(EventIVR) }

// ToVoicemail направляет вызов на голосовую почту
func (c *Call) ToVoicemail() error { return c.apply(EventVoicemail) }

// Answer переводит RINGING → ACTIVE
func (c *Call) Answer() error { return c.apply(EventAnswer) }

// Busy помечает вызов занятым
func (c *Call) Busy() error { return c.apply(EventBusy) }

// Fail переводит вызов в FAILED с причиной
func (c *Call) Fail(reason string) error {
	c.mu.Lock()
	c.failReason = reason
	c.mu.Unlock()
	return c.apply(EventFail)
}

// Hold ставит вызов на удержание
func (c *Call) Hold() error { return c.apply(EventHold) }

// Resume снимает с удержания, возвращая вызов туда, откуда он ушел
func (c *Call) Resume() error {
	c.mu.Lock()
	from := c.heldFrom
	c.parkSlot = ""
	c.mu.Unlock()
	if from == StateQueued {
		return c.apply(EventResumeQueued)
	}
	return c.apply(EventResumeActive)
}

// Park — удержание с меткой слота парковки
func (c *Call) Park(slot string) error {
	if err := c.apply(EventHold); err != nil {
		return err
	}
	c.mu.Lock()
	c.parkSlot = slot
	c.mu.Unlock()
	return nil
}

// Transfer начинает перевод; по таймауту вызов вернется в ACTIVE
func (c *Call) Transfer() error { return c.apply(EventTransfer) }

// CompleteTransfer завершает перевод
func (c *Call) CompleteTransfer() error { return c.apply(EventTransferComplete) }

// RejectTransfer отменяет перевод, вызов возвращается в ACTIVE
func (c *Call) RejectTransfer() error { return c.apply(EventTransferFail) }

// StartRecording помечает вызов записываемым
func (c *Call) StartRecording() error { return c.apply(EventRecordStart) }

// StopRecording снимает пометку записи
func (c *Call) StopRecording() error { return c.apply(EventRecordStop) }

// JoinConference переводит вызов в конференцию
func (c *Call) JoinConference() error { return c.apply(EventConferenceJoin) }

// LeaveConference возвращает вызов из конференции в ACTIVE
func (c *Call) LeaveConference() error { return c.apply(EventConferenceLeave) }

// Terminate завершает вызов. Повторные сигналы завершения (ретрансляция
// BYE, CANCEL после таймаута) — no-op: CDR не дублируется.
func (c *Call) Terminate() error {
	c.mu.Lock()
	if State(c.machine.Current()) == StateEnded {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.apply(EventHangup)
}

// apply выполняет переход под блокировкой и рассылает уведомления вне ее
func (c *Call) apply(event Event) error {
	c.mu.Lock()
	err := c.fireLocked(event)
	notes := c.pending
	c.pending = nil
	ended := c.endedAw
	c.endedAw = false
	c.mu.Unlock()

	for _, n := range notes {
		if c.config.OnStateChange != nil {
			c.config.OnStateChange(c, n.from, n.to, n.event)
		}
	}
	if ended && c.config.OnEnded != nil {
		c.config.OnEnded(c)
	}
	return err
}

func (c *Call) fireLocked(event Event) error {
	err := c.machine.Event(c.ctx, string(event))
	if err == nil {
		return nil
	}

	var invalid fsm.InvalidEventError
	if errors.As(err, &invalid) {
		return &InvalidTransitionError{From: State(c.machine.Current()), Event: event}
	}
	return err
}

// onEnterState вызывается изнутри fsm.Event; c.mu уже удерживается
// вызвавшим apply, поэтому здесь только поля, без повторных переходов
func (c *Call) onEnterState(e *fsm.Event) {
	from := State(e.Src)
	to := State(e.Dst)
	event := Event(e.Event)

	c.stopTimerLocked()

	switch to {
	case StateActive:
		if c.answeredAt.IsZero() {
			c.answeredAt = time.Now()
		}
	case StateHeld:
		c.heldFrom = from
		if from == StateQueued {
			c.armTimerLocked(c.config.QueueMaxWait, c.onQueueMaxWait)
		}
	case StateRinging:
		c.armTimerLocked(c.config.RingTimeout, c.onRingTimeout)
	case StateTransferInitiated:
		c.armTimerLocked(c.config.TransferTimeout, c.onTransferTimeout)
	case StateBusy:
		c.disposition = DispositionBusy
	case StateNoAnswer:
		c.disposition = DispositionNoAnswer
	case StateFailed:
		c.disposition = DispositionFailed
	case StateVoicemail:
		c.disposition = DispositionVoicemail
	case StateEnded:
		c.endedAt = time.Now()
		if c.disposition == "" {
			if !c.answeredAt.IsZero() {
				c.disposition = DispositionAnswered
			} else {
				c.disposition = DispositionCancelled
			}
		}
		c.cancel()
		c.cdrOnce.Do(func() { c.endedAw = true })
	}

	c.pending = append(c.pending, transition{from: from, to: to, event: event})
	c.log.WithFields(logrus.Fields{"from": from, "to": to, "event": event}).Debug("call state changed")
}

func (c *Call) armTimerLocked(d time.Duration, fire func()) {
	c.timer = time.AfterFunc(d, fire)
}

func (c *Call) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// onRingTimeout: RINGING истек — NO_ANSWER, дальше голосовая почта
// или завершение по политике
func (c *Call) onRingTimeout() {
	if err := c.apply(EventNoAnswer); err != nil {
		return // состояние уже ушло из RINGING
	}
	if c.config.VoicemailEnabled {
		_ = c.apply(EventVoicemail)
	} else {
		_ = c.Terminate()
	}
}

// onQueueMaxWait: ожидание в очереди истекло
func (c *Call) onQueueMaxWait() {
	switch c.config.QueueOverflow {
	case OverflowAbandon:
		c.mu.Lock()
		c.disposition = DispositionAbandoned
		c.mu.Unlock()
		_ = c.Terminate()
	default:
		if err := c.apply(EventVoicemail); err != nil {
			return
		}
	}
}

// onTransferTimeout: перевод не подтвержден — откат в ACTIVE
func (c *Call) onTransferTimeout() {
	_ = c.apply(EventTransferFail)
}
