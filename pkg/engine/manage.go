package engine

import (
	"errors"

	"github.com/arzzra/softswitch/pkg/coordinator"
	"github.com/arzzra/softswitch/pkg/sip/message"
)

// Management фасад движка: операции над живыми вызовами по SIP Call-ID.
// Машина состояний потокобезопасна, поэтому переходы выполняются прямо
// здесь; побочные действия доезжают до воркера через его почтовый ящик.

var (
	ErrCallNotFound      = errors.New("call not found")
	ErrRecordingDisabled = errors.New("recording disabled")
	ErrQueueNotFound     = errors.New("queue not found")
)

func (e *Engine) sessionBySIPID(sipCallID string) *session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions[sipCallID]
}

// ActiveCalls возвращает снимок живых вызовов
func (e *Engine) ActiveCalls() []coordinator.CallSummary {
	return e.deps.Coordinator.ActiveCalls()
}

// Endpoints возвращает снимок регистраций
func (e *Engine) Endpoints() []coordinator.Endpoint {
	return e.deps.Coordinator.Endpoints()
}

// QueueDepth возвращает число ожидающих вызовов очереди
func (e *Engine) QueueDepth(queueID string) (int, error) {
	q, ok := e.deps.Router.Queue(queueID)
	if !ok {
		return 0, ErrQueueNotFound
	}
	return q.Depth(), nil
}

// Hold ставит вызов на удержание
func (e *Engine) Hold(sipCallID string) error {
	s := e.sessionBySIPID(sipCallID)
	if s == nil {
		return ErrCallNotFound
	}
	return s.call.Hold()
}

// Resume снимает вызов с удержания
func (e *Engine) Resume(sipCallID string) error {
	s := e.sessionBySIPID(sipCallID)
	if s == nil {
		return ErrCallNotFound
	}
	return s.call.Resume()
}

// Park паркует вызов в слот
func (e *Engine) Park(sipCallID, slot string) error {
	s := e.sessionBySIPID(sipCallID)
	if s == nil {
		return ErrCallNotFound
	}
	return s.call.Park(slot)
}

// Transfer — слепой перевод на extension по management API; нога
// назначения заменяется так же, как при REFER
func (e *Engine) Transfer(sipCallID, target string) error {
	s := e.sessionBySIPID(sipCallID)
	if s == nil {
		return ErrCallNotFound
	}
	ep, err := e.deps.Coordinator.Endpoint(target)
	if err != nil {
		return err
	}
	if err := s.call.Transfer(); err != nil {
		return err
	}
	s.enqueue(sessionMsg{action: func() {
		if !s.calleeClosed {
			s.byeCallee()
		}
		s.transferring = true
		s.ringCallee(target, ep.Address)
	}})
	return nil
}

// Terminate завершает вызов принудительно
func (e *Engine) Terminate(sipCallID string) error {
	s := e.sessionBySIPID(sipCallID)
	if s == nil {
		return ErrCallNotFound
	}
	return s.call.Terminate()
}

// StartRecording включает запись вызова и возвращает ссылку, под
// которой готовая запись будет доступна
func (e *Engine) StartRecording(sipCallID string) (string, error) {
	s := e.sessionBySIPID(sipCallID)
	if s == nil {
		return "", ErrCallNotFound
	}
	if e.deps.Recorder == nil {
		return "", ErrRecordingDisabled
	}
	if err := s.call.StartRecording(); err != nil {
		return "", err
	}
	ref, err := e.deps.Recorder.Start(s.call.ID())
	if err != nil {
		return "", err
	}
	s.enqueue(sessionMsg{action: func() { s.recordingRef = ref }})
	return ref, nil
}

// StopRecording выключает запись; файл закрывает рекордер по событию
func (e *Engine) StopRecording(sipCallID string) error {
	s := e.sessionBySIPID(sipCallID)
	if s == nil {
		return ErrCallNotFound
	}
	return s.call.StopRecording()
}

// SetAgentAvailable меняет доступность агента очереди; появившийся
// агент сразу получает ожидающий вызов
func (e *Engine) SetAgentAvailable(queueID, agentID string, available bool) error {
	q, ok := e.deps.Router.Queue(queueID)
	if !ok {
		return ErrQueueNotFound
	}
	q.SetAvailable(agentID, available)
	if !available {
		return nil
	}

	e.mu.Lock()
	waiting := make([]*session, 0)
	for _, s := range e.sessions {
		waiting = append(waiting, s)
	}
	e.mu.Unlock()
	for _, s := range waiting {
		s.enqueue(sessionMsg{action: func() {
			if s.queued && s.queueID == queueID {
				s.tryDispatchFromQueue()
			}
		}})
	}
	return nil
}

// Originate создает вызов от имени коммутатора: диалога вызывающего
// нет, назначение маршрутизируется как обычно
func (e *Engine) Originate(caller, callee string) (string, error) {
	callID := message.GenerateCallID(e.config.SignalingHost)
	s := e.startSession(callID, caller, callee, "")
	if s == nil {
		return "", coordinator.ErrCallExists
	}
	s.enqueue(sessionMsg{action: func() {
		_ = s.call.Route()
		s.route()
	}})
	return callID, nil
}
