package engine

import (
	"errors"
	"net"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arzzra/softswitch/pkg/call"
	"github.com/arzzra/softswitch/pkg/cdr"
	"github.com/arzzra/softswitch/pkg/coordinator"
	"github.com/arzzra/softswitch/pkg/hooks"
	"github.com/arzzra/softswitch/pkg/metrics"
	"github.com/arzzra/softswitch/pkg/router"
	"github.com/arzzra/softswitch/pkg/rtp"
	"github.com/arzzra/softswitch/pkg/sdp"
	"github.com/arzzra/softswitch/pkg/sip/message"
)

// sessionMsg — одно сообщение почтового ящика воркера: входящий запрос,
// ответ ноги назначения или отложенное действие (переходы машины
// состояний, management операции)
type sessionMsg struct {
	req    *message.Request
	resp   *message.Response
	remote net.Addr
	callee bool
	action func()
}

// session — один вызов в движке: обе ноги сигнализации и медиа.
// Все поля мутируются только воркером, снаружи — через enqueue.
type session struct {
	engine *Engine
	log    *logrus.Entry
	call   *call.Call

	callID     string // Call-ID диалога вызывающего
	callerAddr string // адрес сигнализации вызывающего; пустой у Originate

	inviteReq   *message.Request
	callerOffer *sdp.Body
	localTag    string
	lastCSeq    uint32
	localCSeq   uint32 // наши запросы в диалоге вызывающего
	cachedFinal *message.Response

	// нога назначения
	calleeCallID  string
	calleeAddr    string
	calleeURI     *message.URI
	calleeFromURI *message.URI
	calleeFromTag string
	calleeToTag   string
	calleeCSeq    uint32
	calleeFinal   bool // получен финальный ответ на наш INVITE
	calleeClosed  bool // нога завершена (BYE/CANCEL отправлен или получен)
	callerClosed  bool

	// least-cost failover
	trunks   []router.TrunkInfo
	trunkIdx int

	// медиа
	legA, legB *rtp.Leg
	relay      *rtp.Relay
	localSDP   []byte // наш SDP ответ вызывающему (и re-INVITE)

	bridgeID     string
	queueID      string
	queued       bool
	transferring bool
	recordingRef string
	answered     bool
	finalSent    bool

	inbox chan sessionMsg
	// ending — отдельный канал финализации: переполненный inbox не
	// должен терять teardown, иначе порты и CDR вызова пропадут
	ending chan func()
	done   chan struct{}
}

func newSession(e *Engine, callID, caller, callee, callerAddr string) *session {
	return &session{
		engine:     e,
		log:        e.log.WithField("sip_call_id", callID),
		callID:     callID,
		callerAddr: callerAddr,
		localTag:   message.GenerateTag(),
		inbox:      make(chan sessionMsg, 128),
		ending:     make(chan func(), 1),
		done:       make(chan struct{}),
	}
}

// enqueue кладет сообщение воркеру. Переполнение ящика — потеря
// сообщения с предупреждением, воркер никого не блокирует.
func (s *session) enqueue(m sessionMsg) {
	select {
	case <-s.done:
	case s.inbox <- m:
	default:
		s.log.Warn("session inbox full, message dropped")
	}
}

// enqueueEnding ставит финализацию вне общего ящика: она не может
// быть отброшена переполнением. Машина состояний завершает вызов
// ровно один раз, поэтому емкости 1 достаточно.
func (s *session) enqueueEnding(fn func()) {
	select {
	case <-s.done:
	case s.ending <- fn:
	default:
		s.log.Error("session ending already queued")
	}
}

func (s *session) run() {
	for {
		select {
		case <-s.done:
			return
		case fn := <-s.ending:
			fn()
		case m := <-s.inbox:
			s.handle(m)
		}
	}
}

func (s *session) handle(m sessionMsg) {
	switch {
	case m.action != nil:
		m.action()
	case m.resp != nil:
		s.handleCalleeResponse(m.resp)
	case m.req != nil && m.callee:
		s.handleCalleeRequest(m.req, m.remote)
	case m.req != nil:
		s.handleCallerRequest(m.req, m.remote)
	}
}

// --- Запросы вызывающей стороны ---

func (s *session) handleCallerRequest(req *message.Request, remote net.Addr) {
	cseq, method, err := req.CSeq()
	if err != nil {
		s.respondCaller(message.NewResponse(req, 400))
		return
	}
	method = strings.ToUpper(method)

	// CSeq строго растет внутри диалога; ретрансляция INVITE получает
	// кешированный финальный ответ повторно
	if method == message.MethodInvite && s.inviteReq != nil {
		if cseq == s.lastCSeq {
			if s.cachedFinal != nil {
				s.respondCaller(s.cachedFinal)
			}
			return
		}
		if cseq < s.lastCSeq {
			s.respondCaller(message.NewResponse(req, 500))
			return
		}
	}

	switch method {
	case message.MethodInvite:
		if s.inviteReq == nil {
			s.lastCSeq = cseq
			s.handleInitialInvite(req)
		} else {
			s.lastCSeq = cseq
			s.handleReinvite(req)
		}
	case message.MethodAck:
		// подтверждение финального ответа, состояния не меняет
	case message.MethodBye:
		s.handleCallerBye(req)
	case message.MethodCancel:
		s.handleCancel(req)
	case message.MethodRefer:
		s.handleRefer(req)
	case message.MethodInfo:
		s.respondCaller(message.NewResponse(req, 200))
	default:
		s.respondCaller(message.NewResponse(req, 200))
	}
}

// handleInitialInvite маршрутизирует новый вызов
func (s *session) handleInitialInvite(req *message.Request) {
	s.inviteReq = req
	s.respondCaller(message.NewResponse(req, 100))

	offer, err := sdp.Parse(req.Body())
	if err != nil {
		s.sendFinalToCaller(message.NewResponse(req, 400))
		_ = s.call.Fail("BadSDP")
		return
	}
	s.callerOffer = offer

	_ = s.call.Route()
	s.route()
}

// route исполняет решение роутера; вызывается из ROUTING
func (s *session) route() {
	decision, err := s.engine.deps.Router.Route(s.call.Callee())
	if err != nil {
		_ = s.call.Fail("NoRoute")
		return
	}

	switch decision.Type {
	case router.DestExtension:
		ep, err := s.engine.deps.Coordinator.Endpoint(decision.Target)
		if err != nil {
			_ = s.call.Fail("NoRoute")
			return
		}
		s.ringCallee(decision.Target, ep.Address)

	case router.DestTrunk:
		s.trunks = decision.Trunks
		s.trunkIdx = 0
		s.ringCallee(decision.Target, signalingAddr(s.trunks[0].Host))

	case router.DestQueue:
		s.enterQueue(decision.Target)

	case router.DestConference:
		if err := s.call.JoinConference(); err != nil {
			_ = s.call.Fail("NoRoute")
			return
		}
		s.joinConference(decision.Target)

	case router.DestVoicemail:
		_ = s.call.ToVoicemail()
		// вход в VOICEMAIL отвечает вызывающему через onTransition

	case router.DestIVR:
		if err := s.call.EnterIVR(); err != nil {
			_ = s.call.Fail("NoRoute")
			return
		}
		s.answerLocally()

	default:
		_ = s.call.Fail("NoRoute")
	}
}

// ringCallee шлет delayed-offer INVITE назначению и переводит вызов
// в RINGING
func (s *session) ringCallee(target, addr string) {
	e := s.engine

	if s.calleeCallID != "" {
		e.unbindCallee(s.calleeCallID)
	}

	s.calleeCallID = message.GenerateCallID(e.config.SignalingHost)
	s.calleeAddr = addr
	s.calleeURI = addrURI(target, addr)
	s.calleeFromURI = &message.URI{Scheme: "sip", User: s.call.Caller(), Host: e.config.SignalingHost, Port: e.config.SignalingPort}
	s.calleeFromTag = message.GenerateTag()
	s.calleeToTag = ""
	s.calleeCSeq = 1
	s.calleeFinal = false
	s.calleeClosed = false

	invite, err := message.NewRequest(message.MethodInvite, s.calleeURI).
		Via("udp", e.config.SignalingHost, e.config.SignalingPort, message.GenerateBranch()).
		From(s.calleeFromURI, s.calleeFromTag).
		To(s.calleeURI, "").
		CallID(s.calleeCallID).
		CSeq(s.calleeCSeq, message.MethodInvite).
		Contact(e.contactURI()).
		Build()
	if err != nil {
		s.log.WithError(err).Error("callee invite build failed")
		_ = s.call.Fail("Internal")
		return
	}

	e.bindCallee(s.calleeCallID, s)
	e.sendRequest(invite, addr)

	if err := s.call.Ring(); err != nil {
		var invalid *call.InvalidTransitionError
		if !errors.As(err, &invalid) {
			s.log.WithError(err).Warn("ring transition failed")
		}
	}
	s.ringToCaller()
}

func (s *session) ringToCaller() {
	if s.finalSent || s.inviteReq == nil {
		return
	}
	s.respondCaller(message.NewResponse(s.inviteReq, 180).WithToTag(s.localTag))
}

// rejectCaller шлет вызывающему финальный отказ. У originate-вызова
// диалога вызывающего нет — фиксируется только исход.
func (s *session) rejectCaller(code int) {
	if s.inviteReq == nil {
		s.finalSent = true
		return
	}
	s.sendFinalToCaller(message.NewResponse(s.inviteReq, code).WithToTag(s.localTag))
}

// enterQueue ставит вызов в очередь и сразу пробует раздать агенту
func (s *session) enterQueue(queueID string) {
	q, ok := s.engine.deps.Router.Queue(queueID)
	if !ok {
		_ = s.call.Fail("NoRoute")
		return
	}

	if err := s.call.Enqueue(queueID); err != nil {
		_ = s.call.Fail("NoRoute")
		return
	}
	s.queueID = queueID
	s.queued = true
	q.Push(s.call.ID())
	metrics.QueuedCalls.WithLabelValues(queueID).Inc()

	if s.inviteReq != nil {
		s.respondCaller(message.NewResponse(s.inviteReq, 182).WithToTag(s.localTag))
	}
	s.tryDispatchFromQueue()
}

// tryDispatchFromQueue отдает вызов первому выбранному агенту с живой
// регистрацией; без агентов вызов остается ждать (макс-ожидание
// контролирует машина состояний)
func (s *session) tryDispatchFromQueue() {
	if !s.queued {
		return
	}
	q, ok := s.engine.deps.Router.Queue(s.queueID)
	if !ok {
		return
	}
	agents, err := q.Select()
	if err != nil {
		return
	}
	for _, agent := range agents {
		ep, err := s.engine.deps.Coordinator.Endpoint(agent.ID)
		if err != nil {
			continue
		}
		s.leaveQueue()
		q.RecordHandled(agent.ID)
		s.ringCallee(agent.ID, ep.Address)
		return
	}
}

func (s *session) leaveQueue() {
	if !s.queued {
		return
	}
	s.queued = false
	if q, ok := s.engine.deps.Router.Queue(s.queueID); ok {
		q.Remove(s.call.ID())
	}
	metrics.QueuedCalls.WithLabelValues(s.queueID).Dec()
}

// --- Ответы ноги назначения ---

func (s *session) handleCalleeResponse(resp *message.Response) {
	if tag := message.ExtractTag(resp.GetHeader("To")); tag != "" {
		s.calleeToTag = tag
	}

	switch {
	case resp.StatusCode < 200:
		if resp.StatusCode > 100 {
			s.ringToCaller()
		}

	case resp.IsSuccess():
		if s.calleeFinal {
			// ретрансляция 200 — повторный ACK без смены состояния
			s.ackCallee(nil)
			return
		}
		s.calleeFinal = true
		if s.transferring {
			s.completeTransfer(resp)
			return
		}
		s.onCalleeAnswer(resp)

	case resp.StatusCode == 486:
		s.calleeFinal = true
		s.ackCallee(nil)
		s.calleeClosed = true
		_ = s.call.Busy()
		s.rejectCaller(486)
		_ = s.call.Terminate()

	default:
		s.calleeFinal = true
		s.ackCallee(nil)
		s.calleeClosed = true
		// следующая попытка по ранжированному списку транков
		if len(s.trunks) > 0 && s.trunkIdx+1 < len(s.trunks) {
			s.trunkIdx++
			s.ringCallee(s.call.Callee(), signalingAddr(s.trunks[s.trunkIdx].Host))
			return
		}
		s.rejectCaller(resp.StatusCode)
		_ = s.call.Fail("CalleeFailure")
	}
}

// onCalleeAnswer — сердце B2BUA: назначение ответило, его 200 несет
// offer (мы звонили delayed offer). Выделяем обе медиа-ноги, отвечаем
// назначению в ACK и вызывающему в 200.
func (s *session) onCalleeAnswer(resp *message.Response) {
	calleeOffer, err := sdp.Parse(resp.Body())
	if err != nil {
		s.log.WithError(err).Warn("callee answer without usable SDP")
		s.failAnswered(500)
		return
	}

	// Originate: диалога вызывающего нет, медиа терминируется одной
	// ногой на стороне назначения
	if s.callerOffer == nil {
		s.answerOriginated(calleeOffer)
		return
	}

	portA, err := s.engine.deps.Coordinator.AllocateMediaPorts(s.call.ID())
	if err != nil {
		s.mediaAllocFailed(err)
		return
	}
	answerA, chosenA, err := sdp.Answer(s.callerOffer, supportedPayloads(), s.engine.config.MediaIP, portA)
	if err != nil {
		s.failAnswered(488)
		return
	}

	portB, err := s.engine.deps.Coordinator.AllocateMediaPorts(s.call.ID())
	if err != nil {
		s.mediaAllocFailed(err)
		return
	}
	answerB, chosenB, err := sdp.Answer(calleeOffer, supportedPayloads(), s.engine.config.MediaIP, portB)
	if err != nil {
		s.failAnswered(488)
		return
	}

	legA, err := s.newLeg("caller", portA, chosenA, dtmfPayloadType(answerA))
	if err != nil {
		s.log.WithError(err).Error("caller media leg failed")
		s.failAnswered(500)
		return
	}
	legB, err := s.newLeg("callee", portB, chosenB, dtmfPayloadType(answerB))
	if err != nil {
		_ = legA.Close()
		s.log.WithError(err).Error("callee media leg failed")
		s.failAnswered(500)
		return
	}

	if err := setRemoteFromSDP(legA, s.callerOffer); err != nil {
		s.log.WithError(err).Warn("caller media address unusable")
	}
	if err := setRemoteFromSDP(legB, calleeOffer); err != nil {
		s.log.WithError(err).Warn("callee media address unusable")
	}

	// Relay подменяет OnPacket до старта ног; tee записи уже внутри
	s.legA, s.legB = legA, legB
	s.relay = rtp.NewRelay(legA, legB)
	legA.Start()
	legB.Start()

	answerBBytes, err := answerB.Marshal()
	if err != nil {
		s.failAnswered(500)
		return
	}
	s.ackCallee(answerBBytes)

	_ = s.call.Answer()
	s.answered = true

	answerABytes, err := answerA.Marshal()
	if err != nil {
		s.failAnswered(500)
		return
	}
	s.localSDP = answerABytes
	final := message.NewResponse(s.inviteReq, 200).
		WithToTag(s.localTag).
		WithContact(s.engine.contactURI()).
		WithBody("application/sdp", answerABytes)
	s.sendFinalToCaller(final)
}

// answerOriginated завершает установление originate-вызова: одна
// медиа-нога в сторону назначения
func (s *session) answerOriginated(calleeOffer *sdp.Body) {
	port, err := s.engine.deps.Coordinator.AllocateMediaPorts(s.call.ID())
	if err != nil {
		s.mediaAllocFailed(err)
		return
	}
	answer, chosen, err := sdp.Answer(calleeOffer, supportedPayloads(), s.engine.config.MediaIP, port)
	if err != nil {
		s.failAnswered(488)
		return
	}
	leg, err := s.newLeg("callee", port, chosen, dtmfPayloadType(answer))
	if err != nil {
		s.log.WithError(err).Error("originate media leg failed")
		s.failAnswered(500)
		return
	}
	if err := setRemoteFromSDP(leg, calleeOffer); err != nil {
		s.log.WithError(err).Warn("callee media address unusable")
	}
	s.legB = leg
	leg.Start()

	if body, err := answer.Marshal(); err == nil {
		s.localSDP = body
		s.ackCallee(body)
	} else {
		s.ackCallee(nil)
	}
	_ = s.call.Answer()
	s.answered = true
	s.finalSent = true
}

// mediaAllocFailed обрабатывает исчерпание пула портов: назначение
// уже ответило, поэтому его нога гасится BYE
func (s *session) mediaAllocFailed(err error) {
	if errors.Is(err, coordinator.ErrResourceExhausted) {
		s.log.Warn("no free media ports, rejecting call")
		s.failAnswered(503)
		return
	}
	s.log.WithError(err).Error("media port allocation failed")
	s.failAnswered(500)
}

// failAnswered завершает вызов после 200 от назначения: ACK + BYE ему,
// финальный отказ вызывающему
func (s *session) failAnswered(code int) {
	s.ackCallee(nil)
	s.byeCallee()
	reason := "MediaSetup"
	if code == 503 {
		reason = "ResourceExhausted"
	} else {
		s.rejectCaller(code)
	}
	if err := s.call.Fail(reason); err != nil {
		_ = s.call.Terminate()
	}
}

// --- Запросы ноги назначения (BYE от нее) ---

func (s *session) handleCalleeRequest(req *message.Request, remote net.Addr) {
	switch strings.ToUpper(req.Method) {
	case message.MethodBye:
		s.engine.respond(message.NewResponse(req, 200), remote.String())
		s.calleeClosed = true
		s.byeCaller()
		_ = s.call.Terminate()
	case message.MethodAck:
	default:
		s.engine.respond(message.NewResponse(req, 200), remote.String())
	}
}

// --- BYE / CANCEL / re-INVITE / REFER ---

func (s *session) handleCallerBye(req *message.Request) {
	s.respondCaller(message.NewResponse(req, 200))
	s.callerClosed = true
	if !s.calleeClosed && s.calleeCallID != "" {
		if s.calleeFinal {
			s.byeCallee()
		} else {
			s.cancelCallee()
		}
	}
	_ = s.call.Terminate()
}

func (s *session) handleCancel(req *message.Request) {
	s.respondCaller(message.NewResponse(req, 200))
	if !s.finalSent && s.inviteReq != nil {
		s.sendFinalToCaller(message.NewResponse(s.inviteReq, 487).WithToTag(s.localTag))
	}
	s.callerClosed = true
	if !s.calleeClosed && s.calleeCallID != "" && !s.calleeFinal {
		s.cancelCallee()
	}
	_ = s.call.Terminate()
}

// handleReinvite: hold/resume по направлению медиа в offer; отвечаем
// собственным неизменным SDP
func (s *session) handleReinvite(req *message.Request) {
	offer, err := sdp.Parse(req.Body())
	if err != nil {
		s.respondCaller(message.NewResponse(req, 400))
		return
	}

	if audio, err := offer.Audio(); err == nil {
		switch audio.Direction {
		case "sendonly", "inactive":
			_ = s.call.Hold()
		case "sendrecv":
			if s.call.State() == call.StateHeld {
				_ = s.call.Resume()
			}
		}
	}
	s.callerOffer = offer

	// Пир мог переехать на другой медиа-адрес
	if s.legA != nil {
		if err := setRemoteFromSDP(s.legA, offer); err != nil {
			s.log.WithError(err).Warn("re-INVITE media address unusable")
		}
	}

	resp := message.NewResponse(req, 200).
		WithToTag(s.localTag).
		WithContact(s.engine.contactURI())
	if len(s.localSDP) > 0 {
		resp.WithBody("application/sdp", s.localSDP)
	}
	s.respondCaller(resp)
}

// handleRefer — слепой перевод: нога назначения гасится и заменяется
// целью из Refer-To, медиа-нога вызывающего остается на месте
func (s *session) handleRefer(req *message.Request) {
	target, err := message.ExtractURI(req.GetHeader("Refer-To"))
	if err != nil || target.User == "" {
		s.respondCaller(message.NewResponse(req, 400))
		return
	}
	if err := s.call.Transfer(); err != nil {
		s.respondCaller(message.NewResponse(req, 488))
		return
	}
	s.respondCaller(message.NewResponse(req, 202))

	ep, err := s.engine.deps.Coordinator.Endpoint(target.User)
	if err != nil {
		_ = s.call.RejectTransfer()
		return
	}

	if !s.calleeClosed {
		s.byeCallee()
	}
	s.transferring = true
	s.ringCallee(target.User, ep.Address)
}

// completeTransfer: новая нога ответила, медиа ноги B перенацеливается
// на нее, прежний локальный порт и кодек сохраняются
func (s *session) completeTransfer(resp *message.Response) {
	s.transferring = false

	newOffer, err := sdp.Parse(resp.Body())
	if err != nil {
		s.log.WithError(err).Warn("transfer target answered without SDP")
		_ = s.call.RejectTransfer()
		s.byeCallee()
		return
	}

	if s.legB != nil {
		if err := setRemoteFromSDP(s.legB, newOffer); err != nil {
			s.log.WithError(err).Warn("transfer target media address unusable")
		}
		answerB := sdp.NewOffer(s.engine.config.MediaIP, s.legB.LocalRTPPort(), supportedPayloads())
		if body, err := answerB.Marshal(); err == nil {
			s.ackCallee(body)
		} else {
			s.ackCallee(nil)
		}
	} else {
		s.ackCallee(nil)
	}

	_ = s.call.CompleteTransfer()
}

// --- Переходы машины состояний ---

// onTransition исполняется воркером после каждого перехода: события
// наружу и побочные действия, привязанные к состоянию
func (s *session) onTransition(from, to call.State, event call.Event) {
	switch event {
	case call.EventRoute:
		s.publish(hooks.Event{Type: hooks.EventCallRouting, CallID: s.call.ID()})
	case call.EventEnqueue:
		s.publish(hooks.Event{Type: hooks.EventCallQueued, CallID: s.call.ID(), Queue: s.queueID})
	case call.EventRing:
		s.publish(hooks.Event{Type: hooks.EventCallRinging, CallID: s.call.ID()})
	case call.EventAnswer:
		s.publish(hooks.Event{Type: hooks.EventCallActive, CallID: s.call.ID()})
	case call.EventHold:
		s.publish(hooks.Event{Type: hooks.EventCallHeld, CallID: s.call.ID()})
	case call.EventTransferComplete:
		s.publish(hooks.Event{Type: hooks.EventCallTransferred, CallID: s.call.ID()})
	case call.EventConferenceJoin:
		s.publish(hooks.Event{Type: hooks.EventCallConference, CallID: s.call.ID()})
	case call.EventRecordStart:
		s.publish(hooks.Event{Type: hooks.EventRecordingStarted, CallID: s.call.ID()})
	case call.EventRecordStop:
		s.publish(hooks.Event{Type: hooks.EventRecordingStopped, CallID: s.call.ID()})
	}

	switch to {
	case call.StateNoAnswer:
		// ring-таймер: назначение не ответило
		if !s.calleeClosed && s.calleeCallID != "" && !s.calleeFinal {
			s.cancelCallee()
		}
		if !s.engine.config.VoicemailEnabled {
			s.rejectCaller(480)
		}

	case call.StateVoicemail:
		s.leaveQueue()
		if !s.calleeClosed && s.calleeCallID != "" && !s.calleeFinal {
			s.cancelCallee()
		}
		if !s.answered {
			s.answerLocally()
		}

	case call.StateFailed:
		s.rejectCaller(failCode(s.call.FailReason()))
		_ = s.call.Terminate()
	}
}

// failCode отображает причину FAILED в SIP класс отказа
func failCode(reason string) int {
	switch reason {
	case "NoRoute":
		return 404
	case "ResourceExhausted":
		return 503
	case "BadSDP":
		return 400
	default:
		return 500
	}
}

// teardown уничтожает вызов: сигнализация добивается, медиа
// закрывается, порты возвращаются в пул, CDR уходит ровно один раз
func (s *session) teardown() {
	select {
	case <-s.done:
		return
	default:
	}

	s.rejectCaller(480)
	if !s.calleeClosed && s.calleeCallID != "" {
		if s.calleeFinal {
			s.byeCallee()
		} else {
			s.cancelCallee()
		}
	}
	if s.answered && !s.callerClosed && s.callerAddr != "" {
		s.byeCaller()
	}

	if s.relay != nil {
		s.relay.Stop()
	}
	if s.legA != nil {
		_ = s.legA.Close()
	}
	if s.legB != nil {
		_ = s.legB.Close()
	}
	if s.bridgeID != "" {
		if b, err := s.engine.bridgeFor(s.bridgeID); err == nil {
			_ = b.Leave(s.call.ID())
		}
	}
	s.leaveQueue()

	if err := s.engine.deps.Coordinator.RemoveCall(s.call.ID()); err != nil {
		s.log.WithError(err).Warn("coordinator remove failed")
	}

	disposition := string(s.call.Disposition())
	s.publish(hooks.Event{Type: hooks.EventCallEnded, CallID: s.call.ID(), Disposition: disposition})
	metrics.CallsTotal.WithLabelValues(disposition).Inc()

	record := cdr.Record{
		CallID:       s.call.ID(),
		SIPCallID:    s.callID,
		Caller:       s.call.Caller(),
		Callee:       s.call.Callee(),
		CreatedAt:    s.call.CreatedAt(),
		EndedAt:      s.call.EndedAt(),
		Duration:     s.call.Duration(),
		Disposition:  disposition,
		RecordingRef: s.recordingRef,
	}
	if answeredAt := s.call.AnsweredAt(); !answeredAt.IsZero() {
		record.AnsweredAt = &answeredAt
	}
	if s.engine.deps.CDR != nil {
		if err := s.engine.deps.CDR.Publish(record); err != nil {
			s.log.WithError(err).Error("cdr publish failed")
		}
	}

	s.engine.removeSession(s)
	close(s.done)
	s.log.WithField("disposition", disposition).Info("call torn down")
}

// --- Отправка в диалогах ---

func (s *session) respondCaller(resp *message.Response) {
	if s.callerAddr == "" {
		return
	}
	s.engine.respond(resp, s.callerAddr)
}

// sendFinalToCaller шлет и кеширует финальный ответ на INVITE;
// ретрансляция INVITE получит его повторно
func (s *session) sendFinalToCaller(resp *message.Response) {
	if s.finalSent {
		return
	}
	s.finalSent = true
	if resp.StatusCode >= 200 && resp.GetHeader("To") != "" {
		resp.WithToTag(s.localTag)
	}
	s.cachedFinal = resp
	s.respondCaller(resp)
}

// ackCallee подтверждает финальный ответ назначения; непустой body
// несет наш SDP answer (delayed offer)
func (s *session) ackCallee(body []byte) {
	if s.calleeCallID == "" {
		return
	}
	b := message.NewRequest(message.MethodAck, s.calleeURI).
		Via("udp", s.engine.config.SignalingHost, s.engine.config.SignalingPort, message.GenerateBranch()).
		From(s.calleeFromURI, s.calleeFromTag).
		To(s.calleeURI, s.calleeToTag).
		CallID(s.calleeCallID).
		CSeq(s.calleeCSeq, message.MethodAck)
	if len(body) > 0 {
		b.Body("application/sdp", body)
	}
	ack, err := b.Build()
	if err != nil {
		s.log.WithError(err).Error("ack build failed")
		return
	}
	s.engine.sendRequest(ack, s.calleeAddr)
}

func (s *session) byeCallee() {
	if s.calleeCallID == "" || s.calleeClosed {
		return
	}
	s.calleeClosed = true
	s.calleeCSeq++
	bye, err := message.NewRequest(message.MethodBye, s.calleeURI).
		Via("udp", s.engine.config.SignalingHost, s.engine.config.SignalingPort, message.GenerateBranch()).
		From(s.calleeFromURI, s.calleeFromTag).
		To(s.calleeURI, s.calleeToTag).
		CallID(s.calleeCallID).
		CSeq(s.calleeCSeq, message.MethodBye).
		Build()
	if err != nil {
		s.log.WithError(err).Error("bye build failed")
		return
	}
	s.engine.sendRequest(bye, s.calleeAddr)
}

// cancelCallee отменяет неотвеченный INVITE: CANCEL идет с CSeq
// исходного INVITE
func (s *session) cancelCallee() {
	if s.calleeCallID == "" || s.calleeClosed {
		return
	}
	s.calleeClosed = true
	cancel, err := message.NewRequest(message.MethodCancel, s.calleeURI).
		Via("udp", s.engine.config.SignalingHost, s.engine.config.SignalingPort, message.GenerateBranch()).
		From(s.calleeFromURI, s.calleeFromTag).
		To(s.calleeURI, "").
		CallID(s.calleeCallID).
		CSeq(s.calleeCSeq, message.MethodCancel).
		Build()
	if err != nil {
		s.log.WithError(err).Error("cancel build failed")
		return
	}
	s.engine.sendRequest(cancel, s.calleeAddr)
}

// byeCaller завершает диалог вызывающего по нашей инициативе
func (s *session) byeCaller() {
	if s.callerAddr == "" || s.callerClosed || !s.answered || s.inviteReq == nil {
		return
	}
	s.callerClosed = true

	requestURI := addrURI(s.call.Caller(), s.callerAddr)
	if contact := s.inviteReq.GetHeader("Contact"); contact != "" {
		if uri, err := message.ExtractURI(contact); err == nil {
			requestURI = uri
		}
	}

	fromURI := &message.URI{Scheme: "sip", User: s.call.Callee(), Host: s.engine.config.SignalingHost, Port: s.engine.config.SignalingPort}
	callerTag := message.ExtractTag(s.inviteReq.GetHeader("From"))
	callerURI, err := message.ExtractURI(s.inviteReq.GetHeader("From"))
	if err != nil {
		callerURI = addrURI(s.call.Caller(), s.callerAddr)
	}

	s.localCSeq++
	bye, err := message.NewRequest(message.MethodBye, requestURI).
		Via("udp", s.engine.config.SignalingHost, s.engine.config.SignalingPort, message.GenerateBranch()).
		From(fromURI, s.localTag).
		To(callerURI, callerTag).
		CallID(s.callID).
		CSeq(s.localCSeq, message.MethodBye).
		Build()
	if err != nil {
		s.log.WithError(err).Error("caller bye build failed")
		return
	}
	s.engine.sendRequest(bye, s.callerAddr)
}

func (s *session) publish(e hooks.Event) {
	if s.engine.deps.Dispatcher == nil {
		return
	}
	e.At = time.Now()
	s.engine.deps.Dispatcher.Publish(e)
}
