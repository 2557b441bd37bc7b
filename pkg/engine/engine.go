// Package engine связывает сигнализацию, маршрутизацию и медиа в B2BUA:
// входящие SIP сообщения раскладываются по вызовам, каждый вызов
// обслуживается собственным воркером с почтовым ящиком — внутри вызова
// порядок обработки строгий, между вызовами полная независимость.
package engine

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arzzra/softswitch/pkg/call"
	"github.com/arzzra/softswitch/pkg/cdr"
	"github.com/arzzra/softswitch/pkg/conference"
	"github.com/arzzra/softswitch/pkg/coordinator"
	"github.com/arzzra/softswitch/pkg/hooks"
	"github.com/arzzra/softswitch/pkg/metrics"
	"github.com/arzzra/softswitch/pkg/recording"
	"github.com/arzzra/softswitch/pkg/router"
	"github.com/arzzra/softswitch/pkg/sip/message"
	"github.com/arzzra/softswitch/pkg/sip/transport"
)

// DefaultRegistrationExpiry применяется к REGISTER без Expires
const DefaultRegistrationExpiry = 3600 * time.Second

// Config — параметры движка
type Config struct {
	// SignalingHost/SignalingPort — адрес сигнализации; он же
	// анонсируется в Via и Contact
	SignalingHost string
	SignalingPort int
	// MediaIP — адрес, на котором открываются медиа-порты
	MediaIP string

	DefaultRegistrationExpiry time.Duration

	// Политика вызовов, передается машине состояний
	RingTimeout      time.Duration
	QueueMaxWait     time.Duration
	TransferTimeout  time.Duration
	VoicemailEnabled bool
	QueueOverflow    call.QueueOverflowAction

	Logger *logrus.Entry
}

func (c *Config) applyDefaults() {
	if c.SignalingHost == "" {
		c.SignalingHost = "0.0.0.0"
	}
	if c.SignalingPort == 0 {
		c.SignalingPort = 5060
	}
	if c.MediaIP == "" {
		c.MediaIP = "127.0.0.1"
	}
	if c.DefaultRegistrationExpiry <= 0 {
		c.DefaultRegistrationExpiry = DefaultRegistrationExpiry
	}
	if c.Logger == nil {
		c.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
}

// Deps — собранные снаружи компоненты
type Deps struct {
	Transport   transport.Transport
	Coordinator *coordinator.Coordinator
	Router      *router.Router
	Dispatcher  *hooks.Dispatcher
	CDR         cdr.Sink
	// Recorder опционален: nil — запись вызовов выключена
	Recorder *recording.Recorder
}

// Engine — ядро коммутатора
type Engine struct {
	config Config
	deps   Deps
	log    *logrus.Entry

	mu       sync.Mutex
	sessions map[string]*session // по Call-ID диалога вызывающего
	byCallee map[string]*session // по Call-ID ноги назначения
	bridges  map[string]*conference.Bridge
	parser   *message.Parser
}

// New создает движок
func New(config Config, deps Deps) *Engine {
	config.applyDefaults()
	return &Engine{
		config:   config,
		deps:     deps,
		log:      config.Logger.WithField("component", "engine"),
		sessions: make(map[string]*session),
		byCallee: make(map[string]*session),
		bridges:  make(map[string]*conference.Bridge),
		parser:   message.NewParser(),
	}
}

// Start подписывается на транспорт и начинает слушать сигнализацию
func (e *Engine) Start() error {
	e.deps.Transport.OnMessage(e.onMessage)
	e.deps.Transport.OnError(func(err error, _ transport.Transport) {
		e.log.WithError(err).Warn("transport error")
	})
	addr := net.JoinHostPort(e.config.SignalingHost, strconv.Itoa(e.config.SignalingPort))
	if err := e.deps.Transport.Listen(addr); err != nil {
		return fmt.Errorf("listen signaling %s: %w", addr, err)
	}
	e.log.WithField("addr", addr).Info("signaling listening")
	return nil
}

// Shutdown завершает живые вызовы и закрывает транспорт
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	sessions := make([]*session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	bridges := make([]*conference.Bridge, 0, len(e.bridges))
	for _, b := range e.bridges {
		bridges = append(bridges, b)
	}
	e.mu.Unlock()

	for _, s := range sessions {
		_ = s.call.Terminate()
	}
	for _, s := range sessions {
		select {
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for _, b := range bridges {
		_ = b.Close()
	}
	return e.deps.Transport.Close()
}

// onMessage — точка входа всей сигнализации; вызывается из read loop
// транспорта, поэтому только раскладывает сообщение по воркерам
func (e *Engine) onMessage(msg transport.Parsed, remote net.Addr, _ transport.Transport) {
	switch m := msg.(type) {
	case *message.Request:
		metrics.SignalingMessages.WithLabelValues(strings.ToUpper(m.Method)).Inc()
		e.handleRequest(m, remote)
	case *message.Response:
		if _, method, err := m.CSeq(); err == nil {
			metrics.SignalingMessages.WithLabelValues(strings.ToUpper(method)).Inc()
		}
		e.handleResponse(m)
	}
}

func (e *Engine) handleRequest(req *message.Request, remote net.Addr) {
	if !req.IsKnownMethod() {
		e.respond(message.NewResponse(req, 501), remote.String())
		return
	}

	switch strings.ToUpper(req.Method) {
	case message.MethodOptions:
		e.respond(message.NewResponse(req, 200), remote.String())
		return
	case message.MethodRegister:
		e.handleRegister(req, remote)
		return
	}

	callID := req.CallID()

	e.mu.Lock()
	s := e.sessions[callID]
	cs := e.byCallee[callID]
	e.mu.Unlock()

	switch {
	case s != nil:
		s.enqueue(sessionMsg{req: req, remote: remote})
	case cs != nil:
		cs.enqueue(sessionMsg{req: req, remote: remote, callee: true})
	case strings.ToUpper(req.Method) == message.MethodInvite:
		e.newInboundSession(req, remote)
	case strings.ToUpper(req.Method) == message.MethodAck:
		// ACK на уже уничтоженный диалог — молча
	default:
		e.respond(message.NewResponse(req, 481), remote.String())
	}
}

func (e *Engine) handleResponse(resp *message.Response) {
	e.mu.Lock()
	s := e.byCallee[resp.CallID()]
	e.mu.Unlock()
	if s == nil {
		return
	}
	s.enqueue(sessionMsg{resp: resp})
}

// handleRegister поддерживает карту регистраций координатора.
// Expires: 0 снимает регистрацию, отсутствие заголовка — значение
// по умолчанию.
func (e *Engine) handleRegister(req *message.Request, remote net.Addr) {
	uri, err := message.ExtractURI(req.GetHeader("To"))
	if err != nil || uri.User == "" {
		e.respond(message.NewResponse(req, 400), remote.String())
		return
	}

	expiry := e.config.DefaultRegistrationExpiry
	if v := req.GetHeader("Expires"); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil || seconds < 0 {
			e.respond(message.NewResponse(req, 400), remote.String())
			return
		}
		expiry = time.Duration(seconds) * time.Second
	}

	if expiry == 0 {
		e.deps.Coordinator.UnregisterEndpoint(uri.User)
	} else {
		e.deps.Coordinator.RegisterEndpoint(coordinator.Endpoint{
			ID:      uri.User,
			Address: remote.String(),
			Expiry:  time.Now().Add(expiry),
		})
	}

	resp := message.NewResponse(req, 200)
	if contact := req.GetHeader("Contact"); contact != "" {
		resp.SetHeader("Contact", contact)
	}
	resp.SetHeader("Expires", strconv.Itoa(int(expiry/time.Second)))
	e.respond(resp, remote.String())
}

// newInboundSession создает вызов по первичному INVITE и отдает INVITE
// его воркеру
func (e *Engine) newInboundSession(req *message.Request, remote net.Addr) {
	caller := ""
	if from, err := message.ExtractURI(req.GetHeader("From")); err == nil {
		caller = from.User
	}
	callee := ""
	if req.RequestURI != nil {
		callee = req.RequestURI.User
	}
	if callee == "" {
		if to, err := message.ExtractURI(req.GetHeader("To")); err == nil {
			callee = to.User
		}
	}

	s := e.startSession(req.CallID(), caller, callee, remote.String())
	if s == nil {
		// Call-ID живого или недавно завершенного вызова не воскресает
		e.respond(message.NewResponse(req, 481), remote.String())
		return
	}
	s.enqueue(sessionMsg{req: req, remote: remote})
}

// startSession регистрирует вызов у координатора и запускает воркер.
// nil — Call-ID уже занят.
func (e *Engine) startSession(callID, caller, callee, callerAddr string) *session {
	s := newSession(e, callID, caller, callee, callerAddr)

	c := call.New(callID, caller, callee, call.Config{
		RingTimeout:      e.config.RingTimeout,
		QueueMaxWait:     e.config.QueueMaxWait,
		TransferTimeout:  e.config.TransferTimeout,
		VoicemailEnabled: e.config.VoicemailEnabled,
		QueueOverflow:    e.config.QueueOverflow,
		Logger:           e.log,
		OnStateChange: func(_ *call.Call, from, to call.State, event call.Event) {
			s.enqueue(sessionMsg{action: func() { s.onTransition(from, to, event) }})
		},
		OnEnded: func(_ *call.Call) {
			s.enqueueEnding(s.teardown)
		},
	})
	s.call = c

	if err := e.deps.Coordinator.AddCall(c); err != nil {
		return nil
	}

	e.mu.Lock()
	e.sessions[callID] = s
	e.mu.Unlock()

	go s.run()
	return s
}

// bindCallee привязывает Call-ID ноги назначения к сессии
func (e *Engine) bindCallee(calleeCallID string, s *session) {
	e.mu.Lock()
	e.byCallee[calleeCallID] = s
	e.mu.Unlock()
}

func (e *Engine) unbindCallee(calleeCallID string) {
	e.mu.Lock()
	delete(e.byCallee, calleeCallID)
	e.mu.Unlock()
}

// removeSession убирает сессию из карт движка
func (e *Engine) removeSession(s *session) {
	e.mu.Lock()
	delete(e.sessions, s.callID)
	if s.calleeCallID != "" {
		delete(e.byCallee, s.calleeCallID)
	}
	e.mu.Unlock()
}

// bridgeFor возвращает конференцию, создавая ее при первом входе
func (e *Engine) bridgeFor(id string) (*conference.Bridge, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok := e.bridges[id]; ok {
		return b, nil
	}
	b, err := conference.NewBridge(id, e.log)
	if err != nil {
		return nil, err
	}
	e.bridges[id] = b
	return b, nil
}

// respond отправляет ответ, проглатывая транспортные ошибки: UDP
// сигнализация ретрансляцию не гарантирует
func (e *Engine) respond(resp *message.Response, addr string) {
	if err := e.deps.Transport.Send(resp, addr); err != nil {
		e.log.WithError(err).WithField("addr", addr).Warn("response send failed")
	}
}

func (e *Engine) sendRequest(req *message.Request, addr string) {
	if err := e.deps.Transport.Send(req, addr); err != nil {
		e.log.WithError(err).WithField("addr", addr).Warn("request send failed")
	}
}

// contactURI — наш Contact в диалогах
func (e *Engine) contactURI() *message.URI {
	return &message.URI{Scheme: "sip", User: "softswitch", Host: e.config.SignalingHost, Port: e.config.SignalingPort}
}

// addrURI строит URI назначения из адреса сигнализации "host:port"
func addrURI(user, addr string) *message.URI {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return &message.URI{Scheme: "sip", User: user, Host: addr}
	}
	port, _ := strconv.Atoi(portStr)
	return &message.URI{Scheme: "sip", User: user, Host: host, Port: port}
}

// signalingAddr нормализует адрес назначения: без порта — 5060
func signalingAddr(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, "5060")
}
