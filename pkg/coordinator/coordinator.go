// Package coordinator — единственный владелец разделяемого состояния:
// карты живых вызовов, карты зарегистрированных endpoint'ов и пула
// медиа-портов. Все мутации идут через его API; остальные компоненты
// видят только снимки.
package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arzzra/softswitch/pkg/call"
	"github.com/arzzra/softswitch/pkg/metrics"
)

var (
	// ErrResourceExhausted — нет свободной пары медиа-портов
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrCallExists        = errors.New("call already exists")
	ErrCallNotFound      = errors.New("call not found")
	ErrEndpointNotFound  = errors.New("endpoint not found")
)

// tombstoneTTL — сколько помнить завершенный Call-ID, чтобы
// ретрансляция INVITE не воскресила уничтоженный вызов
const tombstoneTTL = 32 * time.Second

// Endpoint — зарегистрированное устройство или транк-пир
type Endpoint struct {
	ID      string
	Address string
	Expiry  time.Time
	Secret  string
	Codecs  []string
}

// CallSummary — снимок вызова для management-фасада
type CallSummary struct {
	ID        string
	SIPCallID string
	Caller    string
	Callee    string
	State     call.State
	CreatedAt time.Time
}

// Coordinator сериализует доступ к живым вызовам, endpoint'ам и портам
type Coordinator struct {
	log   *logrus.Entry
	ports *PortPool

	mu          sync.RWMutex
	calls       map[string]*call.Call // по внутреннему id
	byCallID    map[string]string     // SIP Call-ID -> внутренний id
	portsByCall map[string][]int
	endpoints   map[string]*Endpoint
	tombstones  map[string]time.Time // SIP Call-ID завершенных вызовов
}

// New создает координатор поверх пула портов
func New(ports *PortPool, log *logrus.Entry) *Coordinator {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Coordinator{
		log:         log.WithField("component", "coordinator"),
		ports:       ports,
		calls:       make(map[string]*call.Call),
		byCallID:    make(map[string]string),
		portsByCall: make(map[string][]int),
		endpoints:   make(map[string]*Endpoint),
		tombstones:  make(map[string]time.Time),
	}
}

// --- Endpoint'ы ---

// RegisterEndpoint создает или обновляет регистрацию
func (c *Coordinator) RegisterEndpoint(ep Endpoint) {
	c.mu.Lock()
	c.endpoints[ep.ID] = &ep
	c.mu.Unlock()
	c.log.WithFields(logrus.Fields{"endpoint": ep.ID, "address": ep.Address}).Info("endpoint registered")
}

// UnregisterEndpoint снимает регистрацию
func (c *Coordinator) UnregisterEndpoint(id string) {
	c.mu.Lock()
	delete(c.endpoints, id)
	c.mu.Unlock()
	c.log.WithField("endpoint", id).Info("endpoint unregistered")
}

// Endpoint возвращает регистрацию по id
func (c *Coordinator) Endpoint(id string) (Endpoint, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ep, ok := c.endpoints[id]
	if !ok {
		return Endpoint{}, ErrEndpointNotFound
	}
	return *ep, nil
}

// ExtensionExists — предикат для роутера
func (c *Coordinator) ExtensionExists(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.endpoints[id]
	return ok
}

// Endpoints возвращает снимок всех регистраций
func (c *Coordinator) Endpoints() []Endpoint {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Endpoint, 0, len(c.endpoints))
	for _, ep := range c.endpoints {
		out = append(out, *ep)
	}
	return out
}

// StartEviction запускает фоновую чистку истекших регистраций и
// старых tombstone'ов
func (c *Coordinator) StartEviction(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				c.evict(now)
			}
		}
	}()
}

func (c *Coordinator) evict(now time.Time) {
	c.mu.Lock()
	var expired []string
	for id, ep := range c.endpoints {
		if !ep.Expiry.IsZero() && now.After(ep.Expiry) {
			delete(c.endpoints, id)
			expired = append(expired, id)
		}
	}
	for callID, endedAt := range c.tombstones {
		if now.Sub(endedAt) > tombstoneTTL {
			delete(c.tombstones, callID)
		}
	}
	c.mu.Unlock()

	for _, id := range expired {
		c.log.WithField("endpoint", id).Info("endpoint registration expired")
	}
}

// --- Вызовы ---

// AddCall регистрирует вызов. Повторный Call-ID (живой или недавно
// завершенный) отклоняется — уничтоженный вызов не воскресает.
func (c *Coordinator) AddCall(cl *call.Call) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.byCallID[cl.CallID()]; ok {
		return ErrCallExists
	}
	if _, ok := c.tombstones[cl.CallID()]; ok {
		return ErrCallExists
	}

	c.calls[cl.ID()] = cl
	c.byCallID[cl.CallID()] = cl.ID()
	metrics.ActiveCalls.Set(float64(len(c.calls)))
	return nil
}

// Call возвращает вызов по внутреннему id
func (c *Coordinator) Call(id string) (*call.Call, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cl, ok := c.calls[id]
	if !ok {
		return nil, ErrCallNotFound
	}
	return cl, nil
}

// CallBySIPID возвращает вызов по SIP Call-ID
func (c *Coordinator) CallBySIPID(sipCallID string) (*call.Call, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.byCallID[sipCallID]
	if !ok {
		return nil, ErrCallNotFound
	}
	return c.calls[id], nil
}

// AllocateMediaPorts выдает вызову пару медиа-портов
func (c *Coordinator) AllocateMediaPorts(callID string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.calls[callID]; !ok {
		return 0, ErrCallNotFound
	}

	port, err := c.ports.Allocate()
	if err != nil {
		return 0, err
	}
	c.portsByCall[callID] = append(c.portsByCall[callID], port)
	return port, nil
}

// RemoveCall уничтожает вызов: сначала освобождаются его порты,
// потом вызов исчезает из карты. Никогда наоборот — порт не должен
// считаться свободным, пока он привязан.
func (c *Coordinator) RemoveCall(callID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cl, ok := c.calls[callID]
	if !ok {
		return ErrCallNotFound
	}

	for _, port := range c.portsByCall[callID] {
		c.ports.Release(port)
	}
	delete(c.portsByCall, callID)

	delete(c.byCallID, cl.CallID())
	delete(c.calls, callID)
	c.tombstones[cl.CallID()] = time.Now()
	metrics.ActiveCalls.Set(float64(len(c.calls)))
	return nil
}

// ActiveCalls возвращает снимок живых вызовов
func (c *Coordinator) ActiveCalls() []CallSummary {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]CallSummary, 0, len(c.calls))
	for _, cl := range c.calls {
		out = append(out, CallSummary{
			ID:        cl.ID(),
			SIPCallID: cl.CallID(),
			Caller:    cl.Caller(),
			Callee:    cl.Callee(),
			State:     cl.State(),
			CreatedAt: cl.CreatedAt(),
		})
	}
	return out
}

// CallCount возвращает число живых вызовов
func (c *Coordinator) CallCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.calls)
}

// PortsInUse возвращает число выданных пар портов
func (c *Coordinator) PortsInUse() int { return c.ports.InUse() }
