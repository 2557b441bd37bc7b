package router

import (
	"errors"
	"math/rand"
	"sort"
	"sync"
	"time"
)

// Strategy — стратегия распределения вызовов по агентам очереди
type Strategy string

const (
	StrategyRingAll     Strategy = "ring-all"
	StrategyRoundRobin  Strategy = "round-robin"
	StrategyLRU         Strategy = "least-recently-used"
	StrategyFewestCalls Strategy = "fewest-calls"
	StrategyRandom      Strategy = "random"
)

// ErrNoAgents возвращается, когда в очереди нет доступных агентов
var ErrNoAgents = errors.New("no available agents")

// Agent — агент очереди
type Agent struct {
	ID           string
	Available    bool
	LastCallAt   time.Time
	CallsHandled int
}

// Queue — именованная очередь ожидания. Очередь упорядочивает вызовы
// и выбирает агентов; вызовами она не владеет.
type Queue struct {
	ID       string
	Strategy Strategy

	mu      sync.Mutex
	agents  map[string]*Agent
	waiting []string // call id в порядке поступления
	rrPos   int
	rng     *rand.Rand
}

// NewQueue создает очередь с указанной стратегией
func NewQueue(id string, strategy Strategy) *Queue {
	if strategy == "" {
		strategy = StrategyRingAll
	}
	return &Queue{
		ID:       id,
		Strategy: strategy,
		agents:   make(map[string]*Agent),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// UpsertAgent добавляет или обновляет агента
func (q *Queue) UpsertAgent(a Agent) {
	q.mu.Lock()
	q.agents[a.ID] = &a
	q.mu.Unlock()
}

// RemoveAgent убирает агента из очереди
func (q *Queue) RemoveAgent(id string) {
	q.mu.Lock()
	delete(q.agents, id)
	q.mu.Unlock()
}

// SetAvailable меняет доступность агента. Доступность мутируют только
// переходы самого агента (login/logout/answer/hangup).
func (q *Queue) SetAvailable(id string, available bool) {
	q.mu.Lock()
	if a, ok := q.agents[id]; ok {
		a.Available = available
	}
	q.mu.Unlock()
}

// RecordHandled отмечает обработанный агентом вызов (для LRU и
// fewest-calls)
func (q *Queue) RecordHandled(id string) {
	q.mu.Lock()
	if a, ok := q.agents[id]; ok {
		a.LastCallAt = time.Now()
		a.CallsHandled++
	}
	q.mu.Unlock()
}

// Push ставит вызов в хвост очереди
func (q *Queue) Push(callID string) {
	q.mu.Lock()
	q.waiting = append(q.waiting, callID)
	q.mu.Unlock()
}

// Pop снимает вызов с головы очереди
func (q *Queue) Pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.waiting) == 0 {
		return "", false
	}
	id := q.waiting[0]
	q.waiting = q.waiting[1:]
	return id, true
}

// Remove убирает вызов из очереди (отказ, завершение)
func (q *Queue) Remove(callID string) {
	q.mu.Lock()
	for i, id := range q.waiting {
		if id == callID {
			q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
			break
		}
	}
	q.mu.Unlock()
}

// Depth возвращает число ожидающих вызовов
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiting)
}

// Select выбирает агентов для следующего вызова. Выбор — детерминированная
// функция отсортированного снимка доступных агентов и состояния очереди;
// порядок обхода map никогда не влияет на результат.
func (q *Queue) Select() ([]Agent, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	available := q.availableSortedLocked()
	if len(available) == 0 {
		return nil, ErrNoAgents
	}

	switch q.Strategy {
	case StrategyRingAll:
		return available, nil

	case StrategyRoundRobin:
		a := available[q.rrPos%len(available)]
		q.rrPos++
		return []Agent{a}, nil

	case StrategyLRU:
		best := available[0]
		for _, a := range available[1:] {
			if a.LastCallAt.Before(best.LastCallAt) {
				best = a
			}
		}
		return []Agent{best}, nil

	case StrategyFewestCalls:
		best := available[0]
		for _, a := range available[1:] {
			if a.CallsHandled < best.CallsHandled {
				best = a
			}
		}
		return []Agent{best}, nil

	case StrategyRandom:
		return []Agent{available[q.rng.Intn(len(available))]}, nil
	}

	return available, nil
}

// availableSortedLocked — снимок доступных агентов, отсортированный по id
func (q *Queue) availableSortedLocked() []Agent {
	out := make([]Agent, 0, len(q.agents))
	for _, a := range q.agents {
		if a.Available {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
