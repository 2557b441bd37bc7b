// Package router классифицирует назначение вызова и выбирает агентов
// очередей и транки по настраиваемым стратегиям.
package router

import (
	"errors"
	"sort"
	"strings"
	"sync"
)

// ErrNoRoute возвращается, когда назначение не подошло ни под один
// класс; вызов уходит в FAILED с этой причиной.
var ErrNoRoute = errors.New("no route")

// DestinationType — класс назначения вызова
type DestinationType string

const (
	DestExtension  DestinationType = "extension"
	DestQueue      DestinationType = "queue"
	DestConference DestinationType = "conference"
	DestVoicemail  DestinationType = "voicemail"
	DestIVR        DestinationType = "ivr"
	DestTrunk      DestinationType = "trunk"
)

// Decision — результат маршрутизации
type Decision struct {
	Type   DestinationType
	Target string
	// Trunks — транки в порядке предпочтения (только для DestTrunk);
	// failover идет по списку
	Trunks []TrunkInfo
}

// ExtensionLookup отвечает, существует ли зарегистрированный extension.
// Снимок принадлежит координатору, router его не кеширует.
type ExtensionLookup func(ext string) bool

// Config — таблицы маршрутизации
type Config struct {
	Extensions ExtensionLookup
	// VoicemailPrefix — префикс доступа к голосовой почте ("*9"):
	// *9<ext> попадает в ящик ext
	VoicemailPrefix string
}

// Router принимает решение по строке назначения. Порядок строгий:
// extension > queue > conference > voicemail > IVR > trunk;
// первый матч выигрывает.
type Router struct {
	config Config

	mu          sync.RWMutex
	queues      map[string]*Queue
	conferences map[string]struct{}
	ivr         map[string]string // входная точка -> id сценария
	trunks      []TrunkInfo
}

// New создает роутер
func New(config Config) *Router {
	if config.VoicemailPrefix == "" {
		config.VoicemailPrefix = "*9"
	}
	return &Router{
		config:      config,
		queues:      make(map[string]*Queue),
		conferences: make(map[string]struct{}),
		ivr:         make(map[string]string),
	}
}

// AddQueue регистрирует очередь под ее номером
func (r *Router) AddQueue(q *Queue) {
	r.mu.Lock()
	r.queues[q.ID] = q
	r.mu.Unlock()
}

// Queue возвращает очередь по id
func (r *Router) Queue(id string) (*Queue, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	q, ok := r.queues[id]
	return q, ok
}

// AddConference регистрирует номер конференции
func (r *Router) AddConference(number string) {
	r.mu.Lock()
	r.conferences[number] = struct{}{}
	r.mu.Unlock()
}

// AddIVR регистрирует входную точку IVR
func (r *Router) AddIVR(entry, scenario string) {
	r.mu.Lock()
	r.ivr[entry] = scenario
	r.mu.Unlock()
}

// SetTrunks заменяет таблицу транков
func (r *Router) SetTrunks(trunks []TrunkInfo) {
	r.mu.Lock()
	r.trunks = append([]TrunkInfo(nil), trunks...)
	r.mu.Unlock()
}

// Route классифицирует назначение. Детерминированно: при равных данных
// всегда одно и то же решение.
func (r *Router) Route(destination string) (Decision, error) {
	destination = strings.TrimSpace(destination)
	if destination == "" {
		return Decision{}, ErrNoRoute
	}

	if r.config.Extensions != nil && r.config.Extensions(destination) {
		return Decision{Type: DestExtension, Target: destination}, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.queues[destination]; ok {
		return Decision{Type: DestQueue, Target: destination}, nil
	}

	if _, ok := r.conferences[destination]; ok {
		return Decision{Type: DestConference, Target: destination}, nil
	}

	if mailbox, ok := strings.CutPrefix(destination, r.config.VoicemailPrefix); ok && isDigits(mailbox) {
		return Decision{Type: DestVoicemail, Target: mailbox}, nil
	}

	if scenario, ok := r.ivr[destination]; ok {
		return Decision{Type: DestIVR, Target: scenario}, nil
	}

	if ranked := RankTrunks(destination, r.trunks); len(ranked) > 0 {
		return Decision{Type: DestTrunk, Target: destination, Trunks: ranked}, nil
	}

	return Decision{}, ErrNoRoute
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// TrunkInfo — снимок транка для выбора маршрута
type TrunkInfo struct {
	ID       string
	Host     string   // host:port сигнализации пира
	Prefixes []string // префиксы номеров, которые транк обслуживает
	Rate     float64  // стоимость минуты
	Priority int      // меньше — предпочтительнее при равной стоимости
	Healthy  bool
}

// RankTrunks возвращает здоровые транки, обслуживающие номер, в порядке
// (rate, priority, id). Нездоровые отфильтрованы жестко: они не
// выбираются, пока есть здоровая альтернатива — а без альтернатив
// список пуст и вызов откажет.
func RankTrunks(destination string, trunks []TrunkInfo) []TrunkInfo {
	var matched []TrunkInfo
	for _, t := range trunks {
		if !t.Healthy {
			continue
		}
		for _, prefix := range t.Prefixes {
			if strings.HasPrefix(destination, prefix) {
				matched = append(matched, t)
				break
			}
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Rate != matched[j].Rate {
			return matched[i].Rate < matched[j].Rate
		}
		if matched[i].Priority != matched[j].Priority {
			return matched[i].Priority < matched[j].Priority
		}
		return matched[i].ID < matched[j].ID
	})
	return matched
}
