// Package trunk — внешние SIP-транки: таблица пиров, фоновый пробинг
// их доступности через OPTIONS и ранжируемый снимок для роутера.
package trunk

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/sirupsen/logrus"

	"github.com/arzzra/softswitch/pkg/metrics"
	"github.com/arzzra/softswitch/pkg/router"
)

const (
	// DefaultProbeInterval — период между OPTIONS
	DefaultProbeInterval = 30 * time.Second
	// DefaultProbeTimeout — ожидание ответа на один OPTIONS
	DefaultProbeTimeout = 5 * time.Second
	// DefaultFailureThreshold — столько проб подряд должно
	// провалиться, чтобы транк считался нездоровым
	DefaultFailureThreshold = 3
)

// Trunk — внешний SIP-пир
type Trunk struct {
	ID       string
	Host     string // host:port сигнализации пира
	Prefixes []string
	Rate     float64
	Priority int
}

// sipClient — минимальный интерфейс sipgo-клиента; в тестах подменяется
type sipClient interface {
	TransactionRequest(ctx context.Context, req *sip.Request, options ...sipgo.ClientRequestOption) (sip.ClientTransaction, error)
}

// ProberConfig — параметры пробинга
type ProberConfig struct {
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold int
	// OnChange вызывается при смене здоровья транка
	OnChange func(trunkID string, healthy bool)
	Logger   *logrus.Entry
}

func (c *ProberConfig) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultProbeInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultProbeTimeout
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.Logger == nil {
		c.Logger = logrus.NewEntry(logrus.StandardLogger())
	}
}

type trunkState struct {
	trunk    Trunk
	healthy  bool
	failures int
}

// Prober следит за здоровьем транков. Новый транк считается здоровым,
// пока пробы не докажут обратное.
type Prober struct {
	client sipClient
	config ProberConfig
	log    *logrus.Entry

	// probeFn подменяется в тестах
	probeFn func(ctx context.Context, t Trunk) error

	mu     sync.Mutex
	trunks map[string]*trunkState
	order  []string
}

// NewProber создает пробер поверх sipgo-клиента
func NewProber(client sipClient, config ProberConfig) *Prober {
	config.applyDefaults()
	p := &Prober{
		client: client,
		config: config,
		log:    config.Logger.WithField("component", "trunk_prober"),
		trunks: make(map[string]*trunkState),
	}
	p.probeFn = p.probe
	return p
}

// SetTrunks задает таблицу транков. Состояние здоровья уже известных
// транков сохраняется, исчезнувшие забываются.
func (p *Prober) SetTrunks(trunks []Trunk) {
	p.mu.Lock()
	defer p.mu.Unlock()

	next := make(map[string]*trunkState, len(trunks))
	order := make([]string, 0, len(trunks))
	for _, t := range trunks {
		if prev, ok := p.trunks[t.ID]; ok {
			prev.trunk = t
			next[t.ID] = prev
		} else {
			next[t.ID] = &trunkState{trunk: t, healthy: true}
			metrics.TrunkHealth.WithLabelValues(t.ID).Set(1)
		}
		order = append(order, t.ID)
	}
	for id := range p.trunks {
		if _, ok := next[id]; !ok {
			metrics.TrunkHealth.DeleteLabelValues(id)
		}
	}
	p.trunks = next
	p.order = order
}

// Start запускает цикл пробинга до отмены контекста
func (p *Prober) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(p.config.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.ProbeAll(ctx)
			}
		}
	}()
}

// ProbeAll шлет OPTIONS каждому транку и обновляет здоровье
func (p *Prober) ProbeAll(ctx context.Context) {
	p.mu.Lock()
	targets := make([]Trunk, 0, len(p.order))
	for _, id := range p.order {
		targets = append(targets, p.trunks[id].trunk)
	}
	p.mu.Unlock()

	for _, t := range targets {
		err := p.probeFn(ctx, t)
		p.record(t.ID, err)
	}
}

// probe — один OPTIONS; любой финальный ответ означает, что пир жив
func (p *Prober) probe(ctx context.Context, t Trunk) error {
	uri, err := trunkURI(t.Host)
	if err != nil {
		return err
	}

	probeCtx, cancel := context.WithTimeout(ctx, p.config.Timeout)
	defer cancel()

	req := sip.NewRequest(sip.OPTIONS, uri)
	tx, err := p.client.TransactionRequest(probeCtx, req)
	if err != nil {
		return fmt.Errorf("отправка OPTIONS: %w", err)
	}
	defer tx.Terminate()

	for {
		select {
		case <-probeCtx.Done():
			return probeCtx.Err()
		case res, ok := <-tx.Responses():
			if !ok {
				return fmt.Errorf("транзакция завершилась без ответа")
			}
			if res.StatusCode < 200 {
				continue
			}
			return nil
		}
	}
}

func (p *Prober) record(id string, err error) {
	p.mu.Lock()
	state, ok := p.trunks[id]
	if !ok {
		p.mu.Unlock()
		return
	}

	var changed bool
	if err == nil {
		state.failures = 0
		if !state.healthy {
			state.healthy = true
			changed = true
		}
	} else {
		state.failures++
		if state.healthy && state.failures >= p.config.FailureThreshold {
			state.healthy = false
			changed = true
		}
	}
	healthy := state.healthy
	p.mu.Unlock()

	if err != nil {
		p.log.WithError(err).WithField("trunk", id).Debug("проба транка не удалась")
	}
	if changed {
		value := 0.0
		if healthy {
			value = 1.0
		}
		metrics.TrunkHealth.WithLabelValues(id).Set(value)
		p.log.WithFields(logrus.Fields{"trunk": id, "healthy": healthy}).Warn("здоровье транка изменилось")
		if p.config.OnChange != nil {
			p.config.OnChange(id, healthy)
		}
	}
}

// Healthy возвращает текущее здоровье транка; неизвестный — нездоров
func (p *Prober) Healthy(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	state, ok := p.trunks[id]
	return ok && state.healthy
}

// Snapshot возвращает таблицу транков для роутера
func (p *Prober) Snapshot() []router.TrunkInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]router.TrunkInfo, 0, len(p.order))
	for _, id := range p.order {
		state := p.trunks[id]
		out = append(out, router.TrunkInfo{
			ID:       state.trunk.ID,
			Host:     state.trunk.Host,
			Prefixes: state.trunk.Prefixes,
			Rate:     state.trunk.Rate,
			Priority: state.trunk.Priority,
			Healthy:  state.healthy,
		})
	}
	return out
}

// trunkURI разбирает host[:port] в SIP URI
func trunkURI(host string) (sip.Uri, error) {
	h, portStr, err := net.SplitHostPort(host)
	if err != nil {
		// порт не указан — стандартный 5060
		return sip.Uri{Scheme: "sip", Host: host, Port: 5060}, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return sip.Uri{}, fmt.Errorf("некорректный порт транка %q: %w", host, err)
	}
	return sip.Uri{Scheme: "sip", Host: h, Port: port}, nil
}
