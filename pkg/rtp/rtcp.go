package rtp

import (
	"sync"
	"time"

	"github.com/pion/rtcp"
)

const (
	// DefaultRTCPInterval — периодичность отправки отчетов
	DefaultRTCPInterval = 5 * time.Second
	// DefaultMissedRTCPLimit — сколько интервалов подряд без RTCP
	// переводят ногу в degraded
	DefaultMissedRTCPLimit = 3
	// DefaultRecoveryIntervals — сколько интервалов с RTCP подряд
	// возвращают ногу в good
	DefaultRecoveryIntervals = 2
)

// RTCPConfig — параметры мониторинга качества
type RTCPConfig struct {
	Interval          time.Duration
	MissedLimit       int
	RecoveryIntervals int
}

func (c *RTCPConfig) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultRTCPInterval
	}
	if c.MissedLimit <= 0 {
		c.MissedLimit = DefaultMissedRTCPLimit
	}
	if c.RecoveryIntervals <= 0 {
		c.RecoveryIntervals = DefaultRecoveryIntervals
	}
}

// RTCPMonitor отслеживает приход RTCP от удаленной стороны и ведет
// состояние качества ноги. Отсутствие отчетов MissedLimit интервалов
// подряд переводит ногу в degraded (медиа продолжает ходить, событие
// публикуется наверх); RecoveryIntervals интервалов с отчетами подряд
// возвращают good.
type RTCPMonitor struct {
	mu sync.Mutex

	legID     string
	config    RTCPConfig
	onQuality func(QualityEvent)

	receivedInInterval bool
	missed             int
	good               int
	degraded           bool

	// Последние данные из отчетов удаленной стороны
	remoteFractionLost uint8
	remoteJitter       uint32
}

// NewRTCPMonitor создает монитор качества для ноги
func NewRTCPMonitor(legID string, config RTCPConfig, onQuality func(QualityEvent)) *RTCPMonitor {
	config.applyDefaults()
	return &RTCPMonitor{
		legID:     legID,
		config:    config,
		onQuality: onQuality,
	}
}

// Interval возвращает период тиков монитора
func (m *RTCPMonitor) Interval() time.Duration { return m.config.Interval }

// OnPacket обрабатывает входящий RTCP compound packet
func (m *RTCPMonitor) OnPacket(data []byte) error {
	packets, err := rtcp.Unmarshal(data)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.receivedInInterval = true

	for _, p := range packets {
		switch r := p.(type) {
		case *rtcp.SenderReport:
			if len(r.Reports) > 0 {
				m.remoteFractionLost = r.Reports[0].FractionLost
				m.remoteJitter = r.Reports[0].Jitter
			}
		case *rtcp.ReceiverReport:
			if len(r.Reports) > 0 {
				m.remoteFractionLost = r.Reports[0].FractionLost
				m.remoteJitter = r.Reports[0].Jitter
			}
		}
	}

	return nil
}

// Tick вызывается раз в интервал и оценивает пропуски отчетов
func (m *RTCPMonitor) Tick(now time.Time) {
	m.mu.Lock()

	var event *QualityEvent

	if m.receivedInInterval {
		m.missed = 0
		if m.degraded {
			m.good++
			if m.good >= m.config.RecoveryIntervals {
				m.degraded = false
				m.good = 0
				event = m.qualityEventLocked(QualityGood, now)
			}
		}
	} else {
		m.good = 0
		m.missed++
		if !m.degraded && m.missed >= m.config.MissedLimit {
			m.degraded = true
			event = m.qualityEventLocked(QualityDegraded, now)
		}
	}

	m.receivedInInterval = false
	onQuality := m.onQuality
	m.mu.Unlock()

	if event != nil && onQuality != nil {
		onQuality(*event)
	}
}

// Degraded сообщает текущее состояние качества
func (m *RTCPMonitor) Degraded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.degraded
}

func (m *RTCPMonitor) qualityEventLocked(state QualityState, now time.Time) *QualityEvent {
	return &QualityEvent{
		LegID:        m.legID,
		State:        state,
		LossPercent:  float64(m.remoteFractionLost) / 256 * 100,
		Jitter:       time.Duration(m.remoteJitter) * time.Second / 8000,
		MissedRTCP:   m.missed,
		ObservedAtNS: now.UnixNano(),
	}
}

// BuildSenderReport собирает compound packet SR+RR данными ноги
func BuildSenderReport(ssrc, remoteSSRC uint32, sent SenderStats, recv ReceiverStats, now time.Time) ([]byte, error) {
	sr := &rtcp.SenderReport{
		SSRC:        ssrc,
		NTPTime:     toNTP(now),
		RTPTime:     sent.LastTimestamp,
		PacketCount: sent.Packets,
		OctetCount:  sent.Octets,
	}

	if recv.Received > 0 {
		sr.Reports = []rtcp.ReceptionReport{{
			SSRC:               remoteSSRC,
			FractionLost:       recv.FractionLost,
			TotalLost:          recv.TotalLost,
			LastSequenceNumber: recv.ExtendedHighSeq,
			Jitter:             recv.Jitter,
		}}
	}

	return rtcp.Marshal([]rtcp.Packet{sr})
}

// SenderStats — счетчики исходящего потока для SR
type SenderStats struct {
	Packets       uint32
	Octets        uint32
	LastTimestamp uint32
}

// ReceiverStats — счетчики входящего потока для reception report
type ReceiverStats struct {
	Received        uint64
	FractionLost    uint8
	TotalLost       uint32
	ExtendedHighSeq uint32
	Jitter          uint32
}

// toNTP переводит время в 64-битный NTP формат
func toNTP(t time.Time) uint64 {
	// NTP эпоха: 1 января 1900
	const ntpEpochOffset = 2208988800
	secs := uint64(t.Unix()) + ntpEpochOffset
	frac := uint64(t.Nanosecond()) << 32 / 1000000000
	return secs<<32 | frac
}
