package rtp

import (
	"sync/atomic"

	"github.com/pion/rtp"
)

// Relay связывает две ноги двустороннего вызова: упорядоченное аудио
// одной ноги пересылается в другую с перенумерацией локальным клоком
// ноги-получателя. DTMF и RTCP не транзитируются, каждая нога ведет
// их самостоятельно.
type Relay struct {
	a, b    *Leg
	stopped atomic.Bool

	forwardedAB uint64
	forwardedBA uint64
}

// NewRelay создает мост между двумя нотами. Вызывать до Start ног:
// relay подменяет их OnPacket обработчики.
func NewRelay(a, b *Leg) *Relay {
	r := &Relay{a: a, b: b}

	prevA := a.config.OnPacket
	a.config.OnPacket = func(p *rtp.Packet) {
		if prevA != nil {
			prevA(p)
		}
		r.forward(p, b, &r.forwardedAB)
	}

	prevB := b.config.OnPacket
	b.config.OnPacket = func(p *rtp.Packet) {
		if prevB != nil {
			prevB(p)
		}
		r.forward(p, a, &r.forwardedBA)
	}

	return r
}

// Stop прекращает пересылку (ноги остаются живыми)
func (r *Relay) Stop() { r.stopped.Store(true) }

// Forwarded возвращает счетчики пересланных пакетов в обе стороны
func (r *Relay) Forwarded() (ab, ba uint64) {
	return atomic.LoadUint64(&r.forwardedAB), atomic.LoadUint64(&r.forwardedBA)
}

func (r *Relay) forward(p *rtp.Packet, dst *Leg, counter *uint64) {
	if r.stopped.Load() {
		return
	}
	if err := dst.SendPayload(p.Payload, p.Marker); err != nil {
		return
	}
	atomic.AddUint64(counter, 1)
}
