package coordinator

import (
	"fmt"
	"sync"

	"github.com/arzzra/softswitch/pkg/metrics"
)

// PortRange — диапазон медиа-портов
type PortRange struct {
	Min int // четный
	Max int
}

// PortPool выделяет пары портов RTP/RTCP: RTP всегда четный, RTCP —
// следующий нечетный. Пул — единственная точка выделения, двойная
// выдача одной пары невозможна.
type PortPool struct {
	portRange PortRange
	mutex     sync.Mutex
	usedPairs map[int]bool // ключ — четный RTP порт
	nextPort  int
}

// NewPortPool создает пул пар портов
func NewPortPool(portRange PortRange) (*PortPool, error) {
	if portRange.Min <= 0 || portRange.Max <= 0 {
		return nil, fmt.Errorf("некорректный диапазон портов: %d-%d", portRange.Min, portRange.Max)
	}
	if portRange.Min >= portRange.Max {
		return nil, fmt.Errorf("минимальный порт должен быть меньше максимального: %d >= %d", portRange.Min, portRange.Max)
	}
	if portRange.Min%2 != 0 {
		portRange.Min++
	}

	return &PortPool{
		portRange: portRange,
		usedPairs: make(map[int]bool),
		nextPort:  portRange.Min,
	}, nil
}

// Allocate выделяет свободную пару; возвращает четный RTP порт.
// Когда пар не осталось — ErrResourceExhausted.
func (pp *PortPool) Allocate() (int, error) {
	pp.mutex.Lock()
	defer pp.mutex.Unlock()

	startPort := pp.nextPort
	for {
		// RTCP порт пары тоже должен попадать в диапазон
		if !pp.usedPairs[pp.nextPort] && pp.nextPort+1 <= pp.portRange.Max {
			port := pp.nextPort
			pp.usedPairs[port] = true
			pp.advanceLocked()
			metrics.PortPoolInUse.Inc()
			return port, nil
		}

		pp.advanceLocked()
		if pp.nextPort == startPort {
			return 0, fmt.Errorf("%w: все пары в диапазоне %d-%d заняты",
				ErrResourceExhausted, pp.portRange.Min, pp.portRange.Max)
		}
	}
}

// Release возвращает пару в пул
func (pp *PortPool) Release(rtpPort int) {
	pp.mutex.Lock()
	if pp.usedPairs[rtpPort] {
		delete(pp.usedPairs, rtpPort)
		metrics.PortPoolInUse.Dec()
	}
	pp.mutex.Unlock()
}

// InUse возвращает число выданных пар
func (pp *PortPool) InUse() int {
	pp.mutex.Lock()
	defer pp.mutex.Unlock()
	return len(pp.usedPairs)
}

// Available возвращает число свободных пар
func (pp *PortPool) Available() int {
	pp.mutex.Lock()
	defer pp.mutex.Unlock()
	total := (pp.portRange.Max - pp.portRange.Min + 1) / 2
	return total - len(pp.usedPairs)
}

func (pp *PortPool) advanceLocked() {
	pp.nextPort += 2
	if pp.nextPort > pp.portRange.Max {
		pp.nextPort = pp.portRange.Min
	}
}
