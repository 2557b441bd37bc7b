package rtp

import (
	"container/heap"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
)

// MaxJitterBufferSize — жесткий потолок на размер буфера (защита от DoS)
const MaxJitterBufferSize = 100

// JitterBufferConfig содержит параметры конфигурации для создания JitterBuffer.
type JitterBufferConfig struct {
	BufferSize   int           // Максимальный размер буфера в пакетах
	InitialDelay time.Duration // Начальная задержка для компенсации джиттера
	PacketTime   time.Duration // Длительность одного пакета (ptime)
	MaxDelay     time.Duration // Максимальная задержка
	ClockRate    uint32        // Частота RTP clock
}

// JitterBuffer реализует адаптивный jitter buffer для компенсации сетевых
// задержек. Пакеты сортируются по RTP timestamp (min-heap); глубина
// буфера растет быстро, когда измеренный джиттер превышает текущую
// задержку, и спадает медленно при стабильной сети — резких скачков
// глубины вниз не бывает.
type JitterBuffer struct {
	config JitterBufferConfig

	// Буфер пакетов (min-heap по timestamp)
	packets   packetHeap
	maxSize   int
	heapMutex sync.Mutex

	// Адаптация задержки
	currentDelay time.Duration
	targetDelay  time.Duration
	jitter       time.Duration // RFC 3550 interarrival jitter estimate

	lastArrival   time.Time
	lastTimestamp uint32
	baseTimestamp uint32

	packetsReceived uint64
	// Атомарный: инкрементируется и из Put (под heapMutex), и из
	// processOutput — брать mutex оттуда нельзя, порядок блокировок
	// обратный путевому Put
	packetsDropped atomic.Uint64

	// Управление временем
	baseTime time.Time

	mutex sync.RWMutex

	outputChan chan *rtp.Packet
	stopChan   chan struct{}
	stopped    bool
}

// JitterPacket представляет RTP пакет в jitter buffer с метаданными о времени.
type JitterPacket struct {
	packet   *rtp.Packet
	arrival  time.Time
	expected time.Time
	index    int // Для heap interface
}

// packetHeap реализует heap.Interface для сортировки по timestamp
type packetHeap []*JitterPacket

func (h packetHeap) Len() int           { return len(h) }
func (h packetHeap) Less(i, j int) bool { return h[i].packet.Timestamp < h[j].packet.Timestamp }
func (h packetHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *packetHeap) Push(x interface{}) {
	n := len(*h)
	item := x.(*JitterPacket)
	item.index = n
	*h = append(*h, item)
}

func (h *packetHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[0 : n-1]
	return item
}

// NewJitterBuffer создает новый адаптивный jitter buffer.
// Автоматически запускает внутренний worker для вывода пакетов.
func NewJitterBuffer(config JitterBufferConfig) *JitterBuffer {
	if config.BufferSize <= 0 {
		config.BufferSize = 10
	}
	if config.BufferSize > MaxJitterBufferSize {
		config.BufferSize = MaxJitterBufferSize
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = time.Millisecond * 60
	}
	if config.PacketTime <= 0 {
		config.PacketTime = time.Millisecond * 20
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = config.PacketTime * time.Duration(config.BufferSize)
	}
	if config.ClockRate == 0 {
		config.ClockRate = 8000 // По умолчанию для телефонии
	}

	jb := &JitterBuffer{
		config:       config,
		maxSize:      config.BufferSize,
		currentDelay: config.InitialDelay,
		targetDelay:  config.InitialDelay,
		baseTime:     time.Now(),
		outputChan:   make(chan *rtp.Packet, config.BufferSize),
		stopChan:     make(chan struct{}),
	}

	heap.Init(&jb.packets)

	go jb.outputWorker()

	return jb
}

// Put добавляет пакет в jitter buffer
func (jb *JitterBuffer) Put(packet *rtp.Packet) error {
	jb.mutex.Lock()
	defer jb.mutex.Unlock()

	if jb.stopped {
		return fmt.Errorf("jitter buffer остановлен")
	}

	now := time.Now()

	if jb.packetsReceived == 0 {
		jb.lastTimestamp = packet.Timestamp
		jb.baseTimestamp = packet.Timestamp
		jb.lastArrival = now
		jb.baseTime = now
	} else {
		jb.updateJitter(packet, now)
	}

	jb.packetsReceived++

	// Ожидаемое время воспроизведения относительно первого пакета
	// (знаковая разность с учетом wrap-around uint32)
	timestampDiff := int64(int32(packet.Timestamp - jb.baseTimestamp))
	timeDiff := time.Duration(timestampDiff) * time.Second / time.Duration(jb.config.ClockRate)
	expectedTime := jb.baseTime.Add(timeDiff).Add(jb.currentDelay)

	jitterPacket := &JitterPacket{
		packet:   packet,
		arrival:  now,
		expected: expectedTime,
	}

	jb.heapMutex.Lock()
	if len(jb.packets) >= jb.maxSize {
		// Переполнение: отбрасываем самый старый пакет
		heap.Pop(&jb.packets)
		jb.packetsDropped.Add(1)
	}
	heap.Push(&jb.packets, jitterPacket)
	jb.heapMutex.Unlock()

	jb.adaptDelay()

	return nil
}

// Get получает пакет из jitter buffer (неблокирующий)
func (jb *JitterBuffer) Get() (*rtp.Packet, bool) {
	select {
	case packet := <-jb.outputChan:
		return packet, true
	default:
		return nil, false
	}
}

// GetBlocking получает пакет из jitter buffer (блокирующий)
func (jb *JitterBuffer) GetBlocking() (*rtp.Packet, error) {
	select {
	case packet := <-jb.outputChan:
		return packet, nil
	case <-jb.stopChan:
		return nil, fmt.Errorf("jitter buffer остановлен")
	}
}

// Output возвращает канал готовых пакетов
func (jb *JitterBuffer) Output() <-chan *rtp.Packet {
	return jb.outputChan
}

// Stop останавливает jitter buffer
func (jb *JitterBuffer) Stop() {
	jb.mutex.Lock()
	defer jb.mutex.Unlock()

	if !jb.stopped {
		jb.stopped = true
		close(jb.stopChan)
	}
}

// JitterBufferStatistics — статистика jitter buffer
type JitterBufferStatistics struct {
	BufferSize      int
	MaxBufferSize   int
	CurrentDelay    time.Duration
	TargetDelay     time.Duration
	Jitter          time.Duration
	PacketsReceived uint64
	PacketsDropped  uint64
}

// GetStatistics возвращает статистику jitter buffer
func (jb *JitterBuffer) GetStatistics() JitterBufferStatistics {
	jb.mutex.RLock()
	defer jb.mutex.RUnlock()

	jb.heapMutex.Lock()
	currentSize := len(jb.packets)
	jb.heapMutex.Unlock()

	return JitterBufferStatistics{
		BufferSize:      currentSize,
		MaxBufferSize:   jb.maxSize,
		CurrentDelay:    jb.currentDelay,
		TargetDelay:     jb.targetDelay,
		Jitter:          jb.jitter,
		PacketsReceived: jb.packetsReceived,
		PacketsDropped:  jb.packetsDropped.Load(),
	}
}

// outputWorker выводит готовые пакеты по расписанию
func (jb *JitterBuffer) outputWorker() {
	ticker := time.NewTicker(time.Millisecond * 5)
	defer ticker.Stop()

	for {
		select {
		case <-jb.stopChan:
			return
		case <-ticker.C:
			jb.processOutput()
		}
	}
}

// processOutput выводит все пакеты, время которых пришло
func (jb *JitterBuffer) processOutput() {
	jb.heapMutex.Lock()
	defer jb.heapMutex.Unlock()

	now := time.Now()

	for len(jb.packets) > 0 {
		oldest := jb.packets[0]
		if now.Before(oldest.expected) {
			break
		}

		jitterPacket := heap.Pop(&jb.packets).(*JitterPacket)

		select {
		case jb.outputChan <- jitterPacket.packet:
		default:
			// Выходной канал заполнен, пакет потерян
			jb.packetsDropped.Add(1)
		}
	}
}

// updateJitter обновляет оценку джиттера по RFC 3550 (J += (|D| - J)/16)
func (jb *JitterBuffer) updateJitter(packet *rtp.Packet, now time.Time) {
	arrivalDiff := now.Sub(jb.lastArrival)
	timestampDiff := int64(int32(packet.Timestamp - jb.lastTimestamp))
	mediaDiff := time.Duration(timestampDiff) * time.Second / time.Duration(jb.config.ClockRate)

	d := arrivalDiff - mediaDiff
	if d < 0 {
		d = -d
	}
	jb.jitter += (d - jb.jitter) / 16

	jb.lastArrival = now
	jb.lastTimestamp = packet.Timestamp
}

// adaptDelay подстраивает задержку буфера под измеренный джиттер
func (jb *JitterBuffer) adaptDelay() {
	// Целевая задержка — двукратный запас над джиттером
	want := jb.jitter * 2
	if want > jb.targetDelay {
		jb.targetDelay = want
	} else {
		// Спад медленный: миллисекунда за пакет
		jb.targetDelay -= time.Millisecond
	}

	if jb.targetDelay < jb.config.PacketTime {
		jb.targetDelay = jb.config.PacketTime
	}
	if jb.targetDelay > jb.config.MaxDelay {
		jb.targetDelay = jb.config.MaxDelay
	}

	// Текущая задержка идет к целевой: вверх быстро, вниз плавно
	delayDiff := jb.targetDelay - jb.currentDelay
	if delayDiff > 0 {
		jb.currentDelay += delayDiff / 2
	} else {
		jb.currentDelay += delayDiff / 10
	}
}
