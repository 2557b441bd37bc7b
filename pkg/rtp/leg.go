package rtp

import (
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"
	"github.com/sirupsen/logrus"

	"github.com/arzzra/softswitch/pkg/metrics"
)

// maxRTPPacketSize — потолок размера датаграммы медиа-сокета
const maxRTPPacketSize = 1500

// LegConfig — параметры медиа-ноги вызова
type LegConfig struct {
	ID     string // Идентификатор ноги
	CallID string // Вызов, которому нога принадлежит

	PayloadType     uint8         // Согласованный аудио кодек
	ClockRate       uint32        // Частота RTP clock (8000 для G.711)
	PacketTime      time.Duration // ptime, по умолчанию 20ms
	DTMFPayloadType uint8         // telephone-event payload type (0 = DTMF выключен)

	ReorderWindow int
	Jitter        JitterBufferConfig
	RTCP          RTCPConfig

	// SRTP ключи; nil = поток в открытом виде
	LocalSRTP  *SRTPKeys
	RemoteSRTP *SRTPKeys

	// OnPacket получает упорядоченные аудио пакеты после jitter buffer
	OnPacket func(*rtp.Packet)
	// OnDTMF получает события нажатий (ровно одно на нажатие)
	OnDTMF func(DTMFEvent)
	// OnQuality получает смены состояния качества по RTCP
	OnQuality func(QualityEvent)

	Logger *logrus.Entry
}

// Leg — одна медиа-нога вызова: пара сокетов, прием с восстановлением
// порядка и jitter buffer, передача с нумерацией, DTMF и RTCP.
type Leg struct {
	config LegConfig
	conn   *PairConn
	log    *logrus.Entry

	sequencer *Sequencer
	jitter    *JitterBuffer
	dtmfRecv  *DTMFReceiver
	dtmfSend  *DTMFSender
	monitor   *RTCPMonitor
	srtp      *srtpSession

	ssrc             uint32
	samplesPerPacket uint32

	mu         sync.Mutex
	remoteRTP  *net.UDPAddr
	remoteRTCP *net.UDPAddr
	remoteSSRC uint32
	sendSeq    uint16
	sendTS     uint32
	sent       SenderStats

	closed   atomic.Bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewLeg создает ногу поверх выделенной пары сокетов
func NewLeg(config LegConfig, conn *PairConn) (*Leg, error) {
	if config.ClockRate == 0 {
		config.ClockRate = 8000
	}
	if config.PacketTime <= 0 {
		config.PacketTime = 20 * time.Millisecond
	}
	if config.Logger == nil {
		config.Logger = logrus.NewEntry(logrus.StandardLogger())
	}

	config.Jitter.ClockRate = config.ClockRate
	config.Jitter.PacketTime = config.PacketTime

	leg := &Leg{
		config:           config,
		conn:             conn,
		log:              config.Logger.WithFields(logrus.Fields{"leg_id": config.ID, "call_id": config.CallID}),
		sequencer:        NewSequencer(config.ReorderWindow),
		jitter:           NewJitterBuffer(config.Jitter),
		ssrc:             rand.Uint32(),
		sendSeq:          uint16(rand.Uint32()),
		sendTS:           rand.Uint32(),
		samplesPerPacket: uint32(uint64(config.ClockRate) * uint64(config.PacketTime) / uint64(time.Second)),
		stopChan:         make(chan struct{}),
	}

	if config.DTMFPayloadType != 0 {
		leg.dtmfRecv = NewDTMFReceiver(config.DTMFPayloadType, leg.reportDTMF)
		leg.dtmfSend = NewDTMFSender(config.DTMFPayloadType)
	}

	leg.monitor = NewRTCPMonitor(config.ID, config.RTCP, leg.reportQuality)

	if config.LocalSRTP != nil && config.RemoteSRTP != nil {
		session, err := newSRTPSession(*config.LocalSRTP, *config.RemoteSRTP)
		if err != nil {
			return nil, err
		}
		leg.srtp = session
	}

	return leg, nil
}

// ID возвращает идентификатор ноги
func (l *Leg) ID() string { return l.config.ID }

// SSRC возвращает локальный SSRC исходящего потока
func (l *Leg) SSRC() uint32 { return l.ssrc }

// LocalRTPPort возвращает локальный RTP порт ноги
func (l *Leg) LocalRTPPort() int { return l.conn.RTPPort() }

// Start запускает циклы приема и RTCP
func (l *Leg) Start() {
	l.wg.Add(4)
	go l.readLoop()
	go l.jitterOutLoop()
	go l.rtcpReadLoop()
	go l.rtcpTickLoop()
}

// SetRemote устанавливает адрес удаленной стороны из SDP ответа.
// RTCP идет на порт RTP+1.
func (l *Leg) SetRemote(ip string, rtpPort int) error {
	addr := net.ParseIP(ip)
	if addr == nil {
		return ErrNoRemote
	}
	l.mu.Lock()
	l.remoteRTP = &net.UDPAddr{IP: addr, Port: rtpPort}
	l.remoteRTCP = &net.UDPAddr{IP: addr, Port: rtpPort + 1}
	l.mu.Unlock()
	return nil
}

// SendPayload отправляет один аудио кадр, нумеруя и штампуя его
// локальным клоком ноги
func (l *Leg) SendPayload(payload []byte, marker bool) error {
	if l.closed.Load() {
		return ErrLegClosed
	}

	l.mu.Lock()
	remote := l.remoteRTP
	if remote == nil {
		l.mu.Unlock()
		return ErrNoRemote
	}

	packet := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    l.config.PayloadType,
			SequenceNumber: l.sendSeq,
			Timestamp:      l.sendTS,
			SSRC:           l.ssrc,
		},
		Payload: payload,
	}
	l.sendSeq++
	l.sendTS += l.samplesPerPacket
	l.mu.Unlock()

	return l.writePacket(packet, remote)
}

// SendDTMF отправляет нажатие клавиши как RFC 4733 событие
func (l *Leg) SendDTMF(digit DTMFDigit, duration time.Duration) error {
	if l.dtmfSend == nil {
		return ErrInvalidDTMFPayload
	}
	if l.closed.Load() {
		return ErrLegClosed
	}

	l.mu.Lock()
	remote := l.remoteRTP
	if remote == nil {
		l.mu.Unlock()
		return ErrNoRemote
	}
	event := DTMFEvent{
		Digit:     digit,
		Duration:  duration,
		Volume:    -10,
		Timestamp: l.sendTS,
	}
	firstSeq := l.sendSeq
	l.sendSeq += 6 // 3 стартовых + 3 конечных пакета
	l.mu.Unlock()

	packets, err := l.dtmfSend.GeneratePackets(event, l.ssrc, firstSeq)
	if err != nil {
		return err
	}
	for _, p := range packets {
		if err := l.writePacket(p, remote); err != nil {
			return err
		}
	}
	return nil
}

// ChainOnPacket добавляет обработчик после уже установленного.
// Вызывать строго до Start, как и NewRelay.
func (l *Leg) ChainOnPacket(fn func(*rtp.Packet)) {
	prev := l.config.OnPacket
	l.config.OnPacket = func(p *rtp.Packet) {
		if prev != nil {
			prev(p)
		}
		fn(p)
	}
}

// RemoteRTP возвращает адрес удаленной стороны (nil до SetRemote)
func (l *Leg) RemoteRTP() *net.UDPAddr {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remoteRTP
}

// Degraded сообщает, помечена ли нога как деградировавшая по RTCP
func (l *Leg) Degraded() bool { return l.monitor.Degraded() }

// LegStats — сводка счетчиков ноги
type LegStats struct {
	Sequencer SequencerStats
	Jitter    JitterBufferStatistics
	Sent      SenderStats
	Degraded  bool
}

// Stats возвращает снимок счетчиков ноги
func (l *Leg) Stats() LegStats {
	l.mu.Lock()
	sent := l.sent
	l.mu.Unlock()
	return LegStats{
		Sequencer: l.sequencer.Stats(),
		Jitter:    l.jitter.GetStatistics(),
		Sent:      sent,
		Degraded:  l.monitor.Degraded(),
	}
}

// Close останавливает циклы и закрывает сокеты
func (l *Leg) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(l.stopChan)
	err := l.conn.Close()
	l.jitter.Stop()
	l.wg.Wait()
	if l.monitor.Degraded() {
		metrics.DegradedLegs.Dec()
	}
	return err
}

func (l *Leg) writePacket(packet *rtp.Packet, remote *net.UDPAddr) error {
	raw, err := packet.Marshal()
	if err != nil {
		return err
	}
	if l.srtp != nil {
		raw, err = l.srtp.protect(raw)
		if err != nil {
			return err
		}
	}
	if _, err := l.conn.RTP.WriteToUDP(raw, remote); err != nil {
		return err
	}

	l.mu.Lock()
	l.sent.Packets++
	l.sent.Octets += uint32(len(packet.Payload))
	l.sent.LastTimestamp = packet.Timestamp
	l.mu.Unlock()
	return nil
}

// readLoop принимает RTP: SRTP расшифровка, DTMF демультиплексирование,
// затем секвенсор и jitter buffer
func (l *Leg) readLoop() {
	defer l.wg.Done()

	buf := make([]byte, maxRTPPacketSize)
	var lostSeen uint64
	for !l.closed.Load() {
		n, _, err := l.conn.RTP.ReadFromUDP(buf)
		if err != nil {
			if l.closed.Load() {
				return
			}
			continue
		}

		raw := make([]byte, n)
		copy(raw, buf[:n])

		if l.srtp != nil {
			raw, err = l.srtp.unprotect(raw)
			if err != nil {
				l.log.WithError(err).Debug("srtp unprotect failed, packet dropped")
				continue
			}
		}

		packet := &rtp.Packet{}
		if err := packet.Unmarshal(raw); err != nil {
			l.log.WithError(err).Debug("malformed rtp packet dropped")
			continue
		}

		l.mu.Lock()
		l.remoteSSRC = packet.SSRC
		l.mu.Unlock()

		if l.dtmfRecv != nil {
			isDTMF, err := l.dtmfRecv.ProcessPacket(packet)
			if err != nil {
				l.log.WithError(err).Debug("bad dtmf payload dropped")
				continue
			}
			if isDTMF {
				continue
			}
		}

		for _, ordered := range l.sequencer.Push(packet) {
			metrics.RTPPacketsReceived.Inc()
			if err := l.jitter.Put(ordered); err != nil {
				return
			}
		}
		if lost := l.sequencer.Stats().Lost; lost > lostSeen {
			metrics.RTPPacketsLost.Add(float64(lost - lostSeen))
			lostSeen = lost
		}
	}
}

// jitterOutLoop передает готовые пакеты наверх
func (l *Leg) jitterOutLoop() {
	defer l.wg.Done()

	for {
		select {
		case <-l.stopChan:
			return
		case packet := <-l.jitter.Output():
			if packet != nil && l.config.OnPacket != nil {
				l.config.OnPacket(packet)
			}
		}
	}
}

// rtcpReadLoop принимает RTCP отчеты удаленной стороны
func (l *Leg) rtcpReadLoop() {
	defer l.wg.Done()

	buf := make([]byte, maxRTPPacketSize)
	for !l.closed.Load() {
		n, _, err := l.conn.RTCP.ReadFromUDP(buf)
		if err != nil {
			if l.closed.Load() {
				return
			}
			continue
		}
		if err := l.monitor.OnPacket(buf[:n]); err != nil {
			l.log.WithError(err).Debug("malformed rtcp dropped")
		}
	}
}

// rtcpTickLoop раз в интервал отправляет SR и оценивает пропуски
func (l *Leg) rtcpTickLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.monitor.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-l.stopChan:
			return
		case now := <-ticker.C:
			l.sendReport(now)
			l.monitor.Tick(now)
		}
	}
}

func (l *Leg) sendReport(now time.Time) {
	l.mu.Lock()
	remote := l.remoteRTCP
	remoteSSRC := l.remoteSSRC
	sent := l.sent
	l.mu.Unlock()

	if remote == nil {
		return
	}

	seqStats := l.sequencer.Stats()
	recv := ReceiverStats{
		Received:  seqStats.Received,
		TotalLost: uint32(seqStats.Lost),
	}

	report, err := BuildSenderReport(l.ssrc, remoteSSRC, sent, recv, now)
	if err != nil {
		l.log.WithError(err).Warn("rtcp report build failed")
		return
	}
	if _, err := l.conn.RTCP.WriteToUDP(report, remote); err != nil && !l.closed.Load() {
		l.log.WithError(err).Debug("rtcp send failed")
	}
}

func (l *Leg) reportDTMF(event DTMFEvent) {
	metrics.DTMFDigits.Inc()
	l.log.WithField("digit", event.Digit.String()).Debug("dtmf digit received")
	if l.config.OnDTMF != nil {
		l.config.OnDTMF(event)
	}
}

func (l *Leg) reportQuality(event QualityEvent) {
	if event.State == QualityDegraded {
		metrics.DegradedLegs.Inc()
		l.log.WithField("missed_intervals", event.MissedRTCP).Warn("media leg degraded, no rtcp from peer")
	} else {
		metrics.DegradedLegs.Dec()
		l.log.Info("media leg recovered")
	}
	if l.config.OnQuality != nil {
		l.config.OnQuality(event)
	}
}
