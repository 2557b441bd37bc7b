package rtp

import (
	"sort"
	"sync"

	"github.com/pion/rtp"
)

// DefaultReorderWindow — окно переупорядочивания в пакетах по умолчанию
const DefaultReorderWindow = 5

// SequencerStats — счетчики секвенсора
type SequencerStats struct {
	Received   uint64 // Всего принято пакетов
	Delivered  uint64 // Выдано в правильном порядке
	Lost       uint64 // Объявлено потерянными (пропуски в нумерации)
	Late       uint64 // Пришли позже окна и отброшены
	Reordered  uint64 // Переставлены внутри окна
	Duplicates uint64 // Дубликаты
}

// Sequencer восстанавливает порядок RTP пакетов по sequence number.
// Пакеты внутри окна переупорядочивания буферизуются и выдаются по
// порядку; пакеты старее окна считаются потерей и никогда не
// воспроизводятся задним числом. Wrap-around uint16 учитывается.
type Sequencer struct {
	mu sync.Mutex

	window  uint16
	started bool
	nextSeq uint16

	pending map[uint16]*rtp.Packet
	stats   SequencerStats
}

// NewSequencer создает секвенсор с указанным окном (в пакетах)
func NewSequencer(window int) *Sequencer {
	if window <= 0 {
		window = DefaultReorderWindow
	}
	return &Sequencer{
		window:  uint16(window),
		pending: make(map[uint16]*rtp.Packet),
	}
}

// Push принимает очередной пакет и возвращает пакеты, готовые к выдаче
// в правильном порядке (возможно пустой срез).
func (s *Sequencer) Push(packet *rtp.Packet) []*rtp.Packet {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats.Received++
	seq := packet.SequenceNumber

	if !s.started {
		s.started = true
		s.nextSeq = seq + 1
		s.stats.Delivered++
		return []*rtp.Packet{packet}
	}

	switch {
	case seq == s.nextSeq:
		s.nextSeq = seq + 1
		out := []*rtp.Packet{packet}
		out = s.drainPending(out)
		s.stats.Delivered += uint64(len(out))
		return out

	case isSeqNewer(seq, s.nextSeq):
		gap := seqDiff(seq, s.nextSeq)
		if gap < s.window {
			// Внутри окна: придерживаем до заполнения пропуска
			if _, dup := s.pending[seq]; dup {
				s.stats.Duplicates++
				return nil
			}
			s.pending[seq] = packet
			s.stats.Reordered++
			return nil
		}
		// Слишком далеко вперед: пропущенные номера объявляем потерей
		// и продолжаем с нового места
		out := s.flushBefore(seq)
		s.stats.Lost += uint64(gap) - uint64(len(out))
		out = append(out, packet)
		s.nextSeq = seq + 1
		out = s.drainPending(out)
		s.stats.Delivered += uint64(len(out))
		return out

	default:
		// Старее ожидаемого: либо дубликат, либо опоздал за окно
		if seq == s.nextSeq-1 {
			s.stats.Duplicates++
		} else {
			s.stats.Late++
		}
		return nil
	}
}

// Stats возвращает снимок счетчиков
func (s *Sequencer) Stats() SequencerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// drainPending выдает буферизованные пакеты, идущие подряд за nextSeq
func (s *Sequencer) drainPending(out []*rtp.Packet) []*rtp.Packet {
	for {
		p, ok := s.pending[s.nextSeq]
		if !ok {
			return out
		}
		delete(s.pending, s.nextSeq)
		out = append(out, p)
		s.nextSeq++
	}
}

// flushBefore выдает все буферизованные пакеты старее seq по порядку
func (s *Sequencer) flushBefore(seq uint16) []*rtp.Packet {
	if len(s.pending) == 0 {
		return nil
	}
	keys := make([]uint16, 0, len(s.pending))
	for k := range s.pending {
		if isSeqNewer(seq, k) {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return isSeqNewer(keys[j], keys[i]) })

	out := make([]*rtp.Packet, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.pending[k])
		delete(s.pending, k)
	}
	return out
}

// isSeqNewer проверяет, является ли seq1 новее seq2 (с учетом wrap-around)
func isSeqNewer(seq1, seq2 uint16) bool {
	return ((seq1 > seq2) && (seq1-seq2 < 32768)) ||
		((seq1 < seq2) && (seq2-seq1 > 32768))
}

// seqDiff вычисляет разность между sequence numbers (с учетом wrap-around)
func seqDiff(newer, older uint16) uint16 {
	if newer >= older {
		return newer - older
	}
	return newer + (^older + 1)
}
