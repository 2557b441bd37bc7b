package rtp

import (
	"fmt"
	"time"

	"github.com/pion/rtp"
)

// DTMFPayload — структура RFC 4733 payload
type DTMFPayload struct {
	Event    uint8  // DTMF digit (0-15)
	EndFlag  bool   // Признак окончания события
	Volume   uint8  // Уровень (0-63, представляет -dBm)
	Duration uint16 // Длительность в timestamp units
}

// DTMFReceiver принимает RFC 4733 пакеты и сообщает о нажатиях клавиш.
//
// Событие отдается наружу ровно один раз на нажатие: при получении
// ПЕРВОГО пакета с установленным end-флагом. Конечные пакеты
// ретранслируются отправителем для надежности; повторы с тем же
// стартовым timestamp игнорируются. Кольцо хранит несколько последних
// событий: запоздавшая ретрансляция конца предыдущей цифры, пришедшая
// уже после конца следующей, повторного нажатия не дает. Промежуточные
// пакеты (без end-флага) события не порождают.
type DTMFReceiver struct {
	payloadType uint8
	onDigit     func(DTMFEvent)

	reported  [8]uint32 // стартовые timestamp недавних событий
	reportedN int
	next      int
}

// NewDTMFReceiver создает DTMF receiver для указанного payload type
func NewDTMFReceiver(payloadType uint8, onDigit func(DTMFEvent)) *DTMFReceiver {
	return &DTMFReceiver{
		payloadType: payloadType,
		onDigit:     onDigit,
	}
}

// ProcessPacket обрабатывает входящий RTP пакет. Возвращает true, если
// пакет был DTMF (и не должен попадать в аудио-тракт).
func (dr *DTMFReceiver) ProcessPacket(packet *rtp.Packet) (bool, error) {
	if packet.PayloadType != dr.payloadType {
		return false, nil // Не DTMF пакет
	}

	payload, err := decodeDTMFPayload(packet.Payload)
	if err != nil {
		return true, err
	}

	if !payload.EndFlag {
		// Начало или продолжение нажатия: ждем конечный пакет
		return true, nil
	}

	// Все пакеты одного события несут timestamp его начала,
	// по нему отсекаются ретрансляции конечного пакета
	if dr.alreadyReported(packet.Timestamp) {
		return true, nil
	}
	dr.markReported(packet.Timestamp)

	if dr.onDigit != nil {
		dr.onDigit(DTMFEvent{
			Digit:     DTMFDigit(payload.Event),
			Duration:  time.Duration(payload.Duration) * time.Second / 8000,
			Volume:    -int8(payload.Volume),
			Timestamp: packet.Timestamp,
		})
	}

	return true, nil
}

func (dr *DTMFReceiver) alreadyReported(ts uint32) bool {
	for i := 0; i < dr.reportedN; i++ {
		if dr.reported[i] == ts {
			return true
		}
	}
	return false
}

func (dr *DTMFReceiver) markReported(ts uint32) {
	dr.reported[dr.next] = ts
	dr.next = (dr.next + 1) % len(dr.reported)
	if dr.reportedN < len(dr.reported) {
		dr.reportedN++
	}
}

// DTMFSender генерирует RFC 4733 пакеты для события
type DTMFSender struct {
	payloadType uint8
}

// NewDTMFSender создает DTMF sender
func NewDTMFSender(payloadType uint8) *DTMFSender {
	return &DTMFSender{payloadType: payloadType}
}

// GeneratePackets собирает пакеты нажатия: три стартовых (marker на
// первом) и три конечных с end-флагом. Sequence numbers проставляет
// вызывающая сторона через выделенные ей slots.
func (ds *DTMFSender) GeneratePackets(event DTMFEvent, ssrc uint32, firstSeq uint16) ([]*rtp.Packet, error) {
	if event.Duration <= 0 {
		return nil, fmt.Errorf("длительность DTMF должна быть положительной")
	}

	durationInSamples := uint16(event.Duration.Seconds() * 8000)

	volume := uint8(0)
	if event.Volume < 0 {
		volume = uint8(-event.Volume)
		if volume > 63 {
			volume = 63
		}
	}

	payload := DTMFPayload{
		Event:    uint8(event.Digit),
		Volume:   volume,
		Duration: durationInSamples,
	}
	startBytes := encodeDTMFPayload(payload)
	payload.EndFlag = true
	endBytes := encodeDTMFPayload(payload)

	packets := make([]*rtp.Packet, 0, 6)
	seq := firstSeq

	for i := 0; i < 3; i++ {
		packets = append(packets, &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         i == 0, // Marker только на первом пакете события
				PayloadType:    ds.payloadType,
				SequenceNumber: seq,
				Timestamp:      event.Timestamp,
				SSRC:           ssrc,
			},
			Payload: startBytes,
		})
		seq++
	}

	for i := 0; i < 3; i++ {
		packets = append(packets, &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    ds.payloadType,
				SequenceNumber: seq,
				Timestamp:      event.Timestamp,
				SSRC:           ssrc,
			},
			Payload: endBytes,
		})
		seq++
	}

	return packets, nil
}

// encodeDTMFPayload сериализует payload согласно RFC 4733
func encodeDTMFPayload(payload DTMFPayload) []byte {
	data := make([]byte, 4)

	data[0] = payload.Event & 0x0F
	if payload.EndFlag {
		data[1] |= 0x80
	}
	data[1] |= payload.Volume & 0x3F
	data[2] = byte(payload.Duration >> 8)
	data[3] = byte(payload.Duration & 0xFF)

	return data
}

// decodeDTMFPayload десериализует payload согласно RFC 4733
func decodeDTMFPayload(data []byte) (DTMFPayload, error) {
	if len(data) < 4 {
		return DTMFPayload{}, fmt.Errorf("%w: размер %d", ErrInvalidDTMFPayload, len(data))
	}

	return DTMFPayload{
		Event:    data[0] & 0x0F,
		EndFlag:  (data[1] & 0x80) != 0,
		Volume:   data[1] & 0x3F,
		Duration: uint16(data[2])<<8 | uint16(data[3]),
	}, nil
}
