// Package rtp реализует медиа-транспорт вызова: UDP сокеты с парой
// портов RTP/RTCP, восстановление порядка пакетов, адаптивный jitter
// buffer, прием и генерацию DTMF (RFC 4733), RTCP мониторинг качества
// и опциональную SRTP защиту потока.
package rtp

import (
	"errors"
	"time"
)

var (
	// ErrLegClosed возвращается при операциях над остановленной медиа-ногой
	ErrLegClosed = errors.New("media leg closed")
	// ErrNoRemote возвращается при попытке отправки до получения SDP ответа
	ErrNoRemote = errors.New("remote media address not set")
	// ErrInvalidDTMFPayload возвращается при некорректном RFC 4733 payload
	ErrInvalidDTMFPayload = errors.New("invalid dtmf payload")
)

// DTMFDigit представляет DTMF цифру согласно RFC 4733
type DTMFDigit uint8

const (
	DTMF0     DTMFDigit = 0
	DTMF1     DTMFDigit = 1
	DTMF2     DTMFDigit = 2
	DTMF3     DTMFDigit = 3
	DTMF4     DTMFDigit = 4
	DTMF5     DTMFDigit = 5
	DTMF6     DTMFDigit = 6
	DTMF7     DTMFDigit = 7
	DTMF8     DTMFDigit = 8
	DTMF9     DTMFDigit = 9
	DTMFStar  DTMFDigit = 10 // *
	DTMFPound DTMFDigit = 11 // #
	DTMFA     DTMFDigit = 12
	DTMFB     DTMFDigit = 13
	DTMFC     DTMFDigit = 14
	DTMFD     DTMFDigit = 15
)

var dtmfRunes = [16]rune{'0', '1', '2', '3', '4', '5', '6', '7', '8', '9', '*', '#', 'A', 'B', 'C', 'D'}

func (d DTMFDigit) String() string {
	if d <= DTMFD {
		return string(dtmfRunes[d])
	}
	return "?"
}

// DigitFromRune преобразует символ в DTMF цифру
func DigitFromRune(r rune) (DTMFDigit, bool) {
	switch {
	case r >= '0' && r <= '9':
		return DTMFDigit(r - '0'), true
	case r == '*':
		return DTMFStar, true
	case r == '#':
		return DTMFPound, true
	case r >= 'A' && r <= 'D':
		return DTMFDigit(12 + r - 'A'), true
	case r >= 'a' && r <= 'd':
		return DTMFDigit(12 + r - 'a'), true
	}
	return 0, false
}

// DTMFEvent представляет одно завершенное нажатие клавиши
type DTMFEvent struct {
	Digit     DTMFDigit     // DTMF цифра
	Duration  time.Duration // Длительность нажатия
	Volume    int8          // Уровень громкости (от 0 до -63 dBm)
	Timestamp uint32        // RTP timestamp начала события
}

// QualityState — состояние качества медиа-ноги по данным RTCP
type QualityState int

const (
	// QualityGood — RTCP отчеты приходят вовремя
	QualityGood QualityState = iota
	// QualityDegraded — RTCP отсутствует несколько интервалов подряд
	QualityDegraded
)

func (s QualityState) String() string {
	if s == QualityDegraded {
		return "degraded"
	}
	return "good"
}

// QualityEvent публикуется при смене состояния качества ноги
type QualityEvent struct {
	LegID        string
	State        QualityState
	LossPercent  float64
	Jitter       time.Duration
	MissedRTCP   int
	ObservedAtNS int64
}
