// Package conference реализует микшер конференции: N участников,
// каждый слышит сумму всех остальных без собственного вклада.
package conference

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arzzra/softswitch/pkg/audio"
)

const (
	// internalRate — внутренняя частота микса
	internalRate = 8000
	// frameDuration — шаг микширования
	frameDuration = 20 * time.Millisecond
	// frameSamples — сэмплов в одном кадре микса
	frameSamples = internalRate / 50
	// fadeFrames — кадров линейного фейда при входе/выходе участника
	fadeFrames = 5
	// maxBufferedFrames — глубина входного буфера участника
	maxBufferedFrames = 10
)

var (
	ErrBridgeClosed        = errors.New("conference bridge closed")
	ErrParticipantExists   = errors.New("participant already in conference")
	ErrUnknownParticipant  = errors.New("unknown participant")
	ErrConferenceEmptyName = errors.New("conference id empty")
)

// fadeState — фаза огибающей участника
type fadeState int

const (
	fadeIn fadeState = iota
	fadeSteady
	fadeOut
)

type participant struct {
	id    string
	codec audio.Codec
	out   func(payload []byte)

	mu     sync.Mutex
	buf    [][]int16 // очередь декодированных кадров по 20ms
	muted  bool
	fade   fadeState
	gain   int32 // 0..256, шаг 256/fadeFrames за кадр
	silent bool  // в этом кадре вклада не было
	frame  []int16
}

// Bridge — одна конференция. Создается при входе первого участника,
// уничтожается при выходе последнего.
type Bridge struct {
	id  string
	log *logrus.Entry

	mu           sync.Mutex
	participants map[string]*participant
	closed       bool

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewBridge создает конференцию и запускает цикл микширования
func NewBridge(id string, log *logrus.Entry) (*Bridge, error) {
	if id == "" {
		return nil, ErrConferenceEmptyName
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	b := &Bridge{
		id:           id,
		log:          log.WithField("conference", id),
		participants: make(map[string]*participant),
		stopChan:     make(chan struct{}),
	}
	b.wg.Add(1)
	go b.mixLoop()
	return b, nil
}

// ID возвращает идентификатор конференции
func (b *Bridge) ID() string { return b.id }

// Join добавляет участника. out получает микс, закодированный кодеком
// участника, каждые 20ms. Вход начинается с фейда, остальные не слышат
// скачка.
func (b *Bridge) Join(id string, codec audio.Codec, out func(payload []byte)) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBridgeClosed
	}
	if _, ok := b.participants[id]; ok {
		return ErrParticipantExists
	}

	b.participants[id] = &participant{
		id:    id,
		codec: codec,
		out:   out,
		fade:  fadeIn,
	}
	b.log.WithField("participant", id).Info("participant joined")
	return nil
}

// Leave выводит участника. Его вклад уходит из микса фейдом, после
// чего участник удаляется.
func (b *Bridge) Leave(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.participants[id]
	if !ok {
		return ErrUnknownParticipant
	}
	p.mu.Lock()
	p.fade = fadeOut
	p.mu.Unlock()
	b.log.WithField("participant", id).Info("participant leaving")
	return nil
}

// SetMute включает/выключает участника в сумме. Замьюченный участник
// продолжает слышать остальных.
func (b *Bridge) SetMute(id string, muted bool) error {
	b.mu.Lock()
	p, ok := b.participants[id]
	b.mu.Unlock()
	if !ok {
		return ErrUnknownParticipant
	}
	p.mu.Lock()
	p.muted = muted
	p.mu.Unlock()
	return nil
}

// Write подает аудио участника в микс: payload декодируется его
// кодеком и при необходимости приводится к внутренней частоте.
func (b *Bridge) Write(id string, payload []byte) error {
	b.mu.Lock()
	p, ok := b.participants[id]
	b.mu.Unlock()
	if !ok {
		return ErrUnknownParticipant
	}

	pcm := p.codec.Decode(payload)
	if p.codec.ClockRate() != internalRate {
		pcm = audio.Resample(pcm, p.codec.ClockRate(), internalRate)
	}

	p.mu.Lock()
	if len(p.buf) >= maxBufferedFrames {
		p.buf = p.buf[1:] // отстающий буфер: старый кадр уступает новому
	}
	p.buf = append(p.buf, pcm)
	p.mu.Unlock()
	return nil
}

// Size возвращает число участников
func (b *Bridge) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.participants)
}

// Close останавливает микширование
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()
	close(b.stopChan)
	b.wg.Wait()
	return nil
}

func (b *Bridge) mixLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopChan:
			return
		case <-ticker.C:
			b.mixOnce()
		}
	}
}

// mixOnce выполняет один шаг: снимает по кадру с каждого участника,
// суммирует в int32 и раздает каждому сумму минус его собственный вклад.
func (b *Bridge) mixOnce() {
	b.mu.Lock()
	members := make([]*participant, 0, len(b.participants))
	for _, p := range b.participants {
		members = append(members, p)
	}
	b.mu.Unlock()

	if len(members) == 0 {
		return
	}

	total := make([]int32, frameSamples)

	for _, p := range members {
		p.mu.Lock()
		p.frame = nil
		p.silent = true

		if len(p.buf) > 0 {
			p.frame = p.buf[0]
			p.buf = p.buf[1:]
		}

		// Огибающая входа/выхода
		switch p.fade {
		case fadeIn:
			p.gain += 256 / fadeFrames
			if p.gain >= 256 {
				p.gain = 256
				p.fade = fadeSteady
			}
		case fadeOut:
			p.gain -= 256 / fadeFrames
			if p.gain < 0 {
				p.gain = 0
			}
		}

		if p.frame != nil && !p.muted && p.gain > 0 {
			p.silent = false
			for i := 0; i < frameSamples && i < len(p.frame); i++ {
				total[i] += int32(p.frame[i]) * p.gain / 256
			}
		}
		p.mu.Unlock()
	}

	for _, p := range members {
		p.mu.Lock()
		out := p.out
		codec := p.codec
		frame := p.frame
		silent := p.silent
		gain := p.gain
		done := p.fade == fadeOut && gain == 0
		p.mu.Unlock()

		if done {
			b.mu.Lock()
			delete(b.participants, p.id)
			b.mu.Unlock()
			b.log.WithField("participant", p.id).Info("participant left")
			continue
		}

		if out == nil {
			continue
		}

		mix := make([]int16, frameSamples)
		for i := range mix {
			v := total[i]
			// Исключаем собственный вклад слушателя
			if !silent && i < len(frame) {
				v -= int32(frame[i]) * gain / 256
			}
			mix[i] = clip(v)
		}

		encoded := mix
		if codec.ClockRate() != internalRate {
			encoded = audio.Resample(mix, internalRate, codec.ClockRate())
		}
		out(codec.Encode(encoded))
	}
}

func clip(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
