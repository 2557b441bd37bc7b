package engine

import (
	"fmt"
	"net"

	pionrtp "github.com/pion/rtp"

	"github.com/arzzra/softswitch/pkg/audio"
	"github.com/arzzra/softswitch/pkg/hooks"
	"github.com/arzzra/softswitch/pkg/rtp"
	"github.com/arzzra/softswitch/pkg/sdp"
	"github.com/arzzra/softswitch/pkg/sip/message"
)

// supportedPayloads — кодеки движка: G.711 обоих законов плюс
// telephone-event для DTMF
func supportedPayloads() []sdp.Payload {
	return []sdp.Payload{
		{Type: 0, Name: "PCMU", ClockRate: 8000},
		{Type: 8, Name: "PCMA", ClockRate: 8000},
		{Type: 101, Name: "telephone-event", ClockRate: 8000, Fmtp: "0-16"},
	}
}

// dtmfPayloadType возвращает согласованный telephone-event payload type
// из SDP ответа; 0 — DTMF не согласован
func dtmfPayloadType(body *sdp.Body) uint8 {
	audioMedia, err := body.Audio()
	if err != nil {
		return 0
	}
	for _, p := range audioMedia.Payloads {
		if p.IsTelephoneEvent() {
			return p.Type
		}
	}
	return 0
}

// setRemoteFromSDP направляет ногу на медиа-адрес из offer
func setRemoteFromSDP(leg *rtp.Leg, body *sdp.Body) error {
	audioMedia, err := body.Audio()
	if err != nil {
		return err
	}
	if body.Connection == "" {
		return fmt.Errorf("offer without connection address")
	}
	return leg.SetRemote(body.Connection, audioMedia.Port)
}

// newLeg создает медиа-ногу на выделенном порту. Tee записи ставится
// первым обработчиком OnPacket: relay и конференция сцепляются после.
func (s *session) newLeg(suffix string, port int, chosen *sdp.Payload, dtmfPT uint8) (*rtp.Leg, error) {
	conn, err := rtp.ListenPair(s.engine.config.MediaIP, port)
	if err != nil {
		return nil, err
	}

	cfg := rtp.LegConfig{
		ID:              s.call.ID() + "-" + suffix,
		CallID:          s.call.ID(),
		PayloadType:     chosen.Type,
		ClockRate:       chosen.ClockRate,
		DTMFPayloadType: dtmfPT,
		OnDTMF:          s.onDTMF,
		OnQuality:       s.onQuality,
		Logger:          s.engine.log,
	}

	var leg *rtp.Leg
	if s.engine.deps.Recorder != nil {
		cfg.OnPacket = func(p *pionrtp.Packet) { s.teeRecording(leg, p) }
	}

	leg, err = rtp.NewLeg(cfg, conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return leg, nil
}

// teeRecording копирует упорядоченный входящий поток ноги в рекордер.
// Невключенная запись отсекается внутри рекордера без аллокаций кадров.
func (s *session) teeRecording(leg *rtp.Leg, p *pionrtp.Packet) {
	recorder := s.engine.deps.Recorder
	if recorder == nil || leg == nil || !recorder.Recording(s.call.ID()) {
		return
	}
	src := leg.RemoteRTP()
	if src == nil {
		return
	}
	raw, err := p.Marshal()
	if err != nil {
		return
	}
	dst := &net.UDPAddr{IP: net.ParseIP(s.engine.config.MediaIP), Port: leg.LocalRTPPort()}
	if err := recorder.WriteRTP(s.call.ID(), raw, src, dst); err != nil {
		s.log.WithError(err).Warn("recording write failed")
	}
}

func (s *session) onDTMF(ev rtp.DTMFEvent) {
	s.publish(hooks.Event{Type: hooks.EventDTMF, CallID: s.call.ID(), Digit: ev.Digit.String()})
}

func (s *session) onQuality(ev rtp.QualityEvent) {
	t := hooks.EventQualityRecovered
	if ev.State == rtp.QualityDegraded {
		t = hooks.EventQualityDegraded
	}
	s.publish(hooks.Event{Type: t, CallID: s.call.ID(), Detail: map[string]string{"leg": ev.LegID}})
}

// answerLocally отвечает вызывающему от имени самого коммутатора:
// voicemail и IVR терминируют медиа у нас, без ноги назначения
func (s *session) answerLocally() {
	leg, answer, _, ok := s.allocateCallerLeg()
	if !ok {
		return
	}
	s.legA = leg
	leg.Start()
	s.finishLocalAnswer(answer)
}

// joinConference терминирует медиа у нас и включает участника в микс
func (s *session) joinConference(conferenceID string) {
	leg, answer, chosen, ok := s.allocateCallerLeg()
	if !ok {
		return
	}

	codec, err := audio.ForName(chosen.Name)
	if err != nil {
		_ = leg.Close()
		s.sendFinalToCaller(message.NewResponse(s.inviteReq, 488))
		_ = s.call.Terminate()
		return
	}

	bridge, err := s.engine.bridgeFor(conferenceID)
	if err != nil {
		_ = leg.Close()
		s.sendFinalToCaller(message.NewResponse(s.inviteReq, 500))
		_ = s.call.Terminate()
		return
	}

	s.legA = leg
	participantID := s.call.ID()
	if err := bridge.Join(participantID, codec, func(payload []byte) {
		_ = leg.SendPayload(payload, false)
	}); err != nil {
		_ = leg.Close()
		s.sendFinalToCaller(message.NewResponse(s.inviteReq, 500))
		_ = s.call.Terminate()
		return
	}
	s.bridgeID = conferenceID

	leg.ChainOnPacket(func(p *pionrtp.Packet) {
		_ = bridge.Write(participantID, p.Payload)
	})
	leg.Start()
	s.finishLocalAnswer(answer)
}

// allocateCallerLeg выделяет порт и ногу под offer вызывающего
func (s *session) allocateCallerLeg() (*rtp.Leg, *sdp.Body, *sdp.Payload, bool) {
	if s.callerOffer == nil || s.inviteReq == nil {
		return nil, nil, nil, false
	}

	port, err := s.engine.deps.Coordinator.AllocateMediaPorts(s.call.ID())
	if err != nil {
		s.sendFinalToCaller(message.NewResponse(s.inviteReq, 503))
		_ = s.call.Terminate()
		return nil, nil, nil, false
	}

	answer, chosen, err := sdp.Answer(s.callerOffer, supportedPayloads(), s.engine.config.MediaIP, port)
	if err != nil {
		s.sendFinalToCaller(message.NewResponse(s.inviteReq, 488))
		_ = s.call.Terminate()
		return nil, nil, nil, false
	}

	leg, err := s.newLeg("caller", port, chosen, dtmfPayloadType(answer))
	if err != nil {
		s.log.WithError(err).Error("caller media leg failed")
		s.sendFinalToCaller(message.NewResponse(s.inviteReq, 500))
		_ = s.call.Terminate()
		return nil, nil, nil, false
	}
	if err := setRemoteFromSDP(leg, s.callerOffer); err != nil {
		s.log.WithError(err).Warn("caller media address unusable")
	}
	return leg, answer, chosen, true
}

func (s *session) finishLocalAnswer(answer *sdp.Body) {
	body, err := answer.Marshal()
	if err != nil {
		s.sendFinalToCaller(message.NewResponse(s.inviteReq, 500))
		_ = s.call.Terminate()
		return
	}
	s.localSDP = body
	s.answered = true
	s.sendFinalToCaller(message.NewResponse(s.inviteReq, 200).
		WithToTag(s.localTag).
		WithContact(s.engine.contactURI()).
		WithBody("application/sdp", body))
}
