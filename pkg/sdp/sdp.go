// Package sdp отображает SDP тела SIP сообщений в структуру, с которой
// работают маршрутизатор и медиа слой: медиа описания, connection адрес,
// rtpmap/fmtp атрибуты. Разбор и сериализация делегированы pion/sdp.
package sdp

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pion/sdp/v3"
)

var (
	// ErrInvalidSDP возвращается когда тело не разбирается как SDP.
	ErrInvalidSDP = errors.New("invalid SDP body")
	// ErrNoAudioMedia возвращается когда offer не содержит audio секции.
	ErrNoAudioMedia = errors.New("no audio media description")
	// ErrNoCompatibleCodec возвращается когда нет общего кодека.
	ErrNoCompatibleCodec = errors.New("no compatible codec")
)

// Payload описывает один кодек из rtpmap.
type Payload struct {
	Type      uint8
	Name      string // "PCMU", "PCMA", "telephone-event"
	ClockRate uint32
	Fmtp      string
}

// IsTelephoneEvent сообщает что payload несет DTMF события RFC 2833.
func (p Payload) IsTelephoneEvent() bool {
	return strings.EqualFold(p.Name, "telephone-event")
}

// Media представляет одну медиа секцию (m= строка с атрибутами).
type Media struct {
	Type     string // "audio", "video"
	Port     int
	Protocol string
	Payloads []Payload
	// Направление потока: sendrecv (по умолчанию), sendonly, recvonly, inactive.
	Direction string
}

// Body структурированное SDP тело.
type Body struct {
	Origin     string
	Session    string
	Connection string // c= адрес уровня сессии
	Media      []Media
}

// Audio возвращает первую audio секцию.
func (b *Body) Audio() (*Media, error) {
	for i := range b.Media {
		if b.Media[i].Type == "audio" {
			return &b.Media[i], nil
		}
	}
	return nil, ErrNoAudioMedia
}

// Parse разбирает SDP тело.
func Parse(data []byte) (*Body, error) {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSDP, err)
	}

	body := &Body{
		Origin:  sd.Origin.Username,
		Session: string(sd.SessionName),
	}
	if sd.ConnectionInformation != nil && sd.ConnectionInformation.Address != nil {
		body.Connection = sd.ConnectionInformation.Address.Address
	}

	for _, md := range sd.MediaDescriptions {
		media := Media{
			Type:      md.MediaName.Media,
			Port:      md.MediaName.Port.Value,
			Protocol:  strings.Join(md.MediaName.Protos, "/"),
			Direction: "sendrecv",
		}
		if md.ConnectionInformation != nil && md.ConnectionInformation.Address != nil && body.Connection == "" {
			body.Connection = md.ConnectionInformation.Address.Address
		}

		// rtpmap/fmtp по payload type
		rtpmaps := make(map[uint8]Payload)
		fmtps := make(map[uint8]string)
		for _, attr := range md.Attributes {
			switch attr.Key {
			case "rtpmap":
				pt, payload, ok := parseRtpmap(attr.Value)
				if ok {
					rtpmaps[pt] = payload
				}
			case "fmtp":
				if pt, rest, ok := splitPayloadAttr(attr.Value); ok {
					fmtps[pt] = rest
				}
			case "sendonly", "recvonly", "inactive", "sendrecv":
				media.Direction = attr.Key
			}
		}

		for _, format := range md.MediaName.Formats {
			ptInt, err := strconv.Atoi(format)
			if err != nil || ptInt < 0 || ptInt > 127 {
				continue
			}
			pt := uint8(ptInt)
			payload, ok := rtpmaps[pt]
			if !ok {
				payload = staticPayload(pt)
			}
			payload.Type = pt
			payload.Fmtp = fmtps[pt]
			media.Payloads = append(media.Payloads, payload)
		}

		body.Media = append(body.Media, media)
	}

	return body, nil
}

// parseRtpmap разбирает "0 PCMU/8000" в Payload.
func parseRtpmap(value string) (uint8, Payload, bool) {
	pt, rest, ok := splitPayloadAttr(value)
	if !ok {
		return 0, Payload{}, false
	}
	parts := strings.Split(rest, "/")
	if len(parts) < 2 {
		return 0, Payload{}, false
	}
	rate, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return 0, Payload{}, false
	}
	return pt, Payload{Name: parts[0], ClockRate: uint32(rate)}, true
}

func splitPayloadAttr(value string) (uint8, string, bool) {
	spaceIdx := strings.Index(value, " ")
	if spaceIdx < 0 {
		return 0, "", false
	}
	pt, err := strconv.Atoi(value[:spaceIdx])
	if err != nil || pt < 0 || pt > 127 {
		return 0, "", false
	}
	return uint8(pt), value[spaceIdx+1:], true
}

// staticPayload возвращает описание для статических payload types RFC 3551.
func staticPayload(pt uint8) Payload {
	switch pt {
	case 0:
		return Payload{Name: "PCMU", ClockRate: 8000}
	case 8:
		return Payload{Name: "PCMA", ClockRate: 8000}
	case 9:
		return Payload{Name: "G722", ClockRate: 8000}
	case 18:
		return Payload{Name: "G729", ClockRate: 8000}
	default:
		return Payload{Name: "unknown", ClockRate: 8000}
	}
}

// Marshal сериализует тело обратно в SDP.
func (b *Body) Marshal() ([]byte, error) {
	sd := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       originOrDefault(b.Origin),
			SessionID:      uint64(time.Now().Unix()),
			SessionVersion: uint64(time.Now().Unix()),
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: b.Connection,
		},
		SessionName: sdp.SessionName(sessionOrDefault(b.Session)),
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: b.Connection},
		},
		TimeDescriptions: []sdp.TimeDescription{{Timing: sdp.Timing{}}},
	}

	for _, media := range b.Media {
		md := &sdp.MediaDescription{
			MediaName: sdp.MediaName{
				Media:  media.Type,
				Port:   sdp.RangedPort{Value: media.Port},
				Protos: strings.Split(protocolOrDefault(media.Protocol), "/"),
			},
		}
		for _, payload := range media.Payloads {
			md.MediaName.Formats = append(md.MediaName.Formats, strconv.Itoa(int(payload.Type)))
			rtpmap := fmt.Sprintf("%d %s/%d", payload.Type, payload.Name, payload.ClockRate)
			md.Attributes = append(md.Attributes, sdp.NewAttribute("rtpmap", rtpmap))
			if payload.Fmtp != "" {
				fmtp := fmt.Sprintf("%d %s", payload.Type, payload.Fmtp)
				md.Attributes = append(md.Attributes, sdp.NewAttribute("fmtp", fmtp))
			}
		}
		if media.Direction != "" && media.Direction != "sendrecv" {
			md.Attributes = append(md.Attributes, sdp.NewPropertyAttribute(media.Direction))
		}
		md.Attributes = append(md.Attributes, sdp.NewAttribute("ptime", "20"))
		sd.MediaDescriptions = append(sd.MediaDescriptions, md)
	}

	return sd.Marshal()
}

func originOrDefault(s string) string {
	if s == "" {
		return "softswitch"
	}
	return s
}

func sessionOrDefault(s string) string {
	if s == "" {
		return "call"
	}
	return s
}

func protocolOrDefault(s string) string {
	if s == "" {
		return "RTP/AVP"
	}
	return s
}

// NewOffer строит offer с указанными кодеками.
func NewOffer(addr string, port int, payloads []Payload) *Body {
	return &Body{
		Connection: addr,
		Media: []Media{{
			Type:     "audio",
			Port:     port,
			Protocol: "RTP/AVP",
			Payloads: payloads,
		}},
	}
}

// Answer строит ответ на offer: выбирается первый общий кодек (порядок
// offer имеет приоритет), telephone-event добавляется если обе стороны
// его поддерживают. Кодеки - черные ящики, сравниваются по имени и частоте.
func Answer(offer *Body, supported []Payload, addr string, port int) (*Body, *Payload, error) {
	audio, err := offer.Audio()
	if err != nil {
		return nil, nil, err
	}

	var chosen *Payload
	var dtmf *Payload
	for i := range audio.Payloads {
		remote := audio.Payloads[i]
		for _, local := range supported {
			if remote.IsTelephoneEvent() && local.IsTelephoneEvent() {
				if dtmf == nil {
					d := remote
					dtmf = &d
				}
				continue
			}
			if chosen == nil &&
				strings.EqualFold(remote.Name, local.Name) &&
				remote.ClockRate == local.ClockRate {
				c := remote
				chosen = &c
			}
		}
	}
	if chosen == nil {
		return nil, nil, ErrNoCompatibleCodec
	}

	payloads := []Payload{*chosen}
	if dtmf != nil {
		payloads = append(payloads, *dtmf)
	}

	answer := &Body{
		Connection: addr,
		Media: []Media{{
			Type:     "audio",
			Port:     port,
			Protocol: audio.Protocol,
			Payloads: payloads,
		}},
	}
	return answer, chosen, nil
}
