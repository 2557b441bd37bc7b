package rtp

import (
	"fmt"
	"net"
)

// PairConn — пара UDP сокетов медиа-ноги: RTP на четном порту,
// RTCP на следующем нечетном (RFC 3550 соглашение).
type PairConn struct {
	RTP  *net.UDPConn
	RTCP *net.UDPConn
}

// RTPPort возвращает локальный RTP порт
func (p *PairConn) RTPPort() int {
	return p.RTP.LocalAddr().(*net.UDPAddr).Port
}

// Close закрывает оба сокета
func (p *PairConn) Close() error {
	var first error
	if err := p.RTP.Close(); err != nil {
		first = err
	}
	if err := p.RTCP.Close(); err != nil && first == nil {
		first = err
	}
	return first
}

// ListenPair открывает пару сокетов на выделенных портах.
// rtpPort должен быть четным — пул портов выдает только четные.
func ListenPair(ip string, rtpPort int) (*PairConn, error) {
	if rtpPort%2 != 0 {
		return nil, fmt.Errorf("rtp port must be even, got %d", rtpPort)
	}

	addr := net.ParseIP(ip)
	if addr == nil {
		return nil, fmt.Errorf("invalid media ip %q", ip)
	}

	rtpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: addr, Port: rtpPort})
	if err != nil {
		return nil, fmt.Errorf("listen rtp %d: %w", rtpPort, err)
	}

	rtcpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: addr, Port: rtpPort + 1})
	if err != nil {
		rtpConn.Close()
		return nil, fmt.Errorf("listen rtcp %d: %w", rtpPort+1, err)
	}

	// Голосовые оптимизации сокета (DSCP EF, буферы) — по возможности,
	// отказ не фатален
	_ = setSockOptForVoice(rtpConn)
	_ = setSockOptForVoice(rtcpConn)

	return &PairConn{RTP: rtpConn, RTCP: rtcpConn}, nil
}
