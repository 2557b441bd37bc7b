package rtp

import (
	"fmt"

	"github.com/pion/srtp/v2"
)

// SRTPKeys — ключевой материал для защиты потока. Обмен ключами
// происходит вне движка (SDES в сигнализации либо provisioning),
// сюда приходит готовый master key + salt.
type SRTPKeys struct {
	MasterKey  []byte // 16 байт для AES_128_CM
	MasterSalt []byte // 14 байт
}

// srtpSession держит контексты шифрования для обоих направлений
type srtpSession struct {
	out *srtp.Context // локальный ключ, шифрование исходящих
	in  *srtp.Context // удаленный ключ, расшифровка входящих
}

// newSRTPSession создает сессию из локального и удаленного ключей
func newSRTPSession(local, remote SRTPKeys) (*srtpSession, error) {
	out, err := srtp.CreateContext(local.MasterKey, local.MasterSalt, srtp.ProtectionProfileAes128CmHmacSha1_80)
	if err != nil {
		return nil, fmt.Errorf("srtp outbound context: %w", err)
	}
	in, err := srtp.CreateContext(remote.MasterKey, remote.MasterSalt, srtp.ProtectionProfileAes128CmHmacSha1_80)
	if err != nil {
		return nil, fmt.Errorf("srtp inbound context: %w", err)
	}
	return &srtpSession{out: out, in: in}, nil
}

// protect шифрует исходящий RTP пакет
func (s *srtpSession) protect(raw []byte) ([]byte, error) {
	return s.out.EncryptRTP(nil, raw, nil)
}

// unprotect расшифровывает входящий RTP пакет
func (s *srtpSession) unprotect(raw []byte) ([]byte, error) {
	return s.in.DecryptRTP(nil, raw, nil)
}
