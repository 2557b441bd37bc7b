//go:build linux

package rtp

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// dscpEF — DSCP Expedited Forwarding, стандартная маркировка для голоса
const dscpEF = 46

// setSockOptForVoice применяет голосовые оптимизации к медиа-сокету.
// Ошибки отдельных опций не фатальны: в контейнерах часть опций
// может быть недоступна.
func setSockOptForVoice(conn *net.UDPConn) error {
	rc, err := conn.SyscallConn()
	if err != nil {
		return err
	}

	return rc.Control(func(fd uintptr) {
		f := int(fd)

		// DSCP маркировка: старшие 6 бит TOS поля
		tos := dscpEF << 2
		_ = syscall.SetsockoptInt(f, syscall.IPPROTO_IP, syscall.IP_TOS, tos)
		_ = syscall.SetsockoptInt(f, syscall.IPPROTO_IPV6, unix.IPV6_TCLASS, tos)

		// Приоритет сокета для интерактивного аудио
		_ = syscall.SetsockoptInt(f, syscall.SOL_SOCKET, unix.SO_PRIORITY, 6)

		// SO_REUSEADDR для быстрого переиспользования портов пула
		_ = syscall.SetsockoptInt(f, syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)

		// SO_TIMESTAMP для точных временных меток (jitter анализ)
		_ = syscall.SetsockoptInt(f, syscall.SOL_SOCKET, unix.SO_TIMESTAMP, 1)
	})
}
