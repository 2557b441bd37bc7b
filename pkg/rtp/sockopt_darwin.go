//go:build darwin

package rtp

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// setSockOptForVoice применяет голосовые оптимизации к медиа-сокету
// (darwin вариант: без SO_PRIORITY, он Linux-специфичен).
func setSockOptForVoice(conn *net.UDPConn) error {
	rc, err := conn.SyscallConn()
	if err != nil {
		return err
	}

	return rc.Control(func(fd uintptr) {
		f := int(fd)

		tos := 46 << 2 // DSCP EF
		_ = syscall.SetsockoptInt(f, syscall.IPPROTO_IP, syscall.IP_TOS, tos)
		_ = syscall.SetsockoptInt(f, syscall.IPPROTO_IPV6, unix.IPV6_TCLASS, tos)

		_ = syscall.SetsockoptInt(f, syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
	})
}
