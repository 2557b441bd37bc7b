//go:build !linux && !darwin

package rtp

import "net"

// setSockOptForVoice на остальных платформах ничего не делает
func setSockOptForVoice(_ *net.UDPConn) error { return nil }
