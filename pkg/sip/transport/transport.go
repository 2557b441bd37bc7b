// Package transport carries SIP messages over UDP and TLS-wrapped TCP.
// The read loops parse datagrams/streams with the message parser and hand
// typed messages to the registered handler; malformed input is counted
// and dropped without creating any dialog state.
package transport

import (
	"errors"
	"net"
	"sync"
)

// MessageHandler receives every successfully parsed inbound message.
type MessageHandler func(msg Parsed, remoteAddr net.Addr, t Transport)

// ErrorHandler receives transport and parse errors.
type ErrorHandler func(err error, t Transport)

// Parsed is the minimal view of a parsed message the transport hands up.
// It is satisfied by message.Message; declared here to keep the import
// direction transport -> message one way only at the call site.
type Parsed interface {
	IsRequest() bool
	Bytes() []byte
}

// Transport is a SIP wire transport.
type Transport interface {
	// Network returns "udp" or "tls".
	Network() string
	// Reliable reports whether the transport retransmits on its own.
	Reliable() bool

	Listen(addr string) error
	// Send serializes and sends a message to addr.
	Send(msg Parsed, addr string) error
	OnMessage(handler MessageHandler)
	OnError(handler ErrorHandler)
	Stats() Stats
	LocalAddr() net.Addr
	Close() error
}

// Stats counts transport activity.
type Stats struct {
	MessagesSent     uint64
	MessagesReceived uint64
	BytesSent        uint64
	BytesReceived    uint64
	ParseErrors      uint64
	Errors           uint64
}

var (
	ErrTransportClosed = errors.New("transport closed")
	ErrInvalidAddress  = errors.New("invalid address")
)

// TransportError wraps a transport failure with its context.
type TransportError struct {
	Transport string
	Operation string
	Err       error
	Temporary bool
}

func (e *TransportError) Error() string {
	return e.Transport + " " + e.Operation + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

func isTemporaryError(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}

// statsCounter is embedded by the concrete transports.
type statsCounter struct {
	mu    sync.RWMutex
	stats Stats
}

func (s *statsCounter) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

func (s *statsCounter) addSent(bytes uint64) {
	s.mu.Lock()
	s.stats.MessagesSent++
	s.stats.BytesSent += bytes
	s.mu.Unlock()
}

func (s *statsCounter) addReceived(bytes uint64) {
	s.mu.Lock()
	s.stats.MessagesReceived++
	s.stats.BytesReceived += bytes
	s.mu.Unlock()
}

func (s *statsCounter) addParseError() {
	s.mu.Lock()
	s.stats.ParseErrors++
	s.mu.Unlock()
}

func (s *statsCounter) addError() {
	s.mu.Lock()
	s.stats.Errors++
	s.mu.Unlock()
}
