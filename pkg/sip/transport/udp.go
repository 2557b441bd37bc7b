package transport

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/arzzra/softswitch/pkg/sip/message"
)

// UDPTransport is the primary signaling transport. One datagram, one
// message; retransmission is the transaction layer's problem, not ours.
type UDPTransport struct {
	statsCounter

	conn           *net.UDPConn
	localAddr      *net.UDPAddr
	parser         *message.Parser
	messageHandler MessageHandler
	errorHandler   ErrorHandler
	closed         atomic.Bool
	wg             sync.WaitGroup
}

// NewUDPTransport creates a UDP transport.
func NewUDPTransport() *UDPTransport {
	return &UDPTransport{
		parser: message.NewParser(),
	}
}

func (t *UDPTransport) Network() string { return "udp" }
func (t *UDPTransport) Reliable() bool  { return false }

func (t *UDPTransport) Listen(addr string) error {
	if t.conn != nil && !t.closed.Load() {
		return fmt.Errorf("already listening on %s", t.localAddr)
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return &TransportError{Transport: "udp", Operation: "resolve address", Err: err}
	}

	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return &TransportError{Transport: "udp", Operation: "listen", Err: err}
	}

	t.conn = conn
	t.localAddr = conn.LocalAddr().(*net.UDPAddr)
	t.closed.Store(false)

	t.wg.Add(1)
	go t.readLoop()

	return nil
}

func (t *UDPTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	if t.conn != nil {
		t.conn.Close()
	}
	t.wg.Wait()
	return nil
}

func (t *UDPTransport) Send(msg Parsed, addr string) error {
	if t.closed.Load() {
		return &TransportError{Transport: "udp", Operation: "send", Err: ErrTransportClosed}
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return &TransportError{Transport: "udp", Operation: "resolve address", Err: err}
	}

	data := msg.Bytes()
	n, err := t.conn.WriteToUDP(data, udpAddr)
	if err != nil {
		t.addError()
		return &TransportError{
			Transport: "udp",
			Operation: "send",
			Err:       err,
			Temporary: isTemporaryError(err),
		}
	}

	t.addSent(uint64(n))
	return nil
}

func (t *UDPTransport) OnMessage(handler MessageHandler) { t.messageHandler = handler }
func (t *UDPTransport) OnError(handler ErrorHandler)     { t.errorHandler = handler }

func (t *UDPTransport) LocalAddr() net.Addr {
	if t.localAddr != nil {
		return t.localAddr
	}
	if t.conn != nil {
		return t.conn.LocalAddr()
	}
	return nil
}

func (t *UDPTransport) readLoop() {
	defer t.wg.Done()

	buf := make([]byte, 65535)
	for !t.closed.Load() {
		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if t.closed.Load() {
				return
			}
			t.addError()
			if t.errorHandler != nil {
				t.errorHandler(err, t)
			}
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		t.addReceived(uint64(n))

		msg, err := t.parser.Parse(data)
		if err != nil {
			// Malformed datagram: drop it, no dialog is created.
			t.addParseError()
			if t.errorHandler != nil {
				t.errorHandler(err, t)
			}
			continue
		}

		if t.messageHandler != nil {
			t.messageHandler(msg, addr, t)
		}
	}
}
