package transport

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/arzzra/softswitch/pkg/sip/message"
)

// TLSTransport carries SIP over TLS-wrapped TCP. The tls.Config (certs,
// client auth) is supplied by the caller; this transport does not build
// key material itself. Stream framing follows RFC 3261 18.3: read the
// header block, then Content-Length body bytes.
type TLSTransport struct {
	statsCounter

	tlsConfig      *tls.Config
	listener       net.Listener
	localAddr      net.Addr
	parser         *message.Parser
	messageHandler MessageHandler
	errorHandler   ErrorHandler
	closed         atomic.Bool

	connMu sync.Mutex
	conns  map[string]net.Conn // remote addr -> established connection

	wg sync.WaitGroup
}

// NewTLSTransport creates a TLS transport with the supplied configuration.
func NewTLSTransport(tlsConfig *tls.Config) *TLSTransport {
	if tlsConfig == nil {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return &TLSTransport{
		tlsConfig: tlsConfig,
		parser:    message.NewParser(),
		conns:     make(map[string]net.Conn),
	}
}

func (t *TLSTransport) Network() string { return "tls" }
func (t *TLSTransport) Reliable() bool  { return true }

func (t *TLSTransport) Listen(addr string) error {
	if t.listener != nil && !t.closed.Load() {
		return fmt.Errorf("already listening on %s", t.localAddr)
	}

	listener, err := tls.Listen("tcp", addr, t.tlsConfig)
	if err != nil {
		return &TransportError{Transport: "tls", Operation: "listen", Err: err}
	}

	t.listener = listener
	t.localAddr = listener.Addr()
	t.closed.Store(false)

	t.wg.Add(1)
	go t.acceptLoop()

	return nil
}

func (t *TLSTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	if t.listener != nil {
		t.listener.Close()
	}
	t.connMu.Lock()
	for _, conn := range t.conns {
		conn.Close()
	}
	t.conns = make(map[string]net.Conn)
	t.connMu.Unlock()
	t.wg.Wait()
	return nil
}

func (t *TLSTransport) Send(msg Parsed, addr string) error {
	if t.closed.Load() {
		return &TransportError{Transport: "tls", Operation: "send", Err: ErrTransportClosed}
	}

	conn, err := t.connFor(addr)
	if err != nil {
		return err
	}

	data := msg.Bytes()
	n, err := conn.Write(data)
	if err != nil {
		t.dropConn(addr)
		t.addError()
		return &TransportError{Transport: "tls", Operation: "send", Err: err}
	}

	t.addSent(uint64(n))
	return nil
}

func (t *TLSTransport) OnMessage(handler MessageHandler) { t.messageHandler = handler }
func (t *TLSTransport) OnError(handler ErrorHandler)     { t.errorHandler = handler }

func (t *TLSTransport) LocalAddr() net.Addr { return t.localAddr }

func (t *TLSTransport) connFor(addr string) (net.Conn, error) {
	t.connMu.Lock()
	defer t.connMu.Unlock()

	if conn, ok := t.conns[addr]; ok {
		return conn, nil
	}

	conn, err := tls.Dial("tcp", addr, t.tlsConfig)
	if err != nil {
		return nil, &TransportError{Transport: "tls", Operation: "dial", Err: err}
	}
	t.conns[addr] = conn

	t.wg.Add(1)
	go t.readLoop(conn)

	return conn, nil
}

func (t *TLSTransport) dropConn(addr string) {
	t.connMu.Lock()
	if conn, ok := t.conns[addr]; ok {
		conn.Close()
		delete(t.conns, addr)
	}
	t.connMu.Unlock()
}

func (t *TLSTransport) acceptLoop() {
	defer t.wg.Done()

	for !t.closed.Load() {
		conn, err := t.listener.Accept()
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

		t.connMu.Lock()
		t.conns[conn.RemoteAddr().String()] = conn
		t.connMu.Unlock()

		t.wg.Add(1)
		go t.readLoop(conn)
	}
}

func (t *TLSTransport) readLoop(conn net.Conn) {
	defer t.wg.Done()
	defer t.dropConn(conn.RemoteAddr().String())

	reader := bufio.NewReader(conn)
	for !t.closed.Load() {
		raw, err := readStreamMessage(reader)
		if err != nil {
			if err != io.EOF && !t.closed.Load() {
				t.addError()
				if t.errorHandler != nil {
					t.errorHandler(err, t)
				}
			}
			return
		}

		t.addReceived(uint64(len(raw)))

		msg, err := t.parser.Parse(raw)
		if err != nil {
			t.addParseError()
			if t.errorHandler != nil {
				t.errorHandler(err, t)
			}
			continue
		}

		if t.messageHandler != nil {
			t.messageHandler(msg, conn.RemoteAddr(), t)
		}
	}
}

// readStreamMessage frames one SIP message off a stream: headers up to the
// blank line, then Content-Length body bytes.
func readStreamMessage(reader *bufio.Reader) ([]byte, error) {
	var buf bytes.Buffer
	contentLength := 0

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		buf.WriteString(line)

		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			break
		}
		if name, value, ok := strings.Cut(trimmed, ":"); ok {
			lower := strings.ToLower(strings.TrimSpace(name))
			if lower == "content-length" || lower == "l" {
				if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
					contentLength = n
				}
			}
		}
	}

	if contentLength > 0 {
		body := make([]byte, contentLength)
		if _, err := io.ReadFull(reader, body); err != nil {
			return nil, err
		}
		buf.Write(body)
	}

	return buf.Bytes(), nil
}
