package message

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

const (
	maxMessageSize = 65536
	maxHeaderSize  = 8192
	maxHeaders     = 100
)

// Parser parses raw SIP datagrams into Requests and Responses.
//
// Unknown methods are NOT an error: they parse into a Request whose
// IsKnownMethod() is false and get rejected by the routing layer with
// 501, never silently by the parser. A message missing any of Call-ID,
// CSeq, Via, From or To is malformed and fails with ErrMalformedMessage.
type Parser struct{}

// NewParser creates a parser.
func NewParser() *Parser {
	return &Parser{}
}

// Parse parses a SIP message from its wire form.
func (p *Parser) Parse(data []byte) (Message, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty datagram", ErrMalformedMessage)
	}
	if len(data) > maxMessageSize {
		return nil, fmt.Errorf("%w: %w", ErrMalformedMessage, ErrMessageTooLarge)
	}

	headerData, body, err := splitHeadersBody(data)
	if err != nil {
		return nil, err
	}

	lines := splitLines(headerData)
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: no start line", ErrMalformedMessage)
	}

	firstLine := strings.TrimSpace(string(lines[0]))
	if strings.HasPrefix(firstLine, "SIP/") {
		return p.parseResponse(firstLine, lines[1:], body)
	}
	return p.parseRequest(firstLine, lines[1:], body)
}

func splitHeadersBody(data []byte) (headers, body []byte, err error) {
	if idx := bytes.Index(data, []byte("\r\n\r\n")); idx >= 0 {
		return data[:idx], data[idx+4:], nil
	}
	if idx := bytes.Index(data, []byte("\n\n")); idx >= 0 {
		return data[:idx], data[idx+2:], nil
	}
	// A message with no body still needs the blank line; tolerate its
	// absence only when there is no body to confuse it with.
	return data, nil, nil
}

func splitLines(data []byte) [][]byte {
	lines := bytes.Split(data, []byte("\r\n"))
	if len(lines) == 1 {
		lines = bytes.Split(data, []byte("\n"))
	}
	return lines
}

func (p *Parser) parseRequest(firstLine string, headerLines [][]byte, body []byte) (*Request, error) {
	parts := strings.Fields(firstLine)
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: %w: %q", ErrMalformedMessage, ErrInvalidRequestLine, firstLine)
	}

	method := strings.ToUpper(parts[0])

	requestURI, err := ParseURI(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: request URI: %w", ErrMalformedMessage, err)
	}

	if !strings.HasPrefix(parts[2], "SIP/2.0") {
		return nil, fmt.Errorf("%w: %w: %q", ErrMalformedMessage, ErrInvalidSIPVersion, parts[2])
	}

	headers, err := p.parseHeaders(headerLines)
	if err != nil {
		return nil, err
	}

	req := &Request{
		Method:     method,
		RequestURI: requestURI,
		Headers:    headers,
		body:       body,
	}

	if err := validateMandatoryHeaders(req); err != nil {
		return nil, err
	}
	return req, nil
}

func (p *Parser) parseResponse(firstLine string, headerLines [][]byte, body []byte) (*Response, error) {
	parts := strings.SplitN(firstLine, " ", 3)
	if len(parts) < 2 {
		return nil, fmt.Errorf("%w: %w: %q", ErrMalformedMessage, ErrInvalidStatusLine, firstLine)
	}

	if !strings.HasPrefix(parts[0], "SIP/2.0") {
		return nil, fmt.Errorf("%w: %w: %q", ErrMalformedMessage, ErrInvalidSIPVersion, parts[0])
	}

	statusCode, err := strconv.Atoi(parts[1])
	if err != nil || statusCode < 100 || statusCode > 699 {
		return nil, fmt.Errorf("%w: %w: %q", ErrMalformedMessage, ErrInvalidStatusCode, parts[1])
	}

	reasonPhrase := ""
	if len(parts) > 2 {
		reasonPhrase = parts[2]
	} else {
		reasonPhrase = ReasonPhrase(statusCode)
	}

	headers, err := p.parseHeaders(headerLines)
	if err != nil {
		return nil, err
	}

	resp := &Response{
		StatusCode:   statusCode,
		ReasonPhrase: reasonPhrase,
		Headers:      headers,
		body:         body,
	}

	if err := validateMandatoryHeaders(resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (p *Parser) parseHeaders(lines [][]byte) (*Headers, error) {
	if len(lines) > maxHeaders {
		return nil, fmt.Errorf("%w: too many headers (%d)", ErrMalformedMessage, len(lines))
	}

	headers := NewHeaders()
	for i := 0; i < len(lines); i++ {
		line := lines[i]
		if len(line) == 0 {
			continue
		}

		// RFC 3261 line folding: continuation lines start with SP/HT.
		for i+1 < len(lines) && len(lines[i+1]) > 0 &&
			(lines[i+1][0] == ' ' || lines[i+1][0] == '\t') {
			i++
			line = append(line, ' ')
			line = append(line, bytes.TrimSpace(lines[i])...)
		}

		if len(line) > maxHeaderSize {
			return nil, fmt.Errorf("%w: %w", ErrMalformedMessage, ErrHeaderTooLarge)
		}

		colonIdx := bytes.IndexByte(line, ':')
		if colonIdx <= 0 {
			return nil, fmt.Errorf("%w: %w: %q", ErrMalformedMessage, ErrInvalidHeader, line)
		}

		name := string(bytes.TrimSpace(line[:colonIdx]))
		value := string(bytes.TrimSpace(line[colonIdx+1:]))
		headers.Add(name, value)
	}
	return headers, nil
}

// mandatoryHeaders are required on every dialog-usable message (RFC 3261 8.1.1).
var mandatoryHeaders = []string{"Call-ID", "CSeq", "Via", "From", "To"}

func validateMandatoryHeaders(msg Message) error {
	for _, header := range mandatoryHeaders {
		if msg.GetHeader(header) == "" {
			return fmt.Errorf("%w: %w: %s", ErrMalformedMessage, ErrMissingHeader, header)
		}
	}
	if _, _, err := msg.CSeq(); err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	return nil
}

// ReasonPhrase returns the default reason phrase for a status code.
func ReasonPhrase(code int) string {
	switch code {
	case 100:
		return "Trying"
	case 180:
		return "Ringing"
	case 181:
		return "Call Is Being Forwarded"
	case 182:
		return "Queued"
	case 183:
		return "Session Progress"
	case 200:
		return "OK"
	case 202:
		return "Accepted"
	case 302:
		return "Moved Temporarily"
	case 400:
		return "Bad Request"
	case 401:
		return "Unauthorized"
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	case 405:
		return "Method Not Allowed"
	case 408:
		return "Request Timeout"
	case 415:
		return "Unsupported Media Type"
	case 480:
		return "Temporarily Unavailable"
	case 481:
		return "Call/Transaction Does Not Exist"
	case 486:
		return "Busy Here"
	case 487:
		return "Request Terminated"
	case 488:
		return "Not Acceptable Here"
	case 500:
		return "Server Internal Error"
	case 501:
		return "Not Implemented"
	case 503:
		return "Service Unavailable"
	case 504:
		return "Server Time-out"
	case 600:
		return "Busy Everywhere"
	case 603:
		return "Decline"
	default:
		switch {
		case code < 200:
			return "Provisional"
		case code < 300:
			return "OK"
		case code < 400:
			return "Redirect"
		case code < 500:
			return "Client Error"
		case code < 600:
			return "Server Error"
		default:
			return "Global Failure"
		}
	}
}
