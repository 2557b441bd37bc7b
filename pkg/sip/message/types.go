package message

import (
	"fmt"
	"strconv"
	"strings"
)

// SIP methods the engine acts on. Anything else parses fine and is carried
// through with IsKnownMethod() == false so the routing layer can reject it
// with 501 instead of the parser dropping it.
const (
	MethodInvite   = "INVITE"
	MethodAck      = "ACK"
	MethodBye      = "BYE"
	MethodCancel   = "CANCEL"
	MethodOptions  = "OPTIONS"
	MethodRegister = "REGISTER"
	MethodInfo     = "INFO"
	MethodRefer    = "REFER"
	MethodNotify   = "NOTIFY"
	MethodUpdate   = "UPDATE"
)

var knownMethods = map[string]bool{
	MethodInvite: true, MethodAck: true, MethodBye: true,
	MethodCancel: true, MethodOptions: true, MethodRegister: true,
	MethodInfo: true, MethodRefer: true, MethodNotify: true,
	MethodUpdate: true, "SUBSCRIBE": true, "MESSAGE": true,
	"PRACK": true, "PUBLISH": true,
}

// IsKnownMethod reports whether the engine implements the method.
func IsKnownMethod(method string) bool {
	return knownMethods[strings.ToUpper(method)]
}

// Message is the common interface for SIP requests and responses.
type Message interface {
	IsRequest() bool
	IsResponse() bool

	// GetHeader returns the first value of a header.
	GetHeader(name string) string
	// GetHeaders returns all values of a header in insertion order.
	GetHeaders(name string) []string
	SetHeader(name, value string)
	AddHeader(name, value string)
	RemoveHeader(name string)

	Body() []byte
	SetBody(body []byte)

	CallID() string
	CSeq() (uint32, string, error)

	// String returns the wire form. Serialization is deterministic:
	// headers keep their original order, duplicates stay grouped.
	String() string
	Bytes() []byte
}

// Request represents a SIP request.
type Request struct {
	Method     string
	RequestURI *URI
	Headers    *Headers
	body       []byte
}

// Response represents a SIP response.
type Response struct {
	StatusCode   int
	ReasonPhrase string
	Headers      *Headers
	body         []byte
}

// Headers is an ordered multimap of SIP headers. Lookup is
// case-insensitive and compact forms are normalized; serialization
// preserves the original name and insertion order so that a
// parse/serialize round-trip is byte-stable.
type Headers struct {
	values map[string][]string // normalized name -> values
	order  []string            // original names, insertion order, no dups
}

// NewHeaders creates an empty header map.
func NewHeaders() *Headers {
	return &Headers{
		values: make(map[string][]string),
		order:  make([]string, 0, 8),
	}
}

// normalizeHeaderName folds case and expands RFC 3261 compact forms.
func normalizeHeaderName(name string) string {
	switch strings.ToLower(name) {
	case "i":
		return "call-id"
	case "m":
		return "contact"
	case "f":
		return "from"
	case "t":
		return "to"
	case "v":
		return "via"
	case "c":
		return "content-type"
	case "l":
		return "content-length"
	default:
		return strings.ToLower(name)
	}
}

// Get returns the first value of a header.
func (h *Headers) Get(name string) string {
	values := h.GetAll(name)
	if len(values) > 0 {
		return values[0]
	}
	return ""
}

// GetAll returns all values of a header in insertion order.
func (h *Headers) GetAll(name string) []string {
	return h.values[normalizeHeaderName(name)]
}

// Set replaces all values of a header with one value.
func (h *Headers) Set(name, value string) {
	normalized := normalizeHeaderName(name)
	if _, exists := h.values[normalized]; !exists {
		h.order = append(h.order, name)
	}
	h.values[normalized] = []string{value}
}

// Add appends a header value, keeping duplicate-header semantics
// (multiple Via, Route entries keep their relative order).
func (h *Headers) Add(name, value string) {
	normalized := normalizeHeaderName(name)
	if _, exists := h.values[normalized]; !exists {
		h.order = append(h.order, name)
	}
	h.values[normalized] = append(h.values[normalized], value)
}

// Remove deletes all values of a header.
func (h *Headers) Remove(name string) {
	normalized := normalizeHeaderName(name)
	delete(h.values, normalized)

	newOrder := make([]string, 0, len(h.order))
	for _, n := range h.order {
		if normalizeHeaderName(n) != normalized {
			newOrder = append(newOrder, n)
		}
	}
	h.order = newOrder
}

// Clone makes a deep copy.
func (h *Headers) Clone() *Headers {
	clone := NewHeaders()
	clone.order = make([]string, len(h.order))
	copy(clone.order, h.order)
	for name, values := range h.values {
		clone.values[name] = append([]string(nil), values...)
	}
	return clone
}

func (h *Headers) write(sb *strings.Builder) {
	for _, name := range h.order {
		for _, value := range h.values[normalizeHeaderName(name)] {
			fmt.Fprintf(sb, "%s: %s\r\n", name, value)
		}
	}
}

// parseCSeq splits a CSeq value into sequence number and method.
func parseCSeq(value string) (uint32, string, error) {
	parts := strings.Fields(value)
	if len(parts) != 2 {
		return 0, "", fmt.Errorf("invalid CSeq: %q", value)
	}
	seq, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return 0, "", fmt.Errorf("invalid CSeq number: %q", parts[0])
	}
	return uint32(seq), strings.ToUpper(parts[1]), nil
}

// Request methods

func (r *Request) IsRequest() bool  { return true }
func (r *Request) IsResponse() bool { return false }

// IsKnownMethod reports whether the engine implements this request's method.
func (r *Request) IsKnownMethod() bool { return IsKnownMethod(r.Method) }

func (r *Request) GetHeader(name string) string {
	if r.Headers == nil {
		return ""
	}
	return r.Headers.Get(name)
}

func (r *Request) GetHeaders(name string) []string {
	if r.Headers == nil {
		return nil
	}
	return r.Headers.GetAll(name)
}

func (r *Request) SetHeader(name, value string) {
	if r.Headers == nil {
		r.Headers = NewHeaders()
	}
	r.Headers.Set(name, value)
}

func (r *Request) AddHeader(name, value string) {
	if r.Headers == nil {
		r.Headers = NewHeaders()
	}
	r.Headers.Add(name, value)
}

func (r *Request) RemoveHeader(name string) {
	if r.Headers != nil {
		r.Headers.Remove(name)
	}
}

func (r *Request) Body() []byte        { return r.body }
func (r *Request) SetBody(body []byte) { r.body = body }

// CallID returns the dialog identifier.
func (r *Request) CallID() string { return r.GetHeader("Call-ID") }

// CSeq returns the sequence number and method from the CSeq header.
func (r *Request) CSeq() (uint32, string, error) {
	return parseCSeq(r.GetHeader("CSeq"))
}

func (r *Request) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s SIP/2.0\r\n", r.Method, r.RequestURI.String())
	if r.Headers != nil {
		r.Headers.write(&sb)
	}
	sb.WriteString("\r\n")
	if len(r.body) > 0 {
		sb.Write(r.body)
	}
	return sb.String()
}

func (r *Request) Bytes() []byte { return []byte(r.String()) }

// Response methods

func (r *Response) IsRequest() bool  { return false }
func (r *Response) IsResponse() bool { return true }

// IsProvisional reports a 1xx response.
func (r *Response) IsProvisional() bool { return r.StatusCode >= 100 && r.StatusCode < 200 }

// IsSuccess reports a 2xx response.
func (r *Response) IsSuccess() bool { return r.StatusCode >= 200 && r.StatusCode < 300 }

// IsFinal reports any non-provisional response.
func (r *Response) IsFinal() bool { return r.StatusCode >= 200 }

func (r *Response) GetHeader(name string) string {
	if r.Headers == nil {
		return ""
	}
	return r.Headers.Get(name)
}

func (r *Response) GetHeaders(name string) []string {
	if r.Headers == nil {
		return nil
	}
	return r.Headers.GetAll(name)
}

func (r *Response) SetHeader(name, value string) {
	if r.Headers == nil {
		r.Headers = NewHeaders()
	}
	r.Headers.Set(name, value)
}

func (r *Response) AddHeader(name, value string) {
	if r.Headers == nil {
		r.Headers = NewHeaders()
	}
	r.Headers.Add(name, value)
}

func (r *Response) RemoveHeader(name string) {
	if r.Headers != nil {
		r.Headers.Remove(name)
	}
}

func (r *Response) Body() []byte        { return r.body }
func (r *Response) SetBody(body []byte) { r.body = body }

// CallID returns the dialog identifier.
func (r *Response) CallID() string { return r.GetHeader("Call-ID") }

// CSeq returns the sequence number and method from the CSeq header.
func (r *Response) CSeq() (uint32, string, error) {
	return parseCSeq(r.GetHeader("CSeq"))
}

func (r *Response) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "SIP/2.0 %d %s\r\n", r.StatusCode, r.ReasonPhrase)
	if r.Headers != nil {
		r.Headers.write(&sb)
	}
	sb.WriteString("\r\n")
	if len(r.body) > 0 {
		sb.Write(r.body)
	}
	return sb.String()
}

func (r *Response) Bytes() []byte { return []byte(r.String()) }
