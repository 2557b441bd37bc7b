package message

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// RequestBuilder builds SIP requests with the mandatory header set.
type RequestBuilder struct {
	method      string
	uri         *URI
	headers     *Headers
	body        []byte
	maxForwards int
}

// NewRequest creates a request builder.
func NewRequest(method string, uri *URI) *RequestBuilder {
	return &RequestBuilder{
		method:      strings.ToUpper(method),
		uri:         uri,
		headers:     NewHeaders(),
		maxForwards: 70, // RFC 3261 default
	}
}

// Via adds a Via header.
func (b *RequestBuilder) Via(transport, host string, port int, branch string) *RequestBuilder {
	via := fmt.Sprintf("SIP/2.0/%s %s:%d", strings.ToUpper(transport), host, port)
	if branch != "" {
		via += ";branch=" + branch
	}
	b.headers.Add("Via", via)
	return b
}

// From sets the From header.
func (b *RequestBuilder) From(uri *URI, tag string) *RequestBuilder {
	from := fmt.Sprintf("<%s>", uri.String())
	if tag != "" {
		from += ";tag=" + tag
	}
	b.headers.Set("From", from)
	return b
}

// To sets the To header.
func (b *RequestBuilder) To(uri *URI, tag string) *RequestBuilder {
	to := fmt.Sprintf("<%s>", uri.String())
	if tag != "" {
		to += ";tag=" + tag
	}
	b.headers.Set("To", to)
	return b
}

// CallID sets the Call-ID header.
func (b *RequestBuilder) CallID(callID string) *RequestBuilder {
	b.headers.Set("Call-ID", callID)
	return b
}

// CSeq sets the CSeq header.
func (b *RequestBuilder) CSeq(seq uint32, method string) *RequestBuilder {
	b.headers.Set("CSeq", fmt.Sprintf("%d %s", seq, strings.ToUpper(method)))
	return b
}

// Contact sets the Contact header.
func (b *RequestBuilder) Contact(uri *URI) *RequestBuilder {
	b.headers.Set("Contact", fmt.Sprintf("<%s>", uri.String()))
	return b
}

// Expires sets the Expires header.
func (b *RequestBuilder) Expires(seconds int) *RequestBuilder {
	b.headers.Set("Expires", strconv.Itoa(seconds))
	return b
}

// Header adds a custom header.
func (b *RequestBuilder) Header(name, value string) *RequestBuilder {
	b.headers.Add(name, value)
	return b
}

// Body sets the body and content headers.
func (b *RequestBuilder) Body(contentType string, body []byte) *RequestBuilder {
	b.body = body
	if len(body) > 0 {
		b.headers.Set("Content-Type", contentType)
		b.headers.Set("Content-Length", strconv.Itoa(len(body)))
	} else {
		b.headers.Remove("Content-Type")
		b.headers.Set("Content-Length", "0")
	}
	return b
}

// Build assembles the request, validating the mandatory header set.
func (b *RequestBuilder) Build() (*Request, error) {
	if b.headers.Get("Max-Forwards") == "" {
		b.headers.Set("Max-Forwards", strconv.Itoa(b.maxForwards))
	}
	if b.headers.Get("Content-Length") == "" {
		b.headers.Set("Content-Length", strconv.Itoa(len(b.body)))
	}

	for _, h := range mandatoryHeaders {
		if b.headers.Get(h) == "" {
			return nil, fmt.Errorf("%w: %s", ErrMissingHeader, h)
		}
	}

	if parts := strings.Fields(b.headers.Get("CSeq")); len(parts) == 2 && parts[1] != b.method {
		return nil, fmt.Errorf("CSeq method mismatch: %s != %s", parts[1], b.method)
	}

	return &Request{
		Method:     b.method,
		RequestURI: b.uri,
		Headers:    b.headers,
		body:       b.body,
	}, nil
}

// NewResponse builds a response from a request, copying the headers
// RFC 3261 8.2.6 requires to be mirrored (Via set, From, To, Call-ID, CSeq).
func NewResponse(request *Request, statusCode int) *Response {
	headers := NewHeaders()
	for _, via := range request.GetHeaders("Via") {
		headers.Add("Via", via)
	}
	headers.Set("From", request.GetHeader("From"))
	headers.Set("To", request.GetHeader("To"))
	headers.Set("Call-ID", request.GetHeader("Call-ID"))
	headers.Set("CSeq", request.GetHeader("CSeq"))
	headers.Set("Content-Length", "0")

	return &Response{
		StatusCode:   statusCode,
		ReasonPhrase: ReasonPhrase(statusCode),
		Headers:      headers,
	}
}

// WithToTag appends a tag to the To header unless one is present.
func (r *Response) WithToTag(tag string) *Response {
	to := r.GetHeader("To")
	if to != "" && tag != "" && !strings.Contains(to, ";tag=") {
		r.SetHeader("To", to+";tag="+tag)
	}
	return r
}

// WithBody sets the body and content headers.
func (r *Response) WithBody(contentType string, body []byte) *Response {
	r.SetBody(body)
	r.SetHeader("Content-Type", contentType)
	r.SetHeader("Content-Length", strconv.Itoa(len(body)))
	return r
}

// WithContact sets the Contact header.
func (r *Response) WithContact(uri *URI) *Response {
	r.SetHeader("Contact", fmt.Sprintf("<%s>", uri.String()))
	return r
}

// ExtractTag returns the tag parameter from a From/To value.
func ExtractTag(headerValue string) string {
	if idx := strings.Index(headerValue, ";tag="); idx >= 0 {
		tagStart := idx + 5
		tagEnd := strings.IndexAny(headerValue[tagStart:], ";>")
		if tagEnd < 0 {
			return headerValue[tagStart:]
		}
		return headerValue[tagStart : tagStart+tagEnd]
	}
	return ""
}

// ExtractURI returns the URI from a "Name <uri>;params" header value.
func ExtractURI(headerValue string) (*URI, error) {
	_, uri, _, err := ParseAddress(headerValue)
	return uri, err
}

// GenerateBranch returns an RFC 3261 branch parameter.
func GenerateBranch() string {
	return "z9hG4bK-" + strings.ReplaceAll(uuid.New().String(), "-", "")[:16]
}

// GenerateTag returns a From/To tag.
func GenerateTag() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}

// GenerateCallID returns a fresh Call-ID.
func GenerateCallID(host string) string {
	return uuid.New().String() + "@" + host
}
