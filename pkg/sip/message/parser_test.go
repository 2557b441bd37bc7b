package message

import (
	"errors"
	"strings"
	"testing"
)

const inviteMsg = "INVITE sip:102@pbx.local SIP/2.0\r\n" +
	"Via: SIP/2.0/UDP 10.0.0.5:5060;branch=z9hG4bK776asdhds\r\n" +
	"Max-Forwards: 70\r\n" +
	"To: <sip:102@pbx.local>\r\n" +
	"From: <sip:101@pbx.local>;tag=1928301774\r\n" +
	"Call-ID: a84b4c76e66710@10.0.0.5\r\n" +
	"CSeq: 314159 INVITE\r\n" +
	"Contact: <sip:101@10.0.0.5:5060>\r\n" +
	"Content-Length: 0\r\n" +
	"\r\n"

func TestParser_ValidRequest(t *testing.T) {
	parser := NewParser()

	msg, err := parser.Parse([]byte(inviteMsg))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	req, ok := msg.(*Request)
	if !ok {
		t.Fatalf("expected *Request, got %T", msg)
	}
	if req.Method != MethodInvite {
		t.Errorf("method = %q, want INVITE", req.Method)
	}
	if req.RequestURI.User != "102" {
		t.Errorf("request URI user = %q, want 102", req.RequestURI.User)
	}
	if req.CallID() != "a84b4c76e66710@10.0.0.5" {
		t.Errorf("Call-ID = %q", req.CallID())
	}
	seq, method, err := req.CSeq()
	if err != nil || seq != 314159 || method != "INVITE" {
		t.Errorf("CSeq = %d %s (%v)", seq, method, err)
	}
}

func TestParser_MissingMandatoryHeaders(t *testing.T) {
	parser := NewParser()

	for _, header := range []string{"Call-ID", "CSeq", "Via", "From", "To"} {
		t.Run(header, func(t *testing.T) {
			var lines []string
			for _, line := range strings.Split(inviteMsg, "\r\n") {
				if strings.HasPrefix(line, header+":") {
					continue
				}
				lines = append(lines, line)
			}
			_, err := parser.Parse([]byte(strings.Join(lines, "\r\n")))
			if !errors.Is(err, ErrMalformedMessage) {
				t.Errorf("want ErrMalformedMessage, got %v", err)
			}
		})
	}
}

func TestParser_UnknownMethodPassesThrough(t *testing.T) {
	parser := NewParser()

	raw := strings.Replace(inviteMsg, "INVITE sip:102", "FROBNICATE sip:102", 1)
	raw = strings.Replace(raw, "CSeq: 314159 INVITE", "CSeq: 314159 FROBNICATE", 1)

	msg, err := parser.Parse([]byte(raw))
	if err != nil {
		t.Fatalf("unknown method must parse, got: %v", err)
	}
	req := msg.(*Request)
	if req.Method != "FROBNICATE" {
		t.Errorf("method = %q", req.Method)
	}
	if req.IsKnownMethod() {
		t.Error("FROBNICATE must not be a known method")
	}
}

func TestParser_Response(t *testing.T) {
	parser := NewParser()

	raw := "SIP/2.0 180 Ringing\r\n" +
		"Via: SIP/2.0/UDP 10.0.0.5:5060;branch=z9hG4bK776asdhds\r\n" +
		"To: <sip:102@pbx.local>;tag=8321234356\r\n" +
		"From: <sip:101@pbx.local>;tag=1928301774\r\n" +
		"Call-ID: a84b4c76e66710@10.0.0.5\r\n" +
		"CSeq: 314159 INVITE\r\n" +
		"Content-Length: 0\r\n" +
		"\r\n"

	msg, err := parser.Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	resp := msg.(*Response)
	if resp.StatusCode != 180 || !resp.IsProvisional() {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestParser_DuplicateHeadersKeepOrder(t *testing.T) {
	parser := NewParser()

	raw := strings.Replace(inviteMsg,
		"Via: SIP/2.0/UDP 10.0.0.5:5060;branch=z9hG4bK776asdhds\r\n",
		"Via: SIP/2.0/UDP proxy1.pbx.local;branch=z9hG4bK-one\r\n"+
			"Via: SIP/2.0/UDP proxy2.pbx.local;branch=z9hG4bK-two\r\n", 1)

	msg, err := parser.Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	vias := msg.GetHeaders("Via")
	if len(vias) != 2 {
		t.Fatalf("got %d Via headers, want 2", len(vias))
	}
	if !strings.Contains(vias[0], "proxy1") || !strings.Contains(vias[1], "proxy2") {
		t.Errorf("Via order not preserved: %v", vias)
	}
}

// Serialization must be deterministic: parse -> serialize -> parse -> serialize
// produces identical bytes.
func TestParser_SerializationFixpoint(t *testing.T) {
	parser := NewParser()

	msg, err := parser.Parse([]byte(inviteMsg))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	first := msg.String()

	msg2, err := parser.Parse([]byte(first))
	if err != nil {
		t.Fatalf("re-parse failed: %v", err)
	}
	if second := msg2.String(); first != second {
		t.Errorf("serialization not stable:\n%q\nvs\n%q", first, second)
	}
}

func TestParser_GarbageDropped(t *testing.T) {
	parser := NewParser()
	for _, raw := range []string{"", "not sip at all", "SIP/2.0 banana\r\n\r\n"} {
		if _, err := parser.Parse([]byte(raw)); !errors.Is(err, ErrMalformedMessage) {
			t.Errorf("Parse(%q) = %v, want ErrMalformedMessage", raw, err)
		}
	}
}

func TestHeaders_CompactForms(t *testing.T) {
	h := NewHeaders()
	h.Add("i", "abc@host")
	if h.Get("Call-ID") != "abc@host" {
		t.Errorf("compact form i not normalized to Call-ID")
	}
}

func TestNewResponse_MirrorsHeaders(t *testing.T) {
	parser := NewParser()
	msg, _ := parser.Parse([]byte(inviteMsg))
	req := msg.(*Request)

	resp := NewResponse(req, 486).WithToTag("deadbeef")
	if resp.ReasonPhrase != "Busy Here" {
		t.Errorf("reason = %q", resp.ReasonPhrase)
	}
	if resp.GetHeader("CSeq") != req.GetHeader("CSeq") {
		t.Error("CSeq not mirrored")
	}
	if !strings.Contains(resp.GetHeader("To"), ";tag=deadbeef") {
		t.Errorf("To tag missing: %q", resp.GetHeader("To"))
	}
}
