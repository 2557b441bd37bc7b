package message

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
)

// URI represents a sip:, sips: or tel: URI.
type URI struct {
	Scheme     string
	User       string
	Host       string
	Port       int // 0 means scheme default
	Parameters map[string]string
	Headers    map[string]string
}

// ParseURI parses a SIP URI. Angle brackets from name-addr forms must be
// stripped by the caller (see ParseAddress).
func ParseURI(uriStr string) (*URI, error) {
	if uriStr == "" {
		return nil, fmt.Errorf("%w: empty URI", ErrInvalidURI)
	}

	uri := &URI{
		Parameters: make(map[string]string),
		Headers:    make(map[string]string),
	}

	schemeEnd := strings.Index(uriStr, ":")
	if schemeEnd < 0 {
		return nil, fmt.Errorf("%w: missing scheme in %q", ErrInvalidURI, uriStr)
	}

	uri.Scheme = strings.ToLower(uriStr[:schemeEnd])
	switch uri.Scheme {
	case "sip", "sips", "tel":
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURI, uri.Scheme)
	}

	rest := uriStr[schemeEnd+1:]

	// tel: URIs carry only the number and optional parameters.
	if uri.Scheme == "tel" {
		if semiIdx := strings.Index(rest, ";"); semiIdx >= 0 {
			parseParams(rest[semiIdx+1:], uri.Parameters)
			rest = rest[:semiIdx]
		}
		uri.User = rest
		return uri, nil
	}

	if atIdx := strings.LastIndex(rest, "@"); atIdx >= 0 {
		userInfo := rest[:atIdx]
		rest = rest[atIdx+1:]
		// Passwords in URIs are deprecated; drop them.
		if colonIdx := strings.Index(userInfo, ":"); colonIdx >= 0 {
			userInfo = userInfo[:colonIdx]
		}
		uri.User = userInfo
	}

	if qIdx := strings.Index(rest, "?"); qIdx >= 0 {
		for _, header := range strings.Split(rest[qIdx+1:], "&") {
			if eqIdx := strings.Index(header, "="); eqIdx >= 0 {
				uri.Headers[header[:eqIdx]] = header[eqIdx+1:]
			}
		}
		rest = rest[:qIdx]
	}

	if semiIdx := strings.Index(rest, ";"); semiIdx >= 0 {
		parseParams(rest[semiIdx+1:], uri.Parameters)
		rest = rest[:semiIdx]
	}

	if rest == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidURI)
	}

	if strings.HasPrefix(rest, "[") {
		endIdx := strings.Index(rest, "]")
		if endIdx < 0 {
			return nil, fmt.Errorf("%w: unterminated IPv6 literal", ErrInvalidURI)
		}
		uri.Host = rest[:endIdx+1]
		if ip := net.ParseIP(rest[1:endIdx]); ip == nil {
			return nil, fmt.Errorf("%w: bad IPv6 literal %q", ErrInvalidURI, rest[1:endIdx])
		}
		rest = rest[endIdx+1:]
		if strings.HasPrefix(rest, ":") {
			port, err := strconv.Atoi(rest[1:])
			if err != nil {
				return nil, fmt.Errorf("%w: bad port %q", ErrInvalidURI, rest[1:])
			}
			uri.Port = port
		}
	} else {
		if colonIdx := strings.LastIndex(rest, ":"); colonIdx >= 0 {
			port, err := strconv.Atoi(rest[colonIdx+1:])
			if err != nil {
				return nil, fmt.Errorf("%w: bad port %q", ErrInvalidURI, rest[colonIdx+1:])
			}
			uri.Host = rest[:colonIdx]
			uri.Port = port
		} else {
			uri.Host = rest
		}
	}

	if uri.Host == "" {
		return nil, fmt.Errorf("%w: empty host", ErrInvalidURI)
	}

	return uri, nil
}

func parseParams(s string, into map[string]string) {
	for _, param := range strings.Split(s, ";") {
		if param == "" {
			continue
		}
		if eqIdx := strings.Index(param, "="); eqIdx >= 0 {
			into[param[:eqIdx]] = param[eqIdx+1:]
		} else {
			into[param] = ""
		}
	}
}

// String returns the URI in wire form. Parameters and headers are emitted
// in sorted key order so serialization stays deterministic.
func (u *URI) String() string {
	var sb strings.Builder

	sb.WriteString(u.Scheme)
	sb.WriteString(":")

	if u.Scheme == "tel" {
		sb.WriteString(u.User)
		writeSortedParams(&sb, u.Parameters)
		return sb.String()
	}

	if u.User != "" {
		sb.WriteString(u.User)
		sb.WriteString("@")
	}

	sb.WriteString(u.Host)
	if u.Port > 0 {
		fmt.Fprintf(&sb, ":%d", u.Port)
	}

	writeSortedParams(&sb, u.Parameters)

	if len(u.Headers) > 0 {
		keys := sortedKeys(u.Headers)
		for i, key := range keys {
			if i == 0 {
				sb.WriteString("?")
			} else {
				sb.WriteString("&")
			}
			sb.WriteString(key)
			sb.WriteString("=")
			sb.WriteString(u.Headers[key])
		}
	}

	return sb.String()
}

func writeSortedParams(sb *strings.Builder, params map[string]string) {
	for _, key := range sortedKeys(params) {
		sb.WriteString(";")
		sb.WriteString(key)
		if v := params[key]; v != "" {
			sb.WriteString("=")
			sb.WriteString(v)
		}
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone creates a deep copy of the URI.
func (u *URI) Clone() *URI {
	clone := &URI{
		Scheme:     u.Scheme,
		User:       u.User,
		Host:       u.Host,
		Port:       u.Port,
		Parameters: make(map[string]string, len(u.Parameters)),
		Headers:    make(map[string]string, len(u.Headers)),
	}
	for k, v := range u.Parameters {
		clone.Parameters[k] = v
	}
	for k, v := range u.Headers {
		clone.Headers[k] = v
	}
	return clone
}

// DefaultPort returns the default port for the URI scheme.
func (u *URI) DefaultPort() int {
	switch u.Scheme {
	case "sip":
		return 5060
	case "sips":
		return 5061
	default:
		return 0
	}
}

// HostPort returns host:port, filling in the scheme default.
func (u *URI) HostPort() string {
	port := u.Port
	if port == 0 {
		port = u.DefaultPort()
	}
	return fmt.Sprintf("%s:%d", u.Host, port)
}

// MustParseURI parses a URI and panics on error. For tests and static tables.
func MustParseURI(uriStr string) *URI {
	uri, err := ParseURI(uriStr)
	if err != nil {
		panic(fmt.Sprintf("MustParseURI(%q): %v", uriStr, err))
	}
	return uri
}

// ParseAddress parses a From/To/Contact style value: an optional display
// name plus a URI in angle brackets, followed by header parameters such
// as ;tag=.
func ParseAddress(value string) (displayName string, uri *URI, params map[string]string, err error) {
	params = make(map[string]string)
	value = strings.TrimSpace(value)

	if ltIdx := strings.Index(value, "<"); ltIdx >= 0 {
		gtIdx := strings.Index(value, ">")
		if gtIdx < ltIdx {
			return "", nil, nil, fmt.Errorf("%w: unbalanced angle brackets in %q", ErrInvalidHeader, value)
		}
		displayName = strings.Trim(strings.TrimSpace(value[:ltIdx]), `"`)
		uri, err = ParseURI(value[ltIdx+1 : gtIdx])
		if err != nil {
			return "", nil, nil, err
		}
		parseParams(strings.TrimPrefix(value[gtIdx+1:], ";"), params)
		return displayName, uri, params, nil
	}

	// addr-spec form: header params belong to the header, not the URI
	uriPart := value
	if semiIdx := strings.Index(value, ";"); semiIdx >= 0 {
		uriPart = value[:semiIdx]
		parseParams(value[semiIdx+1:], params)
	}
	uri, err = ParseURI(uriPart)
	if err != nil {
		return "", nil, nil, err
	}
	return "", uri, params, nil
}
