package http

import (
	"log"
	"sort"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// FrameworkVersion is reported in identification headers and the status document
const FrameworkVersion = "1.4.0"

// ServerName is sent in the Server header of every response
const ServerName = "restengine"

// Identity names the application embedding the engine
type Identity struct {
	Namespace  string // header namespace, "Restengine" if empty
	AppName    string
	AppVersion string
}

// Prettified returns the application name reduced to header-safe characters
func (id Identity) Prettified() string {
	name := id.AppName
	if name == "" {
		name = "app"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			return r
		default:
			return '-'
		}
	}, name)
}

// HeaderNamespace returns the prefix of identification header names
func (id Identity) HeaderNamespace() string {
	if id.Namespace == "" {
		return "Restengine"
	}
	return id.Namespace
}

// Headers returns the identification headers in a stable order
func (id Identity) Headers() [][2]string {
	ns := id.HeaderNamespace()
	name := id.Prettified()
	return [][2]string{
		{ns + "-Application", name},
		{ns + "-" + name + "-Version", id.AppVersion},
		{ns + "-" + name + "-Framework-Version", FrameworkVersion},
	}
}

// Response is a reply waiting to be written
type Response struct {
	Status      int
	Reason      string
	ContentType string
	Headers     map[string]string
	Body        []byte
}

// AppendTo serializes the response. The connection is always announced as
// closed since connections are never reused. Headers that are not valid
// field names or values are dropped and control characters are removed
// from the reason phrase.
func (r *Response) AppendTo(b []byte, id Identity, custom map[string]string) []byte {
	reason := cleanReason(r.Reason)
	if reason == "" {
		reason = statusText(r.Status)
	}
	contentType := r.ContentType
	if contentType == "" || !httpguts.ValidHeaderFieldValue(contentType) {
		contentType = "text/plain; charset=utf-8"
	}

	b = append(b, "HTTP/1.1 "...)
	b = appendInt(b, r.Status)
	b = append(b, ' ')
	b = append(b, reason...)
	b = append(b, "\r\nServer: "...)
	b = append(b, ServerName...)
	b = append(b, "\r\nConnection: closed\r\nContent-Type: "...)
	b = append(b, contentType...)
	b = append(b, "\r\n"...)
	if len(r.Body) > 0 {
		b = append(b, "Content-Length: "...)
		b = appendInt(b, len(r.Body))
		b = append(b, "\r\n"...)
	}
	for _, h := range id.Headers() {
		b = appendHeader(b, h[0], h[1])
	}
	b = appendHeaderMap(b, custom)
	b = appendHeaderMap(b, r.Headers)
	b = append(b, "\r\n"...)
	return append(b, r.Body...)
}

func appendHeaderMap(b []byte, headers map[string]string) []byte {
	if len(headers) == 0 {
		return b
	}
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b = appendHeader(b, k, headers[k])
	}
	return b
}

func appendHeader(b []byte, name, value string) []byte {
	if !httpguts.ValidHeaderFieldName(name) || !httpguts.ValidHeaderFieldValue(value) {
		log.Printf("restengine: dropping invalid response header %q", name)
		return b
	}
	b = append(b, name...)
	b = append(b, ": "...)
	b = append(b, value...)
	return append(b, "\r\n"...)
}

// cleanReason strips control characters from a reason phrase
func cleanReason(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\t' || (r >= ' ' && r != 0x7f) {
			return r
		}
		return -1
	}, s)
}

// appendInt appends an integer to a byte slice
func appendInt(b []byte, i int) []byte {
	if i == 0 {
		return append(b, '0')
	}

	if i < 0 {
		b = append(b, '-')
		i = -i
	}

	var digits [20]byte
	n := 0
	for i > 0 {
		digits[n] = byte('0' + i%10)
		i /= 10
		n++
	}

	for n > 0 {
		n--
		b = append(b, digits[n])
	}

	return b
}

// statusText returns the HTTP status text for the given code
func statusText(code int) string {
	switch code {
	case 200:
		return "OK"
	case 201:
		return "Created"
	case 202:
		return "Accepted"
	case 204:
		return "No Content"
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
	case 409:
		return "Conflict"
	case 413:
		return "Payload Too Large"
	case 500:
		return "Internal Server Error"
	case 503:
		return "Service Unavailable"
	default:
		return "Unknown"
	}
}
