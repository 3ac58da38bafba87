package http

import (
	"net/textproto"
	"net/url"
	"strings"
)

// HTTP header constants
const (
	HeaderContentType   = "Content-Type"
	HeaderContentLength = "Content-Length"
	HeaderAuthorization = "Authorization"
	HeaderAccept        = "Accept"
	HeaderHost          = "Host"
	HeaderConnection    = "Connection"
	HeaderUserAgent     = "User-Agent"
)

// Request is one parsed inbound request
type Request struct {
	Method   string
	URI      string
	Proto    string
	Path     string
	RawQuery string

	// Predefined common header fields
	ContentType   string
	Authorization string
	Accept        string
	Host          string
	UserAgent     string

	// Raw "Name: Value" lines in arrival order
	Headers []string

	// Other headers keyed by canonical name, last occurrence wins
	ExtraHeaders map[string]string

	Body []byte

	query url.Values
}

// NewRequest assembles a request from parsed parts
func NewRequest(method, uri, proto string, headers []string, body []byte) *Request {
	r := &Request{
		Method:  method,
		URI:     uri,
		Proto:   proto,
		Headers: headers,
		Body:    body,
	}

	r.Path = uri
	if idx := strings.IndexByte(uri, '?'); idx != -1 {
		r.Path = uri[:idx]
		r.RawQuery = uri[idx+1:]
	}
	r.query, _ = url.ParseQuery(r.RawQuery)

	for _, line := range headers {
		colon := strings.IndexByte(line, ':')
		if colon <= 0 {
			continue
		}
		r.SetHeader(line[:colon], strings.TrimSpace(line[colon+1:]))
	}
	return r
}

// SetHeader sets a header (prioritizes predefined fields)
func (r *Request) SetHeader(key, value string) {
	switch textproto.CanonicalMIMEHeaderKey(key) {
	case HeaderContentType:
		r.ContentType = value
	case HeaderAuthorization:
		r.Authorization = value
	case HeaderAccept:
		r.Accept = value
	case HeaderHost:
		r.Host = value
	case HeaderUserAgent:
		r.UserAgent = value
	default:
		if r.ExtraHeaders == nil {
			r.ExtraHeaders = make(map[string]string)
		}
		r.ExtraHeaders[textproto.CanonicalMIMEHeaderKey(key)] = value
	}
}

// Header returns a header value, matching the name case-insensitively
func (r *Request) Header(key string) string {
	switch key = textproto.CanonicalMIMEHeaderKey(key); key {
	case HeaderContentType:
		return r.ContentType
	case HeaderAuthorization:
		return r.Authorization
	case HeaderAccept:
		return r.Accept
	case HeaderHost:
		return r.Host
	case HeaderUserAgent:
		return r.UserAgent
	default:
		return r.ExtraHeaders[key]
	}
}

// Query returns the query string parsed by NewRequest. Malformed pairs are
// skipped. The values are shared and must not be modified.
func (r *Request) Query() url.Values {
	if r.query == nil {
		return url.Values{}
	}
	return r.query
}
