package client

import (
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// AuthMethod selects how outbound requests authenticate
type AuthMethod int

const (
	AuthNone AuthMethod = iota
	AuthBasic
	AuthWSSE
	AuthBearer
)

func (a AuthMethod) String() string {
	switch a {
	case AuthNone:
		return "none"
	case AuthBasic:
		return "basic"
	case AuthWSSE:
		return "wsse"
	case AuthBearer:
		return "bearer"
	default:
		return "unknown"
	}
}

// Defaults
const (
	DefaultTimeout       = 5 * time.Minute
	DefaultSlowThreshold = 30 * time.Second
	DefaultSlowCooldown  = 12 * time.Hour
)

var ErrInvalidHost = errors.New("invalid host")

// Settings describe the remote service. A Client holds an immutable
// snapshot; change it with Client.Configure.
type Settings struct {
	Scheme     string
	Host       string
	Port       int // 0 keeps the scheme default
	PathPrefix string

	Auth       AuthMethod
	UserName   string
	Password   string
	Token      string
	ClientName string
	Vendor     string

	Timeout       time.Duration
	SlowThreshold time.Duration
	SlowCooldown  time.Duration

	Headers         map[string]string
	FollowRedirects bool
	IgnoreSSLErrors bool
}

// DefaultSettings returns https with the default timeouts
func DefaultSettings() Settings {
	return Settings{
		Scheme:          "https",
		Timeout:         DefaultTimeout,
		SlowThreshold:   DefaultSlowThreshold,
		SlowCooldown:    DefaultSlowCooldown,
		FollowRedirects: true,
	}
}

// SetHost takes a host optionally carrying scheme, port and path prefix,
// such as "https://api.example.com:8443/v2"
func (s *Settings) SetHost(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errors.Wrap(ErrInvalidHost, "empty host")
	}
	if !strings.Contains(raw, "://") {
		scheme := s.Scheme
		if scheme == "" {
			scheme = "https"
		}
		raw = scheme + "://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return errors.Wrapf(ErrInvalidHost, "%s: %v", raw, err)
	}
	if u.Hostname() == "" {
		return errors.Wrapf(ErrInvalidHost, "%s has no host name", raw)
	}

	port := 0
	if p := u.Port(); p != "" {
		if port, err = strconv.Atoi(p); err != nil || port <= 0 || port > 65535 {
			return errors.Wrapf(ErrInvalidHost, "%s: bad port %q", raw, p)
		}
	}

	s.Scheme = u.Scheme
	s.Host = u.Hostname()
	s.Port = port
	s.PathPrefix = strings.TrimRight(u.Path, "/")
	return nil
}

// clone returns a deep copy
func (s Settings) clone() Settings {
	if s.Headers != nil {
		h := make(map[string]string, len(s.Headers))
		for k, v := range s.Headers {
			h[k] = v
		}
		s.Headers = h
	}
	return s
}

// methodURL builds scheme://host[:port]<prefix>/<method>
func (s *Settings) methodURL(method string, query url.Values) *url.URL {
	host := s.Host
	switch {
	case s.Port > 0:
		host = net.JoinHostPort(host, strconv.Itoa(s.Port))
	case strings.Contains(host, ":"):
		host = "[" + host + "]"
	}
	if !strings.HasPrefix(method, "/") {
		method = "/" + method
	}
	u := &url.URL{
		Scheme: s.Scheme,
		Host:   host,
		Path:   s.PathPrefix + method,
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return u
}
