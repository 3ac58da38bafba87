package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Module identifies network failures among application error codes
const Module = 300

// Offsets of Failure.Data for failures that carry no HTTP status
const (
	NetworkErrorOffset = 1000
	SSLErrorOffset     = 1500
)

// Code classifies a failed request
type Code int

const (
	ServerError Code = iota + 1
	ServiceUnavailable
	SslError
	InvalidReply
	InvalidRequest
	InvalidURL
	InternalError
)

const (
	HostNotFound Code = iota + 100
	Timeout
	Canceled
)

var codeNames = map[Code]string{
	ServerError:        "server_error",
	ServiceUnavailable: "service_unavailable",
	SslError:           "ssl_error",
	InvalidReply:       "invalid_reply",
	InvalidRequest:     "invalid_request",
	InvalidURL:         "invalid_url",
	InternalError:      "internal_error",
	HostNotFound:       "host_not_found",
	Timeout:            "timeout",
	Canceled:           "canceled",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code_%d", int(c))
}

// Hint flags on a Failure
type Hint int

const (
	NoHint             Hint = 0
	UserFriendlyHint   Hint = 1
	DataIsHTTPCodeHint Hint = 2
)

// Failure is the terminal error of a request
type Failure struct {
	Message string
	Module  int
	Code    Code
	Hints   Hint
	Data    int

	cause error
}

func newFailure(code Code, hints Hint, data int, cause error, format string, args ...any) *Failure {
	return &Failure{
		Message: fmt.Sprintf(format, args...),
		Module:  Module,
		Code:    code,
		Hints:   hints,
		Data:    data,
		cause:   cause,
	}
}

func (f *Failure) Error() string {
	if f.Hints&DataIsHTTPCodeHint != 0 {
		return fmt.Sprintf("%s (HTTP %d)", f.Message, f.Data)
	}
	return f.Message
}

// Cause returns the underlying transport error, if any
func (f *Failure) Cause() error {
	return f.cause
}

func (f *Failure) Unwrap() error {
	return f.cause
}

// UserFriendly reports whether Message can be shown to end users
func (f *Failure) UserFriendly() bool {
	return f.Hints&UserFriendlyHint != 0
}

// HTTPStatus returns the status of a server failure, 0 for others
func (f *Failure) HTTPStatus() int {
	if f.Hints&DataIsHTTPCodeHint != 0 {
		return f.Data
	}
	return 0
}

// AsFailure extracts a *Failure from err
func AsFailure(err error) (*Failure, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

func hasCode(err error, codes ...Code) bool {
	f, ok := AsFailure(err)
	if !ok {
		return false
	}
	for _, c := range codes {
		if f.Code == c {
			return true
		}
	}
	return false
}

// IsServer reports a reply with a non-success status
func IsServer(err error) bool {
	return hasCode(err, ServerError)
}

// IsSSL reports a TLS handshake or certificate failure
func IsSSL(err error) bool {
	return hasCode(err, SslError)
}

// IsTransport reports a failure before any reply was received
func IsTransport(err error) bool {
	return hasCode(err, ServiceUnavailable, HostNotFound, Timeout)
}

// successStatus reports the statuses treated as success
func successStatus(status int) bool {
	return status >= 200 && status <= 206
}

// serverFailure builds the failure of a reply with a non-success status
func serverFailure(status int, reason, contentType string, body []byte) *Failure {
	var message string

	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = strings.ToLower(strings.TrimSpace(strings.Split(contentType, ";")[0]))
	}
	switch mediaType {
	case "text/plain":
		message = strings.TrimSpace(string(body))
	case "application/json":
		var doc map[string]any
		if json.Unmarshal(body, &doc) == nil {
			message, _ = doc["message"].(string)
		}
	}
	if message == "" {
		message = strings.TrimSpace(reason)
	}
	return newFailure(ServerError, UserFriendlyHint|DataIsHTTPCodeHint, status, nil, "%s", message)
}

// transportFailure classifies an error returned before a complete reply
func transportFailure(host string, err error) *Failure {
	var (
		dnsErr    *net.DNSError
		netErr    net.Error
		unknownCA x509.UnknownAuthorityError
		hostErr   x509.HostnameError
		invalid   x509.CertificateInvalidError
		verify    *tls.CertificateVerificationError
		record    tls.RecordHeaderError
		alert     tls.AlertError
	)

	switch {
	case errors.Is(err, context.Canceled):
		return newFailure(Canceled, NoHint, NetworkErrorOffset+int(Canceled), err, "Request to %s canceled", host)
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return newFailure(Timeout, UserFriendlyHint, NetworkErrorOffset+int(Timeout), err,
			"Host %s did not answer in time. Try again later", host)
	case errors.As(err, &dnsErr):
		return newFailure(HostNotFound, UserFriendlyHint, NetworkErrorOffset+int(HostNotFound), err,
			"Host %s not found. Please check your DNS settings and try again", host)
	case errors.As(err, &unknownCA):
		return newFailure(SslError, UserFriendlyHint, SSLErrorOffset+1, err, "%v", unknownCA)
	case errors.As(err, &hostErr):
		return newFailure(SslError, UserFriendlyHint, SSLErrorOffset+2, err, "%v", hostErr)
	case errors.As(err, &invalid):
		return newFailure(SslError, UserFriendlyHint, SSLErrorOffset+10+int(invalid.Reason), err, "%v", invalid)
	case errors.As(err, &verify):
		return newFailure(SslError, UserFriendlyHint, SSLErrorOffset+3, err, "%v", verify)
	case errors.As(err, &record), errors.As(err, &alert):
		return newFailure(SslError, UserFriendlyHint, SSLErrorOffset, err, "TLS handshake with %s failed: %v", host, err)
	case errors.Is(err, unix.ECONNREFUSED), errors.Is(err, unix.ECONNRESET), errors.Is(err, unix.EHOSTUNREACH),
		errors.Is(err, unix.ENETUNREACH), errors.Is(err, unix.EPIPE),
		errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return newFailure(ServiceUnavailable, UserFriendlyHint, NetworkErrorOffset+int(ServiceUnavailable), err,
			"Host %s is unavailable. Try again later", host)
	case errors.As(err, new(*net.OpError)):
		return newFailure(ServiceUnavailable, UserFriendlyHint, NetworkErrorOffset+int(ServiceUnavailable), err,
			"Host %s is unavailable. Try again later", host)
	default:
		return newFailure(InternalError, NoHint, NetworkErrorOffset+int(InternalError), err, "%v", err)
	}
}
