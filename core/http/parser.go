package http

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// Result is the outcome of feeding bytes to a Parser
type Result int

const (
	NeedMore Result = iota
	Success
	Error
)

func (r Result) String() string {
	switch r {
	case NeedMore:
		return "NeedMore"
	case Success:
		return "Success"
	case Error:
		return "Error"
	default:
		return "Unknown"
	}
}

// State is the parser position in the request stream
type State int

const (
	StateInitial State = iota
	StateHeaders
	StateBody
	StateDone
	StateFailed
)

const (
	// DefaultMaxHeaderBytes bounds the start line plus header section
	DefaultMaxHeaderBytes = 64 << 10
)

// ParserLimits bounds the memory a single request may take
type ParserLimits struct {
	MaxHeaderBytes int    // start line + headers, 0 means DefaultMaxHeaderBytes
	MaxBodyBytes   uint64 // 0 means unlimited
}

// Parser is an incremental HTTP/1.x request parser.
//
// Bytes may be fed in arbitrary chunks; the parse result does not depend on
// where the chunk boundaries fall. Bodies are framed by Content-Length only.
type Parser struct {
	state  State
	limits ParserLimits

	residual    []byte
	headerBytes int

	method  string
	uri     string
	proto   string
	headers []string

	contentLength uint64
	body          []byte
	err           string
}

// NewParser creates a parser with default limits
func NewParser() *Parser {
	return NewParserWithLimits(ParserLimits{})
}

// NewParserWithLimits creates a parser with custom limits
func NewParserWithLimits(limits ParserLimits) *Parser {
	if limits.MaxHeaderBytes <= 0 {
		limits.MaxHeaderBytes = DefaultMaxHeaderBytes
	}
	return &Parser{limits: limits}
}

// Feed consumes the next chunk of the stream
func (p *Parser) Feed(data []byte) Result {
	for {
		switch p.state {
		case StateDone:
			return Success
		case StateFailed:
			return Error
		case StateBody:
			return p.feedBody(data)
		}

		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			p.residual = append(p.residual, data...)
			if p.headerBytes+len(p.residual) > p.limits.MaxHeaderBytes {
				return p.fail("header section too large")
			}
			return NeedMore
		}

		line := string(p.residual) + string(data[:idx+1])
		p.residual = p.residual[:0]
		data = data[idx+1:]

		p.headerBytes += len(line)
		if p.headerBytes > p.limits.MaxHeaderBytes {
			return p.fail("header section too large")
		}

		var r Result
		if p.state == StateInitial {
			r = p.startLine(line)
		} else {
			r = p.headerLine(line)
		}
		if r != NeedMore {
			return r
		}
		if len(data) == 0 && p.state != StateBody {
			return NeedMore
		}
	}
}

func (p *Parser) startLine(line string) Result {
	text := trimEOL(line)
	sp := strings.LastIndexByte(text, ' ')
	if sp <= 0 || !isHTTP1(text[sp+1:]) {
		return p.fail(fmt.Sprintf("invalid start line: %s", line))
	}
	rest := text[:sp]
	sp = strings.IndexByte(rest, ' ')
	if sp <= 0 || sp == len(rest)-1 {
		return p.fail(fmt.Sprintf("invalid start line: %s", line))
	}

	p.method = rest[:sp]
	p.uri = rest[sp+1:]
	p.proto = text[len(rest)+1:]
	p.state = StateHeaders
	return NeedMore
}

func (p *Parser) headerLine(line string) Result {
	text := trimEOL(line)
	if text == "" {
		if p.contentLength > 0 {
			p.state = StateBody
			return NeedMore
		}
		p.state = StateDone
		return Success
	}

	colon := strings.IndexByte(text, ':')
	if colon <= 0 || !httpguts.ValidHeaderFieldName(text[:colon]) {
		return p.fail(fmt.Sprintf("invalid header: %s", line))
	}
	name := text[:colon]
	value := strings.TrimSpace(text[colon+1:])
	p.headers = append(p.headers, name+": "+value)

	if strings.EqualFold(name, HeaderContentLength) {
		// Repeated Content-Length: the last one wins.
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return p.fail(fmt.Sprintf("can't convert %q to unsigned integer for Content-Length", value))
		}
		if p.limits.MaxBodyBytes > 0 && n > p.limits.MaxBodyBytes {
			return p.fail(fmt.Sprintf("Content-Length %d exceeds limit %d", n, p.limits.MaxBodyBytes))
		}
		p.contentLength = n
	}
	return NeedMore
}

func (p *Parser) feedBody(data []byte) Result {
	p.body = append(p.body, data...)
	switch n := uint64(len(p.body)); {
	case n > p.contentLength:
		return p.fail(fmt.Sprintf("body exceeds Content-Length %d", p.contentLength))
	case n == p.contentLength:
		p.state = StateDone
		return Success
	default:
		return NeedMore
	}
}

func (p *Parser) fail(msg string) Result {
	p.err = msg
	p.state = StateFailed
	return Error
}

// State returns the current parser state
func (p *Parser) State() State {
	return p.state
}

// Method returns the parsed request method
func (p *Parser) Method() string {
	return p.method
}

// URI returns the raw request target
func (p *Parser) URI() string {
	return p.uri
}

// Proto returns the protocol version from the start line
func (p *Parser) Proto() string {
	return p.proto
}

// Headers returns raw "Name: Value" header lines in arrival order
func (p *Parser) Headers() []string {
	return p.headers
}

// Body returns the collected body
func (p *Parser) Body() []byte {
	return p.body
}

// ContentLength returns the declared body length
func (p *Parser) ContentLength() uint64 {
	return p.contentLength
}

// Error returns the parse error text
func (p *Parser) Error() string {
	return p.err
}

// Request builds a Request from a successfully parsed stream
func (p *Parser) Request() *Request {
	if p.state != StateDone {
		return nil
	}
	return NewRequest(p.method, p.uri, p.proto, p.headers, p.body)
}

func trimEOL(line string) string {
	line = strings.TrimSuffix(line, "\n")
	return strings.TrimSuffix(line, "\r")
}

func isHTTP1(proto string) bool {
	return proto == "HTTP/1.1" || proto == "HTTP/1.0"
}
