package http

import (
	"log"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/searchktools/restengine/core/codec"
)

// HandlerFunc handles one routed request. It must reply exactly once, either
// before returning or later from another goroutine; the engine answers 500
// for a handler that stays silent past its reply timeout.
type HandlerFunc func(ctx *Context)

// Replier delivers a finished response to the connection that carried the request.
// It may be called from any goroutine.
type Replier interface {
	Reply(resp *Response)
}

// Context carries one request through its handler.
//
// Exactly one reply is written per context; later replies are dropped.
// Replies may be sent after the handler returns, from any goroutine.
type Context struct {
	request *Request
	name    string
	vars    []string
	replier Replier

	mu      sync.Mutex
	headers map[string]string
	replied atomic.Bool
	status  atomic.Int32
}

// NewContext creates a context for a routed request
func NewContext(req *Request, handlerName string, vars []string, replier Replier) *Context {
	return &Context{
		request: req,
		name:    handlerName,
		vars:    vars,
		replier: replier,
	}
}

// Request returns the parsed request
func (c *Context) Request() *Request {
	return c.request
}

// Method returns the HTTP method
func (c *Context) Method() string {
	return c.request.Method
}

// Path returns the request path without query
func (c *Context) Path() string {
	return c.request.Path
}

// HandlerName returns the name the route was registered under
func (c *Context) HandlerName() string {
	return c.name
}

// Vars returns the decoded trailing path segments left after routing
func (c *Context) Vars() []string {
	return c.vars
}

// Var returns the i-th variable part or "" if absent
func (c *Context) Var(i int) string {
	if i < 0 || i >= len(c.vars) {
		return ""
	}
	return c.vars[i]
}

// Query gets a query parameter
func (c *Context) Query(key string) string {
	return c.request.Query().Get(key)
}

// QueryValues returns all query parameters
func (c *Context) QueryValues() url.Values {
	return c.request.Query()
}

// HasQuery reports whether the query mentions key, even without a value
func (c *Context) HasQuery(key string) bool {
	_, ok := c.request.Query()[key]
	return ok
}

// Header gets a request header
func (c *Context) Header(key string) string {
	return c.request.Header(key)
}

// Body returns the request body
func (c *Context) Body() []byte {
	return c.request.Body
}

// Bind decodes the body with the codec matching its content type, JSON by default
func (c *Context) Bind(v any) error {
	cd, err := codec.ForContentType(c.request.ContentType)
	if err != nil {
		cd = &codec.JSONCodec{}
	}
	return cd.Decode(c.request.Body, v)
}

// SetHeader adds a header to the reply
func (c *Context) SetHeader(key, value string) {
	c.mu.Lock()
	if c.headers == nil {
		c.headers = make(map[string]string)
	}
	c.headers[key] = value
	c.mu.Unlock()
}

// Replied reports whether a reply has been sent
func (c *Context) Replied() bool {
	return c.replied.Load()
}

// Status returns the status of the sent reply, 0 before replying
func (c *Context) Status() int {
	return int(c.status.Load())
}

// Reply sends a complete response
func (c *Context) Reply(resp *Response) {
	if !c.replied.CompareAndSwap(false, true) {
		log.Printf("restengine: %s replied twice, dropping %d", c.name, resp.Status)
		return
	}
	c.mu.Lock()
	if len(c.headers) > 0 {
		if resp.Headers == nil {
			resp.Headers = make(map[string]string, len(c.headers))
		}
		for k, v := range c.headers {
			if _, ok := resp.Headers[k]; !ok {
				resp.Headers[k] = v
			}
		}
	}
	c.mu.Unlock()
	c.status.Store(int32(resp.Status))
	c.replier.Reply(resp)
}

// Data sends raw data
func (c *Context) Data(code int, contentType string, data []byte) {
	c.Reply(&Response{Status: code, ContentType: contentType, Body: data})
}

// String sends a text response
func (c *Context) String(code int, s string) {
	c.Data(code, "text/plain; charset=utf-8", []byte(s))
}

// Bytes sends a raw bytes response
func (c *Context) Bytes(code int, data []byte) {
	c.Data(code, "application/octet-stream", data)
}

// JSON sends a JSON response
func (c *Context) JSON(code int, v any) {
	c.Encoded(code, &codec.JSONCodec{}, v)
}

// Encoded sends v encoded with the given codec
func (c *Context) Encoded(code int, cd codec.Codec, v any) {
	data, err := cd.Encode(v)
	if err != nil {
		log.Printf("restengine: %s: %s encode error: %v", c.name, cd.Name(), err)
		c.InternalError()
		return
	}
	c.Data(code, cd.ContentType(), data)
}

// Error sends an empty-bodied error with a reason phrase
func (c *Context) Error(code int, reason string) {
	c.Reply(&Response{Status: code, Reason: reason})
}

// ErrorCode sends a machine-readable error body {"error_code": N, "message_args": [...]}
func (c *Context) ErrorCode(code int, reason string, errorCode int, args ...string) {
	body := []byte(`{"error_code":` + strconv.Itoa(errorCode))
	if len(args) > 0 {
		encoded, _ := (&codec.JSONCodec{}).Encode(args)
		body = append(body, `,"message_args":`...)
		body = append(body, encoded...)
	}
	body = append(body, '}')
	c.Reply(&Response{Status: code, Reason: reason, ContentType: codec.ContentTypeJSON, Body: body})
}

// BadRequest sends 400
func (c *Context) BadRequest(reason string) {
	c.Error(400, reason)
}

// NotFound sends 404
func (c *Context) NotFound(reason string) {
	c.Error(404, reason)
}

// Unauthorized sends 401
func (c *Context) Unauthorized() {
	c.Error(401, "Unauthorized")
}

// InternalError sends 500
func (c *Context) InternalError() {
	c.Error(500, "Internal Server Error")
}
