// Package middleware runs hooks between routing and the handler. A hook
// that replies ends the chain.
package middleware

import (
	"log"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/searchktools/restengine/core/http"
)

// HandlerFunc is a hook run before the route handler
type HandlerFunc func(*http.Context)

// Pipeline is an ordered list of hooks. It must not be modified once the
// engine is listening.
type Pipeline struct {
	handlers []HandlerFunc
}

// NewPipeline creates a pipeline running handlers in order
func NewPipeline(handlers ...HandlerFunc) *Pipeline {
	p := &Pipeline{handlers: make([]HandlerFunc, 0, len(handlers))}
	for _, h := range handlers {
		p.Use(h)
	}
	return p
}

// Use adds a middleware to the pipeline
func (p *Pipeline) Use(handler HandlerFunc) *Pipeline {
	p.handlers = append(p.handlers, handler)
	return p
}

// Len returns the number of hooks
func (p *Pipeline) Len() int {
	if p == nil {
		return 0
	}
	return len(p.handlers)
}

// Execute runs the hooks, then final unless a hook replied. A nil
// pipeline runs final only.
func (p *Pipeline) Execute(ctx *http.Context, final http.HandlerFunc) {
	if p != nil {
		for _, h := range p.handlers {
			h(ctx)
			if ctx.Replied() {
				return
			}
		}
	}
	final(ctx)
}

// AccessLog logs every routed request
func AccessLog() HandlerFunc {
	return func(ctx *http.Context) {
		log.Printf("restengine: %s %s -> %s", ctx.Method(), ctx.Path(), ctx.HandlerName())
	}
}

// CORS allows cross-origin calls from origin ("*" for any)
func CORS(origin string) HandlerFunc {
	return func(ctx *http.Context) {
		ctx.SetHeader("Access-Control-Allow-Origin", origin)
		ctx.SetHeader("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE")
		ctx.SetHeader("Access-Control-Allow-Headers", "Content-Type, Authorization, X-WSSE, X-Client-Name")
	}
}

// RateLimiter answers 429 once more than requestsPerSecond requests arrive
// within one second
func RateLimiter(requestsPerSecond int) HandlerFunc {
	var (
		mu         sync.Mutex
		tokens     = requestsPerSecond
		lastRefill = time.Now()
	)

	return func(ctx *http.Context) {
		mu.Lock()
		now := time.Now()
		if now.Sub(lastRefill) >= time.Second {
			tokens = requestsPerSecond
			lastRefill = now
		}
		allowed := tokens > 0
		if allowed {
			tokens--
		}
		mu.Unlock()

		if !allowed {
			ctx.Error(429, "Too Many Requests")
		}
	}
}

// RequestID echoes the caller's X-Request-ID or assigns a new one
func RequestID() HandlerFunc {
	var counter atomic.Uint64
	prefix := strconv.FormatInt(time.Now().Unix(), 36) + "-"

	return func(ctx *http.Context) {
		id := ctx.Header("X-Request-ID")
		if id == "" {
			id = prefix + strconv.FormatUint(counter.Add(1), 10)
		}
		ctx.SetHeader("X-Request-ID", id)
	}
}
