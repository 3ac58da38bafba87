// Package notify fans out operational warnings and errors to registered
// handlers and keeps a short in-memory history of them.
package notify

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// Severity of a notification
type Severity int

const (
	Warning Severity = iota
	Error
	Critical
)

func (s Severity) String() string {
	switch s {
	case Warning:
		return "warning"
	case Error:
		return "error"
	case Critical:
		return "critical"
	default:
		return "unknown"
	}
}

// Message is one notification
type Message struct {
	Time     time.Time
	Severity Severity
	Text     string
	PackID   string
}

// Handler receives notifications. Implementations must be safe for
// concurrent use.
type Handler interface {
	Notify(msg Message)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(msg Message)

// Notify calls f(msg)
func (f HandlerFunc) Notify(msg Message) {
	f(msg)
}

// Notifier dispatches messages to its handlers and the log
type Notifier struct {
	appID string

	mu       sync.RWMutex
	handlers []Handler
	now      func() time.Time
}

// New creates a notifier for an application id
func New(appID string, handlers ...Handler) *Notifier {
	return &Notifier{
		appID:    appID,
		handlers: handlers,
		now:      time.Now,
	}
}

// AppID returns the application id the notifier reports for
func (n *Notifier) AppID() string {
	return n.appID
}

// AddHandler registers another handler
func (n *Notifier) AddHandler(h Handler) {
	n.mu.Lock()
	n.handlers = append(n.handlers, h)
	n.mu.Unlock()
}

// Handlers returns the registered handlers
func (n *Notifier) Handlers() []Handler {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return append([]Handler(nil), n.handlers...)
}

// History returns the first registered handler keeping history, if any
func (n *Notifier) History() History {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, h := range n.handlers {
		if hist, ok := h.(History); ok {
			return hist
		}
	}
	return nil
}

// Notify sends text with the given severity
func (n *Notifier) Notify(severity Severity, text string) {
	msg := Message{Time: n.now().UTC(), Severity: severity, Text: text}
	log.Printf("[%s] %s", severity, text)

	for _, h := range n.Handlers() {
		h.Notify(msg)
	}
}

// Warningf sends a formatted warning
func (n *Notifier) Warningf(format string, args ...any) {
	n.Notify(Warning, fmt.Sprintf(format, args...))
}

// Errorf sends a formatted error
func (n *Notifier) Errorf(format string, args ...any) {
	n.Notify(Error, fmt.Sprintf(format, args...))
}

// Alert reports an out-of-band condition such as a slow network. It never blocks
// the caller on handler delivery.
func (n *Notifier) Alert(subject, body string) {
	go n.Notify(Warning, subject+": "+body)
}
