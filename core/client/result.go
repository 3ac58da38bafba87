package client

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/searchktools/restengine/core/codec"
	"github.com/searchktools/restengine/core/scheduler"
)

// Reply is a successful response
type Reply struct {
	Status int
	Reason string
	Header http.Header
	Body   []byte
}

// Decode unmarshals the body with the codec matching its content type
func (r *Reply) Decode(v any) error {
	c, err := codec.ForContentType(r.Header.Get("Content-Type"))
	if err != nil {
		return newFailure(InvalidReply, NoHint, r.Status, err,
			"can't decode reply of type %q", r.Header.Get("Content-Type"))
	}
	if err := c.Decode(r.Body, v); err != nil {
		return newFailure(InvalidReply, NoHint, r.Status, err, "invalid %s reply: %v", c.Name(), err)
	}
	return nil
}

// Result is the handle of one outbound request. It resolves exactly once,
// with a Reply or a *Failure.
type Result struct {
	verb      string
	url       string
	submitted time.Time
	now       func() time.Time
	done      chan struct{}

	mu       sync.Mutex
	resolved bool
	canceled bool
	reply    *Reply
	err      error
	elapsed  time.Duration
	ticket   *scheduler.Ticket
	subs     []func(*Reply, error)
	onDone   func(*Result)
}

func newResult(verb, url string, now func() time.Time) *Result {
	return &Result{
		verb:      verb,
		url:       url,
		submitted: now(),
		now:       now,
		done:      make(chan struct{}),
	}
}

// Verb returns the request method
func (r *Result) Verb() string {
	return r.verb
}

// URL returns the request URL
func (r *Result) URL() string {
	return r.url
}

// Done is closed once the result is resolved
func (r *Result) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the result resolves or ctx ends. Ending ctx does not
// cancel the request.
func (r *Result) Wait(ctx context.Context) (*Reply, error) {
	select {
	case <-r.done:
		return r.Outcome()
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), "wait for reply")
	}
}

// Outcome returns the resolution without blocking. Both are nil while
// the request is outstanding.
func (r *Result) Outcome() (*Reply, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reply, r.err
}

// Subscribe calls fn with the resolution. A resolved result calls fn
// immediately on the caller's goroutine.
func (r *Result) Subscribe(fn func(*Reply, error)) {
	r.mu.Lock()
	if !r.resolved {
		r.subs = append(r.subs, fn)
		r.mu.Unlock()
		return
	}
	reply, err := r.reply, r.err
	r.mu.Unlock()
	fn(reply, err)
}

// Elapsed returns the time from submission to resolution, or so far
func (r *Result) Elapsed() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resolved {
		return r.elapsed
	}
	return r.now().Sub(r.submitted)
}

// Cancel resolves the result with a Canceled failure unless it already
// resolved, and aborts the request
func (r *Result) Cancel() {
	r.resolve(nil, newFailure(Canceled, NoHint, NetworkErrorOffset+int(Canceled), context.Canceled,
		"Request to %s canceled", r.url))

	r.mu.Lock()
	r.canceled = true
	t := r.ticket
	r.mu.Unlock()
	if t != nil {
		t.Cancel()
	}
}

func (r *Result) setTicket(t *scheduler.Ticket) {
	r.mu.Lock()
	r.ticket = t
	canceled := r.canceled
	r.mu.Unlock()
	if canceled {
		t.Cancel()
	}
}

// resolve records the outcome; only the first call has an effect
func (r *Result) resolve(reply *Reply, err error) bool {
	r.mu.Lock()
	if r.resolved {
		r.mu.Unlock()
		return false
	}
	r.resolved = true
	r.reply, r.err = reply, err
	r.elapsed = r.now().Sub(r.submitted)
	subs, onDone := r.subs, r.onDone
	r.subs = nil
	r.mu.Unlock()

	close(r.done)
	if onDone != nil {
		onDone(r)
	}
	for _, fn := range subs {
		fn(reply, err)
	}
	return true
}
