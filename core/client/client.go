// Package client issues REST calls to another service. Every call is
// throttled per host by a scheduler and returns a Result handle at once.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	enginehttp "github.com/searchktools/restengine/core/http"
	"github.com/searchktools/restengine/core/observability"
	"github.com/searchktools/restengine/core/scheduler"
)

// Alerter receives slow-network alerts. Alert must not block.
type Alerter interface {
	Alert(subject, body string)
}

// Option configures a Client
type Option func(*Client)

// WithScheduler sets the scheduler requests are throttled by (default scheduler.Default())
func WithScheduler(s *scheduler.Scheduler) Option {
	return func(c *Client) { c.scheduler = s }
}

// WithTransport replaces the HTTP transport
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) { c.transport = rt }
}

// WithAlerter sets the receiver of slow-network alerts
func WithAlerter(a Alerter) Option {
	return func(c *Client) { c.alerter = a }
}

// WithIdentity sets the application announced in identification headers
func WithIdentity(id enginehttp.Identity) Option {
	return func(c *Client) { c.identity = id }
}

// WithSettings sets the initial settings
func WithSettings(s Settings) Option {
	return func(c *Client) {
		s = s.clone()
		c.settings.Store(&s)
	}
}

// WithMetrics counts outcomes and slow requests
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithDebugLog logs every request start and finish
func WithDebugLog(on bool) Option {
	return func(c *Client) { c.debug = on }
}

// Client calls one remote service
type Client struct {
	settings  atomic.Pointer[Settings]
	scheduler *scheduler.Scheduler
	transport http.RoundTripper
	insecure  http.RoundTripper
	alerter   Alerter
	identity  enginehttp.Identity
	metrics   *observability.Metrics
	debug     bool
	now       func() time.Time

	lastSlowAlert atomic.Int64 // unix nanos

	mu          sync.Mutex
	outstanding map[*Result]struct{}
}

// New creates a client
func New(opts ...Option) *Client {
	c := &Client{
		now:         time.Now,
		outstanding: make(map[*Result]struct{}),
	}
	defaults := DefaultSettings()
	c.settings.Store(&defaults)

	for _, opt := range opts {
		opt(c)
	}
	if c.scheduler == nil {
		c.scheduler = scheduler.Default()
	}
	if c.transport == nil {
		base := http.DefaultTransport.(*http.Transport).Clone()
		insecure := base.Clone()
		insecure.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		c.transport, c.insecure = base, insecure
	} else {
		c.insecure = c.transport
	}
	return c
}

// Settings returns a copy of the current settings
func (c *Client) Settings() Settings {
	return c.settings.Load().clone()
}

// Configure applies fn to a copy of the settings and swaps it in.
// Requests already submitted keep the snapshot they started with.
func (c *Client) Configure(fn func(*Settings)) {
	s := c.Settings()
	fn(&s)
	c.settings.Store(&s)
}

// Get issues GET <prefix>/<method>?<query>
func (c *Client) Get(method string, query url.Values) *Result {
	return c.Do(http.MethodGet, method, query, nil)
}

// Post issues POST with body
func (c *Client) Post(method string, query url.Values, body []byte) *Result {
	return c.Do(http.MethodPost, method, query, body)
}

// Put issues PUT with body
func (c *Client) Put(method string, query url.Values, body []byte) *Result {
	return c.Do(http.MethodPut, method, query, body)
}

// Patch issues PATCH with body
func (c *Client) Patch(method string, query url.Values, body []byte) *Result {
	return c.Do(http.MethodPatch, method, query, body)
}

// Delete issues DELETE
func (c *Client) Delete(method string, query url.Values) *Result {
	return c.Do(http.MethodDelete, method, query, nil)
}

// GetURL issues GET to an absolute URL, throttled under its host
func (c *Client) GetURL(u *url.URL) *Result {
	s := c.settings.Load()
	if u == nil || u.Hostname() == "" {
		return c.failed(http.MethodGet, fmt.Sprint(u), newFailure(InvalidURL, NoHint, 0, nil, "URL %v has no host", u))
	}
	return c.submit(http.MethodGet, u, nil, s)
}

// Do issues verb to <prefix>/<method>
func (c *Client) Do(verb, method string, query url.Values, body []byte) *Result {
	s := c.settings.Load()
	u := s.methodURL(method, query)
	if s.Host == "" {
		return c.failed(verb, u.String(), newFailure(InvalidURL, NoHint, 0, nil, "no host configured for %s", method))
	}
	return c.submit(verb, u, body, s)
}

// AbortAll cancels every outstanding request of this client
func (c *Client) AbortAll() {
	c.mu.Lock()
	results := make([]*Result, 0, len(c.outstanding))
	for r := range c.outstanding {
		results = append(results, r)
	}
	c.mu.Unlock()

	for _, r := range results {
		r.Cancel()
	}
}

// Outstanding returns the number of unresolved requests
func (c *Client) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.outstanding)
}

func (c *Client) failed(verb, rawURL string, f *Failure) *Result {
	r := newResult(verb, rawURL, c.now)
	r.resolve(nil, f)
	return r
}

func (c *Client) submit(verb string, u *url.URL, body []byte, s *Settings) *Result {
	r := newResult(verb, u.String(), c.now)
	r.onDone = c.untrack

	c.mu.Lock()
	c.outstanding[r] = struct{}{}
	c.mu.Unlock()

	host := u.Hostname()
	c.debugf("%s %s queued", verb, r.url)
	r.setTicket(c.scheduler.Enqueue(host, func(ctx context.Context, done func()) {
		go func() {
			defer done()
			reply, err := c.roundTrip(ctx, verb, u, body, s)
			c.finish(r, host, reply, err, s)
		}()
	}))
	return r
}

func (c *Client) untrack(r *Result) {
	c.mu.Lock()
	delete(c.outstanding, r)
	c.mu.Unlock()
}

// roundTrip performs the request under the settings timeout
func (c *Client) roundTrip(ctx context.Context, verb string, u *url.URL, body []byte, s *Settings) (*Reply, error) {
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	var rd io.Reader
	if len(body) > 0 {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, verb, u.String(), rd)
	if err != nil {
		return nil, newFailure(InvalidRequest, NoHint, 0, err, "can't build %s %s: %v", verb, u, err)
	}
	decorate(req, body, s, c.identity, c.now())
	c.debugf("%s %s started", verb, u)

	resp, err := c.httpClient(s).Do(req)
	if err != nil {
		return nil, transportFailure(u.Hostname(), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportFailure(u.Hostname(), err)
	}

	reason := strings.TrimSpace(strings.TrimPrefix(resp.Status, fmt.Sprint(resp.StatusCode)))
	if !successStatus(resp.StatusCode) {
		return nil, serverFailure(resp.StatusCode, reason, resp.Header.Get("Content-Type"), data)
	}
	return &Reply{Status: resp.StatusCode, Reason: reason, Header: resp.Header, Body: data}, nil
}

func (c *Client) httpClient(s *Settings) *http.Client {
	hc := &http.Client{Transport: c.transport}
	if s.IgnoreSSLErrors {
		hc.Transport = c.insecure
	}
	if !s.FollowRedirects {
		hc.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}
	return hc
}

// finish resolves the result and checks for a slow network
func (c *Client) finish(r *Result, host string, reply *Reply, err error, s *Settings) {
	if !r.resolve(reply, err) {
		c.debugf("%s %s finished after cancel", r.verb, r.url)
		return
	}

	outcome := "success"
	if f, ok := AsFailure(err); ok {
		outcome = f.Code.String()
		c.debugf("%s %s failed: %v", r.verb, r.url, err)
	} else {
		c.debugf("%s %s finished: %d", r.verb, r.url, reply.Status)
	}
	c.metrics.ClientOutcome(host, outcome)
	c.checkSlow(r, s)
}

// checkSlow alerts once per cooldown when a request took longer than the threshold
func (c *Client) checkSlow(r *Result, s *Settings) {
	elapsed := r.Elapsed()
	if s.SlowThreshold <= 0 || elapsed < s.SlowThreshold {
		return
	}
	c.metrics.ClientSlow()
	log.Printf("restengine: slow network: %s %s took %v", r.verb, r.url, elapsed.Round(time.Millisecond))

	now := c.now()
	last := c.lastSlowAlert.Load()
	if last != 0 && now.Sub(time.Unix(0, last)) < s.SlowCooldown {
		return
	}
	if !c.lastSlowAlert.CompareAndSwap(last, now.UnixNano()) || c.alerter == nil {
		return
	}
	c.alerter.Alert("Slow network",
		fmt.Sprintf("%s %s took %v (threshold %v)", r.verb, r.url, elapsed.Round(time.Millisecond), s.SlowThreshold))
}

func (c *Client) debugf(format string, args ...any) {
	if c.debug {
		log.Printf("restengine: client: "+format, args...)
	}
}
