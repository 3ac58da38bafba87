package core

import (
	"context"
	"log"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/searchktools/restengine/core/http"
	"github.com/searchktools/restengine/core/middleware"
	"github.com/searchktools/restengine/core/notify"
	"github.com/searchktools/restengine/core/observability"
	"github.com/searchktools/restengine/core/poller"
	"github.com/searchktools/restengine/core/pools"
	"github.com/searchktools/restengine/core/router"
)

// HealthValue is one entry of the status health report
type HealthValue struct {
	Value     any
	UpdatedAt time.Time
}

// HealthCheck reports application health for system/status. quick is set
// when the caller asked for a cheap check. It runs off the worker.
type HealthCheck func(ctx context.Context, quick bool) (map[string]HealthValue, error)

// Option configures an Engine
type Option func(*Engine)

// WithAddr sets the listen address (default ":8080")
func WithAddr(addr string) Option {
	return func(e *Engine) { e.addr = addr }
}

// WithPort sets the listen port on all interfaces
func WithPort(port int) Option {
	return func(e *Engine) { e.addr = net.JoinHostPort("", strconv.Itoa(port)) }
}

// WithPathPrefix sets the global path prefix every request must start with
func WithPathPrefix(prefix string) Option {
	return func(e *Engine) { e.prefix = prefix }
}

// WithBasicAuth enables Basic authentication with the given credentials
func WithBasicAuth(user, password string) Option {
	return func(e *Engine) {
		e.auth = AuthBasic
		e.user = user
		e.password = password
	}
}

// WithSoftCap sets the worker soft cap (default pools.DefaultSoftCap())
func WithSoftCap(n int) Option {
	return func(e *Engine) { e.softCap = n }
}

// WithIdentity sets the application reported in identification headers
func WithIdentity(id http.Identity) Option {
	return func(e *Engine) { e.identity = id }
}

// WithCustomHeader adds a header to every response
func WithCustomHeader(name, value string) Option {
	return func(e *Engine) { e.custom[name] = value }
}

// WithParserLimits bounds request sizes
func WithParserLimits(limits http.ParserLimits) Option {
	return func(e *Engine) { e.limits = limits }
}

// WithHealthCheck plugs a health check into system/status
func WithHealthCheck(h HealthCheck) Option {
	return func(e *Engine) { e.health = h }
}

// WithNotifier reports handler failures and serves recent errors from its history
func WithNotifier(n *notify.Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithMetrics records Prometheus metrics and serves them on system/metrics
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithCrashFiles sets the glob used to find crash dumps for last_crash_at
func WithCrashFiles(pattern string) Option {
	return func(e *Engine) { e.crashGlob = pattern }
}

// WithMiddleware adds hooks run after routing and auth, before the handler
func WithMiddleware(handlers ...middleware.HandlerFunc) Option {
	return func(e *Engine) {
		if e.pipeline == nil {
			e.pipeline = middleware.NewPipeline()
		}
		for _, h := range handlers {
			e.pipeline.Use(h)
		}
	}
}

// WithReplyTimeout sets how long a handler may take to reply before the
// engine answers 500 in its place (default DefaultReplyTimeout, 0 disables)
func WithReplyTimeout(d time.Duration) Option {
	return func(e *Engine) { e.replyTimeout = d }
}

// WithDebugLog enables per-connection debug logging
func WithDebugLog(on bool) Option {
	return func(e *Engine) { e.debug = on }
}

// Engine is an embeddable HTTP/1.x REST server. Accepted sockets are spread
// over thread-bound workers, each running its own epoll/kqueue loop.
// Connections carry exactly one request and are closed after the reply.
type Engine struct {
	addr      string
	prefix    string
	auth      AuthPolicy
	user      string
	password  string
	softCap   int
	identity  http.Identity
	custom    map[string]string
	limits    http.ParserLimits
	health    HealthCheck
	notifier  *notify.Notifier
	metrics   *observability.Metrics
	monitor   *observability.PerformanceMonitor
	pipeline  *middleware.Pipeline
	crashGlob string
	debug     bool
	startedAt time.Time

	replyTimeout time.Duration

	mu     sync.Mutex
	routes []router.Route
	srv    *serving

	sockMu  sync.Mutex
	sockets map[int]int // fd -> owning worker id

	bytePool *pools.BytePool
	conns    *pools.ConnectionPool[*conn]
	served   atomic.Uint64
	seq      atomic.Uint64
}

// serving is the state of one listen cycle, immutable once started
type serving struct {
	router   *router.Router
	pool     *pools.WorkerPool
	poller   poller.Poller
	lfd      int
	addr     net.Addr
	file     *os.File
	closing  atomic.Bool
	accepted chan struct{}
}

// NewEngine creates a new engine instance
func NewEngine(opts ...Option) *Engine {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}

	e := &Engine{
		addr:      ":8080",
		identity:  http.Identity{AppName: filepath.Base(os.Args[0]), AppVersion: "0.0.0"},
		custom:    make(map[string]string),
		crashGlob: filepath.Join(home, crashFilePattern),
		monitor:   observability.NewPerformanceMonitor(),
		startedAt: time.Now().UTC(),
		sockets:   make(map[int]int),
		bytePool:  pools.NewBytePool(),
		conns:     pools.NewConnectionPool(func() *conn { return &conn{fd: -1} }),

		replyTimeout: DefaultReplyTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Handle registers a route. Routes registered while listening take effect
// on the next Listen.
func (e *Engine) Handle(r router.Route) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.srv != nil {
		log.Printf("restengine: %s %s registered while listening, active after next Listen", r.Verb, r.Path)
	}
	e.routes = append(e.routes, r)
}

// HandleName registers a handler under a name such as rest_get_Users_ById,
// deriving verb and path from it
func (e *Engine) HandleName(name string, handler http.HandlerFunc, tag string) error {
	r, err := router.FromName(name, handler, tag)
	if err != nil {
		return err
	}
	e.Handle(r)
	return nil
}

func (e *Engine) handle(verb, path, tag string, handler http.HandlerFunc) {
	e.Handle(router.Route{Verb: verb, Path: path, Tag: tag, Handler: handler})
}

// GET registers a GET route
func (e *Engine) GET(path string, handler http.HandlerFunc) {
	e.handle("GET", path, "", handler)
}

// POST registers a POST route
func (e *Engine) POST(path string, handler http.HandlerFunc) {
	e.handle("POST", path, "", handler)
}

// PUT registers a PUT route
func (e *Engine) PUT(path string, handler http.HandlerFunc) {
	e.handle("PUT", path, "", handler)
}

// PATCH registers a PATCH route
func (e *Engine) PATCH(path string, handler http.HandlerFunc) {
	e.handle("PATCH", path, "", handler)
}

// DELETE registers a DELETE route
func (e *Engine) DELETE(path string, handler http.HandlerFunc) {
	e.handle("DELETE", path, "", handler)
}

// NoAuth registers a route exempt from authentication
func (e *Engine) NoAuth(verb, path string, handler http.HandlerFunc) {
	e.handle(verb, path, router.NoAuthRequired, handler)
}

// Listen builds the route tree, binds the listening socket and starts
// accepting. A bind failure is returned and nothing is left running.
func (e *Engine) Listen() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.srv != nil {
		return ErrAlreadyListening
	}

	tree, err := router.Build(e.withBuiltins(e.routes))
	if err != nil {
		return errors.Wrap(err, "build routes")
	}

	laddr, err := net.ResolveTCPAddr("tcp", e.addr)
	if err != nil {
		return errors.Wrapf(err, "resolve %s", e.addr)
	}
	ln, err := net.ListenTCP("tcp", laddr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", e.addr)
	}
	// the duplicated descriptor keeps the socket listening once ln is closed
	file, err := ln.File()
	addr := ln.Addr()
	ln.Close()
	if err != nil {
		return errors.Wrap(err, "listener descriptor")
	}

	srv := &serving{
		router:   router.NewRouter(e.prefix, tree),
		lfd:      int(file.Fd()),
		addr:     addr,
		file:     file,
		accepted: make(chan struct{}),
	}
	if err := poller.SetNonblock(srv.lfd); err != nil {
		file.Close()
		return errors.Wrap(err, "listener nonblocking")
	}
	if srv.poller, err = poller.NewPoller(); err != nil {
		file.Close()
		return errors.Wrap(err, "acceptor poller")
	}
	if err := srv.poller.Add(srv.lfd); err != nil {
		srv.poller.Close()
		file.Close()
		return errors.Wrap(err, "acceptor poller")
	}
	srv.pool = pools.NewWorkerPool(e.softCap, func(id int) (pools.Worker, error) {
		return e.spawnWorker(srv, id)
	})

	e.srv = srv
	go e.acceptLoop(srv)

	log.Printf("restengine: listening on %s prefix=%q auth=%s workers<=%d routes=%d",
		addr, srv.router.Prefix(), e.auth, srv.pool.SoftCap(), len(tree.Routes()))
	if e.debug {
		for _, r := range tree.Routes() {
			log.Printf("restengine: route %s %s -> %s", r.Verb, r.Path, r.Name)
		}
	}
	return nil
}

// Addr returns the bound address, nil when not listening
func (e *Engine) Addr() net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.srv == nil {
		return nil
	}
	return e.srv.addr
}

// Close stops accepting, then makes every worker disconnect its sockets and
// exit. It returns once all workers are gone. Close is idempotent.
func (e *Engine) Close() error {
	e.mu.Lock()
	srv := e.srv
	e.srv = nil
	e.mu.Unlock()

	if srv == nil {
		return nil
	}

	srv.closing.Store(true)
	if err := srv.poller.Wake(); err != nil {
		log.Printf("restengine: wake acceptor: %v", err)
	}
	<-srv.accepted
	srv.poller.Close()
	srv.file.Close()

	srv.pool.Close()
	e.metrics.SetWorkers(0)
	log.Printf("restengine: stopped listening on %s", srv.addr)
	return nil
}

// Run listens on addr and blocks until ctx is done, then closes the engine
func (e *Engine) Run(ctx context.Context, addr string) error {
	if addr != "" {
		e.mu.Lock()
		e.addr = addr
		e.mu.Unlock()
	}
	if err := e.Listen(); err != nil {
		return err
	}
	<-ctx.Done()
	return e.Close()
}

// acceptLoop owns the listening descriptor of one cycle
func (e *Engine) acceptLoop(srv *serving) {
	defer close(srv.accepted)

	for {
		events, err := srv.poller.Wait(-1)
		if srv.closing.Load() {
			return
		}
		if err != nil {
			log.Printf("restengine: acceptor wait: %v", err)
			continue
		}
		for _, ev := range events {
			if ev.Fd == srv.lfd {
				e.acceptConnections(srv)
			}
		}
	}
}

// acceptConnections accepts every pending connection
func (e *Engine) acceptConnections(srv *serving) {
	for {
		nfd, _, err := poller.Accept(srv.lfd)
		switch err {
		case nil:
		case unix.EAGAIN:
			return
		case unix.EINTR, unix.ECONNABORTED:
			continue
		default:
			log.Printf("restengine: accept: %v", err)
			return
		}

		// disable Nagle's algorithm; replies are written in one piece
		_ = unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

		slot, err := srv.pool.Assign()
		if err != nil {
			log.Printf("restengine: no worker for connection: %v", err)
			unix.Close(nfd)
			continue
		}
		slot.Worker().(*worker).post(message{kind: msgConn, fd: nfd, slot: slot})
	}
}

func (e *Engine) register(fd, worker int) {
	e.sockMu.Lock()
	e.sockets[fd] = worker
	e.sockMu.Unlock()
}

func (e *Engine) unregister(fd int) {
	e.sockMu.Lock()
	delete(e.sockets, fd)
	e.sockMu.Unlock()
}

// withBuiltins prepends the system endpoints unless a registered route
// already claims their verb and path
func (e *Engine) withBuiltins(routes []router.Route) []router.Route {
	taken := make(map[string]bool, len(routes))
	for i := range routes {
		taken[routes[i].Key()] = true
	}

	var all []router.Route
	for _, b := range e.builtins() {
		if !taken[b.Key()] {
			all = append(all, b)
		}
	}
	return append(all, routes...)
}

func (e *Engine) debugf(format string, args ...any) {
	if e.debug {
		log.Printf("restengine: "+format, args...)
	}
}
