package core

import (
	"log"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/searchktools/restengine/core/http"
	"github.com/searchktools/restengine/core/poller"
	"github.com/searchktools/restengine/core/pools"
	"github.com/searchktools/restengine/core/router"
)

// Connection states
const (
	stateReading = iota
	stateDispatched
	stateWriting
)

// conn is the per-socket record. Only its owning worker touches it.
type conn struct {
	fd      int
	seq     uint64
	state   int
	slot    *pools.Slot
	parser  *http.Parser
	out     []byte
	started time.Time
	handler string
	expiry  *time.Timer
}

// Reset implements pools.Resetter
func (c *conn) Reset() {
	c.fd = -1
	c.seq = 0
	c.state = stateReading
	c.slot = nil
	c.parser = nil
	c.out = c.out[:0]
	c.started = time.Time{}
	c.handler = ""
	c.expiry = nil
}

type msgKind int

const (
	msgConn msgKind = iota
	msgReply
	msgStop
)

// message is a typed request to a worker from another goroutine
type message struct {
	kind msgKind
	fd   int
	seq  uint64
	slot *pools.Slot
	resp *http.Response
}

// worker runs one event loop on a locked OS thread
type worker struct {
	id     int
	e      *Engine
	srv    *serving
	poller poller.Poller
	conns  map[int]*conn

	mu      sync.Mutex
	mailbox []message
	stopped bool
	done    chan struct{}
}

func (e *Engine) spawnWorker(srv *serving, id int) (pools.Worker, error) {
	p, err := poller.NewPoller()
	if err != nil {
		return nil, errors.Wrap(err, "worker poller")
	}

	w := &worker{
		id:     id,
		e:      e,
		srv:    srv,
		poller: p,
		conns:  make(map[int]*conn),
		done:   make(chan struct{}),
	}
	go w.run()

	e.metrics.SetWorkers(id + 1)
	e.debugf("worker %d started", id)
	return w, nil
}

// post queues a message and wakes the loop. Messages to a stopped worker
// are dropped.
func (w *worker) post(msg message) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		if msg.kind == msgConn {
			unix.Close(msg.fd)
			msg.slot.Release()
		}
		return
	}
	w.mailbox = append(w.mailbox, msg)
	if err := w.poller.Wake(); err != nil {
		log.Printf("restengine: worker %d wake: %v", w.id, err)
	}
}

// Stop disconnects every socket of the worker and waits for its loop to exit
func (w *worker) Stop() {
	w.post(message{kind: msgStop})
	<-w.done
}

func (w *worker) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(w.done)

	var inbox []message
	for {
		events, err := w.poller.Wait(-1)
		if err != nil {
			log.Printf("restengine: worker %d wait: %v", w.id, err)
		}
		for _, ev := range events {
			if c := w.conns[ev.Fd]; c != nil {
				w.handleEvent(c, ev)
			}
		}

		w.mu.Lock()
		inbox, w.mailbox = w.mailbox, inbox[:0]
		w.mu.Unlock()

		for _, msg := range inbox {
			switch msg.kind {
			case msgConn:
				w.addConn(msg.fd, msg.slot)
			case msgReply:
				w.deliver(msg)
			case msgStop:
				w.shutdown()
				return
			}
		}
	}
}

func (w *worker) shutdown() {
	w.mu.Lock()
	w.stopped = true
	pending := w.mailbox
	w.mailbox = nil
	w.mu.Unlock()

	for _, msg := range pending {
		if msg.kind == msgConn {
			unix.Close(msg.fd)
			msg.slot.Release()
		}
	}
	for _, c := range w.conns {
		w.closeConn(c)
	}
	w.poller.Close()
	w.e.debugf("worker %d stopped", w.id)
}

// addConn takes ownership of an accepted socket. A socket that cannot be
// registered is closed and its reservation returned.
func (w *worker) addConn(fd int, slot *pools.Slot) {
	if err := w.poller.Add(fd); err != nil {
		log.Printf("restengine: worker %d register fd %d: %v", w.id, fd, err)
		unix.Close(fd)
		slot.Release()
		return
	}

	c := w.e.conns.Get()
	c.fd = fd
	c.seq = w.e.seq.Add(1)
	c.state = stateReading
	c.slot = slot
	c.parser = http.NewParserWithLimits(w.e.limits)

	w.conns[fd] = c
	w.e.register(fd, w.id)
	w.e.metrics.SetWorkerSockets(w.id, slot.Sockets())
	w.e.debugf("worker %d: fd %d connected", w.id, fd)
}

func (w *worker) closeConn(c *conn) {
	fd := c.fd
	if c.expiry != nil {
		c.expiry.Stop()
	}
	_ = w.poller.Remove(fd)
	delete(w.conns, fd)
	w.e.unregister(fd)
	unix.Close(fd)

	c.slot.Release()
	w.e.metrics.SetWorkerSockets(w.id, c.slot.Sockets())
	w.e.debugf("worker %d: fd %d closed", w.id, fd)
	w.e.conns.Put(c)
}

func (w *worker) handleEvent(c *conn, ev poller.Event) {
	switch c.state {
	case stateReading:
		if ev.Readable {
			w.read(c)
		} else if ev.Hangup {
			w.closeConn(c)
		}
	case stateWriting:
		if ev.Hangup && !ev.Writable {
			w.closeConn(c)
			return
		}
		w.flush(c)
	case stateDispatched:
		// no interest is registered while the handler runs, so this is a
		// hangup or socket error; a late reply will find the socket gone
		w.closeConn(c)
	}
}

func (w *worker) read(c *conn) {
	buf := w.e.bytePool.Get(readChunk)
	defer w.e.bytePool.Put(buf)

	n, err := unix.Read(c.fd, buf)
	if err == unix.EAGAIN || err == unix.EINTR {
		return
	}
	if err != nil || n == 0 {
		// EOF before a complete request never reaches a handler
		w.closeConn(c)
		return
	}
	w.e.metrics.AddIO(n, 0)

	switch c.parser.Feed(buf[:n]) {
	case http.NeedMore:
	case http.Error:
		w.e.metrics.ParseError()
		w.e.debugf("worker %d: fd %d: %s", w.id, c.fd, c.parser.Error())
		w.stopReading(c)
		c.handler = "parse-error"
		w.write(c, &http.Response{Status: 400, Body: []byte(c.parser.Error())})
	case http.Success:
		w.stopReading(c)
		w.dispatch(c)
	}
}

func (w *worker) stopReading(c *conn) {
	c.state = stateDispatched
	c.started = time.Now()
	if err := w.poller.Modify(c.fd, false, false); err != nil {
		w.e.debugf("worker %d: fd %d modify: %v", w.id, c.fd, err)
	}
}

// dispatch routes a parsed request, applies the auth policy and runs the
// handler on the worker goroutine
func (w *worker) dispatch(c *conn) {
	req := c.parser.Request()
	e := w.e

	match, err := w.srv.router.Resolve(req.Method, req.URI)
	if err != nil {
		e.debugf("worker %d: %v", w.id, err)
		c.handler = "not-found"
		w.write(c, &http.Response{Status: 404, Body: []byte(notFoundBody)})
		return
	}
	c.handler = match.Route.Name

	if e.auth == AuthBasic && !match.NoAuth() && !http.CheckBasic(req.Authorization, e.user, e.password) {
		e.debugf("worker %d: %s unauthorized", w.id, c.handler)
		w.write(c, &http.Response{Status: 401})
		return
	}

	ctx := http.NewContext(req, c.handler, match.Vars, replier{w: w, fd: c.fd, seq: c.seq})
	w.invoke(match.Route, ctx)
	if !ctx.Replied() && e.replyTimeout > 0 {
		c.expiry = time.AfterFunc(e.replyTimeout, func() { e.expireReply(ctx) })
	}
}

// expireReply answers 500 for a handler that never replied
func (e *Engine) expireReply(ctx *http.Context) {
	if ctx.Replied() {
		return
	}
	log.Printf("restengine: handler %s did not reply within %s", ctx.HandlerName(), e.replyTimeout)
	if e.notifier != nil {
		e.notifier.Errorf("handler %s did not reply within %s", ctx.HandlerName(), e.replyTimeout)
	}
	ctx.Error(500, "Handler Timeout")
}

func (w *worker) invoke(route *router.Route, ctx *http.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("restengine: handler %s panicked: %v\n%s", route.Name, r, debug.Stack())
			if w.e.notifier != nil {
				w.e.notifier.Errorf("handler %s panicked: %v", route.Name, r)
			}
			if !ctx.Replied() {
				ctx.InternalError()
			}
		}
	}()
	w.e.pipeline.Execute(ctx, route.Handler)
}

// deliver writes a reply posted by a handler, unless its socket is gone
func (w *worker) deliver(msg message) {
	c := w.conns[msg.fd]
	if c == nil || c.seq != msg.seq || c.state != stateDispatched {
		w.e.debugf("worker %d: dropping %d reply for closed fd %d", w.id, msg.resp.Status, msg.fd)
		return
	}
	w.write(c, msg.resp)
}

func (w *worker) write(c *conn, resp *http.Response) {
	d := time.Since(c.started)
	w.e.metrics.ObserveRequest(c.handler, resp.Status, d)
	w.e.monitor.RecordRequest(c.handler, d, resp.Status >= 500)
	w.e.served.Add(1)

	c.out = resp.AppendTo(c.out[:0], w.e.identity, w.e.custom)
	c.state = stateWriting
	w.flush(c)
}

// flush writes pending output; the connection closes once it is all written
func (w *worker) flush(c *conn) {
	for len(c.out) > 0 {
		n, err := unix.Write(c.fd, c.out)
		if n > 0 {
			w.e.metrics.AddIO(0, n)
			c.out = c.out[n:]
		}
		switch err {
		case nil:
		case unix.EINTR:
		case unix.EAGAIN:
			if err := w.poller.Modify(c.fd, false, true); err != nil {
				w.closeConn(c)
			}
			return
		default:
			w.e.debugf("worker %d: fd %d write: %v", w.id, c.fd, err)
			w.closeConn(c)
			return
		}
	}
	w.closeConn(c)
}

// replier routes a handler's reply back to the owning worker
type replier struct {
	w   *worker
	fd  int
	seq uint64
}

func (r replier) Reply(resp *http.Response) {
	r.w.post(message{kind: msgReply, fd: r.fd, seq: r.seq, resp: resp})
}
