package client

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	enginehttp "github.com/searchktools/restengine/core/http"
	"github.com/searchktools/restengine/core/scheduler"
)

func newTestClient(t *testing.T, rawHost string, opts ...Option) *Client {
	t.Helper()
	c := New(append([]Option{
		WithScheduler(scheduler.New(scheduler.DefaultLimit)),
		WithIdentity(enginehttp.Identity{AppName: "caller", AppVersion: "1.2.3"}),
	}, opts...)...)

	var err error
	c.Configure(func(s *Settings) { err = s.SetHost(rawHost) })
	require.NoError(t, err)
	return c
}

func wait(t *testing.T, r *Result) (*Reply, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	select {
	case <-r.Done():
	case <-ctx.Done():
		t.Fatalf("%s %s did not resolve", r.Verb(), r.URL())
	}
	return r.Wait(ctx)
}

func TestGetBuildsRequest(t *testing.T) {
	var got *http.Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":7,"name":"seven"}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL+"/v2/")
	reply, err := wait(t, c.Get("users/by-id", url.Values{"a": {"1"}, "b": {"x y"}}))
	require.NoError(t, err)

	assert.Equal(t, 200, reply.Status)
	assert.Equal(t, "OK", reply.Reason)
	var body struct {
		ID   int    `json:"id"`
		Name string `json:"name"`
	}
	require.NoError(t, reply.Decode(&body))
	assert.Equal(t, 7, body.ID)

	require.NotNil(t, got)
	assert.Equal(t, "/v2/users/by-id", got.URL.Path)
	assert.Equal(t, "a=1&b=x+y", got.URL.RawQuery)
	assert.Equal(t, "text/plain", got.Header.Get("Content-Type"))
	assert.Equal(t, "caller", got.Header.Get("Restengine-Application"))
	assert.Equal(t, "1.2.3", got.Header.Get("Restengine-caller-Version"))
	assert.Equal(t, enginehttp.FrameworkVersion, got.Header.Get("Restengine-caller-Framework-Version"))
	assert.Contains(t, got.Header, "Restengine-Ip-Addresses")
	assert.Empty(t, got.Header.Get("Authorization"))
	assert.Empty(t, got.Header.Get("X-Client-Name"))
	assert.Zero(t, c.Outstanding())
}

func TestPostBodyAndCustomHeaders(t *testing.T) {
	type seen struct {
		contentType, custom string
		body                []byte
	}
	ch := make(chan seen, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		ch <- seen{r.Header.Get("Content-Type"), r.Header.Get("X-Trace"), body}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	c.Configure(func(s *Settings) {
		s.Vendor = "acme"
		s.Headers = map[string]string{"X-Trace": "abc"}
	})

	reply, err := wait(t, c.Post("orders", nil, []byte(`{"qty":2}`)))
	require.NoError(t, err)
	assert.Equal(t, 201, reply.Status)

	s := <-ch
	assert.Equal(t, "application/vnd.acme+json", s.contentType)
	assert.Equal(t, "abc", s.custom)
	assert.Equal(t, `{"qty":2}`, string(s.body))
}

func TestVerbs(t *testing.T) {
	methods := make(chan string, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		methods <- r.Method
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	for _, r := range []*Result{
		c.Put("a", nil, []byte("x=1")),
		c.Patch("a", nil, []byte("x=2")),
		c.Delete("a", nil),
	} {
		_, err := wait(t, r)
		require.NoError(t, err)
	}
	u, _ := url.Parse(srv.URL + "/abs")
	_, err := wait(t, c.GetURL(u))
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"PUT", "PATCH", "DELETE", "GET"},
		[]string{<-methods, <-methods, <-methods, <-methods})
}

func TestAuthHeaders(t *testing.T) {
	headers := make(chan http.Header, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers <- r.Header.Clone()
	}))
	defer srv.Close()

	t.Run("basic", func(t *testing.T) {
		c := newTestClient(t, srv.URL)
		c.Configure(func(s *Settings) {
			s.Auth, s.UserName, s.Password, s.ClientName = AuthBasic, "u", "p", "station-1"
		})
		_, err := wait(t, c.Get("x", nil))
		require.NoError(t, err)
		h := <-headers
		assert.Equal(t, "Basic dTpw", h.Get("Authorization"))
		assert.Equal(t, "station-1", h.Get("X-Client-Name"))
	})

	t.Run("bearer", func(t *testing.T) {
		c := newTestClient(t, srv.URL)
		c.Configure(func(s *Settings) { s.Auth, s.Token = AuthBearer, "tok" })
		_, err := wait(t, c.Get("x", nil))
		require.NoError(t, err)
		assert.Equal(t, "Bearer tok", (<-headers).Get("Authorization"))
	})

	t.Run("wsse", func(t *testing.T) {
		c := newTestClient(t, srv.URL)
		c.Configure(func(s *Settings) {
			s.Auth, s.UserName, s.Password, s.ClientName = AuthWSSE, "alice", "secret", "station-2"
		})
		_, err := wait(t, c.Get("x", nil))
		require.NoError(t, err)

		h := <-headers
		assert.Equal(t, `WSSE profile="UsernameToken"`, h.Get("Authorization"))
		assert.Equal(t, "station-2", h.Get("X-Client-Name"))

		m := regexp.MustCompile(`^UsernameToken Username="alice", PasswordDigest="([^"]+)", Nonce="([^"]+)", Created="([^"]+)"$`).
			FindStringSubmatch(h.Get("X-WSSE"))
		require.Len(t, m, 4)
		nonce, err := base64.StdEncoding.DecodeString(m[2])
		require.NoError(t, err)

		md := md5.Sum([]byte("secret"))
		digest := sha1.Sum([]byte(string(nonce) + m[3] + hex.EncodeToString(md[:])))
		assert.Equal(t, base64.StdEncoding.EncodeToString(digest[:]), m[1])
	})
}

func TestServerFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/text":
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(http.StatusConflict)
			io.WriteString(w, "  already exists \n")
		case "/json":
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			io.WriteString(w, `{"message":"bad field","error_code":4}`)
		case "/partial":
			w.WriteHeader(http.StatusPartialContent)
		case "/multi":
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusMultiStatus)
		}
	}))
	defer srv.Close()
	c := newTestClient(t, srv.URL)

	tests := []struct {
		path    string
		status  int
		message string
	}{
		{"text", 409, "already exists"},
		{"json", 400, "bad field"},
		{"multi", 207, "Multi-Status"},
	}
	for _, tt := range tests {
		_, err := wait(t, c.Get(tt.path, nil))
		require.Error(t, err, tt.path)

		f, ok := AsFailure(err)
		require.True(t, ok)
		assert.Equal(t, ServerError, f.Code)
		assert.Equal(t, Module, f.Module)
		assert.Equal(t, tt.status, f.HTTPStatus())
		assert.Equal(t, tt.message, f.Message)
		assert.True(t, f.UserFriendly())
		assert.True(t, IsServer(err))
		assert.False(t, IsTransport(err))
	}

	reply, err := wait(t, c.Get("partial", nil))
	require.NoError(t, err)
	assert.Equal(t, 206, reply.Status)
}

func TestTransportFailures(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	closedAddr := ln.Addr().String()
	ln.Close()

	c := newTestClient(t, "http://"+closedAddr)
	_, err = wait(t, c.Get("x", nil))
	f, ok := AsFailure(err)
	require.True(t, ok, "%v", err)
	assert.Equal(t, ServiceUnavailable, f.Code)
	assert.True(t, IsTransport(err))
	assert.Equal(t, NetworkErrorOffset+int(ServiceUnavailable), f.Data)
	assert.Zero(t, f.HTTPStatus())

	c = newTestClient(t, "http://no-such-host.invalid", WithTransport(&http.Transport{}))
	_, err = wait(t, c.Get("x", nil))
	f, ok = AsFailure(err)
	require.True(t, ok, "%v", err)
	assert.Equal(t, HostNotFound, f.Code)
}

func TestNoHostIsInvalidURL(t *testing.T) {
	c := New(WithScheduler(scheduler.New(1)))
	_, err := wait(t, c.Get("x", nil))
	f, ok := AsFailure(err)
	require.True(t, ok)
	assert.Equal(t, InvalidURL, f.Code)
}

func TestTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	c.Configure(func(s *Settings) { s.Timeout = 50 * time.Millisecond })

	_, err := wait(t, c.Get("slow", nil))
	f, ok := AsFailure(err)
	require.True(t, ok, "%v", err)
	assert.Equal(t, Timeout, f.Code)
	assert.True(t, IsTransport(err))
}

func TestCancelQueuedRequestNeverSent(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
	}))
	defer srv.Close()

	sched := scheduler.New(1)
	c := newTestClient(t, srv.URL, WithScheduler(sched))

	first := c.Get("first", nil)
	queued := c.Get("queued", nil)
	require.Eventually(t, func() bool { return hits.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, sched.Pending())

	queued.Cancel()
	_, err := wait(t, queued)
	f, ok := AsFailure(err)
	require.True(t, ok)
	assert.Equal(t, Canceled, f.Code)
	assert.Equal(t, 0, sched.Pending())

	close(release)
	_, err = wait(t, first)
	require.NoError(t, err)
	assert.EqualValues(t, 1, hits.Load())
	require.Eventually(t, func() bool { return sched.Usage("127.0.0.1") == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestAbortAll(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := newTestClient(t, srv.URL, WithScheduler(scheduler.New(2)))
	results := []*Result{c.Get("a", nil), c.Get("b", nil), c.Get("c", nil)}
	assert.Equal(t, 3, c.Outstanding())

	c.AbortAll()
	for _, r := range results {
		_, err := wait(t, r)
		f, ok := AsFailure(err)
		require.True(t, ok)
		assert.Equal(t, Canceled, f.Code)
	}
	assert.Zero(t, c.Outstanding())
}

func TestResolvesOnceAndSubscribe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "ok")
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	r := c.Get("x", nil)

	early := make(chan *Reply, 1)
	r.Subscribe(func(reply *Reply, err error) { early <- reply })

	reply, err := wait(t, r)
	require.NoError(t, err)
	assert.Equal(t, "ok", string((<-early).Body))

	r.Cancel()
	again, err := r.Wait(context.Background())
	assert.NoError(t, err)
	assert.Same(t, reply, again)

	var late *Reply
	r.Subscribe(func(reply *Reply, err error) { late = reply })
	assert.Same(t, reply, late)
	assert.Equal(t, r.Elapsed(), r.Elapsed())
}

type chanAlerter chan string

func (a chanAlerter) Alert(subject, body string) { a <- subject + ": " + body }

func TestSlowNetworkAlertWithCooldown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(40 * time.Millisecond)
	}))
	defer srv.Close()

	alerts := make(chanAlerter, 4)
	c := newTestClient(t, srv.URL, WithAlerter(alerts))
	c.Configure(func(s *Settings) { s.SlowThreshold = 20 * time.Millisecond })

	for i := 0; i < 2; i++ {
		_, err := wait(t, c.Get("slow", nil))
		require.NoError(t, err)
	}

	select {
	case msg := <-alerts:
		assert.Contains(t, msg, "Slow network: GET "+srv.URL+"/slow took")
	case <-time.After(2 * time.Second):
		t.Fatal("no slow network alert")
	}
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, alerts, "second alert inside cooldown")
}

func TestSSLErrors(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "secure")
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := wait(t, c.Get("x", nil))
	f, ok := AsFailure(err)
	require.True(t, ok, "%v", err)
	assert.Equal(t, SslError, f.Code)
	assert.True(t, IsSSL(err))
	assert.GreaterOrEqual(t, f.Data, SSLErrorOffset)

	c.Configure(func(s *Settings) { s.IgnoreSSLErrors = true })
	reply, err := wait(t, c.Get("x", nil))
	require.NoError(t, err)
	assert.Equal(t, "secure", string(reply.Body))
}

func TestRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/old" {
			http.Redirect(w, r, "/new", http.StatusFound)
			return
		}
		io.WriteString(w, "moved here")
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	reply, err := wait(t, c.Get("old", nil))
	require.NoError(t, err)
	assert.Equal(t, "moved here", string(reply.Body))

	c.Configure(func(s *Settings) { s.FollowRedirects = false })
	_, err = wait(t, c.Get("old", nil))
	f, ok := AsFailure(err)
	require.True(t, ok)
	assert.Equal(t, 302, f.HTTPStatus())
}

func TestDecodeUnsupportedType(t *testing.T) {
	r := &Reply{Status: 200, Header: http.Header{"Content-Type": {"image/png"}}}
	err := r.Decode(&struct{}{})
	f, ok := AsFailure(err)
	require.True(t, ok)
	assert.Equal(t, InvalidReply, f.Code)
}
