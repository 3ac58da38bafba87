package tests

import (
	"context"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/searchktools/restengine/core"
	"github.com/searchktools/restengine/core/client"
	"github.com/searchktools/restengine/core/http"
	"github.com/searchktools/restengine/core/scheduler"
)

const stressRequests = 300

// startEngine serves GET /stress/echo/<n> after a short delay so that
// requests overlap in the scheduler and the workers.
func startEngine(t *testing.T, inflight, peak *atomic.Int32) *core.Engine {
	t.Helper()

	e := core.NewEngine(
		core.WithAddr("127.0.0.1:0"),
		core.WithPathPrefix("/stress"),
		core.WithSoftCap(4),
	)
	e.GET("/echo", func(ctx *http.Context) {
		n := inflight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		go func() {
			time.Sleep(20 * time.Millisecond)
			inflight.Add(-1)
			ctx.String(200, ctx.Var(0))
		}()
	})
	require.NoError(t, e.Listen())
	return e
}

func TestStressClientAgainstEngine(t *testing.T) {
	if testing.Short() {
		t.Skip("stress test")
	}

	var inflight, peak atomic.Int32
	e := startEngine(t, &inflight, &peak)
	defer e.Close()

	sched := scheduler.New(scheduler.DefaultLimit)
	c := client.New(client.WithScheduler(sched))
	c.Configure(func(s *client.Settings) {
		require.NoError(t, s.SetHost("http://"+e.Addr().String()+"/stress"))
		s.Timeout = 10 * time.Second
	})

	results := make([]*client.Result, stressRequests)
	for i := range results {
		results[i] = c.Get("echo/"+strconv.Itoa(i), url.Values{"i": {strconv.Itoa(i)}})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for i, r := range results {
		reply, err := r.Wait(ctx)
		require.NoError(t, err, "request %d", i)
		assert.Equal(t, strconv.Itoa(i), string(reply.Body))
	}

	assert.LessOrEqual(t, peak.Load(), int32(scheduler.DefaultLimit), "per-host ceiling")
	assert.Zero(t, sched.Pending())
	assert.Zero(t, c.Outstanding())

	stats := e.Stats()
	assert.GreaterOrEqual(t, stats.Served, uint64(stressRequests))
	assert.LessOrEqual(t, stats.Workers.Workers, 4)
}

func TestStressUnthrottledClients(t *testing.T) {
	if testing.Short() {
		t.Skip("stress test")
	}

	var inflight, peak atomic.Int32
	e := startEngine(t, &inflight, &peak)
	defer e.Close()

	// Unthrottled callers; the engine itself has no admission limit.
	sched := scheduler.New(stressRequests)
	c := client.New(client.WithScheduler(sched))
	c.Configure(func(s *client.Settings) {
		require.NoError(t, s.SetHost("http://"+e.Addr().String()+"/stress"))
	})

	var wg sync.WaitGroup
	var failures atomic.Int32
	for i := 0; i < stressRequests; i++ {
		wg.Add(1)
		c.Get("echo/"+strconv.Itoa(i), nil).Subscribe(func(reply *client.Reply, err error) {
			defer wg.Done()
			if err != nil {
				failures.Add(1)
			}
		})
	}
	wg.Wait()

	assert.Zero(t, failures.Load())
	assert.Greater(t, peak.Load(), int32(scheduler.DefaultLimit))
}
