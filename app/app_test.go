package app

import (
	"context"
	"encoding/json"
	"io"
	"net"
	nethttp "net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/searchktools/restengine/config"
	"github.com/searchktools/restengine/core/client"
	"github.com/searchktools/restengine/core/http"
)

func startApp(t *testing.T, cfg *config.Config) (*App, string, func()) {
	t.Helper()

	a, err := New(cfg)
	require.NoError(t, err)

	a.Engine().GET("/relay", func(ctx *http.Context) {
		a.Client().Get("system/status", nil).Subscribe(func(reply *client.Reply, err error) {
			if err != nil {
				ctx.Error(502, err.Error())
				return
			}
			var doc map[string]any
			if err := reply.Decode(&doc); err != nil {
				ctx.Error(502, err.Error())
				return
			}
			ctx.JSON(200, map[string]any{"remote_app": doc["app_type"], "remote_status": reply.Status})
		})
	})

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- a.Serve(ctx) }()

	require.Eventually(t, func() bool { return a.Engine().Addr() != nil }, 2*time.Second, 5*time.Millisecond)
	port := a.Engine().Addr().(*net.TCPAddr).Port
	base := "http://" + net.JoinHostPort("127.0.0.1", strconv.Itoa(port))

	return a, base, func() {
		cancel()
		select {
		case err := <-served:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("Serve did not return")
		}
	}
}

func get(t *testing.T, url string) (int, []byte) {
	t.Helper()
	resp, err := nethttp.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, body
}

func TestServeWiresEngineAndClient(t *testing.T) {
	cfg := config.Default()
	cfg.Port = 0
	cfg.Prefix = "/api"
	cfg.AppName = "relay-app"
	cfg.AppID = "relay-1"

	a, base, stop := startApp(t, cfg)
	defer stop()

	require.NoError(t, func() error {
		var err error
		a.Client().Configure(func(s *client.Settings) { err = s.SetHost(base + "/api") })
		return err
	}())

	status, body := get(t, base+"/api/relay")
	require.Equal(t, 200, status, string(body))

	var doc map[string]any
	require.NoError(t, json.Unmarshal(body, &doc))
	assert.Equal(t, "relay-app", doc["remote_app"])
	assert.EqualValues(t, 200, doc["remote_status"])

	assert.Zero(t, a.Scheduler().Usage("127.0.0.1"))
	assert.Equal(t, "relay-1", a.Notifier().AppID())
}

func TestBasicAuthFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Port = 0
	cfg.AuthUser, cfg.AuthPassword = "ops", "pw"

	a, base, stop := startApp(t, cfg)
	defer stop()

	status, _ := get(t, base+"/relay")
	assert.Equal(t, 401, status)

	status, _ = get(t, base+"/system/status")
	assert.Equal(t, 200, status, "status stays public")

	a.Client().Configure(func(s *client.Settings) {
		require.NoError(t, s.SetHost(base))
		s.Auth, s.UserName, s.Password = client.AuthBasic, "ops", "pw"
	})
	reply, err := a.Client().Get("system/metrics", nil).Wait(context.Background())
	require.NoError(t, err)
	assert.Contains(t, string(reply.Body), "restengine_requests_total")
}

func TestReconfigureUpdatesClient(t *testing.T) {
	cfg := config.Default()
	cfg.ClientTimeout = time.Minute

	a, err := New(cfg)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, a.Client().Settings().Timeout)

	require.NoError(t, a.Reconfigure(func(c *config.Config) {
		c.ClientTimeout = 2 * time.Second
		c.SlowThreshold = time.Second
	}))
	assert.Equal(t, 2*time.Second, a.Client().Settings().Timeout)
	assert.Equal(t, time.Second, a.Client().Settings().SlowThreshold)
	assert.Equal(t, 2*time.Second, a.Config().ClientTimeout)

	assert.Error(t, a.Reconfigure(func(c *config.Config) { c.HostLimit = -1 }))
	assert.Equal(t, 2*time.Second, a.Config().ClientTimeout)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Port = 100000
	_, err := New(cfg)
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}
