package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse(nil, []string{})
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestParseLayering(t *testing.T) {
	file := filepath.Join(t.TempDir(), "restengine.json")
	require.NoError(t, os.WriteFile(file, []byte(`{
		"prefix": "/api",
		"port": 9000,
		"host": {"limit": 3},
		"client": {"timeout": "45s"},
		"slow": {"threshold": 10},
		"app": {"name": "from-file", "version": "1.0.0"}
	}`), 0o644))

	env := []string{
		"RESTENGINE_PORT=9100",
		"RESTENGINE_AUTH_USER=admin",
		"RESTENGINE_AUTH_PASSWORD=secret",
		"RESTENGINE_SLOW_COOLDOWN=1h",
		"RESTENGINE_REPLY_TIMEOUT=90",
		"PORT=1",
	}
	cfg, err := Parse([]string{"-config", file, "-port", "9200", "-app-version", "2.0.0", "-debug"}, env)
	require.NoError(t, err)

	assert.Equal(t, "/api", cfg.Prefix)
	assert.Equal(t, 9200, cfg.Port, "flag beats env beats file")
	assert.Equal(t, 3, cfg.HostLimit)
	assert.Equal(t, 45*time.Second, cfg.ClientTimeout)
	assert.Equal(t, 10*time.Second, cfg.SlowThreshold)
	assert.Equal(t, time.Hour, cfg.SlowCooldown)
	assert.Equal(t, 90*time.Second, cfg.ReplyTimeout)
	assert.Equal(t, "admin", cfg.AuthUser)
	assert.Equal(t, "secret", cfg.AuthPassword)
	assert.Equal(t, "from-file", cfg.AppName)
	assert.Equal(t, "2.0.0", cfg.AppVersion)
	assert.True(t, cfg.Debug)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		env  []string
		want error
	}{
		{"port range", []string{"-port", "70000"}, nil, ErrInvalidConfig},
		{"bad env int", nil, []string{"RESTENGINE_WORKERS=many"}, nil},
		{"bad env duration", nil, []string{"RESTENGINE_CLIENT_TIMEOUT=soon"}, nil},
		{"password without user", []string{"-auth-password", "x"}, nil, ErrInvalidConfig},
		{"negative limit", nil, []string{"RESTENGINE_HOST_LIMIT=-1"}, ErrInvalidConfig},
		{"unknown flag", []string{"-nope"}, nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.args, append([]string{}, tt.env...))
			require.Error(t, err)
			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
			}
		})
	}
}

func TestParseMissingFile(t *testing.T) {
	_, err := Parse([]string{"-config", filepath.Join(t.TempDir(), "none.json")}, []string{})
	assert.Error(t, err)
}

func TestManagerUnmarshal(t *testing.T) {
	m := NewManager()
	m.Set("svc.name", "x")
	m.Set("svc.count", 4.0)
	m.Set("svc.on", "true")
	m.Set("svc.wait", "250ms")

	var target struct {
		Name  string
		Count int
		On    bool
		Wait  time.Duration
		Other string `config:"other"`
	}
	target.Other = "kept"
	require.NoError(t, m.Unmarshal("svc", &target))
	assert.Equal(t, "x", target.Name)
	assert.Equal(t, 4, target.Count)
	assert.True(t, target.On)
	assert.Equal(t, 250*time.Millisecond, target.Wait)
	assert.Equal(t, "kept", target.Other)
	assert.Equal(t, "x", m.GetString("svc.name", "d"))
	assert.Equal(t, "d", m.GetString("svc.count", "d"))
	assert.Len(t, m.GetAll(), 4)

	m.Set("svc.count", 4.5)
	assert.Error(t, m.Unmarshal("svc", &target))
	assert.Error(t, m.Unmarshal("", target))
}

func TestManagerEnvIgnoresOtherPrefixes(t *testing.T) {
	m := NewManager()
	m.LoadFromEnv(EnvPrefix, []string{"RESTENGINEX=1", "OTHER_PORT=2", "RESTENGINE_APP_ID=abc", "broken"})
	assert.Equal(t, map[string]any{"app.id": "abc"}, m.GetAll())
}

func TestStoreUpdate(t *testing.T) {
	s := NewStore(Default())
	first := s.Load()

	var seen []*Config
	s.Watch(func(c *Config) { seen = append(seen, c) })

	next, err := s.Update(func(c *Config) { c.HostLimit = 2 })
	require.NoError(t, err)
	assert.Equal(t, 2, s.Load().HostLimit)
	assert.Equal(t, 6, first.HostLimit)
	assert.Equal(t, []*Config{next}, seen)

	_, err = s.Update(func(c *Config) { c.Port = -1 })
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Same(t, next, s.Load())
	assert.Len(t, seen, 1)
}
