package config

import (
	"flag"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// EnvPrefix prefixes every environment override, e.g. RESTENGINE_PORT
const EnvPrefix = "RESTENGINE"

// ErrInvalidConfig is returned for out-of-range values
var ErrInvalidConfig = errors.New("invalid configuration")

// Config holds all application configuration.
type Config struct {
	Prefix  string `config:"prefix" json:"prefix"`
	Port    int    `config:"port" json:"port"`
	Workers int    `config:"workers" json:"workers"`
	Env     string `config:"env" json:"env"`
	Debug   bool   `config:"debug" json:"debug"`

	ReplyTimeout time.Duration `config:"reply.timeout" json:"reply_timeout"`

	GCPercent   int   `config:"gc.percent" json:"gc_percent"`
	MemoryLimit int64 `config:"memory.limit" json:"memory_limit"`

	HostLimit     int           `config:"host.limit" json:"host_limit"`
	ClientTimeout time.Duration `config:"client.timeout" json:"client_timeout"`
	SlowThreshold time.Duration `config:"slow.threshold" json:"slow_threshold"`
	SlowCooldown  time.Duration `config:"slow.cooldown" json:"slow_cooldown"`

	AuthUser     string `config:"auth.user" json:"auth_user"`
	AuthPassword string `config:"auth.password" json:"-"`

	CORSOrigin string `config:"cors.origin" json:"cors_origin"`
	RateLimit  int    `config:"rate.limit" json:"rate_limit"`

	AppName    string `config:"app.name" json:"app_name"`
	AppVersion string `config:"app.version" json:"app_version"`
	AppID      string `config:"app.id" json:"app_id"`
}

// Default returns the configuration used when nothing overrides it
func Default() *Config {
	return &Config{
		Port:          8080,
		Env:           "development",
		ReplyTimeout:  10 * time.Minute,
		HostLimit:     6,
		ClientTimeout: 5 * time.Minute,
		SlowThreshold: 30 * time.Second,
		SlowCooldown:  12 * time.Hour,
		AppName:       "restengine",
		AppVersion:    "0.0.0",
	}
}

// New loads configuration from the command line and RESTENGINE_* env vars.
// Invalid input exits the process.
func New() *Config {
	cfg, err := Parse(os.Args[1:], os.Environ())
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(2)
	}
	return cfg
}

// Parse builds a configuration from defaults, an optional JSON file
// (-config), the environment and flags, later sources winning.
func Parse(args, environ []string) (*Config, error) {
	cfg := Default()

	fs := flag.NewFlagSet("restengine", flag.ContinueOnError)
	file := fs.String("config", "", "JSON configuration file")
	fs.String("prefix", cfg.Prefix, "global path prefix of every route")
	fs.Int("port", cfg.Port, "HTTP server port")
	fs.Int("workers", cfg.Workers, "soft cap of connection workers (0 = CPUs + 2)")
	fs.String("env", cfg.Env, "environment (development/production)")
	fs.Bool("debug", cfg.Debug, "log every connection and outbound request")
	fs.Duration("reply-timeout", cfg.ReplyTimeout, "time a handler may take before the engine answers 500 (0 = never)")
	fs.Int("gc-percent", cfg.GCPercent, "GOGC target while serving (0 = runtime default)")
	fs.Int64("memory-limit", cfg.MemoryLimit, "soft memory limit in bytes while serving (0 = runtime default)")
	fs.Int("host-limit", cfg.HostLimit, "concurrent outbound requests per host")
	fs.Duration("client-timeout", cfg.ClientTimeout, "outbound request timeout")
	fs.Duration("slow-threshold", cfg.SlowThreshold, "outbound duration reported as a slow network")
	fs.Duration("slow-cooldown", cfg.SlowCooldown, "minimum time between slow network alerts")
	fs.String("auth-user", cfg.AuthUser, "Basic auth user; empty disables authentication")
	fs.String("auth-password", cfg.AuthPassword, "Basic auth password")
	fs.String("cors-origin", cfg.CORSOrigin, "allowed cross-origin caller; empty disables CORS headers")
	fs.Int("rate-limit", cfg.RateLimit, "requests per second answered before 429 (0 = unlimited)")
	fs.String("app-name", cfg.AppName, "application name announced in headers")
	fs.String("app-version", cfg.AppVersion, "application version announced in headers")
	fs.String("app-id", cfg.AppID, "application id reported by system/status")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	m := NewManager()
	if *file != "" {
		if err := m.LoadFromJSON(*file); err != nil {
			return nil, err
		}
	}
	m.LoadFromEnv(EnvPrefix, environ)
	fs.Visit(func(f *flag.Flag) {
		if f.Name != "config" {
			m.Set(strings.ReplaceAll(f.Name, "-", "."), f.Value.String())
		}
	})

	if err := m.Unmarshal("", cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges
func (c *Config) Validate() error {
	switch {
	case c.Port < 0 || c.Port > 65535:
		return errors.Wrapf(ErrInvalidConfig, "port %d", c.Port)
	case c.Workers < 0:
		return errors.Wrapf(ErrInvalidConfig, "workers %d", c.Workers)
	case c.GCPercent < 0 || c.MemoryLimit < 0:
		return errors.Wrap(ErrInvalidConfig, "negative GC setting")
	case c.RateLimit < 0:
		return errors.Wrapf(ErrInvalidConfig, "rate limit %d", c.RateLimit)
	case c.HostLimit < 0:
		return errors.Wrapf(ErrInvalidConfig, "host limit %d", c.HostLimit)
	case c.ClientTimeout < 0, c.SlowThreshold < 0, c.SlowCooldown < 0, c.ReplyTimeout < 0:
		return errors.Wrap(ErrInvalidConfig, "negative duration")
	case c.AuthPassword != "" && c.AuthUser == "":
		return errors.Wrap(ErrInvalidConfig, "auth password without user")
	}
	return nil
}

// Clone returns a copy
func (c *Config) Clone() *Config {
	cp := *c
	return &cp
}
