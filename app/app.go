package app

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/searchktools/restengine/config"
	"github.com/searchktools/restengine/core"
	"github.com/searchktools/restengine/core/client"
	"github.com/searchktools/restengine/core/http"
	"github.com/searchktools/restengine/core/middleware"
	"github.com/searchktools/restengine/core/notify"
	"github.com/searchktools/restengine/core/observability"
	"github.com/searchktools/restengine/core/pools"
	"github.com/searchktools/restengine/core/scheduler"
)

// App wires the REST server, the outbound client and their collaborators
// from one configuration.
type App struct {
	cfg       *config.Store
	engine    *core.Engine
	client    *client.Client
	scheduler *scheduler.Scheduler
	notifier  *notify.Notifier
	metrics   *observability.Metrics
}

// New creates an application instance. opts are applied to the engine
// after the ones derived from cfg.
func New(cfg *config.Config, opts ...core.Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	metrics, err := observability.NewMetrics("restengine", prometheus.NewRegistry())
	if err != nil {
		return nil, errors.Wrap(err, "create metrics")
	}

	identity := http.Identity{AppName: cfg.AppName, AppVersion: cfg.AppVersion}
	notifier := notify.New(cfg.AppID, notify.NewMemoryStorage(notify.DefaultRetention))
	sched := scheduler.New(cfg.HostLimit, scheduler.WithMetrics(metrics))

	engineOpts := []core.Option{
		core.WithPort(cfg.Port),
		core.WithPathPrefix(cfg.Prefix),
		core.WithIdentity(identity),
		core.WithNotifier(notifier),
		core.WithMetrics(metrics),
		core.WithDebugLog(cfg.Debug),
		core.WithReplyTimeout(cfg.ReplyTimeout),
	}
	if cfg.Workers > 0 {
		engineOpts = append(engineOpts, core.WithSoftCap(cfg.Workers))
	}
	hooks := []middleware.HandlerFunc{middleware.RequestID()}
	if cfg.CORSOrigin != "" {
		hooks = append(hooks, middleware.CORS(cfg.CORSOrigin))
	}
	if cfg.RateLimit > 0 {
		hooks = append(hooks, middleware.RateLimiter(cfg.RateLimit))
	}
	engineOpts = append(engineOpts, core.WithMiddleware(hooks...))
	if cfg.AuthUser != "" {
		engineOpts = append(engineOpts, core.WithBasicAuth(cfg.AuthUser, cfg.AuthPassword))
	}

	settings := client.DefaultSettings()
	applyClientConfig(&settings, cfg)

	a := &App{
		cfg:       config.NewStore(cfg),
		engine:    core.NewEngine(append(engineOpts, opts...)...),
		scheduler: sched,
		notifier:  notifier,
		metrics:   metrics,
		client: client.New(
			client.WithScheduler(sched),
			client.WithAlerter(notifier),
			client.WithIdentity(identity),
			client.WithMetrics(metrics),
			client.WithSettings(settings),
			client.WithDebugLog(cfg.Debug),
		),
	}
	a.cfg.Watch(func(c *config.Config) {
		a.client.Configure(func(s *client.Settings) { applyClientConfig(s, c) })
	})
	return a, nil
}

func applyClientConfig(s *client.Settings, cfg *config.Config) {
	s.Timeout = cfg.ClientTimeout
	s.SlowThreshold = cfg.SlowThreshold
	s.SlowCooldown = cfg.SlowCooldown
}

// Engine returns the underlying engine for route registration
func (a *App) Engine() *core.Engine {
	return a.engine
}

// Client returns the outbound REST client. Point it at a service with
// Client().Configure.
func (a *App) Client() *client.Client {
	return a.client
}

// Scheduler returns the per-host request scheduler shared by the client
func (a *App) Scheduler() *scheduler.Scheduler {
	return a.scheduler
}

// Notifier returns the error notifier feeding system/recent-errors
func (a *App) Notifier() *notify.Notifier {
	return a.notifier
}

// Metrics returns the collectors served at system/metrics
func (a *App) Metrics() *observability.Metrics {
	return a.metrics
}

// Config returns the current configuration snapshot
func (a *App) Config() *config.Config {
	return a.cfg.Load()
}

// Reconfigure updates the configuration. Outbound timeouts take effect for
// requests submitted afterwards; listener settings need a restart.
func (a *App) Reconfigure(fn func(*config.Config)) error {
	_, err := a.cfg.Update(fn)
	return err
}

// Serve listens until ctx is done or SIGINT/SIGTERM arrives, then aborts
// outstanding outbound requests and stops the engine.
func (a *App) Serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := a.cfg.Load()
	log.Printf("restengine: %s %s starting on port %d [%s]", cfg.AppName, cfg.AppVersion, cfg.Port, cfg.Env)

	if cfg.GCPercent > 0 || cfg.MemoryLimit > 0 {
		prev := pools.ApplyGCConfig(pools.GCConfig{Percent: cfg.GCPercent, MemoryLimit: cfg.MemoryLimit})
		defer pools.ApplyGCConfig(prev)
	}

	if err := a.engine.Listen(); err != nil {
		return err
	}
	<-ctx.Done()
	log.Printf("restengine: shutting down")

	a.client.AbortAll()
	return a.engine.Close()
}

// Run serves until a signal arrives. A listen failure is fatal.
func (a *App) Run() {
	if err := a.Serve(context.Background()); err != nil {
		log.Printf("restengine: server startup failed: %v", err)
		os.Exit(1)
	}
}
