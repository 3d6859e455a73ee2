package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/searchktools/h1server/config"
	"github.com/searchktools/h1server/core"
	"github.com/searchktools/h1server/core/http"
	"github.com/searchktools/h1server/core/observability"
	"github.com/searchktools/h1server/core/pools"
	"github.com/searchktools/h1server/core/ratelimit"
	"github.com/searchktools/h1server/core/sse"
	"github.com/searchktools/h1server/handlers"
)

const (
	redisDialTimeout   = 2 * time.Second
	saturationLimit    = 0.9
	healthCheckTimeout = time.Second
)

// App is the application instance: configuration, logging, the engine and
// the stock routes.
type App struct {
	cfg    *config.Config
	logger zerolog.Logger
	engine *core.Engine
	health *handlers.Health
	events *sse.Broker
	rdb    *redis.Client
}

// New creates an application instance with a logger built from cfg.Log.
func New(cfg *config.Config) (*App, error) {
	logger, err := observability.NewLogger(cfg.Log.Level, cfg.Log.Format, nil)
	if err != nil {
		return nil, err
	}
	return NewWithLogger(cfg, logger)
}

// NewWithLogger creates an application instance that logs to logger.
func NewWithLogger(cfg *config.Config, logger zerolog.Logger) (*App, error) {
	a := &App{
		cfg:    cfg,
		logger: logger.With().Str("env", cfg.Env).Logger(),
		health: handlers.NewHealth(),
	}

	if rt := cfg.Runtime; rt.GOGC != 0 || rt.MemoryLimit > 0 {
		prev := pools.ApplyGCConfig(pools.GCConfig{GOGC: rt.GOGC, MemoryLimit: rt.MemoryLimit})
		a.logger.Info().
			Int("gogc", rt.GOGC).Int("prev_gogc", prev.GOGC).
			Int64("memory_limit", rt.MemoryLimit).
			Msg("runtime tuned")
	}

	var opts []core.Option
	if cfg.RateLimit.Enabled && cfg.RateLimit.Redis.Addr != "" {
		opts = append(opts, core.WithRateLimitStats(a.rateLimitStats()))
	}

	engine, err := core.NewEngine(cfg, a.logger, opts...)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.engine = engine

	if err := a.mount(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// rateLimitStats connects to Redis, falling back to in-process counters
// when it cannot be reached.
func (a *App) rateLimitStats() ratelimit.StatsStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:        a.cfg.RateLimit.Redis.Addr,
		DialTimeout: redisDialTimeout,
	})
	ctx, cancel := context.WithTimeout(context.Background(), redisDialTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		a.logger.Warn().Err(err).
			Str("addr", a.cfg.RateLimit.Redis.Addr).
			Msg("redis unavailable, rate-limit stats kept in memory")
		return ratelimit.NewMemoryStats()
	}

	a.rdb = rdb
	a.health.AddCheck("redis", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
		defer cancel()
		return rdb.Ping(ctx).Err()
	})
	return ratelimit.NewRedisStats(rdb,
		ratelimit.WithStatsPrefix(a.cfg.RateLimit.Redis.Prefix))
}

func (a *App) mount() error {
	e := a.engine
	a.health.AddCheck("workers", handlers.SaturationCheck(e.Pool().Saturation, saturationLimit))

	e.GET("/health", a.health.Handler())
	e.GET("/health/live", a.health.Live())
	e.GET("/health/ready", a.health.Ready())
	e.GET("/debug/stats", e.StatsHandler())

	if ev := a.cfg.Events; ev.Enabled {
		a.events = sse.NewBroker(sse.Config{
			Namespace:  a.cfg.ServerName,
			MaxClients: ev.MaxClients,
			Buffer:     ev.Buffer,
			Keepalive:  ev.Keepalive,
		})
		e.RegisterOnShutdown(a.events.Close)
		if err := e.Handle(http.MethodGet, ev.Path, a.events.Handler()); err != nil {
			return fmt.Errorf("events: %w", err)
		}
	}

	if a.cfg.Static.Dir == "" {
		return nil
	}
	static, err := handlers.NewStatic(a.cfg.Static.Dir, a.cfg.Static.MaxAge)
	if err != nil {
		return fmt.Errorf("static: %w", err)
	}
	pattern := strings.TrimSuffix(a.cfg.Static.Prefix, "/") + "/*" + handlers.FileParam
	return e.Handle(http.MethodGet, pattern, static.Handler())
}

// Engine returns the underlying engine for route registration.
func (a *App) Engine() *core.Engine { return a.engine }

// Health returns the health handler so callers can add checks.
func (a *App) Health() *handlers.Health { return a.health }

// Events returns the event broker, or nil when events are disabled.
func (a *App) Events() *sse.Broker { return a.events }

func (a *App) Logger() zerolog.Logger { return a.logger }

// Run serves until ctx ends or SIGINT/SIGTERM arrives, then shuts down
// within the configured grace period.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer a.Close()

	routes := a.engine.Router().Routes()
	for _, r := range routes {
		a.logger.Debug().Str("method", string(r.Method)).Str("pattern", r.Pattern).Msg("route registered")
	}
	a.logger.Info().
		Str("addr", a.cfg.Addr()).
		Int("routes", len(routes)).
		Int("workers_max", a.cfg.Workers.Max).
		Msg("starting server")

	return a.engine.Run(ctx)
}

// Close releases the Redis client, if any.
func (a *App) Close() {
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("closing redis client")
		}
		a.rdb = nil
	}
}
