package core

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"

	"github.com/searchktools/h1server/config"
	"github.com/searchktools/h1server/core/http"
	"github.com/searchktools/h1server/core/middleware"
	"github.com/searchktools/h1server/core/observability"
	"github.com/searchktools/h1server/core/pools"
	"github.com/searchktools/h1server/core/ratelimit"
	"github.com/searchktools/h1server/core/router"
)

// Option customises an Engine at construction.
type Option func(*Engine)

// WithRateLimitStats records every rate-limit decision into s.
func WithRateLimitStats(s ratelimit.StatsStore) Option {
	return func(e *Engine) { e.stats = s }
}

// WithKeyFunc overrides how requests map to rate-limit buckets.
func WithKeyFunc(fn middleware.KeyFunc) Option {
	return func(e *Engine) { e.keyFunc = fn }
}

// Engine accepts connections and serves HTTP/1.1 on them through a
// bounded worker pool. Register routes and middleware before Serve;
// both are read-only afterwards.
type Engine struct {
	cfg    config.Config
	logger zerolog.Logger

	router   *router.Router
	pipeline *middleware.Pipeline
	compile  sync.Once

	limiter *ratelimit.Limiter
	stats   ratelimit.StatsStore
	keyFunc middleware.KeyFunc

	pool    *pools.WorkerPool
	buffers *pools.BufferPool
	monitor *observability.Monitor

	conns  *xsync.MapOf[uint64, *Conn]
	nextID atomic.Uint64

	mu           sync.Mutex
	listeners    map[net.Listener]struct{}
	shuttingDown atomic.Bool
	stopJanitor  context.CancelFunc
	onShutdown   []func()
	started      time.Time
}

// NewEngine builds an engine from cfg. The default middleware chain is
// Logging, Metrics, CORS, RateLimit and Compression, each enabled by its
// config section; Use appends after them.
func NewEngine(cfg *config.Config, logger zerolog.Logger, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:       *cfg,
		logger:    logger,
		router:    router.New(),
		buffers:   pools.NewBufferPool(),
		monitor:   observability.NewMonitor(),
		conns:     xsync.NewMapOf[uint64, *Conn](),
		listeners: make(map[net.Listener]struct{}),
		started:   time.Now(),
	}
	for _, opt := range opts {
		opt(e)
	}

	pool, err := pools.NewWorkerPool(pools.Config{
		MinWorkers:    cfg.Workers.Min,
		MaxWorkers:    cfg.Workers.Max,
		QueueCapacity: cfg.Queue.Capacity,
		IdleTimeout:   cfg.Workers.Idle,
	}, logger)
	if err != nil {
		return nil, err
	}
	e.pool = pool

	mws := []middleware.Middleware{
		middleware.Logging(logger, middleware.LoggingConfig{}),
		middleware.Metrics(e.monitor),
	}
	if cfg.CORS.Enabled {
		mws = append(mws, middleware.CORS(middleware.CORSConfig{
			AllowOrigins:     cfg.CORS.Origins,
			AllowMethods:     cfg.CORS.Methods,
			AllowHeaders:     cfg.CORS.Headers,
			ExposeHeaders:    cfg.CORS.Expose,
			AllowCredentials: cfg.CORS.Credentials,
			MaxAge:           cfg.CORS.MaxAge,
		}))
	}
	if cfg.RateLimit.Enabled {
		e.limiter, err = ratelimit.NewLimiter(ratelimit.Config{
			Capacity:   cfg.RateLimit.Capacity,
			RefillRate: cfg.RateLimit.Refill,
			IdleTTL:    cfg.RateLimit.TTL,
		})
		if err != nil {
			return nil, err
		}
		keyFn := e.keyFunc
		if keyFn == nil && cfg.RateLimit.Header != "" {
			keyFn = middleware.HeaderKey(cfg.RateLimit.Header)
		}
		mws = append(mws, middleware.RateLimit(e.limiter, middleware.RateLimitConfig{
			KeyFunc: keyFn,
			Stats:   e.stats,
			Logger:  logger,
		}))
	}
	if cfg.Compression.Enabled {
		cc := middleware.DefaultCompressionConfig()
		cc.MinSize = cfg.Compression.Min
		cc.Level = cfg.Compression.Level
		mws = append(mws, middleware.Compression(cc))
	}
	e.pipeline = middleware.NewPipeline(e.router.Handler(), logger, mws...)

	return e, nil
}

// Use appends middleware after the defaults.
func (e *Engine) Use(mws ...middleware.Middleware) {
	e.pipeline.Use(mws...)
}

// Handle registers a route.
func (e *Engine) Handle(method http.Method, pattern string, handler http.Handler) error {
	return e.router.Handle(method, pattern, handler)
}

// mustHandle is for the method helpers, where a bad pattern is a
// programming error.
func (e *Engine) mustHandle(method http.Method, pattern string, handler http.Handler) {
	if err := e.router.Handle(method, pattern, handler); err != nil {
		panic(err)
	}
}

// GET registers a GET route
func (e *Engine) GET(pattern string, handler http.Handler) {
	e.mustHandle(http.MethodGet, pattern, handler)
}

// POST registers a POST route
func (e *Engine) POST(pattern string, handler http.Handler) {
	e.mustHandle(http.MethodPost, pattern, handler)
}

// PUT registers a PUT route
func (e *Engine) PUT(pattern string, handler http.Handler) {
	e.mustHandle(http.MethodPut, pattern, handler)
}

// DELETE registers a DELETE route
func (e *Engine) DELETE(pattern string, handler http.Handler) {
	e.mustHandle(http.MethodDelete, pattern, handler)
}

// PATCH registers a PATCH route
func (e *Engine) PATCH(pattern string, handler http.Handler) {
	e.mustHandle(http.MethodPatch, pattern, handler)
}

// HEAD registers a HEAD route
func (e *Engine) HEAD(pattern string, handler http.Handler) {
	e.mustHandle(http.MethodHead, pattern, handler)
}

// OPTIONS registers an OPTIONS route
func (e *Engine) OPTIONS(pattern string, handler http.Handler) {
	e.mustHandle(http.MethodOptions, pattern, handler)
}

func (e *Engine) Router() *router.Router { return e.router }
func (e *Engine) Pool() *pools.WorkerPool { return e.pool }
func (e *Engine) Monitor() *observability.Monitor { return e.monitor }
func (e *Engine) Limiter() *ratelimit.Limiter { return e.limiter }
func (e *Engine) Config() config.Config { return e.cfg }
func (e *Engine) Logger() zerolog.Logger { return e.logger }
func (e *Engine) Pipeline() *middleware.Pipeline { return e.pipeline }
func (e *Engine) ShuttingDown() bool { return e.shuttingDown.Load() }

// Listen opens the configured address with socket reuse enabled.
func (e *Engine) Listen(ctx context.Context) (net.Listener, error) {
	lc := net.ListenConfig{Control: controlSocket}
	ln, err := lc.Listen(ctx, "tcp", e.cfg.Addr())
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", e.cfg.Addr(), err)
	}
	return ln, nil
}

// ListenAndServe listens on the configured address and serves until
// Shutdown.
func (e *Engine) ListenAndServe() error {
	ln, err := e.Listen(context.Background())
	if err != nil {
		return err
	}
	return e.Serve(ln)
}

// Run serves until ctx ends, then shuts down within the configured grace
// period.
func (e *Engine) Run(ctx context.Context) error {
	ln, err := e.Listen(ctx)
	if err != nil {
		return err
	}

	errc := make(chan error, 1)
	go func() { errc <- e.Serve(ln) }()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), e.cfg.Shutdown.Grace)
	defer cancel()
	if err := e.Shutdown(sctx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, ErrServerClosed) {
		return err
	}
	return nil
}

// Serve accepts connections on ln until Shutdown. It always returns a
// non-nil error; after Shutdown that is ErrServerClosed.
func (e *Engine) Serve(ln net.Listener) error {
	if !e.trackListener(ln) {
		ln.Close()
		return ErrServerClosed
	}
	defer e.untrackListener(ln)

	e.compile.Do(func() {
		e.pipeline.Compile()
		if e.limiter != nil {
			e.mu.Lock()
			if !e.shuttingDown.Load() {
				ctx, cancel := context.WithCancel(context.Background())
				e.stopJanitor = cancel
				e.limiter.StartJanitor(ctx, e.cfg.RateLimit.TTL/2)
			}
			e.mu.Unlock()
		}
	})

	e.logger.Info().
		Str("addr", ln.Addr().String()).
		Int("workers_min", e.cfg.Workers.Min).
		Int("workers_max", e.cfg.Workers.Max).
		Int("queue", e.cfg.Queue.Capacity).
		Str("queue_policy", e.cfg.Queue.Policy).
		Msg("server listening")

	var backoff time.Duration
	for {
		nc, err := ln.Accept()
		if err != nil {
			if e.shuttingDown.Load() {
				return ErrServerClosed
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			// Descriptor exhaustion and similar failures pass once
			// connections close.
			backoff = nextBackoff(backoff)
			e.logger.Warn().Err(err).Dur("retry_in", backoff).Msg("accept failed")
			time.Sleep(backoff)
			continue
		}
		backoff = 0
		e.accept(nc)
	}
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	if d *= 2; d > time.Second {
		d = time.Second
	}
	return d
}

// accept hands one socket to the pool. The acceptor never reads from
// the socket; the only bytes it writes are the canned 503.
func (e *Engine) accept(nc net.Conn) {
	if tc, ok := nc.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
		tc.SetKeepAlive(true)
		tc.SetKeepAlivePeriod(30 * time.Second)
	}

	c := newConn(e, e.nextID.Add(1), nc)
	e.conns.Store(c.id, c)

	var err error
	if e.cfg.Queue.Policy == config.QueueBlock {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Queue.Wait)
		err = e.pool.SubmitWait(ctx, c.serve)
		cancel()
	} else {
		err = e.pool.Submit(c.serve)
	}
	if err != nil {
		e.logger.Warn().Err(err).Str("remote_addr", c.remote).Msg("connection rejected")
		e.reject(c)
	}
}

func (e *Engine) reject(c *Conn) {
	c.nc.SetWriteDeadline(time.Now().Add(time.Second))
	c.nc.Write([]byte(serviceUnavailable))
	c.close()
	c.release()
}

func (e *Engine) untrack(c *Conn) {
	e.conns.Delete(c.id)
}

func (e *Engine) trackListener(ln net.Listener) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.shuttingDown.Load() {
		return false
	}
	e.listeners[ln] = struct{}{}
	return true
}

func (e *Engine) untrackListener(ln net.Listener) {
	e.mu.Lock()
	delete(e.listeners, ln)
	e.mu.Unlock()
}

// ActiveConns returns the number of open connections.
func (e *Engine) ActiveConns() int {
	return e.conns.Size()
}

// RegisterOnShutdown registers fn to run when Shutdown starts. Handlers
// that hold a connection open, such as event streams, use it to return.
func (e *Engine) RegisterOnShutdown(fn func()) {
	e.mu.Lock()
	e.onShutdown = append(e.onShutdown, fn)
	e.mu.Unlock()
}

// Shutdown stops accepting, closes idle connections, lets in-flight
// requests finish and then closes the pool. If ctx ends first, every
// remaining connection is closed and ctx.Err() is returned.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	first := e.shuttingDown.CompareAndSwap(false, true)
	for ln := range e.listeners {
		ln.Close()
	}
	stopJanitor := e.stopJanitor
	hooks := e.onShutdown
	e.mu.Unlock()
	if !first {
		return ErrServerClosed
	}

	e.logger.Info().Int("active_conns", e.ActiveConns()).Msg("shutting down")
	if stopJanitor != nil {
		stopJanitor()
	}
	for _, fn := range hooks {
		go fn()
	}

	e.conns.Range(func(_ uint64, c *Conn) bool {
		c.wakeIfIdle()
		return true
	})

	e.pool.Close()
	if err := e.pool.Wait(ctx); err != nil {
		forced := 0
		e.conns.Range(func(_ uint64, c *Conn) bool {
			c.close()
			forced++
			return true
		})
		e.logger.Warn().Err(err).Int("forced", forced).Msg("shutdown deadline reached, connections closed")
		return err
	}

	e.logger.Info().Msg("server stopped")
	return nil
}
