package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// EnvPrefix is the prefix of environment overrides.
const EnvPrefix = "H1_"

// Queue policies applied when the worker queue is full.
const (
	QueueBlock  = "block"
	QueueReject = "reject"
)

// Config holds all application configuration.
type Config struct {
	Host       string `config:"host"`
	Port       int    `config:"port"`
	Env        string `config:"env"`
	ServerName string `config:"servername"`
	KeepAlive  bool   `config:"keepalive"`

	Workers     WorkersConfig     `config:"workers"`
	Queue       QueueConfig       `config:"queue"`
	Timeouts    TimeoutsConfig    `config:"timeouts"`
	Shutdown    ShutdownConfig    `config:"shutdown"`
	Limits      LimitsConfig      `config:"limits"`
	RateLimit   RateLimitConfig   `config:"ratelimit"`
	CORS        CORSConfig        `config:"cors"`
	Compression CompressionConfig `config:"compression"`
	Static      StaticConfig      `config:"static"`
	Events      EventsConfig      `config:"events"`
	Runtime     RuntimeConfig     `config:"runtime"`
	Log         LogConfig         `config:"log"`
}

type WorkersConfig struct {
	Min  int           `config:"min"`
	Max  int           `config:"max"`
	Idle time.Duration `config:"idle"`
}

type QueueConfig struct {
	Capacity int    `config:"capacity"`
	Policy   string `config:"policy"`
	// Wait bounds how long the acceptor blocks under the block policy.
	Wait time.Duration `config:"wait"`
}

type TimeoutsConfig struct {
	Idle    time.Duration `config:"idle"`
	Request time.Duration `config:"request"`
	Write   time.Duration `config:"write"`
}

type ShutdownConfig struct {
	Grace time.Duration `config:"grace"`
}

type LimitsConfig struct {
	Body   int64 `config:"body"`
	Header int   `config:"header"`
	// Requests caps requests per connection; 0 means unlimited.
	Requests int `config:"requests"`
}

type RateLimitConfig struct {
	Enabled  bool          `config:"enabled"`
	Capacity int           `config:"capacity"`
	Refill   float64       `config:"refill"`
	Header   string        `config:"header"`
	TTL      time.Duration `config:"ttl"`
	Redis    RedisConfig   `config:"redis"`
}

type RedisConfig struct {
	Addr   string `config:"addr"`
	Prefix string `config:"prefix"`
}

type CORSConfig struct {
	Enabled     bool          `config:"enabled"`
	Origins     []string      `config:"origins"`
	Methods     []string      `config:"methods"`
	Headers     []string      `config:"headers"`
	Expose      []string      `config:"expose"`
	Credentials bool          `config:"credentials"`
	MaxAge      time.Duration `config:"maxage"`
}

type CompressionConfig struct {
	Enabled bool `config:"enabled"`
	Min     int  `config:"min"`
	Level   int  `config:"level"`
}

type StaticConfig struct {
	Dir    string        `config:"dir"`
	Prefix string        `config:"prefix"`
	MaxAge time.Duration `config:"maxage"`
}

// EventsConfig mounts a server-sent events endpoint.
type EventsConfig struct {
	Enabled    bool          `config:"enabled"`
	Path       string        `config:"path"`
	MaxClients int           `config:"maxclients"`
	Buffer     int           `config:"buffer"`
	Keepalive  time.Duration `config:"keepalive"`
}

// RuntimeConfig tunes the Go runtime at startup. Zero values keep the
// runtime defaults.
type RuntimeConfig struct {
	GOGC        int   `config:"gogc"`
	MemoryLimit int64 `config:"memorylimit"`
}

type LogConfig struct {
	Level  string `config:"level"`
	Format string `config:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Host:       "0.0.0.0",
		Port:       8080,
		Env:        "development",
		ServerName: "h1server",
		KeepAlive:  true,
		Workers: WorkersConfig{
			Min:  4,
			Max:  256,
			Idle: 30 * time.Second,
		},
		Queue: QueueConfig{
			Capacity: 1024,
			Policy:   QueueReject,
			Wait:     100 * time.Millisecond,
		},
		Timeouts: TimeoutsConfig{
			Idle:    5 * time.Second,
			Request: 30 * time.Second,
			Write:   30 * time.Second,
		},
		Shutdown: ShutdownConfig{Grace: 10 * time.Second},
		Limits: LimitsConfig{
			Body:   10 << 20,
			Header: 16 << 10,
		},
		RateLimit: RateLimitConfig{
			Enabled:  true,
			Capacity: 100,
			Refill:   10,
			TTL:      10 * time.Minute,
			Redis:    RedisConfig{Prefix: "h1server:ratelimit"},
		},
		CORS: CORSConfig{
			Enabled: true,
			Origins: []string{"*"},
			Methods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"},
			Headers: []string{"Content-Type", "Authorization", "X-Requested-With"},
			MaxAge:  24 * time.Hour,
		},
		Compression: CompressionConfig{
			Enabled: true,
			Min:     1024,
			Level:   -1,
		},
		Static: StaticConfig{
			Prefix: "/static",
			MaxAge: time.Hour,
		},
		Events: EventsConfig{
			Path:       "/events",
			MaxClients: 1000,
			Buffer:     64,
			Keepalive:  15 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Addr returns host:port.
func (c *Config) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}

// Validate checks the configuration and reports the first bad field.
func (c *Config) Validate() error {
	rules := []struct {
		ok    bool
		field string
		msg   string
	}{
		{c.Port >= 1 && c.Port <= 65535, "port", "must be in 1..65535"},
		{c.Workers.Min >= 1, "workers.min", "must be at least 1"},
		{c.Workers.Max >= c.Workers.Min, "workers.max", "must not be below workers.min"},
		{c.Workers.Idle > 0, "workers.idle", "must be positive"},
		{c.Queue.Capacity >= 1, "queue.capacity", "must be at least 1"},
		{c.Queue.Policy == QueueBlock || c.Queue.Policy == QueueReject, "queue.policy", "must be block or reject"},
		{c.Queue.Wait > 0, "queue.wait", "must be positive"},
		{c.Timeouts.Idle > 0, "timeouts.idle", "must be positive"},
		{c.Timeouts.Request > 0, "timeouts.request", "must be positive"},
		{c.Timeouts.Write > 0, "timeouts.write", "must be positive"},
		{c.Shutdown.Grace > 0, "shutdown.grace", "must be positive"},
		{c.Limits.Body > 0, "limits.body", "must be positive"},
		{c.Limits.Header >= 1024, "limits.header", "must be at least 1024"},
		{c.Limits.Requests >= 0, "limits.requests", "must not be negative"},
		{!c.RateLimit.Enabled || c.RateLimit.Capacity >= 1, "ratelimit.capacity", "must be at least 1"},
		{!c.RateLimit.Enabled || c.RateLimit.Refill > 0, "ratelimit.refill", "must be positive"},
		{!c.RateLimit.Enabled || c.RateLimit.TTL > 0, "ratelimit.ttl", "must be positive"},
		{c.Compression.Level >= -2 && c.Compression.Level <= 9, "compression.level", "must be in -2..9"},
		{!c.Events.Enabled || c.Events.MaxClients >= 1, "events.maxclients", "must be at least 1"},
		{!c.Events.Enabled || c.Events.Buffer >= 1, "events.buffer", "must be at least 1"},
		{!c.Events.Enabled || c.Events.Keepalive > 0, "events.keepalive", "must be positive"},
		{c.Runtime.GOGC >= -1, "runtime.gogc", "must be -1 or more"},
		{c.Runtime.MemoryLimit >= 0, "runtime.memorylimit", "must not be negative"},
		{c.Log.Format == "json" || c.Log.Format == "text", "log.format", "must be json or text"},
	}
	for _, r := range rules {
		if !r.ok {
			return fmt.Errorf("%w: %s %s", ErrInvalid, r.field, r.msg)
		}
	}
	return nil
}

// Load builds the configuration from defaults, an optional JSON file
// (-config or H1_CONFIG), H1_* environment variables and finally any
// flags explicitly present in args.
func Load(args []string) (*Config, error) {
	cfg := Default()

	fs := flag.NewFlagSet("h1server", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	var (
		file      = fs.String("config", "", "path to a JSON config file")
		host      = fs.String("host", cfg.Host, "listen host")
		port      = fs.Int("port", cfg.Port, "listen port")
		env       = fs.String("env", cfg.Env, "environment (development/production)")
		logLevel  = fs.String("log-level", cfg.Log.Level, "log level (debug/info/warn/error)")
		logFormat = fs.String("log-format", cfg.Log.Format, "log format (json/text)")
		minW      = fs.Int("workers-min", cfg.Workers.Min, "minimum workers")
		maxW      = fs.Int("workers-max", cfg.Workers.Max, "maximum workers")
		staticDir = fs.String("static-dir", cfg.Static.Dir, "directory served under the static prefix")
	)
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	m := NewManager()
	path := *file
	if path == "" {
		path = os.Getenv(EnvPrefix + "CONFIG")
	}
	if path != "" {
		if err := m.LoadFromJSON(path); err != nil {
			return nil, err
		}
	}
	m.LoadFromEnv(EnvPrefix)
	if err := m.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "host":
			cfg.Host = *host
		case "port":
			cfg.Port = *port
		case "env":
			cfg.Env = *env
		case "log-level":
			cfg.Log.Level = *logLevel
		case "log-format":
			cfg.Log.Format = *logFormat
		case "workers-min":
			cfg.Workers.Min = *minW
		case "workers-max":
			cfg.Workers.Max = *maxW
		case "static-dir":
			cfg.Static.Dir = *staticDir
		}
	})

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
