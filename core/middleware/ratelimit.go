package middleware

import (
	"context"
	"math"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/searchktools/h1server/core/http"
	"github.com/searchktools/h1server/core/ratelimit"
)

// KeyFunc picks the rate-limit bucket for a request.
type KeyFunc func(req *http.Request) string

// ClientIP keys by the peer address without its port.
func ClientIP(req *http.Request) string {
	addr := strings.TrimSpace(req.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil && host != "" {
		return host
	}
	if addr != "" {
		return addr
	}
	return "unknown"
}

// HeaderKey keys by a request header such as X-API-Key, falling back to
// ClientIP when it is absent. For X-Forwarded-For the first hop is used.
func HeaderKey(header string) KeyFunc {
	xff := strings.EqualFold(header, "X-Forwarded-For")
	return func(req *http.Request) string {
		v := req.Header.Get(header)
		if xff {
			v, _, _ = strings.Cut(v, ",")
		}
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
		return ClientIP(req)
	}
}

// RateLimitConfig configures the RateLimit middleware.
type RateLimitConfig struct {
	KeyFunc KeyFunc
	// Stats, if set, receives every decision.
	Stats        ratelimit.StatsStore
	StatsTimeout time.Duration
	Logger       zerolog.Logger
}

const (
	headerLimit     = "X-RateLimit-Limit"
	headerRemaining = "X-RateLimit-Remaining"
)

// RateLimit takes a token from the caller's bucket for every request and
// answers 429 with Retry-After once the bucket is empty.
func RateLimit(l *ratelimit.Limiter, cfg RateLimitConfig) Middleware {
	keyFn := cfg.KeyFunc
	if keyFn == nil {
		keyFn = ClientIP
	}
	timeout := cfg.StatsTimeout
	if timeout <= 0 {
		timeout = 50 * time.Millisecond
	}
	limit := strconv.Itoa(l.Config().Capacity)

	return func(req *http.Request, next http.Handler) (*http.Response, error) {
		key := keyFn(req)
		d := l.Allow(key)

		if cfg.Stats != nil {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			err := cfg.Stats.Record(ctx, ratelimit.Event{
				Key:     key,
				Method:  string(req.Method),
				Path:    req.Path,
				Allowed: d.Allowed,
				At:      time.Now(),
			})
			cancel()
			if err != nil {
				cfg.Logger.Debug().Err(err).Str("key", key).Msg("rate limit stats not recorded")
			}
		}

		remaining := strconv.Itoa(int(math.Floor(d.Remaining)))
		if !d.Allowed {
			retry := RetryAfterSeconds(d.RetryAfter)
			body := `{"error":"Too Many Requests","retry_after":` + strconv.Itoa(retry) + `}`
			resp := http.JSONBytes(http.StatusTooManyRequests, []byte(body))
			resp.SetHeader(http.HeaderRetryAfter, strconv.Itoa(retry))
			resp.SetHeader(headerLimit, limit)
			resp.SetHeader(headerRemaining, remaining)
			return resp, nil
		}

		resp, err := next(req)
		if resp != nil {
			resp.SetHeader(headerLimit, limit)
			resp.SetHeader(headerRemaining, remaining)
		}
		return resp, err
	}
}

// RetryAfterSeconds rounds a wait up to whole seconds, never below one,
// since Retry-After has no finer unit.
func RetryAfterSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}
