package core

import (
	"encoding/json"
	"time"

	"github.com/searchktools/h1server/core/http"
	"github.com/searchktools/h1server/core/observability"
	"github.com/searchktools/h1server/core/pools"
)

// Stats is a point-in-time view of the engine.
type Stats struct {
	Uptime      time.Duration              `json:"uptime_ns"`
	ActiveConns int                        `json:"active_conns"`
	Buckets     int                        `json:"ratelimit_buckets"`
	Pool        pools.WorkerPoolStats      `json:"pool"`
	Buffers     pools.BufferStats          `json:"buffers"`
	Runtime     pools.GCStats              `json:"runtime"`
	Requests    uint64                     `json:"requests"`
	Routes      []observability.RouteStats `json:"routes"`
}

// Stats collects pool, connection, rate-limit, runtime and per-route
// counters.
func (e *Engine) Stats() Stats {
	s := Stats{
		Uptime:      time.Since(e.started),
		ActiveConns: e.ActiveConns(),
		Pool:        e.pool.Stats(),
		Buffers:     e.buffers.Stats(),
		Runtime:     pools.ReadGCStats(),
		Requests:    e.monitor.Total(),
		Routes:      e.monitor.Snapshot(),
	}
	if e.limiter != nil {
		s.Buckets = e.limiter.Len()
	}
	return s
}

// StatsHandler serves Stats as JSON.
func (e *Engine) StatsHandler() http.Handler {
	return func(req *http.Request) (*http.Response, error) {
		body, err := json.Marshal(e.Stats())
		if err != nil {
			return nil, err
		}
		resp := http.JSONBytes(http.StatusOK, body)
		resp.SetHeader(http.HeaderCacheControl, "no-store")
		return resp, nil
	}
}
