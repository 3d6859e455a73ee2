// Package handlers holds the stock routes the server mounts besides the
// application's own: health probes and static files.
package handlers

import (
	"fmt"
	"sync"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/searchktools/h1server/core/codec"
	"github.com/searchktools/h1server/core/http"
)

// Check reports a dependency's health. A nil error is healthy.
type Check func() error

type namedCheck struct {
	name string
	fn   Check
}

// Health serves liveness, readiness and the aggregate report.
type Health struct {
	mu      sync.RWMutex
	checks  []namedCheck
	started time.Time
	now     func() time.Time
}

func NewHealth() *Health {
	return &Health{started: time.Now(), now: time.Now}
}

// AddCheck registers fn under name. Adding a name twice replaces the
// earlier check.
func (h *Health) AddCheck(name string, fn Check) *Health {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.checks {
		if h.checks[i].name == name {
			h.checks[i].fn = fn
			return h
		}
	}
	h.checks = append(h.checks, namedCheck{name: name, fn: fn})
	return h
}

// Report runs every check and returns the payload and whether all
// passed.
func (h *Health) Report() (map[string]any, bool) {
	h.mu.RLock()
	checks := make([]namedCheck, len(h.checks))
	copy(checks, h.checks)
	h.mu.RUnlock()

	healthy := true
	results := make(map[string]any, len(checks))
	for _, c := range checks {
		if err := c.fn(); err != nil {
			healthy = false
			results[c.name] = map[string]any{"status": "unhealthy", "error": err.Error()}
			continue
		}
		results[c.name] = map[string]any{"status": "healthy", "message": "OK"}
	}

	report := map[string]any{
		"status":         statusWord(healthy),
		"uptime_seconds": int64(h.now().Sub(h.started) / time.Second),
	}
	if len(results) > 0 {
		report["checks"] = results
	}
	return report, healthy
}

func statusWord(healthy bool) string {
	if healthy {
		return "healthy"
	}
	return "unhealthy"
}

// Handler serves GET /health: 200 when every check passes, else 503.
func (h *Health) Handler() http.Handler {
	return func(req *http.Request) (*http.Response, error) {
		report, healthy := h.Report()
		status := http.StatusOK
		if !healthy {
			status = http.StatusServiceUnavailable
		}
		return respond(req, status, report)
	}
}

// Live always answers 200 while the process can serve at all.
func (h *Health) Live() http.Handler {
	return func(req *http.Request) (*http.Response, error) {
		return respond(req, http.StatusOK, map[string]any{"status": "alive"})
	}
}

// Ready mirrors Handler so orchestrators stop routing to an unhealthy
// instance.
func (h *Health) Ready() http.Handler {
	return h.Handler()
}

func respond(req *http.Request, status int, payload map[string]any) (*http.Response, error) {
	msg, err := structpb.NewStruct(payload)
	if err != nil {
		return nil, fmt.Errorf("health: %w", err)
	}
	resp, err := codec.Respond(req, status, msg)
	if err != nil {
		return nil, err
	}
	resp.SetHeader(http.HeaderCacheControl, "no-store")
	return resp, nil
}

// SaturationCheck fails once the worker queue is at least limit full.
func SaturationCheck(saturation func() float64, limit float64) Check {
	return func() error {
		if s := saturation(); s >= limit {
			return fmt.Errorf("worker queue %.0f%% full", s*100)
		}
		return nil
	}
}
