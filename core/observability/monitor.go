package observability

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// Monitor aggregates per-route latency and error counts. Recording is
// lock-free; Snapshot copies the counters out.
type Monitor struct {
	routes *xsync.MapOf[string, *routeMetrics]
	total  atomic.Uint64
}

type routeMetrics struct {
	count          atomic.Uint64
	errors         atomic.Uint64
	totalDuration  atomic.Uint64
	minDuration    atomic.Uint64
	maxDuration    atomic.Uint64
	latencyBuckets [len(LatencyBounds) + 1]atomic.Uint64
}

// LatencyBounds are the upper edges of the latency histogram. The last
// bucket collects everything slower.
var LatencyBounds = [...]time.Duration{
	time.Millisecond,
	5 * time.Millisecond,
	10 * time.Millisecond,
	50 * time.Millisecond,
	100 * time.Millisecond,
	500 * time.Millisecond,
	time.Second,
	5 * time.Second,
	10 * time.Second,
}

// RouteStats is a point-in-time copy of one route's counters.
type RouteStats struct {
	Route   string          `json:"route"`
	Count   uint64          `json:"count"`
	Errors  uint64          `json:"errors"`
	Avg     time.Duration   `json:"avg_ns"`
	Min     time.Duration   `json:"min_ns"`
	Max     time.Duration   `json:"max_ns"`
	Buckets []uint64        `json:"latency_buckets"`
	Bounds  []time.Duration `json:"-"`
}

// ErrorRate returns errors/count.
func (s RouteStats) ErrorRate() float64 {
	if s.Count == 0 {
		return 0
	}
	return float64(s.Errors) / float64(s.Count)
}

func NewMonitor() *Monitor {
	return &Monitor{routes: xsync.NewMapOf[string, *routeMetrics]()}
}

// Record adds one request to route's counters.
func (m *Monitor) Record(route string, d time.Duration, isError bool) {
	rm, _ := m.routes.LoadOrCompute(route, func() *routeMetrics { return &routeMetrics{} })

	rm.count.Add(1)
	if isError {
		rm.errors.Add(1)
	}
	ns := uint64(d.Nanoseconds())
	rm.totalDuration.Add(ns)
	updateMin(&rm.minDuration, ns)
	updateMax(&rm.maxDuration, ns)
	rm.latencyBuckets[bucketIndex(d)].Add(1)

	m.total.Add(1)
}

func updateMin(v *atomic.Uint64, d uint64) {
	for {
		cur := v.Load()
		if cur != 0 && d >= cur {
			return
		}
		if v.CompareAndSwap(cur, d) {
			return
		}
	}
}

func updateMax(v *atomic.Uint64, d uint64) {
	for {
		cur := v.Load()
		if d <= cur {
			return
		}
		if v.CompareAndSwap(cur, d) {
			return
		}
	}
}

func bucketIndex(d time.Duration) int {
	for i, b := range LatencyBounds {
		if d < b {
			return i
		}
	}
	return len(LatencyBounds)
}

// Total returns the number of requests recorded across routes.
func (m *Monitor) Total() uint64 { return m.total.Load() }

// Snapshot returns every route's counters sorted by route.
func (m *Monitor) Snapshot() []RouteStats {
	var out []RouteStats
	m.routes.Range(func(route string, rm *routeMetrics) bool {
		count := rm.count.Load()
		s := RouteStats{
			Route:   route,
			Count:   count,
			Errors:  rm.errors.Load(),
			Min:     time.Duration(rm.minDuration.Load()),
			Max:     time.Duration(rm.maxDuration.Load()),
			Buckets: make([]uint64, len(rm.latencyBuckets)),
			Bounds:  LatencyBounds[:],
		}
		if count > 0 {
			s.Avg = time.Duration(rm.totalDuration.Load() / count)
		}
		for i := range rm.latencyBuckets {
			s.Buckets[i] = rm.latencyBuckets[i].Load()
		}
		out = append(out, s)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Route < out[j].Route })
	return out
}

// Hotspots returns routes whose average latency exceeds maxAvg or whose
// error rate exceeds maxErrorRate.
func (m *Monitor) Hotspots(maxAvg time.Duration, maxErrorRate float64) []RouteStats {
	var out []RouteStats
	for _, s := range m.Snapshot() {
		if s.Avg > maxAvg || s.ErrorRate() > maxErrorRate {
			out = append(out, s)
		}
	}
	return out
}
