package pools

import (
	"runtime"
	"runtime/debug"
	"time"
)

// GCConfig holds GC tuning parameters. Zero fields leave the runtime
// setting alone.
type GCConfig struct {
	// GOGC sets the garbage collection target percentage; -1 turns the
	// collector off, which only makes sense together with MemoryLimit.
	GOGC int

	// MemoryLimit sets the soft memory limit in bytes.
	MemoryLimit int64
}

// ApplyGCConfig applies cfg and returns the settings it replaced.
func ApplyGCConfig(cfg GCConfig) GCConfig {
	var prev GCConfig
	if cfg.GOGC != 0 {
		prev.GOGC = debug.SetGCPercent(cfg.GOGC)
	}
	if cfg.MemoryLimit > 0 {
		prev.MemoryLimit = debug.SetMemoryLimit(cfg.MemoryLimit)
	}
	return prev
}

// GCStats holds garbage collection statistics
type GCStats struct {
	NumGC        uint32        `json:"num_gc"`
	PauseTotal   time.Duration `json:"pause_total_ns"`
	LastPause    time.Duration `json:"last_pause_ns"`
	AllocBytes   uint64        `json:"alloc_bytes"`
	Sys          uint64        `json:"sys_bytes"`
	NumGoroutine int           `json:"goroutines"`
}

// ReadGCStats returns current GC statistics. It stops the world briefly.
func ReadGCStats() GCStats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	stats := GCStats{
		NumGC:        ms.NumGC,
		PauseTotal:   time.Duration(ms.PauseTotalNs),
		AllocBytes:   ms.Alloc,
		Sys:          ms.Sys,
		NumGoroutine: runtime.NumGoroutine(),
	}
	if ms.NumGC > 0 {
		stats.LastPause = time.Duration(ms.PauseNs[(ms.NumGC+255)%256])
	}
	return stats
}
