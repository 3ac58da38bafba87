package pools

import (
	"runtime"
	"runtime/debug"
	"time"
)

// GCConfig holds GC tuning parameters applied at service start
type GCConfig struct {
	// Percent is the GOGC target. 0 keeps the runtime setting.
	Percent int

	// MemoryLimit is a soft memory limit in bytes. 0 keeps the runtime setting.
	MemoryLimit int64
}

// ApplyGCConfig applies the settings and returns the previous ones
func ApplyGCConfig(cfg GCConfig) GCConfig {
	prev := GCConfig{
		Percent:     -1,
		MemoryLimit: debug.SetMemoryLimit(-1),
	}

	if cfg.Percent > 0 {
		prev.Percent = debug.SetGCPercent(cfg.Percent)
	}
	if cfg.MemoryLimit > 0 {
		debug.SetMemoryLimit(cfg.MemoryLimit)
	}
	return prev
}

// GCStats holds garbage collection statistics
type GCStats struct {
	NumGC        uint32        `json:"num_gc"`
	LastPause    time.Duration `json:"last_pause"`
	AvgPause     time.Duration `json:"avg_pause"`
	AllocBytes   uint64        `json:"alloc_bytes"`
	Sys          uint64        `json:"sys"`
	NumGoroutine int           `json:"goroutines"`
}

// GetGCStats returns current GC statistics
func GetGCStats() GCStats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	stats := GCStats{
		NumGC:        ms.NumGC,
		AllocBytes:   ms.Alloc,
		Sys:          ms.Sys,
		NumGoroutine: runtime.NumGoroutine(),
	}

	if ms.NumGC > 0 {
		stats.LastPause = time.Duration(ms.PauseNs[(ms.NumGC+255)%256])

		numPauses := ms.NumGC
		if numPauses > 256 {
			numPauses = 256
		}
		var totalPause uint64
		for i := uint32(0); i < numPauses; i++ {
			totalPause += ms.PauseNs[i]
		}
		stats.AvgPause = time.Duration(totalPause / uint64(numPauses))
	}

	return stats
}
