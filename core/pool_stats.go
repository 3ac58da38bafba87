package core

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/searchktools/restengine/core/observability"
	"github.com/searchktools/restengine/core/pools"
)

// Stats is a point-in-time view of the server
type Stats struct {
	Listening   bool                            `json:"listening"`
	Addr        string                          `json:"addr,omitempty"`
	Workers     pools.WorkerPoolStats           `json:"workers"`
	Registered  int                             `json:"registered_sockets"`
	Served      uint64                          `json:"requests_served"`
	Handlers    []observability.HandlerSnapshot `json:"handlers"`
	Bottlenecks []observability.Bottleneck      `json:"bottlenecks,omitempty"`
	BytePool    pools.BytePoolStats             `json:"byte_pool"`
	Connection  ConnectionPoolStats             `json:"connection_pool"`
	GC          pools.GCStats                   `json:"gc"`
}

// ConnectionPoolStats reports reuse of connection records
type ConnectionPoolStats struct {
	Gets    uint64  `json:"gets"`
	Puts    uint64  `json:"puts"`
	HitRate float64 `json:"hit_rate"`
}

// Stats returns statistics for workers, sockets and handlers
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	srv := e.srv
	e.mu.Unlock()

	stats := Stats{
		Served:      e.served.Load(),
		Handlers:    e.monitor.Snapshot(),
		Bottlenecks: e.monitor.Bottlenecks(),
		BytePool:    e.bytePool.Stats(),
		GC:          pools.GetGCStats(),
	}
	if srv != nil {
		stats.Listening = true
		stats.Addr = srv.addr.String()
		stats.Workers = srv.pool.Stats()
	}

	e.sockMu.Lock()
	stats.Registered = len(e.sockets)
	e.sockMu.Unlock()

	gets, puts, hitRate := e.conns.Stats()
	stats.Connection = ConnectionPoolStats{Gets: gets, Puts: puts, HitRate: hitRate}
	return stats
}

// StatsJSON returns Stats as indented JSON
func (e *Engine) StatsJSON() string {
	data, _ := json.MarshalIndent(e.Stats(), "", "  ")
	return string(data)
}

// StatsText returns Stats as human-readable text
func (e *Engine) StatsText() string {
	s := e.Stats()

	var b strings.Builder
	fmt.Fprintf(&b, "Server Statistics\n=================\n\n")
	fmt.Fprintf(&b, "Listening: %v %s\n", s.Listening, s.Addr)
	fmt.Fprintf(&b, "Workers:   %d (soft cap %d)\n", s.Workers.Workers, s.Workers.SoftCap)
	for i, n := range s.Workers.Sockets {
		fmt.Fprintf(&b, "  worker %d: %d sockets\n", i, n)
	}
	fmt.Fprintf(&b, "Sockets:   %d registered\n", s.Registered)
	fmt.Fprintf(&b, "Served:    %d requests\n\n", s.Served)

	for _, h := range s.Handlers {
		fmt.Fprintf(&b, "%-40s %8d req %6d err  avg %v\n", h.Name, h.Count, h.Errors, h.Avg)
	}
	fmt.Fprintf(&b, "\nConnection records: %d gets, %d puts, hit rate %.2f%%\n",
		s.Connection.Gets, s.Connection.Puts, s.Connection.HitRate*100)
	return b.String()
}
