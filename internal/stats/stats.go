// Package stats keeps process-wide routing counters and timing averages.
//
// Counters are plain atomics; the four timing averages are exponentially
// weighted means guarded by one mutex, touched once per request after the
// response is written. Prometheus metrics cover operator dashboards, this
// package backs the client-facing /stats endpoint.
package stats

import (
	"sync"
	"sync/atomic"
	"time"
)

// alpha is the EWMA smoothing factor: each new sample contributes 10%.
const alpha = 0.1

// Collector accumulates routing statistics for the life of the process.
type Collector struct {
	totalRequests       atomic.Int64
	bypassRequests      atomic.Int64
	fullRoutingRequests atomic.Int64
	sessionCreations    atomic.Int64
	contextChanges      atomic.Int64

	mu              sync.Mutex
	avgRoutingTime  ewma
	avgBypassTime   ewma
	avgInferenceTime ewma
	avgTotalTime    ewma
}

func NewCollector() *Collector {
	return &Collector{}
}

// Sample is the per-request timing record fed to Observe.
type Sample struct {
	BypassUsed     bool
	NewSession     bool
	ContextChanged bool

	RoutingTime   time.Duration
	InferenceTime time.Duration
	TotalTime     time.Duration
}

// Observe records one completed request.
func (c *Collector) Observe(s Sample) {
	c.totalRequests.Add(1)
	if s.BypassUsed {
		c.bypassRequests.Add(1)
	} else {
		c.fullRoutingRequests.Add(1)
	}
	if s.NewSession {
		c.sessionCreations.Add(1)
	}
	if s.ContextChanged {
		c.contextChanges.Add(1)
	}

	c.mu.Lock()
	c.avgRoutingTime.observe(s.RoutingTime.Seconds())
	if s.BypassUsed {
		c.avgBypassTime.observe(s.RoutingTime.Seconds())
	}
	if s.InferenceTime > 0 {
		c.avgInferenceTime.observe(s.InferenceTime.Seconds())
	}
	c.avgTotalTime.observe(s.TotalTime.Seconds())
	c.mu.Unlock()
}

// Snapshot is a point-in-time copy of the collector state. Times are float
// seconds, matching the envelope format of /route.
type Snapshot struct {
	TotalRequests       int64   `json:"total_requests"`
	BypassRequests      int64   `json:"bypass_requests"`
	FullRoutingRequests int64   `json:"full_routing_requests"`
	SessionCreations    int64   `json:"session_creations"`
	ContextChanges      int64   `json:"context_changes"`

	AvgRoutingTime   float64 `json:"avg_routing_time"`
	AvgBypassTime    float64 `json:"avg_bypass_time"`
	AvgInferenceTime float64 `json:"avg_inference_time"`
	AvgTotalTime     float64 `json:"avg_total_time"`

	BypassRatePercent float64 `json:"bypass_rate_percent"`
}

// Snapshot returns a consistent copy. Counters are read individually; a
// request landing mid-read can skew a count by one, which is acceptable for
// an informational endpoint.
func (c *Collector) Snapshot() Snapshot {
	total := c.totalRequests.Load()
	bypass := c.bypassRequests.Load()

	var rate float64
	if total > 0 {
		rate = float64(bypass) / float64(total) * 100
	}

	c.mu.Lock()
	snap := Snapshot{
		TotalRequests:       total,
		BypassRequests:      bypass,
		FullRoutingRequests: c.fullRoutingRequests.Load(),
		SessionCreations:    c.sessionCreations.Load(),
		ContextChanges:      c.contextChanges.Load(),
		AvgRoutingTime:      c.avgRoutingTime.value,
		AvgBypassTime:       c.avgBypassTime.value,
		AvgInferenceTime:    c.avgInferenceTime.value,
		AvgTotalTime:        c.avgTotalTime.value,
		BypassRatePercent:   rate,
	}
	c.mu.Unlock()

	return snap
}

// ewma is an exponentially weighted moving average seeded by its first
// sample.
type ewma struct {
	value  float64
	primed bool
}

func (e *ewma) observe(v float64) {
	if !e.primed {
		e.value = v
		e.primed = true
		return
	}
	e.value = alpha*v + (1-alpha)*e.value
}
