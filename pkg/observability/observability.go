// Package observability provides structured metrics for the relay and
// client forwarder. It exposes a small Prometheus-exposition-format
// endpoint and a set of pre-named counters/gauges/histograms covering
// the ingress, control-channel, and alias-resolution data paths.
package observability

import (
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
)

// ------------------------------------------------------------------
// Metrics
// ------------------------------------------------------------------

// MetricType classifies a metric.
type MetricType string

const (
	MetricCounter   MetricType = "counter"
	MetricGauge     MetricType = "gauge"
	MetricHistogram MetricType = "histogram"
)

// Metric is a single named metric.
type Metric struct {
	Name        string            `json:"name"`
	Type        MetricType        `json:"type"`
	Description string            `json:"description"`
	Labels      map[string]string `json:"labels,omitempty"`
}

// MetricsRegistry collects and exposes application metrics.
type MetricsRegistry struct {
	mu         sync.RWMutex
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram
}

// NewMetricsRegistry creates a metrics registry.
func NewMetricsRegistry() *MetricsRegistry {
	return &MetricsRegistry{
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
	}
}

// Counter is a monotonically increasing metric.
type Counter struct {
	name  string
	desc  string
	value atomic.Int64
}

// Gauge is a metric that can go up and down.
type Gauge struct {
	name  string
	desc  string
	value atomic.Int64
}

// Histogram tracks value distributions with pre-defined buckets.
type Histogram struct {
	mu      sync.Mutex
	name    string
	desc    string
	buckets []float64
	counts  []int64
	sum     float64
	count   int64
}

// GetCounter returns (or creates) a counter metric.
func (r *MetricsRegistry) GetCounter(name, description string) *Counter {
	r.mu.RLock()
	c, ok := r.counters[name]
	r.mu.RUnlock()
	if ok {
		return c
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok = r.counters[name]; ok {
		return c
	}
	c = &Counter{name: name, desc: description}
	r.counters[name] = c
	return c
}

// GetGauge returns (or creates) a gauge metric.
func (r *MetricsRegistry) GetGauge(name, description string) *Gauge {
	r.mu.RLock()
	g, ok := r.gauges[name]
	r.mu.RUnlock()
	if ok {
		return g
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok = r.gauges[name]; ok {
		return g
	}
	g = &Gauge{name: name, desc: description}
	r.gauges[name] = g
	return g
}

// GetHistogram returns (or creates) a histogram metric.
func (r *MetricsRegistry) GetHistogram(name, description string, buckets []float64) *Histogram {
	r.mu.RLock()
	h, ok := r.histograms[name]
	r.mu.RUnlock()
	if ok {
		return h
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok = r.histograms[name]; ok {
		return h
	}
	sort.Float64s(buckets)
	h = &Histogram{name: name, desc: description, buckets: buckets, counts: make([]int64, len(buckets)+1)}
	r.histograms[name] = h
	return h
}

// Inc increments a counter by 1.
func (c *Counter) Inc() { c.value.Add(1) }

// Add increments a counter by n.
func (c *Counter) Add(n int64) { c.value.Add(n) }

// Value returns the counter's current value.
func (c *Counter) Value() int64 { return c.value.Load() }

// Set sets the gauge value.
func (g *Gauge) Set(v int64) { g.value.Store(v) }

// Inc increments the gauge by 1.
func (g *Gauge) Inc() { g.value.Add(1) }

// Dec decrements the gauge by 1.
func (g *Gauge) Dec() { g.value.Add(-1) }

// Value returns the gauge's current value.
func (g *Gauge) Value() int64 { return g.value.Load() }

// Observe records a value in the histogram.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sum += v
	h.count++
	for i, b := range h.buckets {
		if v <= b {
			h.counts[i]++
			return
		}
	}
	h.counts[len(h.buckets)]++ // +Inf bucket
}

// ------------------------------------------------------------------
// Pre-defined relay metrics
// ------------------------------------------------------------------

// RelayMetrics holds the named metrics for one relay or client forwarder
// process. Both binaries construct one of these at startup and thread it
// through their data-path components.
type RelayMetrics struct {
	Registry *MetricsRegistry

	// Ingress
	IngressRequests    *Counter
	IngressBytesIn     *Counter
	IngressBytesOut    *Counter
	IngressErrors      *Counter
	IngressLatency     *Histogram
	RateLimitRejects   *Counter
	OversizeRejects    *Counter

	// Control channel
	ControlConnections  *Gauge
	ControlRegistered   *Counter
	ControlDisplaced    *Counter
	ControlDisconnects  *Counter
	FrameErrors         *Counter
	WriteQueueDrops     *Counter
	HeartbeatTimeouts   *Counter

	// Alias resolution
	AliasCacheHits    *Counter
	AliasCacheMisses  *Counter
	AliasResolveErrs  *Counter

	// Client forwarder
	ForwarderReconnects *Counter
	ForwarderRequests   *Counter
	ForwarderErrors     *Counter
	LocalLatency        *Histogram

	// Resilience
	CircuitBreakerTrips *Counter
	BulkheadRejects     *Counter
	RetryAttempts       *Counter

	// Process
	Uptime         *Gauge
	GoroutineCount *Gauge
}

// NewRelayMetrics creates the standard relay metrics suite backed by a
// fresh registry.
func NewRelayMetrics() *RelayMetrics {
	r := NewMetricsRegistry()

	latencyBuckets := []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

	return &RelayMetrics{
		Registry: r,

		IngressRequests:  r.GetCounter("tunnelrelay_ingress_requests_total", "Total public HTTP requests accepted"),
		IngressBytesIn:   r.GetCounter("tunnelrelay_ingress_bytes_in_total", "Total request body bytes received"),
		IngressBytesOut:  r.GetCounter("tunnelrelay_ingress_bytes_out_total", "Total response body bytes sent"),
		IngressErrors:    r.GetCounter("tunnelrelay_ingress_errors_total", "Total ingress requests completed with a non-2xx status"),
		IngressLatency:   r.GetHistogram("tunnelrelay_ingress_latency_seconds", "End-to-end ingress request latency", latencyBuckets),
		RateLimitRejects: r.GetCounter("tunnelrelay_rate_limit_rejects_total", "Requests rejected by the per-identity rate limiter"),
		OversizeRejects:  r.GetCounter("tunnelrelay_oversize_rejects_total", "Requests rejected for exceeding the body size limit"),

		ControlConnections: r.GetGauge("tunnelrelay_control_connections", "Currently registered control-channel connections"),
		ControlRegistered:  r.GetCounter("tunnelrelay_control_registered_total", "Total successful REGISTER frames"),
		ControlDisplaced:   r.GetCounter("tunnelrelay_control_displaced_total", "Total registrations evicted by a newer REGISTER for the same token"),
		ControlDisconnects: r.GetCounter("tunnelrelay_control_disconnects_total", "Total control-channel disconnects"),
		FrameErrors:        r.GetCounter("tunnelrelay_frame_errors_total", "Total malformed or rejected frames"),
		WriteQueueDrops:    r.GetCounter("tunnelrelay_write_queue_drops_total", "Total connections dropped for a full write queue"),
		HeartbeatTimeouts:  r.GetCounter("tunnelrelay_heartbeat_timeouts_total", "Total connections dropped for missed heartbeats"),

		AliasCacheHits:   r.GetCounter("tunnelrelay_alias_cache_hits_total", "Alias lookups that resolved to a token, from cache or upstream"),
		AliasCacheMisses: r.GetCounter("tunnelrelay_alias_cache_misses_total", "Alias lookups that resolved to no token, from cache or upstream"),
		AliasResolveErrs: r.GetCounter("tunnelrelay_alias_resolve_errors_total", "Alias resolution upstream errors"),

		ForwarderReconnects: r.GetCounter("tunnelclient_reconnects_total", "Total control-channel reconnect attempts"),
		ForwarderRequests:   r.GetCounter("tunnelclient_requests_total", "Total request frames handled locally"),
		ForwarderErrors:     r.GetCounter("tunnelclient_errors_total", "Total local requests that ended in an error response"),
		LocalLatency:        r.GetHistogram("tunnelclient_local_latency_seconds", "Latency of the local HTTP round trip", latencyBuckets),

		CircuitBreakerTrips: r.GetCounter("tunnelrelay_circuit_breaker_trips_total", "Circuit breaker trip events"),
		BulkheadRejects:     r.GetCounter("tunnelrelay_bulkhead_rejects_total", "Bulkhead rejections"),
		RetryAttempts:       r.GetCounter("tunnelrelay_retry_attempts_total", "Retry attempts across all resilience pipelines"),

		Uptime:         r.GetGauge("tunnelrelay_uptime_seconds", "Process uptime in seconds"),
		GoroutineCount: r.GetGauge("tunnelrelay_goroutine_count", "Number of goroutines"),
	}
}

// ------------------------------------------------------------------
// Metrics HTTP endpoint (Prometheus-compatible)
// ------------------------------------------------------------------

// MetricsHandler returns an HTTP handler that exports metrics in
// Prometheus exposition format.
func MetricsHandler(registry *MetricsRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")

		registry.mu.RLock()
		defer registry.mu.RUnlock()

		for _, c := range registry.counters {
			fmt.Fprintf(w, "# HELP %s %s\n", c.name, c.desc)
			fmt.Fprintf(w, "# TYPE %s counter\n", c.name)
			fmt.Fprintf(w, "%s %d\n", c.name, c.value.Load())
		}
		for _, g := range registry.gauges {
			fmt.Fprintf(w, "# HELP %s %s\n", g.name, g.desc)
			fmt.Fprintf(w, "# TYPE %s gauge\n", g.name)
			fmt.Fprintf(w, "%s %d\n", g.name, g.value.Load())
		}
		for _, h := range registry.histograms {
			fmt.Fprintf(w, "# HELP %s %s\n", h.name, h.desc)
			fmt.Fprintf(w, "# TYPE %s histogram\n", h.name)
			h.mu.Lock()
			cumulative := int64(0)
			for i, b := range h.buckets {
				cumulative += h.counts[i]
				fmt.Fprintf(w, "%s_bucket{le=\"%g\"} %d\n", h.name, b, cumulative)
			}
			cumulative += h.counts[len(h.buckets)]
			fmt.Fprintf(w, "%s_bucket{le=\"+Inf\"} %d\n", h.name, cumulative)
			fmt.Fprintf(w, "%s_sum %g\n", h.name, h.sum)
			fmt.Fprintf(w, "%s_count %d\n", h.name, h.count)
			h.mu.Unlock()
		}
	}
}
