// Package metrics instruments the match engine. The Collector keeps
// in-process aggregates (latency percentiles, success rates, conflict
// counts, hourly rollups) for the operational health endpoints, and mirrors
// them into Prometheus instruments registered on an injected Registerer.
// Nothing here is a package-level singleton; construct one Collector per
// engine and share it.
package metrics

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/forecastex/match-engine/internal/store"
)

// latencyWindow bounds the ring buffer of recent per-order latencies used
// for percentile estimates.
const latencyWindow = 1000

// hourlyRetention is how many hourly rollups are kept before pruning.
const hourlyRetention = 24

// OrderKey identifies one in-flight order measurement.
type OrderKey struct {
	id    uuid.UUID
	start time.Time
}

// OrderOutcome reports how a completed (or failed) order placement went.
type OrderOutcome struct {
	Success  bool
	Retries  int
	Trades   int
	Quantity int64
}

// HourlyStats is one hour's rollup of order flow.
type HourlyStats struct {
	Hour       string `json:"hour"`
	Orders     int64  `json:"orders"`
	Successful int64  `json:"successful"`
	Failed     int64  `json:"failed"`
	Trades     int64  `json:"trades"`
	Volume     int64  `json:"volume"`
}

// Snapshot is the full point-in-time export of the collector.
type Snapshot struct {
	UptimeSeconds          float64          `json:"uptime_seconds"`
	TotalOrders            int64            `json:"total_orders"`
	SuccessfulOrders       int64            `json:"successful_orders"`
	FailedOrders           int64            `json:"failed_orders"`
	SuccessRate            float64          `json:"success_rate"` // percent
	TradesExecuted         int64            `json:"trades_executed"`
	SharesTraded           int64            `json:"shares_traded"`
	Retries                int64            `json:"retries"`
	SerializationConflicts int64            `json:"serialization_conflicts"`
	DeadlockRecoveries     int64            `json:"deadlock_recoveries"`
	AvgLatencyMs           float64          `json:"avg_latency_ms"`
	P95LatencyMs           float64          `json:"p95_latency_ms"`
	P99LatencyMs           float64          `json:"p99_latency_ms"`
	LatencyBuckets         map[string]int64 `json:"latency_buckets"`
	PendingOrders          int              `json:"pending_orders"`
	Hourly                 []HourlyStats    `json:"hourly"`
}

// HealthStatus classifies engine health from the collector's aggregates.
type HealthStatus struct {
	Status  string   `json:"status"` // healthy, degraded, critical
	Reasons []string `json:"reasons,omitempty"`
}

// Collector accumulates order-flow metrics. Safe for concurrent use.
type Collector struct {
	mu        sync.Mutex
	startedAt time.Time
	pending   map[uuid.UUID]time.Time

	totalOrders            int64
	successfulOrders       int64
	failedOrders           int64
	tradesExecuted         int64
	sharesTraded           int64
	retries                int64
	serializationConflicts int64
	deadlockRecoveries     int64

	latencies []float64 // ms, ring buffer
	latIdx    int
	buckets   map[string]int64
	hourly    map[string]*HourlyStats

	prom *instruments
}

// NewCollector builds a Collector whose Prometheus instruments register on
// reg. Tests pass prometheus.NewRegistry() to keep registrations isolated.
func NewCollector(reg prometheus.Registerer) *Collector {
	return &Collector{
		startedAt: time.Now(),
		pending:   make(map[uuid.UUID]time.Time),
		latencies: make([]float64, 0, latencyWindow),
		buckets:   make(map[string]int64),
		hourly:    make(map[string]*HourlyStats),
		prom:      newInstruments(reg),
	}
}

// StartOrder marks the beginning of one order placement and returns the key
// to hand back to CompleteOrder.
func (c *Collector) StartOrder() OrderKey {
	key := OrderKey{id: uuid.New(), start: time.Now()}
	c.mu.Lock()
	c.pending[key.id] = key.start
	c.mu.Unlock()
	return key
}

// CompleteOrder finishes the measurement started by StartOrder and folds
// the outcome into every aggregate.
func (c *Collector) CompleteOrder(key OrderKey, out OrderOutcome) {
	latencyMs := float64(time.Since(key.start)) / float64(time.Millisecond)

	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.pending, key.id)

	c.totalOrders++
	h := c.hourFor(time.Now())
	h.Orders++
	if out.Success {
		c.successfulOrders++
		h.Successful++
	} else {
		c.failedOrders++
		h.Failed++
	}
	c.tradesExecuted += int64(out.Trades)
	h.Trades += int64(out.Trades)
	if out.Success {
		c.sharesTraded += out.Quantity
		h.Volume += out.Quantity
	}
	c.retries += int64(out.Retries)

	if len(c.latencies) < latencyWindow {
		c.latencies = append(c.latencies, latencyMs)
	} else {
		c.latencies[c.latIdx] = latencyMs
		c.latIdx = (c.latIdx + 1) % latencyWindow
	}
	c.buckets[bucketLabel(latencyMs)]++

	c.prom.observeOrder(out.Success, latencyMs, out.Trades, out.Quantity, out.Retries)
}

// RecordConflict counts one retryable transaction failure, split by kind.
func (c *Collector) RecordConflict(err error) {
	kind := "serialization"
	c.mu.Lock()
	if errors.Is(err, store.ErrDeadlock) {
		c.deadlockRecoveries++
		kind = "deadlock"
	} else {
		c.serializationConflicts++
	}
	c.mu.Unlock()
	c.prom.conflicts.WithLabelValues(kind).Inc()
}

// Snapshot exports the current aggregates.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{
		UptimeSeconds:          time.Since(c.startedAt).Seconds(),
		TotalOrders:            c.totalOrders,
		SuccessfulOrders:       c.successfulOrders,
		FailedOrders:           c.failedOrders,
		TradesExecuted:         c.tradesExecuted,
		SharesTraded:           c.sharesTraded,
		Retries:                c.retries,
		SerializationConflicts: c.serializationConflicts,
		DeadlockRecoveries:     c.deadlockRecoveries,
		LatencyBuckets:         make(map[string]int64, len(c.buckets)),
		PendingOrders:          len(c.pending),
	}
	if c.totalOrders > 0 {
		s.SuccessRate = 100 * float64(c.successfulOrders) / float64(c.totalOrders)
	} else {
		s.SuccessRate = 100
	}
	for k, v := range c.buckets {
		s.LatencyBuckets[k] = v
	}
	s.AvgLatencyMs = mean(c.latencies)
	s.P95LatencyMs = percentile(c.latencies, 95)
	s.P99LatencyMs = percentile(c.latencies, 99)

	hours := make([]string, 0, len(c.hourly))
	for h := range c.hourly {
		hours = append(hours, h)
	}
	sort.Strings(hours)
	for _, h := range hours {
		s.Hourly = append(s.Hourly, *c.hourly[h])
	}
	return s
}

// Health classifies current engine health. Degraded when the success rate
// drops below 95%, p95 latency exceeds 1s, or more than 10% of orders
// needed a retry; critical when the success rate drops below 80% or p95
// exceeds 5s.
func (c *Collector) Health() HealthStatus {
	s := c.Snapshot()

	var degraded, critical []string
	if s.TotalOrders > 0 {
		if s.SuccessRate < 80 {
			critical = append(critical, "order success rate below 80%")
		} else if s.SuccessRate < 95 {
			degraded = append(degraded, "order success rate below 95%")
		}
		if retryRate := 100 * float64(s.Retries) / float64(s.TotalOrders); retryRate > 10 {
			degraded = append(degraded, "retry rate above 10%")
		}
	}
	if s.P95LatencyMs > 5000 {
		critical = append(critical, "p95 latency above 5s")
	} else if s.P95LatencyMs > 1000 {
		degraded = append(degraded, "p95 latency above 1s")
	}

	switch {
	case len(critical) > 0:
		return HealthStatus{Status: "critical", Reasons: append(critical, degraded...)}
	case len(degraded) > 0:
		return HealthStatus{Status: "degraded", Reasons: degraded}
	default:
		return HealthStatus{Status: "healthy"}
	}
}

// Reset clears all in-process aggregates. Prometheus counters are
// monotonic and are left alone.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startedAt = time.Now()
	c.pending = make(map[uuid.UUID]time.Time)
	c.totalOrders = 0
	c.successfulOrders = 0
	c.failedOrders = 0
	c.tradesExecuted = 0
	c.sharesTraded = 0
	c.retries = 0
	c.serializationConflicts = 0
	c.deadlockRecoveries = 0
	c.latencies = c.latencies[:0]
	c.latIdx = 0
	c.buckets = make(map[string]int64)
	c.hourly = make(map[string]*HourlyStats)
}

// hourFor returns the rollup entry for t's hour, pruning old hours once the
// retention window is exceeded. Caller holds c.mu.
func (c *Collector) hourFor(t time.Time) *HourlyStats {
	key := t.UTC().Format("2006-01-02T15")
	h, ok := c.hourly[key]
	if !ok {
		h = &HourlyStats{Hour: key}
		c.hourly[key] = h
		if len(c.hourly) > hourlyRetention {
			hours := make([]string, 0, len(c.hourly))
			for k := range c.hourly {
				hours = append(hours, k)
			}
			sort.Strings(hours)
			for _, k := range hours[:len(hours)-hourlyRetention] {
				delete(c.hourly, k)
			}
		}
	}
	return h
}

func bucketLabel(ms float64) string {
	switch {
	case ms < 10:
		return "0-10ms"
	case ms < 50:
		return "10-50ms"
	case ms < 100:
		return "50-100ms"
	case ms < 500:
		return "100-500ms"
	case ms < 1000:
		return "500-1000ms"
	default:
		return "1000ms+"
	}
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// percentile is the nearest-rank percentile over an unsorted sample.
func percentile(xs []float64, p float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := make([]float64, len(xs))
	copy(sorted, xs)
	sort.Float64s(sorted)
	idx := int(p / 100 * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
