package metrics_test

import (
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/forecastex/match-engine/internal/metrics"
	"github.com/forecastex/match-engine/internal/store"
)

func newCollector() *metrics.Collector {
	return metrics.NewCollector(prometheus.NewRegistry())
}

func complete(c *metrics.Collector, success bool, retries, trades int, qty int64) {
	key := c.StartOrder()
	c.CompleteOrder(key, metrics.OrderOutcome{
		Success: success, Retries: retries, Trades: trades, Quantity: qty,
	})
}

func TestCollector_Snapshot(t *testing.T) {
	c := newCollector()

	complete(c, true, 0, 2, 100)
	complete(c, true, 1, 0, 50)
	complete(c, false, 0, 0, 10)

	s := c.Snapshot()
	if s.TotalOrders != 3 || s.SuccessfulOrders != 2 || s.FailedOrders != 1 {
		t.Fatalf("counts: %d/%d/%d", s.TotalOrders, s.SuccessfulOrders, s.FailedOrders)
	}
	if s.TradesExecuted != 2 {
		t.Errorf("trades: %d", s.TradesExecuted)
	}
	// Volume counts successful orders only.
	if s.SharesTraded != 150 {
		t.Errorf("shares: %d", s.SharesTraded)
	}
	if s.Retries != 1 {
		t.Errorf("retries: %d", s.Retries)
	}
	want := 100 * 2.0 / 3.0
	if s.SuccessRate < want-0.01 || s.SuccessRate > want+0.01 {
		t.Errorf("success rate: %f", s.SuccessRate)
	}
	if s.PendingOrders != 0 {
		t.Errorf("pending: %d", s.PendingOrders)
	}

	var bucketTotal int64
	for _, n := range s.LatencyBuckets {
		bucketTotal += n
	}
	if bucketTotal != 3 {
		t.Errorf("bucket total: %d", bucketTotal)
	}
}

func TestCollector_PendingOrders(t *testing.T) {
	c := newCollector()
	key := c.StartOrder()
	if got := c.Snapshot().PendingOrders; got != 1 {
		t.Fatalf("pending: %d", got)
	}
	c.CompleteOrder(key, metrics.OrderOutcome{Success: true})
	if got := c.Snapshot().PendingOrders; got != 0 {
		t.Fatalf("pending after complete: %d", got)
	}
}

func TestCollector_ConflictClassification(t *testing.T) {
	c := newCollector()

	c.RecordConflict(store.ErrConflict)
	c.RecordConflict(store.ErrConflict)
	c.RecordConflict(fmt.Errorf("wrapped: %w", store.ErrDeadlock))

	s := c.Snapshot()
	if s.SerializationConflicts != 2 {
		t.Errorf("serialization conflicts: %d", s.SerializationConflicts)
	}
	if s.DeadlockRecoveries != 1 {
		t.Errorf("deadlock recoveries: %d", s.DeadlockRecoveries)
	}
}

func TestCollector_HealthThresholds(t *testing.T) {
	t.Run("empty is healthy", func(t *testing.T) {
		c := newCollector()
		if got := c.Health(); got.Status != "healthy" {
			t.Fatalf("status: %s (%v)", got.Status, got.Reasons)
		}
	})

	t.Run("all success is healthy", func(t *testing.T) {
		c := newCollector()
		for i := 0; i < 20; i++ {
			complete(c, true, 0, 0, 1)
		}
		if got := c.Health(); got.Status != "healthy" {
			t.Fatalf("status: %s (%v)", got.Status, got.Reasons)
		}
	})

	t.Run("success below 95 is degraded", func(t *testing.T) {
		c := newCollector()
		for i := 0; i < 90; i++ {
			complete(c, true, 0, 0, 1)
		}
		for i := 0; i < 10; i++ {
			complete(c, false, 0, 0, 1)
		}
		if got := c.Health(); got.Status != "degraded" {
			t.Fatalf("status: %s (%v)", got.Status, got.Reasons)
		}
	})

	t.Run("success below 80 is critical", func(t *testing.T) {
		c := newCollector()
		for i := 0; i < 7; i++ {
			complete(c, true, 0, 0, 1)
		}
		for i := 0; i < 3; i++ {
			complete(c, false, 0, 0, 1)
		}
		if got := c.Health(); got.Status != "critical" {
			t.Fatalf("status: %s (%v)", got.Status, got.Reasons)
		}
	})

	t.Run("retry rate above 10 is degraded", func(t *testing.T) {
		c := newCollector()
		for i := 0; i < 10; i++ {
			complete(c, true, 0, 0, 1)
		}
		for i := 0; i < 2; i++ {
			complete(c, true, 1, 0, 1)
		}
		if got := c.Health(); got.Status != "degraded" {
			t.Fatalf("status: %s (%v)", got.Status, got.Reasons)
		}
	})
}

func TestCollector_Reset(t *testing.T) {
	c := newCollector()
	complete(c, true, 1, 1, 10)
	c.RecordConflict(store.ErrConflict)

	c.Reset()

	s := c.Snapshot()
	if s.TotalOrders != 0 || s.Retries != 0 || s.SerializationConflicts != 0 {
		t.Fatalf("reset left counters: %+v", s)
	}
	if s.P95LatencyMs != 0 || s.AvgLatencyMs != 0 {
		t.Fatalf("reset left latencies: %+v", s)
	}
	if len(s.Hourly) != 0 {
		t.Fatalf("reset left hourly stats")
	}
}

func TestCollector_HourlyRollup(t *testing.T) {
	c := newCollector()
	complete(c, true, 0, 1, 5)
	complete(c, false, 0, 0, 5)

	s := c.Snapshot()
	if len(s.Hourly) != 1 {
		t.Fatalf("hourly entries: %d", len(s.Hourly))
	}
	h := s.Hourly[0]
	if h.Orders != 2 || h.Successful != 1 || h.Failed != 1 || h.Trades != 1 || h.Volume != 5 {
		t.Fatalf("hourly rollup: %+v", h)
	}
}
