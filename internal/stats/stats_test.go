package stats

import (
	"math"
	"sync"
	"testing"
	"time"
)

func TestCollectorCounters(t *testing.T) {
	c := NewCollector()

	c.Observe(Sample{NewSession: true, RoutingTime: time.Millisecond, TotalTime: 2 * time.Millisecond})
	c.Observe(Sample{BypassUsed: true, RoutingTime: time.Millisecond, TotalTime: 2 * time.Millisecond})
	c.Observe(Sample{ContextChanged: true, RoutingTime: time.Millisecond, TotalTime: 2 * time.Millisecond})

	snap := c.Snapshot()
	if snap.TotalRequests != 3 {
		t.Fatalf("TotalRequests = %d", snap.TotalRequests)
	}
	if snap.BypassRequests != 1 || snap.FullRoutingRequests != 2 {
		t.Fatalf("split = bypass:%d full:%d", snap.BypassRequests, snap.FullRoutingRequests)
	}
	if snap.SessionCreations != 1 || snap.ContextChanges != 1 {
		t.Fatalf("creations:%d changes:%d", snap.SessionCreations, snap.ContextChanges)
	}
}

func TestCollectorBypassRate(t *testing.T) {
	c := NewCollector()
	for i := 0; i < 3; i++ {
		c.Observe(Sample{BypassUsed: true})
	}
	c.Observe(Sample{})

	snap := c.Snapshot()
	if math.Abs(snap.BypassRatePercent-75) > 1e-9 {
		t.Fatalf("BypassRatePercent = %f, want 75", snap.BypassRatePercent)
	}
}

func TestCollectorEmptySnapshot(t *testing.T) {
	snap := NewCollector().Snapshot()
	if snap.TotalRequests != 0 || snap.BypassRatePercent != 0 || snap.AvgTotalTime != 0 {
		t.Fatalf("zero collector produced %+v", snap)
	}
}

func TestEWMASeedAndSmoothing(t *testing.T) {
	c := NewCollector()

	// First sample seeds the average exactly.
	c.Observe(Sample{TotalTime: time.Second})
	if got := c.Snapshot().AvgTotalTime; math.Abs(got-1.0) > 1e-9 {
		t.Fatalf("seeded avg = %f, want 1.0", got)
	}

	// Second sample: 0.1*3 + 0.9*1 = 1.2.
	c.Observe(Sample{TotalTime: 3 * time.Second})
	if got := c.Snapshot().AvgTotalTime; math.Abs(got-1.2) > 1e-9 {
		t.Fatalf("smoothed avg = %f, want 1.2", got)
	}
}

func TestBypassTimeOnlyOnBypass(t *testing.T) {
	c := NewCollector()
	c.Observe(Sample{RoutingTime: time.Second})
	if got := c.Snapshot().AvgBypassTime; got != 0 {
		t.Fatalf("full-path sample moved the bypass average: %f", got)
	}
	c.Observe(Sample{BypassUsed: true, RoutingTime: 500 * time.Millisecond})
	if got := c.Snapshot().AvgBypassTime; math.Abs(got-0.5) > 1e-9 {
		t.Fatalf("bypass avg = %f, want 0.5", got)
	}
}

func TestCollectorConcurrentObserve(t *testing.T) {
	c := NewCollector()

	const workers = 8
	const perWorker = 200

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				c.Observe(Sample{BypassUsed: i%2 == 0, TotalTime: time.Millisecond})
			}
		}()
	}
	wg.Wait()

	snap := c.Snapshot()
	if snap.TotalRequests != workers*perWorker {
		t.Fatalf("TotalRequests = %d, want %d", snap.TotalRequests, workers*perWorker)
	}
	if snap.BypassRequests+snap.FullRoutingRequests != snap.TotalRequests {
		t.Fatalf("split does not add up: %+v", snap)
	}
}
