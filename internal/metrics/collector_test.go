package metrics

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestCountersAccumulate(t *testing.T) {
	c := NewCollector()
	c.IncCounter("dispatch.sent")
	c.IncCounter("dispatch.sent")
	c.AddCounter("dispatch.sent", 3)

	snap := c.Snapshot()
	if snap.Counters["dispatch.sent"] != 5 {
		t.Errorf("got %d, want 5", snap.Counters["dispatch.sent"])
	}
}

func TestGaugeLastWriteWins(t *testing.T) {
	c := NewCollector()
	c.SetGauge("queue.depth", 10)
	c.SetGauge("queue.depth", 3)

	if got := c.Snapshot().Gauges["queue.depth"]; got != 3 {
		t.Errorf("got %f, want 3", got)
	}
}

func TestTimerStats(t *testing.T) {
	c := NewCollector()
	c.ObserveTimer("send", 10*time.Millisecond)
	c.ObserveTimer("send", 30*time.Millisecond)

	ts := c.Snapshot().Timers["send"]
	if ts.Count != 2 {
		t.Fatalf("got count %d, want 2", ts.Count)
	}
	if ts.AvgMs != 20 {
		t.Errorf("got avg %f, want 20", ts.AvgMs)
	}
	if ts.MinMs != 10 || ts.MaxMs != 30 {
		t.Errorf("got min/max %f/%f, want 10/30", ts.MinMs, ts.MaxMs)
	}
}

func TestHistogramBucketsCumulative(t *testing.T) {
	c := NewCollector()
	c.ObserveHistogram("latency", 3)
	c.ObserveHistogram("latency", 80)
	c.ObserveHistogram("latency", 9000)

	h := c.Snapshot().Histograms["latency"]
	if h.Count != 3 {
		t.Fatalf("got count %d, want 3", h.Count)
	}
	last := h.Buckets[len(h.Buckets)-1]
	if last.UpperBound != "+Inf" || last.Count != 3 {
		t.Errorf("got +Inf bucket %+v, want count 3", last)
	}
	for _, bucket := range h.Buckets {
		if bucket.UpperBound == "100" && bucket.Count != 2 {
			t.Errorf("le=100 bucket: got %d, want 2", bucket.Count)
		}
	}
}

func TestSnapshotJSONRoundTrips(t *testing.T) {
	c := NewCollector()
	c.IncCounter("dispatch.sent")
	c.SetGauge("queue.depth", 7)

	data, err := c.SnapshotJSON()
	if err != nil {
		t.Fatalf("snapshot json: %v", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	if snap.Counters["dispatch.sent"] != 1 || snap.Gauges["queue.depth"] != 7 {
		t.Errorf("unexpected snapshot content: %+v", snap)
	}
}

func TestSnapshotPrometheusFormat(t *testing.T) {
	c := NewCollector()
	c.IncCounter("dispatch.sent")
	c.SetGauge("queue.depth", 7)
	c.ObserveTimer("send", 50*time.Millisecond)

	text := c.SnapshotPrometheus()
	for _, want := range []string{
		"# TYPE dispatch_sent counter",
		"dispatch_sent 1",
		"# TYPE queue_depth gauge",
		"queue_depth 7",
		"# TYPE send summary",
		"send_count 1",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("exposition text missing %q:\n%s", want, text)
		}
	}
}

func TestConcurrentRecording(t *testing.T) {
	c := NewCollector()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				c.IncCounter("hot")
				c.SetGauge("g", float64(j))
				c.ObserveTimer("t", time.Millisecond)
			}
		}()
	}
	wg.Wait()

	snap := c.Snapshot()
	if snap.Counters["hot"] != 8000 {
		t.Errorf("got %d, want 8000", snap.Counters["hot"])
	}
	if snap.Timers["t"].Count != 8000 {
		t.Errorf("got %d timer observations, want 8000", snap.Timers["t"].Count)
	}
}
