// Package metrics aggregates counters, gauges, timers and histograms for the
// dispatch pipeline and exports point-in-time snapshots as JSON or Prometheus
// exposition text. Recording is cheap enough for the hot dispatch path;
// snapshots copy under a read lock and never stall recorders for long.
package metrics

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000}

type timerStats struct {
	mu    sync.Mutex
	count uint64
	sum   time.Duration
	min   time.Duration
	max   time.Duration
}

type histogram struct {
	mu      sync.Mutex
	buckets []float64
	counts  []uint64
	sum     float64
	total   uint64
}

type Collector struct {
	mu       sync.RWMutex
	counters map[string]*uint64
	gauges   map[string]*uint64 // float64 bits
	timers   map[string]*timerStats
	hists    map[string]*histogram
}

func NewCollector() *Collector {
	return &Collector{
		counters: make(map[string]*uint64),
		gauges:   make(map[string]*uint64),
		timers:   make(map[string]*timerStats),
		hists:    make(map[string]*histogram),
	}
}

func (c *Collector) counter(name string) *uint64 {
	c.mu.RLock()
	v, ok := c.counters[name]
	c.mu.RUnlock()
	if ok {
		return v
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok = c.counters[name]; ok {
		return v
	}
	v = new(uint64)
	c.counters[name] = v
	return v
}

func (c *Collector) IncCounter(name string) {
	atomic.AddUint64(c.counter(name), 1)
}

func (c *Collector) AddCounter(name string, delta uint64) {
	atomic.AddUint64(c.counter(name), delta)
}

func (c *Collector) SetGauge(name string, value float64) {
	c.mu.RLock()
	v, ok := c.gauges[name]
	c.mu.RUnlock()
	if !ok {
		c.mu.Lock()
		if v, ok = c.gauges[name]; !ok {
			v = new(uint64)
			c.gauges[name] = v
		}
		c.mu.Unlock()
	}
	atomic.StoreUint64(v, math.Float64bits(value))
}

func (c *Collector) ObserveTimer(name string, d time.Duration) {
	c.mu.RLock()
	t, ok := c.timers[name]
	c.mu.RUnlock()
	if !ok {
		c.mu.Lock()
		if t, ok = c.timers[name]; !ok {
			t = &timerStats{}
			c.timers[name] = t
		}
		c.mu.Unlock()
	}
	t.mu.Lock()
	t.count++
	t.sum += d
	if t.count == 1 || d < t.min {
		t.min = d
	}
	if d > t.max {
		t.max = d
	}
	t.mu.Unlock()
}

func (c *Collector) ObserveHistogram(name string, value float64) {
	c.mu.RLock()
	h, ok := c.hists[name]
	c.mu.RUnlock()
	if !ok {
		c.mu.Lock()
		if h, ok = c.hists[name]; !ok {
			h = &histogram{buckets: defaultBuckets, counts: make([]uint64, len(defaultBuckets))}
			c.hists[name] = h
		}
		c.mu.Unlock()
	}
	h.mu.Lock()
	h.total++
	h.sum += value
	for i, upper := range h.buckets {
		if value <= upper {
			h.counts[i]++
		}
	}
	h.mu.Unlock()
}

// TimerSnapshot summarizes one timer metric. Durations are milliseconds.
type TimerSnapshot struct {
	Count uint64  `json:"count"`
	SumMs float64 `json:"sum_ms"`
	AvgMs float64 `json:"avg_ms"`
	MinMs float64 `json:"min_ms"`
	MaxMs float64 `json:"max_ms"`
}

// BucketCount is one cumulative histogram bucket.
type BucketCount struct {
	UpperBound string `json:"le"`
	Count      uint64 `json:"count"`
}

type HistogramSnapshot struct {
	Count   uint64        `json:"count"`
	Sum     float64       `json:"sum"`
	Buckets []BucketCount `json:"buckets"`
}

type Snapshot struct {
	Counters   map[string]uint64            `json:"counters"`
	Gauges     map[string]float64           `json:"gauges"`
	Timers     map[string]TimerSnapshot     `json:"timers"`
	Histograms map[string]HistogramSnapshot `json:"histograms"`
	TakenAt    time.Time                    `json:"taken_at"`
}

func (c *Collector) Snapshot() Snapshot {
	snap := Snapshot{
		Counters:   make(map[string]uint64),
		Gauges:     make(map[string]float64),
		Timers:     make(map[string]TimerSnapshot),
		Histograms: make(map[string]HistogramSnapshot),
		TakenAt:    time.Now(),
	}
	c.mu.RLock()
	counters := make(map[string]*uint64, len(c.counters))
	for k, v := range c.counters {
		counters[k] = v
	}
	gauges := make(map[string]*uint64, len(c.gauges))
	for k, v := range c.gauges {
		gauges[k] = v
	}
	timers := make(map[string]*timerStats, len(c.timers))
	for k, v := range c.timers {
		timers[k] = v
	}
	hists := make(map[string]*histogram, len(c.hists))
	for k, v := range c.hists {
		hists[k] = v
	}
	c.mu.RUnlock()

	for k, v := range counters {
		snap.Counters[k] = atomic.LoadUint64(v)
	}
	for k, v := range gauges {
		snap.Gauges[k] = math.Float64frombits(atomic.LoadUint64(v))
	}
	for k, t := range timers {
		t.mu.Lock()
		ts := TimerSnapshot{Count: t.count}
		if t.count > 0 {
			ts.SumMs = float64(t.sum.Microseconds()) / 1000
			ts.AvgMs = ts.SumMs / float64(t.count)
			ts.MinMs = float64(t.min.Microseconds()) / 1000
			ts.MaxMs = float64(t.max.Microseconds()) / 1000
		}
		t.mu.Unlock()
		snap.Timers[k] = ts
	}
	for k, h := range hists {
		h.mu.Lock()
		hs := HistogramSnapshot{Count: h.total, Sum: h.sum, Buckets: make([]BucketCount, 0, len(h.buckets)+1)}
		for i, upper := range h.buckets {
			hs.Buckets = append(hs.Buckets, BucketCount{UpperBound: formatFloat(upper), Count: h.counts[i]})
		}
		hs.Buckets = append(hs.Buckets, BucketCount{UpperBound: "+Inf", Count: h.total})
		h.mu.Unlock()
		snap.Histograms[k] = hs
	}
	return snap
}

func (c *Collector) SnapshotJSON() ([]byte, error) {
	data, err := json.MarshalIndent(c.Snapshot(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal metrics snapshot: %w", err)
	}
	return data, nil
}

// SnapshotPrometheus renders the snapshot in the Prometheus text exposition
// format. Metric names are sanitized to valid identifiers.
func (c *Collector) SnapshotPrometheus() string {
	snap := c.Snapshot()
	var b strings.Builder

	for _, name := range sortedKeys(snap.Counters) {
		pn := PromName(name)
		fmt.Fprintf(&b, "# TYPE %s counter\n%s %d\n", pn, pn, snap.Counters[name])
	}
	for _, name := range sortedKeys(snap.Gauges) {
		pn := PromName(name)
		fmt.Fprintf(&b, "# TYPE %s gauge\n%s %s\n", pn, pn, formatFloat(snap.Gauges[name]))
	}
	for _, name := range sortedKeys(snap.Timers) {
		pn := PromName(name)
		t := snap.Timers[name]
		fmt.Fprintf(&b, "# TYPE %s summary\n", pn)
		fmt.Fprintf(&b, "%s_sum %s\n", pn, formatFloat(t.SumMs/1000))
		fmt.Fprintf(&b, "%s_count %d\n", pn, t.Count)
	}
	for _, name := range sortedKeys(snap.Histograms) {
		pn := PromName(name)
		h := snap.Histograms[name]
		fmt.Fprintf(&b, "# TYPE %s histogram\n", pn)
		for _, bucket := range h.Buckets {
			fmt.Fprintf(&b, "%s_bucket{le=%q} %d\n", pn, bucket.UpperBound, bucket.Count)
		}
		fmt.Fprintf(&b, "%s_sum %s\n", pn, formatFloat(h.Sum))
		fmt.Fprintf(&b, "%s_count %d\n", pn, h.Count)
	}
	return b.String()
}

// PromName converts a dotted metric name into a Prometheus identifier.
func PromName(name string) string {
	return strings.NewReplacer(".", "_", "-", "_", " ", "_").Replace(name)
}

func formatFloat(f float64) string {
	return fmt.Sprintf("%g", f)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
