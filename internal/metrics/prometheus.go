package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/krystiangaleczka-tech/sms-gateway-for-SBM-sub000/internal/log"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Bridge exposes the collector's samples to a Prometheus registry. Metrics
// are emitted as unchecked const metrics so names never have to be declared
// up front.
type Bridge struct {
	collector *Collector
}

func NewBridge(c *Collector) *Bridge {
	return &Bridge{collector: c}
}

func (b *Bridge) Describe(chan<- *prometheus.Desc) {
	// Unchecked collector: all metrics are derived from the snapshot at
	// scrape time.
}

func (b *Bridge) Collect(ch chan<- prometheus.Metric) {
	snap := b.collector.Snapshot()

	for name, value := range snap.Counters {
		desc := prometheus.NewDesc(PromName(name), "dispatch pipeline counter", nil, nil)
		m, err := prometheus.NewConstMetric(desc, prometheus.CounterValue, float64(value))
		if err == nil {
			ch <- m
		}
	}
	for name, value := range snap.Gauges {
		desc := prometheus.NewDesc(PromName(name), "dispatch pipeline gauge", nil, nil)
		m, err := prometheus.NewConstMetric(desc, prometheus.GaugeValue, value)
		if err == nil {
			ch <- m
		}
	}
	for name, t := range snap.Timers {
		desc := prometheus.NewDesc(PromName(name), "dispatch pipeline timer", nil, nil)
		m, err := prometheus.NewConstSummary(desc, t.Count, t.SumMs/1000, nil)
		if err == nil {
			ch <- m
		}
	}
	for name, h := range snap.Histograms {
		desc := prometheus.NewDesc(PromName(name), "dispatch pipeline histogram", nil, nil)
		buckets := make(map[float64]uint64, len(h.Buckets))
		for _, bucket := range h.Buckets {
			if bucket.UpperBound == "+Inf" {
				continue
			}
			upper, err := strconv.ParseFloat(bucket.UpperBound, 64)
			if err != nil {
				continue
			}
			buckets[upper] = bucket.Count
		}
		m, err := prometheus.NewConstHistogram(desc, h.Count, h.Sum, buckets)
		if err == nil {
			ch <- m
		}
	}
}

// Server runs the standalone /metrics listener, the same shape as the main
// HTTP server but on its own address.
type Server struct {
	addr     string
	registry *prometheus.Registry
	logger   *log.Logger
}

func NewServer(addr string, bridge *Bridge, logger *log.Logger) *Server {
	registry := prometheus.NewRegistry()
	registry.MustRegister(bridge)
	return &Server{addr: addr, registry: registry, logger: logger}
}

func (s *Server) Run(ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:    s.addr,
		Handler: mux,
	}

	go func() {
		s.logger.Info("Metrics server starting", zap.String("addr", s.addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("Metrics server shutdown failed", zap.Error(err))
	}
}
