package store

import (
	"context"
	"time"

	"github.com/krystiangaleczka-tech/sms-gateway-for-SBM-sub000/internal/log"
	"github.com/krystiangaleczka-tech/sms-gateway-for-SBM-sub000/internal/metrics"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

type writeOp struct {
	item   Item
	delete bool
}

// AsyncWriter applies persistence writes off the dispatch path. A storage
// outage trips the breaker and writes are dropped with a counter increment;
// the in-memory pipeline keeps operating on its own state.
type AsyncWriter struct {
	repo      Repository
	cache     *StatusCache // optional
	ops       chan writeOp
	cb        *gobreaker.CircuitBreaker
	collector *metrics.Collector
	logger    *log.Logger
	done      chan struct{}
}

func NewAsyncWriter(repo Repository, cache *StatusCache, buffer int, collector *metrics.Collector, logger *log.Logger) *AsyncWriter {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "persistence",
		MaxRequests: 5,
		Interval:    60 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 3
		},
	})
	return &AsyncWriter{
		repo:      repo,
		cache:     cache,
		ops:       make(chan writeOp, buffer),
		cb:        cb,
		collector: collector,
		logger:    logger,
		done:      make(chan struct{}),
	}
}

// Save enqueues a persistence write. Non-blocking: when the buffer is full
// the write is dropped and counted, never stalling a dispatch decision.
func (w *AsyncWriter) Save(item Item) {
	select {
	case w.ops <- writeOp{item: item}:
	default:
		w.collector.IncCounter("persistence.dropped")
		w.logger.Warn("Persistence buffer full, dropping write", zap.Int64("id", item.ID))
	}
}

func (w *AsyncWriter) Delete(id int64) {
	select {
	case w.ops <- writeOp{item: Item{ID: id}, delete: true}:
	default:
		w.collector.IncCounter("persistence.dropped")
		w.logger.Warn("Persistence buffer full, dropping delete", zap.Int64("id", id))
	}
}

func (w *AsyncWriter) Run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Persistence writer shutting down, draining buffer")
			w.drain()
			return
		case op := <-w.ops:
			w.apply(context.Background(), op)
		}
	}
}

// drain applies whatever is buffered at shutdown. Parent context is already
// canceled, so writes run against a short background deadline.
func (w *AsyncWriter) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for {
		select {
		case op := <-w.ops:
			w.apply(ctx, op)
		default:
			return
		}
	}
}

func (w *AsyncWriter) apply(ctx context.Context, op writeOp) {
	_, err := w.cb.Execute(func() (interface{}, error) {
		if op.delete {
			return nil, w.repo.Delete(ctx, op.item.ID)
		}
		return nil, w.repo.Save(ctx, op.item)
	})
	if err != nil {
		w.collector.IncCounter("persistence.errors")
		w.logger.Error("Persistence write failed", zap.Error(err), zap.Int64("id", op.item.ID))
		return
	}
	w.collector.IncCounter("persistence.writes")

	if w.cache == nil {
		return
	}
	if op.delete {
		if err := w.cache.Delete(ctx, op.item.ID); err != nil {
			w.logger.Warn("Status cache delete failed", zap.Error(err), zap.Int64("id", op.item.ID))
		}
		return
	}
	if err := w.cache.Set(ctx, op.item); err != nil {
		w.logger.Warn("Status cache update failed", zap.Error(err), zap.Int64("id", op.item.ID))
	}
}

// Wait blocks until the writer goroutine has exited.
func (w *AsyncWriter) Wait() {
	<-w.done
}
