package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/krystiangaleczka-tech/sms-gateway-for-SBM-sub000/internal/apperrors"
	"github.com/krystiangaleczka-tech/sms-gateway-for-SBM-sub000/internal/retry"
	"github.com/krystiangaleczka-tech/sms-gateway-for-SBM-sub000/internal/store"

	"go.uber.org/zap"
)

// Run starts the worker pool and blocks until the context is canceled.
// Producers submit via Enqueue from their own goroutines.
func (s *Service) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			s.worker(ctx, n)
		}(i)
	}
	wg.Wait()
	s.logger.Info("Dispatch workers stopped")
}

func (s *Service) worker(ctx context.Context, n int) {
	for {
		if ctx.Err() != nil {
			return
		}
		if s.paused.Load() {
			s.idle(ctx)
			continue
		}
		item, ok := s.claim()
		if !ok {
			s.idle(ctx)
			continue
		}
		s.process(ctx, item)
	}
}

// idle blocks until new work is signaled or the poll interval elapses.
func (s *Service) idle(ctx context.Context) {
	timer := time.NewTimer(s.cfg.IdlePoll)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-s.wake:
	case <-timer.C:
	}
}

// claim atomically dequeues the next eligible item and marks it SENDING so
// no other worker can pick it up.
func (s *Service) claim() (store.Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.queue.PollEligible(time.Now())
	if !ok {
		return store.Item{}, false
	}
	item, ok := s.items[id]
	if !ok {
		// Cleared between queue insert and claim; nothing to do.
		return store.Item{}, false
	}
	item.Status = store.StatusSending
	item.QueuePosition = nil
	return item.Clone(), true
}

// process runs one send attempt. Every per-item failure, panics included, is
// converted into a state transition; nothing propagates out of the loop.
func (s *Service) process(ctx context.Context, item store.Item) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Send attempt panicked", zap.Int64("id", item.ID), zap.Any("panic", r))
			s.markFailure(item.ID, apperrors.TransientSend("send", fmt.Errorf("panic: %v", r)))
		}
	}()

	// Rate limiter decides right before the send.
	decision := s.limiter.Allow(item.ClientID, "send")
	if !decision.Allowed {
		s.deferSend(item.ID, decision.RetryAfter)
		return
	}

	start := time.Now()
	sendCtx, cancel := context.WithTimeout(ctx, s.cfg.SendTimeout)
	err := s.sender.Send(sendCtx, item)
	cancel()
	s.collector.ObserveTimer("dispatch.send_duration", time.Since(start))
	s.collector.ObserveHistogram("dispatch.send_duration_ms", float64(time.Since(start).Milliseconds()))

	if err != nil {
		s.markFailure(item.ID, err)
		return
	}
	s.markSent(item.ID)
}

func (s *Service) markSent(id int64) {
	now := time.Now()

	s.mu.Lock()
	item, ok := s.items[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	item.Status = store.StatusSent
	item.SentAt = &now
	snapshot := item.Clone()
	s.mu.Unlock()

	wait := now.Sub(snapshot.CreatedAt)
	atomic.AddUint64(&s.sentTotal, 1)
	atomic.AddUint64(&s.waitSumMs, uint64(wait.Milliseconds()))
	atomic.AddUint64(&s.waitCount, 1)

	s.persist(snapshot)
	s.collector.IncCounter("dispatch.sent")
	s.collector.ObserveTimer("dispatch.wait_time", wait)
	s.events.Publish(TopicSent, map[string]interface{}{
		"id":      id,
		"wait_ms": wait.Milliseconds(),
	})
	s.logger.Info("Message sent", zap.Int64("id", id), zap.Duration("wait", wait))
}

// markFailure routes a failed attempt through the retry calculator. A
// transient error re-schedules until retries are exhausted; anything else is
// terminal immediately.
func (s *Service) markFailure(id int64, sendErr error) {
	transient := errors.Is(sendErr, apperrors.ErrTransientSend) ||
		errors.Is(sendErr, context.DeadlineExceeded)

	now := time.Now()

	s.mu.Lock()
	item, ok := s.items[id]
	if !ok {
		s.mu.Unlock()
		return
	}

	item.RetryCount++
	if transient && retry.Retryable(item.RetryCount, item.MaxRetries) {
		delay := s.calc.Delay(item.RetryCount, item.RetryStrategy)
		scheduledAt := now.Add(delay)
		// scheduledAt never moves backwards across re-enqueues
		if item.ScheduledAt != nil && scheduledAt.Before(*item.ScheduledAt) {
			scheduledAt = *item.ScheduledAt
		}
		item.Status = store.StatusScheduled
		item.ScheduledAt = &scheduledAt
		snapshot := item.Clone()
		s.queue.Add(id, item.Priority, scheduledAt)
		s.mu.Unlock()

		s.persist(snapshot)
		s.collector.IncCounter("dispatch.retries")
		s.events.Publish(TopicRetried, map[string]interface{}{
			"id":      id,
			"attempt": snapshot.RetryCount,
			"next_at": scheduledAt,
		})
		s.logger.Warn("Send failed, retry scheduled",
			zap.Int64("id", id),
			zap.Int("attempt", snapshot.RetryCount),
			zap.Duration("backoff", delay),
			zap.Error(sendErr))
		return
	}

	msg := sendErr.Error()
	item.Status = store.StatusFailed
	item.ErrorMessage = &msg
	snapshot := item.Clone()
	s.mu.Unlock()

	atomic.AddUint64(&s.failedTotal, 1)
	s.persist(snapshot)
	s.collector.IncCounter("dispatch.failed")
	s.events.Publish(TopicFailed, map[string]interface{}{
		"id":      id,
		"error":   msg,
		"retries": snapshot.RetryCount,
	})
	s.logger.Error("Message failed terminally",
		zap.Int64("id", id),
		zap.Int("retries", snapshot.RetryCount),
		zap.Error(sendErr))
}

// deferSend pushes a rate-limited item back to SCHEDULED without consuming a
// retry attempt.
func (s *Service) deferSend(id int64, retryAfter time.Duration) {
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	scheduledAt := time.Now().Add(retryAfter)

	s.mu.Lock()
	item, ok := s.items[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	if item.ScheduledAt != nil && scheduledAt.Before(*item.ScheduledAt) {
		scheduledAt = *item.ScheduledAt
	}
	item.Status = store.StatusScheduled
	item.ScheduledAt = &scheduledAt
	snapshot := item.Clone()
	s.queue.Add(id, item.Priority, scheduledAt)
	s.mu.Unlock()

	atomic.AddUint64(&s.rateDeferrals, 1)
	s.persist(snapshot)
	s.collector.IncCounter("dispatch.rate_deferred")
	s.logger.Warn("Send deferred by rate limit",
		zap.Int64("id", id),
		zap.Duration("retry_after", retryAfter))
}
