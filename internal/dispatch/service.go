// Package dispatch owns the message lifecycle state machine and composes the
// queue, retry calculator, rate limiter, metrics collector and event
// publisher into the dispatch pipeline.
package dispatch

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/krystiangaleczka-tech/sms-gateway-for-SBM-sub000/internal/apperrors"
	"github.com/krystiangaleczka-tech/sms-gateway-for-SBM-sub000/internal/config"
	"github.com/krystiangaleczka-tech/sms-gateway-for-SBM-sub000/internal/event"
	"github.com/krystiangaleczka-tech/sms-gateway-for-SBM-sub000/internal/health"
	"github.com/krystiangaleczka-tech/sms-gateway-for-SBM-sub000/internal/id"
	"github.com/krystiangaleczka-tech/sms-gateway-for-SBM-sub000/internal/log"
	"github.com/krystiangaleczka-tech/sms-gateway-for-SBM-sub000/internal/metrics"
	"github.com/krystiangaleczka-tech/sms-gateway-for-SBM-sub000/internal/queue"
	"github.com/krystiangaleczka-tech/sms-gateway-for-SBM-sub000/internal/ratelimit"
	"github.com/krystiangaleczka-tech/sms-gateway-for-SBM-sub000/internal/retry"
	"github.com/krystiangaleczka-tech/sms-gateway-for-SBM-sub000/internal/sender"
	"github.com/krystiangaleczka-tech/sms-gateway-for-SBM-sub000/internal/store"

	"go.uber.org/zap"
)

// Event topics emitted on lifecycle transitions.
const (
	TopicQueued    = "sms.queued"
	TopicSent      = "sms.sent"
	TopicRetried   = "sms.retried"
	TopicFailed    = "sms.failed"
	TopicCancelled = "sms.cancelled"
	TopicControl   = "queue.control"
)

const (
	partSize = 160
	maxParts = 10
)

var destinationRe = regexp.MustCompile(`^\+?[1-9][0-9]{7,14}$`)

// Service is the single owner of item lifecycle state. The queue holds only
// an ordering index; all status transitions happen under s.mu.
type Service struct {
	cfg       *config.Config
	logger    *log.Logger
	queue     *queue.Queue
	calc      retry.Calculator
	limiter   *ratelimit.Limiter
	repo      store.Repository
	writer    *store.AsyncWriter
	cache     *store.StatusCache
	sender    sender.Sender
	events    *event.Publisher
	collector *metrics.Collector
	node      *id.Node

	mu    sync.Mutex
	items map[int64]*store.Item

	paused    atomic.Bool
	wake      chan struct{}
	startedAt time.Time

	sentTotal     uint64
	failedTotal   uint64
	waitSumMs     uint64
	waitCount     uint64
	rateDeferrals uint64
}

func NewService(
	cfg *config.Config,
	repo store.Repository,
	writer *store.AsyncWriter,
	cache *store.StatusCache,
	snd sender.Sender,
	limiter *ratelimit.Limiter,
	events *event.Publisher,
	collector *metrics.Collector,
	logger *log.Logger,
) (*Service, error) {
	node, err := id.NewNode(cfg.NodeID)
	if err != nil {
		return nil, fmt.Errorf("init id generator: %w", err)
	}
	return &Service{
		cfg:    cfg,
		logger: logger,
		queue:  queue.New(),
		calc: retry.Calculator{
			Base:    cfg.RetryBase,
			Ceiling: cfg.RetryMaxBackoff,
			Jitter:  cfg.RetryJitter,
		},
		limiter:   limiter,
		repo:      repo,
		writer:    writer,
		cache:     cache,
		sender:    snd,
		events:    events,
		collector: collector,
		node:      node,
		items:     make(map[int64]*store.Item),
		wake:      make(chan struct{}, 1),
		startedAt: time.Now(),
	}, nil
}

type EnqueueRequest struct {
	ClientID      string
	Destination   string
	Message       string
	Priority      store.Priority
	RetryStrategy retry.Strategy
	MaxRetries    int // 0 means the configured default
	ScheduledAt   *time.Time
	Metadata      map[string]string
}

type EnqueueResult struct {
	ID            int64          `json:"id"`
	Status        store.Status   `json:"status"`
	QueuePosition int            `json:"queue_position"`
	Priority      string         `json:"priority"`
	RetryStrategy retry.Strategy `json:"retry_strategy"`
	Parts         int            `json:"parts"`
}

// Enqueue validates and admits a message. Items with a future scheduled time
// enter SCHEDULED, everything else enters QUEUED.
func (s *Service) Enqueue(req EnqueueRequest) (EnqueueResult, error) {
	dest := strings.TrimSpace(req.Destination)
	if !destinationRe.MatchString(dest) {
		return EnqueueResult{}, apperrors.Validation("destination", fmt.Sprintf("invalid destination format: %q", req.Destination))
	}
	if strings.TrimSpace(req.Message) == "" {
		return EnqueueResult{}, apperrors.Validation("message", "message must not be empty")
	}
	maxRetries := req.MaxRetries
	if maxRetries == 0 {
		maxRetries = s.cfg.MaxRetries
	}
	if maxRetries < 0 {
		return EnqueueResult{}, apperrors.Validation("max_retries", "max_retries must not be negative")
	}

	parts := (len([]rune(req.Message)) + partSize - 1) / partSize
	if parts > maxParts {
		parts = maxParts
	}

	now := time.Now()
	item := &store.Item{
		ID:            s.node.Generate(),
		ClientID:      req.ClientID,
		Destination:   dest,
		Message:       req.Message,
		Parts:         parts,
		Status:        store.StatusQueued,
		Priority:      req.Priority,
		RetryStrategy: req.RetryStrategy,
		MaxRetries:    maxRetries,
		CreatedAt:     now,
		Metadata:      req.Metadata,
	}

	var eligibleAt time.Time
	if req.ScheduledAt != nil && req.ScheduledAt.After(now) {
		t := *req.ScheduledAt
		item.Status = store.StatusScheduled
		item.ScheduledAt = &t
		eligibleAt = t
	}

	s.mu.Lock()
	s.items[item.ID] = item
	s.queue.Add(item.ID, item.Priority, eligibleAt)
	pos, _ := s.queue.Position(item.ID)
	item.QueuePosition = &pos
	snapshot := item.Clone()
	s.mu.Unlock()

	s.persist(snapshot)
	s.collector.IncCounter("dispatch.enqueued")
	s.events.Publish(TopicQueued, map[string]interface{}{
		"id":       item.ID,
		"status":   string(snapshot.Status),
		"priority": snapshot.Priority.String(),
	})
	s.signal()

	s.logger.Info("Enqueued message",
		zap.Int64("id", item.ID),
		zap.String("priority", snapshot.Priority.String()),
		zap.Int("parts", parts))

	return EnqueueResult{
		ID:            item.ID,
		Status:        snapshot.Status,
		QueuePosition: pos,
		Priority:      snapshot.Priority.String(),
		RetryStrategy: snapshot.RetryStrategy,
		Parts:         parts,
	}, nil
}

type StatusResult struct {
	ID                int64        `json:"id"`
	Status            store.Status `json:"status"`
	QueuePosition     *int         `json:"queue_position,omitempty"`
	EstimatedSendTime *time.Time   `json:"estimated_send_time,omitempty"`
	Priority          string       `json:"priority"`
	RetryCount        int          `json:"retry_count"`
	MaxRetries        int          `json:"max_retries"`
}

func statusResult(item store.Item) StatusResult {
	return StatusResult{
		ID:         item.ID,
		Status:     item.Status,
		Priority:   item.Priority.String(),
		RetryCount: item.RetryCount,
		MaxRetries: item.MaxRetries,
	}
}

// Status serves from the in-memory map while the item lives there. Terminal
// items swept from memory are looked up in the status cache first, then the
// repository.
func (s *Service) Status(id int64) (StatusResult, error) {
	s.mu.Lock()
	item, ok := s.items[id]
	if ok {
		res := statusResult(*item)
		if item.Status == store.StatusQueued || item.Status == store.StatusScheduled {
			if pos, ok := s.queue.Position(id); ok {
				res.QueuePosition = &pos
			}
			est := time.Now()
			if item.ScheduledAt != nil && item.ScheduledAt.After(est) {
				est = *item.ScheduledAt
			}
			res.EstimatedSendTime = &est
		}
		s.mu.Unlock()
		return res, nil
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if s.cache != nil {
		if cached, ok, err := s.cache.Get(ctx, id); err == nil && ok {
			return statusResult(cached), nil
		}
	}
	if s.repo != nil {
		if stored, err := s.repo.Load(ctx, id); err == nil {
			return statusResult(stored), nil
		}
	}
	return StatusResult{}, apperrors.NotFound("message", id)
}

// SweepTerminal drops terminal items older than the retention window from
// memory so the items map stays bounded. Their records remain in the status
// cache and the repository, which Status falls back to.
func (s *Service) SweepTerminal(retention time.Duration) int {
	cutoff := time.Now().Add(-retention)

	s.mu.Lock()
	removed := 0
	for id, item := range s.items {
		if !item.Status.Terminal() {
			continue
		}
		last := item.CreatedAt
		if item.SentAt != nil && item.SentAt.After(last) {
			last = *item.SentAt
		}
		if item.ScheduledAt != nil && item.ScheduledAt.After(last) {
			last = *item.ScheduledAt
		}
		if last.Before(cutoff) {
			delete(s.items, id)
			removed++
		}
	}
	s.mu.Unlock()

	if removed > 0 {
		s.collector.AddCounter("dispatch.swept", uint64(removed))
		s.logger.Info("Swept terminal items", zap.Int("count", removed))
	}
	return removed
}

type CancelResult struct {
	ID     int64        `json:"id"`
	Status store.Status `json:"status"`
}

// Cancel is legal only before the claim step. A SENDING item is never
// retracted mid-flight.
func (s *Service) Cancel(id int64) (CancelResult, error) {
	s.mu.Lock()
	item, ok := s.items[id]
	if !ok {
		s.mu.Unlock()
		return CancelResult{}, apperrors.NotFound("message", id)
	}
	if item.Status != store.StatusQueued && item.Status != store.StatusScheduled {
		status := item.Status
		s.mu.Unlock()
		return CancelResult{}, apperrors.InvalidState("message", fmt.Sprintf("cannot cancel message in status %s", status))
	}

	s.queue.Remove(id)
	item.Status = store.StatusCancelled
	item.QueuePosition = nil
	snapshot := item.Clone()
	s.mu.Unlock()

	s.persist(snapshot)
	s.collector.IncCounter("dispatch.cancelled")
	s.events.Publish(TopicCancelled, map[string]interface{}{"id": id})
	s.logger.Info("Cancelled message", zap.Int64("id", id))

	return CancelResult{ID: id, Status: store.StatusCancelled}, nil
}

type ReprioritizeResult struct {
	ID          int64  `json:"id"`
	OldPriority string `json:"old_priority"`
	NewPriority string `json:"new_priority"`
	OldPosition int    `json:"old_position"`
	NewPosition int    `json:"new_position"`
}

func (s *Service) Reprioritize(id int64, newPriority store.Priority) (ReprioritizeResult, error) {
	s.mu.Lock()
	item, ok := s.items[id]
	if !ok {
		s.mu.Unlock()
		return ReprioritizeResult{}, apperrors.NotFound("message", id)
	}
	if item.Status != store.StatusQueued && item.Status != store.StatusScheduled {
		status := item.Status
		s.mu.Unlock()
		return ReprioritizeResult{}, apperrors.InvalidState("message", fmt.Sprintf("cannot reprioritize message in status %s", status))
	}

	oldPriority := item.Priority
	oldPos, _ := s.queue.Position(id)
	newPos, _ := s.queue.Reprioritize(id, newPriority)
	item.Priority = newPriority
	item.QueuePosition = &newPos
	snapshot := item.Clone()
	s.mu.Unlock()

	s.persist(snapshot)
	s.collector.IncCounter("dispatch.reprioritized")
	s.signal()
	s.logger.Info("Reprioritized message",
		zap.Int64("id", id),
		zap.String("old", oldPriority.String()),
		zap.String("new", newPriority.String()))

	return ReprioritizeResult{
		ID:          id,
		OldPriority: oldPriority.String(),
		NewPriority: newPriority.String(),
		OldPosition: oldPos,
		NewPosition: newPos,
	}, nil
}

type ControlAction string

const (
	ActionPause      ControlAction = "pause"
	ActionResume     ControlAction = "resume"
	ActionClear      ControlAction = "clear"
	ActionReorganize ControlAction = "reorganize"
)

type ControlResult struct {
	Action    ControlAction `json:"action"`
	Paused    bool          `json:"paused"`
	QueueSize int           `json:"queue_size"`
	Affected  int           `json:"affected,omitempty"`
	Reason    string        `json:"reason,omitempty"`
}

// Control drives the queue as a whole: pause stops the worker loop from
// claiming (in-flight sends finish), resume restarts it, clear drops pending
// items and reorganize rebuilds advisory positions.
func (s *Service) Control(action ControlAction, reason string) (ControlResult, error) {
	res := ControlResult{Action: action, Reason: reason}
	switch action {
	case ActionPause:
		s.paused.Store(true)
	case ActionResume:
		s.paused.Store(false)
		s.signal()
	case ActionClear:
		cleared, err := s.Clear(ClearFilter{})
		if err != nil {
			return ControlResult{}, err
		}
		res.Affected = cleared.Cleared
	case ActionReorganize:
		res.Affected = s.reorganize()
	default:
		return ControlResult{}, apperrors.Validation("action", fmt.Sprintf("unknown control action: %q", action))
	}

	res.Paused = s.paused.Load()
	res.QueueSize = s.queue.Len()
	s.collector.IncCounter("dispatch.control." + string(action))
	s.events.Publish(TopicControl, map[string]interface{}{
		"action": string(action),
		"reason": reason,
	})
	s.logger.Info("Queue control action", zap.String("action", string(action)), zap.String("reason", reason))
	return res, nil
}

// reorganize rebuilds queue position metadata after bulk changes.
func (s *Service) reorganize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	positions := s.queue.Positions()
	for id, pos := range positions {
		if item, ok := s.items[id]; ok {
			p := pos
			item.QueuePosition = &p
		}
	}
	return len(positions)
}

type ClearFilter struct {
	Status    *store.Status
	Priority  *store.Priority
	OlderThan *time.Duration
}

type ClearResult struct {
	Cleared   int `json:"cleared"`
	Remaining int `json:"remaining"`
}

// Clear removes matching items. Without a status filter only pending
// (QUEUED/SCHEDULED) items are dropped; an explicit status filter can also
// purge terminal records. SENDING items are never cleared.
func (s *Service) Clear(filter ClearFilter) (ClearResult, error) {
	if filter.Status != nil && *filter.Status == store.StatusSending {
		return ClearResult{}, apperrors.Validation("status", "cannot clear items that are sending")
	}

	now := time.Now()
	s.mu.Lock()
	var removed []int64
	for id, item := range s.items {
		if item.Status == store.StatusSending {
			continue
		}
		if filter.Status != nil {
			if item.Status != *filter.Status {
				continue
			}
		} else if item.Status != store.StatusQueued && item.Status != store.StatusScheduled {
			continue
		}
		if filter.Priority != nil && item.Priority != *filter.Priority {
			continue
		}
		if filter.OlderThan != nil && now.Sub(item.CreatedAt) < *filter.OlderThan {
			continue
		}
		removed = append(removed, id)
	}
	for _, id := range removed {
		s.queue.Remove(id)
		delete(s.items, id)
	}
	remaining := s.queue.Len()
	s.mu.Unlock()

	if s.writer != nil {
		for _, id := range removed {
			s.writer.Delete(id)
		}
	}
	s.collector.AddCounter("dispatch.cleared", uint64(len(removed)))
	s.logger.Info("Cleared items", zap.Int("count", len(removed)))
	return ClearResult{Cleared: len(removed), Remaining: remaining}, nil
}

// Stats is the QueueStats snapshot merged with derived throughput and error
// rate. Per-status counts always sum to Total.
type Stats struct {
	Total        int            `json:"total"`
	Queued       int            `json:"queued"`
	Scheduled    int            `json:"scheduled"`
	Sending      int            `json:"sending"`
	Sent         int            `json:"sent"`
	Failed       int            `json:"failed"`
	Cancelled    int            `json:"cancelled"`
	AvgWaitMs    float64        `json:"avg_wait_ms"`
	ByPriority   map[string]int `json:"by_priority"`
	Throughput   float64        `json:"throughput_per_min"`
	ErrorRate    float64        `json:"error_rate"`
	RateDeferred uint64         `json:"rate_deferred"`
}

func (s *Service) Stats() Stats {
	stats := Stats{ByPriority: make(map[string]int)}

	s.mu.Lock()
	stats.Total = len(s.items)
	for _, item := range s.items {
		switch item.Status {
		case store.StatusQueued:
			stats.Queued++
			stats.ByPriority[item.Priority.String()]++
		case store.StatusScheduled:
			stats.Scheduled++
			stats.ByPriority[item.Priority.String()]++
		case store.StatusSending:
			stats.Sending++
		case store.StatusSent:
			stats.Sent++
		case store.StatusFailed:
			stats.Failed++
		case store.StatusCancelled:
			stats.Cancelled++
		}
	}
	s.mu.Unlock()

	sent := atomic.LoadUint64(&s.sentTotal)
	failed := atomic.LoadUint64(&s.failedTotal)
	if waitCount := atomic.LoadUint64(&s.waitCount); waitCount > 0 {
		stats.AvgWaitMs = float64(atomic.LoadUint64(&s.waitSumMs)) / float64(waitCount)
	}
	if minutes := time.Since(s.startedAt).Minutes(); minutes > 0 {
		stats.Throughput = float64(sent) / minutes
	}
	if sent+failed > 0 {
		stats.ErrorRate = float64(failed) / float64(sent+failed)
	}
	stats.RateDeferred = atomic.LoadUint64(&s.rateDeferrals)
	return stats
}

// QueueSample feeds the health aggregator's queue check.
func (s *Service) QueueSample() health.QueueSample {
	stats := s.Stats()
	return health.QueueSample{
		Depth:          stats.Queued + stats.Scheduled,
		AvgWait:        time.Duration(stats.AvgWaitMs) * time.Millisecond,
		ErrorRate:      stats.ErrorRate,
		ProcessingRate: stats.Throughput,
	}
}

// SampleMetrics pushes queue gauges into the collector. Called on a fixed
// interval from the composition root.
func (s *Service) SampleMetrics() {
	stats := s.Stats()
	s.collector.SetGauge("queue.depth", float64(stats.Queued+stats.Scheduled))
	s.collector.SetGauge("queue.sending", float64(stats.Sending))
	s.collector.SetGauge("queue.error_rate", stats.ErrorRate)
	s.collector.SetGauge("queue.throughput_per_min", stats.Throughput)
	s.collector.SetGauge("queue.avg_wait_ms", stats.AvgWaitMs)
}

// Recover reloads non-terminal items from the repository after a restart.
// Items that were mid-send when the process died go back to QUEUED.
func (s *Service) Recover(ctx context.Context) error {
	if s.repo == nil {
		return nil
	}
	items, err := s.repo.LoadActive(ctx)
	if err != nil {
		return fmt.Errorf("recover active items: %w", err)
	}

	s.mu.Lock()
	for i := range items {
		item := items[i].Clone()
		if item.Status == store.StatusSending {
			item.Status = store.StatusQueued
		}
		var eligibleAt time.Time
		if item.ScheduledAt != nil {
			eligibleAt = *item.ScheduledAt
		}
		s.items[item.ID] = &item
		s.queue.Add(item.ID, item.Priority, eligibleAt)
	}
	s.mu.Unlock()

	if len(items) > 0 {
		s.logger.Info("Recovered pending items", zap.Int("count", len(items)))
		s.signal()
	}
	return nil
}

// Paused reports whether the worker loop is claiming.
func (s *Service) Paused() bool {
	return s.paused.Load()
}

func (s *Service) persist(item store.Item) {
	if s.writer != nil {
		s.writer.Save(item)
	}
}

// signal wakes an idle worker. Non-blocking; a pending wakeup is enough.
func (s *Service) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
