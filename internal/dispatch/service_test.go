package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/krystiangaleczka-tech/sms-gateway-for-SBM-sub000/internal/apperrors"
	"github.com/krystiangaleczka-tech/sms-gateway-for-SBM-sub000/internal/config"
	"github.com/krystiangaleczka-tech/sms-gateway-for-SBM-sub000/internal/event"
	"github.com/krystiangaleczka-tech/sms-gateway-for-SBM-sub000/internal/log"
	"github.com/krystiangaleczka-tech/sms-gateway-for-SBM-sub000/internal/metrics"
	"github.com/krystiangaleczka-tech/sms-gateway-for-SBM-sub000/internal/ratelimit"
	"github.com/krystiangaleczka-tech/sms-gateway-for-SBM-sub000/internal/retry"
	"github.com/krystiangaleczka-tech/sms-gateway-for-SBM-sub000/internal/store"
)

// fakeSender fails the first N attempts with the configured error, then
// succeeds.
type fakeSender struct {
	mu       sync.Mutex
	failures int
	err      error
	calls    int
}

func (f *fakeSender) Send(ctx context.Context, item store.Item) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return f.err
	}
	return nil
}

func (f *fakeSender) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testConfig() *config.Config {
	return &config.Config{
		Workers:         2,
		IdlePoll:        2 * time.Millisecond,
		SendTimeout:     100 * time.Millisecond,
		MaxRetries:      3,
		RetryBase:       time.Millisecond,
		RetryMaxBackoff: 5 * time.Millisecond,
		RetryJitter:     0,
		NodeID:          1,
	}
}

func newTestService(t *testing.T, snd *fakeSender, limiter *ratelimit.Limiter) *Service {
	t.Helper()
	return newTestServiceRepo(t, snd, limiter, nil)
}

func newTestServiceRepo(t *testing.T, snd *fakeSender, limiter *ratelimit.Limiter, repo store.Repository) *Service {
	t.Helper()
	if limiter == nil {
		limiter = ratelimit.New(100000, time.Minute)
	}
	events := event.NewPublisher(log.NewNop())
	t.Cleanup(events.Close)
	svc, err := NewService(testConfig(), repo, nil, nil, snd, limiter, events, metrics.NewCollector(), log.NewNop())
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return svc
}

// memRepo is an in-memory Repository standing in for postgres.
type memRepo struct {
	mu    sync.Mutex
	items map[int64]store.Item
}

func newMemRepo() *memRepo {
	return &memRepo{items: make(map[int64]store.Item)}
}

func (r *memRepo) Save(ctx context.Context, item store.Item) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items[item.ID] = item.Clone()
	return nil
}

func (r *memRepo) Load(ctx context.Context, id int64) (store.Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.items[id]
	if !ok {
		return store.Item{}, sql.ErrNoRows
	}
	return item.Clone(), nil
}

func (r *memRepo) LoadActive(ctx context.Context) ([]store.Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var active []store.Item
	for _, item := range r.items {
		if !item.Status.Terminal() {
			active = append(active, item.Clone())
		}
	}
	return active, nil
}

func (r *memRepo) Delete(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.items, id)
	return nil
}

func runService(t *testing.T, svc *Service) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go svc.Run(ctx)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(3 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func enqueue(t *testing.T, svc *Service, req EnqueueRequest) EnqueueResult {
	t.Helper()
	if req.Destination == "" {
		req.Destination = "+48123456789"
	}
	if req.Message == "" {
		req.Message = "hello"
	}
	res, err := svc.Enqueue(req)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return res
}

func TestEnqueueValidation(t *testing.T) {
	svc := newTestService(t, &fakeSender{}, nil)

	_, err := svc.Enqueue(EnqueueRequest{Destination: "not-a-number", Message: "hi"})
	if !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("bad destination: got %v, want validation error", err)
	}

	_, err = svc.Enqueue(EnqueueRequest{Destination: "+48123456789", Message: "   "})
	if !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("empty message: got %v, want validation error", err)
	}
}

func TestEnqueueComputesParts(t *testing.T) {
	svc := newTestService(t, &fakeSender{}, nil)

	long := make([]byte, 350)
	for i := range long {
		long[i] = 'x'
	}
	res := enqueue(t, svc, EnqueueRequest{Message: string(long)})
	if res.Parts != 3 {
		t.Errorf("350 chars: got %d parts, want 3", res.Parts)
	}

	huge := make([]byte, 5000)
	for i := range huge {
		huge[i] = 'x'
	}
	res = enqueue(t, svc, EnqueueRequest{Message: string(huge)})
	if res.Parts != 10 {
		t.Errorf("5000 chars: got %d parts, want cap of 10", res.Parts)
	}
}

func TestLifecycleSent(t *testing.T) {
	snd := &fakeSender{}
	svc := newTestService(t, snd, nil)
	runService(t, svc)

	res := enqueue(t, svc, EnqueueRequest{Priority: store.PriorityNormal})
	if res.Status != store.StatusQueued {
		t.Errorf("got status %s, want queued", res.Status)
	}

	waitFor(t, func() bool {
		st, err := svc.Status(res.ID)
		return err == nil && st.Status == store.StatusSent
	})
	if snd.Calls() != 1 {
		t.Errorf("got %d send calls, want 1", snd.Calls())
	}
}

func TestRetriesThenFails(t *testing.T) {
	snd := &fakeSender{failures: 100, err: apperrors.TransientSend("carrier send", errors.New("connection refused"))}
	svc := newTestService(t, snd, nil)
	runService(t, svc)

	res := enqueue(t, svc, EnqueueRequest{RetryStrategy: retry.ExponentialBackoff})

	waitFor(t, func() bool {
		st, err := svc.Status(res.ID)
		return err == nil && st.Status == store.StatusFailed
	})

	st, _ := svc.Status(res.ID)
	if st.RetryCount != 3 {
		t.Errorf("got retry count %d, want exactly 3", st.RetryCount)
	}
	if snd.Calls() != 3 {
		t.Errorf("got %d attempts, want 3", snd.Calls())
	}

	s := svc.Stats()
	if s.Failed != 1 {
		t.Errorf("got %d failed in stats, want 1", s.Failed)
	}
}

func TestTransientFailureThenSuccess(t *testing.T) {
	snd := &fakeSender{failures: 2, err: apperrors.TransientSend("carrier send", errors.New("timeout"))}
	svc := newTestService(t, snd, nil)
	runService(t, svc)

	res := enqueue(t, svc, EnqueueRequest{})

	waitFor(t, func() bool {
		st, err := svc.Status(res.ID)
		return err == nil && st.Status == store.StatusSent
	})
	st, _ := svc.Status(res.ID)
	if st.RetryCount != 2 {
		t.Errorf("got retry count %d, want 2", st.RetryCount)
	}
}

func TestPermanentFailureSkipsRetries(t *testing.T) {
	snd := &fakeSender{failures: 100, err: errors.New("carrier rejected message: status 400")}
	svc := newTestService(t, snd, nil)
	runService(t, svc)

	res := enqueue(t, svc, EnqueueRequest{})

	waitFor(t, func() bool {
		st, err := svc.Status(res.ID)
		return err == nil && st.Status == store.StatusFailed
	})
	if snd.Calls() != 1 {
		t.Errorf("got %d attempts, want 1 for a permanent error", snd.Calls())
	}
}

func TestCancelTwice(t *testing.T) {
	svc := newTestService(t, &fakeSender{}, nil)

	future := time.Now().Add(time.Hour)
	res := enqueue(t, svc, EnqueueRequest{ScheduledAt: &future})
	if res.Status != store.StatusScheduled {
		t.Fatalf("got status %s, want scheduled", res.Status)
	}

	first, err := svc.Cancel(res.ID)
	if err != nil {
		t.Fatalf("first cancel: %v", err)
	}
	if first.Status != store.StatusCancelled {
		t.Errorf("got %s, want cancelled", first.Status)
	}

	_, err = svc.Cancel(res.ID)
	if !errors.Is(err, apperrors.ErrInvalidState) {
		t.Errorf("second cancel: got %v, want invalid state error", err)
	}
}

func TestCancelUnknown(t *testing.T) {
	svc := newTestService(t, &fakeSender{}, nil)
	if _, err := svc.Cancel(42); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("got %v, want not found", err)
	}
}

func TestCancelSentIsConflict(t *testing.T) {
	snd := &fakeSender{}
	svc := newTestService(t, snd, nil)
	runService(t, svc)

	res := enqueue(t, svc, EnqueueRequest{})
	waitFor(t, func() bool {
		st, err := svc.Status(res.ID)
		return err == nil && st.Status == store.StatusSent
	})

	if _, err := svc.Cancel(res.ID); !errors.Is(err, apperrors.ErrInvalidState) {
		t.Errorf("got %v, want invalid state for sent message", err)
	}
}

func TestClaimOrdersByPriority(t *testing.T) {
	svc := newTestService(t, &fakeSender{}, nil)

	high := enqueue(t, svc, EnqueueRequest{Priority: store.PriorityHigh})
	urgent := enqueue(t, svc, EnqueueRequest{Priority: store.PriorityUrgent})

	item, ok := svc.claim()
	if !ok || item.ID != urgent.ID {
		t.Fatalf("got (%d, %v), want the urgent item %d claimed first", item.ID, ok, urgent.ID)
	}
	if item.Status != store.StatusSending {
		t.Errorf("claimed item status = %s, want sending", item.Status)
	}

	item, ok = svc.claim()
	if !ok || item.ID != high.ID {
		t.Fatalf("got (%d, %v), want high item %d", item.ID, ok, high.ID)
	}
}

func TestReprioritize(t *testing.T) {
	svc := newTestService(t, &fakeSender{}, nil)

	low := enqueue(t, svc, EnqueueRequest{Priority: store.PriorityLow})
	enqueue(t, svc, EnqueueRequest{Priority: store.PriorityHigh})

	res, err := svc.Reprioritize(low.ID, store.PriorityUrgent)
	if err != nil {
		t.Fatalf("reprioritize: %v", err)
	}
	if res.OldPriority != "low" || res.NewPriority != "urgent" {
		t.Errorf("got %s -> %s, want low -> urgent", res.OldPriority, res.NewPriority)
	}
	if res.NewPosition != 1 {
		t.Errorf("got new position %d, want 1", res.NewPosition)
	}

	item, _ := svc.claim()
	if item.ID != low.ID {
		t.Errorf("got claim %d, want reprioritized item %d first", item.ID, low.ID)
	}
}

func TestPauseStopsClaiming(t *testing.T) {
	snd := &fakeSender{}
	svc := newTestService(t, snd, nil)

	if _, err := svc.Control(ActionPause, "maintenance"); err != nil {
		t.Fatalf("pause: %v", err)
	}
	runService(t, svc)

	res := enqueue(t, svc, EnqueueRequest{})
	time.Sleep(50 * time.Millisecond)
	st, _ := svc.Status(res.ID)
	if st.Status != store.StatusQueued {
		t.Fatalf("paused queue dispatched item, status = %s", st.Status)
	}

	if _, err := svc.Control(ActionResume, ""); err != nil {
		t.Fatalf("resume: %v", err)
	}
	waitFor(t, func() bool {
		st, err := svc.Status(res.ID)
		return err == nil && st.Status == store.StatusSent
	})
}

func TestControlUnknownAction(t *testing.T) {
	svc := newTestService(t, &fakeSender{}, nil)
	if _, err := svc.Control(ControlAction("explode"), ""); !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("got %v, want validation error", err)
	}
}

func TestClearByStatusFailed(t *testing.T) {
	snd := &fakeSender{failures: 100, err: apperrors.TransientSend("carrier send", errors.New("down"))}
	svc := newTestService(t, snd, nil)
	runService(t, svc)

	failing := enqueue(t, svc, EnqueueRequest{})
	waitFor(t, func() bool {
		st, err := svc.Status(failing.ID)
		return err == nil && st.Status == store.StatusFailed
	})

	svc.Control(ActionPause, "")
	pending := enqueue(t, svc, EnqueueRequest{})

	failed := store.StatusFailed
	res, err := svc.Clear(ClearFilter{Status: &failed})
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if res.Cleared != 1 {
		t.Errorf("got %d cleared, want 1", res.Cleared)
	}

	if _, err := svc.Status(failing.ID); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("failed item should be gone, got %v", err)
	}
	if st, err := svc.Status(pending.ID); err != nil || st.Status != store.StatusQueued {
		t.Errorf("pending item must remain, got (%+v, %v)", st, err)
	}
}

func TestClearRejectsSendingFilter(t *testing.T) {
	svc := newTestService(t, &fakeSender{}, nil)
	sending := store.StatusSending
	if _, err := svc.Clear(ClearFilter{Status: &sending}); !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("got %v, want validation error", err)
	}
}

func TestStatsInvariant(t *testing.T) {
	snd := &fakeSender{failures: 1, err: apperrors.TransientSend("carrier send", errors.New("blip"))}
	svc := newTestService(t, snd, nil)
	runService(t, svc)

	var ids []int64
	for i := 0; i < 10; i++ {
		res := enqueue(t, svc, EnqueueRequest{Priority: store.Priority(i % 4)})
		ids = append(ids, res.ID)
	}
	future := time.Now().Add(time.Hour)
	scheduled := enqueue(t, svc, EnqueueRequest{ScheduledAt: &future})
	svc.Cancel(scheduled.ID)

	waitFor(t, func() bool {
		s := svc.Stats()
		return s.Sent == 10
	})

	s := svc.Stats()
	if sum := s.Queued + s.Scheduled + s.Sending + s.Sent + s.Failed + s.Cancelled; sum != s.Total {
		t.Errorf("status counts sum to %d, total is %d: %+v", sum, s.Total, s)
	}
	if s.Cancelled != 1 {
		t.Errorf("got %d cancelled, want 1", s.Cancelled)
	}
	_ = ids
}

func TestRateLimitedSendIsDeferred(t *testing.T) {
	limiter := ratelimit.New(1, time.Hour)
	// Exhaust the send budget for the test client up front.
	limiter.Allow("tester", "send")

	snd := &fakeSender{}
	svc := newTestService(t, snd, limiter)
	runService(t, svc)

	res := enqueue(t, svc, EnqueueRequest{ClientID: "tester"})

	waitFor(t, func() bool {
		st, err := svc.Status(res.ID)
		return err == nil && st.Status == store.StatusScheduled
	})
	st, _ := svc.Status(res.ID)
	if st.RetryCount != 0 {
		t.Errorf("rate deferral consumed a retry: count = %d", st.RetryCount)
	}
	if snd.Calls() != 0 {
		t.Errorf("send must not have been attempted, got %d calls", snd.Calls())
	}
	waitFor(t, func() bool {
		return svc.Stats().RateDeferred >= 1
	})
}

func TestSweepTerminalAndStatusFallback(t *testing.T) {
	repo := newMemRepo()
	svc := newTestServiceRepo(t, &fakeSender{}, nil, repo)
	runService(t, svc)

	sent := enqueue(t, svc, EnqueueRequest{})
	waitFor(t, func() bool {
		st, err := svc.Status(sent.ID)
		return err == nil && st.Status == store.StatusSent
	})

	svc.Control(ActionPause, "")
	pending := enqueue(t, svc, EnqueueRequest{})

	// Mirror the terminal record the way the async writer would have.
	svc.mu.Lock()
	record := svc.items[sent.ID].Clone()
	svc.mu.Unlock()
	if err := repo.Save(context.Background(), record); err != nil {
		t.Fatalf("save: %v", err)
	}

	if n := svc.SweepTerminal(0); n != 1 {
		t.Fatalf("got %d swept, want 1", n)
	}
	svc.mu.Lock()
	_, stillThere := svc.items[sent.ID]
	svc.mu.Unlock()
	if stillThere {
		t.Fatal("swept item still in memory")
	}

	st, err := svc.Status(sent.ID)
	if err != nil {
		t.Fatalf("status after sweep: %v", err)
	}
	if st.Status != store.StatusSent || st.ID != sent.ID {
		t.Errorf("fallback returned %+v, want sent record", st)
	}

	if st, err := svc.Status(pending.ID); err != nil || st.Status != store.StatusQueued {
		t.Errorf("pending item must survive the sweep, got (%+v, %v)", st, err)
	}
}

func TestSweepTerminalKeepsRecentItems(t *testing.T) {
	svc := newTestServiceRepo(t, &fakeSender{}, nil, newMemRepo())
	runService(t, svc)

	res := enqueue(t, svc, EnqueueRequest{})
	waitFor(t, func() bool {
		st, err := svc.Status(res.ID)
		return err == nil && st.Status == store.StatusSent
	})

	if n := svc.SweepTerminal(time.Hour); n != 0 {
		t.Errorf("got %d swept, want 0 inside the retention window", n)
	}
	if _, err := svc.Status(res.ID); err != nil {
		t.Errorf("recent terminal item evicted: %v", err)
	}
}

func TestRecoverRequeuesInterrupted(t *testing.T) {
	repo := newMemRepo()
	now := time.Now()
	states := map[int64]store.Status{
		101: store.StatusQueued,
		102: store.StatusSending,
		103: store.StatusSent,
	}
	for id, status := range states {
		repo.Save(context.Background(), store.Item{
			ID:          id,
			ClientID:    "acme",
			Destination: "+48123456789",
			Message:     "restart me",
			Parts:       1,
			Status:      status,
			Priority:    store.PriorityNormal,
			MaxRetries:  3,
			CreatedAt:   now,
		})
	}

	svc := newTestServiceRepo(t, &fakeSender{}, nil, repo)
	if err := svc.Recover(context.Background()); err != nil {
		t.Fatalf("recover: %v", err)
	}

	st, err := svc.Status(102)
	if err != nil {
		t.Fatalf("interrupted item not recovered: %v", err)
	}
	if st.Status != store.StatusQueued {
		t.Errorf("got %s, want interrupted send back to queued", st.Status)
	}
	if st, err := svc.Status(101); err != nil || st.Status != store.StatusQueued {
		t.Errorf("queued item not recovered: (%+v, %v)", st, err)
	}

	// The terminal record is not re-queued but Status still serves it.
	st, err = svc.Status(103)
	if err != nil || st.Status != store.StatusSent {
		t.Errorf("sent record: got (%+v, %v)", st, err)
	}
	svc.mu.Lock()
	_, inMemory := svc.items[103]
	svc.mu.Unlock()
	if inMemory {
		t.Error("terminal item should not re-enter memory on recovery")
	}
}

func TestStatusUnknown(t *testing.T) {
	svc := newTestService(t, &fakeSender{}, nil)
	if _, err := svc.Status(999); !errors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("got %v, want not found", err)
	}
}

func TestScheduledAtMonotonic(t *testing.T) {
	snd := &fakeSender{failures: 2, err: apperrors.TransientSend("carrier send", errors.New("blip"))}
	svc := newTestService(t, snd, nil)
	runService(t, svc)

	res := enqueue(t, svc, EnqueueRequest{})
	waitFor(t, func() bool {
		st, err := svc.Status(res.ID)
		return err == nil && st.Status == store.StatusSent
	})

	svc.mu.Lock()
	item := svc.items[res.ID]
	svc.mu.Unlock()
	if item.ScheduledAt == nil {
		t.Fatal("retried item should carry its last scheduled time")
	}
	if item.SentAt == nil || item.SentAt.Before(item.CreatedAt) {
		t.Errorf("sent-at %v must not precede created-at %v", item.SentAt, item.CreatedAt)
	}
}

func TestReorganizeRebuildsPositions(t *testing.T) {
	svc := newTestService(t, &fakeSender{}, nil)
	for i := 0; i < 5; i++ {
		enqueue(t, svc, EnqueueRequest{Priority: store.Priority(i % 4)})
	}

	res, err := svc.Control(ActionReorganize, "bulk edit")
	if err != nil {
		t.Fatalf("reorganize: %v", err)
	}
	if res.Affected != 5 {
		t.Errorf("got %d affected, want 5", res.Affected)
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()
	seen := make(map[int]bool)
	for _, item := range svc.items {
		if item.QueuePosition == nil {
			t.Fatal("item missing queue position after reorganize")
		}
		if seen[*item.QueuePosition] {
			t.Errorf("duplicate queue position %d", *item.QueuePosition)
		}
		seen[*item.QueuePosition] = true
	}
	for i := 1; i <= 5; i++ {
		if !seen[i] {
			t.Errorf("missing position %d in %v", i, seen)
		}
	}
}

func TestFIFOWithinTierEndToEnd(t *testing.T) {
	svc := newTestService(t, &fakeSender{}, nil)

	var ids []int64
	for i := 0; i < 20; i++ {
		res := enqueue(t, svc, EnqueueRequest{
			Priority: store.PriorityNormal,
			Metadata: map[string]string{"n": fmt.Sprint(i)},
		})
		ids = append(ids, res.ID)
	}
	for i, want := range ids {
		item, ok := svc.claim()
		if !ok || item.ID != want {
			t.Fatalf("claim %d: got (%d, %v), want %d", i, item.ID, ok, want)
		}
	}
}
