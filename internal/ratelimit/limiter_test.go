package ratelimit

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeClock lets tests move the limiter's view of time.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLimiter(max int, period time.Duration) (*Limiter, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	l := New(max, period)
	l.now = clock.Now
	return l, clock
}

func TestSixthCallDenied(t *testing.T) {
	l, _ := newTestLimiter(5, time.Minute)

	for i := 0; i < 5; i++ {
		if d := l.Allow("client-a", "enqueue"); !d.Allowed {
			t.Fatalf("call %d unexpectedly denied", i+1)
		}
	}
	d := l.Allow("client-a", "enqueue")
	if d.Allowed {
		t.Fatal("6th call within the window must be denied")
	}
	if d.RetryAfter <= 0 {
		t.Errorf("denied decision must carry retry-after, got %s", d.RetryAfter)
	}
}

func TestWindowSlides(t *testing.T) {
	l, clock := newTestLimiter(5, time.Minute)

	for i := 0; i < 5; i++ {
		l.Allow("client-a", "enqueue")
	}
	if l.Allow("client-a", "enqueue").Allowed {
		t.Fatal("expected denial at the limit")
	}

	clock.Advance(61 * time.Second)
	if !l.Allow("client-a", "enqueue").Allowed {
		t.Fatal("expected allowance after the window passed")
	}
}

func TestDeniedCallsCountTowardWindow(t *testing.T) {
	l, clock := newTestLimiter(2, time.Minute)

	l.Allow("client-a", "enqueue")
	l.Allow("client-a", "enqueue")

	clock.Advance(30 * time.Second)
	if l.Allow("client-a", "enqueue").Allowed {
		t.Fatal("third call within the window must be denied")
	}

	// The two initial timestamps have expired; the denied attempt has not.
	clock.Advance(31 * time.Second)
	if !l.Allow("client-a", "enqueue").Allowed {
		t.Fatal("expected allowance once the initial calls left the window")
	}
	if l.Allow("client-a", "enqueue").Allowed {
		t.Fatal("denied attempt must still occupy a window slot")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(1, time.Minute)

	if !l.Allow("client-a", "enqueue").Allowed {
		t.Fatal("first call for client-a denied")
	}
	if !l.Allow("client-b", "enqueue").Allowed {
		t.Fatal("client-b must not share client-a's window")
	}
	if !l.Allow("client-a", "send").Allowed {
		t.Fatal("endpoints must be counted separately")
	}
	if l.Allow("client-a", "enqueue").Allowed {
		t.Fatal("client-a enqueue should be exhausted")
	}
}

func TestBlockOverridesCount(t *testing.T) {
	l, clock := newTestLimiter(100, time.Minute)

	l.Block("client-a", "enqueue", clock.Now().Add(time.Hour))
	d := l.Allow("client-a", "enqueue")
	if d.Allowed {
		t.Fatal("explicit block must deny regardless of count")
	}
	if d.RetryAfter <= 59*time.Minute {
		t.Errorf("retry-after should reflect the block expiry, got %s", d.RetryAfter)
	}

	l.Unblock("client-a", "enqueue")
	if !l.Allow("client-a", "enqueue").Allowed {
		t.Fatal("unblock must restore access")
	}
}

func TestBlockExpires(t *testing.T) {
	l, clock := newTestLimiter(100, time.Minute)

	l.Block("client-a", "enqueue", clock.Now().Add(time.Second))
	clock.Advance(2 * time.Second)
	if !l.Allow("client-a", "enqueue").Allowed {
		t.Fatal("expired block must not deny")
	}
}

func TestCleanupDropsStaleKeys(t *testing.T) {
	l, clock := newTestLimiter(5, time.Minute)

	l.Allow("stale", "enqueue")
	clock.Advance(time.Hour)
	l.Allow("fresh", "enqueue")

	removed := l.Cleanup(clock.Now().Add(-30 * time.Minute))
	if removed != 1 {
		t.Errorf("got %d removed, want 1", removed)
	}
	if l.Keys() != 1 {
		t.Errorf("got %d keys, want 1", l.Keys())
	}
}

func TestCleanupKeepsLiveBlocks(t *testing.T) {
	l, clock := newTestLimiter(5, time.Minute)

	l.Block("blocked", "enqueue", clock.Now().Add(time.Hour))
	clock.Advance(30 * time.Minute)
	l.Cleanup(clock.Now())

	if l.Allow("blocked", "enqueue").Allowed {
		t.Fatal("cleanup must not drop a key with a live block")
	}
}

func TestConcurrentDifferentKeys(t *testing.T) {
	l, _ := newTestLimiter(1000, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			client := fmt.Sprintf("client-%d", n)
			for j := 0; j < 100; j++ {
				l.Allow(client, "enqueue")
			}
		}(i)
	}
	wg.Wait()

	if l.Keys() != 8 {
		t.Errorf("got %d keys, want 8", l.Keys())
	}
}
