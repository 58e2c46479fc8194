// Package ratelimit counts requests per (client, endpoint) key inside a
// sliding time window and supports explicit administrative blocks that
// override the window count.
package ratelimit

import (
	"hash/fnv"
	"sync"
	"time"
)

const shardCount = 16

// Decision is the outcome of an Allow call. RetryAfter is guidance for the
// caller when Allowed is false.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

type window struct {
	mu           sync.Mutex
	timestamps   []time.Time
	blockedUntil time.Time
	lastSeen     time.Time
}

type shard struct {
	mu      sync.Mutex
	windows map[string]*window
}

// Limiter shards keys across independent maps so checks for different keys
// do not contend; updates to one key are serialized by its window mutex.
type Limiter struct {
	shards [shardCount]*shard
	max    int
	period time.Duration
	now    func() time.Time
}

func New(max int, period time.Duration) *Limiter {
	l := &Limiter{max: max, period: period, now: time.Now}
	for i := range l.shards {
		l.shards[i] = &shard{windows: make(map[string]*window)}
	}
	return l
}

func key(clientID, endpoint string) string {
	return clientID + ":" + endpoint
}

func (l *Limiter) window(k string) *window {
	h := fnv.New32a()
	h.Write([]byte(k))
	s := l.shards[h.Sum32()%shardCount]
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[k]
	if !ok {
		w = &window{}
		s.windows[k] = w
	}
	return w
}

// Allow records the call's timestamp, purges entries older than the window,
// then decides. Denied calls count toward the window too, and an explicit
// block always denies regardless of the count.
func (l *Limiter) Allow(clientID, endpoint string) Decision {
	now := l.now()
	w := l.window(key(clientID, endpoint))

	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastSeen = now

	cutoff := now.Add(-l.period)
	kept := w.timestamps[:0]
	for _, t := range w.timestamps {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.timestamps = append(kept, now)

	if w.blockedUntil.After(now) {
		return Decision{Allowed: false, RetryAfter: w.blockedUntil.Sub(now)}
	}
	if len(w.timestamps) > l.max {
		oldest := w.timestamps[0]
		return Decision{Allowed: false, RetryAfter: oldest.Add(l.period).Sub(now)}
	}
	return Decision{Allowed: true, Remaining: l.max - len(w.timestamps)}
}

// Block denies the key until the given time, independent of the window count.
func (l *Limiter) Block(clientID, endpoint string, until time.Time) {
	w := l.window(key(clientID, endpoint))
	w.mu.Lock()
	defer w.mu.Unlock()
	w.blockedUntil = until
	w.lastSeen = l.now()
}

func (l *Limiter) Unblock(clientID, endpoint string) {
	w := l.window(key(clientID, endpoint))
	w.mu.Lock()
	defer w.mu.Unlock()
	w.blockedUntil = time.Time{}
}

// Cleanup drops keys idle since before the given time to bound memory. Keys
// with a live block are kept.
func (l *Limiter) Cleanup(before time.Time) int {
	removed := 0
	now := l.now()
	for _, s := range l.shards {
		s.mu.Lock()
		for k, w := range s.windows {
			w.mu.Lock()
			stale := w.lastSeen.Before(before) && !w.blockedUntil.After(now)
			w.mu.Unlock()
			if stale {
				delete(s.windows, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Keys returns the number of tracked keys, for health reporting.
func (l *Limiter) Keys() int {
	n := 0
	for _, s := range l.shards {
		s.mu.Lock()
		n += len(s.windows)
		s.mu.Unlock()
	}
	return n
}
