// Package queue implements the pending-dispatch ordering structure: a heap
// ordered by priority tier, ties broken by admission order. The queue is an
// index over items owned by the dispatch service; it stores ids and ordering
// data only.
package queue

import (
	"container/heap"
	"sync"
	"time"

	"github.com/krystiangaleczka-tech/sms-gateway-for-SBM-sub000/internal/store"
)

type entry struct {
	id         int64
	priority   store.Priority
	seq        uint64
	eligibleAt time.Time // zero means immediately eligible
	index      int
}

// before is the queue ordering: higher tier first, then earlier admission.
func (e *entry) before(o *entry) bool {
	if e.priority != o.priority {
		return e.priority > o.priority
	}
	return e.seq < o.seq
}

func (e *entry) eligible(now time.Time) bool {
	return e.eligibleAt.IsZero() || !e.eligibleAt.After(now)
}

type entryHeap []*entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].before(h[j]) }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *entryHeap) Push(x interface{}) { e := x.(*entry); e.index = len(*h); *h = append(*h, e) }
func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}

// Queue is safe for concurrent producers and consumers; all mutation is
// serialized by one mutex.
type Queue struct {
	mu      sync.Mutex
	entries entryHeap
	byID    map[int64]*entry
	seq     uint64
}

func New() *Queue {
	return &Queue{byID: make(map[int64]*entry)}
}

// Add admits an item. A retried item re-enters the back of its tier: it gets
// a fresh admission sequence, not its original one.
func (q *Queue) Add(id int64, priority store.Priority, eligibleAt time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if old, ok := q.byID[id]; ok {
		heap.Remove(&q.entries, old.index)
	}
	q.seq++
	e := &entry{id: id, priority: priority, seq: q.seq, eligibleAt: eligibleAt}
	heap.Push(&q.entries, e)
	q.byID[id] = e
}

// PollEligible removes and returns the highest-priority, earliest-admitted
// item whose eligible time has passed. It never blocks; callers implement
// their own idle wait.
func (q *Queue) PollEligible(now time.Time) (int64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.bestEligible(now)
	if !ok {
		return 0, false
	}
	heap.Remove(&q.entries, e.index)
	delete(q.byID, e.id)
	return e.id, true
}

// Peek is PollEligible without removal.
func (q *Queue) Peek(now time.Time) (int64, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.bestEligible(now)
	if !ok {
		return 0, false
	}
	return e.id, true
}

func (q *Queue) bestEligible(now time.Time) (*entry, bool) {
	if len(q.entries) == 0 {
		return nil, false
	}
	// Fast path: the heap top is usually eligible.
	if q.entries[0].eligible(now) {
		return q.entries[0], true
	}
	var best *entry
	for _, e := range q.entries {
		if !e.eligible(now) {
			continue
		}
		if best == nil || e.before(best) {
			best = e
		}
	}
	return best, best != nil
}

// Remove deletes an item anywhere in the queue, for cancellation.
func (q *Queue) Remove(id int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.byID[id]
	if !ok {
		return false
	}
	heap.Remove(&q.entries, e.index)
	delete(q.byID, id)
	return true
}

// Reprioritize re-inserts the item at the back of its new tier and returns
// its new advisory position (1-based).
func (q *Queue) Reprioritize(id int64, priority store.Priority) (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.byID[id]
	if !ok {
		return 0, false
	}
	heap.Remove(&q.entries, e.index)
	q.seq++
	e.priority = priority
	e.seq = q.seq
	heap.Push(&q.entries, e)
	return q.position(e), true
}

// Position returns the 1-based rank of an item in dequeue order. Advisory:
// the rank may change the moment the lock is released.
func (q *Queue) Position(id int64) (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.byID[id]
	if !ok {
		return 0, false
	}
	return q.position(e), true
}

func (q *Queue) position(e *entry) int {
	pos := 1
	for _, other := range q.entries {
		if other != e && other.before(e) {
			pos++
		}
	}
	return pos
}

// Positions returns advisory 1-based ranks for every queued item.
func (q *Queue) Positions() map[int64]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[int64]int, len(q.entries))
	for _, e := range q.entries {
		out[e.id] = q.position(e)
	}
	return out
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// IDs returns the ids of all queued items in no particular order.
func (q *Queue) IDs() []int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]int64, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, e.id)
	}
	return out
}

// NextEligibleAt returns the earliest eligible time of any queued item, used
// by idle workers to bound their wait.
func (q *Queue) NextEligibleAt() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var next time.Time
	found := false
	for _, e := range q.entries {
		t := e.eligibleAt
		if t.IsZero() {
			t = time.Time{}
		}
		if !found || t.Before(next) {
			next = t
			found = true
		}
	}
	return next, found
}
