// Package event is the internal pub/sub bus decoupling dispatch outcomes
// from their observers. Publish never blocks the dispatch path: a slow
// subscriber's buffer fills and further events for it are dropped and
// counted, not retried.
package event

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/krystiangaleczka-tech/sms-gateway-for-SBM-sub000/internal/log"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const subscriberBuffer = 256

// Event is ephemeral; consumers decide whether to persist it.
type Event struct {
	ID          string
	Topic       string
	Payload     map[string]interface{}
	PublishedAt time.Time
}

type Handler func(Event)

type subscriber struct {
	name    string
	ch      chan Event
	handler Handler
}

// Statistics reports bus totals for observability.
type Statistics struct {
	Published uint64 `json:"published"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
	Failed    uint64 `json:"failed"`
}

type Publisher struct {
	mu     sync.RWMutex
	topics map[string][]*subscriber
	wg     sync.WaitGroup
	closed bool
	logger *log.Logger

	published uint64
	delivered uint64
	dropped   uint64
	failed    uint64
}

func NewPublisher(logger *log.Logger) *Publisher {
	return &Publisher{
		topics: make(map[string][]*subscriber),
		logger: logger,
	}
}

// Subscribe registers a handler on a topic. Each subscriber drains its own
// buffered channel in a dedicated goroutine, so events from one producer are
// handled in publish order.
func (p *Publisher) Subscribe(topic, name string, handler Handler) {
	sub := &subscriber{name: name, ch: make(chan Event, subscriberBuffer), handler: handler}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.topics[topic] = append(p.topics[topic], sub)
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for ev := range sub.ch {
			p.invoke(sub, ev)
		}
	}()
}

// invoke isolates handler panics so one subscriber cannot take down the rest.
func (p *Publisher) invoke(sub *subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			atomic.AddUint64(&p.failed, 1)
			p.logger.Error("Event handler panicked",
				zap.String("subscriber", sub.name),
				zap.String("topic", ev.Topic),
				zap.Any("panic", r))
		}
	}()
	sub.handler(ev)
	atomic.AddUint64(&p.delivered, 1)
}

// Publish delivers to every subscriber registered on the topic right now.
// It never blocks and never fails; a full subscriber buffer drops the event
// for that subscriber only.
func (p *Publisher) Publish(topic string, payload map[string]interface{}) {
	ev := Event{
		ID:          uuid.NewString(),
		Topic:       topic,
		Payload:     payload,
		PublishedAt: time.Now(),
	}

	// Sends stay under the read lock; Close holds the write lock while
	// closing channels, so a channel is never closed mid-publish.
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}

	atomic.AddUint64(&p.published, 1)
	for _, sub := range p.topics[topic] {
		select {
		case sub.ch <- ev:
		default:
			atomic.AddUint64(&p.dropped, 1)
			p.logger.Warn("Dropping event for slow subscriber",
				zap.String("subscriber", sub.name),
				zap.String("topic", topic))
		}
	}
}

func (p *Publisher) Stats() Statistics {
	return Statistics{
		Published: atomic.LoadUint64(&p.published),
		Delivered: atomic.LoadUint64(&p.delivered),
		Dropped:   atomic.LoadUint64(&p.dropped),
		Failed:    atomic.LoadUint64(&p.failed),
	}
}

// Close stops all subscribers after their buffers drain.
func (p *Publisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, subs := range p.topics {
		for _, sub := range subs {
			close(sub.ch)
		}
	}
	p.mu.Unlock()
	p.wg.Wait()
}
