package store

import (
	"fmt"
	"time"

	"github.com/krystiangaleczka-tech/sms-gateway-for-SBM-sub000/internal/retry"
)

type Status string

const (
	StatusQueued    Status = "queued"
	StatusScheduled Status = "scheduled"
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed || s == StatusCancelled
}

func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusQueued, StatusScheduled, StatusSending, StatusSent, StatusFailed, StatusCancelled:
		return Status(s), nil
	default:
		return "", fmt.Errorf("unknown status: %q", s)
	}
}

// Priority tiers. Higher values preempt lower ones in the queue.
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
	PriorityUrgent Priority = 3
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

func ParsePriority(s string) (Priority, error) {
	switch s {
	case "low":
		return PriorityLow, nil
	case "normal", "":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "urgent":
		return PriorityUrgent, nil
	default:
		return 0, fmt.Errorf("unknown priority: %q", s)
	}
}

// Item is one outbound message moving through the dispatch pipeline.
type Item struct {
	ID            int64
	ClientID      string
	Destination   string
	Message       string
	Parts         int
	Status        Status
	Priority      Priority
	RetryStrategy retry.Strategy
	RetryCount    int
	MaxRetries    int
	CreatedAt     time.Time
	ScheduledAt   *time.Time
	SentAt        *time.Time
	ErrorMessage  *string
	QueuePosition *int
	Metadata      map[string]string
}

// Clone returns a deep copy so callers can hold item state without racing
// the dispatch service.
func (i Item) Clone() Item {
	c := i
	if i.ScheduledAt != nil {
		t := *i.ScheduledAt
		c.ScheduledAt = &t
	}
	if i.SentAt != nil {
		t := *i.SentAt
		c.SentAt = &t
	}
	if i.ErrorMessage != nil {
		m := *i.ErrorMessage
		c.ErrorMessage = &m
	}
	if i.QueuePosition != nil {
		p := *i.QueuePosition
		c.QueuePosition = &p
	}
	if i.Metadata != nil {
		c.Metadata = make(map[string]string, len(i.Metadata))
		for k, v := range i.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}
