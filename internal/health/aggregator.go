// Package health combines discrete component checks into one ranked status.
package health

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/krystiangaleczka-tech/sms-gateway-for-SBM-sub000/internal/log"

	"go.uber.org/zap"
)

type Status int

const (
	Healthy Status = iota
	Warning
	Critical
)

func (s Status) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Warning:
		return "warning"
	default:
		return "critical"
	}
}

// Result is the outcome of a single component check.
type Result struct {
	Status Status `json:"status"`
	Detail string `json:"detail,omitempty"`
}

type Check func(ctx context.Context) Result

// Snapshot is immutable once built; Evaluate always returns a fresh one.
type Snapshot struct {
	Status          Status            `json:"status"`
	Components      map[string]Result `json:"components"`
	Issues          []string          `json:"issues"`
	Recommendations []string          `json:"recommendations"`
	CheckedAt       time.Time         `json:"checked_at"`
}

type registered struct {
	name  string
	check Check
}

type Aggregator struct {
	checks []registered
	logger *log.Logger
}

func NewAggregator(logger *log.Logger) *Aggregator {
	return &Aggregator{logger: logger}
}

func (a *Aggregator) Register(name string, check Check) {
	a.checks = append(a.checks, registered{name: name, check: check})
}

// Evaluate runs every check and ranks the overall status as the worst
// component status. A check that panics degrades the overall status to at
// least warning instead of propagating.
func (a *Aggregator) Evaluate(ctx context.Context) Snapshot {
	snap := Snapshot{
		Status:     Healthy,
		Components: make(map[string]Result, len(a.checks)),
		CheckedAt:  time.Now(),
	}

	for _, reg := range a.checks {
		result := a.run(ctx, reg)
		snap.Components[reg.name] = result
		if result.Status > snap.Status {
			snap.Status = result.Status
		}
		if result.Status != Healthy {
			snap.Issues = append(snap.Issues, fmt.Sprintf("%s: %s", reg.name, result.Detail))
			snap.Recommendations = append(snap.Recommendations, recommendation(reg.name, result))
		}
	}
	sort.Strings(snap.Issues)
	sort.Strings(snap.Recommendations)
	return snap
}

func (a *Aggregator) run(ctx context.Context, reg registered) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("Health check panicked", zap.String("check", reg.name), zap.Any("panic", r))
			result = Result{Status: Warning, Detail: fmt.Sprintf("check failed: %v", r)}
		}
	}()
	return reg.check(ctx)
}

func recommendation(name string, result Result) string {
	if result.Status == Critical {
		return fmt.Sprintf("%s requires immediate attention: %s", name, result.Detail)
	}
	return fmt.Sprintf("inspect %s: %s", name, result.Detail)
}

// QueueSample is the queue state the queue check grades.
type QueueSample struct {
	Depth          int
	AvgWait        time.Duration
	ErrorRate      float64
	ProcessingRate float64 // sends per minute
}

type QueueThresholds struct {
	WarnDepth    int
	CritDepth    int
	MaxAvgWait   time.Duration
	MaxErrorRate float64
}

// NewQueueCheck grades queue size, wait time and error rate against the
// configured thresholds.
func NewQueueCheck(thresholds QueueThresholds, sample func() QueueSample) Check {
	return func(ctx context.Context) Result {
		s := sample()
		switch {
		case s.Depth >= thresholds.CritDepth:
			return Result{Status: Critical, Detail: fmt.Sprintf("queue depth %d at critical threshold %d", s.Depth, thresholds.CritDepth)}
		case s.ErrorRate > thresholds.MaxErrorRate && s.ProcessingRate > 0:
			return Result{Status: Critical, Detail: fmt.Sprintf("error rate %.2f above %.2f", s.ErrorRate, thresholds.MaxErrorRate)}
		case s.Depth >= thresholds.WarnDepth:
			return Result{Status: Warning, Detail: fmt.Sprintf("queue depth %d above %d", s.Depth, thresholds.WarnDepth)}
		case s.AvgWait > thresholds.MaxAvgWait:
			return Result{Status: Warning, Detail: fmt.Sprintf("average wait %s above %s", s.AvgWait, thresholds.MaxAvgWait)}
		default:
			return Result{Status: Healthy}
		}
	}
}

// NewPingCheck wraps a connectivity probe (postgres, redis) as a check.
// A failed ping is critical: the pipeline cannot persist or cache state.
func NewPingCheck(ping func(ctx context.Context) error) Check {
	return func(ctx context.Context) Result {
		if err := ping(ctx); err != nil {
			return Result{Status: Critical, Detail: err.Error()}
		}
		return Result{Status: Healthy}
	}
}

// DeviceChecker abstracts the telephony readiness probe so the core never
// depends on a concrete device API.
type DeviceChecker interface {
	CheckDeviceReadiness(ctx context.Context) Result
}

// StaticDevice always reports the same readiness. The default collaborator
// for deployments without a device probe.
type StaticDevice struct {
	Result Result
}

func (d StaticDevice) CheckDeviceReadiness(ctx context.Context) Result {
	return d.Result
}

// NewDeviceCheck adapts a DeviceChecker into a Check.
func NewDeviceCheck(device DeviceChecker) Check {
	return func(ctx context.Context) Result {
		return device.CheckDeviceReadiness(ctx)
	}
}
