// internal/admission/controller.go
package admission

import (
	"log/slog"
	"sync/atomic"
	"time"

	"concurrency-guard/internal/domain"
	"concurrency-guard/internal/metrics"
)

const (
	DefaultMaxConcurrentUnits int64 = 100
	DefaultMaxQueueDepth      int64 = 1000
	DefaultWindowDuration           = time.Minute
	DefaultMaxWindowCount     int64 = 1000
)

// Load thresholds in percent of capacity. The highest ratio across the three
// tracked metrics selects the level.
const (
	criticalPercent = 90
	highPercent     = 70
	moderatePercent = 50

	// At High, work is still delayed rather than rejected while the
	// concurrency ratio stays below this percentage.
	highDelayConcurrencyPercent = 80
)

var suggestedDelays = [...]time.Duration{
	domain.LoadLevelNormal:   0,
	domain.LoadLevelModerate: 100 * time.Millisecond,
	domain.LoadLevelHigh:     500 * time.Millisecond,
	domain.LoadLevelCritical: 2 * time.Second,
}

// Config holds the static capacity constants of a Controller.
type Config struct {
	MaxConcurrentUnits int64
	MaxQueueDepth      int64
	WindowDuration     time.Duration
	MaxWindowCount     int64

	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
}

func (cfg *Config) setDefaults() {
	if cfg.MaxConcurrentUnits <= 0 {
		cfg.MaxConcurrentUnits = DefaultMaxConcurrentUnits
	}
	if cfg.MaxQueueDepth <= 0 {
		cfg.MaxQueueDepth = DefaultMaxQueueDepth
	}
	if cfg.WindowDuration <= 0 {
		cfg.WindowDuration = DefaultWindowDuration
	}
	if cfg.MaxWindowCount <= 0 {
		cfg.MaxWindowCount = DefaultMaxWindowCount
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
}

// Controller is an in-process admission controller. It tracks the local load
// of a single instance and answers, without blocking, whether a new unit of
// work should proceed, be delayed or be rejected. Decisions are advisory: the
// controller never blocks, cancels or retries work itself.
//
// All state lives in atomic counters so the controller is safe for concurrent
// use without a mutex.
type Controller struct {
	cfg    Config
	logger *slog.Logger

	concurrentUnits atomic.Int64
	queueDepth      atomic.Int64
	windowCount     atomic.Int64
	windowStart     atomic.Int64 // unix nanos

	level          atomic.Int32
	levelChangedAt atomic.Int64 // unix nanos
}

// NewController creates a Controller. Zero capacity values fall back to the
// package defaults.
func NewController(cfg Config, logger *slog.Logger) *Controller {
	cfg.setDefaults()
	c := &Controller{
		cfg:    cfg,
		logger: logger.With("component", "admission-controller"),
	}
	now := cfg.Now().UnixNano()
	c.windowStart.Store(now)
	c.levelChangedAt.Store(now)
	return c
}

// Admit classifies the current load and returns the admission decision.
func (c *Controller) Admit() domain.Decision {
	now := c.cfg.Now()
	c.rollWindow(now)

	concurrent := c.concurrentUnits.Load()
	level := c.computeLevel(concurrent, c.queueDepth.Load(), c.windowCount.Load())

	if prev := domain.LoadLevel(c.level.Swap(int32(level))); prev != level {
		c.levelChangedAt.Store(now.UnixNano())
		c.logLevelChange(prev, level)
		metrics.AdmissionLevel.Set(float64(level))
	}

	decision := c.decide(level, concurrent)
	metrics.AdmissionDecisionsTotal.WithLabelValues(decision.String()).Inc()
	return decision
}

// StartUnit records the start of a unit of work. Every call must be paired
// with exactly one CompleteUnit.
func (c *Controller) StartUnit() {
	c.rollWindow(c.cfg.Now())
	c.concurrentUnits.Add(1)
	c.windowCount.Add(1)
}

// CompleteUnit records the end of a unit of work. Unpaired calls are clamped
// at zero and logged.
func (c *Controller) CompleteUnit() {
	if !decrementToZero(&c.concurrentUnits) {
		c.logger.Warn("CompleteUnit called with no unit in flight")
		metrics.AdmissionUnderflowTotal.WithLabelValues("concurrent_units").Inc()
	}
}

// TryEnqueue reserves a queue slot. It returns false without changing any
// state when the queue is full.
func (c *Controller) TryEnqueue() bool {
	for {
		depth := c.queueDepth.Load()
		if depth >= c.cfg.MaxQueueDepth {
			return false
		}
		if c.queueDepth.CompareAndSwap(depth, depth+1) {
			return true
		}
	}
}

// Dequeue releases a queue slot reserved by TryEnqueue. It never goes below zero.
func (c *Controller) Dequeue() {
	if !decrementToZero(&c.queueDepth) {
		c.logger.Warn("Dequeue called on an empty queue")
		metrics.AdmissionUnderflowTotal.WithLabelValues("queue_depth").Inc()
	}
}

// SuggestedDelay returns the backoff a caller should apply at the level
// computed by the last Admit.
func (c *Controller) SuggestedDelay() time.Duration {
	return suggestedDelays[c.Level()]
}

// Level returns the level computed by the last Admit.
func (c *Controller) Level() domain.LoadLevel {
	return domain.LoadLevel(c.level.Load())
}

// Status returns a point-in-time copy of the controller state. The fields are
// read individually, so the copy is not a consistent cut under concurrent
// updates.
func (c *Controller) Status() domain.LoadSnapshot {
	return domain.LoadSnapshot{
		ConcurrentUnits: c.concurrentUnits.Load(),
		QueueDepth:      c.queueDepth.Load(),
		WindowCount:     c.windowCount.Load(),
		WindowStart:     time.Unix(0, c.windowStart.Load()),
		Level:           c.Level(),
		LevelChangedAt:  time.Unix(0, c.levelChangedAt.Load()),
	}
}

// rollWindow starts a new trailing window once the current one has elapsed.
// Only the caller that wins the CAS resets the counter. Units started by other
// goroutines between the CAS and the reset are dropped, so the first window
// after a roll may under-count by the number of racing StartUnit calls.
func (c *Controller) rollWindow(now time.Time) {
	start := c.windowStart.Load()
	if now.UnixNano()-start < int64(c.cfg.WindowDuration) {
		return
	}
	if c.windowStart.CompareAndSwap(start, now.UnixNano()) {
		c.windowCount.Store(0)
	}
}

func (c *Controller) computeLevel(concurrent, queued, windowed int64) domain.LoadLevel {
	return max(
		levelFor(concurrent, c.cfg.MaxConcurrentUnits),
		levelFor(queued, c.cfg.MaxQueueDepth),
		levelFor(windowed, c.cfg.MaxWindowCount),
	)
}

func (c *Controller) decide(level domain.LoadLevel, concurrent int64) domain.Decision {
	switch level {
	case domain.LoadLevelNormal:
		return domain.DecisionProceed
	case domain.LoadLevelModerate:
		return domain.DecisionDelay
	case domain.LoadLevelHigh:
		if atLeastPercent(concurrent, c.cfg.MaxConcurrentUnits, highDelayConcurrencyPercent) {
			return domain.DecisionReject
		}
		return domain.DecisionDelay
	default:
		return domain.DecisionReject
	}
}

func (c *Controller) logLevelChange(prev, next domain.LoadLevel) {
	args := []any{"from", prev.String(), "to", next.String()}
	if next >= domain.LoadLevelHigh && next > prev {
		c.logger.Warn("load level raised", args...)
		return
	}
	c.logger.Info("load level changed", args...)
}

// levelFor maps value/capacity to a level using integer arithmetic so the
// thresholds are exact.
func levelFor(value, capacity int64) domain.LoadLevel {
	switch {
	case atLeastPercent(value, capacity, criticalPercent):
		return domain.LoadLevelCritical
	case atLeastPercent(value, capacity, highPercent):
		return domain.LoadLevelHigh
	case atLeastPercent(value, capacity, moderatePercent):
		return domain.LoadLevelModerate
	default:
		return domain.LoadLevelNormal
	}
}

func atLeastPercent(value, capacity, percent int64) bool {
	return value*100 >= capacity*percent
}

// decrementToZero decrements v unless it is already zero. It reports false
// when the decrement had to be clamped.
func decrementToZero(v *atomic.Int64) bool {
	for {
		cur := v.Load()
		if cur <= 0 {
			return false
		}
		if v.CompareAndSwap(cur, cur-1) {
			return true
		}
	}
}
