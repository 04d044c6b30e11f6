// internal/reporter/reporter.go
package reporter

import (
	"context"
	"log/slog"
	"sync"

	"concurrency-guard/internal/domain"
	"concurrency-guard/internal/metrics"

	"github.com/robfig/cron/v3"
)

// StatusSource is the part of the admission controller the reporter samples.
type StatusSource interface {
	Status() domain.LoadSnapshot
}

// Hook is called with every sample.
type Hook func(domain.LoadSnapshot)

// Reporter periodically samples the admission controller, exports the
// snapshot as gauges and hands it to registered hooks. Sampling is
// read-only: it never recomputes the level.
type Reporter struct {
	cron   *cron.Cron
	source StatusSource
	logger *slog.Logger

	mu        sync.Mutex
	hooks     []Hook
	lastLevel domain.LoadLevel
	sampled   bool
}

// New creates a Reporter that samples source on schedule.
func New(source StatusSource, schedule cron.Schedule, logger *slog.Logger) *Reporter {
	r := &Reporter{
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		source: source,
		logger: logger.With("component", "load-reporter"),
	}
	r.cron.Schedule(schedule, cron.FuncJob(r.Sample))
	return r
}

// OnSample registers a hook. Hooks run on the sampling goroutine.
func (r *Reporter) OnSample(h Hook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, h)
}

// Start runs the schedule until ctx is done.
func (r *Reporter) Start(ctx context.Context) error {
	r.logger.Info("load reporter started")
	r.Sample()
	r.cron.Start()
	<-ctx.Done()
	r.logger.Info("load reporter stopping...")
	stopCtx := r.cron.Stop()
	<-stopCtx.Done()
	r.logger.Info("load reporter stopped")
	return ctx.Err()
}

// Sample takes one snapshot immediately.
func (r *Reporter) Sample() {
	s := r.source.Status()

	metrics.AdmissionConcurrentUnits.Set(float64(s.ConcurrentUnits))
	metrics.AdmissionQueueDepth.Set(float64(s.QueueDepth))
	metrics.AdmissionWindowCount.Set(float64(s.WindowCount))
	metrics.AdmissionLevel.Set(float64(s.Level))

	r.mu.Lock()
	changed := !r.sampled || s.Level != r.lastLevel
	r.lastLevel = s.Level
	r.sampled = true
	hooks := append([]Hook(nil), r.hooks...)
	r.mu.Unlock()

	attrs := []any{
		"level", s.Level.String(),
		"concurrent_units", s.ConcurrentUnits,
		"queue_depth", s.QueueDepth,
		"window_count", s.WindowCount,
	}
	if changed {
		r.logger.Info("load level sampled", attrs...)
	} else {
		r.logger.Debug("load sampled", attrs...)
	}

	for _, h := range hooks {
		h(s)
	}
}
