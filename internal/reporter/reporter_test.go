package reporter

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/require"

	"concurrency-guard/internal/domain"
	"concurrency-guard/internal/metrics"
)

type staticSource struct {
	mu       sync.Mutex
	snapshot domain.LoadSnapshot
}

func (s *staticSource) Status() domain.LoadSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot
}

func (s *staticSource) set(snap domain.LoadSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = snap
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestReporter_SampleExportsGaugesAndCallsHooks(t *testing.T) {
	src := &staticSource{}
	src.set(domain.LoadSnapshot{ConcurrentUnits: 42, QueueDepth: 7, WindowCount: 300, Level: domain.LoadLevelHigh})

	r := New(src, cron.Every(time.Hour), discardLogger())
	var got []domain.LoadSnapshot
	r.OnSample(func(s domain.LoadSnapshot) { got = append(got, s) })

	r.Sample()

	require.Len(t, got, 1)
	require.Equal(t, domain.LoadLevelHigh, got[0].Level)
	require.EqualValues(t, 42, testutil.ToFloat64(metrics.AdmissionConcurrentUnits))
	require.EqualValues(t, 7, testutil.ToFloat64(metrics.AdmissionQueueDepth))
	require.EqualValues(t, 300, testutil.ToFloat64(metrics.AdmissionWindowCount))
	require.EqualValues(t, 2, testutil.ToFloat64(metrics.AdmissionLevel))
}

func TestReporter_StartSamplesOnScheduleUntilCanceled(t *testing.T) {
	src := &staticSource{}
	r := New(src, cron.Every(time.Second), discardLogger())

	samples := make(chan domain.LoadSnapshot, 16)
	r.OnSample(func(s domain.LoadSnapshot) {
		select {
		case samples <- s:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Start(ctx) }()

	// One sample on start, then at least one from the schedule.
	for i := 0; i < 2; i++ {
		select {
		case <-samples:
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for sample %d", i+1)
		}
	}

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("reporter did not stop")
	}
}
