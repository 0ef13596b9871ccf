package siggate

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestScheduleRunsJobs(t *testing.T) {
	g := New(WithIntervals(5*time.Millisecond, 50*time.Millisecond))
	defer g.Stop()

	var count int32
	for i := 0; i < 5; i++ {
		g.Schedule(func() { atomic.AddInt32(&count, 1) }, Normal)
	}

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&count) == 5
	}, time.Second, 5*time.Millisecond)
}

func TestHighPriorityPreemptsNormal(t *testing.T) {
	g := New(WithIntervals(20*time.Millisecond, 100*time.Millisecond))
	defer g.Stop()

	var order []string
	done := make(chan struct{}, 2)
	g.Schedule(func() { order = append(order, "normal") }, Normal)
	g.Schedule(func() { order = append(order, "high"); done <- struct{}{} }, High)
	g.Schedule(func() { done <- struct{}{} }, Normal)

	<-done
	<-done
	require.Equal(t, "high", order[0])
}

func TestReportFailureThrottlesWhenReachable(t *testing.T) {
	g := New(
		WithIntervals(10*time.Millisecond, 40*time.Millisecond),
		WithProbe(func() bool { return true }),
	)
	defer g.Stop()

	g.ReportFailure()
	g.ReportFailure()
	g.ReportFailure()

	snap := g.Snapshot()
	require.Equal(t, 3, snap.ThrottleCount)
	require.Equal(t, 40*time.Millisecond, snap.CurrentInterval) // capped at max
	require.False(t, snap.NetworkDown)
}

func TestReportFailureMarksNetworkDownWhenUnreachable(t *testing.T) {
	g := New(WithProbe(func() bool { return false }))
	defer g.Stop()

	g.ReportFailure()
	require.True(t, g.Snapshot().NetworkDown)

	g.ReportSuccess()
	require.False(t, g.Snapshot().NetworkDown)
}

func TestReportSuccessDecaysThrottleCount(t *testing.T) {
	g := New(
		WithIntervals(10*time.Millisecond, 1*time.Second),
		WithProbe(func() bool { return true }),
	)
	defer g.Stop()

	g.ReportFailure()
	g.ReportFailure()
	require.Equal(t, 2, g.Snapshot().ThrottleCount)

	g.ReportSuccess()
	require.Equal(t, 1, g.Snapshot().ThrottleCount)
}

func TestThrottleDecaysAfterIdlePeriod(t *testing.T) {
	g := New(
		WithIntervals(5*time.Millisecond, 1*time.Second),
		WithProbe(func() bool { return true }),
		WithDecayAfter(30*time.Millisecond),
	)
	defer g.Stop()

	g.ReportFailure()
	require.Greater(t, g.Snapshot().ThrottleCount, 0)

	require.Eventually(t, func() bool {
		snap := g.Snapshot()
		return snap.ThrottleCount == 0 && snap.CurrentInterval == 5*time.Millisecond
	}, time.Second, 5*time.Millisecond)
}

func TestQueuedJobsRespectCurrentIntervalSpacing(t *testing.T) {
	const interval = 40 * time.Millisecond
	g := New(WithIntervals(interval, 200*time.Millisecond))
	defer g.Stop()

	var mu sync.Mutex
	var times []time.Time
	done := make(chan struct{}, 3)
	record := func() {
		mu.Lock()
		times = append(times, time.Now())
		mu.Unlock()
		done <- struct{}{}
	}

	// All three jobs are queued back to back, well within one interval.
	// A dispatcher that fast-paths on every Schedule call would run them
	// almost simultaneously instead of one per current_interval.
	g.Schedule(record, Normal)
	g.Schedule(record, Normal)
	g.Schedule(record, Normal)

	<-done
	<-done
	<-done

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, times, 3)
	require.GreaterOrEqual(t, times[1].Sub(times[0]), interval-5*time.Millisecond)
	require.GreaterOrEqual(t, times[2].Sub(times[1]), interval-5*time.Millisecond)
}

func TestCancelAllDropsQueuedJobs(t *testing.T) {
	g := New(WithIntervals(50*time.Millisecond, 200*time.Millisecond))
	defer g.Stop()

	var ran int32
	g.Schedule(func() { atomic.AddInt32(&ran, 1) }, Normal)
	g.CancelAll()

	time.Sleep(100 * time.Millisecond)
	require.EqualValues(t, 0, atomic.LoadInt32(&ran))
}
