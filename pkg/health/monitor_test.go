package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mcphost/mcphost/pkg/supervisor"
	"github.com/mcphost/mcphost/pkg/transport"
)

type fakeChecker struct {
	mu     sync.Mutex
	snaps  []supervisor.Snapshot
	checks map[string]int
	err    error
}

func (f *fakeChecker) List() []supervisor.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]supervisor.Snapshot(nil), f.snaps...)
}

func (f *fakeChecker) HealthCheck(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.checks == nil {
		f.checks = map[string]int{}
	}
	f.checks[id]++
	return f.err
}

func (f *fakeChecker) count(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checks[id]
}

func snap(id string, status supervisor.Status, interval time.Duration, last time.Time) supervisor.Snapshot {
	return supervisor.Snapshot{
		Provider: supervisor.Provider{
			ID:                  id,
			Transport:           transport.KindStdio,
			Command:             "cat",
			HealthCheckInterval: interval,
		},
		Status:          status,
		LastHealthCheck: last,
	}
}

func TestSweepProbesOnlyDueActiveProviders(t *testing.T) {
	t.Parallel()

	now := time.Now()
	checker := &fakeChecker{snaps: []supervisor.Snapshot{
		snap("due", supervisor.StatusActive, time.Minute, now.Add(-2*time.Minute)),
		snap("fresh", supervisor.StatusActive, time.Minute, now.Add(-time.Second)),
		snap("never-checked", supervisor.StatusActive, time.Minute, time.Time{}),
		snap("inactive", supervisor.StatusInactive, time.Minute, time.Time{}),
		snap("errored", supervisor.StatusError, time.Minute, time.Time{}),
	}}
	m := NewMonitor(checker, nil)
	m.sweep(context.Background(), now)

	if checker.count("due") != 1 {
		t.Fatalf("due provider probed %d times", checker.count("due"))
	}
	if checker.count("never-checked") != 1 {
		t.Fatalf("unstamped provider probed %d times", checker.count("never-checked"))
	}
	for _, id := range []string{"fresh", "inactive", "errored"} {
		if checker.count(id) != 0 {
			t.Fatalf("provider %s probed %d times", id, checker.count(id))
		}
	}
}

func TestSweepUsesDefaultIntervalWhenUnset(t *testing.T) {
	t.Parallel()

	now := time.Now()
	checker := &fakeChecker{snaps: []supervisor.Snapshot{
		snap("no-interval", supervisor.StatusActive, 0, now.Add(-90*time.Second)),
	}}
	m := NewMonitor(checker, &Options{DefaultInterval: time.Minute})
	m.sweep(context.Background(), now)
	if checker.count("no-interval") != 1 {
		t.Fatalf("probed %d times", checker.count("no-interval"))
	}

	checker2 := &fakeChecker{snaps: []supervisor.Snapshot{
		snap("no-interval", supervisor.StatusActive, 0, now.Add(-30*time.Second)),
	}}
	m2 := NewMonitor(checker2, &Options{DefaultInterval: time.Minute})
	m2.sweep(context.Background(), now)
	if checker2.count("no-interval") != 0 {
		t.Fatalf("probed %d times before interval elapsed", checker2.count("no-interval"))
	}
}

func TestRunSurvivesProbeFailures(t *testing.T) {
	t.Parallel()

	checker := &fakeChecker{
		snaps: []supervisor.Snapshot{snap("flaky", supervisor.StatusActive, time.Millisecond, time.Time{})},
		err:   errors.New("ping failed"),
	}
	m := NewMonitor(checker, &Options{Tick: 5 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for checker.count("flaky") < 2 {
		if time.Now().After(deadline) {
			t.Fatal("monitor stopped probing after failures")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop on cancel")
	}
}
