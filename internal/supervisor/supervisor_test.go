package supervisor

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ovren/stagehand/internal/history"
	"github.com/ovren/stagehand/internal/logger"
	"github.com/ovren/stagehand/internal/metrics"
	"github.com/ovren/stagehand/internal/service"
)

// captureSink records transition events in coordinator order.
type captureSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (c *captureSink) Send(_ context.Context, e history.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *captureSink) Close() error { return nil }

func (c *captureSink) all() []history.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]history.Event{}, c.events...)
}

// indexOf finds the first event matching name/to, or -1.
func indexOf(events []history.Event, name, to string) int {
	for i, e := range events {
		if e.Name == name && e.To == to {
			return i
		}
	}
	return -1
}

// countOf counts events matching name/to.
func countOf(events []history.Event, name, to string) int {
	n := 0
	for _, e := range events {
		if e.Name == name && e.To == to {
			n++
		}
	}
	return n
}

func newSupervisor(t *testing.T, sink history.Sink, specs ...service.Spec) *Supervisor {
	t.Helper()
	sup, err := New(Options{Specs: specs, Sink: sink, Logger: logger.Discard(), GracePeriod: 2 * time.Second})
	require.NoError(t, err)
	return sup
}

// runAsync drives Run on its own goroutine and returns the error channel.
func runAsync(ctx context.Context, sup *Supervisor) chan error {
	done := make(chan error, 1)
	go func() { done <- sup.Run(ctx) }()
	return done
}

func waitState(t *testing.T, sup *Supervisor, name string, want service.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, err := sup.Status(name)
		return err == nil && st.State == want
	}, 10*time.Second, 10*time.Millisecond, "service %s never reached %s", name, want)
}

func TestChainStartsInDependencyOrder(t *testing.T) {
	sink := &captureSink{}
	sup := newSupervisor(t, sink,
		service.Spec{Name: "a", Command: "sleep 30", StartSecs: 50 * time.Millisecond},
		service.Spec{Name: "b", Command: "sleep 30", StartSecs: 50 * time.Millisecond, DependsOn: []string{"a"}},
		service.Spec{Name: "c", Command: "sleep 30", StartSecs: 50 * time.Millisecond, DependsOn: []string{"b"}},
	)
	require.Equal(t, []string{"a", "b", "c"}, sup.Plan())

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, sup)

	waitState(t, sup, "c", service.StateRunning)
	assert.True(t, sup.IsUp("a"))
	assert.True(t, sup.IsUp("b"))

	events := sink.all()
	// Each service spawns only after its dependency has been running.
	assert.Less(t, indexOf(events, "a", "running"), indexOf(events, "b", "starting"))
	assert.Less(t, indexOf(events, "b", "running"), indexOf(events, "c", "starting"))

	cancel()
	require.NoError(t, <-done)

	events = sink.all()
	// Shutdown walks the reverse order: dependents stop before dependencies.
	ic, ib, ia := indexOf(events, "c", "stopping"), indexOf(events, "b", "stopping"), indexOf(events, "a", "stopping")
	require.NotEqual(t, -1, ia)
	assert.Less(t, ic, ib)
	assert.Less(t, ib, ia)

	for _, name := range []string{"a", "b", "c"} {
		st, err := sup.Status(name)
		require.NoError(t, err)
		assert.Equal(t, service.StateExited, st.State)
	}
}

func TestCrashLoopGoesFatalAndCascades(t *testing.T) {
	sink := &captureSink{}
	sup := newSupervisor(t, sink,
		service.Spec{Name: "a", Command: "sh -c 'exit 1'", AutoRestart: true, StartRetries: 2, StartSecs: 5 * time.Second},
		service.Spec{Name: "b", Command: "sleep 30", DependsOn: []string{"a"}},
		service.Spec{Name: "c", Command: "sleep 30", DependsOn: []string{"b"}},
	)

	done := runAsync(context.Background(), sup)

	var degraded *DegradedError
	select {
	case err := <-done:
		require.ErrorAs(t, err, &degraded)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not finish")
	}
	assert.Equal(t, "a", degraded.Service)
	assert.Equal(t, 1, degraded.ExitCode)

	sta, _ := sup.Status("a")
	assert.Equal(t, service.StateFatal, sta.State)
	assert.Equal(t, 2, sta.Restarts)
	assert.Equal(t, 1, sta.LastExitCode)

	events := sink.all()
	// The retry budget bounds failed starts: exactly startretries spawn
	// attempts, each ending in backoff, then fatal.
	assert.Equal(t, 2, countOf(events, "a", "starting"))
	assert.Equal(t, 2, countOf(events, "a", "backoff"))

	// Dependents were never spawned; fail-fast marked them fatal directly.
	for _, name := range []string{"b", "c"} {
		st, _ := sup.Status(name)
		assert.Equal(t, service.StateFatal, st.State)
		assert.Zero(t, st.PID)
	}
	assert.Equal(t, -1, indexOf(events, "b", "starting"))
	assert.Equal(t, -1, indexOf(events, "c", "starting"))
}

func TestHoldPolicyKeepsDependentPending(t *testing.T) {
	sup := newSupervisor(t, nil,
		service.Spec{Name: "a", Command: "sh -c 'exit 1'", StartSecs: 5 * time.Second},
		service.Spec{Name: "b", Command: "sleep 30", DependsOn: []string{"a"},
			OnDependencyFailure: service.DepHold},
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, sup)

	waitState(t, sup, "a", service.StateFatal)
	stb, _ := sup.Status("b")
	assert.Equal(t, service.StatePending, stb.State)

	cancel()
	var degraded *DegradedError
	require.ErrorAs(t, <-done, &degraded)
	assert.Equal(t, "a", degraded.Service)

	stb, _ = sup.Status("b")
	assert.Equal(t, service.StateExited, stb.State)
}

func TestCleanExitWithoutAutorestart(t *testing.T) {
	sup := newSupervisor(t, nil,
		service.Spec{Name: "job", Command: "sh -c 'exit 0'"},
	)
	err := sup.Run(context.Background())
	require.NoError(t, err)

	st, _ := sup.Status("job")
	assert.Equal(t, service.StateExited, st.State)
	assert.Zero(t, st.LastExitCode)
}

func TestDirtyExitWithoutAutorestart(t *testing.T) {
	sup := newSupervisor(t, nil,
		service.Spec{Name: "job", Command: "sh -c 'exit 3'"},
	)
	var degraded *DegradedError
	require.ErrorAs(t, sup.Run(context.Background()), &degraded)
	assert.Equal(t, "job", degraded.Service)
	assert.Equal(t, 3, degraded.ExitCode)

	st, _ := sup.Status("job")
	assert.Equal(t, service.StateFatal, st.State)
}

func TestSpawnFailureIsImmediatelyFatal(t *testing.T) {
	sup := newSupervisor(t, nil,
		service.Spec{Name: "ghost", Command: "/nonexistent/binary-xyz",
			AutoRestart: true, StartRetries: 5},
	)
	var degraded *DegradedError
	require.ErrorAs(t, sup.Run(context.Background()), &degraded)

	st, _ := sup.Status("ghost")
	assert.Equal(t, service.StateFatal, st.State)
	// Spawn failures do not consume start retries; there was nothing to retry.
	assert.Zero(t, st.Restarts)
	assert.Equal(t, -1, st.LastExitCode)
}

func TestRestartsResetAfterStableRun(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "started-once")
	cmd := fmt.Sprintf("if [ -f %s ]; then sleep 30; else touch %s; exit 1; fi", marker, marker)

	sup := newSupervisor(t, nil,
		service.Spec{Name: "flaky", Command: cmd, AutoRestart: true,
			StartRetries: 3, StartSecs: 100 * time.Millisecond},
	)
	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, sup)

	waitState(t, sup, "flaky", service.StateRunning)
	st, _ := sup.Status("flaky")
	// One failed attempt happened, but a stable run clears the counter.
	assert.Zero(t, st.Restarts)

	cancel()
	require.NoError(t, <-done)
}

func TestRestartIntervalDelaysRespawn(t *testing.T) {
	sink := &captureSink{}
	sup := newSupervisor(t, sink,
		service.Spec{Name: "flappy", Command: "sh -c 'exit 1'", AutoRestart: true,
			StartRetries: 2, StartSecs: 5 * time.Second, RestartInterval: 80 * time.Millisecond},
	)

	start := time.Now()
	var degraded *DegradedError
	require.ErrorAs(t, sup.Run(context.Background()), &degraded)
	// One backoff delay sits between the two attempts.
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)

	events := sink.all()
	assert.Equal(t, 2, countOf(events, "flappy", "starting"))
	assert.NotEqual(t, -1, indexOf(events, "flappy", "backoff"))
}

// failNTimesCmd builds a shell command that exits 1 on its first n runs and
// then sleeps, tracked through a counter file.
func failNTimesCmd(t *testing.T, n int) string {
	t.Helper()
	counter := filepath.Join(t.TempDir(), "runs")
	return fmt.Sprintf(
		"c=$(cat %s 2>/dev/null || echo 0); echo $((c+1)) > %s; if [ \"$c\" -ge %d ]; then exec sleep 30; fi; exit 1",
		counter, counter, n)
}

func TestStillRetryingBelowRetryBudget(t *testing.T) {
	// One fewer failure than the budget must keep the service retrying, not
	// fatal: two failed starts against startretries=3, then a stable run.
	sink := &captureSink{}
	sup := newSupervisor(t, sink,
		service.Spec{Name: "wobbly", Command: failNTimesCmd(t, 2), AutoRestart: true,
			StartRetries: 3, StartSecs: 100 * time.Millisecond},
	)
	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, sup)

	waitState(t, sup, "wobbly", service.StateRunning)
	events := sink.all()
	assert.Equal(t, 3, countOf(events, "wobbly", "starting"))
	assert.Equal(t, 2, countOf(events, "wobbly", "backoff"))
	assert.Equal(t, -1, indexOf(events, "wobbly", "fatal"))

	cancel()
	require.NoError(t, <-done)
}

func TestFatalAtExactRetryBudget(t *testing.T) {
	// The same service with a budget one lower goes fatal on its second
	// failed start and is never spawned again.
	sink := &captureSink{}
	sup := newSupervisor(t, sink,
		service.Spec{Name: "wobbly", Command: failNTimesCmd(t, 2), AutoRestart: true,
			StartRetries: 2, StartSecs: 100 * time.Millisecond},
	)
	var degraded *DegradedError
	require.ErrorAs(t, sup.Run(context.Background()), &degraded)
	assert.Equal(t, "wobbly", degraded.Service)

	st, _ := sup.Status("wobbly")
	assert.Equal(t, service.StateFatal, st.State)
	assert.Equal(t, 2, st.Restarts)
	assert.Equal(t, 2, countOf(sink.all(), "wobbly", "starting"))
}

func TestAutostartFalseStaysOut(t *testing.T) {
	off := false
	sup := newSupervisor(t, nil,
		service.Spec{Name: "manual", Command: "sleep 30", AutoStart: &off},
		service.Spec{Name: "job", Command: "sh -c 'exit 0'"},
	)
	require.NoError(t, sup.Run(context.Background()))

	st, _ := sup.Status("manual")
	assert.Equal(t, service.StateExited, st.State)
	assert.Zero(t, st.PID)
}

func TestDependencyOnNonAutostartRejected(t *testing.T) {
	off := false
	_, err := New(Options{
		Specs: []service.Spec{
			{Name: "base", Command: "x", AutoStart: &off},
			{Name: "app", Command: "x", DependsOn: []string{"base"}},
		},
		Logger: logger.Discard(),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "autostart=false")
}

func TestStatusUnknownService(t *testing.T) {
	sup := newSupervisor(t, nil, service.Spec{Name: "a", Command: "x"})
	_, err := sup.Status("nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown service")
}

func TestStatusAllFollowsPlanOrder(t *testing.T) {
	sup := newSupervisor(t, nil,
		service.Spec{Name: "b", Command: "x", DependsOn: []string{"a"}},
		service.Spec{Name: "a", Command: "x"},
	)
	all := sup.StatusAll()
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].Name)
	assert.Equal(t, "b", all[1].Name)
	assert.Equal(t, service.StatePending, all[0].State)
}

func TestCurrentStateGaugeSeededAtRunStart(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, metrics.Register(reg))

	off := false
	sup := newSupervisor(t, nil,
		service.Spec{Name: "manual", Command: "sleep 30", AutoStart: &off},
		service.Spec{Name: "job", Command: "sh -c 'exit 0'"},
	)
	require.NoError(t, sup.Run(context.Background()))

	// The autostart=false instance never transitions, so only the seed at Run
	// start can have reported its state.
	assert.Equal(t, float64(1), gaugeValue(t, reg, "stagehand_service_current_state",
		map[string]string{"name": "manual", "state": "exited"}))
	assert.Equal(t, float64(1), gaugeValue(t, reg, "stagehand_service_current_state",
		map[string]string{"name": "job", "state": "exited"}))
}

func gaugeValue(t *testing.T, reg *prometheus.Registry, family string, labels map[string]string) float64 {
	t.Helper()
	fams, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range fams {
		if mf.GetName() != family {
			continue
		}
	metric:
		for _, m := range mf.GetMetric() {
			for k, v := range labels {
				found := false
				for _, l := range m.GetLabel() {
					if l.GetName() == k && l.GetValue() == v {
						found = true
						break
					}
				}
				if !found {
					continue metric
				}
			}
			return m.GetGauge().GetValue()
		}
	}
	t.Fatalf("no %s sample with labels %v", family, labels)
	return 0
}

func TestSinkReceivesLifecycle(t *testing.T) {
	sink := &captureSink{}
	sup := newSupervisor(t, sink,
		service.Spec{Name: "job", Command: "sh -c 'exit 0'"},
	)
	require.NoError(t, sup.Run(context.Background()))

	events := sink.all()
	require.NotEmpty(t, events)
	assert.Equal(t, "starting", events[0].To)
	assert.Equal(t, "exited", events[len(events)-1].To)
	for _, e := range events {
		assert.Equal(t, "job", e.Name)
		assert.False(t, e.OccurredAt.IsZero())
	}
}
