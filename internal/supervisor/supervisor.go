package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ovren/stagehand/internal/env"
	"github.com/ovren/stagehand/internal/graph"
	"github.com/ovren/stagehand/internal/history"
	"github.com/ovren/stagehand/internal/metrics"
	"github.com/ovren/stagehand/internal/service"
)

// DefaultGracePeriod bounds how long a stopping process may take to honor
// SIGTERM before it is killed.
const DefaultGracePeriod = 5 * time.Second

// killReapTimeout bounds the wait for the monitor after SIGKILL.
const killReapTimeout = 2 * time.Second

// DegradedError is returned by Run when the system ended with at least one
// fatal service.
type DegradedError struct {
	Service  string // first service that reached fatal
	ExitCode int
}

func (e *DegradedError) Error() string {
	return fmt.Sprintf("service %s is fatal (last exit code %d)", e.Service, e.ExitCode)
}

// Options configures a Supervisor.
type Options struct {
	Specs       []service.Spec
	Env         *env.Env
	GracePeriod time.Duration
	Sink        history.Sink // optional transition event sink
	Logger      *slog.Logger // defaults to slog.Default()
}

// Supervisor owns every process instance. One coordinator goroutine performs
// all state mutation; monitor goroutines and timers only deliver events on
// the events channel, and readers see state through a snapshot map guarded by
// its own lock.
type Supervisor struct {
	g     *graph.Graph
	specs map[string]service.Spec
	envM  *env.Env
	grace time.Duration
	sink  history.Sink
	log   *slog.Logger

	events chan any

	// Owned exclusively by the coordinator goroutine.
	instances   map[string]*service.Instance
	stableTimer map[string]*time.Timer
	retryTimer  map[string]*time.Timer
	firstFatal  string

	mu       sync.RWMutex
	statuses map[string]service.Status
}

// New validates the definitions, builds the dependency graph and prepares a
// pending instance per definition. No process is spawned until Run.
func New(opts Options) (*Supervisor, error) {
	for i := range opts.Specs {
		if err := opts.Specs[i].Validate(); err != nil {
			return nil, err
		}
	}
	g, err := graph.New(opts.Specs)
	if err != nil {
		return nil, err
	}
	s := &Supervisor{
		g:           g,
		specs:       make(map[string]service.Spec, len(opts.Specs)),
		envM:        opts.Env,
		grace:       opts.GracePeriod,
		sink:        opts.Sink,
		log:         opts.Logger,
		events:      make(chan any, 2*len(opts.Specs)+16),
		instances:   make(map[string]*service.Instance, len(opts.Specs)),
		stableTimer: make(map[string]*time.Timer),
		retryTimer:  make(map[string]*time.Timer),
		statuses:    make(map[string]service.Status, len(opts.Specs)),
	}
	if s.envM == nil {
		s.envM = env.New()
	}
	if s.grace <= 0 {
		s.grace = DefaultGracePeriod
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	for _, spec := range opts.Specs {
		// A dependency that never autostarts can never satisfy its
		// dependents; reject at load time rather than hang at runtime.
		for _, d := range spec.DependsOn {
			if depSpec, ok := s.lookupSpec(opts.Specs, d); ok && !depSpec.Autostart() {
				return nil, fmt.Errorf("service %s depends on %s which has autostart=false", spec.Name, d)
			}
		}
		s.specs[spec.Name] = spec
		inst := service.NewInstance(spec)
		if !spec.Autostart() {
			inst.State = service.StateExited
		}
		s.instances[spec.Name] = inst
		s.statuses[spec.Name] = inst.Snapshot()
	}
	return s, nil
}

func (s *Supervisor) lookupSpec(specs []service.Spec, name string) (service.Spec, bool) {
	for _, sp := range specs {
		if sp.Name == name {
			return sp, true
		}
	}
	return service.Spec{}, false
}

// Plan returns the computed start order.
func (s *Supervisor) Plan() []string { return s.g.Plan() }

// Status returns the snapshot for one service.
func (s *Supervisor) Status(name string) (service.Status, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.statuses[name]
	if !ok {
		return service.Status{}, fmt.Errorf("unknown service: %s", name)
	}
	return st, nil
}

// StatusAll returns snapshots in start-plan order.
func (s *Supervisor) StatusAll() []service.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]service.Status, 0, len(s.statuses))
	for _, name := range s.g.Plan() {
		out = append(out, s.statuses[name])
	}
	return out
}

// IsUp reports whether the named service is currently running.
func (s *Supervisor) IsUp(name string) bool {
	st, err := s.Status(name)
	return err == nil && st.State == service.StateRunning
}

// Run spawns services in plan order as their dependencies become running and
// supervises them until ctx is cancelled (shutdown signal) or every instance
// is terminal. It returns nil on clean shutdown and a *DegradedError when the
// run ended with at least one fatal service.
func (s *Supervisor) Run(ctx context.Context) error {
	s.seedMetrics()
	s.startEligible()
	for {
		if s.allTerminal() {
			return s.finalErr()
		}
		select {
		case <-ctx.Done():
			s.shutdown()
			return s.finalErr()
		case ev := <-s.events:
			s.handle(ev)
		}
	}
}

// --- coordinator internals; everything below runs on the Run goroutine ---

// seedMetrics publishes each instance's initial state so the current-state
// gauge reports services that have not transitioned yet (pending, or exited
// for autostart=false).
func (s *Supervisor) seedMetrics() {
	for name, inst := range s.instances {
		metrics.SetCurrentState(name, string(inst.State), true)
	}
}

func (s *Supervisor) handle(ev any) {
	switch e := ev.(type) {
	case exitEvent:
		s.handleExit(e)
	case stableEvent:
		inst := s.instances[e.name]
		if inst.Run != e.run || inst.State != service.StateStarting {
			return
		}
		inst.Restarts = 0
		s.transition(inst, service.StateRunning, "stable")
		s.startEligible()
	case retryEvent:
		inst := s.instances[e.name]
		if inst.Run != e.run || inst.State != service.StateBackoff {
			return
		}
		s.spawn(inst)
	}
}

// startEligible spawns every pending autostart service whose dependencies are
// all running, in plan order.
func (s *Supervisor) startEligible() {
	for _, name := range s.g.Plan() {
		inst := s.instances[name]
		if inst.State != service.StatePending {
			continue
		}
		if s.depsRunning(name) {
			s.spawn(inst)
		}
	}
}

func (s *Supervisor) depsRunning(name string) bool {
	for _, d := range s.g.Dependencies(name) {
		if s.instances[d].State != service.StateRunning {
			return false
		}
	}
	return true
}

// spawn moves an instance into starting and launches its process plus the
// monitor goroutine and stability timer for this run.
func (s *Supervisor) spawn(inst *service.Instance) {
	name := inst.Spec.Name
	s.transition(inst, service.StateStarting, "spawning")
	if err := inst.Spawn(s.envM.Merge(inst.Spec.Env)); err != nil {
		// The OS failed to create the process. Retrying a spawn failure is
		// not the same contract as retrying a crash: fatal immediately.
		s.log.Error("spawn failed", "service", name, "err", err)
		inst.LastExitCode = -1
		s.toFatal(inst, fmt.Sprintf("spawn failed: %v", err))
		return
	}
	metrics.IncStart(name)
	s.log.Info("service spawned", "service", name, "pid", inst.PID, "attempt", inst.Restarts+1)

	run := inst.Run
	go func() {
		err := inst.Wait()
		s.events <- exitEvent{name: name, run: run, err: err}
	}()

	if d := inst.Spec.StartSecs; d > 0 {
		s.stableTimer[name] = time.AfterFunc(d, func() {
			s.events <- stableEvent{name: name, run: run}
		})
	} else {
		inst.Restarts = 0
		s.transition(inst, service.StateRunning, "stable")
		s.startEligible()
	}
}

func (s *Supervisor) handleExit(e exitEvent) {
	inst := s.instances[e.name]
	if inst.Run != e.run {
		return // a previous run's monitor; already superseded
	}
	s.stopTimers(e.name)
	inst.CloseWriters()
	inst.StoppedAt = time.Now()
	inst.LastExitCode = service.ExitCode(e.err)

	switch inst.State {
	case service.StateStopping:
		s.transition(inst, service.StateExited, "stopped")
	case service.StateStarting:
		s.retryOrFail(inst, "exited before start duration")
	case service.StateRunning:
		s.retryOrFail(inst, "exited unexpectedly")
	default:
		// Terminal or pending states have no live process; nothing to do.
	}
}

// retryOrFail applies the restart policy after an unexpected exit. Restarts
// counts consecutive failed starts; once it reaches the retry budget the
// instance is fatal and no further spawn happens, so a budget of n allows
// exactly n failed starts in a row.
func (s *Supervisor) retryOrFail(inst *service.Instance, reason string) {
	name := inst.Spec.Name
	if !inst.Spec.AutoRestart {
		if inst.LastExitCode == 0 {
			s.transition(inst, service.StateExited, reason)
		} else {
			s.toFatal(inst, reason)
		}
		return
	}
	inst.Restarts++
	s.transition(inst, service.StateBackoff, reason)
	if inst.Restarts >= inst.Spec.StartRetries {
		s.toFatal(inst, fmt.Sprintf("%s; %d start retries exhausted", reason, inst.Spec.StartRetries))
		return
	}
	metrics.IncRestart(name)
	run := inst.Run
	if d := inst.Spec.RestartInterval; d > 0 {
		s.retryTimer[name] = time.AfterFunc(d, func() {
			s.events <- retryEvent{name: name, run: run}
		})
	} else {
		s.spawn(inst)
	}
}

// toFatal marks an instance fatal and cascades to pending dependents under
// the fail-fast policy.
func (s *Supervisor) toFatal(inst *service.Instance, reason string) {
	name := inst.Spec.Name
	s.transition(inst, service.StateFatal, reason)
	metrics.IncFatal(name)
	if s.firstFatal == "" {
		s.firstFatal = name
	}
	for _, dep := range s.g.Dependents(name) {
		di := s.instances[dep]
		if di.State != service.StatePending {
			continue
		}
		switch di.Spec.FailurePolicy() {
		case service.DepHold:
			s.log.Warn("dependency fatal, holding", "service", dep, "dependency", name)
		default:
			s.transition(di, service.StateFatal, fmt.Sprintf("dependency %s is fatal", name))
			metrics.IncFatal(dep)
		}
	}
}

// shutdown stops live instances in reverse dependency order: dependents stop
// before their dependencies. Each gets SIGTERM, the grace period, then
// SIGKILL. Pending and backoff instances are retired without spawning.
func (s *Supervisor) shutdown() {
	s.log.Info("shutting down", "grace", s.grace)
	for _, name := range s.g.StopOrder() {
		inst := s.instances[name]
		s.stopTimers(name)
		switch inst.State {
		case service.StatePending, service.StateBackoff:
			s.transition(inst, service.StateExited, "shutdown before start")
		case service.StateStarting, service.StateRunning:
			s.transition(inst, service.StateStopping, "shutdown")
			inst.Terminate()
			s.awaitStop(inst)
		}
	}
}

// awaitStop drains events until this instance's exit arrives, escalating to
// SIGKILL when the grace period lapses. Exits of other instances observed
// while draining are processed as stops too.
func (s *Supervisor) awaitStop(inst *service.Instance) {
	name := inst.Spec.Name
	graceC := time.After(s.grace)
	killed := false
	for {
		select {
		case ev := <-s.events:
			ee, ok := ev.(exitEvent)
			if !ok {
				continue // stale timers during shutdown
			}
			other := s.instances[ee.name]
			if other.Run != ee.run {
				continue
			}
			s.stopTimers(ee.name)
			other.CloseWriters()
			other.StoppedAt = time.Now()
			other.LastExitCode = service.ExitCode(ee.err)
			if other.State.Alive() {
				if other.State != service.StateStopping {
					s.transition(other, service.StateStopping, "shutdown")
				}
				s.transition(other, service.StateExited, "stopped")
			}
			if ee.name == name {
				return
			}
		case <-graceC:
			if killed {
				// SIGKILL was already sent and the monitor still has not
				// reported; give up waiting rather than hang shutdown.
				s.log.Error("process did not exit after kill", "service", name, "pid", inst.PID)
				s.transition(inst, service.StateExited, "abandoned")
				return
			}
			s.log.Warn("grace period elapsed, killing", "service", name, "pid", inst.PID)
			inst.Kill()
			killed = true
			graceC = time.After(killReapTimeout)
		}
	}
}

func (s *Supervisor) stopTimers(name string) {
	if t := s.stableTimer[name]; t != nil {
		t.Stop()
		delete(s.stableTimer, name)
	}
	if t := s.retryTimer[name]; t != nil {
		t.Stop()
		delete(s.retryTimer, name)
	}
}

func (s *Supervisor) allTerminal() bool {
	for _, inst := range s.instances {
		if !inst.State.Terminal() {
			return false
		}
	}
	return true
}

func (s *Supervisor) finalErr() error {
	if s.firstFatal == "" {
		return nil
	}
	inst := s.instances[s.firstFatal]
	return &DegradedError{Service: s.firstFatal, ExitCode: inst.LastExitCode}
}

// transition applies a state change, publishes the snapshot and records the
// change in logs, metrics and the optional history sink.
func (s *Supervisor) transition(inst *service.Instance, to service.State, reason string) {
	from := inst.State
	if from == to {
		return
	}
	if !from.CanTransition(to) {
		s.log.Warn("illegal transition", "service", inst.Spec.Name, "from", from, "to", to)
	}
	inst.State = to
	s.log.Info("state", "service", inst.Spec.Name, "from", from, "to", to, "reason", reason)
	metrics.RecordStateTransition(inst.Spec.Name, string(from), string(to))
	metrics.SetCurrentState(inst.Spec.Name, string(from), false)
	metrics.SetCurrentState(inst.Spec.Name, string(to), true)

	s.mu.Lock()
	s.statuses[inst.Spec.Name] = inst.Snapshot()
	s.mu.Unlock()

	if s.sink != nil {
		_ = s.sink.Send(context.Background(), history.Event{
			Name:       inst.Spec.Name,
			From:       string(from),
			To:         string(to),
			PID:        inst.PID,
			Restarts:   inst.Restarts,
			ExitCode:   inst.LastExitCode,
			Reason:     reason,
			OccurredAt: time.Now().UTC(),
		})
	}
}
