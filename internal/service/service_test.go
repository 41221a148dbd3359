package service

import (
	"errors"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateClassification(t *testing.T) {
	assert.True(t, StateExited.Terminal())
	assert.True(t, StateFatal.Terminal())
	assert.False(t, StatePending.Terminal())
	assert.False(t, StateBackoff.Terminal())

	assert.True(t, StateStarting.Alive())
	assert.True(t, StateRunning.Alive())
	assert.True(t, StateStopping.Alive())
	assert.False(t, StatePending.Alive())
	assert.False(t, StateBackoff.Alive())
}

func TestStateTransitions(t *testing.T) {
	assert.True(t, StatePending.CanTransition(StateStarting))
	assert.True(t, StateStarting.CanTransition(StateRunning))
	assert.True(t, StateStarting.CanTransition(StateBackoff))
	assert.True(t, StateBackoff.CanTransition(StateStarting))
	assert.True(t, StateBackoff.CanTransition(StateFatal))
	assert.True(t, StateRunning.CanTransition(StateStopping))
	assert.True(t, StateStopping.CanTransition(StateExited))

	// Terminal states never leave, and nothing revives a fatal service.
	assert.False(t, StateExited.CanTransition(StateStarting))
	assert.False(t, StateFatal.CanTransition(StateStarting))
	assert.False(t, StateRunning.CanTransition(StateStarting))
	assert.False(t, StatePending.CanTransition(StateRunning))
}

func TestSpecValidate(t *testing.T) {
	ok := Spec{Name: "api", Command: "sleep 1"}
	require.NoError(t, ok.Validate())

	cases := []struct {
		name string
		spec Spec
		want string
	}{
		{"missing name", Spec{Command: "x"}, "requires a name"},
		{"missing command", Spec{Name: "a"}, "requires a command"},
		{"negative startsecs", Spec{Name: "a", Command: "x", StartSecs: -time.Second}, "startsecs"},
		{"negative retries", Spec{Name: "a", Command: "x", StartRetries: -1}, "startretries"},
		{"self dependency", Spec{Name: "a", Command: "x", DependsOn: []string{"a"}}, "depends on itself"},
		{"bad policy", Spec{Name: "a", Command: "x", OnDependencyFailure: "retry"}, "on_dependency_failure"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.spec.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestSpecDefaults(t *testing.T) {
	s := Spec{Name: "a", Command: "x"}
	assert.True(t, s.Autostart())
	assert.Equal(t, DepFailFast, s.FailurePolicy())

	off := false
	s.AutoStart = &off
	assert.False(t, s.Autostart())

	s.OnDependencyFailure = DepHold
	assert.Equal(t, DepHold, s.FailurePolicy())
}

func TestBuildCommandPlain(t *testing.T) {
	s := Spec{Name: "a", Command: "sleep 5"}
	cmd := s.BuildCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, []string{"sleep", "5"}, cmd.Args)
}

func TestBuildCommandShellMetachars(t *testing.T) {
	s := Spec{Name: "a", Command: "echo hi > /tmp/out"}
	cmd := s.BuildCommand()
	require.Len(t, cmd.Args, 3)
	assert.Equal(t, "/bin/sh", cmd.Args[0])
	assert.Equal(t, "-c", cmd.Args[1])
	assert.Equal(t, "echo hi > /tmp/out", cmd.Args[2])
}

func TestBuildCommandExplicitShell(t *testing.T) {
	s := Spec{Name: "a", Command: `sh -c 'echo hi; sleep 1'`}
	cmd := s.BuildCommand()
	require.Len(t, cmd.Args, 3)
	assert.Equal(t, "/bin/sh", cmd.Args[0])
	// Not double-wrapped: the script is the -c argument with quotes stripped.
	assert.Equal(t, "echo hi; sleep 1", cmd.Args[2])
}

func TestSpawnAndWait(t *testing.T) {
	inst := NewInstance(Spec{Name: "t", Command: "sh -c 'exit 7'"})
	require.Equal(t, StatePending, inst.State)

	require.NoError(t, inst.Spawn(nil))
	assert.Greater(t, inst.PID, 0)
	assert.Equal(t, 1, inst.Run)

	err := inst.Wait()
	require.Error(t, err)
	assert.Equal(t, 7, ExitCode(err))
	inst.CloseWriters()
}

func TestSpawnFailure(t *testing.T) {
	inst := NewInstance(Spec{Name: "t", Command: "/nonexistent/binary-xyz"})
	err := inst.Spawn(nil)
	require.Error(t, err)
	assert.Zero(t, inst.Run)
}

func TestTerminate(t *testing.T) {
	inst := NewInstance(Spec{Name: "t", Command: "sleep 30"})
	require.NoError(t, inst.Spawn(nil))

	done := make(chan error, 1)
	go func() { done <- inst.Wait() }()
	inst.Terminate()

	select {
	case err := <-done:
		assert.Equal(t, -1, ExitCode(err)) // killed by signal
	case <-time.After(5 * time.Second):
		inst.Kill()
		t.Fatal("process did not exit after SIGTERM")
	}
	inst.CloseWriters()
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, -1, ExitCode(errors.New("boom")))

	err := exec.Command("sh", "-c", "exit 3").Run()
	assert.Equal(t, 3, ExitCode(err))
}

func TestSnapshot(t *testing.T) {
	inst := NewInstance(Spec{Name: "api", Command: "x"})
	inst.State = StateRunning
	inst.PID = 42
	inst.Restarts = 2
	inst.LastExitCode = 1

	st := inst.Snapshot()
	assert.Equal(t, "api", st.Name)
	assert.Equal(t, StateRunning, st.State)
	assert.Equal(t, 42, st.PID)
	assert.Equal(t, 2, st.Restarts)
	assert.Equal(t, 1, st.LastExitCode)
}
