package service

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// Instance is the single process instance owned by a service definition.
// All fields are mutated only by the supervisor's coordinator goroutine; the
// monitor goroutine attached to a run touches nothing but Wait.
type Instance struct {
	Spec  Spec
	State State

	PID          int
	Restarts     int
	StartedAt    time.Time
	StoppedAt    time.Time
	LastExitCode int

	// Run increments on every spawn so that exit events and stability timers
	// from a previous run can be recognized as stale and dropped.
	Run int

	cmd  *exec.Cmd
	outW io.WriteCloser
	errW io.WriteCloser
}

// NewInstance creates a pending instance for the definition.
func NewInstance(spec Spec) *Instance {
	return &Instance{Spec: spec, State: StatePending}
}

// Spawn builds and starts the process with the merged environment, capturing
// stdout/stderr to the configured log sinks. On success the instance holds a
// live *exec.Cmd in its own process group.
func (i *Instance) Spawn(env []string) error {
	cmd := i.Spec.BuildCommand()
	if i.Spec.Directory != "" {
		cmd.Dir = i.Spec.Directory
	}
	if len(env) > 0 {
		cmd.Env = env
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	outW, errW := i.Spec.Log.Writers(i.Spec.Name)
	if outW != nil {
		cmd.Stdout = outW
	} else {
		cmd.Stdout, _ = os.OpenFile(os.DevNull, os.O_RDWR, 0)
	}
	if errW != nil {
		cmd.Stderr = errW
	} else {
		cmd.Stderr, _ = os.OpenFile(os.DevNull, os.O_RDWR, 0)
	}

	if err := cmd.Start(); err != nil {
		if outW != nil {
			_ = outW.Close()
		}
		if errW != nil {
			_ = errW.Close()
		}
		return err
	}
	i.cmd = cmd
	i.outW = outW
	i.errW = errW
	i.PID = cmd.Process.Pid
	i.StartedAt = time.Now()
	i.Run++
	return nil
}

// Wait blocks until the OS reports process exit. Safe to call from the
// monitor goroutine only.
func (i *Instance) Wait() error {
	if i.cmd == nil {
		return errors.New("not started")
	}
	return i.cmd.Wait()
}

// Terminate sends SIGTERM to the process group.
func (i *Instance) Terminate() {
	if i.PID > 0 {
		_ = syscall.Kill(-i.PID, syscall.SIGTERM)
	}
}

// Kill sends SIGKILL to the process group.
func (i *Instance) Kill() {
	if i.PID > 0 {
		_ = syscall.Kill(-i.PID, syscall.SIGKILL)
	}
}

// CloseWriters releases the log sink handles after the process has exited.
func (i *Instance) CloseWriters() {
	if i.outW != nil {
		_ = i.outW.Close()
		i.outW = nil
	}
	if i.errW != nil {
		_ = i.errW.Close()
		i.errW = nil
	}
}

// ExitCode extracts the exit code from a Wait error; 0 for a clean exit,
// -1 when the code is unknown (e.g. killed by signal).
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}

// Status is an externally consumable snapshot of an instance.
type Status struct {
	Name         string    `json:"name"`
	State        State     `json:"state"`
	PID          int       `json:"pid,omitempty"`
	StartedAt    time.Time `json:"started_at,omitzero"`
	StoppedAt    time.Time `json:"stopped_at,omitzero"`
	Restarts     int       `json:"restarts"`
	LastExitCode int       `json:"last_exit_code"`
}

// Snapshot copies the observable fields.
func (i *Instance) Snapshot() Status {
	return Status{
		Name:         i.Spec.Name,
		State:        i.State,
		PID:          i.PID,
		StartedAt:    i.StartedAt,
		StoppedAt:    i.StoppedAt,
		Restarts:     i.Restarts,
		LastExitCode: i.LastExitCode,
	}
}
