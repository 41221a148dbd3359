package service

// State is the lifecycle state of a service's process instance.
type State string

const (
	// StatePending means the service has not been spawned because at least
	// one declared dependency is not yet running.
	StatePending State = "pending"
	// StateStarting means the process has been spawned but has not yet stayed
	// up for the configured start duration.
	StateStarting State = "starting"
	// StateRunning means the process has been up continuously for at least
	// the start duration.
	StateRunning State = "running"
	// StateBackoff means the last start attempt failed and a retry is queued.
	StateBackoff State = "backoff"
	// StateStopping means a termination request has been sent and the
	// supervisor is waiting for the process to exit.
	StateStopping State = "stopping"
	// StateExited is terminal: clean exit without autorestart, or stopped.
	StateExited State = "exited"
	// StateFatal is terminal: start retries exhausted, spawn failure, or a
	// dependency became fatal under the fail-fast policy.
	StateFatal State = "fatal"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool { return s == StateExited || s == StateFatal }

// Alive reports whether an OS process is expected to exist in this state.
func (s State) Alive() bool {
	return s == StateStarting || s == StateRunning || s == StateStopping
}

var transitions = map[State][]State{
	StatePending:  {StateStarting, StateFatal, StateStopping, StateExited},
	StateStarting: {StateRunning, StateBackoff, StateFatal, StateStopping, StateExited},
	StateRunning:  {StateBackoff, StateFatal, StateStopping, StateExited},
	StateBackoff:  {StateStarting, StateFatal, StateStopping, StateExited},
	StateStopping: {StateExited},
}

// CanTransition reports whether moving from s to next is a legal transition.
func (s State) CanTransition(next State) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}
