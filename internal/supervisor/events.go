package supervisor

// Events delivered to the coordinator goroutine. Each carries the run number
// of the spawn it belongs to so events from a superseded run are dropped.

// exitEvent is sent by a monitor goroutine when cmd.Wait returns.
type exitEvent struct {
	name string
	run  int
	err  error
}

// stableEvent fires when a process has stayed up for its start duration.
type stableEvent struct {
	name string
	run  int
}

// retryEvent fires when a backoff delay has elapsed.
type retryEvent struct {
	name string
	run  int
}
