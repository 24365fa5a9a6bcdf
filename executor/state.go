//go:build linux

package executor

import "log/slog"

// state is the lifecycle position of one execution.
type state int

const (
	stateIdle state = iota
	statePreparing
	stateRunning
	stateCompleted
	stateTimedOut
	stateSandboxFault
	stateCancelled
	stateReleased
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case statePreparing:
		return "preparing"
	case stateRunning:
		return "running"
	case stateCompleted:
		return "completed"
	case stateTimedOut:
		return "timed_out"
	case stateSandboxFault:
		return "sandbox_fault"
	case stateCancelled:
		return "cancelled"
	case stateReleased:
		return "released"
	default:
		return "unknown"
	}
}

func stateFor(s Status) state {
	switch s {
	case StatusTimeout:
		return stateTimedOut
	case StatusSandboxFault:
		return stateSandboxFault
	default:
		return stateCompleted
	}
}

// run tracks one execution for logging.
type run struct {
	logger *slog.Logger
	state  state
}

func (r *run) transition(to state) {
	r.logger.Debug("executor: state", "from", r.state, "to", to)
	r.state = to
}
