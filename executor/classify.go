//go:build linux

package executor

import "github.com/calvinalkan/snekbox/sandbox"

// outcome is everything observed about a finished (or never started) run.
type outcome struct {
	startErr error
	status   sandbox.Status
	// exitCode is the bwrap process exit code, -1 when it was signalled.
	exitCode int
	timedOut bool
	// launch is what the launcher reported. Stderr is never consulted: the
	// evaluated program writes to it too.
	launch sandbox.LaunchReport
}

// classify maps an outcome to a result status and the exit code reported
// to the caller.
func classify(o outcome) (Status, int) {
	if o.startErr != nil {
		return StatusSandboxFault, sandboxFaultExitCode
	}

	code := o.exitCode
	if o.status.HasExitCode {
		code = o.status.ExitCode
	}

	if o.timedOut {
		if !o.status.HasExitCode {
			code = killedExitCode
		}

		return StatusTimeout, code
	}

	if !o.status.Started() {
		return StatusSandboxFault, sandboxFaultExitCode
	}

	if o.launch.Failed() {
		return StatusSandboxFault, sandboxFaultExitCode
	}

	if code == 0 {
		return StatusSuccess, 0
	}

	if code < 0 {
		code = killedExitCode
	}

	return StatusUserError, code
}
