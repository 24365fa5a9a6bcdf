//go:build linux

package executor

import (
	"fmt"
	"time"

	"github.com/calvinalkan/snekbox/memfs"
)

// Status is the outcome class of one execution.
type Status int

const (
	// StatusSuccess means the program exited with status 0.
	StatusSuccess Status = iota + 1
	// StatusUserError means the program ran and exited non-zero or was killed
	// by a signal other than the timeout.
	StatusUserError
	// StatusTimeout means the wall-clock limit expired and the sandbox was killed.
	StatusTimeout
	// StatusSandboxFault means the sandbox itself failed to start or to launch
	// the program. ExitCode is always 255.
	StatusSandboxFault
)

var statusNames = map[Status]string{
	StatusSuccess:      "success",
	StatusUserError:    "user_error",
	StatusTimeout:      "timeout",
	StatusSandboxFault: "sandbox_fault",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}

	return fmt.Sprintf("Status(%d)", int(s))
}

// MarshalText encodes the status as its lower-case name.
func (s Status) MarshalText() ([]byte, error) {
	name, ok := statusNames[s]
	if !ok {
		return nil, fmt.Errorf("executor: unknown status %d", int(s))
	}

	return []byte(name), nil
}

// UnmarshalText is the inverse of MarshalText.
func (s *Status) UnmarshalText(text []byte) error {
	for status, name := range statusNames {
		if name == string(text) {
			*s = status

			return nil
		}
	}

	return fmt.Errorf("executor: unknown status %q", text)
}

// sandboxFaultExitCode is reported for every [StatusSandboxFault].
const sandboxFaultExitCode = 255

// killedExitCode is reported for a timeout when the program's own status is
// unknown: 128 + SIGKILL.
const killedExitCode = 137

// Result is the outcome of [Executor.Execute].
type Result struct {
	Status   Status `json:"status"`
	ExitCode int    `json:"returncode"`

	Stdout          string `json:"stdout"`
	Stderr          string `json:"stderr"`
	StdoutTruncated bool   `json:"stdout_truncated,omitempty"`
	StderrTruncated bool   `json:"stderr_truncated,omitempty"`

	Attachments []memfs.FileAttachment `json:"files"`

	Duration time.Duration `json:"duration"`
}
