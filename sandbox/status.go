//go:build linux

package sandbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Status is what bwrap reported on its JSON status FD.
//
// bwrap writes one object once the sandboxed child is running
// ({"child-pid": N}) and one when it exits ({"exit-code": N}). A missing
// child pid means the sandbox was never set up.
type Status struct {
	ChildPID    int
	HasChildPID bool
	ExitCode    int
	HasExitCode bool
}

// Started reports whether bwrap got as far as running the child.
func (s Status) Started() bool {
	return s.HasChildPID
}

type statusMessage struct {
	ChildPID *int `json:"child-pid"`
	ExitCode *int `json:"exit-code"`
}

// ReadStatus consumes r until EOF and folds every status message into one
// Status. Unknown keys are ignored. On malformed input the status decoded so
// far is returned together with the error.
func ReadStatus(r io.Reader) (Status, error) {
	var status Status

	dec := json.NewDecoder(r)

	for {
		var msg statusMessage

		err := dec.Decode(&msg)
		if errors.Is(err, io.EOF) {
			return status, nil
		}

		if err != nil {
			return status, fmt.Errorf("sandbox: decoding bwrap status: %w", err)
		}

		if msg.ChildPID != nil {
			status.ChildPID = *msg.ChildPID
			status.HasChildPID = true
		}

		if msg.ExitCode != nil {
			status.ExitCode = *msg.ExitCode
			status.HasExitCode = true
		}
	}
}
