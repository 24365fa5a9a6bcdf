//go:build linux

package sandbox

import (
	"fmt"
	"os/exec"
	"strconv"

	"github.com/dustin/go-humanize"
)

// SystemdScope wraps bwrap in a transient systemd scope so that cgroup
// limits (tasks, memory, CPU quota) apply to the whole sandbox.
type SystemdScope struct {
	Resources ResourceConfig

	// lookPath finds systemd-run. Replaced in tests.
	lookPath func(string) (string, error)
}

// NewSystemdScope returns a scope wrapper for the given resources.
func NewSystemdScope(resources ResourceConfig) *SystemdScope {
	return &SystemdScope{Resources: resources, lookPath: exec.LookPath}
}

// Available reports whether systemd-run is in PATH.
func (s *SystemdScope) Available() bool {
	_, err := s.lookPath("systemd-run")

	return err == nil
}

// WrapCommand wraps argv with systemd-run. The unit is named after the
// execution. argv is returned unchanged when systemd-run is missing or no
// limit is configured.
func (s *SystemdScope) WrapCommand(name string, argv []string) []string {
	if !s.Resources.HasLimits() || !s.Available() {
		return argv
	}

	args := []string{"systemd-run"}

	if s.Resources.User {
		args = append(args, "--user")
	}

	args = append(args, "--scope", "--quiet", "--collect")

	if name != "" {
		args = append(args, "--unit=snekbox-"+name)
	}

	if s.Resources.TasksMax > 0 {
		args = append(args, fmt.Sprintf("--property=TasksMax=%d", s.Resources.TasksMax))
	}

	if s.Resources.MemoryMax != "" {
		args = append(args, "--property=MemoryMax="+systemdSize(s.Resources.MemoryMax))
	}

	if s.Resources.CPUQuota != "" {
		args = append(args, "--property=CPUQuota="+s.Resources.CPUQuota)
	}

	args = append(args, "--")
	args = append(args, argv...)

	return args
}

// systemdSize converts human sizes ("128MiB", "1GB") to a byte count, which
// systemd accepts unambiguously. Other values ("infinity") pass through.
func systemdSize(value string) string {
	n, err := humanize.ParseBytes(value)
	if err != nil {
		return value
	}

	return strconv.FormatUint(n, 10)
}
