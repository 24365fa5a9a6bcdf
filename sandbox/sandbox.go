//go:build linux

// Package sandbox builds the bubblewrap (bwrap) commands that evaluate
// untrusted code.
//
// A [Sandbox] is constructed once from a [Profile]. Construction validates the
// profile and plans the static part of the bwrap argv: namespaces, read-only
// system paths, environment and ids. [Sandbox.Command] then binds one
// execution's home and shm directories and returns an unstarted
// *exec.Cmd that runs
//
//	bwrap <plan> -- /snekbox/snekbox-init <rlimits> -- <profile command>
//
// The sandbox has no network (every namespace is unshared and the network is
// never shared back), sees only the profile's filesystem entries plus the
// bound directories, and runs the profile command behind the in-sandbox
// launcher that applies rlimits (see [RunLauncher]).
//
// # Security Note
//
// The isolation boundary is bubblewrap together with the kernel's namespace
// support. This package only decides what to ask bwrap for.
package sandbox

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Sandbox is a validated profile plus its bwrap plan.
//
// A Sandbox must not be copied after first use. It is safe for concurrent
// use; each [Sandbox.Command] call allocates its own per-command resources.
type Sandbox struct {
	noCopy noCopy

	profile      *Profile
	bwrapPath    string
	launcherPath string
	logger       *slog.Logger
	scope        *SystemdScope

	plan *plan
}

// Config configures a [Sandbox].
type Config struct {
	// Profile is the isolation profile. Defaults to [DefaultProfile].
	// It is deep-copied during construction.
	Profile *Profile

	// BwrapPath is the bwrap executable. Defaults to the first "bwrap" in PATH.
	BwrapPath string

	// LauncherPath is the host path of the launcher binary that is mounted at
	// [LauncherPath] inside the sandbox. Defaults to the running executable,
	// which is expected to dispatch to [RunLauncher] when invoked as
	// [LauncherName].
	LauncherPath string

	// Logger receives debug output from planning and command construction.
	// Defaults to slog.Default().
	Logger *slog.Logger
}

// Binding ties one execution's instance directories to a command.
type Binding struct {
	// Name identifies the execution (the memfs instance name). Used to name
	// the systemd scope when one is configured.
	Name string

	// Home is bound read-write at /home and is the working directory.
	Home string

	// Shm is bound read-write at /dev/shm.
	Shm string

	// Status, when non-nil, receives bwrap's JSON status stream (see
	// [ReadStatus]). The caller owns the file and must close its copy after
	// the command has started.
	Status *os.File

	// Report, when non-nil, receives the launcher's [LaunchReport]. The
	// caller owns the file like Status.
	Report *os.File
}

// New validates cfg and plans the sandbox.
func New(cfg Config) (*Sandbox, error) {
	profile := cfg.Profile
	if profile == nil {
		profile = DefaultProfile()
	}

	profile = profile.Clone()

	err := profile.Validate()
	if err != nil {
		return nil, fmt.Errorf("sandbox: validating profile: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	bwrapPath := cfg.BwrapPath
	if bwrapPath == "" {
		bwrapPath, err = exec.LookPath("bwrap")
		if err != nil {
			return nil, fmt.Errorf("sandbox: bwrap not found in PATH: %w", err)
		}
	}

	launcherPath := cfg.LauncherPath
	if launcherPath == "" {
		launcherPath, err = os.Executable()
		if err != nil {
			return nil, fmt.Errorf("sandbox: resolving launcher: %w", err)
		}
	}

	err = validateLauncher(launcherPath)
	if err != nil {
		return nil, fmt.Errorf("sandbox: %w", err)
	}

	s := &Sandbox{
		profile:      profile,
		bwrapPath:    bwrapPath,
		launcherPath: launcherPath,
		logger:       logger,
	}

	if profile.Resources.Scope {
		s.scope = NewSystemdScope(profile.Resources)
	}

	s.plan, err = buildPlan(profile, launcherPath, logger)
	if err != nil {
		return nil, fmt.Errorf("sandbox: planning: %w", err)
	}

	return s, nil
}

// Profile returns a copy of the sandbox's profile.
func (s *Sandbox) Profile() *Profile {
	return s.profile.Clone()
}

// BwrapPath returns the bwrap executable used by [Sandbox.Command].
func (s *Sandbox) BwrapPath() string {
	return s.bwrapPath
}

func validateLauncher(path string) error {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return errors.New("launcher path is empty")
	}

	if !filepath.IsAbs(trimmed) {
		return fmt.Errorf("launcher %q is not absolute", trimmed)
	}

	info, err := os.Stat(trimmed)
	if err != nil {
		return fmt.Errorf("launcher %q: %w", trimmed, err)
	}

	if info.IsDir() {
		return fmt.Errorf("launcher %q is a directory", trimmed)
	}

	if info.Mode().Perm()&0o111 == 0 {
		return fmt.Errorf("launcher %q is not executable", trimmed)
	}

	return nil
}

// marker for go vet.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// internalErrorf reports an internal invariant violation: a bug in this
// package rather than invalid caller input.
func internalErrorf(op, format string, args ...any) error {
	detail := fmt.Sprintf(format, args...)

	if op == "" {
		return fmt.Errorf("sandbox: internal error: %s", detail)
	}

	return fmt.Errorf("sandbox: internal error: %s: %s", op, detail)
}
