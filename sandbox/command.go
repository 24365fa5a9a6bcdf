//go:build linux

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

const firstExtraFD = 3

// Command constructs an unstarted [exec.Cmd] that evaluates the profile
// command inside the sandbox, with b's directories bound at /home and
// /dev/shm and limits applied by the launcher.
//
// The returned cleanup function releases per-command resources (the FDs
// backing generated /etc files). It must be called once the command has
// finished or will never be started, and is safe to call more than once.
//
// The command runs in its own process group; cancelling ctx kills the whole
// group. Callers set Stdin/Stdout/Stderr and then call Start/Wait.
func (s *Sandbox) Command(ctx context.Context, b Binding, limits Limits) (*exec.Cmd, func() error, error) {
	noop := func() error { return nil }

	if s == nil || s.plan == nil {
		return nil, noop, errors.New("sandbox: uninitialized sandbox (use New)")
	}

	err := validateBinding(b)
	if err != nil {
		return nil, noop, fmt.Errorf("sandbox: %w", err)
	}

	var cleanupFuncs []func() error

	cleanupAll := func() error {
		var errs []error

		for i := len(cleanupFuncs) - 1; i >= 0; i-- {
			err := cleanupFuncs[i]()
			if err != nil {
				errs = append(errs, err)
			}
		}

		return errors.Join(errs...)
	}

	bwrapArgs := slices.Clone(s.plan.bwrapArgs)
	bwrapArgs = append(bwrapArgs,
		"--bind", b.Home, "/home",
		"--bind", b.Shm, "/dev/shm",
	)

	var extraFiles []*os.File

	if b.Status != nil {
		extraFiles = append(extraFiles, b.Status)
		bwrapArgs = append(bwrapArgs, "--json-status-fd", strconv.Itoa(firstExtraFD))
	}

	var launcherFlags []string

	if b.Report != nil {
		launcherFlags = append(launcherFlags, "--"+reportFDFlag+"="+strconv.Itoa(firstExtraFD+len(extraFiles)))
		extraFiles = append(extraFiles, b.Report)
	}

	if len(s.plan.dataMounts) > 0 {
		dataArgs, files, err := roBindDataArgs(s.plan.dataMounts, firstExtraFD+len(extraFiles))
		if err != nil {
			return nil, noop, err
		}

		extraFiles = append(extraFiles, files...)
		bwrapArgs = append(bwrapArgs, dataArgs...)
		cleanupFuncs = append(cleanupFuncs, closeFilesOnce(files))
	}

	for _, chmod := range s.plan.chmods {
		bwrapArgs = append(bwrapArgs, "--chmod", fmt.Sprintf("%04o", chmod.perms.Perm()), chmod.path)
	}

	bwrapArgs = append(bwrapArgs, "--remount-ro", "/", "--chdir", "/home")

	inner := append([]string{LauncherPath}, LauncherArgs(limits)...)
	inner = append(inner, launcherFlags...)
	inner = append(inner, "--")
	inner = append(inner, s.profile.Command...)

	argv := make([]string, 0, 1+len(bwrapArgs)+1+len(inner))
	argv = append(argv, s.bwrapPath)
	argv = append(argv, bwrapArgs...)
	argv = append(argv, "--")
	argv = append(argv, inner...)

	if s.scope != nil {
		argv = s.scope.WrapCommand(b.Name, argv)
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = b.Home
	cmd.ExtraFiles = extraFiles
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}

		// bwrap leads its own process group; take down everything in it.
		err := unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
		if err != nil && !errors.Is(err, unix.ESRCH) {
			return err
		}

		return nil
	}

	s.logger.Debug("sandbox(command)",
		"name", b.Name,
		"bwrap", s.bwrapPath,
		"bwrapArgs", len(bwrapArgs),
		"extraFiles", len(extraFiles),
		"scope", s.scope != nil,
	)

	return cmd, cleanupAll, nil
}

func validateBinding(b Binding) error {
	var errs []error

	for _, dir := range []struct{ name, path string }{{"home", b.Home}, {"shm", b.Shm}} {
		if dir.path == "" {
			errs = append(errs, fmt.Errorf("binding %s is empty", dir.name))

			continue
		}

		if !filepath.IsAbs(dir.path) {
			errs = append(errs, fmt.Errorf("binding %s %q is not absolute", dir.name, dir.path))
		}
	}

	return errors.Join(errs...)
}

func closeFilesOnce(files []*os.File) func() error {
	var (
		once   sync.Once
		outErr error
	)

	return func() error {
		once.Do(func() {
			outErr = closeFiles(files...)
		})

		return outErr
	}
}

func closeFiles(files ...*os.File) error {
	var errs []error

	for _, f := range files {
		if f == nil {
			continue
		}

		err := f.Close()
		if err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// roBindDataArgs materializes data mounts into bwrap args and ExtraFiles.
// Each mount gets its own backing file, written and rewound.
func roBindDataArgs(mounts []roBindDataMount, firstChildFD int) ([]string, []*os.File, error) {
	args := make([]string, 0, len(mounts)*5)
	files := make([]*os.File, 0, len(mounts))

	closeOnError := func(cause error) error {
		return errors.Join(cause, closeFiles(files...))
	}

	for i, mount := range mounts {
		backingFile, err := newRoBindDataBackingFile()
		if err != nil {
			return nil, nil, closeOnError(fmt.Errorf("sandbox: create backing file for %q: %w", mount.dst, err))
		}

		files = append(files, backingFile)

		_, err = backingFile.WriteString(mount.data)
		if err != nil {
			return nil, nil, closeOnError(fmt.Errorf("sandbox: write %q: %w", mount.dst, err))
		}

		_, err = backingFile.Seek(0, 0)
		if err != nil {
			return nil, nil, closeOnError(fmt.Errorf("sandbox: rewind %q: %w", mount.dst, err))
		}

		args = append(args,
			"--perms", fmt.Sprintf("%04o", mount.perms.Perm()),
			"--ro-bind-data", strconv.Itoa(firstChildFD+i), mount.dst,
		)
	}

	return args, files, nil
}

func newRoBindDataBackingFile() (*os.File, error) {
	fd, err := unix.MemfdCreate("snekbox-data", unix.MFD_CLOEXEC)
	if err == nil {
		memFile := os.NewFile(uintptr(fd), "snekbox-data")
		if memFile == nil {
			return nil, errors.Join(internalErrorf("newRoBindDataBackingFile", "os.NewFile returned nil"), unix.Close(fd))
		}

		return memFile, nil
	}

	// bwrap reads through the inherited FD, so an unlinked temp file works too.
	tempFile, tmpErr := os.CreateTemp("", "snekbox-data-*")
	if tmpErr != nil {
		return nil, errors.Join(
			fmt.Errorf("memfd_create: %w", err),
			fmt.Errorf("create temp file: %w", tmpErr),
		)
	}

	_ = os.Remove(tempFile.Name())

	return tempFile, nil
}
