//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/snekbox/libmount"
	"github.com/calvinalkan/snekbox/memfs"
)

// ErrNotRoot is returned when snekbox is not running as root.
var ErrNotRoot = errors.New("snekbox must run as root to mount tmpfs instances")

// check is one prerequisite verified by the check command.
type check struct {
	name string
	run  func() error
}

// CheckCmd creates the check command, which verifies the host can run
// evaluations.
func CheckCmd(cfg *Config, logger *slog.Logger) *Command {
	flags := flag.NewFlagSet("check", flag.ContinueOnError)
	flags.BoolP("help", "h", false, "Show help")
	flags.BoolP("quiet", "q", false, "Quiet mode, no output")
	flags.String("profile", "", "Check the isolation profile at `file`")

	return &Command{
		Flags:   flags,
		Usage:   "check [flags]",
		Short:   "Verify prerequisites",
		Long:    "Verify that this host can evaluate code: root, bwrap, the profile,\nthe namespace directory and a tmpfs mount round trip.\nExits 0 if every check passes, 1 otherwise.",
		Aliases: []string{},
		Exec: func(_ context.Context, _ io.Reader, stdout, _ io.Writer, _ []string) error {
			quiet, _ := flags.GetBool("quiet")
			profilePath, _ := flags.GetString("profile")

			failed := 0

			for _, c := range prerequisiteChecks(cfg, profilePath, logger) {
				err := c.run()
				if err != nil {
					failed++
				}

				if quiet {
					continue
				}

				if err != nil {
					fprintf(stdout, "FAIL  %s: %v\n", c.name, err)
				} else {
					fprintf(stdout, "ok    %s\n", c.name)
				}
			}

			if failed > 0 {
				return ErrSilentExit
			}

			return nil
		},
	}
}

func prerequisiteChecks(cfg *Config, profilePath string, logger *slog.Logger) []check {
	return []check{
		{name: "root", run: checkRoot},
		{name: "bwrap", run: func() error { return checkBwrap(cfg.Bwrap) }},
		{name: "profile", run: func() error {
			_, err := loadProfile(cfg, profilePath)

			return err
		}},
		{name: "tmpfs", run: func() error { return checkTmpfs(cfg.NamespaceDir, logger) }},
	}
}

func checkRoot() error {
	if os.Geteuid() != 0 {
		return ErrNotRoot
	}

	return nil
}

func checkBwrap(path string) error {
	if path == "" {
		_, err := exec.LookPath("bwrap")
		if err != nil {
			return fmt.Errorf("bwrap not found in PATH (try installing with: sudo apt install bubblewrap): %w", err)
		}

		return nil
	}

	_, err := os.Stat(path)

	return err
}

// checkTmpfs mounts a small instance, writes to it and releases it.
func checkTmpfs(namespaceDir string, logger *slog.Logger) error {
	pool, err := memfs.NewPool(memfs.Config{NamespaceDir: namespaceDir, Logger: logger})
	if err != nil {
		return err
	}

	return pool.With(libmount.MiB(1), func(m *memfs.MemFS) error {
		home, err := m.Mkdir("home", 0o777)
		if err != nil {
			return err
		}

		return os.WriteFile(filepath.Join(home, memfs.OutputPrefix+".check"), []byte("ok"), 0o600)
	})
}
