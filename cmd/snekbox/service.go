//go:build linux

package main

import (
	"fmt"
	"log/slog"

	"github.com/calvinalkan/snekbox/executor"
	"github.com/calvinalkan/snekbox/memfs"
	"github.com/calvinalkan/snekbox/sandbox"
)

// loadProfile returns the profile at override, else the configured one, else
// the built-in profile.
func loadProfile(cfg *Config, override string) (*sandbox.Profile, error) {
	path := override
	if path == "" {
		path = cfg.Profile
	}

	if path == "" {
		return sandbox.DefaultProfile(), nil
	}

	profile, err := sandbox.LoadProfile(path)
	if err != nil {
		return nil, fmt.Errorf("loading profile: %w", err)
	}

	return profile, nil
}

func newPool(cfg *Config, logger *slog.Logger) (*memfs.Pool, error) {
	pool, err := memfs.NewPool(memfs.Config{NamespaceDir: cfg.NamespaceDir, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}

	return pool, nil
}

func newSandbox(cfg *Config, profile *sandbox.Profile, logger *slog.Logger) (*sandbox.Sandbox, error) {
	sb, err := sandbox.New(sandbox.Config{Profile: profile, BwrapPath: cfg.Bwrap, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("creating sandbox: %w", err)
	}

	return sb, nil
}

// newExecutor wires the pool, sandbox and executor for one CLI invocation.
func newExecutor(cfg *Config, profile *sandbox.Profile, logger *slog.Logger) (*executor.Executor, error) {
	sb, err := newSandbox(cfg, profile, logger)
	if err != nil {
		return nil, err
	}

	pool, err := newPool(cfg, logger)
	if err != nil {
		return nil, err
	}

	e, err := executor.New(executor.Config{
		Pool:     pool,
		Sandbox:  sb,
		Defaults: cfg.Limits.sandboxLimits(),
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating executor: %w", err)
	}

	return e, nil
}
