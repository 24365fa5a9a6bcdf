//go:build linux

// Command snekbox evaluates untrusted code in a bubblewrap sandbox backed by
// a private tmpfs.
//
// The same binary runs inside the sandbox as the launcher: invoked as
// snekbox-init it applies resource limits and executes the program.
package main

import (
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/calvinalkan/snekbox/sandbox"
)

// Set via -ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if filepath.Base(os.Args[0]) == sandbox.LauncherName {
		os.Exit(sandbox.RunLauncher(os.Args[1:], os.Stderr))
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	os.Exit(Run(os.Stdin, os.Stdout, os.Stderr, os.Args, environ(), sigCh))
}

func environ() map[string]string {
	env := make(map[string]string)

	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if ok {
			env[k] = v
		}
	}

	return env
}
