//go:build linux

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	flag "github.com/spf13/pflag"
)

// Run is the main entry point. Returns exit code.
// sigCh can be nil if signal handling is not needed (e.g., in tests).
func Run(stdin io.Reader, stdout, stderr io.Writer, args []string, env map[string]string, sigCh <-chan os.Signal) int {
	// Create fresh global flags for this invocation
	globalFlags := flag.NewFlagSet("snekbox", flag.ContinueOnError)
	globalFlags.SetInterspersed(false)
	globalFlags.Usage = func() {}
	globalFlags.SetOutput(&strings.Builder{})

	flagHelp := globalFlags.BoolP("help", "h", false, "Show help")
	flagVersion := globalFlags.BoolP("version", "v", false, "Show version and exit")
	flagConfig := globalFlags.String("config", "", "Use specified config `file`")
	flagLogLevel := globalFlags.String("log-level", "", "Log `level` (debug, info, warn, error)")
	flagLogFormat := globalFlags.String("log-format", "", "Log `format` (text, json)")

	err := globalFlags.Parse(args[1:])
	if err != nil {
		fprintError(stderr, err)
		fprintln(stderr)
		printGlobalOptions(stderr)

		return 1
	}

	// Handle --version early, before loading config
	if *flagVersion {
		if commit == "none" && date == "unknown" {
			fprintf(stdout, "snekbox %s (built from source)\n", version)
		} else {
			fprintf(stdout, "snekbox %s (%s, %s)\n", version, commit, date)
		}

		return 0
	}

	// Create context early so a signal can cancel the whole command
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := LoadConfig(LoadConfigInput{ConfigPath: *flagConfig, Env: env})
	if err != nil {
		fprintError(stderr, err)

		return 1
	}

	// Flags win over the config files
	if *flagLogLevel != "" {
		cfg.Log.Level = *flagLogLevel
	}

	if *flagLogFormat != "" {
		cfg.Log.Format = *flagLogFormat
	}

	logger, err := newLogger(stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fprintError(stderr, err)

		return 1
	}

	// Create all commands
	commands := []*Command{
		EvalCmd(&cfg, logger),
		CheckCmd(&cfg, logger),
		ProfileCmd(&cfg),
	}

	commandMap := make(map[string]*Command, len(commands)*2)
	for _, cmd := range commands {
		commandMap[cmd.Name()] = cmd
		for _, alias := range cmd.Aliases {
			commandMap[alias] = cmd
		}
	}

	commandAndArgs := globalFlags.Args()

	// Show help: explicit --help or bare `snekbox` with no args
	if *flagHelp || len(commandAndArgs) == 0 {
		printUsage(stdout, commands)

		return 0
	}

	// Dispatch to command
	cmdName := commandAndArgs[0]

	cmd, ok := commandMap[cmdName]
	if !ok {
		fprintError(stderr, fmt.Errorf("unknown command %q", cmdName))
		fprintln(stderr)
		printGlobalOptions(stderr)

		return 1
	}

	commandAndArgs = commandAndArgs[1:]

	// Run command in goroutine so we can handle signals
	done := make(chan int, 1)

	go func() {
		done <- cmd.Run(ctx, stdin, stdout, stderr, commandAndArgs)
	}()

	return awaitCommand(done, sigCh, cancel, stderr)
}

// exitInterrupted is the exit code after SIGINT/SIGTERM (128 + SIGINT).
const exitInterrupted = 130

// cleanupGrace is how long a cancelled command gets to release its
// instance before Run gives up on it.
const cleanupGrace = 10 * time.Second

// awaitCommand waits for the command's exit code. The first signal cancels
// the command's context; a second one, or cleanupGrace passing, abandons it.
// Instances that were not released by then stay mounted under the namespace
// directory.
func awaitCommand(done <-chan int, sigCh <-chan os.Signal, cancel context.CancelFunc, stderr io.Writer) int {
	// Handle nil sigCh for tests
	if sigCh == nil {
		return <-done
	}

	// Wait for completion or first signal
	select {
	case exitCode := <-done:
		return exitCode
	case sig := <-sigCh:
		fprintf(stderr, "Received %s, releasing sandbox (signal again to abandon)...\n", sig)
		cancel()
	}

	// Wait for completion, timeout, or second signal
	timer := time.NewTimer(cleanupGrace)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		fprintln(stderr, "Cleanup timed out; instance may still be mounted.")
	case <-sigCh:
		fprintln(stderr, "Abandoned cleanup; instance may still be mounted.")
	}

	return exitInterrupted
}

func fprintln(output io.Writer, a ...any) {
	_, _ = fmt.Fprintln(output, a...)
}

func fprintf(output io.Writer, format string, a ...any) {
	_, _ = fmt.Fprintf(output, format, a...)
}

// ANSI color codes for terminal output.
const (
	colorRed   = "\033[31m"
	colorReset = "\033[0m"
)

// fprintError prints an error message with optional red coloring for TTY.
func fprintError(output io.Writer, err error) {
	if IsTerminal() {
		fprintln(output, colorRed+"error:"+colorReset, err)
	} else {
		fprintln(output, "error:", err)
	}
}

const globalOptionsHelp = `  -h, --help               Show help
  -v, --version            Show version and exit
      --config <file>      Use specified config file
      --log-level <level>  Log level (debug, info, warn, error)
      --log-format <fmt>   Log format (text, json)`

func printGlobalOptions(output io.Writer) {
	fprintln(output, "Usage: snekbox [flags] <command> [args]")
	fprintln(output)
	fprintln(output, "Global flags:")
	fprintln(output, globalOptionsHelp)
	fprintln(output)
	fprintln(output, "Run 'snekbox --help' for a list of commands.")
}

func printUsage(output io.Writer, commands []*Command) {
	fprintln(output, "snekbox - evaluate untrusted code in a throwaway sandbox")
	fprintln(output)
	fprintln(output, "Usage: snekbox [flags] <command> [args]")
	fprintln(output)
	fprintln(output, "Flags:")
	fprintln(output, globalOptionsHelp)
	fprintln(output)
	fprintln(output, "Commands:")

	for _, cmd := range commands {
		fprintln(output, cmd.HelpLine())
	}

	fprintln(output)
	fprintln(output, "Run 'snekbox <command> --help' for more information on a command.")
}

// isTerminal reports whether stderr is a terminal.
var isTerminal = func() bool {
	stat, err := os.Stderr.Stat()
	if err != nil {
		return false
	}

	return (stat.Mode() & os.ModeCharDevice) != 0
}

// IsTerminal reports whether error output should be colored.
func IsTerminal() bool {
	return isTerminal()
}
