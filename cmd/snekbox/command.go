//go:build linux

package main

import (
	"context"
	"errors"
	"io"
	"strings"

	flag "github.com/spf13/pflag"
)

// ErrSilentExit makes a command exit 1 without printing an error. The
// command has already reported the problem itself.
var ErrSilentExit = errors.New("silent exit")

// Command is one subcommand of the CLI.
type Command struct {
	Flags   *flag.FlagSet
	Usage   string // "eval [flags] [file]"
	Short   string
	Long    string
	Aliases []string
	Exec    func(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error
}

// Name is the first word of Usage.
func (c *Command) Name() string {
	name, _, _ := strings.Cut(c.Usage, " ")

	return name
}

// HelpLine is the command's entry in the global usage.
func (c *Command) HelpLine() string {
	return "  " + padRight(c.Name(), 10) + c.Short
}

// Run parses args and executes the command. Returns the exit code.
func (c *Command) Run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) int {
	c.Flags.Usage = func() {}
	c.Flags.SetOutput(&strings.Builder{})

	err := c.Flags.Parse(args)
	if err != nil {
		fprintError(stderr, err)
		fprintln(stderr)
		c.printHelp(stderr)

		return 1
	}

	help, _ := c.Flags.GetBool("help")
	if help {
		c.printHelp(stdout)

		return 0
	}

	err = c.Exec(ctx, stdin, stdout, stderr, c.Flags.Args())
	if err != nil {
		if !errors.Is(err, ErrSilentExit) {
			fprintError(stderr, err)
		}

		return 1
	}

	return 0
}

func (c *Command) printHelp(output io.Writer) {
	fprintln(output, "Usage: snekbox "+c.Usage)
	fprintln(output)
	fprintln(output, c.Long)

	usages := c.Flags.FlagUsages()
	if usages != "" {
		fprintln(output)
		fprintln(output, "Flags:")
		fprintf(output, "%s", usages)
	}
}

func padRight(s string, n int) string {
	if len(s) >= n {
		return s + " "
	}

	return s + strings.Repeat(" ", n-len(s))
}
