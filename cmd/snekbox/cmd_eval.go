//go:build linux

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/snekbox/executor"
	"github.com/calvinalkan/snekbox/libmount"
)

// ErrInvalidFileFlag is returned when a --file flag value is malformed.
var ErrInvalidFileFlag = errors.New("invalid --file format: expected PATH=HOSTFILE")

// EvalCmd creates the eval command, which runs code once and prints the
// result as JSON.
func EvalCmd(cfg *Config, logger *slog.Logger) *Command {
	flags := flag.NewFlagSet("eval", flag.ContinueOnError)
	flags.BoolP("help", "h", false, "Show help")
	flags.StringP("code", "c", "", "Evaluate `code` instead of reading a file or stdin")
	flags.String("profile", "", "Use the isolation profile at `file`")
	flags.Duration("timeout", 0, "Wall-clock limit")
	flags.Duration("cpu-time", 0, "CPU time limit (defaults to the timeout)")
	flags.Int("max-attachments", 0, "Maximum number of output files returned")
	flags.StringArray("file", nil, "Copy HOSTFILE into the sandbox home as PATH (PATH=HOSTFILE, repeatable)")

	var memory, maxOutput, maxAttachmentSize libmount.Size

	flags.Var(&memory, "memory", "Address space limit (e.g. 128MiB)")
	flags.Var(&maxOutput, "max-output", "Bytes of stdout and stderr kept each")
	flags.Var(&maxAttachmentSize, "max-attachment-size", "Bytes kept per output file")

	return &Command{
		Flags:   flags,
		Usage:   "eval [flags] [file]",
		Short:   "Evaluate code in a fresh sandbox",
		Long:    "Evaluate code from --code, a file or stdin in a fresh sandbox and print the result as JSON.\nExits 0 whenever the code was evaluated, whatever its outcome.",
		Aliases: []string{"run"},
		Exec: func(ctx context.Context, stdin io.Reader, stdout, _ io.Writer, args []string) error {
			code, err := readCode(flags, stdin, args)
			if err != nil {
				return err
			}

			specs, _ := flags.GetStringArray("file")

			files, err := readInputFiles(specs)
			if err != nil {
				return err
			}

			profilePath, _ := flags.GetString("profile")

			profile, err := loadProfile(cfg, profilePath)
			if err != nil {
				return err
			}

			e, err := newExecutor(cfg, profile, logger)
			if err != nil {
				return err
			}

			timeout, _ := flags.GetDuration("timeout")
			cpuTime, _ := flags.GetDuration("cpu-time")
			maxAttachments, _ := flags.GetInt("max-attachments")

			res, err := e.Execute(ctx, code, executor.Options{
				Timeout:           timeout,
				CPUTime:           cpuTime,
				MemoryLimit:       memory,
				MaxOutput:         maxOutput,
				MaxAttachments:    maxAttachments,
				MaxAttachmentSize: maxAttachmentSize,
				Files:             files,
			})
			if res != nil {
				printErr := printResult(stdout, res)
				if printErr != nil {
					return errors.Join(err, printErr)
				}
			}

			return err
		},
	}
}

func readCode(flags *flag.FlagSet, stdin io.Reader, args []string) (string, error) {
	if flags.Changed("code") {
		if len(args) > 0 {
			return "", errors.New("--code and a file argument are mutually exclusive")
		}

		code, _ := flags.GetString("code")

		return code, nil
	}

	switch {
	case len(args) > 1:
		return "", fmt.Errorf("expected at most one file, got %d", len(args))
	case len(args) == 1 && args[0] != "-":
		data, err := os.ReadFile(args[0])
		if err != nil {
			return "", fmt.Errorf("reading code: %w", err)
		}

		return string(data), nil
	}

	if stdin == nil {
		return "", errors.New("no code given: pass --code, a file or pipe it on stdin")
	}

	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("reading code from stdin: %w", err)
	}

	return string(data), nil
}

func readInputFiles(specs []string) ([]executor.InputFile, error) {
	files := make([]executor.InputFile, 0, len(specs))

	for _, spec := range specs {
		path, hostPath, ok := strings.Cut(spec, "=")
		if !ok || path == "" || hostPath == "" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidFileFlag, spec)
		}

		content, err := os.ReadFile(hostPath)
		if err != nil {
			return nil, fmt.Errorf("reading --file %s: %w", path, err)
		}

		files = append(files, executor.InputFile{Path: path, Content: content})
	}

	return files, nil
}

func printResult(w io.Writer, res *executor.Result) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	err := enc.Encode(res)
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}

	return nil
}
