//go:build linux

// Package executor evaluates code in a fresh sandbox per call.
//
// Each [Executor.Execute] acquires one tmpfs instance from a [memfs.Pool],
// runs the sandbox profile's program on it with the code on stdin, captures
// bounded output, classifies the outcome, collects output attachments and
// releases the instance on every path.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/calvinalkan/snekbox/libmount"
	"github.com/calvinalkan/snekbox/memfs"
	"github.com/calvinalkan/snekbox/sandbox"
)

// waitDelay bounds how long Wait keeps draining output pipes after the
// sandbox was killed.
const waitDelay = 2 * time.Second

// DefaultLimits apply to anything neither the caller, the executor config nor
// the profile set.
var DefaultLimits = sandbox.Limits{
	Timeout:           6 * time.Second,
	Memory:            libmount.MiB(128),
	FileSize:          libmount.MiB(32),
	InstanceSize:      libmount.MiB(48),
	MaxOutput:         1_000_000,
	MaxAttachments:    100,
	MaxAttachmentSize: libmount.MiB(8),
}

// ErrInvalidInput is returned for options the executor refuses to run with.
var ErrInvalidInput = errors.New("executor: invalid input")

// Config configures an [Executor].
type Config struct {
	Pool    *memfs.Pool
	Sandbox *sandbox.Sandbox

	// Defaults override the profile's limits.
	Defaults sandbox.Limits

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Options are per-call overrides. Zero fields take the executor's defaults.
type Options struct {
	Timeout           time.Duration
	CPUTime           time.Duration
	MemoryLimit       libmount.Size
	MaxOutput         libmount.Size
	MaxAttachments    int
	MaxAttachmentSize libmount.Size

	// Files are written into the home directory before the program starts.
	Files []InputFile
}

// InputFile is a file placed in the sandbox home before execution.
type InputFile struct {
	// Path is relative to the home directory and must stay inside it.
	Path    string `json:"path"`
	Content []byte `json:"content"`
}

func (o Options) limits() sandbox.Limits {
	return sandbox.Limits{
		Timeout:           o.Timeout,
		CPUTime:           o.CPUTime,
		Memory:            o.MemoryLimit,
		MaxOutput:         o.MaxOutput,
		MaxAttachments:    o.MaxAttachments,
		MaxAttachmentSize: o.MaxAttachmentSize,
	}
}

// Executor runs code. It is safe for concurrent use.
type Executor struct {
	pool    *memfs.Pool
	sandbox *sandbox.Sandbox
	limits  sandbox.Limits
	logger  *slog.Logger
}

// New returns an Executor. Pool and Sandbox are required.
func New(cfg Config) (*Executor, error) {
	if cfg.Pool == nil {
		return nil, errors.New("executor: pool is required")
	}

	if cfg.Sandbox == nil {
		return nil, errors.New("executor: sandbox is required")
	}

	err := cfg.Defaults.Validate()
	if err != nil {
		return nil, fmt.Errorf("executor: defaults: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	limits := cfg.Defaults.Merge(cfg.Sandbox.Profile().Limits).Merge(DefaultLimits)

	return &Executor{pool: cfg.Pool, sandbox: cfg.Sandbox, limits: limits, logger: logger}, nil
}

// Limits returns the limits used for fields an [Options] leaves zero.
func (e *Executor) Limits() sandbox.Limits {
	return e.limits
}

// Execute evaluates code and returns its result.
//
// Timeouts, non-zero exits and sandbox faults are reported in the Result.
// An error is returned when no result could be produced: the pool has no
// instance (see [memfs.ErrPoolExhausted]), mounting failed, the options
// are invalid or ctx was cancelled. If releasing the instance fails after a
// successful run, both the Result and the release error are returned.
func (e *Executor) Execute(ctx context.Context, code string, opts Options) (*Result, error) {
	err := validateOptions(opts)
	if err != nil {
		return nil, err
	}

	limits := opts.limits().Merge(e.limits)
	if limits.CPUTime == 0 {
		limits.CPUTime = limits.Timeout
	}

	r := &run{logger: e.logger}
	r.transition(statePreparing)

	m, err := e.pool.Acquire(limits.InstanceSize)
	if err != nil {
		return nil, fmt.Errorf("executor: acquiring instance: %w", err)
	}

	r.logger = r.logger.With("name", m.Name())

	res, err := e.execute(ctx, r, m, code, opts.Files, limits)

	releaseErr := m.Release()
	r.transition(stateReleased)

	if releaseErr != nil {
		releaseErr = fmt.Errorf("executor: releasing instance: %w", releaseErr)
		if err == nil && res == nil {
			return nil, releaseErr
		}

		return res, errors.Join(err, releaseErr)
	}

	return res, err
}

func (e *Executor) execute(ctx context.Context, r *run, m *memfs.MemFS, code string, files []InputFile, limits sandbox.Limits) (*Result, error) {
	home, err := m.Mkdir("home", 0o777)
	if err != nil {
		return nil, fmt.Errorf("executor: preparing home: %w", err)
	}

	shm, err := m.Mkdir(filepath.Join("dev", "shm"), 0o777)
	if err != nil {
		return nil, fmt.Errorf("executor: preparing shm: %w", err)
	}

	if len(files) > 0 {
		err = m.AllowWrite(func() error { return writeFiles(home, files) })
		if err != nil {
			return nil, err
		}
	}

	statusR, statusW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("executor: creating status pipe: %w", err)
	}

	defer statusR.Close()

	reportR, reportW, err := os.Pipe()
	if err != nil {
		statusW.Close()

		return nil, fmt.Errorf("executor: creating launch report pipe: %w", err)
	}

	defer reportR.Close()

	closeWriteEnds := func() {
		statusW.Close()
		reportW.Close()
	}

	runCtx, cancel := context.WithTimeout(ctx, limits.Timeout)
	defer cancel()

	binding := sandbox.Binding{Name: m.Name(), Home: home, Shm: shm, Status: statusW, Report: reportW}

	cmd, cleanup, err := e.sandbox.Command(runCtx, binding, limits)
	if err != nil {
		closeWriteEnds()

		return nil, fmt.Errorf("executor: building command: %w", err)
	}

	defer func() {
		cleanupErr := cleanup()
		if cleanupErr != nil {
			r.logger.Warn("executor: command cleanup failed", "error", cleanupErr)
		}
	}()

	stdout := newCappedBuffer(int64(limits.MaxOutput))
	stderr := newCappedBuffer(int64(limits.MaxOutput))

	cmd.Stdin = strings.NewReader(code)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = waitDelay

	r.transition(stateRunning)

	start := time.Now()
	startErr := cmd.Start()
	closeWriteEnds()

	o := outcome{startErr: startErr}

	if startErr == nil {
		statusCh := readPipe(r.logger, statusR, sandbox.ReadStatus)
		reportCh := readPipe(r.logger, reportR, sandbox.ReadLaunchReport)

		_ = cmd.Wait()

		o.status = awaitPipe(statusCh, statusR)
		o.launch = awaitPipe(reportCh, reportR)
		o.exitCode = cmd.ProcessState.ExitCode()
		o.timedOut = errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	}

	duration := time.Since(start)

	if ctx.Err() != nil {
		r.transition(stateCancelled)

		return nil, fmt.Errorf("executor: %w", ctx.Err())
	}

	status, exitCode := classify(o)
	r.transition(stateFor(status))

	if status == StatusSandboxFault {
		r.logger.Error("executor: sandbox fault",
			"start_error", startErr,
			"started", o.status.Started(),
			"launcher_ran", o.launch.Ran,
			"launcher_error", o.launch.Err,
			"exit_code", o.exitCode,
			"stderr", truncateForLog(stderr.String()),
		)
	}

	res := &Result{
		Status:          status,
		ExitCode:        exitCode,
		Stdout:          stdout.String(),
		Stderr:          stderr.String(),
		StdoutTruncated: stdout.Truncated(),
		StderrTruncated: stderr.Truncated(),
		Attachments:     collectAttachments(r.logger, m, limits),
		Duration:        duration,
	}

	r.logger.Info("executor: finished",
		"status", res.Status,
		"returncode", res.ExitCode,
		"duration", res.Duration,
		"attachments", len(res.Attachments),
	)

	return res, nil
}

// readPipe decodes r in the background.
func readPipe[T any](logger *slog.Logger, r *os.File, read func(io.Reader) (T, error)) <-chan T {
	ch := make(chan T, 1)

	go func() {
		v, err := read(r)
		if err != nil {
			logger.Warn("executor: reading sandbox pipe", "pipe", r.Name(), "error", err)
		}

		ch <- v
	}()

	return ch
}

// awaitPipe waits for a pipe reader. Anything still holding the write end
// after bwrap exited is already dying; stop waiting after waitDelay.
func awaitPipe[T any](ch <-chan T, r *os.File) T {
	timer := time.NewTimer(waitDelay)
	defer timer.Stop()

	select {
	case v := <-ch:
		return v
	case <-timer.C:
		_ = r.Close()

		return <-ch
	}
}

func collectAttachments(logger *slog.Logger, m *memfs.MemFS, limits sandbox.Limits) []memfs.FileAttachment {
	attachments := []memfs.FileAttachment{}

	for att, err := range m.Attachments(limits.MaxAttachments, int64(limits.MaxAttachmentSize)) {
		if err != nil {
			logger.Warn("executor: skipping attachment", "error", err)

			continue
		}

		attachments = append(attachments, att)
	}

	return attachments
}

// validateOptions rejects negative limits and paths outside home.
func validateOptions(opts Options) error {
	var errs []error

	err := opts.limits().Validate()
	if err != nil {
		errs = append(errs, fmt.Errorf("%w: %w", ErrInvalidInput, err))
	}

	err = validateFiles(opts.Files)
	if err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func validateFiles(files []InputFile) error {
	var errs []error

	for _, f := range files {
		if !filepath.IsLocal(f.Path) {
			errs = append(errs, fmt.Errorf("%w: file path %q: %w", ErrInvalidInput, f.Path, memfs.ErrInvalidPath))
		}
	}

	return errors.Join(errs...)
}

func writeFiles(home string, files []InputFile) error {
	for _, f := range files {
		path := filepath.Join(home, filepath.Clean(f.Path))

		err := os.MkdirAll(filepath.Dir(path), 0o777)
		if err != nil {
			return fmt.Errorf("executor: creating parent of %s: %w", f.Path, err)
		}

		err = os.WriteFile(path, f.Content, 0o666)
		if err != nil {
			return fmt.Errorf("executor: writing %s: %w", f.Path, err)
		}
	}

	return nil
}

func truncateForLog(s string) string {
	const limit = 512

	if len(s) <= limit {
		return s
	}

	return s[:limit] + "..."
}
