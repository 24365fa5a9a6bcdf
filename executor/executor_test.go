//go:build linux

package executor_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/calvinalkan/snekbox/executor"
	"github.com/calvinalkan/snekbox/libmount"
	"github.com/calvinalkan/snekbox/memfs"
	"github.com/calvinalkan/snekbox/sandbox"
)

// The test binary doubles as the in-sandbox launcher for the tests that use
// a real bwrap.
func TestMain(m *testing.M) {
	if filepath.Base(os.Args[0]) == sandbox.LauncherName {
		os.Exit(sandbox.RunLauncher(os.Args[1:], os.Stderr))
	}

	os.Exit(m.Run())
}

// dirMounter leaves mount points as plain directories.
type dirMounter struct{}

func (dirMounter) Mount(string, string, string, libmount.Options) error { return nil }

func (dirMounter) Unmount(string, libmount.UnmountFlags) error { return nil }

type harness struct {
	exec *executor.Executor
	pool *memfs.Pool
	logs *bytes.Buffer
}

// newHarness builds an executor whose "bwrap" is a shell script with the
// given body. The script runs in the instance home with the code on stdin
// and the status pipe on fd 3, so it can play every part bwrap plays.
func newHarness(t *testing.T, body string, defaults sandbox.Limits) harness {
	t.Helper()

	bwrap := filepath.Join(t.TempDir(), "bwrap")

	err := os.WriteFile(bwrap, []byte("#!/bin/sh\n"+body+"\n"), 0o755)
	if err != nil {
		t.Fatal(err)
	}

	return newHarnessWithBwrap(t, bwrap, defaults)
}

func newHarnessWithBwrap(t *testing.T, bwrap string, defaults sandbox.Limits) harness {
	t.Helper()

	logs := &bytes.Buffer{}
	logger := slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	pool, err := memfs.NewPool(memfs.Config{
		NamespaceDir: filepath.Join(t.TempDir(), "memfs"),
		Mounter:      dirMounter{},
		Logger:       logger,
	})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	launcher, err := os.Executable()
	if err != nil {
		t.Fatal(err)
	}

	sb, err := sandbox.New(sandbox.Config{BwrapPath: bwrap, LauncherPath: launcher, Logger: logger})
	if err != nil {
		t.Fatalf("sandbox.New: %v", err)
	}

	e, err := executor.New(executor.Config{Pool: pool, Sandbox: sb, Defaults: defaults, Logger: logger})
	if err != nil {
		t.Fatalf("executor.New: %v", err)
	}

	return harness{exec: e, pool: pool, logs: logs}
}

func (h harness) mustExecute(t *testing.T, code string, opts executor.Options) *executor.Result {
	t.Helper()

	res, err := h.exec.Execute(context.Background(), code, opts)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if h.pool.Assigned() != 0 {
		t.Fatalf("Assigned = %d after Execute, want 0", h.pool.Assigned())
	}

	return res
}

// childStarted plays bwrap reporting the child and the launcher reporting
// that it ran. fd 3 is the status pipe and fd 4 the launch report.
const childStarted = "echo '{\"child-pid\": 2}' >&3\necho started >&4"

func Test_Execute_Returns_Success_When_Program_Exits_Zero(t *testing.T) {
	h := newHarness(t, childStarted+"\ncat\necho '{\"exit-code\": 0}' >&3\nexit 0", sandbox.Limits{})

	res := h.mustExecute(t, "print('hello')\n", executor.Options{})

	if res.Status != executor.StatusSuccess || res.ExitCode != 0 {
		t.Fatalf("got (%s, %d), want (success, 0)", res.Status, res.ExitCode)
	}

	if res.Stdout != "print('hello')\n" {
		t.Fatalf("Stdout = %q, want the code echoed back", res.Stdout)
	}

	if res.Attachments == nil || len(res.Attachments) != 0 {
		t.Fatalf("Attachments = %#v, want empty non-nil", res.Attachments)
	}
}

func Test_Execute_Returns_UserError_When_Program_Exits_NonZero(t *testing.T) {
	h := newHarness(t, childStarted+"\necho 'Traceback' >&2\necho '{\"exit-code\": 1}' >&3\nexit 1", sandbox.Limits{})

	res := h.mustExecute(t, "raise Exception()", executor.Options{})

	if res.Status != executor.StatusUserError || res.ExitCode != 1 {
		t.Fatalf("got (%s, %d), want (user_error, 1)", res.Status, res.ExitCode)
	}

	if res.Stderr != "Traceback\n" {
		t.Fatalf("Stderr = %q", res.Stderr)
	}
}

func Test_Execute_Kills_Program_And_Releases_Instance_When_Timeout_Expires(t *testing.T) {
	h := newHarness(t, childStarted+"\nexec sleep 30", sandbox.Limits{})

	start := time.Now()
	res := h.mustExecute(t, "while True: pass", executor.Options{Timeout: 200 * time.Millisecond})

	if res.Status != executor.StatusTimeout || res.ExitCode != 137 {
		t.Fatalf("got (%s, %d), want (timeout, 137)", res.Status, res.ExitCode)
	}

	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("Execute took %s", elapsed)
	}
}

func Test_Execute_Returns_SandboxFault_When_Bwrap_Cannot_Start(t *testing.T) {
	h := newHarnessWithBwrap(t, filepath.Join(t.TempDir(), "missing-bwrap"), sandbox.Limits{})

	res := h.mustExecute(t, "print(1)", executor.Options{})

	if res.Status != executor.StatusSandboxFault || res.ExitCode != 255 {
		t.Fatalf("got (%s, %d), want (sandbox_fault, 255)", res.Status, res.ExitCode)
	}

	if !strings.Contains(h.logs.String(), "executor: sandbox fault") {
		t.Fatalf("fault not logged:\n%s", h.logs.String())
	}
}

func Test_Execute_Returns_SandboxFault_When_Bwrap_Fails_Before_Child(t *testing.T) {
	h := newHarness(t, "echo 'bwrap: No permissions to create new namespace' >&2\nexit 1", sandbox.Limits{})

	res := h.mustExecute(t, "print(1)", executor.Options{})

	if res.Status != executor.StatusSandboxFault || res.ExitCode != 255 {
		t.Fatalf("got (%s, %d), want (sandbox_fault, 255)", res.Status, res.ExitCode)
	}
}

func Test_Execute_Returns_SandboxFault_When_Launcher_Fails(t *testing.T) {
	body := strings.Join([]string{
		childStarted,
		"echo 'snekbox-init: exec \"python3\": executable file not found in $PATH' >&2",
		"echo 'failed exec \"python3\": executable file not found in $PATH' >&4",
		`echo '{"exit-code": 255}' >&3`,
		"exit 255",
	}, "\n")

	h := newHarness(t, body, sandbox.Limits{})

	res := h.mustExecute(t, "print(1)", executor.Options{})

	if res.Status != executor.StatusSandboxFault || res.ExitCode != 255 {
		t.Fatalf("got (%s, %d), want (sandbox_fault, 255)", res.Status, res.ExitCode)
	}

	if !strings.Contains(h.logs.String(), "executable file not found") {
		t.Fatalf("launcher error not logged:\n%s", h.logs.String())
	}
}

func Test_Execute_Returns_SandboxFault_When_Launcher_Never_Ran(t *testing.T) {
	body := strings.Join([]string{
		`echo '{"child-pid": 2}' >&3`,
		"echo 'bwrap: execvp /snekbox/snekbox-init: Permission denied' >&2",
		`echo '{"exit-code": 1}' >&3`,
		"exit 1",
	}, "\n")

	h := newHarness(t, body, sandbox.Limits{})

	res := h.mustExecute(t, "print(1)", executor.Options{})

	if res.Status != executor.StatusSandboxFault || res.ExitCode != 255 {
		t.Fatalf("got (%s, %d), want (sandbox_fault, 255)", res.Status, res.ExitCode)
	}
}

func Test_Execute_Returns_UserError_When_Program_Imitates_Launcher_Failure(t *testing.T) {
	body := strings.Join([]string{
		childStarted,
		"echo 'snekbox-init: exec \"python3\": not found' >&2",
		`echo '{"exit-code": 255}' >&3`,
		"exit 255",
	}, "\n")

	h := newHarness(t, body, sandbox.Limits{})

	res := h.mustExecute(t, "import sys; print('snekbox-init: exec', file=sys.stderr); sys.exit(255)", executor.Options{})

	if res.Status != executor.StatusUserError || res.ExitCode != 255 {
		t.Fatalf("got (%s, %d), want (user_error, 255)", res.Status, res.ExitCode)
	}

	if strings.Contains(h.logs.String(), "executor: sandbox fault") {
		t.Fatalf("user error logged as a sandbox fault:\n%s", h.logs.String())
	}
}

func Test_Execute_Truncates_Output_When_MaxOutput_Exceeded(t *testing.T) {
	body := childStarted + "\nhead -c 100 /dev/zero | tr '\\000' a\n" + `echo '{"exit-code": 0}' >&3`
	h := newHarness(t, body, sandbox.Limits{MaxOutput: 10})

	res := h.mustExecute(t, "", executor.Options{})

	if res.Stdout != "aaaaaaaaaa" || !res.StdoutTruncated {
		t.Fatalf("Stdout = %q truncated=%v, want 10 bytes truncated", res.Stdout, res.StdoutTruncated)
	}

	if res.StderrTruncated {
		t.Fatal("StderrTruncated = true")
	}
}

func Test_Execute_Writes_Input_Files_And_Collects_Attachments(t *testing.T) {
	body := strings.Join([]string{
		childStarted,
		"cp data/in.txt output.txt",
		"echo ignored > notes.txt",
		"head -c 64 /dev/zero > output.bin",
		`echo '{"exit-code": 0}' >&3`,
	}, "\n")

	h := newHarness(t, body, sandbox.Limits{MaxAttachmentSize: 16})

	res := h.mustExecute(t, "", executor.Options{
		Files: []executor.InputFile{{Path: "data/in.txt", Content: []byte("from the caller")}},
	})

	got := map[string]memfs.FileAttachment{}
	for _, att := range res.Attachments {
		got[att.Name] = att
	}

	want := map[string]memfs.FileAttachment{
		"output.txt": {Name: "output.txt", Size: 15, Content: []byte("from the caller")},
		"output.bin": {Name: "output.bin", Size: 64, Content: make([]byte, 16)},
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("attachments mismatch (-want +got):\n%s", diff)
	}
}

func Test_Execute_Caps_Attachment_Count(t *testing.T) {
	body := childStarted + "\nfor i in 1 2 3 4; do echo $i > output$i; done\n" + `echo '{"exit-code": 0}' >&3`
	h := newHarness(t, body, sandbox.Limits{})

	res := h.mustExecute(t, "", executor.Options{MaxAttachments: 2})

	if len(res.Attachments) != 2 {
		t.Fatalf("len(Attachments) = %d, want 2", len(res.Attachments))
	}

	if !strings.Contains(h.logs.String(), "maximum number of attachments reached") {
		t.Fatalf("missing warning:\n%s", h.logs.String())
	}
}

func Test_Execute_Rejects_Input_Files_Outside_Home_Without_Acquiring(t *testing.T) {
	h := newHarness(t, "exit 0", sandbox.Limits{})

	_, err := h.exec.Execute(context.Background(), "", executor.Options{
		Files: []executor.InputFile{{Path: "../../etc/cron.d/x"}},
	})
	if !errors.Is(err, executor.ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}

	if strings.Contains(h.logs.String(), "memfs instance acquired") {
		t.Fatal("instance acquired for invalid input")
	}
}

func Test_Execute_Rejects_Negative_Options_Without_Acquiring(t *testing.T) {
	tests := []struct {
		name string
		opts executor.Options
		want string
	}{
		{name: "Timeout", opts: executor.Options{Timeout: -time.Second}, want: "timeout"},
		{name: "CPUTime", opts: executor.Options{CPUTime: -time.Second}, want: "cpu_time"},
		{name: "MemoryLimit", opts: executor.Options{MemoryLimit: -1}, want: "memory"},
		{name: "MaxOutput", opts: executor.Options{MaxOutput: -1}, want: "max_output"},
		{name: "MaxAttachments", opts: executor.Options{MaxAttachments: -1}, want: "max_attachments"},
		{name: "MaxAttachmentSize", opts: executor.Options{MaxAttachmentSize: -1}, want: "max_attachment_size"},
	}

	body := childStarted + "\nhead -c 4096 /dev/zero > output.bin\n" + `echo '{"exit-code": 0}' >&3`
	h := newHarness(t, body, sandbox.Limits{})

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := h.exec.Execute(context.Background(), "", tt.opts)
			if !errors.Is(err, executor.ErrInvalidInput) {
				t.Fatalf("err = %v, want ErrInvalidInput", err)
			}

			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want it to name %q", err, tt.want)
			}

			if res != nil {
				t.Fatalf("res = %#v, want nil", res)
			}
		})
	}

	if strings.Contains(h.logs.String(), "memfs instance acquired") {
		t.Fatal("instance acquired for invalid options")
	}
}

func Test_New_Rejects_Negative_Defaults(t *testing.T) {
	h := newHarness(t, "exit 0", sandbox.Limits{})

	launcher, err := os.Executable()
	if err != nil {
		t.Fatal(err)
	}

	sb, err := sandbox.New(sandbox.Config{BwrapPath: "/nonexistent/bwrap", LauncherPath: launcher})
	if err != nil {
		t.Fatal(err)
	}

	_, err = executor.New(executor.Config{Pool: h.pool, Sandbox: sb, Defaults: sandbox.Limits{MaxAttachmentSize: -1}})
	if err == nil || !strings.Contains(err.Error(), "max_attachment_size") {
		t.Fatalf("err = %v, want negative max_attachment_size rejected", err)
	}
}

func Test_Execute_Returns_Context_Error_When_Caller_Cancels(t *testing.T) {
	h := newHarness(t, childStarted+"\nexec sleep 30", sandbox.Limits{})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	res, err := h.exec.Execute(ctx, "", executor.Options{Timeout: time.Minute})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	if res != nil {
		t.Fatalf("res = %#v, want nil", res)
	}

	if h.pool.Assigned() != 0 {
		t.Fatalf("Assigned = %d, want 0", h.pool.Assigned())
	}
}

func Test_Execute_Returns_PoolExhaustion_When_Names_Collide(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)

	pool, err := memfs.NewPool(memfs.Config{
		NamespaceDir: t.TempDir(),
		Mounter:      dirMounter{},
		NewName:      func() string { return "same" },
		Logger:       logger,
	})
	if err != nil {
		t.Fatal(err)
	}

	held, err := pool.Acquire(libmount.MiB(1))
	if err != nil {
		t.Fatal(err)
	}

	defer held.Release()

	launcher, err := os.Executable()
	if err != nil {
		t.Fatal(err)
	}

	sb, err := sandbox.New(sandbox.Config{BwrapPath: "/nonexistent/bwrap", LauncherPath: launcher, Logger: logger})
	if err != nil {
		t.Fatal(err)
	}

	e, err := executor.New(executor.Config{Pool: pool, Sandbox: sb, Logger: logger})
	if err != nil {
		t.Fatal(err)
	}

	_, err = e.Execute(context.Background(), "", executor.Options{})
	if !errors.Is(err, memfs.ErrPoolExhausted) {
		t.Fatalf("err = %v, want ErrPoolExhausted", err)
	}
}

func Test_New_Merges_Defaults_Over_Profile_Limits(t *testing.T) {
	h := newHarness(t, "exit 0", sandbox.Limits{Timeout: 3 * time.Second, MaxAttachments: 7})

	got := h.exec.Limits()
	want := sandbox.DefaultProfile().Limits
	want.Timeout = 3 * time.Second
	want.MaxAttachments = 7

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("limits mismatch (-want +got):\n%s", diff)
	}
}

func Test_New_Requires_Pool_And_Sandbox(t *testing.T) {
	t.Parallel()

	_, err := executor.New(executor.Config{})
	if err == nil {
		t.Fatal("New(empty config) succeeded")
	}
}
