//go:build linux

package executor_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/calvinalkan/snekbox/executor"
	"github.com/calvinalkan/snekbox/libmount"
	"github.com/calvinalkan/snekbox/memfs"
	"github.com/calvinalkan/snekbox/sandbox"
)

// newSystemExecutor uses real tmpfs mounts and a real bwrap running python3.
func newSystemExecutor(t *testing.T) (*executor.Executor, *memfs.Pool) {
	t.Helper()

	if os.Geteuid() != 0 {
		t.Skip("mounting tmpfs requires root")
	}

	bwrap, err := exec.LookPath("bwrap")
	if err != nil {
		t.Skip("bwrap not installed")
	}

	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not installed")
	}

	pool, err := memfs.NewPool(memfs.Config{NamespaceDir: filepath.Join(t.TempDir(), "memfs"), Mounter: libmount.System{}})
	if err != nil {
		t.Fatal(err)
	}

	launcher, err := os.Executable()
	if err != nil {
		t.Fatal(err)
	}

	sb, err := sandbox.New(sandbox.Config{BwrapPath: bwrap, LauncherPath: launcher})
	if err != nil {
		t.Fatal(err)
	}

	e, err := executor.New(executor.Config{Pool: pool, Sandbox: sb})
	if err != nil {
		t.Fatal(err)
	}

	return e, pool
}

func evalPython(t *testing.T, e *executor.Executor, code string, opts executor.Options) *executor.Result {
	t.Helper()

	res, err := e.Execute(context.Background(), code, opts)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if res.Status == executor.StatusSandboxFault && strings.HasPrefix(res.Stderr, "bwrap:") {
		t.Skipf("bwrap cannot create a sandbox here: %s", res.Stderr)
	}

	return res
}

func Test_ExecuteE2E_Prints_Hello(t *testing.T) {
	t.Parallel()

	e, pool := newSystemExecutor(t)

	res := evalPython(t, e, "print('hello')", executor.Options{})

	if res.Status != executor.StatusSuccess || res.Stdout != "hello\n" {
		t.Fatalf("got %s %q (stderr %q)", res.Status, res.Stdout, res.Stderr)
	}

	if pool.Assigned() != 0 {
		t.Fatalf("Assigned = %d, want 0", pool.Assigned())
	}
}

func Test_ExecuteE2E_Reports_Uncaught_Exception(t *testing.T) {
	t.Parallel()

	e, _ := newSystemExecutor(t)

	res := evalPython(t, e, "raise ValueError('nope')", executor.Options{})

	if res.Status != executor.StatusUserError || res.ExitCode != 1 {
		t.Fatalf("got (%s, %d)", res.Status, res.ExitCode)
	}

	if !strings.Contains(res.Stderr, "ValueError: nope") {
		t.Fatalf("Stderr = %q", res.Stderr)
	}
}

func Test_ExecuteE2E_Times_Out_Busy_Loop(t *testing.T) {
	t.Parallel()

	e, pool := newSystemExecutor(t)

	res := evalPython(t, e, "while True: pass", executor.Options{Timeout: time.Second})

	if res.Status != executor.StatusTimeout {
		t.Fatalf("Status = %s, want timeout", res.Status)
	}

	if pool.Assigned() != 0 {
		t.Fatalf("Assigned = %d, want 0", pool.Assigned())
	}
}

func Test_ExecuteE2E_Returns_Output_Attachment(t *testing.T) {
	t.Parallel()

	e, _ := newSystemExecutor(t)

	res := evalPython(t, e, "open('output.txt', 'w').write('made inside')", executor.Options{})

	if res.Status != executor.StatusSuccess || len(res.Attachments) != 1 {
		t.Fatalf("got %s with %d attachments (stderr %q)", res.Status, len(res.Attachments), res.Stderr)
	}

	if string(res.Attachments[0].Content) != "made inside" {
		t.Fatalf("Content = %q", res.Attachments[0].Content)
	}
}

func Test_ExecuteE2E_Fills_Tmpfs_Without_Crashing_Host(t *testing.T) {
	t.Parallel()

	e, _ := newSystemExecutor(t)

	code := "open('output.big', 'wb').write(b'x' * (40 * 1024 * 1024))"
	res := evalPython(t, e, code, executor.Options{})

	if res.Status != executor.StatusUserError {
		t.Fatalf("Status = %s, want user_error (stderr %q)", res.Status, res.Stderr)
	}

	if !strings.Contains(res.Stderr, "No space left on device") && !strings.Contains(res.Stderr, "File too large") {
		t.Fatalf("Stderr = %q", res.Stderr)
	}
}
