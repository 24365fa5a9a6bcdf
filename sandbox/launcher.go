//go:build linux

package sandbox

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/criyle/go-sandbox/pkg/rlimit"
	flag "github.com/spf13/pflag"
	"golang.org/x/sys/unix"
)

const (
	// LauncherName is the argv[0] base name that dispatches to [RunLauncher].
	LauncherName = "snekbox-init"

	launcherDir = "/snekbox"

	// LauncherPath is where the launcher is mounted inside the sandbox.
	LauncherPath = launcherDir + "/" + LauncherName

	// LauncherExitCode is the exit status of the launcher when it fails
	// before the evaluated program starts.
	LauncherExitCode = 255

	// LauncherErrorPrefix starts every message the launcher writes to stderr.
	LauncherErrorPrefix = LauncherName + ": "
)

// launchSpec is what the launcher needs to start the evaluated program.
type launchSpec struct {
	limits rlimit.RLimits
	argv   []string
}

// LauncherArgs returns the launcher flags that apply limits. Zero limits are
// omitted. The returned flags are followed by "--" and the program argv.
func LauncherArgs(limits Limits) []string {
	var args []string

	if limits.CPUTime > 0 {
		secs := cpuSeconds(limits.CPUTime)
		args = append(args,
			"--cpu="+strconv.FormatUint(secs, 10),
			"--cpu-hard="+strconv.FormatUint(secs+1, 10),
		)
	}

	if limits.Memory > 0 {
		args = append(args, "--address-space="+strconv.FormatInt(int64(limits.Memory), 10))
	}

	if limits.FileSize > 0 {
		args = append(args, "--file-size="+strconv.FormatInt(int64(limits.FileSize), 10))
	}

	return args
}

// cpuSeconds rounds d up to whole seconds, as RLIMIT_CPU has no finer unit.
func cpuSeconds(d time.Duration) uint64 {
	return uint64(math.Ceil(d.Seconds()))
}

func parseLauncherArgs(args []string) (launchSpec, error) {
	fs := flag.NewFlagSet(LauncherName, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.SetInterspersed(false)

	var spec launchSpec

	fs.Uint64Var(&spec.limits.CPU, "cpu", 0, "CPU time soft limit in seconds")
	fs.Uint64Var(&spec.limits.CPUHard, "cpu-hard", 0, "CPU time hard limit in seconds")
	fs.Uint64Var(&spec.limits.AddressSpace, "address-space", 0, "address space limit in bytes")
	fs.Uint64Var(&spec.limits.FileSize, "file-size", 0, "file size limit in bytes")

	keepCore := fs.Bool("keep-core", false, "do not disable core dumps")
	// Consumed by reportFD; declared so the parser accepts it.
	fs.Int(reportFDFlag, -1, "descriptor for the launch report")

	err := fs.Parse(args)
	if err != nil {
		return launchSpec{}, err
	}

	spec.limits.DisableCore = !*keepCore
	spec.argv = fs.Args()

	if len(spec.argv) == 0 {
		return launchSpec{}, errors.New("no command")
	}

	return spec, nil
}

// RunLauncher is the in-sandbox entry point. It applies the rlimits given as
// flags, marks every inherited descriptor above stderr close-on-exec and
// replaces itself with the program after "--".
//
// With --report-fd it writes a [LaunchReport] to that descriptor. The
// descriptor closes on exec, so only the launcher itself can report.
//
// It only returns on failure, after writing a message starting with
// [LauncherErrorPrefix] to stderr, and the result is always
// [LauncherExitCode].
func RunLauncher(args []string, stderr io.Writer) int {
	report := reportFD(args)
	_, _ = fmt.Fprintln(report, reportStarted)

	fail := func(format string, a ...any) int {
		msg := fmt.Sprintf(format, a...)

		_, _ = fmt.Fprintln(stderr, LauncherErrorPrefix+msg)
		_, _ = fmt.Fprintln(report, reportFailed+strings.ReplaceAll(msg, "\n", " "))

		return LauncherExitCode
	}

	spec, err := parseLauncherArgs(args)
	if err != nil {
		return fail("%v", err)
	}

	path, err := exec.LookPath(spec.argv[0])
	if err != nil {
		return fail("%v", err)
	}

	env := os.Environ()

	for _, rl := range spec.limits.PrepareRLimit() {
		err = syscall.Setrlimit(rl.Res, &rl.Rlim)
		if err != nil {
			return fail("setrlimit %s: %v", rl, err)
		}
	}

	err = unix.CloseRange(firstExtraFD, math.MaxUint32, unix.CLOSE_RANGE_CLOEXEC)
	if err != nil {
		return fail("close_range: %v", err)
	}

	err = syscall.Exec(path, spec.argv, env)

	return fail("exec %s: %v", spec.argv[0], err)
}
