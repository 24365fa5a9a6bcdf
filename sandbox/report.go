//go:build linux

package sandbox

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Launch report lines. The launcher writes reportStarted as soon as it runs
// and reportFailed followed by the message when it gives up. The descriptor
// is close-on-exec, so the evaluated program never holds it.
const (
	reportStarted = "started"
	reportFailed  = "failed "

	reportFDFlag = "report-fd"
)

// LaunchReport is what the launcher wrote to its report pipe.
type LaunchReport struct {
	// Ran is set once the launcher was executed inside the sandbox.
	Ran bool
	// Err is the launcher's failure message. Empty when it reached exec.
	Err string
}

// Failed reports whether the evaluated program could not be started, either
// because the launcher never ran or because it gave up before exec.
func (r LaunchReport) Failed() bool {
	return !r.Ran || r.Err != ""
}

// ReadLaunchReport consumes r until EOF. Unknown lines are ignored.
func ReadLaunchReport(r io.Reader) (LaunchReport, error) {
	var report LaunchReport

	sc := bufio.NewScanner(r)

	for sc.Scan() {
		line := sc.Text()

		switch {
		case line == reportStarted:
			report.Ran = true
		case strings.HasPrefix(line, reportFailed):
			report.Err = strings.TrimPrefix(line, reportFailed)
		}
	}

	err := sc.Err()
	if err != nil {
		return report, fmt.Errorf("sandbox: reading launch report: %w", err)
	}

	return report, nil
}

// reportWriter writes straight to an inherited descriptor. It does not own
// the descriptor, so nothing closes it before exec does.
type reportWriter int

func (w reportWriter) Write(p []byte) (int, error) {
	if w < 0 {
		return len(p), nil
	}

	return unix.Write(int(w), p)
}

// reportFD finds --report-fd among the launcher flags without a full parse,
// so failures to parse can still be reported. Returns -1 when absent.
func reportFD(args []string) reportWriter {
	for _, arg := range args {
		if arg == "--" {
			break
		}

		value, ok := strings.CutPrefix(arg, "--"+reportFDFlag+"=")
		if !ok {
			continue
		}

		fd, err := strconv.Atoi(value)
		if err != nil || fd < firstExtraFD {
			return -1
		}

		return reportWriter(fd)
	}

	return -1
}
