//go:build linux

package sandbox

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
)

// reservedDests are sandbox paths owned by the planner. A profile may not
// mount over them.
var reservedDests = []string{"/", "/home", "/dev", "/dev/shm", "/proc", launcherDir}

// validateProfile is the input boundary of the package. The planner assumes
// a validated profile: absolute destinations, known types and a command.
func validateProfile(p *Profile) error {
	errs := make([]error, 0, 4)

	if strings.TrimSpace(p.Name) == "" {
		errs = append(errs, errors.New("profile name is empty"))
	}

	if len(p.Command) == 0 || strings.TrimSpace(p.Command[0]) == "" {
		errs = append(errs, errors.New("profile command is empty"))
	}

	errs = append(errs, validateEnvironment(p.Environment)...)
	errs = append(errs, validateIDs(p.UID, p.GID)...)
	errs = append(errs, validateFilesystem(p.Filesystem)...)
	errs = append(errs, validateLimits(p.Limits)...)
	errs = append(errs, validateResources(p.Resources)...)

	return errors.Join(errs...)
}

func validateEnvironment(env map[string]string) []error {
	var errs []error

	for key := range env {
		if strings.TrimSpace(key) == "" {
			errs = append(errs, errors.New("environment variable has empty name"))

			continue
		}

		if strings.ContainsAny(key, "=\x00") {
			errs = append(errs, fmt.Errorf("environment variable %q has an invalid name", key))
		}
	}

	return errs
}

func validateIDs(uid, gid *int) []error {
	var errs []error

	if uid != nil && *uid < 0 {
		errs = append(errs, fmt.Errorf("uid %d is negative", *uid))
	}

	if gid != nil && *gid < 0 {
		errs = append(errs, fmt.Errorf("gid %d is negative", *gid))
	}

	return errs
}

func validateFilesystem(entries []FilesystemEntry) []error {
	var errs []error

	for i, e := range entries {
		if strings.TrimSpace(e.Dest) == "" {
			errs = append(errs, fmt.Errorf("filesystem entry %d has empty dest", i))

			continue
		}

		if !filepath.IsAbs(e.Dest) {
			errs = append(errs, fmt.Errorf("filesystem entry %d dest %q is not absolute", i, e.Dest))
		}

		if isReservedDest(e.Dest) {
			errs = append(errs, fmt.Errorf("filesystem entry %d dest %q is reserved", i, e.Dest))
		}

		switch e.Mode {
		case "", EntryModeRO, EntryModeRW:
		default:
			errs = append(errs, fmt.Errorf("filesystem entry %d has unknown mode %q", i, e.Mode))
		}

		switch e.Type {
		case EntryTypeBind:
			if e.Source != "" && !filepath.IsAbs(e.Source) {
				errs = append(errs, fmt.Errorf("filesystem entry %d source %q is not absolute", i, e.Source))
			}
		case EntryTypeTmpfs, EntryTypeDir:
			if e.Source != "" {
				errs = append(errs, fmt.Errorf("filesystem entry %d (%s) does not accept a source", i, e.Type))
			}
		default:
			errs = append(errs, fmt.Errorf("filesystem entry %d has unknown type %q", i, e.Type))
		}
	}

	return errs
}

func isReservedDest(dest string) bool {
	cleaned := filepath.Clean(dest)

	for _, r := range reservedDests {
		if cleaned == r {
			return true
		}
	}

	return strings.HasPrefix(cleaned, launcherDir+"/") ||
		strings.HasPrefix(cleaned, "/home/") || strings.HasPrefix(cleaned, "/proc/")
}

func validateLimits(l Limits) []error {
	var errs []error

	if l.Timeout < 0 {
		errs = append(errs, fmt.Errorf("limits.timeout %s is negative", l.Timeout))
	}

	if l.CPUTime < 0 {
		errs = append(errs, fmt.Errorf("limits.cpu_time %s is negative", l.CPUTime))
	}

	if l.MaxAttachments < 0 {
		errs = append(errs, fmt.Errorf("limits.max_attachments %d is negative", l.MaxAttachments))
	}

	sizes := []struct {
		name  string
		value int64
	}{
		{"memory", int64(l.Memory)},
		{"file_size", int64(l.FileSize)},
		{"instance_size", int64(l.InstanceSize)},
		{"max_output", int64(l.MaxOutput)},
		{"max_attachment_size", int64(l.MaxAttachmentSize)},
	}

	for _, s := range sizes {
		if s.value < 0 {
			errs = append(errs, fmt.Errorf("limits.%s %d is negative", s.name, s.value))
		}
	}

	return errs
}

func validateResources(r ResourceConfig) []error {
	var errs []error

	if r.TasksMax < 0 {
		errs = append(errs, fmt.Errorf("resources.tasks_max %d is negative", r.TasksMax))
	}

	if r.MemoryMax != "" && r.MemoryMax != "infinity" {
		_, err := humanize.ParseBytes(r.MemoryMax)
		if err != nil {
			errs = append(errs, fmt.Errorf("resources.memory_max %q: %w", r.MemoryMax, err))
		}
	}

	if r.CPUQuota != "" {
		pct, ok := strings.CutSuffix(r.CPUQuota, "%")

		n, err := strconv.Atoi(pct)
		if !ok || err != nil || n <= 0 {
			errs = append(errs, fmt.Errorf("resources.cpu_quota %q must be a positive percentage", r.CPUQuota))
		}
	}

	return errs
}
