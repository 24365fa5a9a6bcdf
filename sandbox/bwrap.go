//go:build linux

package sandbox

// This file contains the sandbox planner.
//
// The planner turns a validated Profile into the static part of the bwrap
// argv. It runs once, during Sandbox construction. Per-command pieces (the
// instance binds, the status FD and the generated /etc files) are added by
// Sandbox.Command.
import (
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"
)

// plan is the deterministic view derived from a Profile.
type plan struct {
	// bwrapArgs are everything that does not depend on a single execution.
	bwrapArgs []string

	// dataMounts are files generated from the profile and materialized per
	// command through --ro-bind-data.
	dataMounts []roBindDataMount

	// chmods are bwrap --chmod operations applied after all mounts.
	chmods []chmodMount
}

type chmodMount struct {
	path  string
	perms os.FileMode
}

// roBindDataMount is a file whose content is passed to bwrap through an
// inherited FD.
type roBindDataMount struct {
	dst   string
	data  string
	perms os.FileMode
}

// mountSpec is a mount plus the metadata used to order it.
type mountSpec struct {
	mount     Mount
	pathDepth int
}

type planner struct {
	profile  *Profile
	launcher string
	logger   *slog.Logger

	args []string
	plan plan
}

func buildPlan(profile *Profile, launcherPath string, logger *slog.Logger) (*plan, error) {
	p := planner{profile: profile, launcher: launcherPath, logger: logger}

	return p.build()
}

func (p *planner) debug(msg string, args ...any) {
	p.logger.Debug("sandbox(planning): "+msg, args...)
}

func (p *planner) build() (*plan, error) {
	p.plan = plan{}
	p.args = make([]string, 0, 64)

	// Every namespace is unshared, including the network. There is no
	// --share-net: evaluated code has no network access at all.
	p.appendArgs("--die-with-parent", "--unshare-all", "--new-session", "--clearenv", "--cap-drop", "ALL")

	if p.profile.UID != nil || p.profile.GID != nil {
		p.appendArgs("--unshare-user")
	}

	p.debug("start", "profile", p.profile.Name, "mounts", len(p.profile.Filesystem))

	fsSpecs, err := mountSpecsFromProfile(p.profile.Mounts())
	if err != nil {
		return nil, err
	}

	p.debug("mount plan", "specs", len(fsSpecs))

	err = p.appendMountSpecs(fsSpecs)
	if err != nil {
		return nil, err
	}

	err = p.appendMountSpecs([]mountSpec{
		{mount: Mount{Kind: MountProc, Dst: "/proc"}, pathDepth: 1},
		{mount: Mount{Kind: MountDev, Dst: "/dev"}, pathDepth: 1},
	})
	if err != nil {
		return nil, err
	}

	p.appendMount("--ro-bind", p.launcher, LauncherPath)
	p.plan.chmods = append(p.plan.chmods, chmodMount{path: launcherDir, perms: 0o111})

	if p.profile.UID != nil {
		p.appendArgs("--uid", strconv.Itoa(*p.profile.UID))
	}

	if p.profile.GID != nil {
		p.appendArgs("--gid", strconv.Itoa(*p.profile.GID))
	}

	if p.profile.Hostname != "" {
		p.appendArgs("--hostname", p.profile.Hostname)
	}

	p.plan.dataMounts = identityFiles(p.profile)

	for _, key := range slices.Sorted(maps.Keys(p.profile.Environment)) {
		p.appendArgs("--setenv", key, p.profile.Environment[key])
	}

	p.plan.bwrapArgs = p.args

	p.debug("done", "args", len(p.args), "dataMounts", len(p.plan.dataMounts))

	return &p.plan, nil
}

func (p *planner) appendArgs(parts ...string) {
	p.args = append(p.args, parts...)
}

func (p *planner) appendMount(flag, src, dst string) {
	p.args = append(p.args, flag, src, dst)
}

func (p *planner) appendMountSpecs(specs []mountSpec) error {
	for _, spec := range specs {
		if spec.mount.Kind == MountDir && spec.mount.Perms != 0 {
			p.plan.chmods = append(p.plan.chmods, chmodMount{path: spec.mount.Dst, perms: spec.mount.Perms})
		}

		args, err := mountToArgs(spec.mount)
		if err != nil {
			return fmt.Errorf("mountToArgs for %s src=%q dst=%q: %w", mountKindName(spec.mount.Kind), spec.mount.Src, spec.mount.Dst, err)
		}

		p.args = append(p.args, args...)
	}

	return nil
}

// mountSpecsFromProfile orders mounts from shallowest to deepest destination
// so parents are mounted before children, and drops optional binds whose
// source is missing.
func mountSpecsFromProfile(mounts []Mount) ([]mountSpec, error) {
	sorted := slices.Clone(mounts)
	sort.SliceStable(sorted, func(left, right int) bool {
		di, dj := pathDepth(sorted[left].Dst), pathDepth(sorted[right].Dst)
		if di != dj {
			return di < dj
		}

		return sorted[left].Dst < sorted[right].Dst
	})

	specs := make([]mountSpec, 0, len(sorted))

	for _, mount := range sorted {
		switch mount.Kind {
		case MountRoBind, MountRoBindTry, MountBind, MountBindTry:
			_, statErr := os.Stat(mount.Src)
			if statErr != nil {
				if os.IsNotExist(statErr) {
					if mount.Kind == MountRoBindTry || mount.Kind == MountBindTry {
						continue
					}

					return nil, fmt.Errorf("mount %s src=%q dst=%q: source does not exist", mountKindName(mount.Kind), mount.Src, mount.Dst)
				}

				return nil, fmt.Errorf("mount %s src=%q dst=%q: stat source: %w", mountKindName(mount.Kind), mount.Src, mount.Dst, statErr)
			}
		case MountTmpfs, MountDir, MountProc, MountDev:
		default:
			return nil, internalErrorf("mountSpecsFromProfile", "unknown mount kind %d (dst=%q)", mount.Kind, mount.Dst)
		}

		specs = append(specs, mountSpec{mount: mount, pathDepth: pathDepth(mount.Dst)})
	}

	return specs, nil
}

func pathDepth(path string) int {
	cleaned := filepath.Clean(path)
	if cleaned == "/" {
		return 0
	}

	return strings.Count(cleaned, "/")
}

// identityFiles generates minimal /etc/passwd and /etc/group entries for the
// sandbox ids so that user lookups inside the sandbox succeed.
func identityFiles(profile *Profile) []roBindDataMount {
	if profile.UID == nil && profile.GID == nil {
		return nil
	}

	uid, gid := os.Getuid(), os.Getgid()
	if profile.UID != nil {
		uid = *profile.UID
	}

	if profile.GID != nil {
		gid = *profile.GID
	}

	passwd := fmt.Sprintf("sandbox:x:%d:%d:sandbox:/home:/bin/sh\n", uid, gid)
	group := fmt.Sprintf("sandbox:x:%d:\n", gid)

	return []roBindDataMount{
		{dst: "/etc/passwd", data: passwd, perms: 0o444},
		{dst: "/etc/group", data: group, perms: 0o444},
	}
}
