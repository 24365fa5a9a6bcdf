//go:build linux

package sandbox

import (
	"fmt"
	"os"
)

// Mount is a single low-level bwrap mount operation.
//
// Src is the host path for bind mounts and is ignored otherwise. Dst is the
// absolute path inside the sandbox.
type Mount struct {
	Kind MountKind
	Src  string
	Dst  string

	// Perms is applied with --chmod after all mounts when non-zero.
	// Only used by MountDir.
	Perms os.FileMode
}

// MountKind selects the bwrap flag used for a [Mount]. The zero value is
// invalid.
type MountKind int

const (
	// MountRoBind adds a read-only bind mount (--ro-bind).
	MountRoBind MountKind = iota + 1

	// MountRoBindTry is MountRoBind skipped when Src is missing (--ro-bind-try).
	MountRoBindTry

	// MountBind adds a read-write bind mount (--bind).
	MountBind

	// MountBindTry is MountBind skipped when Src is missing (--bind-try).
	MountBindTry

	// MountTmpfs mounts an empty tmpfs at Dst (--tmpfs).
	MountTmpfs

	// MountDir creates a directory (--dir).
	MountDir

	// MountProc mounts a fresh procfs (--proc).
	MountProc

	// MountDev mounts a minimal /dev (--dev).
	MountDev
)

// RoBind returns a read-only bind mount from src (host path) to dst (sandbox path).
func RoBind(src, dst string) Mount {
	return Mount{Kind: MountRoBind, Src: src, Dst: dst}
}

// RoBindTry is [RoBind] that is skipped when src does not exist.
func RoBindTry(src, dst string) Mount {
	return Mount{Kind: MountRoBindTry, Src: src, Dst: dst}
}

// Bind returns a read-write bind mount from src (host path) to dst (sandbox path).
func Bind(src, dst string) Mount {
	return Mount{Kind: MountBind, Src: src, Dst: dst}
}

// BindTry is [Bind] that is skipped when src does not exist.
func BindTry(src, dst string) Mount {
	return Mount{Kind: MountBindTry, Src: src, Dst: dst}
}

// Tmpfs returns an empty tmpfs mount at dst.
func Tmpfs(dst string) Mount {
	return Mount{Kind: MountTmpfs, Dst: dst}
}

// Dir creates dst inside the sandbox, optionally chmod'ing it to perms once
// all mounts are in place.
func Dir(dst string, perms ...os.FileMode) Mount {
	m := Mount{Kind: MountDir, Dst: dst}
	if len(perms) > 0 {
		m.Perms = perms[0]
	}

	return m
}

// mountKindName returns a stable, human-readable name for a MountKind.
func mountKindName(kind MountKind) string {
	switch kind {
	case MountRoBind:
		return "ro-bind"
	case MountRoBindTry:
		return "ro-bind-try"
	case MountBind:
		return "bind"
	case MountBindTry:
		return "bind-try"
	case MountTmpfs:
		return "tmpfs"
	case MountDir:
		return "dir"
	case MountProc:
		return "proc"
	case MountDev:
		return "dev"
	default:
		return fmt.Sprintf("unknown(%d)", kind)
	}
}

// mountToArgs converts a Mount into the corresponding bwrap arguments.
func mountToArgs(mnt Mount) ([]string, error) {
	switch mnt.Kind {
	case MountRoBind:
		return []string{"--ro-bind", mnt.Src, mnt.Dst}, nil
	case MountRoBindTry:
		return []string{"--ro-bind-try", mnt.Src, mnt.Dst}, nil
	case MountBind:
		return []string{"--bind", mnt.Src, mnt.Dst}, nil
	case MountBindTry:
		return []string{"--bind-try", mnt.Src, mnt.Dst}, nil
	case MountTmpfs:
		return []string{"--tmpfs", mnt.Dst}, nil
	case MountDir:
		return []string{"--dir", mnt.Dst}, nil
	case MountProc:
		return []string{"--proc", mnt.Dst}, nil
	case MountDev:
		return []string{"--dev", mnt.Dst}, nil
	default:
		return nil, internalErrorf("mountToArgs", "unknown mount kind %d (src=%q dst=%q)", mnt.Kind, mnt.Src, mnt.Dst)
	}
}
