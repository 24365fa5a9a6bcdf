//go:build linux

// Package libmount mounts and unmounts filesystems with a single system call
// per operation.
//
// There is no retry and no caching. Callers that need rollback or retry (for
// example the memfs pool) implement it on top of [Mounter].
package libmount

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"golang.org/x/sys/unix"
)

// Size is a size in bytes.
type Size int64

// MiB returns a Size of n mebibytes.
func MiB(n int64) Size {
	return Size(n * 1024 * 1024)
}

// ParseSize parses a human readable size such as "48MiB" or "1000000".
func ParseSize(s string) (Size, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("parsing size %q: %w", s, err)
	}

	if n > uint64(1<<62) {
		return 0, fmt.Errorf("parsing size %q: too large", s)
	}

	return Size(n), nil
}

func (s Size) String() string {
	if s < 0 {
		return fmt.Sprintf("%dB", int64(s))
	}

	return humanize.IBytes(uint64(s))
}

// MarshalText implements [encoding.TextMarshaler]. Unlike String it is
// exact: whole mebibytes and kibibytes use those units, anything else is a
// plain byte count.
func (s Size) MarshalText() ([]byte, error) {
	const kib = 1024

	switch {
	case s != 0 && s%(kib*kib) == 0:
		return fmt.Appendf(nil, "%dMiB", int64(s)/(kib*kib)), nil
	case s != 0 && s%kib == 0:
		return fmt.Appendf(nil, "%dKiB", int64(s)/kib), nil
	default:
		return strconv.AppendInt(nil, int64(s), 10), nil
	}
}

// UnmarshalText implements [encoding.TextUnmarshaler], so sizes can be
// written as "48MiB" in config files and profiles.
func (s *Size) UnmarshalText(text []byte) error {
	parsed, err := ParseSize(string(text))
	if err != nil {
		return err
	}

	*s = parsed

	return nil
}

// Set parses value into s. Together with String and Type it lets a *Size be
// used as a command line flag value.
func (s *Size) Set(value string) error {
	return s.UnmarshalText([]byte(value))
}

// Type returns the flag type name shown in usage output.
func (*Size) Type() string {
	return "size"
}

// Option is a single filesystem-specific mount option.
type Option struct {
	Key   string
	Value string
}

// Options is an ordered list of mount options. The kernel receives them as a
// single comma-joined key=value string.
type Options []Option

// Opt is shorthand for constructing an Option.
func Opt(key string, value any) Option {
	return Option{Key: key, Value: fmt.Sprint(value)}
}

func (o Options) String() string {
	if len(o) == 0 {
		return ""
	}

	parts := make([]string, 0, len(o))
	for _, opt := range o {
		parts = append(parts, opt.Key+"="+opt.Value)
	}

	return strings.Join(parts, ",")
}

// UnmountFlags are the flags accepted by umount2(2). They may be combined
// with bitwise OR.
type UnmountFlags int

const (
	// Force aborts pending requests (MNT_FORCE).
	Force UnmountFlags = unix.MNT_FORCE
	// Detach performs a lazy unmount (MNT_DETACH).
	Detach UnmountFlags = unix.MNT_DETACH
	// Expire marks the mount point as expired (MNT_EXPIRE).
	Expire UnmountFlags = unix.MNT_EXPIRE
	// NoFollow does not dereference target if it is a symlink (UMOUNT_NOFOLLOW).
	NoFollow UnmountFlags = unix.UMOUNT_NOFOLLOW
)

// DefaultUnmountFlags detaches lazily so a busy mount does not block the caller.
const DefaultUnmountFlags = Detach

func (f UnmountFlags) String() string {
	if f == 0 {
		return "0"
	}

	names := []struct {
		flag UnmountFlags
		name string
	}{
		{Force, "MNT_FORCE"},
		{Detach, "MNT_DETACH"},
		{Expire, "MNT_EXPIRE"},
		{NoFollow, "UMOUNT_NOFOLLOW"},
	}

	var parts []string

	rest := f
	for _, n := range names {
		if f&n.flag != 0 {
			parts = append(parts, n.name)
			rest &^= n.flag
		}
	}

	if rest != 0 {
		parts = append(parts, fmt.Sprintf("%#x", int(rest)))
	}

	return strings.Join(parts, "|")
}

// MountError is returned when mount(2) fails.
type MountError struct {
	Target string
	Errno  syscall.Errno
}

func (e *MountError) Error() string {
	return fmt.Sprintf("error mounting %s: %s", e.Target, e.Errno.Error())
}

func (e *MountError) Unwrap() error {
	return e.Errno
}

// UnmountError is returned when umount2(2) fails.
type UnmountError struct {
	Target string
	Errno  syscall.Errno
}

func (e *UnmountError) Error() string {
	return fmt.Sprintf("error unmounting %s: %s", e.Target, e.Errno.Error())
}

func (e *UnmountError) Unwrap() error {
	return e.Errno
}

// Mount mounts source on target with filesystem type fstype. Mount flags are
// always zero; opts are passed as the filesystem data string.
func Mount(source, target, fstype string, opts Options) error {
	err := unix.Mount(source, target, fstype, 0, opts.String())
	if err != nil {
		return &MountError{Target: target, Errno: toErrno(err)}
	}

	return nil
}

// Unmount unmounts target with the given flags. Pass [DefaultUnmountFlags]
// unless a specific behaviour is required.
func Unmount(target string, flags UnmountFlags) error {
	err := unix.Unmount(target, int(flags))
	if err != nil {
		return &UnmountError{Target: target, Errno: toErrno(err)}
	}

	return nil
}

func toErrno(err error) syscall.Errno {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return errno
	}

	return syscall.EIO
}

// Mounter is the narrow set of OS isolation primitives the rest of the
// module depends on.
type Mounter interface {
	Mount(source, target, fstype string, opts Options) error
	Unmount(target string, flags UnmountFlags) error
}

// System is the [Mounter] backed by the real system calls.
type System struct{}

var _ Mounter = System{}

// Mount calls [Mount].
func (System) Mount(source, target, fstype string, opts Options) error {
	return Mount(source, target, fstype, opts)
}

// Unmount calls [Unmount].
func (System) Unmount(target string, flags UnmountFlags) error {
	return Unmount(target, flags)
}
