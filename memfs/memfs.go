//go:build linux

// Package memfs hands out ephemeral tmpfs-backed directories, one per
// execution.
//
// A [Pool] owns a namespace directory and the set of instance names that are
// currently in use. [Pool.Acquire] mounts a size-bounded tmpfs at
// <namespace>/<uuid> and returns a live [MemFS]; [MemFS.Release] unmounts it
// and frees the name for reuse. A name whose mount point survives the unmount
// is retired instead of freed, so a dirty path is never handed out twice.
//
// A Pool is safe for concurrent use. A MemFS is owned by exactly one caller
// and must not be shared between goroutines.
package memfs

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/calvinalkan/snekbox/libmount"
)

// DefaultNamespaceDir is the directory under which instances are mounted.
const DefaultNamespaceDir = "/memfs"

// acquireAttempts bounds name generation so a broken randomness source
// surfaces as an error instead of an endless loop.
const acquireAttempts = 10

const (
	// namespaceMode and rootMode allow other users to traverse but not list.
	namespaceMode fs.FileMode = 0o711
	rootMode      fs.FileMode = 0o711
	writableMode  fs.FileMode = 0o777
)

var (
	// ErrPoolExhausted matches a [*PoolExhaustionError].
	ErrPoolExhausted = errors.New("memfs: no unique instance name available")
	// ErrNotLive is returned when an operation needs a mounted instance.
	ErrNotLive = errors.New("memfs: instance is not live")
	// ErrInvalidPath is returned for paths that escape the instance root.
	ErrInvalidPath = errors.New("memfs: invalid path")
)

// PoolExhaustionError is returned by [Pool.Acquire] when every generated name
// collided with one already in use.
type PoolExhaustionError struct {
	Attempts int
}

func (e *PoolExhaustionError) Error() string {
	return fmt.Sprintf("memfs: failed to generate a unique instance name in %d attempts", e.Attempts)
}

// Is reports whether target is [ErrPoolExhausted].
func (e *PoolExhaustionError) Is(target error) bool {
	return target == ErrPoolExhausted
}

// Config configures a [Pool].
type Config struct {
	// NamespaceDir is the parent of every instance mount point.
	// Defaults to [DefaultNamespaceDir].
	NamespaceDir string

	// Mounter performs mount and unmount. Defaults to [libmount.System].
	Mounter libmount.Mounter

	// NewName generates instance names. Defaults to uuid.NewString.
	NewName func() string

	// Logger receives warnings about cleanup anomalies.
	// Defaults to slog.Default().
	Logger *slog.Logger
}

// Pool allocates and tears down [MemFS] instances.
type Pool struct {
	namespace string
	mounter   libmount.Mounter
	newName   func() string
	logger    *slog.Logger

	// removeDir removes an unmounted mount point. Replaced in tests.
	removeDir func(string) error

	mu       sync.Mutex
	assigned map[string]struct{}
}

// NewPool creates the namespace directory (if needed) and returns a Pool.
func NewPool(cfg Config) (*Pool, error) {
	p := &Pool{
		namespace: cfg.NamespaceDir,
		mounter:   cfg.Mounter,
		newName:   cfg.NewName,
		logger:    cfg.Logger,
		removeDir: os.RemoveAll,
		assigned:  make(map[string]struct{}),
	}

	if p.namespace == "" {
		p.namespace = DefaultNamespaceDir
	}

	if p.mounter == nil {
		p.mounter = libmount.System{}
	}

	if p.newName == nil {
		p.newName = uuid.NewString
	}

	if p.logger == nil {
		p.logger = slog.Default()
	}

	err := os.MkdirAll(p.namespace, namespaceMode)
	if err != nil {
		return nil, fmt.Errorf("memfs: creating namespace dir: %w", err)
	}

	err = os.Chmod(p.namespace, namespaceMode)
	if err != nil {
		return nil, fmt.Errorf("memfs: chmod namespace dir: %w", err)
	}

	return p, nil
}

// NamespaceDir returns the directory instances are mounted under.
func (p *Pool) NamespaceDir() string {
	return p.namespace
}

// Assigned returns the number of names currently held, including retired ones.
func (p *Pool) Assigned() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.assigned)
}

// IsAssigned reports whether name is currently held.
func (p *Pool) IsAssigned(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, ok := p.assigned[name]

	return ok
}

// Acquire mounts a new tmpfs instance of the given size.
//
// It returns a [*PoolExhaustionError] if no unused name could be generated,
// or the [*libmount.MountError] if mounting failed.
func (p *Pool) Acquire(size libmount.Size) (*MemFS, error) {
	if size <= 0 {
		return nil, fmt.Errorf("memfs: invalid instance size %d", size)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for range acquireAttempts {
		name := p.newName()
		if _, taken := p.assigned[name]; taken {
			continue
		}

		path, err := p.mountTmpfs(name, size)
		if err != nil {
			return nil, err
		}

		p.assigned[name] = struct{}{}

		p.logger.Debug("memfs instance acquired", "name", name, "path", path, "size", size)

		return &MemFS{pool: p, size: size, state: bound{name: name, path: path}}, nil
	}

	return nil, &PoolExhaustionError{Attempts: acquireAttempts}
}

// With acquires an instance, calls fn and releases the instance exactly once,
// even if fn returns an error or panics.
func (p *Pool) With(size libmount.Size, fn func(*MemFS) error) (err error) {
	m, err := p.Acquire(size)
	if err != nil {
		return err
	}

	defer func() {
		err = errors.Join(err, m.Release())
	}()

	return fn(m)
}

func (p *Pool) mountTmpfs(name string, size libmount.Size) (string, error) {
	path := filepath.Join(p.namespace, name)

	err := os.Mkdir(path, rootMode)
	if err != nil {
		return "", fmt.Errorf("memfs: creating mount point: %w", err)
	}

	opts := libmount.Options{
		libmount.Opt("size", int64(size)),
		libmount.Opt("mode", fmt.Sprintf("%04o", rootMode)),
	}

	err = p.mounter.Mount("tmpfs", path, "tmpfs", opts)
	if err != nil {
		_ = os.Remove(path)

		return "", err
	}

	err = os.Chmod(path, rootMode)
	if err != nil {
		unmountErr := p.mounter.Unmount(path, libmount.DefaultUnmountFlags)
		// Fails with EBUSY if the unmount did not take; the name stays
		// unassigned either way.
		_ = os.Remove(path)

		return "", errors.Join(fmt.Errorf("memfs: chmod instance root: %w", err), unmountErr)
	}

	return path, nil
}

// release unmounts m's backing store and frees or retires its name.
func (p *Pool) release(name, path string) error {
	unmountErr := p.mounter.Unmount(path, libmount.DefaultUnmountFlags)

	// The directory is empty once unmounted; whatever fails to go is
	// reported by the existence check below.
	_ = p.removeDir(path)

	_, statErr := os.Lstat(path)
	if errors.Is(statErr, fs.ErrNotExist) {
		p.mu.Lock()
		delete(p.assigned, name)
		p.mu.Unlock()

		p.logger.Debug("memfs instance released", "name", name)
	} else {
		p.logger.Warn("memfs: failed to remove instance in cleanup, retiring name",
			"name", name, "path", path, "unmount_error", unmountErr)
	}

	return unmountErr
}

// state is either unbound (the zero value) or bound.
type state interface {
	isState()
}

type unbound struct{}

type bound struct {
	name string
	path string
}

func (unbound) isState() {}
func (bound) isState()   {}

// MemFS is one mounted tmpfs instance.
type MemFS struct {
	pool  *Pool
	size  libmount.Size
	state state
}

func (m *MemFS) bound() (bound, bool) {
	if m == nil {
		return bound{}, false
	}

	b, ok := m.state.(bound)

	return b, ok
}

// Live reports whether the instance is mounted.
func (m *MemFS) Live() bool {
	_, ok := m.bound()

	return ok
}

// Name returns the instance name, or "" once released.
func (m *MemFS) Name() string {
	b, _ := m.bound()

	return b.name
}

// Path returns the instance root, or "" once released.
func (m *MemFS) Path() string {
	b, _ := m.bound()

	return b.path
}

// Size returns the capacity the instance was mounted with.
func (m *MemFS) Size() libmount.Size {
	return m.size
}

// Home is the directory the sandboxed process works in.
func (m *MemFS) Home() string {
	return m.join("home")
}

// Shm is the directory mounted as /dev/shm inside the sandbox.
func (m *MemFS) Shm() string {
	return m.join("dev", "shm")
}

func (m *MemFS) join(elem ...string) string {
	b, ok := m.bound()
	if !ok {
		return ""
	}

	return filepath.Join(append([]string{b.path}, elem...)...)
}

// Resolve returns the absolute host path for rel inside the instance root.
// rel must be relative and must not escape the root.
func (m *MemFS) Resolve(rel string) (string, error) {
	b, ok := m.bound()
	if !ok {
		return "", ErrNotLive
	}

	if rel == "" || filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %q", ErrInvalidPath, rel)
	}

	cleaned := filepath.Clean(rel)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("%w: %q escapes instance root", ErrInvalidPath, rel)
	}

	return filepath.Join(b.path, cleaned), nil
}

// Mkdir creates rel (and its parents) under the instance root and sets its
// mode to perm. It returns the absolute path.
func (m *MemFS) Mkdir(rel string, perm fs.FileMode) (string, error) {
	path, err := m.Resolve(rel)
	if err != nil {
		return "", err
	}

	err = os.MkdirAll(path, perm)
	if err != nil {
		return "", fmt.Errorf("memfs: mkdir %s: %w", rel, err)
	}

	// MkdirAll is subject to umask.
	err = os.Chmod(path, perm)
	if err != nil {
		return "", fmt.Errorf("memfs: chmod %s: %w", rel, err)
	}

	return path, nil
}

// AllowWrite makes the instance root writable for everyone while fn runs
// and restores the previous mode afterwards, including when fn fails or
// panics.
func (m *MemFS) AllowWrite(fn func() error) (err error) {
	b, ok := m.bound()
	if !ok {
		return ErrNotLive
	}

	info, err := os.Stat(b.path)
	if err != nil {
		return fmt.Errorf("memfs: stat instance root: %w", err)
	}

	backup := info.Mode().Perm()

	err = os.Chmod(b.path, writableMode)
	if err != nil {
		return fmt.Errorf("memfs: allow write: %w", err)
	}

	defer func() {
		restoreErr := os.Chmod(b.path, backup)
		if restoreErr != nil {
			err = errors.Join(err, fmt.Errorf("memfs: restoring mode %04o: %w", backup, restoreErr))
		}
	}()

	return fn()
}

// Release unmounts the instance and frees its name. It is a no-op on an
// instance that is not live. The instance is no longer live afterwards even
// if unmounting failed.
func (m *MemFS) Release() error {
	b, ok := m.bound()
	if !ok {
		return nil
	}

	defer func() { m.state = unbound{} }()

	return m.pool.release(b.name, b.path)
}

// Close calls [MemFS.Release].
func (m *MemFS) Close() error {
	return m.Release()
}

func (m *MemFS) String() string {
	b, ok := m.bound()
	if !ok {
		return "<MemFS (released)>"
	}

	return fmt.Sprintf("<MemFS %s>", b.name)
}
