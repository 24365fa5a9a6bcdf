//go:build linux

package sandbox

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/calvinalkan/snekbox/libmount"
)

//go:embed profiles/python3.yaml
var defaultProfileYAML []byte

// Profile describes how evaluated code is isolated: which program reads the
// code, what it can see of the host filesystem and which limits apply when
// the caller does not override them.
type Profile struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`

	// Command is the program started inside the sandbox. The code is written
	// to its stdin. A bare name is looked up in the profile's PATH.
	Command []string `yaml:"command"`

	Environment map[string]string `yaml:"environment,omitempty"`
	Hostname    string            `yaml:"hostname,omitempty"`

	// UID and GID are the ids inside the sandbox. Nil keeps the caller's ids.
	UID *int `yaml:"uid,omitempty"`
	GID *int `yaml:"gid,omitempty"`

	Filesystem []FilesystemEntry `yaml:"filesystem,omitempty"`
	Limits     Limits            `yaml:"limits,omitempty"`
	Resources  ResourceConfig    `yaml:"resources,omitempty"`
}

// FilesystemEntry is a single host path exposed inside the sandbox.
type FilesystemEntry struct {
	Source   string `yaml:"source,omitempty"`
	Dest     string `yaml:"dest"`
	Mode     string `yaml:"mode,omitempty"`
	Type     string `yaml:"type,omitempty"`
	Optional bool   `yaml:"optional,omitempty"`
}

// Filesystem entry types.
const (
	EntryTypeBind  = ""
	EntryTypeTmpfs = "tmpfs"
	EntryTypeDir   = "dir"
)

// Filesystem entry modes.
const (
	EntryModeRO = "ro"
	EntryModeRW = "rw"
)

// Limits are the per-execution limits. A zero field means "not set"; the
// executor falls back to the profile, then to its built-in defaults.
type Limits struct {
	Timeout           time.Duration `yaml:"timeout,omitempty"`
	CPUTime           time.Duration `yaml:"cpu_time,omitempty"`
	Memory            libmount.Size `yaml:"memory,omitempty"`
	FileSize          libmount.Size `yaml:"file_size,omitempty"`
	InstanceSize      libmount.Size `yaml:"instance_size,omitempty"`
	MaxOutput         libmount.Size `yaml:"max_output,omitempty"`
	MaxAttachments    int           `yaml:"max_attachments,omitempty"`
	MaxAttachmentSize libmount.Size `yaml:"max_attachment_size,omitempty"`
}

// Merge returns l with every zero field replaced by the value from fallback.
func (l Limits) Merge(fallback Limits) Limits {
	out := l

	if out.Timeout == 0 {
		out.Timeout = fallback.Timeout
	}

	if out.CPUTime == 0 {
		out.CPUTime = fallback.CPUTime
	}

	if out.Memory == 0 {
		out.Memory = fallback.Memory
	}

	if out.FileSize == 0 {
		out.FileSize = fallback.FileSize
	}

	if out.InstanceSize == 0 {
		out.InstanceSize = fallback.InstanceSize
	}

	if out.MaxOutput == 0 {
		out.MaxOutput = fallback.MaxOutput
	}

	if out.MaxAttachments == 0 {
		out.MaxAttachments = fallback.MaxAttachments
	}

	if out.MaxAttachmentSize == 0 {
		out.MaxAttachmentSize = fallback.MaxAttachmentSize
	}

	return out
}

// Validate rejects negative limits.
func (l Limits) Validate() error {
	return errors.Join(validateLimits(l)...)
}

// ResourceConfig configures the optional systemd scope around bwrap.
type ResourceConfig struct {
	// Scope enables wrapping with `systemd-run --scope`.
	Scope bool `yaml:"scope,omitempty"`
	// User runs the scope in the user's service manager (--user).
	User      bool   `yaml:"user,omitempty"`
	TasksMax  int    `yaml:"tasks_max,omitempty"`
	MemoryMax string `yaml:"memory_max,omitempty"`
	CPUQuota  string `yaml:"cpu_quota,omitempty"`
}

// HasLimits reports whether any scope property is configured.
func (r ResourceConfig) HasLimits() bool {
	return r.TasksMax > 0 || r.MemoryMax != "" || r.CPUQuota != ""
}

// DefaultProfile returns the built-in python3 profile.
func DefaultProfile() *Profile {
	p, err := ParseProfile(defaultProfileYAML)
	if err != nil {
		panic(fmt.Sprintf("sandbox: built-in profile is invalid: %v", err))
	}

	return p
}

// LoadProfile reads and parses a YAML profile file.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("sandbox: reading profile: %w", err)
	}

	p, err := ParseProfile(data)
	if err != nil {
		return nil, fmt.Errorf("sandbox: profile %s: %w", path, err)
	}

	return p, nil
}

// ParseProfile parses and validates a YAML profile. Unknown keys are errors.
func ParseProfile(data []byte) (*Profile, error) {
	var p Profile

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	err := dec.Decode(&p)
	if err != nil {
		return nil, fmt.Errorf("parsing profile: %w", err)
	}

	err = p.Validate()
	if err != nil {
		return nil, err
	}

	return &p, nil
}

// MarshalProfile encodes p as YAML that [ParseProfile] accepts.
func MarshalProfile(p *Profile) ([]byte, error) {
	var buf bytes.Buffer

	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)

	err := enc.Encode(p)
	if err != nil {
		return nil, fmt.Errorf("sandbox: encoding profile: %w", err)
	}

	err = enc.Close()
	if err != nil {
		return nil, fmt.Errorf("sandbox: encoding profile: %w", err)
	}

	return buf.Bytes(), nil
}

// Validate reports every problem with the profile at once.
func (p *Profile) Validate() error {
	if p == nil {
		return errors.New("profile is nil")
	}

	return validateProfile(p)
}

// Clone returns a deep copy of p.
func (p *Profile) Clone() *Profile {
	out := *p
	out.Command = slices.Clone(p.Command)
	out.Filesystem = slices.Clone(p.Filesystem)
	out.Environment = maps.Clone(p.Environment)

	if p.UID != nil {
		v := *p.UID
		out.UID = &v
	}

	if p.GID != nil {
		v := *p.GID
		out.GID = &v
	}

	return &out
}

// Mounts converts the profile's filesystem entries into low-level mounts.
func (p *Profile) Mounts() []Mount {
	mounts := make([]Mount, 0, len(p.Filesystem))

	for _, e := range p.Filesystem {
		switch e.Type {
		case EntryTypeTmpfs:
			mounts = append(mounts, Tmpfs(e.Dest))
		case EntryTypeDir:
			mounts = append(mounts, Dir(e.Dest))
		default:
			mounts = append(mounts, bindEntry(e))
		}
	}

	return mounts
}

func bindEntry(e FilesystemEntry) Mount {
	src := e.Source
	if src == "" {
		src = e.Dest
	}

	rw := e.Mode == EntryModeRW

	switch {
	case rw && e.Optional:
		return BindTry(src, e.Dest)
	case rw:
		return Bind(src, e.Dest)
	case e.Optional:
		return RoBindTry(src, e.Dest)
	default:
		return RoBind(src, e.Dest)
	}
}
