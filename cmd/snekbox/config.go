//go:build linux

package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tailscale/hujson"

	"github.com/calvinalkan/snekbox/libmount"
	"github.com/calvinalkan/snekbox/memfs"
	"github.com/calvinalkan/snekbox/sandbox"
)

// ErrDuplicateConfigFiles is returned when both .json and .jsonc config files exist.
var ErrDuplicateConfigFiles = errors.New("duplicate config files")

// Config holds the application configuration.
type Config struct {
	// NamespaceDir is where instance tmpfs mounts live.
	NamespaceDir string `json:"namespace_dir,omitempty"`
	// Profile is the path of a YAML isolation profile. Empty means the
	// built-in python3 profile. Relative paths are resolved against the
	// directory of the config file that set them.
	Profile string `json:"profile,omitempty"`
	// Bwrap overrides the bwrap executable looked up in PATH.
	Bwrap string `json:"bwrap,omitempty"`

	Log    LogConfig    `json:"log"`
	Limits LimitsConfig `json:"limits"`

	// Files that were loaded, in order (not serialized).
	Sources []string `json:"-"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"`
}

// LimitsConfig overrides the profile's limits. Sizes accept humanized
// strings ("48MiB", "1 MB"), durations Go duration strings ("6s").
type LimitsConfig struct {
	Timeout           Duration      `json:"timeout,omitzero"`
	CPUTime           Duration      `json:"cpu_time,omitzero"`
	Memory            libmount.Size `json:"memory,omitzero"`
	FileSize          libmount.Size `json:"file_size,omitzero"`
	InstanceSize      libmount.Size `json:"instance_size,omitzero"`
	MaxOutput         libmount.Size `json:"max_output,omitzero"`
	MaxAttachments    int           `json:"max_attachments,omitempty"`
	MaxAttachmentSize libmount.Size `json:"max_attachment_size,omitzero"`
}

// Duration is a time.Duration that reads and writes as a duration string.
type Duration time.Duration

// UnmarshalText implements [encoding.TextUnmarshaler].
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parsing duration: %w", err)
	}

	*d = Duration(v)

	return nil
}

// MarshalText implements [encoding.TextMarshaler].
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (l LimitsConfig) sandboxLimits() sandbox.Limits {
	return sandbox.Limits{
		Timeout:           time.Duration(l.Timeout),
		CPUTime:           time.Duration(l.CPUTime),
		Memory:            l.Memory,
		FileSize:          l.FileSize,
		InstanceSize:      l.InstanceSize,
		MaxOutput:         l.MaxOutput,
		MaxAttachments:    l.MaxAttachments,
		MaxAttachmentSize: l.MaxAttachmentSize,
	}
}

func limitsConfigFrom(l sandbox.Limits) LimitsConfig {
	return LimitsConfig{
		Timeout:           Duration(l.Timeout),
		CPUTime:           Duration(l.CPUTime),
		Memory:            l.Memory,
		FileSize:          l.FileSize,
		InstanceSize:      l.InstanceSize,
		MaxOutput:         l.MaxOutput,
		MaxAttachments:    l.MaxAttachments,
		MaxAttachmentSize: l.MaxAttachmentSize,
	}
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		NamespaceDir: memfs.DefaultNamespaceDir,
		Log:          LogConfig{Level: "info", Format: "text"},
	}
}

// LoadConfigInput holds the inputs for LoadConfig.
type LoadConfigInput struct {
	ConfigPath string            // --config flag value
	Env        map[string]string // Environment variables (for XDG_CONFIG_HOME)
}

// LoadConfig loads configuration with the following precedence (later overrides earlier):
//  1. Built-in defaults
//  2. Global config: $XDG_CONFIG_HOME/snekbox/config.json or config.jsonc
//     (defaults to ~/.config/snekbox/), loaded if it exists
//  3. --config path, which must exist
//
// Both .json and .jsonc files support comments via tailscale/hujson.
// If both .json and .jsonc exist at the same location, it's an error.
func LoadConfig(input LoadConfigInput) (Config, error) {
	cfg := DefaultConfig()

	globalConfigBasePath, err := getUserConfigBasePath(input.Env)
	if err != nil {
		return Config{}, err
	}

	globalConfigPath, findErr := findConfigFile(globalConfigBasePath)
	switch {
	case findErr == nil:
		globalCfg, loadErr := loadConfigFile(globalConfigPath)
		if loadErr != nil {
			return Config{}, loadErr
		}

		cfg = mergeConfigs(&cfg, &globalCfg)
		cfg.Sources = append(cfg.Sources, globalConfigPath)
	case !errors.Is(findErr, os.ErrNotExist):
		return Config{}, findErr
	}

	if input.ConfigPath != "" {
		configPath, absErr := filepath.Abs(input.ConfigPath)
		if absErr != nil {
			return Config{}, fmt.Errorf("resolving config path: %w", absErr)
		}

		explicitCfg, loadErr := loadConfigFile(configPath)
		if loadErr != nil {
			return Config{}, loadErr
		}

		cfg = mergeConfigs(&cfg, &explicitCfg)
		cfg.Sources = append(cfg.Sources, configPath)
	}

	return cfg, nil
}

// findConfigFile checks for basePath.json and basePath.jsonc and returns an
// error if both exist, or os.ErrNotExist if neither does.
func findConfigFile(basePath string) (string, error) {
	jsonPath := basePath + ".json"
	jsoncPath := basePath + ".jsonc"

	jsonExists, err := fileExists(jsonPath)
	if err != nil {
		return "", err
	}

	jsoncExists, err := fileExists(jsoncPath)
	if err != nil {
		return "", err
	}

	switch {
	case jsonExists && jsoncExists:
		return "", fmt.Errorf("%w: both %s and %s exist; remove one", ErrDuplicateConfigFiles, jsonPath, jsoncPath)
	case jsonExists:
		return jsonPath, nil
	case jsoncExists:
		return jsoncPath, nil
	default:
		return "", os.ErrNotExist
	}
}

// fileExists reports whether path exists and is not a directory.
func fileExists(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}

		return false, fmt.Errorf("checking file %s: %w", path, err)
	}

	return !info.IsDir(), nil
}

// loadConfigFile loads and parses a JSON/JSONC config file.
func loadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}

	dec := json.NewDecoder(bytes.NewReader(standardized))
	dec.DisallowUnknownFields()

	var cfg Config

	err = dec.Decode(&cfg)
	if err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if cfg.Profile != "" && !filepath.IsAbs(cfg.Profile) {
		cfg.Profile = filepath.Join(filepath.Dir(path), cfg.Profile)
	}

	return cfg, nil
}

// mergeConfigs merges override into base, with override taking precedence.
// Empty/zero values in override do not override base values.
func mergeConfigs(base, override *Config) Config {
	result := *base
	result.Sources = append([]string(nil), base.Sources...)

	if override.NamespaceDir != "" {
		result.NamespaceDir = override.NamespaceDir
	}

	if override.Profile != "" {
		result.Profile = override.Profile
	}

	if override.Bwrap != "" {
		result.Bwrap = override.Bwrap
	}

	if override.Log.Level != "" {
		result.Log.Level = override.Log.Level
	}

	if override.Log.Format != "" {
		result.Log.Format = override.Log.Format
	}

	result.Limits = limitsConfigFrom(override.Limits.sandboxLimits().Merge(base.Limits.sandboxLimits()))

	return result
}

// getUserConfigBasePath returns the user config base path (without extension).
// Uses env map for XDG_CONFIG_HOME instead of os.Getenv().
func getUserConfigBasePath(env map[string]string) (string, error) {
	if xdg, ok := env["XDG_CONFIG_HOME"]; ok && xdg != "" {
		return filepath.Join(xdg, "snekbox", "config"), nil
	}

	if home, ok := env["HOME"]; ok && home != "" {
		return filepath.Join(home, ".config", "snekbox", "config"), nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}

	return filepath.Join(home, ".config", "snekbox", "config"), nil
}
