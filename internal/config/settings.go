package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// SettingsFile is the project settings file name looked up by FindSettings.
const SettingsFile = "fxaware.toml"

// Settings are project-level defaults for the CLI:
//
//	[paths]
//	configs = "configs"
//
//	[store]
//	db = ".fxaware/runs.db"
//
//	[log]
//	level = "info"
//
// Relative paths are resolved against the directory of the settings file.
type Settings struct {
	Paths PathSettings `toml:"paths"`
	Store StoreSettings `toml:"store"`
	Log   LogSettings   `toml:"log"`

	// Path is the file the settings were loaded from; empty for defaults.
	Path string `toml:"-"`
}

type PathSettings struct {
	Configs string `toml:"configs"`
}

type StoreSettings struct {
	DB string `toml:"db"`
}

type LogSettings struct {
	Level string `toml:"level"`
}

// DefaultSettings returns the settings used when no fxaware.toml exists.
func DefaultSettings() Settings {
	return Settings{
		Paths: PathSettings{Configs: "configs"},
		Store: StoreSettings{DB: ".fxaware/runs.db"},
		Log:   LogSettings{Level: "info"},
	}
}

// FindSettings walks from startDir up to the filesystem root looking for
// fxaware.toml.
func FindSettings(startDir string) (string, bool, error) {
	if startDir == "" {
		startDir = "."
	}
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", false, fmt.Errorf("failed to resolve start directory: %w", err)
	}
	for {
		candidate := filepath.Join(dir, SettingsFile)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", false, fmt.Errorf("failed to stat %q: %w", candidate, err)
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", false, nil
}

// LoadSettings decodes path on top of DefaultSettings. Unknown keys are an
// error.
func LoadSettings(path string) (Settings, error) {
	s := DefaultSettings()
	meta, err := toml.DecodeFile(path, &s)
	if err != nil {
		return Settings{}, fmt.Errorf("%s: failed to parse TOML: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Settings{}, fmt.Errorf("%s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	if _, err := ParseLevel(s.Log.Level); err != nil {
		return Settings{}, fmt.Errorf("%s: [log].level: %w", path, err)
	}

	root := filepath.Dir(path)
	s.Paths.Configs = resolvePath(root, s.Paths.Configs)
	s.Store.DB = resolvePath(root, s.Store.DB)
	s.Path = path
	return s, nil
}

// DiscoverSettings loads the nearest fxaware.toml above startDir, or the
// defaults when there is none.
func DiscoverSettings(startDir string) (Settings, error) {
	path, ok, err := FindSettings(startDir)
	if err != nil {
		return Settings{}, err
	}
	if !ok {
		return DefaultSettings(), nil
	}
	return LoadSettings(path)
}

// Level returns the configured log level.
func (s Settings) Level() slog.Level {
	l, err := ParseLevel(s.Log.Level)
	if err != nil {
		return slog.LevelInfo
	}
	return l
}

// ParseLevel parses debug, info, warn or error. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

func resolvePath(root, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(root, p)
}
