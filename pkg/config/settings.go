package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Settings are optional transfer tuning knobs, read from
// git-remote-dropbox.toml next to the credentials file. Absent file or
// absent keys keep the defaults.
type Settings struct {
	// Processes is the transfer pool size.
	Processes int `toml:"processes"`
	// ChunkSize is the upload-session threshold and chunk length in bytes.
	ChunkSize int64 `toml:"chunk_size"`
	// TimeoutSeconds bounds each HTTP request.
	TimeoutSeconds int `toml:"timeout_seconds"`
}

// DefaultSettings returns the built-in tuning values.
func DefaultSettings() Settings {
	return Settings{
		Processes:      8,
		ChunkSize:      8 << 20,
		TimeoutSeconds: 120,
	}
}

// Timeout returns the HTTP timeout as a duration.
func (s Settings) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// LoadSettings reads tuning settings from the standard locations.
func LoadSettings() (Settings, error) {
	for _, p := range Paths() {
		p = strings.TrimSuffix(p, ".json") + ".toml"
		if _, err := os.Stat(p); err != nil {
			continue
		}
		return LoadSettingsFrom(p)
	}
	return DefaultSettings(), nil
}

// LoadSettingsFrom reads tuning settings from an explicit path.
func LoadSettingsFrom(path string) (Settings, error) {
	s := DefaultSettings()
	if _, err := toml.DecodeFile(path, &s); err != nil {
		return s, fmt.Errorf("parse settings %q: %w", filepath.Base(path), err)
	}
	if s.Processes <= 0 || s.ChunkSize <= 0 || s.TimeoutSeconds <= 0 {
		return s, fmt.Errorf("settings %q: values must be positive", filepath.Base(path))
	}
	return s, nil
}
