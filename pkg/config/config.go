// Package config manages the credentials file and optional tuning settings
// for the dropbox remote helper.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const configVersion = 2

// TokenKind distinguishes how a stored token is used against the API.
type TokenKind string

const (
	// KindRefresh is an OAuth refresh token exchanged for short-lived
	// access tokens on demand.
	KindRefresh TokenKind = "refresh"
	// KindLongLived is a legacy long-lived access token used directly.
	KindLongLived TokenKind = "long-lived"
)

// Token is one stored credential.
type Token struct {
	Kind  TokenKind
	Value string
}

// MarshalJSON stores a token as its historical ["kind", "value"] pair form.
func (t Token) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{string(t.Kind), t.Value})
}

// UnmarshalJSON parses the ["kind", "value"] pair form.
func (t *Token) UnmarshalJSON(data []byte) error {
	var rep [2]string
	if err := json.Unmarshal(data, &rep); err != nil {
		return fmt.Errorf("cannot parse token: %w", err)
	}
	switch TokenKind(rep[0]) {
	case KindRefresh, KindLongLived:
		t.Kind = TokenKind(rep[0])
		t.Value = rep[1]
		return nil
	default:
		return fmt.Errorf("cannot parse token of kind %q", rep[0])
	}
}

// Config holds the default token and any named tokens.
type Config struct {
	path    string
	Default *Token
	Named   map[string]Token
}

type fileRep struct {
	Version int `json:"version"`
	Tokens  struct {
		Default *Token           `json:"default"`
		Named   map[string]Token `json:"named"`
	} `json:"tokens"`
}

// Paths returns the candidate credential file locations, most preferred
// first.
func Paths() []string {
	var out []string
	xdg := os.Getenv("XDG_CONFIG_HOME")
	if xdg == "" {
		if home, err := os.UserHomeDir(); err == nil {
			xdg = filepath.Join(home, ".config")
		}
	}
	if xdg != "" {
		out = append(out, filepath.Join(xdg, "git", "git-remote-dropbox.json"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		out = append(out, filepath.Join(home, ".git-remote-dropbox.json"))
	}
	return out
}

// Load reads the first credential file that exists, or returns an empty
// config bound to the preferred path if none does.
func Load() (*Config, error) {
	paths := Paths()
	if len(paths) == 0 {
		return nil, fmt.Errorf("cannot determine config location (no home directory)")
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return LoadFrom(p)
		}
	}
	return &Config{path: paths[0], Named: make(map[string]Token)}, nil
}

// LoadFrom reads a credential file at an explicit path.
func LoadFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := &Config{path: path, Named: make(map[string]Token)}

	var rep fileRep
	if err := json.Unmarshal(data, &rep); err == nil && rep.Version == configVersion {
		cfg.Default = rep.Tokens.Default
		for name, tok := range rep.Tokens.Named {
			cfg.Named[name] = tok
		}
		return cfg, nil
	} else if err == nil && rep.Version > 0 {
		return nil, fmt.Errorf("expected config version %d, got %d; delete %q to re-initialize", configVersion, rep.Version, path)
	}

	// Pre-versioning format: a plain object mapping account names to
	// long-lived tokens, with "default" as the fallback key.
	var legacy map[string]string
	if err := json.Unmarshal(data, &legacy); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	for name, value := range legacy {
		tok := Token{Kind: KindLongLived, Value: value}
		if name == "default" {
			t := tok
			cfg.Default = &t
		} else {
			cfg.Named[name] = tok
		}
	}
	return cfg, nil
}

// Save writes the config to its path with 0600 permissions, atomically.
func (c *Config) Save() error {
	var rep fileRep
	rep.Version = configVersion
	rep.Tokens.Default = c.Default
	rep.Tokens.Named = c.Named
	data, err := json.MarshalIndent(&rep, "", "  ")
	if err != nil {
		return fmt.Errorf("write config: marshal: %w", err)
	}

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("write config: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".config-tmp-*")
	if err != nil {
		return fmt.Errorf("write config: tmpfile: %w", err)
	}
	tmpName := tmp.Name()

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write config: chmod: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write config: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write config: close: %w", err)
	}
	if err := os.Rename(tmpName, c.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write config: rename: %w", err)
	}
	return nil
}

// TokenFor resolves the token for a named account; name "" selects the
// default token. The second return is false when no such login exists.
func (c *Config) TokenFor(name string) (Token, bool) {
	if name == "" {
		if c.Default == nil {
			return Token{}, false
		}
		return *c.Default, true
	}
	tok, ok := c.Named[name]
	return tok, ok
}
