package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "git-remote-dropbox.json")
	cfg := &Config{
		path:    path,
		Default: &Token{Kind: KindRefresh, Value: "r1"},
		Named:   map[string]Token{"work": {Kind: KindLongLived, Value: "t2"}},
	}
	if err := cfg.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("config file mode = %o, want 600", perm)
	}

	got, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if got.Default == nil || *got.Default != (Token{Kind: KindRefresh, Value: "r1"}) {
		t.Fatalf("Default = %+v", got.Default)
	}
	if got.Named["work"] != (Token{Kind: KindLongLived, Value: "t2"}) {
		t.Fatalf("Named = %+v", got.Named)
	}
}

func TestLoadLegacyFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "git-remote-dropbox.json")
	legacy := `{"default": "tok1", "work": "tok2"}`
	if err := os.WriteFile(path, []byte(legacy), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.Default == nil || cfg.Default.Kind != KindLongLived || cfg.Default.Value != "tok1" {
		t.Fatalf("Default = %+v", cfg.Default)
	}
	if tok, ok := cfg.TokenFor("work"); !ok || tok.Value != "tok2" {
		t.Fatalf("TokenFor(work) = %+v, %v", tok, ok)
	}
}

func TestLoadRejectsUnknownVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "git-remote-dropbox.json")
	if err := os.WriteFile(path, []byte(`{"version": 99, "tokens": {"named": {}}}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadFrom(path); err == nil {
		t.Fatal("LoadFrom accepted an unknown config version")
	}
}

func TestTokenFor(t *testing.T) {
	cfg := &Config{Named: map[string]Token{}}
	if _, ok := cfg.TokenFor(""); ok {
		t.Fatal("empty config returned a default token")
	}
	if _, ok := cfg.TokenFor("work"); ok {
		t.Fatal("empty config returned a named token")
	}
}

func TestSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "git-remote-dropbox.toml")
	body := "processes = 4\nchunk_size = 1048576\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	s, err := LoadSettingsFrom(path)
	if err != nil {
		t.Fatalf("LoadSettingsFrom: %v", err)
	}
	if s.Processes != 4 {
		t.Fatalf("Processes = %d, want 4", s.Processes)
	}
	if s.ChunkSize != 1<<20 {
		t.Fatalf("ChunkSize = %d, want 1MiB", s.ChunkSize)
	}
	// Unset keys keep defaults.
	if s.TimeoutSeconds != DefaultSettings().TimeoutSeconds {
		t.Fatalf("TimeoutSeconds = %d, want default", s.TimeoutSeconds)
	}
}

func TestSettingsRejectNonPositive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "git-remote-dropbox.toml")
	if err := os.WriteFile(path, []byte("processes = 0\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadSettingsFrom(path); err == nil {
		t.Fatal("LoadSettingsFrom accepted processes = 0")
	}
}
