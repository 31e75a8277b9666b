package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg := &Config{
		DefaultSession: "work",
		API:            API{BaseURL: "https://api.example.com"},
		Socket:         Socket{URL: "wss://rt.example.com/ws"},
	}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultSession != "work" {
		t.Errorf("DefaultSession = %q, want %q", loaded.DefaultSession, "work")
	}
	if loaded.API.BaseURL != "https://api.example.com" {
		t.Errorf("API.BaseURL = %q", loaded.API.BaseURL)
	}
	if loaded.Socket.URL != "wss://rt.example.com/ws" {
		t.Errorf("Socket.URL = %q", loaded.Socket.URL)
	}
}

func TestLoadMissing(t *testing.T) {
	if _, err := Load("/nonexistent/config.toml"); err == nil {
		t.Error("Load() expected error for missing file")
	}
}

func TestTimeoutDefaults(t *testing.T) {
	var tm Timeouts
	if got := tm.Ack(); got != 10*time.Second {
		t.Errorf("Ack() = %v, want 10s", got)
	}
	if got := tm.Staleness(); got != 60*time.Second {
		t.Errorf("Staleness() = %v, want 60s", got)
	}
	if got := tm.Heartbeat(); got != 25*time.Second {
		t.Errorf("Heartbeat() = %v, want 25s", got)
	}
	if got := tm.TypingClear(); got != 6*time.Second {
		t.Errorf("TypingClear() = %v, want 6s", got)
	}
}

func TestTimeoutOverrides(t *testing.T) {
	tm := Timeouts{AckSeconds: 2, StalenessSeconds: 5}
	if got := tm.Ack(); got != 2*time.Second {
		t.Errorf("Ack() = %v, want 2s", got)
	}
	if got := tm.Staleness(); got != 5*time.Second {
		t.Errorf("Staleness() = %v, want 5s", got)
	}
}

func TestSavePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	if err := Save(path, &Config{DefaultSession: "main"}); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
