package session

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.tripchat.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".tripchat")
}

// Dir returns the session-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "sessions", name)
}

// DBPath returns the session's chat database path.
func DBPath(name string) string {
	return filepath.Join(Dir(name), "chat.db")
}

// CredentialsPath returns the persisted credential file path.
func CredentialsPath(name string) string {
	return filepath.Join(Dir(name), "credentials.json")
}

// StatusSocketPath returns the unix socket path for the daemon's status
// endpoint.
func StatusSocketPath(name string) string {
	return filepath.Join(Dir(name), "chatd.sock")
}

// LockPath returns the lock file path for a session.
func LockPath(name string) string {
	return filepath.Join(Dir(name), "LOCK")
}

// LogDir returns the log directory for a session.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "chatd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the session directory tree with proper permissions.
func EnsureDir(name string) error {
	for _, d := range []string{Dir(name), LogDir(name)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
