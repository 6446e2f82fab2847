// Package profile lays out the per-profile directory tree under
// ~/.deptportal and resolves which profile a command targets.
package profile

import (
	"os"
	"path/filepath"
)

// HomeEnv overrides the base directory.
const HomeEnv = "DEPTPORTAL_HOME"

// BaseDir returns ~/.deptportal, or $DEPTPORTAL_HOME when set.
func BaseDir() string {
	if dir := os.Getenv(HomeEnv); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".deptportal")
}

// Dir returns the profile-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "profiles", name)
}

// SocketPath returns the UDS socket path for a profile.
func SocketPath(name string) string {
	return filepath.Join(Dir(name), "daemon.sock")
}

// SettingsPath returns the profile.toml path.
func SettingsPath(name string) string {
	return filepath.Join(Dir(name), "profile.toml")
}

// CachePath returns the SQLite cache path.
func CachePath(name string) string {
	return filepath.Join(Dir(name), "cache.db")
}

// StagingDir holds attachment previews until their message is sent.
func StagingDir(name string) string {
	return filepath.Join(Dir(name), "staging")
}

// LogDir returns the log directory for a profile.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "msgd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the profile directory tree with proper permissions.
func EnsureDir(name string) error {
	for _, d := range []string{Dir(name), LogDir(name), StagingDir(name)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
