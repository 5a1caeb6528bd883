// Package config provides configuration management for pact.
package config

import (
	"os"
	"path/filepath"
	"runtime"
)

const appName = "pact"

// Paths locates pact's config and data on disk.
type Paths struct {
	// ConfigDir holds config.yaml (~/.config/pact)
	ConfigDir string

	// DataDir holds the ledger database and run logs (~/.local/share/pact)
	DataDir string
}

// DefaultPaths resolves the XDG base directories, or %APPDATA% and
// %LOCALAPPDATA% on Windows. PACT_HOME puts everything under one root,
// which is what CI runners usually want.
func DefaultPaths() *Paths {
	if root := os.Getenv("PACT_HOME"); root != "" {
		return &Paths{
			ConfigDir: filepath.Join(root, "config"),
			DataDir:   filepath.Join(root, "data"),
		}
	}
	if runtime.GOOS == "windows" {
		return &Paths{
			ConfigDir: filepath.Join(baseDir("APPDATA", "AppData", "Roaming"), appName),
			DataDir:   filepath.Join(baseDir("LOCALAPPDATA", "AppData", "Local"), appName),
		}
	}
	return &Paths{
		ConfigDir: filepath.Join(baseDir("XDG_CONFIG_HOME", ".config"), appName),
		DataDir:   filepath.Join(baseDir("XDG_DATA_HOME", ".local", "share"), appName),
	}
}

// baseDir returns $env, or the fallback elements joined under the home
// directory.
func baseDir(env string, fallback ...string) string {
	if dir := os.Getenv(env); dir != "" {
		return dir
	}
	return filepath.Join(append([]string{homeDir()}, fallback...)...)
}

func (p *Paths) ConfigFile() string {
	return filepath.Join(p.ConfigDir, "config.yaml")
}

// DatabaseFile is the default ledger database; storage.database_path
// overrides it (see DatabasePath).
func (p *Paths) DatabaseFile() string {
	return filepath.Join(p.DataDir, "state.db")
}

func (p *Paths) LogDir() string {
	return filepath.Join(p.DataDir, "logs")
}

// RunLogDir holds one JSONL event mirror per run.
func (p *Paths) RunLogDir() string {
	return filepath.Join(p.LogDir(), "runs")
}

// EnsureDirectories creates the config, data and log directories.
func (p *Paths) EnsureDirectories() error {
	for _, dir := range []string{p.ConfigDir, p.DataDir, p.RunLogDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// DatabasePath resolves the database file, honouring storage.database_path.
func (c *Config) DatabasePath(p *Paths) string {
	if c.Storage.DatabasePath != "" {
		return c.Storage.DatabasePath
	}
	return p.DatabaseFile()
}

func homeDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home
	}
	if runtime.GOOS == "windows" {
		return os.Getenv("USERPROFILE")
	}
	return os.Getenv("HOME")
}
