// Package config provides configuration management for vmbuild.
package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// Paths holds platform-specific directory paths for vmbuild.
type Paths struct {
	// ConfigDir is the directory for configuration files.
	// macOS: ~/Library/Application Support/VMBuild
	// Linux: ~/.config/vmbuild (or XDG_CONFIG_HOME)
	ConfigDir string

	// DataDir is the directory for guest images, the staging share and state.
	// All platforms: ~/.vmbuild
	DataDir string

	// ConfigFile is the path to the main config file.
	ConfigFile string
}

// GetPaths returns platform-aware paths for vmbuild.
func GetPaths() (*Paths, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	p := &Paths{}

	// Data directory is always ~/.vmbuild
	p.DataDir = filepath.Join(home, ".vmbuild")

	// Config directory is platform-specific
	switch runtime.GOOS {
	case "darwin":
		p.ConfigDir = filepath.Join(home, "Library", "Application Support", "VMBuild")
	default: // Linux and others
		// Respect XDG_CONFIG_HOME if set
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			p.ConfigDir = filepath.Join(xdgConfig, "vmbuild")
		} else {
			p.ConfigDir = filepath.Join(home, ".config", "vmbuild")
		}
	}

	// Config file lives in data directory for simplicity
	p.ConfigFile = filepath.Join(p.DataDir, "config.yaml")

	return p, nil
}

// EnsureDirectories creates the config and data directories if they don't exist.
func (p *Paths) EnsureDirectories() error {
	if err := os.MkdirAll(p.ConfigDir, 0755); err != nil {
		return err
	}
	if err := os.MkdirAll(p.DataDir, 0755); err != nil {
		return err
	}
	return nil
}
