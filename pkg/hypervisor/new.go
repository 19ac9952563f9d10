package hypervisor

import (
	"fmt"
	"log/slog"
	"runtime"
)

// SupportedPlatform returns true if the current platform has a hypervisor driver.
func SupportedPlatform() bool {
	switch runtime.GOOS {
	case "darwin", "linux":
		return true
	default:
		return false
	}
}

// NewDriver creates a new hypervisor driver for the current platform.
// This function is implemented in platform-specific files using build tags.
// See driver_darwin.go and driver_linux.go.

// NewVM builds an unbooted engine for cfg on the platform driver. When
// cfg.ShareDir is set the directory is exported as the staging filesystem.
func NewVM(cfg *VMConfig, log *slog.Logger) (*DriverEngine, error) {
	driver, err := NewDriver()
	if err != nil {
		return nil, fmt.Errorf("create hypervisor driver: %w", err)
	}

	var fs Filesystem
	if cfg.ShareDir != "" {
		hostFS, err := NewHostFS(cfg.ShareDir)
		if err != nil {
			return nil, err
		}
		fs = hostFS
	}
	return NewEngine(driver, cfg, fs, log), nil
}
