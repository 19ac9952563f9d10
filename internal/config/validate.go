package config

import (
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/javanstorm/vmbuild/pkg/hypervisor"
)

// ValidationError represents a configuration issue.
type ValidationError struct {
	Field   string
	Message string
	Fatal   bool // true = can't proceed, false = informational
}

// ValidateConfig checks configuration against platform capabilities.
// Returns a list of validation errors/warnings.
func ValidateConfig(cfg *Config, caps hypervisor.Capabilities) []ValidationError {
	var errors []ValidationError

	if cfg.CPUs < 1 {
		errors = append(errors, ValidationError{
			Field:   "cpus",
			Message: fmt.Sprintf("need at least 1 CPU, got %d", cfg.CPUs),
			Fatal:   true,
		})
	}
	if cfg.MemoryMB < 128 {
		errors = append(errors, ValidationError{
			Field:   "memory_mb",
			Message: fmt.Sprintf("need at least 128 MB, got %d", cfg.MemoryMB),
			Fatal:   true,
		})
	}
	if _, err := os.Stat(cfg.Kernel); err != nil {
		errors = append(errors, ValidationError{
			Field:   "kernel",
			Message: fmt.Sprintf("kernel image not found: %s", cfg.Kernel),
			Fatal:   true,
		})
	}

	root := path.Clean(strings.ReplaceAll(cfg.BuildRoot, "\\", "/"))
	if cfg.BuildRoot == "" || root == "." || path.IsAbs(cfg.BuildRoot) || root == ".." || strings.HasPrefix(root, "../") {
		errors = append(errors, ValidationError{
			Field:   "build_root",
			Message: fmt.Sprintf("must be a relative directory inside the share, got %q", cfg.BuildRoot),
			Fatal:   true,
		})
	}
	if cfg.BuildTimeout < 0 {
		errors = append(errors, ValidationError{
			Field:   "build_timeout",
			Message: "must not be negative (0 waits forever)",
			Fatal:   true,
		})
	}
	if cfg.CancelGrace < 0 {
		errors = append(errors, ValidationError{
			Field:   "cancel_grace",
			Message: "must not be negative",
			Fatal:   true,
		})
	}

	// Check shared directory
	if cfg.ShareDir == "" {
		errors = append(errors, ValidationError{
			Field:   "share_dir",
			Message: "is required; builds are staged through the shared directory",
			Fatal:   true,
		})
	} else if !caps.SharedDirs {
		errors = append(errors, ValidationError{
			Field:   "share_dir",
			Message: "Shared directories not supported on this platform (Linux KVM lacks virtio-fs); the guest must see the share another way",
			Fatal:   false,
		})
	}

	// Check suspend
	if !caps.Suspend {
		errors = append(errors, ValidationError{
			Field:   "suspend",
			Message: "VM suspend not supported on this platform; the guest keeps running between builds",
			Fatal:   false,
		})
	}

	return errors
}

// HasFatal reports whether any issue prevents starting the VM.
func HasFatal(errors []ValidationError) bool {
	for _, e := range errors {
		if e.Fatal {
			return true
		}
	}
	return false
}

// FormatValidationErrors returns human-readable error summary.
func FormatValidationErrors(errors []ValidationError) string {
	if len(errors) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Configuration warnings:\n")
	for _, e := range errors {
		prefix := "Warning"
		if e.Fatal {
			prefix = "Error"
		}
		fmt.Fprintf(&b, "  %s [%s]: %s\n", prefix, e.Field, e.Message)
	}
	return b.String()
}
