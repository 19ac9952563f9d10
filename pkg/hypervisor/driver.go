// Package hypervisor provides the VM engine used by vmbuild: a Driver
// abstraction over the platform hypervisor (macOS Virtualization.framework,
// Linux KVM) and an Engine that exposes the VM as serial byte events,
// run/stop control and a staging filesystem.
package hypervisor

import (
	"context"
	"io"
)

// Driver is the main interface for hypervisor operations.
// Platform-specific implementations (vz, kvm) satisfy this interface.
type Driver interface {
	Lifecycle
	Info() Info
	// Serial returns the host side of a serial port. Only valid after Create().
	Serial(port Port) (in io.Writer, out io.Reader, err error)
	// CloseSerial closes all serial pipes to unblock pending I/O.
	// Safe to call multiple times.
	CloseSerial() error
	// Capabilities returns what features the driver supports.
	Capabilities() Capabilities
}

// Capabilities describes driver feature support.
// Used for early validation before VM configuration.
type Capabilities struct {
	SharedDirs bool // virtio-fs or similar
	Suspend    bool // vCPUs can be paused and resumed
}

// Lifecycle defines VM lifecycle operations.
type Lifecycle interface {
	// Validate checks if the configuration is valid for this driver.
	Validate(ctx context.Context, cfg *VMConfig) error

	// Create loads images and initializes VM resources without executing
	// any guest code.
	Create(ctx context.Context, cfg *VMConfig) error

	// Start begins vCPU execution. Returns a channel that receives an error when the VM exits.
	Start(ctx context.Context) (chan error, error)

	// Pause suspends vCPU execution. Returns ErrSuspendUnsupported when the
	// backend cannot pause.
	Pause(ctx context.Context) error

	// Resume continues a paused VM.
	Resume(ctx context.Context) error

	// Stop gracefully shuts down the VM.
	Stop(ctx context.Context) error

	// Kill forcefully terminates the VM.
	Kill(ctx context.Context) error
}

// Info contains driver metadata.
type Info struct {
	Name    string // "vz" or "kvm"
	Version string // Driver version
	Arch    string // "arm64" or "amd64"
}
