package hypervisor

import "errors"

// Configuration errors
var (
	ErrInvalidCPUCount    = errors.New("hypervisor: CPU count must be at least 1")
	ErrInsufficientMemory = errors.New("hypervisor: memory must be at least 128MB")
	ErrMissingKernel      = errors.New("hypervisor: kernel path is required")
)

// Runtime errors
var (
	ErrNotCreated         = errors.New("hypervisor: VM not created")
	ErrNotRunning         = errors.New("hypervisor: VM is not running")
	ErrSuspendUnsupported = errors.New("hypervisor: driver cannot suspend vCPUs")
	ErrUnknownPort        = errors.New("hypervisor: unknown serial port")
	ErrNotBooted          = errors.New("hypervisor: engine not booted")
	ErrUnknownNode        = errors.New("hypervisor: unknown directory id")
	ErrInvalidName        = errors.New("hypervisor: invalid file name")
	ErrNotDirectory       = errors.New("hypervisor: not a directory")
)

// Platform errors
var (
	ErrUnsupportedPlatform = errors.New("hypervisor: platform not supported")
)
