package hypervisor

// DefaultShareTag is the virtio-fs tag the guest mounts its build tree from.
const DefaultShareTag = "vmbuild"

// VMConfig holds VM configuration parameters.
type VMConfig struct {
	// CPUs is the number of virtual CPUs.
	CPUs int

	// MemoryMB is the amount of memory in megabytes.
	MemoryMB int

	// Kernel is the path to the Linux kernel image.
	Kernel string

	// Initrd is the path to the initial ramdisk (optional).
	Initrd string

	// Cmdline is the kernel command line.
	Cmdline string

	// DiskPath is the path to the root disk image holding the build server.
	DiskPath string

	// ShareDir is the host directory exported to the guest as the staging
	// filesystem. Empty disables sharing.
	ShareDir string

	// ShareTag is the mount tag of ShareDir
	// ("mount -t virtiofs <tag> <mountpoint>" in the guest).
	ShareTag string
}

// Validate performs basic validation of the configuration.
func (c *VMConfig) Validate() error {
	if c.CPUs < 1 {
		return ErrInvalidCPUCount
	}
	if c.MemoryMB < 128 {
		return ErrInsufficientMemory
	}
	if c.Kernel == "" {
		return ErrMissingKernel
	}
	if c.ShareDir != "" && c.ShareTag == "" {
		c.ShareTag = DefaultShareTag
	}
	return nil
}
