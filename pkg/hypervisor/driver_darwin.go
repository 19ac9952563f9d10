//go:build darwin

package hypervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync"

	"github.com/Code-Hex/vz/v3"
)

// vzDriver implements Driver using macOS Virtualization.framework.
type vzDriver struct {
	mu    sync.Mutex
	cfg   *VMConfig
	vm    *vz.VirtualMachine
	vmCfg *vz.VirtualMachineConfiguration
	state driverState
	pipes [numPorts]*serialPipe
}

type driverState int

const (
	stateNew driverState = iota
	stateCreated
	stateRunning
	statePaused
	stateStopped
)

// NewDriver creates a new vz-based driver for macOS.
func NewDriver() (Driver, error) {
	return &vzDriver{
		state: stateNew,
	}, nil
}

func (d *vzDriver) Info() Info {
	return Info{
		Name:    "vz",
		Version: "1.1.0",
		Arch:    runtime.GOARCH,
	}
}

func (d *vzDriver) Validate(ctx context.Context, cfg *VMConfig) error {
	return cfg.Validate()
}

func (d *vzDriver) Create(ctx context.Context, cfg *VMConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != stateNew {
		return fmt.Errorf("vzDriver: invalid state for Create")
	}

	bootLoader, err := vz.NewLinuxBootLoader(cfg.Kernel,
		vz.WithCommandLine(cfg.Cmdline),
		vz.WithInitrd(cfg.Initrd),
	)
	if err != nil {
		return fmt.Errorf("vzDriver: create boot loader: %w", err)
	}

	vmCfg, err := vz.NewVirtualMachineConfiguration(
		bootLoader,
		uint(cfg.CPUs),
		uint64(cfg.MemoryMB)*1024*1024,
	)
	if err != nil {
		return fmt.Errorf("vzDriver: create VM config: %w", err)
	}

	platform, err := vz.NewGenericPlatformConfiguration()
	if err != nil {
		return fmt.Errorf("vzDriver: create platform config: %w", err)
	}
	vmCfg.SetPlatformVirtualMachineConfiguration(platform)

	// One virtio console per port: hvc0 is the interactive console, hvc1
	// carries the build protocol.
	pipes, err := serialPipes()
	if err != nil {
		return fmt.Errorf("vzDriver: %w", err)
	}
	var serialCfgs []*vz.VirtioConsoleDeviceSerialPortConfiguration
	for _, p := range pipes {
		attachment, err := vz.NewFileHandleSerialPortAttachment(p.guestIn, p.guestOut)
		if err != nil {
			return fmt.Errorf("vzDriver: create serial attachment: %w", err)
		}
		serialCfg, err := vz.NewVirtioConsoleDeviceSerialPortConfiguration(attachment)
		if err != nil {
			return fmt.Errorf("vzDriver: create serial config: %w", err)
		}
		serialCfgs = append(serialCfgs, serialCfg)
	}
	vmCfg.SetSerialPortsVirtualMachineConfiguration(serialCfgs)
	d.pipes = pipes

	if cfg.DiskPath != "" {
		diskAttachment, err := vz.NewDiskImageStorageDeviceAttachment(cfg.DiskPath, false)
		if err != nil {
			return fmt.Errorf("vzDriver: create disk attachment: %w", err)
		}
		blockDevice, err := vz.NewVirtioBlockDeviceConfiguration(diskAttachment)
		if err != nil {
			return fmt.Errorf("vzDriver: create block device: %w", err)
		}
		vmCfg.SetStorageDevicesVirtualMachineConfiguration([]vz.StorageDeviceConfiguration{blockDevice})
	}

	if cfg.ShareDir != "" {
		sharedDir, err := vz.NewSharedDirectory(cfg.ShareDir, false)
		if err != nil {
			return fmt.Errorf("vzDriver: create shared dir: %w", err)
		}
		dirShare, err := vz.NewSingleDirectoryShare(sharedDir)
		if err != nil {
			return fmt.Errorf("vzDriver: create dir share: %w", err)
		}
		fsConfig, err := vz.NewVirtioFileSystemDeviceConfiguration(cfg.ShareTag)
		if err != nil {
			return fmt.Errorf("vzDriver: create fs config %s: %w", cfg.ShareTag, err)
		}
		fsConfig.SetDirectoryShare(dirShare)
		vmCfg.SetDirectorySharingDevicesVirtualMachineConfiguration([]vz.DirectorySharingDeviceConfiguration{fsConfig})
	}

	ok, err := vmCfg.Validate()
	if !ok || err != nil {
		return fmt.Errorf("vzDriver: invalid configuration: %w", err)
	}

	vm, err := vz.NewVirtualMachine(vmCfg)
	if err != nil {
		return fmt.Errorf("vzDriver: create VM: %w", err)
	}

	d.cfg = cfg
	d.vmCfg = vmCfg
	d.vm = vm
	d.state = stateCreated

	return nil
}

func (d *vzDriver) Start(ctx context.Context) (chan error, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != stateCreated && d.state != stateStopped {
		return nil, ErrNotCreated
	}

	errCh := make(chan error, 1)

	if err := d.vm.Start(); err != nil {
		return nil, fmt.Errorf("vzDriver: start VM: %w", err)
	}

	d.state = stateRunning

	// Pause and resume also change state; only stop/error ends the VM.
	go func() {
		for state := range d.vm.StateChangedNotify() {
			switch state {
			case vz.VirtualMachineStateStopped:
				d.markStopped()
				errCh <- nil
				return
			case vz.VirtualMachineStateError:
				d.markStopped()
				errCh <- errors.New("vzDriver: VM entered error state")
				return
			}
		}
	}()

	return errCh, nil
}

func (d *vzDriver) markStopped() {
	d.mu.Lock()
	d.state = stateStopped
	d.mu.Unlock()
}

func (d *vzDriver) Pause(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.state {
	case statePaused:
		return nil
	case stateRunning:
	default:
		return ErrNotRunning
	}

	if !d.vm.CanPause() {
		return fmt.Errorf("vzDriver: VM cannot pause in state %v", d.vm.State())
	}
	if err := d.vm.Pause(); err != nil {
		return fmt.Errorf("vzDriver: pause: %w", err)
	}
	d.state = statePaused
	return nil
}

func (d *vzDriver) Resume(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch d.state {
	case stateRunning:
		return nil
	case statePaused:
	default:
		return ErrNotRunning
	}

	if !d.vm.CanResume() {
		return fmt.Errorf("vzDriver: VM cannot resume in state %v", d.vm.State())
	}
	if err := d.vm.Resume(); err != nil {
		return fmt.Errorf("vzDriver: resume: %w", err)
	}
	d.state = stateRunning
	return nil
}

func (d *vzDriver) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != stateRunning && d.state != statePaused {
		return ErrNotRunning
	}

	canStop, err := d.vm.CanRequestStop()
	if err != nil {
		return fmt.Errorf("vzDriver: check can stop: %w", err)
	}

	if canStop {
		ok, err := d.vm.RequestStop()
		if err != nil || !ok {
			return fmt.Errorf("vzDriver: request stop failed: %w", err)
		}
	}

	d.state = stateStopped
	return nil
}

func (d *vzDriver) Kill(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != stateRunning && d.state != statePaused {
		return ErrNotRunning
	}

	if err := d.vm.Stop(); err != nil {
		return fmt.Errorf("vzDriver: force stop: %w", err)
	}

	d.state = stateStopped
	return nil
}

func (d *vzDriver) Serial(port Port) (io.Writer, io.Reader, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !port.valid() {
		return nil, nil, ErrUnknownPort
	}
	p := d.pipes[port]
	if p == nil || p.hostIn == nil || p.hostOut == nil {
		return nil, nil, fmt.Errorf("vzDriver: serial %s not initialized", port)
	}
	return p.hostIn, p.hostOut, nil
}

func (d *vzDriver) CloseSerial() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var errs []error
	for _, p := range d.pipes {
		if p != nil {
			if err := p.closeHost(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("vzDriver: close serial: %w", errors.Join(errs...))
	}
	return nil
}

func (d *vzDriver) Capabilities() Capabilities {
	return Capabilities{
		SharedDirs: true, // virtio-fs supported
		Suspend:    true, // VZVirtualMachine pause/resume
	}
}
