//go:build linux

package hypervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"

	hypeos "github.com/c35s/hype/os/linux"
	"github.com/c35s/hype/virtio"
	"github.com/c35s/hype/vmm"
)

// kvmDriver implements Driver using Linux KVM via hype.
type kvmDriver struct {
	mu       sync.Mutex
	cfg      *VMConfig
	vm       *vmm.VM
	state    driverState
	cancel   context.CancelFunc
	diskFile *os.File
	pipes    [numPorts]*serialPipe
}

type driverState int

const (
	stateNew driverState = iota
	stateCreated
	stateRunning
	stateStopped
)

// NewDriver creates a new KVM-based driver for Linux.
func NewDriver() (Driver, error) {
	// Check if /dev/kvm exists and is accessible
	if _, err := os.Stat("/dev/kvm"); err != nil {
		return nil, fmt.Errorf("kvmDriver: /dev/kvm not accessible: %w", err)
	}
	return &kvmDriver{
		state: stateNew,
	}, nil
}

func (d *kvmDriver) Info() Info {
	return Info{
		Name:    "kvm",
		Version: "1.1.0",
		Arch:    runtime.GOARCH,
	}
}

func (d *kvmDriver) Validate(ctx context.Context, cfg *VMConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if _, err := os.Stat(cfg.Kernel); err != nil {
		return fmt.Errorf("kvmDriver: kernel not found: %w", err)
	}
	return nil
}

func (d *kvmDriver) Create(ctx context.Context, cfg *VMConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != stateNew {
		return fmt.Errorf("kvmDriver: invalid state for Create")
	}

	kernel, err := os.ReadFile(cfg.Kernel)
	if err != nil {
		return fmt.Errorf("kvmDriver: read kernel: %w", err)
	}

	var initrd []byte
	if cfg.Initrd != "" {
		initrd, err = os.ReadFile(cfg.Initrd)
		if err != nil {
			return fmt.Errorf("kvmDriver: read initrd: %w", err)
		}
	}

	pipes, err := serialPipes()
	if err != nil {
		return fmt.Errorf("kvmDriver: %w", err)
	}

	// Device order fixes the guest names: hvc0 console, hvc1 comms.
	var devices []virtio.DeviceConfig
	for _, p := range pipes {
		devices = append(devices, &virtio.ConsoleDevice{
			In:  p.guestIn,
			Out: p.guestOut,
		})
	}

	if cfg.DiskPath != "" {
		diskFile, err := os.OpenFile(cfg.DiskPath, os.O_RDWR, 0)
		if err != nil {
			return fmt.Errorf("kvmDriver: open disk: %w", err)
		}
		devices = append(devices, &virtio.BlockDevice{
			Storage: &virtio.FileStorage{File: diskFile},
		})
		d.diskFile = diskFile
	}

	// hype has no virtio-fs; ShareDir is reported by config.ValidateConfig.
	vm, err := vmm.New(vmm.Config{
		MemSize: int(cfg.MemoryMB) * 1024 * 1024,
		Devices: devices,
		Loader: &hypeos.Loader{
			Kernel:  kernel,
			Initrd:  initrd,
			Cmdline: cfg.Cmdline,
		},
	})
	if err != nil {
		if d.diskFile != nil {
			d.diskFile.Close()
			d.diskFile = nil
		}
		return fmt.Errorf("kvmDriver: create VM: %w", err)
	}

	d.cfg = cfg
	d.vm = vm
	d.pipes = pipes
	d.state = stateCreated

	return nil
}

func (d *kvmDriver) Start(ctx context.Context) (chan error, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != stateCreated && d.state != stateStopped {
		return nil, ErrNotCreated
	}

	errCh := make(chan error, 1)
	startedCh := make(chan struct{})
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	go func() {
		// vCPU ioctls must stay on one OS thread.
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		close(startedCh)

		err := d.vm.Run(runCtx)
		d.mu.Lock()
		d.state = stateStopped
		d.mu.Unlock()
		errCh <- err
	}()

	<-startedCh
	d.state = stateRunning

	return errCh, nil
}

// Pause is not available: hype has no way to park vCPUs short of ending
// the run loop.
func (d *kvmDriver) Pause(ctx context.Context) error {
	return ErrSuspendUnsupported
}

func (d *kvmDriver) Resume(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != stateRunning {
		return ErrNotRunning
	}
	return nil
}

func (d *kvmDriver) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != stateRunning {
		return ErrNotRunning
	}

	if d.cancel != nil {
		d.cancel()
	}
	d.state = stateStopped
	return nil
}

func (d *kvmDriver) Kill(ctx context.Context) error {
	// For KVM, Kill is the same as Stop (context cancellation)
	err := d.Stop(ctx)

	d.mu.Lock()
	if d.diskFile != nil {
		d.diskFile.Close()
		d.diskFile = nil
	}
	d.mu.Unlock()

	return err
}

func (d *kvmDriver) Serial(port Port) (io.Writer, io.Reader, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !port.valid() {
		return nil, nil, ErrUnknownPort
	}
	p := d.pipes[port]
	if p == nil || p.hostIn == nil || p.hostOut == nil {
		return nil, nil, fmt.Errorf("kvmDriver: serial %s not initialized", port)
	}
	return p.hostIn, p.hostOut, nil
}

func (d *kvmDriver) CloseSerial() error {
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
		return fmt.Errorf("kvmDriver: close serial: %w", errors.Join(errs...))
	}
	return nil
}

func (d *kvmDriver) Capabilities() Capabilities {
	return Capabilities{
		SharedDirs: false, // hype lacks virtio-fs/9p
		Suspend:    false, // no vCPU pause in hype
	}
}
