package hypervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// Engine is the in-process VM as seen by vmbuild: serial byte events, byte
// injection, vCPU run/stop and the staging filesystem.
type Engine interface {
	// Loaded is closed once the VM images are loaded. No guest code has
	// executed at that point.
	Loaded() <-chan struct{}

	// Run starts or resumes vCPU execution. Idempotent.
	Run() error

	// Stop suspends vCPU execution. Idempotent.
	Stop() error

	// Listen registers fn for every byte the guest emits on port, in order.
	// The returned cancel func detaches it and may be called from within fn.
	Listen(port Port, fn func(b byte)) (cancel func())

	// SendByte injects one byte into port.
	SendByte(port Port, b byte) error

	// Filesystem returns the guest staging filesystem.
	Filesystem() Filesystem

	// Close shuts the VM down.
	Close(ctx context.Context) error
}

// Filesystem is the directory/file creation surface of the shared
// filesystem device. Directory ids are assigned by the device; 0 is the root.
type Filesystem interface {
	ResolvePath(ctx context.Context, path string) (id uint64, exists bool, err error)
	CreateDirectory(ctx context.Context, name string, parent uint64) (uint64, error)
	CreateBinaryFile(ctx context.Context, name string, parent uint64, content []byte) error
	RemoveAll(ctx context.Context, path string) error
}

// Listeners is an ordered set of byte callbacks. Emit calls them outside
// the lock so callbacks may detach themselves.
type Listeners struct {
	mu   sync.Mutex
	next int
	fns  []listener
}

type listener struct {
	id int
	fn func(byte)
}

// Add registers fn and returns its cancel func.
func (l *Listeners) Add(fn func(byte)) (cancel func()) {
	l.mu.Lock()
	id := l.next
	l.next++
	l.fns = append(l.fns, listener{id: id, fn: fn})
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { l.remove(id) })
	}
}

func (l *Listeners) remove(id int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, ln := range l.fns {
		if ln.id == id {
			l.fns = append(l.fns[:i:i], l.fns[i+1:]...)
			return
		}
	}
}

// Len returns the number of attached listeners.
func (l *Listeners) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.fns)
}

// Emit delivers b to every listener attached when Emit was called.
func (l *Listeners) Emit(b byte) {
	l.mu.Lock()
	fns := l.fns
	l.mu.Unlock()
	for _, ln := range fns {
		ln.fn(b)
	}
}

// DriverEngine adapts a Driver to the Engine interface. Create loads the
// images and fires Loaded; the first Run starts the vCPUs, later ones
// resume them; Stop pauses.
type DriverEngine struct {
	driver Driver
	cfg    *VMConfig
	fs     Filesystem
	log    *slog.Logger

	loaded    chan struct{}
	listeners [numPorts]Listeners

	mu      sync.Mutex
	ctx     context.Context
	booted  bool
	started bool
	running bool
	ins     [numPorts]io.Writer
	exitCh  chan error
}

// NewEngine returns an engine around driver. fs may be nil when the VM has
// no shared directory.
func NewEngine(driver Driver, cfg *VMConfig, fs Filesystem, log *slog.Logger) *DriverEngine {
	if log == nil {
		log = slog.Default()
	}
	return &DriverEngine{
		driver: driver,
		cfg:    cfg,
		fs:     fs,
		log:    log,
		loaded: make(chan struct{}),
	}
}

// Boot validates and creates the VM, starts the serial pumps and fires
// Loaded. ctx bounds the lifetime of the running VM.
func (e *DriverEngine) Boot(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.booted {
		return nil
	}
	if err := e.driver.Validate(ctx, e.cfg); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	if err := e.driver.Create(ctx, e.cfg); err != nil {
		return fmt.Errorf("create VM: %w", err)
	}

	for p := PortConsole; p < numPorts; p++ {
		in, out, err := e.driver.Serial(p)
		if err != nil {
			return fmt.Errorf("serial %s: %w", p, err)
		}
		e.ins[p] = in
		go e.pump(p, out)
	}

	e.ctx = ctx
	e.booted = true
	close(e.loaded)
	e.log.Info("hypervisor: VM loaded", "driver", e.driver.Info().Name)
	return nil
}

func (e *DriverEngine) pump(p Port, out io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := out.Read(buf)
		for _, b := range buf[:n] {
			e.listeners[p].Emit(b)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				e.log.Debug("hypervisor: serial pump stopped", "port", p, "err", err)
			}
			return
		}
	}
}

func (e *DriverEngine) Loaded() <-chan struct{} {
	return e.loaded
}

func (e *DriverEngine) Run() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.booted {
		return ErrNotBooted
	}
	if e.running {
		return nil
	}
	if !e.started {
		exitCh, err := e.driver.Start(e.ctx)
		if err != nil {
			return fmt.Errorf("start VM: %w", err)
		}
		e.exitCh = exitCh
		e.started = true
	} else if err := e.driver.Resume(e.ctx); err != nil {
		return fmt.Errorf("resume VM: %w", err)
	}
	e.running = true
	return nil
}

func (e *DriverEngine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running {
		return nil
	}
	if err := e.driver.Pause(e.ctx); err != nil {
		if errors.Is(err, ErrSuspendUnsupported) {
			e.log.Debug("hypervisor: suspend unsupported, VM keeps running", "driver", e.driver.Info().Name)
			return nil
		}
		return fmt.Errorf("pause VM: %w", err)
	}
	e.running = false
	return nil
}

func (e *DriverEngine) Listen(port Port, fn func(b byte)) func() {
	if !port.valid() {
		return func() {}
	}
	return e.listeners[port].Add(fn)
}

func (e *DriverEngine) SendByte(port Port, b byte) error {
	if !port.valid() {
		return ErrUnknownPort
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	in := e.ins[port]
	if in == nil {
		return ErrNotBooted
	}
	_, err := in.Write([]byte{b})
	return err
}

func (e *DriverEngine) Filesystem() Filesystem {
	return e.fs
}

// Exited returns the channel that receives the VM exit error, or nil
// before the first Run.
func (e *DriverEngine) Exited() <-chan error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.exitCh
}

// Driver returns the underlying driver.
func (e *DriverEngine) Driver() Driver {
	return e.driver
}

func (e *DriverEngine) Close(ctx context.Context) error {
	e.mu.Lock()
	started := e.started
	e.running = false
	e.mu.Unlock()

	var errs []error
	if started {
		if err := e.driver.Stop(ctx); err != nil && !errors.Is(err, ErrNotRunning) {
			e.log.Warn("hypervisor: graceful stop failed, killing VM", "err", err)
			if err := e.driver.Kill(ctx); err != nil && !errors.Is(err, ErrNotRunning) {
				errs = append(errs, fmt.Errorf("kill VM: %w", err))
			}
		}
	}
	if err := e.driver.CloseSerial(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
