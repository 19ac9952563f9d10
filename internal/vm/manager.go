package vm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/javanstorm/vmbuild/internal/protocol"
	"github.com/javanstorm/vmbuild/pkg/hypervisor"
)

// State represents the VM lifecycle state.
type State int

const (
	StateBooting       State = iota // Engine loading images
	StateAwaitingReady              // vCPUs running, waiting for READY
	StateIdle                       // Ready and suspended
	StateRunning                    // At least one build in flight
	StateError                      // Handshake failed
)

func (s State) String() string {
	switch s {
	case StateBooting:
		return "booting"
	case StateAwaitingReady:
		return "awaiting-ready"
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

var (
	ErrNotReady       = errors.New("vm: readiness handshake not complete")
	ErrNotAcquired    = errors.New("vm: release without matching acquire")
	ErrAlreadyStarted = errors.New("vm: manager already started")
	ErrClosed         = errors.New("vm: manager closed")
)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger used by the manager.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// WithStateFile records boots and shutdowns in sf.
func WithStateFile(sf *StateFile) Option {
	return func(m *Manager) { m.stateFile = sf }
}

// Manager drives the guest through boot, the readiness handshake and the
// run/suspend cycle shared by concurrent builds.
type Manager struct {
	engine    hypervisor.Engine
	log       *slog.Logger
	stateFile *StateFile

	mu       sync.Mutex
	state    State
	inflight int
	started  bool
	settled  bool
	ready    chan struct{}
	readyErr error
	unlisten func()
	decoder  protocol.Decoder
}

// NewManager creates a manager for engine. Call Start to begin the boot.
func NewManager(engine hypervisor.Engine, opts ...Option) *Manager {
	m := &Manager{
		engine: engine,
		log:    slog.Default(),
		state:  StateBooting,
		ready:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start attaches the readiness listener and starts the vCPUs once the engine
// has loaded. It does not wait for the handshake; use WaitReady for that.
// If ctx ends before the engine loads, readiness is rejected with ctx's error.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	m.started = true
	// Held across Listen so the first byte cannot race the assignment.
	m.unlisten = m.engine.Listen(hypervisor.PortComms, m.handshakeByte)
	m.mu.Unlock()

	go m.awaitLoaded(ctx)
	return nil
}

func (m *Manager) awaitLoaded(ctx context.Context) {
	select {
	case <-m.engine.Loaded():
	case <-ctx.Done():
		m.reject(fmt.Errorf("vm: waiting for engine load: %w", ctx.Err()))
		return
	}

	m.mu.Lock()
	if m.settled {
		m.mu.Unlock()
		return
	}
	m.state = StateAwaitingReady
	m.mu.Unlock()

	m.log.Debug("vm: engine loaded, starting vCPUs")
	if err := m.engine.Run(); err != nil {
		m.reject(fmt.Errorf("vm: run: %w", err))
	}
}

func (m *Manager) handshakeByte(b byte) {
	m.mu.Lock()
	if m.settled {
		m.mu.Unlock()
		return
	}
	p, ok := m.decoder.Feed(b)
	if !ok {
		m.mu.Unlock()
		return
	}

	if p.Kind != protocol.KindReady || len(p.Payload) != 0 {
		m.mu.Unlock()
		reason := "expected READY"
		if p.Kind == protocol.KindReady {
			reason = fmt.Sprintf("READY carries %d byte payload", len(p.Payload))
		}
		m.reject(&protocol.ProtocolError{Kind: p.Kind, Reason: reason})
		return
	}

	m.settled = true
	m.detachLocked()
	if err := m.engine.Stop(); err != nil {
		// Still usable: the guest keeps running until the first release.
		m.log.Warn("vm: suspend after handshake failed", "err", err)
	}
	m.state = StateIdle
	close(m.ready)
	m.mu.Unlock()

	m.log.Info("vm: guest ready")
	if m.stateFile != nil {
		if err := m.stateFile.RecordBoot(); err != nil {
			m.log.Warn("vm: record boot", "err", err)
		}
	}
}

// reject settles readiness with err. Only the first settlement counts.
func (m *Manager) reject(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.settled {
		return
	}
	m.settled = true
	m.detachLocked()
	m.state = StateError
	m.readyErr = err
	close(m.ready)
	m.log.Error("vm: readiness handshake failed", "err", err)
}

func (m *Manager) detachLocked() {
	if m.unlisten != nil {
		m.unlisten()
		m.unlisten = nil
	}
}

// Ready is closed once the handshake has settled, successfully or not.
func (m *Manager) Ready() <-chan struct{} {
	return m.ready
}

// Err returns why readiness was rejected, or nil.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readyErr
}

// WaitReady blocks until the guest is ready or ctx is done.
func (m *Manager) WaitReady(ctx context.Context) error {
	select {
	case <-m.ready:
		return m.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Acquire registers an in-flight build, resuming the VM if it is the first.
func (m *Manager) Acquire() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	select {
	case <-m.ready:
	default:
		return ErrNotReady
	}
	if m.readyErr != nil {
		return m.readyErr
	}

	m.inflight++
	if m.inflight == 1 {
		if err := m.engine.Run(); err != nil {
			m.inflight--
			return fmt.Errorf("vm: resume: %w", err)
		}
		m.state = StateRunning
		m.log.Debug("vm: resumed")
	}
	return nil
}

// Release ends an in-flight build, suspending the VM when it was the last.
func (m *Manager) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.inflight == 0 {
		return ErrNotAcquired
	}
	m.inflight--
	if m.inflight > 0 {
		return nil
	}

	m.state = StateIdle
	if err := m.engine.Stop(); err != nil {
		return fmt.Errorf("vm: suspend: %w", err)
	}
	m.log.Debug("vm: suspended")
	return nil
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// InFlight returns the number of acquired builds.
func (m *Manager) InFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inflight
}

// Engine returns the underlying engine. Callers that drive the console
// directly use it to resume the VM outside of the build refcount.
func (m *Manager) Engine() hypervisor.Engine {
	return m.engine
}

// Close detaches any pending listener, shuts the engine down and records
// the shutdown.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if !m.settled {
		m.settled = true
		m.state = StateError
		m.readyErr = ErrClosed
		close(m.ready)
	}
	m.detachLocked()
	m.mu.Unlock()

	err := m.engine.Close(ctx)
	if m.stateFile != nil {
		if rerr := m.stateFile.RecordShutdown(err == nil); rerr != nil {
			m.log.Warn("vm: record shutdown", "err", rerr)
		}
	}
	return err
}
