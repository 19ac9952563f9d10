package vm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/javanstorm/vmbuild/internal/protocol"
	"github.com/javanstorm/vmbuild/internal/testutil"
	"github.com/javanstorm/vmbuild/pkg/hypervisor"
)

func startManager(t *testing.T, e *testutil.FakeEngine, opts ...Option) *Manager {
	t.Helper()
	m := NewManager(e, opts...)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	return m
}

func waitReady(t *testing.T, m *Manager) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := m.WaitReady(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("readiness never settled")
	}
	return err
}

func TestManagerHandshake(t *testing.T) {
	e := testutil.NewBootedEngine(nil)
	m := startManager(t, e)

	if err := waitReady(t, m); err != nil {
		t.Fatalf("WaitReady() error: %v", err)
	}
	if m.State() != StateIdle {
		t.Errorf("State() = %s, want idle", m.State())
	}
	if e.Running() {
		t.Error("VM should be suspended after the handshake")
	}
	if n := e.ListenerCount(hypervisor.PortComms); n != 0 {
		t.Errorf("readiness listener still attached: %d listeners", n)
	}
	resumes, suspends := e.Transitions()
	if resumes != 1 || suspends != 1 {
		t.Errorf("resumes=%d suspends=%d, want 1/1", resumes, suspends)
	}
}

func TestManagerWaitsForLoad(t *testing.T) {
	e := testutil.NewFakeEngine()
	e.BootWith(protocol.Packet{Kind: protocol.KindReady})
	m := startManager(t, e)

	time.Sleep(10 * time.Millisecond)
	if runs, _ := e.Calls(); runs != 0 {
		t.Fatalf("Run called %d times before load", runs)
	}
	if m.State() != StateBooting {
		t.Errorf("State() = %s, want booting", m.State())
	}
	if err := m.Acquire(); !errors.Is(err, ErrNotReady) {
		t.Errorf("Acquire() before ready = %v, want ErrNotReady", err)
	}

	e.Load()
	if err := waitReady(t, m); err != nil {
		t.Fatalf("WaitReady() error: %v", err)
	}
}

func TestManagerBadHandshake(t *testing.T) {
	tests := []struct {
		name   string
		packet protocol.Packet
	}{
		{"wrong kind", protocol.Packet{Kind: protocol.KindStarted}},
		{"unknown kind", protocol.Packet{Kind: 0x42}},
		{"payload", protocol.Packet{Kind: protocol.KindReady, Payload: []byte("hi")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := testutil.NewFakeEngine()
			e.BootWith(tt.packet, protocol.Packet{Kind: protocol.KindReady})
			e.Load()
			m := startManager(t, e)

			err := waitReady(t, m)
			var perr *protocol.ProtocolError
			if !errors.As(err, &perr) {
				t.Fatalf("WaitReady() = %v, want *ProtocolError", err)
			}
			if !errors.Is(err, protocol.ErrProtocol) {
				t.Error("error should match ErrProtocol")
			}
			if m.State() != StateError {
				t.Errorf("State() = %s, want error", m.State())
			}
			if n := e.ListenerCount(hypervisor.PortComms); n != 0 {
				t.Errorf("listener still attached after rejection: %d", n)
			}
			if err := m.Acquire(); !errors.As(err, &perr) {
				t.Errorf("Acquire() = %v, want the handshake error", err)
			}
		})
	}
}

func TestManagerStartCanceledBeforeLoad(t *testing.T) {
	e := testutil.NewFakeEngine()
	m := NewManager(e)

	ctx, cancel := context.WithCancel(context.Background())
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	cancel()

	if err := waitReady(t, m); !errors.Is(err, context.Canceled) {
		t.Errorf("WaitReady() = %v, want context.Canceled", err)
	}
	if err := m.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() = %v, want ErrAlreadyStarted", err)
	}
}

func TestManagerRefcount(t *testing.T) {
	e := testutil.NewBootedEngine(nil)
	m := startManager(t, e)
	if err := waitReady(t, m); err != nil {
		t.Fatalf("WaitReady() error: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := m.Acquire(); err != nil {
			t.Fatalf("Acquire() error: %v", err)
		}
	}
	if m.InFlight() != 2 || m.State() != StateRunning {
		t.Fatalf("InFlight=%d State=%s, want 2/running", m.InFlight(), m.State())
	}

	if err := m.Release(); err != nil {
		t.Fatalf("Release() error: %v", err)
	}
	if !e.Running() {
		t.Error("VM suspended while a build is still in flight")
	}

	if err := m.Release(); err != nil {
		t.Fatalf("Release() error: %v", err)
	}
	if e.Running() || m.State() != StateIdle {
		t.Errorf("after last release: running=%v state=%s", e.Running(), m.State())
	}

	// One resume for boot, one for the shared build window.
	resumes, suspends := e.Transitions()
	if resumes != 2 || suspends != 2 {
		t.Errorf("resumes=%d suspends=%d, want 2/2", resumes, suspends)
	}

	if err := m.Release(); !errors.Is(err, ErrNotAcquired) {
		t.Errorf("extra Release() = %v, want ErrNotAcquired", err)
	}
}

func TestManagerRecordsBoot(t *testing.T) {
	sf := NewStateFile(t.TempDir())
	e := testutil.NewBootedEngine(nil)
	m := startManager(t, e, WithStateFile(sf))

	if err := waitReady(t, m); err != nil {
		t.Fatalf("WaitReady() error: %v", err)
	}
	testutil.Eventually(t, 5*time.Second, func() bool {
		state, err := sf.Load()
		return err == nil && state.BootCount == 1
	}, "boot recorded")

	if err := m.Close(context.Background()); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	state, err := sf.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if !state.CleanShutdown {
		t.Error("Close should record a clean shutdown")
	}
}

func TestManagerCloseBeforeReady(t *testing.T) {
	e := testutil.NewFakeEngine()
	m := startManager(t, e)

	if err := m.Close(context.Background()); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if err := waitReady(t, m); !errors.Is(err, ErrClosed) {
		t.Errorf("WaitReady() = %v, want ErrClosed", err)
	}
	if n := e.ListenerCount(hypervisor.PortComms); n != 0 {
		t.Errorf("listener still attached after Close: %d", n)
	}
}
