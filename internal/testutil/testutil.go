// Package testutil provides common test helpers for vmbuild tests: an
// in-memory VM engine with a scriptable guest build server and an
// in-memory staging filesystem.
package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/javanstorm/vmbuild/internal/protocol"
	"github.com/javanstorm/vmbuild/pkg/hypervisor"
)

// BuildScript answers one BUILD command. args is the BUILD payload.
type BuildScript func(args string) []protocol.Packet

// FakeEngine is a hypervisor.Engine that runs entirely in memory. Bytes
// sent to the comms port are decoded as packets and answered by the
// configured scripts.
type FakeEngine struct {
	fs        *MemFS
	loaded    chan struct{}
	loadOnce  sync.Once
	listeners [2]hypervisor.Listeners

	mu        sync.Mutex
	running   bool
	everRun   bool
	runCalls  int
	stopCalls int
	resumes   int
	suspends  int
	decoder   protocol.Decoder
	commands  []protocol.Packet
	boot      []protocol.Packet
	build     BuildScript
	cancel    BuildScript
	sendErr   error
}

// NewFakeEngine returns an engine that has not loaded yet.
func NewFakeEngine() *FakeEngine {
	return &FakeEngine{
		fs:     NewMemFS(),
		loaded: make(chan struct{}),
	}
}

// NewBootedEngine returns an engine that is loaded and answers the first
// Run with READY.
func NewBootedEngine(build BuildScript) *FakeEngine {
	e := NewFakeEngine()
	e.BootWith(protocol.Packet{Kind: protocol.KindReady})
	e.ServeBuilds(build)
	e.Load()
	return e
}

// Load fires the loaded event.
func (e *FakeEngine) Load() {
	e.loadOnce.Do(func() { close(e.loaded) })
}

// BootWith sets the packets the guest emits on comms after the first Run.
func (e *FakeEngine) BootWith(packets ...protocol.Packet) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.boot = packets
}

// ServeBuilds sets the answer to BUILD commands.
func (e *FakeEngine) ServeBuilds(script BuildScript) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.build = script
}

// ServeCancels sets the answer to CANCEL commands.
func (e *FakeEngine) ServeCancels(script BuildScript) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancel = script
}

// FailSends makes every SendByte return err.
func (e *FakeEngine) FailSends(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sendErr = err
}

func (e *FakeEngine) Loaded() <-chan struct{} {
	return e.loaded
}

func (e *FakeEngine) Run() error {
	e.mu.Lock()
	e.runCalls++
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = true
	e.resumes++
	first := !e.everRun
	e.everRun = true
	boot := e.boot
	e.mu.Unlock()

	if first && len(boot) > 0 {
		// The guest boots on its own time, not inside Run.
		go e.EmitPackets(hypervisor.PortComms, boot...)
	}
	return nil
}

func (e *FakeEngine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopCalls++
	if e.running {
		e.running = false
		e.suspends++
	}
	return nil
}

func (e *FakeEngine) Listen(port hypervisor.Port, fn func(b byte)) func() {
	return e.listeners[port].Add(fn)
}

// ListenerCount returns the number of listeners attached to port.
func (e *FakeEngine) ListenerCount(port hypervisor.Port) int {
	return e.listeners[port].Len()
}

func (e *FakeEngine) SendByte(port hypervisor.Port, b byte) error {
	e.mu.Lock()
	if e.sendErr != nil {
		err := e.sendErr
		e.mu.Unlock()
		return err
	}
	if port != hypervisor.PortComms {
		e.mu.Unlock()
		return nil
	}
	p, ok := e.decoder.Feed(b)
	var replies []protocol.Packet
	if ok {
		e.commands = append(e.commands, p)
		switch {
		case p.Kind == protocol.KindBuild && e.build != nil:
			replies = e.build(p.Text())
		case p.Kind == protocol.KindCancel && e.cancel != nil:
			replies = e.cancel(p.Text())
		}
	}
	e.mu.Unlock()

	e.EmitPackets(hypervisor.PortComms, replies...)
	return nil
}

func (e *FakeEngine) Filesystem() hypervisor.Filesystem {
	return e.fs
}

func (e *FakeEngine) Close(ctx context.Context) error {
	return e.Stop()
}

// FS returns the in-memory staging filesystem.
func (e *FakeEngine) FS() *MemFS {
	return e.fs
}

// Emit delivers raw guest output on port.
func (e *FakeEngine) Emit(port hypervisor.Port, data ...byte) {
	for _, b := range data {
		e.listeners[port].Emit(b)
	}
}

// EmitPackets frames and delivers packets on port.
func (e *FakeEngine) EmitPackets(port hypervisor.Port, packets ...protocol.Packet) {
	for _, p := range packets {
		e.Emit(port, protocol.Encode(p.Kind, p.Payload)...)
	}
}

// Commands returns the packets the host has sent on comms.
func (e *FakeEngine) Commands() []protocol.Packet {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]protocol.Packet(nil), e.commands...)
}

// Running reports whether vCPUs are executing.
func (e *FakeEngine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Transitions returns how many times the VM actually resumed and suspended.
func (e *FakeEngine) Transitions() (resumes, suspends int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resumes, e.suspends
}

// Calls returns the raw number of Run and Stop calls.
func (e *FakeEngine) Calls() (runs, stops int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runCalls, e.stopCalls
}

// Progress builds the packets of a successful build that reports steps.
func Progress(status int32, steps ...string) []protocol.Packet {
	packets := []protocol.Packet{{Kind: protocol.KindStarted}}
	for _, s := range steps {
		packets = append(packets, protocol.Packet{Kind: protocol.KindRunning, Payload: []byte(s)})
	}
	return append(packets, protocol.Packet{Kind: protocol.KindComplete, Payload: protocol.StatusPayload(status)})
}

// Eventually polls cond until it holds or the timeout elapses.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out: %s", msg)
		}
		time.Sleep(time.Millisecond)
	}
}
