// Package build runs builds on the guest build server: it stages the
// caller's files, wakes the VM, sends the build command and waits for the
// exit status while forwarding progress lines.
package build

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/javanstorm/vmbuild/internal/protocol"
	"github.com/javanstorm/vmbuild/internal/stage"
	"github.com/javanstorm/vmbuild/internal/timing"
	"github.com/javanstorm/vmbuild/internal/vm"
	"github.com/javanstorm/vmbuild/pkg/hypervisor"
)

const (
	// DefaultRoot is the guest directory builds are staged into.
	DefaultRoot = "build"

	// DefaultCancelGrace bounds the wait for COMPLETE after a cancel.
	DefaultCancelGrace = 5 * time.Second
)

// Config controls a Session.
type Config struct {
	// Root is the build directory relative to the guest filesystem root.
	Root string

	// Timeout bounds the wait for COMPLETE. Zero waits forever.
	Timeout time.Duration

	// CancelGrace is how long to wait for the guest to settle after a
	// cancel request.
	CancelGrace time.Duration

	// CleanBuildRoot removes the build root before staging when no other
	// build is active.
	CleanBuildRoot bool

	// KeepBuildRoot leaves staged files in place after a build. By default
	// the build root is removed once the last active build finishes.
	KeepBuildRoot bool
}

// Options are per-build settings.
type Options struct {
	// Args is sent verbatim as the BUILD payload. The guest splits it
	// shell-style into make arguments.
	Args string

	// OnFile, if set, is called after each file is staged.
	OnFile func(path string)

	// Timer, if set, records the stage, ready and build phases.
	Timer *timing.Timer
}

// ProgressFunc receives the text of each RUNNING packet. It is never called
// after Build returns.
type ProgressFunc func(text string)

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Session) { s.log = log }
}

// WithStateFile records finished builds in sf.
func WithStateFile(sf *vm.StateFile) Option {
	return func(s *Session) { s.stateFile = sf }
}

// Session runs builds against one VM.
type Session struct {
	mgr       *vm.Manager
	cfg       Config
	log       *slog.Logger
	stateFile *vm.StateFile

	// stageMu serializes staging and guards active.
	stageMu sync.Mutex
	active  int

	// convMu gives one build at a time the comms channel.
	convMu sync.Mutex
}

// NewSession returns a session that builds on mgr's VM.
func NewSession(mgr *vm.Manager, cfg Config, opts ...Option) *Session {
	if cfg.Root == "" {
		cfg.Root = DefaultRoot
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = DefaultCancelGrace
	}
	s := &Session{
		mgr: mgr,
		cfg: cfg,
		log: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the effective session configuration.
func (s *Session) Config() Config {
	return s.cfg
}

// Build stages files, runs a build on the guest and returns its exit
// status. A staging failure is returned as *stage.StagingError before any
// command reaches the guest.
func (s *Session) Build(ctx context.Context, files stage.FileSet, opts Options, progress ProgressFunc) (int, error) {
	id := uuid.NewString()
	log := s.log.With("build_id", id)
	start := time.Now()

	defer s.finish(ctx, log)
	if err := s.stage(ctx, log, files, opts); err != nil {
		return 0, err
	}
	opts.Timer.Mark("stage")

	if err := s.mgr.WaitReady(ctx); err != nil {
		return 0, fmt.Errorf("build: waiting for guest: %w", err)
	}
	opts.Timer.Mark("ready")

	if err := s.mgr.Acquire(); err != nil {
		return 0, fmt.Errorf("build: acquire vm: %w", err)
	}
	defer func() {
		if err := s.mgr.Release(); err != nil {
			log.Warn("build: release vm", "err", err)
		}
	}()

	status, err := s.converse(ctx, log, id, opts, progress)
	opts.Timer.Mark("build")
	if err != nil {
		return 0, err
	}

	log.Info("build: complete", "status", status, "duration", time.Since(start))
	if s.stateFile != nil {
		rec := vm.BuildRecord{
			ID:         id,
			Duration:   time.Since(start),
			ExitStatus: status,
			Files:      len(files),
		}
		if err := s.stateFile.RecordBuild(rec); err != nil {
			log.Warn("build: record outcome", "err", err)
		}
	}
	return status, nil
}

func (s *Session) stage(ctx context.Context, log *slog.Logger, files stage.FileSet, opts Options) error {
	s.stageMu.Lock()
	defer s.stageMu.Unlock()

	clean := s.cfg.CleanBuildRoot && s.active == 0
	s.active++

	fs := s.mgr.Engine().Filesystem()
	if fs == nil {
		return &stage.StagingError{Op: "stage", Path: s.cfg.Root, Err: stage.ErrNoFilesystem}
	}
	stager := stage.New(fs, log)
	stager.OnFile = opts.OnFile

	if clean {
		removed, err := stager.Clear(ctx, s.cfg.Root)
		if err != nil {
			return err
		}
		if !removed {
			log.Debug("build: filesystem cannot remove trees, keeping build root")
		}
	}

	log.Debug("build: staging", "files", len(files), "root", s.cfg.Root)
	return stager.StageFiles(ctx, files, s.cfg.Root)
}

// finish ends a build's claim on the build root and removes the root once
// no build is staged or running.
func (s *Session) finish(ctx context.Context, log *slog.Logger) {
	s.stageMu.Lock()
	defer s.stageMu.Unlock()
	s.active--
	if s.active > 0 || s.cfg.KeepBuildRoot {
		return
	}

	fs := s.mgr.Engine().Filesystem()
	if fs == nil {
		return
	}
	if _, err := stage.New(fs, log).Clear(context.WithoutCancel(ctx), s.cfg.Root); err != nil {
		log.Warn("build: removing build root", "root", s.cfg.Root, "err", err)
	}
}

// converse holds the comms channel for one BUILD/COMPLETE exchange.
func (s *Session) converse(ctx context.Context, log *slog.Logger, id string, opts Options, progress ProgressFunc) (int, error) {
	s.convMu.Lock()
	defer s.convMu.Unlock()

	engine := s.mgr.Engine()
	h := newReplyHandler(log, progress)
	unlisten := engine.Listen(hypervisor.PortComms, h.feed)
	defer func() {
		unlisten()
		h.stop()
	}()

	log.Debug("build: sending command", "args", opts.Args)
	if err := protocol.Send(portWriter{engine, hypervisor.PortComms}, protocol.KindBuild, []byte(opts.Args)); err != nil {
		return 0, fmt.Errorf("build: send command: %w", err)
	}

	var deadline <-chan time.Time
	if s.cfg.Timeout > 0 {
		timer := time.NewTimer(s.cfg.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case status := <-h.outcome:
		return status, nil
	case <-ctx.Done():
		s.cancel(log, h)
		return 0, fmt.Errorf("%w: %w", ErrCanceled, ctx.Err())
	case <-deadline:
		drained := s.cancel(log, h)
		return 0, &HangError{ID: id, Timeout: s.cfg.Timeout, Drained: drained}
	}
}

// cancel asks the guest to stop the running build and waits up to the
// grace period for a COMPLETE. It reports whether one arrived. Guests that
// drop the build on CANCEL without answering always use the full grace
// period.
func (s *Session) cancel(log *slog.Logger, h *replyHandler) bool {
	log.Warn("build: abandoning, sending cancel")
	if err := protocol.Send(portWriter{s.mgr.Engine(), hypervisor.PortComms}, protocol.KindCancel, nil); err != nil {
		log.Error("build: send cancel", "err", err)
		return false
	}

	grace := time.NewTimer(s.cfg.CancelGrace)
	defer grace.Stop()
	select {
	case status := <-h.outcome:
		log.Info("build: guest completed after cancel", "status", status)
		return true
	case <-grace.C:
		if n := h.partial.Load(); n > 0 {
			log.Error("build: channel left mid-packet, later builds may misread it", "buffered", n)
		}
		return false
	}
}

// replyHandler decodes the guest's replies to one BUILD. Bytes can still
// arrive after the listener is detached; stop waits for a reply being
// handled and drops everything after it.
type replyHandler struct {
	log      *slog.Logger
	progress ProgressFunc
	outcome  chan int
	partial  atomic.Int32

	mu      sync.Mutex
	dec     protocol.Decoder
	stopped bool
}

func newReplyHandler(log *slog.Logger, progress ProgressFunc) *replyHandler {
	return &replyHandler{log: log, progress: progress, outcome: make(chan int, 1)}
}

func (h *replyHandler) feed(b byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped {
		return
	}

	p, ok := h.dec.Feed(b)
	h.partial.Store(int32(h.dec.Buffered()))
	if !ok {
		return
	}
	switch p.Kind {
	case protocol.KindRunning:
		if h.progress != nil {
			h.progress(p.Text())
		}
	case protocol.KindComplete:
		status, err := protocol.ExitStatus(p)
		if err != nil {
			h.log.Warn("build: ignoring malformed completion", "err", err)
			return
		}
		select {
		case h.outcome <- status:
		default:
		}
	case protocol.KindError:
		h.log.Warn("build: guest error", "msg", p.Text())
	case protocol.KindStarted:
		h.log.Debug("build: guest started")
	default:
		h.log.Warn("build: skipping packet", "kind", p.Kind, "len", len(p.Payload))
	}
}

func (h *replyHandler) stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stopped = true
}

// portWriter sends bytes to one serial port of the engine.
type portWriter struct {
	engine hypervisor.Engine
	port   hypervisor.Port
}

func (w portWriter) SendByte(b byte) error {
	return w.engine.SendByte(w.port, b)
}
