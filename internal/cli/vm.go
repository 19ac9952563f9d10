package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/javanstorm/vmbuild/internal/config"
	"github.com/javanstorm/vmbuild/internal/timing"
	"github.com/javanstorm/vmbuild/internal/vm"
	"github.com/javanstorm/vmbuild/pkg/hypervisor"
)

// closeTimeout bounds VM shutdown when a command exits.
const closeTimeout = 10 * time.Second

// newVM builds the engine; replaced in tests.
var newVM = hypervisor.NewVM

// quietMode suppresses everything but build output.
var quietMode bool

// SetQuietMode enables or disables quiet mode (minimal output).
func SetQuietMode(quiet bool) {
	quietMode = quiet
}

// printIfNotQuiet prints to stderr only when not in quiet mode; stdout
// carries build output.
func printIfNotQuiet(format string, args ...any) {
	if !quietMode {
		fmt.Fprintf(os.Stderr, format, args...)
	}
}

// ErrVMRunning is returned when another vmbuild process owns the data dir.
var ErrVMRunning = errors.New("a vmbuild VM is already running for this data directory")

func pidPath(dataDir string) string {
	return filepath.Join(dataDir, "vm.pid")
}

// isVMRunning checks if another process holds the VM for dataDir.
func isVMRunning(dataDir string) (bool, int) {
	data, err := os.ReadFile(pidPath(dataDir))
	if err != nil {
		return false, 0
	}
	var pid int
	if _, err := fmt.Sscanf(string(data), "%d", &pid); err != nil {
		return false, 0
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false, 0
	}
	if err := process.Signal(syscall.Signal(0)); err != nil {
		return false, 0
	}
	return true, pid
}

// writePIDFile creates a PID file for the current process.
func writePIDFile(dataDir string) error {
	return os.WriteFile(pidPath(dataDir), []byte(fmt.Sprintf("%d", os.Getpid())), 0644)
}

// cleanupPIDFile removes the PID file.
func cleanupPIDFile(dataDir string) {
	os.Remove(pidPath(dataDir))
}

// ErrInvalidConfig is returned when validation reports a fatal issue.
var ErrInvalidConfig = errors.New("invalid configuration")

// engineCloser is the part of the engine released on a failed boot.
type engineCloser interface {
	Close(ctx context.Context) error
}

// closeEngine releases whatever a partial boot acquired.
func closeEngine(e engineCloser, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := e.Close(ctx); err != nil {
		log.Warn("cli: releasing VM after failed boot", "err", err)
	}
}

// vmConfig maps the user configuration onto the hypervisor's.
func vmConfig(cfg *config.Config) *hypervisor.VMConfig {
	return &hypervisor.VMConfig{
		CPUs:     cfg.CPUs,
		MemoryMB: cfg.MemoryMB,
		Kernel:   cfg.Kernel,
		Initrd:   cfg.Initrd,
		Cmdline:  cfg.Cmdline,
		DiskPath: cfg.DiskPath,
		ShareDir: cfg.ShareDir,
		ShareTag: cfg.ShareTag,
	}
}

// guest is a booted VM owned by this process.
type guest struct {
	engine *hypervisor.DriverEngine
	mgr    *vm.Manager
	state  *vm.StateFile
	cfg    *config.Config
	log    *slog.Logger
}

// bootGuest loads the VM images and starts the readiness handshake. The
// returned guest must be closed.
func bootGuest(ctx context.Context, cfg *config.Config, log *slog.Logger, timer *timing.Timer) (*guest, error) {
	if running, pid := isVMRunning(cfg.DataDir); running {
		return nil, fmt.Errorf("%w (PID %d)", ErrVMRunning, pid)
	}
	for _, dir := range []string{cfg.DataDir, cfg.ShareDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	engine, err := newVM(vmConfig(cfg), log)
	if err != nil {
		return nil, err
	}

	warnings := config.ValidateConfig(cfg, engine.Driver().Capabilities())
	if len(warnings) > 0 {
		fmt.Fprint(os.Stderr, config.FormatValidationErrors(warnings))
		if config.HasFatal(warnings) {
			closeEngine(engine, log)
			return nil, ErrInvalidConfig
		}
	}

	if err := engine.Boot(ctx); err != nil {
		closeEngine(engine, log)
		return nil, fmt.Errorf("boot VM: %w", err)
	}
	timer.Mark("boot")

	if err := writePIDFile(cfg.DataDir); err != nil {
		log.Warn("cli: could not write PID file", "err", err)
	}

	state := vm.NewStateFile(cfg.DataDir)
	mgr := vm.NewManager(engine, vm.WithLogger(log), vm.WithStateFile(state))
	g := &guest{engine: engine, mgr: mgr, state: state, cfg: cfg, log: log}
	if err := mgr.Start(ctx); err != nil {
		g.close()
		return nil, fmt.Errorf("start VM: %w", err)
	}
	return g, nil
}

// close shuts the VM down and releases the PID file.
func (g *guest) close() {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := g.mgr.Close(ctx); err != nil {
		g.log.Warn("cli: VM shutdown", "err", err)
	}
	cleanupPIDFile(g.cfg.DataDir)
}
