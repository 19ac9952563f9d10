package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/javanstorm/vmbuild/internal/gui"
	"github.com/javanstorm/vmbuild/internal/terminal"
	"github.com/javanstorm/vmbuild/internal/timing"
	"github.com/javanstorm/vmbuild/pkg/hypervisor"
)

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Open the guest serial console",
	Long: `Boot the VM and connect to its serial console, either in a terminal
window or, with --tty, in the current terminal (Ctrl+] twice detaches).

The VM is kept running while the console is open; builds are not possible
from this process.`,
	RunE: runConsole,
}

var consoleTTY bool

func init() {
	consoleCmd.Flags().BoolVar(&consoleTTY, "tty", false, "attach the current terminal instead of opening a window")
}

func runConsole(cmd *cobra.Command, args []string) error {
	timer := timing.FromEnv()
	cfg := loaded.Config

	if consoleTTY && !terminal.IsTTY() {
		return errors.New("--tty requires an interactive terminal")
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	printIfNotQuiet("Booting VM...\n")
	g, err := bootGuest(ctx, cfg, logger, timer)
	if err != nil {
		return err
	}
	defer g.close()

	stream := hypervisor.OpenPort(g.mgr.Engine(), hypervisor.PortConsole)
	defer stream.Close()

	// The console bypasses the build refcount: the VM runs until exit.
	if err := g.mgr.WaitReady(ctx); err != nil {
		logger.Warn("cli: guest not ready, opening console anyway", "err", err)
	}
	if err := g.mgr.Engine().Run(); err != nil {
		return fmt.Errorf("resume VM: %w", err)
	}
	timer.Mark("console")
	timer.Report(os.Stderr)

	if consoleTTY {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM)
		defer signal.Stop(sigCh)
		go func() {
			select {
			case <-sigCh:
				cancel()
			case <-ctx.Done():
			}
		}()

		err := terminal.Current().Attach(ctx, stream)
		if errors.Is(err, terminal.ErrEscapeSequence) || errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	var shutdownOnce sync.Once
	gui.RunConsole(stream, gui.Options{
		Title: fmt.Sprintf("vmbuild console - %s", g.engine.Driver().Info().Name),
		Status: func() string {
			return fmt.Sprintf("VM %s", g.mgr.State())
		},
		OnClose: func() {
			shutdownOnce.Do(func() {
				stream.Close()
				cancel()
			})
		},
	})
	return nil
}
