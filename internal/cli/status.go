package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/javanstorm/vmbuild/internal/vm"
	"github.com/javanstorm/vmbuild/pkg/hypervisor"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show hypervisor and VM status",
	Long:  `Display the hypervisor driver, its capabilities, whether a VM is running and the boot and build history.`,
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfg := loaded.Config

	driver, err := hypervisor.NewDriver()
	if err != nil {
		fmt.Fprintf(out, "Hypervisor: unavailable (%v)\n", err)
	} else {
		info := driver.Info()
		caps := driver.Capabilities()
		fmt.Fprintf(out, "Hypervisor: %s v%s (%s)\n", info.Name, info.Version, info.Arch)
		fmt.Fprintf(out, "  Shared directories: %s\n", yesNo(caps.SharedDirs))
		fmt.Fprintf(out, "  Suspend: %s\n", yesNo(caps.Suspend))
	}
	fmt.Fprintln(out)

	if running, pid := isVMRunning(cfg.DataDir); running {
		fmt.Fprintf(out, "VM: running (PID %d)\n", pid)
	} else {
		fmt.Fprintf(out, "VM: not running\n")
	}
	fmt.Fprintln(out)

	state, err := vm.NewStateFile(cfg.DataDir).Load()
	if err != nil {
		fmt.Fprintf(out, "State: error loading (%v)\n", err)
		return nil
	}
	printState(out, state)
	return nil
}

func printState(w io.Writer, state *vm.PersistentState) {
	if state.BootCount == 0 {
		fmt.Fprintf(w, "State: never booted\n")
		return
	}
	const layout = "2006-01-02 15:04:05"

	fmt.Fprintf(w, "State:\n")
	fmt.Fprintf(w, "  Boot count: %d\n", state.BootCount)
	if !state.LastBoot.IsZero() {
		fmt.Fprintf(w, "  Last boot: %s\n", state.LastBoot.Format(layout))
	}
	if !state.LastShutdown.IsZero() {
		fmt.Fprintf(w, "  Last shutdown: %s\n", state.LastShutdown.Format(layout))
		if state.CleanShutdown {
			fmt.Fprintf(w, "  Shutdown type: clean\n")
		} else {
			fmt.Fprintf(w, "  Shutdown type: unclean\n")
		}
	}
	fmt.Fprintf(w, "  Builds: %d\n", state.BuildCount)
	if b := state.LastBuild; b != nil {
		fmt.Fprintf(w, "  Last build: %s at %s, status %d, %d files, %s\n",
			b.ID, b.FinishedAt.Format(layout), b.ExitStatus, b.Files, b.Duration.Round(time.Millisecond))
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
