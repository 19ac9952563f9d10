package cli

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/javanstorm/vmbuild/internal/build"
	"github.com/javanstorm/vmbuild/internal/fileset"
	"github.com/javanstorm/vmbuild/internal/terminal"
	"github.com/javanstorm/vmbuild/internal/timing"
)

var buildCmd = &cobra.Command{
	Use:   "build [dir|archive]",
	Short: "Run a build in the VM",
	Long: `Stage a source tree into the VM and run the guest build server on it.

The source is a directory (default: the current one) or a .tar, .tar.zst
or .tzst archive. A vmbuild.yaml in the directory supplies default build
arguments and exclude patterns. Build output is streamed to stdout and the
command exits with the guest build's status.

Set VMBUILD_TIMING=1 to print a phase breakdown.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runBuild,
}

var (
	buildArgs    string
	buildExclude []string
)

func init() {
	f := buildCmd.Flags()
	f.StringVar(&buildArgs, "args", "", "make arguments sent to the guest (overrides vmbuild.yaml)")
	f.StringSliceVar(&buildExclude, "exclude", nil, "additional exclude patterns")
	f.Duration("build-timeout", 0, "abandon the build after this long (0 waits forever)")
	f.Bool("clean-build-root", false, "empty the guest build root before staging")
	f.Bool("keep-build-root", false, "leave staged files in the share after the build")
	f.Int("cpus", 0, "virtual CPUs")
	f.Int("memory-mb", 0, "VM memory in MB")
}

// ExitError carries a non-zero guest build status out of Execute.
type ExitError struct {
	Status int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("build failed with status %d", e.Status)
}

// Code returns the process exit code for the status. Statuses outside
// 1..255 map to 1.
func (e *ExitError) Code() int {
	if e.Status < 1 || e.Status > 255 {
		return 1
	}
	return e.Status
}

func runBuild(cmd *cobra.Command, args []string) error {
	timer := timing.FromEnv()
	cfg := loaded.Config

	src := "."
	if len(args) > 0 {
		src = args[0]
	}
	files, manifest, err := fileset.Load(src, buildExclude)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no files to build in %s", src)
	}
	timer.Mark("load")

	opts := build.Options{Args: manifest.Args, Timer: timer}
	if cmd.Flags().Changed("args") {
		opts.Args = buildArgs
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	printIfNotQuiet("Booting VM...\n")
	g, err := bootGuest(ctx, cfg, logger, timer)
	if err != nil {
		return err
	}
	defer g.close()

	session := build.NewSession(g.mgr, build.Config{
		Root:           cfg.BuildRoot,
		Timeout:        cfg.BuildTimeout,
		CancelGrace:    cfg.CancelGrace,
		CleanBuildRoot: cfg.CleanBuildRoot,
		KeepBuildRoot:  cfg.KeepBuildRoot,
	}, build.WithLogger(logger), build.WithStateFile(g.state))

	if !quietMode && terminal.IsTerminal(os.Stderr) {
		bar := progressbar.NewOptions(len(files),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription("staging"),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
		opts.OnFile = func(string) { _ = bar.Add(1) }
		defer bar.Close()
	}

	out := cmd.OutOrStdout()
	status, err := session.Build(ctx, files, opts, func(text string) {
		fmt.Fprintln(out, strings.TrimRight(text, "\r\n"))
	})
	timer.Report(os.Stderr)
	if err != nil {
		var hang *build.HangError
		if errors.As(err, &hang) {
			printIfNotQuiet("Build exceeded %s; raise build_timeout or pass --build-timeout=0.\n", hang.Timeout)
		}
		return err
	}
	if status != 0 {
		return &ExitError{Status: status}
	}
	return nil
}
