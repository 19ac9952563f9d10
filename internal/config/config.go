package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides: VMBUILD_CPUS, VMBUILD_BUILD_TIMEOUT, etc.
const EnvPrefix = "VMBUILD"

// Config holds all vmbuild configuration.
type Config struct {
	// Kernel is the guest kernel image.
	Kernel string `mapstructure:"kernel"`

	// Initrd is the guest initial ramdisk that starts the build server.
	Initrd string `mapstructure:"initrd"`

	// Cmdline is the kernel command line.
	Cmdline string `mapstructure:"cmdline"`

	// DiskPath is an optional root disk image.
	DiskPath string `mapstructure:"disk_path"`

	// CPUs is the number of virtual CPUs allocated to the VM.
	CPUs int `mapstructure:"cpus"`

	// MemoryMB is the amount of RAM in megabytes allocated to the VM.
	MemoryMB int `mapstructure:"memory_mb"`

	// ShareDir is the host directory exported to the guest as its build filesystem.
	ShareDir string `mapstructure:"share_dir"`

	// ShareTag is the virtio-fs tag the guest mounts ShareDir by.
	ShareTag string `mapstructure:"share_tag"`

	// BuildRoot is the directory, relative to the share, builds run in.
	BuildRoot string `mapstructure:"build_root"`

	// BuildTimeout bounds each build. Zero waits forever.
	BuildTimeout time.Duration `mapstructure:"build_timeout"`

	// CancelGrace is how long to wait for the guest after cancelling a build.
	CancelGrace time.Duration `mapstructure:"cancel_grace"`

	// CleanBuildRoot empties the build root before each build.
	CleanBuildRoot bool `mapstructure:"clean_build_root"`

	// KeepBuildRoot leaves staged files in the share after a build.
	KeepBuildRoot bool `mapstructure:"keep_build_root"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `mapstructure:"log_level"`

	// LogFormat is text or json.
	LogFormat string `mapstructure:"log_format"`

	// DataDir holds state.json and the default guest images.
	DataDir string `mapstructure:"data_dir"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	paths, err := GetPaths()
	if err != nil {
		// Fallback if we can't determine home directory
		paths = &Paths{
			DataDir: "/tmp/vmbuild",
		}
	}

	return &Config{
		Kernel:      filepath.Join(paths.DataDir, "vmlinuz"),
		Initrd:      filepath.Join(paths.DataDir, "initrd.img"),
		Cmdline:     "console=hvc0 quiet",
		CPUs:        runtime.NumCPU(),
		MemoryMB:    1024,
		ShareDir:    filepath.Join(paths.DataDir, "share"),
		ShareTag:    "vmbuild",
		BuildRoot:   "build",
		CancelGrace: 5 * time.Second,
		LogLevel:    "info",
		LogFormat:   "text",
		DataDir:     paths.DataDir,
	}
}

// Keys returns every configuration key in display order.
func Keys() []string {
	return []string{
		"kernel", "initrd", "cmdline", "disk_path",
		"cpus", "memory_mb",
		"share_dir", "share_tag",
		"build_root", "build_timeout", "cancel_grace", "clean_build_root", "keep_build_root",
		"log_level", "log_format", "data_dir",
	}
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("kernel", d.Kernel)
	v.SetDefault("initrd", d.Initrd)
	v.SetDefault("cmdline", d.Cmdline)
	v.SetDefault("disk_path", d.DiskPath)
	v.SetDefault("cpus", d.CPUs)
	v.SetDefault("memory_mb", d.MemoryMB)
	v.SetDefault("share_dir", d.ShareDir)
	v.SetDefault("share_tag", d.ShareTag)
	v.SetDefault("build_root", d.BuildRoot)
	v.SetDefault("build_timeout", d.BuildTimeout)
	v.SetDefault("cancel_grace", d.CancelGrace)
	v.SetDefault("clean_build_root", d.CleanBuildRoot)
	v.SetDefault("keep_build_root", d.KeepBuildRoot)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_format", d.LogFormat)
	v.SetDefault("data_dir", d.DataDir)
}

// Loaded is a resolved configuration and where it came from.
type Loaded struct {
	*Config

	// File is the config file that was read, or empty.
	File string
}

// Load reads configuration from defaults, the config file, the environment
// and finally flags. file overrides the config file search. Flags are bound
// to keys by name with dashes for underscores (--log-level → log_level);
// only flags the user set take precedence. flags may be nil.
func Load(file string, flags *pflag.FlagSet) (*Loaded, error) {
	paths, err := GetPaths()
	if err != nil {
		return nil, fmt.Errorf("failed to determine paths: %w", err)
	}

	v := viper.New()
	setDefaults(v, DefaultConfig())

	// Config file settings
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(paths.DataDir)
		v.AddConfigPath(paths.ConfigDir)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for _, key := range Keys() {
			if f := flags.Lookup(strings.ReplaceAll(key, "_", "-")); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", f.Name, err)
				}
			}
		}
	}

	// Read config file (optional - not an error if missing, unless named explicitly)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return &Loaded{Config: cfg, File: v.ConfigFileUsed()}, nil
}

// Settings returns the configuration keyed as in Keys, with durations
// rendered as strings.
func (c *Config) Settings() map[string]any {
	return map[string]any{
		"kernel":           c.Kernel,
		"initrd":           c.Initrd,
		"cmdline":          c.Cmdline,
		"disk_path":        c.DiskPath,
		"cpus":             c.CPUs,
		"memory_mb":        c.MemoryMB,
		"share_dir":        c.ShareDir,
		"share_tag":        c.ShareTag,
		"build_root":       c.BuildRoot,
		"build_timeout":    c.BuildTimeout.String(),
		"cancel_grace":     c.CancelGrace.String(),
		"clean_build_root": c.CleanBuildRoot,
		"keep_build_root":  c.KeepBuildRoot,
		"log_level":        c.LogLevel,
		"log_format":       c.LogFormat,
		"data_dir":         c.DataDir,
	}
}
