package cli

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/javanstorm/vmbuild/internal/config"
	"github.com/javanstorm/vmbuild/internal/vm"
)

func TestExitErrorCode(t *testing.T) {
	tests := []struct {
		status int
		want   int
	}{
		{1, 1},
		{2, 2},
		{255, 255},
		{256, 1},
		{-2, 1},
	}
	for _, tt := range tests {
		e := &ExitError{Status: tt.status}
		if got := e.Code(); got != tt.want {
			t.Errorf("ExitError{%d}.Code() = %d, want %d", tt.status, got, tt.want)
		}
	}
}

func TestWriteConfigYAML(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.BuildTimeout = 90 * time.Second

	var buf bytes.Buffer
	if err := writeConfigYAML(&buf, cfg); err != nil {
		t.Fatalf("writeConfigYAML() error: %v", err)
	}

	var got map[string]any
	if err := yaml.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("output is not YAML: %v\n%s", err, buf.String())
	}
	if got["build_timeout"] != "1m30s" {
		t.Errorf("build_timeout = %v, want 1m30s", got["build_timeout"])
	}
	if got["cpus"] != cfg.CPUs {
		t.Errorf("cpus = %v, want %d", got["cpus"], cfg.CPUs)
	}

	// Keys appear in display order.
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	keys := config.Keys()
	if len(lines) != len(keys) {
		t.Fatalf("got %d lines, want %d", len(lines), len(keys))
	}
	for i, key := range keys {
		if !strings.HasPrefix(lines[i], key+":") {
			t.Errorf("line %d = %q, want key %s", i, lines[i], key)
		}
	}
}

func TestPrintState(t *testing.T) {
	var buf bytes.Buffer
	printState(&buf, &vm.PersistentState{})
	if !strings.Contains(buf.String(), "never booted") {
		t.Errorf("empty state: %q", buf.String())
	}

	buf.Reset()
	printState(&buf, &vm.PersistentState{
		BootCount:     2,
		LastBoot:      time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		LastShutdown:  time.Date(2026, 1, 2, 4, 0, 0, 0, time.UTC),
		CleanShutdown: false,
		BuildCount:    1,
		LastBuild: &vm.BuildRecord{
			ID:         "b-1",
			FinishedAt: time.Date(2026, 1, 2, 3, 30, 0, 0, time.UTC),
			Duration:   1500 * time.Millisecond,
			ExitStatus: 2,
			Files:      7,
		},
	})
	out := buf.String()
	for _, want := range []string{
		"Boot count: 2",
		"Last boot: 2026-01-02 03:04:05",
		"Shutdown type: unclean",
		"Builds: 1",
		"Last build: b-1 at 2026-01-02 03:30:00, status 2, 7 files, 1.5s",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestVersionCommand(t *testing.T) {
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetArgs([]string{"version"})
	defer rootCmd.SetArgs(nil)

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(buf.String(), "vmbuild ") {
		t.Errorf("output = %q", buf.String())
	}
}
