// Package timing provides simple phase timing for build performance measurement.
package timing

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// EnvVar enables timing reports when set to "1".
const EnvVar = "VMBUILD_TIMING"

// Timer tracks durations of named phases. A nil *Timer is valid and
// records nothing, so callers can pass one around unconditionally.
type Timer struct {
	mu     sync.Mutex
	start  time.Time
	last   time.Time
	phases []Phase
}

// Phase represents a timed phase with name and duration.
type Phase struct {
	Name     string
	Duration time.Duration
}

// New creates a new Timer starting from now.
func New() *Timer {
	now := time.Now()
	return &Timer{start: now, last: now}
}

// FromEnv returns a Timer when EnvVar is "1", and nil otherwise.
func FromEnv() *Timer {
	if os.Getenv(EnvVar) == "1" {
		return New()
	}
	return nil
}

// Mark records a named phase ending now.
// Duration is time since last mark (or since start if first mark).
func (t *Timer) Mark(name string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	t.phases = append(t.phases, Phase{Name: name, Duration: now.Sub(t.last)})
	t.last = now
}

// Total returns the total elapsed time since timer creation.
func (t *Timer) Total() time.Duration {
	if t == nil {
		return 0
	}
	return time.Since(t.start)
}

// Phases returns all recorded phases.
func (t *Timer) Phases() []Phase {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Phase(nil), t.phases...)
}

// Report prints a timing report to the given writer.
func (t *Timer) Report(w io.Writer) {
	if t == nil {
		return
	}
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "=== Build Timing ===")
	for _, p := range t.Phases() {
		fmt.Fprintf(w, "  %-20s %s\n", p.Name+":", formatDuration(p.Duration))
	}
	fmt.Fprintf(w, "  %-20s %s\n", "TOTAL:", formatDuration(t.Total()))
	fmt.Fprintln(w, "====================")
}

// formatDuration formats a duration for display.
func formatDuration(d time.Duration) string {
	if d < time.Millisecond {
		return fmt.Sprintf("%dµs", d.Microseconds())
	}
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return fmt.Sprintf("%.2fs", d.Seconds())
}
