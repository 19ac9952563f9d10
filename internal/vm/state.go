package vm

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// PersistentState holds VM and build history that survives restarts.
type PersistentState struct {
	// LastBoot is when the guest last completed its readiness handshake.
	LastBoot time.Time `json:"last_boot,omitempty"`

	// LastShutdown is when the VM was last closed.
	LastShutdown time.Time `json:"last_shutdown,omitempty"`

	// BootCount is the number of completed boots.
	BootCount int `json:"boot_count"`

	// CleanShutdown indicates if the last shutdown was clean.
	CleanShutdown bool `json:"clean_shutdown"`

	// BuildCount is the number of builds that reported an exit status.
	BuildCount int `json:"build_count"`

	// LastBuild describes the most recent finished build.
	LastBuild *BuildRecord `json:"last_build,omitempty"`
}

// BuildRecord is the outcome of one build.
type BuildRecord struct {
	ID         string        `json:"id"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration"`
	ExitStatus int           `json:"exit_status"`
	Files      int           `json:"files"`
}

// StateFile manages persistent state storage.
type StateFile struct {
	mu   sync.Mutex
	path string
}

// NewStateFile creates a state file manager.
func NewStateFile(dataDir string) *StateFile {
	return &StateFile{
		path: filepath.Join(dataDir, "state.json"),
	}
}

// Load reads the state from disk.
func (s *StateFile) Load() (*PersistentState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *StateFile) load() (*PersistentState, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return &PersistentState{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}

	var state PersistentState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse state file: %w", err)
	}

	return &state, nil
}

func (s *StateFile) save(state *PersistentState) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	// Write atomically
	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}

	return os.Rename(tmpPath, s.path)
}

// update applies fn to the stored state under the lock.
func (s *StateFile) update(fn func(*PersistentState)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.load()
	if err != nil {
		return err
	}
	fn(state)
	return s.save(state)
}

// RecordBoot updates state for a completed boot.
func (s *StateFile) RecordBoot() error {
	return s.update(func(state *PersistentState) {
		state.LastBoot = time.Now()
		state.BootCount++
		state.CleanShutdown = false
	})
}

// RecordShutdown updates state for a shutdown.
func (s *StateFile) RecordShutdown(clean bool) error {
	return s.update(func(state *PersistentState) {
		state.LastShutdown = time.Now()
		state.CleanShutdown = clean
	})
}

// RecordBuild stores the outcome of a finished build.
func (s *StateFile) RecordBuild(rec BuildRecord) error {
	if rec.FinishedAt.IsZero() {
		rec.FinishedAt = time.Now()
	}
	return s.update(func(state *PersistentState) {
		state.BuildCount++
		state.LastBuild = &rec
	})
}

// Path returns the state file path.
func (s *StateFile) Path() string {
	return s.path
}
