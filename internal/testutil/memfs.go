package testutil

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"
)

// MemFS is an in-memory staging filesystem that records every call.
type MemFS struct {
	mu       sync.Mutex
	next     uint64
	dirs     map[string]uint64
	paths    map[uint64]string
	files    map[string][]byte
	ops      []string
	failures map[string]error
}

// NewMemFS returns an empty filesystem containing only the root.
func NewMemFS() *MemFS {
	return &MemFS{
		next:     1,
		dirs:     map[string]uint64{"": 0},
		paths:    map[uint64]string{0: ""},
		files:    map[string][]byte{},
		failures: map[string]error{},
	}
}

// FailOn makes the operation op ("resolve", "mkdir", "write", "remove") on
// p return err.
func (m *MemFS) FailOn(op, p string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[op+" "+p] = err
}

// AddDir pre-creates a directory and its ancestors without recording ops.
func (m *MemFS) AddDir(p string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	p = strings.Trim(p, "/")
	id := uint64(0)
	cur := ""
	for _, seg := range strings.Split(p, "/") {
		if seg == "" {
			continue
		}
		cur = path.Join(cur, seg)
		if existing, ok := m.dirs[cur]; ok {
			id = existing
			continue
		}
		id = m.next
		m.next++
		m.dirs[cur] = id
		m.paths[id] = cur
	}
	return id
}

func (m *MemFS) record(op, p string) error {
	m.ops = append(m.ops, op+" "+p)
	return m.failures[op+" "+p]
}

func (m *MemFS) ResolvePath(ctx context.Context, p string) (uint64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record("resolve", p); err != nil {
		return 0, false, err
	}
	id, ok := m.dirs[strings.Trim(p, "/")]
	return id, ok, nil
}

func (m *MemFS) CreateDirectory(ctx context.Context, name string, parent uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dir, ok := m.paths[parent]
	if !ok {
		return 0, fmt.Errorf("memfs: unknown parent %d", parent)
	}
	p := path.Join(dir, name)
	if err := m.record("mkdir", p); err != nil {
		return 0, err
	}
	if _, exists := m.dirs[p]; exists {
		return 0, fmt.Errorf("memfs: %s already exists", p)
	}
	id := m.next
	m.next++
	m.dirs[p] = id
	m.paths[id] = p
	return id, nil
}

func (m *MemFS) CreateBinaryFile(ctx context.Context, name string, parent uint64, content []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dir, ok := m.paths[parent]
	if !ok {
		return fmt.Errorf("memfs: unknown parent %d", parent)
	}
	p := path.Join(dir, name)
	if err := m.record("write", p); err != nil {
		return err
	}
	m.files[p] = append([]byte(nil), content...)
	return nil
}

func (m *MemFS) RemoveAll(ctx context.Context, p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p = strings.Trim(p, "/")
	if p == "" {
		return errors.New("memfs: refusing to remove root")
	}
	if err := m.record("remove", p); err != nil {
		return err
	}
	under := func(q string) bool { return q == p || strings.HasPrefix(q, p+"/") }
	for q, id := range m.dirs {
		if under(q) {
			delete(m.dirs, q)
			delete(m.paths, id)
		}
	}
	for q := range m.files {
		if under(q) {
			delete(m.files, q)
		}
	}
	return nil
}

// Ops returns the recorded operations, e.g. "mkdir a/b" or "write a/b/c.txt".
func (m *MemFS) Ops() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.ops...)
}

// OpsOf returns the recorded operations of one kind, without the prefix.
func (m *MemFS) OpsOf(op string) []string {
	var out []string
	for _, o := range m.Ops() {
		if rest, ok := strings.CutPrefix(o, op+" "); ok {
			out = append(out, rest)
		}
	}
	return out
}

// ResetOps clears the operation log.
func (m *MemFS) ResetOps() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ops = nil
}

// File returns the content written at p.
func (m *MemFS) File(p string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[p]
	return data, ok
}
