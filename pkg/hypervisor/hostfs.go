package hypervisor

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
)

// HostFS is a host directory exported to the guest through the shared
// filesystem device. It hands out directory ids the way the device does:
// 0 for the root, fresh ids for every directory first seen or created.
type HostFS struct {
	root string

	mu     sync.Mutex
	next   uint64
	byID   map[uint64]string
	byPath map[string]uint64
}

// NewHostFS exports root, creating it if needed.
func NewHostFS(root string) (*HostFS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("hostfs: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("hostfs: create root: %w", err)
	}
	return &HostFS{
		root:   abs,
		next:   1,
		byID:   map[uint64]string{0: ""},
		byPath: map[string]uint64{"": 0},
	}, nil
}

// Root returns the exported host directory.
func (h *HostFS) Root() string {
	return h.root
}

func (h *HostFS) ResolvePath(ctx context.Context, p string) (uint64, bool, error) {
	rel, err := relPath(p)
	if err != nil {
		return 0, false, err
	}
	if rel == "" {
		return 0, true, nil
	}

	info, err := os.Stat(h.hostPath(rel))
	if os.IsNotExist(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("hostfs: stat %s: %w", rel, err)
	}
	if !info.IsDir() {
		return 0, false, fmt.Errorf("hostfs: %s: %w", rel, ErrNotDirectory)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	return h.idLocked(rel), true, nil
}

func (h *HostFS) CreateDirectory(ctx context.Context, name string, parent uint64) (uint64, error) {
	if err := validName(name); err != nil {
		return 0, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	dir, ok := h.byID[parent]
	if !ok {
		return 0, fmt.Errorf("hostfs: %d: %w", parent, ErrUnknownNode)
	}
	rel := path.Join(dir, name)
	if err := os.Mkdir(h.hostPath(rel), 0755); err != nil {
		return 0, fmt.Errorf("hostfs: mkdir %s: %w", rel, err)
	}
	return h.idLocked(rel), nil
}

func (h *HostFS) CreateBinaryFile(ctx context.Context, name string, parent uint64, content []byte) error {
	if err := validName(name); err != nil {
		return err
	}

	h.mu.Lock()
	dir, ok := h.byID[parent]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("hostfs: %d: %w", parent, ErrUnknownNode)
	}

	rel := path.Join(dir, name)
	if err := os.WriteFile(h.hostPath(rel), content, 0644); err != nil {
		return fmt.Errorf("hostfs: write %s: %w", rel, err)
	}
	return nil
}

// RemoveAll deletes the tree at p and forgets its directory ids.
func (h *HostFS) RemoveAll(ctx context.Context, p string) error {
	rel, err := relPath(p)
	if err != nil {
		return err
	}
	if rel == "" {
		return fmt.Errorf("hostfs: refusing to remove root")
	}
	if err := os.RemoveAll(h.hostPath(rel)); err != nil {
		return fmt.Errorf("hostfs: remove %s: %w", rel, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for dir, id := range h.byPath {
		if dir == rel || strings.HasPrefix(dir, rel+"/") {
			delete(h.byPath, dir)
			delete(h.byID, id)
		}
	}
	return nil
}

func (h *HostFS) idLocked(rel string) uint64 {
	if id, ok := h.byPath[rel]; ok {
		return id
	}
	id := h.next
	h.next++
	h.byPath[rel] = id
	h.byID[id] = rel
	return id
}

func (h *HostFS) hostPath(rel string) string {
	return filepath.Join(h.root, filepath.FromSlash(rel))
}

// relPath cleans a guest path and rejects anything escaping the root.
func relPath(p string) (string, error) {
	cleaned := strings.Trim(path.Clean("/"+p), "/")
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return "", fmt.Errorf("hostfs: %q: %w", p, ErrInvalidName)
		}
	}
	return cleaned, nil
}

func validName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\x00") {
		return fmt.Errorf("hostfs: %q: %w", name, ErrInvalidName)
	}
	return nil
}
