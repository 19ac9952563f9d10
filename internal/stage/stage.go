// Package stage copies a set of files into the guest filesystem, creating
// the directories they live in on demand.
package stage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// RootID is the directory id of the guest filesystem root.
const RootID uint64 = 0

// ErrNoFilesystem is reported when the VM exposes no staging filesystem.
var ErrNoFilesystem = errors.New("stage: VM has no shared filesystem")

// FileSet maps slash-separated paths to file content.
type FileSet map[string][]byte

// Filesystem is the directory lookup/create capability of the guest
// filesystem device.
type Filesystem interface {
	// ResolvePath looks up a directory by path relative to the root.
	ResolvePath(ctx context.Context, path string) (id uint64, exists bool, err error)
	// CreateDirectory creates name under parent and returns its id.
	CreateDirectory(ctx context.Context, name string, parent uint64) (uint64, error)
	// CreateBinaryFile writes a file named name under parent.
	CreateBinaryFile(ctx context.Context, name string, parent uint64, content []byte) error
}

// Remover is implemented by filesystems that can delete a tree.
type Remover interface {
	RemoveAll(ctx context.Context, path string) error
}

// StagingError wraps a guest filesystem failure.
type StagingError struct {
	Op   string
	Path string
	Err  error
}

func (e *StagingError) Error() string {
	return fmt.Sprintf("stage: %s %q: %v", e.Op, e.Path, e.Err)
}

func (e *StagingError) Unwrap() error { return e.Err }

// Stager writes FileSets through a Filesystem.
type Stager struct {
	fs  Filesystem
	log *slog.Logger

	// OnFile, if set, is called after each file has been written.
	OnFile func(path string)
}

// New returns a Stager for fs. A nil logger uses slog.Default().
func New(fs Filesystem, log *slog.Logger) *Stager {
	if log == nil {
		log = slog.Default()
	}
	return &Stager{fs: fs, log: log}
}

// EnsureDirectory returns the id of the directory at path, creating it and
// any missing ancestors. Existing directories are never re-created.
func (s *Stager) EnsureDirectory(ctx context.Context, path string) (uint64, error) {
	path = cleanPath(path)
	if path == "" {
		return RootID, nil
	}

	id, exists, err := s.fs.ResolvePath(ctx, path)
	if err != nil {
		return 0, &StagingError{Op: "resolve", Path: path, Err: err}
	}
	if exists {
		return id, nil
	}

	parent, name := SplitPath(path)
	parentID, err := s.EnsureDirectory(ctx, parent)
	if err != nil {
		return 0, err
	}

	id, err = s.fs.CreateDirectory(ctx, name, parentID)
	if err != nil {
		return 0, &StagingError{Op: "mkdir", Path: path, Err: err}
	}
	s.log.Debug("stage: created directory", "path", path, "id", id)
	return id, nil
}

// StageFiles writes every entry of files below root. It stops at the first
// failure. Paths with no file name component are skipped.
func (s *Stager) StageFiles(ctx context.Context, files FileSet, root string) error {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}

		dir, name := SplitPath(p)
		if name == "" {
			s.log.Debug("stage: skipping entry without file name", "path", p)
			continue
		}

		dirID, err := s.EnsureDirectory(ctx, joinPath(root, dir))
		if err != nil {
			return err
		}
		if err := s.fs.CreateBinaryFile(ctx, name, dirID, files[p]); err != nil {
			return &StagingError{Op: "write", Path: joinPath(root, dir, name), Err: err}
		}
		if s.OnFile != nil {
			s.OnFile(p)
		}
	}

	s.log.Debug("stage: staged files", "count", len(paths), "root", root)
	return nil
}

// Clear removes root from the guest filesystem when the filesystem
// supports it. It reports whether anything was attempted.
func (s *Stager) Clear(ctx context.Context, root string) (bool, error) {
	r, ok := s.fs.(Remover)
	if !ok {
		return false, nil
	}
	root = cleanPath(root)
	if root == "" {
		return false, errors.New("stage: refusing to clear filesystem root")
	}
	if err := r.RemoveAll(ctx, root); err != nil {
		return true, &StagingError{Op: "remove", Path: root, Err: err}
	}
	return true, nil
}

// SplitPath splits p into its directory portion and final name. Repeated
// slashes are collapsed. A trailing slash or an empty path yields an empty
// name.
func SplitPath(p string) (dir, name string) {
	p = collapseSlashes(p)
	i := strings.LastIndex(p, "/")
	if i < 0 {
		return "", p
	}
	return strings.Trim(p[:i], "/"), p[i+1:]
}

func cleanPath(p string) string {
	return strings.Trim(collapseSlashes(p), "/")
}

func joinPath(parts ...string) string {
	var nonEmpty []string
	for _, p := range parts {
		if p = cleanPath(p); p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, "/")
}

func collapseSlashes(p string) string {
	for strings.Contains(p, "//") {
		p = strings.ReplaceAll(p, "//", "/")
	}
	return p
}
