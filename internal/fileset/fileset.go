// Package fileset loads the files of a build from a host directory or an
// archive.
package fileset

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/javanstorm/vmbuild/internal/stage"
)

// Load returns the FileSet at src, which is either a directory or an
// archive accepted by FromArchive, together with its manifest. Manifest
// exclusions are applied on top of exclude. Archives carry no manifest.
func Load(src string, exclude []string) (stage.FileSet, Manifest, error) {
	info, err := os.Stat(src)
	if err != nil {
		return nil, Manifest{}, err
	}
	if !info.IsDir() {
		files, err := FromArchive(src)
		return files, Manifest{}, err
	}

	m, err := LoadManifest(filepath.Join(src, ManifestName))
	if err != nil {
		return nil, Manifest{}, err
	}
	files, err := FromDir(src, append(append([]string(nil), exclude...), m.Exclude...))
	return files, m, err
}

// FromDir reads every regular file under root. Paths are slash-separated
// and relative to root. A file or directory is skipped when a pattern in
// exclude matches its relative path or its base name. The manifest file
// itself is never included.
func FromDir(root string, exclude []string) (stage.FileSet, error) {
	for _, pattern := range exclude {
		if _, err := path.Match(pattern, ""); err != nil {
			return nil, fmt.Errorf("exclude pattern %q: %w", pattern, err)
		}
	}

	files := stage.FileSet{}
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if excluded(rel, exclude) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		if rel == ManifestName {
			return nil
		}

		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		files[rel] = data
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", root, err)
	}
	return files, nil
}

func excluded(rel string, patterns []string) bool {
	base := path.Base(rel)
	for _, pattern := range patterns {
		if ok, _ := path.Match(pattern, rel); ok {
			return true
		}
		if ok, _ := path.Match(pattern, base); ok {
			return true
		}
	}
	return false
}

// FromArchive reads a .tar, .tar.zst or .tzst archive.
func FromArchive(name string) (stage.FileSet, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	switch {
	case strings.HasSuffix(name, ".tar.zst"), strings.HasSuffix(name, ".tzst"):
		zr, err := zstd.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("open zstd stream: %w", err)
		}
		defer zr.Close()
		r = zr
	case strings.HasSuffix(name, ".tar"):
	default:
		return nil, fmt.Errorf("%s: unsupported archive type", name)
	}

	files, err := FromTar(r)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	return files, nil
}

// FromTar reads regular files from a tar stream. Entries that would escape
// the archive root are rejected.
func FromTar(r io.Reader) (stage.FileSet, error) {
	files := stage.FileSet{}
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return files, nil
		}
		if err != nil {
			return nil, err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		name := path.Clean(strings.TrimPrefix(hdr.Name, "./"))
		if name == "." || strings.HasPrefix(name, "../") || name == ".." || path.IsAbs(name) {
			return nil, fmt.Errorf("entry %q escapes archive root", hdr.Name)
		}

		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("entry %s: %w", name, err)
		}
		files[name] = data
	}
}
