package hypervisor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestHostFSCreateAndResolve(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	fs, err := NewHostFS(root)
	if err != nil {
		t.Fatalf("NewHostFS() error: %v", err)
	}

	id, exists, err := fs.ResolvePath(ctx, "")
	if err != nil || !exists || id != 0 {
		t.Fatalf("ResolvePath(root) = %d, %v, %v", id, exists, err)
	}

	if _, exists, _ := fs.ResolvePath(ctx, "build"); exists {
		t.Fatal("build should not exist yet")
	}

	buildID, err := fs.CreateDirectory(ctx, "build", 0)
	if err != nil {
		t.Fatalf("CreateDirectory() error: %v", err)
	}
	if buildID == 0 {
		t.Fatal("new directory got the root id")
	}

	srcID, err := fs.CreateDirectory(ctx, "src", buildID)
	if err != nil {
		t.Fatalf("CreateDirectory(src) error: %v", err)
	}
	if err := fs.CreateBinaryFile(ctx, "main.c", srcID, []byte("int main;")); err != nil {
		t.Fatalf("CreateBinaryFile() error: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(root, "build", "src", "main.c"))
	if err != nil {
		t.Fatalf("file not on host: %v", err)
	}
	if string(data) != "int main;" {
		t.Errorf("content = %q", data)
	}

	got, exists, err := fs.ResolvePath(ctx, "/build//src/")
	if err != nil || !exists || got != srcID {
		t.Errorf("ResolvePath(src) = %d, %v, %v; want %d", got, exists, err, srcID)
	}
}

func TestHostFSRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	fs, err := NewHostFS(t.TempDir())
	if err != nil {
		t.Fatalf("NewHostFS() error: %v", err)
	}

	for _, name := range []string{"", ".", "..", "a/b"} {
		if _, err := fs.CreateDirectory(ctx, name, 0); !errors.Is(err, ErrInvalidName) {
			t.Errorf("CreateDirectory(%q) = %v, want ErrInvalidName", name, err)
		}
	}
	if _, err := fs.CreateDirectory(ctx, "x", 42); !errors.Is(err, ErrUnknownNode) {
		t.Errorf("CreateDirectory(unknown parent) = %v, want ErrUnknownNode", err)
	}
	if _, _, err := fs.ResolvePath(ctx, "../etc"); !errors.Is(err, ErrInvalidName) {
		t.Errorf("ResolvePath(../etc) = %v, want ErrInvalidName", err)
	}

	if err := fs.CreateBinaryFile(ctx, "file", 0, nil); err != nil {
		t.Fatalf("CreateBinaryFile() error: %v", err)
	}
	if _, _, err := fs.ResolvePath(ctx, "file"); !errors.Is(err, ErrNotDirectory) {
		t.Errorf("ResolvePath(file) = %v, want ErrNotDirectory", err)
	}
}

func TestHostFSRemoveAll(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	fs, err := NewHostFS(root)
	if err != nil {
		t.Fatalf("NewHostFS() error: %v", err)
	}

	buildID, _ := fs.CreateDirectory(ctx, "build", 0)
	subID, _ := fs.CreateDirectory(ctx, "sub", buildID)

	if err := fs.RemoveAll(ctx, "build"); err != nil {
		t.Fatalf("RemoveAll() error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "build")); !os.IsNotExist(err) {
		t.Errorf("build still on host: %v", err)
	}
	if err := fs.CreateBinaryFile(ctx, "f", subID, nil); !errors.Is(err, ErrUnknownNode) {
		t.Errorf("stale id accepted: %v", err)
	}
	if err := fs.RemoveAll(ctx, "/"); err == nil {
		t.Error("RemoveAll(root) should be refused")
	}
}
