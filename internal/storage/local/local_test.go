package local

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"path/filepath"
	"strings"
	"testing"
)

func newBackend(t *testing.T) *LocalBackend {
	t.Helper()
	b, err := New(Config{RootPath: filepath.Join(t.TempDir(), "root"), CreateDirs: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b
}

func readAll(t *testing.T, b *LocalBackend, key string) string {
	t.Helper()
	rc, err := b.GetObject(context.Background(), key)
	if err != nil {
		t.Fatalf("GetObject %s: %v", key, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read %s: %v", key, err)
	}
	return string(data)
}

func TestPutGetCopyDelete(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)

	body := "/:\ntype=dir;size=0;modify=20240101000000.000; rls\n"
	if err := b.PutObject(ctx, "lists/files.mlst", strings.NewReader(body), int64(len(body))); err != nil {
		t.Fatalf("PutObject: %v", err)
	}
	if got := readAll(t, b, "lists/files.mlst"); got != body {
		t.Errorf("GetObject = %q, want %q", got, body)
	}

	if err := b.CopyObject(ctx, "lists/files.mlst", "lists/files.mlst.bak"); err != nil {
		t.Fatalf("CopyObject: %v", err)
	}
	if got := readAll(t, b, "lists/files.mlst.bak"); got != body {
		t.Errorf("copy = %q", got)
	}

	if err := b.DeleteObject(ctx, "lists/files.mlst"); err != nil {
		t.Fatalf("DeleteObject: %v", err)
	}
	ok, err := b.ObjectExists(ctx, "lists/files.mlst")
	if err != nil || ok {
		t.Fatalf("ObjectExists after delete = %v, %v", ok, err)
	}
	if err := b.DeleteObject(ctx, "lists/files.mlst"); err != nil {
		t.Errorf("deleting a missing object should succeed: %v", err)
	}
}

func TestGetMissingIsNotExist(t *testing.T) {
	b := newBackend(t)
	_, err := b.GetObject(context.Background(), "nope")
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected fs.ErrNotExist, got %v", err)
	}
}

func TestNewRequiresRoot(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for empty root_path")
	}
	if _, err := New(Config{RootPath: filepath.Join(t.TempDir(), "missing")}); err == nil {
		t.Fatal("expected error for missing root without create_dirs")
	}
}
