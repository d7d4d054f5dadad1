package storage

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/drftpd-ng/drftpd-sub005/internal/config"
)

func TestNewBackendFromConfig(t *testing.T) {
	raw, _ := json.Marshal(map[string]any{"root_path": t.TempDir()})

	b, err := NewBackendFromConfig(context.Background(), "local", raw)
	if err != nil {
		t.Fatalf("local backend: %v", err)
	}
	if b.Type() != "local" {
		t.Errorf("Type() = %q", b.Type())
	}

	if _, err := NewBackendFromConfig(context.Background(), "smb", raw); err == nil {
		t.Error("expected error for unknown backend type")
	}
}

func TestNewFilelistBackend(t *testing.T) {
	cfg := &config.Config{FilelistBackend: "local", LocalStoragePath: t.TempDir() + "/nested"}
	b, err := NewFilelistBackend(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewFilelistBackend: %v", err)
	}
	defer b.Close()

	cfg.FilelistBackend = "ftp"
	if _, err := NewFilelistBackend(context.Background(), cfg); err == nil {
		t.Error("expected error for unknown filelist backend")
	}
}
