package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/drftpd-ng/drftpd-sub005/internal/config"
	"github.com/drftpd-ng/drftpd-sub005/internal/storage/local"
	s3backend "github.com/drftpd-ng/drftpd-sub005/internal/storage/s3"
)

// NewBackendFromConfig creates a Backend from a backend type string and JSON config.
func NewBackendFromConfig(ctx context.Context, backendType string, raw json.RawMessage) (Backend, error) {
	switch backendType {
	case "s3":
		return s3backend.NewBackendFromJSON(ctx, raw)
	case "local":
		return local.NewFromJSON(raw)
	default:
		return nil, fmt.Errorf("unknown backend type: %s", backendType)
	}
}

// NewFilelistBackend builds the backend selected by FILELIST_BACKEND.
func NewFilelistBackend(ctx context.Context, cfg *config.Config) (Backend, error) {
	var raw any
	switch cfg.FilelistBackend {
	case "s3":
		raw = s3backend.BackendConfig{
			Endpoint:  cfg.S3Endpoint,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Region:    cfg.S3Region,
			UseSSL:    cfg.S3UseSSL,
		}
	case "local":
		raw = local.Config{RootPath: cfg.LocalStoragePath, CreateDirs: true}
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.FilelistBackend)
	}

	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode %s config: %w", cfg.FilelistBackend, err)
	}
	return NewBackendFromConfig(ctx, cfg.FilelistBackend, data)
}
