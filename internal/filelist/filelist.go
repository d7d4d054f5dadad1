// Package filelist saves the merged namespace to a storage backend and
// restores it at startup.
package filelist

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/drftpd-ng/drftpd-sub005/internal/events"
	"github.com/drftpd-ng/drftpd-sub005/internal/logging"
	"github.com/drftpd-ng/drftpd-sub005/internal/metrics"
	"github.com/drftpd-ng/drftpd-sub005/internal/retry"
	"github.com/drftpd-ng/drftpd-sub005/internal/storage"
	"github.com/drftpd-ng/drftpd-sub005/internal/vfs"
)

// Saver writes the registry to key on a backend.
type Saver struct {
	registry *vfs.Registry
	backend  storage.Backend
	key      string
	retry    retry.Config
	debounce time.Duration // delay between an event and the save it triggers
}

// NewSaver returns a Saver for registry stored at key.
func NewSaver(registry *vfs.Registry, backend storage.Backend, key string) *Saver {
	return &Saver{
		registry: registry,
		backend:  backend,
		key:      key,
		retry:    retry.DefaultConfig(),
		debounce: 2 * time.Second,
	}
}

// Load merges the saved namespace into the registry. Files come back
// without slaves. A missing object is an empty namespace.
func (s *Saver) Load(ctx context.Context) error {
	rc, err := retry.DoWithResult(ctx, s.retry, func() (io.ReadCloser, error) {
		rc, err := s.backend.GetObject(ctx, s.key)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, retry.Retryable(err)
		}
		return rc, err
	})
	if errors.Is(err, storage.ErrNotFound) {
		logging.Info("no saved filelist", zap.String("key", s.key))
		return nil
	}
	if err != nil {
		return fmt.Errorf("open filelist: %w", err)
	}
	defer rc.Close()

	root, err := vfs.ParseFilelist(rc)
	if err != nil {
		return fmt.Errorf("parse filelist %s: %w", s.key, err)
	}
	if err := s.registry.Merge(s.registry.Root(), root); err != nil {
		return fmt.Errorf("merge filelist: %w", err)
	}

	files, dirs := s.registry.Count()
	metrics.SetRegistryNodes(files + dirs)
	logging.Info("filelist loaded",
		zap.String("key", s.key),
		zap.Int("files", files),
		zap.Int("dirs", dirs))
	return nil
}

// Save writes the current namespace. The previous copy is kept under
// key + ".bak".
func (s *Saver) Save(ctx context.Context) (err error) {
	defer func() { metrics.RecordFilelistSave(err == nil) }()

	var buf bytes.Buffer
	if err := vfs.WriteSnapshot(&buf, s.registry.Root()); err != nil {
		return fmt.Errorf("write filelist: %w", err)
	}
	data := buf.Bytes()

	return retry.Do(ctx, s.retry, func() error {
		exists, err := s.backend.ObjectExists(ctx, s.key)
		if err != nil {
			return retry.Retryable(err)
		}
		if exists {
			if err := s.backend.CopyObject(ctx, s.key, s.key+".bak"); err != nil {
				return retry.Retryable(fmt.Errorf("backup filelist: %w", err))
			}
		}
		if err := s.backend.PutObject(ctx, s.key, bytes.NewReader(data), int64(len(data))); err != nil {
			return retry.Retryable(fmt.Errorf("put filelist: %w", err))
		}
		return nil
	})
}

// Run saves every interval and shortly after each event on ch until ctx
// ends. It does not save on exit.
func (s *Saver) Run(ctx context.Context, interval time.Duration, ch <-chan events.Event) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var pending <-chan time.Time
	save := func() {
		if err := s.Save(ctx); err != nil && ctx.Err() == nil {
			logging.Warn("filelist save failed", zap.String("key", s.key), zap.Error(err))
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			save()
		case _, ok := <-ch:
			if !ok {
				ch = nil
				continue
			}
			if pending == nil {
				pending = time.After(s.debounce)
			}
		case <-pending:
			pending = nil
			save()
		}
	}
}
