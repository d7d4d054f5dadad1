// drftpd master
//
// Keeps the configured storage nodes (slaves) connected over the slave
// link protocol and merges their file listings into one namespace.
//
// Features:
// - Static and dynamic (inbound, mask-matched) slaves
// - Namespace saved to a local or S3 filelist and restored on start
// - Optional PostgreSQL record of slave state
// - Prometheus metrics, status endpoints & structured logging (zap)
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/drftpd-ng/drftpd-sub005/internal/config"
	"github.com/drftpd-ng/drftpd-sub005/internal/events"
	"github.com/drftpd-ng/drftpd-sub005/internal/filelist"
	"github.com/drftpd-ng/drftpd-sub005/internal/logging"
	"github.com/drftpd-ng/drftpd-sub005/internal/slave"
	"github.com/drftpd-ng/drftpd-sub005/internal/slave/postgres"
	"github.com/drftpd-ng/drftpd-sub005/internal/status"
	"github.com/drftpd-ng/drftpd-sub005/internal/storage"
	"github.com/drftpd-ng/drftpd-sub005/internal/vfs"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("master starting...",
		zap.String("cluster", cfg.ClusterName),
		zap.String("slave_listen", cfg.SlaveListenAddr),
		zap.String("metrics", cfg.MetricsAddr))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := vfs.NewRegistry()
	broadcaster := events.NewBroadcaster()

	// Optional slave record store
	var store slave.Store
	if cfg.DatabaseURL != "" {
		logging.Info("connecting to PostgreSQL...")
		pg, err := postgres.New(cfg.DatabaseURL)
		if err != nil {
			logging.Fatal("database connection failed", zap.Error(err))
		}
		defer pg.Close()

		if dir := findMigrationsDir(); dir != "" {
			logging.Info("running migrations...", zap.String("dir", dir))
			if err := pg.Migrate(dir); err != nil {
				logging.Fatal("migration failed", zap.Error(err))
			}
		}
		if err := pg.MarkAllOffline(ctx); err != nil {
			logging.Error("reset slave records", zap.Error(err))
		}
		store = pg
	}

	// Restore the saved namespace before any slave merges into it
	backend, err := storage.NewFilelistBackend(ctx, cfg)
	if err != nil {
		logging.Fatal("filelist backend init failed", zap.Error(err))
	}
	defer backend.Close()

	saver := filelist.NewSaver(registry, backend, cfg.FilelistKey)
	if err := saver.Load(ctx); err != nil {
		logging.Fatal("filelist load failed", zap.Error(err))
	}

	slaves, err := slave.LoadConfigs(cfg.SlavesFile)
	if err != nil {
		logging.Fatal("slaves file", zap.String("path", cfg.SlavesFile), zap.Error(err))
	}
	logging.Info("slaves configured", zap.Int("count", len(slaves)))

	manager := slave.NewManager(registry, broadcaster, slaves, slave.Options{
		ClusterName:       cfg.ClusterName,
		HandshakeTimeout:  cfg.HandshakeTimeout,
		ReconnectInterval: cfg.ReconnectInterval,
		PingInterval:      cfg.PingInterval,
		Store:             store,
	})
	if err := slave.WatchConfigs(ctx, cfg.SlavesFile, manager.SetConfigs); err != nil {
		logging.Warn("slaves file not watched", zap.Error(err))
	}
	manager.Start(ctx)

	// Inbound connections from dynamic slaves
	if cfg.SlaveListenAddr != "" {
		ln, err := net.Listen("tcp", cfg.SlaveListenAddr)
		if err != nil {
			logging.Fatal("slave listener", zap.String("addr", cfg.SlaveListenAddr), zap.Error(err))
		}
		listener := slave.NewListener(manager, ln, cfg.IdentLookup)
		go func() {
			if err := listener.Serve(ctx); err != nil {
				logging.Error("slave listener error", zap.Error(err))
			}
		}()
	}

	// Periodic filelist save
	saveEvents := manager.Subscribe()
	go saver.Run(ctx, cfg.FilelistInterval, saveEvents)

	statusServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: status.NewServer(manager).Handler(),
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		cancel()
		manager.Unsubscribe(saveEvents)
		manager.Stop()

		saveCtx, saveCancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := saver.Save(saveCtx); err != nil {
			logging.Error("final filelist save failed", zap.Error(err))
		}
		saveCancel()

		statusServer.Close()
	}()

	logging.Info("status server listening", zap.String("addr", cfg.MetricsAddr))
	if err := statusServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logging.Fatal("status server error", zap.Error(err))
	}
}

func findMigrationsDir() string {
	candidates := []string{
		"migrations",
		"../migrations",
		"../../migrations",
	}

	exe, _ := os.Executable()
	if exe != "" {
		candidates = append(candidates, filepath.Join(filepath.Dir(exe), "migrations"))
	}

	for _, dir := range candidates {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir
		}
	}
	return ""
}
