// Package postgres stores storage node records in PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/drftpd-ng/drftpd-sub005/internal/logging"
	"github.com/drftpd-ng/drftpd-sub005/internal/slave"
)

// Store is a PostgreSQL slave record store.
type Store struct {
	db *sql.DB
}

// New opens and pings the database at databaseURL.
func New(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate runs the *.up.sql files in migrationsDir in name order.
func (s *Store) Migrate(migrationsDir string) error {
	files, err := filepath.Glob(filepath.Join(migrationsDir, "*.up.sql"))
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}

	for _, f := range files {
		logging.Info("running migration", zap.String("file", filepath.Base(f)))
		content, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := s.db.Exec(string(content)); err != nil {
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
	}

	return nil
}

// SaveRecord inserts or updates the row for rec.Name.
func (s *Store) SaveRecord(ctx context.Context, rec slave.Record) error {
	var lastSeen sql.NullTime
	if !rec.LastSeen.IsZero() {
		lastSeen = sql.NullTime{Time: rec.LastSeen, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO slaves (name, addr, online, last_seen, disk_free, disk_total, bytes_sent, bytes_received)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (name) DO UPDATE
		 SET addr = $2, online = $3, last_seen = $4, disk_free = $5, disk_total = $6,
		     bytes_sent = $7, bytes_received = $8, updated_at = NOW()`,
		rec.Name, rec.Addr, rec.Online, lastSeen,
		rec.Status.DiskFree, rec.Status.DiskTotal, rec.Status.BytesSent, rec.Status.BytesReceived)
	if err != nil {
		return fmt.Errorf("save slave %s: %w", rec.Name, err)
	}
	return nil
}

// LoadRecords returns every stored record, sorted by name.
func (s *Store) LoadRecords(ctx context.Context) ([]slave.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, addr, online, last_seen, disk_free, disk_total, bytes_sent, bytes_received
		 FROM slaves ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list slaves: %w", err)
	}
	defer rows.Close()

	var recs []slave.Record
	for rows.Next() {
		var r slave.Record
		var lastSeen sql.NullTime
		if err := rows.Scan(&r.Name, &r.Addr, &r.Online, &lastSeen,
			&r.Status.DiskFree, &r.Status.DiskTotal, &r.Status.BytesSent, &r.Status.BytesReceived); err != nil {
			return nil, fmt.Errorf("scan slave: %w", err)
		}
		if lastSeen.Valid {
			r.LastSeen = lastSeen.Time
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// MarkAllOffline clears the online flag left over from a previous run.
func (s *Store) MarkAllOffline(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE slaves SET online = FALSE, updated_at = NOW() WHERE online`); err != nil {
		return fmt.Errorf("mark slaves offline: %w", err)
	}
	return nil
}
