package postgres

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/drftpd-ng/drftpd-sub005/internal/link"
	"github.com/drftpd-ng/drftpd-sub005/internal/slave"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	s, err := New(url)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	_, file, _, _ := runtime.Caller(0)
	dir := filepath.Join(filepath.Dir(file), "..", "..", "..", "migrations")
	if err := s.Migrate(dir); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if _, err := s.db.Exec(`DELETE FROM slaves`); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestSaveAndLoadRecords(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seen := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	recs := []slave.Record{
		{Name: "s2", Addr: slave.Dynamic},
		{Name: "s1", Addr: "10.0.0.1:1099", Online: true, LastSeen: seen,
			Status: link.SlaveStatus{DiskFree: 10, DiskTotal: 20, BytesSent: 30, BytesReceived: 40}},
	}
	for _, r := range recs {
		if err := s.SaveRecord(ctx, r); err != nil {
			t.Fatalf("SaveRecord: %v", err)
		}
	}

	got, err := s.LoadRecords(ctx)
	if err != nil {
		t.Fatalf("LoadRecords: %v", err)
	}
	if len(got) != 2 || got[0].Name != "s1" || got[1].Name != "s2" {
		t.Fatalf("records = %+v", got)
	}
	if !got[0].LastSeen.Equal(seen) || !got[0].Online || got[0].Status.BytesReceived != 40 {
		t.Errorf("s1 = %+v", got[0])
	}
	if !got[1].LastSeen.IsZero() {
		t.Errorf("s2 last seen = %v, want zero", got[1].LastSeen)
	}

	// upsert
	recs[1].Online = false
	if err := s.SaveRecord(ctx, recs[1]); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkAllOffline(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ = s.LoadRecords(ctx)
	for _, r := range got {
		if r.Online {
			t.Errorf("%s still online", r.Name)
		}
	}
}
