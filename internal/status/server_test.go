package status

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/drftpd-ng/drftpd-sub005/internal/events"
	"github.com/drftpd-ng/drftpd-sub005/internal/slave"
	"github.com/drftpd-ng/drftpd-sub005/internal/vfs"
)

type stubSource struct {
	reg     *vfs.Registry
	b       *events.Broadcaster
	records []slave.Record
}

func (s *stubSource) Records() []slave.Record { return s.records }
func (s *stubSource) Registry() *vfs.Registry { return s.reg }
func (s *stubSource) Subscribe() chan events.Event { return s.b.Subscribe() }
func (s *stubSource) Unsubscribe(ch chan events.Event) { s.b.Unsubscribe(ch) }

const listing = `/:
type=dir;size=0;modify=20240301120000.000; rls
/rls:
type=file;size=10;modify=20240301121000.000;unix.owner=ftp;x.slaves=s1; a.rar
type=file;size=20;modify=20240301121000.000;x.slaves=gone; b.nfo
`

func newTestServer(t *testing.T) (*stubSource, *httptest.Server) {
	t.Helper()
	snap, err := vfs.ParseSnapshot(strings.NewReader(listing))
	if err != nil {
		t.Fatal(err)
	}
	reg := vfs.NewRegistry()
	if err := reg.Merge(reg.Root(), snap); err != nil {
		t.Fatal(err)
	}
	reg.UnmergeAll("gone")

	src := &stubSource{
		reg: reg,
		b:   events.NewBroadcaster(),
		records: []slave.Record{
			{Name: "s1", Addr: "10.0.0.1:1099", Online: true},
			{Name: "s2", Addr: slave.Dynamic},
		},
	}
	srv := httptest.NewServer(NewServer(src).Handler())
	t.Cleanup(srv.Close)
	return src, srv
}

func getJSON(t *testing.T, url string, want int, v any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		t.Fatalf("GET %s: status %d, want %d", url, resp.StatusCode, want)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
}

func TestSlaves(t *testing.T) {
	_, srv := newTestServer(t)

	var recs []slave.Record
	getJSON(t, srv.URL+"/slaves", http.StatusOK, &recs)
	if len(recs) != 2 || recs[0].Name != "s1" || !recs[0].Online || recs[1].Online {
		t.Fatalf("records = %+v", recs)
	}
}

func TestList(t *testing.T) {
	_, srv := newTestServer(t)

	tests := []struct {
		name  string
		query string
		want  []string
	}{
		{"root", "", []string{"rls"}},
		{"dir", "?path=/rls", []string{"a.rar", "b.nfo"}},
		{"file", "?path=/rls/a.rar", []string{"a.rar"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var entries []Entry
			getJSON(t, srv.URL+"/ls"+tt.query, http.StatusOK, &entries)
			var names []string
			for _, e := range entries {
				names = append(names, e.Name)
			}
			if strings.Join(names, ",") != strings.Join(tt.want, ",") {
				t.Fatalf("names = %v, want %v", names, tt.want)
			}
		})
	}

	var entries []Entry
	getJSON(t, srv.URL+"/ls?path=/rls", http.StatusOK, &entries)
	a, b := entries[0], entries[1]
	if !a.Available || len(a.Slaves) != 1 || a.Slaves[0] != "s1" || a.Owner != "ftp" || a.Size != 10 {
		t.Errorf("a.rar = %+v", a)
	}
	if b.Available || len(b.Slaves) != 0 {
		t.Errorf("b.nfo = %+v, want unavailable", b)
	}

	var e ErrorResponse
	getJSON(t, srv.URL+"/ls?path=/missing", http.StatusNotFound, &e)
	if e.Code != http.StatusNotFound {
		t.Errorf("error = %+v", e)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	_, srv := newTestServer(t)

	var health map[string]any
	getJSON(t, srv.URL+"/health", http.StatusOK, &health)
	if health["status"] != "ok" || health["files"] != float64(2) {
		t.Errorf("health = %v", health)
	}

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/metrics status = %d", resp.StatusCode)
	}
}

func TestEventStream(t *testing.T) {
	src, srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	lines := make(chan string, 16)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	next := func() string {
		select {
		case l := <-lines:
			return l
		case <-time.After(5 * time.Second):
			t.Fatal("no line from event stream")
			return ""
		}
	}
	if l := next(); l != ": connected" {
		t.Fatalf("first line = %q", l)
	}
	next()

	src.b.Publish(events.Event{Type: events.EventSlaveOffline, Slave: "s1"})
	if l := next(); l != "event: slave.offline" {
		t.Fatalf("event line = %q", l)
	}
	data := strings.TrimPrefix(next(), "data: ")
	var ev events.Event
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		t.Fatalf("decode %q: %v", data, err)
	}
	if ev.Slave != "s1" || ev.Timestamp == 0 {
		t.Errorf("event = %+v", ev)
	}
}
