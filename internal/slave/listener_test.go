package slave

import (
	"bufio"
	"context"
	"net"
	"reflect"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/drftpd-ng/drftpd-sub005/internal/events"
	"github.com/drftpd-ng/drftpd-sub005/internal/link"
	"github.com/drftpd-ng/drftpd-sub005/internal/vfs"
)

// startListener serves m on a loopback port. A non-zero identPort turns
// ident lookups on against that port.
func startListener(t *testing.T, m *Manager, identPort int) *Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	s := NewListener(m, ln, identPort != 0)
	if identPort != 0 {
		s.identPort = identPort
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := s.Serve(ctx); err != nil {
			t.Errorf("Serve: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return s
}

func TestListenerAttachesDynamicSlave(t *testing.T) {
	reg := vfs.NewRegistry()
	b := events.NewBroadcaster()
	sub := b.Subscribe()
	m := NewManager(reg, b, []Config{
		{Name: "elsewhere", Addr: Dynamic, Masks: []string{"*@10.*"}, MasterPass: "x", SlavePass: "y"},
		{Name: "dyn", Addr: Dynamic, Masks: []string{"*@127.0.0.1"}, MasterPass: "mpass-dyn", SlavePass: "spass-dyn"},
	}, Options{HandshakeTimeout: 2 * time.Second})
	t.Cleanup(m.Stop)
	s := startListener(t, m, 0)

	f := newFake("dyn", listingS1)
	conn, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	go f.Serve(conn)

	waitEvent(t, sub, events.EventSlaveOnline, "dyn")
	if got := slavesOf(t, reg, "/rls/a.rar"); !reflect.DeepEqual(got, []string{"dyn"}) {
		t.Errorf("a.rar slaves = %v", got)
	}
	if _, err := m.Link("dyn"); err != nil {
		t.Errorf("Link(dyn): %v", err)
	}

	// A second node matching the same masks finds no free dynamic slave.
	line := dialAndRead(t, s.Addr().String())
	if line != link.RejectUnregistered {
		t.Errorf("second connection got %q", line)
	}
}

func TestListenerRejectsUnregistered(t *testing.T) {
	m := NewManager(vfs.NewRegistry(), events.NewBroadcaster(), []Config{
		{Name: "dyn", Addr: Dynamic, Masks: []string{"nobody@192.0.2.*"}},
		{Name: "static", Addr: "127.0.0.1:1", Masks: []string{"*"}},
	}, Options{})
	s := startListener(t, m, 0)

	if line := dialAndRead(t, s.Addr().String()); line != link.RejectUnregistered {
		t.Fatalf("got %q, want %q", line, link.RejectUnregistered)
	}
}

func dialAndRead(t *testing.T, addr string) string {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return strings.TrimSpace(line)
}

func TestListenerIdentMasks(t *testing.T) {
	identd, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer identd.Close()
	queries := make(chan string, 4)
	go func() {
		for {
			c, err := identd.Accept()
			if err != nil {
				return
			}
			q, _ := bufio.NewReader(c).ReadString('\n')
			queries <- strings.TrimSpace(q)
			c.Write([]byte(strings.TrimSpace(q) + " : USERID : UNIX : drftpd\r\n"))
			c.Close()
		}
	}()

	b := events.NewBroadcaster()
	sub := b.Subscribe()
	m := NewManager(vfs.NewRegistry(), b, []Config{
		{Name: "a-wrong-user", Addr: Dynamic, Masks: []string{"root@127.0.0.1"}},
		{Name: "dyn", Addr: Dynamic, Masks: []string{"drftpd@127.*"}, MasterPass: "mpass-dyn", SlavePass: "spass-dyn"},
	}, Options{HandshakeTimeout: 2 * time.Second})
	t.Cleanup(m.Stop)
	s := startListener(t, m, identd.Addr().(*net.TCPAddr).Port)

	f := newFake("dyn", listingS1)
	conn, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	go f.Serve(conn)

	waitEvent(t, sub, events.EventSlaveOnline, "dyn")
	select {
	case q := <-queries:
		local := conn.LocalAddr().(*net.TCPAddr).Port
		if !strings.HasPrefix(q, strconv.Itoa(local)+", ") {
			t.Errorf("ident query %q does not start with the node's port %d", q, local)
		}
	default:
		t.Error("ident service was never queried")
	}
}

func TestParseIdent(t *testing.T) {
	tests := []struct {
		line    string
		want    string
		wantErr bool
	}{
		{"6193, 23 : USERID : UNIX : stjohns\r\n", "stjohns", false},
		{"6195, 23 : USERID : OTHER :  alice ", "alice", false},
		{"6195, 23 : ERROR : NO-USER", "", true},
		{"garbage", "", true},
		{"1, 2 : USERID : UNIX", "", true},
	}
	for _, tt := range tests {
		got, err := parseIdent(tt.line)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("parseIdent(%q) = %q, %v", tt.line, got, err)
		}
	}
}
