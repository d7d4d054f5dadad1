// Package linktest provides a scriptable storage node for exercising the
// master side of the control protocol.
package linktest

import (
	"bufio"
	"context"
	"fmt"
	"hash/crc32"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/shlex"

	"github.com/drftpd-ng/drftpd-sub005/internal/link"
)

// Call is one command received from the master.
type Call struct {
	Chan string
	Name string
	Args []string
}

// FakeSlave answers the handshake and a fixed set of commands.
type FakeSlave struct {
	Name       string
	MasterPass string
	SlavePass  string

	// WrongKey makes the reply banner carry a bad hash.
	WrongKey bool
	// Listing is the MLST body served for list.
	Listing string
	// Files is served by dump and csum.
	Files map[string][]byte
	// DiskTotal and DiskFree are reported by disk.
	DiskTotal, DiskFree int64
	// XferBytes is reported in the XFER line sent before a send/recv completes.
	XferBytes int64
	// Fail lists commands that get a FAIL response.
	Fail map[string]bool

	calls chan Call

	mu      sync.Mutex
	conn    net.Conn
	w       *bufio.Writer
	hold    map[string]bool
	held    map[string][]func()
	nextID  int64
	removed map[string]bool
}

// NewFakeSlave returns a node named name with the given secrets.
func NewFakeSlave(name, masterPass, slavePass string) *FakeSlave {
	return &FakeSlave{
		Name:       name,
		MasterPass: masterPass,
		SlavePass:  slavePass,
		Files:      make(map[string][]byte),
		DiskTotal:  1 << 30,
		DiskFree:   1 << 29,
		Fail:       make(map[string]bool),
		calls:      make(chan Call, 1024),
		hold:       make(map[string]bool),
		held:       make(map[string][]func()),
		removed:    make(map[string]bool),
		nextID:     1,
	}
}

// Calls delivers every command the fake receives.
func (f *FakeSlave) Calls() <-chan Call { return f.calls }

// NextCall waits up to timeout for the next command.
func (f *FakeSlave) NextCall(timeout time.Duration) (Call, bool) {
	select {
	case c := <-f.calls:
		return c, true
	case <-time.After(timeout):
		return Call{}, false
	}
}

// Hold delays responses to commands called name until Release.
func (f *FakeSlave) Hold(name string) {
	f.mu.Lock()
	f.hold[name] = true
	f.mu.Unlock()
}

// Release sends every held response for name and stops holding it.
func (f *FakeSlave) Release(name string) {
	f.mu.Lock()
	pending := f.held[name]
	delete(f.held, name)
	delete(f.hold, name)
	f.mu.Unlock()
	for _, fn := range pending {
		fn()
	}
}

// Send writes a raw line to the master.
func (f *FakeSlave) Send(line string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.w == nil {
		return net.ErrClosed
	}
	if _, err := f.w.WriteString(line + "\n"); err != nil {
		return err
	}
	return f.w.Flush()
}

// Close drops the connection.
func (f *FakeSlave) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn == nil {
		return nil
	}
	return f.conn.Close()
}

// Serve runs the node side of conn until it closes.
func (f *FakeSlave) Serve(conn net.Conn) error {
	f.mu.Lock()
	f.conn = conn
	f.w = bufio.NewWriter(conn)
	f.mu.Unlock()
	defer conn.Close()

	r := bufio.NewReader(conn)
	banner, err := r.ReadString('\n')
	if err != nil {
		return err
	}
	banner = strings.TrimSpace(banner)
	if err := link.CheckInit(banner, f.MasterPass, f.SlavePass); err != nil {
		f.Send(link.RejectBadKey)
		return err
	}
	seed := fmt.Sprintf("%032x", time.Now().UnixNano())
	slavePass := f.SlavePass
	if f.WrongKey {
		slavePass += "-wrong"
	}
	if err := f.Send(link.SlaveBanner(f.Name, f.MasterPass, slavePass, seed)); err != nil {
		return err
	}

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil
		}
		line = strings.TrimRight(line, "\r\n")
		if strings.HasPrefix(line, "INITFAIL") {
			return fmt.Errorf("master rejected us: %s", line)
		}
		if len(line) < 4 {
			continue
		}
		ch := line[:2]
		words, err := shlex.Split(line[3:])
		if err != nil || len(words) == 0 {
			continue
		}
		call := Call{Chan: ch, Name: words[0], Args: words[1:]}
		select {
		case f.calls <- call:
		default:
		}
		f.respond(call)
	}
}

func (f *FakeSlave) respond(c Call) {
	if c.Name == "abort" {
		return
	}
	reply := func() { f.reply(c) }

	f.mu.Lock()
	if f.hold[c.Name] {
		f.held[c.Name] = append(f.held[c.Name], reply)
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()
	reply()
}

var failTokens = map[string]string{
	"disk": "DISKFAIL",
	"csum": "CRCFAIL",
	"dele": "DELFAIL",
	"renm": "RENFAIL",
	"conn": "CONNFAIL",
	"send": "SENDFAIL",
	"recv": "RECVFAIL",
	"list": "LISTFAIL",
	"dump": "DUMPFAIL",
}

func (f *FakeSlave) reply(c Call) {
	out := func(s string) { f.Send(c.Chan + " " + s) }
	arg := func(i int) string {
		if i < len(c.Args) {
			return c.Args[i]
		}
		return ""
	}

	if token, ok := failTokens[c.Name]; ok && f.Fail[c.Name] {
		out(token + " scripted failure")
		return
	}

	switch c.Name {
	case "ping":
		out("PONG")
	case "disk":
		out(fmt.Sprintf("DISK %d %d", f.DiskTotal, f.DiskFree))
	case "csum":
		data, ok := f.Files[arg(0)]
		if !ok {
			out("CRCFAIL no such file")
			return
		}
		out(fmt.Sprintf("CSUM %08x", crc32.ChecksumIEEE(data)))
	case "dele", "renm":
		f.mu.Lock()
		f.removed[arg(0)] = true
		f.mu.Unlock()
		out("OK")
	case "conn":
		f.mu.Lock()
		id := f.nextID
		f.nextID++
		f.mu.Unlock()
		if arg(0) == "" {
			out(fmt.Sprintf("CONN %d 127.0.0.1:%d", id, 40000+id))
		} else {
			out(fmt.Sprintf("CONN %d", id))
		}
	case "send", "recv":
		data := f.Files[arg(0)]
		out(fmt.Sprintf("XFER %s done %d %08x 0 127.0.0.1:50000", arg(2), f.XferBytes, crc32.ChecksumIEEE(data)))
		out(strings.ToUpper(c.Name) + "OK")
	case "list":
		out("LISTBEGIN")
		for _, l := range strings.Split(strings.TrimRight(f.Listing, "\n"), "\n") {
			out(l)
		}
		out("LISTEND")
	case "dump":
		data, ok := f.Files[arg(0)]
		if !ok {
			out("DUMPFAIL no such file")
			return
		}
		if len(data) > 0 {
			for _, l := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
				out(l)
			}
		}
		out("DUMPEND")
	default:
		out("UNKNOWN " + c.Name)
	}
}

// Removed reports whether a dele or renm named p.
func (f *FakeSlave) Removed(p string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.removed[p]
}

// Connect wires a master link to f over an in-memory pipe, completes the
// handshake and starts the reader loop. The link is closed when the test
// ends.
func Connect(t testing.TB, f *FakeSlave, cfg link.Config) *link.Link {
	t.Helper()
	l, err := Dial(f, cfg)
	if err != nil {
		t.Fatalf("handshake with %s: %v", f.Name, err)
	}
	go l.Serve()
	t.Cleanup(func() { l.Close() })
	return l
}

// Dial is Connect without the reader loop or cleanup; the handshake
// result is returned as is.
func Dial(f *FakeSlave, cfg link.Config) (*link.Link, error) {
	master, node := net.Pipe()
	go f.Serve(node)
	l := link.New(master, cfg)
	if err := l.Handshake(context.Background()); err != nil {
		return l, err
	}
	return l, nil
}
