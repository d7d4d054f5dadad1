// Package link runs the master side of the storage node control protocol:
// one multiplexed, line-oriented connection per node.
package link

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/drftpd-ng/drftpd-sub005/internal/logging"
	"github.com/drftpd-ng/drftpd-sub005/internal/metrics"
)

var (
	ErrLinkClosed    = errors.New("link: closed")
	ErrNotReady      = errors.New("link: not ready")
	ErrCommandFailed = errors.New("link: command failed")
	ErrAuthFailed    = errors.New("link: authentication failed")
	ErrUnknownSlave  = errors.New("link: unknown slave")
)

// State is the lifecycle state of a link.
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Config identifies the node expected at the other end and the secrets
// shared with it.
type Config struct {
	Name             string
	ClusterName      string
	MasterPass       string
	SlavePass        string
	HandshakeTimeout time.Duration
}

// Link is the control connection to one storage node.
type Link struct {
	cfg  Config
	conn net.Conn
	r    *bufio.Reader
	log  *zap.Logger

	state atomic.Int32
	wmu   sync.Mutex
	pool  *channelPool

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
	onClose   func(*Link, error)

	tmu           sync.Mutex
	transfers     map[int64]*Transfer
	bytesSent     int64
	bytesReceived int64
}

// New wraps an established connection. Call Handshake, then Serve.
func New(conn net.Conn, cfg Config) *Link {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	return &Link{
		cfg:       cfg,
		conn:      conn,
		r:         bufio.NewReaderSize(conn, 64*1024),
		log:       logging.ForSlave(cfg.Name),
		pool:      newChannelPool(),
		closed:    make(chan struct{}),
		transfers: make(map[int64]*Transfer),
	}
}

// Dial connects to a node at addr. The returned link still needs Handshake.
func Dial(ctx context.Context, addr string, cfg Config) (*Link, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s at %s: %w", cfg.Name, addr, err)
	}
	return New(conn, cfg), nil
}

// Name returns the configured node name.
func (l *Link) Name() string { return l.cfg.Name }

// State returns the current lifecycle state.
func (l *Link) State() State { return State(l.state.Load()) }

// RemoteAddr returns the peer address of the control connection.
func (l *Link) RemoteAddr() net.Addr { return l.conn.RemoteAddr() }

// Done is closed once the link is closed.
func (l *Link) Done() <-chan struct{} { return l.closed }

// Err returns the error that closed the link, nil for a clean close or
// while the link is open.
func (l *Link) Err() error {
	select {
	case <-l.closed:
		return l.closeErr
	default:
		return nil
	}
}

// OnClose registers fn to run once when the link closes. Set it before
// the link is shared with other goroutines.
func (l *Link) OnClose(fn func(*Link, error)) { l.onClose = fn }

// Close tears the link down. Pending commands fail with ErrLinkClosed.
func (l *Link) Close() error {
	l.closeWith(nil)
	return nil
}

func (l *Link) closeWith(err error) {
	l.closeOnce.Do(func() {
		l.closeErr = err
		l.state.Store(int32(StateClosed))
		close(l.closed)
		l.conn.Close()

		pending := l.pool.drain()
		for _, c := range pending {
			c.fail()
		}

		if err != nil {
			l.log.Info("link closed", zap.Error(err), zap.Int("pending", len(pending)))
		} else {
			l.log.Info("link closed", zap.Int("pending", len(pending)))
		}
		if l.onClose != nil {
			l.onClose(l, err)
		}
	})
}

func (l *Link) writeLine(line string) error {
	l.wmu.Lock()
	defer l.wmu.Unlock()
	if _, err := io.WriteString(l.conn, line+"\n"); err != nil {
		return err
	}
	l.log.Debug("< " + line)
	return nil
}

func (l *Link) readLine() (string, error) {
	line, err := l.r.ReadString('\n')
	if err != nil {
		if err == io.EOF && line != "" {
			return strings.TrimRight(line, "\r\n"), nil
		}
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	l.log.Debug("> " + line)
	return line, nil
}

// Serve runs the reader loop until the connection ends. It returns nil
// when the peer closes the connection or Close is called.
func (l *Link) Serve() error {
	if l.State() != StateReady {
		return ErrNotReady
	}
	for {
		line, err := l.readLine()
		if err != nil {
			select {
			case <-l.closed:
				return nil
			default:
			}
			if errors.Is(err, io.EOF) {
				l.closeWith(nil)
				return nil
			}
			err = fmt.Errorf("read from %s: %w", l.cfg.Name, err)
			l.closeWith(err)
			return err
		}
		l.dispatch(line)
	}
}

// dispatch routes one control line to the command bound to its channel,
// or to a transfer session for XFER status lines.
func (l *Link) dispatch(line string) {
	if strings.HasPrefix(line, "XFER ") {
		l.handleXfer(line)
		return
	}

	if len(line) < 2 || (len(line) > 2 && line[2] != ' ') {
		l.malformed("no channel prefix", line)
		return
	}
	id, ok := parseChan(line[:2])
	if !ok {
		l.malformed("bad channel id", line)
		return
	}
	var rest string
	if len(line) > 3 {
		rest = line[3:]
	}

	if strings.HasPrefix(rest, "XFER ") {
		l.handleXfer(rest)
		return
	}

	c := l.pool.lookup(id)
	if c == nil {
		l.malformed("unbound channel", line)
		return
	}
	h, ok := handlers[c.Name]
	if !ok {
		l.malformed("no handler for "+c.Name, line)
		return
	}
	h(c, rest)
}

func (l *Link) malformed(reason, line string) {
	metrics.RecordMalformedLine()
	l.log.Warn("dropping control line", zap.String("reason", reason), zap.String("line", line))
}

// SendCommand binds a new command to a free channel and writes it. It
// blocks only while all channels are busy. Use the returned command's
// Wait to collect the response.
func (l *Link) SendCommand(ctx context.Context, name, args string) (*Command, error) {
	if l.State() != StateReady {
		if l.State() == StateClosed {
			return nil, ErrLinkClosed
		}
		return nil, ErrNotReady
	}

	id, err := l.pool.acquire(ctx, l.closed)
	if err != nil {
		return nil, fmt.Errorf("acquire channel for %s: %w", name, err)
	}

	c := newCommand(l, id, name, args)
	c.sent = time.Now()
	l.pool.bind(c)

	// A close racing with bind must not leave c pending forever.
	select {
	case <-l.closed:
		c.fail()
		return nil, ErrLinkClosed
	default:
	}

	line := formatChan(id) + " " + name
	if args != "" {
		line += " " + args
	}
	if err := l.writeLine(line); err != nil {
		c.fail()
		l.closeWith(fmt.Errorf("write to %s: %w", l.cfg.Name, err))
		return nil, fmt.Errorf("send %s: %w", name, ErrLinkClosed)
	}
	return c, nil
}

// run sends a command and waits for it.
func (l *Link) run(ctx context.Context, name, args string) (*Command, error) {
	c, err := l.SendCommand(ctx, name, args)
	if err != nil {
		return nil, err
	}
	if err := c.Wait(ctx); err != nil {
		return c, err
	}
	return c, nil
}

// PendingCommands returns how many channels are bound.
func (l *Link) PendingCommands() int { return l.pool.inUse() }

func quote(s string) string {
	return `"` + s + `"`
}
