package link

import (
	"context"
	"fmt"
	"net"
	"path"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/drftpd-ng/drftpd-sub005/internal/metrics"
)

// Direction of a transfer, seen from the storage node.
type Direction int

const (
	DirectionUnknown Direction = iota
	DirectionSend              // node sends a file to a client
	DirectionReceive           // node receives a file from a client
)

func (d Direction) String() string {
	switch d {
	case DirectionSend:
		return "send"
	case DirectionReceive:
		return "receive"
	default:
		return "unknown"
	}
}

// Transfer modes.
const (
	ModeBinary = 'I'
	ModeASCII  = 'A'
)

// TransferStatus is a point-in-time view of a transfer.
type TransferStatus struct {
	Direction   Direction
	Elapsed     time.Duration
	Transferred int64
	Checksum    uint32
	Addr        string
	Status      string
	ErrorCode   int64
	Aborted     bool
}

// Transfer tracks one file transfer over a data connection the node has
// opened with Connect or Listen.
type Transfer struct {
	link *Link
	id   int64
	host string
	port int

	mu          sync.Mutex
	cmd         *Command
	direction   Direction
	started     time.Time
	finished    time.Time
	transferred int64
	checksum    uint32
	errCode     int64
	status      string
	addr        string
	aborted     bool
}

func newTransfer(l *Link, c *Command) (*Transfer, error) {
	id, err := strconv.ParseInt(c.Field("conn"), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("conn response has bad id %q: %w", c.Field("conn"), ErrCommandFailed)
	}
	t := &Transfer{link: l, id: id}
	if addr := c.Field("addr"); addr != "" {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("conn response has bad address %q: %w", addr, ErrCommandFailed)
		}
		t.host = host
		t.port, _ = strconv.Atoi(port)
	}
	return t, nil
}

// ID returns the transfer id assigned by the node.
func (t *Transfer) ID() int64 { return t.id }

// LocalAddr returns the host and port the node listens on for a passive
// transfer. Both are zero for an active one.
func (t *Transfer) LocalAddr() (string, int) { return t.host, t.port }

// Direction returns the transfer direction.
func (t *Transfer) Direction() Direction {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.direction
}

// Aborted reports whether Abort was called.
func (t *Transfer) Aborted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.aborted
}

// SendFile has the node send path, starting at offset, and waits for it.
func (t *Transfer) SendFile(ctx context.Context, p string, mode rune, offset int64) (TransferStatus, error) {
	if err := t.StartSend(ctx, p, mode, offset); err != nil {
		return t.Status(), err
	}
	return t.FinishSend(ctx)
}

// ReceiveFile has the node store name in dir, starting at offset, and
// waits for it.
func (t *Transfer) ReceiveFile(ctx context.Context, dir string, mode rune, name string, offset int64) (TransferStatus, error) {
	if err := t.StartRecv(ctx, dir, mode, name, offset); err != nil {
		return t.Status(), err
	}
	return t.FinishRecv(ctx)
}

// StartSend issues the send command and returns without waiting.
func (t *Transfer) StartSend(ctx context.Context, p string, mode rune, offset int64) error {
	t.link.log.Info("send", zap.String("path", p), zap.Int64("transfer", t.id))
	return t.start(ctx, DirectionSend, "send", p, mode, offset)
}

// StartRecv issues the recv command and returns without waiting.
func (t *Transfer) StartRecv(ctx context.Context, dir string, mode rune, name string, offset int64) error {
	p := path.Join(dir, name)
	t.link.log.Info("recv", zap.String("path", p), zap.Int64("transfer", t.id))
	return t.start(ctx, DirectionReceive, "recv", p, mode, offset)
}

func (t *Transfer) start(ctx context.Context, dir Direction, name, p string, mode rune, offset int64) error {
	t.mu.Lock()
	if t.direction != DirectionUnknown {
		t.mu.Unlock()
		return fmt.Errorf("transfer %d already started as %s", t.id, t.direction)
	}
	t.direction = dir
	t.started = time.Now()
	t.mu.Unlock()

	// Registered before the command goes out so early XFER lines land.
	t.link.addTransfer(t)

	args := fmt.Sprintf("%s %d %d %c", quote(p), offset, t.id, mode)
	c, err := t.link.SendCommand(ctx, name, args)
	if err != nil {
		t.link.removeTransfer(t)
		t.mu.Lock()
		t.finished = time.Now()
		t.mu.Unlock()
		return err
	}

	t.mu.Lock()
	t.cmd = c
	t.mu.Unlock()
	return nil
}

// FinishSend waits for a transfer begun with StartSend.
func (t *Transfer) FinishSend(ctx context.Context) (TransferStatus, error) {
	return t.finish(ctx)
}

// FinishRecv waits for a transfer begun with StartRecv.
func (t *Transfer) FinishRecv(ctx context.Context) (TransferStatus, error) {
	return t.finish(ctx)
}

// finish waits for the transfer command. If ctx ends first the session
// stays registered and finish may be called again.
func (t *Transfer) finish(ctx context.Context) (TransferStatus, error) {
	t.mu.Lock()
	c := t.cmd
	t.mu.Unlock()
	if c == nil {
		return t.Status(), fmt.Errorf("transfer %d was not started", t.id)
	}

	err := c.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		return t.Status(), err
	}

	t.mu.Lock()
	if t.finished.IsZero() {
		t.finished = time.Now()
	}
	t.mu.Unlock()
	t.link.removeTransfer(t)
	return t.Status(), err
}

// Abort asks the node to stop the transfer. The transfer still completes
// through its command; Abort does not wake a waiting Finish.
func (t *Transfer) Abort() error {
	t.mu.Lock()
	t.aborted = true
	c := t.cmd
	t.mu.Unlock()
	if c == nil {
		return nil
	}
	if err := t.link.writeLine(formatChan(c.Chan) + " abort"); err != nil {
		return fmt.Errorf("abort transfer %d: %w", t.id, err)
	}
	return nil
}

// Status returns a snapshot of the transfer.
func (t *Transfer) Status() TransferStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TransferStatus{
		Direction:   t.direction,
		Elapsed:     t.elapsed(),
		Transferred: t.transferred,
		Checksum:    t.checksum,
		Addr:        t.addr,
		Status:      t.status,
		ErrorCode:   t.errCode,
		Aborted:     t.aborted,
	}
}

func (t *Transfer) elapsed() time.Duration {
	switch {
	case t.started.IsZero():
		return 0
	case t.finished.IsZero():
		return time.Since(t.started)
	default:
		return t.finished.Sub(t.started)
	}
}

// Throughput returns bytes per second so far, or 0 when nothing has
// moved or no time has passed.
func (t *Transfer) Throughput() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return throughput(t.transferred, t.elapsed())
}

func throughput(n int64, elapsed time.Duration) int64 {
	ms := elapsed.Milliseconds()
	if n == 0 || ms <= 0 {
		return 0
	}
	return n * 1000 / ms
}

func (t *Transfer) update(status string, n int64, crc uint32, code int64, addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = status
	t.transferred = n
	t.checksum = crc
	t.errCode = code
	if addr != "" {
		t.addr = addr
	}
}

func (l *Link) addTransfer(t *Transfer) {
	l.tmu.Lock()
	l.transfers[t.id] = t
	l.tmu.Unlock()
	metrics.AddActiveTransfers(1)
}

// removeTransfer deregisters t and rolls its bytes into the link totals.
func (l *Link) removeTransfer(t *Transfer) {
	l.tmu.Lock()
	if l.transfers[t.id] != t {
		l.tmu.Unlock()
		return
	}
	delete(l.transfers, t.id)
	st := t.Status()
	switch st.Direction {
	case DirectionSend:
		l.bytesSent += st.Transferred
	case DirectionReceive:
		l.bytesReceived += st.Transferred
	}
	l.tmu.Unlock()

	metrics.AddActiveTransfers(-1)
	metrics.RecordTransferBytes(st.Direction.String(), st.Transferred)
}

// Transfers returns the registered transfer sessions.
func (l *Link) Transfers() []*Transfer {
	l.tmu.Lock()
	defer l.tmu.Unlock()
	out := make([]*Transfer, 0, len(l.transfers))
	for _, t := range l.transfers {
		out = append(out, t)
	}
	return out
}
