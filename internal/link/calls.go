package link

import (
	"context"
	"fmt"
	"path"
	"strconv"

	"github.com/drftpd-ng/drftpd-sub005/internal/vfs"
)

// SlaveStatus combines the node's disk report with the link's transfer
// counters. Up is data received by the node, down is data it sent.
type SlaveStatus struct {
	DiskFree       int64 `json:"disk_free"`
	DiskTotal      int64 `json:"disk_total"`
	BytesSent      int64 `json:"bytes_sent"`
	BytesReceived  int64 `json:"bytes_received"`
	ThroughputUp   int64 `json:"throughput_up"`
	ThroughputDown int64 `json:"throughput_down"`
	TransfersUp    int   `json:"transfers_up"`
	TransfersDown  int   `json:"transfers_down"`
}

// Ping checks that the node answers.
func (l *Link) Ping(ctx context.Context) error {
	_, err := l.run(ctx, "ping", "")
	return err
}

// Checksum returns the CRC32 of path as computed by the node.
func (l *Link) Checksum(ctx context.Context, p string) (uint32, error) {
	c, err := l.run(ctx, "csum", quote(p))
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(c.Field("crc32"), 16, 32)
	if err != nil {
		return 0, fmt.Errorf("csum %s: bad value %q: %w", p, c.Field("crc32"), ErrCommandFailed)
	}
	return uint32(v), nil
}

// Delete removes path from the node.
func (l *Link) Delete(ctx context.Context, p string) error {
	_, err := l.run(ctx, "dele", quote(p))
	return err
}

// Rename moves from to toDir/toName on the node.
func (l *Link) Rename(ctx context.Context, from, toDir, toName string) error {
	_, err := l.run(ctx, "renm", quote(from)+" "+quote(path.Join(toDir, toName)))
	return err
}

// Dump returns the contents of a small file such as an .sfv.
func (l *Link) Dump(ctx context.Context, p string) ([]byte, error) {
	c, err := l.run(ctx, "dump", quote(p))
	if err != nil {
		return nil, err
	}
	return c.Body(), nil
}

// List fetches the node's full snapshot. Every file in it is held by
// this node.
func (l *Link) List(ctx context.Context) (*vfs.Node, error) {
	c, err := l.run(ctx, "list", "")
	if err != nil {
		return nil, err
	}
	return c.Snapshot(), nil
}

// Disk returns the node's total and free space in bytes.
func (l *Link) Disk(ctx context.Context) (total, free int64, err error) {
	c, err := l.run(ctx, "disk", "")
	if err != nil {
		return 0, 0, err
	}
	total, _ = strconv.ParseInt(c.Field("total"), 10, 64)
	free, _ = strconv.ParseInt(c.Field("free"), 10, 64)
	return total, free, nil
}

// Counters returns the link's transfer counters, including transfers
// still in flight. It does no I/O.
func (l *Link) Counters() SlaveStatus {
	var st SlaveStatus

	l.tmu.Lock()
	defer l.tmu.Unlock()
	st.BytesSent = l.bytesSent
	st.BytesReceived = l.bytesReceived
	for _, t := range l.transfers {
		ts := t.Status()
		tp := throughput(ts.Transferred, ts.Elapsed)
		switch ts.Direction {
		case DirectionReceive:
			st.TransfersUp++
			st.ThroughputUp += tp
			st.BytesReceived += ts.Transferred
		case DirectionSend:
			st.TransfersDown++
			st.ThroughputDown += tp
			st.BytesSent += ts.Transferred
		}
	}
	return st
}

// Status asks the node for its disk space and adds Counters.
func (l *Link) Status(ctx context.Context) (SlaveStatus, error) {
	st := l.Counters()
	total, free, err := l.Disk(ctx)
	if err != nil {
		return st, err
	}
	st.DiskTotal, st.DiskFree = total, free
	return st, nil
}

// Connect has the node open an active data connection to addr.
func (l *Link) Connect(ctx context.Context, addr string) (*Transfer, error) {
	c, err := l.run(ctx, "conn", addr)
	if err != nil {
		return nil, err
	}
	return newTransfer(l, c)
}

// Listen has the node open a passive data port. The returned transfer's
// LocalAddr tells the client where to connect.
func (l *Link) Listen(ctx context.Context) (*Transfer, error) {
	c, err := l.run(ctx, "conn", "")
	if err != nil {
		return nil, err
	}
	return newTransfer(l, c)
}
