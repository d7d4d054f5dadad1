package link

import (
	"bytes"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/drftpd-ng/drftpd-sub005/internal/vfs"
)

type handlerFunc func(c *Command, rest string)

// handlers maps a command name to the function that interprets response
// lines on its channel.
var handlers = map[string]handlerFunc{
	"ping": handlePing,
	"disk": handleDisk,
	"csum": handleChecksum,
	"dele": handleSimple,
	"renm": handleSimple,
	"conn": handleConn,
	"send": handleTransfer,
	"recv": handleTransfer,
	"list": handleList,
	"dump": handleDump,
}

// failure reports whether rest is a FAIL response and records its reason.
func failure(c *Command, rest string) bool {
	token, reason, _ := strings.Cut(rest, " ")
	if !strings.HasSuffix(token, "FAIL") {
		return false
	}
	if reason == "" {
		reason = token
	}
	c.setField("error", reason)
	return true
}

func handlePing(c *Command, _ string) {
	c.complete(0)
}

// handleDisk parses "DISK <total> <free>".
func handleDisk(c *Command, rest string) {
	if failure(c, rest) {
		c.complete(-1)
		return
	}
	fields := strings.Fields(rest)
	if len(fields) < 3 {
		c.setField("error", "malformed disk response")
		c.complete(-1)
		return
	}
	for _, v := range fields[1:3] {
		if _, err := strconv.ParseInt(v, 10, 64); err != nil {
			c.setField("error", "malformed disk response")
			c.complete(-1)
			return
		}
	}
	c.setField("total", fields[1])
	c.setField("free", fields[2])
	c.complete(0)
}

// handleChecksum parses "CSUM <crc32 hex>".
func handleChecksum(c *Command, rest string) {
	if failure(c, rest) {
		c.complete(1)
		return
	}
	fields := strings.Fields(rest)
	if len(fields) < 2 {
		c.setField("error", "malformed checksum response")
		c.complete(1)
		return
	}
	c.setField("crc32", fields[1])
	c.complete(0)
}

// handleSimple serves commands whose only result is success or a FAIL line.
func handleSimple(c *Command, rest string) {
	if failure(c, rest) {
		c.complete(1)
		return
	}
	c.complete(0)
}

// handleConn parses "CONN <id> [<addr>:<port>]".
func handleConn(c *Command, rest string) {
	if failure(c, rest) {
		c.complete(-1)
		return
	}
	fields := strings.Fields(rest)
	if len(fields) < 2 {
		c.setField("error", "malformed conn response")
		c.complete(-1)
		return
	}
	c.setField("conn", fields[1])
	if len(fields) > 2 {
		c.setField("addr", fields[2])
	}
	c.complete(0)
}

func handleTransfer(c *Command, rest string) {
	if failure(c, rest) {
		c.complete(-1)
		return
	}
	c.complete(0)
}

// handleList collects the snapshot between LISTBEGIN and LISTEND and
// parses it with every file attributed to this node.
func handleList(c *Command, rest string) {
	switch {
	case strings.HasPrefix(rest, "LISTFAIL"):
		failure(c, rest)
		c.complete(-1)
	case rest == "LISTBEGIN":
	case rest == "LISTEND":
		name := c.link.cfg.Name
		snap, err := vfs.ParseSlaveSnapshot(bytes.NewReader(c.Body()), name)
		if err != nil {
			c.link.log.Warn("unparseable listing", zap.Error(err))
			c.setField("error", err.Error())
			c.complete(-1)
			return
		}
		c.mu.Lock()
		c.snapshot = snap
		c.mu.Unlock()
		c.complete(0)
	default:
		c.mu.Lock()
		c.body.WriteString(rest)
		c.body.WriteByte('\n')
		c.mu.Unlock()
	}
}

// handleDump collects the file's lines until DUMPEND.
func handleDump(c *Command, rest string) {
	switch {
	case strings.HasPrefix(rest, "DUMPFAIL"):
		failure(c, rest)
		c.complete(-1)
	case rest == "DUMPEND":
		c.complete(0)
	default:
		c.mu.Lock()
		c.body.WriteString(rest)
		c.body.WriteByte('\n')
		c.mu.Unlock()
	}
}

// handleXfer parses "XFER <id> <status> <bytes> <crc hex> <error> <addr>"
// and updates the matching transfer session.
func (l *Link) handleXfer(line string) {
	fields := strings.Fields(line)
	if len(fields) < 6 {
		l.malformed("short XFER", line)
		return
	}
	id, err1 := strconv.ParseInt(fields[1], 10, 64)
	n, err2 := strconv.ParseInt(fields[3], 10, 64)
	crc, err3 := strconv.ParseUint(fields[4], 16, 32)
	code, err4 := strconv.ParseInt(fields[5], 10, 64)
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		l.malformed("bad XFER field", line)
		return
	}
	var addr string
	if len(fields) > 6 {
		addr = fields[6]
	}

	l.tmu.Lock()
	t := l.transfers[id]
	l.tmu.Unlock()
	if t == nil {
		l.log.Debug("XFER for unknown transfer", zap.Int64("id", id))
		return
	}
	t.update(fields[2], n, uint32(crc), code, addr)
}
