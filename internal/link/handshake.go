package link

import (
	"context"
	"crypto/md5"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Rejection banners.
const (
	RejectUnknown      = "INITFAIL Unknown"
	RejectBadKey       = "INITFAIL BadKey"
	RejectUnregistered = "INITFAIL Unregistered"
)

// Handshake authenticates the peer. The master always speaks first, for
// dialled and accepted connections alike:
//
//	master: INIT <cluster> md5(masterPass+seed+slavePass) <seed>
//	node:   <ack> <name> md5(slavePass+seed'+masterPass) <seed'>
//
// On any mismatch the node is sent an INITFAIL banner and the link is
// closed. The wait for the node's banner is bounded by HandshakeTimeout.
func (l *Link) Handshake(ctx context.Context) error {
	if !l.state.CompareAndSwap(int32(StateConnecting), int32(StateAuthenticating)) {
		return fmt.Errorf("handshake in state %s: %w", l.State(), ErrNotReady)
	}

	deadline := time.Now().Add(l.cfg.HandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := l.conn.SetDeadline(deadline); err != nil {
		l.closeWith(err)
		return fmt.Errorf("set handshake deadline: %w", err)
	}
	stop := context.AfterFunc(ctx, func() {
		l.conn.SetDeadline(time.Now())
	})
	defer stop()

	seed, err := newSeed()
	if err != nil {
		l.closeWith(err)
		return err
	}
	banner := fmt.Sprintf("INIT %s %s %s", l.cfg.ClusterName, hashHex(l.cfg.MasterPass, seed, l.cfg.SlavePass), seed)
	if err := l.writeLine(banner); err != nil {
		l.closeWith(err)
		return fmt.Errorf("send banner to %s: %w", l.cfg.Name, err)
	}

	reply, err := l.readLine()
	if err != nil {
		l.closeWith(err)
		return fmt.Errorf("read banner from %s: %w", l.cfg.Name, err)
	}

	fields := strings.Fields(reply)
	switch {
	case len(fields) > 0 && fields[0] == "INITFAIL":
		err := fmt.Errorf("%s rejected us: %s: %w", l.cfg.Name, strings.Join(fields[1:], " "), ErrAuthFailed)
		l.closeWith(err)
		return err
	case len(fields) != 4:
		return l.reject(RejectBadKey, fmt.Errorf("malformed banner %q: %w", reply, ErrAuthFailed))
	case fields[1] != l.cfg.Name:
		return l.reject(RejectUnknown, fmt.Errorf("expected %s, peer says %s: %w", l.cfg.Name, fields[1], ErrUnknownSlave))
	}

	want := hashHex(l.cfg.SlavePass, fields[3], l.cfg.MasterPass)
	if subtle.ConstantTimeCompare([]byte(strings.ToLower(fields[2])), []byte(want)) != 1 {
		return l.reject(RejectBadKey, fmt.Errorf("bad key from %s: %w", l.cfg.Name, ErrAuthFailed))
	}

	if err := l.conn.SetDeadline(time.Time{}); err != nil {
		l.closeWith(err)
		return fmt.Errorf("clear handshake deadline: %w", err)
	}
	if !l.state.CompareAndSwap(int32(StateAuthenticating), int32(StateReady)) {
		return ErrLinkClosed
	}
	l.log.Info("slave authenticated", zap.String("remote", l.conn.RemoteAddr().String()))
	return nil
}

func (l *Link) reject(banner string, err error) error {
	if werr := l.writeLine(banner); werr != nil {
		l.log.Debug("write rejection", zap.Error(werr))
	}
	l.closeWith(err)
	return err
}

// Reject sends banner on a connection that matched no configured node
// and closes it.
func Reject(conn io.WriteCloser, banner string) error {
	_, err := conn.Write([]byte(banner + "\n"))
	if cerr := conn.Close(); err == nil {
		err = cerr
	}
	return err
}

// newSeed returns 16 random bytes as lowercase hex.
func newSeed() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate seed: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}

// hashHex returns the lowercase hex MD5 of the concatenated parts.
func hashHex(parts ...string) string {
	sum := md5.Sum([]byte(strings.Join(parts, "")))
	return hex.EncodeToString(sum[:])
}

// SlaveBanner returns the reply a node with the given secrets sends to an
// INIT banner. Exported for fake nodes in tests.
func SlaveBanner(name, masterPass, slavePass, seed string) string {
	return fmt.Sprintf("INITACK %s %s %s", name, hashHex(slavePass, seed, masterPass), seed)
}

// CheckInit verifies an INIT banner from the master the way a node would.
func CheckInit(banner, masterPass, slavePass string) error {
	fields := strings.Fields(banner)
	if len(fields) != 4 || fields[0] != "INIT" {
		return fmt.Errorf("malformed INIT %q: %w", banner, ErrAuthFailed)
	}
	if fields[2] != hashHex(masterPass, fields[3], slavePass) {
		return fmt.Errorf("bad master key: %w", ErrAuthFailed)
	}
	return nil
}
