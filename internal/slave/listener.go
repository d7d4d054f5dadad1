package slave

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/drftpd-ng/drftpd-sub005/internal/link"
	"github.com/drftpd-ng/drftpd-sub005/internal/logging"
	"github.com/drftpd-ng/drftpd-sub005/internal/metrics"
)

// Listener accepts connections from dynamic storage nodes.
type Listener struct {
	m           *Manager
	ln          net.Listener
	identLookup bool
	identPort   int
	resolver    *net.Resolver
}

// NewListener serves ln for m. With identLookup the peer's user name is
// queried over RFC 1413 before its masks are matched.
func NewListener(m *Manager, ln net.Listener, identLookup bool) *Listener {
	return &Listener{
		m:           m,
		ln:          ln,
		identLookup: identLookup,
		identPort:   113,
		resolver:    net.DefaultResolver,
	}
}

// Addr returns the listening address.
func (s *Listener) Addr() net.Addr { return s.ln.Addr() }

// Serve accepts connections until ctx ends or the listener fails.
func (s *Listener) Serve(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { s.ln.Close() })
	defer stop()

	logging.Info("slave listener started", zap.String("addr", s.ln.Addr().String()))
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go s.handle(ctx, conn)
	}
}

func (s *Listener) handle(ctx context.Context, conn net.Conn) {
	ip, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	log := logging.With(zap.String("remote", conn.RemoteAddr().String()))

	var ident string
	if s.identLookup {
		identCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		user, err := s.queryIdent(identCtx, conn)
		cancel()
		if err != nil {
			log.Debug("ident lookup failed", zap.Error(err))
		}
		ident = user
	}

	host := ip
	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if names, err := s.resolver.LookupAddr(lookupCtx, ip); err == nil && len(names) > 0 {
		host = strings.TrimSuffix(names[0], ".")
	}
	cancel()

	ipmask, hostmask := ident+"@"+ip, ident+"@"+host
	cfg, ok := s.m.matchDynamic(ipmask, hostmask)
	if !ok {
		log.Info("rejecting unregistered slave", zap.String("ipmask", ipmask), zap.String("hostmask", hostmask))
		metrics.RecordConnectAttempt(false)
		if err := link.Reject(conn, link.RejectUnregistered); err != nil {
			log.Debug("write rejection", zap.Error(err))
		}
		return
	}

	log.Info("dynamic slave matched", zap.String("slave", cfg.Name), zap.String("ipmask", ipmask))
	if err := s.m.accept(ctx, cfg, conn); err != nil {
		log.Warn("dynamic slave not attached", zap.String("slave", cfg.Name), zap.Error(err))
	}
}

// queryIdent asks the peer's ident service who owns conn.
func (s *Listener) queryIdent(ctx context.Context, conn net.Conn) (string, error) {
	remote, ok := conn.RemoteAddr().(*net.TCPAddr)
	local, ok2 := conn.LocalAddr().(*net.TCPAddr)
	if !ok || !ok2 {
		return "", errors.New("ident: not a TCP connection")
	}

	var d net.Dialer
	ic, err := d.DialContext(ctx, "tcp", net.JoinHostPort(remote.IP.String(), strconv.Itoa(s.identPort)))
	if err != nil {
		return "", fmt.Errorf("ident: %w", err)
	}
	defer ic.Close()
	if dl, ok := ctx.Deadline(); ok {
		ic.SetDeadline(dl)
	}

	if _, err := fmt.Fprintf(ic, "%d, %d\r\n", remote.Port, local.Port); err != nil {
		return "", fmt.Errorf("ident: %w", err)
	}
	line, err := bufio.NewReader(ic).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("ident: %w", err)
	}
	return parseIdent(line)
}

// parseIdent extracts the user from "<ports> : USERID : <os> : <user>".
func parseIdent(line string) (string, error) {
	parts := strings.SplitN(strings.TrimSpace(line), ":", 4)
	if len(parts) < 3 {
		return "", fmt.Errorf("ident: malformed reply %q", line)
	}
	kind := strings.TrimSpace(parts[1])
	if kind != "USERID" {
		return "", fmt.Errorf("ident: %s", strings.TrimSpace(strings.Join(parts[1:], ":")))
	}
	if len(parts) < 4 {
		return "", fmt.Errorf("ident: malformed reply %q", line)
	}
	return strings.TrimSpace(parts[3]), nil
}
