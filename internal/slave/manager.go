// Package slave keeps the set of configured storage nodes connected and
// folds their snapshots into the shared namespace.
package slave

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"path"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/drftpd-ng/drftpd-sub005/internal/events"
	"github.com/drftpd-ng/drftpd-sub005/internal/link"
	"github.com/drftpd-ng/drftpd-sub005/internal/logging"
	"github.com/drftpd-ng/drftpd-sub005/internal/metrics"
	"github.com/drftpd-ng/drftpd-sub005/internal/vfs"
)

var (
	ErrNotConfigured = errors.New("slave: not configured")
	ErrOnline        = errors.New("slave: already online")
	ErrOffline       = errors.New("slave: offline")
	ErrDynamic       = errors.New("slave: dynamic slaves connect to the master")
)

// Record is the externally visible state of one storage node.
type Record struct {
	Name     string           `json:"name"`
	Addr     string           `json:"addr"`
	Online   bool             `json:"online"`
	LastSeen time.Time        `json:"last_seen"`
	Status   link.SlaveStatus `json:"status"`
}

// Store persists records across restarts.
type Store interface {
	SaveRecord(ctx context.Context, rec Record) error
	LoadRecords(ctx context.Context) ([]Record, error)
}

// Options tunes a Manager. Zero durations take defaults, except
// PingInterval where zero disables keepalives.
type Options struct {
	ClusterName       string
	HandshakeTimeout  time.Duration
	ReconnectInterval time.Duration
	PingInterval      time.Duration
	CommandTimeout    time.Duration
	Store             Store
}

// TransferRequest selects how a node opens a data connection. An empty
// Addr asks for a passive port.
type TransferRequest struct {
	Addr string
}

type entry struct {
	cfg        Config
	link       *link.Link
	online     bool
	connecting bool
	lastSeen   time.Time
	status     link.SlaveStatus
}

func (e *entry) record() Record {
	return Record{
		Name:     e.cfg.Name,
		Addr:     e.cfg.Addr,
		Online:   e.online,
		LastSeen: e.lastSeen,
		Status:   e.status,
	}
}

// Manager owns the link to every configured storage node.
type Manager struct {
	opts     Options
	registry *vfs.Registry
	events   *events.Broadcaster

	mu     sync.RWMutex
	slaves map[string]*entry

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager returns a manager for cfgs that merges into registry and
// publishes lifecycle events on b.
func NewManager(registry *vfs.Registry, b *events.Broadcaster, cfgs []Config, opts Options) *Manager {
	if opts.ClusterName == "" {
		opts.ClusterName = "master"
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 5 * time.Second
	}
	if opts.ReconnectInterval <= 0 {
		opts.ReconnectInterval = time.Minute
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = 30 * time.Second
	}
	m := &Manager{
		opts:     opts,
		registry: registry,
		events:   b,
		slaves:   make(map[string]*entry),
	}
	for _, c := range cfgs {
		m.slaves[c.Name] = &entry{cfg: c}
	}
	return m
}

// Registry returns the namespace the manager merges into.
func (m *Manager) Registry() *vfs.Registry { return m.registry }

// Lookup resolves p in the namespace.
func (m *Manager) Lookup(p string) (*vfs.Node, error) { return m.registry.Lookup(p) }

// Subscribe returns a channel of lifecycle events. Release it with
// Unsubscribe.
func (m *Manager) Subscribe() chan events.Event { return m.events.Subscribe() }

// Unsubscribe releases a channel from Subscribe.
func (m *Manager) Unsubscribe(ch chan events.Event) { m.events.Unsubscribe(ch) }

// Start loads persisted records, connects every static node now and again
// every ReconnectInterval, and pings online nodes every PingInterval.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)

	if m.opts.Store != nil {
		m.loadRecords(ctx)
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.reconnectAll(ctx)
		ticker := time.NewTicker(m.opts.ReconnectInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.reconnectAll(ctx)
			}
		}
	}()

	if m.opts.PingInterval > 0 {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			ticker := time.NewTicker(m.opts.PingInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					m.pingAll(ctx)
				}
			}
		}()
	}
}

// Stop ends the background loops and closes every link.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()

	m.mu.RLock()
	var links []*link.Link
	for _, e := range m.slaves {
		if e.link != nil {
			links = append(links, e.link)
		}
	}
	m.mu.RUnlock()
	for _, l := range links {
		l.Close()
	}
}

func (m *Manager) loadRecords(ctx context.Context) {
	recs, err := m.opts.Store.LoadRecords(ctx)
	if err != nil {
		logging.Warn("load slave records", zap.Error(err))
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range recs {
		if e, ok := m.slaves[r.Name]; ok {
			e.lastSeen = r.LastSeen
			e.status = r.Status
		}
	}
}

func (m *Manager) reconnectAll(ctx context.Context) {
	m.mu.RLock()
	var names []string
	for name, e := range m.slaves {
		if !e.cfg.IsDynamic() && e.link == nil && !e.connecting {
			names = append(names, name)
		}
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			if err := m.Connect(ctx, name); err != nil && !errors.Is(err, ErrOnline) {
				logging.Warn("connect failed", zap.String("slave", name), zap.Error(err))
			}
		}(name)
	}
	wg.Wait()
}

func (m *Manager) pingAll(ctx context.Context) {
	m.mu.RLock()
	var links []*link.Link
	for _, e := range m.slaves {
		if e.online && e.link != nil {
			links = append(links, e.link)
		}
	}
	m.mu.RUnlock()

	for _, l := range links {
		if err := m.refresh(ctx, l); err != nil {
			logging.ForSlave(l.Name()).Warn("keepalive failed, dropping link", zap.Error(err))
			l.Close()
		}
	}
}

// refresh pings l and stores the node's current status.
func (m *Manager) refresh(ctx context.Context, l *link.Link) error {
	ctx, cancel := context.WithTimeout(ctx, m.opts.CommandTimeout)
	defer cancel()
	if err := l.Ping(ctx); err != nil {
		return err
	}
	st, err := l.Status(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	if e, ok := m.slaves[l.Name()]; ok && e.link == l {
		e.status = st
		e.lastSeen = time.Now()
	}
	m.mu.Unlock()
	return nil
}

// Connect dials a static node, authenticates it and merges its snapshot.
func (m *Manager) Connect(ctx context.Context, name string) error {
	cfg, err := m.reserve(name)
	if err != nil {
		return err
	}
	if cfg.IsDynamic() {
		m.unreserve(name)
		return fmt.Errorf("connect %s: %w", name, ErrDynamic)
	}

	l, err := link.Dial(ctx, cfg.Addr, m.linkConfig(cfg))
	if err != nil {
		m.unreserve(name)
		metrics.RecordConnectAttempt(false)
		return err
	}
	return m.attach(ctx, cfg, l)
}

// accept attaches an inbound connection for a dynamic node.
func (m *Manager) accept(ctx context.Context, cfg Config, conn net.Conn) error {
	return m.attach(ctx, cfg, link.New(conn, m.linkConfig(cfg)))
}

// matchDynamic reserves the first unconnected dynamic node, in name order,
// whose masks match one of candidates.
func (m *Manager) matchDynamic(candidates ...string) (Config, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.slaves))
	for name := range m.slaves {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		e := m.slaves[name]
		if !e.cfg.IsDynamic() || e.link != nil || e.connecting {
			continue
		}
		if e.cfg.Matches(candidates...) {
			e.connecting = true
			return e.cfg, true
		}
	}
	return Config{}, false
}

func (m *Manager) linkConfig(cfg Config) link.Config {
	return link.Config{
		Name:             cfg.Name,
		ClusterName:      m.opts.ClusterName,
		MasterPass:       cfg.MasterPass,
		SlavePass:        cfg.SlavePass,
		HandshakeTimeout: m.opts.HandshakeTimeout,
	}
}

// reserve marks name as connecting so only one attempt runs at a time.
func (m *Manager) reserve(name string) (Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.slaves[name]
	if !ok {
		return Config{}, fmt.Errorf("connect %s: %w", name, ErrNotConfigured)
	}
	if e.link != nil || e.connecting {
		return Config{}, fmt.Errorf("connect %s: %w", name, ErrOnline)
	}
	e.connecting = true
	return e.cfg, nil
}

func (m *Manager) unreserve(name string) {
	m.mu.Lock()
	if e, ok := m.slaves[name]; ok {
		e.connecting = false
	}
	m.mu.Unlock()
}

// attach authenticates l, fetches and merges the node's snapshot and marks
// it online. On any failure l is closed. A namespace conflict is returned
// as a *vfs.ConflictError.
func (m *Manager) attach(ctx context.Context, cfg Config, l *link.Link) (err error) {
	log := logging.ForSlave(cfg.Name)
	defer func() {
		metrics.RecordConnectAttempt(err == nil)
		m.unreserve(cfg.Name)
	}()

	if err := l.Handshake(ctx); err != nil {
		return err
	}

	// drop closes l and clears the entry in case l closed before it was
	// published there.
	drop := func(err error) error {
		l.Close()
		m.onClose(l, err)
		return err
	}

	l.OnClose(m.onClose)
	m.mu.Lock()
	e, ok := m.slaves[cfg.Name]
	if !ok {
		m.mu.Unlock()
		l.Close()
		return fmt.Errorf("attach %s: %w", cfg.Name, ErrNotConfigured)
	}
	e.link = l
	m.mu.Unlock()

	go l.Serve()

	listCtx, cancel := context.WithTimeout(ctx, m.opts.CommandTimeout)
	snap, err := l.List(listCtx)
	cancel()
	if err != nil {
		return drop(fmt.Errorf("list %s: %w", cfg.Name, err))
	}

	start := time.Now()
	if err := m.registry.MergeSnapshot(cfg.Name, snap); err != nil {
		var ce *vfs.ConflictError
		if errors.As(err, &ce) {
			metrics.RecordConflict()
			log.Error("namespace conflict, dropping slave", zap.Error(err))
			m.events.Publish(events.Event{Type: events.EventRegistryConflict, Slave: cfg.Name, Path: ce.Path, Error: err.Error()})
		}
		return drop(fmt.Errorf("merge %s: %w", cfg.Name, err))
	}
	metrics.RecordMerge(time.Since(start))

	m.mu.Lock()
	if e.link != l {
		// closed while merging; onClose already ran
		m.mu.Unlock()
		m.registry.UnmergeAll(cfg.Name)
		return fmt.Errorf("attach %s: %w", cfg.Name, link.ErrLinkClosed)
	}
	e.online = true
	e.lastSeen = time.Now()
	rec := e.record()
	m.mu.Unlock()

	files, dirs := m.registry.Count()
	metrics.SetRegistryNodes(files + dirs)
	m.updateOnlineGauge()
	m.persist(rec)
	log.Info("slave online", zap.String("remote", l.RemoteAddr().String()), zap.Int("files", files))
	m.events.Publish(events.Event{Type: events.EventSlaveOnline, Slave: cfg.Name})
	m.events.Publish(events.Event{Type: events.EventRegistryMerge, Slave: cfg.Name, Path: "/", Files: files})

	go func() {
		if err := m.refresh(context.Background(), l); err != nil {
			log.Debug("initial status", zap.Error(err))
		}
	}()
	return nil
}

// onClose runs once per link when it closes.
func (m *Manager) onClose(l *link.Link, cause error) {
	m.mu.Lock()
	e, ok := m.slaves[l.Name()]
	if !ok || e.link != l {
		m.mu.Unlock()
		return
	}
	wasOnline := e.online
	e.link = nil
	e.online = false
	e.lastSeen = time.Now()
	rec := e.record()
	m.mu.Unlock()

	start := time.Now()
	m.registry.UnmergeAll(l.Name())
	metrics.RecordUnmerge(time.Since(start))
	files, dirs := m.registry.Count()
	metrics.SetRegistryNodes(files + dirs)
	m.updateOnlineGauge()

	if !wasOnline {
		return
	}
	ev := events.Event{Type: events.EventSlaveOffline, Slave: l.Name()}
	if cause != nil {
		ev.Error = cause.Error()
	}
	m.persist(rec)
	logging.ForSlave(l.Name()).Info("slave offline", zap.Error(cause))
	m.events.Publish(ev)
}

func (m *Manager) updateOnlineGauge() {
	m.mu.RLock()
	n := 0
	for _, e := range m.slaves {
		if e.online {
			n++
		}
	}
	m.mu.RUnlock()
	metrics.SetSlavesOnline(n)
}

func (m *Manager) persist(rec Record) {
	if m.opts.Store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.opts.Store.SaveRecord(ctx, rec); err != nil {
		logging.Warn("save slave record", zap.String("slave", rec.Name), zap.Error(err))
	}
}

// SetConfigs replaces the node definitions. Nodes no longer defined are
// disconnected; changed definitions apply from the next connection.
func (m *Manager) SetConfigs(cfgs []Config) {
	keep := make(map[string]bool, len(cfgs))
	var drop []*link.Link

	m.mu.Lock()
	for _, c := range cfgs {
		keep[c.Name] = true
		if e, ok := m.slaves[c.Name]; ok {
			e.cfg = c
		} else {
			m.slaves[c.Name] = &entry{cfg: c}
		}
	}
	for name, e := range m.slaves {
		if keep[name] {
			continue
		}
		if e.link != nil {
			drop = append(drop, e.link)
		}
	}
	m.mu.Unlock()

	// Close before deleting so onClose still finds the entry and unmerges.
	for _, l := range drop {
		l.Close()
	}

	m.mu.Lock()
	for name := range m.slaves {
		if !keep[name] {
			delete(m.slaves, name)
		}
	}
	m.mu.Unlock()
}

// Records returns the state of every configured node, sorted by name.
func (m *Manager) Records() []Record {
	m.mu.RLock()
	out := make([]Record, 0, len(m.slaves))
	for _, e := range m.slaves {
		out = append(out, e.record())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Link returns the open link to name.
func (m *Manager) Link(name string) (*link.Link, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.slaves[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrNotConfigured)
	}
	if !e.online || e.link == nil {
		return nil, fmt.Errorf("%s: %w", name, ErrOffline)
	}
	return e.link, nil
}

// PickSlave returns the link to the online node holding file that is
// least busy sending.
func (m *Manager) PickSlave(file *vfs.Node) (*link.Link, error) {
	return m.PickSlaveFor(file, link.DirectionSend)
}

// PickSlaveFor returns the link to the online node holding file with the
// lowest throughput in dir, then the fewest transfers in dir. Remaining
// ties are broken at random.
func (m *Manager) PickSlaveFor(file *vfs.Node, dir link.Direction) (*link.Link, error) {
	if file.IsDir() {
		return nil, fmt.Errorf("pick slave for %s: %w", file.Path(), vfs.ErrIsDirectory)
	}
	var best []*link.Link
	var bestTP int64
	var bestN int
	for _, name := range file.Slaves() {
		l, err := m.Link(name)
		if err != nil {
			continue
		}
		tp, n := load(l.Counters(), dir)
		switch {
		case len(best) == 0 || tp < bestTP || (tp == bestTP && n < bestN):
			best, bestTP, bestN = []*link.Link{l}, tp, n
		case tp == bestTP && n == bestN:
			best = append(best, l)
		}
	}
	if len(best) == 0 {
		return nil, fmt.Errorf("pick slave for %s: %w", file.Path(), vfs.ErrNoAvailableSlave)
	}
	return best[rand.Intn(len(best))], nil
}

// load returns the throughput and transfer count of st in dir. An unknown
// direction counts both ways.
func load(st link.SlaveStatus, dir link.Direction) (int64, int) {
	switch dir {
	case link.DirectionSend:
		return st.ThroughputDown, st.TransfersDown
	case link.DirectionReceive:
		return st.ThroughputUp, st.TransfersUp
	}
	return st.ThroughputUp + st.ThroughputDown, st.TransfersUp + st.TransfersDown
}

// OpenTransfer has slave open a data connection, passive unless req
// names an address to connect to.
func (m *Manager) OpenTransfer(ctx context.Context, slave string, req TransferRequest) (*link.Transfer, error) {
	l, err := m.Link(slave)
	if err != nil {
		return nil, err
	}
	if req.Addr == "" {
		return l.Listen(ctx)
	}
	return l.Connect(ctx, req.Addr)
}

// DeleteFile deletes p on every node holding it and then removes it from
// the namespace. Nodes that fail keep their copy in the namespace.
func (m *Manager) DeleteFile(ctx context.Context, p string) error {
	n, err := m.registry.Lookup(p)
	if err != nil {
		return err
	}
	if n.IsDir() {
		return fmt.Errorf("delete %s: %w", p, vfs.ErrIsDirectory)
	}
	p = n.Path()

	var errs []error
	for _, name := range n.Slaves() {
		l, err := m.Link(name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := l.Delete(ctx, p); err != nil {
			errs = append(errs, fmt.Errorf("delete %s on %s: %w", p, name, err))
			continue
		}
		if err := m.registry.RemoveSlave(p, name); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return m.registry.Remove(p)
}

// RenameFile renames from to toDir/toName on every node holding data under
// it and then in the namespace.
func (m *Manager) RenameFile(ctx context.Context, from, toDir, toName string) error {
	n, err := m.registry.Lookup(from)
	if err != nil {
		return err
	}
	dst, err := m.registry.Lookup(toDir)
	if err != nil {
		return err
	}
	if !dst.IsDir() {
		return fmt.Errorf("rename %s to %s: %w", from, toDir, vfs.ErrNotDirectory)
	}
	if _, ok := dst.Child(toName); ok {
		return fmt.Errorf("rename %s to %s: %w", from, path.Join(dst.Path(), toName), vfs.ErrExists)
	}
	from, toDir = n.Path(), dst.Path()

	var errs []error
	for _, name := range m.holders(n) {
		l, err := m.Link(name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := l.Rename(ctx, from, toDir, toName); err != nil {
			errs = append(errs, fmt.Errorf("rename %s on %s: %w", from, name, err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return m.registry.Rename(from, toDir, toName)
}

// holders returns the sorted names of nodes holding any file under n.
func (m *Manager) holders(n *vfs.Node) []string {
	set := make(map[string]bool)
	var walk func(n *vfs.Node)
	walk = func(n *vfs.Node) {
		if !n.IsDir() {
			for _, s := range n.Slaves() {
				set[s] = true
			}
			return
		}
		children, _ := m.registry.ListChildren(n)
		for _, c := range children {
			walk(c)
		}
	}
	walk(n)
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
