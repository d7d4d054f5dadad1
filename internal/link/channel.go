package link

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/drftpd-ng/drftpd-sub005/internal/metrics"
)

// NumChannels is the number of command channels on one link.
const NumChannels = 256

// channelPool hands out channel ids and remembers which command is bound
// to each. An id is either in free or bound, never both.
type channelPool struct {
	free chan byte

	mu    sync.Mutex
	bound map[byte]*Command
}

func newChannelPool() *channelPool {
	p := &channelPool{
		free:  make(chan byte, NumChannels),
		bound: make(map[byte]*Command),
	}
	for i := 0; i < NumChannels; i++ {
		p.free <- byte(i)
	}
	return p
}

// acquire blocks until a channel is free, ctx ends or closed is closed.
func (p *channelPool) acquire(ctx context.Context, closed <-chan struct{}) (byte, error) {
	select {
	case id := <-p.free:
		return id, nil
	case <-closed:
		return 0, ErrLinkClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (p *channelPool) bind(c *Command) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if prev, ok := p.bound[c.Chan]; ok {
		panic(fmt.Sprintf("link: channel %s bound to %s and %s", formatChan(c.Chan), prev.Name, c.Name))
	}
	p.bound[c.Chan] = c
	metrics.AddChannelsInUse(1)
}

func (p *channelPool) lookup(id byte) *Command {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bound[id]
}

// release unbinds c and returns its channel to the pool. Releasing a
// command that no longer owns its channel is a no-op.
func (p *channelPool) release(c *Command) {
	p.mu.Lock()
	if p.bound[c.Chan] != c {
		p.mu.Unlock()
		return
	}
	delete(p.bound, c.Chan)
	p.mu.Unlock()
	metrics.AddChannelsInUse(-1)
	p.free <- c.Chan
}

// drain unbinds every command and returns them.
func (p *channelPool) drain() []*Command {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Command, 0, len(p.bound))
	for id, c := range p.bound {
		out = append(out, c)
		delete(p.bound, id)
	}
	metrics.AddChannelsInUse(-len(out))
	return out
}

func (p *channelPool) inUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.bound)
}

func formatChan(id byte) string {
	return fmt.Sprintf("%02x", id)
}

func parseChan(s string) (byte, bool) {
	if len(s) != 2 {
		return 0, false
	}
	v, err := strconv.ParseUint(s, 16, 8)
	if err != nil {
		return 0, false
	}
	return byte(v), true
}
