package link

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/drftpd-ng/drftpd-sub005/internal/metrics"
	"github.com/drftpd-ng/drftpd-sub005/internal/vfs"
)

// StatusPending is the status of a command that has not completed.
const StatusPending = -1

// Command is one request on one channel and the response it collects.
// The reader goroutine fills it in; the issuing goroutine waits on it.
type Command struct {
	Chan byte
	Name string
	Args string

	link *Link
	sent time.Time
	done chan struct{}
	once sync.Once

	mu       sync.Mutex
	status   int
	closed   bool
	fields   map[string]string
	body     bytes.Buffer
	snapshot *vfs.Node
}

func newCommand(l *Link, id byte, name, args string) *Command {
	return &Command{
		Chan:   id,
		Name:   name,
		Args:   args,
		link:   l,
		done:   make(chan struct{}),
		status: StatusPending,
		fields: make(map[string]string),
	}
}

// Status returns the completion status: 0 success, non-zero failure,
// StatusPending while the command is outstanding.
func (c *Command) Status() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Field returns a named result field set by the response handler.
func (c *Command) Field(key string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fields[key]
}

// Body returns the accumulated multi-line response body.
func (c *Command) Body() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return bytes.Clone(c.body.Bytes())
}

// Snapshot returns the tree parsed from a completed list command.
func (c *Command) Snapshot() *vfs.Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot
}

// Done is closed when the command completes.
func (c *Command) Done() <-chan struct{} { return c.done }

// Wait blocks until the command completes or ctx ends. It returns nil only
// for status 0.
func (c *Command) Wait(ctx context.Context) error {
	select {
	case <-c.done:
	case <-ctx.Done():
		return fmt.Errorf("%s on channel %s: %w", c.Name, formatChan(c.Chan), ctx.Err())
	}
	return c.err()
}

// WaitForComplete blocks until the command completes and returns its status.
func (c *Command) WaitForComplete() int {
	<-c.done
	return c.Status()
}

func (c *Command) err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.status == 0:
		return nil
	case c.closed:
		return fmt.Errorf("%s: %w", c.Name, ErrLinkClosed)
	default:
		if reason := c.fields["error"]; reason != "" {
			return fmt.Errorf("%s: status %d: %s: %w", c.Name, c.status, reason, ErrCommandFailed)
		}
		return fmt.Errorf("%s: status %d: %w", c.Name, c.status, ErrCommandFailed)
	}
}

// setField records a named result.
func (c *Command) setField(key, value string) {
	c.mu.Lock()
	c.fields[key] = value
	c.mu.Unlock()
}

// complete sets the final status, releases the channel and wakes waiters.
// Only the first call has any effect.
func (c *Command) complete(status int) {
	c.once.Do(func() {
		c.mu.Lock()
		c.status = status
		c.mu.Unlock()
		if c.link != nil {
			c.link.pool.release(c)
		}
		metrics.RecordCommand(c.Name, status, time.Since(c.sent))
		close(c.done)
	})
}

// fail completes a command whose link went away.
func (c *Command) fail() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.complete(StatusPending)
}
