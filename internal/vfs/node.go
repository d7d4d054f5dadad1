// Package vfs holds the merged namespace: a tree of directories and files
// where every file remembers which storage nodes hold a copy.
package vfs

import (
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"sync"
	"time"
)

// Node is one file or directory in the namespace.
//
// Exported accessors read through the lock of the tree the node belongs
// to, so they are safe to call while the registry is being merged into.
type Node struct {
	mu *sync.RWMutex

	name         string
	parent       *Node
	dir          bool
	length       int64
	lastModified time.Time
	mode         fs.FileMode
	owner        string
	group        string

	children map[string]*Node    // directories only
	slaves   map[string]struct{} // files only
}

// NewDir returns a detached directory node.
func NewDir(name string, lastModified time.Time) *Node {
	return &Node{
		mu:           &sync.RWMutex{},
		name:         name,
		dir:          true,
		lastModified: lastModified,
		mode:         0755,
		children:     make(map[string]*Node),
	}
}

// NewFile returns a detached file node held by the given slaves.
func NewFile(name string, length int64, lastModified time.Time, slaves ...string) *Node {
	n := &Node{
		mu:           &sync.RWMutex{},
		name:         name,
		length:       length,
		lastModified: lastModified,
		mode:         0644,
		slaves:       make(map[string]struct{}, len(slaves)),
	}
	for _, s := range slaves {
		n.slaves[s] = struct{}{}
	}
	return n
}

// Add attaches a detached child to the directory n.
func (n *Node) Add(child *Node) error {
	if child.parent != nil {
		return fmt.Errorf("add %s: node already has a parent", child.name)
	}
	if err := validName(child.name); err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.dir {
		return fmt.Errorf("add %s to %s: %w", child.name, n.path(), ErrNotDirectory)
	}
	if _, ok := n.children[child.name]; ok {
		return fmt.Errorf("add %s to %s: %w", child.name, n.path(), ErrExists)
	}
	n.attach(child)
	return nil
}

// attach links child under n and moves its subtree onto n's lock.
// Caller holds n's write lock.
func (n *Node) attach(child *Node) {
	child.parent = n
	child.rebind(n.mu)
	n.children[child.name] = child
}

func (n *Node) rebind(mu *sync.RWMutex) {
	n.mu = mu
	for _, c := range n.children {
		c.rebind(mu)
	}
}

// clone deep-copies the subtree rooted at n onto mu. The copy is detached.
func (n *Node) clone(mu *sync.RWMutex) *Node {
	c := &Node{
		mu:           mu,
		name:         n.name,
		dir:          n.dir,
		length:       n.length,
		lastModified: n.lastModified,
		mode:         n.mode,
		owner:        n.owner,
		group:        n.group,
	}
	if n.dir {
		c.children = make(map[string]*Node, len(n.children))
		for name, child := range n.children {
			cc := child.clone(mu)
			cc.parent = c
			c.children[name] = cc
		}
	} else {
		c.slaves = make(map[string]struct{}, len(n.slaves))
		for s := range n.slaves {
			c.slaves[s] = struct{}{}
		}
	}
	return c
}

func validName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsRune(name, '/') {
		return fmt.Errorf("vfs: invalid name %q", name)
	}
	return nil
}

// Name returns the leaf name. The root's name is empty.
func (n *Node) Name() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.name
}

// IsDir reports whether n is a directory.
func (n *Node) IsDir() bool { return n.dir }

// Length returns the file size in bytes.
func (n *Node) Length() int64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.length
}

// LastModified returns the earliest modification time any storage node
// has reported for n.
func (n *Node) LastModified() time.Time {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.lastModified
}

// Mode returns the permission bits reported when n was created.
func (n *Node) Mode() fs.FileMode {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.mode
}

// Owner returns the reported owning user and group.
func (n *Node) Owner() (user, group string) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.owner, n.group
}

// Path returns the absolute path of n, derived from its parents.
func (n *Node) Path() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.path()
}

func (n *Node) path() string {
	if n.parent == nil {
		if n.name == "" {
			return "/"
		}
		return "/" + n.name
	}
	var parts []string
	for p := n; p.parent != nil; p = p.parent {
		parts = append(parts, p.name)
	}
	var b strings.Builder
	for i := len(parts) - 1; i >= 0; i-- {
		b.WriteByte('/')
		b.WriteString(parts[i])
	}
	return b.String()
}

// Slaves returns the sorted names of the storage nodes holding file n.
func (n *Node) Slaves() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.slaveNames()
}

func (n *Node) slaveNames() []string {
	out := make([]string, 0, len(n.slaves))
	for s := range n.slaves {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// HasSlave reports whether slave holds a copy of file n.
func (n *Node) HasSlave(slave string) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	_, ok := n.slaves[slave]
	return ok
}

// Available reports whether at least one storage node holds file n.
func (n *Node) Available() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.slaves) > 0
}

// Child returns the named child of directory n.
func (n *Node) Child(name string) (*Node, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	c, ok := n.children[name]
	return c, ok
}

// sortedChildren returns the children of n ordered by name.
func (n *Node) sortedChildren() []*Node {
	out := make([]*Node, 0, len(n.children))
	for _, c := range n.children {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}
