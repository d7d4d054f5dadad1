package vfs

import (
	"fmt"
	"math/rand"
	"path"
	"sort"
	"strings"
	"sync"
	"time"
)

// Registry is the merged namespace. One lock covers the whole tree:
// merges and unmerges take it exclusively, reads share it.
type Registry struct {
	mu     sync.RWMutex
	root   *Node
	merged map[string]struct{}
}

// NewRegistry returns an empty namespace containing only the root.
func NewRegistry() *Registry {
	r := &Registry{merged: make(map[string]struct{})}
	r.root = NewDir("", time.Time{})
	r.root.mu = &r.mu
	return r
}

// Root returns the root directory.
func (r *Registry) Root() *Node { return r.root }

// Merge folds the incoming directory into target. Entries missing from
// target are copied in whole; directories present in both are merged
// recursively; files present in both gain the incoming slaves and keep
// the older modification time. A file/directory mismatch anywhere in the
// incoming tree returns a *ConflictError before anything is changed.
//
// incoming is not modified and may be merged again.
func (r *Registry) Merge(target, incoming *Node) error {
	return r.mergeFrom("", target, incoming)
}

// MergeSnapshot merges a storage node's full snapshot at the root and
// records the node as merged.
func (r *Registry) MergeSnapshot(slave string, snapshot *Node) error {
	return r.mergeFrom(slave, r.root, snapshot)
}

func (r *Registry) mergeFrom(slave string, target, incoming *Node) error {
	if !target.dir || !incoming.dir {
		return ErrNotDirectory
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if target.mu != &r.mu {
		return fmt.Errorf("merge into %s: node does not belong to this registry", target.name)
	}
	if incoming.mu != &r.mu {
		incoming.mu.RLock()
		defer incoming.mu.RUnlock()
	}

	if err := findConflict(target, incoming); err != nil {
		return err
	}
	r.merge(target, incoming)
	if slave != "" {
		r.merged[slave] = struct{}{}
	}
	return nil
}

func findConflict(target, incoming *Node) error {
	names := make([]string, 0, len(incoming.children))
	for name := range incoming.children {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		in := incoming.children[name]
		existing, ok := target.children[name]
		if !ok {
			continue
		}
		if existing.dir != in.dir {
			return &ConflictError{Path: childPath(target.path(), name), ExistingIsDir: existing.dir}
		}
		if existing.dir {
			if err := findConflict(existing, in); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r *Registry) merge(target, incoming *Node) {
	for name, in := range incoming.children {
		existing, ok := target.children[name]
		switch {
		case !ok:
			target.attach(in.clone(&r.mu))
		case existing.dir:
			r.merge(existing, in)
		default:
			for s := range in.slaves {
				existing.slaves[s] = struct{}{}
			}
			backdate(&existing.lastModified, in.lastModified)
		}
	}
	backdate(&target.lastModified, incoming.lastModified)
}

// backdate keeps the earlier of two times. A zero time means unknown and
// never wins over a known one.
func backdate(dst *time.Time, t time.Time) {
	if t.IsZero() {
		return
	}
	if dst.IsZero() || t.Before(*dst) {
		*dst = t
	}
}

// Unmerge removes slave from every file under dir. Directories left
// without children are pruned; files are kept even when no slave holds
// them any more. Unmerging at the root also forgets the slave as merged.
func (r *Registry) Unmerge(dir *Node, slave string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !dir.dir {
		delete(dir.slaves, slave)
		return
	}
	unmerge(dir, slave)
	if dir == r.root {
		delete(r.merged, slave)
	}
}

// UnmergeAll removes slave from the whole namespace.
func (r *Registry) UnmergeAll(slave string) {
	r.Unmerge(r.root, slave)
}

func unmerge(dir *Node, slave string) {
	for name, c := range dir.children {
		if !c.dir {
			delete(c.slaves, slave)
			continue
		}
		unmerge(c, slave)
		if len(c.children) == 0 {
			delete(dir.children, name)
		}
	}
}

// Lookup resolves an absolute path. Relative paths are taken from the root.
func (r *Registry) Lookup(p string) (*Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := r.lookup(p)
	if n == nil {
		return nil, fmt.Errorf("lookup %s: %w", p, ErrNotFound)
	}
	return n, nil
}

func (r *Registry) lookup(p string) *Node {
	clean := path.Clean("/" + p)
	n := r.root
	if clean == "/" {
		return n
	}
	for _, part := range strings.Split(clean[1:], "/") {
		if !n.dir {
			return nil
		}
		child, ok := n.children[part]
		if !ok {
			return nil
		}
		n = child
	}
	return n
}

// ListChildren returns a snapshot of dir's children sorted by name.
func (r *Registry) ListChildren(dir *Node) ([]*Node, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !dir.dir {
		return nil, fmt.Errorf("list %s: %w", dir.path(), ErrNotDirectory)
	}
	return dir.sortedChildren(), nil
}

// PickSlave returns one storage node holding file, chosen at random.
func (r *Registry) PickSlave(file *Node) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if file.dir {
		return "", fmt.Errorf("pick slave for %s: %w", file.path(), ErrIsDirectory)
	}
	if len(file.slaves) == 0 {
		return "", fmt.Errorf("pick slave for %s: %w", file.path(), ErrNoAvailableSlave)
	}
	names := file.slaveNames()
	return names[rand.Intn(len(names))], nil
}

// Remove deletes the node at p and its subtree.
func (r *Registry) Remove(p string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.lookup(p)
	if n == nil {
		return fmt.Errorf("remove %s: %w", p, ErrNotFound)
	}
	if n == r.root {
		return fmt.Errorf("remove /: cannot remove root")
	}
	delete(n.parent.children, n.name)
	return nil
}

// RemoveSlave drops slave from the file at p without removing the file.
func (r *Registry) RemoveSlave(p, slave string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.lookup(p)
	if n == nil {
		return fmt.Errorf("remove slave %s from %s: %w", slave, p, ErrNotFound)
	}
	if n.dir {
		return fmt.Errorf("remove slave %s from %s: %w", slave, p, ErrIsDirectory)
	}
	delete(n.slaves, slave)
	return nil
}

// Rename moves the node at from into directory toDir under toName.
func (r *Registry) Rename(from, toDir, toName string) error {
	if err := validName(toName); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.lookup(from)
	if n == nil {
		return fmt.Errorf("rename %s: %w", from, ErrNotFound)
	}
	if n == r.root {
		return fmt.Errorf("rename /: cannot rename root")
	}
	dst := r.lookup(toDir)
	if dst == nil {
		return fmt.Errorf("rename %s to %s: %w", from, toDir, ErrNotFound)
	}
	if !dst.dir {
		return fmt.Errorf("rename %s to %s: %w", from, toDir, ErrNotDirectory)
	}
	for p := dst; p != nil; p = p.parent {
		if p == n {
			return fmt.Errorf("rename %s into its own subtree %s", from, toDir)
		}
	}
	if _, ok := dst.children[toName]; ok {
		return fmt.Errorf("rename %s to %s: %w", from, childPath(dst.path(), toName), ErrExists)
	}

	delete(n.parent.children, n.name)
	n.name = toName
	n.parent = dst
	dst.children[toName] = n
	return nil
}

// Walk calls fn for every node in the registry, parents before children,
// siblings in name order. fn sees a snapshot taken before the first call
// and may use the registry freely. A non-nil error from fn stops the walk.
func (r *Registry) Walk(fn func(n *Node) error) error {
	r.mu.RLock()
	var nodes []*Node
	var collect func(n *Node)
	collect = func(n *Node) {
		nodes = append(nodes, n)
		if n.dir {
			for _, c := range n.sortedChildren() {
				collect(c)
			}
		}
	}
	collect(r.root)
	r.mu.RUnlock()

	for _, n := range nodes {
		if err := fn(n); err != nil {
			return err
		}
	}
	return nil
}

// Count returns the number of files and directories below the root.
func (r *Registry) Count() (files, dirs int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var count func(n *Node)
	count = func(n *Node) {
		for _, c := range n.children {
			if c.dir {
				dirs++
				count(c)
			} else {
				files++
			}
		}
	}
	count(r.root)
	return files, dirs
}

// Slaves returns the sorted names of the storage nodes currently merged.
func (r *Registry) Slaves() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.merged))
	for s := range r.merged {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func childPath(parent, name string) string {
	if parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}
