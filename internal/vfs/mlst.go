package vfs

import (
	"bufio"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strconv"
	"strings"
	"time"
)

// ModifyLayout is the modify= fact format: UTC, millisecond precision.
const ModifyLayout = "20060102150405.000"

const maxLineLength = 1 << 20

// ParseSnapshot reads an MLST-style listing into a detached tree.
//
// A line "/some/dir:" selects the directory the following entries belong
// to. Entry lines are "fact=value;fact=value; name". Missing directories
// named by a header are created.
func ParseSnapshot(r io.Reader) (*Node, error) {
	return parseSnapshot(r, "")
}

// ParseSlaveSnapshot is ParseSnapshot for a listing produced by one
// storage node. Every file is held by exactly slave; x.slaves facts in
// the listing are ignored, since a node only speaks for itself.
func ParseSlaveSnapshot(r io.Reader, slave string) (*Node, error) {
	return parseSnapshot(r, slave)
}

// ParseFilelist reads a saved namespace. Slave facts are dropped: a
// file only becomes available once a node holding it reconnects.
func ParseFilelist(r io.Reader) (*Node, error) {
	root, err := parseSnapshot(r, "")
	if err != nil {
		return nil, err
	}
	dropSlaves(root)
	return root, nil
}

func dropSlaves(dir *Node) {
	for _, c := range dir.children {
		if c.dir {
			dropSlaves(c)
		} else {
			clear(c.slaves)
		}
	}
}

func parseSnapshot(r io.Reader, slave string) (*Node, error) {
	root := NewDir("", time.Time{})
	current := root

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineLength)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}

		if strings.HasPrefix(line, "/") && strings.HasSuffix(line, ":") {
			dir, err := ensureDir(root, strings.TrimSuffix(line, ":"))
			if err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNo, err)
			}
			current = dir
			continue
		}

		entry, err := parseEntry(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		if !entry.dir && slave != "" {
			clear(entry.slaves)
			entry.slaves[slave] = struct{}{}
		}
		if err := addEntry(current, entry); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return root, nil
}

// ensureDir walks p from root, creating directories as needed.
func ensureDir(root *Node, p string) (*Node, error) {
	clean := path.Clean(p)
	n := root
	if clean == "/" {
		return n, nil
	}
	for _, part := range strings.Split(strings.TrimPrefix(clean, "/"), "/") {
		child, ok := n.children[part]
		if !ok {
			if err := validName(part); err != nil {
				return nil, err
			}
			child = NewDir(part, time.Time{})
			n.attach(child)
		} else if !child.dir {
			return nil, fmt.Errorf("%s: %w", child.path(), ErrNotDirectory)
		}
		n = child
	}
	return n, nil
}

// addEntry adds a parsed entry to dir. A directory entry for a directory
// already created by a header fills in its attributes.
func addEntry(dir *Node, entry *Node) error {
	existing, ok := dir.children[entry.name]
	if !ok {
		dir.attach(entry)
		return nil
	}
	if !existing.dir || !entry.dir {
		return fmt.Errorf("%s: duplicate entry", childPath(dir.path(), entry.name))
	}
	existing.lastModified = entry.lastModified
	existing.mode = entry.mode
	existing.owner, existing.group = entry.owner, entry.group
	return nil
}

func parseEntry(line string) (*Node, error) {
	facts, name, ok := strings.Cut(line, " ")
	if !ok || !strings.HasSuffix(facts, ";") {
		return nil, fmt.Errorf("malformed entry %q", line)
	}
	if err := validName(name); err != nil {
		return nil, err
	}

	values := make(map[string]string)
	for _, fact := range strings.Split(strings.TrimSuffix(facts, ";"), ";") {
		k, v, ok := strings.Cut(fact, "=")
		if !ok {
			return nil, fmt.Errorf("malformed fact %q", fact)
		}
		values[strings.ToLower(k)] = v
	}

	var n *Node
	switch values["type"] {
	case "dir":
		n = NewDir(name, time.Time{})
	case "file":
		size, err := strconv.ParseInt(values["size"], 10, 64)
		if err != nil || size < 0 {
			return nil, fmt.Errorf("%s: bad size %q", name, values["size"])
		}
		n = NewFile(name, size, time.Time{})
		if s := values["x.slaves"]; s != "" {
			for _, slave := range strings.Split(s, ",") {
				if slave != "" {
					n.slaves[slave] = struct{}{}
				}
			}
		}
	default:
		return nil, fmt.Errorf("%s: unknown type %q", name, values["type"])
	}

	if v, ok := values["modify"]; ok {
		t, err := parseModify(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		n.lastModified = t
	}
	if v, ok := values["unix.mode"]; ok {
		mode, err := strconv.ParseUint(v, 8, 32)
		if err != nil {
			return nil, fmt.Errorf("%s: bad unix.mode %q", name, v)
		}
		n.mode = fs.FileMode(mode).Perm()
	}
	n.owner = values["unix.owner"]
	n.group = values["unix.group"]
	return n, nil
}

func parseModify(v string) (time.Time, error) {
	layout := ModifyLayout
	if !strings.Contains(v, ".") {
		layout = "20060102150405"
	}
	t, err := time.ParseInLocation(layout, v, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad modify %q", v)
	}
	return t, nil
}

// WriteSnapshot writes the subtree rooted at root in the format read by
// ParseSnapshot. Header paths are relative to root.
func WriteSnapshot(w io.Writer, root *Node) error {
	if !root.dir {
		return ErrNotDirectory
	}
	root.mu.RLock()
	defer root.mu.RUnlock()

	bw := bufio.NewWriter(w)
	if err := writeDir(bw, root, "/"); err != nil {
		return err
	}
	return bw.Flush()
}

func writeDir(w *bufio.Writer, dir *Node, p string) error {
	children := dir.sortedChildren()
	if len(children) == 0 && p != "/" {
		return nil
	}
	if _, err := fmt.Fprintf(w, "%s:\n", p); err != nil {
		return err
	}
	for _, c := range children {
		if _, err := w.WriteString(formatEntry(c)); err != nil {
			return err
		}
	}
	for _, c := range children {
		if c.dir {
			if err := writeDir(w, c, childPath(p, c.name)); err != nil {
				return err
			}
		}
	}
	return nil
}

// formatEntry renders one entry line. Caller holds the node's lock.
func formatEntry(n *Node) string {
	var b strings.Builder
	if n.dir {
		b.WriteString("type=dir;size=0;")
	} else {
		fmt.Fprintf(&b, "type=file;size=%d;", n.length)
	}
	if !n.lastModified.IsZero() {
		fmt.Fprintf(&b, "modify=%s;", n.lastModified.UTC().Format(ModifyLayout))
	}
	fmt.Fprintf(&b, "unix.mode=%04o;", uint32(n.mode.Perm()))
	if n.owner != "" {
		fmt.Fprintf(&b, "unix.owner=%s;", n.owner)
	}
	if n.group != "" {
		fmt.Fprintf(&b, "unix.group=%s;", n.group)
	}
	if !n.dir && len(n.slaves) > 0 {
		fmt.Fprintf(&b, "x.slaves=%s;", strings.Join(n.slaveNames(), ","))
	}
	b.WriteByte(' ')
	b.WriteString(n.name)
	b.WriteByte('\n')
	return b.String()
}
