package slave

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/drftpd-ng/drftpd-sub005/internal/logging"
)

// Dynamic is the addr of a node that connects to the master instead of
// being dialled.
const Dynamic = "Dynamic"

// Config describes one storage node.
type Config struct {
	Name       string   `json:"name"`
	Addr       string   `json:"addr"`
	SlavePass  string   `json:"slave_pass"`
	MasterPass string   `json:"master_pass"`
	Masks      []string `json:"masks,omitempty"`
}

// IsDynamic reports whether the node connects inbound.
func (c Config) IsDynamic() bool {
	return strings.EqualFold(c.Addr, Dynamic)
}

// Matches reports whether any mask matches any of the given
// "ident@address" strings.
func (c Config) Matches(candidates ...string) bool {
	for _, mask := range c.Masks {
		for _, s := range candidates {
			if ok, _ := path.Match(mask, s); ok {
				return true
			}
		}
	}
	return false
}

func (c Config) validate() error {
	if c.Name == "" {
		return errors.New("slave without name")
	}
	if strings.ContainsAny(c.Name, " \t\n") {
		return fmt.Errorf("slave %q: name contains whitespace", c.Name)
	}
	switch {
	case c.Addr == "":
		return fmt.Errorf("slave %s: missing addr", c.Name)
	case c.IsDynamic():
		if len(c.Masks) == 0 {
			return fmt.Errorf("slave %s: dynamic slave needs at least one mask", c.Name)
		}
	default:
		if _, _, err := net.SplitHostPort(c.Addr); err != nil {
			return fmt.Errorf("slave %s: addr: %w", c.Name, err)
		}
	}
	for _, m := range c.Masks {
		if _, err := path.Match(m, ""); err != nil {
			return fmt.Errorf("slave %s: mask %q: %w", c.Name, m, err)
		}
	}
	return nil
}

type slavesFile struct {
	Slaves []Config `json:"slaves"`
}

// LoadConfigs reads the JSON slaves file at p.
func LoadConfigs(p string) ([]Config, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("read slaves file: %w", err)
	}
	var f slavesFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse slaves file %s: %w", p, err)
	}
	seen := make(map[string]bool, len(f.Slaves))
	for _, c := range f.Slaves {
		if err := c.validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		if seen[c.Name] {
			return nil, fmt.Errorf("%s: slave %s defined twice", p, c.Name)
		}
		seen[c.Name] = true
	}
	return f.Slaves, nil
}

// WatchConfigs calls fn with the new definitions whenever the slaves file
// at p changes, until ctx ends. A file that fails to load is logged and
// ignored so the previous definitions stay in force.
func WatchConfigs(ctx context.Context, p string, fn func([]Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch slaves file: %w", err)
	}
	// Watch the directory: editors usually replace the file.
	if err := w.Add(filepath.Dir(p)); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(p), err)
	}

	target := filepath.Clean(p)
	go func() {
		defer w.Close()
		var debounce <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				debounce = time.After(100 * time.Millisecond)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logging.Warn("slaves file watcher", zap.Error(err))
			case <-debounce:
				debounce = nil
				cfgs, err := LoadConfigs(p)
				if err != nil {
					logging.Warn("keeping previous slave definitions", zap.Error(err))
					continue
				}
				logging.Info("slaves file reloaded", zap.Int("slaves", len(cfgs)))
				fn(cfgs)
			}
		}
	}()
	return nil
}
