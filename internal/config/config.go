// Package config holds the agent-local runtime configuration: state
// directory, poll intervals, PID file path. Grounded on
// client/doublezerod/internal/config/config.go's atomic-rename persistence
// and changed-notification channel; UVN/cell/particle/user definitions live
// in the registry's object store, not here, since the CLI's YAML-loading
// glue is an explicit spec non-goal.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Config is the mutable, persisted runtime configuration for one agent
// process.
type Config struct {
	StateDir       string `json:"state_dir"`
	LogDir         string `json:"log_dir"`
	PIDFile        string `json:"pid_file"`
	PollIntervalMS int    `json:"poll_interval_ms"`
	ProbeKind      string `json:"probe_kind"` // "icmp" or "tcp"

	path      string
	mu        sync.RWMutex
	changedCh chan struct{}
}

func Default(stateDir string) *Config {
	return &Config{
		StateDir:       stateDir,
		LogDir:         filepath.Join(stateDir, "log"),
		PIDFile:        filepath.Join(stateDir, "agent.pid"),
		PollIntervalMS: 1000,
		ProbeKind:      "icmp",
		changedCh:      make(chan struct{}, 1),
	}
}

// Load reads path into a Config, or returns Default(filepath.Dir(path)) if
// the file does not yet exist.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		c := Default(filepath.Dir(path))
		c.path = path
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var c Config
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}
	c.path = path
	c.changedCh = make(chan struct{}, 1)
	return &c, nil
}

// Changed returns a channel that receives a notification whenever Update or
// UpdateFromJSON successfully commits a change.
func (c *Config) Changed() <-chan struct{} { return c.changedCh }

func (c *Config) notifyChanged() {
	select {
	case c.changedCh <- struct{}{}:
	default:
	}
}

// Update applies fn to the config under the write lock, then persists and
// notifies.
func (c *Config) Update(fn func(*Config)) error {
	c.mu.Lock()
	fn(c)
	c.mu.Unlock()
	return c.saveLocked()
}

// UpdateFromJSON replaces the config wholesale from raw JSON.
func (c *Config) UpdateFromJSON(raw []byte) error {
	c.mu.Lock()
	var next Config
	if err := json.Unmarshal(raw, &next); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("config: decode update: %w", err)
	}
	c.StateDir = next.StateDir
	c.LogDir = next.LogDir
	c.PIDFile = next.PIDFile
	c.PollIntervalMS = next.PollIntervalMS
	c.ProbeKind = next.ProbeKind
	c.mu.Unlock()
	return c.saveLocked()
}

func (c *Config) saveLocked() error {
	c.mu.RLock()
	raw, err := json.MarshalIndent(c, "", "  ")
	path := c.path
	c.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if path == "" {
		return nil
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("config: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "config.*.tmp")
	if err != nil {
		return fmt.Errorf("config: create temp: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("config: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("config: close temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("config: rename: %w", err)
	}
	c.notifyChanged()
	return nil
}
