// Package routemon watches the kernel route table and computes new/gone
// routes relative to a file-persisted snapshot, grounded on
// client/doublezerod/internal/netlink's route-table access patterns and
// config.Config.saveLocked's atomic-rename persistence.
package routemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"sync"

	"github.com/vishvananda/netlink"
)

// Route is the subset of a kernel route this monitor tracks.
type Route struct {
	Dst   netip.Prefix `json:"dst"`
	Gw    netip.Addr   `json:"gw"`
	Table int          `json:"table"`
}

func (r Route) key() string { return fmt.Sprintf("%s|%s|%d", r.Dst, r.Gw, r.Table) }

// Monitor watches for route changes and emits Delta callbacks.
type Monitor struct {
	snapshotPath string
	logger       *slog.Logger

	mu       sync.Mutex
	snapshot map[string]Route
	onDelta  func(newRoutes, goneRoutes []Route)
}

func New(snapshotPath string, logger *slog.Logger) (*Monitor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Monitor{snapshotPath: snapshotPath, logger: logger, snapshot: map[string]Route{}}
	if err := m.loadSnapshot(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Monitor) OnDelta(fn func(newRoutes, goneRoutes []Route)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDelta = fn
}

func (m *Monitor) loadSnapshot() error {
	raw, err := os.ReadFile(m.snapshotPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("routemon: read snapshot: %w", err)
	}
	var rows []Route
	if err := json.Unmarshal(raw, &rows); err != nil {
		return fmt.Errorf("routemon: decode snapshot: %w", err)
	}
	for _, r := range rows {
		m.snapshot[r.key()] = r
	}
	return nil
}

func (m *Monitor) writeSnapshotLocked() error {
	rows := make([]Route, 0, len(m.snapshot))
	for _, r := range m.snapshot {
		rows = append(rows, r)
	}
	raw, err := json.Marshal(rows)
	if err != nil {
		return err
	}
	dir := filepath.Dir(m.snapshotPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "routes.*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), m.snapshotPath)
}

// Poll reads the current kernel route table via vishvananda/netlink,
// computes the delta against the persisted snapshot, emits it, and
// atomically rewrites the snapshot.
func (m *Monitor) Poll() error {
	routes, err := netlink.RouteList(nil, netlink.FAMILY_ALL)
	if err != nil {
		return fmt.Errorf("routemon: list routes: %w", err)
	}
	current := map[string]Route{}
	for _, r := range routes {
		if r.Dst == nil {
			continue
		}
		dst, ok := netip.AddrFromSlice(r.Dst.IP)
		if !ok {
			continue
		}
		ones, _ := r.Dst.Mask.Size()
		prefix := netip.PrefixFrom(dst, ones)
		var gw netip.Addr
		if r.Gw != nil {
			gw, _ = netip.AddrFromSlice(r.Gw)
		}
		rt := Route{Dst: prefix, Gw: gw, Table: r.Table}
		current[rt.key()] = rt
	}

	m.mu.Lock()
	newRoutes, goneRoutes := diffRoutes(m.snapshot, current)
	m.snapshot = current
	fn := m.onDelta
	err = m.writeSnapshotLocked()
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("routemon: write snapshot: %w", err)
	}
	if fn != nil && (len(newRoutes) > 0 || len(goneRoutes) > 0) {
		fn(newRoutes, goneRoutes)
	}
	return nil
}

// diffRoutes reports routes present in current but not old (new) and routes
// present in old but not current (gone), keyed by Route.key().
func diffRoutes(old, current map[string]Route) (newRoutes, goneRoutes []Route) {
	for k, r := range current {
		if _, ok := old[k]; !ok {
			newRoutes = append(newRoutes, r)
		}
	}
	for k, r := range old {
		if _, ok := current[k]; !ok {
			goneRoutes = append(goneRoutes, r)
		}
	}
	return newRoutes, goneRoutes
}

// Run polls on every tick from ticks until ctx is done, logging (not
// aborting) poll errors.
func (m *Monitor) Run(ctx context.Context, ticks <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticks:
			if err := m.Poll(); err != nil {
				m.logger.Warn("routemon: poll failed", "err", err)
			}
		}
	}
}
