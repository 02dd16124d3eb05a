package routemon

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func mustPrefix(t *testing.T, s string) netip.Prefix {
	t.Helper()
	p, err := netip.ParsePrefix(s)
	require.NoError(t, err)
	return p
}

func TestDiffRoutes(t *testing.T) {
	a := Route{Dst: mustPrefix(t, "10.0.0.0/24"), Table: 254}
	b := Route{Dst: mustPrefix(t, "10.0.1.0/24"), Table: 254}
	c := Route{Dst: mustPrefix(t, "10.0.2.0/24"), Table: 254}

	old := map[string]Route{a.key(): a, b.key(): b}
	current := map[string]Route{b.key(): b, c.key(): c}

	newRoutes, goneRoutes := diffRoutes(old, current)
	require.Len(t, newRoutes, 1)
	require.Equal(t, c, newRoutes[0])
	require.Len(t, goneRoutes, 1)
	require.Equal(t, a, goneRoutes[0])
}

func TestDiffRoutes_NoChange(t *testing.T) {
	a := Route{Dst: mustPrefix(t, "10.0.0.0/24"), Table: 254}
	old := map[string]Route{a.key(): a}
	newRoutes, goneRoutes := diffRoutes(old, old)
	require.Empty(t, newRoutes)
	require.Empty(t, goneRoutes)
}

func TestNew_LoadsExistingSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "routes.json")

	m1, err := New(path, nil)
	require.NoError(t, err)
	m1.snapshot["k"] = Route{Dst: mustPrefix(t, "10.1.0.0/24"), Table: 254}
	require.NoError(t, m1.writeSnapshotLocked())

	m2, err := New(path, nil)
	require.NoError(t, err)
	require.Len(t, m2.snapshot, 1)
}

func TestNew_MissingSnapshotIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "does-not-exist.json")

	m, err := New(path, nil)
	require.NoError(t, err)
	require.Empty(t, m.snapshot)
}

func TestWriteSnapshotLocked_AtomicRename(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "routes.json")

	m, err := New(path, nil)
	require.NoError(t, err)
	m.snapshot["k"] = Route{Dst: mustPrefix(t, "10.2.0.0/24"), Table: 254}
	require.NoError(t, m.writeSnapshotLocked())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "no leftover temp file after rename")
	require.Equal(t, "routes.json", entries[0].Name())
}

func TestOnDelta_RegistersCallback(t *testing.T) {
	dir := t.TempDir()
	m, err := New(filepath.Join(dir, "routes.json"), nil)
	require.NoError(t, err)

	called := false
	m.OnDelta(func(newRoutes, goneRoutes []Route) { called = true })
	require.NotNil(t, m.onDelta)
	m.onDelta(nil, nil)
	require.True(t, called)
}
