package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/uvnmesh/uvn/internal/model"
)

func writeProcSysInt(path string, value int) error {
	return os.WriteFile(path, []byte(strconv.Itoa(value)), 0o644)
}

// renderRouterConfig writes one OSPF area stanza per backbone link to path,
// mode 0600, for the external routing daemon to reload. The exact dynamic
// routing file format is left to whatever the deploying OSPF daemon expects;
// this renders the minimal area/interface mapping the spec names.
func renderRouterConfig(path, cellID string, links []model.PeerLink) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "! generated for cell %s, do not edit by hand\n", cellID)
	for _, l := range links {
		iface := backboneIfaceName(l.PortIndex)
		fmt.Fprintf(&sb, "interface %s\n", iface)
		fmt.Fprintf(&sb, " ip ospf area %d\n", l.PortIndex)
		fmt.Fprintf(&sb, "!\n")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("router config: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "router.*.tmp")
	if err != nil {
		return fmt.Errorf("router config: create temp: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("router config: chmod: %w", err)
	}
	if _, err := tmp.WriteString(sb.String()); err != nil {
		tmp.Close()
		return fmt.Errorf("router config: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("router config: close: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}
