// Package wgconf renders WireGuard peer configuration into the kernel/
// userspace UAPI config protocol text format consumed by
// golang.zx2c4.com/wireguard/device.Device.IpcSet, grounded on the hex-key
// clamping conventions of november1306-go-vpn/internal/wireguard/keys and the
// teacher's own mode-0600 atomic file rendering in
// client/doublezerod/internal/config/config.go.
package wgconf

import (
	"encoding/hex"
	"fmt"
	"net/netip"
	"strings"
	"text/template"

	"github.com/uvnmesh/uvn/internal/keys"
)

// PeerConfig is one WireGuard peer entry: the remote's public key, its
// overlay addresses routed through this peer, its reachable endpoint (empty
// for a peer that only dials in), and an optional pre-shared key.
type PeerConfig struct {
	PublicKey           keys.Keypair
	PSK                 *keys.PSK
	Endpoint            string
	AllowedIPs          []netip.Prefix
	PersistentKeepalive int
}

// DeviceConfig is the full UAPI document for one local WireGuard interface.
type DeviceConfig struct {
	PrivateKey keys.Keypair
	ListenPort int
	Peers      []PeerConfig
}

const uapiTemplate = `private_key={{hex .PrivateKey.Private}}
listen_port={{.ListenPort}}
replace_peers=true
{{range .Peers -}}
public_key={{hex .PublicKey.Public}}
replace_allowed_ips=true
{{if .PSK}}preshared_key={{hexPSK .PSK}}
{{end -}}
{{if .Endpoint}}endpoint={{.Endpoint}}
{{end -}}
{{range .AllowedIPs}}allowed_ip={{.}}
{{end -}}
{{if .PersistentKeepalive}}persistent_keepalive_interval={{.PersistentKeepalive}}
{{end -}}
{{end -}}
`

var tmpl = template.Must(template.New("uapi").Funcs(template.FuncMap{
	"hex": func(b [32]byte) string { return hex.EncodeToString(b[:]) },
	"hexPSK": func(p *keys.PSK) string {
		if p == nil {
			return ""
		}
		return hex.EncodeToString(p[:])
	},
}).Parse(uapiTemplate))

// Render produces the UAPI config text for Device.IpcSet, replacing any
// existing peer set (the agent always renders the full peer list on reload,
// never an incremental diff, mirroring how the teacher rewrites its whole
// router config file on every change).
func Render(cfg DeviceConfig) (string, error) {
	var sb strings.Builder
	if err := tmpl.Execute(&sb, cfg); err != nil {
		return "", fmt.Errorf("wgconf: render: %w", err)
	}
	return sb.String(), nil
}
