package model

import "time"

// LanStatus is the reachability state of one known remote LAN, as tracked by
// the peer prober.
type LanStatus struct {
	Network          string `json:"network"`
	Reachable        bool   `json:"reachable"`
	ConsecutiveFails int    `json:"-"`
}

// AgentPeerEntry is the per-agent replicated view of a single uvn/cell/
// particle peer: its connectivity status, last known config id, routed
// networks, VPN-interface statistics, and known/reachable networks.
//
// The local agent's own entry is always present, with Local set true.
type AgentPeerEntry struct {
	ID             string                   `json:"id"`
	Local          bool                     `json:"local"`
	Status         PeerStatus               `json:"status"`
	ConfigID       string                   `json:"config_id"`
	RoutedNetworks map[string]struct{}      `json:"-"`
	KnownNetworks  map[string]*LanStatus    `json:"-"`
	VpnStats       map[string]VpnIfaceStats `json:"-"`
	StartedAt      time.Time                `json:"started_at"`
}

// VpnIfaceStats mirrors the counters a WireGuard userspace tool reports per
// interface/peer.
type VpnIfaceStats struct {
	RxBytes       uint64    `json:"rx_bytes"`
	TxBytes       uint64    `json:"tx_bytes"`
	LastHandshake time.Time `json:"last_handshake"`
}

func NewAgentPeerEntry(id string, local bool) *AgentPeerEntry {
	return &AgentPeerEntry{
		ID:             id,
		Local:          local,
		Status:         PeerStatusDeclared,
		RoutedNetworks: map[string]struct{}{},
		KnownNetworks:  map[string]*LanStatus{},
		VpnStats:       map[string]VpnIfaceStats{},
	}
}
