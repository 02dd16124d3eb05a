package model

import "net/netip"

// TimingProfile collects the agent's timing knobs, derived from the uvn's
// settings and consulted by the prober, the spin loop, and VPN-stats refresh.
type TimingProfile struct {
	SpinPeriodMS       int `json:"spin_period_ms"`
	ProbePeriodMS      int `json:"probe_period_ms"`
	ProbeFailThreshold int `json:"probe_fail_threshold"`
	VpnStatsMaxHz      int `json:"vpn_stats_max_hz"`
	TransportPollMaxMS int `json:"transport_poll_max_ms"`
}

func DefaultTimingProfile() TimingProfile {
	return TimingProfile{
		SpinPeriodMS:       1000,
		ProbePeriodMS:      5000,
		ProbeFailThreshold: 3,
		VpnStatsMaxHz:      2,
		TransportPollMaxMS: 1000,
	}
}

// VpnParams carries the settings for one of the three VPN roles (root,
// backbone, particles): the parent subnet each role allocates addresses
// from, and the UDP port each role's interfaces listen on.
type VpnParams struct {
	Subnet   netip.Prefix `json:"subnet"`
	PortBase int          `json:"port_base"`
}

// UvnSettings groups the tunable knobs owned by a Uvn.
type UvnSettings struct {
	Timing    TimingProfile      `json:"timing"`
	RootVPN   VpnParams          `json:"root_vpn"`
	Backbone  VpnParams          `json:"backbone_vpn"`
	Particles VpnParams          `json:"particles_vpn"`
	Strategy  DeploymentStrategy `json:"strategy"`
	// StrategyArgs is free-form: degree for random, explicit pairs for
	// static, rng seed for random.
	StrategyArgs map[string]any `json:"strategy_args,omitempty"`
}

// Uvn is the named administrative domain owning cells, particles, and
// (transitively through users) itself.
type Uvn struct {
	ID       string      `json:"id"`
	Name     string      `json:"name"`
	Address  string      `json:"address,omitempty"`
	OwnerID  string      `json:"owner_id"`
	Settings UvnSettings `json:"settings"`

	ConfigID           string   `json:"config_id"`
	OldConfigID        string   `json:"old_config_id,omitempty"`
	DeploymentDirty    bool     `json:"deployment_dirty"`
	RekeyedRoot        bool     `json:"rekeyed_root"`
	RekeyedCellIDs     []string `json:"rekeyed_cell_ids,omitempty"`
	RekeyedParticleIDs []string `json:"rekeyed_particle_ids,omitempty"`
	LicenseData        []byte   `json:"license_data,omitempty"`

	dirty bool
}

func (u *Uvn) TableName() string { return "uvn" }
func (u *Uvn) ID_() string       { return u.ID }
func (u *Uvn) SetID(id string)   { u.ID = id }
func (u *Uvn) Owner() string     { return u.OwnerID }
func (u *Uvn) Dirty() bool       { return u.dirty }
func (u *Uvn) MarkDirty()        { u.dirty = true }
func (u *Uvn) ClearDirty()       { u.dirty = false }

// Cell is a site in the uvn. A cell with no Address is private; one with no
// AllowedLans is a relay.
type Cell struct {
	ID                 string         `json:"id"`
	UvnID              string         `json:"uvn_id"`
	OwnerID            string         `json:"owner_id"`
	Name               string         `json:"name"`
	Address            string         `json:"address,omitempty"`
	AllowedLans        []netip.Prefix `json:"allowed_lans"`
	HTTPPort           int            `json:"http_port"`
	EnableParticlesVPN bool           `json:"enable_particles_vpn"`
	Excluded           bool           `json:"excluded"`
	dirty              bool
}

func (c *Cell) TableName() string { return "cell" }
func (c *Cell) ID_() string       { return c.ID }
func (c *Cell) SetID(id string)   { c.ID = id }
func (c *Cell) Owner() string     { return c.OwnerID }
func (c *Cell) Dirty() bool       { return c.dirty }
func (c *Cell) MarkDirty()        { c.dirty = true }
func (c *Cell) ClearDirty()       { c.dirty = false }

func (c *Cell) IsPrivate() bool { return c.Address == "" }
func (c *Cell) IsRelay() bool   { return len(c.AllowedLans) == 0 }

// Particle is a roaming client with no LAN of its own.
type Particle struct {
	ID       string `json:"id"`
	UvnID    string `json:"uvn_id"`
	OwnerID  string `json:"owner_id"`
	Name     string `json:"name"`
	Excluded bool   `json:"excluded"`
	dirty    bool
}

func (p *Particle) TableName() string { return "particle" }
func (p *Particle) ID_() string       { return p.ID }
func (p *Particle) SetID(id string)   { p.ID = id }
func (p *Particle) Owner() string     { return p.OwnerID }
func (p *Particle) Dirty() bool       { return p.dirty }
func (p *Particle) MarkDirty()        { p.dirty = true }
func (p *Particle) ClearDirty()       { p.dirty = false }

// User owns cells, particles, and possibly the uvn itself.
type User struct {
	ID             string   `json:"id"`
	Email          string   `json:"email"`
	Name           string   `json:"name"`
	Realm          string   `json:"realm"`
	PasswordDigest string   `json:"password_digest"`
	Excluded       bool     `json:"excluded"`
	OwnedCells     []string `json:"owned_cells,omitempty"`
	OwnedParticles []string `json:"owned_particles,omitempty"`
	dirty          bool
}

func (u *User) TableName() string { return "user" }
func (u *User) ID_() string       { return u.ID }
func (u *User) SetID(id string)   { u.ID = id }
func (u *User) Owner() string     { return "" }
func (u *User) Dirty() bool       { return u.dirty }
func (u *User) MarkDirty()        { u.dirty = true }
func (u *User) ClearDirty()       { u.dirty = false }

// PeerLink describes one directed endpoint of a P2P backbone link: the
// port index at this side, this side's overlay address, the remote side's
// overlay address, and whether this side must masquerade (private-private
// edge, lower-id side).
type PeerLink struct {
	PeerCellID  string       `json:"peer_cell_id"`
	PortIndex   int          `json:"port_index"`
	LocalAddr   netip.Addr   `json:"local_addr"`
	RemoteAddr  netip.Addr   `json:"remote_addr"`
	LinkNetwork netip.Prefix `json:"link_network"`
	Masquerade  bool         `json:"masquerade"`
}

// Deployment is the planner's output: for each cell id, an ordered list of
// peer links.
type Deployment struct {
	ID       string                `json:"id"`
	UvnID    string                `json:"uvn_id"`
	Strategy DeploymentStrategy    `json:"strategy"`
	Peers    map[string][]PeerLink `json:"peers"`
	dirty    bool
}

func (d *Deployment) TableName() string { return "deployment" }
func (d *Deployment) ID_() string       { return d.ID }
func (d *Deployment) SetID(id string)   { d.ID = id }
func (d *Deployment) Owner() string     { return d.UvnID }
func (d *Deployment) Dirty() bool       { return d.dirty }
func (d *Deployment) MarkDirty()        { d.dirty = true }
func (d *Deployment) ClearDirty()       { d.dirty = false }

// Interfaces returns the set of peer cell ids this cell has a link to.
func (d *Deployment) Interfaces(cellID string) []string {
	links := d.Peers[cellID]
	out := make([]string, 0, len(links))
	for _, l := range links {
		out = append(out, l.PeerCellID)
	}
	return out
}
