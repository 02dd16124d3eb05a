// Package peers implements the per-agent replicated peer model and its
// derived global predicates, grounded on uno/agent/uvn_peer.py and
// uno/agent/uvn_peers_list.py.
package peers

import (
	"net/netip"
	"sort"
	"sync"

	"github.com/uvnmesh/uvn/internal/model"
)

// ExpectedLAN describes one non-excluded cell's advertised LAN set, used to
// compute the routed/fully-routed predicates without re-querying the store
// on every update.
type ExpectedLAN struct {
	CellID string
	Lans   []netip.Prefix
}

// Predicates is the set of derived global booleans recomputed after every
// batch of peer updates.
type Predicates struct {
	AllCellsConnected        bool
	ConsistentConfigUVN      bool
	RoutedNetworksDiscovered bool
	FullyRoutedUVN           bool
}

// Transition is delivered to listeners on any predicate change: the set of
// peers that newly satisfy the transitioned condition, and the set that no
// longer do.
type Transition struct {
	Predicate  string
	NewlyTrue  []string
	NewlyFalse []string
}

// PeerList holds every known peer entry keyed by id and recomputes
// Predicates after each transactional UpdatePeer batch.
type PeerList struct {
	mu       sync.Mutex
	localID  string
	configID string
	entries  map[string]*model.AgentPeerEntry
	expected []ExpectedLAN

	preds     Predicates
	prevSat   map[string]peerSatSet
	listeners []func(Transition)

	localOnline bool
}

// peerSatSet maps an expected peer id to whether it individually satisfies a
// predicate's per-peer condition, letting notifyLocked diff two snapshots to
// find exactly which peers flipped.
type peerSatSet map[string]bool

func NewPeerList(localID, configID string, expected []ExpectedLAN) *PeerList {
	pl := &PeerList{
		localID:  localID,
		configID: configID,
		entries:  map[string]*model.AgentPeerEntry{},
		expected: expected,
	}
	local := model.NewAgentPeerEntry(localID, true)
	local.ConfigID = configID
	pl.entries[localID] = local
	return pl
}

func (pl *PeerList) OnTransition(fn func(Transition)) {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	pl.listeners = append(pl.listeners, fn)
}

// Get returns the entry for id, creating a Declared placeholder if unknown.
func (pl *PeerList) Get(id string) *model.AgentPeerEntry {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return pl.getLocked(id)
}

func (pl *PeerList) getLocked(id string) *model.AgentPeerEntry {
	e, ok := pl.entries[id]
	if !ok {
		e = model.NewAgentPeerEntry(id, id == pl.localID)
		pl.entries[id] = e
	}
	return e
}

// PeerUpdate describes one field mutation to apply transactionally; nil
// fields are left unchanged.
type PeerUpdate struct {
	ID             string
	Status         *model.PeerStatus
	ConfigID       *string
	RoutedNetworks []string // if non-nil, replaces the set
	KnownNetworks  []string // if non-nil, merges new entries as unreachable
}

// UpdatePeer applies every non-nil field of upd under one lock, so no reader
// observes a partial update. It does not filter ids: an unknown id first gets
// a new Declared entry (callers filter unknown/foreign ids beforehand). After
// applying, predicates are recomputed exactly once.
func (pl *PeerList) UpdatePeer(upd PeerUpdate) {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	e := pl.getLocked(upd.ID)

	if upd.Status != nil {
		e.Status = *upd.Status
		// A writer liveness loss retains last-known routed/known
		// networks. Routed networks are cleared only when the caller also
		// passes RoutedNetworks = []string{}, as the agent does on its own
		// self-offline; known networks are never removed here.
	}
	if upd.ConfigID != nil {
		e.ConfigID = *upd.ConfigID
	}
	if upd.RoutedNetworks != nil {
		e.RoutedNetworks = map[string]struct{}{}
		for _, n := range upd.RoutedNetworks {
			e.RoutedNetworks[n] = struct{}{}
		}
	}
	if upd.KnownNetworks != nil {
		for _, n := range upd.KnownNetworks {
			if _, ok := e.KnownNetworks[n]; !ok {
				e.KnownNetworks[n] = &model.LanStatus{Network: n}
			}
		}
	}

	if upd.ID == pl.localID && upd.Status != nil {
		pl.localOnline = *upd.Status == model.PeerStatusOnline
	}

	pl.recomputeLocked()
}

// SetReachable marks one of a peer's known networks reachable/unreachable,
// used by the prober to feed results back into the peer model.
func (pl *PeerList) SetReachable(peerID, network string, reachable bool) {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	e := pl.getLocked(peerID)
	ls, ok := e.KnownNetworks[network]
	if !ok {
		ls = &model.LanStatus{Network: network}
		e.KnownNetworks[network] = ls
	}
	ls.Reachable = reachable
	pl.recomputeLocked()
}

func (pl *PeerList) NonExcludedCellIDs() []string {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	ids := make([]string, 0, len(pl.expected))
	for _, ex := range pl.expected {
		ids = append(ids, ex.CellID)
	}
	return ids
}

func (pl *PeerList) Predicates() Predicates {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	return pl.preds
}

func (pl *PeerList) recomputeLocked() {
	next := Predicates{}

	expectedLans := map[string]struct{}{}
	for _, ex := range pl.expected {
		for _, l := range ex.Lans {
			expectedLans[l.String()] = struct{}{}
		}
	}
	routedUnion := map[string]struct{}{}
	for _, e := range pl.entries {
		for n := range e.RoutedNetworks {
			routedUnion[n] = struct{}{}
		}
	}
	routedDiscovered := true
	for l := range expectedLans {
		if _, ok := routedUnion[l]; !ok {
			routedDiscovered = false
			break
		}
	}
	next.RoutedNetworksDiscovered = routedDiscovered

	allConnectedSat := peerSatSet{}
	consistentSat := peerSatSet{}
	routedSat := peerSatSet{}
	fullyRoutedSat := peerSatSet{}
	allConnected := true
	consistent := true
	fullyRouted := true
	for _, ex := range pl.expected {
		e, ok := pl.entries[ex.CellID]

		online := ok && e.Status == model.PeerStatusOnline
		allConnectedSat[ex.CellID] = online
		if !online {
			allConnected = false
		}

		matchesConfig := ok && e.ConfigID == pl.configID
		consistentSat[ex.CellID] = matchesConfig
		if !matchesConfig {
			consistent = false
		}

		contributesRouted := false
		if ok {
			for l := range expectedLans {
				if _, has := e.RoutedNetworks[l]; has {
					contributesRouted = true
					break
				}
			}
		}
		routedSat[ex.CellID] = contributesRouted

		peerFullyRouted := ok
		if ok {
			for l := range expectedLans {
				if _, isOwn := contains(ex.Lans, l); isOwn {
					continue
				}
				ls, known := e.KnownNetworks[l]
				if !known || !ls.Reachable {
					peerFullyRouted = false
					break
				}
			}
		}
		fullyRoutedSat[ex.CellID] = peerFullyRouted
		if !peerFullyRouted {
			fullyRouted = false
		}
	}
	next.AllCellsConnected = allConnected
	next.ConsistentConfigUVN = consistent
	next.FullyRoutedUVN = fullyRouted

	prev := pl.preds
	pl.preds = next

	if pl.localOnline {
		pl.notifyLocked("all_cells_connected", prev.AllCellsConnected, next.AllCellsConnected, allConnectedSat)
		pl.notifyLocked("consistent_config_uvn", prev.ConsistentConfigUVN, next.ConsistentConfigUVN, consistentSat)
		pl.notifyLocked("routed_networks_discovered", prev.RoutedNetworksDiscovered, next.RoutedNetworksDiscovered, routedSat)
		pl.notifyLocked("fully_routed_uvn", prev.FullyRoutedUVN, next.FullyRoutedUVN, fullyRoutedSat)
	}

	pl.prevSat = map[string]peerSatSet{
		"all_cells_connected":        allConnectedSat,
		"consistent_config_uvn":      consistentSat,
		"routed_networks_discovered": routedSat,
		"fully_routed_uvn":           fullyRoutedSat,
	}
}

func contains(lans []netip.Prefix, s string) (netip.Prefix, bool) {
	for _, l := range lans {
		if l.String() == s {
			return l, true
		}
	}
	return netip.Prefix{}, false
}

// notifyLocked fires a Transition for name if prev != next, carrying the
// real set of peers whose per-peer condition (sat, this round's snapshot)
// flipped relative to the last recomputeLocked's snapshot for name.
func (pl *PeerList) notifyLocked(name string, prev, next bool, sat peerSatSet) {
	if prev == next {
		return
	}
	t := Transition{Predicate: name}
	prevSat := pl.prevSat[name]
	for id, satisfied := range sat {
		was := prevSat[id]
		switch {
		case satisfied && !was:
			t.NewlyTrue = append(t.NewlyTrue, id)
		case !satisfied && was:
			t.NewlyFalse = append(t.NewlyFalse, id)
		}
	}
	sort.Strings(t.NewlyTrue)
	sort.Strings(t.NewlyFalse)
	for _, fn := range pl.listeners {
		fn(t)
	}
}
