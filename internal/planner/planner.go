// Package planner computes the backbone P2P link map from a set of cells and
// a deployment strategy, grounded on uno/registry/deployment.py's sequential
// /31 allocation and port-index semantics.
package planner

import (
	"fmt"
	"net/netip"
	"sort"

	"github.com/uvnmesh/uvn/internal/model"
)

// ErrBackboneSubnetExhausted is returned when the planner cannot allocate
// another /31 out of the backbone parent subnet.
type ErrBackboneSubnetExhausted struct{ Parent netip.Prefix }

func (e *ErrBackboneSubnetExhausted) Error() string {
	return fmt.Sprintf("backbone subnet exhausted: %s", e.Parent)
}

// Input describes the cells the planner must connect.
type Input struct {
	PublicCells    []string
	PrivateCells   []string
	BackboneParent netip.Prefix
	PortBase       int
	Strategy       model.DeploymentStrategy
	// Args carries strategy-specific arguments: "degree" (int) and "rng_seed"
	// (uint64) for Random, "pairs" ([][2]string) for Static.
	Args map[string]any
}

type edge struct{ a, b string }

func canonicalEdge(a, b string) edge {
	if a > b {
		a, b = b, a
	}
	return edge{a, b}
}

// allCells returns every cell id, sorted, and a privacy lookup.
func (in *Input) allCells() ([]string, map[string]bool) {
	private := map[string]bool{}
	all := make([]string, 0, len(in.PublicCells)+len(in.PrivateCells))
	for _, c := range in.PublicCells {
		all = append(all, c)
	}
	for _, c := range in.PrivateCells {
		all = append(all, c)
		private[c] = true
	}
	sort.Strings(all)
	return all, private
}

// Plan computes the P2P link map for in, returning a model.Deployment.
func Plan(in Input) (*model.Deployment, error) {
	all, private := in.allCells()

	var edges []edge
	var err error
	switch in.Strategy {
	case model.StrategyFullMesh:
		edges = fullMesh(all)
	case model.StrategyCircular:
		edges = circular(all)
	case model.StrategyCrossed:
		edges = crossed(all)
	case model.StrategyRandom:
		edges, err = random(all, private, in.Args)
	case model.StrategyStatic:
		edges, err = static(all, in.Args)
	default:
		return nil, fmt.Errorf("planner: unknown strategy %v", in.Strategy)
	}
	if err != nil {
		return nil, err
	}

	// Rule 2: per-cell neighbor iteration order determines port index; build
	// each cell's ordered neighbor list first, independent of allocation.
	neighbors := map[string][]string{}
	for _, c := range all {
		neighbors[c] = nil
	}
	for _, e := range edges {
		neighbors[e.a] = append(neighbors[e.a], e.b)
		neighbors[e.b] = append(neighbors[e.b], e.a)
	}
	for c := range neighbors {
		sort.Strings(neighbors[c])
	}

	alloc := newSubnetAllocator(in.BackboneParent)
	linkNet := map[edge]netip.Prefix{}
	linkAddr := map[edge][2]netip.Addr{} // [a's addr, b's addr] for canonical edge
	for _, e := range edges {
		n, err := alloc.next()
		if err != nil {
			return nil, err
		}
		linkNet[e] = n
		addrA := n.Addr()
		addrB := addrA.Next()
		linkAddr[e] = [2]netip.Addr{addrA, addrB}
	}

	peers := map[string][]model.PeerLink{}
	portIdx := map[string]int{}
	for _, c := range all {
		for _, peer := range neighbors[c] {
			ce := canonicalEdge(c, peer)
			addrs := linkAddr[ce]
			var local, remote netip.Addr
			if ce.a == c {
				local, remote = addrs[0], addrs[1]
			} else {
				local, remote = addrs[1], addrs[0]
			}
			// masquerade applies to the lower-id side of a private-private
			// edge; canonical a is always the lower id.
			masquerade := private[ce.a] && private[ce.b] && c == ce.a
			peers[c] = append(peers[c], model.PeerLink{
				PeerCellID:  peer,
				PortIndex:   portIdx[c],
				LocalAddr:   local,
				RemoteAddr:  remote,
				LinkNetwork: linkNet[ce],
				Masquerade:  masquerade,
			})
			portIdx[c]++
		}
	}

	return &model.Deployment{
		Strategy: in.Strategy,
		Peers:    peers,
	}, nil
}
