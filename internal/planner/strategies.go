package planner

import (
	"fmt"
	"math/rand/v2"
)

func fullMesh(all []string) []edge {
	var edges []edge
	for i := 0; i < len(all); i++ {
		for j := i + 1; j < len(all); j++ {
			edges = append(edges, canonicalEdge(all[i], all[j]))
		}
	}
	return edges
}

func circular(all []string) []edge {
	n := len(all)
	if n < 2 {
		return nil
	}
	seen := map[edge]bool{}
	var edges []edge
	for i := 0; i < n; i++ {
		e := canonicalEdge(all[i], all[(i+1)%n])
		if !seen[e] {
			seen[e] = true
			edges = append(edges, e)
		}
	}
	return edges
}

// crossed arranges two rings: the immediate-neighbor ring plus a link from
// each cell to the cell floor(n/2) positions ahead. For odd n >= 5 every cell
// gets 4 backbone neighbors; for even n >= 4 the cell floor(n/2) ahead is also
// the one floor(n/2) behind, so every cell gets 3. For n < 4 it is circular.
func crossed(all []string) []edge {
	n := len(all)
	if n < 4 {
		return circular(all)
	}
	offset := n / 2
	seen := map[edge]bool{}
	var edges []edge
	add := func(i, j int) {
		e := canonicalEdge(all[i], all[j%n])
		if !seen[e] {
			seen[e] = true
			edges = append(edges, e)
		}
	}
	for i := 0; i < n; i++ {
		add(i, i+1)
		add(i, i+offset)
	}
	return edges
}

// random connects every cell to a target degree k (default 2), preferring to
// pair private cells with a public peer before another private cell, with
// ties broken by a seeded RNG for reproducibility.
func random(all []string, private map[string]bool, args map[string]any) ([]edge, error) {
	degree := 2
	if v, ok := args["degree"]; ok {
		d, ok := v.(int)
		if !ok {
			return nil, fmt.Errorf("planner: random strategy degree must be int")
		}
		degree = d
	}
	var seed uint64 = 1
	if v, ok := args["rng_seed"]; ok {
		s, ok := v.(uint64)
		if !ok {
			return nil, fmt.Errorf("planner: random strategy rng_seed must be uint64")
		}
		seed = s
	}
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	// private-first ordering: private cells get their candidate edges chosen
	// before public cells, so a private cell's first edges land on public
	// peers whenever one is still under-degree.
	order := make([]string, 0, len(all))
	for _, c := range all {
		if private[c] {
			order = append(order, c)
		}
	}
	for _, c := range all {
		if !private[c] {
			order = append(order, c)
		}
	}

	degreeOf := map[string]int{}
	seen := map[edge]bool{}
	var edges []edge

	candidatesFor := func(c string) []string {
		var pub, priv []string
		for _, other := range all {
			if other == c || degreeOf[other] >= degree {
				continue
			}
			e := canonicalEdge(c, other)
			if seen[e] {
				continue
			}
			if private[other] {
				priv = append(priv, other)
			} else {
				pub = append(pub, other)
			}
		}
		rng.Shuffle(len(pub), func(i, j int) { pub[i], pub[j] = pub[j], pub[i] })
		rng.Shuffle(len(priv), func(i, j int) { priv[i], priv[j] = priv[j], priv[i] })
		// Public candidates always come first: a private cell prefers a
		// public peer, and so does a public cell (public-public edges are
		// no worse, and this keeps private cells from being crowded out).
		return append(pub, priv...)
	}

	for _, c := range order {
		for degreeOf[c] < degree {
			cands := candidatesFor(c)
			if len(cands) == 0 {
				break
			}
			peer := cands[0]
			e := canonicalEdge(c, peer)
			seen[e] = true
			edges = append(edges, e)
			degreeOf[c]++
			degreeOf[peer]++
		}
	}
	return edges, nil
}

// static takes an explicit pair list from args["pairs"] ([][2]string),
// validating that every cited id is present in all.
func static(all []string, args map[string]any) ([]edge, error) {
	raw, ok := args["pairs"]
	if !ok {
		return nil, fmt.Errorf("planner: static strategy requires args[\"pairs\"]")
	}
	pairs, ok := raw.([][2]string)
	if !ok {
		return nil, fmt.Errorf("planner: static strategy args[\"pairs\"] must be [][2]string")
	}
	known := map[string]bool{}
	for _, c := range all {
		known[c] = true
	}
	seen := map[edge]bool{}
	var edges []edge
	for _, pr := range pairs {
		if !known[pr[0]] {
			return nil, fmt.Errorf("planner: static strategy cites unknown cell %q", pr[0])
		}
		if !known[pr[1]] {
			return nil, fmt.Errorf("planner: static strategy cites unknown cell %q", pr[1])
		}
		e := canonicalEdge(pr[0], pr[1])
		if !seen[e] {
			seen[e] = true
			edges = append(edges, e)
		}
	}
	return edges, nil
}
