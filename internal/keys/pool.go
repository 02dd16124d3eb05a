package keys

import (
	"fmt"
	"sort"

	"github.com/uvnmesh/uvn/internal/model"
)

// rootPeer is the centralized pool's sentinel scope for the root identity
// itself (the source's peer==0 convention).
const rootPeer = ""

// Entry is one row of a key pool: either a centralized peer entry (KeyB
// unused) or a paired-pool entry for an unordered peer pair (both KeyA and
// KeyB populated).
type Entry struct {
	Scope   string  `json:"scope"`
	KeyA    Keypair `json:"key_a"`
	KeyB    Keypair `json:"key_b,omitempty"`
	Paired  bool    `json:"paired"`
	PSK     PSK     `json:"psk"`
	Dropped bool    `json:"dropped"`
}

func (e *Entry) ID(prefix string) string { return fmt.Sprintf("%s:%s", prefix, e.Scope) }

// Pool is a single key namespace, identified by its prefix (e.g. "vpn:root",
// "vpn:backbone", "vpn:particles:cell-1"). Two pools with different prefixes
// never share a key id, satisfying the namespace-disjointness invariant.
type Pool struct {
	Prefix   string
	Paired   bool
	Readonly bool

	Root    *Keypair          `json:"root,omitempty"`
	Entries map[string]*Entry `json:"entries"`
}

func NewPool(prefix string, paired bool) *Pool {
	return &Pool{Prefix: prefix, Paired: paired, Entries: map[string]*Entry{}}
}

func canonicalPair(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("%s,%s", a, b)
}

// AssertPair returns the existing keypair+PSK for the unordered pair {a,b},
// creating one if absent. Readonly pools raise MissingKeyMaterial instead of
// generating new material.
func (p *Pool) AssertPair(a, b string) (*Entry, error) {
	if !p.Paired {
		return nil, fmt.Errorf("keys: AssertPair called on non-paired pool %s", p.Prefix)
	}
	scope := canonicalPair(a, b)
	if e, ok := p.Entries[scope]; ok && !e.Dropped {
		return e, nil
	}
	if p.Readonly {
		return nil, &model.MissingKeyMaterial{Prefix: p.Prefix, Scope: scope}
	}
	kA, err := GenerateKeypair()
	if err != nil {
		return nil, err
	}
	kB, err := GenerateKeypair()
	if err != nil {
		return nil, err
	}
	psk, err := GeneratePSK()
	if err != nil {
		return nil, err
	}
	e := &Entry{Scope: scope, KeyA: kA, KeyB: kB, Paired: true, PSK: psk}
	p.Entries[scope] = e
	return e, nil
}

// AssertPeer returns the existing keypair+PSK for a centralized pool's peer
// id, creating one (and the pool's root keypair, if missing) as needed.
func (p *Pool) AssertPeer(peer string) (*Entry, error) {
	if p.Paired {
		return nil, fmt.Errorf("keys: AssertPeer called on paired pool %s", p.Prefix)
	}
	if p.Root == nil {
		if p.Readonly {
			return nil, &model.MissingKeyMaterial{Prefix: p.Prefix, Scope: rootPeer}
		}
		root, err := GenerateKeypair()
		if err != nil {
			return nil, err
		}
		p.Root = &root
	}
	if e, ok := p.Entries[peer]; ok && !e.Dropped {
		return e, nil
	}
	if p.Readonly {
		return nil, &model.MissingKeyMaterial{Prefix: p.Prefix, Scope: peer}
	}
	kA, err := GenerateKeypair()
	if err != nil {
		return nil, err
	}
	psk, err := GeneratePSK()
	if err != nil {
		return nil, err
	}
	e := &Entry{Scope: peer, KeyA: kA, PSK: psk}
	p.Entries[peer] = e
	return e, nil
}

// PurgePeer drops every entry mentioning peer p. If delete is true, the
// entries are removed immediately; otherwise they are retained with
// Dropped=true so an agent still on the previous configuration can still
// decrypt in-flight material.
func (p *Pool) PurgePeer(peer string, delete bool) int {
	n := 0
	for scope, e := range p.Entries {
		if !mentionsPeer(scope, p.Paired, peer) {
			continue
		}
		n++
		if delete {
			delete2(p.Entries, scope)
		} else {
			e.Dropped = true
		}
	}
	return n
}

func delete2(m map[string]*Entry, k string) { delete(m, k) }

func mentionsPeer(scope string, paired bool, peer string) bool {
	if !paired {
		return scope == peer
	}
	// scope is "lo,hi"; ids are allocated as "<table>-<n>" and never
	// contain a comma, so a single split is unambiguous.
	for i := range scope {
		if scope[i] == ',' {
			return scope[:i] == peer || scope[i+1:] == peer
		}
	}
	return false
}

// PurgeExcept drops (retains with Dropped=true) every entry that mentions a
// peer id not present in live, used by the registry's generate() to purge
// stale key material for cells/particles removed since the last generate.
func (p *Pool) PurgeExcept(live map[string]bool) int {
	n := 0
	for scope, e := range p.Entries {
		if e.Dropped {
			continue
		}
		if scopeIsLive(scope, p.Paired, live) {
			continue
		}
		e.Dropped = true
		n++
	}
	return n
}

func scopeIsLive(scope string, paired bool, live map[string]bool) bool {
	if !paired {
		return live[scope]
	}
	for i := range scope {
		if scope[i] == ',' {
			return live[scope[:i]] && live[scope[i+1:]]
		}
	}
	return false
}

// DropKeys empties the active set: it marks every non-dropped entry dropped,
// or, if delete is true, deletes every entry (already-dropped ones included)
// and the root keypair. It returns the number of previously active entries.
func (p *Pool) DropKeys(delete bool) int {
	n := 0
	for scope, e := range p.Entries {
		if e.Dropped {
			if delete {
				delete2(p.Entries, scope)
			}
			continue
		}
		n++
		if delete {
			delete2(p.Entries, scope)
		} else {
			e.Dropped = true
		}
	}
	if delete {
		p.Root = nil
	}
	return n
}

// CleanDroppedKeys removes every Dropped=true row under this pool.
func (p *Pool) CleanDroppedKeys() int {
	n := 0
	for scope, e := range p.Entries {
		if e.Dropped {
			delete2(p.Entries, scope)
			n++
		}
	}
	return n
}

// GetPeerMaterial returns the material a given peer needs to configure its
// side of the tunnel: for a centralized pool, either the root public key (if
// peer is non-root) or, for the root side with private=true, the root
// private key plus each peer's PSK.
func (p *Pool) GetPeerMaterial(peer string, private bool) (map[string]PSK, *Keypair, error) {
	if p.Paired {
		return nil, nil, fmt.Errorf("keys: GetPeerMaterial called on paired pool %s", p.Prefix)
	}
	if peer != rootPeer {
		if p.Root == nil {
			return nil, nil, &model.MissingKeyMaterial{Prefix: p.Prefix, Scope: rootPeer}
		}
		pub := Keypair{Public: p.Root.Public}
		return nil, &pub, nil
	}
	if !private {
		return nil, nil, fmt.Errorf("keys: GetPeerMaterial(root, private=false) is meaningless")
	}
	if p.Root == nil {
		return nil, nil, &model.MissingKeyMaterial{Prefix: p.Prefix, Scope: rootPeer}
	}
	psks := map[string]PSK{}
	for scope, e := range p.Entries {
		if !e.Dropped {
			psks[scope] = e.PSK
		}
	}
	root := *p.Root
	return psks, &root, nil
}

// ActiveScopes returns the non-dropped entry scopes, sorted, for
// deterministic iteration in tests and rendering.
func (p *Pool) ActiveScopes() []string {
	out := make([]string, 0, len(p.Entries))
	for scope, e := range p.Entries {
		if !e.Dropped {
			out = append(out, scope)
		}
	}
	sort.Strings(out)
	return out
}
