// Package registry implements the registry aggregate: the uvn, its cells,
// particles, users, deployment, and key pools, grounded on
// uno/registry/registry.py.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/netip"

	"github.com/google/uuid"

	"github.com/uvnmesh/uvn/internal/keys"
	"github.com/uvnmesh/uvn/internal/model"
	"github.com/uvnmesh/uvn/internal/planner"
	"github.com/uvnmesh/uvn/internal/store"
	"github.com/uvnmesh/uvn/internal/transport"
)

// Registry owns one uvn's full object graph and key pools.
type Registry struct {
	st   *store.Store
	keys *keys.KeyStore
	uvn  *model.Uvn
	tr   transport.Transport
}

// newConfigID mints a fresh, globally-unique config id every uvn/cell/particle
// must converge on after a redeploy or rekey.
func newConfigID() string {
	return uuid.NewString()
}

// Create initializes a fresh registry: a store rooted at dir, the owner
// user, and the uvn row carrying the initial config_id.
func Create(dir, name, ownerEmail, ownerPassword string, settings model.UvnSettings) (*Registry, error) {
	st, err := store.Open(dir)
	if err != nil {
		return nil, fmt.Errorf("registry: create: %w", err)
	}
	owner := &model.User{Email: ownerEmail, Name: ownerEmail, Realm: name, PasswordDigest: hashPassword(ownerPassword)}
	st.New(owner)

	uvn := &model.Uvn{Name: name, OwnerID: owner.ID, Settings: settings, ConfigID: newConfigID()}
	st.New(uvn)

	if err := st.SaveAll(owner, uvn); err != nil {
		return nil, fmt.Errorf("registry: create: %w", err)
	}
	return &Registry{st: st, keys: keys.NewKeyStore(), uvn: uvn}, nil
}

// Open loads an existing registry from dir.
func Open(dir string) (*Registry, error) {
	st, err := store.Open(dir)
	if err != nil {
		return nil, fmt.Errorf("registry: open: %w", err)
	}
	uvns, err := store.LoadAll[model.Uvn](st, "uvn")
	if err != nil {
		return nil, err
	}
	if len(uvns) != 1 {
		return nil, fmt.Errorf("registry: expected exactly one uvn row, found %d", len(uvns))
	}
	ks, err := keys.Load(st.Root())
	if err != nil {
		return nil, fmt.Errorf("registry: open: %w", err)
	}
	return &Registry{st: st, keys: ks, uvn: uvns[0]}, nil
}

func hashPassword(pw string) string {
	sum := sha256.Sum256([]byte(pw))
	return hex.EncodeToString(sum[:])
}

func (r *Registry) Uvn() *model.Uvn     { return r.uvn }
func (r *Registry) Store() *store.Store { return r.st }

// SetTransport wires a live transport into the registry, enabling Generate
// and Redeploy to publish each live cell's current key package over the
// backbone topic. A registry with no transport set (e.g. every uvnctl
// subcommand except generate/redeploy) simply skips publishing.
func (r *Registry) SetTransport(tr transport.Transport) { r.tr = tr }

// saveKeys flushes the in-memory key pools to disk, called after every
// operation that mutates them so key material generated by one uvnctl
// invocation survives into the next (each subcommand re-opens the registry
// from scratch).
func (r *Registry) saveKeys() error {
	return r.keys.Save(r.st.Root())
}

// publishCellPackages publishes every live cell's current key package over
// the backbone topic, the live-transport counterpart to ExportCellPackage.
// Best-effort per cell: a cell with no root key yet (never asserted by
// Generate) is skipped rather than failing the whole pass.
func (r *Registry) publishCellPackages() error {
	if r.tr == nil {
		return nil
	}
	cells, err := r.cells()
	if err != nil {
		return err
	}
	for _, c := range cells {
		if c.Excluded {
			continue
		}
		pkg, err := r.keys.ExportCellPackage(c.ID)
		if err != nil {
			continue
		}
		raw, err := json.Marshal(pkg)
		if err != nil {
			return fmt.Errorf("registry: marshal key package for %s: %w", c.ID, err)
		}
		w, err := r.tr.BackboneWriter(r.uvn.Name, c.ID)
		if err != nil {
			return fmt.Errorf("registry: backbone writer for %s: %w", c.ID, err)
		}
		sample := transport.BackboneSample{Uvn: r.uvn.Name, CellID: c.ID, ConfigID: r.uvn.ConfigID, Package: raw}
		writeErr := w.Write(context.Background(), sample)
		_ = w.Close()
		if writeErr != nil {
			return fmt.Errorf("registry: publish key package for %s: %w", c.ID, writeErr)
		}
	}
	return nil
}

func (r *Registry) cells() ([]*model.Cell, error) {
	return store.LoadWhere[model.Cell](r.st, "cell", func(c *model.Cell) bool { return c.UvnID == r.uvn.ID })
}

func (r *Registry) particles() ([]*model.Particle, error) {
	return store.LoadWhere[model.Particle](r.st, "particle", func(p *model.Particle) bool { return p.UvnID == r.uvn.ID })
}

// AddCell inserts a new cell after checking its allowed LANs don't clash with
// any existing non-excluded cell's LANs.
func (r *Registry) AddCell(ownerID, name, address string, allowedLans []netip.Prefix, httpPort int, enableParticlesVPN bool) (*model.Cell, error) {
	existing, err := r.cells()
	if err != nil {
		return nil, err
	}
	if err := checkClashes(existing, "", allowedLans); err != nil {
		return nil, err
	}
	c := &model.Cell{
		UvnID: r.uvn.ID, OwnerID: ownerID, Name: name, Address: address,
		AllowedLans: allowedLans, HTTPPort: httpPort, EnableParticlesVPN: enableParticlesVPN,
	}
	r.st.New(c)
	if err := r.st.Save(c); err != nil {
		return nil, err
	}
	r.uvn.DeploymentDirty = true
	r.uvn.MarkDirty()
	return c, r.st.Save(r.uvn)
}

// UpdateCell applies the supplied non-nil fields and marks the deployment
// dirty iff the address or LAN set changed.
func (r *Registry) UpdateCell(cellID string, address *string, allowedLans []netip.Prefix) (*model.Cell, error) {
	c, err := store.Load[model.Cell](r.st, "cell", cellID)
	if err != nil {
		return nil, err
	}
	changed := false
	if address != nil && *address != c.Address {
		c.Address = *address
		changed = true
	}
	if allowedLans != nil {
		existing, err := r.cells()
		if err != nil {
			return nil, err
		}
		if err := checkClashes(existing, cellID, allowedLans); err != nil {
			return nil, err
		}
		c.AllowedLans = allowedLans
		changed = true
	}
	if changed {
		c.MarkDirty()
		if err := r.st.Save(c); err != nil {
			return nil, err
		}
		r.uvn.DeploymentDirty = true
		r.uvn.MarkDirty()
		if err := r.st.Save(r.uvn); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (r *Registry) DeleteCell(cellID string) error {
	c, err := store.Load[model.Cell](r.st, "cell", cellID)
	if err != nil {
		return err
	}
	if c.OwnerID == "" {
		return fmt.Errorf("registry: cell %s has no owner", cellID)
	}
	if err := r.st.Delete(c); err != nil {
		return err
	}
	r.keys.Pool(keys.PrefixBackbone, true).PurgePeer(cellID, false)
	if err := r.saveKeys(); err != nil {
		return err
	}
	r.uvn.DeploymentDirty = true
	r.uvn.MarkDirty()
	return r.st.Save(r.uvn)
}

func checkClashes(existing []*model.Cell, skipCellID string, lans []netip.Prefix) error {
	clashes := map[string][]model.NetworkClaim{}
	for _, l := range lans {
		for _, c := range existing {
			if c.Excluded || c.ID == skipCellID {
				continue
			}
			for _, other := range c.AllowedLans {
				if l.Overlaps(other) {
					clashes[l.String()] = append(clashes[l.String()], model.NetworkClaim{CellID: c.ID, Network: other.String()})
				}
			}
		}
	}
	if len(clashes) > 0 {
		return &model.ClashingNetworks{Clashes: clashes}
	}
	return nil
}

// AddParticle inserts a new particle; particles never affect the deployment.
func (r *Registry) AddParticle(ownerID, name string) (*model.Particle, error) {
	p := &model.Particle{UvnID: r.uvn.ID, OwnerID: ownerID, Name: name}
	r.st.New(p)
	return p, r.st.Save(p)
}

func (r *Registry) UpdateParticle(particleID string, name *string) (*model.Particle, error) {
	p, err := store.Load[model.Particle](r.st, "particle", particleID)
	if err != nil {
		return nil, err
	}
	if name != nil {
		p.Name = *name
		p.MarkDirty()
		if err := r.st.Save(p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (r *Registry) DeleteParticle(particleID string) error {
	p, err := store.Load[model.Particle](r.st, "particle", particleID)
	if err != nil {
		return err
	}
	if err := r.st.Delete(p); err != nil {
		return err
	}
	for _, cell := range mustCells(r) {
		r.keys.Pool(r.keys.ParticlesPrefix(cell.ID), false).PurgePeer(particleID, false)
	}
	return r.saveKeys()
}

func mustCells(r *Registry) []*model.Cell {
	cells, _ := r.cells()
	return cells
}

// AddUser inserts a new user.
func (r *Registry) AddUser(email, name, password string) (*model.User, error) {
	u := &model.User{Email: email, Name: name, Realm: r.uvn.Name, PasswordDigest: hashPassword(password)}
	r.st.New(u)
	return u, r.st.Save(u)
}

// DeleteUser reassigns any owned cells/particles to the uvn owner before
// deleting the user row.
func (r *Registry) DeleteUser(userID string) error {
	u, err := store.Load[model.User](r.st, "user", userID)
	if err != nil {
		return err
	}
	if u.ID == r.uvn.OwnerID {
		return fmt.Errorf("registry: cannot delete the uvn owner")
	}
	for _, cellID := range u.OwnedCells {
		c, err := store.Load[model.Cell](r.st, "cell", cellID)
		if err != nil {
			continue
		}
		c.OwnerID = r.uvn.OwnerID
		c.MarkDirty()
		if err := r.st.Save(c); err != nil {
			return err
		}
	}
	for _, pID := range u.OwnedParticles {
		p, err := store.Load[model.Particle](r.st, "particle", pID)
		if err != nil {
			continue
		}
		p.OwnerID = r.uvn.OwnerID
		p.MarkDirty()
		if err := r.st.Save(p); err != nil {
			return err
		}
	}
	return r.st.Delete(u)
}

// Ban sets the excluded flag on a cell, particle, or user, cascading to a
// banned user's owned cells/particles. A uvn owner can never be banned.
func (r *Registry) Ban(targetTable, targetID string, banned bool) error {
	switch targetTable {
	case "cell":
		c, err := store.Load[model.Cell](r.st, "cell", targetID)
		if err != nil {
			return err
		}
		c.Excluded = banned
		c.MarkDirty()
		if banned {
			r.uvn.DeploymentDirty = true
			r.uvn.MarkDirty()
		}
		return r.st.SaveAll(c, r.uvn)
	case "particle":
		p, err := store.Load[model.Particle](r.st, "particle", targetID)
		if err != nil {
			return err
		}
		p.Excluded = banned
		p.MarkDirty()
		return r.st.Save(p)
	case "user":
		if targetID == r.uvn.OwnerID && banned {
			return fmt.Errorf("registry: the uvn owner cannot be banned")
		}
		u, err := store.Load[model.User](r.st, "user", targetID)
		if err != nil {
			return err
		}
		u.Excluded = banned
		u.MarkDirty()
		if err := r.st.Save(u); err != nil {
			return err
		}
		for _, cellID := range u.OwnedCells {
			if err := r.Ban("cell", cellID, banned); err != nil {
				return err
			}
		}
		for _, pID := range u.OwnedParticles {
			if err := r.Ban("particle", pID, banned); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("registry: ban: unknown target table %q", targetTable)
	}
}

// Redeploy runs the planner over the current non-excluded, non-relay cell
// set and, on success, writes the deployment and clears DeploymentDirty.
func (r *Registry) Redeploy(dropKeys bool) error {
	cells, err := r.cells()
	if err != nil {
		return err
	}
	var in planner.Input
	in.BackboneParent = r.uvn.Settings.Backbone.Subnet
	in.PortBase = r.uvn.Settings.Backbone.PortBase
	in.Strategy = r.uvn.Settings.Strategy
	in.Args = r.uvn.Settings.StrategyArgs
	for _, c := range cells {
		if c.Excluded || c.IsRelay() {
			continue
		}
		if c.IsPrivate() {
			in.PrivateCells = append(in.PrivateCells, c.ID)
		} else {
			in.PublicCells = append(in.PublicCells, c.ID)
		}
	}
	dep, err := planner.Plan(in)
	if err != nil {
		return fmt.Errorf("registry: redeploy: %w", err)
	}
	dep.UvnID = r.uvn.ID
	r.st.New(dep)
	if err := r.st.Save(dep); err != nil {
		return err
	}
	if dropKeys {
		r.keys.Pool(keys.PrefixBackbone, true).DropKeys(false)
		if err := r.saveKeys(); err != nil {
			return err
		}
	}
	r.uvn.DeploymentDirty = false
	r.uvn.MarkDirty()
	if err := r.st.Save(r.uvn); err != nil {
		return err
	}
	return r.publishCellPackages()
}

// Generate is the idempotent maintenance action: purge stale keys, redeploy
// if dirty, assert keys for every live identity, save. Returns whether
// anything changed.
func (r *Registry) Generate() (bool, error) {
	changed := false

	cells, err := r.cells()
	if err != nil {
		return false, err
	}
	particles, err := r.particles()
	if err != nil {
		return false, err
	}

	backbone := r.keys.Pool(keys.PrefixBackbone, true)
	liveCells := map[string]bool{}
	for _, c := range cells {
		if !c.Excluded {
			liveCells[c.ID] = true
		}
	}
	if backbone.PurgeExcept(liveCells) > 0 {
		changed = true
	}

	if r.uvn.DeploymentDirty {
		if err := r.Redeploy(false); err != nil {
			return false, err
		}
		changed = true
	}

	rootPool := r.keys.Pool(keys.PrefixRoot, false)
	for _, c := range cells {
		if c.Excluded {
			continue
		}
		prev := rootPool.Entries[c.ID]
		e, err := rootPool.AssertPeer(c.ID)
		if err != nil {
			return false, err
		}
		if e != prev {
			changed = true
		}
	}

	dep, err := r.currentDeployment()
	if err == nil && dep != nil {
		known := map[*keys.Entry]bool{}
		for _, e := range backbone.Entries {
			known[e] = true
		}
		for cellID, links := range dep.Peers {
			for _, l := range links {
				e, err := backbone.AssertPair(cellID, l.PeerCellID)
				if err != nil {
					return false, err
				}
				if !known[e] {
					changed = true
				}
			}
		}
	}

	for _, c := range cells {
		if c.Excluded || !c.EnableParticlesVPN {
			continue
		}
		pool := r.keys.Pool(r.keys.ParticlesPrefix(c.ID), false)
		for _, p := range particles {
			if p.Excluded {
				continue
			}
			prev := pool.Entries[p.ID]
			e, err := pool.AssertPeer(p.ID)
			if err != nil {
				return false, err
			}
			if e != prev {
				changed = true
			}
		}
	}

	if err := r.saveKeys(); err != nil {
		return false, err
	}

	r.uvn.MarkDirty()
	if err := r.st.Save(r.uvn); err != nil {
		return false, err
	}
	if err := r.publishCellPackages(); err != nil {
		return false, err
	}
	return changed, nil
}

func (r *Registry) currentDeployment() (*model.Deployment, error) {
	deps, err := store.LoadWhere[model.Deployment](r.st, "deployment", func(d *model.Deployment) bool { return d.UvnID == r.uvn.ID })
	if err != nil {
		return nil, err
	}
	if len(deps) == 0 {
		return nil, fmt.Errorf("registry: no deployment yet")
	}
	return deps[len(deps)-1], nil
}

// RekeyUvn drops the root VPN keys, starting a rekey convergence window: the
// old config_id is retained until every cell has converged on the new one.
func (r *Registry) RekeyUvn() error {
	r.keys.Pool(keys.PrefixRoot, false).DropKeys(false)
	if err := r.saveKeys(); err != nil {
		return err
	}
	r.uvn.OldConfigID = r.uvn.ConfigID
	r.uvn.ConfigID = newConfigID()
	r.uvn.RekeyedRoot = true
	cells, err := r.cells()
	if err != nil {
		return err
	}
	r.uvn.RekeyedCellIDs = r.uvn.RekeyedCellIDs[:0]
	for _, c := range cells {
		if !c.Excluded {
			r.uvn.RekeyedCellIDs = append(r.uvn.RekeyedCellIDs, c.ID)
		}
	}
	r.uvn.MarkDirty()
	return r.st.Save(r.uvn)
}

func (r *Registry) RekeyCell(cellID string) error {
	r.keys.Pool(keys.PrefixBackbone, true).PurgePeer(cellID, false)
	if err := r.saveKeys(); err != nil {
		return err
	}
	r.uvn.RekeyedCellIDs = append(r.uvn.RekeyedCellIDs, cellID)
	r.uvn.MarkDirty()
	return r.st.Save(r.uvn)
}

func (r *Registry) RekeyParticle(particleID string) error {
	cells, err := r.cells()
	if err != nil {
		return err
	}
	for _, c := range cells {
		r.keys.Pool(r.keys.ParticlesPrefix(c.ID), false).PurgePeer(particleID, false)
	}
	if err := r.saveKeys(); err != nil {
		return err
	}
	r.uvn.RekeyedParticleIDs = append(r.uvn.RekeyedParticleIDs, particleID)
	r.uvn.MarkDirty()
	return r.st.Save(r.uvn)
}

// DropRekeyed is called once every rekeyed cell has transitioned offline
// under the old config_id and online under the new one: it discards the old
// key material and clears the convergence bookkeeping.
func (r *Registry) DropRekeyed() error {
	r.keys.Pool(keys.PrefixRoot, false).CleanDroppedKeys()
	r.keys.Pool(keys.PrefixBackbone, true).CleanDroppedKeys()
	if err := r.saveKeys(); err != nil {
		return err
	}
	r.uvn.OldConfigID = ""
	r.uvn.RekeyedRoot = false
	r.uvn.RekeyedCellIDs = nil
	r.uvn.RekeyedParticleIDs = nil
	r.uvn.MarkDirty()
	return r.st.Save(r.uvn)
}

// ConvergenceSatisfied reports whether every rekeyed cell id is present in
// offlineUnderOld, the trigger condition for calling DropRekeyed.
func (r *Registry) ConvergenceSatisfied(offlineUnderOld map[string]bool) bool {
	if len(r.uvn.RekeyedCellIDs) == 0 {
		return false
	}
	for _, id := range r.uvn.RekeyedCellIDs {
		if !offlineUnderOld[id] {
			return false
		}
	}
	return true
}

// GetLicense returns the opaque RTI license resource, if one was set.
func (r *Registry) GetLicense() ([]byte, bool) {
	if r.uvn.LicenseData == nil {
		return nil, false
	}
	return r.uvn.LicenseData, true
}

func (r *Registry) SetLicense(data []byte) error {
	r.uvn.LicenseData = data
	r.uvn.MarkDirty()
	return r.st.Save(r.uvn)
}

// ExportCellPackage slices this registry's database into a per-cell package
// directory: the uvn, cell, particle rows and the deployment (as store table
// files), plus the cell's own key material (for keys.Load).
func (r *Registry) ExportCellPackage(cellID, targetDir string) error {
	if err := r.st.ExportTables(targetDir, map[string][]string{
		"uvn":        {r.uvn.ID},
		"cell":       nil,
		"particle":   nil,
		"deployment": nil,
	}); err != nil {
		return err
	}
	cellKeys := keys.NewKeyStore()
	pkg, err := r.keys.ExportCellPackage(cellID)
	if err != nil {
		return fmt.Errorf("registry: export key package for %s: %w", cellID, err)
	}
	cellKeys.ImportCellPackage(cellID, pkg)
	return cellKeys.Save(targetDir)
}
