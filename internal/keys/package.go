package keys

// CellPackage is the key material one cell's agent needs to configure its
// side of every tunnel it participates in: the root pool's public key plus
// this cell's own root entry, every backbone pool entry naming this cell,
// and (if the cell has particles enabled) its particles pool.
type CellPackage struct {
	RootPublic Keypair           `json:"root_public"`
	RootEntry  *Entry            `json:"root_entry,omitempty"`
	Backbone   map[string]*Entry `json:"backbone,omitempty"`
	Particles  map[string]*Entry `json:"particles,omitempty"`
}

// ExportCellPackage slices cellID's key material out of every pool that
// mentions it, for the registry to publish over the backbone transport (or
// bundle into an exported package directory) so the cell's agent can bring
// up its tunnels without ever minting key material itself.
func (ks *KeyStore) ExportCellPackage(cellID string) (*CellPackage, error) {
	rootPool := ks.Pool(PrefixRoot, false)
	_, rootPub, err := rootPool.GetPeerMaterial(cellID, false)
	if err != nil {
		return nil, err
	}
	pkg := &CellPackage{RootPublic: *rootPub}
	if e, ok := rootPool.Entries[cellID]; ok {
		pkg.RootEntry = e
	}

	backbone := ks.Pool(PrefixBackbone, true)
	for scope, e := range backbone.Entries {
		if !mentionsPeer(scope, true, cellID) {
			continue
		}
		if pkg.Backbone == nil {
			pkg.Backbone = map[string]*Entry{}
		}
		pkg.Backbone[scope] = e
	}

	if particles, ok := ks.pools[ks.ParticlesPrefix(cellID)]; ok {
		pkg.Particles = particles.Entries
	}
	return pkg, nil
}

// ImportCellPackage merges pkg into ks, the agent-side counterpart to
// ExportCellPackage: it never mints material, only absorbs what the
// registry already generated for cellID.
func (ks *KeyStore) ImportCellPackage(cellID string, pkg *CellPackage) {
	rootPool := ks.Pool(PrefixRoot, false)
	root := pkg.RootPublic
	rootPool.Root = &root
	if pkg.RootEntry != nil {
		rootPool.Entries[cellID] = pkg.RootEntry
	}

	backbone := ks.Pool(PrefixBackbone, true)
	for scope, e := range pkg.Backbone {
		backbone.Entries[scope] = e
	}

	if len(pkg.Particles) == 0 {
		return
	}
	particles := ks.Pool(ks.ParticlesPrefix(cellID), false)
	for scope, e := range pkg.Particles {
		particles.Entries[scope] = e
	}
}
