package registry_test

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/uvnmesh/uvn/internal/keys"
	"github.com/uvnmesh/uvn/internal/model"
	"github.com/uvnmesh/uvn/internal/registry"
	"github.com/uvnmesh/uvn/internal/store"
	"github.com/uvnmesh/uvn/internal/transport"
	"github.com/uvnmesh/uvn/internal/transport/memtransport"
)

func testSettings() model.UvnSettings {
	return model.UvnSettings{
		Timing:   model.DefaultTimingProfile(),
		Backbone: model.VpnParams{Subnet: netip.MustParsePrefix("10.1.0.0/24"), PortBase: 30000},
		Strategy: model.StrategyFullMesh,
	}
}

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	r, err := registry.Create(t.TempDir(), "uvn-1", "owner@example.com", "hunter2", testSettings())
	require.NoError(t, err)
	return r
}

func TestCreate_SeedsOwnerAndUvn(t *testing.T) {
	r := newTestRegistry(t)
	require.Equal(t, "uvn-1", r.Uvn().Name)
	require.NotEmpty(t, r.Uvn().OwnerID)
	require.NotEmpty(t, r.Uvn().ConfigID)
	require.False(t, r.Uvn().Dirty())
}

func TestOpen_ReloadsAPreviouslyCreatedRegistry(t *testing.T) {
	dir := t.TempDir()
	r, err := registry.Create(dir, "uvn-1", "owner@example.com", "hunter2", testSettings())
	require.NoError(t, err)
	wantID := r.Uvn().ID

	reopened, err := registry.Open(dir)
	require.NoError(t, err)
	require.Equal(t, wantID, reopened.Uvn().ID)
	require.Equal(t, "uvn-1", reopened.Uvn().Name)
}

func TestAddCell_MarksDeploymentDirty(t *testing.T) {
	r := newTestRegistry(t)
	r.Uvn().ClearDirty()
	r.Uvn().DeploymentDirty = false

	c, err := r.AddCell(r.Uvn().OwnerID, "cell-a", "1.2.3.4", nil, 8080, false)
	require.NoError(t, err)
	require.NotEmpty(t, c.ID)
	require.True(t, r.Uvn().DeploymentDirty)
}

func TestAddCell_RejectsClashingLans(t *testing.T) {
	r := newTestRegistry(t)
	lan := netip.MustParsePrefix("192.168.1.0/24")
	_, err := r.AddCell(r.Uvn().OwnerID, "cell-a", "1.2.3.4", []netip.Prefix{lan}, 8080, false)
	require.NoError(t, err)

	_, err = r.AddCell(r.Uvn().OwnerID, "cell-b", "5.6.7.8", []netip.Prefix{lan}, 8080, false)
	require.Error(t, err)
	var clash *model.ClashingNetworks
	require.ErrorAs(t, err, &clash)
}

func TestAddCell_ExcludedCellsDoNotClash(t *testing.T) {
	r := newTestRegistry(t)
	lan := netip.MustParsePrefix("192.168.1.0/24")
	c, err := r.AddCell(r.Uvn().OwnerID, "cell-a", "1.2.3.4", []netip.Prefix{lan}, 8080, false)
	require.NoError(t, err)
	require.NoError(t, r.Ban("cell", c.ID, true))

	_, err = r.AddCell(r.Uvn().OwnerID, "cell-b", "5.6.7.8", []netip.Prefix{lan}, 8080, false)
	require.NoError(t, err)
}

func TestUpdateCell_AddressChangeMarksDeploymentDirty(t *testing.T) {
	r := newTestRegistry(t)
	c, err := r.AddCell(r.Uvn().OwnerID, "cell-a", "1.2.3.4", nil, 8080, false)
	require.NoError(t, err)
	r.Uvn().DeploymentDirty = false
	r.Uvn().ClearDirty()

	newAddr := "9.9.9.9"
	updated, err := r.UpdateCell(c.ID, &newAddr, nil)
	require.NoError(t, err)
	require.Equal(t, "9.9.9.9", updated.Address)
	require.True(t, r.Uvn().DeploymentDirty)
}

func TestUpdateCell_NoChangeLeavesDeploymentClean(t *testing.T) {
	r := newTestRegistry(t)
	c, err := r.AddCell(r.Uvn().OwnerID, "cell-a", "1.2.3.4", nil, 8080, false)
	require.NoError(t, err)
	r.Uvn().DeploymentDirty = false
	r.Uvn().ClearDirty()

	sameAddr := "1.2.3.4"
	_, err = r.UpdateCell(c.ID, &sameAddr, nil)
	require.NoError(t, err)
	require.False(t, r.Uvn().DeploymentDirty)
}

func TestUpdateCell_RejectsClashingLanAgainstOtherCells(t *testing.T) {
	r := newTestRegistry(t)
	lan := netip.MustParsePrefix("192.168.1.0/24")
	_, err := r.AddCell(r.Uvn().OwnerID, "cell-a", "1.2.3.4", []netip.Prefix{lan}, 8080, false)
	require.NoError(t, err)
	cb, err := r.AddCell(r.Uvn().OwnerID, "cell-b", "5.6.7.8", nil, 8080, false)
	require.NoError(t, err)

	_, err = r.UpdateCell(cb.ID, nil, []netip.Prefix{lan})
	require.Error(t, err)
}

func TestUpdateCell_AllowsReassertingItsOwnLan(t *testing.T) {
	r := newTestRegistry(t)
	lan := netip.MustParsePrefix("192.168.1.0/24")
	c, err := r.AddCell(r.Uvn().OwnerID, "cell-a", "1.2.3.4", []netip.Prefix{lan}, 8080, false)
	require.NoError(t, err)

	_, err = r.UpdateCell(c.ID, nil, []netip.Prefix{lan})
	require.NoError(t, err)
}

func TestDeleteCell_RejectsOwnerlessCell(t *testing.T) {
	r := newTestRegistry(t)
	c, err := r.AddCell(r.Uvn().OwnerID, "cell-a", "1.2.3.4", nil, 8080, false)
	require.NoError(t, err)
	c.OwnerID = ""

	err = r.DeleteCell(c.ID)
	require.Error(t, err)
}

func TestDeleteCell_RemovesRowAndMarksDeploymentDirty(t *testing.T) {
	r := newTestRegistry(t)
	c, err := r.AddCell(r.Uvn().OwnerID, "cell-a", "1.2.3.4", nil, 8080, false)
	require.NoError(t, err)
	r.Uvn().DeploymentDirty = false

	require.NoError(t, r.DeleteCell(c.ID))
	require.True(t, r.Uvn().DeploymentDirty)

	_, err = r.UpdateCell(c.ID, nil, nil)
	require.Error(t, err)
}

func TestAddParticle_NeverDirtiesDeployment(t *testing.T) {
	r := newTestRegistry(t)
	r.Uvn().DeploymentDirty = false

	p, err := r.AddParticle(r.Uvn().OwnerID, "laptop")
	require.NoError(t, err)
	require.NotEmpty(t, p.ID)
	require.False(t, r.Uvn().DeploymentDirty)
}

func TestUpdateParticle_RenamesWhenRequested(t *testing.T) {
	r := newTestRegistry(t)
	p, err := r.AddParticle(r.Uvn().OwnerID, "laptop")
	require.NoError(t, err)

	newName := "phone"
	updated, err := r.UpdateParticle(p.ID, &newName)
	require.NoError(t, err)
	require.Equal(t, "phone", updated.Name)
}

func TestUpdateParticle_NilNameLeavesUnchanged(t *testing.T) {
	r := newTestRegistry(t)
	p, err := r.AddParticle(r.Uvn().OwnerID, "laptop")
	require.NoError(t, err)

	updated, err := r.UpdateParticle(p.ID, nil)
	require.NoError(t, err)
	require.Equal(t, "laptop", updated.Name)
}

func TestDeleteParticle_RemovesRow(t *testing.T) {
	r := newTestRegistry(t)
	p, err := r.AddParticle(r.Uvn().OwnerID, "laptop")
	require.NoError(t, err)

	require.NoError(t, r.DeleteParticle(p.ID))
	_, err = r.UpdateParticle(p.ID, nil)
	require.Error(t, err)
}

func TestAddUser_CreatesRowWithUvnRealm(t *testing.T) {
	r := newTestRegistry(t)
	u, err := r.AddUser("alice@example.com", "alice", "pw")
	require.NoError(t, err)
	require.Equal(t, "uvn-1", u.Realm)
	require.NotEqual(t, "pw", u.PasswordDigest)
}

func TestDeleteUser_RejectsTheUvnOwner(t *testing.T) {
	r := newTestRegistry(t)
	err := r.DeleteUser(r.Uvn().OwnerID)
	require.Error(t, err)
}

func TestDeleteUser_ReassignsOwnedCellsAndParticlesToUvnOwner(t *testing.T) {
	r := newTestRegistry(t)
	u, err := r.AddUser("alice@example.com", "alice", "pw")
	require.NoError(t, err)

	c, err := r.AddCell(u.ID, "cell-a", "1.2.3.4", nil, 8080, false)
	require.NoError(t, err)
	p, err := r.AddParticle(u.ID, "laptop")
	require.NoError(t, err)
	u.OwnedCells = []string{c.ID}
	u.OwnedParticles = []string{p.ID}

	require.NoError(t, r.DeleteUser(u.ID))

	reloadedCell, err := r.UpdateCell(c.ID, nil, nil)
	require.NoError(t, err)
	require.Equal(t, r.Uvn().OwnerID, reloadedCell.OwnerID)

	reloadedParticle, err := r.UpdateParticle(p.ID, nil)
	require.NoError(t, err)
	require.Equal(t, r.Uvn().OwnerID, reloadedParticle.OwnerID)
}

func TestBan_CellSetsExcludedAndDirtiesDeploymentOnlyWhenBanning(t *testing.T) {
	r := newTestRegistry(t)
	c, err := r.AddCell(r.Uvn().OwnerID, "cell-a", "1.2.3.4", nil, 8080, false)
	require.NoError(t, err)
	r.Uvn().DeploymentDirty = false

	require.NoError(t, r.Ban("cell", c.ID, true))
	require.True(t, r.Uvn().DeploymentDirty)

	r.Uvn().DeploymentDirty = false
	require.NoError(t, r.Ban("cell", c.ID, false))
	require.False(t, r.Uvn().DeploymentDirty)
}

func TestBan_ParticleNeverDirtiesDeployment(t *testing.T) {
	r := newTestRegistry(t)
	p, err := r.AddParticle(r.Uvn().OwnerID, "laptop")
	require.NoError(t, err)
	r.Uvn().DeploymentDirty = false

	require.NoError(t, r.Ban("particle", p.ID, true))
	require.False(t, r.Uvn().DeploymentDirty)
}

func TestBan_RejectsBanningTheUvnOwner(t *testing.T) {
	r := newTestRegistry(t)
	err := r.Ban("user", r.Uvn().OwnerID, true)
	require.Error(t, err)
}

func TestBan_UserCascadesToOwnedCellsAndParticles(t *testing.T) {
	r := newTestRegistry(t)
	u, err := r.AddUser("alice@example.com", "alice", "pw")
	require.NoError(t, err)
	c, err := r.AddCell(u.ID, "cell-a", "1.2.3.4", nil, 8080, false)
	require.NoError(t, err)
	p, err := r.AddParticle(u.ID, "laptop")
	require.NoError(t, err)
	u.OwnedCells = []string{c.ID}
	u.OwnedParticles = []string{p.ID}

	require.NoError(t, r.Ban("user", u.ID, true))

	reloadedCell, err := r.UpdateCell(c.ID, nil, nil)
	require.NoError(t, err)
	require.True(t, reloadedCell.Excluded)

	reloadedParticle, err := r.UpdateParticle(p.ID, nil)
	require.NoError(t, err)
	require.True(t, reloadedParticle.Excluded)
}

func TestBan_UnknownTargetTableErrors(t *testing.T) {
	r := newTestRegistry(t)
	err := r.Ban("widget", "widget-1", true)
	require.Error(t, err)
}

func TestRedeploy_PlansBackboneLinksAndClearsDeploymentDirty(t *testing.T) {
	r := newTestRegistry(t)
	lanA := []netip.Prefix{netip.MustParsePrefix("10.50.0.0/24")}
	lanB := []netip.Prefix{netip.MustParsePrefix("10.51.0.0/24")}
	a, err := r.AddCell(r.Uvn().OwnerID, "cell-a", "1.2.3.4", lanA, 8080, false)
	require.NoError(t, err)
	b, err := r.AddCell(r.Uvn().OwnerID, "cell-b", "5.6.7.8", lanB, 8080, false)
	require.NoError(t, err)
	require.True(t, r.Uvn().DeploymentDirty)

	require.NoError(t, r.Redeploy(false))
	require.False(t, r.Uvn().DeploymentDirty)

	deps, err := store.LoadWhere[model.Deployment](r.Store(), "deployment", func(d *model.Deployment) bool { return d.UvnID == r.Uvn().ID })
	require.NoError(t, err)
	require.Len(t, deps, 1)
	require.Equal(t, []string{b.ID}, deps[0].Interfaces(a.ID))
}

func TestRedeploy_ExcludesBannedAndRelayCells(t *testing.T) {
	r := newTestRegistry(t)
	lan := []netip.Prefix{netip.MustParsePrefix("10.50.0.0/24")}
	a, err := r.AddCell(r.Uvn().OwnerID, "cell-a", "1.2.3.4", lan, 8080, false)
	require.NoError(t, err)
	// cell-b has no allowed LANs, making it a relay; it should never receive
	// a backbone link either.
	_, err = r.AddCell(r.Uvn().OwnerID, "cell-b", "5.6.7.8", nil, 8080, false)
	require.NoError(t, err)
	require.NoError(t, r.Ban("cell", a.ID, true))

	require.NoError(t, r.Redeploy(false))

	deps, err := store.LoadWhere[model.Deployment](r.Store(), "deployment", func(d *model.Deployment) bool { return d.UvnID == r.Uvn().ID })
	require.NoError(t, err)
	require.Len(t, deps, 1)
	require.Empty(t, deps[0].Peers)
}

func TestGenerate_IsIdempotentOnASettledRegistry(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.AddCell(r.Uvn().OwnerID, "cell-a", "1.2.3.4", nil, 8080, false)
	require.NoError(t, err)
	_, err = r.AddCell(r.Uvn().OwnerID, "cell-b", "5.6.7.8", nil, 8080, false)
	require.NoError(t, err)

	changed, err := r.Generate()
	require.NoError(t, err)
	require.True(t, changed, "first generate should redeploy the dirty deployment")

	changed, err = r.Generate()
	require.NoError(t, err)
	require.False(t, changed, "second generate against a settled registry should be a no-op")
}

func TestGenerate_ReportsChangeAfterExcludingACell(t *testing.T) {
	r := newTestRegistry(t)
	a, err := r.AddCell(r.Uvn().OwnerID, "cell-a", "1.2.3.4", nil, 8080, false)
	require.NoError(t, err)
	_, err = r.AddCell(r.Uvn().OwnerID, "cell-b", "5.6.7.8", nil, 8080, false)
	require.NoError(t, err)

	_, err = r.Generate()
	require.NoError(t, err)

	require.NoError(t, r.Ban("cell", a.ID, true))
	changed, err := r.Generate()
	require.NoError(t, err)
	require.True(t, changed, "excluding a cell should make the next generate report a change")
}

func TestGenerate_PublishesKeyPackageOverBackboneWhenTransportIsSet(t *testing.T) {
	r := newTestRegistry(t)
	c, err := r.AddCell(r.Uvn().OwnerID, "cell-a", "1.2.3.4", nil, 8080, false)
	require.NoError(t, err)

	broker := memtransport.NewBroker()
	tr := memtransport.New(broker, "registry")
	r.SetTransport(tr)

	reader, err := tr.BackboneReader(r.Uvn().Name, c.ID)
	require.NoError(t, err)
	var got transport.BackboneSample
	reader.OnSample(func(s transport.BackboneSample, _ transport.SampleInfo) { got = s })

	_, err = r.Generate()
	require.NoError(t, err)

	require.Equal(t, c.ID, got.CellID)
	require.NotEmpty(t, got.Package, "generate must publish populated key material for each live cell")
}

func TestConvergenceSatisfied_FalseWithNoRekeyInProgress(t *testing.T) {
	r := newTestRegistry(t)
	require.False(t, r.ConvergenceSatisfied(map[string]bool{}))
}

func TestRekeyUvn_TracksOldConfigIDAndLiveCells(t *testing.T) {
	r := newTestRegistry(t)
	a, err := r.AddCell(r.Uvn().OwnerID, "cell-a", "1.2.3.4", nil, 8080, false)
	require.NoError(t, err)
	b, err := r.AddCell(r.Uvn().OwnerID, "cell-b", "5.6.7.8", nil, 8080, false)
	require.NoError(t, err)
	require.NoError(t, r.Ban("cell", b.ID, true))

	oldID := r.Uvn().ConfigID
	require.NoError(t, r.RekeyUvn())

	require.Equal(t, oldID, r.Uvn().OldConfigID)
	require.NotEqual(t, oldID, r.Uvn().ConfigID)
	require.True(t, r.Uvn().RekeyedRoot)
	require.Equal(t, []string{a.ID}, r.Uvn().RekeyedCellIDs)
}

func TestConvergenceSatisfied_RequiresEveryRekeyedCellOffline(t *testing.T) {
	r := newTestRegistry(t)
	a, err := r.AddCell(r.Uvn().OwnerID, "cell-a", "1.2.3.4", nil, 8080, false)
	require.NoError(t, err)
	b, err := r.AddCell(r.Uvn().OwnerID, "cell-b", "5.6.7.8", nil, 8080, false)
	require.NoError(t, err)
	require.NoError(t, r.RekeyUvn())

	require.False(t, r.ConvergenceSatisfied(map[string]bool{a.ID: true}))
	require.True(t, r.ConvergenceSatisfied(map[string]bool{a.ID: true, b.ID: true}))
}

func TestDropRekeyed_ClearsConvergenceBookkeeping(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.AddCell(r.Uvn().OwnerID, "cell-a", "1.2.3.4", nil, 8080, false)
	require.NoError(t, err)
	require.NoError(t, r.RekeyUvn())

	require.NoError(t, r.DropRekeyed())
	require.Empty(t, r.Uvn().OldConfigID)
	require.False(t, r.Uvn().RekeyedRoot)
	require.Empty(t, r.Uvn().RekeyedCellIDs)
	require.Empty(t, r.Uvn().RekeyedParticleIDs)
}

func TestRekeyCell_AppendsToRekeyedCellIDs(t *testing.T) {
	r := newTestRegistry(t)
	c, err := r.AddCell(r.Uvn().OwnerID, "cell-a", "1.2.3.4", nil, 8080, false)
	require.NoError(t, err)

	require.NoError(t, r.RekeyCell(c.ID))
	require.Equal(t, []string{c.ID}, r.Uvn().RekeyedCellIDs)
}

func TestRekeyParticle_AppendsToRekeyedParticleIDs(t *testing.T) {
	r := newTestRegistry(t)
	p, err := r.AddParticle(r.Uvn().OwnerID, "laptop")
	require.NoError(t, err)

	require.NoError(t, r.RekeyParticle(p.ID))
	require.Equal(t, []string{p.ID}, r.Uvn().RekeyedParticleIDs)
}

func TestGetSetLicense_RoundTrips(t *testing.T) {
	r := newTestRegistry(t)
	_, ok := r.GetLicense()
	require.False(t, ok)

	require.NoError(t, r.SetLicense([]byte("license-bytes")))
	data, ok := r.GetLicense()
	require.True(t, ok)
	require.Equal(t, []byte("license-bytes"), data)
}

func TestExportCellPackage_WritesUvnCellParticleAndDeploymentTables(t *testing.T) {
	r := newTestRegistry(t)
	c, err := r.AddCell(r.Uvn().OwnerID, "cell-a", "1.2.3.4", nil, 8080, false)
	require.NoError(t, err)
	_, err = r.AddParticle(r.Uvn().OwnerID, "laptop")
	require.NoError(t, err)
	_, err = r.Generate()
	require.NoError(t, err)

	target := t.TempDir()
	require.NoError(t, r.ExportCellPackage(c.ID, target))

	exported, err := keys.Load(target)
	require.NoError(t, err)
	root := exported.Pool(keys.PrefixRoot, false)
	require.NotNil(t, root.Root)
	require.Contains(t, root.Entries, c.ID)
}

func TestGenerate_PersistsKeysAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	r, err := registry.Create(dir, "uvn-1", "owner@example.com", "hunter2", testSettings())
	require.NoError(t, err)
	c, err := r.AddCell(r.Uvn().OwnerID, "cell-a", "1.2.3.4", nil, 8080, false)
	require.NoError(t, err)
	_, err = r.Generate()
	require.NoError(t, err)

	reopened, err := registry.Open(dir)
	require.NoError(t, err)
	require.NoError(t, reopened.ExportCellPackage(c.ID, t.TempDir()))
}
