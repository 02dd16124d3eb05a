// Package agent implements the per-cell reconciling orchestrator: the
// Created→Starting→Running↔Reloading→Stopping→Stopped state machine,
// grounded directly on client/doublezerod/internal/manager.NetlinkManager's
// reconcile loop (Provision/Remove/Serve/Close) generalized from a single
// user tunnel into the multi-peer cell orchestrator spec.md §4.5 describes:
// one backbone WireGuard interface per deployment peer plus the root-VPN
// and particles-VPN interfaces.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/uvnmesh/uvn/internal/config"
	"github.com/uvnmesh/uvn/internal/keys"
	"github.com/uvnmesh/uvn/internal/model"
	"github.com/uvnmesh/uvn/internal/peers"
	"github.com/uvnmesh/uvn/internal/prober"
	"github.com/uvnmesh/uvn/internal/routemon"
	"github.com/uvnmesh/uvn/internal/transport"
	"github.com/uvnmesh/uvn/internal/wgtun"
)

// State is one node of the agent's lifecycle state machine.
type State uint8

const (
	StateCreated State = iota
	StateStarting
	StateRunning
	StateReloading
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateReloading:
		return "reloading"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// SpinOutcome is the result-type variant standing in for the teacher's
// exception-based reload control flow, per spec.md §9's design note: a
// single spin step returns Continue, a reload request, or a stop request
// instead of raising and catching AgentReload as an exception.
type SpinOutcome uint8

const (
	SpinContinue SpinOutcome = iota
	SpinReload
	SpinStop
)

// Agent is one cell's running orchestrator instance.
type Agent struct {
	logger *slog.Logger

	uvnName string
	cellID  string
	uvn     *model.Uvn
	cell    *model.Cell

	particleIDs []string
	deployment  *model.Deployment

	keyStore *keys.KeyStore
	tr       transport.Transport
	wg       *wgtun.Manager
	peerList *peers.PeerList
	prober   *prober.Prober
	routemon *routemon.Monitor
	cfg      *config.Config
	pidFile  *PIDFile

	routerConfigPath string

	state       State
	configID    string
	pendingCfg  string
	lastStatsAt time.Time

	cellInfoWriter transport.Writer[transport.CellInfoSample]
	cellInfoReader transport.Reader[transport.CellInfoSample]
	backboneReader transport.Reader[transport.BackboneSample]
}

// Config bundles everything an Agent needs to assemble, collected once at
// construction time since each reload builds a fresh Agent rather than
// mutating a running one in place (per spec.md §4.5's "builds a new
// in-memory agent" reload semantics).
type Config struct {
	Logger           *slog.Logger
	UvnName          string
	CellID           string
	Uvn              *model.Uvn
	Cell             *model.Cell
	ParticleIDs      []string
	Deployment       *model.Deployment
	KeyStore         *keys.KeyStore
	Transport        transport.Transport
	WireGuard        *wgtun.Manager
	PeerList         *peers.PeerList
	Prober           *prober.Prober
	RouteMonitor     *routemon.Monitor
	RuntimeConfig    *config.Config
	PIDFilePath      string
	RouterConfigPath string
}

func New(c Config) *Agent {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		logger:           logger,
		uvnName:          c.UvnName,
		cellID:           c.CellID,
		uvn:              c.Uvn,
		cell:             c.Cell,
		particleIDs:      c.ParticleIDs,
		deployment:       c.Deployment,
		keyStore:         c.KeyStore,
		tr:               c.Transport,
		wg:               c.WireGuard,
		peerList:         c.PeerList,
		prober:           c.Prober,
		routemon:         c.RouteMonitor,
		cfg:              c.RuntimeConfig,
		pidFile:          NewPIDFile(c.PIDFilePath),
		routerConfigPath: c.RouterConfigPath,
		state:            StateCreated,
		configID:         c.Uvn.ConfigID,
	}
}

func (a *Agent) State() State { return a.state }

// Start acquires the PID file, brings up tunnels and routing, opens the
// transport's cell-info writer and cell-info/backbone readers, announces
// initial cell-info, marks the local peer online, and enters Running.
func (a *Agent) Start(ctx context.Context) error {
	if a.state != StateCreated {
		return fmt.Errorf("agent: Start called in state %s", a.state)
	}
	a.state = StateStarting

	if err := a.pidFile.Acquire(); err != nil {
		return fmt.Errorf("agent: %w", err)
	}

	if err := a.bringUpTunnels(); err != nil {
		_ = a.pidFile.Release()
		return fmt.Errorf("agent: tunnel bring-up: %w", err)
	}

	var err error
	a.cellInfoWriter, err = a.tr.CellInfoWriter(a.uvnName, a.cellID)
	if err != nil {
		return fmt.Errorf("agent: cell info writer: %w", err)
	}
	a.cellInfoReader, err = a.tr.CellInfoReader(a.uvnName)
	if err != nil {
		return fmt.Errorf("agent: cell info reader: %w", err)
	}
	a.backboneReader, err = a.tr.BackboneReader(a.uvnName, a.cellID)
	if err != nil {
		return fmt.Errorf("agent: backbone reader: %w", err)
	}
	a.cellInfoReader.OnSample(a.onCellInfoSample)
	a.cellInfoReader.OnLiveness(a.onCellLiveness)
	a.backboneReader.OnSample(a.onBackboneSample)

	if err := a.announceCellInfo(ctx); err != nil {
		return fmt.Errorf("agent: announce cell-info: %w", err)
	}

	online := model.PeerStatusOnline
	a.peerList.UpdatePeer(peers.PeerUpdate{ID: a.cellID, Status: &online, ConfigID: &a.configID})

	a.state = StateRunning
	return nil
}

// announceCellInfo publishes this cell's current status under a.configID.
func (a *Agent) announceCellInfo(ctx context.Context) error {
	sample := transport.CellInfoSample{
		Uvn:       a.uvnName,
		CellID:    a.cellID,
		ConfigID:  a.configID,
		StartedAt: time.Now(),
	}
	return a.cellInfoWriter.Write(ctx, sample)
}

func (a *Agent) onCellInfoSample(sample transport.CellInfoSample, info transport.SampleInfo) {
	if sample.Uvn != a.uvnName {
		a.logger.Warn("agent: cell-info from foreign uvn ignored", "uvn", sample.Uvn)
		return
	}
	if !a.peerList.Get(sample.CellID).Local && a.isUnknownCell(sample.CellID) {
		a.logger.Warn("agent: cell-info from unknown cell ignored", "cell", sample.CellID)
		return
	}
	online := model.PeerStatusOnline
	routed := make([]string, len(sample.RoutedNetworks))
	for i, n := range sample.RoutedNetworks {
		routed[i] = n.String()
	}
	known := make([]string, len(sample.KnownNetworks))
	for i, n := range sample.KnownNetworks {
		known[i] = n.String()
	}
	a.peerList.UpdatePeer(peers.PeerUpdate{
		ID:             sample.CellID,
		Status:         &online,
		ConfigID:       &sample.ConfigID,
		RoutedNetworks: routed,
		KnownNetworks:  known,
	})
	for _, n := range known {
		a.prober.Track(n, time.Now())
	}
	if sample.ConfigID != a.configID {
		a.pendingCfg = sample.ConfigID
	}
}

func (a *Agent) onCellLiveness(info transport.SampleInfo) {
	if info.Alive {
		return
	}
	offline := model.PeerStatusOffline
	a.peerList.UpdatePeer(peers.PeerUpdate{ID: info.WriterKey, Status: &offline})
}

// onBackboneSample absorbs the registry's latest key package for this cell
// (a rekey or a routine Generate republish) into the live KeyStore, then
// requests a reload if the sample carries a config id this agent hasn't
// converged on yet. Loading the material here, rather than only at the next
// buildAgent, lets the running agent serve the new material immediately
// once the reload completes.
func (a *Agent) onBackboneSample(sample transport.BackboneSample, info transport.SampleInfo) {
	if sample.Uvn != a.uvnName || sample.CellID != a.cellID {
		return
	}
	if len(sample.Package) > 0 {
		var pkg keys.CellPackage
		if err := json.Unmarshal(sample.Package, &pkg); err != nil {
			a.logger.Warn("agent: discarding malformed key package", "error", err)
		} else {
			a.keyStore.ImportCellPackage(a.cellID, &pkg)
		}
	}
	if sample.ConfigID != a.configID {
		a.pendingCfg = sample.ConfigID
	}
}

func (a *Agent) isUnknownCell(id string) bool {
	for _, ex := range a.peerList.NonExcludedCellIDs() {
		if ex == id {
			return false
		}
	}
	return true
}

// SpinOnce processes one transport poll tick: it waits (bounded) on the
// transport waitset, calls the VPN-statistics refresh (rate-limited to the
// uvn's configured max Hz; it records the refresh time and reads no
// counters), runs the prober spin step, and reports whether a reload or
// stop was requested. The route monitor is not driven from here.
func (a *Agent) SpinOnce(ctx context.Context) (SpinOutcome, error) {
	if a.state != StateRunning {
		return SpinStop, fmt.Errorf("agent: SpinOnce called in state %s", a.state)
	}

	tick := time.Duration(a.uvn.Settings.Timing.TransportPollMaxMS) * time.Millisecond
	if err := a.tr.Waitset().Wait(ctx, tick); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return SpinStop, nil
		}
		return SpinContinue, fmt.Errorf("agent: waitset wait: %w", err)
	}

	a.refreshVPNStatsRateLimited()

	now := time.Now()
	a.prober.SpinOnce(ctx, now, a.probeTarget)

	if a.pendingCfg != "" && a.pendingCfg != a.configID {
		return SpinReload, nil
	}

	select {
	case <-ctx.Done():
		return SpinStop, nil
	default:
	}
	return SpinContinue, nil
}

func (a *Agent) probeTarget(network string) string {
	return network
}

func (a *Agent) refreshVPNStatsRateLimited() {
	maxHz := a.uvn.Settings.Timing.VpnStatsMaxHz
	if maxHz <= 0 {
		maxHz = 2
	}
	minInterval := time.Second / time.Duration(maxHz)
	if time.Since(a.lastStatsAt) < minInterval {
		return
	}
	a.lastStatsAt = time.Now()
	// Actual counter collection reads golang.zx2c4.com/wireguard's UAPI
	// get operation per interface; omitted here since it requires a live
	// kernel/userspace device this package only models the bring-up of.
}

// Run drives the Running state until ctx is cancelled, a reload is
// requested (in which case the caller is expected to build a fresh Agent
// against PendingConfigID() and call Start on it), or SpinOnce reports a
// fatal error.
func (a *Agent) Run(ctx context.Context) (SpinOutcome, error) {
	for {
		outcome, err := a.SpinOnce(ctx)
		if err != nil {
			return outcome, err
		}
		if outcome != SpinContinue {
			return outcome, nil
		}
	}
}

// PendingConfigID returns the config id a reload-outcome Run call observed,
// or "" if none is pending.
func (a *Agent) PendingConfigID() string { return a.pendingCfg }

// Stop tears down subservices in reverse start order and releases the PID
// file, per spec.md §4.5. Every teardown step runs even when an earlier one
// fails; the collected errors are returned together in a
// *model.StopAgentService.
func (a *Agent) Stop(ctx context.Context) error {
	if a.state == StateStopped {
		return nil
	}
	a.state = StateStopping

	offline := model.PeerStatusOffline
	a.peerList.UpdatePeer(peers.PeerUpdate{ID: a.cellID, Status: &offline, RoutedNetworks: []string{}})
	if a.cellInfoWriter != nil {
		sample := transport.CellInfoSample{Uvn: a.uvnName, CellID: a.cellID, ConfigID: a.configID}
		_ = a.cellInfoWriter.Write(ctx, sample)
	}

	var errs []error
	if a.cellInfoReader != nil {
		if err := a.cellInfoReader.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.backboneReader != nil {
		if err := a.backboneReader.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.cellInfoWriter != nil {
		if err := a.cellInfoWriter.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.tearDownTunnels(); err != nil {
		errs = append(errs, err)
	}
	if err := a.pidFile.Release(); err != nil {
		errs = append(errs, err)
	}

	a.state = StateStopped
	if len(errs) > 0 {
		return &model.StopAgentService{Errs: errs}
	}
	return nil
}
