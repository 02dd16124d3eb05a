// Command uvn-agent is the per-cell agent daemon: it brings up the cell's
// WireGuard tunnels, publishes cell-info samples to the transport, absorbs
// the backbone samples addressed to its cell, probes the networks listed in
// received cell-info samples, and restarts itself when a new config id
// arrives from the registry. Flag/signal wiring is grounded on
// client/doublezerod/cmd/doublezerod/main.go and internal/runtime/run.go.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/uvnmesh/uvn/internal/agent"
	"github.com/uvnmesh/uvn/internal/config"
	"github.com/uvnmesh/uvn/internal/keys"
	"github.com/uvnmesh/uvn/internal/model"
	"github.com/uvnmesh/uvn/internal/peers"
	"github.com/uvnmesh/uvn/internal/prober"
	"github.com/uvnmesh/uvn/internal/routemon"
	"github.com/uvnmesh/uvn/internal/store"
	"github.com/uvnmesh/uvn/internal/transport/kafka"
	"github.com/uvnmesh/uvn/internal/wgtun"
)

var (
	stateDir          = flag.String("state-dir", "/var/lib/uvn/agent", "agent runtime state directory")
	registryDir       = flag.String("registry-dir", "/var/lib/uvn/registry", "registry store directory this agent reads")
	cellID            = flag.String("cell-id", "", "this agent's cell id")
	kafkaBrokers      = flag.String("kafka-brokers", "", "comma-separated kafka broker list")
	enableVerbose     = flag.Bool("v", false, "enable verbose logging")
	metricsEnable     = flag.Bool("metrics-enable", false, "enable prometheus metrics")
	metricsAddr       = flag.String("metrics-addr", "localhost:0", "address to listen on for prometheus metrics")
	probeKindOverride = flag.String("probe-kind", "", "override probe kind (icmp or tcp)")
	versionFlag       = flag.Bool("version", false, "print build version")

	version = "dev"
	commit  = "none"
)

func main() {
	flag.Parse()

	opts := &slog.HandlerOptions{}
	if *enableVerbose {
		opts.Level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, opts))
	slog.SetDefault(logger)

	if *versionFlag {
		fmt.Printf("uvn-agent %s (%s)\n", version, commit)
		return
	}

	if *cellID == "" {
		logger.Error("cell-id is required")
		os.Exit(1)
	}
	if *kafkaBrokers == "" {
		logger.Error("kafka-brokers is required")
		os.Exit(1)
	}

	if *metricsEnable {
		buildInfo := promauto.NewGaugeVec(
			prometheus.GaugeOpts{Name: "uvn_agent_build_info", Help: "Build information of the agent"},
			[]string{"version", "commit"},
		)
		buildInfo.WithLabelValues(version, commit).Set(1)

		go func() {
			listener, err := net.Listen("tcp", *metricsAddr)
			if err != nil {
				logger.Error("failed to start prometheus metrics listener", "error", err)
				return
			}
			http.Handle("/metrics", promhttp.Handler())
			logger.Info("prometheus metrics server started", "address", listener.Addr().String())
			if err := http.Serve(listener, nil); err != nil {
				logger.Error("prometheus metrics server stopped", "error", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runtimeCfg := config.Default(*stateDir)
	if *probeKindOverride != "" {
		if err := runtimeCfg.Update(func(c *config.Config) { c.ProbeKind = *probeKindOverride }); err != nil {
			logger.Error("failed to apply probe-kind override", "error", err)
			os.Exit(1)
		}
	}

	errCh := make(chan error, 1)
	for {
		a, err := buildAgent(logger, runtimeCfg)
		if err != nil {
			logger.Error("failed to build agent", "error", err)
			os.Exit(1)
		}

		if err := a.Start(ctx); err != nil {
			logger.Error("agent start failed", "error", err)
			os.Exit(1)
		}

		go func() {
			outcome, err := a.Run(ctx)
			if err != nil {
				errCh <- err
				return
			}
			switch outcome {
			case agent.SpinReload:
				errCh <- errReload
			default:
				errCh <- nil
			}
		}()

		stopErr := waitForExit(ctx, errCh)
		if shutdownErr := a.Stop(context.Background()); shutdownErr != nil {
			logger.Warn("agent teardown reported errors", "error", shutdownErr)
		}

		if ctx.Err() != nil {
			return
		}
		if stopErr == errReload {
			logger.Info("reloading agent for new config", "config_id", a.PendingConfigID())
			continue
		}
		if stopErr != nil {
			logger.Error("agent run failed", "error", stopErr)
			os.Exit(1)
		}
		return
	}
}

var errReload = fmt.Errorf("uvn-agent: reload requested")

func waitForExit(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// buildAgent loads the registry-side object graph for cellID from the
// shared store and wires a fresh Agent, mirroring the construction a
// reload must repeat against the cell's (possibly new) config_id.
func buildAgent(logger *slog.Logger, runtimeCfg *config.Config) (*agent.Agent, error) {
	st, err := store.Open(*registryDir)
	if err != nil {
		return nil, fmt.Errorf("open registry store: %w", err)
	}

	uvns, err := store.LoadAll[model.Uvn](st, "uvn")
	if err != nil || len(uvns) != 1 {
		return nil, fmt.Errorf("load uvn: %w", err)
	}
	uvn := uvns[0]

	cells, err := store.LoadAll[model.Cell](st, "cell")
	if err != nil {
		return nil, fmt.Errorf("load cells: %w", err)
	}
	var cell *model.Cell
	expected := make([]peers.ExpectedLAN, 0, len(cells))
	for _, c := range cells {
		if c.ID == *cellID {
			cell = c
		}
		if !c.Excluded {
			expected = append(expected, peers.ExpectedLAN{CellID: c.ID, Lans: c.AllowedLans})
		}
	}
	if cell == nil {
		return nil, fmt.Errorf("cell %s not found in registry", *cellID)
	}

	particles, err := store.LoadAll[model.Particle](st, "particle")
	if err != nil {
		return nil, fmt.Errorf("load particles: %w", err)
	}
	var particleIDs []string
	if cell.EnableParticlesVPN {
		for _, p := range particles {
			particleIDs = append(particleIDs, p.ID)
		}
	}

	deployments, err := store.LoadAll[model.Deployment](st, "deployment")
	if err != nil || len(deployments) == 0 {
		return nil, fmt.Errorf("load deployment: %w", err)
	}
	deployment := deployments[len(deployments)-1]

	// The agent shares the registry's on-disk store directly (like the
	// uvn/cell/particle/deployment loads above), so the key material
	// Generate persisted via KeyStore.Save is already sitting there.
	ks, err := keys.Load(*registryDir)
	if err != nil {
		return nil, fmt.Errorf("load key store: %w", err)
	}
	ks.SetReadonly(true)

	tr, err := kafka.New(kafka.Config{
		Brokers:     strings.Split(*kafkaBrokers, ","),
		GroupPrefix: fmt.Sprintf("uvn-agent-%s", *cellID),
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("connect transport: %w", err)
	}

	pl := peers.NewPeerList(*cellID, uvn.ConfigID, expected)

	pb := prober.New(probeForKind(runtimeCfg.ProbeKind), time.Duration(uvn.Settings.Timing.ProbePeriodMS)*time.Millisecond, uvn.Settings.Timing.ProbeFailThreshold)
	pb.OnTransition(func(network string, reachable bool) {
		logger.Info("lan reachability changed", "network", network, "reachable", reachable)
		pl.SetReachable(*cellID, network, reachable)
	})

	rm, err := routemon.New(fmt.Sprintf("%s/routes.json", *stateDir), logger)
	if err != nil {
		return nil, fmt.Errorf("open route monitor: %w", err)
	}

	return agent.New(agent.Config{
		Logger:           logger,
		UvnName:          uvn.Name,
		CellID:           *cellID,
		Uvn:              uvn,
		Cell:             cell,
		ParticleIDs:      particleIDs,
		Deployment:       deployment,
		KeyStore:         ks,
		Transport:        tr,
		WireGuard:        wgtun.NewManager(),
		PeerList:         pl,
		Prober:           pb,
		RouteMonitor:     rm,
		RuntimeConfig:    runtimeCfg,
		PIDFilePath:      runtimeCfg.PIDFile,
		RouterConfigPath: fmt.Sprintf("%s/router.conf", *stateDir),
	}), nil
}

func probeForKind(kind string) prober.Probe {
	if kind == "tcp" {
		return prober.TCPProbe(443, 2*time.Second)
	}
	return prober.ICMPProbe(2 * time.Second)
}
