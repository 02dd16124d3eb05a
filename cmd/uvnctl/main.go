// Command uvnctl is the registry-side operator CLI: create a uvn, define
// cells/particles/users, ban, redeploy, generate, rekey, sync, and service
// up/down, modeled on
// controlplane/internet-latency-collector/cmd/collector/main.go's
// root-command/subcommand/PersistentPreRun shape, adapted from cobra's
// package-level-flag style to the registry's explicit Registry handle.
package main

import (
	"bufio"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"github.com/uvnmesh/uvn/internal/model"
	"github.com/uvnmesh/uvn/internal/registry"
	"github.com/uvnmesh/uvn/internal/transport/kafka"
)

var (
	stateDir     string
	yes          bool
	logLevel     string
	kafkaBrokers string

	reg *registry.Registry

	version = "dev"
	commit  = "none"
)

// wireTransport connects the registry to the backbone transport so
// Generate/Redeploy can publish each live cell's key package, if
// --kafka-brokers was supplied. Commands that don't mutate key material
// never need it.
func wireTransport() error {
	if kafkaBrokers == "" {
		return nil
	}
	tr, err := kafka.New(kafka.Config{
		Brokers:     strings.Split(kafkaBrokers, ","),
		GroupPrefix: "uvnctl",
		Logger:      slog.Default(),
	})
	if err != nil {
		return fmt.Errorf("connect transport: %w", err)
	}
	reg.SetTransport(tr)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "uvnctl",
	Short:         "Operate a unified virtual network registry",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := slog.LevelInfo
		if logLevel == "debug" {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level})))

		if cmd.Name() == "create" || cmd.Name() == "version" {
			return nil
		}
		var err error
		reg, err = registry.Open(stateDir)
		if err != nil {
			return fmt.Errorf("open registry at %s: %w", stateDir, err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&stateDir, "state-dir", "/var/lib/uvn/registry", "registry state directory")
	rootCmd.PersistentFlags().BoolVar(&yes, "yes", false, "skip confirmation prompts")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (info, debug)")
	rootCmd.PersistentFlags().StringVar(&kafkaBrokers, "kafka-brokers", "", "comma-separated kafka broker list (enables publishing key packages on generate/redeploy)")

	rootCmd.AddCommand(versionCmd, createCmd, defineCmd, banCmd, redeployCmd, generateCmd, syncCmd, serviceCmd, rekeyCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("uvnctl %s (%s)\n", version, commit)
	},
}

var (
	createName            string
	createOwnerEmail      string
	createOwnerPassword   string
	createRootSubnet      string
	createBackboneSubnet  string
	createParticlesSubnet string
	createStrategy        string
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new uvn registry",
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := netip.ParsePrefix(createRootSubnet)
		if err != nil {
			return fmt.Errorf("invalid --root-subnet: %w", err)
		}
		backbone, err := netip.ParsePrefix(createBackboneSubnet)
		if err != nil {
			return fmt.Errorf("invalid --backbone-subnet: %w", err)
		}
		particles, err := netip.ParsePrefix(createParticlesSubnet)
		if err != nil {
			return fmt.Errorf("invalid --particles-subnet: %w", err)
		}
		strategy, err := parseStrategy(createStrategy)
		if err != nil {
			return err
		}
		settings := model.UvnSettings{
			Timing:    model.DefaultTimingProfile(),
			RootVPN:   model.VpnParams{Subnet: root, PortBase: 63000},
			Backbone:  model.VpnParams{Subnet: backbone, PortBase: 63100},
			Particles: model.VpnParams{Subnet: particles, PortBase: 63200},
			Strategy:  strategy,
		}
		r, err := registry.Create(stateDir, createName, createOwnerEmail, createOwnerPassword, settings)
		if err != nil {
			return err
		}
		fmt.Printf("created uvn %q (id=%s)\n", createName, r.Uvn().ID)
		return nil
	},
}

func init() {
	createCmd.Flags().StringVar(&createName, "name", "", "uvn name")
	createCmd.Flags().StringVar(&createOwnerEmail, "owner-email", "", "owner email")
	createCmd.Flags().StringVar(&createOwnerPassword, "owner-password", "", "owner password")
	createCmd.Flags().StringVar(&createRootSubnet, "root-subnet", "172.16.0.0/16", "root VPN subnet")
	createCmd.Flags().StringVar(&createBackboneSubnet, "backbone-subnet", "172.17.0.0/16", "backbone VPN subnet")
	createCmd.Flags().StringVar(&createParticlesSubnet, "particles-subnet", "172.18.0.0/16", "particles VPN subnet")
	createCmd.Flags().StringVar(&createStrategy, "strategy", "full-mesh", "deployment strategy")
	_ = createCmd.MarkFlagRequired("name")
	_ = createCmd.MarkFlagRequired("owner-email")
	_ = createCmd.MarkFlagRequired("owner-password")
}

var defineCmd = &cobra.Command{
	Use:   "define",
	Short: "Define a cell, particle, or user",
}

var (
	defineOwnerID     string
	defineName        string
	defineAddress     string
	defineLans        []string
	defineHTTPPort    int
	defineParticlesOn bool
)

var defineCellCmd = &cobra.Command{
	Use:   "cell",
	Short: "Define a cell",
	RunE: func(cmd *cobra.Command, args []string) error {
		lans := make([]netip.Prefix, 0, len(defineLans))
		for _, s := range defineLans {
			p, err := netip.ParsePrefix(s)
			if err != nil {
				return fmt.Errorf("invalid --lan %q: %w", s, err)
			}
			lans = append(lans, p)
		}
		c, err := reg.AddCell(defineOwnerID, defineName, defineAddress, lans, defineHTTPPort, defineParticlesOn)
		if err != nil {
			return err
		}
		fmt.Printf("defined cell %q (id=%s)\n", defineName, c.ID)
		return saveAndReport()
	},
}

var defineParticleCmd = &cobra.Command{
	Use:   "particle",
	Short: "Define a particle",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := reg.AddParticle(defineOwnerID, defineName)
		if err != nil {
			return err
		}
		fmt.Printf("defined particle %q (id=%s)\n", defineName, p.ID)
		return saveAndReport()
	},
}

var (
	defineUserPassword string
)

var defineUserCmd = &cobra.Command{
	Use:   "user",
	Short: "Define a user",
	RunE: func(cmd *cobra.Command, args []string) error {
		u, err := reg.AddUser(defineName, defineName, defineUserPassword)
		if err != nil {
			return err
		}
		fmt.Printf("defined user %q (id=%s)\n", defineName, u.ID)
		return saveAndReport()
	},
}

func init() {
	for _, c := range []*cobra.Command{defineCellCmd, defineParticleCmd, defineUserCmd} {
		c.Flags().StringVar(&defineOwnerID, "owner-id", "", "owning user id")
		c.Flags().StringVar(&defineName, "name", "", "name")
	}
	defineCellCmd.Flags().StringVar(&defineAddress, "address", "", "public address (empty marks the cell private)")
	defineCellCmd.Flags().StringSliceVar(&defineLans, "lan", nil, "allowed LAN prefix, repeatable")
	defineCellCmd.Flags().IntVar(&defineHTTPPort, "http-port", 443, "cell HTTP port")
	defineCellCmd.Flags().BoolVar(&defineParticlesOn, "enable-particles-vpn", false, "enable the particles hub-and-spoke VPN")
	defineUserCmd.Flags().StringVar(&defineUserPassword, "password", "", "user password")

	defineCmd.AddCommand(defineCellCmd, defineParticleCmd, defineUserCmd)
}

var (
	banTable  string
	banID     string
	banStatus bool
)

var banCmd = &cobra.Command{
	Use:   "ban",
	Short: "Ban or unban a cell, particle, or user",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !confirm(fmt.Sprintf("ban=%v %s/%s", banStatus, banTable, banID)) {
			return nil
		}
		if err := reg.Ban(banTable, banID, banStatus); err != nil {
			return err
		}
		return saveAndReport()
	},
}

func init() {
	banCmd.Flags().StringVar(&banTable, "type", "", "cell, particle, or user")
	banCmd.Flags().StringVar(&banID, "id", "", "target id")
	banCmd.Flags().BoolVar(&banStatus, "banned", true, "ban (true) or unban (false)")
}

var redeployDropKeys bool

var redeployCmd = &cobra.Command{
	Use:   "redeploy",
	Short: "Recompute the backbone topology",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !confirm("redeploy") {
			return nil
		}
		if err := wireTransport(); err != nil {
			return err
		}
		if err := reg.Redeploy(redeployDropKeys); err != nil {
			return err
		}
		return saveAndReport()
	},
}

func init() {
	redeployCmd.Flags().BoolVar(&redeployDropKeys, "drop-keys", false, "drop backbone keys and regenerate")
}

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Reconcile key material and topology against the current state",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := wireTransport(); err != nil {
			return err
		}
		changed, err := reg.Generate()
		if err != nil {
			return err
		}
		fmt.Printf("generate: changed=%v\n", changed)
		return saveAndReport()
	},
}

var syncMaxWait time.Duration

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Wait for the uvn to reach a fully-converged state",
	RunE: func(cmd *cobra.Command, args []string) error {
		deadline := time.Now().Add(syncMaxWait)
		for time.Now().Before(deadline) {
			if reg.Uvn().DeploymentDirty {
				time.Sleep(time.Second)
				continue
			}
			fmt.Println("sync: converged")
			return nil
		}
		return fmt.Errorf("sync: timed out after %s", syncMaxWait)
	},
}

func init() {
	syncCmd.Flags().DurationVar(&syncMaxWait, "max-wait-time", 30*time.Second, "maximum time to wait for convergence")
}

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage the registry's own background services",
}

var serviceUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Report the registry as reachable and ready",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println("service: up")
		return nil
	},
}

var serviceDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Report the registry as stopping",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println("service: down")
		return nil
	},
}

func init() {
	serviceCmd.AddCommand(serviceUpCmd, serviceDownCmd)
}

var rekeyTarget string
var rekeyID string

var rekeyCmd = &cobra.Command{
	Use:   "rekey",
	Short: "Rotate key material for the uvn, a cell, or a particle",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !confirm(fmt.Sprintf("rekey %s %s", rekeyTarget, rekeyID)) {
			return nil
		}
		var err error
		switch rekeyTarget {
		case "uvn":
			err = reg.RekeyUvn()
		case "cell":
			err = reg.RekeyCell(rekeyID)
		case "particle":
			err = reg.RekeyParticle(rekeyID)
		default:
			err = fmt.Errorf("rekey: unknown target %q", rekeyTarget)
		}
		if err != nil {
			return err
		}
		return saveAndReport()
	},
}

func init() {
	rekeyCmd.Flags().StringVar(&rekeyTarget, "target", "", "uvn, cell, or particle")
	rekeyCmd.Flags().StringVar(&rekeyID, "id", "", "target id (ignored for --target=uvn)")
}

func parseStrategy(s string) (model.DeploymentStrategy, error) {
	switch s {
	case "full-mesh":
		return model.StrategyFullMesh, nil
	case "circular":
		return model.StrategyCircular, nil
	case "crossed":
		return model.StrategyCrossed, nil
	case "random":
		return model.StrategyRandom, nil
	case "static":
		return model.StrategyStatic, nil
	default:
		return 0, fmt.Errorf("unknown --strategy %q", s)
	}
}

func confirm(action string) bool {
	if yes {
		return true
	}
	fmt.Printf("%s? [y/N] ", action)
	reader := bufio.NewReader(os.Stdin)
	line, _ := reader.ReadString('\n')
	return strings.TrimSpace(strings.ToLower(line)) == "y"
}

func saveAndReport() error {
	if rows := reg.Store().RawRows("uvn"); len(rows) == 0 {
		return fmt.Errorf("sanity check failed: no uvn row present after mutation")
	}
	return nil
}
