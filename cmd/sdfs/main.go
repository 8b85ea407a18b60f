package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sdfs/pkg/config"
	"sdfs/pkg/logging"
	"sdfs/pkg/node"
	"sdfs/pkg/types"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var version = "v0.1.0"

var (
	configFile string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "sdfs",
		Short: "Peer-to-peer replicated file store",
		Long: `A small distributed file store. Nodes keep a ping/ack membership list
and place every file on a fixed number of members chosen by hashing its name.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (JSON or YAML)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(
		nodeCmd(),
		putCmd(),
		getCmd(),
		getVersionsCmd(),
		deleteCmd(),
		lsCmd(),
		storeCmd(),
		membersCmd(),
		grepCmd(),
		logCmd(),
		quitCmd(),
		healthCmd(),
		clusterCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file when given, then applies SDFS_* overrides.
func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if configFile != "" {
		var err error
		cfg, err = config.LoadConfig(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}
	cfg.ApplyEnv()
	return cfg, nil
}

func nodeCmd() *cobra.Command {
	var (
		address    string
		introducer string
		dataDir    string
		replicas   int
		maxSize    string
		noMetrics  bool
	)

	cmd := &cobra.Command{
		Use:   "node",
		Short: "Run a group member",
		Long: `Start a node: bind its endpoints, join through the introducer (or seed the
group when this node is the introducer) and serve commands until quit.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			flags := cmd.Flags()
			if flags.Changed("address") || cfg.Node.Address == "" {
				cfg.Node.Address = address
			}
			if flags.Changed("introducer") || cfg.Node.Introducer == "" {
				cfg.Node.Introducer = introducer
			}
			if cfg.Node.Introducer == "" {
				cfg.Node.Introducer = cfg.Node.Address
			}
			if flags.Changed("data-dir") {
				cfg.Node.DataDir = dataDir
			}
			if flags.Changed("replicas") {
				cfg.Node.ReplicationFactor = replicas
			}
			if flags.Changed("max-size") {
				cfg.Node.MaxTransferSize = maxSize
			}
			if noMetrics {
				cfg.Node.MetricsEnabled = false
			}
			if err := cfg.Node.Validate(); err != nil {
				return err
			}

			logger, err := logging.New(logging.Options{
				Verbose: verbose,
				LogFile: logging.FilePath(cfg.Node.DataDir, types.NodeID(cfg.Node.Address)),
			})
			if err != nil {
				return err
			}
			defer logger.Sync()

			n, err := node.New(cfg.Node, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger.Info("Starting node",
				zap.String("address", cfg.Node.Address),
				zap.String("introducer", cfg.Node.Introducer),
				zap.String("data_dir", cfg.Node.DataDir))
			if err := n.Start(ctx); err != nil {
				return err
			}

			select {
			case <-ctx.Done():
				logger.Info("Shutting down node")
				n.Stop()
			case <-n.Done():
			}
			return n.Err()
		},
	}

	cmd.Flags().StringVar(&address, "address", "127.0.0.1:7000", "node identity and command address (host:port)")
	cmd.Flags().StringVar(&introducer, "introducer", "", "introducer identity (defaults to this node)")
	cmd.Flags().StringVar(&dataDir, "data-dir", config.DefaultDataDir, "directory for stored versions and the node log")
	cmd.Flags().IntVar(&replicas, "replicas", config.DefaultReplicationFactor, "replicas per file")
	cmd.Flags().StringVar(&maxSize, "max-size", config.DefaultMaxTransferSize, "largest accepted transfer, e.g. 512MiB")
	cmd.Flags().BoolVar(&noMetrics, "no-metrics", false, "disable the metrics HTTP endpoint")

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("sdfs %s\n", version)
		},
	}
}

// setupLogger builds the console logger used by client commands.
func setupLogger(verbose bool) *zap.Logger {
	logger, err := logging.New(logging.Options{Verbose: verbose})
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// clientTimeout is the per-server deadline for client commands.
func clientTimeout(cfg *config.Config, override time.Duration) time.Duration {
	if override > 0 {
		return override
	}
	if cfg.Client.Timeout > 0 {
		return cfg.Client.Timeout.Std()
	}
	return config.DefaultTransferTimeout
}
