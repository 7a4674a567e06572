package app

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
)

type rootFlags struct {
	configPath string
}

// NewRootCommand builds the murmur CLI: serve, cluster and relay.
func NewRootCommand() *cobra.Command {
	var rf rootFlags

	root := &cobra.Command{
		Use:   "murmur",
		Short: "Durable group chat over WebSockets",
		Long: `murmur serves a single shared chat room over WebSockets.

Every message is stored in an append-only log before it is broadcast, so
clients that reconnect catch up on exactly what they missed.

Quick Start:
  murmur serve                          # one worker on :3000, sqlite store
  murmur cluster --workers 4            # relay + 4 workers on :3000-3003
  murmur relay                          # relay only, for external supervisors`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	pf := root.PersistentFlags()
	pf.StringVar(&rf.configPath, "config", "", "Path to a YAML config file")
	pf.String("log-level", "", "Log level: debug|info|warn|error")
	pf.String("log-format", "", "Log format: json|pretty")
	pf.String("store", "", "Log store: sqlite|postgres|pebble|memory")
	pf.String("sqlite-path", "", "SQLite database file")
	pf.String("pebble-dir", "", "Pebble data directory")
	pf.String("database-url", "", "Postgres connection string")

	root.AddCommand(newServeCommand(&rf), newClusterCommand(&rf), newRelayCommand(&rf))
	return root
}

func newServeCommand(rf *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a single worker (HTTP + WebSocket)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadCommandConfig(cmd, rf)
			if err != nil {
				return err
			}
			log := NewLogger(cfg.LogLevel, cfg.LogFormat)

			a, err := New(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			return a.Run(cmd.Context())
		},
	}
	f := cmd.Flags()
	f.String("addr", "", "HTTP listen address")
	f.String("node-id", "", "Node id on the peer bus")
	f.String("peer-bus", "", "Peer bus: memory|relay")
	f.String("relay-url", "", "Relay URL for the relay bus")
	f.Bool("metrics", false, "Expose /metrics")
	return cmd
}

func newClusterCommand(rf *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cluster",
		Short: "Run the relay and supervise one worker per port",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadCommandConfig(cmd, rf)
			if err != nil {
				return err
			}
			log := NewLogger(cfg.LogLevel, cfg.LogFormat)
			return RunCluster(cmd.Context(), cfg, ClusterOptions{ConfigPath: rf.configPath}, log)
		},
	}
	f := cmd.Flags()
	f.Int("workers", 0, "Worker count (default: number of CPUs)")
	f.Int("base-port", 0, "Port of worker 0; worker i listens on base-port+i")
	f.String("relay-addr", "", "Relay listen address")
	return cmd
}

func newRelayCommand(rf *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run only the peer relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadCommandConfig(cmd, rf)
			if err != nil {
				return err
			}
			log := NewLogger(cfg.LogLevel, cfg.LogFormat)
			return RunRelay(cmd.Context(), cfg, log)
		},
	}
	cmd.Flags().String("relay-addr", "", "Relay listen address")
	cmd.Flags().Int("relay-backlog", 0, "Events kept for reconnecting workers")
	return cmd
}

// loadCommandConfig resolves defaults < file < env < flags.
func loadCommandConfig(cmd *cobra.Command, rf *rootFlags) (Config, error) {
	cfg, err := loadConfig(rf.configPath)
	if err != nil {
		return Config{}, err
	}
	if err := applyFlags(cmd, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyFlags copies every flag the user set onto cfg.
func applyFlags(cmd *cobra.Command, cfg *Config) error {
	f := cmd.Flags()

	str := map[string]*string{
		"log-level":    &cfg.LogLevel,
		"log-format":   &cfg.LogFormat,
		"store":        &cfg.Store.Driver,
		"sqlite-path":  &cfg.Store.SQLitePath,
		"pebble-dir":   &cfg.Store.PebbleDir,
		"database-url": &cfg.Store.DatabaseURL,
		"addr":         &cfg.HTTPAddr,
		"node-id":      &cfg.NodeID,
		"peer-bus":     &cfg.Peer.Bus,
		"relay-url":    &cfg.Peer.RelayURL,
		"relay-addr":   &cfg.Cluster.RelayAddr,
	}
	for name, dst := range str {
		if fl := f.Lookup(name); fl != nil && fl.Changed {
			v, err := f.GetString(name)
			if err != nil {
				return err
			}
			*dst = v
		}
	}

	ints := map[string]*int{
		"workers":       &cfg.Cluster.Workers,
		"base-port":     &cfg.Cluster.BasePort,
		"relay-backlog": &cfg.Cluster.RelayBacklog,
	}
	for name, dst := range ints {
		if fl := f.Lookup(name); fl != nil && fl.Changed {
			v, err := f.GetInt(name)
			if err != nil {
				return err
			}
			*dst = v
		}
	}

	if fl := f.Lookup("metrics"); fl != nil && fl.Changed {
		v, err := f.GetBool("metrics")
		if err != nil {
			return err
		}
		cfg.MetricsEnabled = v
	}
	return nil
}

// execute runs the root command with args under ctx.
func execute(ctx context.Context, args []string) error {
	root := NewRootCommand()
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}
