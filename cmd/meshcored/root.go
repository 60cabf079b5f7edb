package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/stridetastic/meshcore/internal/config"
	"github.com/stridetastic/meshcore/internal/logging"
	"github.com/stridetastic/meshcore/internal/store"
	"github.com/stridetastic/meshcore/internal/store/sqlite"
	"github.com/stridetastic/meshcore/kb"
)

// memoryDatabase selects the in-process store instead of SQLite.
const memoryDatabase = "memory"

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath  string
	dbPath      string
	metricsAddr string
	controlAddr string
}

func newRootCmd() *cobra.Command {
	var g globalFlags
	root := &cobra.Command{
		Use:           "meshcored",
		Short:         "Meshtastic mesh ingest and publisher daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	bindGlobalFlags(root.PersistentFlags(), &g)

	root.AddCommand(
		newServeCmd(&g),
		newStatusCmd(&g),
		newDecodeCmd(),
		newConfigCmd(&g),
	)
	return root
}

func bindGlobalFlags(fs *pflag.FlagSet, g *globalFlags) {
	fs.StringVarP(&g.configPath, "config", "c", os.Getenv("MESHCORE_CONFIG"), "path to the YAML config file")
	fs.StringVar(&g.dbPath, "db", "", `database path, or "memory" for an in-process store (overrides database.path)`)
	fs.StringVar(&g.metricsAddr, "metrics-addr", "", "HTTP address for Prometheus /metrics (overrides metrics.addr)")
	fs.StringVar(&g.controlAddr, "control-addr", "", "gRPC control address (overrides control.addr)")
}

// loadConfig reads the config file, when one is given, and applies flag
// overrides.
func loadConfig(g *globalFlags) (config.Config, error) {
	cfg := config.Default()
	if g.configPath != "" {
		loaded, err := config.Load(g.configPath)
		if err != nil {
			return config.Config{}, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	if g.dbPath != "" {
		cfg.Database.Path = g.dbPath
	}
	if g.metricsAddr != "" {
		cfg.Metrics.Addr = g.metricsAddr
		cfg.Metrics.Disabled = false
	}
	if g.controlAddr != "" {
		cfg.Control.Addr = g.controlAddr
		cfg.Control.Disabled = false
	}
	return cfg, nil
}

func newLogger(cfg config.Config) logging.Logger {
	return logging.NewFromEnv(logging.Config{
		Level:     cfg.Log.Level,
		Format:    cfg.Log.Format,
		AddSource: cfg.Log.AddSource,
	})
}

func openStore(ctx context.Context, path string) (store.Store, error) {
	if strings.EqualFold(path, memoryDatabase) {
		return kb.NewKnowledgeBase(), nil
	}
	return sqlite.Open(ctx, path)
}
