package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"studyflow/internal/config"
	"studyflow/internal/logging"
	"studyflow/internal/registry"
	"studyflow/internal/store"
)

var (
	configFile string
	// version is set at build time with -ldflags "-X main.version=...".
	version = "dev"
)

var rootCmd = &cobra.Command{
	Use:   "studyflow",
	Short: "Study material ingestion and query service",
	Long: `studyflow ingests documents, webpages, videos and images into a
retrieval engine and answers questions against it.

Examples:
  # start the HTTP API
  studyflow serve --config ./studyflow.yaml

  # apply database migrations
  studyflow migrate up`,
	Version:      version,
	SilenceUsage: true,
}

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|down|status|version|reset]",
	Short:     "Run database migrations",
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{"up", "down", "status", "version", "reset"},
	RunE: func(cmd *cobra.Command, args []string) error {
		command := "up"
		if len(args) == 1 {
			command = args[0]
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
		if err != nil {
			return err
		}
		defer db.Close()
		return store.Migrate(db, command, log.Logger)
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Mark tasks left processing by a previous run as failed",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		results, closeResults, err := openResults(cfg)
		if err != nil {
			return err
		}
		defer closeResults()

		n, err := results.ReconcileOrphans(cmd.Context(), registry.OrphanReason)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d task(s) marked failed\n", n)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to a config file (yaml, json or toml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(reconcileCmd)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	logging.Setup(cfg.Server.LogLevel, cfg.Server.LogFormat, os.Stdout)
	return cfg, nil
}

// openResults opens the configured result store. For the sql backend the
// schema is migrated first.
func openResults(cfg *config.Config) (registry.ResultStore, func(), error) {
	if cfg.Results.Backend == "badger" {
		b, err := store.OpenBadger(cfg.Results.BadgerPath, 0, log.Logger)
		if err != nil {
			return nil, nil, err
		}
		return b, func() { _ = b.Close() }, nil
	}
	db, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, nil, err
	}
	if err := store.Migrate(db, "up", log.Logger); err != nil {
		db.Close()
		return nil, nil, err
	}
	return store.NewSQL(db), func() { _ = db.Close() }, nil
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		log.Error().Err(err).Msg("studyflow")
		os.Exit(1)
	}
}
