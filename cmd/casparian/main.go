// Package main implements the casparian CLI, the frontend interface spec.md
// §6 describes: enqueue/cancel/status/list_jobs/deploy_artifact/
// materializations_for/query/approvals_* for a single local casparian
// installation, plus `sentinel run` to start the control plane itself.
//
// # File Index
//
//   - main.go          - entry point, rootCmd, global flags, shared wiring
//   - cmd_jobs.go       - enqueue, status, cancel, list_jobs
//   - cmd_sentinel.go   - sentinel run (the control-plane daemon)
//   - cmd_deploy.go     - deploy_artifact
//   - cmd_catalog.go    - materializations_for, query, list_errors
//   - cmd_approvals.go  - approvals_list, approvals_decide
//   - cmd_deadletter.go - list_dead_letter, requeue_dead_letter
//   - cmd_parser.go     - parser_health, resume_parser
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"casparianflow/internal/config"
	"casparianflow/internal/logging"
	"casparianflow/internal/queue"
)

var (
	configPath string
	homeDir    string
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "casparian",
	Short: "casparianflow control plane and frontend CLI",
	Long: `casparian runs the casparianflow ingestion control plane and exposes
its frontend operations: enqueue, cancel, status, list_jobs,
deploy_artifact, materializations_for, query, and approvals_*.

Run "casparian sentinel run" to start the control plane as a long-running
daemon; every other subcommand is a one-shot client against the same
catalog.db.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
		if homeDir != "" {
			cfg.ArtifactStore.HomeDir = homeDir
		}

		home, err := cfg.DefaultHomeDir()
		if err != nil {
			return fmt.Errorf("resolve home directory: %w", err)
		}
		if err := os.MkdirAll(home, 0755); err != nil {
			return fmt.Errorf("create home directory %s: %w", home, err)
		}
		if err := logging.Initialize(home); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to initialize logging: %v\n", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml (defaults to $HOME/.casparian/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&homeDir, "home", "", "casparian home directory (overrides config and $CASPARIAN_HOME)")

	rootCmd.AddCommand(
		enqueueCmd,
		statusCmd,
		cancelCmd,
		listJobsCmd,
		sentinelCmd,
		deployArtifactCmd,
		materializationsForCmd,
		queryCmd,
		listErrorsCmd,
		approvalsCmd,
		deadLetterCmd,
		parserCmd,
	)
}

func main() {
	if configPath == "" {
		if home, err := os.UserHomeDir(); err == nil {
			configPath = home + "/.casparian/config.yaml"
		}
	}
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// openQueue resolves the home directory and opens the queue's database,
// honoring --home/--config overrides applied in PersistentPreRunE. It also
// returns the resolved absolute database path, so callers that also need a
// read-only catalog.Catalog handle (internal/catalog.Open) point it at the
// exact same file queue.Open just opened for writing.
func openQueue() (*queue.Queue, string, error) {
	home, err := cfg.DefaultHomeDir()
	if err != nil {
		return nil, "", fmt.Errorf("resolve home directory: %w", err)
	}
	q, err := queue.Open(home, &cfg.Queue)
	if err != nil {
		return nil, "", fmt.Errorf("open catalog: %w", err)
	}

	dbPath := cfg.Queue.DatabasePath
	if dbPath == "" {
		dbPath = "catalog.db"
	}
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(home, dbPath)
	}
	return q, dbPath, nil
}
