package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"casparianflow/internal/artifactstore"
	"casparianflow/internal/executor"
	"casparianflow/internal/logging"
	"casparianflow/internal/sentinel"
	"casparianflow/internal/validator"
)

var topicConfigPath string

var sentinelCmd = &cobra.Command{
	Use:   "sentinel",
	Short: "Control plane commands",
}

var sentinelRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the control plane (local worker pool, control wire, requeue_stale sweep) and block until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		q, _, err := openQueue()
		if err != nil {
			return err
		}
		defer q.Close()

		home, err := cfg.DefaultHomeDir()
		if err != nil {
			return fmt.Errorf("resolve home directory: %w", err)
		}
		store := artifactstore.New(home, &cfg.ArtifactStore)
		v := validator.New(&cfg.Validator)
		ex := executor.New(store, v, &cfg.Sink, &cfg.Bridge)

		topicMap, err := sentinel.LoadTopicMap(topicConfigPath)
		if err != nil {
			return fmt.Errorf("load topic config: %w", err)
		}

		s := sentinel.New(q, ex, &cfg.Sentinel, store, topicMap)

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		logging.Sentinel("control plane starting, home=%s control_socket=%s", home, cfg.Sentinel.ControlSocket)
		return s.Run(ctx)
	},
}

func init() {
	sentinelRunCmd.Flags().StringVar(&topicConfigPath, "topics", "", "path to the parser_name -> sink_config YAML topic map")
	sentinelCmd.AddCommand(sentinelRunCmd)
}
