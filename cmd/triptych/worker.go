package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newWorkerCmd() *cobra.Command {
	var staticRecipes bool
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "run the queue-draining worker until interrupted",
		Long: `Runs the polling loop over the translation and alignment queues.
SIGINT or SIGTERM stops the loop cleanly: in-flight work finishes and the
kv snapshot is written so queued threads survive a restart.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadSetup(cmd)
			if err != nil {
				return err
			}
			eng := buildEngine(cfg, logger, staticRecipes)

			if cfg.SnapshotPath != "" {
				if err := eng.kvStore.LoadSnapshot(cfg.SnapshotPath); err != nil {
					logger.Warn().Err(err).Str("path", cfg.SnapshotPath).Msg("kv snapshot load failed, starting empty")
				}
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			err = eng.worker.Run(ctx)
			eng.reportCounters()
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&staticRecipes, "static-recipes", false, "use deterministic built-in recipes instead of generating them")
	return cmd
}
