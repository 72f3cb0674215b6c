// cmd/quizduel/historian.go
package main

import (
	"os/signal"
	"syscall"

	"github.com/jason-s-yu/quizduel/internal/historian"
	"github.com/spf13/cobra"
)

func newHistorianCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "historian",
		Short: "Persist queued duel actions to Postgres.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rdb, pool, err := connect(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer rdb.Close()
			defer pool.Close()

			svc := historian.NewService(rdb, pool, historian.Config{
				Queue:      cfg.HistorianQueueName,
				BatchSize:  cfg.HistorianBatchSize,
				FlushDelay: cfg.HistorianFlushDelay(),
			}, logger)
			return svc.Run(ctx)
		},
	}
}
