// cmd/quizduel/sweep.go
package main

import (
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire overdue duels, remove stale rooms and idle blitz sessions once, then exit.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			a, err := buildApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.coord.Sweep(cmd.Context(), cfg.RoomMaxAge)
			if err != nil {
				return err
			}
			logger.WithFields(logrus.Fields{
				"expired": report.Expired,
				"settled": report.Settled,
				"deleted": report.Deleted,
				"evicted": report.Evicted,
			}).Info("sweep complete")
			return nil
		},
	}
}
