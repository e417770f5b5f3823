package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/okian/statuswatch/pkg/logger"
)

// cycleCmd runs a single cycle and prints its report. Deliveries already
// queued are drained before exit.
func cycleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cycle",
		Short: "Run one fetch cycle and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			log := logger.Get()
			ctx := cmd.Context()

			a, err := build(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.engine.Start(ctx); err != nil {
				return err
			}
			rep, cycleErr := a.engine.RunCycle(ctx)

			stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
			defer cancel()
			if err := a.engine.Stop(stopCtx); err != nil {
				log.Warn(ctx, "deliveries not drained", logger.Error(err))
			}

			if rep != nil {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				_ = enc.Encode(rep)
			}
			return cycleErr
		},
	}
}

