package cli

import (
	"fmt"
	"time"

	"github.com/coder/serpent"

	"github.com/devpulse/devpulse/pulsed/database"
	"github.com/devpulse/devpulse/pulsed/database/dbtime"
	"github.com/devpulse/devpulse/pulsed/reaper"
)

func (r *RootCmd) reap() *serpent.Command {
	var staleThreshold time.Duration
	cmd := &serpent.Command{
		Use:   "reap",
		Short: "Reset stale RUNNING checkpoints to PENDING once.",
		Handler: func(inv *serpent.Invocation) error {
			ctx := inv.Context()
			logger := r.initLogger(inv)

			store, sqlDB, err := r.connectPostgres(ctx, logger)
			if err != nil {
				return err
			}
			defer sqlDB.Close()

			now := dbtime.Now()
			count, err := store.ResetStaleRunningCheckpoints(ctx, database.ResetStaleRunningCheckpointsParams{
				StartedBefore: now.Add(-staleThreshold),
				UpdatedAt:     now,
			})
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(inv.Stdout, "reset %d stale checkpoints\n", count)
			return nil
		},
	}
	cmd.Options = serpent.OptionSet{
		{
			Flag:        "stale-threshold",
			Env:         "DEVPULSE_STALE_THRESHOLD",
			Description: "RUNNING checkpoints older than this are reset to PENDING.",
			Default:     reaper.DefaultStaleThreshold.String(),
			Value:       serpent.DurationOf(&staleThreshold),
		},
	}
	return cmd
}
