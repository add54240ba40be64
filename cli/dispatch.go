package cli

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"github.com/coder/serpent"

	"github.com/devpulse/devpulse/pulsed"
	"github.com/devpulse/devpulse/pulsed/pipeline"
)

func (r *RootCmd) dispatch() *serpent.Command {
	var (
		computeURL   string
		orgID        string
		metricType   string
		day          string
		backfillDays int64
		batchSize    int64
		repoFilter   []string
	)
	cmd := &serpent.Command{
		Use:   "dispatch",
		Short: "Run one metrics dispatch and wait for it to finish.",
		Handler: func(inv *serpent.Invocation) error {
			ctx, stop := signal.NotifyContext(inv.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			logger := r.initLogger(inv)

			store, sqlDB, err := r.connectPostgres(ctx, logger)
			if err != nil {
				return err
			}
			defer sqlDB.Close()

			redisClient, err := r.connectRedis(ctx, logger)
			if err != nil {
				return err
			}
			if redisClient != nil {
				defer redisClient.Close()
			}

			params := pipeline.RunParams{
				OrgID:        orgID,
				MetricType:   metricType,
				BackfillDays: int(backfillDays),
				BatchSize:    int(batchSize),
			}
			if day != "" {
				params.Day, err = time.Parse("2006-01-02", day)
				if err != nil {
					return xerrors.Errorf("parse day %q: %w", day, err)
				}
			}
			for _, raw := range repoFilter {
				id, err := uuid.Parse(raw)
				if err != nil {
					return xerrors.Errorf("parse repo id %q: %w", raw, err)
				}
				params.RepoFilter = append(params.RepoFilter, id)
			}

			compute := pipeline.NewComputeClient(computeURL, nil)
			srv, err := pulsed.New(ctx, &pulsed.Options{
				Logger:      logger,
				Database:    store,
				Redis:       redisClient,
				Discoverer:  pipeline.NewStoreDiscoverer(store),
				Runner:      compute,
				Finalizer:   compute,
				Invalidator: pipeline.NewRedisInvalidator(logger.Named("cache"), redisClient),
				MetricType:  metricType,
			})
			if err != nil {
				return xerrors.Errorf("create pipeline: %w", err)
			}
			defer srv.Close()

			result, err := srv.DispatchNow(ctx, params)
			if err != nil {
				return err
			}
			if result.Status == pipeline.RunStatusNoUnits {
				_, _ = fmt.Fprintln(inv.Stdout, "no units to dispatch")
				return nil
			}

			srv.Drain()
			_, _ = fmt.Fprintf(inv.Stdout, "dispatched %d units in %d batches\n",
				result.UnitCount, result.BatchCount)
			return nil
		},
	}
	cmd.Options = serpent.OptionSet{
		{
			Flag:        "compute-url",
			Env:         "DEVPULSE_COMPUTE_URL",
			Description: "Base URL of the metric computation service.",
			Value:       serpent.StringOf(&computeURL),
			Required:    true,
		},
		{
			Flag:          "org",
			FlagShorthand: "o",
			Env:           "DEVPULSE_ORG",
			Description:   "Organization ID to dispatch.",
			Value:         serpent.StringOf(&orgID),
			Required:      true,
		},
		{
			Flag:        "metric-type",
			Env:         "DEVPULSE_METRIC_TYPE",
			Description: "Metric type to compute.",
			Default:     "daily",
			Value:       serpent.StringOf(&metricType),
		},
		{
			Flag:        "day",
			Description: "Target day (YYYY-MM-DD). Defaults to today.",
			Value:       serpent.StringOf(&day),
		},
		{
			Flag:        "backfill-days",
			Description: "Number of days to backfill, ending at the target day.",
			Default:     "1",
			Value:       serpent.Int64Of(&backfillDays),
		},
		{
			Flag:        "batch-size",
			Env:         "DEVPULSE_BATCH_SIZE",
			Description: "Repositories per batch task. 0 uses the configured default.",
			Default:     "0",
			Value:       serpent.Int64Of(&batchSize),
		},
		{
			Flag:        "repo",
			Description: "Restrict the run to these repository IDs.",
			Value:       serpent.StringArrayOf(&repoFilter),
		},
	}
	return cmd
}
