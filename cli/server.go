package cli

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
	"github.com/coder/serpent"

	"github.com/devpulse/devpulse/pulsed"
	"github.com/devpulse/devpulse/pulsed/database"
	"github.com/devpulse/devpulse/pulsed/pipeline"
	"github.com/devpulse/devpulse/pulsed/ratelimit"
	"github.com/devpulse/devpulse/pulsed/reaper"
	"github.com/devpulse/devpulse/pulsed/schedule"
)

func (r *RootCmd) server() *serpent.Command {
	var (
		computeURL       string
		orgIDs           []string
		metricType       string
		batchSize        int64
		backfillDays     int64
		concurrency      int64
		dispatchCron     string
		reapInterval     time.Duration
		staleThreshold   time.Duration
		promAddress      string
		rlInitialBackoff time.Duration
		rlMaxBackoff     time.Duration
		rlBackoffFactor  float64
	)
	cmd := &serpent.Command{
		Use:   "server",
		Short: "Run the devpulse pipeline server.",
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

			gate := ratelimit.New(redisClient, "compute", "", ratelimit.Config{
				InitialBackoff: rlInitialBackoff,
				MaxBackoff:     rlMaxBackoff,
				BackoffFactor:  rlBackoffFactor,
			}, ratelimit.WithLogger(logger.Named("ratelimit")))
			compute := pipeline.NewComputeClient(computeURL, nil, pipeline.WithGate(gate))
			registry := prometheus.NewRegistry()

			srv, err := pulsed.New(ctx, &pulsed.Options{
				Logger:             logger,
				Database:           store,
				Redis:              redisClient,
				Discoverer:         pipeline.NewStoreDiscoverer(store),
				Runner:             compute,
				Finalizer:          compute,
				Invalidator:        pipeline.NewRedisInvalidator(logger.Named("cache"), redisClient),
				PrometheusRegistry: registry,
				OrgIDs:             orgIDs,
				MetricType:         metricType,
				BatchSize:          int(batchSize),
				BackfillDays:       int(backfillDays),
				Concurrency:        int(concurrency),
				DispatchCron:       dispatchCron,
				ReapInterval:       reapInterval,
				StaleThreshold:     staleThreshold,
			})
			if err != nil {
				return xerrors.Errorf("create server: %w", err)
			}
			defer srv.Close()

			httpSrv := observabilityServer(promAddress, registry, store)
			go func() {
				err := httpSrv.ListenAndServe()
				if err != nil && !xerrors.Is(err, http.ErrServerClosed) {
					logger.Error(ctx, "observability server failed", slog.Error(err))
				}
			}()
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = httpSrv.Shutdown(shutdownCtx)
			}()

			srv.Start()
			logger.Info(ctx, "devpulse server started",
				slog.F("orgs", orgIDs),
				slog.F("dispatch_cron", dispatchCron),
				slog.F("reap_interval", reapInterval),
			)

			<-ctx.Done()
			logger.Info(context.Background(), "shutting down")
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
			Flag:        "org",
			Env:         "DEVPULSE_ORGS",
			Description: "Organization IDs to dispatch on the schedule.",
			Value:       serpent.StringArrayOf(&orgIDs),
		},
		{
			Flag:        "metric-type",
			Env:         "DEVPULSE_METRIC_TYPE",
			Description: "Metric type computed by scheduled runs.",
			Default:     "daily",
			Value:       serpent.StringOf(&metricType),
		},
		{
			Flag:        "batch-size",
			Env:         "DEVPULSE_BATCH_SIZE",
			Description: "Repositories per batch task.",
			Default:     fmt.Sprint(pipeline.DefaultBatchSize),
			Value:       serpent.Int64Of(&batchSize),
		},
		{
			Flag:        "backfill-days",
			Env:         "DEVPULSE_BACKFILL_DAYS",
			Description: "Days to backfill on each scheduled run.",
			Default:     "1",
			Value:       serpent.Int64Of(&backfillDays),
		},
		{
			Flag:        "concurrency",
			Env:         "DEVPULSE_CONCURRENCY",
			Description: "Maximum batch tasks executing at once.",
			Default:     "8",
			Value:       serpent.Int64Of(&concurrency),
		},
		{
			Flag:        "dispatch-cron",
			Env:         "DEVPULSE_DISPATCH_CRON",
			Description: "Cron spec for the daily dispatch.",
			Default:     schedule.DefaultDispatchCron,
			Value:       serpent.StringOf(&dispatchCron),
		},
		{
			Flag:        "reap-interval",
			Env:         "DEVPULSE_REAP_INTERVAL",
			Description: "How often stale checkpoints are swept.",
			Default:     schedule.DefaultReapInterval.String(),
			Value:       serpent.DurationOf(&reapInterval),
		},
		{
			Flag:        "stale-threshold",
			Env:         "DEVPULSE_STALE_THRESHOLD",
			Description: "RUNNING checkpoints older than this are reset to PENDING.",
			Default:     reaper.DefaultStaleThreshold.String(),
			Value:       serpent.DurationOf(&staleThreshold),
		},
		{
			Flag:        "ratelimit-initial-backoff",
			Env:         "DEVPULSE_RATELIMIT_INITIAL_BACKOFF",
			Description: "First backoff applied when the compute service rate limits.",
			Default:     ratelimit.DefaultInitialBackoff.String(),
			Value:       serpent.DurationOf(&rlInitialBackoff),
		},
		{
			Flag:        "ratelimit-max-backoff",
			Env:         "DEVPULSE_RATELIMIT_MAX_BACKOFF",
			Description: "Ceiling for the exponential backoff progression.",
			Default:     ratelimit.DefaultMaxBackoff.String(),
			Value:       serpent.DurationOf(&rlMaxBackoff),
		},
		{
			Flag:        "ratelimit-backoff-factor",
			Env:         "DEVPULSE_RATELIMIT_BACKOFF_FACTOR",
			Description: "Multiplier applied to the backoff after each penalty.",
			Default:     fmt.Sprint(ratelimit.DefaultBackoffFactor),
			Value:       serpent.Float64Of(&rlBackoffFactor),
		},
		{
			Flag:        "prometheus-address",
			Env:         "DEVPULSE_PROMETHEUS_ADDRESS",
			Description: "Address to serve metrics and health on.",
			Default:     "127.0.0.1:2112",
			Value:       serpent.StringOf(&promAddress),
		},
	}
	return cmd
}

func observabilityServer(address string, registry *prometheus.Registry, store database.Store) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, req *http.Request) {
		_, err := store.Ping(req.Context())
		if err != nil {
			http.Error(rw, err.Error(), http.StatusServiceUnavailable)
			return
		}
		_, _ = rw.Write([]byte("ok"))
	})
	return &http.Server{
		Addr:              address,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
