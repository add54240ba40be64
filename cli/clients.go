package cli

import (
	"context"
	"database/sql"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/sloghuman"
	"github.com/coder/retry"
	"github.com/coder/serpent"

	"github.com/devpulse/devpulse/pulsed/database"
	"github.com/devpulse/devpulse/pulsed/database/migrations"

	_ "github.com/lib/pq"
)

func (r *RootCmd) initLogger(inv *serpent.Invocation) slog.Logger {
	logger := slog.Make(sloghuman.Sink(inv.Stderr))
	if r.verbose {
		logger = logger.Leveled(slog.LevelDebug)
	}
	return logger
}

// connectPostgres opens the checkpoint database, waits for it to
// answer pings, and applies pending migrations. The caller owns the
// returned *sql.DB.
func (r *RootCmd) connectPostgres(ctx context.Context, logger slog.Logger) (database.Store, *sql.DB, error) {
	if r.postgresURL == "" {
		return nil, nil, xerrors.New("--postgres-url or DEVPULSE_POSTGRES_URL is required")
	}
	sqlDB, err := sql.Open("postgres", r.postgresURL)
	if err != nil {
		return nil, nil, xerrors.Errorf("dial postgres: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	for retrier := retry.New(100*time.Millisecond, 2*time.Second); ; {
		err = sqlDB.PingContext(pingCtx)
		if err == nil {
			break
		}
		logger.Warn(ctx, "postgres not ready, retrying", slog.Error(err))
		if !retrier.Wait(pingCtx) {
			_ = sqlDB.Close()
			return nil, nil, xerrors.Errorf("ping postgres: %w", err)
		}
	}

	err = migrations.Up(sqlDB)
	if err != nil {
		_ = sqlDB.Close()
		return nil, nil, xerrors.Errorf("migrate up: %w", err)
	}
	logger.Debug(ctx, "connected to postgres")
	return database.New(sqlDB), sqlDB, nil
}

// connectRedis builds the shared-state client. A missing URL returns
// nil, which the rate limit gate and token pool treat as permanently
// degraded process-local operation. An unreachable Redis is probed a
// few times and then handed back anyway so the degradation path in
// the gates can own the failure.
func (r *RootCmd) connectRedis(ctx context.Context, logger slog.Logger) (redis.UniversalClient, error) {
	if r.redisURL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(r.redisURL)
	if err != nil {
		return nil, xerrors.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	for retrier := retry.New(100*time.Millisecond, time.Second); ; {
		err = client.Ping(probeCtx).Err()
		if err == nil {
			logger.Debug(ctx, "connected to redis")
			return client, nil
		}
		if !retrier.Wait(probeCtx) {
			break
		}
	}
	logger.Warn(ctx, "redis unreachable, continuing with degraded shared state", slog.Error(err))
	return client, nil
}
