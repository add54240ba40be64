package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"cdr.dev/slog/v3"
)

// RedisInvalidator deletes the cached dashboard entries for a day
// once it is finalized. A nil client makes invalidation a logged
// no-op; the cache is a performance layer, never correctness, so
// finalize does not fail on a missing one.
type RedisInvalidator struct {
	logger slog.Logger
	client redis.UniversalClient
}

func NewRedisInvalidator(logger slog.Logger, client redis.UniversalClient) *RedisInvalidator {
	return &RedisInvalidator{
		logger: logger,
		client: client,
	}
}

func cacheKey(orgID string, day time.Time) string {
	return fmt.Sprintf("metrics_cache:%s:%s", orgID, day.Format("2006-01-02"))
}

func (r *RedisInvalidator) InvalidateMetricsDay(ctx context.Context, orgID string, day time.Time) error {
	if r.client == nil {
		r.logger.Debug(ctx, "no cache configured, skipping invalidation",
			slog.F("org_id", orgID), slog.F("day", day))
		return nil
	}
	err := r.client.Del(ctx, cacheKey(orgID, day)).Err()
	if err != nil {
		r.logger.Warn(ctx, "cache invalidation failed",
			slog.F("org_id", orgID), slog.F("day", day), slog.Error(err))
	}
	return nil
}
