package ratelimit

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
)

// unavailableCooldown is how long the gate skips the shared store
// after a failure before probing it again. Avoids paying a connection
// timeout on every call while the store is down.
const unavailableCooldown = time.Minute

// penalizeScript atomically keeps the stored next-allowed-at at the
// max of its current value and the proposed one, refreshing the TTL
// either way so the key does not expire while workers are still
// waiting. The read-modify-write must be a single server-side
// operation: two workers independently observing a 429 must not
// compute overlapping, too-short backoffs.
var penalizeScript = redis.NewScript(`
local key = KEYS[1]
local proposed = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
local current = tonumber(redis.call('GET', key) or '0') or 0
if proposed > current then
	redis.call('SET', key, tostring(proposed))
	redis.call('EXPIRE', key, ttl)
	return tostring(proposed)
else
	redis.call('EXPIRE', key, ttl)
	return tostring(current)
end
`)

// DistributedGate shares the next-allowed-at timestamp across
// processes via redis. When redis becomes unreachable the gate falls
// back to process-local state with identical semantics, logs a single
// warning, and re-probes the store after a cool-down.
type DistributedGate struct {
	local  *LocalGate
	logger slog.Logger
	client redis.UniversalClient
	key    string
	ttl    time.Duration

	warnOnce         sync.Once
	stateMu          sync.Mutex
	unavailableUntil time.Time
}

// DistributedOption configures a DistributedGate.
type DistributedOption func(*DistributedGate)

func WithClock(clock quartz.Clock) DistributedOption {
	return func(g *DistributedGate) {
		g.local.clock = clock
	}
}

func WithLogger(logger slog.Logger) DistributedOption {
	return func(g *DistributedGate) {
		g.logger = logger
	}
}

// Key returns the redis key the gate coordinates on.
func (g *DistributedGate) Key() string {
	return g.key
}

// NewDistributed builds a redis-backed gate for the given provider.
// tokenHint, when set, scopes the gate to a single credential so that
// per-token limits do not penalize the whole provider.
func NewDistributed(client redis.UniversalClient, provider, tokenHint string, cfg Config, opts ...DistributedOption) *DistributedGate {
	cfg = cfg.withDefaults()
	key := "rate_limit:" + provider
	if tokenHint != "" {
		key += ":" + TokenHash(tokenHint)
	}
	g := &DistributedGate{
		local:  NewLocal(cfg),
		logger: slog.Logger{},
		client: client,
		key:    key,
		ttl:    2 * cfg.MaxBackoff,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// New returns a distributed gate when a redis client is supplied and a
// local gate otherwise, so callers run correctly with zero
// configuration.
func New(client redis.UniversalClient, provider, tokenHint string, cfg Config, opts ...DistributedOption) Gate {
	if client == nil {
		g := NewDistributed(nil, provider, tokenHint, cfg, opts...)
		return g.local
	}
	return NewDistributed(client, provider, tokenHint, cfg, opts...)
}

func (g *DistributedGate) available() bool {
	if g.client == nil {
		return false
	}
	g.stateMu.Lock()
	defer g.stateMu.Unlock()
	if g.unavailableUntil.IsZero() {
		return true
	}
	if g.local.clock.Now().Before(g.unavailableUntil) {
		return false
	}
	g.unavailableUntil = time.Time{}
	return true
}

func (g *DistributedGate) markUnavailable(ctx context.Context, op string, err error) {
	g.warnOnce.Do(func() {
		g.logger.Warn(ctx, "shared rate-limit store unreachable, falling back to local state",
			slog.F("op", op),
			slog.F("key", g.key),
			slog.Error(err),
		)
	})
	g.stateMu.Lock()
	g.unavailableUntil = g.local.clock.Now().Add(unavailableCooldown)
	g.stateMu.Unlock()
}

func (g *DistributedGate) Penalize(ctx context.Context) time.Duration {
	g.local.mu.Lock()
	delay := g.local.advanceBackoffLocked()
	g.local.mu.Unlock()
	return g.penalize(ctx, delay)
}

func (g *DistributedGate) PenalizeFor(ctx context.Context, delay time.Duration) time.Duration {
	if delay < 0 {
		delay = 0
	}
	return g.penalize(ctx, delay)
}

func (g *DistributedGate) penalize(ctx context.Context, delay time.Duration) time.Duration {
	proposed := g.local.clock.Now().Add(delay)

	if g.available() {
		raw, err := penalizeScript.Run(ctx, g.client,
			[]string{g.key},
			formatEpoch(proposed),
			int64(g.ttl/time.Second),
		).Text()
		if err != nil {
			g.markUnavailable(ctx, "penalize", err)
		} else if applied, perr := parseEpoch(raw); perr == nil {
			g.local.mu.Lock()
			g.local.nextAllowedAt = applied
			g.local.mu.Unlock()
			return delay
		}
	}

	// Local shadow state keeps the same monotone semantics minus
	// cross-process sharing.
	g.local.mu.Lock()
	if proposed.After(g.local.nextAllowedAt) {
		g.local.nextAllowedAt = proposed
	}
	g.local.mu.Unlock()
	return delay
}

func (g *DistributedGate) SleepDuration(ctx context.Context) time.Duration {
	if g.available() {
		raw, err := g.client.Get(ctx, g.key).Result()
		switch {
		case xerrors.Is(err, redis.Nil):
			return 0
		case err != nil:
			g.markUnavailable(ctx, "sleep_duration", err)
		default:
			next, perr := parseEpoch(raw)
			if perr == nil {
				d := next.Sub(g.local.clock.Now())
				if d < 0 {
					return 0
				}
				return d
			}
		}
	}
	return g.local.SleepDuration(ctx)
}

func (g *DistributedGate) Wait(ctx context.Context) error {
	return waitOn(ctx, g.local.clock, g.SleepDuration(ctx))
}

func (g *DistributedGate) Reset(ctx context.Context) {
	g.local.Reset(ctx)
	if !g.available() {
		return
	}
	err := g.client.Del(ctx, g.key).Err()
	if err != nil {
		g.markUnavailable(ctx, "reset", err)
	}
}

// formatEpoch encodes a time as fractional epoch seconds, the wire
// format shared with the lua script.
func formatEpoch(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixNano())/float64(time.Second), 'f', 6, 64)
}

func parseEpoch(raw string) (time.Time, error) {
	sec, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return time.Time{}, xerrors.Errorf("parse epoch %q: %w", raw, err)
	}
	// Fractional epoch floats carry sub-microsecond noise at current
	// magnitudes; round it away.
	return time.Unix(0, int64(sec*float64(time.Second))).Round(time.Microsecond), nil
}
