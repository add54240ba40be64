// Package tokenpool manages a shared pool of interchangeable provider
// credentials with lease/return/penalize semantics.
//
// Many worker processes draw from the same finite set of API tokens.
// The pool keeps per-token availability in a redis sorted set (token
// hash -> earliest-lease-time) alongside a hash map of plaintext
// values, and performs the lease as one atomic server-side operation
// so two racing workers can never walk away with the same token.
//
// When redis is unreachable the pool degrades instead of failing:
// mutating operations become no-ops and Lease reports no token, which
// routes callers onto their single-credential fallback path.
package tokenpool

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
)

const (
	// DefaultLeaseDuration is how long a leased token stays
	// unavailable to other workers unless returned earlier.
	DefaultLeaseDuration = 5 * time.Minute

	// unavailableCooldown mirrors the rate-limit gate: after a redis
	// failure the pool skips the store for this long before probing
	// again.
	unavailableCooldown = time.Minute

	keyPrefix = "token_pool"
)

// leaseScript finds the lowest-scored member whose score is <= now
// (i.e. available), bumps its score to the lease deadline so no other
// worker can grab it, and returns the hash plus plaintext. The
// find-check-bump-read sequence must be indivisible.
var leaseScript = redis.NewScript(`
local avail_key = KEYS[1]
local tokens_key = KEYS[2]
local now = tonumber(ARGV[1])
local lease_until = tonumber(ARGV[2])

local candidates = redis.call('ZRANGEBYSCORE', avail_key, '-inf', tostring(now), 'LIMIT', 0, 1)
if #candidates == 0 then
	return nil
end

local token_hash = candidates[1]
redis.call('ZADD', avail_key, tostring(lease_until), token_hash)

local token_value = redis.call('HGET', tokens_key, token_hash)
return {token_hash, token_value or ''}
`)

// HashToken returns the first 16 hex chars of the SHA-256 of token.
// Coordination keys and lease handles carry only this hash, never the
// plaintext.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])[:16]
}

// Lease is a claimed token: the plaintext to authenticate with and the
// hash to return or penalize it by.
type Lease struct {
	Hash  string
	Token string
}

// Pool is a redis-backed token pool scoped to one provider and org.
type Pool struct {
	provider      string
	orgID         string
	leaseDuration time.Duration
	availKey      string
	tokensKey     string

	logger slog.Logger
	clock  quartz.Clock
	client redis.UniversalClient

	warnOnce         sync.Once
	stateMu          sync.Mutex
	unavailableUntil time.Time
}

// Option configures a Pool.
type Option func(*Pool)

func WithLeaseDuration(d time.Duration) Option {
	return func(p *Pool) {
		p.leaseDuration = d
	}
}

func WithClock(clock quartz.Clock) Option {
	return func(p *Pool) {
		p.clock = clock
	}
}

func WithLogger(logger slog.Logger) Option {
	return func(p *Pool) {
		p.logger = logger
	}
}

// New builds a pool for provider/org. A nil client yields a pool that
// is permanently degraded, which is the documented zero-configuration
// behavior.
func New(client redis.UniversalClient, provider, orgID string, opts ...Option) *Pool {
	base := keyPrefix + ":" + provider + ":" + orgID
	p := &Pool{
		provider:      provider,
		orgID:         orgID,
		leaseDuration: DefaultLeaseDuration,
		availKey:      base + ":availability",
		tokensKey:     base + ":tokens",
		clock:         quartz.NewReal(),
		client:        client,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pool) available() bool {
	if p.client == nil {
		return false
	}
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	if p.unavailableUntil.IsZero() {
		return true
	}
	if p.clock.Now().Before(p.unavailableUntil) {
		return false
	}
	p.unavailableUntil = time.Time{}
	return true
}

func (p *Pool) markUnavailable(ctx context.Context, op string, err error) {
	p.warnOnce.Do(func() {
		p.logger.Warn(ctx, "token pool store unreachable, degrading to no-op",
			slog.F("provider", p.provider),
			slog.F("org_id", p.orgID),
			slog.F("op", op),
			slog.Error(err),
		)
	})
	p.stateMu.Lock()
	p.unavailableUntil = p.clock.Now().Add(unavailableCooldown)
	p.stateMu.Unlock()
}

// Register adds token to the pool as immediately available and returns
// its hash. Re-registering an existing token resets any cooldown; the
// operator reintroducing a token into service means exactly that.
func (p *Pool) Register(ctx context.Context, token string) string {
	hash := HashToken(token)
	if !p.available() {
		return hash
	}
	err := p.client.ZAdd(ctx, p.availKey, redis.Z{Score: 0, Member: hash}).Err()
	if err == nil {
		err = p.client.HSet(ctx, p.tokensKey, hash, token).Err()
	}
	if err != nil {
		p.markUnavailable(ctx, "register", err)
	}
	return hash
}

// Lease atomically claims the most-available token. ok is false when
// every token is leased or cooling down, or when the store is
// unreachable.
func (p *Pool) Lease(ctx context.Context) (lease Lease, ok bool) {
	if !p.available() {
		return Lease{}, false
	}
	now := p.clock.Now()
	raw, err := leaseScript.Run(ctx, p.client,
		[]string{p.availKey, p.tokensKey},
		formatEpoch(now),
		formatEpoch(now.Add(p.leaseDuration)),
	).Slice()
	if err != nil {
		if xerrors.Is(err, redis.Nil) {
			return Lease{}, false
		}
		p.markUnavailable(ctx, "lease", err)
		return Lease{}, false
	}
	if len(raw) != 2 {
		return Lease{}, false
	}
	hash, _ := raw[0].(string)
	token, _ := raw[1].(string)
	return Lease{Hash: hash, Token: token}, true
}

// Return marks a leased token immediately available again, for callers
// finishing before the lease deadline.
func (p *Pool) Return(ctx context.Context, hash string) {
	if !p.available() {
		return
	}
	err := p.client.ZAdd(ctx, p.availKey, redis.Z{Score: 0, Member: hash}).Err()
	if err != nil {
		p.markUnavailable(ctx, "return", err)
	}
}

// Penalize pushes a token's next-usable time to an explicit future
// timestamp, for tokens discovered to be rate-limited or invalid.
func (p *Pool) Penalize(ctx context.Context, hash string, until time.Time) {
	if !p.available() {
		return
	}
	score := float64(until.UnixNano()) / float64(time.Second)
	err := p.client.ZAdd(ctx, p.availKey, redis.Z{Score: score, Member: hash}).Err()
	if err != nil {
		p.markUnavailable(ctx, "penalize", err)
	}
}

// Remove deletes a token from the pool entirely, e.g. a revoked
// credential.
func (p *Pool) Remove(ctx context.Context, hash string) {
	if !p.available() {
		return
	}
	err := p.client.ZRem(ctx, p.availKey, hash).Err()
	if err == nil {
		err = p.client.HDel(ctx, p.tokensKey, hash).Err()
	}
	if err != nil {
		p.markUnavailable(ctx, "remove", err)
	}
}

// PoolSize returns the total number of registered tokens.
func (p *Pool) PoolSize(ctx context.Context) int {
	if !p.available() {
		return 0
	}
	n, err := p.client.ZCard(ctx, p.availKey).Result()
	if err != nil {
		p.markUnavailable(ctx, "pool_size", err)
		return 0
	}
	return int(n)
}

// AvailableCount returns how many tokens are currently leasable.
func (p *Pool) AvailableCount(ctx context.Context) int {
	if !p.available() {
		return 0
	}
	n, err := p.client.ZCount(ctx, p.availKey, "-inf", formatEpoch(p.clock.Now())).Result()
	if err != nil {
		p.markUnavailable(ctx, "available_count", err)
		return 0
	}
	return int(n)
}

func formatEpoch(t time.Time) string {
	return strconv.FormatFloat(float64(t.UnixNano())/float64(time.Second), 'f', 6, 64)
}
