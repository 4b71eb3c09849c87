package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/amoylab/chatgate/internal/common/config"
	"github.com/amoylab/chatgate/pkg/metrics"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	memstore "github.com/ulule/limiter/v3/drivers/store/memory"
	redisstore "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"
)

// FallbackWindow is how long the manager stays on the in-memory store after
// the shared store fails.
const FallbackWindow = 30 * time.Second

// Result is the state of a caller's window after one request
type Result struct {
	Limit     int64
	Remaining int64
	Reset     time.Time
	Reached   bool
}

// Manager counts requests per caller in fixed one-minute windows. Counters
// live in Redis when configured so replicas share them, with a local store
// taking over while Redis is unreachable.
type Manager struct {
	shared  *limiter.Limiter
	local   *limiter.Limiter
	limit   int64
	logger  *zap.Logger
	metrics *metrics.Metrics
	nowFn   func() time.Time

	mu            sync.Mutex
	degradedUntil time.Time
}

// NewManager builds a manager for cfg. client may be nil, in which case only
// the in-memory store is used.
func NewManager(cfg config.RateLimitConfig, client *redis.Client, logger *zap.Logger, m *metrics.Metrics) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestsPerMinute < 0 {
		return nil, fmt.Errorf("ratelimit: requests_per_minute must not be negative")
	}

	mgr := &Manager{
		limit:   int64(cfg.RequestsPerMinute),
		logger:  logger.Named("ratelimit"),
		metrics: m,
		nowFn:   time.Now,
	}
	if mgr.limit == 0 {
		return mgr, nil
	}

	rate := limiter.Rate{Period: time.Minute, Limit: mgr.limit}
	opts := limiter.StoreOptions{
		Prefix:          cfg.Redis.Prefix,
		MaxRetry:        3,
		CleanUpInterval: time.Minute,
	}
	mgr.local = limiter.New(memstore.NewStoreWithOptions(opts), rate)

	if client != nil {
		store, err := redisstore.NewStoreWithOptions(client, opts)
		if err != nil {
			mgr.logger.Warn("redis store unavailable, using in-memory counters", zap.Error(err))
		} else {
			mgr.shared = limiter.New(store, rate)
		}
	}
	return mgr, nil
}

// Enabled reports whether any limit is configured
func (m *Manager) Enabled() bool {
	return m != nil && m.limit > 0
}

// Check counts one request for key
func (m *Manager) Check(ctx context.Context, key string) (Result, error) {
	if !m.Enabled() {
		return Result{}, nil
	}

	if m.shared != nil && !m.degraded() {
		lctx, err := m.shared.Get(ctx, key)
		if err == nil {
			return toResult(lctx), nil
		}
		m.degrade(err)
	}

	lctx, err := m.local.Get(ctx, key)
	if err != nil {
		return Result{}, fmt.Errorf("ratelimit: %w", err)
	}
	return toResult(lctx), nil
}

func (m *Manager) degraded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nowFn().Before(m.degradedUntil)
}

func (m *Manager) degrade(err error) {
	m.mu.Lock()
	m.degradedUntil = m.nowFn().Add(FallbackWindow)
	m.mu.Unlock()
	m.logger.Warn("rate limiter falling back to memory",
		zap.Duration("window", FallbackWindow),
		zap.Error(err),
	)
}

func toResult(c limiter.Context) Result {
	return Result{
		Limit:     c.Limit,
		Remaining: c.Remaining,
		Reset:     time.Unix(c.Reset, 0),
		Reached:   c.Reached,
	}
}

// NewRedisClient opens a client for cfg, or returns nil when no address is set
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	if cfg.Addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}
