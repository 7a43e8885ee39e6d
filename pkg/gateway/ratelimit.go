package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/mentormesh/core/pkg/kv"
)

// LimiterConfig tunes the per-user request budget.
type LimiterConfig struct {
	// Requests per Window for anonymous callers.
	Requests int           `yaml:"requests"`
	Window   time.Duration `yaml:"window"`
	// AuthMultiplier scales the budget for verified users.
	AuthMultiplier int `yaml:"auth_multiplier"`
}

// DefaultLimiterConfig returns the production request budget.
func DefaultLimiterConfig() LimiterConfig {
	return LimiterConfig{
		Requests:       60,
		Window:         time.Minute,
		AuthMultiplier: 5,
	}
}

// UserLimiter grants each caller a request budget per window. The
// window is an increment-with-TTL counter in the shared store, so
// concurrent requests across gateway instances cannot race the budget.
type UserLimiter struct {
	cfg    LimiterConfig
	store  kv.Store
	logger *slog.Logger
}

// NewUserLimiter creates the per-user limiter.
func NewUserLimiter(cfg LimiterConfig, store kv.Store) *UserLimiter {
	if cfg.Requests <= 0 {
		cfg.Requests = 60
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.AuthMultiplier <= 0 {
		cfg.AuthMultiplier = 1
	}
	return &UserLimiter{
		cfg:    cfg,
		store:  store,
		logger: slog.Default().With("component", "gateway.limiter"),
	}
}

// Allow spends one token from the subject's budget.
func (l *UserLimiter) Allow(ctx context.Context, subject string, authenticated bool) bool {
	n, err := l.store.Incr(ctx, "rate_limit:gateway:"+subject, 1, l.cfg.Window)
	if err != nil {
		// Counter outage degrades to admitting traffic.
		l.logger.Warn("Rate counter failed", "subject", subject, "error", err)
		return true
	}
	limit := l.cfg.Requests
	if authenticated {
		limit *= l.cfg.AuthMultiplier
	}
	return n <= int64(limit)
}
