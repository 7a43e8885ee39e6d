package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mentormesh/core/pkg/kv"
)

// SecurityConfig tunes the edge gate that runs before routing.
type SecurityConfig struct {
	// PerSecond and PerMinute cap requests per source IP.
	PerSecond int `yaml:"per_second"`
	PerMinute int `yaml:"per_minute"`
	// MaxHeaderBytes bounds the total size of request headers.
	MaxHeaderBytes int `yaml:"max_header_bytes"`
	// MaxForwardHops bounds the X-Forwarded-For chain length.
	MaxForwardHops int `yaml:"max_forward_hops"`
	// BlockTTL is the default duration for manual IP blocks.
	BlockTTL time.Duration `yaml:"block_ttl"`
}

// DefaultSecurityConfig returns the production edge limits.
func DefaultSecurityConfig() SecurityConfig {
	return SecurityConfig{
		PerSecond:      20,
		PerMinute:      300,
		MaxHeaderBytes: 16 * 1024,
		MaxForwardHops: 5,
		BlockTTL:       time.Hour,
	}
}

// SecurityGate rejects blocked IPs, enforces per-IP request caps and
// screens out grossly malformed requests before any routing work.
type SecurityGate struct {
	cfg    SecurityConfig
	store  kv.Store
	logger *slog.Logger
}

// NewSecurityGate creates the edge gate.
func NewSecurityGate(cfg SecurityConfig, store kv.Store) *SecurityGate {
	return &SecurityGate{
		cfg:    cfg,
		store:  store,
		logger: slog.Default().With("component", "gateway.security"),
	}
}

func blockKey(ip string) string { return "ip_blocklist:" + ip }

// Check runs the gate for one request. A nil return admits it.
func (g *SecurityGate) Check(ctx context.Context, ip string, r *http.Request) error {
	if _, err := g.store.Get(ctx, blockKey(ip)); err == nil {
		return E(KindForbidden, "source address is blocked")
	} else if !errors.Is(err, kv.ErrNil) {
		// The store being down must not take the edge down with it.
		g.logger.Warn("Blocklist lookup failed", "ip", ip, "error", err)
	}

	if g.cfg.PerSecond > 0 {
		n, err := g.store.Incr(ctx, "ip_rate_limit:"+ip+":sec", 1, time.Second)
		if err != nil {
			g.logger.Warn("IP counter failed", "ip", ip, "error", err)
		} else if n > int64(g.cfg.PerSecond) {
			return E(KindRateLimited, "too many requests")
		}
	}
	if g.cfg.PerMinute > 0 {
		n, err := g.store.Incr(ctx, "ip_rate_limit:"+ip+":min", 1, time.Minute)
		if err != nil {
			g.logger.Warn("IP counter failed", "ip", ip, "error", err)
		} else if n > int64(g.cfg.PerMinute) {
			return E(KindRateLimited, "too many requests")
		}
	}

	if containsTraversal(r.RequestURI) || containsTraversal(r.URL.Path) {
		return E(KindValidation, "malformed request path")
	}
	if g.cfg.MaxHeaderBytes > 0 && headerSize(r.Header) > g.cfg.MaxHeaderBytes {
		return E(KindValidation, "request headers too large")
	}
	if g.cfg.MaxForwardHops > 0 {
		if hops := forwardHops(r.Header); hops > g.cfg.MaxForwardHops {
			return E(KindValidation, "forwarding chain too long")
		}
	}
	return nil
}

// Block adds the IP to the blocklist. A zero ttl uses the configured
// default.
func (g *SecurityGate) Block(ctx context.Context, ip string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = g.cfg.BlockTTL
	}
	if err := g.store.Set(ctx, blockKey(ip), time.Now().UTC().Format(time.RFC3339), ttl); err != nil {
		return err
	}
	g.logger.Info("IP blocked", "ip", ip, "ttl", ttl)
	return nil
}

// Unblock removes the IP from the blocklist.
func (g *SecurityGate) Unblock(ctx context.Context, ip string) error {
	return g.store.Del(ctx, blockKey(ip))
}

func containsTraversal(s string) bool {
	if strings.Contains(s, "..") {
		return true
	}
	lower := strings.ToLower(s)
	return strings.Contains(lower, "%2e%2e")
}

func headerSize(h http.Header) int {
	size := 0
	for k, vs := range h {
		for _, v := range vs {
			size += len(k) + len(v)
		}
	}
	return size
}

func forwardHops(h http.Header) int {
	v := h.Get("X-Forwarded-For")
	if v == "" {
		return 0
	}
	return len(strings.Split(v, ","))
}
