// Package gateway implements the edge proxy in front of the platform
// services. Every request walks the same pipeline: per-IP security
// screening, longest-prefix routing, token verification, a per-user
// request budget, GET response caching, the destination's circuit
// breaker, then retrying load-balanced forwarding. Responses carry
// X-User-ID, X-Active-Role and X-Response-Time.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/mentormesh/core/pkg/auth"
	"github.com/mentormesh/core/pkg/kv"
	"github.com/mentormesh/core/pkg/metrics"
	"github.com/mentormesh/core/pkg/models"
)

// errUpstreamStatus marks a 5xx answer that is relayed to the client
// but still counts as a breaker failure.
var errUpstreamStatus = errors.New("upstream returned 5xx")

// TokenVerifier checks bearer tokens. The identity service satisfies it.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*auth.Claims, error)
}

// Config collects the gateway pipeline settings.
type Config struct {
	Routes   []Route        `yaml:"routes"`
	Security SecurityConfig `yaml:"security"`
	Limiter  LimiterConfig  `yaml:"limiter"`
	Breaker  BreakerConfig  `yaml:"breaker"`
	Proxy    ProxyConfig    `yaml:"proxy"`
}

// DefaultConfig returns the production pipeline settings with the
// platform route table.
func DefaultConfig() Config {
	return Config{
		Routes:   DefaultRoutes(),
		Security: DefaultSecurityConfig(),
		Limiter:  DefaultLimiterConfig(),
		Breaker:  DefaultBreakerConfig(),
		Proxy:    DefaultProxyConfig(),
	}
}

// Gateway is the edge pipeline. It implements http.Handler.
type Gateway struct {
	table    *Table
	security *SecurityGate
	limiter  *UserLimiter
	cache    *ResponseCache
	breakers *BreakerSet
	proxy    *Proxy
	verifier TokenVerifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
	flight   singleflight.Group
}

// New assembles the gateway from its route table and collaborators.
func New(cfg Config, store kv.Store, verifier TokenVerifier, balancer *Balancer, m *metrics.Metrics) (*Gateway, error) {
	if verifier == nil {
		return nil, fmt.Errorf("gateway: token verifier is required")
	}
	table, err := NewTable(cfg.Routes)
	if err != nil {
		return nil, err
	}
	return &Gateway{
		table:    table,
		security: NewSecurityGate(cfg.Security, store),
		limiter:  NewUserLimiter(cfg.Limiter, store),
		cache:    NewResponseCache(store),
		breakers: NewBreakerSet(cfg.Breaker, store, m),
		proxy:    NewProxy(cfg.Proxy, balancer),
		verifier: verifier,
		metrics:  m,
		logger:   slog.Default().With("component", "gateway"),
	}, nil
}

// Security exposes the edge gate for admin block/unblock operations.
func (g *Gateway) Security() *SecurityGate { return g.security }

// Breakers exposes circuit state for health reporting.
func (g *Gateway) Breakers() *BreakerSet { return g.breakers }

// ServeHTTP runs the pipeline. The step order is part of the contract:
// security, route, auth, budget, cache, circuit, proxy, response.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ip := clientIP(r)

	if err := g.security.Check(r.Context(), ip, r); err != nil {
		g.writeError(w, r, nil, nil, start, err)
		return
	}

	rt := g.table.Match(r.URL.Path)
	if rt == nil {
		g.writeError(w, r, nil, nil, start, E(KindNotFound, "no route for %s", r.URL.Path))
		return
	}

	claims, err := g.authorize(r, rt)
	if err != nil {
		g.writeError(w, r, rt, claims, start, err)
		return
	}

	subject := "ip:" + ip
	if claims != nil {
		subject = claims.UserID
	}
	if !g.limiter.Allow(r.Context(), subject, claims != nil) {
		g.writeError(w, r, rt, claims, start, E(KindRateLimited, "request budget exhausted"))
		return
	}

	resp, cacheState, err := g.dispatch(r, rt, claims)
	if err != nil {
		g.writeError(w, r, rt, claims, start, g.mapDispatchError(rt, err))
		return
	}
	g.writeResponse(w, rt, claims, start, resp, cacheState)
}

// Handler wraps the pipeline with the gateway's own health and
// metrics endpoints, which never touch a backend.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	if g.metrics != nil {
		mux.Handle("/metrics", metrics.ExpositionHandler(g.metrics))
	}
	mux.Handle("/", g)
	return mux
}

func (g *Gateway) authorize(r *http.Request, rt *Route) (*auth.Claims, error) {
	if !rt.RequireAuth {
		return nil, nil
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		return nil, E(KindAuth, "bearer token required")
	}
	claims, err := g.verifier.Verify(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrBanned) {
			return nil, E(KindForbidden, "account suspended")
		}
		return nil, E(KindAuth, "invalid token")
	}
	if len(rt.Roles) > 0 && !hasAnyRole(claims, rt.Roles) {
		return claims, E(KindForbidden, "role not permitted")
	}
	if rt.ActiveRole != "" && claims.ActiveRole != string(rt.ActiveRole) {
		return claims, E(KindForbidden, "active role %s required", rt.ActiveRole)
	}
	if rt.SelfOnly && !claims.IsAdmin() {
		if target := rt.PathParam(r.URL.Path); target != "" && target != claims.UserID {
			return claims, E(KindForbidden, "access limited to own resources")
		}
	}
	return claims, nil
}

func (g *Gateway) dispatch(r *http.Request, rt *Route, claims *auth.Claims) (*upstreamResponse, string, error) {
	ctx := r.Context()
	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(r.Body)
		if err != nil {
			return nil, "", E(KindValidation, "unreadable request body")
		}
	}
	identity := identityFor(claims)

	if r.Method != http.MethodGet || rt.CacheTTL <= 0 {
		resp, err := g.forward(ctx, rt, r, body, identity)
		return resp, "", err
	}

	key := cacheKey(r.Method, r.URL.RequestURI())
	if resp, ok := g.cache.Lookup(ctx, key); ok {
		g.metrics.RecordCacheLookup("hit")
		return resp, "HIT", nil
	}
	g.metrics.RecordCacheLookup("miss")

	// Concurrent misses on one key collapse into a single fetch.
	v, err, _ := g.flight.Do(key, func() (any, error) {
		resp, ferr := g.forward(ctx, rt, r, body, identity)
		if ferr == nil && resp.Status < 300 {
			g.cache.Store(ctx, key, resp, rt.CacheTTL)
		}
		return resp, ferr
	})
	if err != nil {
		return nil, "", err
	}
	return v.(*upstreamResponse), "MISS", nil
}

// forward proxies through the destination's breaker. A relayable 5xx
// comes back as a response with a nil error while the breaker still
// records the failure.
func (g *Gateway) forward(ctx context.Context, rt *Route, r *http.Request, body []byte, identity http.Header) (*upstreamResponse, error) {
	out, err := g.breakers.Execute(rt.Service, func() (any, error) {
		resp, perr := g.proxy.Do(ctx, rt, r, body, identity)
		if perr != nil {
			return nil, perr
		}
		if resp.Status >= 500 {
			return resp, errUpstreamStatus
		}
		return resp, nil
	})
	if errors.Is(err, errUpstreamStatus) {
		return out.(*upstreamResponse), nil
	}
	if err != nil {
		return nil, err
	}
	return out.(*upstreamResponse), nil
}

func (g *Gateway) mapDispatchError(rt *Route, err error) error {
	var ge *Error
	if errors.As(err, &ge) {
		return ge
	}
	switch {
	case errors.Is(err, ErrCircuitOpen):
		return E(KindCircuitOpen, "service %s temporarily unavailable", rt.Service)
	case errors.Is(err, context.DeadlineExceeded):
		return E(KindTimeout, "service %s timed out", rt.Service)
	case errors.Is(err, ErrNoBackends):
		return E(KindUpstream, "service %s has no healthy instances", rt.Service)
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return E(KindTimeout, "service %s timed out", rt.Service)
	}
	return E(KindUpstream, "service %s unreachable", rt.Service)
}

func (g *Gateway) writeResponse(w http.ResponseWriter, rt *Route, claims *auth.Claims, start time.Time, resp *upstreamResponse, cacheState string) {
	h := w.Header()
	for k, vs := range resp.Header {
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	if cacheState != "" {
		h.Set("X-Cache", cacheState)
	}
	stampIdentity(h, claims)
	h.Set("X-Response-Time", responseTime(start))
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
	g.metrics.RecordGatewayRequest(rt.Service, strconv.Itoa(resp.Status), time.Since(start))
}

func (g *Gateway) writeError(w http.ResponseWriter, r *http.Request, rt *Route, claims *auth.Claims, start time.Time, err error) {
	var ge *Error
	if !errors.As(err, &ge) {
		ge = E(KindInternal, "internal gateway error")
	}
	status := ge.Status()

	h := w.Header()
	h.Set("Content-Type", "application/json")
	stampIdentity(h, claims)
	h.Set("X-Response-Time", responseTime(start))
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(models.Envelope{
		Error: &models.EnvelopeError{Code: string(ge.Kind), Message: ge.Message},
	})

	service := "gateway"
	if rt != nil {
		service = rt.Service
	}
	g.metrics.RecordGatewayRequest(service, strconv.Itoa(status), time.Since(start))
	if status >= 500 {
		g.logger.Warn("Request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", ge.Message)
	} else {
		g.logger.Debug("Request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "code", string(ge.Kind))
	}
}

func stampIdentity(h http.Header, claims *auth.Claims) {
	if claims == nil {
		return
	}
	h.Set("X-User-ID", claims.UserID)
	if claims.ActiveRole != "" {
		h.Set("X-Active-Role", claims.ActiveRole)
	}
}

func identityFor(claims *auth.Claims) http.Header {
	if claims == nil {
		return nil
	}
	h := make(http.Header)
	h.Set("X-User-ID", claims.UserID)
	if claims.ActiveRole != "" {
		h.Set("X-Active-Role", claims.ActiveRole)
	}
	return h
}

func hasAnyRole(claims *auth.Claims, roles []models.Role) bool {
	for _, role := range roles {
		if claims.HasRole(role) {
			return true
		}
	}
	return false
}

func responseTime(start time.Time) string {
	return strconv.FormatInt(time.Since(start).Milliseconds(), 10) + "ms"
}
