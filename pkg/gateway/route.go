package gateway

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/mentormesh/core/pkg/models"
)

// Route declares how one path prefix is proxied.
type Route struct {
	// Name labels the route in logs.
	Name string `yaml:"name"`
	// Prefix is matched against the request path, longest prefix wins.
	Prefix string `yaml:"prefix"`
	// Service names the backend pool in the balancer.
	Service string `yaml:"service"`
	// Timeout bounds each proxy attempt. Zero uses the gateway default.
	Timeout time.Duration `yaml:"timeout"`
	// Retries is the extra-attempt budget for 5xx and network failures.
	Retries int `yaml:"retries"`
	// CacheTTL enables response caching for GETs when positive.
	CacheTTL time.Duration `yaml:"cache_ttl"`
	// StripPrefix removes Prefix from the path before forwarding.
	StripPrefix bool `yaml:"strip_prefix"`

	// RequireAuth gates the route behind a verified bearer token.
	RequireAuth bool `yaml:"require_auth"`
	// Roles, when non-empty, requires the caller to hold one of them.
	Roles []models.Role `yaml:"roles"`
	// ActiveRole, when set, requires the caller's active role to match.
	ActiveRole models.Role `yaml:"active_role"`
	// SelfOnly restricts the route to the user named in the path;
	// admins bypass the check.
	SelfOnly bool `yaml:"self_only"`

	// PaymentClass forces a single proxy attempt regardless of Retries.
	PaymentClass bool `yaml:"payment_class"`
}

// Attempts returns the total proxy attempts this route allows.
func (r *Route) Attempts() int {
	if r.PaymentClass {
		return 1
	}
	if r.Retries < 0 {
		return 1
	}
	return r.Retries + 1
}

// PathParam extracts the path segment immediately after the route
// prefix, which self-only routes treat as the target user id. Empty
// for collection paths.
func (r *Route) PathParam(path string) string {
	rest := strings.TrimPrefix(path, r.Prefix)
	rest = strings.TrimPrefix(rest, "/")
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	return rest
}

// ForwardPath rewrites the request path for the upstream hop.
func (r *Route) ForwardPath(path string) string {
	if !r.StripPrefix {
		return path
	}
	rest := strings.TrimPrefix(path, r.Prefix)
	if !strings.HasPrefix(rest, "/") {
		rest = "/" + rest
	}
	return rest
}

// Table resolves request paths to routes by longest matching prefix.
type Table struct {
	routes []Route
}

// NewTable validates the route set and orders it longest prefix first.
func NewTable(routes []Route) (*Table, error) {
	rs := make([]Route, len(routes))
	copy(rs, routes)
	for i := range rs {
		if !strings.HasPrefix(rs[i].Prefix, "/") {
			return nil, fmt.Errorf("route %q: prefix must start with /", rs[i].Name)
		}
		if rs[i].Service == "" {
			return nil, fmt.Errorf("route %q: service is required", rs[i].Name)
		}
	}
	sort.SliceStable(rs, func(i, j int) bool {
		return len(rs[i].Prefix) > len(rs[j].Prefix)
	})
	return &Table{routes: rs}, nil
}

// Match returns the route owning the path, or nil.
func (t *Table) Match(path string) *Route {
	for i := range t.routes {
		if prefixMatch(path, t.routes[i].Prefix) {
			return &t.routes[i]
		}
	}
	return nil
}

// Routes returns the table in match order.
func (t *Table) Routes() []Route {
	out := make([]Route, len(t.routes))
	copy(out, t.routes)
	return out
}

// prefixMatch is segment-aware: /api/users matches /api/users and
// /api/users/42 but not /api/usersearch.
func prefixMatch(path, prefix string) bool {
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	if len(path) == len(prefix) || strings.HasSuffix(prefix, "/") {
		return true
	}
	return path[len(prefix)] == '/'
}

// DefaultRoutes returns the platform route table. Prefixes mirror the
// core's versioned namespace so the default single-node deployment
// forwards paths verbatim.
func DefaultRoutes() []Route {
	return []Route{
		{Name: "auth", Prefix: "/api/v1/auth", Service: "core", Retries: 2},
		{Name: "mentors", Prefix: "/api/v1/mentors", Service: "core", Retries: 2, CacheTTL: 60 * time.Second},
		{Name: "users", Prefix: "/api/v1/users", Service: "core", Retries: 2, RequireAuth: true, SelfOnly: true, CacheTTL: 30 * time.Second},
		{Name: "messages", Prefix: "/api/v1/messages", Service: "core", Retries: 2, RequireAuth: true},
		{Name: "presence", Prefix: "/api/v1/presence", Service: "core", Retries: 2, RequireAuth: true},
		{Name: "rooms", Prefix: "/api/v1/rooms", Service: "core", Retries: 2, RequireAuth: true},
		{Name: "calls", Prefix: "/api/v1/calls", Service: "core", Retries: 2, RequireAuth: true},
		{Name: "sessions", Prefix: "/api/v1/sessions", Service: "core", Retries: 2, RequireAuth: true},
		{Name: "bookings", Prefix: "/api/v1/bookings", Service: "core", Retries: 2, RequireAuth: true},
		{Name: "payments", Prefix: "/api/v1/payments", Service: "payments", Retries: 2, RequireAuth: true, PaymentClass: true},
		{Name: "admin", Prefix: "/api/v1/admin", Service: "core", Retries: 1, RequireAuth: true, Roles: []models.Role{models.RoleAdmin}},
	}
}
