package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pickURL(t *testing.T, b *Balancer, service string) string {
	t.Helper()
	back, err := b.Pick(service)
	require.NoError(t, err)
	defer back.Release()
	return back.URL()
}

func TestBalancer_RoundRobinRotates(t *testing.T) {
	b := NewBalancer(DefaultBalancerConfig())
	require.NoError(t, b.Register("core", ServiceConfig{Backends: []BackendConfig{
		{URL: "http://a.internal:8080"},
		{URL: "http://b.internal:8080"},
	}}))

	seen := []string{
		pickURL(t, b, "core"), pickURL(t, b, "core"),
		pickURL(t, b, "core"), pickURL(t, b, "core"),
	}
	assert.Equal(t, seen[0], seen[2])
	assert.Equal(t, seen[1], seen[3])
	assert.NotEqual(t, seen[0], seen[1])
}

func TestBalancer_LeastConnPrefersIdle(t *testing.T) {
	b := NewBalancer(DefaultBalancerConfig())
	require.NoError(t, b.Register("core", ServiceConfig{
		Strategy: StrategyLeastConn,
		Backends: []BackendConfig{
			{URL: "http://a.internal:8080"},
			{URL: "http://b.internal:8080"},
		},
	}))

	busy, err := b.Pick("core")
	require.NoError(t, err)

	// While one instance holds a request, new picks go to the other.
	for i := 0; i < 3; i++ {
		idle, err := b.Pick("core")
		require.NoError(t, err)
		assert.NotEqual(t, busy.URL(), idle.URL())
		idle.Release()
	}
	busy.Release()
}

func TestBalancer_WeightedDistribution(t *testing.T) {
	b := NewBalancer(DefaultBalancerConfig())
	require.NoError(t, b.Register("core", ServiceConfig{
		Strategy: StrategyWeighted,
		Backends: []BackendConfig{
			{URL: "http://heavy.internal:8080", Weight: 3},
			{URL: "http://light.internal:8080", Weight: 1},
		},
	}))

	counts := map[string]int{}
	for i := 0; i < 8; i++ {
		counts[pickURL(t, b, "core")]++
	}
	assert.Equal(t, 6, counts["http://heavy.internal:8080"])
	assert.Equal(t, 2, counts["http://light.internal:8080"])
}

func TestBalancer_RegisterValidation(t *testing.T) {
	b := NewBalancer(DefaultBalancerConfig())

	require.Error(t, b.Register("core", ServiceConfig{}))
	require.Error(t, b.Register("core", ServiceConfig{Backends: []BackendConfig{{URL: "not a url"}}}))
	require.Error(t, b.Register("core", ServiceConfig{
		Strategy: "random",
		Backends: []BackendConfig{{URL: "http://a.internal:8080"}},
	}))

	_, err := b.Pick("never-registered")
	assert.ErrorIs(t, err, ErrNoBackends)
}

func TestBalancer_HealthSweepEjectsAndReadmits(t *testing.T) {
	var broken atomic.Bool
	srvA := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if broken.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srvA.Close)
	srvB := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srvB.Close)

	cfg := BalancerConfig{CheckInterval: time.Hour, CheckTimeout: time.Second, FailThreshold: 2}
	b := NewBalancer(cfg)
	require.NoError(t, b.Register("core", ServiceConfig{
		HealthPath: "/healthz",
		Backends:   []BackendConfig{{URL: srvA.URL}, {URL: srvB.URL}},
	}))
	ctx := context.Background()

	broken.Store(true)
	b.CheckNow(ctx)
	// One failed probe is below the threshold, the instance stays in.
	urls := map[string]bool{pickURL(t, b, "core"): true, pickURL(t, b, "core"): true}
	assert.Len(t, urls, 2)

	b.CheckNow(ctx)
	for i := 0; i < 4; i++ {
		assert.Equal(t, srvB.URL, pickURL(t, b, "core"))
	}

	broken.Store(false)
	b.CheckNow(ctx)
	urls = map[string]bool{pickURL(t, b, "core"): true, pickURL(t, b, "core"): true}
	assert.Len(t, urls, 2, "recovered instance is readmitted")
}

func TestBalancer_AllEjectedSurfacesNoBackends(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	cfg := BalancerConfig{CheckInterval: time.Hour, CheckTimeout: time.Second, FailThreshold: 1}
	b := NewBalancer(cfg)
	require.NoError(t, b.Register("core", ServiceConfig{
		HealthPath: "/healthz",
		Backends:   []BackendConfig{{URL: srv.URL}},
	}))

	b.CheckNow(context.Background())
	_, err := b.Pick("core")
	assert.ErrorIs(t, err, ErrNoBackends)
}
