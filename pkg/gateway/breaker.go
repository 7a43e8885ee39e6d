package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/mentormesh/core/pkg/kv"
	"github.com/mentormesh/core/pkg/metrics"
)

// BreakerConfig tunes the per-service circuit breakers.
type BreakerConfig struct {
	// FailureThreshold consecutive failures open the circuit.
	FailureThreshold uint32 `yaml:"failure_threshold"`
	// Cooldown is how long an open circuit waits before probing.
	Cooldown time.Duration `yaml:"cooldown"`
	// ProbeCount successful half-open probes close the circuit again.
	ProbeCount uint32 `yaml:"probe_count"`
}

// DefaultBreakerConfig returns the production circuit settings.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         60 * time.Second,
		ProbeCount:       3,
	}
}

// BreakerSet holds one circuit breaker per backend service. State
// changes are mirrored to circuit:{service} in the shared store so
// peers and dashboards see them.
type BreakerSet struct {
	cfg     BreakerConfig
	store   kv.Store
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakerSet creates the breaker registry.
func NewBreakerSet(cfg BreakerConfig, store kv.Store, m *metrics.Metrics) *BreakerSet {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 60 * time.Second
	}
	if cfg.ProbeCount == 0 {
		cfg.ProbeCount = 1
	}
	return &BreakerSet{
		cfg:      cfg,
		store:    store,
		metrics:  m,
		logger:   slog.Default().With("component", "gateway.breaker"),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Execute runs fn behind the service's breaker. An open circuit
// returns ErrCircuitOpen without invoking fn.
func (s *BreakerSet) Execute(service string, fn func() (any, error)) (any, error) {
	out, err := s.breaker(service).Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return out, ErrCircuitOpen
	}
	return out, err
}

// State reports the service's current circuit state.
func (s *BreakerSet) State(service string) gobreaker.State {
	return s.breaker(service).State()
}

func (s *BreakerSet) breaker(service string) *gobreaker.CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cb, ok := s.breakers[service]; ok {
		return cb
	}
	threshold := s.cfg.FailureThreshold
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        service,
		MaxRequests: s.cfg.ProbeCount,
		Timeout:     s.cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: s.onStateChange,
	})
	s.breakers[service] = cb
	return cb
}

// onStateChange mirrors the new state to the shared store and metrics.
// gobreaker's numeric states match the published gauge encoding:
// closed 0, half-open 1, open 2.
func (s *BreakerSet) onStateChange(service string, from, to gobreaker.State) {
	s.logger.Warn("Circuit state changed", "service", service, "from", from.String(), "to", to.String())
	s.metrics.SetCircuitState(service, float64(to))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.store.Set(ctx, "circuit:"+service, to.String(), 0); err != nil {
		s.logger.Warn("Circuit mirror write failed", "service", service, "error", err)
	}
}
