// Package cleanup provides data retention and liveness sweeps.
package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/mentormesh/core/pkg/database"
	"github.com/mentormesh/core/pkg/registry"
	"github.com/mentormesh/core/pkg/services"
)

// Config sets sweep cadences and retention windows. A retention window
// of zero disables that purge.
type Config struct {
	// SweepInterval drives the fast loop: stale typing flags and
	// inactive calls.
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// RetentionInterval drives the slow loop that purges old rows.
	RetentionInterval time.Duration `yaml:"retention_interval"`

	MessageRetention   time.Duration `yaml:"message_retention"`
	CallRetention      time.Duration `yaml:"call_retention"`
	AnalyticsRetention time.Duration `yaml:"analytics_retention"`
	SagaRetention      time.Duration `yaml:"saga_retention"`
}

// DefaultConfig returns production retention settings.
func DefaultConfig() Config {
	return Config{
		SweepInterval:      30 * time.Second,
		RetentionInterval:  time.Hour,
		MessageRetention:   90 * 24 * time.Hour,
		CallRetention:      30 * 24 * time.Hour,
		AnalyticsRetention: 180 * 24 * time.Hour,
		SagaRetention:      7 * 24 * time.Hour,
	}
}

// Service periodically enforces retention policies:
//   - Purges messages, terminal calls, analytics events, and finished
//     sagas past their retention windows
//   - Fails calls with no recent signaling activity
//   - Drops typing flags left behind by silent clients
//
// All sweeps are idempotent and safe to run from multiple instances.
type Service struct {
	cfg      Config
	db       *database.Client
	calls    *services.CallService
	registry *registry.Manager
	logger   *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a new cleanup service. calls and reg may be nil;
// the matching sweeps are skipped.
func NewService(cfg Config, db *database.Client, calls *services.CallService, reg *registry.Manager) *Service {
	def := DefaultConfig()
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.RetentionInterval <= 0 {
		cfg.RetentionInterval = def.RetentionInterval
	}
	return &Service{
		cfg:      cfg,
		db:       db,
		calls:    calls,
		registry: reg,
		logger:   slog.Default().With("component", "cleanup"),
	}
}

// Start launches the background sweep loops.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	s.logger.Info("Cleanup service started",
		"sweep_interval", s.cfg.SweepInterval,
		"retention_interval", s.cfg.RetentionInterval,
		"message_retention", s.cfg.MessageRetention,
		"call_retention", s.cfg.CallRetention,
		"analytics_retention", s.cfg.AnalyticsRetention,
		"saga_retention", s.cfg.SagaRetention)
}

// Stop signals the sweep loops to exit and waits for them to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.sweepLiveness(ctx)
	s.enforceRetention(ctx)

	fast := time.NewTicker(s.cfg.SweepInterval)
	defer fast.Stop()
	slow := time.NewTicker(s.cfg.RetentionInterval)
	defer slow.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-fast.C:
			s.sweepLiveness(ctx)
		case <-slow.C:
			s.enforceRetention(ctx)
		}
	}
}

func (s *Service) sweepLiveness(ctx context.Context) {
	if s.registry != nil {
		s.registry.ClearStaleTyping()
	}
	if s.calls != nil {
		count, err := s.calls.SweepInactive(ctx)
		if err != nil {
			s.logger.Error("Inactive call sweep failed", "error", err)
		} else if count > 0 {
			s.logger.Info("Failed inactive calls", "count", count)
		}
	}
}

func (s *Service) enforceRetention(ctx context.Context) {
	if s.db == nil {
		return
	}
	now := time.Now().UTC()
	s.purge(ctx, "messages", s.cfg.MessageRetention, now, s.db.Messages.DeleteOlderThan)
	s.purge(ctx, "calls", s.cfg.CallRetention, now, s.db.Calls.DeleteEndedBefore)
	s.purge(ctx, "analytics_events", s.cfg.AnalyticsRetention, now, s.db.Analytics.DeleteOlderThan)
	s.purge(ctx, "sagas", s.cfg.SagaRetention, now, s.db.Sagas.DeleteFinishedBefore)
}

func (s *Service) purge(ctx context.Context, target string, window time.Duration, now time.Time,
	fn func(context.Context, time.Time) (int64, error)) {
	if window <= 0 {
		return
	}
	count, err := fn(ctx, now.Add(-window))
	if err != nil {
		s.logger.Error("Retention purge failed", "target", target, "error", err)
		return
	}
	if count > 0 {
		s.logger.Info("Retention purge removed rows", "target", target, "count", count)
	}
}
