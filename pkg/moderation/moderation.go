// Package moderation classifies message bodies before delivery. The
// remote moderation collaborator is authoritative; when it is
// unreachable or answers garbage the local rule set decides instead,
// so message delivery never stalls on the collaborator.
package moderation

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/mentormesh/core/pkg/models"
)

// Moderator classifies one message body.
type Moderator interface {
	ModerateText(ctx context.Context, body string) (models.ModerationStatus, error)
}

// Config holds the moderation collaborator settings. An empty BaseURL
// disables the remote call and runs the rule set only.
type Config struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig returns the default moderation configuration.
func DefaultConfig() Config {
	return Config{
		Timeout: 2 * time.Second,
	}
}

// Service moderates via the remote collaborator with the rule set as
// fallback.
type Service struct {
	client *resty.Client
	rules  *Rules
	logger *slog.Logger
}

// NewService creates the moderation service. client is nil when no
// BaseURL is configured.
func NewService(cfg Config) *Service {
	s := &Service{
		rules:  NewRules(),
		logger: slog.Default().With("component", "moderation"),
	}
	if cfg.BaseURL != "" {
		client := resty.New().
			SetBaseURL(cfg.BaseURL).
			SetTimeout(cfg.Timeout).
			SetHeader("Content-Type", "application/json")
		if cfg.APIKey != "" {
			client.SetAuthToken(cfg.APIKey)
		}
		s.client = client
	}
	return s
}

type moderateRequest struct {
	Text string `json:"text"`
}

type moderateResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// ModerateText returns the verdict for body. Never returns an error:
// collaborator failures degrade to the rule set.
func (s *Service) ModerateText(ctx context.Context, body string) (models.ModerationStatus, error) {
	if s.client == nil {
		return s.rules.ModerateText(ctx, body)
	}

	var out moderateResponse
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(moderateRequest{Text: body}).
		SetResult(&out).
		Post("/v1/moderate")
	if err != nil {
		s.logger.Warn("Moderation service unreachable, using rule fallback", "error", err)
		return s.rules.ModerateText(ctx, body)
	}
	if resp.IsError() {
		s.logger.Warn("Moderation service error, using rule fallback",
			"status", resp.StatusCode())
		return s.rules.ModerateText(ctx, body)
	}

	switch models.ModerationStatus(strings.ToLower(out.Status)) {
	case models.ModerationApproved:
		return models.ModerationApproved, nil
	case models.ModerationFlagged:
		return models.ModerationFlagged, nil
	case models.ModerationBlocked:
		return models.ModerationBlocked, nil
	default:
		s.logger.Warn("Unknown moderation verdict, using rule fallback", "verdict", out.Status)
		return s.rules.ModerateText(ctx, body)
	}
}
