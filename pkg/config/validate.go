package config

import (
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/bcrypt"

	"github.com/mentormesh/core/pkg/gateway"
)

// validate performs comprehensive validation on loaded configuration
func validate(cfg *Config) error {
	return NewValidator(cfg).ValidateAll()
}

// ConfigValidator validates configuration comprehensively with clear error messages
type ConfigValidator struct {
	cfg    *Config
	checks *validator.Validate
}

// NewValidator creates a validator for the given configuration
func NewValidator(cfg *Config) *ConfigValidator {
	checks := validator.New()

	// Report yaml field names, not Go field names.
	checks.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &ConfigValidator{cfg: cfg, checks: checks}
}

// ValidateAll performs comprehensive validation (fail-fast - stops at first error)
func (v *ConfigValidator) ValidateAll() error {
	if err := v.validateListeners(); err != nil {
		return fmt.Errorf("listener validation failed: %w", err)
	}

	if err := v.validateAuth(); err != nil {
		return fmt.Errorf("auth validation failed: %w", err)
	}

	if err := v.validateStores(); err != nil {
		return fmt.Errorf("store validation failed: %w", err)
	}

	if err := v.validateGateway(); err != nil {
		return fmt.Errorf("gateway validation failed: %w", err)
	}

	if err := v.validateRealtime(); err != nil {
		return fmt.Errorf("realtime validation failed: %w", err)
	}

	if err := v.validateWorkflow(); err != nil {
		return fmt.Errorf("workflow validation failed: %w", err)
	}

	return nil
}

// validateListeners runs the tagged listener sections through the
// struct validator.
func (v *ConfigValidator) validateListeners() error {
	if err := v.checkTags("server", v.cfg.Server); err != nil {
		return err
	}
	return v.checkTags("gateway", v.cfg.Gateway)
}

// checkTags evaluates `validate:` struct tags for one section and
// wraps the first field failure with section context.
func (v *ConfigValidator) checkTags(section string, s any) error {
	err := v.checks.Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return NewValidationError(section, fe.Field(),
			fmt.Errorf("%w: fails '%s' check (value %v)", ErrInvalidValue, fe.Tag(), fe.Value()))
	}
	return NewValidationError(section, "", err)
}

func (v *ConfigValidator) validateAuth() error {
	if len(v.cfg.Auth.Secret) == 0 {
		return NewValidationError("auth", "secret_env",
			fmt.Errorf("%w: environment variable %s is not set", ErrMissingRequiredField, v.cfg.authSecretEnv))
	}

	if v.cfg.Auth.Issuer == "" {
		return NewValidationError("auth", "issuer", ErrMissingRequiredField)
	}

	if v.cfg.Auth.TokenLifetime <= 0 {
		return NewValidationError("auth", "token_lifetime", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}

	// Zero cost means bcrypt.DefaultCost; anything else must be in range.
	cost := v.cfg.Auth.BcryptCost
	if cost != 0 && (cost < bcrypt.MinCost || cost > bcrypt.MaxCost) {
		return NewValidationError("auth", "bcrypt_cost",
			fmt.Errorf("%w: must be between %d and %d", ErrInvalidValue, bcrypt.MinCost, bcrypt.MaxCost))
	}

	return nil
}

func (v *ConfigValidator) validateStores() error {
	if v.cfg.Redis.Addr == "" {
		return NewValidationError("redis", "addr", ErrMissingRequiredField)
	}

	db := &v.cfg.Database
	if db.Host == "" {
		return NewValidationError("database", "host", ErrMissingRequiredField)
	}
	if db.Port <= 0 || db.Port > 65535 {
		return NewValidationError("database", "port", fmt.Errorf("%w: %d", ErrInvalidValue, db.Port))
	}
	if db.User == "" {
		return NewValidationError("database", "user", ErrMissingRequiredField)
	}
	if db.Database == "" {
		return NewValidationError("database", "database", ErrMissingRequiredField)
	}

	return nil
}

func (v *ConfigValidator) validateGateway() error {
	gw := &v.cfg.Gateway

	// The route table has its own structural validation; running it
	// here surfaces a bad table at startup instead of first request.
	if _, err := gateway.NewTable(gw.Pipeline.Routes); err != nil {
		return NewValidationError("gateway", "routes", err)
	}

	// Every route must resolve to a configured backend pool.
	for _, rt := range gw.Pipeline.Routes {
		if _, ok := gw.Services[rt.Service]; !ok {
			return NewValidationError("gateway", "services",
				fmt.Errorf("route '%s' references service '%s' which has no pool", rt.Name, rt.Service))
		}
	}

	for name, svc := range gw.Services {
		switch svc.Strategy {
		case "", gateway.StrategyRoundRobin, gateway.StrategyLeastConn, gateway.StrategyWeighted:
		default:
			return NewValidationError("gateway", fmt.Sprintf("services.%s.strategy", name),
				fmt.Errorf("%w: %q", ErrInvalidValue, svc.Strategy))
		}

		if len(svc.Backends) == 0 {
			return NewValidationError("gateway", fmt.Sprintf("services.%s.backends", name),
				fmt.Errorf("at least one backend required"))
		}

		for i, b := range svc.Backends {
			u, err := url.Parse(b.URL)
			if err != nil || u.Scheme == "" || u.Host == "" {
				return NewValidationError("gateway", fmt.Sprintf("services.%s.backends[%d].url", name, i),
					fmt.Errorf("%w: %q", ErrInvalidValue, b.URL))
			}
		}
	}

	return nil
}

func (v *ConfigValidator) validateRealtime() error {
	if v.cfg.Registry.MaxPerUser < 1 {
		return NewValidationError("registry", "max_per_user", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if v.cfg.Registry.QueueSize < 1 {
		return NewValidationError("registry", "queue_size", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}

	if v.cfg.Messages.RateLimit < 1 {
		return NewValidationError("messages", "rate_limit", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if v.cfg.Messages.HistoryMax < v.cfg.Messages.HistoryLimit {
		return NewValidationError("messages", "history_max",
			fmt.Errorf("%w: must be at least history_limit (%d)", ErrInvalidValue, v.cfg.Messages.HistoryLimit))
	}

	if v.cfg.Calls.ConnectGrace <= 0 {
		return NewValidationError("calls", "connect_grace", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}

	// Relays need the shared secret for credential minting; STUN-only
	// setups run without one.
	turn := &v.cfg.Calls.TURN
	if len(turn.TURNURLs) > 0 && turn.Secret == "" {
		return NewValidationError("calls", "turn.secret",
			fmt.Errorf("%w: relay URLs configured without a shared secret", ErrMissingRequiredField))
	}
	if len(turn.TURNURLs) > 0 && turn.CredentialTTL <= 0 {
		return NewValidationError("calls", "turn.credential_ttl", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}

	return nil
}

func (v *ConfigValidator) validateWorkflow() error {
	if v.cfg.Bookings.MinDurationMin < 1 {
		return NewValidationError("bookings", "min_duration_min", fmt.Errorf("%w: must be at least 1", ErrInvalidValue))
	}
	if v.cfg.Bookings.MaxDurationMin < v.cfg.Bookings.MinDurationMin {
		return NewValidationError("bookings", "max_duration_min",
			fmt.Errorf("%w: must be at least min_duration_min (%d)", ErrInvalidValue, v.cfg.Bookings.MinDurationMin))
	}

	if v.cfg.Saga.Lease <= 0 {
		return NewValidationError("saga", "lease", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if v.cfg.Saga.BaseBackoff <= 0 {
		return NewValidationError("saga", "base_backoff", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}
	if v.cfg.Saga.MaxBackoff < v.cfg.Saga.BaseBackoff {
		return NewValidationError("saga", "max_backoff",
			fmt.Errorf("%w: must be at least base_backoff (%s)", ErrInvalidValue, v.cfg.Saga.BaseBackoff))
	}
	if v.cfg.Saga.StepTimeout <= 0 {
		return NewValidationError("saga", "step_timeout", fmt.Errorf("%w: must be positive", ErrInvalidValue))
	}

	return nil
}
