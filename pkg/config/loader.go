package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/mentormesh/core/pkg/auth"
	"github.com/mentormesh/core/pkg/cleanup"
	"github.com/mentormesh/core/pkg/database"
	"github.com/mentormesh/core/pkg/kv"
	"github.com/mentormesh/core/pkg/moderation"
	"github.com/mentormesh/core/pkg/notify"
	"github.com/mentormesh/core/pkg/payments"
	"github.com/mentormesh/core/pkg/registry"
	"github.com/mentormesh/core/pkg/saga"
	"github.com/mentormesh/core/pkg/services"
)

// configFile is the single configuration file both binaries read.
const configFile = "mentormesh.yaml"

// yamlConfig represents the complete mentormesh.yaml file structure.
// Every section is optional; absent sections keep built-in defaults.
type yamlConfig struct {
	Server        *ServerConfig           `yaml:"server"`
	Gateway       *GatewayConfig          `yaml:"gateway"`
	Redis         *kv.Config              `yaml:"redis"`
	Database      *database.Config        `yaml:"database"`
	Auth          *AuthConfig             `yaml:"auth"`
	Registry      *registry.Config        `yaml:"registry"`
	Messages      *services.MessageConfig `yaml:"messages"`
	Calls         *services.CallConfig    `yaml:"calls"`
	Bookings      *services.BookingConfig `yaml:"bookings"`
	Saga          *saga.Config            `yaml:"saga"`
	Moderation    *moderation.Config      `yaml:"moderation"`
	Notifications *notify.Config          `yaml:"notifications"`
	Payments      *payments.Config        `yaml:"payments"`
	Retention     *cleanup.Config         `yaml:"retention"`
}

// Initialize loads, resolves, and validates configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load mentormesh.yaml from configDir
//  2. Expand environment variables ({{.VAR}} template syntax)
//  3. Parse YAML into section structs
//  4. Merge user sections over built-in defaults
//  5. Resolve environment-held secrets (JWT signing key)
//  6. Validate the resolved configuration
//  7. Return Config ready for use
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	// 1. Load configuration file
	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	// 2. Validate all configuration
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	stats := cfg.Stats()
	log.Info("Configuration initialized successfully",
		"gateway_routes", stats.GatewayRoutes,
		"gateway_services", stats.GatewayServices,
		"turn_relays", stats.TURNRelays,
		"moderation_api", stats.ModerationAPI,
		"payments_api", stats.PaymentsAPI)

	return cfg, nil
}

// load is the internal loader (not exported)
func load(_ context.Context, configDir string) (*Config, error) {
	loader := &configLoader{configDir: configDir}

	// 1. Load mentormesh.yaml (single file, every section optional)
	fileCfg, err := loader.loadMentorMeshYAML()
	if err != nil {
		return nil, NewLoadError(configFile, err)
	}

	// 2. Start every section from its built-in defaults
	cfg := &Config{
		configDir:     configDir,
		Server:        DefaultServerConfig(),
		Gateway:       DefaultGatewayConfig(),
		Redis:         kv.DefaultConfig(),
		Registry:      registry.DefaultConfig(),
		Messages:      services.DefaultMessageConfig(),
		Calls:         services.DefaultCallConfig(),
		Bookings:      services.DefaultBookingConfig(),
		Saga:          saga.DefaultConfig(),
		Moderation:    moderation.DefaultConfig(),
		Notifications: notify.DefaultConfig(),
		Payments:      payments.DefaultConfig(),
		Retention:     cleanup.DefaultConfig(),
	}

	// 3. Database defaults come from the DB_* environment variables;
	// the YAML section then overrides them field by field.
	cfg.Database, err = database.LoadConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve database defaults: %w", err)
	}

	// 4. Merge user sections over defaults. mergo with WithOverride
	// keeps a default wherever the user left the field at its zero
	// value, so sparse sections work.
	if fileCfg.Server != nil {
		if err := mergo.Merge(&cfg.Server, *fileCfg.Server, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge server config: %w", err)
		}
	}
	if fileCfg.Gateway != nil {
		if err := mergo.Merge(&cfg.Gateway, *fileCfg.Gateway, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge gateway config: %w", err)
		}
	}
	if fileCfg.Redis != nil {
		if err := mergo.Merge(&cfg.Redis, *fileCfg.Redis, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge redis config: %w", err)
		}
	}
	if fileCfg.Database != nil {
		if err := mergo.Merge(&cfg.Database, *fileCfg.Database, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge database config: %w", err)
		}
	}
	if fileCfg.Registry != nil {
		if err := mergo.Merge(&cfg.Registry, *fileCfg.Registry, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge registry config: %w", err)
		}
	}
	if fileCfg.Messages != nil {
		if err := mergo.Merge(&cfg.Messages, *fileCfg.Messages, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge messages config: %w", err)
		}
	}
	if fileCfg.Calls != nil {
		if err := mergo.Merge(&cfg.Calls, *fileCfg.Calls, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge calls config: %w", err)
		}
	}
	if fileCfg.Bookings != nil {
		if err := mergo.Merge(&cfg.Bookings, *fileCfg.Bookings, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge bookings config: %w", err)
		}
	}
	if fileCfg.Saga != nil {
		if err := mergo.Merge(&cfg.Saga, *fileCfg.Saga, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge saga config: %w", err)
		}
	}
	if fileCfg.Moderation != nil {
		if err := mergo.Merge(&cfg.Moderation, *fileCfg.Moderation, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge moderation config: %w", err)
		}
	}
	if fileCfg.Notifications != nil {
		if err := mergo.Merge(&cfg.Notifications, *fileCfg.Notifications, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge notifications config: %w", err)
		}
	}
	if fileCfg.Payments != nil {
		if err := mergo.Merge(&cfg.Payments, *fileCfg.Payments, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge payments config: %w", err)
		}
	}
	if fileCfg.Retention != nil {
		if err := mergo.Merge(&cfg.Retention, *fileCfg.Retention, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge retention config: %w", err)
		}
	}

	// 5. Resolve token signing; the secret is read from the environment
	cfg.Auth, cfg.authSecretEnv = resolveAuthConfig(fileCfg.Auth)

	return cfg, nil
}

type configLoader struct {
	configDir string
}

func (l *configLoader) loadYAML(filename string, target any) error {
	path := filepath.Join(l.configDir, filename)

	// Read file
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return err
	}

	// Expand environment variables using {{.VAR}} template syntax
	// Note: ExpandEnv passes through original data on parse/execution errors,
	// allowing YAML parser to handle the content (or fail with clearer error message)
	data = ExpandEnv(data)

	// Parse YAML
	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return nil
}

func (l *configLoader) loadMentorMeshYAML() (*yamlConfig, error) {
	var config yamlConfig

	if err := l.loadYAML(configFile, &config); err != nil {
		return nil, err
	}

	return &config, nil
}

// resolveAuthConfig resolves token signing configuration from its YAML
// section, applying defaults. The signing secret is read from the
// environment variable named by secret_env, never from the file.
func resolveAuthConfig(y *AuthConfig) (auth.Config, string) {
	cfg := auth.DefaultConfig()
	secretEnv := DefaultAuthSecretEnv

	if y != nil {
		if y.SecretEnv != "" {
			secretEnv = y.SecretEnv
		}
		if y.Issuer != "" {
			cfg.Issuer = y.Issuer
		}
		if y.TokenLifetime > 0 {
			cfg.TokenLifetime = y.TokenLifetime
		}
		if y.BcryptCost > 0 {
			cfg.BcryptCost = y.BcryptCost
		}
	}

	cfg.Secret = []byte(os.Getenv(secretEnv))
	return cfg, secretEnv
}
