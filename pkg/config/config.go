// Package config loads mentormesh.yaml, layers it over built-in
// defaults, resolves environment-held secrets, and validates the
// result. Both binaries consume the same file; each reads the sections
// it needs.
package config

import (
	"time"

	"github.com/mentormesh/core/pkg/auth"
	"github.com/mentormesh/core/pkg/cleanup"
	"github.com/mentormesh/core/pkg/database"
	"github.com/mentormesh/core/pkg/gateway"
	"github.com/mentormesh/core/pkg/kv"
	"github.com/mentormesh/core/pkg/moderation"
	"github.com/mentormesh/core/pkg/notify"
	"github.com/mentormesh/core/pkg/payments"
	"github.com/mentormesh/core/pkg/registry"
	"github.com/mentormesh/core/pkg/saga"
	"github.com/mentormesh/core/pkg/services"
)

// Config is the umbrella configuration object returned by Initialize()
// and used throughout the application. Every section is fully resolved:
// defaults applied, environment secrets read, validation passed.
type Config struct {
	configDir string // Configuration directory path (for reference)

	// authSecretEnv names the environment variable the JWT signing
	// secret was read from, kept for validation messages.
	authSecretEnv string

	// HTTP listeners
	Server  ServerConfig
	Gateway GatewayConfig

	// Backing stores
	Redis    kv.Config
	Database database.Config

	// Identity and tokens
	Auth auth.Config

	// Realtime plane
	Registry registry.Config
	Messages services.MessageConfig
	Calls    services.CallConfig

	// Booking workflow
	Bookings services.BookingConfig
	Saga     saga.Config

	// External collaborators
	Moderation    moderation.Config
	Notifications notify.Config
	Payments      payments.Config

	// Background maintenance
	Retention cleanup.Config
}

// ServerConfig holds the realtime core listener settings.
type ServerConfig struct {
	ListenAddr      string        `yaml:"listen_addr" validate:"required,hostname_port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DefaultServerConfig returns the default core listener settings.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:      ":8090",
		ShutdownTimeout: 15 * time.Second,
	}
}

// GatewayConfig holds the edge settings: the gateway's own listener,
// the request pipeline, the shared health checker, and the upstream
// pools the route table's service names resolve to.
type GatewayConfig struct {
	ListenAddr      string        `yaml:"listen_addr" validate:"required,hostname_port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	Pipeline gateway.Config         `yaml:"pipeline"`
	Balancer gateway.BalancerConfig `yaml:"balancer"`
	// Services maps pool names from the route table to their backends.
	Services map[string]gateway.ServiceConfig `yaml:"services"`
}

// DefaultGatewayConfig returns the default edge settings: the platform
// route table in front of a single local core instance.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		ListenAddr:      ":8080",
		ShutdownTimeout: 15 * time.Second,
		Pipeline:        gateway.DefaultConfig(),
		Balancer:        gateway.DefaultBalancerConfig(),
		Services: map[string]gateway.ServiceConfig{
			"core": {
				Strategy:   gateway.StrategyLeastConn,
				HealthPath: "/health",
				Backends:   []gateway.BackendConfig{{URL: "http://localhost:8090"}},
			},
			"payments": {
				Backends: []gateway.BackendConfig{{URL: "http://localhost:8091"}},
			},
		},
	}
}

// AuthConfig declares token signing in YAML form. The secret itself
// never lives in the file; SecretEnv names the variable holding it.
type AuthConfig struct {
	SecretEnv     string        `yaml:"secret_env"`
	Issuer        string        `yaml:"issuer"`
	TokenLifetime time.Duration `yaml:"token_lifetime"`
	BcryptCost    int           `yaml:"bcrypt_cost"`
}

// DefaultAuthSecretEnv is consulted when auth.secret_env is unset.
const DefaultAuthSecretEnv = "JWT_SECRET"

// ConfigDir returns the configuration directory path
func (c *Config) ConfigDir() string {
	return c.configDir
}

// Stats contains a summary of loaded configuration for startup logging
type Stats struct {
	GatewayRoutes   int
	GatewayServices int
	TURNRelays      int
	ModerationAPI   bool
	PaymentsAPI     bool
}

// Stats returns configuration statistics for logging/monitoring
func (c *Config) Stats() Stats {
	return Stats{
		GatewayRoutes:   len(c.Gateway.Pipeline.Routes),
		GatewayServices: len(c.Gateway.Services),
		TURNRelays:      len(c.Calls.TURN.TURNURLs),
		ModerationAPI:   c.Moderation.BaseURL != "",
		PaymentsAPI:     c.Payments.BaseURL != "",
	}
}
