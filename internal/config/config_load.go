package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/titanous/json5"
)

// ErrConfiguration wraps every load/validation failure.
var ErrConfiguration = errors.New("configuration error")

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Host:      "0.0.0.0",
			Port:      8080,
			SendRPS:   5,
			SendBurst: 10,
		},
		Database: DatabaseConfig{
			SQLitePath: "wabridge.db",
		},
		Services: ServicesConfig{
			IdentityURL:     "http://127.0.0.1:3000/v1/admin-service",
			ConversationURL: "http://127.0.0.1:3033",
			WebhookBaseURL:  "http://127.0.0.1:3033",
			TimeoutSec:      15,
		},
		Channel: ChannelConfig{
			Type:   "bridge",
			Bridge: BridgeConfig{URL: "ws://127.0.0.1:3001"},
			Cloud: CloudAPIConfig{
				APIBase:     "https://graph.facebook.com/v21.0",
				WebhookPath: "/webhook/whatsapp",
			},
		},
		Pipeline: PipelineConfig{
			MaxConcurrent: 32,
		},
		Telemetry: TelemetryConfig{
			Protocol:    "grpc",
			ServiceName: "wabridge",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars and validates.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: read config: %v", ErrConfiguration, err)
	}
	if len(data) > 0 {
		if err := json5.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: parse config: %v", ErrConfiguration, err)
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, fmt.Errorf("%w: env overrides: %v", ErrConfiguration, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config.
// Env vars take precedence over file values; unset vars leave fields untouched.
func (c *Config) applyEnvOverrides() error {
	if err := env.Parse(c); err != nil {
		return err
	}
	if c.Telemetry.Endpoint != "" && !c.Telemetry.Enabled {
		if _, ok := os.LookupEnv("WABRIDGE_OTLP_ENDPOINT"); ok {
			c.Telemetry.Enabled = true
		}
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and cross-field requirements.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := validate.Struct(c); err != nil {
		return err
	}

	switch c.Channel.Type {
	case "bridge":
		if c.Channel.Bridge.URL == "" {
			return fmt.Errorf("channel.bridge.url is required for the bridge channel")
		}
	case "cloud":
		if c.Channel.Cloud.PhoneNumberID == "" || c.Channel.Cloud.AccessToken == "" {
			return fmt.Errorf("channel.cloud.phone_number_id and WABRIDGE_CLOUD_ACCESS_TOKEN are required for the cloud channel")
		}
	}

	if c.Database.ResolvedDriver() == "postgres" && c.Database.PostgresDSN == "" {
		return fmt.Errorf("WABRIDGE_POSTGRES_DSN environment variable is not set")
	}
	return nil
}

// HTTPTimeout returns the per-call timeout for downstream services.
func (c *Config) HTTPTimeout() time.Duration {
	return time.Duration(c.Services.TimeoutSec) * time.Second
}

// Addr returns the admin HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// ExpandHome replaces leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if strings.HasPrefix(path, "~/") {
		return home + path[1:]
	}
	return home
}
