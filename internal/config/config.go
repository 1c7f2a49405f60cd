package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// FlexibleStringSlice accepts ["str"], [123] and "a,b" in JSON, and a
// comma-separated list from environment variables.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return f.UnmarshalText([]byte(s))
	}
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

// UnmarshalText splits a comma-separated list, trimming blanks.
func (f *FlexibleStringSlice) UnmarshalText(text []byte) error {
	parts := strings.Split(string(text), ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			result = append(result, p)
		}
	}
	*f = result
	return nil
}

// Config is the root configuration for wabridge.
type Config struct {
	Log       LogConfig       `json:"log"`
	Server    ServerConfig    `json:"server"`
	Database  DatabaseConfig  `json:"database"`
	Services  ServicesConfig  `json:"services"`
	Channel   ChannelConfig   `json:"channel"`
	Pipeline  PipelineConfig  `json:"pipeline"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	mu        sync.RWMutex
}

type LogConfig struct {
	Level  string `json:"level,omitempty"  env:"WABRIDGE_LOG_LEVEL"  validate:"omitempty,oneof=debug info warn error"`
	Format string `json:"format,omitempty" env:"WABRIDGE_LOG_FORMAT" validate:"omitempty,oneof=text json"`
}

// ServerConfig configures the administration HTTP surface.
type ServerConfig struct {
	Host      string  `json:"host"                 env:"WABRIDGE_HOST"`
	Port      int     `json:"port"                 env:"WABRIDGE_PORT" validate:"min=1,max=65535"`
	Token     string  `json:"-"                    env:"WABRIDGE_HTTP_TOKEN"` // bearer token, env only
	SendRPS   float64 `json:"send_rps,omitempty"   env:"WABRIDGE_SEND_RPS"   validate:"gte=0"`
	SendBurst int     `json:"send_burst,omitempty" env:"WABRIDGE_SEND_BURST" validate:"gte=0"`
}

// DatabaseConfig selects the message store backend.
// PostgresDSN is never read from config.json; it comes only from WABRIDGE_POSTGRES_DSN.
type DatabaseConfig struct {
	Driver        string `json:"driver,omitempty"         env:"WABRIDGE_DB_DRIVER" validate:"omitempty,oneof=postgres sqlite"`
	PostgresDSN   string `json:"-"                        env:"WABRIDGE_POSTGRES_DSN"`
	SQLitePath    string `json:"sqlite_path,omitempty"    env:"WABRIDGE_SQLITE_PATH"`
	MigrationsDir string `json:"migrations_dir,omitempty" env:"WABRIDGE_MIGRATIONS_DIR"` // empty = embedded
}

// ResolvedDriver returns the effective store driver: explicit driver first,
// then postgres when a DSN is present, sqlite otherwise.
func (d DatabaseConfig) ResolvedDriver() string {
	if d.Driver != "" {
		return d.Driver
	}
	if d.PostgresDSN != "" {
		return "postgres"
	}
	return "sqlite"
}

// ServicesConfig holds the downstream HTTP services consumed by the pipeline.
type ServicesConfig struct {
	IdentityURL     string `json:"identity_url"     env:"WABRIDGE_IDENTITY_URL"     validate:"required,url"`
	ConversationURL string `json:"conversation_url" env:"WABRIDGE_CONVERSATION_URL" validate:"required,url"`
	WebhookBaseURL  string `json:"webhook_base_url" env:"WABRIDGE_WEBHOOK_BASE_URL" validate:"required,url"`
	TimeoutSec      int    `json:"timeout_sec"      env:"WABRIDGE_HTTP_TIMEOUT_SEC" validate:"min=1,max=300"`
}

// ChannelConfig selects and configures the WhatsApp transport.
type ChannelConfig struct {
	Type   string         `json:"type" env:"WABRIDGE_CHANNEL" validate:"oneof=bridge cloud"`
	Bridge BridgeConfig   `json:"bridge"`
	Cloud  CloudAPIConfig `json:"cloud"`
}

// BridgeConfig configures the whatsapp-web.js style WebSocket bridge.
type BridgeConfig struct {
	URL string `json:"url" env:"WABRIDGE_BRIDGE_URL"`
}

// CloudAPIConfig configures the Meta WhatsApp Cloud API variant.
type CloudAPIConfig struct {
	APIBase       string `json:"api_base,omitempty"     env:"WABRIDGE_CLOUD_API_BASE"`
	PhoneNumberID string `json:"phone_number_id"        env:"WABRIDGE_CLOUD_PHONE_NUMBER_ID"`
	AccessToken   string `json:"-"                      env:"WABRIDGE_CLOUD_ACCESS_TOKEN"`
	AppSecret     string `json:"-"                      env:"WABRIDGE_CLOUD_APP_SECRET"`
	VerifyToken   string `json:"-"                      env:"WABRIDGE_CLOUD_VERIFY_TOKEN"`
	WebhookPath   string `json:"webhook_path,omitempty" env:"WABRIDGE_CLOUD_WEBHOOK_PATH"`
}

// PipelineConfig tunes inbound processing.
type PipelineConfig struct {
	AllowedGroups FlexibleStringSlice `json:"allowed_groups,omitempty" env:"ALLOWED_GROUP_IDS"`
	MaxConcurrent int                 `json:"max_concurrent,omitempty" env:"WABRIDGE_MAX_CONCURRENT" validate:"min=1"`
}

type TelemetryConfig struct {
	Enabled     bool              `json:"enabled,omitempty"      env:"WABRIDGE_TELEMETRY_ENABLED"`
	Endpoint    string            `json:"endpoint,omitempty"     env:"WABRIDGE_OTLP_ENDPOINT"`      // e.g. "localhost:4317"
	Protocol    string            `json:"protocol,omitempty"     env:"WABRIDGE_TELEMETRY_PROTOCOL" validate:"omitempty,oneof=grpc http"`
	Insecure    bool              `json:"insecure,omitempty"     env:"WABRIDGE_TELEMETRY_INSECURE"`
	ServiceName string            `json:"service_name,omitempty" env:"WABRIDGE_TELEMETRY_SERVICE_NAME"`
	Headers     map[string]string `json:"headers,omitempty"`
}

// AllowedGroups returns a copy of the configured group allow-list.
func (c *Config) AllowedGroups() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.Pipeline.AllowedGroups...)
}

// ReplaceFrom copies all data fields from src into c, preserving c's mutex.
func (c *Config) ReplaceFrom(src *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Log = src.Log
	c.Server = src.Server
	c.Database = src.Database
	c.Services = src.Services
	c.Channel = src.Channel
	c.Pipeline = src.Pipeline
	c.Telemetry = src.Telemetry
}
