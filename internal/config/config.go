// Package config provides configuration for the API server from defaults,
// an optional config file and environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Store backends.
const (
	StoreMemory = "memory"
	StoreNATS   = "nats"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration
	ShutdownTimeout    time.Duration
	CORSOrigins        []string

	// Store settings
	StoreBackend string

	// NATS settings
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string
	NATSReplicas int
	NATSMemory   bool

	// JWT settings
	JWTSecret     string
	JWTExpiration time.Duration

	// Identity
	BcryptCost int

	// Messaging
	LegacyIDLookup    bool
	BatchSize         int
	PermissionTimeout time.Duration
	EventBuffer       int
	StreamHeartbeat   time.Duration

	// Sessions with no event stream are signed out after SessionIdleTimeout.
	SessionIdleTimeout  time.Duration
	SessionReapInterval time.Duration

	// Presence
	IdleTimeout       time.Duration
	ActivityThrottle  time.Duration
	PresenceHeartbeat time.Duration
	FreshnessWindow   time.Duration
	RecomputeInterval time.Duration

	// Rate limiting
	RateLimitRequests int
	AuthRateLimit     int
	RateLimitWindow   time.Duration

	// Logging
	LogLevel  string
	LogFormat string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// SetDefaults registers every key with its default so that environment
// variables bind even without a config file.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("server_read_timeout", 30*time.Second)
	// Event streams are long-lived; 0 disables the write deadline.
	v.SetDefault("server_write_timeout", time.Duration(0))
	v.SetDefault("shutdown_timeout", 30*time.Second)
	v.SetDefault("cors_origins", []string{})

	v.SetDefault("store_backend", StoreMemory)

	v.SetDefault("nats_url", "nats://localhost:4222")
	v.SetDefault("nats_ca_file", "")
	v.SetDefault("nats_cert_file", "")
	v.SetDefault("nats_key_file", "")
	v.SetDefault("nats_token", "")
	v.SetDefault("nats_replicas", 1)
	v.SetDefault("nats_memory_storage", false)

	v.SetDefault("jwt_secret", "development-secret-change-in-production")
	v.SetDefault("jwt_expiration", 24*time.Hour)

	v.SetDefault("bcrypt_cost", 10)

	v.SetDefault("legacy_id_lookup", true)
	v.SetDefault("batch_size", 25)
	v.SetDefault("permission_timeout", 30*time.Second)
	v.SetDefault("event_buffer", 256)
	v.SetDefault("stream_heartbeat", 30*time.Second)
	v.SetDefault("session_idle_timeout", 30*time.Minute)
	v.SetDefault("session_reap_interval", time.Minute)

	v.SetDefault("idle_timeout", 60*time.Second)
	v.SetDefault("activity_throttle", 10*time.Second)
	v.SetDefault("presence_heartbeat", 30*time.Second)
	v.SetDefault("freshness_window", 60*time.Second)
	v.SetDefault("recompute_interval", 30*time.Second)

	v.SetDefault("rate_limit_requests", 120)
	v.SetDefault("auth_rate_limit", 10)
	v.SetDefault("rate_limit_window", time.Minute)

	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")

	v.SetDefault("tracing_endpoint", "localhost:4318")
	v.SetDefault("tracing_enabled", false)
}

// Load reads configuration. Keys map to upper-case environment variables
// (PORT, NATS_URL, JWT_SECRET...). file may be empty.
func Load(v *viper.Viper, file string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	cfg := &Config{
		ServerPort:         v.GetString("port"),
		ServerReadTimeout:  v.GetDuration("server_read_timeout"),
		ServerWriteTimeout: v.GetDuration("server_write_timeout"),
		ShutdownTimeout:    v.GetDuration("shutdown_timeout"),
		CORSOrigins:        v.GetStringSlice("cors_origins"),

		StoreBackend: strings.ToLower(v.GetString("store_backend")),

		NATSURL:      v.GetString("nats_url"),
		NATSCAFile:   v.GetString("nats_ca_file"),
		NATSCertFile: v.GetString("nats_cert_file"),
		NATSKeyFile:  v.GetString("nats_key_file"),
		NATSToken:    v.GetString("nats_token"),
		NATSReplicas: v.GetInt("nats_replicas"),
		NATSMemory:   v.GetBool("nats_memory_storage"),

		JWTSecret:     v.GetString("jwt_secret"),
		JWTExpiration: v.GetDuration("jwt_expiration"),

		BcryptCost: v.GetInt("bcrypt_cost"),

		LegacyIDLookup:    v.GetBool("legacy_id_lookup"),
		BatchSize:         v.GetInt("batch_size"),
		PermissionTimeout: v.GetDuration("permission_timeout"),
		EventBuffer:       v.GetInt("event_buffer"),
		StreamHeartbeat:   v.GetDuration("stream_heartbeat"),

		SessionIdleTimeout:  v.GetDuration("session_idle_timeout"),
		SessionReapInterval: v.GetDuration("session_reap_interval"),

		IdleTimeout:       v.GetDuration("idle_timeout"),
		ActivityThrottle:  v.GetDuration("activity_throttle"),
		PresenceHeartbeat: v.GetDuration("presence_heartbeat"),
		FreshnessWindow:   v.GetDuration("freshness_window"),
		RecomputeInterval: v.GetDuration("recompute_interval"),

		RateLimitRequests: v.GetInt("rate_limit_requests"),
		AuthRateLimit:     v.GetInt("auth_rate_limit"),
		RateLimitWindow:   v.GetDuration("rate_limit_window"),

		LogLevel:  v.GetString("log_level"),
		LogFormat: strings.ToLower(v.GetString("log_format")),

		TracingEndpoint: v.GetString("tracing_endpoint"),
		TracingEnabled:  v.GetBool("tracing_enabled"),
	}
	return cfg, cfg.Validate()
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case StoreMemory, StoreNATS:
	default:
		return fmt.Errorf("store_backend must be %q or %q, got %q", StoreMemory, StoreNATS, c.StoreBackend)
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("jwt_secret must be set")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive")
	}
	if c.RateLimitRequests <= 0 || c.AuthRateLimit <= 0 || c.RateLimitWindow <= 0 {
		return fmt.Errorf("rate limits must be positive")
	}
	if c.SessionIdleTimeout <= 0 || c.SessionReapInterval <= 0 {
		return fmt.Errorf("session_idle_timeout and session_reap_interval must be positive")
	}
	if c.FreshnessWindow <= 0 || c.IdleTimeout <= 0 {
		return fmt.Errorf("presence windows must be positive")
	}
	return nil
}
