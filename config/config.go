package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the overall application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Session    SessionConfig    `yaml:"session"`
	Liveness   LivenessConfig   `yaml:"liveness"`
	AuthCache  AuthCacheConfig  `yaml:"authcache"`
	Push       PushConfig       `yaml:"push"`
	WorkerPool WorkerPoolConfig `yaml:"worker_pool"`
	Hub        HubConfig        `yaml:"hub"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig holds the server-related configuration.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	RateLimitPerSec float64  `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int      `yaml:"rate_limit_burst"`
	CacheTTLSeconds int      `yaml:"cache_ttl_seconds"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
}

// DatabaseConfig holds the database connection configuration.
type DatabaseConfig struct {
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
}

// RedisConfig holds the key-value store used for sessions.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// MQTTConfig describes the telemetry bus connection.
type MQTTConfig struct {
	Broker                      string        `yaml:"broker"`
	ClientID                    string        `yaml:"client_id"`
	Username                    string        `yaml:"username"`
	Password                    string        `yaml:"password"`
	TopicPrefix                 string        `yaml:"topic_prefix"`
	QoS                         byte          `yaml:"qos"`
	KeepAliveSeconds            int           `yaml:"keepalive_seconds"`
	MaxReconnectIntervalSeconds int           `yaml:"max_reconnect_interval_seconds"`
	HandlerTimeoutSeconds       int           `yaml:"handler_timeout_seconds"`
	HandlerTimeout              time.Duration `yaml:"-"`
}

// SessionConfig holds the signing secret and lifetimes for session tokens.
type SessionConfig struct {
	Secret         string        `yaml:"secret"`
	TokenTTLHours  int           `yaml:"token_ttl_hours"`
	IdleTTLMinutes int           `yaml:"idle_ttl_minutes"`
	KeyPrefix      string        `yaml:"key_prefix"`
	TokenTTL       time.Duration `yaml:"-"`
	IdleTTL        time.Duration `yaml:"-"`
}

// LivenessConfig holds the windows used to derive device presence.
type LivenessConfig struct {
	FreshnessMinutes     int           `yaml:"freshness_minutes"`
	StalenessMinutes     int           `yaml:"staleness_minutes"`
	SweepIntervalSeconds int           `yaml:"sweep_interval_seconds"`
	Freshness            time.Duration `yaml:"-"`
	Staleness            time.Duration `yaml:"-"`
	SweepInterval        time.Duration `yaml:"-"`
}

// AuthCacheConfig controls memoization of device authorization results.
type AuthCacheConfig struct {
	TTLMinutes int `yaml:"ttl_minutes"`
}

// PushConfig holds the VAPID keys for web push notifications.
type PushConfig struct {
	PublicKey  string `yaml:"vapid_public_key"`
	PrivateKey string `yaml:"vapid_private_key"`
	Subject    string `yaml:"subject"`
	TTL        int    `yaml:"ttl"`
}

// WorkerPoolConfig holds the configuration for the notification worker pool.
type WorkerPoolConfig struct {
	Size int `yaml:"size"`
}

// HubConfig holds realtime fan-out settings.
type HubConfig struct {
	SendBuffer int `yaml:"send_buffer"`
}

// LoggingConfig selects the zap logger flavour.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Load reads the configuration from the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills unset values and derives the duration fields.
func (cfg *Config) ApplyDefaults() {
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.RateLimitPerSec <= 0 {
		cfg.Server.RateLimitPerSec = 10
	}
	if cfg.Server.RateLimitBurst <= 0 {
		cfg.Server.RateLimitBurst = 5
	}
	if cfg.Server.CacheTTLSeconds <= 0 {
		cfg.Server.CacheTTLSeconds = 5
	}

	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}

	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "emqx/harmony/guardian"
	}
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = "guardian_backend"
	}
	if cfg.MQTT.QoS > 2 {
		cfg.MQTT.QoS = 1
	}
	if cfg.MQTT.KeepAliveSeconds <= 0 {
		cfg.MQTT.KeepAliveSeconds = 60
	}
	if cfg.MQTT.MaxReconnectIntervalSeconds <= 0 {
		cfg.MQTT.MaxReconnectIntervalSeconds = 30
	}
	if cfg.MQTT.HandlerTimeoutSeconds <= 0 {
		cfg.MQTT.HandlerTimeoutSeconds = 10
	}
	cfg.MQTT.HandlerTimeout = time.Duration(cfg.MQTT.HandlerTimeoutSeconds) * time.Second

	if cfg.Session.TokenTTLHours <= 0 {
		cfg.Session.TokenTTLHours = 7 * 24
	}
	if cfg.Session.IdleTTLMinutes <= 0 {
		cfg.Session.IdleTTLMinutes = 60
	}
	if cfg.Session.KeyPrefix == "" {
		cfg.Session.KeyPrefix = "guardian:session:"
	}
	cfg.Session.TokenTTL = time.Duration(cfg.Session.TokenTTLHours) * time.Hour
	cfg.Session.IdleTTL = time.Duration(cfg.Session.IdleTTLMinutes) * time.Minute
	// The sliding store expiry never outlives the token itself.
	if cfg.Session.IdleTTL > cfg.Session.TokenTTL {
		cfg.Session.IdleTTL = cfg.Session.TokenTTL
	}

	if cfg.Liveness.FreshnessMinutes <= 0 {
		cfg.Liveness.FreshnessMinutes = 5
	}
	if cfg.Liveness.StalenessMinutes <= 0 {
		cfg.Liveness.StalenessMinutes = 10
	}
	if cfg.Liveness.SweepIntervalSeconds <= 0 {
		cfg.Liveness.SweepIntervalSeconds = 30
	}
	cfg.Liveness.Freshness = time.Duration(cfg.Liveness.FreshnessMinutes) * time.Minute
	cfg.Liveness.Staleness = time.Duration(cfg.Liveness.StalenessMinutes) * time.Minute
	cfg.Liveness.SweepInterval = time.Duration(cfg.Liveness.SweepIntervalSeconds) * time.Second

	if cfg.AuthCache.TTLMinutes <= 0 {
		cfg.AuthCache.TTLMinutes = 10
	}

	if cfg.Push.TTL <= 0 {
		cfg.Push.TTL = 3600
	}

	if cfg.WorkerPool.Size <= 0 {
		cfg.WorkerPool.Size = 1
	}

	if cfg.Hub.SendBuffer <= 0 {
		cfg.Hub.SendBuffer = 64
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}
