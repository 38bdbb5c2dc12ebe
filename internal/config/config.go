package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"fieldsync/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App          AppConfig          `yaml:"app"`
	Database     DatabaseConfig     `yaml:"database"`
	Storage      StorageConfig      `yaml:"storage"`
	Redis        RedisConfig        `yaml:"redis"`
	Remote       RemoteConfig       `yaml:"remote"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Sync         SyncConfig         `yaml:"sync"`
	Backup       BackupConfig       `yaml:"backup"`
	MQTT         MQTTConfig         `yaml:"mqtt"`
	Monitoring   MonitoringConfig   `yaml:"monitoring"`
	Logging      LoggingConfig      `yaml:"logging"`
	API          APIConfig          `yaml:"api"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type DatabaseConfig struct {
	// Driver is "sqlite3" (cgo, mattn) or "sqlite" (pure Go, modernc).
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

type StorageConfig struct {
	// Driver selects the durable store: sqlite, redis or memory.
	Driver string `yaml:"driver"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
	Prefix   string `yaml:"prefix"`
	// DeadLetter pushes evicted operations onto a redis list.
	DeadLetter bool `yaml:"dead_letter"`
}

type RemoteConfig struct {
	BaseURL        string            `yaml:"base_url"`
	TimeoutSeconds int               `yaml:"timeout_seconds"`
	AuthToken      string            `yaml:"auth_token"`
	Headers        map[string]string `yaml:"headers"`
	RateLimit      RateLimitConfig   `yaml:"rate_limit"`
}

type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type ConnectivityConfig struct {
	ProbeURL             string `yaml:"probe_url"`
	ProbeIntervalSeconds int    `yaml:"probe_interval_seconds"`
	ProbeTimeoutSeconds  int    `yaml:"probe_timeout_seconds"`
	AssumeOnline         bool   `yaml:"assume_online"`
}

type SyncConfig struct {
	MaxRetries int `yaml:"max_retries"`
	// EvictOnReject drops operations rejected with a 4xx status without further retries.
	EvictOnReject bool `yaml:"evict_on_reject"`
}

type BackupConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Schedule      string `yaml:"schedule"`
	RetentionDays int    `yaml:"retention_days"`
	StoragePath   string `yaml:"storage_path"`
}

// MQTTConfig forwards queue events to a broker for fleet dashboards.
type MQTTConfig struct {
	Enabled               bool   `yaml:"enabled"`
	Broker                string `yaml:"broker"`
	ClientID              string `yaml:"client_id"`
	Username              string `yaml:"username"`
	Password              string `yaml:"password"`
	TopicPrefix           string `yaml:"topic_prefix"`
	QoS                   int    `yaml:"qos"`
	ConnectTimeoutSeconds int    `yaml:"connect_timeout_seconds"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type APIConfig struct {
	Enabled   bool            `yaml:"enabled"`
	HTTP      APIHTTPConfig   `yaml:"http"`
	GRPC      APIGRPCConfig   `yaml:"grpc"`
	Auth      APIAuthConfig   `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

type APIHTTPConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type APIGRPCConfig struct {
	Enabled    bool         `yaml:"enabled"`
	Port       int          `yaml:"port"`
	Reflection bool         `yaml:"reflection"`
	TLS        APITLSConfig `yaml:"tls"`
}

type APITLSConfig struct {
	Enabled           bool   `yaml:"enabled"`
	CertFile          string `yaml:"cert_file"`
	KeyFile           string `yaml:"key_file"`
	ClientCAFile      string `yaml:"client_ca_file"`
	RequireClientCert bool   `yaml:"require_client_cert"`
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	HeaderExtra  string         `yaml:"header_extra"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key         string   `yaml:"key"`
	Extra       string   `yaml:"extra"`
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
}

// Load reads the YAML file at configPath, expanding ${VAR} references from the
// environment and an optional .env file in the working directory.
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) Validate() error {
	if c.Remote.BaseURL == "" {
		return errors.New("remote base_url is required")
	}
	if u, err := url.Parse(c.Remote.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("remote base_url %q is not an absolute URL", c.Remote.BaseURL)
	}

	switch c.Storage.Driver {
	case models.StorageSQLite:
		if c.Database.Path == "" {
			return errors.New("database path is required")
		}
		if c.Database.Driver != "sqlite3" && c.Database.Driver != "sqlite" {
			return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
		}
	case models.StorageRedis:
		if c.Redis.Address == "" {
			return errors.New("redis address is required for redis storage")
		}
	case models.StorageMemory:
	default:
		return fmt.Errorf("unsupported storage driver %q", c.Storage.Driver)
	}

	if c.Sync.MaxRetries < 1 {
		return errors.New("sync max_retries must be positive")
	}

	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return errors.New("mqtt broker is required when mqtt is enabled")
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt qos %d must be 0, 1 or 2", c.MQTT.QoS)
		}
	}

	return ValidateAPIKeys(c.API.Auth.APIKeys)
}

// ValidateAPIKeys rejects empty and duplicate keys.
func ValidateAPIKeys(keys []APIClientKey) error {
	seen := make(map[string]bool)
	for _, k := range keys {
		if strings.TrimSpace(k.Key) == "" {
			return fmt.Errorf("api key '%s' is empty", k.Name)
		}
		if seen[k.Key] {
			return fmt.Errorf("duplicate api key for client '%s'", k.Name)
		}
		seen[k.Key] = true
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "fieldsync"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = models.StorageSQLite
	}
	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite3"
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = models.DefaultRedisPrefix
	}

	if c.Remote.TimeoutSeconds == 0 {
		c.Remote.TimeoutSeconds = models.DefaultRemoteTimeout
	}
	if c.Connectivity.ProbeIntervalSeconds == 0 {
		c.Connectivity.ProbeIntervalSeconds = models.DefaultProbeInterval
	}
	if c.Connectivity.ProbeTimeoutSeconds == 0 {
		c.Connectivity.ProbeTimeoutSeconds = models.DefaultProbeTimeout
	}
	if c.Sync.MaxRetries == 0 {
		c.Sync.MaxRetries = models.MaxRetries
	}

	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = models.DefaultRedisPrefix
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = c.App.Name
	}
	if c.MQTT.ConnectTimeoutSeconds == 0 {
		c.MQTT.ConnectTimeoutSeconds = 10
	}

	if c.API.GRPC.Port == 0 {
		c.API.GRPC.Port = 8081
	}
	if c.API.HTTP.Port == 0 {
		c.API.HTTP.Port = 8080
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
	if !c.API.HTTP.Enabled && c.API.Enabled {
		c.API.HTTP.Enabled = true
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
	if c.API.Auth.HeaderExtra == "" {
		c.API.Auth.HeaderExtra = "x-api-extra"
	}
}
