// Package config handles configuration loading, validation, and persistence
// for the proxy transport.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigDir  = "config"
	DefaultConfigFile = "transport.json"
	DefaultAPIPort    = 5080
)

// Config is the root configuration structure.
type Config struct {
	mu   sync.RWMutex
	path string

	Transport TransportConfig `json:"transport"`
	QUIC      QUICConfig      `json:"quic"`
	Servers   []ServerConfig  `json:"servers"`
	API       APIConfig       `json:"api"`
	MQTT      MQTTConfig      `json:"mqtt"`
	Storage   StorageConfig   `json:"storage"`
	Monitor   MonitorConfig   `json:"monitor"`
	Logging   LoggingConfig   `json:"logging"`
}

// TransportConfig holds framing, compression and session settings.
type TransportConfig struct {
	// Wire is the default header table for servers that do not set one.
	Wire               string `json:"wire"`
	ZstdLevel          int    `json:"zstd_level"`
	MaxFrameBytes      int    `json:"max_frame_bytes"`
	MaxDecompressed    int    `json:"max_decompressed_bytes"`
	FloodCeiling       int    `json:"flood_ceiling"`
	FloodWindowMS      int    `json:"flood_window_ms"`
	PingIntervalMS     int    `json:"ping_interval_ms"`
	EventLoops         int    `json:"event_loops"`
	DialTimeoutMS      int    `json:"dial_timeout_ms"`
	WriteTimeoutMS     int    `json:"write_timeout_ms"`
	SkimBatches        bool   `json:"skim_batches"`
	ShutdownTimeoutSec int    `json:"shutdown_timeout_sec"`
}

// QUICConfig holds settings for pooled QUIC connections.
type QUICConfig struct {
	ALPN                    string `json:"alpn"`
	InsecureSkipVerify      bool   `json:"insecure_skip_verify"`
	MaxIdleTimeoutMS        int    `json:"max_idle_timeout_ms"`
	KeepAlivePeriodMS       int    `json:"keep_alive_period_ms"`
	InitialConnectionWindow uint64 `json:"initial_connection_window"`
	InitialStreamWindow     uint64 `json:"initial_stream_window"`
}

// ServerConfig is one downstream server.
type ServerConfig struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	Kind    string `json:"kind"`
	Wire    string `json:"wire,omitempty"`
}

// APIConfig holds admin API settings.
type APIConfig struct {
	Enabled        bool     `json:"enabled"`
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps"`
	IPWhitelist    []string `json:"ip_whitelist"`
	APIKey         string   `json:"api_key"`
	TLSEnabled     bool     `json:"tls_enabled"`
	TLSCertFile    string   `json:"tls_cert_file"`
	TLSKeyFile     string   `json:"tls_key_file"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	BrokerURL   string `json:"broker_url"`
	Port        int    `json:"port"`
	UseTLS      bool   `json:"use_tls"`
	CertFile    string `json:"cert_file"`
	KeyFile     string `json:"key_file"`
	CAFile      string `json:"ca_file"`
	ClientID    string `json:"client_id"`
	TopicPrefix string `json:"topic_prefix"`
}

// StorageConfig holds the bad-packet dump store settings.
type StorageConfig struct {
	DumpsEnabled  bool   `json:"dumps_enabled"`
	DatabasePath  string `json:"database_path"`
	RetentionDays int    `json:"retention_days"`
	CleanupTime   string `json:"cleanup_time"`
}

// MonitorConfig holds latency monitor settings.
type MonitorConfig struct {
	Enabled            bool    `json:"enabled"`
	CheckIntervalSec   int     `json:"check_interval_sec"`
	LatencyThresholdMS int     `json:"latency_threshold_ms"`
	LossThreshold      float64 `json:"loss_threshold_pct"`
	MinSamples         int     `json:"min_samples"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Transport: TransportConfig{
			Wire:               "batch",
			ZstdLevel:          3,
			MaxFrameBytes:      64 * 1024 * 1024,
			MaxDecompressed:    12 * 1024 * 1024,
			FloodCeiling:       750,
			FloodWindowMS:      1000,
			PingIntervalMS:     2000,
			DialTimeoutMS:      5000,
			WriteTimeoutMS:     10000,
			ShutdownTimeoutSec: 10,
		},
		QUIC: QUICConfig{
			ALPN:                    "ng",
			InsecureSkipVerify:      true,
			MaxIdleTimeoutMS:        2000,
			KeepAlivePeriodMS:       1000,
			InitialConnectionWindow: 10_000_000,
			InitialStreamWindow:     1_000_000,
		},
		Servers: []ServerConfig{
			{Name: "lobby", Address: "127.0.0.1:19133", Kind: "tcp"},
		},
		API: APIConfig{
			Enabled:      true,
			Port:         DefaultAPIPort,
			RateLimitRPS: 100,
		},
		MQTT: MQTTConfig{
			BrokerURL:   "localhost",
			Port:        1883,
			TopicPrefix: "proxytransport",
		},
		Storage: StorageConfig{
			DumpsEnabled:  true,
			DatabasePath:  "data/dumps.db",
			RetentionDays: 7,
			CleanupTime:   "04:00",
		},
		Monitor: MonitorConfig{
			Enabled:            true,
			CheckIntervalSec:   60,
			LatencyThresholdMS: 150,
			LossThreshold:      5,
			MinSamples:         5,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Directory:  "logs",
			MaxSizeMB:  10,
			MaxBackups: 5,
		},
	}
}

// Load reads configuration from a JSON file, creating it with defaults
// when it does not exist.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig() // Start with defaults, then overlay
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Int("servers", len(cfg.Servers)).Msg("configuration loaded")

	// Persist defaults for fields added since the file was written.
	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	return cfg, nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// GetTransport returns a copy of the transport settings.
func (c *Config) GetTransport() TransportConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Transport
}

// GetQUIC returns a copy of the QUIC settings.
func (c *Config) GetQUIC() QUICConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.QUIC
}

// GetServers returns a copy of the configured servers.
func (c *Config) GetServers() []ServerConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]ServerConfig(nil), c.Servers...)
}

// FindServer returns the configured server with name.
func (c *Config) FindServer(name string) (ServerConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.Servers {
		if s.Name == name {
			return s, true
		}
	}
	return ServerConfig{}, false
}

// GetAPI returns a copy of the API settings.
func (c *Config) GetAPI() APIConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.API
}

// GetMQTT returns a copy of the MQTT settings.
func (c *Config) GetMQTT() MQTTConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.MQTT
}

// GetStorage returns a copy of the storage settings.
func (c *Config) GetStorage() StorageConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Storage
}

// GetMonitor returns a copy of the monitor settings.
func (c *Config) GetMonitor() MonitorConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Monitor
}

// GetLogging returns a copy of the logging settings.
func (c *Config) GetLogging() LoggingConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Logging
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}
