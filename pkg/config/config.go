// Package config provides configuration management for FaceGate.
// It loads configuration from YAML files with sensible defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath overrides the configuration file location.
const EnvConfigPath = "FACEGATE_CONFIG"

// SystemConfigPath is checked before the per-user file.
const SystemConfigPath = "/etc/facegate/facegate.yaml"

// Config holds all FaceGate configuration.
type Config struct {
	Alignment   AlignmentConfig   `yaml:"alignment"`
	Recognition RecognitionConfig `yaml:"recognition"`
	Liveness    LivenessConfig    `yaml:"liveness"`
	Session     SessionConfig     `yaml:"session"`
	Storage     StorageConfig     `yaml:"storage"`
	Server      ServerConfig      `yaml:"server"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// AlignmentConfig holds the crop geometry.
type AlignmentConfig struct {
	Width   int     `yaml:"width"`
	Height  int     `yaml:"height"`
	Padding float64 `yaml:"padding"`
}

// RecognitionConfig holds the embedding backend and match settings.
type RecognitionConfig struct {
	Backend        string        `yaml:"backend"` // dlib, remote
	ModelPath      string        `yaml:"model_path"`
	RemoteURL      string        `yaml:"remote_url"`
	RemoteTimeout  time.Duration `yaml:"remote_timeout"`
	Dimension      int           `yaml:"dimension"`
	Metric         string        `yaml:"metric"` // cosine, euclidean
	MatchThreshold float64       `yaml:"match_threshold"`
}

// LivenessConfig holds the blink and spoof thresholds.
type LivenessConfig struct {
	BlinkThreshold   float64 `yaml:"blink_threshold"`
	StaticFrameLimit int     `yaml:"static_frame_limit"`
	MaxHeadYaw       float64 `yaml:"max_head_yaw"`
	MaxHeadRoll      float64 `yaml:"max_head_roll"`
}

// SessionConfig holds the per-session policies.
type SessionConfig struct {
	RejectCooldown time.Duration `yaml:"reject_cooldown"`
	ErrorCooldown  time.Duration `yaml:"error_cooldown"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxAttempts    int           `yaml:"max_attempts"`
	PhotoQuality   int           `yaml:"photo_quality"`
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	Backend           string `yaml:"backend"` // file, sqlite, postgres
	DataDir           string `yaml:"data_dir"`
	EncryptionEnabled bool   `yaml:"encryption_enabled"`
	SQLiteFile        string `yaml:"sqlite_file"`
	PostgresURL       string `yaml:"postgres_url"`
}

// ServerConfig holds the HTTP API settings.
type ServerConfig struct {
	Listen      string   `yaml:"listen"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// MQTTConfig holds the event publisher settings.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	Port        int    `yaml:"port"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         int    `yaml:"qos"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	File   string `yaml:"file"`
	Format string `yaml:"format"` // text, json
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".local/share/facegate")
	return &Config{
		Alignment: AlignmentConfig{
			Width:   150,
			Height:  150,
			Padding: 0.15,
		},
		Recognition: RecognitionConfig{
			Backend:        "dlib",
			ModelPath:      filepath.Join(dataDir, "models"),
			RemoteTimeout:  5 * time.Second,
			Dimension:      128,
			Metric:         "cosine",
			MatchThreshold: 0.72,
		},
		Liveness: LivenessConfig{
			BlinkThreshold:   0.40,
			StaticFrameLimit: 15,
		},
		Session: SessionConfig{
			RejectCooldown: 3 * time.Second,
			ErrorCooldown:  2 * time.Second,
			Timeout:        30 * time.Second,
			MaxAttempts:    0,
			PhotoQuality:   85,
		},
		Storage: StorageConfig{
			Backend:           "file",
			DataDir:           dataDir,
			EncryptionEnabled: true,
			SQLiteFile:        filepath.Join(dataDir, "identities.db"),
		},
		Server: ServerConfig{
			Listen:      "127.0.0.1:8089",
			CORSOrigins: []string{"http://localhost:3000"},
		},
		MQTT: MQTTConfig{
			Enabled:     false,
			Port:        1883,
			ClientID:    "facegate",
			TopicPrefix: "facegate",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "facegate",
		},
		Logging: LoggingConfig{
			Level:  "info",
			File:   filepath.Join(dataDir, "facegate.log"),
			Format: "text",
		},
	}
}

// Load loads configuration from the specified file.
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return config, err
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return config, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	return config, nil
}

// LoadDefault tries to load configuration from default locations.
func LoadDefault() (*Config, error) {
	if path := os.Getenv(EnvConfigPath); path != "" {
		return Load(path)
	}

	// Try system config first
	if _, err := os.Stat(SystemConfigPath); err == nil {
		return Load(SystemConfigPath)
	}

	// Try user config
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return DefaultConfig(), nil
	}

	userConfig := filepath.Join(homeDir, ".config/facegate/facegate.yaml")
	if _, err := os.Stat(userConfig); err == nil {
		return Load(userConfig)
	}

	// Return defaults
	return DefaultConfig(), nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return os.WriteFile(path, data, 0600)
}

// ExpandPath expands ~ and environment variables in a path.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(homeDir, path[2:])
		}
	}
	return os.ExpandEnv(path)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	// Validate alignment settings
	if c.Alignment.Width <= 0 || c.Alignment.Height <= 0 {
		return fmt.Errorf("invalid alignment size: %dx%d", c.Alignment.Width, c.Alignment.Height)
	}
	if c.Alignment.Padding < 0 || c.Alignment.Padding > 1 {
		return fmt.Errorf("alignment padding must be between 0 and 1, got %f", c.Alignment.Padding)
	}

	// Validate recognition settings
	switch c.Recognition.Backend {
	case "dlib":
	case "remote":
		if c.Recognition.RemoteURL == "" {
			return fmt.Errorf("recognition backend remote requires remote_url")
		}
		if c.Recognition.Dimension <= 0 {
			return fmt.Errorf("dimension must be positive, got %d", c.Recognition.Dimension)
		}
	default:
		return fmt.Errorf("invalid recognition backend: %s (must be dlib or remote)", c.Recognition.Backend)
	}
	switch c.Recognition.Metric {
	case "cosine":
		if c.Recognition.MatchThreshold < -1 || c.Recognition.MatchThreshold > 1 {
			return fmt.Errorf("match_threshold must be between -1 and 1 for cosine, got %f", c.Recognition.MatchThreshold)
		}
	case "euclidean":
		if c.Recognition.MatchThreshold < 0 || c.Recognition.MatchThreshold > 2 {
			return fmt.Errorf("match_threshold must be between 0 and 2 for euclidean, got %f", c.Recognition.MatchThreshold)
		}
	default:
		return fmt.Errorf("invalid metric: %s (must be cosine or euclidean)", c.Recognition.Metric)
	}

	// Validate liveness settings
	if c.Liveness.BlinkThreshold <= 0 || c.Liveness.BlinkThreshold >= 1 {
		return fmt.Errorf("blink_threshold must be between 0 and 1, got %f", c.Liveness.BlinkThreshold)
	}
	if c.Liveness.StaticFrameLimit <= 0 {
		return fmt.Errorf("static_frame_limit must be positive, got %d", c.Liveness.StaticFrameLimit)
	}
	if c.Liveness.MaxHeadYaw < 0 || c.Liveness.MaxHeadRoll < 0 {
		return fmt.Errorf("head pose bounds must not be negative")
	}

	// Validate session settings
	if c.Session.RejectCooldown <= 0 || c.Session.ErrorCooldown <= 0 {
		return fmt.Errorf("cooldowns must be positive, got %s and %s", c.Session.RejectCooldown, c.Session.ErrorCooldown)
	}
	if c.Session.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative, got %s", c.Session.Timeout)
	}
	if c.Session.MaxAttempts < 0 {
		return fmt.Errorf("max_attempts must not be negative, got %d", c.Session.MaxAttempts)
	}
	if c.Session.PhotoQuality < 1 || c.Session.PhotoQuality > 100 {
		return fmt.Errorf("photo_quality must be between 1 and 100, got %d", c.Session.PhotoQuality)
	}

	// Validate storage settings
	switch c.Storage.Backend {
	case "file":
	case "sqlite":
		if c.Storage.SQLiteFile == "" {
			return fmt.Errorf("storage backend sqlite requires sqlite_file")
		}
	case "postgres":
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("storage backend postgres requires postgres_url")
		}
	default:
		return fmt.Errorf("invalid storage backend: %s (must be file, sqlite, or postgres)", c.Storage.Backend)
	}

	// Validate MQTT settings
	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt broker is required when mqtt is enabled")
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt qos must be 0, 1, or 2, got %d", c.MQTT.QoS)
		}
	}

	// Validate logging settings
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Logging.Format)
	}

	return nil
}

// ExpandPaths expands all paths in the configuration.
func (c *Config) ExpandPaths() {
	c.Recognition.ModelPath = ExpandPath(c.Recognition.ModelPath)
	c.Storage.DataDir = ExpandPath(c.Storage.DataDir)
	c.Storage.SQLiteFile = ExpandPath(c.Storage.SQLiteFile)
	c.Logging.File = ExpandPath(c.Logging.File)
}

// EnsureDirectories creates necessary directories for storage and logging.
func (c *Config) EnsureDirectories() error {
	// Create storage directory
	if err := os.MkdirAll(c.Storage.DataDir, 0700); err != nil {
		return fmt.Errorf("failed to create storage directory: %w", err)
	}

	if c.Storage.Backend == "sqlite" {
		if err := os.MkdirAll(filepath.Dir(c.Storage.SQLiteFile), 0700); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// Create models directory
	if c.Recognition.Backend == "dlib" {
		if err := os.MkdirAll(c.Recognition.ModelPath, 0755); err != nil {
			return fmt.Errorf("failed to create models directory: %w", err)
		}
	}

	// Create log directory
	if c.Logging.File != "" {
		if err := os.MkdirAll(filepath.Dir(c.Logging.File), 0755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
	}

	return nil
}
