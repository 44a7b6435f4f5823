// Package config provides configuration for the retrochat binaries.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/goccy/go-yaml"
)

// Config holds the client and devserver configuration.
type Config struct {
	// Server endpoints
	ServerURL string // WebSocket endpoint
	APIURL    string // REST endpoint for snapshot and history
	Token     string // credential presented in hello

	// Reconnect settings
	BackoffBase time.Duration
	BackoffMax  time.Duration
	AttemptCap  int

	// WebSocket settings
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadTimeout    time.Duration
	MaxMessageSize int64

	// Store settings
	TypingTTL   time.Duration
	HistoryPage int

	// Notification settings
	NotifyRate  float64 // deliveries per second per conversation
	NotifyBurst int

	// Devserver settings
	ListenAddr string

	// Logging
	LogLevel string
}

// FileConfig is the subset of settings readable from a YAML config file.
// Environment variables take precedence over file values.
type FileConfig struct {
	ServerURL string `yaml:"server_url"`
	APIURL    string `yaml:"api_url"`
	Token     string `yaml:"token"`
	LogLevel  string `yaml:"log_level"`
}

func defaults() *Config {
	return &Config{
		ServerURL:      "ws://localhost:8090/ws",
		APIURL:         "http://localhost:8090",
		Token:          "",
		BackoffBase:    1 * time.Second,
		BackoffMax:     30 * time.Second,
		AttemptCap:     10,
		PingInterval:   30 * time.Second,
		WriteTimeout:   10 * time.Second,
		ReadTimeout:    60 * time.Second,
		MaxMessageSize: 65536,
		TypingTTL:      3 * time.Second,
		HistoryPage:    30,
		NotifyRate:     0.5,
		NotifyBurst:    3,
		ListenAddr:     ":8090",
		LogLevel:       "info",
	}
}

// Load loads configuration from environment variables.
func Load() *Config {
	cfg := defaults()
	applyEnv(cfg)
	return cfg
}

// LoadWithFile loads configuration from an optional YAML file, then
// applies environment variables on top. An empty path behaves like Load.
func LoadWithFile(path string) (*Config, error) {
	cfg := defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		var fc FileConfig
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
		if fc.ServerURL != "" {
			cfg.ServerURL = fc.ServerURL
		}
		if fc.APIURL != "" {
			cfg.APIURL = fc.APIURL
		}
		if fc.Token != "" {
			cfg.Token = fc.Token
		}
		if fc.LogLevel != "" {
			cfg.LogLevel = fc.LogLevel
		}
	}
	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.ServerURL = getEnv("RETROCHAT_WS_URL", cfg.ServerURL)
	cfg.APIURL = getEnv("RETROCHAT_API_URL", cfg.APIURL)
	cfg.Token = getEnv("RETROCHAT_TOKEN", cfg.Token)
	cfg.BackoffBase = getEnvDuration("RETROCHAT_BACKOFF_BASE_MS", cfg.BackoffBase)
	cfg.BackoffMax = getEnvDuration("RETROCHAT_BACKOFF_MAX_MS", cfg.BackoffMax)
	cfg.AttemptCap = getEnvInt("RETROCHAT_ATTEMPT_CAP", cfg.AttemptCap)
	cfg.PingInterval = getEnvDuration("RETROCHAT_PING_INTERVAL_MS", cfg.PingInterval)
	cfg.WriteTimeout = getEnvDuration("RETROCHAT_WRITE_TIMEOUT_MS", cfg.WriteTimeout)
	cfg.ReadTimeout = getEnvDuration("RETROCHAT_READ_TIMEOUT_MS", cfg.ReadTimeout)
	cfg.MaxMessageSize = int64(getEnvInt("RETROCHAT_MAX_MESSAGE_SIZE", int(cfg.MaxMessageSize)))
	cfg.TypingTTL = getEnvDuration("RETROCHAT_TYPING_TTL_MS", cfg.TypingTTL)
	cfg.HistoryPage = getEnvInt("RETROCHAT_HISTORY_PAGE", cfg.HistoryPage)
	cfg.NotifyRate = getEnvFloat("RETROCHAT_NOTIFY_RATE", cfg.NotifyRate)
	cfg.NotifyBurst = getEnvInt("RETROCHAT_NOTIFY_BURST", cfg.NotifyBurst)
	cfg.ListenAddr = getEnv("RETROCHAT_LISTEN_ADDR", cfg.ListenAddr)
	cfg.LogLevel = getEnv("RETROCHAT_LOG_LEVEL", cfg.LogLevel)
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if floatVal, err := strconv.ParseFloat(val, 64); err == nil {
			return floatVal
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if ms, err := strconv.Atoi(val); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultVal
}
