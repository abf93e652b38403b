// Package config loads server configuration from an optional YAML file,
// a .env file, and environment variable overrides, in that order.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full server configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Chat   ChatConfig   `yaml:"chat"`
}

// ServerConfig covers the HTTP listener and upgrade throttling.
type ServerConfig struct {
	Addr         string  `yaml:"addr"`
	UpgradeRate  float64 `yaml:"upgrade_rate"`  // upgrades per second per remote host
	UpgradeBurst int     `yaml:"upgrade_burst"` // burst per remote host
}

// ChatConfig covers hub behavior.
type ChatConfig struct {
	MaxPayloadBytes      int64 `yaml:"max_payload_bytes"`
	DefaultDeleteMinutes int   `yaml:"default_delete_minutes"`
	SendQueueSize        int   `yaml:"send_queue_size"`
}

// Default returns the runnable zero configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         ":8080",
			UpgradeRate:  5,
			UpgradeBurst: 10,
		},
		Chat: ChatConfig{
			MaxPayloadBytes:      16 << 20,
			DefaultDeleteMinutes: 10,
			SendQueueSize:        32,
		},
	}
}

// Load builds the configuration. path may be empty, in which case only
// defaults, .env, and environment overrides apply.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.Server.Addr = getEnv("LISTEN_ADDR", cfg.Server.Addr)
	cfg.Server.UpgradeRate = getEnvFloat("UPGRADE_RATE", cfg.Server.UpgradeRate)
	cfg.Server.UpgradeBurst = getEnvInt("UPGRADE_BURST", cfg.Server.UpgradeBurst)
	cfg.Chat.MaxPayloadBytes = int64(getEnvInt("MAX_PAYLOAD_BYTES", int(cfg.Chat.MaxPayloadBytes)))
	cfg.Chat.DefaultDeleteMinutes = getEnvInt("DEFAULT_DELETE_MINUTES", cfg.Chat.DefaultDeleteMinutes)
	cfg.Chat.SendQueueSize = getEnvInt("SEND_QUEUE_SIZE", cfg.Chat.SendQueueSize)

	if cfg.Chat.DefaultDeleteMinutes <= 0 {
		return nil, fmt.Errorf("config: default_delete_minutes must be positive, got %d", cfg.Chat.DefaultDeleteMinutes)
	}
	if cfg.Chat.MaxPayloadBytes <= 0 {
		return nil, fmt.Errorf("config: max_payload_bytes must be positive, got %d", cfg.Chat.MaxPayloadBytes)
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
