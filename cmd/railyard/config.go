package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds railyard CLI configuration.
// Priority: flags > env vars > settings.json > defaults.
type Config struct {
	DBPath   string `json:"db_path"`
	LogLevel string `json:"log_level"`
	PoolSize int    `json:"pool_size"`
}

func defaultConfig() Config {
	return Config{
		DBPath:   filepath.Join(railyardDir(), "railyard.db"),
		LogLevel: "info",
		PoolSize: 8,
	}
}

func railyardDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".railyard"
	}
	return filepath.Join(home, ".railyard")
}

func settingsPath() string {
	return filepath.Join(railyardDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("RAILYARD_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("RAILYARD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("RAILYARD_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}

	return cfg
}
