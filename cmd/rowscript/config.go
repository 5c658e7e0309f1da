package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/pflag"
)

// Config holds the rowscript CLI configuration.
// Priority: flags > env vars > settings.json > defaults.
type Config struct {
	TempDir     string `json:"temp_dir"`
	LogLevel    string `json:"log_level"`
	LogFile     string `json:"log_file"`
	Partitions  int    `json:"partitions"`
	MetricsAddr string `json:"metrics_addr"`
}

func defaultConfig() Config {
	return Config{
		TempDir:    filepath.Join(os.TempDir(), "rowscript"),
		LogLevel:   "info",
		Partitions: 1,
	}
}

func rowscriptDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".rowscript"
	}
	return filepath.Join(home, ".rowscript")
}

func settingsPath() string {
	return filepath.Join(rowscriptDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("ROWSCRIPT_TEMP_DIR"); v != "" {
		cfg.TempDir = v
	}
	if v := os.Getenv("ROWSCRIPT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("ROWSCRIPT_LOG_FILE"); v != "" {
		cfg.LogFile = v
	}
	if v := os.Getenv("ROWSCRIPT_PARTITIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Partitions = n
		}
	}
	if v := os.Getenv("ROWSCRIPT_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}

	if cfg.Partitions < 1 {
		cfg.Partitions = 1
	}
	return cfg
}

// applyFlags is layer 4: flags the user set explicitly.
func (c *Config) applyFlags(fs *pflag.FlagSet) {
	if f := fs.Lookup("temp-dir"); f != nil && f.Changed {
		c.TempDir = f.Value.String()
	}
	if f := fs.Lookup("log-level"); f != nil && f.Changed {
		c.LogLevel = f.Value.String()
	}
	if f := fs.Lookup("log-file"); f != nil && f.Changed {
		c.LogFile = f.Value.String()
	}
	if f := fs.Lookup("partitions"); f != nil && f.Changed {
		if n, err := strconv.Atoi(f.Value.String()); err == nil && n > 0 {
			c.Partitions = n
		}
	}
	if f := fs.Lookup("metrics-addr"); f != nil && f.Changed {
		c.MetricsAddr = f.Value.String()
	}
}
