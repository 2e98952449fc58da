package main

import (
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

// ConfigFile represents the config.toml structure.
type ConfigFile struct {
	ListenAddr       string `toml:"listen_addr"`
	PoolDir          string `toml:"pool_dir"`
	DBPath           string `toml:"db_path"`
	APIKey           string `toml:"api_key"`
	AdminToken       string `toml:"admin_token"`
	Debug            bool   `toml:"debug"`
	MaxAttempts      int    `toml:"max_attempts"`
	MaxInflight      int    `toml:"max_inflight"` // per-account in-flight cap
	FailureThreshold int    `toml:"failure_threshold"`
	BanMinutes       int    `toml:"ban_minutes"` // 429 cooldown
	RetentionDays    int    `toml:"retention_days"`
	ProxyURL         string `toml:"proxy_url"` // HTTP proxy toward the provider

	LabsBaseURL string `toml:"labs_base_url"`
	APIBaseURL  string `toml:"api_base_url"`

	PollIntervalSeconds int `toml:"poll_interval_seconds"`
	MaxPollAttempts     int `toml:"max_poll_attempts"`
	RefreshLeadMinutes  int `toml:"refresh_lead_minutes"`

	Captcha CaptchaConfig `toml:"captcha"`
	Renewal RenewalConfig `toml:"renewal"`
}

// CaptchaConfig is the [captcha] section. Empty api_key disables solving.
type CaptchaConfig struct {
	BaseURL    string `toml:"base_url"`
	APIKey     string `toml:"api_key"`
	SiteKey    string `toml:"site_key"`
	PageAction string `toml:"page_action"`
}

// RenewalConfig is the [renewal] section. Empty service_url means accounts
// with a rejected session token get disabled instead of renewed.
type RenewalConfig struct {
	ServiceURL string `toml:"service_url"`
}

// loadConfigFile loads config.toml if it exists.
// Returns nil if the file doesn't exist.
func loadConfigFile(path string) (*ConfigFile, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}

	var cfg ConfigFile
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// getConfigString returns the config value with priority: env var > config file > default.
func getConfigString(envKey string, configValue string, defaultValue string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	if configValue != "" {
		return configValue
	}
	return defaultValue
}

// getConfigInt returns the config value with priority: env var > config file > default.
func getConfigInt(envKey string, configValue int, defaultValue int) int {
	if v := os.Getenv(envKey); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			return int(n)
		}
	}
	if configValue > 0 {
		return configValue
	}
	return defaultValue
}

// getConfigBool returns the config value with priority: env var > config file > default.
func getConfigBool(envKey string, configValue bool, defaultValue bool) bool {
	if v := os.Getenv(envKey); v != "" {
		return v == "1" || v == "true"
	}
	if configValue {
		return true
	}
	return defaultValue
}
