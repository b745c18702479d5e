package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	envConfigPath          = "BOTDRIVER_CONFIG"
	envFacebookToken       = "FACEBOOK_TOKEN"
	envFacebookAppSecret   = "FACEBOOK_APP_SECRET"
	envFacebookVerifyToken = "FACEBOOK_VERIFICATION"
	envTelegramToken       = "TELEGRAM_BOT_TOKEN"
	envTelegramSecretToken = "TELEGRAM_SECRET_TOKEN"
)

// Config is the root runtime configuration loaded from config.json.
type Config struct {
	Drivers   DriversConfig   `json:"drivers"`
	Listeners ListenersConfig `json:"listeners"`
	Gateway   GatewayConfig   `json:"gateway"`
	Logging   LoggingConfig   `json:"logging,omitempty"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `json:"format,omitempty"`
	Level     string `json:"level,omitempty"`
	AddSource bool   `json:"add_source,omitempty"`
}

// DriversConfig stores per-platform driver settings.
type DriversConfig struct {
	Facebook FacebookConfig `json:"facebook"`
	Telegram TelegramConfig `json:"telegram"`
}

// FacebookConfig configures the Messenger driver.
type FacebookConfig struct {
	Enabled               bool   `json:"enabled"`
	Token                 string `json:"facebook_token"`
	AppSecret             string `json:"facebook_app_secret,omitempty"`
	VerifyToken           string `json:"facebook_verification,omitempty"`
	Endpoint              string `json:"endpoint,omitempty"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds,omitempty"`
}

// TelegramConfig configures the Telegram Bot API driver.
type TelegramConfig struct {
	Enabled               bool   `json:"enabled"`
	Token                 string `json:"token"`
	SecretToken           string `json:"secret_token,omitempty"`
	APIServer             string `json:"api_server,omitempty"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds,omitempty"`
}

// ListenersConfig describes the text rules the gateway answers with.
type ListenersConfig struct {
	Rules    []ListenerRule `json:"rules"`
	Fallback string         `json:"fallback,omitempty"`
}

// ListenerRule maps one incoming pattern to a reply.
type ListenerRule struct {
	Pattern string         `json:"pattern"`
	Reply   string         `json:"reply"`
	Buttons []ButtonConfig `json:"buttons,omitempty"`
}

// ButtonConfig is one quick reply offered with a rule's reply.
type ButtonConfig struct {
	Title    string `json:"title"`
	Value    string `json:"value"`
	ImageURL string `json:"image_url,omitempty"`
}

// GatewayConfig configures the webhook HTTP server.
type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	Path string `json:"path,omitempty"`
}

// LoadConfig resolves config.json, unmarshals it, and applies environment overrides.
func LoadConfig() (*Config, error) {
	configPath, err := findConfigPath()
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides injects secrets from the environment on top of file config.
func applyEnvOverrides(cfg *Config) {
	if cfg == nil {
		return
	}

	if token := strings.TrimSpace(os.Getenv(envFacebookToken)); token != "" {
		cfg.Drivers.Facebook.Token = token
	}
	if secret := strings.TrimSpace(os.Getenv(envFacebookAppSecret)); secret != "" {
		cfg.Drivers.Facebook.AppSecret = secret
	}
	if verify := strings.TrimSpace(os.Getenv(envFacebookVerifyToken)); verify != "" {
		cfg.Drivers.Facebook.VerifyToken = verify
	}
	if token := strings.TrimSpace(os.Getenv(envTelegramToken)); token != "" {
		cfg.Drivers.Telegram.Token = token
	}
	if secret := strings.TrimSpace(os.Getenv(envTelegramSecretToken)); secret != "" {
		cfg.Drivers.Telegram.SecretToken = secret
	}
}

// findConfigPath resolves the active config file location.
//
// Precedence is BOTDRIVER_CONFIG first, then cwd-local fallback paths.
func findConfigPath() (string, error) {
	if value := strings.TrimSpace(os.Getenv(envConfigPath)); value != "" {
		if info, err := os.Stat(value); err == nil && !info.IsDir() {
			return value, nil
		}
		return "", fmt.Errorf("%s does not point to a file: %s", envConfigPath, value)
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get current working directory: %w", err)
	}

	candidates := []string{
		filepath.Join(cwd, "config.json"),
		filepath.Join(cwd, "config", "config.json"),
	}

	for _, candidate := range candidates {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("config.json not found (checked %s and %s)", candidates[0], candidates[1])
}
