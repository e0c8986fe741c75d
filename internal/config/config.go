package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the application's configuration.
type Config struct {
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	Gemini struct {
		BaseURL        string  `yaml:"base_url"`
		Model          string  `yaml:"model"`
		APIKey         string  `yaml:"api_key"`
		TimeoutSeconds float64 `yaml:"timeout_seconds"`
		MaxAttempts    int     `yaml:"max_attempts"`
	} `yaml:"gemini"`
	Analysis struct {
		MaxManualRetries int `yaml:"max_manual_retries"`
	} `yaml:"analysis"`
	Alerts struct {
		Enabled          bool   `yaml:"enabled"`
		TelegramBotToken string `yaml:"telegram_bot_token"`
		TelegramChatID   int64  `yaml:"telegram_chat_id"`
	} `yaml:"alerts"`
	Auth struct {
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
}

// LoadConfig reads configuration from the specified YAML file. Secrets may
// also come from the environment (GOOGLE_API_KEY, JWT_SECRET,
// TELEGRAM_BOT_TOKEN), which takes precedence over the file.
func LoadConfig(configPath string) (*Config, error) {
	config := &Config{}

	file, err := os.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	if err := decoder.Decode(config); err != nil {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}

	if v := os.Getenv("GOOGLE_API_KEY"); v != "" {
		config.Gemini.APIKey = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		config.Auth.JWTSecret = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		config.Alerts.TelegramBotToken = v
	}

	config.applyDefaults()
	return config, nil
}

func (c *Config) applyDefaults() {
	if c.Gemini.BaseURL == "" {
		c.Gemini.BaseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	if c.Gemini.Model == "" {
		c.Gemini.Model = "gemini-2.5-flash"
	}
	if c.Gemini.TimeoutSeconds == 0 {
		c.Gemini.TimeoutSeconds = 30
	}
	if c.Gemini.MaxAttempts == 0 {
		c.Gemini.MaxAttempts = 3
	}
	if c.Analysis.MaxManualRetries == 0 {
		c.Analysis.MaxManualRetries = 5
	}
	if c.Server.Port == "" {
		c.Server.Port = ":8080"
	}
}
