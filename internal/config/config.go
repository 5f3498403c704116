// Package config centralises runtime configuration for the flit relay.
package config

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config is the process configuration tree loaded from the environment.
type Config struct {
	UpstreamURL   string
	UpstreamToken string
	ListenPort    int

	Channels         []string
	UserFilters      []string
	KeywordFilters   []string
	EventTypeFilters []string

	Telegram TelegramConfig
	Discord  DiscordConfig
	Webhook  WebhookConfig

	Debug bool
}

// TelegramConfig carries the Telegram alert channel credentials.
type TelegramConfig struct {
	BotToken string
	ChatID   string
}

// Enabled reports whether the Telegram channel is fully configured.
func (c TelegramConfig) Enabled() bool {
	return c.BotToken != "" && c.ChatID != ""
}

// DiscordConfig carries the Discord alert channel settings.
type DiscordConfig struct {
	WebhookURL string
}

// Enabled reports whether the Discord channel is configured.
func (c DiscordConfig) Enabled() bool {
	return c.WebhookURL != ""
}

// WebhookConfig carries the generic webhook alert channel settings.
type WebhookConfig struct {
	URL     string
	Method  string
	Headers map[string]string
}

// Enabled reports whether the generic webhook channel is configured.
func (c WebhookConfig) Enabled() bool {
	return c.URL != ""
}

// FromEnv loads the relay configuration from environment variables.
func FromEnv() (Config, error) {
	var missing []string
	requireEnv := func(key string) string {
		value := strings.TrimSpace(os.Getenv(key))
		if value == "" {
			missing = append(missing, key)
		}
		return value
	}

	cfg := Config{
		UpstreamURL:   requireEnv("UPSTREAM_URL"),
		UpstreamToken: requireEnv("UPSTREAM_TOKEN"),
	}

	portRaw := requireEnv("LISTEN_PORT")
	if len(missing) > 0 {
		return Config{}, fmt.Errorf("required environment variables not set: %s", strings.Join(missing, ", "))
	}
	port, err := strconv.Atoi(portRaw)
	if err != nil || port <= 0 || port > 65535 {
		return Config{}, fmt.Errorf("LISTEN_PORT must be a valid port number, got %q", portRaw)
	}
	cfg.ListenPort = port

	cfg.Channels = SplitCSV(GetEnv("CHANNELS", "all"))
	if len(cfg.Channels) == 0 {
		cfg.Channels = []string{"all"}
	}
	cfg.UserFilters = SplitCSV(os.Getenv("USER_FILTERS"))
	cfg.KeywordFilters = SplitCSV(os.Getenv("KEYWORD_FILTERS"))
	cfg.EventTypeFilters = SplitCSV(os.Getenv("EVENT_TYPE_FILTERS"))

	cfg.Telegram = TelegramConfig{
		BotToken: strings.TrimSpace(os.Getenv("TELEGRAM_BOT_TOKEN")),
		ChatID:   strings.TrimSpace(os.Getenv("TELEGRAM_CHAT_ID")),
	}
	cfg.Discord = DiscordConfig{
		WebhookURL: strings.TrimSpace(os.Getenv("DISCORD_WEBHOOK_URL")),
	}

	webhook := WebhookConfig{
		URL:    strings.TrimSpace(os.Getenv("WEBHOOK_URL")),
		Method: strings.ToUpper(GetEnv("WEBHOOK_METHOD", http.MethodPost)),
	}
	if raw := strings.TrimSpace(os.Getenv("WEBHOOK_HEADERS")); raw != "" {
		headers := make(map[string]string)
		if err := json.Unmarshal([]byte(raw), &headers); err != nil {
			return Config{}, fmt.Errorf("WEBHOOK_HEADERS must be a JSON object of string pairs: %w", err)
		}
		webhook.Headers = headers
	}
	cfg.Webhook = webhook

	cfg.Debug = GetEnvBool("DEBUG", false)

	return cfg, nil
}

// ListenAddr renders the HTTP listen address for the dashboard gateway.
func (c Config) ListenAddr() string {
	return fmt.Sprintf(":%d", c.ListenPort)
}

// LoadEnv loads environment variables from local .env files when present.
func LoadEnv(logger *logrus.Logger) {
	files := []string{".env", ".env.local"}
	loaded := make([]string, 0, len(files))
	for _, file := range files {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		if err := godotenv.Overload(file); err != nil {
			if logger != nil {
				logger.WithError(err).Warnf("Failed to load %s", file)
			}
			continue
		}
		loaded = append(loaded, file)
	}
	if logger == nil {
		return
	}
	if len(loaded) == 0 {
		logger.Debug("No local env files loaded; relying on process environment")
	} else {
		logger.Debugf("Loaded env files: %s", strings.Join(loaded, ", "))
	}
}

// GetEnv gets an environment variable with a default value.
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetEnvInt gets an integer environment variable with a default value.
func GetEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// GetEnvBool gets a boolean environment variable with a default value.
func GetEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// GetLogLevel resolves the logrus level from LOG_LEVEL, with DEBUG forcing debug.
func GetLogLevel() logrus.Level {
	if GetEnvBool("DEBUG", false) {
		return logrus.DebugLevel
	}
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		return logrus.DebugLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// SplitCSV splits a comma-separated value into trimmed, non-empty items.
func SplitCSV(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
