// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds all application configuration.
type Config struct {
	Port         string
	DBPath       string
	DownloadRoot string
	CanvasURL    string
	CanvasToken  string
	OpenAIAPIKey string
	AgentURL     string
	Auth         AuthConfig
	Download     DownloadConfig
}

// AuthConfig holds the shared secrets for the websocket handshake.
type AuthConfig struct {
	Password     string
	TOTPSecret   string
	TOTPDisabled bool
	TOTPPeriod   uint
	TOTPSkew     uint
}

// DownloadConfig controls download-job execution.
type DownloadConfig struct {
	Workers          int
	RequireConfirm   bool
	UploadExtensions []string
	MaxUploadSize    int64
}

// defaultExtensions is the set of file types the vector store accepts.
const defaultExtensions = ".pdf,.txt,.md,.doc,.docx,.ppt,.pptx,.xls,.xlsx,.json,.csv"

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	period := getEnvInt("WS_TOTP_PERIOD", 30)
	if period <= 0 {
		period = 30
	}

	workers := getEnvInt("DOWNLOAD_WORKERS", 4)
	if workers <= 0 {
		workers = 4
	}

	cfg := &Config{
		Port:         getEnv("PORT", "8765"),
		DBPath:       getEnv("DB_PATH", "./data/canvas.db"),
		DownloadRoot: getEnv("DOWNLOAD_ROOT", "./file_index"),
		CanvasURL:    strings.TrimRight(getEnv("CANVAS_URL", ""), "/"),
		CanvasToken:  getEnv("CANVAS_ACCESS_TOKEN", ""),
		OpenAIAPIKey: getEnv("OPENAI_API_KEY", ""),
		AgentURL:     getEnv("AGENT_URL", ""),
		Auth: AuthConfig{
			Password:     getEnv("WS_PASSWORD", ""),
			TOTPSecret:   getEnv("WS_TOTP_SECRET", ""),
			TOTPDisabled: getEnvBool("WS_TOTP_DISABLED", false),
			TOTPPeriod:   uint(period),
			TOTPSkew:     1,
		},
		Download: DownloadConfig{
			Workers:          workers,
			RequireConfirm:   getEnvBool("REQUIRE_CONFIRM", true),
			UploadExtensions: splitExtensions(getEnv("UPLOAD_EXTENSIONS", defaultExtensions)),
			MaxUploadSize:    getEnvInt64("MAX_UPLOAD_SIZE", 512*1024*1024),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.DownloadRoot == "" {
		return fmt.Errorf("DOWNLOAD_ROOT cannot be empty")
	}
	if c.CanvasURL == "" {
		return fmt.Errorf("CANVAS_URL cannot be empty")
	}
	if c.CanvasToken == "" {
		return fmt.Errorf("CANVAS_ACCESS_TOKEN cannot be empty")
	}
	if c.Auth.Password == "" {
		return fmt.Errorf("WS_PASSWORD cannot be empty")
	}
	if !c.Auth.TOTPDisabled && c.Auth.TOTPSecret == "" {
		return fmt.Errorf("WS_TOTP_SECRET cannot be empty unless WS_TOTP_DISABLED is set")
	}
	if c.Download.Workers <= 0 {
		return fmt.Errorf("DOWNLOAD_WORKERS must be > 0")
	}
	if len(c.Download.UploadExtensions) == 0 {
		return fmt.Errorf("UPLOAD_EXTENSIONS cannot be empty")
	}
	return nil
}

func splitExtensions(raw string) []string {
	var exts []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		if !strings.HasPrefix(part, ".") {
			part = "." + part
		}
		exts = append(exts, part)
	}
	return exts
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvInt64(key string, fallback int64) int64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return fallback
	}
	return n
}
