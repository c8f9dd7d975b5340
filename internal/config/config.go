package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// OAuth
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string

	// Sign-in / token
	SignInTimeout        time.Duration
	TokenRefreshInterval time.Duration
	TokenRefreshLeeway   time.Duration

	// Export
	ExportTimeout  time.Duration
	ListNamePrefix string

	// Export history
	ExportHistoryRetentionDays int
	HistoryCleanupInterval     time.Duration

	// Rate Limit
	RateLimitExport int

	// Logging
	LogLevel string

	// Server
	ServerHost string
	ServerPort string
	BaseURL    string

	// Cookie
	CookieSecure bool

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string
	required := func(key string) string {
		v := os.Getenv(key)
		if v == "" {
			missing = append(missing, key)
		}
		return v
	}

	cfg.DatabaseURL = required("DATABASE_URL")
	cfg.GoogleClientID = required("GOOGLE_CLIENT_ID")
	cfg.GoogleClientSecret = required("GOOGLE_CLIENT_SECRET")
	cfg.GoogleRedirectURL = required("GOOGLE_REDIRECT_URL")
	cfg.BaseURL = required("BASE_URL")

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.SignInTimeout = getEnvDuration("SIGNIN_TIMEOUT", 5*time.Minute)
	cfg.TokenRefreshInterval = getEnvDuration("TOKEN_REFRESH_INTERVAL", time.Minute)
	cfg.TokenRefreshLeeway = getEnvDuration("TOKEN_REFRESH_LEEWAY", 5*time.Minute)
	cfg.ExportTimeout = getEnvDuration("EXPORT_TIMEOUT", 60*time.Second)
	cfg.ListNamePrefix = getEnvString("LIST_NAME_PREFIX", "Pind")
	cfg.ExportHistoryRetentionDays = getEnvInt("EXPORT_HISTORY_RETENTION_DAYS", 90)
	cfg.HistoryCleanupInterval = getEnvDuration("HISTORY_CLEANUP_INTERVAL", 24*time.Hour)
	cfg.RateLimitExport = getEnvInt("RATE_LIMIT_EXPORT", 10)
	cfg.LogLevel = strings.ToLower(getEnvString("LOG_LEVEL", "info"))
	cfg.ServerHost = getEnvString("SERVER_HOST", "127.0.0.1")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

	return cfg, nil
}

// Addr はHTTPサーバーの待ち受けアドレスを返す。
func (c *Config) Addr() string {
	return c.ServerHost + ":" + c.ServerPort
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil || i <= 0 {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}
