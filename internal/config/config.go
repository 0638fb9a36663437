// Package config provides runtime configuration values for the server.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Production is the APP_ENV value that hides internal error details.
const Production = "production"

// Config holds configuration knobs for the HTTP server, store, change feed
// and websocket fan-out.
type Config struct {
	HTTPAddr        string
	Env             string
	LogLevel        string
	DBPath          string
	ShutdownTimeout time.Duration

	JWTSecret       string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	AllowedOrigins  []string
	LoginRateLimit  int
	LoginRateWindow time.Duration
	APIRateLimit    int
	APIRateWindow   time.Duration

	ReconcileAtomic bool

	FeedTables        []string
	FeedPollInterval  time.Duration
	FeedRetryMinDelay time.Duration
	FeedRetryMaxDelay time.Duration
	FeedRetention     time.Duration

	WSPingInterval   time.Duration
	WSWriteWait      time.Duration
	WSMaxMissedPongs int
	WSSendBuffer     int

	SheetsSpreadsheetID string
	SheetsCredentials   string
	SheetsDefaultSheet  string
}

// DefaultAllowedOrigins are the front-end origins the API accepts when
// CORS_ALLOWED_ORIGINS is unset.
var DefaultAllowedOrigins = []string{
	"https://angelaramiz.github.io",
	"http://localhost:8158",
	"http://127.0.0.1:5500",
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func atoienv(key string, def int) int {
	v := getenv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func boolenv(key string, def bool) bool {
	v := getenv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// durenv parses Go duration strings ("250ms", "1h").
func durenv(key string, def time.Duration) time.Duration {
	v := getenv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func listenv(key string, def []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Load collects configuration from the environment with defaults. A .env
// file in the working directory is loaded first when present; variables
// already set in the environment win.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		HTTPAddr:        getenv("HTTP_ADDR", ":5000"),
		Env:             getenv("APP_ENV", "development"),
		LogLevel:        getenv("LOG_LEVEL", "info"),
		DBPath:          getenv("DB_PATH", "./data"),
		ShutdownTimeout: durenv("SHUTDOWN_TIMEOUT", 15*time.Second),

		JWTSecret:       getenv("JWT_SECRET", ""),
		AccessTokenTTL:  durenv("ACCESS_TOKEN_TTL", time.Hour),
		RefreshTokenTTL: durenv("REFRESH_TOKEN_TTL", 24*time.Hour),

		AllowedOrigins:  listenv("CORS_ALLOWED_ORIGINS", DefaultAllowedOrigins),
		LoginRateLimit:  atoienv("LOGIN_RATE_LIMIT", 10),
		LoginRateWindow: durenv("LOGIN_RATE_WINDOW", time.Hour),
		APIRateLimit:    atoienv("API_RATE_LIMIT", 100),
		APIRateWindow:   durenv("API_RATE_WINDOW", 15*time.Minute),

		ReconcileAtomic: boolenv("RECONCILE_ATOMIC", true),

		FeedTables:        listenv("FEED_TABLES", []string{"inventory"}),
		FeedPollInterval:  durenv("FEED_POLL_INTERVAL", 250*time.Millisecond),
		FeedRetryMinDelay: durenv("FEED_RETRY_MIN_DELAY", 500*time.Millisecond),
		FeedRetryMaxDelay: durenv("FEED_RETRY_MAX_DELAY", 30*time.Second),
		FeedRetention:     durenv("FEED_RETENTION", 24*time.Hour),

		WSPingInterval:   durenv("WS_PING_INTERVAL", 30*time.Second),
		WSWriteWait:      durenv("WS_WRITE_WAIT", 10*time.Second),
		WSMaxMissedPongs: atoienv("WS_MAX_MISSED_PONGS", 2),
		WSSendBuffer:     atoienv("WS_SEND_BUFFER", 256),

		SheetsSpreadsheetID: getenv("SHEETS_SPREADSHEET_ID", ""),
		SheetsCredentials:   getenv("SHEETS_CREDENTIALS", ""),
		SheetsDefaultSheet:  getenv("SHEETS_DEFAULT_SHEET", "Productos"),
	}
}

// IsProduction reports whether internal error details must be hidden.
func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Env, Production)
}

// SheetsEnabled reports whether spreadsheet export is configured.
func (c Config) SheetsEnabled() bool {
	return c.SheetsSpreadsheetID != "" && c.SheetsCredentials != ""
}

// Validate rejects configurations the server cannot run with.
func (c Config) Validate() error {
	if c.HTTPAddr == "" {
		return fmt.Errorf("HTTP_ADDR must not be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH must not be empty")
	}
	if c.IsProduction() && len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 bytes in production")
	}
	positive := map[string]time.Duration{
		"ACCESS_TOKEN_TTL":     c.AccessTokenTTL,
		"REFRESH_TOKEN_TTL":    c.RefreshTokenTTL,
		"LOGIN_RATE_WINDOW":    c.LoginRateWindow,
		"API_RATE_WINDOW":      c.APIRateWindow,
		"FEED_POLL_INTERVAL":   c.FeedPollInterval,
		"FEED_RETRY_MIN_DELAY": c.FeedRetryMinDelay,
		"FEED_RETRY_MAX_DELAY": c.FeedRetryMaxDelay,
		"WS_PING_INTERVAL":     c.WSPingInterval,
		"WS_WRITE_WAIT":        c.WSWriteWait,
		"SHUTDOWN_TIMEOUT":     c.ShutdownTimeout,
	}
	for key, d := range positive {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", key, d)
		}
	}
	if c.FeedRetryMaxDelay < c.FeedRetryMinDelay {
		return fmt.Errorf("FEED_RETRY_MAX_DELAY (%s) must not be below FEED_RETRY_MIN_DELAY (%s)", c.FeedRetryMaxDelay, c.FeedRetryMinDelay)
	}
	if c.LoginRateLimit <= 0 || c.APIRateLimit <= 0 {
		return fmt.Errorf("rate limits must be positive")
	}
	if c.WSMaxMissedPongs <= 0 {
		return fmt.Errorf("WS_MAX_MISSED_PONGS must be positive")
	}
	if c.WSSendBuffer <= 0 {
		return fmt.Errorf("WS_SEND_BUFFER must be positive")
	}
	return nil
}
