package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds settings for both the sync client and the reference backend.
// Every key can be overridden with a CHATSYNC_ prefixed environment variable,
// e.g. CHATSYNC_API_URL.
type Config struct {
	// client
	APIURL           string
	WSURL            string
	Token            string
	UserID           int64
	PageSize         int
	DedupWindow      int
	UnreadDebounce   time.Duration
	TypingTTL        time.Duration
	ReconnectInitial time.Duration
	ReconnectMax     time.Duration
	OutboxSize       int
	StorePath        string
	StoreKey         string

	// reference backend
	ListenAddr   string
	DatabasePath string
	JWTSecret    string
	TokenTTL     time.Duration
	RedisAddr    string

	Development bool
	EnvLoaded   bool
}

var defaults = map[string]any{
	"api_url":           "http://localhost:8080",
	"ws_url":            "ws://localhost:8080/ws",
	"token":             "",
	"user_id":           0,
	"page_size":         30,
	"dedup_window":      100,
	"unread_debounce":   "300ms",
	"typing_ttl":        "5s",
	"reconnect_initial": "500ms",
	"reconnect_max":     "30s",
	"outbox_size":       256,
	"store_path":        "chatsync.db",
	"store_key":         "",
	"listen_addr":       ":8080",
	"database_path":     "chatsync-server.db",
	"jwt_secret":        "change-me",
	"token_ttl":         "24h",
	"redis_addr":        "",
	"development":       false,
}

// Load reads an optional .env file and the environment
func Load() (*Config, error) {
	// A missing .env is fine, the environment may already be populated
	envLoaded := godotenv.Load() == nil

	v := viper.New()
	v.SetEnvPrefix("CHATSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}

	cfg := &Config{
		APIURL:           strings.TrimRight(v.GetString("api_url"), "/"),
		WSURL:            v.GetString("ws_url"),
		Token:            v.GetString("token"),
		UserID:           v.GetInt64("user_id"),
		PageSize:         v.GetInt("page_size"),
		DedupWindow:      v.GetInt("dedup_window"),
		UnreadDebounce:   v.GetDuration("unread_debounce"),
		TypingTTL:        v.GetDuration("typing_ttl"),
		ReconnectInitial: v.GetDuration("reconnect_initial"),
		ReconnectMax:     v.GetDuration("reconnect_max"),
		OutboxSize:       v.GetInt("outbox_size"),
		StorePath:        v.GetString("store_path"),
		StoreKey:         v.GetString("store_key"),
		ListenAddr:       v.GetString("listen_addr"),
		DatabasePath:     v.GetString("database_path"),
		JWTSecret:        v.GetString("jwt_secret"),
		TokenTTL:         v.GetDuration("token_ttl"),
		RedisAddr:        v.GetString("redis_addr"),
		Development:      v.GetBool("development"),
		EnvLoaded:        envLoaded,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values that would otherwise fail deep inside a component
func (c *Config) Validate() error {
	var errs []error
	if c.PageSize <= 0 {
		errs = append(errs, fmt.Errorf("page_size must be positive, got %d", c.PageSize))
	}
	if c.DedupWindow <= 0 {
		errs = append(errs, fmt.Errorf("dedup_window must be positive, got %d", c.DedupWindow))
	}
	if c.OutboxSize < 0 {
		errs = append(errs, fmt.Errorf("outbox_size must not be negative, got %d", c.OutboxSize))
	}
	if c.ReconnectInitial <= 0 || c.ReconnectMax < c.ReconnectInitial {
		errs = append(errs, fmt.Errorf("invalid reconnect backoff bounds %s..%s", c.ReconnectInitial, c.ReconnectMax))
	}
	if c.TypingTTL <= 0 {
		errs = append(errs, errors.New("typing_ttl must be positive"))
	}
	return errors.Join(errs...)
}
