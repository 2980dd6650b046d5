package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// ProviderConfig is one OAuth client registration.
type ProviderConfig struct {
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// Enabled reports whether both client credentials are set.
func (p ProviderConfig) Enabled() bool {
	return p.ClientID != "" && p.ClientSecret != ""
}

type Config struct {
	ListenAddr string
	BaseURL    string

	DB struct {
		DSN string
	}

	Session struct {
		Secret     string
		CookieName string
	}

	// TokenEncryptionKey keys the vault for OAuth tokens at rest.
	TokenEncryptionKey string

	Google    ProviderConfig
	Microsoft struct {
		ProviderConfig
		Tenant string
		// FreeAsConfirmed maps showAs=free events to confirmed instead of
		// cancelled.
		FreeAsConfirmed bool
	}
	VerifyIDTokens bool

	Redis struct {
		Addr     string
		Password string
		DB       int
		TLS      bool
	}

	RabbitMQ struct {
		URL   string
		Queue string
	}

	Sync struct {
		Interval      time.Duration
		Workers       int
		QueueCapacity int
		LeaseTTL      time.Duration
		Window        time.Duration
		JobTimeout    time.Duration
		RefreshMargin time.Duration
	}

	Webhooks struct {
		Enabled       bool
		BaseURL       string
		RenewInterval time.Duration
		RenewWindow   time.Duration
		RateLimit     float64
		RateBurst     int
	}

	OAuthStatePurgeInterval time.Duration
	ProviderTimeout         time.Duration

	PrometheusEnabled bool
	TrustedProxies    []string
}

func Load() (*Config, error) {
	cfg := &Config{}

	cfg.ListenAddr = getenvDefault("APP_LISTEN_ADDR", ":8080")
	cfg.BaseURL = strings.TrimRight(getenvDefault("APP_BASE_URL", "http://localhost:8080"), "/")
	cfg.DB.DSN = os.Getenv("APP_DB_DSN")

	if cfg.DB.DSN == "" {
		host := os.Getenv("APP_DB_HOST")
		name := os.Getenv("APP_DB_NAME")
		user := os.Getenv("APP_DB_USER")
		password := os.Getenv("APP_DB_PASSWORD")
		port := getenvDefault("APP_DB_PORT", "5432")
		sslmode := getenvDefault("APP_DB_SSLMODE", "disable")

		if host != "" && name != "" && user != "" && password != "" {
			cfg.DB.DSN = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, password, host, port, name, sslmode)
		}
	}

	cfg.Session.Secret = os.Getenv("APP_SESSION_SECRET")
	cfg.Session.CookieName = getenvDefault("APP_SESSION_COOKIE", "calsync_session")
	cfg.TokenEncryptionKey = os.Getenv("APP_TOKEN_ENCRYPTION_KEY")

	cfg.Google = ProviderConfig{
		ClientID:     os.Getenv("APP_GOOGLE_CLIENT_ID"),
		ClientSecret: os.Getenv("APP_GOOGLE_CLIENT_SECRET"),
		Scopes:       getenvList("APP_GOOGLE_SCOPES"),
	}
	cfg.Microsoft.ProviderConfig = ProviderConfig{
		ClientID:     os.Getenv("APP_MICROSOFT_CLIENT_ID"),
		ClientSecret: os.Getenv("APP_MICROSOFT_CLIENT_SECRET"),
		Scopes:       getenvList("APP_MICROSOFT_SCOPES"),
	}
	cfg.Microsoft.Tenant = getenvDefault("APP_MICROSOFT_TENANT", "common")
	cfg.Microsoft.FreeAsConfirmed = getenvBool("APP_MICROSOFT_FREE_AS_CONFIRMED", false)
	cfg.VerifyIDTokens = getenvBool("APP_VERIFY_ID_TOKENS", true)

	cfg.Redis.Addr = os.Getenv("APP_REDIS_ADDR")
	cfg.Redis.Password = os.Getenv("APP_REDIS_PASSWORD")
	cfg.Redis.TLS = getenvBool("APP_REDIS_TLS", false)
	cfg.RabbitMQ.URL = os.Getenv("APP_RABBITMQ_URL")
	cfg.RabbitMQ.Queue = getenvDefault("APP_RABBITMQ_QUEUE", "calsync-sync-jobs")

	cfg.Webhooks.Enabled = getenvBool("APP_WEBHOOKS_ENABLED", true)
	cfg.Webhooks.BaseURL = strings.TrimRight(getenvDefault("APP_WEBHOOK_BASE_URL", cfg.BaseURL), "/")
	cfg.PrometheusEnabled = getenvBool("APP_PROMETHEUS_ENDPOINT_ENABLED", false)
	cfg.TrustedProxies = getenvList("APP_TRUSTED_PROXIES")

	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	var err error
	cfg.Redis.DB, err = parseInt("APP_REDIS_DB", 0)
	collect(err)
	cfg.Sync.Workers, err = parseInt("APP_SYNC_WORKERS", 4)
	collect(err)
	cfg.Sync.QueueCapacity, err = parseInt("APP_SYNC_QUEUE_CAPACITY", 1024)
	collect(err)
	cfg.Sync.Interval, err = getenvDuration("APP_SYNC_INTERVAL", time.Hour)
	collect(err)
	cfg.Sync.LeaseTTL, err = getenvDuration("APP_SYNC_LEASE_TTL", 15*time.Minute)
	collect(err)
	cfg.Sync.Window, err = getenvDuration("APP_SYNC_WINDOW", 30*24*time.Hour)
	collect(err)
	cfg.Sync.JobTimeout, err = getenvDuration("APP_SYNC_JOB_TIMEOUT", 5*time.Minute)
	collect(err)
	cfg.Sync.RefreshMargin, err = getenvDuration("APP_TOKEN_REFRESH_MARGIN", 5*time.Minute)
	collect(err)
	cfg.Webhooks.RenewInterval, err = getenvDuration("APP_WEBHOOK_RENEW_INTERVAL", 24*time.Hour)
	collect(err)
	cfg.Webhooks.RenewWindow, err = getenvDuration("APP_WEBHOOK_RENEW_WINDOW", 48*time.Hour)
	collect(err)
	cfg.Webhooks.RateBurst, err = parseInt("APP_WEBHOOK_RATE_BURST", 50)
	collect(err)
	cfg.Webhooks.RateLimit, err = getenvFloat("APP_WEBHOOK_RATE_LIMIT", 20)
	collect(err)
	cfg.OAuthStatePurgeInterval, err = getenvDuration("APP_OAUTH_STATE_PURGE_INTERVAL", 15*time.Minute)
	collect(err)
	cfg.ProviderTimeout, err = getenvDuration("APP_PROVIDER_TIMEOUT", 20*time.Second)
	collect(err)
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	if cfg.DB.DSN == "" {
		return nil, errors.New("APP_DB_DSN is required (or set APP_DB_HOST, APP_DB_NAME, APP_DB_USER, and APP_DB_PASSWORD)")
	}
	if cfg.Session.Secret == "" {
		return nil, errors.New("APP_SESSION_SECRET is required")
	}
	if len(cfg.Session.Secret) < 32 {
		return nil, fmt.Errorf("APP_SESSION_SECRET must be at least 32 characters long (got %d)", len(cfg.Session.Secret))
	}
	if cfg.TokenEncryptionKey == "" {
		return nil, errors.New("APP_TOKEN_ENCRYPTION_KEY is required")
	}
	if len(cfg.TokenEncryptionKey) < 32 {
		return nil, fmt.Errorf("APP_TOKEN_ENCRYPTION_KEY must be at least 32 characters long (got %d)", len(cfg.TokenEncryptionKey))
	}
	if partial(cfg.Google) {
		return nil, errors.New("APP_GOOGLE_CLIENT_ID and APP_GOOGLE_CLIENT_SECRET must be set together")
	}
	if partial(cfg.Microsoft.ProviderConfig) {
		return nil, errors.New("APP_MICROSOFT_CLIENT_ID and APP_MICROSOFT_CLIENT_SECRET must be set together")
	}
	if !cfg.Google.Enabled() && !cfg.Microsoft.Enabled() {
		return nil, errors.New("at least one calendar provider must be configured (APP_GOOGLE_CLIENT_ID or APP_MICROSOFT_CLIENT_ID)")
	}
	if cfg.Sync.Workers < 1 {
		return nil, fmt.Errorf("APP_SYNC_WORKERS must be at least 1 (got %d)", cfg.Sync.Workers)
	}
	if cfg.Webhooks.Enabled && !strings.HasPrefix(cfg.Webhooks.BaseURL, "https://") {
		log.Printf("[WARN] webhook base URL %q is not https; providers will reject the callback", cfg.Webhooks.BaseURL)
	}
	if len(cfg.TrustedProxies) == 0 {
		log.Printf("[WARN] no APP_TRUSTED_PROXIES configured; forwarded client addresses from any proxy are trusted")
	}

	return cfg, nil
}

// RedirectURL is the OAuth callback registered for a provider.
func (c *Config) RedirectURL(provider string) string {
	return c.BaseURL + "/auth/" + provider + "/callback"
}

func partial(p ProviderConfig) bool {
	return (p.ClientID == "") != (p.ClientSecret == "")
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			return true
		case "0", "false", "no", "off":
			return false
		}
	}
	return def
}

func getenvList(key string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, item := range strings.Split(v, ",") {
			if trimmed := strings.TrimSpace(item); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return nil
}

func parseInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return n, nil
}

func getenvFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a number: %w", key, err)
	}
	return f, nil
}

// getenvDuration accepts Go durations ("90m") and plain seconds ("3600").
func getenvDuration(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		v = strconv.Itoa(secs) + "s"
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive", key)
	}
	return d, nil
}
