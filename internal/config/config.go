// Package config loads Breeze server configuration from the environment,
// optionally seeded from a .env file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config is the runtime configuration for the Breeze control plane.
type Config struct {
	ListenAddr string
	PublicURL  string
	ForceHTTPS bool

	DatabaseURL string
	RedisURL    string

	S3Bucket         string
	S3Region         string
	S3Endpoint       string
	S3AccessKeyID    string
	S3SecretKey      string
	S3ForcePathStyle bool

	JWTSecret         string
	JWTSecretPrevious string
	AccessTokenTTL    time.Duration
	RefreshTokenTTL   time.Duration

	AppEncryptionKey string
	MFAEncryptionKey string

	EnrollmentKeyPepper   string
	MFARecoveryCodePepper string
	APIKeyPepper          string
	AgentEnrollmentSecret string

	MetricsScrapeToken string

	CloudflareAPIToken string
	CloudflareZoneID   string

	OIDCIssuer       string
	OIDCClientID     string
	OIDCClientSecret string

	HeartbeatInterval  time.Duration
	OfflineMultiplier  int
	SessionIdleTimeout time.Duration

	LoginRateLimit     int
	LoginRateWindow    time.Duration
	HeartbeatRateLimit int

	WorkerConcurrency map[string]int

	LogLevel      string
	LogFormat     string
	LogFile       string
	LogMaxSizeMB  int
	LogMaxAgeDays int
	LogCompress   bool

	AllowedOrigins string

	// EnvOverrides records which keys were set explicitly, so reloads only
	// touch what the operator manages through the environment.
	EnvOverrides map[string]bool
}

// Load reads configuration from the environment. A .env file next to the
// data directory (BREEZE_DATA_DIR, default /etc/breeze) and one in the
// current directory are loaded first when present.
func Load() (*Config, error) {
	dataDir := "/etc/breeze"
	if dir := strings.TrimSpace(os.Getenv("BREEZE_DATA_DIR")); dir != "" {
		dataDir = dir
	}

	envFile := filepath.Join(dataDir, ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			log.Warn().Err(err).Str("file", envFile).Msg("Failed to load .env file")
		} else {
			log.Info().Str("file", envFile).Msg("Loaded .env file for deployment overrides")
		}
	}
	if err := godotenv.Load(); err == nil {
		log.Info().Msg("Loaded configuration from .env in current directory")
	}

	cfg := &Config{
		ListenAddr:         ":8080",
		AccessTokenTTL:     15 * time.Minute,
		RefreshTokenTTL:    7 * 24 * time.Hour,
		HeartbeatInterval:  60 * time.Second,
		OfflineMultiplier:  3,
		SessionIdleTimeout: 15 * time.Minute,
		LoginRateLimit:     5,
		LoginRateWindow:    5 * time.Minute,
		HeartbeatRateLimit: 4,
		WorkerConcurrency:  make(map[string]int),
		LogLevel:           "info",
		LogFormat:          "auto",
		LogMaxSizeMB:       100,
		LogMaxAgeDays:      30,
		LogCompress:        true,
		EnvOverrides:       make(map[string]bool),
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.setString("BREEZE_LISTEN_ADDR", &c.ListenAddr)
	c.setString("BREEZE_PUBLIC_URL", &c.PublicURL)
	c.setBool("FORCE_HTTPS", &c.ForceHTTPS)

	c.setString("DATABASE_URL", &c.DatabaseURL)
	c.setString("REDIS_URL", &c.RedisURL)

	c.setString("S3_BUCKET", &c.S3Bucket)
	c.setString("S3_REGION", &c.S3Region)
	c.setString("S3_ENDPOINT", &c.S3Endpoint)
	c.setString("S3_ACCESS_KEY_ID", &c.S3AccessKeyID)
	c.setString("S3_SECRET_ACCESS_KEY", &c.S3SecretKey)
	c.setBool("S3_FORCE_PATH_STYLE", &c.S3ForcePathStyle)

	c.setString("JWT_SECRET", &c.JWTSecret)
	c.setString("JWT_SECRET_PREVIOUS", &c.JWTSecretPrevious)
	c.setSeconds("ACCESS_TOKEN_TTL_SECONDS", &c.AccessTokenTTL)
	c.setSeconds("REFRESH_TOKEN_TTL_SECONDS", &c.RefreshTokenTTL)

	c.setString("APP_ENCRYPTION_KEY", &c.AppEncryptionKey)
	c.setString("MFA_ENCRYPTION_KEY", &c.MFAEncryptionKey)

	c.setString("ENROLLMENT_KEY_PEPPER", &c.EnrollmentKeyPepper)
	c.setString("MFA_RECOVERY_CODE_PEPPER", &c.MFARecoveryCodePepper)
	c.setString("API_KEY_PEPPER", &c.APIKeyPepper)
	c.setString("AGENT_ENROLLMENT_SECRET", &c.AgentEnrollmentSecret)

	c.setString("METRICS_SCRAPE_TOKEN", &c.MetricsScrapeToken)

	c.setString("CLOUDFLARE_API_TOKEN", &c.CloudflareAPIToken)
	c.setString("CLOUDFLARE_ZONE_ID", &c.CloudflareZoneID)

	c.setString("OIDC_ISSUER", &c.OIDCIssuer)
	c.setString("OIDC_CLIENT_ID", &c.OIDCClientID)
	c.setString("OIDC_CLIENT_SECRET", &c.OIDCClientSecret)

	c.setSeconds("HEARTBEAT_INTERVAL_SECONDS", &c.HeartbeatInterval)
	c.setInt("HEARTBEAT_OFFLINE_MULTIPLIER", &c.OfflineMultiplier)
	c.setSeconds("SESSION_IDLE_TIMEOUT_SECONDS", &c.SessionIdleTimeout)

	c.setInt("LOGIN_RATE_LIMIT", &c.LoginRateLimit)
	c.setSeconds("LOGIN_RATE_WINDOW_SECONDS", &c.LoginRateWindow)
	c.setInt("HEARTBEAT_RATE_LIMIT", &c.HeartbeatRateLimit)

	c.setString("LOG_LEVEL", &c.LogLevel)
	c.setString("LOG_FORMAT", &c.LogFormat)
	c.setString("LOG_FILE", &c.LogFile)
	c.setInt("LOG_MAX_SIZE_MB", &c.LogMaxSizeMB)
	c.setInt("LOG_MAX_AGE_DAYS", &c.LogMaxAgeDays)
	c.setBool("LOG_COMPRESS", &c.LogCompress)

	c.setString("ALLOWED_ORIGINS", &c.AllowedOrigins)

	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, "WORKER_CONCURRENCY_") {
			continue
		}
		kind := strings.ToLower(strings.TrimPrefix(key, "WORKER_CONCURRENCY_"))
		if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && n > 0 {
			c.WorkerConcurrency[kind] = n
			c.EnvOverrides[key] = true
		}
	}
}

// Validate checks that required keys are present and well formed.
func (c *Config) Validate() error {
	var missing []string
	if c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.RedisURL == "" {
		missing = append(missing, "REDIS_URL")
	}
	if c.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}
	if c.AppEncryptionKey == "" {
		missing = append(missing, "APP_ENCRYPTION_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 bytes")
	}
	if c.MFAEncryptionKey == "" {
		c.MFAEncryptionKey = c.AppEncryptionKey
	}
	if c.OfflineMultiplier < 2 {
		return fmt.Errorf("HEARTBEAT_OFFLINE_MULTIPLIER must be at least 2")
	}
	if (c.CloudflareAPIToken == "") != (c.CloudflareZoneID == "") {
		return fmt.Errorf("CLOUDFLARE_API_TOKEN and CLOUDFLARE_ZONE_ID must be set together")
	}
	return nil
}

// MTLSEnabled reports whether the Cloudflare client-certificate CA is
// configured.
func (c *Config) MTLSEnabled() bool {
	return c.CloudflareAPIToken != "" && c.CloudflareZoneID != ""
}

// OfflineAfter returns how long a device may go silent before the sweeper
// marks it offline.
func (c *Config) OfflineAfter() time.Duration {
	return time.Duration(c.OfflineMultiplier) * c.HeartbeatInterval
}

// ConcurrencyFor returns the worker pool size for a job kind.
func (c *Config) ConcurrencyFor(kind string, fallback int) int {
	if n, ok := c.WorkerConcurrency[strings.ToLower(kind)]; ok && n > 0 {
		return n
	}
	return fallback
}

func (c *Config) setString(key string, dst *string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = strings.Trim(strings.TrimSpace(v), "'\"")
		c.EnvOverrides[key] = true
	}
}

func (c *Config) setBool(key string, dst *bool) {
	if v, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			log.Warn().Str("key", key).Str("value", v).Msg("Invalid boolean in environment; ignoring")
			return
		}
		*dst = parsed
		c.EnvOverrides[key] = true
	}
}

func (c *Config) setInt(key string, dst *int) {
	if v, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			log.Warn().Str("key", key).Str("value", v).Msg("Invalid integer in environment; ignoring")
			return
		}
		*dst = parsed
		c.EnvOverrides[key] = true
	}
}

func (c *Config) setSeconds(key string, dst *time.Duration) {
	if v, ok := os.LookupEnv(key); ok {
		parsed, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || parsed < 0 {
			log.Warn().Str("key", key).Str("value", v).Msg("Invalid duration in environment; ignoring")
			return
		}
		*dst = time.Duration(parsed) * time.Second
		c.EnvOverrides[key] = true
	}
}
