// Package config loads the service configuration with Viper.
//
// Values are layered: defaults < config file < FORMFILL_* environment
// variables < command-line flags bound by the caller. Nested keys map to
// environment variables by upper-casing and replacing "." and "-" with "_",
// so redis.url is FORMFILL_REDIS_URL.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/dukerupert/formfill/internal/objects"
	"github.com/dukerupert/formfill/internal/quota"
)

// ErrConfigurationMissing is returned when a setting required for the
// selected environment is absent. The process must not start.
var ErrConfigurationMissing = errors.New("configuration missing")

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"

	envPrefix = "FORMFILL"
)

type Config struct {
	Env           string        `mapstructure:"env"`
	Addr          string        `mapstructure:"addr"`
	BaseURL       string        `mapstructure:"base_url"`
	DBPath        string        `mapstructure:"db"`
	SigningSecret string        `mapstructure:"signing_secret"`
	TrustProxy    bool          `mapstructure:"trust_proxy"`
	Log           LogConfig     `mapstructure:"log"`
	Auth          AuthConfig    `mapstructure:"auth"`
	Quota         QuotaConfig   `mapstructure:"quota"`
	Redis         RedisConfig   `mapstructure:"redis"`
	Stripe        StripeConfig  `mapstructure:"stripe"`
	Email         EmailConfig   `mapstructure:"email"`
	Storage       StorageConfig `mapstructure:"storage"`
	Engine        EngineConfig  `mapstructure:"engine"`
	Debug         DebugConfig   `mapstructure:"debug"`

	// EphemeralSecret is set when SigningSecret was generated at startup.
	// Every signed cookie becomes invalid on restart.
	EphemeralSecret bool `mapstructure:"-"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type AuthConfig struct {
	MagicLinkTTL    time.Duration `mapstructure:"magic_link_ttl"`
	SessionLifetime time.Duration `mapstructure:"session_lifetime"`
}

type QuotaConfig struct {
	DailyLimit int `mapstructure:"daily_limit"`
}

type RedisConfig struct {
	URL string `mapstructure:"url"`
}

type StripeConfig struct {
	SecretKey     string `mapstructure:"secret_key"`
	WebhookSecret string `mapstructure:"webhook_secret"`
	PriceID       string `mapstructure:"price_id"`
}

func (c StripeConfig) Enabled() bool {
	return c.SecretKey != ""
}

type EmailConfig struct {
	From          string     `mapstructure:"from"`
	PostmarkToken string     `mapstructure:"postmark_token"`
	SMTP          SMTPConfig `mapstructure:"smtp"`
}

type SMTPConfig struct {
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	FromName string        `mapstructure:"from_name"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type StorageConfig struct {
	Dir string           `mapstructure:"dir"`
	S3  objects.S3Config `mapstructure:"s3"`
}

type EngineConfig struct {
	URL     string        `mapstructure:"url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type DebugConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Key     string `mapstructure:"key"`
}

func (c *Config) IsProduction() bool {
	return c.Env == EnvProduction
}

// New returns a Viper instance with defaults and environment binding set
// up. Callers bind their flags to it before calling Load.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", EnvDevelopment)
	v.SetDefault("addr", ":8080")
	v.SetDefault("base_url", "http://localhost:8080")
	v.SetDefault("db", "formfill.db")
	v.SetDefault("signing_secret", "")
	v.SetDefault("trust_proxy", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("auth.magic_link_ttl", 15*time.Minute)
	v.SetDefault("auth.session_lifetime", 30*24*time.Hour)

	v.SetDefault("quota.daily_limit", quota.DefaultDailyLimit)

	v.SetDefault("redis.url", "")

	v.SetDefault("stripe.secret_key", "")
	v.SetDefault("stripe.webhook_secret", "")
	v.SetDefault("stripe.price_id", "")

	v.SetDefault("email.from", "")
	v.SetDefault("email.postmark_token", "")
	v.SetDefault("email.smtp.host", "")
	v.SetDefault("email.smtp.port", 587)
	v.SetDefault("email.smtp.username", "")
	v.SetDefault("email.smtp.password", "")
	v.SetDefault("email.smtp.from_name", "formfill")
	v.SetDefault("email.smtp.timeout", "10s")

	v.SetDefault("storage.dir", "data/objects")
	v.SetDefault("storage.s3.endpoint", "")
	v.SetDefault("storage.s3.bucket", "")
	v.SetDefault("storage.s3.region", "us-east-1")
	v.SetDefault("storage.s3.access_key", "")
	v.SetDefault("storage.s3.secret_key", "")
	v.SetDefault("storage.s3.prefix", "formfill/")

	v.SetDefault("engine.url", "http://localhost:9090")
	v.SetDefault("engine.api_key", "")
	v.SetDefault("engine.timeout", 30*time.Second)

	v.SetDefault("debug.enabled", false)
	v.SetDefault("debug.key", "")
}

// Load reads the optional config file at path, unmarshals v and validates
// the result.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Env = strings.ToLower(strings.TrimSpace(cfg.Env))

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Env != EnvDevelopment && c.Env != EnvProduction {
		return fmt.Errorf("env must be %q or %q, got %q", EnvDevelopment, EnvProduction, c.Env)
	}

	if c.SigningSecret == "" {
		if c.IsProduction() {
			return fmt.Errorf("%w: FORMFILL_SIGNING_SECRET is required in production", ErrConfigurationMissing)
		}
		secret, err := randomSecret()
		if err != nil {
			return fmt.Errorf("generate signing secret: %w", err)
		}
		c.SigningSecret = secret
		c.EphemeralSecret = true
	}

	if c.Stripe.Enabled() {
		if c.Stripe.WebhookSecret == "" {
			return fmt.Errorf("%w: FORMFILL_STRIPE_WEBHOOK_SECRET is required when a Stripe key is set", ErrConfigurationMissing)
		}
		if c.Stripe.PriceID == "" {
			return fmt.Errorf("%w: FORMFILL_STRIPE_PRICE_ID is required when a Stripe key is set", ErrConfigurationMissing)
		}
	}

	if c.Quota.DailyLimit < 1 {
		return fmt.Errorf("quota.daily_limit must be positive, got %d", c.Quota.DailyLimit)
	}
	if c.Auth.MagicLinkTTL <= 0 {
		return fmt.Errorf("auth.magic_link_ttl must be positive")
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	return nil
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
