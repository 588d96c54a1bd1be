package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	PublicURL       string
	// Endpoint overrides the account-derived R2 endpoint (S3-compatible stores, tests).
	Endpoint string
}

type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	Currency      string
}

type VendorConfig struct {
	ClipDropAPIKey    string
	RemoveBgAPIKey    string
	ReplicateToken    string
	ReplicateVersion  string
	Timeout           time.Duration
	PollInterval      time.Duration
	AllowDegradedMode bool
}

type EmailConfig struct {
	ResendAPIKey string
	FromAddress  string
	FromName     string
}

type RateLimitConfig struct {
	Max        int
	Expiration time.Duration
}

type Config struct {
	Env         string
	Port        string
	LogLevel    string
	DatabaseURL string
	FrontendURL string
	CORSOrigins string
	CatalogPath string
	SignupBonus int

	JWTSecret             string
	IdentityWebhookSecret string

	RedisURL string
	NatsURL  string

	R2        R2Config
	Stripe    StripeConfig
	Vendors   VendorConfig
	Email     EmailConfig
	RateLimit RateLimitConfig
}

// BindEnv registers every key with its environment variable and default.
// Flags bound on the same viper instance take precedence.
func BindEnv(v *viper.Viper) {
	defaults := map[string]interface{}{
		"APP_ENV":                 EnvProduction,
		"PORT":                    "8080",
		"LOG_LEVEL":               "info",
		"DATABASE_URL":            "",
		"FRONTEND_URL":            "http://localhost:3000",
		"CORS_ORIGINS":            "",
		"CATALOG_PATH":            "",
		"SIGNUP_BONUS":            5,
		"JWT_SECRET":              "",
		"IDENTITY_WEBHOOK_SECRET": "",
		"REDIS_URL":               "",
		"NATS_URL":                "",
		"R2_ACCOUNT_ID":           "",
		"R2_ACCESS_KEY_ID":        "",
		"R2_SECRET_ACCESS_KEY":    "",
		"R2_BUCKET":               "",
		"R2_PUBLIC_URL":           "",
		"R2_ENDPOINT":             "",
		"STRIPE_SECRET_KEY":       "",
		"STRIPE_WEBHOOK_SECRET":   "",
		"CURRENCY":                "usd",
		"CLIPDROP_API_KEY":        "",
		"REMOVEBG_API_KEY":        "",
		"REPLICATE_API_TOKEN":     "",
		"REPLICATE_MODEL_VERSION": "",
		"VENDOR_TIMEOUT":          "60s",
		"VENDOR_POLL_INTERVAL":    "1s",
		"ALLOW_DEGRADED_MODE":     false,
		"RESEND_API_KEY":          "",
		"EMAIL_FROM_ADDRESS":      "",
		"EMAIL_FROM_NAME":         "Cutout",
		"RATE_LIMIT_MAX":          60,
		"RATE_LIMIT_EXPIRATION":   "1m",
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
		_ = v.BindEnv(key)
	}
}

// Load reads an optional .env file and resolves the configuration from v.
func Load(v *viper.Viper) (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	BindEnv(v)
	v.AutomaticEnv()

	cfg := &Config{
		Env:                   strings.ToLower(v.GetString("APP_ENV")),
		Port:                  v.GetString("PORT"),
		LogLevel:              v.GetString("LOG_LEVEL"),
		DatabaseURL:           v.GetString("DATABASE_URL"),
		FrontendURL:           strings.TrimRight(v.GetString("FRONTEND_URL"), "/"),
		CORSOrigins:           v.GetString("CORS_ORIGINS"),
		CatalogPath:           v.GetString("CATALOG_PATH"),
		SignupBonus:           v.GetInt("SIGNUP_BONUS"),
		JWTSecret:             v.GetString("JWT_SECRET"),
		IdentityWebhookSecret: v.GetString("IDENTITY_WEBHOOK_SECRET"),
		RedisURL:              v.GetString("REDIS_URL"),
		NatsURL:               v.GetString("NATS_URL"),
		R2: R2Config{
			AccountID:       v.GetString("R2_ACCOUNT_ID"),
			AccessKeyID:     v.GetString("R2_ACCESS_KEY_ID"),
			SecretAccessKey: v.GetString("R2_SECRET_ACCESS_KEY"),
			Bucket:          v.GetString("R2_BUCKET"),
			PublicURL:       strings.TrimRight(v.GetString("R2_PUBLIC_URL"), "/"),
			Endpoint:        v.GetString("R2_ENDPOINT"),
		},
		Stripe: StripeConfig{
			SecretKey:     v.GetString("STRIPE_SECRET_KEY"),
			WebhookSecret: v.GetString("STRIPE_WEBHOOK_SECRET"),
			Currency:      strings.ToLower(v.GetString("CURRENCY")),
		},
		Vendors: VendorConfig{
			ClipDropAPIKey:    v.GetString("CLIPDROP_API_KEY"),
			RemoveBgAPIKey:    v.GetString("REMOVEBG_API_KEY"),
			ReplicateToken:    v.GetString("REPLICATE_API_TOKEN"),
			ReplicateVersion:  v.GetString("REPLICATE_MODEL_VERSION"),
			Timeout:           v.GetDuration("VENDOR_TIMEOUT"),
			PollInterval:      v.GetDuration("VENDOR_POLL_INTERVAL"),
			AllowDegradedMode: v.GetBool("ALLOW_DEGRADED_MODE"),
		},
		Email: EmailConfig{
			ResendAPIKey: v.GetString("RESEND_API_KEY"),
			FromAddress:  v.GetString("EMAIL_FROM_ADDRESS"),
			FromName:     v.GetString("EMAIL_FROM_NAME"),
		},
		RateLimit: RateLimitConfig{
			Max:        v.GetInt("RATE_LIMIT_MAX"),
			Expiration: v.GetDuration("RATE_LIMIT_EXPIRATION"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) IsDevelopment() bool {
	return c.Env == EnvDevelopment
}

// AllowedOrigins falls back to the frontend URL when no explicit CORS list is set.
func (c *Config) AllowedOrigins() string {
	if strings.TrimSpace(c.CORSOrigins) != "" {
		return c.CORSOrigins
	}
	return c.FrontendURL
}

func (c *Config) Validate() error {
	var problems []string
	if c.DatabaseURL == "" {
		problems = append(problems, "DATABASE_URL is required")
	}
	if c.JWTSecret == "" {
		problems = append(problems, "JWT_SECRET is required")
	}
	if c.SignupBonus < 0 {
		problems = append(problems, "SIGNUP_BONUS must not be negative")
	}
	if c.Vendors.Timeout <= 0 {
		problems = append(problems, "VENDOR_TIMEOUT must be positive")
	}
	if c.Vendors.PollInterval <= 0 {
		problems = append(problems, "VENDOR_POLL_INTERVAL must be positive")
	}
	if c.RateLimit.Max <= 0 || c.RateLimit.Expiration <= 0 {
		problems = append(problems, "RATE_LIMIT_MAX and RATE_LIMIT_EXPIRATION must be positive")
	}
	if c.Env != EnvDevelopment && c.Env != EnvProduction {
		problems = append(problems, fmt.Sprintf("APP_ENV must be %q or %q", EnvDevelopment, EnvProduction))
	}
	if len(problems) > 0 {
		return errors.New("invalid configuration: " + strings.Join(problems, "; "))
	}
	return nil
}
