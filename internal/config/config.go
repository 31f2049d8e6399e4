package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// DefaultSystemUserID records ledger entries written by scheduled jobs.
const DefaultSystemUserID = "19c35c50-eab5-49db-997f-e6fea60253eb"

// Config holds all configuration required by the API process and walletctl.
// Values come from env, optionally seeded from a .env file.
// No business logic should read raw environment variables; the value is passed
// explicitly into the services and gateway adapters that need it.
type Config struct {
	App        AppConfig
	DB         DBConfig
	Redis      RedisConfig
	Auth       AuthConfig
	Stripe     StripeConfig
	Razorpay   RazorpayConfig
	Catalog    CatalogConfig
	Allocation AllocationConfig
}

type AppConfig struct {
	Env  string
	Port int

	// SiteURL is the public frontend origin used for checkout redirects.
	SiteURL string
}

type DBConfig struct {
	// Driver is "pgx" (default) or "sqlite3" for single-node development.
	Driver string

	Host     string
	Port     int
	User     string
	Password string
	// Name is the database name, or the file path for sqlite3.
	Name string

	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

type StripeConfig struct {
	// TestMode selects the test secret key; live keys are used otherwise.
	TestMode      bool
	SecretTestKey string
	SecretLiveKey string
	WebhookSecret string
}

// SecretKey returns the API key for the configured mode.
func (s StripeConfig) SecretKey() string {
	if s.TestMode {
		return s.SecretTestKey
	}
	return s.SecretLiveKey
}

// Enabled reports whether the Stripe adapter can be registered.
func (s StripeConfig) Enabled() bool {
	return s.SecretKey() != "" && s.WebhookSecret != ""
}

type RazorpayConfig struct {
	KeyID         string
	KeySecret     string
	WebhookSecret string
}

func (r RazorpayConfig) Enabled() bool {
	return r.KeyID != "" && r.KeySecret != "" && r.WebhookSecret != ""
}

type CatalogConfig struct {
	File string
}

type AllocationConfig struct {
	SystemUserID string
	Concurrency  int
	LockTTL      time.Duration
}

func Load() (Config, error) {
	// A missing .env is normal outside local development.
	if err := godotenv.Load(envFile()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load env file: %w", err)
	}

	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	c.App.Port, parseErrs = collectInt(parseErrs, "APP_PORT", true)
	c.App.SiteURL = strings.TrimRight(strings.TrimSpace(os.Getenv("SITE_URL")), "/")

	c.DB.Driver = strings.TrimSpace(os.Getenv("DB_DRIVER"))
	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	c.DB.Port, parseErrs = collectInt(parseErrs, "DB_PORT", false)
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	c.Redis.Port, parseErrs = collectInt(parseErrs, "REDIS_PORT", true)
	c.Redis.Password = os.Getenv("REDIS_PASSWORD")

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	c.Auth.AccessTokenTTL, parseErrs = collectDuration(parseErrs, "JWT_ACCESS_TTL")
	c.Auth.RefreshTokenTTL, parseErrs = collectDuration(parseErrs, "JWT_REFRESH_TTL")

	c.Stripe.TestMode = strings.EqualFold(strings.TrimSpace(os.Getenv("STRIPE_TEST_MODE")), "true")
	c.Stripe.SecretTestKey = os.Getenv("STRIPE_SECRET_TEST_KEY")
	c.Stripe.SecretLiveKey = os.Getenv("STRIPE_SECRET_LIVE_KEY")
	c.Stripe.WebhookSecret = os.Getenv("STRIPE_WEBHOOK_SIGNING_SECRET")

	c.Razorpay.KeyID = strings.TrimSpace(os.Getenv("RAZORPAY_KEY_ID"))
	c.Razorpay.KeySecret = os.Getenv("RAZORPAY_KEY_SECRET")
	c.Razorpay.WebhookSecret = os.Getenv("RAZORPAY_WEBHOOK_SECRET")

	c.Catalog.File = strings.TrimSpace(os.Getenv("CATALOG_FILE"))

	c.Allocation.SystemUserID = strings.TrimSpace(os.Getenv("ALLOCATION_SYSTEM_USER_ID"))
	c.Allocation.Concurrency, parseErrs = collectInt(parseErrs, "ALLOCATION_CONCURRENCY", false)
	c.Allocation.LockTTL, parseErrs = collectDuration(parseErrs, "ALLOCATION_LOCK_TTL")

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks required values and fills env-specific defaults in place.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}
	if c.App.SiteURL == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("SITE_URL is required in production"))
		} else {
			c.App.SiteURL = "http://localhost:5173"
		}
	}

	if c.DB.Driver == "" {
		c.DB.Driver = "pgx"
	}
	switch c.DB.Driver {
	case "pgx":
		errs = append(errs, c.validatePostgres()...)
	case "sqlite3":
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_DRIVER sqlite3 is not allowed in production"))
		}
		if c.DB.Name == "" {
			errs = append(errs, errors.New("DB_NAME is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("DB_DRIVER must be one of pgx, sqlite3, got %q", c.DB.Driver))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	if c.IsProduction() && c.Stripe.TestMode {
		errs = append(errs, errors.New("STRIPE_TEST_MODE must be false in production"))
	}
	if c.Stripe.SecretKey() != "" && c.Stripe.WebhookSecret == "" {
		errs = append(errs, errors.New("STRIPE_WEBHOOK_SIGNING_SECRET is required when a Stripe key is set"))
	}
	if c.Razorpay.KeyID != "" && (c.Razorpay.KeySecret == "" || c.Razorpay.WebhookSecret == "") {
		errs = append(errs, errors.New("RAZORPAY_KEY_SECRET and RAZORPAY_WEBHOOK_SECRET are required when RAZORPAY_KEY_ID is set"))
	}

	if c.Catalog.File == "" {
		errs = append(errs, errors.New("CATALOG_FILE is required"))
	}

	if c.Allocation.SystemUserID == "" {
		c.Allocation.SystemUserID = DefaultSystemUserID
	}
	if c.Allocation.Concurrency <= 0 {
		c.Allocation.Concurrency = 1
	}
	if c.Allocation.LockTTL <= 0 {
		c.Allocation.LockTTL = 10 * time.Minute
	}

	return joinErrors(errs)
}

func (c *Config) validatePostgres() []error {
	var errs []error
	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if c.DB.SSLMode == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}
	return errs
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

// DSN returns the data source name for the configured driver.
// Avoid logging this string; it contains secrets.
func (c Config) DSN() string {
	if c.DB.Driver == "sqlite3" {
		return c.DB.Name
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func envFile() string {
	if p := strings.TrimSpace(os.Getenv("ENV_FILE")); p != "" {
		return p
	}
	return ".env"
}

func collectInt(errs []error, key string, required bool) (int, []error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		if required {
			errs = append(errs, fmt.Errorf("%s is required", key))
		}
		return 0, errs
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, append(errs, fmt.Errorf("%s must be an integer, got %q", key, v))
	}
	return n, errs
}

func collectDuration(errs []error, key string) (time.Duration, []error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, errs
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, append(errs, fmt.Errorf("%s must be a duration, got %q", key, v))
	}
	return d, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
