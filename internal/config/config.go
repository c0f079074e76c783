package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port string `mapstructure:"PORT"`
	Env  string `mapstructure:"ENV"`

	AccountsDatabaseURL string `mapstructure:"ACCOUNTS_DATABASE_URL"`
	ClinicalDatabaseURL string `mapstructure:"CLINICAL_DATABASE_URL"`
	ResearchDatabaseURL string `mapstructure:"RESEARCH_DATABASE_URL"`
	DBMaxConns          int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns          int32  `mapstructure:"DB_MIN_CONNS"`

	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL    string `mapstructure:"AUTH_JWKS_URL"`
	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`
	DevUserID      string `mapstructure:"DEV_USER_ID"`

	CORSOrigins         []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS        float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst      int           `mapstructure:"RATE_LIMIT_BURST"`
	ExportRatePerMinute int           `mapstructure:"EXPORT_RATE_PER_MINUTE"`
	ExportRateBurst     int           `mapstructure:"EXPORT_RATE_BURST"`
	BodyLimit           string        `mapstructure:"BODY_LIMIT"`
	RequestTimeout      time.Duration `mapstructure:"REQUEST_TIMEOUT"`

	FilterMaxLeaves  int   `mapstructure:"FILTER_MAX_LEAVES"`
	FilterMaxDepth   int   `mapstructure:"FILTER_MAX_DEPTH"`
	ExportMaxRecords int64 `mapstructure:"EXPORT_MAX_RECORDS"`
}

var keys = []string{
	"PORT", "ENV",
	"ACCOUNTS_DATABASE_URL", "CLINICAL_DATABASE_URL", "RESEARCH_DATABASE_URL",
	"DB_MAX_CONNS", "DB_MIN_CONNS",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL", "AUTH_SIGNING_KEY", "DEV_USER_ID",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"EXPORT_RATE_PER_MINUTE", "EXPORT_RATE_BURST", "BODY_LIMIT", "REQUEST_TIMEOUT",
	"FILTER_MAX_LEAVES", "FILTER_MAX_DEPTH", "EXPORT_MAX_RECORDS",
}

// Load reads the configuration from the environment, falling back to a .env
// file in the working directory. Use Validate before serving.
func Load() (*Config, error) {
	return load(".env")
}

func load(file string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(file)
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("DEV_USER_ID", "1")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("EXPORT_RATE_PER_MINUTE", 10)
	v.SetDefault("EXPORT_RATE_BURST", 3)
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("FILTER_MAX_LEAVES", 100)
	v.SetDefault("FILTER_MAX_DEPTH", 5)
	v.SetDefault("EXPORT_MAX_RECORDS", 100000)

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// The .env file is optional.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is complete and safe to serve with.
// Every problem is reported, not just the first.
func (c *Config) Validate() error {
	var errs []error
	for key, url := range map[string]string{
		"ACCOUNTS_DATABASE_URL": c.AccountsDatabaseURL,
		"CLINICAL_DATABASE_URL": c.ClinicalDatabaseURL,
		"RESEARCH_DATABASE_URL": c.ResearchDatabaseURL,
	} {
		if url == "" {
			errs = append(errs, fmt.Errorf("%s is required", key))
		}
	}

	if !c.IsDev() {
		if c.AuthIssuer == "" && c.AuthJWKSURL == "" && c.AuthSigningKey == "" {
			errs = append(errs, fmt.Errorf(
				"AUTH_ISSUER, AUTH_JWKS_URL or AUTH_SIGNING_KEY must be set outside development (ENV=%q)", c.Env))
		}
	}
	if c.IsProduction() && c.AuthSigningKey != "" {
		errs = append(errs, errors.New("AUTH_SIGNING_KEY must not be used in production; configure AUTH_ISSUER or AUTH_JWKS_URL"))
	}
	if c.IsDev() {
		if id, err := strconv.ParseInt(c.DevUserID, 10, 64); err != nil || id <= 0 {
			errs = append(errs, fmt.Errorf("DEV_USER_ID must be a positive integer, got %q", c.DevUserID))
		}
	}

	if c.DBMaxConns <= 0 || c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
		errs = append(errs, fmt.Errorf("DB_MIN_CONNS (%d) and DB_MAX_CONNS (%d) are inconsistent", c.DBMinConns, c.DBMaxConns))
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive"))
	}
	if c.ExportRatePerMinute <= 0 || c.ExportRateBurst <= 0 {
		errs = append(errs, errors.New("EXPORT_RATE_PER_MINUTE and EXPORT_RATE_BURST must be positive"))
	}
	if c.FilterMaxLeaves <= 0 || c.FilterMaxDepth <= 0 {
		errs = append(errs, errors.New("FILTER_MAX_LEAVES and FILTER_MAX_DEPTH must be positive"))
	}
	if c.ExportMaxRecords <= 0 {
		errs = append(errs, errors.New("EXPORT_MAX_RECORDS must be positive"))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, errors.New("REQUEST_TIMEOUT must be positive"))
	}
	return errors.Join(errs...)
}
