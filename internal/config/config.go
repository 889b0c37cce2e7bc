package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Pseudonym service backends.
const (
	PseudonymServiceNone = "none"
	PseudonymServiceGPas = "gpas"
	PseudonymServiceVfps = "vfps"
)

type Config struct {
	Port string `mapstructure:"PORT"`
	Env  string `mapstructure:"ENV"`

	// APIKey protects the de-pseudonymization endpoint. Empty leaves the
	// endpoint open, which is only sane for development.
	APIKey string `mapstructure:"API_KEY"`

	// AnonymizationConfigPath points at the YAML rule file.
	AnonymizationConfigPath string `mapstructure:"ANONYMIZATION_CONFIG_PATH"`

	// PseudonymService selects the backend: none, gpas or vfps.
	PseudonymService string `mapstructure:"PSEUDONYM_SERVICE"`

	GPasURL               string `mapstructure:"GPAS_URL"`
	GPasVersion           string `mapstructure:"GPAS_VERSION"`
	GPasAuthBasicUsername string `mapstructure:"GPAS_AUTH_BASIC_USERNAME"`
	GPasAuthBasicPassword string `mapstructure:"GPAS_AUTH_BASIC_PASSWORD"`
	GPasRequestRetryCount int    `mapstructure:"GPAS_REQUEST_RETRY_COUNT"`

	VfpsURL               string `mapstructure:"VFPS_URL"`
	VfpsAuthBasicUsername string `mapstructure:"VFPS_AUTH_BASIC_USERNAME"`
	VfpsAuthBasicPassword string `mapstructure:"VFPS_AUTH_BASIC_PASSWORD"`

	CacheSlidingExpirationMinutes  int    `mapstructure:"CACHE_SLIDING_EXPIRATION_MINUTES"`
	CacheAbsoluteExpirationMinutes int    `mapstructure:"CACHE_ABSOLUTE_EXPIRATION_MINUTES"`
	CachePersistentPath            string `mapstructure:"CACHE_PERSISTENT_PATH"`

	// ConditionalReferencePseudonymization enables rewriting conditional
	// references ("Patient?identifier=...") during pseudonymization.
	ConditionalReferencePseudonymization bool `mapstructure:"FEATURE_CONDITIONAL_REFERENCE_PSEUDONYMIZATION"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("ANONYMIZATION_CONFIG_PATH", "anonymization.yaml")
	v.SetDefault("PSEUDONYM_SERVICE", PseudonymServiceNone)
	v.SetDefault("GPAS_REQUEST_RETRY_COUNT", 3)
	v.SetDefault("CACHE_SLIDING_EXPIRATION_MINUTES", 5)
	v.SetDefault("CACHE_ABSOLUTE_EXPIRATION_MINUTES", 10)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("API_KEY")
	v.BindEnv("ANONYMIZATION_CONFIG_PATH")
	v.BindEnv("PSEUDONYM_SERVICE")
	v.BindEnv("GPAS_URL")
	v.BindEnv("GPAS_VERSION")
	v.BindEnv("GPAS_AUTH_BASIC_USERNAME")
	v.BindEnv("GPAS_AUTH_BASIC_PASSWORD")
	v.BindEnv("GPAS_REQUEST_RETRY_COUNT")
	v.BindEnv("VFPS_URL")
	v.BindEnv("VFPS_AUTH_BASIC_USERNAME")
	v.BindEnv("VFPS_AUTH_BASIC_PASSWORD")
	v.BindEnv("CACHE_SLIDING_EXPIRATION_MINUTES")
	v.BindEnv("CACHE_ABSOLUTE_EXPIRATION_MINUTES")
	v.BindEnv("CACHE_PERSISTENT_PATH")
	v.BindEnv("FEATURE_CONDITIONAL_REFERENCE_PSEUDONYMIZATION")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.PseudonymService = strings.ToLower(cfg.PseudonymService)

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// CacheSlidingExpiration returns the sliding TTL for cached pseudonym
// resolutions.
func (c *Config) CacheSlidingExpiration() time.Duration {
	return time.Duration(c.CacheSlidingExpirationMinutes) * time.Minute
}

// CacheAbsoluteExpiration returns the absolute TTL for cached pseudonym
// resolutions.
func (c *Config) CacheAbsoluteExpiration() time.Duration {
	return time.Duration(c.CacheAbsoluteExpirationMinutes) * time.Minute
}

// Validate checks that the configuration is safe to run. The selected
// pseudonym backend must be fully configured, and production refuses to
// expose the de-pseudonymization endpoint without an API key.
func (c *Config) Validate() error {
	if c.AnonymizationConfigPath == "" {
		return fmt.Errorf("ANONYMIZATION_CONFIG_PATH is required")
	}

	switch c.PseudonymService {
	case PseudonymServiceNone:
	case PseudonymServiceGPas:
		if c.GPasURL == "" {
			return fmt.Errorf("GPAS_URL is required when PSEUDONYM_SERVICE is %q", c.PseudonymService)
		}
	case PseudonymServiceVfps:
		if c.VfpsURL == "" {
			return fmt.Errorf("VFPS_URL is required when PSEUDONYM_SERVICE is %q", c.PseudonymService)
		}
	default:
		return fmt.Errorf("PSEUDONYM_SERVICE must be %q, %q or %q, got %q",
			PseudonymServiceNone, PseudonymServiceGPas, PseudonymServiceVfps, c.PseudonymService)
	}

	if c.IsProduction() && c.APIKey == "" {
		return fmt.Errorf("API_KEY is required in production: the de-pseudonymization endpoint reverses de-identification")
	}

	if c.CacheSlidingExpirationMinutes <= 0 || c.CacheAbsoluteExpirationMinutes <= 0 {
		return fmt.Errorf("cache expirations must be positive, got sliding=%d absolute=%d",
			c.CacheSlidingExpirationMinutes, c.CacheAbsoluteExpirationMinutes)
	}
	if c.CacheSlidingExpirationMinutes > c.CacheAbsoluteExpirationMinutes {
		return fmt.Errorf("CACHE_SLIDING_EXPIRATION_MINUTES must not exceed CACHE_ABSOLUTE_EXPIRATION_MINUTES")
	}

	return nil
}
