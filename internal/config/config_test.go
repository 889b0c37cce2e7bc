package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Port)
	}
	if cfg.PseudonymService != PseudonymServiceNone {
		t.Errorf("expected default pseudonym service 'none', got %s", cfg.PseudonymService)
	}
	if cfg.AnonymizationConfigPath != "anonymization.yaml" {
		t.Errorf("expected default rule file 'anonymization.yaml', got %s", cfg.AnonymizationConfigPath)
	}
	if cfg.GPasRequestRetryCount != 3 {
		t.Errorf("expected default retry count 3, got %d", cfg.GPasRequestRetryCount)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PSEUDONYM_SERVICE", "GPAS")
	t.Setenv("GPAS_URL", "http://gpas.local/ttp-fhir/fhir/gpas")
	t.Setenv("GPAS_VERSION", "1.10.3")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.PseudonymService != PseudonymServiceGPas {
		t.Errorf("expected pseudonym service to be lowercased to 'gpas', got %s", cfg.PseudonymService)
	}
	if cfg.GPasURL != "http://gpas.local/ttp-fhir/fhir/gpas" {
		t.Errorf("expected GPAS_URL to be set, got %s", cfg.GPasURL)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}
}

func TestValidate_BackendRequirements(t *testing.T) {
	base := func() *Config {
		return &Config{
			Env:                            "development",
			AnonymizationConfigPath:        "anonymization.yaml",
			PseudonymService:               PseudonymServiceNone,
			CacheSlidingExpirationMinutes:  5,
			CacheAbsoluteExpirationMinutes: 10,
		}
	}

	t.Run("gpas requires url", func(t *testing.T) {
		c := base()
		c.PseudonymService = PseudonymServiceGPas
		if err := c.Validate(); err == nil {
			t.Error("expected error when GPAS_URL is missing")
		}
	})

	t.Run("vfps requires url", func(t *testing.T) {
		c := base()
		c.PseudonymService = PseudonymServiceVfps
		if err := c.Validate(); err == nil {
			t.Error("expected error when VFPS_URL is missing")
		}
	})

	t.Run("unknown backend rejected", func(t *testing.T) {
		c := base()
		c.PseudonymService = "gics"
		if err := c.Validate(); err == nil {
			t.Error("expected error for unknown pseudonym service")
		}
	})

	t.Run("production requires api key", func(t *testing.T) {
		c := base()
		c.Env = "production"
		if err := c.Validate(); err == nil {
			t.Error("expected error when API_KEY is missing in production")
		}
		c.APIKey = "secret"
		if err := c.Validate(); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("sliding must not exceed absolute", func(t *testing.T) {
		c := base()
		c.CacheSlidingExpirationMinutes = 20
		if err := c.Validate(); err == nil {
			t.Error("expected error when sliding expiration exceeds absolute")
		}
	})
}

func TestCacheExpirations(t *testing.T) {
	c := &Config{CacheSlidingExpirationMinutes: 5, CacheAbsoluteExpirationMinutes: 10}
	if got := c.CacheSlidingExpiration(); got != 5*time.Minute {
		t.Errorf("expected 5m sliding expiration, got %v", got)
	}
	if got := c.CacheAbsoluteExpiration(); got != 10*time.Minute {
		t.Errorf("expected 10m absolute expiration, got %v", got)
	}
}

func TestConfig_IsDev(t *testing.T) {
	c := &Config{Env: "development"}
	if !c.IsDev() {
		t.Error("expected IsDev() to return true for development")
	}

	c.Env = "production"
	if c.IsDev() {
		t.Error("expected IsDev() to return false for production")
	}
	if !c.IsProduction() {
		t.Error("expected IsProduction() to return true for production")
	}
}
