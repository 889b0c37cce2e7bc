package anonymizer

import (
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config is the declarative de-identification configuration, usually loaded
// from a YAML file. Each rule entry carries at least "path" and "method";
// any other key is a rule setting.
type Config struct {
	FhirVersion   string                   `yaml:"fhirVersion"`
	FhirPathRules []map[string]interface{} `yaml:"fhirPathRules"`
	Parameters    Parameters               `yaml:"parameters"`

	generatedKeys []string
}

// Parameters are the engine-wide strategy parameters.
type Parameters struct {
	DateShiftKey                     string   `yaml:"dateShiftKey"`
	DateShiftKeyPrefix               string   `yaml:"dateShiftKeyPrefix"`
	CryptoHashKey                    string   `yaml:"cryptoHashKey"`
	EncryptKey                       string   `yaml:"encryptKey"`
	EnablePartialDatesForRedact      bool     `yaml:"enablePartialDatesForRedact"`
	EnablePartialAgesForRedact       bool     `yaml:"enablePartialAgesForRedact"`
	EnablePartialZipCodesForRedact   bool     `yaml:"enablePartialZipCodesForRedact"`
	RestrictedZipCodeTabulationAreas []string `yaml:"restrictedZipCodeTabulationAreas"`
}

// LoadConfig reads and parses a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("anonymizer: read config %s: %w", path, err)
	}
	return ParseConfig(data)
}

// ParseConfig parses a YAML configuration document and fills in generated
// keys for any that were left unset, so an engine always runs with usable
// key material.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, configErrorf(err, "parse config")
	}
	if len(cfg.FhirPathRules) == 0 {
		return nil, &ConfigError{Reason: "config has no fhirPathRules"}
	}

	cfg.applyDefaultKeys()
	return &cfg, nil
}

func (c *Config) applyDefaultKeys() {
	if c.Parameters.DateShiftKey == "" {
		c.Parameters.DateShiftKey = randomKey()
		c.generatedKeys = append(c.generatedKeys, "dateShiftKey")
	}
	if c.Parameters.CryptoHashKey == "" {
		c.Parameters.CryptoHashKey = randomKey()
		c.generatedKeys = append(c.generatedKeys, "cryptoHashKey")
	}
	if c.Parameters.EncryptKey == "" {
		c.Parameters.EncryptKey = randomKey()
		c.generatedKeys = append(c.generatedKeys, "encryptKey")
	}
}

// GeneratedKeys names the parameters that were left unset in the config and
// filled with a random key at load time. Values transformed under a
// generated key cannot be reproduced or reversed after a restart.
func (c *Config) GeneratedKeys() []string {
	return c.generatedKeys
}

func randomKey() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
