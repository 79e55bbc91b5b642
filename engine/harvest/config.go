package harvest

import (
	"fmt"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/WessleyAI/dhxiv/pkg/oaipmh"
	"gopkg.in/yaml.v3"
)

// Fields are the arXiv top-level sets a harvest can target.
var Fields = []string{"cs", "math", "stat"}

// DefaultSubject is the NATS subject shard-closed events are published on.
const DefaultSubject = "dhxiv.shards.closed"

// Config holds the repository and transport settings read from the
// optional YAML config file. Harvest parameters come from flags.
type Config struct {
	Endpoint          string        `yaml:"endpoint"`
	MetadataPrefix    string        `yaml:"metadata_prefix"`
	UserAgent         string        `yaml:"user_agent"`
	Timeout           time.Duration `yaml:"timeout"`
	RequestInterval   time.Duration `yaml:"request_interval"`
	MaxRetries        int           `yaml:"max_retries"`
	RetryAfterDefault time.Duration `yaml:"retry_after_default"`
	NATS              NATSConfig    `yaml:"nats"`
	Metrics           MetricsConfig `yaml:"metrics"`
}

// NATSConfig enables shard-closed notifications when URL is set.
type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// MetricsConfig enables the /metrics endpoint when Port is non-zero.
type MetricsConfig struct {
	Port int `yaml:"port"`
}

// DefaultConfig returns the settings used when no config file is given.
func DefaultConfig() Config {
	return Config{
		Endpoint:          oaipmh.DefaultEndpoint,
		MetadataPrefix:    "arXiv",
		UserAgent:         oaipmh.DefaultUserAgent,
		Timeout:           oaipmh.DefaultTimeout,
		RetryAfterDefault: oaipmh.DefaultRetryAfter,
		NATS:              NATSConfig{Subject: DefaultSubject},
	}
}

// LoadConfig reads path over the defaults. An empty path returns the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("harvest: read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("harvest: parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the config for values the client cannot work with.
func (c Config) Validate() error {
	u, err := url.Parse(c.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return NewArgError("endpoint", c.Endpoint, "must be an http(s) URL")
	}
	if strings.TrimSpace(c.MetadataPrefix) == "" {
		return NewArgError("metadata_prefix", c.MetadataPrefix, "must not be empty")
	}
	if c.Timeout <= 0 {
		return NewArgError("timeout", c.Timeout.String(), "must be positive")
	}
	if c.RequestInterval < 0 {
		return NewArgError("request_interval", c.RequestInterval.String(), "must not be negative")
	}
	if c.MaxRetries < 0 {
		return NewArgError("max_retries", strconv.Itoa(c.MaxRetries), "must not be negative")
	}
	if c.RetryAfterDefault <= 0 {
		return NewArgError("retry_after_default", c.RetryAfterDefault.String(), "must be positive")
	}
	if c.NATS.URL != "" && c.NATS.Subject == "" {
		return NewArgError("nats.subject", c.NATS.Subject, "must be set when nats.url is")
	}
	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		return NewArgError("metrics.port", strconv.Itoa(c.Metrics.Port), "must be between 0 and 65535")
	}
	return nil
}

// ClientOptions maps the config onto OAI-PMH client options.
func (c Config) ClientOptions() oaipmh.Options {
	return oaipmh.Options{
		Endpoint:          c.Endpoint,
		Timeout:           c.Timeout,
		UserAgent:         c.UserAgent,
		RequestInterval:   c.RequestInterval,
		MaxRetries:        c.MaxRetries,
		DefaultRetryAfter: c.RetryAfterDefault,
	}
}

// ValidateField rejects sets outside Fields.
func ValidateField(field string) error {
	if !slices.Contains(Fields, field) {
		return NewArgError("field", field, "must be one of "+strings.Join(Fields, ", "))
	}
	return nil
}
