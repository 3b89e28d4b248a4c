// Package config handles loading and parsing of ssds configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for ssds.
type Config struct {
	Logging     LoggingConfig               `yaml:"logging"`
	Concurrency ConcurrencyConfig           `yaml:"concurrency"`
	Deployments map[string]DeploymentConfig `yaml:"deployments"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `yaml:"level"`
	// Format is the log output format: "text" or "json".
	Format string `yaml:"format"`
}

// ConcurrencyConfig holds worker-pool settings.
type ConcurrencyConfig struct {
	// MaxWorkers bounds the process-wide executor (default: 50).
	MaxWorkers int `yaml:"max_workers"`
}

// DeploymentConfig names one staging or release area.
type DeploymentConfig struct {
	// Store is the store kind: "s3" or "gs".
	Store string `yaml:"store"`
	// Bucket is the staging bucket name.
	Bucket string `yaml:"bucket"`
	// Prefix is the submissions prefix (default: "submissions").
	Prefix string `yaml:"prefix"`
	// BillingProject is the requester-pays billing project for gs buckets
	// (falls back to GOOGLE_PROJECT / GCLOUD_PROJECT / GCP_PROJECT).
	BillingProject string `yaml:"billing_project"`
}

// Load reads a YAML configuration file and returns a parsed Config with
// defaults applied. A missing file falls back to ssds.example.yaml next to
// it or one directory up, then to pure defaults.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		for _, fp := range []string{
			filepath.Join(filepath.Dir(path), "ssds.example.yaml"),
			filepath.Join(filepath.Dir(path), "..", "ssds.example.yaml"),
		} {
			if fallback, fbErr := os.ReadFile(fp); fbErr == nil {
				data = fallback
				err = nil
				break
			}
		}
		if err != nil {
			// No config file: run on defaults.
			return cfg, nil
		}
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	applyDefaults(cfg)
	return cfg, nil
}

// defaultConfig returns a Config with the standard deployments.
func defaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Concurrency: ConcurrencyConfig{
			MaxWorkers: 50,
		},
		Deployments: map[string]DeploymentConfig{
			"default": {Store: "s3", Bucket: "human-pangenomics", Prefix: "submissions"},
			"gcp":     {Store: "gs", Bucket: "fc-4310e737-a388-4a10-8c9e-babe06aaf0cf", Prefix: "submissions"},
			"aws_test": {
				Store: "s3", Bucket: "org-hpp-ssds-staging-test-platform-dev", Prefix: "submissions",
			},
			"gcp_test": {
				Store: "gs", Bucket: "org-hpp-ssds-staging-test", Prefix: "submissions",
			},
			"aws_release_test": {
				Store: "s3", Bucket: "org-hpp-ssds-release-test", Prefix: "submissions",
			},
			"gcp_release_test": {
				Store: "gs", Bucket: "org-hpp-ssds-release-test", Prefix: "submissions",
			},
		},
	}
}

// applyDefaults fills fields still at their zero value after unmarshaling.
func applyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Concurrency.MaxWorkers == 0 {
		cfg.Concurrency.MaxWorkers = 50
	}
	for name, d := range cfg.Deployments {
		if d.Prefix == "" {
			d.Prefix = "submissions"
			cfg.Deployments[name] = d
		}
	}
}
