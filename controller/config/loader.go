package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"github.com/subosito/gotenv"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

// Load reads the controller configuration from path.
// A missing or empty path yields DefaultConfig. A .env file next to the
// configuration file is loaded before ${VAR} substitution; variables already
// present in the environment win.
func Load(path string, log logrus.FieldLogger) (*Config, error) {
	log = log.WithField("component", "config")

	cfg := DefaultConfig()

	if path == "" {
		log.Info("No config path provided, using defaults")
		return cfg, cfg.Validate()
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		log.WithField("path", path).Info("Config file not found, using defaults")
		return cfg, cfg.Validate()
	}

	envFile := filepath.Join(filepath.Dir(path), ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := gotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
		log.WithField("env_file", envFile).Debug("Loaded environment file")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	substituted, err := SubstituteEnvVars(string(data))
	if err != nil {
		return nil, fmt.Errorf("failed to substitute environment variables: %w", err)
	}

	if err := yaml.Unmarshal([]byte(substituted), cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	log.WithFields(logrus.Fields{
		"pg_host":         cfg.Database.Host,
		"pg_database":     cfg.Database.Database,
		"clickhouse":      cfg.ClickHouse.Enabled,
		"predictor":       cfg.Models.Predictor.Family,
		"anomaly":         cfg.Models.Anomaly.Algorithm,
		"patterns":        len(cfg.Recommender.Patterns),
		"benchmark_tests": len(cfg.Feedback.Tests),
	}).Info("Loaded configuration")

	return cfg, nil
}

// applyDefaults restores defaults for values a file explicitly zeroed or emptied
func (c *Config) applyDefaults() {
	def := DefaultConfig()

	if len(c.Recommender.Patterns) == 0 {
		c.Recommender.Patterns = def.Recommender.Patterns
	}
	if len(c.Feedback.Tests) == 0 {
		c.Feedback.Tests = def.Feedback.Tests
	}
	if len(c.Collector.ResourceSchemas) == 0 {
		c.Collector.ResourceSchemas = def.Collector.ResourceSchemas
	}
	if c.Scheduler.CollectionInterval <= 0 {
		c.Scheduler.CollectionInterval = def.Scheduler.CollectionInterval
	}
	if c.Scheduler.ResourceInterval <= 0 {
		c.Scheduler.ResourceInterval = def.Scheduler.ResourceInterval
	}
	if c.Scheduler.TrainingInterval <= 0 {
		c.Scheduler.TrainingInterval = def.Scheduler.TrainingInterval
	}
	if c.Scheduler.RecommendationInterval <= 0 {
		c.Scheduler.RecommendationInterval = def.Scheduler.RecommendationInterval
	}
	if c.Cache.DefaultTTL <= 0 {
		c.Cache.DefaultTTL = def.Cache.DefaultTTL
	}
	if c.Models.TrainingWindow <= 0 {
		c.Models.TrainingWindow = def.Models.TrainingWindow
	}
	if c.Recommender.Window <= 0 {
		c.Recommender.Window = def.Recommender.Window
	}
	c.Logging.Level = strings.ToLower(c.Logging.Level)
}

// Validate checks struct constraints and cross-field rules
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return formatValidationError(err)
	}

	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return fmt.Errorf("database.max_idle_conns (%d) must not exceed max_open_conns (%d)",
			c.Database.MaxIdleConns, c.Database.MaxOpenConns)
	}

	seen := make(map[string]bool)
	for _, p := range c.Recommender.Patterns {
		key := p.Table + "." + p.Column
		if seen[key] {
			return fmt.Errorf("recommender.patterns: duplicate pattern %s", key)
		}
		seen[key] = true
	}

	names := make(map[string]bool)
	for _, t := range c.Feedback.Tests {
		if names[t.Name] {
			return fmt.Errorf("feedback.tests: duplicate test name %s", t.Name)
		}
		names[t.Name] = true
	}

	return nil
}

// formatValidationError turns validator output into one readable error
func formatValidationError(err error) error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}
