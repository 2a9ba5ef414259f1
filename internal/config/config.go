package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config carries the tunable engine parameters. The conflict thresholds are
// inherited magic numbers with no stated derivation; they are configurable
// precisely because nobody has shown they fit every deployment scale.
type Config struct {
	Backend struct {
		URL            string        `koanf:"url"`
		RequestTimeout time.Duration `koanf:"request_timeout"`
	} `koanf:"backend"`

	Conflict struct {
		LengthDiffThreshold int           `koanf:"length_diff_threshold"`
		TimestampSkew       time.Duration `koanf:"timestamp_skew"`
	} `koanf:"conflict"`

	Persist struct {
		Debounce time.Duration `koanf:"debounce"`
	} `koanf:"persist"`

	Ledger struct {
		Retention      time.Duration `koanf:"retention"`
		AbandonedGrace time.Duration `koanf:"abandoned_grace"`
	} `koanf:"ledger"`

	Recovery struct {
		Concurrency int `koanf:"concurrency"`
	} `koanf:"recovery"`

	Backoff struct {
		Initial     time.Duration `koanf:"initial"`
		Multiplier  float64       `koanf:"multiplier"`
		Ceiling     time.Duration `koanf:"ceiling"`
		MaxAttempts int           `koanf:"max_attempts"`
	} `koanf:"backoff"`

	Log struct {
		Level  string `koanf:"level"`
		Format string `koanf:"format"`
	} `koanf:"log"`
}

// Load builds the configuration from defaults overridden by FAULTMAVEN_
// environment variables (FAULTMAVEN_BACKEND_URL, FAULTMAVEN_LOG_LEVEL, ...).
func Load() (*Config, error) {
	var k = koanf.New(".")

	k.Load(confmap.Provider(map[string]interface{}{
		"backend.request_timeout":        30 * time.Second,
		"conflict.length_diff_threshold": 2,
		"conflict.timestamp_skew":        5 * time.Minute,
		"persist.debounce":               time.Second,
		"ledger.retention":               time.Hour,
		"ledger.abandoned_grace":         5 * time.Minute,
		"recovery.concurrency":           5,
		"backoff.initial":                500 * time.Millisecond,
		"backoff.multiplier":             2.0,
		"backoff.ceiling":                8 * time.Second,
		"backoff.max_attempts":           4,
		"log.level":                      "info",
		"log.format":                     "json",
	}, "."), nil)

	k.Load(env.Provider("FAULTMAVEN_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "FAULTMAVEN_")
		return strings.Replace(strings.ToLower(s), "_", ".", 1)
	}), nil)

	var config Config
	if err := k.Unmarshal("", &config); err != nil {
		return nil, fmt.Errorf("error unmarshalling config: %w", err)
	}
	return &config, nil
}

// Validate checks the invariants a running engine depends on.
func Validate(config *Config) error {
	if config.Conflict.LengthDiffThreshold < 0 {
		return fmt.Errorf("conflict length threshold cannot be negative")
	}
	if config.Persist.Debounce <= 0 {
		return fmt.Errorf("persist debounce must be positive")
	}
	if config.Recovery.Concurrency <= 0 {
		return fmt.Errorf("recovery concurrency must be positive")
	}
	if config.Backoff.Multiplier < 1 {
		return fmt.Errorf("backoff multiplier must be at least 1")
	}
	return nil
}
