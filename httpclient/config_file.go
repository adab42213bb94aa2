package httpclient

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by ApplyEnv.
const EnvPrefix = "SQLDETECTOR_"

// fileConfig is the YAML document shape: an optional preset name plus any
// Config field, which overrides the preset.
type fileConfig struct {
	Preset string `yaml:"preset"`
	Config `yaml:",inline"`
}

// LoadConfig builds a Config from the YAML file at path, then applies
// SQLDETECTOR_* environment overrides. An empty path skips the file.
//
// Example file:
//
//	preset: stealth
//	rate_limit_per_sec: 2
//	connect_timeout: 3s
//	retry_budget:
//	  timeout: 1
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("httpclient: read config: %w", err)
		}
		cfg, err = ParseConfig(data)
		if err != nil {
			return Config{}, fmt.Errorf("httpclient: config %s: %w", path, err)
		}
	}

	if err := ApplyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// ParseConfig decodes a YAML document over its preset (default if none).
// Unknown keys are rejected.
func ParseConfig(data []byte) (Config, error) {
	var head struct {
		Preset string `yaml:"preset"`
	}
	if err := yaml.Unmarshal(data, &head); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	base, err := Preset(head.Preset)
	if err != nil {
		return Config{}, err
	}

	fc := fileConfig{Config: base}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return fc.Config, nil
}

// envSetter applies one environment variable to a Config.
type envSetter func(cfg *Config, value string) error

// envVars maps variable names (without EnvPrefix) to setters. Durations
// accept Go syntax ("1.5s") or plain seconds ("1.5").
var envVars = map[string]envSetter{
	"TIMEOUT_CONNECT": durationEnv(func(c *Config) *time.Duration { return &c.ConnectTimeout }),
	"TIMEOUT_READ":    durationEnv(func(c *Config) *time.Duration { return &c.ReadTimeout }),
	"TIMEOUT_WRITE":   durationEnv(func(c *Config) *time.Duration { return &c.WriteTimeout }),
	"TIMEOUT_POOL":    durationEnv(func(c *Config) *time.Duration { return &c.PoolTimeout }),
	"HEDGE_DELAY":     durationEnv(func(c *Config) *time.Duration { return &c.HedgeDelay }),
	"PACING_PAUSE":    durationEnv(func(c *Config) *time.Duration { return &c.PacingPause }),

	"MAX_CONNECTIONS":           intEnv(func(c *Config) *int { return &c.MaxConnections }),
	"MAX_KEEPALIVE_CONNECTIONS": intEnv(func(c *Config) *int { return &c.MaxKeepaliveConnections }),
	"CONCURRENCY":               intEnv(func(c *Config) *int { return &c.PerHostConcurrency }),

	"RATE_LIMIT":      floatEnv(func(c *Config) *float64 { return &c.RateLimitPerSec }),
	"HEDGE_MAX_RATIO": floatEnv(func(c *Config) *float64 { return &c.HedgeMaxRatio }),

	"RETRY_BUDGET": func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		c.RetryBudget = UniformRetryBudget(n)
		return nil
	},
	"MAX_BODY_KB": func(c *Config, v string) error {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return err
		}
		c.MaxBodyBytes = n * 1024
		return nil
	},
	"INSECURE_SKIP_VERIFY": func(c *Config, v string) error {
		c.InsecureSkipVerify = parseBool(v)
		return nil
	},
	"FOLLOW_REDIRECTS": func(c *Config, v string) error {
		c.FollowRedirects = parseBool(v)
		return nil
	},
	"USER_AGENT": func(c *Config, v string) error {
		c.UserAgent = v
		return nil
	},
}

// ApplyEnv overrides cfg from SQLDETECTOR_* environment variables, e.g.
// SQLDETECTOR_RATE_LIMIT=10 or SQLDETECTOR_TIMEOUT_READ=2.5.
func ApplyEnv(cfg *Config) error {
	for name, set := range envVars {
		value, ok := os.LookupEnv(EnvPrefix + name)
		if !ok {
			continue
		}
		if err := set(cfg, strings.TrimSpace(value)); err != nil {
			return fmt.Errorf("%w: %s%s=%q: %w", ErrInvalidConfig, EnvPrefix, name, value, err)
		}
	}
	return nil
}

func durationEnv(field func(*Config) *time.Duration) envSetter {
	return func(c *Config, v string) error {
		d, err := parseSeconds(v)
		if err != nil {
			return err
		}
		*field(c) = d
		return nil
	}
}

func intEnv(field func(*Config) *int) envSetter {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}
}

func floatEnv(field func(*Config) *float64) envSetter {
	return func(c *Config, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		*field(c) = f
		return nil
	}
}

// parseSeconds accepts "250ms"-style durations or a number of seconds.
func parseSeconds(v string) (time.Duration, error) {
	if d, err := time.ParseDuration(v); err == nil {
		return d, nil
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, err
	}
	return time.Duration(secs * float64(time.Second)), nil
}

func parseBool(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
