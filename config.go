package genbatch

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Defaults applied when configuration leaves a knob unset.
const (
	DefaultConcurrentRequests = 5
	DefaultRequestsPerMinute  = 10
	DefaultRequestsPerDay     = 100
)

// ServiceConfig carries the generation settings for one service.
// Models overrides the service-level rate limit per model variant.
type ServiceConfig struct {
	DefaultModel string               `yaml:"default_model"`
	RateLimit    RateLimit            `yaml:"rate_limit"`
	Models       map[string]RateLimit `yaml:"models"`
}

// Config is the top-level batch generator configuration. Keys are
// loaded once and immutable for the process lifetime; their declaration
// order is the selection order.
type Config struct {
	Keys               []string      `yaml:"keys"`
	ConcurrentRequests int           `yaml:"concurrent_requests"`
	Image              ServiceConfig `yaml:"image"`
	Voice              ServiceConfig `yaml:"voice"`
}

// LoadConfig reads and parses a YAML config file. Environment variables
// in the format ${VAR} are expanded before parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("genbatch: read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("genbatch: parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// FromEnv builds a Config from environment variables, loading a .env
// file first if one is present. Keys come from API_KEY_1..API_KEY_N,
// contiguous, stopping at the first gap. CONCURRENT_REQUESTS,
// RATE_LIMIT_PER_MINUTE and RATE_LIMIT_PER_DAY fill in the rest; the
// rate limits apply to both services.
func FromEnv() (Config, error) {
	_ = godotenv.Load()

	var keys []string
	for n := 1; ; n++ {
		v := os.Getenv(fmt.Sprintf("API_KEY_%d", n))
		if v == "" {
			break
		}
		keys = append(keys, v)
	}

	concurrent, err := intEnv("CONCURRENT_REQUESTS", DefaultConcurrentRequests)
	if err != nil {
		return Config{}, err
	}
	perMinute, err := intEnv("RATE_LIMIT_PER_MINUTE", DefaultRequestsPerMinute)
	if err != nil {
		return Config{}, err
	}
	perDay, err := intEnv("RATE_LIMIT_PER_DAY", DefaultRequestsPerDay)
	if err != nil {
		return Config{}, err
	}

	limit := RateLimit{PerMinute: perMinute, PerDay: perDay}
	cfg := Config{
		Keys:               keys,
		ConcurrentRequests: concurrent,
		Image:              ServiceConfig{RateLimit: limit},
		Voice:              ServiceConfig{RateLimit: limit},
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	if len(c.Keys) == 0 {
		return ErrNoKeys
	}

	seen := make(map[string]bool, len(c.Keys))
	for i, k := range c.Keys {
		if k == "" {
			return fmt.Errorf("genbatch: config: keys[%d] is empty", i)
		}
		if seen[k] {
			return fmt.Errorf("genbatch: config: duplicate key %s", MaskKey(k))
		}
		seen[k] = true
	}

	if c.ConcurrentRequests < 0 {
		return fmt.Errorf("genbatch: config: concurrent_requests must not be negative")
	}

	for _, sc := range []ServiceConfig{c.Image, c.Voice} {
		if sc.RateLimit.PerMinute < 0 || sc.RateLimit.PerDay < 0 {
			return fmt.Errorf("genbatch: config: rate limits must not be negative")
		}
	}

	return nil
}

// LimitFor resolves the rate limit for a (service, model) pair: the
// model catalog entry when present, the service-level limit otherwise.
// Dimensions left at zero stay unenforced.
func (c Config) LimitFor(svc Service, model string) RateLimit {
	sc := c.Image
	if svc == ServiceVoice {
		sc = c.Voice
	}

	limit := sc.RateLimit
	if m, ok := sc.Models[model]; ok {
		if m.PerMinute > 0 {
			limit.PerMinute = m.PerMinute
		}
		if m.PerDay > 0 {
			limit.PerDay = m.PerDay
		}
	}
	return limit
}

func intEnv(name string, fallback int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("genbatch: config: invalid %s: %w", name, err)
	}
	return n, nil
}
