// Package config loads client configuration from YAML files and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/Sternrassler/wiki-api-client/pkg/logging"
)

// Backend names accepted for throttle and cache storage.
const (
	BackendSQLite = "sqlite"
	BackendFile   = "file"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "WIKIAPI_"

// Config holds the client configuration.
type Config struct {
	// BaseDir holds the API cache and the throttle database.
	BaseDir string `yaml:"base_dir" validate:"required"`

	// Retry
	MaxRetries int           `yaml:"max_retries" validate:"gte=0"`
	RetryWait  time.Duration `yaml:"retry_wait" validate:"gt=0"`

	// MaxLag is sent as the maxlag parameter; 0 disables it.
	MaxLag int `yaml:"max_lag" validate:"gte=0"`

	// Simulation blocks write actions and ActionsToBlock.
	Simulate       bool     `yaml:"simulate"`
	ActionsToBlock []string `yaml:"actions_to_block"`

	// Throttle
	MinThrottle     time.Duration `yaml:"min_throttle" validate:"gte=0"`
	PutThrottle     time.Duration `yaml:"put_throttle" validate:"gte=0"`
	NoisySleep      time.Duration `yaml:"noisy_sleep" validate:"gte=0"`
	ThrottleBackend string        `yaml:"throttle_backend" validate:"oneof=sqlite redis memory"`

	// Caching
	APIConfigExpiry time.Duration `yaml:"api_config_expiry" validate:"gt=0"`
	CacheBackend    string        `yaml:"cache_backend" validate:"oneof=file redis"`

	// Redis is required when either backend is redis.
	RedisAddr string `yaml:"redis_addr" validate:"required_if=ThrottleBackend redis,required_if=CacheBackend redis"`
	RedisDB   int    `yaml:"redis_db" validate:"gte=0"`

	// UserAgent is sent with every request.
	UserAgent string `yaml:"user_agent" validate:"required"`

	Logging logging.Config `yaml:"logging"`

	Sites []SiteConfig `yaml:"sites" validate:"dive"`
}

// SiteConfig describes one remote wiki.
type SiteConfig struct {
	// ID is the site identity, e.g. "wikipedia:en".
	ID string `yaml:"id" validate:"required"`

	// APIURL is the scripting base path, e.g. "https://en.wikipedia.org/w".
	APIURL string `yaml:"api_url" validate:"required,url"`

	Encoding string `yaml:"encoding"`

	Username      string `yaml:"username"`
	SysopUsername string `yaml:"sysop_username"`
	Password      string `yaml:"password"`

	// Rights pre-seeds user rights before the first userinfo response.
	Rights []string `yaml:"rights"`
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig() Config {
	return Config{
		BaseDir:         defaultBaseDir(),
		MaxRetries:      25,
		RetryWait:       5 * time.Second,
		MaxLag:          5,
		MinThrottle:     0,
		PutThrottle:     10 * time.Second,
		NoisySleep:      3 * time.Second,
		ThrottleBackend: BackendSQLite,
		APIConfigExpiry: 30 * 24 * time.Hour,
		CacheBackend:    BackendFile,
		UserAgent:       "wiki-api-client/0.1.0",
		Logging:         logging.DefaultConfig(),
	}
}

func defaultBaseDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "wikiapi")
	}
	return ".wikiapi"
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fmt.Errorf("invalid config: %s failed %q", verrs[0].Namespace(), verrs[0].Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Load reads a YAML file on top of DefaultConfig, applies environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides scalar settings from WIKIAPI_* variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	get := func(name string) (string, bool) {
		return lookup(EnvPrefix + name)
	}

	if v, ok := get("BASE_DIR"); ok {
		c.BaseDir = v
	}
	if v, ok := get("REDIS_ADDR"); ok {
		c.RedisAddr = v
	}
	if v, ok := get("USER_AGENT"); ok {
		c.UserAgent = v
	}
	if v, ok := get("THROTTLE_BACKEND"); ok {
		c.ThrottleBackend = v
	}
	if v, ok := get("CACHE_BACKEND"); ok {
		c.CacheBackend = v
	}
	if v, ok := get("LOG_LEVEL"); ok {
		c.Logging.Level = logging.LogLevel(v)
	}
	if v, ok := get("ACTIONS_TO_BLOCK"); ok {
		c.ActionsToBlock = splitList(v)
	}

	ints := map[string]*int{"MAX_RETRIES": &c.MaxRetries, "MAX_LAG": &c.MaxLag, "REDIS_DB": &c.RedisDB}
	for name, dst := range ints {
		if v, ok := get(name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("parse %s%s: %w", EnvPrefix, name, err)
			}
			*dst = n
		}
	}

	durations := map[string]*time.Duration{
		"RETRY_WAIT":        &c.RetryWait,
		"MIN_THROTTLE":      &c.MinThrottle,
		"PUT_THROTTLE":      &c.PutThrottle,
		"NOISY_SLEEP":       &c.NoisySleep,
		"API_CONFIG_EXPIRY": &c.APIConfigExpiry,
	}
	for name, dst := range durations {
		if v, ok := get(name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("parse %s%s: %w", EnvPrefix, name, err)
			}
			*dst = d
		}
	}

	if v, ok := get("SIMULATE"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parse %sSIMULATE: %w", EnvPrefix, err)
		}
		c.Simulate = b
	}
	return nil
}

// Site returns the site configuration with the given id.
func (c Config) Site(id string) (SiteConfig, bool) {
	for _, s := range c.Sites {
		if s.ID == id {
			return s, true
		}
	}
	return SiteConfig{}, false
}

// CacheDir is the directory holding response cache entries.
func (c Config) CacheDir() string {
	return filepath.Join(c.BaseDir, "apicache")
}

// ThrottleDBPath is the shared throttle database file.
func (c Config) ThrottleDBPath() string {
	return filepath.Join(c.BaseDir, "throttle.db")
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
