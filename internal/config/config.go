// Package config loads the YAML configuration of the data layer.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid config")

// DefaultPath is read when no path is given and CONFIG_PATH is unset.
const DefaultPath = "config/vidcache.yaml"

// Config is the full configuration.
type Config struct {
	Relays     RelaysConfig     `yaml:"relays"`
	Cache      CacheConfig      `yaml:"cache"`
	Capability CapabilityConfig `yaml:"capability"`
	Timeouts   TimeoutsConfig   `yaml:"timeouts"`
	Preload    PreloadConfig    `yaml:"preload"`
	Deletion   DeletionConfig   `yaml:"deletion"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// RelaysConfig lists relays per purpose.
type RelaysConfig struct {
	Default  []string `yaml:"default" validate:"min=1,dive,url"`
	Search   []string `yaml:"search" validate:"dive,url"`
	Profile  []string `yaml:"profile" validate:"dive,url"`
	Deletion []string `yaml:"deletion" validate:"dive,url"`
}

type CacheConfig struct {
	Backend            string        `yaml:"backend" validate:"oneof=memory sqlite redis"`
	SQLitePath         string        `yaml:"sqlite_path" validate:"required_if=Backend sqlite"`
	RedisURL           string        `yaml:"redis_url" validate:"required_if=Backend redis"`
	RedisPrefix        string        `yaml:"redis_prefix"`
	FastTierSize       int           `yaml:"fast_tier_size" validate:"gt=0"`
	ProfileTTL         time.Duration `yaml:"profile_ttl" validate:"gt=0"`
	ProfileNotFoundTTL time.Duration `yaml:"profile_not_found_ttl" validate:"gt=0"`
	ContactTTL         time.Duration `yaml:"contact_ttl" validate:"gt=0"`
	PostTTL            time.Duration `yaml:"post_ttl" validate:"gt=0"`
	DurableRetention   time.Duration `yaml:"durable_retention" validate:"gte=0"`
	VerifySignatures   *bool         `yaml:"verify_signatures"`
}

type CapabilityConfig struct {
	TTL          time.Duration `yaml:"ttl" validate:"gt=0"`
	FailureTTL   time.Duration `yaml:"failure_ttl" validate:"gt=0"`
	ProbeTimeout time.Duration `yaml:"probe_timeout" validate:"gt=0"`
	UseNIP11     *bool         `yaml:"use_nip11"`
	Policy       string        `yaml:"policy" validate:"oneof=pessimistic optimistic"`
}

type TimeoutsConfig struct {
	Profile time.Duration `yaml:"profile" validate:"gt=0"`
	Query   time.Duration `yaml:"query" validate:"gt=0"`
	Refresh time.Duration `yaml:"refresh" validate:"gt=0"`
	Preload time.Duration `yaml:"preload" validate:"gt=0"`
}

type PreloadConfig struct {
	PostLimit int `yaml:"post_limit" validate:"gt=0,lte=500"`
}

type DeletionConfig struct {
	ShowDeletedVideos bool          `yaml:"show_deleted_videos"`
	PendingLimit      int           `yaml:"pending_limit" validate:"gt=0"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay" validate:"gt=0"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// Load reads path (DefaultPath when empty), fills defaults and applies
// environment overrides. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = DefaultPath
	}

	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
		slog.Debug("loaded configuration", "path", path)
	case os.IsNotExist(err):
		slog.Debug("config file not found, using defaults", "path", path)
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	setDefaults(&cfg)
	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	var cfg Config
	setDefaults(&cfg)
	return &cfg
}

// setDefaults sets default configuration values
func setDefaults(cfg *Config) {
	if len(cfg.Relays.Default) == 0 {
		cfg.Relays.Default = []string{
			"wss://relay.damus.io",
			"wss://relay.nostr.band",
			"wss://relay.primal.net",
			"wss://nos.lol",
			"wss://nostr.mom",
		}
	}
	if len(cfg.Relays.Search) == 0 {
		cfg.Relays.Search = []string{"wss://relay.nostr.band"}
	}
	if len(cfg.Relays.Profile) == 0 {
		cfg.Relays.Profile = cfg.Relays.Default
	}
	if len(cfg.Relays.Deletion) == 0 {
		cfg.Relays.Deletion = cfg.Relays.Default
	}

	// Cache defaults
	c := &cfg.Cache
	if c.Backend == "" {
		c.Backend = "memory"
	}
	if c.SQLitePath == "" {
		c.SQLitePath = "data/vidcache.db"
	}
	if c.RedisPrefix == "" {
		c.RedisPrefix = "vidcache:"
	}
	if c.FastTierSize == 0 {
		c.FastTierSize = 50000
	}
	if c.ProfileTTL == 0 {
		c.ProfileTTL = time.Hour
	}
	if c.ProfileNotFoundTTL == 0 {
		c.ProfileNotFoundTTL = 30 * time.Second
	}
	if c.ContactTTL == 0 {
		c.ContactTTL = 10 * time.Minute
	}
	if c.PostTTL == 0 {
		c.PostTTL = 30 * time.Minute
	}
	if c.DurableRetention == 0 {
		c.DurableRetention = 30 * 24 * time.Hour
	}
	if c.VerifySignatures == nil {
		c.VerifySignatures = boolPtr(true)
	}

	// Capability defaults
	cp := &cfg.Capability
	if cp.TTL == 0 {
		cp.TTL = 10 * time.Minute
	}
	if cp.FailureTTL == 0 {
		cp.FailureTTL = time.Minute
	}
	if cp.ProbeTimeout == 0 {
		cp.ProbeTimeout = 4 * time.Second
	}
	if cp.UseNIP11 == nil {
		cp.UseNIP11 = boolPtr(true)
	}
	if cp.Policy == "" {
		cp.Policy = "pessimistic"
	}

	t := &cfg.Timeouts
	if t.Profile == 0 {
		t.Profile = 3 * time.Second
	}
	if t.Query == 0 {
		t.Query = 8 * time.Second
	}
	if t.Refresh == 0 {
		t.Refresh = 5 * time.Second
	}
	if t.Preload == 0 {
		t.Preload = 15 * time.Second
	}

	if cfg.Preload.PostLimit == 0 {
		cfg.Preload.PostLimit = 50
	}
	if cfg.Deletion.PendingLimit == 0 {
		cfg.Deletion.PendingLimit = 2000
	}
	if cfg.Deletion.ReconnectDelay == 0 {
		cfg.Deletion.ReconnectDelay = 5 * time.Second
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

// applyEnvOverrides applies environment variable overrides
func applyEnvOverrides(cfg *Config) {
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Logging.Level = strings.ToLower(level)
	}
	if backend := os.Getenv("CACHE_BACKEND"); backend != "" {
		cfg.Cache.Backend = strings.ToLower(backend)
	}
	if url := os.Getenv("REDIS_URL"); url != "" {
		cfg.Cache.RedisURL = url
	}
	if path := os.Getenv("SQLITE_PATH"); path != "" {
		cfg.Cache.SQLitePath = path
	}
	if show := os.Getenv("SHOW_DELETED_VIDEOS"); show != "" {
		if v, err := strconv.ParseBool(show); err == nil {
			cfg.Deletion.ShowDeletedVideos = v
		}
	}
	if relays := os.Getenv("RELAYS"); relays != "" {
		var list []string
		for _, r := range strings.Split(relays, ",") {
			if r = strings.TrimSpace(r); r != "" {
				list = append(list, r)
			}
		}
		if len(list) > 0 {
			cfg.Relays.Default = list
		}
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate validates the configuration
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("%w: %s failed %q (value %v)", ErrInvalidConfig, fe.Namespace(), fe.Tag(), fe.Value())
		}
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.Capability.FailureTTL > c.Capability.TTL {
		return fmt.Errorf("%w: capability failure_ttl %s exceeds ttl %s", ErrInvalidConfig, c.Capability.FailureTTL, c.Capability.TTL)
	}
	return nil
}

// Verify reports whether event signatures are checked before caching.
func (c CacheConfig) Verify() bool {
	return c.VerifySignatures == nil || *c.VerifySignatures
}

// NIP11 reports whether relay information documents are consulted.
func (c CapabilityConfig) NIP11() bool {
	return c.UseNIP11 == nil || *c.UseNIP11
}

func boolPtr(b bool) *bool { return &b }
