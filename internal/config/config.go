// Package config loads tokendb settings from defaults, an optional YAML file,
// TOKENDB_* environment variables and command-line flags, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides, e.g. TOKENDB_STORE_PATH.
const EnvPrefix = "TOKENDB"

// Config is the full runtime configuration.
type Config struct {
	Store    StoreConfig    `mapstructure:"store"`
	Fetch    FetchConfig    `mapstructure:"fetch"`
	Upstream UpstreamConfig `mapstructure:"upstream"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Log      LogConfig      `mapstructure:"log"`
	Watch    WatchConfig    `mapstructure:"watch"`
}

type StoreConfig struct {
	Path      string `mapstructure:"path"`
	BatchSize int    `mapstructure:"batch_size"`
}

type FetchConfig struct {
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
	MaxRetries        int           `mapstructure:"max_retries"`
	BaseBackoff       time.Duration `mapstructure:"base_backoff"`
	MaxBackoff        time.Duration `mapstructure:"max_backoff"`
	MaxJitter         time.Duration `mapstructure:"max_jitter"`
	Timeout           time.Duration `mapstructure:"timeout"`
	UserAgent         string        `mapstructure:"user_agent"`
}

type UpstreamConfig struct {
	CryptoComURL string `mapstructure:"cryptocom_url"`
	CoinGeckoURL string `mapstructure:"coingecko_url"`
	// APIKey is sent in APIKeyHeader when set.
	APIKey        string `mapstructure:"api_key"`
	APIKeyHeader  string `mapstructure:"api_key_header"`
	RankAmbiguous bool   `mapstructure:"rank_ambiguous"`
}

type SyncConfig struct {
	SkipImages           bool   `mapstructure:"skip_images"`
	MaxIdentifiers       int    `mapstructure:"max_identifiers"`
	BulkBatchSize        int    `mapstructure:"bulk_batch_size"`
	DescriptionLimit     int    `mapstructure:"description_limit"`
	MinDescriptionLength int    `mapstructure:"min_description_length"`
	RejectGarbage        bool   `mapstructure:"reject_garbage"`
	StrictResolve        bool   `mapstructure:"strict_resolve"`
	OverridesFile        string `mapstructure:"overrides_file"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type WatchConfig struct {
	Inbox          string        `mapstructure:"inbox"`
	Debounce       time.Duration `mapstructure:"debounce"`
	BumpGeneration bool          `mapstructure:"bump_generation"`
	Overwrite      bool          `mapstructure:"overwrite"`
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("store.path", "app/src/main/assets/prebuilt_tokens.db")
	v.SetDefault("store.batch_size", 500)

	v.SetDefault("fetch.requests_per_minute", 4)
	v.SetDefault("fetch.max_retries", 6)
	v.SetDefault("fetch.base_backoff", 2*time.Second)
	v.SetDefault("fetch.max_backoff", 90*time.Second)
	v.SetDefault("fetch.max_jitter", 400*time.Millisecond)
	v.SetDefault("fetch.timeout", 25*time.Second)
	v.SetDefault("fetch.user_agent", "AllCryptoTokensPrebuilder/1.0 (+offline preload)")

	v.SetDefault("upstream.cryptocom_url", "https://api.crypto.com/exchange/v1/public/get-instruments")
	v.SetDefault("upstream.coingecko_url", "https://api.coingecko.com/api/v3")
	v.SetDefault("upstream.api_key", "")
	v.SetDefault("upstream.api_key_header", "x-cg-demo-api-key")
	v.SetDefault("upstream.rank_ambiguous", true)

	v.SetDefault("sync.skip_images", false)
	v.SetDefault("sync.max_identifiers", 0)
	v.SetDefault("sync.bulk_batch_size", 200)
	v.SetDefault("sync.description_limit", 2000)
	v.SetDefault("sync.min_description_length", 0)
	v.SetDefault("sync.reject_garbage", true)
	v.SetDefault("sync.strict_resolve", false)
	v.SetDefault("sync.overrides_file", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 20)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.compress", true)

	v.SetDefault("watch.inbox", "patches")
	v.SetDefault("watch.debounce", 500*time.Millisecond)
	v.SetDefault("watch.bump_generation", true)
	v.SetDefault("watch.overwrite", false)
}

// New returns a viper instance with defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the config file (explicit path, or tokendb.yaml in the working
// directory or $HOME/.config/tokendb) into v and decodes the result. A
// missing default file is not an error.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("tokendb")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/tokendb")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	switch {
	case c.Store.Path == "":
		return fmt.Errorf("store.path is required")
	case c.Store.BatchSize <= 0:
		return fmt.Errorf("store.batch_size must be positive (got %d)", c.Store.BatchSize)
	case c.Fetch.RequestsPerMinute < 0:
		return fmt.Errorf("fetch.requests_per_minute must not be negative (got %d)", c.Fetch.RequestsPerMinute)
	case c.Fetch.MaxRetries < 0:
		return fmt.Errorf("fetch.max_retries must not be negative (got %d)", c.Fetch.MaxRetries)
	case c.Fetch.MaxBackoff < c.Fetch.BaseBackoff:
		return fmt.Errorf("fetch.max_backoff (%v) is below fetch.base_backoff (%v)", c.Fetch.MaxBackoff, c.Fetch.BaseBackoff)
	case c.Sync.BulkBatchSize <= 0 || c.Sync.BulkBatchSize > 250:
		return fmt.Errorf("sync.bulk_batch_size must be between 1 and 250 (got %d)", c.Sync.BulkBatchSize)
	case c.Sync.MaxIdentifiers < 0:
		return fmt.Errorf("sync.max_identifiers must not be negative (got %d)", c.Sync.MaxIdentifiers)
	}
	return nil
}
