package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Sellerflow   SellerflowConfig   `yaml:"sellerflow"`
	HTTP         HTTPConfig         `yaml:"http"`
	Client       ClientConfig       `yaml:"client"`
	Sync         SyncConfig         `yaml:"sync"`
	Marketplaces MarketplacesConfig `yaml:"marketplaces"`
	Fees         FeesConfig         `yaml:"fees"`
	Cache        CacheConfig        `yaml:"cache"`
	Storage      StorageConfig      `yaml:"storage"`
	Logging      LoggingConfig      `yaml:"logging"`
}

type SellerflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type HTTPConfig struct {
	Address         string        `yaml:"address"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ClientConfig bounds the outbound HTTP behaviour shared by all marketplace
// connectors.
type ClientConfig struct {
	Timeout        time.Duration        `yaml:"timeout"`
	ConnectionPool ConnectionPoolConfig `yaml:"connection_pool"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	Retry          RetryConfig          `yaml:"retry"`
}

type ConnectionPoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffMultiplier int           `yaml:"backoff_multiplier"`
}

// Delay returns the wait before the given retry attempt (1-based):
// BaseDelay grown by BackoffMultiplier per prior attempt, capped at
// MaxDelay. A multiplier below 2 means constant delay.
func (r RetryConfig) Delay(attempt int) time.Duration {
	delay := r.BaseDelay
	for i := 1; i < attempt; i++ {
		if r.BackoffMultiplier > 1 {
			delay *= time.Duration(r.BackoffMultiplier)
		}
		if r.MaxDelay > 0 && delay >= r.MaxDelay {
			return r.MaxDelay
		}
	}
	if r.MaxDelay > 0 && delay > r.MaxDelay {
		return r.MaxDelay
	}
	return delay
}

// SyncConfig holds the orchestrator's mode defaults and persistence batching.
type SyncConfig struct {
	FullBackfillDays int           `yaml:"full_backfill_days"`
	IncrementalDays  int           `yaml:"incremental_days"`
	MaxLookbackDays  int           `yaml:"max_lookback_days"`
	UpsertBatchSize  int           `yaml:"upsert_batch_size"`
	PageDelay        time.Duration `yaml:"page_delay"`
	ChunkDelay       time.Duration `yaml:"chunk_delay"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	PollEnabled      bool          `yaml:"poll_enabled"`
}

type MarketplacesConfig struct {
	Shopee ShopeeConfig `yaml:"shopee"`
	Magalu MagaluConfig `yaml:"magalu"`
}

type ShopeeConfig struct {
	Enabled         bool   `yaml:"enabled"`
	BaseURL         string `yaml:"base_url"`
	PartnerID       string `yaml:"partner_id"`
	PartnerKey      string `yaml:"partner_key"`
	ShopID          string `yaml:"shop_id"`
	AccessToken     string `yaml:"access_token"`
	PageSize        int    `yaml:"page_size"`
	DetailBatchSize int    `yaml:"detail_batch_size"`
	MaxWindowDays   int    `yaml:"max_window_days"`
	FetchEscrow     bool   `yaml:"fetch_escrow"`
	// FreeShippingProgram marks the shop as enrolled in Shopee's free
	// shipping program, which charges the higher commission rate.
	FreeShippingProgram bool `yaml:"free_shipping_program"`
}

type MagaluConfig struct {
	Enabled         bool   `yaml:"enabled"`
	BaseURL         string `yaml:"base_url"`
	APIToken        string `yaml:"api_token"`
	TenantID        string `yaml:"tenant_id"`
	PageSize        int    `yaml:"page_size"`
	DetailBatchSize int    `yaml:"detail_batch_size"`
}

type FeesConfig struct {
	ConfigCacheTTL time.Duration `yaml:"config_cache_ttl"`
}

type CacheConfig struct {
	DefaultExpiry time.Duration `yaml:"default_expiry"`
}

type StorageConfig struct {
	SQLite  SQLiteConfig  `yaml:"sqlite"`
	Archive ArchiveConfig `yaml:"archive"`
}

type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// ArchiveConfig controls the optional parquet export of synced order batches
// to S3.
type ArchiveConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type LoggingConfig struct {
	Level         string `yaml:"level"`
	Format        string `yaml:"format"`
	Output        string `yaml:"output"`
	MaxAge        int    `yaml:"max_age"`
	DashboardName string `yaml:"dashboard_name"`
}

func LoadConfig(path string) (*Config, error) {
	// Read configuration file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Client: ClientConfig{
			Timeout: 30 * time.Second,
			RateLimit: RateLimitConfig{
				RequestsPerSecond: 5,
				BurstSize:         1,
			},
			Retry: RetryConfig{
				MaxAttempts:       3,
				BaseDelay:         400 * time.Millisecond,
				MaxDelay:          10 * time.Second,
				BackoffMultiplier: 2,
			},
		},
		Sync: SyncConfig{
			FullBackfillDays: 90,
			IncrementalDays:  3,
			MaxLookbackDays:  180,
			UpsertBatchSize:  500,
			PageDelay:        200 * time.Millisecond,
			ChunkDelay:       300 * time.Millisecond,
		},
		Fees: FeesConfig{
			ConfigCacheTTL: 5 * time.Minute,
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override credentials from environment variables if available
	if v := os.Getenv("SHOPEE_PARTNER_ID"); v != "" {
		config.Marketplaces.Shopee.PartnerID = strings.TrimSpace(v)
	}
	if v := os.Getenv("SHOPEE_PARTNER_KEY"); v != "" {
		config.Marketplaces.Shopee.PartnerKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("SHOPEE_SHOP_ID"); v != "" {
		config.Marketplaces.Shopee.ShopID = strings.TrimSpace(v)
	}
	if v := os.Getenv("SHOPEE_ACCESS_TOKEN"); v != "" {
		config.Marketplaces.Shopee.AccessToken = strings.TrimSpace(v)
	}
	if v := os.Getenv("MAGALU_API_TOKEN"); v != "" {
		config.Marketplaces.Magalu.APIToken = strings.TrimSpace(v)
	}

	if config.Storage.Archive.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.Archive.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.Archive.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.Archive.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.Archive.Bucket = strings.TrimSpace(v)
		}
	}

	config.Storage.Archive.Bucket = strings.TrimSpace(config.Storage.Archive.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Sellerflow.Name == "" {
		return fmt.Errorf("sellerflow.name is required")
	}

	if cfg.Sellerflow.Version == "" {
		return fmt.Errorf("sellerflow.version is required")
	}

	if cfg.Storage.SQLite.Path == "" {
		return fmt.Errorf("storage.sqlite.path is required")
	}

	if cfg.Sync.UpsertBatchSize <= 0 {
		return fmt.Errorf("sync.upsert_batch_size must be greater than 0")
	}
	if cfg.Sync.FullBackfillDays <= 0 {
		return fmt.Errorf("sync.full_backfill_days must be greater than 0")
	}
	if cfg.Sync.IncrementalDays <= 0 {
		return fmt.Errorf("sync.incremental_days must be greater than 0")
	}
	if cfg.Sync.MaxLookbackDays < cfg.Sync.FullBackfillDays {
		return fmt.Errorf("sync.max_lookback_days must be at least sync.full_backfill_days")
	}

	if cfg.Storage.Archive.Enabled {
		if cfg.Storage.Archive.Bucket == "" {
			return fmt.Errorf("storage.archive.bucket is required when the archive is enabled")
		}
		if cfg.Storage.Archive.Region == "" {
			return fmt.Errorf("storage.archive.region is required when the archive is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.Archive.Bucket) {
			return fmt.Errorf("storage.archive.bucket '%s' is invalid", cfg.Storage.Archive.Bucket)
		}
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
