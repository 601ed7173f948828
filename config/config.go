package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	StorageFlat  = "flat"
	StorageTable = "table"
)

// Price cache backends.
const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// Config holds scraper configuration.
type Config struct {
	BaseURL           string        `yaml:"base_url"`
	PageLimit         int           `yaml:"page_limit"`
	Proxy             string        `yaml:"proxy"`
	Parallelism       int           `yaml:"parallelism"`
	Delay             time.Duration `yaml:"delay"`
	RandomDelay       time.Duration `yaml:"random_delay"`
	Timeout           time.Duration `yaml:"timeout"`
	MaxAttempts       int           `yaml:"max_attempts"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	UserAgent         string        `yaml:"user_agent"`
	RespectRobotsTxt  bool          `yaml:"respect_robots_txt"`
	DedupeMaxSize     int           `yaml:"dedupe_max_size"`
	MaxBodySize       int           `yaml:"max_body_size"` // bytes, 0 = unlimited

	ImageDir string `yaml:"image_dir"`

	StorageType    string `yaml:"storage_type"` // flat or table
	OutputFile     string `yaml:"output_file"`
	DatabaseDriver string `yaml:"database_driver"` // sqlite or postgres
	DatabaseDSN    string `yaml:"database_dsn"`

	CacheType      string `yaml:"cache_type"` // memory or redis
	RedisAddr      string `yaml:"redis_addr"`
	RedisPassword  string `yaml:"redis_password"`
	RedisDB        int    `yaml:"redis_db"`
	CacheKeyPrefix string `yaml:"cache_key_prefix"`

	PipelineBufferSize int `yaml:"pipeline_buffer_size"`
	BatchSize          int `yaml:"batch_size"`

	MetricsAddr string `yaml:"metrics_addr"`
	Verbose     bool   `yaml:"verbose"`
}

// DefaultConfig returns conservative defaults for the demo storefront.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:            "https://dentalstall.com/shop/",
		PageLimit:          5,
		Parallelism:        16,
		Delay:              0,
		RandomDelay:        0,
		Timeout:            10 * time.Second,
		MaxAttempts:        3,
		RetryDelay:         2 * time.Second,
		UserAgent:          "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/117.0.0.0 Safari/537.36",
		RespectRobotsTxt:   false,
		DedupeMaxSize:      10000,
		MaxBodySize:        32 << 20,
		ImageDir:           "images",
		StorageType:        StorageFlat,
		OutputFile:         "scraped_products.json",
		DatabaseDriver:     "sqlite",
		DatabaseDSN:        "scraped_products.db",
		CacheType:          CacheMemory,
		RedisAddr:          "localhost:6379",
		CacheKeyPrefix:     "price:",
		PipelineBufferSize: 256,
		BatchSize:          32,
	}
}

// Load reads a YAML file over the defaults. Keys absent from the file keep
// their default values.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("decode config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base URL cannot be empty")
	}

	parsedURL, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	if parsedURL.Host == "" {
		return fmt.Errorf("base URL must include a host")
	}

	if c.PageLimit < 1 {
		return fmt.Errorf("page limit must be at least 1")
	}
	if c.Proxy != "" {
		proxyURL, err := url.Parse(c.Proxy)
		if err != nil || proxyURL.Host == "" {
			return fmt.Errorf("invalid proxy URL %q", c.Proxy)
		}
	}
	if c.Parallelism <= 0 {
		return fmt.Errorf("parallelism must be positive")
	}
	if c.Delay < 0 {
		return fmt.Errorf("delay cannot be negative")
	}
	if c.RandomDelay < 0 {
		return fmt.Errorf("random delay cannot be negative")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1")
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("retry delay cannot be negative")
	}
	if c.RequestsPerSecond < 0 {
		return fmt.Errorf("requests per second cannot be negative")
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}
	if c.DedupeMaxSize <= 0 {
		return fmt.Errorf("dedupe max size must be positive")
	}
	if c.MaxBodySize < 0 {
		return fmt.Errorf("max body size cannot be negative")
	}
	if c.ImageDir == "" {
		return fmt.Errorf("image dir cannot be empty")
	}

	switch c.StorageType {
	case StorageFlat:
		if c.OutputFile == "" {
			return fmt.Errorf("output file cannot be empty")
		}
	case StorageTable:
		if c.DatabaseDriver != "sqlite" && c.DatabaseDriver != "postgres" {
			return fmt.Errorf("database driver must be sqlite or postgres")
		}
		if c.DatabaseDSN == "" {
			return fmt.Errorf("database DSN cannot be empty")
		}
	default:
		return fmt.Errorf("storage type must be flat or table")
	}

	switch c.CacheType {
	case CacheMemory:
	case CacheRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("redis addr cannot be empty")
		}
	default:
		return fmt.Errorf("cache type must be memory or redis")
	}

	if c.PipelineBufferSize <= 0 {
		return fmt.Errorf("pipeline buffer size must be positive")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}

	return nil
}

// EnvString returns a trimmed environment value and whether it was set.
func EnvString(key string) (string, bool) {
	value, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	return value, value != ""
}

// EnvInt parses an integer environment value.
func EnvInt(key string) (int, bool, error) {
	value, ok := EnvString(key)
	if !ok {
		return 0, false, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", key, err)
	}
	return n, true, nil
}
