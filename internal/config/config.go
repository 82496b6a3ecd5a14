package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the terarelay server.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Torbox   TorboxConfig
	Telegram TelegramConfig
	Worker   WorkerConfig
}

type ServerConfig struct {
	Port         int
	Env          string
	APIRateLimit int
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

type TorboxConfig struct {
	BaseURL  string
	APIToken string
	Timeout  time.Duration

	// Outbound call budget against the conversion API, shared by all
	// workers.
	RateLimit      int
	RatePeriod     time.Duration
	RateWaitMax    time.Duration
	RetryAttempts  int
	RetryBaseDelay time.Duration
}

type TelegramConfig struct {
	// BaseURL lets a self-hosted Bot API server replace the official one,
	// which lifts the upload size ceiling.
	BaseURL       string
	BotToken      string
	DefaultChatID int64
	UploadTimeout time.Duration
}

type WorkerConfig struct {
	Concurrency     int
	MaxFileSize     int64
	DownloadTimeout time.Duration
	PollInterval    time.Duration
	PollMaxInterval time.Duration
	TempDir         string
	DedupKeepCount  int
	PruneInterval   time.Duration
	EditInterval    time.Duration
}

// Load reads configuration from environment variables and returns a validated
// Config. Returns an error with a descriptive message if any required value
// is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:         envInt("TERARELAY_PORT", 8080),
			Env:          envString("TERARELAY_ENV", "development"),
			APIRateLimit: envInt("API_RATE_LIMIT", 60),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Torbox: TorboxConfig{
			BaseURL:        envString("TORBOX_BASE_URL", "https://api.torbox.app/v1/api"),
			APIToken:       os.Getenv("TORBOX_API_TOKEN"),
			Timeout:        envDuration("TORBOX_TIMEOUT", 30*time.Second),
			RateLimit:      envInt("DEBRID_RATE_LIMIT", 5),
			RatePeriod:     envDuration("DEBRID_RATE_PERIOD", time.Minute),
			RateWaitMax:    envDuration("DEBRID_RATE_WAIT_MAX", 2*time.Minute),
			RetryAttempts:  envInt("DEBRID_RETRY_ATTEMPTS", 3),
			RetryBaseDelay: envDuration("DEBRID_RETRY_BASE_DELAY", time.Second),
		},
		Telegram: TelegramConfig{
			BaseURL:       envString("TELEGRAM_API_URL", "https://api.telegram.org"),
			BotToken:      os.Getenv("TELEGRAM_BOT_TOKEN"),
			DefaultChatID: envInt64("TELEGRAM_CHAT_ID", 0),
			UploadTimeout: envDurationSecs("UPLOAD_TIMEOUT", 30*time.Minute),
		},
		Worker: WorkerConfig{
			Concurrency:     envInt("MAX_CONCURRENT_DOWNLOADS", 2),
			MaxFileSize:     envInt64("MAX_FILE_SIZE", 2<<30),
			DownloadTimeout: envDurationSecs("DOWNLOAD_TIMEOUT", time.Hour),
			PollInterval:    envDuration("POLL_INTERVAL", 5*time.Second),
			PollMaxInterval: envDuration("POLL_MAX_INTERVAL", time.Minute),
			TempDir:         envString("TEMP_DIR", os.TempDir()),
			DedupKeepCount:  envInt("DEDUP_KEEP_COUNT", 5000),
			PruneInterval:   envDuration("PRUNE_INTERVAL", 6*time.Hour),
			EditInterval:    envDuration("STATUS_EDIT_INTERVAL", 10*time.Second),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Torbox.APIToken == "" {
		return fmt.Errorf("TORBOX_API_TOKEN is required")
	}
	if !strings.HasPrefix(c.Torbox.BaseURL, "http://") && !strings.HasPrefix(c.Torbox.BaseURL, "https://") {
		return fmt.Errorf("TORBOX_BASE_URL must start with http:// or https://, got %q", c.Torbox.BaseURL)
	}

	if c.Telegram.BotToken == "" {
		return fmt.Errorf("TELEGRAM_BOT_TOKEN is required")
	}
	if !strings.HasPrefix(c.Telegram.BaseURL, "http://") && !strings.HasPrefix(c.Telegram.BaseURL, "https://") {
		return fmt.Errorf("TELEGRAM_API_URL must start with http:// or https://, got %q", c.Telegram.BaseURL)
	}

	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("MAX_CONCURRENT_DOWNLOADS must be at least 1, got %d", c.Worker.Concurrency)
	}
	if c.Worker.MaxFileSize <= 0 {
		return fmt.Errorf("MAX_FILE_SIZE must be positive, got %d", c.Worker.MaxFileSize)
	}
	if c.Torbox.RateLimit < 1 {
		return fmt.Errorf("DEBRID_RATE_LIMIT must be at least 1, got %d", c.Torbox.RateLimit)
	}
	if c.Torbox.RatePeriod <= 0 {
		return fmt.Errorf("DEBRID_RATE_PERIOD must be positive, got %s", c.Torbox.RatePeriod)
	}
	if c.Torbox.RateWaitMax < 0 {
		return fmt.Errorf("DEBRID_RATE_WAIT_MAX must not be negative, got %s", c.Torbox.RateWaitMax)
	}
	if c.Worker.PollInterval <= 0 || c.Worker.PollMaxInterval < c.Worker.PollInterval {
		return fmt.Errorf("POLL_MAX_INTERVAL must be at least POLL_INTERVAL")
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

// envDurationSecs reads a plain number of seconds. The transfer timeouts
// are conventionally set as bare second counts rather than duration strings.
func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
