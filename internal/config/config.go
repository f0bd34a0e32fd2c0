// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file, and a .env file, when present, is loaded
// into the environment first.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example QWEN_BASE_URL becomes
// qwen_base_url in YAML.
//
// Nothing is strictly required: with no configuration the gateway serves an
// open API on :8080 and keeps its accounts in data/accounts.yaml.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	Qwen   QwenConfig
	Models ModelsConfig
	Auth   AuthConfig
	Store  StoreConfig
	Redis  RedisConfig
	Retry  RetryConfig
	Image  MediaConfig
	Video  MediaConfig
	Upload UploadConfig

	// SearchRender selects how web search results are shown: table or list.
	SearchRender string

	// RateLimit controls inbound request-rate limiting.
	RateLimit RateLimitConfig

	// CircuitBreaker guards the backend per operation.
	CircuitBreaker CircuitBreakerConfig

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string

	// ClickHouseDSN enables the ClickHouse request-log sink. Empty logs
	// requests through slog.
	ClickHouseDSN string
}

// QwenConfig points the gateway at the vendor API.
type QwenConfig struct {
	// BaseURL is the API root. Override it to run against mock/backend.
	BaseURL string

	// RequestTimeout bounds the wait for the backend to answer one attempt.
	RequestTimeout time.Duration
}

// ModelsConfig controls the model catalogue.
type ModelsConfig struct {
	// Default replaces unknown model names. Default: qwen-max-latest.
	Default string
	// Fallback is served when the backend model list cannot be fetched.
	Fallback []string
	// CacheTTL is how long a fetched model list is reused. Default: 1h.
	CacheTTL time.Duration
}

// AuthConfig holds inbound API keys.
type AuthConfig struct {
	// APIKeys guard the /v1 routes. Empty leaves them open.
	APIKeys []string
	// AdminAPIKeys guard /accounts. Empty falls back to APIKeys.
	AdminAPIKeys []string
}

// StoreConfig selects where accounts and the upload cache are kept.
type StoreConfig struct {
	// Mode is "file" (default) or "redis".
	Mode string

	// AccountsFile is the pool file in file mode. The extension picks the
	// format: .yaml/.yml, .toml or .json.
	AccountsFile string

	// UploadCacheFile is the dedup cache file in file mode.
	UploadCacheFile string

	// WatchAccounts reloads the pool when AccountsFile changes on disk.
	WatchAccounts bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// RetryConfig is the backend retry policy.
type RetryConfig struct {
	// AuthRetries is how many times a 401 triggers a session refresh. Default: 1.
	AuthRetries int
	// RateLimitRetries bounds the attempts while the backend answers 429.
	// Default: 5.
	RateLimitRetries int
	// BackoffBase is the first 429 backoff; each further one doubles.
	// Default: 1s.
	BackoffBase time.Duration
}

// MediaConfig is the size and poll budget for one media task kind.
type MediaConfig struct {
	Size         string
	PollAttempts int
	PollInterval time.Duration
	PollTimeout  time.Duration
}

// UploadConfig controls attachment uploads.
type UploadConfig struct {
	// PassthroughHosts are vendor hosts whose URLs are used as-is.
	PassthroughHosts []string
	// PassthroughPatterns are regular expressions matched against the host.
	PassthroughPatterns []string

	Timeout      time.Duration
	FetchTimeout time.Duration
	MaxBytes     int64

	// OSSEndpoint replaces the public OSS host, e.g. with mock/backend.
	// Objects are PUT to {endpoint}/{bucket}/{file_path}.
	OSSEndpoint string
}

// CircuitBreakerConfig controls the per-operation circuit breaker.
type CircuitBreakerConfig struct {
	// ErrorThreshold is the number of consecutive errors that trip the breaker.
	// Default: 5.
	ErrorThreshold int

	// TimeWindow is the rolling window over which errors are counted.
	// Default: 60s.
	TimeWindow time.Duration

	// HalfOpenTimeout is how long the breaker stays open before allowing a
	// single probe request. Default: 30s.
	HalfOpenTimeout time.Duration
}

// RateLimitConfig controls request-rate limiting.
type RateLimitConfig struct {
	// RPMLimit is the maximum requests per minute per client key.
	// 0 disables rate limiting. Default: 0.
	RPMLimit int
}

// Load reads configuration from .env, config.yaml in the current working
// directory and the environment.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile is Load with an explicit YAML file. An empty path looks for
// config.yaml in the working directory.
func LoadFile(path string) (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		_ = v.ReadInConfig()
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		Qwen: QwenConfig{
			BaseURL:        strings.TrimRight(v.GetString("QWEN_BASE_URL"), "/"),
			RequestTimeout: v.GetDuration("REQUEST_TIMEOUT"),
		},

		Models: ModelsConfig{
			Default:  v.GetString("DEFAULT_MODEL"),
			Fallback: list(v, "FALLBACK_MODELS"),
			CacheTTL: v.GetDuration("MODELS_CACHE_TTL"),
		},

		Auth: AuthConfig{
			APIKeys:      list(v, "API_KEYS"),
			AdminAPIKeys: list(v, "ADMIN_API_KEYS"),
		},

		Store: StoreConfig{
			Mode:            strings.ToLower(v.GetString("STORE_MODE")),
			AccountsFile:    v.GetString("ACCOUNTS_FILE"),
			UploadCacheFile: v.GetString("UPLOAD_CACHE_FILE"),
			WatchAccounts:   v.GetBool("WATCH_ACCOUNTS"),
		},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Retry: RetryConfig{
			AuthRetries:      v.GetInt("AUTH_RETRIES"),
			RateLimitRetries: v.GetInt("RATE_LIMIT_RETRIES"),
			BackoffBase:      v.GetDuration("BACKOFF_BASE"),
		},

		Image: MediaConfig{
			Size:         v.GetString("IMAGE_SIZE"),
			PollAttempts: v.GetInt("IMAGE_POLL_ATTEMPTS"),
			PollInterval: v.GetDuration("IMAGE_POLL_INTERVAL"),
			PollTimeout:  v.GetDuration("IMAGE_POLL_TIMEOUT"),
		},
		Video: MediaConfig{
			Size:         v.GetString("VIDEO_SIZE"),
			PollAttempts: v.GetInt("VIDEO_POLL_ATTEMPTS"),
			PollInterval: v.GetDuration("VIDEO_POLL_INTERVAL"),
			PollTimeout:  v.GetDuration("VIDEO_POLL_TIMEOUT"),
		},

		Upload: UploadConfig{
			PassthroughHosts:    list(v, "UPLOAD_PASSTHROUGH_HOSTS"),
			PassthroughPatterns: list(v, "UPLOAD_PASSTHROUGH_PATTERNS"),
			Timeout:             v.GetDuration("UPLOAD_TIMEOUT"),
			FetchTimeout:        v.GetDuration("FETCH_TIMEOUT"),
			MaxBytes:            v.GetInt64("MAX_UPLOAD_BYTES"),
			OSSEndpoint:         strings.TrimRight(v.GetString("OSS_ENDPOINT"), "/"),
		},

		SearchRender: strings.ToLower(v.GetString("SEARCH_RENDER")),

		RateLimit: RateLimitConfig{
			RPMLimit: v.GetInt("RPM_LIMIT"),
		},

		CircuitBreaker: CircuitBreakerConfig{
			ErrorThreshold:  v.GetInt("CB_ERROR_THRESHOLD"),
			TimeWindow:      v.GetDuration("CB_TIME_WINDOW"),
			HalfOpenTimeout: v.GetDuration("CB_HALF_OPEN_TIMEOUT"),
		},

		CORSOrigins:   list(v, "CORS_ORIGINS"),
		ClickHouseDSN: v.GetString("CLICKHOUSE_DSN"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")

	v.SetDefault("QWEN_BASE_URL", "https://chat.qwen.ai/api")
	v.SetDefault("REQUEST_TIMEOUT", "60s")

	v.SetDefault("DEFAULT_MODEL", "qwen-max-latest")
	v.SetDefault("FALLBACK_MODELS", []string{"qwen-max-latest", "qwen-plus-latest", "qwen-turbo-latest", "qwq-32b"})
	v.SetDefault("MODELS_CACHE_TTL", "1h")

	v.SetDefault("STORE_MODE", "file")
	v.SetDefault("ACCOUNTS_FILE", "data/accounts.yaml")
	v.SetDefault("UPLOAD_CACHE_FILE", "data/upload.json")
	v.SetDefault("WATCH_ACCOUNTS", true)

	v.SetDefault("AUTH_RETRIES", 1)
	v.SetDefault("RATE_LIMIT_RETRIES", 5)
	v.SetDefault("BACKOFF_BASE", "1s")

	v.SetDefault("IMAGE_SIZE", "1024*1024")
	v.SetDefault("IMAGE_POLL_ATTEMPTS", 60)
	v.SetDefault("IMAGE_POLL_INTERVAL", "3s")
	v.SetDefault("IMAGE_POLL_TIMEOUT", "180s")
	v.SetDefault("VIDEO_SIZE", "1280x720")
	v.SetDefault("VIDEO_POLL_ATTEMPTS", 120)
	v.SetDefault("VIDEO_POLL_INTERVAL", "5s")
	v.SetDefault("VIDEO_POLL_TIMEOUT", "600s")

	v.SetDefault("UPLOAD_PASSTHROUGH_HOSTS", []string{"cdn.qwen.ai", "cdn.qwenlm.ai"})
	v.SetDefault("UPLOAD_TIMEOUT", "30s")
	v.SetDefault("FETCH_TIMEOUT", "15s")
	v.SetDefault("MAX_UPLOAD_BYTES", 20<<20)

	v.SetDefault("SEARCH_RENDER", "table")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// Rate limit: 0 = disabled.
	v.SetDefault("RPM_LIMIT", 0)

	v.SetDefault("CB_ERROR_THRESHOLD", 5)
	v.SetDefault("CB_TIME_WINDOW", "60s")
	v.SetDefault("CB_HALF_OPEN_TIMEOUT", "30s")
}

// list reads a YAML sequence or a comma-separated env value.
func list(v *viper.Viper, key string) []string {
	var raw []string
	switch val := v.Get(key).(type) {
	case string:
		raw = strings.Split(val, ",")
	default:
		raw = v.GetStringSlice(key)
	}
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: PORT must be in 1..65535, got %d", c.Port)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.Qwen.BaseURL == "" {
		return errors.New("config: QWEN_BASE_URL must not be empty")
	}

	switch c.Store.Mode {
	case "file":
		if c.Store.AccountsFile == "" {
			return errors.New("config: ACCOUNTS_FILE is required when STORE_MODE=file")
		}
	case "redis":
		if c.Redis.URL == "" {
			return fmt.Errorf(
				"config: REDIS_URL is required when STORE_MODE=redis; " +
					"set STORE_MODE=file to keep accounts on disk",
			)
		}
	default:
		return fmt.Errorf("config: invalid STORE_MODE %q; must be one of: file, redis", c.Store.Mode)
	}

	switch c.SearchRender {
	case "table", "list":
	default:
		return fmt.Errorf("config: invalid SEARCH_RENDER %q; must be one of: table, list", c.SearchRender)
	}

	if c.Retry.AuthRetries < 0 {
		return fmt.Errorf("config: AUTH_RETRIES must be ≥ 0, got %d", c.Retry.AuthRetries)
	}
	if c.Retry.RateLimitRetries < 1 {
		return fmt.Errorf("config: RATE_LIMIT_RETRIES must be ≥ 1, got %d", c.Retry.RateLimitRetries)
	}
	if c.Retry.BackoffBase <= 0 {
		return errors.New("config: BACKOFF_BASE must be a positive duration")
	}

	for name, m := range map[string]MediaConfig{"IMAGE": c.Image, "VIDEO": c.Video} {
		if m.PollAttempts < 1 {
			return fmt.Errorf("config: %s_POLL_ATTEMPTS must be ≥ 1, got %d", name, m.PollAttempts)
		}
		if m.PollInterval <= 0 || m.PollTimeout <= 0 {
			return fmt.Errorf("config: %s_POLL_INTERVAL and %s_POLL_TIMEOUT must be positive", name, name)
		}
	}

	if c.RateLimit.RPMLimit < 0 {
		return fmt.Errorf("config: RPM_LIMIT must be ≥ 0, got %d", c.RateLimit.RPMLimit)
	}
	if c.CircuitBreaker.ErrorThreshold < 1 {
		return fmt.Errorf("config: CB_ERROR_THRESHOLD must be ≥ 1, got %d", c.CircuitBreaker.ErrorThreshold)
	}
	if c.CircuitBreaker.TimeWindow <= 0 {
		return fmt.Errorf("config: CB_TIME_WINDOW must be a positive duration")
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
