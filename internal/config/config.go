package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	envPrefix = "CHRONICLE"

	DatabaseDriverSQLite     = "sqlite"
	DatabaseDriverPostgres   = "postgres"
	DatabaseDriverClickHouse = "clickhouse"

	LeaseStore = "store"
	LeaseRedis = "redis"
	LeaseNone  = "none"

	ProviderGroq   = "groq"
	ProviderOpenAI = "openai"

	defaultDatabasePath       = "chronicle.db"
	defaultLogLevel           = "info"
	defaultBatchSize          = 100
	defaultContextSize        = 10
	defaultIdleInterval       = 2 * time.Second
	defaultStatusSchedule     = "@every 1h"
	defaultLeaseTTL           = 2 * time.Minute
	defaultLLMTimeout         = 60 * time.Second
	defaultLLMTemperature     = 0.2
	defaultGroqModel          = "llama-3.1-8b-instant"
	defaultOpenAIModel        = "gpt-5"
	defaultClickHouseAddress  = "127.0.0.1:9000"
	defaultClickHouseDatabase = "default"
	defaultRedisAddress       = "127.0.0.1:6379"
	defaultTokenTTL           = 24 * time.Hour
	defaultRawTailLimit       = 200
	defaultCacheDelta         = 20
)

// AppConfig captures runtime configuration for the bot, the rollup loop and the API.
type AppConfig struct {
	TelegramToken  string
	AllowedChatIDs []int64

	BatchSize      int
	ContextSize    int
	IdleInterval   time.Duration
	StatusSchedule string
	LeaseBackend   string
	LeaseTTL       time.Duration

	LLMProvider    string
	LLMAPIKey      string
	LLMModel       string
	LLMBaseURL     string
	LLMTimeout     time.Duration
	LLMTemperature float64

	DatabaseDriver string
	DatabasePath   string
	DatabaseDSN    string

	ClickHouseAddress  string
	ClickHouseDatabase string
	ClickHouseUsername string
	ClickHousePassword string

	RedisAddress string

	HTTPAddress   string
	SigningSecret string
	TokenTTL      time.Duration

	RawTailLimit int
	CacheDelta   int

	LogLevel string
}

// LoadDotEnv reads .env files into the process environment. Variables that
// are already set win; missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("telegram.token", "")
	configViper.SetDefault("telegram.allowed_chat_ids", []string{})
	configViper.SetDefault("rollup.batch_size", defaultBatchSize)
	configViper.SetDefault("rollup.context_size", defaultContextSize)
	configViper.SetDefault("rollup.idle_interval", defaultIdleInterval)
	configViper.SetDefault("rollup.status_schedule", defaultStatusSchedule)
	configViper.SetDefault("rollup.lease", "")
	configViper.SetDefault("rollup.lease_ttl", defaultLeaseTTL)
	configViper.SetDefault("llm.provider", ProviderGroq)
	configViper.SetDefault("llm.groq.api_key", "")
	configViper.SetDefault("llm.groq.model", defaultGroqModel)
	configViper.SetDefault("llm.openai.api_key", "")
	configViper.SetDefault("llm.openai.model", defaultOpenAIModel)
	configViper.SetDefault("llm.openai.base_url", "")
	configViper.SetDefault("llm.timeout", defaultLLMTimeout)
	configViper.SetDefault("llm.temperature", defaultLLMTemperature)
	configViper.SetDefault("database.driver", DatabaseDriverSQLite)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.dsn", "")
	configViper.SetDefault("clickhouse.address", defaultClickHouseAddress)
	configViper.SetDefault("clickhouse.database", defaultClickHouseDatabase)
	configViper.SetDefault("clickhouse.username", "default")
	configViper.SetDefault("clickhouse.password", "")
	configViper.SetDefault("redis.address", defaultRedisAddress)
	configViper.SetDefault("http.address", "")
	configViper.SetDefault("auth.signing_secret", "")
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)
	configViper.SetDefault("query.raw_tail_limit", defaultRawTailLimit)
	configViper.SetDefault("query.cache_delta", defaultCacheDelta)
	configViper.SetDefault("log.level", defaultLogLevel)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	chatIDs, err := parseChatIDs(configViper.GetStringSlice("telegram.allowed_chat_ids"))
	if err != nil {
		return AppConfig{}, err
	}

	cfg := AppConfig{
		TelegramToken:      strings.TrimSpace(configViper.GetString("telegram.token")),
		AllowedChatIDs:     chatIDs,
		BatchSize:          configViper.GetInt("rollup.batch_size"),
		ContextSize:        configViper.GetInt("rollup.context_size"),
		IdleInterval:       configViper.GetDuration("rollup.idle_interval"),
		StatusSchedule:     strings.TrimSpace(configViper.GetString("rollup.status_schedule")),
		LeaseBackend:       strings.ToLower(strings.TrimSpace(configViper.GetString("rollup.lease"))),
		LeaseTTL:           configViper.GetDuration("rollup.lease_ttl"),
		LLMProvider:        strings.ToLower(strings.TrimSpace(configViper.GetString("llm.provider"))),
		LLMTimeout:         configViper.GetDuration("llm.timeout"),
		LLMTemperature:     configViper.GetFloat64("llm.temperature"),
		DatabaseDriver:     strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:       strings.TrimSpace(configViper.GetString("database.path")),
		DatabaseDSN:        strings.TrimSpace(configViper.GetString("database.dsn")),
		ClickHouseAddress:  strings.TrimSpace(configViper.GetString("clickhouse.address")),
		ClickHouseDatabase: strings.TrimSpace(configViper.GetString("clickhouse.database")),
		ClickHouseUsername: configViper.GetString("clickhouse.username"),
		ClickHousePassword: configViper.GetString("clickhouse.password"),
		RedisAddress:       strings.TrimSpace(configViper.GetString("redis.address")),
		HTTPAddress:        strings.TrimSpace(configViper.GetString("http.address")),
		SigningSecret:      configViper.GetString("auth.signing_secret"),
		TokenTTL:           configViper.GetDuration("auth.token_ttl"),
		RawTailLimit:       configViper.GetInt("query.raw_tail_limit"),
		CacheDelta:         configViper.GetInt("query.cache_delta"),
		LogLevel:           configViper.GetString("log.level"),
	}

	if cfg.LeaseBackend == "" {
		cfg.LeaseBackend = defaultLeaseBackend(cfg.DatabaseDriver)
	}

	switch cfg.LLMProvider {
	case ProviderGroq:
		cfg.LLMAPIKey = configViper.GetString("llm.groq.api_key")
		cfg.LLMModel = configViper.GetString("llm.groq.model")
	case ProviderOpenAI:
		cfg.LLMAPIKey = configViper.GetString("llm.openai.api_key")
		cfg.LLMModel = configViper.GetString("llm.openai.model")
		cfg.LLMBaseURL = strings.TrimSpace(configViper.GetString("llm.openai.base_url"))
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// AuthConfig is the subset needed to mint API tokens offline.
type AuthConfig struct {
	SigningSecret string
	TokenTTL      time.Duration
}

// LoadAuth reads only the token settings.
func LoadAuth(configViper *viper.Viper) (AuthConfig, error) {
	cfg := AuthConfig{
		SigningSecret: configViper.GetString("auth.signing_secret"),
		TokenTTL:      configViper.GetDuration("auth.token_ttl"),
	}
	if strings.TrimSpace(cfg.SigningSecret) == "" {
		return AuthConfig{}, fmt.Errorf("auth.signing_secret is required")
	}
	if cfg.TokenTTL <= 0 {
		return AuthConfig{}, fmt.Errorf("auth.token_ttl must be positive")
	}
	return cfg, nil
}

// defaultLeaseBackend keeps the lease in the SQL store when there is one.
// ClickHouse has no conditional update, so it runs without a lease unless
// redis is chosen explicitly.
func defaultLeaseBackend(driver string) string {
	if driver == DatabaseDriverClickHouse {
		return LeaseNone
	}
	return LeaseStore
}

// HTTPEnabled reports whether the HTTP API should be served.
func (c AppConfig) HTTPEnabled() bool {
	return c.HTTPAddress != ""
}

func (c AppConfig) validate() error {
	if c.TelegramToken == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("rollup.batch_size must be positive")
	}
	if c.ContextSize <= 0 {
		return fmt.Errorf("rollup.context_size must be positive")
	}
	if c.IdleInterval <= 0 {
		return fmt.Errorf("rollup.idle_interval must be positive")
	}
	switch c.LeaseBackend {
	case LeaseStore, LeaseNone:
	case LeaseRedis:
		if c.RedisAddress == "" {
			return fmt.Errorf("redis.address is required for the redis lease")
		}
	default:
		return fmt.Errorf("rollup.lease %q is not supported", c.LeaseBackend)
	}
	if c.LeaseBackend != LeaseNone && c.LeaseTTL <= 0 {
		return fmt.Errorf("rollup.lease_ttl must be positive")
	}
	if c.LeaseBackend != LeaseNone && c.LeaseTTL <= c.LLMTimeout {
		return fmt.Errorf("rollup.lease_ttl (%s) must exceed llm.timeout (%s)", c.LeaseTTL, c.LLMTimeout)
	}
	if c.LLMProvider != ProviderGroq && c.LLMProvider != ProviderOpenAI {
		return fmt.Errorf("llm.provider %q is not supported", c.LLMProvider)
	}
	if strings.TrimSpace(c.LLMAPIKey) == "" {
		return fmt.Errorf("llm.%s.api_key is required", c.LLMProvider)
	}
	if c.LLMTimeout <= 0 {
		return fmt.Errorf("llm.timeout must be positive")
	}
	switch c.DatabaseDriver {
	case DatabaseDriverSQLite:
		if c.DatabasePath == "" {
			return fmt.Errorf("database.path is required")
		}
	case DatabaseDriverPostgres:
		if c.DatabaseDSN == "" {
			return fmt.Errorf("database.dsn is required for postgres")
		}
	case DatabaseDriverClickHouse:
		if c.ClickHouseAddress == "" {
			return fmt.Errorf("clickhouse.address is required")
		}
		if c.LeaseBackend == LeaseStore {
			return fmt.Errorf("rollup.lease=store is not available with clickhouse; use redis or none")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	if c.HTTPEnabled() {
		if strings.TrimSpace(c.SigningSecret) == "" {
			return fmt.Errorf("auth.signing_secret is required when http.address is set")
		}
		if c.TokenTTL <= 0 {
			return fmt.Errorf("auth.token_ttl must be positive")
		}
	}
	if c.RawTailLimit <= 0 {
		return fmt.Errorf("query.raw_tail_limit must be positive")
	}
	if c.CacheDelta < 0 {
		return fmt.Errorf("query.cache_delta must not be negative")
	}
	return nil
}

func parseChatIDs(values []string) ([]int64, error) {
	ids := make([]int64, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			id, err := strconv.ParseInt(part, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("telegram.allowed_chat_ids: invalid chat id %q", part)
			}
			ids = append(ids, id)
		}
	}
	return ids, nil
}
