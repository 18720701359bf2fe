package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// AppConfig is resolved once in main and handed to constructors.
type AppConfig struct {
	Env      string `mapstructure:"APP_ENV"`
	Port     string `mapstructure:"PORT"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	ClientMode          string        `mapstructure:"CLIENT_MODE"`
	RemoteBaseURL       string        `mapstructure:"REMOTE_BASE_URL"`
	RemoteTimeout       time.Duration `mapstructure:"REMOTE_TIMEOUT"`
	RemoteStreamTimeout time.Duration `mapstructure:"REMOTE_STREAM_TIMEOUT"`
	InternalAPIToken    string        `mapstructure:"INTERNAL_API_TOKEN"`

	ProviderTimeout      time.Duration `mapstructure:"PROVIDER_TIMEOUT"`
	ContextTokenBudget   int           `mapstructure:"CONTEXT_TOKEN_BUDGET"`
	Tokenizer            string        `mapstructure:"TOKENIZER"`
	SystemPrompt         string        `mapstructure:"SYSTEM_PROMPT"`
	CredentialSecret     string        `mapstructure:"CREDENTIAL_SECRET"`
	ThreadCacheTTL       time.Duration `mapstructure:"THREAD_CACHE_TTL"`
	GenerationLockTTL    time.Duration `mapstructure:"GENERATION_LOCK_TTL"`
	ChunkJournalTTL      time.Duration `mapstructure:"CHUNK_JOURNAL_TTL"`
	StaleGenerationAfter time.Duration `mapstructure:"STALE_GENERATION_AFTER"`

	ExportBucket  string `mapstructure:"EXPORT_BUCKET"`
	ExportWorkers int    `mapstructure:"EXPORT_WORKERS"`

	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`

	JWTSecret   string `mapstructure:"JWT_SECRET"`
	JWTIssuer   string `mapstructure:"JWT_ISSUER"`
	JWTAudience string `mapstructure:"JWT_AUDIENCE"`

	PostgresURI string `mapstructure:"POSTGRES_URI"`
	MongoURI    string `mapstructure:"MONGO_URI"`
	MongoDB     string `mapstructure:"MONGO_DB"`
	MongoTLS    bool   `mapstructure:"MONGO_FORCE_TLS_CONFIG"`
	RedisAddr   string `mapstructure:"REDIS_ADDR"`

	OpenAIBaseURL  string `mapstructure:"OPENAI_BASE_URL"`
	VertexProject  string `mapstructure:"VERTEX_PROJECT"`
	VertexLocation string `mapstructure:"VERTEX_LOCATION"`
}

func (c *AppConfig) Production() bool { return strings.EqualFold(c.Env, "production") }

var defaults = map[string]any{
	"APP_ENV":                "development",
	"PORT":                   "8080",
	"LOG_LEVEL":              "info",
	"CLIENT_MODE":            "direct",
	"REMOTE_BASE_URL":        "",
	"REMOTE_TIMEOUT":         10 * time.Second,
	"REMOTE_STREAM_TIMEOUT":  5 * time.Minute,
	"INTERNAL_API_TOKEN":     "",
	"PROVIDER_TIMEOUT":       2 * time.Minute,
	"CONTEXT_TOKEN_BUDGET":   8000,
	"TOKENIZER":              "heuristic",
	"SYSTEM_PROMPT":          "",
	"CREDENTIAL_SECRET":      "",
	"THREAD_CACHE_TTL":       5 * time.Minute,
	"GENERATION_LOCK_TTL":    30 * time.Second,
	"CHUNK_JOURNAL_TTL":      time.Hour,
	"STALE_GENERATION_AFTER": 10 * time.Minute,
	"EXPORT_BUCKET":          "",
	"EXPORT_WORKERS":         2,
	"RATE_LIMIT_RPS":         5.0,
	"RATE_LIMIT_BURST":       10,
	"JWT_SECRET":             "",
	"JWT_ISSUER":             "",
	"JWT_AUDIENCE":           "",
	"POSTGRES_URI":           "",
	"MONGO_URI":              "",
	"MONGO_DB":               "threadline",
	"MONGO_FORCE_TLS_CONFIG": false,
	"REDIS_ADDR":             "",
	"OPENAI_BASE_URL":        "https://api.openai.com/v1",
	"VERTEX_PROJECT":         "",
	"VERTEX_LOCATION":        "us-central1",
}

// Load reads AppConfig from the environment. Every key has a default, so
// only connection strings and secrets need to be set.
func Load() (*AppConfig, error) {
	v := viper.New()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	v.AutomaticEnv()

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
