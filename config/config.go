// config/config.go
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"secret.drop/internal/crypto"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
	Store      StoreConfig      `yaml:"store"`
	Secrets    SecretsConfig    `yaml:"secrets"`
	KDF        KDFConfig        `yaml:"kdf"`
	Admin      AdminConfig      `yaml:"admin"`
	Encryption EncryptionConfig `yaml:"encryption"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
}

type ServerConfig struct {
	Host        string   `yaml:"host"`
	Port        int      `yaml:"port"`
	BaseURL     string   `yaml:"base_url"`
	Environment string   `yaml:"environment"`
	CORSOrigins []string `yaml:"cors_origins"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type StoreConfig struct {
	Type  string      `yaml:"type"`
	Redis RedisConfig `yaml:"redis"`
	SQL   SQLConfig   `yaml:"sql"`
}

type RedisConfig struct {
	Addr          string `yaml:"addr"`
	Password      string `yaml:"password"`
	DB            int    `yaml:"db"`
	UseServerTime bool   `yaml:"use_server_time"`
}

type SQLConfig struct {
	DSN string `yaml:"dsn"`
}

type SecretsConfig struct {
	MaxTTL          time.Duration `yaml:"max_ttl"`
	MaxReads        int           `yaml:"max_reads"`
	MaxContentBytes int           `yaml:"max_content_bytes"`
	ReapInterval    time.Duration `yaml:"reap_interval"`
	ConsumeRetries  int           `yaml:"consume_retries"`
}

type KDFConfig struct {
	Time      uint32 `yaml:"time"`
	MemoryKiB uint32 `yaml:"memory_kib"`
	Threads   uint8  `yaml:"threads"`
}

type AdminConfig struct {
	Password     string        `yaml:"password"`
	SessionTTL   time.Duration `yaml:"session_ttl"`
	CookieName   string        `yaml:"cookie_name"`
	CookieSecure bool          `yaml:"cookie_secure"`
	SessionStore string        `yaml:"session_store"`
}

type EncryptionConfig struct {
	// Key is base64 of 32 bytes. Empty leaves payloads unsealed at rest.
	Key string `yaml:"key"`
}

type RateLimitConfig struct {
	Enabled               bool `yaml:"enabled"`
	RequestsPerMin        int  `yaml:"requests_per_min"`
	RevealPerMin          int  `yaml:"reveal_per_min"`
	RevealPerSecretPerMin int  `yaml:"reveal_per_secret_per_min"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        8080,
			BaseURL:     "http://localhost:8080",
			Environment: "development",
			CORSOrigins: []string{"http://localhost:8080"},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Store: StoreConfig{
			Type: "memory",
			Redis: RedisConfig{
				Addr: "localhost:6379",
			},
			SQL: SQLConfig{
				DSN: "file:secrets.db?cache=shared",
			},
		},
		Secrets: SecretsConfig{
			MaxTTL:          7 * 24 * time.Hour,
			MaxReads:        100,
			MaxContentBytes: 10 << 20,
			ReapInterval:    time.Minute,
			ConsumeRetries:  5,
		},
		KDF: KDFConfig{
			Time:      1,
			MemoryKiB: 64 * 1024,
			Threads:   4,
		},
		Admin: AdminConfig{
			SessionTTL:   8 * time.Hour,
			CookieName:   "admin_session",
			SessionStore: "memory",
		},
		RateLimit: RateLimitConfig{
			Enabled:               true,
			RequestsPerMin:        100,
			RevealPerMin:          20,
			RevealPerSecretPerMin: 10,
		},
	}
}

func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFromFile(path); err != nil {
			return nil, err
		}
	}

	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

func (c *Config) loadFromEnv() {
	// Server
	if v := os.Getenv("HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("BASE_URL"); v != "" {
		c.Server.BaseURL = v
	}
	if v := os.Getenv("ENVIRONMENT"); v != "" {
		c.Server.Environment = v
	}
	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		c.Server.CORSOrigins = splitList(v)
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}

	if v := os.Getenv("STORE_TYPE"); v != "" {
		c.Store.Type = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Store.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Store.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			c.Store.Redis.DB = db
		}
	}
	if v := os.Getenv("REDIS_SERVER_TIME"); v != "" {
		c.Store.Redis.UseServerTime = parseBool(v)
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Store.SQL.DSN = v
	}
	if v := os.Getenv("SQL_DSN"); v != "" {
		c.Store.SQL.DSN = v
	}

	if v := os.Getenv("MAX_TTL"); v != "" {
		if ttl, err := time.ParseDuration(v); err == nil {
			c.Secrets.MaxTTL = ttl
		}
	}
	if v := os.Getenv("MAX_READS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Secrets.MaxReads = n
		}
	}
	if v := os.Getenv("MAX_CONTENT_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Secrets.MaxContentBytes = n
		}
	}
	if v := os.Getenv("REAP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Secrets.ReapInterval = d
		}
	}

	if v := os.Getenv("ADMIN_PASSWORD"); v != "" {
		c.Admin.Password = v
	}
	if v := os.Getenv("SESSION_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Admin.SessionTTL = d
		}
	}
	if v := os.Getenv("COOKIE_SECURE"); v != "" {
		c.Admin.CookieSecure = parseBool(v)
	}
	if v := os.Getenv("SESSION_STORE"); v != "" {
		c.Admin.SessionStore = v
	}

	if v := os.Getenv("ENCRYPTION_KEY"); v != "" {
		c.Encryption.Key = v
	}

	if v := os.Getenv("RATE_LIMIT_ENABLED"); v != "" {
		c.RateLimit.Enabled = parseBool(v)
	}
	if v := os.Getenv("RATE_LIMIT_REQUESTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RateLimit.RequestsPerMin = n
		}
	}
	if v := os.Getenv("RATE_LIMIT_REVEAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RateLimit.RevealPerMin = n
		}
	}
	if v := os.Getenv("RATE_LIMIT_REVEAL_PER_SECRET"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RateLimit.RevealPerSecretPerMin = n
		}
	}
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}

	if c.Server.BaseURL == "" {
		return fmt.Errorf("base_url is required")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("invalid log format: %s (must be 'text' or 'json')", c.Log.Format)
	}

	switch c.Store.Type {
	case "memory":
	case "redis":
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("redis addr is required when store type is 'redis'")
		}
	case "sqlite", "postgres":
		if c.Store.SQL.DSN == "" {
			return fmt.Errorf("sql dsn is required when store type is '%s'", c.Store.Type)
		}
	default:
		return fmt.Errorf("invalid store type: %s (must be 'memory', 'redis', 'sqlite' or 'postgres')", c.Store.Type)
	}

	if c.Secrets.MaxTTL <= 0 {
		return fmt.Errorf("max_ttl must be positive")
	}
	if c.Secrets.MaxReads < 1 {
		return fmt.Errorf("max_reads must be at least 1")
	}
	if c.Secrets.MaxContentBytes < 1 {
		return fmt.Errorf("max_content_bytes must be positive")
	}
	if c.Secrets.ReapInterval < 0 {
		return fmt.Errorf("reap_interval must not be negative")
	}
	if c.Secrets.ConsumeRetries < 1 {
		return fmt.Errorf("consume_retries must be at least 1")
	}

	if c.KDF.Time < 1 || c.KDF.MemoryKiB < 8 || c.KDF.Threads < 1 {
		return fmt.Errorf("kdf time, memory_kib and threads must be positive")
	}

	if c.Admin.Password == "" {
		return fmt.Errorf("admin password is required (set ADMIN_PASSWORD)")
	}
	if c.Admin.SessionTTL <= 0 {
		return fmt.Errorf("session_ttl must be positive")
	}
	if c.Admin.CookieName == "" {
		return fmt.Errorf("cookie_name is required")
	}
	switch c.Admin.SessionStore {
	case "memory":
	case "redis":
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("redis addr is required when session store is 'redis'")
		}
	default:
		return fmt.Errorf("invalid session store: %s (must be 'memory' or 'redis')", c.Admin.SessionStore)
	}

	if c.Encryption.Key != "" {
		if _, err := c.EncryptionKey(); err != nil {
			return err
		}
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.RequestsPerMin < 1 || c.RateLimit.RevealPerMin < 1 || c.RateLimit.RevealPerSecretPerMin < 1 {
			return fmt.Errorf("rate limits must be positive when rate limiting is enabled")
		}
	}

	return nil
}

// EncryptionKey decodes the configured at-rest key. It returns nil when no
// key is set.
func (c *Config) EncryptionKey() ([]byte, error) {
	return crypto.ParseKey(c.Encryption.Key)
}

func (c *Config) IsProduction() bool {
	return c.Server.Environment == "production"
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func parseBool(v string) bool {
	return v == "true" || v == "1"
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
