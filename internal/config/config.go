package config

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	ModeAll    = "ALL"
	ModeWeb    = "WEB"
	ModeWorker = "WORKER"
)

var (
	ErrMissingDatabaseDSN = errors.New("DB_DSN is required")
	ErrMissingMasterKey   = errors.New("at least one master key is required")
)

type Config struct {
	AppMode string

	HTTP      HTTPConfig
	Redis     RedisConfig
	DB        DBConfig
	Worker    WorkerConfig
	Media     MediaConfig
	Image     ImageConfig
	Extract   ExtractConfig
	Templates TemplateConfig
	Crypto    CryptoConfig
	Log       LogConfig
}

type HTTPConfig struct {
	ListenAddr     string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	HealthPath     string
	MetricsPath    string
	MaxUploadBytes int64
	FlashSecret    string
}

type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	QueueStream  string
	QueueGroup   string
	QueueBlock   time.Duration
	JobStatusTTL time.Duration
}

type DBConfig struct {
	Driver        string
	DSN           string
	AutoMigrate   bool
	MigrationsDir string
}

type WorkerConfig struct {
	Concurrency  int
	ConsumerName string
	MaxRetries   int
}

type MediaConfig struct {
	Dir string
}

type ImageConfig struct {
	BaseURL     string
	Model       string
	MaxRetries  int
	BackoffBase time.Duration
	HTTPTimeout time.Duration
}

type ExtractConfig struct {
	Model       string
	HTTPTimeout time.Duration
}

type TemplateConfig struct {
	CacheTTL time.Duration
}

type CryptoConfig struct {
	CurrentKeyID string
	Keys         map[string][]byte
}

type LogConfig struct {
	Level string
}

func Load() (*Config, error) {
	cfg := &Config{
		AppMode: strings.ToUpper(mustEnv("APP_MODE", ModeAll)),
		HTTP: HTTPConfig{
			ListenAddr:     mustEnv("LISTEN_ADDR", ":8080"),
			ReadTimeout:    mustDuration("HTTP_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:   mustDuration("HTTP_WRITE_TIMEOUT", 5*time.Minute),
			HealthPath:     mustEnv("HEALTH_PATH", "/healthz"),
			MetricsPath:    mustEnv("METRICS_PATH", "/metrics"),
			MaxUploadBytes: int64(mustInt("MAX_UPLOAD_BYTES", 8<<20)),
			FlashSecret:    mustEnv("FLASH_SECRET", ""),
		},
		Redis: RedisConfig{
			Addr:         mustEnv("REDIS_ADDR", "127.0.0.1:6379"),
			Password:     mustEnv("REDIS_PASSWORD", ""),
			DB:           mustInt("REDIS_DB", 0),
			QueueStream:  mustEnv("QUEUE_STREAM", "storybook:jobs"),
			QueueGroup:   mustEnv("QUEUE_GROUP", "storybook-workers"),
			QueueBlock:   mustDuration("QUEUE_BLOCK", 5*time.Second),
			JobStatusTTL: mustDuration("JOB_STATUS_TTL", time.Hour),
		},
		DB: DBConfig{
			Driver:        strings.ToLower(mustEnv("DB_DRIVER", "sqlite")),
			DSN:           mustEnv("DB_DSN", "file:storybook.db"),
			AutoMigrate:   mustBool("AUTO_MIGRATE", true),
			MigrationsDir: mustEnv("MIGRATIONS_DIR", "migrations"),
		},
		Worker: WorkerConfig{
			Concurrency:  mustInt("WORKER_CONCURRENCY", 2),
			ConsumerName: mustEnv("WORKER_CONSUMER_NAME", hostnameOr("worker")),
			MaxRetries:   mustInt("WORKER_MAX_RETRIES", 2),
		},
		Media: MediaConfig{
			Dir: mustEnv("MEDIA_DIR", "media"),
		},
		Image: ImageConfig{
			BaseURL:     mustEnv("IMAGE_BASE_URL", "https://generativelanguage.googleapis.com"),
			Model:       mustEnv("IMAGE_MODEL", "gemini-2.5-flash-image-preview"),
			MaxRetries:  mustInt("IMAGE_MAX_RETRIES", 3),
			BackoffBase: mustDuration("IMAGE_BACKOFF_BASE", 2*time.Second),
			HTTPTimeout: mustDuration("IMAGE_HTTP_TIMEOUT", 120*time.Second),
		},
		Extract: ExtractConfig{
			Model:       mustEnv("EXTRACTION_MODEL", "gpt-4o"),
			HTTPTimeout: mustDuration("EXTRACTION_HTTP_TIMEOUT", 60*time.Second),
		},
		Templates: TemplateConfig{
			CacheTTL: mustDuration("TEMPLATE_CACHE_TTL", time.Hour),
		},
		Log: LogConfig{
			Level: strings.ToLower(mustEnv("LOG_LEVEL", "info")),
		},
	}

	if cfg.DB.DSN == "" {
		return nil, ErrMissingDatabaseDSN
	}
	if cfg.AppMode != ModeAll && cfg.AppMode != ModeWeb && cfg.AppMode != ModeWorker {
		return nil, fmt.Errorf("unsupported APP_MODE %q", cfg.AppMode)
	}

	cc, err := loadCryptoConfig()
	if err != nil {
		return nil, err
	}
	cfg.Crypto = cc

	return cfg, nil
}

func loadCryptoConfig() (CryptoConfig, error) {
	keysB64 := map[string]string{}

	if raw := mustEnv("MASTER_KEYS_JSON", ""); raw != "" {
		var parsed map[string]string
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			return CryptoConfig{}, fmt.Errorf("parse MASTER_KEYS_JSON: %w", err)
		}
		for id, val := range parsed {
			if strings.TrimSpace(id) == "" || strings.TrimSpace(val) == "" {
				continue
			}
			keysB64[id] = val
		}
	}

	current := mustEnv("MASTER_KEY_CURRENT_ID", "")
	if singleton := mustEnv("MASTER_KEY_B64", ""); singleton != "" {
		if current == "" {
			current = "default"
		}
		keysB64[current] = singleton
	}

	if len(keysB64) == 0 {
		return CryptoConfig{}, ErrMissingMasterKey
	}

	keys := make(map[string][]byte, len(keysB64))
	for id, b64 := range keysB64 {
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return CryptoConfig{}, fmt.Errorf("decode master key %q: %w", id, err)
		}
		if len(raw) != 32 {
			return CryptoConfig{}, fmt.Errorf("master key %q must be 32 bytes after base64 decode", id)
		}
		keys[id] = raw
	}

	if current == "" {
		for id := range keys {
			current = id
			break
		}
	}
	if _, ok := keys[current]; !ok {
		return CryptoConfig{}, fmt.Errorf("MASTER_KEY_CURRENT_ID=%q does not exist in provided keys", current)
	}

	return CryptoConfig{
		CurrentKeyID: current,
		Keys:         keys,
	}, nil
}

func mustEnv(key string, def string) string {
	if v := os.Getenv(key); v != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func mustInt(key string, def int) int {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func mustBool(key string, def bool) bool {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func mustDuration(key string, def time.Duration) time.Duration {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func hostnameOr(def string) string {
	h, err := os.Hostname()
	if err != nil || strings.TrimSpace(h) == "" {
		return def
	}
	return h
}
