package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	Port          string   `mapstructure:"PORT"`
	Env           string   `mapstructure:"ENV" validate:"oneof=development production test"`
	DatabaseURL   string   `mapstructure:"DATABASE_URL" validate:"required"`
	DBMaxConns    int32    `mapstructure:"DB_MAX_CONNS" validate:"gte=1"`
	DBMinConns    int32    `mapstructure:"DB_MIN_CONNS" validate:"gte=0,ltefield=DBMaxConns"`
	MigrationsDir string   `mapstructure:"MIGRATIONS_DIR"`
	CORSOrigins   []string `mapstructure:"CORS_ORIGINS"`
	PublicBaseURL string   `mapstructure:"PUBLIC_BASE_URL" validate:"omitempty,url"`
	MaxUploadSize string   `mapstructure:"MAX_UPLOAD_SIZE"`

	// Assessment notifications
	WebhookURL     string        `mapstructure:"WEBHOOK_URL" validate:"omitempty,url"`
	WebhookSecret  string        `mapstructure:"WEBHOOK_SECRET"`
	WebhookTimeout time.Duration `mapstructure:"WEBHOOK_TIMEOUT" validate:"gt=0"`
	RedisURL       string        `mapstructure:"REDIS_URL"`
	QueueKey       string        `mapstructure:"QUEUE_KEY"`
	QueueBuffer    int           `mapstructure:"QUEUE_BUFFER" validate:"gte=1"`
	QueueWorkers   int           `mapstructure:"QUEUE_WORKERS" validate:"gte=1"`

	// Object storage
	StorageBackend     string `mapstructure:"STORAGE_BACKEND" validate:"oneof=memory fs supabase"`
	StorageDir         string `mapstructure:"STORAGE_DIR" validate:"required_if=StorageBackend fs"`
	SupabaseURL        string `mapstructure:"SUPABASE_URL" validate:"required_if=StorageBackend supabase"`
	SupabaseServiceKey string `mapstructure:"SUPABASE_SERVICE_KEY" validate:"required_if=StorageBackend supabase"`
	StorageBucket      string `mapstructure:"STORAGE_BUCKET" validate:"required"`

	// Orphaned upload cleanup. A zero interval disables the in-process loop.
	OrphanGrace       time.Duration `mapstructure:"ORPHAN_GRACE" validate:"gte=0"`
	ReconcileInterval time.Duration `mapstructure:"RECONCILE_INTERVAL" validate:"gte=0"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "MIGRATIONS_DIR",
	"CORS_ORIGINS", "PUBLIC_BASE_URL", "MAX_UPLOAD_SIZE",
	"WEBHOOK_URL", "WEBHOOK_SECRET", "WEBHOOK_TIMEOUT",
	"REDIS_URL", "QUEUE_KEY", "QUEUE_BUFFER", "QUEUE_WORKERS",
	"STORAGE_BACKEND", "STORAGE_DIR", "SUPABASE_URL", "SUPABASE_SERVICE_KEY", "STORAGE_BUCKET",
	"ORPHAN_GRACE", "RECONCILE_INTERVAL",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("MIGRATIONS_DIR", "./migrations")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("PUBLIC_BASE_URL", "http://localhost:8000")
	v.SetDefault("MAX_UPLOAD_SIZE", "110M")
	v.SetDefault("WEBHOOK_TIMEOUT", "10s")
	v.SetDefault("QUEUE_KEY", "aligner:assessments")
	v.SetDefault("QUEUE_BUFFER", 256)
	v.SetDefault("QUEUE_WORKERS", 2)
	v.SetDefault("STORAGE_BACKEND", "memory")
	v.SetDefault("STORAGE_DIR", "./data/videos-bucket")
	v.SetDefault("STORAGE_BUCKET", "patient-videos")
	v.SetDefault("ORPHAN_GRACE", "24h")
	v.SetDefault("RECONCILE_INTERVAL", "0s")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.WebhookURL == "" {
		log.Println("WARNING: WEBHOOK_URL is not set; assessment notifications will be skipped.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// UsesRedisQueue reports whether assessment events go through Redis instead of
// the in-process queue.
func (c *Config) UsesRedisQueue() bool {
	return c.RedisURL != ""
}

// Validate checks field formats and combinations. A supabase storage backend
// needs both SUPABASE_URL and SUPABASE_SERVICE_KEY; the fs backend needs
// STORAGE_DIR. In production a webhook secret is required once a webhook URL
// is configured, so the sink can authenticate deliveries.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("invalid config: %s failed %q", fe.Field(), fe.Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.IsProduction() && c.WebhookURL != "" && c.WebhookSecret == "" {
		return fmt.Errorf("WEBHOOK_SECRET is required in production when WEBHOOK_URL is set")
	}
	return nil
}
