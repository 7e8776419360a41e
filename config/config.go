package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Tracker modes select how presence is collected while an event is live.
const (
	TrackerModeHTTP    = "http"    // external bot API, commands go through the worker queue
	TrackerModeDiscord = "discord" // in-process discordgo voice bridge
	TrackerModeNone    = "none"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	JWT      JWTConfig
	AWS      AWSConfig
	Tracker  TrackerConfig
	Discord  DiscordConfig
	Pricing  PricingConfig
	Engine   EngineConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string `env:"PORT" envDefault:"8080"`
	ReadTimeout        int    `env:"READ_TIMEOUT_SEC" envDefault:"30"`
	WriteTimeout       int    `env:"WRITE_TIMEOUT_SEC" envDefault:"30"`
	CORSAllowedOrigins string `env:"CORS_ALLOWED_ORIGINS" envDefault:"http://localhost:3000"` // comma-separated, or "*"
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string `env:"DATABASE_URL"` // if set, used as-is
	Host     string `env:"DB_HOST" envDefault:"localhost"`
	Port     string `env:"DB_PORT" envDefault:"5432"`
	User     string `env:"DB_USER" envDefault:"postgres"`
	Password string `env:"DB_PASSWORD" envDefault:"postgres"`
	DBName   string `env:"DB_NAME" envDefault:"eventpay"`
	SSLMode  string `env:"DB_SSLMODE" envDefault:"disable"`
	MaxConns int32  `env:"DB_MAX_CONNS" envDefault:"25"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`
}

// JWTConfig holds JWT signing and validation settings.
type JWTConfig struct {
	Secret      string `env:"JWT_SECRET"`
	ExpireHours int    `env:"JWT_EXPIRE_HOURS" envDefault:"24"`
}

// AWSConfig holds AWS credentials and the payroll archive bucket.
type AWSConfig struct {
	Region               string `env:"AWS_REGION" envDefault:"us-east-1"`
	AccessKeyID          string `env:"AWS_ACCESS_KEY_ID"`
	SecretAccessKey      string `env:"AWS_SECRET_ACCESS_KEY"`
	ArchiveBucket        string `env:"AWS_S3_ARCHIVE_BUCKET" envDefault:"eventpay-payroll-archive"`
	PresignExpireMinutes int    `env:"AWS_PRESIGN_EXPIRE_MINUTES" envDefault:"15"`
	ArchiveEnabled       bool   `env:"ARCHIVE_ENABLED" envDefault:"false"`
}

// TrackerConfig selects and configures the presence tracker.
type TrackerConfig struct {
	Mode       string        `env:"TRACKER_MODE" envDefault:"http"`
	BotAPIURL  string        `env:"TRACKER_BOT_API_URL" envDefault:"http://localhost:8001"`
	Timeout    time.Duration `env:"TRACKER_TIMEOUT" envDefault:"30s"`
	APIKeyHash string        `env:"TRACKER_API_KEY_HASH"` // bcrypt hash of the key the bot sends on presence reports
}

// DiscordConfig is used when the tracker runs in-process.
type DiscordConfig struct {
	Token   string `env:"DISCORD_TOKEN"`
	GuildID string `env:"DISCORD_GUILD_ID"`
}

// PricingConfig points at the market price feed.
type PricingConfig struct {
	BotAPIURL string        `env:"PRICING_BOT_API_URL"` // defaults to the tracker bot
	Timeout   time.Duration `env:"PRICING_TIMEOUT" envDefault:"10s"`
	CacheTTL  time.Duration `env:"PRICING_CACHE_TTL" envDefault:"5m"`
}

// EngineConfig holds lifecycle and payroll settings.
type EngineConfig struct {
	AutoStartInterval time.Duration `env:"ENGINE_AUTOSTART_INTERVAL" envDefault:"30s"`
	CurrencyDecimals  int32         `env:"PAYROLL_CURRENCY_DECIMALS" envDefault:"0"`
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if cfg.Pricing.BotAPIURL == "" {
		cfg.Pricing.BotAPIURL = cfg.Tracker.BotAPIURL
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks required settings and enumerations.
func (c *Config) Validate() error {
	var errs []error
	if c.JWT.Secret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	switch c.Tracker.Mode {
	case TrackerModeHTTP:
		if c.Tracker.BotAPIURL == "" {
			errs = append(errs, errors.New("TRACKER_BOT_API_URL is required in http tracker mode"))
		}
	case TrackerModeDiscord:
		if c.Discord.Token == "" || c.Discord.GuildID == "" {
			errs = append(errs, errors.New("DISCORD_TOKEN and DISCORD_GUILD_ID are required in discord tracker mode"))
		}
	case TrackerModeNone:
	default:
		errs = append(errs, fmt.Errorf("TRACKER_MODE must be one of http, discord, none; got %q", c.Tracker.Mode))
	}
	if c.Engine.CurrencyDecimals < 0 || c.Engine.CurrencyDecimals > 6 {
		errs = append(errs, errors.New("PAYROLL_CURRENCY_DECIMALS must be between 0 and 6"))
	}
	if c.Engine.AutoStartInterval <= 0 {
		errs = append(errs, errors.New("ENGINE_AUTOSTART_INTERVAL must be positive"))
	}
	if c.AWS.ArchiveEnabled && strings.TrimSpace(c.AWS.ArchiveBucket) == "" {
		errs = append(errs, errors.New("AWS_S3_ARCHIVE_BUCKET is required when ARCHIVE_ENABLED"))
	}
	return errors.Join(errs...)
}
