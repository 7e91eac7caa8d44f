package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string   `mapstructure:"PORT"`
	Env            string   `mapstructure:"ENV"`
	LogLevel       string   `mapstructure:"LOG_LEVEL"`
	DatabaseURL    string   `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32    `mapstructure:"DB_MIN_CONNS"`
	MigrationsDir  string   `mapstructure:"MIGRATIONS_DIR"`
	AuthSigningKey string   `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer     string   `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string   `mapstructure:"AUTH_AUDIENCE"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`

	BodyLimit      string        `mapstructure:"BODY_LIMIT"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`

	// Routing & escalation
	AckWindow        time.Duration `mapstructure:"ACK_WINDOW"`
	SweepInterval    time.Duration `mapstructure:"SWEEP_INTERVAL"`
	SweepBatchSize   int           `mapstructure:"SWEEP_BATCH_SIZE"`
	SweepConcurrency int           `mapstructure:"SWEEP_CONCURRENCY"`

	// Responder directory backend: "postgres" or "redis".
	ResponderDirectory string `mapstructure:"RESPONDER_DIRECTORY"`

	// Event sinks. Each is optional; an empty URL disables the sink.
	RedisURL          string `mapstructure:"REDIS_URL"`
	EventStream       string `mapstructure:"EVENT_STREAM"`
	EventStreamMaxLen int64  `mapstructure:"EVENT_STREAM_MAXLEN"`
	NATSURL           string `mapstructure:"NATS_URL"`
	NATSSubjectPrefix string `mapstructure:"NATS_SUBJECT_PREFIX"`

	// Pager recipients for ESI-1 broadcasts.
	PagerBroadcastGroup []string `mapstructure:"PAGER_BROADCAST_GROUP"`

	// Temporal-driven sweep schedule (careflow worker / careflow schedule).
	TemporalHost      string `mapstructure:"TEMPORAL_HOST"`
	TemporalNamespace string `mapstructure:"TEMPORAL_NAMESPACE"`
	TemporalTaskQueue string `mapstructure:"TEMPORAL_TASK_QUEUE"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("MIGRATIONS_DIR", "migrations")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("BODY_LIMIT", "64K")
	v.SetDefault("REQUEST_TIMEOUT", "15s")
	v.SetDefault("ACK_WINDOW", "2m")
	v.SetDefault("SWEEP_INTERVAL", "30s")
	v.SetDefault("SWEEP_BATCH_SIZE", 200)
	v.SetDefault("SWEEP_CONCURRENCY", 8)
	v.SetDefault("RESPONDER_DIRECTORY", "postgres")
	v.SetDefault("EVENT_STREAM", "careflow:events")
	v.SetDefault("EVENT_STREAM_MAXLEN", 10000)
	v.SetDefault("NATS_SUBJECT_PREFIX", "careflow")
	v.SetDefault("PAGER_BROADCAST_GROUP", "ed-resus-team")
	v.SetDefault("TEMPORAL_HOST", "localhost:7233")
	v.SetDefault("TEMPORAL_NAMESPACE", "default")
	v.SetDefault("TEMPORAL_TASK_QUEUE", "careflow-escalation")

	for _, key := range []string{
		"PORT", "ENV", "LOG_LEVEL",
		"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "MIGRATIONS_DIR",
		"AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE",
		"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
		"BODY_LIMIT", "REQUEST_TIMEOUT",
		"ACK_WINDOW", "SWEEP_INTERVAL", "SWEEP_BATCH_SIZE", "SWEEP_CONCURRENCY",
		"RESPONDER_DIRECTORY",
		"REDIS_URL", "EVENT_STREAM", "EVENT_STREAM_MAXLEN",
		"NATS_URL", "NATS_SUBJECT_PREFIX", "PAGER_BROADCAST_GROUP",
		"TEMPORAL_HOST", "TEMPORAL_NAMESPACE", "TEMPORAL_TASK_QUEUE",
	} {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	cfg.PagerBroadcastGroup = splitList(v.GetString("PAGER_BROADCAST_GROUP"))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() && cfg.AuthSigningKey == "" {
		log.Println("WARNING: ENV=development without AUTH_SIGNING_KEY; every request is treated as an admin.")
	}

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks the settings that Load cannot default safely.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY is required outside development (ENV=%q)", c.Env)
	}
	if c.AckWindow <= 0 {
		return fmt.Errorf("ACK_WINDOW must be positive, got %s", c.AckWindow)
	}
	if c.SweepInterval < 0 {
		return fmt.Errorf("SWEEP_INTERVAL must not be negative, got %s", c.SweepInterval)
	}
	if c.SweepBatchSize <= 0 {
		return fmt.Errorf("SWEEP_BATCH_SIZE must be positive, got %d", c.SweepBatchSize)
	}
	if c.SweepConcurrency <= 0 {
		return fmt.Errorf("SWEEP_CONCURRENCY must be positive, got %d", c.SweepConcurrency)
	}
	switch c.ResponderDirectory {
	case "postgres":
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when RESPONDER_DIRECTORY is \"redis\"")
		}
	default:
		return fmt.Errorf("RESPONDER_DIRECTORY must be \"postgres\" or \"redis\", got %q", c.ResponderDirectory)
	}
	return nil
}
