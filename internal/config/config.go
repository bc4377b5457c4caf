// internal/config/config.go
package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/JeremyLoy/config"
	"github.com/sirupsen/logrus"
)

// Host migration policies.
const (
	HostMigrationManual        = "manual"
	HostMigrationPromoteOldest = "promote_oldest"
)

// Config is the process configuration shared by the server, the historian
// and the console. Every field can be set through the environment (or a
// .env file loaded by godotenv).
type Config struct {
	Port     string `config:"PORT"`
	LogLevel string `config:"LOG_LEVEL"`

	// lobby policy
	ExpiryThreshold   time.Duration `config:"LOBBY_EXPIRY"`
	SweepInterval     time.Duration `config:"LOBBY_SWEEP_INTERVAL"`
	QueryLimit        int           `config:"LOBBY_QUERY_LIMIT"`
	QueryMax          int           `config:"LOBBY_QUERY_MAX"`
	StrictRemove      bool          `config:"LOBBY_STRICT_REMOVE"`
	StrictDelete      bool          `config:"LOBBY_STRICT_DELETE"`
	HostMigration     string        `config:"LOBBY_HOST_MIGRATION"`
	QuickJoinAttempts int           `config:"LOBBY_QUICKJOIN_ATTEMPTS"`

	// event queue
	PublishEvents bool   `config:"LOBBY_PUBLISH_EVENTS"`
	RedisAddr     string `config:"REDIS_ADDR"`
	RedisDB       int    `config:"REDIS_DB"`
	EventQueue    string `config:"LOBBY_EVENT_QUEUE"`

	// archive
	PostgresUser        string        `config:"POSTGRES_USER"`
	PostgresPassword    string        `config:"POSTGRES_PASSWORD"`
	PGHost              string        `config:"PG_HOST"`
	PGPort              string        `config:"PG_PORT"`
	PGDatabase          string        `config:"PG_DATABASE"`
	HistorianBatch      int           `config:"HISTORIAN_BATCH_SIZE"`
	HistorianFlush      time.Duration `config:"HISTORIAN_FLUSH_INTERVAL"`
	HistorianInactivity time.Duration `config:"HISTORIAN_INACTIVITY"` // no events for this long marks a lobby abandoned

	// http
	RateLimitRPS   float64       `config:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `config:"RATE_LIMIT_BURST"`
	AllowedOrigins []string      `config:"CORS_ALLOWED_ORIGINS"`
	TokenExpire    time.Duration `config:"TOKEN_EXPIRE_TIME"`

	// client
	ServerURL   string        `config:"LOBBYD_URL"`
	Token       string        `config:"LOBBYD_TOKEN"`
	CallTimeout time.Duration `config:"LOBBYD_CALL_TIMEOUT"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Port:                "8080",
		LogLevel:            "info",
		ExpiryThreshold:     30 * time.Second,
		SweepInterval:       5 * time.Second,
		QueryLimit:          25,
		QueryMax:            100,
		HostMigration:       HostMigrationManual,
		QuickJoinAttempts:   3,
		RedisAddr:           "localhost:6379",
		EventQueue:          "lobby_events",
		PGHost:              "localhost",
		PGPort:              "5432",
		PGDatabase:          "lobbyd",
		HistorianBatch:      50,
		HistorianFlush:      2 * time.Second,
		HistorianInactivity: 10 * time.Minute,
		RateLimitRPS:        20,
		RateLimitBurst:      40,
		AllowedOrigins:      []string{"*"},
		ServerURL:           "http://localhost:8080",
		CallTimeout:         5 * time.Second,
	}
}

// Load reads the environment over the defaults and validates the result.
func Load() (Config, error) {
	cfg := Default()
	if err := config.FromEnv().To(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to read config from env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the values that would otherwise fail late.
func (c Config) Validate() error {
	if c.ExpiryThreshold <= 0 {
		return fmt.Errorf("LOBBY_EXPIRY must be positive, got %s", c.ExpiryThreshold)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("LOBBY_SWEEP_INTERVAL must be positive, got %s", c.SweepInterval)
	}
	if c.QueryLimit <= 0 || c.QueryMax < c.QueryLimit {
		return fmt.Errorf("invalid query limits: default %d, max %d", c.QueryLimit, c.QueryMax)
	}
	switch c.HostMigration {
	case HostMigrationManual, HostMigrationPromoteOldest:
	default:
		return fmt.Errorf("unknown LOBBY_HOST_MIGRATION %q", c.HostMigration)
	}
	if c.QuickJoinAttempts < 1 {
		return fmt.Errorf("LOBBY_QUICKJOIN_ATTEMPTS must be at least 1, got %d", c.QuickJoinAttempts)
	}
	return nil
}

// Level parses LogLevel, falling back to info.
func (c Config) Level() logrus.Level {
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// PostgresURL builds the pgx connection string from the PG_* settings.
func (c Config) PostgresURL() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.PostgresUser, c.PostgresPassword),
		Host:   c.PGHost + ":" + c.PGPort,
		Path:   "/" + c.PGDatabase,
	}
	return u.String()
}

// Addr is the listen address for the HTTP server.
func (c Config) Addr() string {
	return ":" + c.Port
}
