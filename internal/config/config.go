// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jason-s-yu/quizduel/internal/database"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the process configuration. Values come from, in order of precedence,
// changed flags, the environment, an optional quizduel.yaml, then defaults.
type Config struct {
	Port  int    `mapstructure:"port"`
	// Store selects the room backend: "redis" or "memory".
	Store string `mapstructure:"store"`

	RedisAddr string `mapstructure:"redis_addr"`
	RedisDB   int    `mapstructure:"redis_db"`

	PostgresUser     string `mapstructure:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password"`
	PGHost           string `mapstructure:"pg_host"`
	PGPort           string `mapstructure:"pg_port"`
	PGDatabase       string `mapstructure:"pg_database"`

	TokenExpireTime   string `mapstructure:"token_expire_time"`
	// JWTPrivateKeyPath and JWTPublicKeyPath hold raw ed25519 keys. When unset a
	// fresh pair is generated at startup.
	JWTPrivateKeyPath string `mapstructure:"jwt_private_key_path"`
	JWTPublicKeyPath  string `mapstructure:"jwt_public_key_path"`
	LogLevel          string `mapstructure:"log_level"`

	SearchGrace        time.Duration `mapstructure:"search_grace"`
	SearchTimeout      time.Duration `mapstructure:"search_timeout"`
	SearchScanInterval time.Duration `mapstructure:"search_scan_interval"`

	DuelDefaultDuration time.Duration `mapstructure:"duel_default_duration"`
	// QuizFile seeds the catalog from a JSON file at startup. Optional.
	QuizFile            string        `mapstructure:"quiz_file"`

	RoomMaxAge    time.Duration `mapstructure:"room_max_age"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`

	HistorianQueueName string `mapstructure:"historian_queue_name"`
	HistorianBatchSize int    `mapstructure:"historian_batch_size"`
	HistorianFlushMs   int    `mapstructure:"historian_flush_ms"`
}

var defaults = map[string]any{
	"port":                  8080,
	"store":                 "redis",
	"redis_addr":            "localhost:6379",
	"redis_db":              0,
	"postgres_user":         "postgres",
	"postgres_password":     "",
	"pg_host":               "localhost",
	"pg_port":               "5432",
	"pg_database":           "quizduel",
	"token_expire_time":     "72h",
	"jwt_private_key_path":  "",
	"jwt_public_key_path":   "",
	"log_level":             "debug",
	"search_grace":          "3.5s",
	"search_timeout":        "15s",
	"search_scan_interval":  "1s",
	"duel_default_duration": "5m",
	"quiz_file":             "",
	"room_max_age":          "2h",
	"sweep_interval":        "1m",
	"historian_queue_name":  "quizduel_actions",
	"historian_batch_size":  20,
	"historian_flush_ms":    500,
}

// Load builds a Config. fs may be nil; otherwise each flag binds to the key of the
// same name with dashes read as underscores.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	for key, val := range defaults {
		v.SetDefault(key, val)
	}

	v.SetConfigName("quizduel")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if fs != nil {
		var bindErr error
		fs.VisitAll(func(f *pflag.Flag) {
			if err := v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f); err != nil && bindErr == nil {
				bindErr = err
			}
		})
		if bindErr != nil {
			return nil, fmt.Errorf("failed to bind flags: %w", bindErr)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.Port)
	}
	if c.Store != "redis" && c.Store != "memory" {
		return fmt.Errorf("invalid store %q (must be redis or memory)", c.Store)
	}
	if c.SearchTimeout <= c.SearchGrace {
		return fmt.Errorf("search_timeout (%s) must exceed search_grace (%s)", c.SearchTimeout, c.SearchGrace)
	}
	if c.SearchScanInterval <= 0 {
		return errors.New("search_scan_interval must be positive")
	}
	if (c.JWTPrivateKeyPath == "") != (c.JWTPublicKeyPath == "") {
		return errors.New("both jwt_private_key_path and jwt_public_key_path must be provided together")
	}
	if c.DuelDefaultDuration <= 0 {
		return errors.New("duel_default_duration must be positive")
	}
	return nil
}

// PostgresURL is the connection string for the configured database.
func (c *Config) PostgresURL() string {
	return database.ConnString(c.PostgresUser, c.PostgresPassword, c.PGHost, c.PGPort, c.PGDatabase)
}

// HistorianFlushDelay is the flush interval as a duration.
func (c *Config) HistorianFlushDelay() time.Duration {
	return time.Duration(c.HistorianFlushMs) * time.Millisecond
}
