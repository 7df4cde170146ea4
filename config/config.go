// Package config loads server configuration with viper.
//
// Sources, lowest precedence first: built-in defaults, an optional YAML or
// JSON file, then environment variables prefixed HPE_ with dots replaced by
// underscores (server.port -> HPE_SERVER_PORT).
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/warp/hirepurchase-engine/contract"
	"github.com/warp/hirepurchase-engine/engine"
	"github.com/warp/hirepurchase-engine/store/postgres"
)

const EnvPrefix = "HPE"

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Store       StoreConfig       `mapstructure:"store"`
	Postgres    PostgresConfig    `mapstructure:"postgres"`
	Penalty     PenaltyConfig     `mapstructure:"penalty"`
	Delinquency DelinquencyConfig `mapstructure:"delinquency"`
	Settlement  SettlementConfig  `mapstructure:"settlement"`
	Kafka       KafkaConfig       `mapstructure:"kafka"`
	Log         LogConfig         `mapstructure:"log"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type StoreConfig struct {
	Driver     string `mapstructure:"driver"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// PenaltyConfig drives the nightly accrual job.
type PenaltyConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Schedule  string `mapstructure:"schedule"`
	BatchSize int    `mapstructure:"batch_size"`
	Workers   int    `mapstructure:"workers"`
}

type DelinquencyConfig struct {
	GraceDays     int `mapstructure:"grace_days"`
	AttentionDays int `mapstructure:"attention_days"`
	LegalDays     int `mapstructure:"legal_days"`
}

type SettlementConfig struct {
	RebateFeePercent string `mapstructure:"rebate_fee_percent"`
}

type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)

	v.SetDefault("store.driver", DriverSQLite)
	v.SetDefault("store.sqlite_path", "hirepurchase.db")

	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "postgres")
	v.SetDefault("postgres.password", "")
	v.SetDefault("postgres.database", "hirepurchase")
	v.SetDefault("postgres.sslmode", "require")
	v.SetDefault("postgres.max_conns", 10)

	v.SetDefault("penalty.enabled", true)
	v.SetDefault("penalty.schedule", "30 0 * * *")
	v.SetDefault("penalty.batch_size", engine.DefaultBatchSize)
	v.SetDefault("penalty.workers", 4)

	v.SetDefault("delinquency.grace_days", engine.DefaultGraceDays)
	v.SetDefault("delinquency.attention_days", engine.DefaultAttentionDays)
	v.SetDefault("delinquency.legal_days", engine.DefaultLegalDays)

	v.SetDefault("settlement.rebate_fee_percent", "20")

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "hirepurchase.events")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load reads configuration. path may be empty.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the server cannot start with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case DriverSQLite, DriverPostgres, DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("store.driver: unknown driver %q", c.Store.Driver))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port: out of range: %d", c.Server.Port))
	}
	if c.Penalty.Enabled {
		if _, err := cron.ParseStandard(c.Penalty.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("penalty.schedule: %w", err))
		}
	}
	if c.Penalty.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("penalty.batch_size: must be >= 1"))
	}
	if c.Penalty.Workers < 1 {
		errs = append(errs, fmt.Errorf("penalty.workers: must be >= 1"))
	}
	if _, err := decimal.NewFromString(c.Settlement.RebateFeePercent); err != nil {
		errs = append(errs, fmt.Errorf("settlement.rebate_fee_percent: %w", err))
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, fmt.Errorf("kafka.brokers: required when kafka is enabled"))
	}
	return errors.Join(errs...)
}

// ServiceSettings maps the servicing knobs onto contract.Settings.
func (c *Config) ServiceSettings() contract.Settings {
	s := contract.DefaultSettings()
	s.RebateFeePercent = decimal.RequireFromString(c.Settlement.RebateFeePercent)
	s.Delinquency = engine.DelinquencyPolicy{
		GraceDays:     c.Delinquency.GraceDays,
		AttentionDays: c.Delinquency.AttentionDays,
		LegalDays:     c.Delinquency.LegalDays,
	}
	s.BatchSize = c.Penalty.BatchSize
	s.Workers = c.Penalty.Workers
	return s
}

func (c *Config) PostgresConfig() postgres.Config {
	return postgres.Config{
		Host:     c.Postgres.Host,
		Port:     c.Postgres.Port,
		User:     c.Postgres.User,
		Password: c.Postgres.Password,
		Database: c.Postgres.Database,
		SSLMode:  c.Postgres.SSLMode,
		MaxConns: c.Postgres.MaxConns,
	}
}

// Logger builds the process logger.
func (c *Config) Logger() *logrus.Logger {
	log := logrus.New()
	level, err := logrus.ParseLevel(c.Log.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	if c.Log.Format == "text" {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	return log
}
