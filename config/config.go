/*
Package config builds the server configuration.

Environment variables provide the defaults and command-line flags override
them, so the same binary runs in a container (env only) and on a laptop
(flags only):

  flag        env                 default
  -port       ADVANCE_PORT        8080
  -db-driver  ADVANCE_DB_DRIVER   sqlite   (sqlite | postgres)
  -db         ADVANCE_DB_PATH     advance.db, ":memory:" for in-memory
  -database-url DATABASE_URL      required when the driver is postgres
  -catalog    ADVANCE_CATALOG     built-in reference catalog
  -tz         ADVANCE_TZ          Local
  (env only)  JWT_SIGNING_KEY     empty: trust X-Requester-ID / X-Role headers
  -kafka-brokers KAFKA_BROKERS    empty: events are not published
  -kafka-topic KAFKA_TOPIC        benefit-requests
  -log-dev    LOG_DEV             false
*/
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	Port          int
	DBDriver      string
	DBPath        string
	DatabaseURL   string
	CatalogPath   string
	TimeZone      string
	Location      *time.Location
	JWTSigningKey string
	KafkaBrokers  string
	KafkaTopic    string
	LogDev        bool
}

// Load reads the environment, then parses args (without the program name).
func Load(args []string) (Config, error) {
	return load(args, os.Getenv)
}

func load(args []string, getenv func(string) string) (Config, error) {
	cfg := Config{
		Port:          8080,
		DBDriver:      envOr(getenv, "ADVANCE_DB_DRIVER", DriverSQLite),
		DBPath:        envOr(getenv, "ADVANCE_DB_PATH", "advance.db"),
		DatabaseURL:   getenv("DATABASE_URL"),
		CatalogPath:   getenv("ADVANCE_CATALOG"),
		TimeZone:      getenv("ADVANCE_TZ"),
		JWTSigningKey: getenv("JWT_SIGNING_KEY"),
		KafkaBrokers:  getenv("KAFKA_BROKERS"),
		KafkaTopic:    envOr(getenv, "KAFKA_TOPIC", "benefit-requests"),
	}

	if v := getenv("ADVANCE_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("ADVANCE_PORT: %w", err)
		}
		cfg.Port = port
	}
	if v := getenv("LOG_DEV"); v != "" {
		dev, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("LOG_DEV: %w", err)
		}
		cfg.LogDev = dev
	}

	fs := flag.NewFlagSet("advance-server", flag.ContinueOnError)
	fs.IntVar(&cfg.Port, "port", cfg.Port, "HTTP server port")
	fs.StringVar(&cfg.DBDriver, "db-driver", cfg.DBDriver, "storage driver: sqlite or postgres")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path (\":memory:\" for in-memory)")
	fs.StringVar(&cfg.DatabaseURL, "database-url", cfg.DatabaseURL, "PostgreSQL connection URL")
	fs.StringVar(&cfg.CatalogPath, "catalog", cfg.CatalogPath, "policy catalog JSON file")
	fs.StringVar(&cfg.TimeZone, "tz", cfg.TimeZone, "IANA time zone for calendar windows")
	fs.StringVar(&cfg.KafkaBrokers, "kafka-brokers", cfg.KafkaBrokers, "comma separated Kafka brokers")
	fs.StringVar(&cfg.KafkaTopic, "kafka-topic", cfg.KafkaTopic, "Kafka topic for lifecycle events")
	fs.BoolVar(&cfg.LogDev, "log-dev", cfg.LogDev, "human readable development logging")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}

	switch c.DBDriver {
	case DriverSQLite:
		if c.DBPath == "" {
			return errors.New("sqlite driver requires a database path")
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return errors.New("postgres driver requires DATABASE_URL")
		}
	default:
		return fmt.Errorf("unknown database driver %q", c.DBDriver)
	}

	c.Location = time.Local
	if c.TimeZone != "" {
		loc, err := time.LoadLocation(c.TimeZone)
		if err != nil {
			return fmt.Errorf("time zone %q: %w", c.TimeZone, err)
		}
		c.Location = loc
	}
	return nil
}

func (c Config) Addr() string { return fmt.Sprintf(":%d", c.Port) }

func envOr(getenv func(string) string, key, fallback string) string {
	if v := getenv(key); v != "" {
		return v
	}
	return fallback
}
