/*
config.go - Runtime configuration

PURPOSE:
  Collects every setting of the server in one struct.

PRECEDENCE (highest first):
  1. command-line flags
  2. environment variables
  3. .env file in the working directory (optional)
  4. built-in defaults

KEYS:
  PORT                    HTTP port (8080)
  DB_DRIVER               sqlite3 | mysql (sqlite3)
  DB_DSN                  driver DSN (booking.db)
  REDIS_URL               redis://... enables the availability cache (empty = off)
  AVAILABILITY_CACHE_TTL  cache TTL (30s)
  AMQP_URL                amqp://... enables RabbitMQ events (empty = log only)
  GATEWAY_URL             payment gateway base URL (empty = no refunds)
  GATEWAY_API_KEY         bearer token for the gateway
  GATEWAY_TIMEOUT         per-request timeout (10s)
  CHOICE_TIMEOUT          how long users get to pick credit or refund (72h)
  CHOICE_DEFAULT          credit | refund, applied after the timeout (credit)
  SCHEDULER_INTERVAL      how often expired choices are settled (15m, 0 = off)
  LOG_LEVEL               logrus level (info)
  CURRENCY                currency of card amounts (EUR)
*/
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

type Config struct {
	Port              int
	DBDriver          string
	DBDSN             string
	RedisURL          string
	CacheTTL          time.Duration
	AMQPURL           string
	GatewayURL        string
	GatewayAPIKey     string
	GatewayTimeout    time.Duration
	ChoiceTimeout     time.Duration
	ChoiceDefault     string
	SchedulerInterval time.Duration
	LogLevel          string
	Currency          string
}

// Load reads .env (if present), the environment, then args.
func Load(args []string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	var c Config
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.IntVar(&c.Port, "port", envInt("PORT", 8080), "HTTP server port")
	fs.StringVar(&c.DBDriver, "db-driver", envStr("DB_DRIVER", "sqlite3"), "database driver: sqlite3 or mysql")
	fs.StringVar(&c.DBDSN, "db", envStr("DB_DSN", "booking.db"), "database DSN (\":memory:\" for in-memory sqlite)")
	fs.StringVar(&c.RedisURL, "redis", envStr("REDIS_URL", ""), "redis URL for the availability cache")
	fs.DurationVar(&c.CacheTTL, "cache-ttl", envDuration("AVAILABILITY_CACHE_TTL", 30*time.Second), "availability cache TTL")
	fs.StringVar(&c.AMQPURL, "amqp", envStr("AMQP_URL", ""), "RabbitMQ URL for booking events")
	fs.StringVar(&c.GatewayURL, "gateway", envStr("GATEWAY_URL", ""), "payment gateway base URL")
	fs.StringVar(&c.GatewayAPIKey, "gateway-key", envStr("GATEWAY_API_KEY", ""), "payment gateway API key")
	fs.DurationVar(&c.GatewayTimeout, "gateway-timeout", envDuration("GATEWAY_TIMEOUT", 10*time.Second), "payment gateway request timeout")
	fs.DurationVar(&c.ChoiceTimeout, "choice-timeout", envDuration("CHOICE_TIMEOUT", 72*time.Hour), "time users get to choose credit or refund")
	fs.StringVar(&c.ChoiceDefault, "choice-default", envStr("CHOICE_DEFAULT", "credit"), "choice applied after the timeout")
	fs.DurationVar(&c.SchedulerInterval, "scheduler-interval", envDuration("SCHEDULER_INTERVAL", 15*time.Minute), "choice timeout check interval")
	fs.StringVar(&c.LogLevel, "log-level", envStr("LOG_LEVEL", "info"), "log level")
	fs.StringVar(&c.Currency, "currency", envStr("CURRENCY", "EUR"), "currency of card amounts")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return c, c.validate()
}

func (c Config) validate() error {
	switch {
	case c.DBDriver != "sqlite3" && c.DBDriver != "mysql":
		return fmt.Errorf("unsupported DB_DRIVER %q", c.DBDriver)
	case c.ChoiceDefault != "credit" && c.ChoiceDefault != "refund":
		return fmt.Errorf("CHOICE_DEFAULT must be credit or refund, got %q", c.ChoiceDefault)
	case c.ChoiceDefault == "refund" && c.GatewayURL == "":
		return errors.New("CHOICE_DEFAULT=refund needs GATEWAY_URL")
	case c.Port <= 0:
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// Logger returns a JSON logger at the configured level.
func (c Config) Logger() *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	if lvl, err := logrus.ParseLevel(c.LogLevel); err == nil {
		log.SetLevel(lvl)
	}
	return log
}

// Redis returns a client for RedisURL, or nil when the cache is disabled.
func (c Config) Redis() (*redis.Client, error) {
	if c.RedisURL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(c.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	return redis.NewClient(opts), nil
}

func envStr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return d
	}
	return def
}
