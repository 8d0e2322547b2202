/*
Package config loads runtime settings for the ledger binaries.

PRECEDENCE (lowest to highest):
  1. Built-in defaults
  2. .env file in the working directory (optional)
  3. Environment variables
  4. Command-line flags

VARIABLES:
  LEDGER_PORT            HTTP port                         (8080)
  LEDGER_DB_DRIVER       sqlite | postgres | memory        (sqlite)
  LEDGER_DB              SQLite path or Postgres URL       (ledger.db)
  LEDGER_DAILY_LIMIT     Per-sender daily ceiling          (5000)
  LEDGER_TIMEZONE        IANA zone of the day window       (UTC)
  LEDGER_LOCK_TIMEOUT    Max wait for account locks        (5s)
  LEDGER_AUDIT_INTERVAL  Background audit period, 0 = off  (1h)
  LEDGER_LOG_LEVEL       debug | info | warn | error       (info)
  LEDGER_CURRENCY        ISO 4217 code for display         (USD)

SEE ALSO:
  - cmd/server/main.go
  - cmd/ledgerctl/main.go
*/
package config

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Rhymond/go-money"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/warp/transfer-ledger/ledger"
	"github.com/warp/transfer-ledger/ledger/store"
	"github.com/warp/transfer-ledger/store/postgres"
	"github.com/warp/transfer-ledger/store/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	Port          int
	DBDriver      string
	DB            string
	DailyLimit    decimal.Decimal
	Timezone      string
	LockTimeout   time.Duration
	AuditInterval time.Duration
	LogLevel      string
	Currency      string

	// Location is resolved from Timezone by Validate.
	Location *time.Location
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Port:          8080,
		DBDriver:      DriverSQLite,
		DB:            "ledger.db",
		DailyLimit:    ledger.DefaultDailyLimit,
		Timezone:      "UTC",
		LockTimeout:   ledger.DefaultLockTimeout,
		AuditInterval: time.Hour,
		LogLevel:      "info",
		Currency:      "USD",
	}
}

// FromEnv loads .env if present and applies LEDGER_* variables over the
// defaults.
func FromEnv() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("Failed to read .env file", "error", err)
	}
	c := Default()
	var errs []error
	c.Port = getEnvInt("LEDGER_PORT", c.Port, &errs)
	c.DBDriver = getEnv("LEDGER_DB_DRIVER", c.DBDriver)
	c.DB = getEnv("LEDGER_DB", c.DB)
	c.DailyLimit = getEnvDecimal("LEDGER_DAILY_LIMIT", c.DailyLimit, &errs)
	c.Timezone = getEnv("LEDGER_TIMEZONE", c.Timezone)
	c.LockTimeout = getEnvDuration("LEDGER_LOCK_TIMEOUT", c.LockTimeout, &errs)
	c.AuditInterval = getEnvDuration("LEDGER_AUDIT_INTERVAL", c.AuditInterval, &errs)
	c.LogLevel = getEnv("LEDGER_LOG_LEVEL", c.LogLevel)
	c.Currency = getEnv("LEDGER_CURRENCY", c.Currency)
	return c, errors.Join(errs...)
}

// RegisterFlags binds every setting to a flag on flags, using the current values
// as defaults.
func (c *Config) RegisterFlags(flags *flag.FlagSet) {
	flags.IntVar(&c.Port, "port", c.Port, "HTTP server port")
	flags.StringVar(&c.DBDriver, "db-driver", c.DBDriver, "storage driver: sqlite, postgres or memory")
	flags.StringVar(&c.DB, "db", c.DB, "SQLite database path or Postgres URL")
	flags.Func("daily-limit", "per-sender daily transfer limit (default "+c.DailyLimit.String()+")", func(s string) error {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return err
		}
		c.DailyLimit = d
		return nil
	})
	flags.StringVar(&c.Timezone, "timezone", c.Timezone, "IANA time zone of the daily limit window")
	flags.DurationVar(&c.LockTimeout, "lock-timeout", c.LockTimeout, "maximum wait for account locks")
	flags.DurationVar(&c.AuditInterval, "audit-interval", c.AuditInterval, "background audit period (0 disables)")
	flags.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level: debug, info, warn or error")
	flags.StringVar(&c.Currency, "currency", c.Currency, "ISO 4217 currency code used for display")
}

// Load reads defaults, .env, environment and then args.
func Load(args []string) (*Config, error) {
	c, err := FromEnv()
	if err != nil {
		return nil, err
	}
	flags := flag.NewFlagSet("ledger", flag.ContinueOnError)
	c.RegisterFlags(flags)
	if err := flags.Parse(args); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate rejects unusable settings and resolves Location.
func (c *Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	switch c.DBDriver {
	case DriverSQLite, DriverPostgres, DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown db driver %q", c.DBDriver))
	}
	if c.DBDriver != DriverMemory && c.DB == "" {
		errs = append(errs, errors.New("db must be set"))
	}
	if !c.DailyLimit.IsPositive() || !ledger.HasValidScale(c.DailyLimit) {
		errs = append(errs, fmt.Errorf("daily limit %s must be positive with at most %d decimals", c.DailyLimit, ledger.AmountScale))
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		errs = append(errs, fmt.Errorf("timezone: %w", err))
	}
	c.Location = loc
	if c.LockTimeout <= 0 {
		errs = append(errs, fmt.Errorf("lock timeout %s must be positive", c.LockTimeout))
	}
	if c.AuditInterval < 0 {
		errs = append(errs, fmt.Errorf("audit interval %s must not be negative", c.AuditInterval))
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if money.GetCurrency(c.Currency) == nil {
		errs = append(errs, fmt.Errorf("currency %q is not an ISO 4217 code", c.Currency))
	}
	return errors.Join(errs...)
}

// =============================================================================
// WIRING
// =============================================================================

// Logger returns a JSON slog logger at the configured level.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	level, _ := parseLevel(c.LogLevel)
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// OpenStore opens the configured storage backend.
func (c *Config) OpenStore(ctx context.Context) (ledger.Store, error) {
	switch c.DBDriver {
	case DriverMemory:
		return store.NewMemory(), nil
	case DriverPostgres:
		return postgres.New(ctx, c.DB)
	default:
		return sqlite.New(c.DB)
	}
}

// NewLedger wires a ledger over s with the configured limit, zone and lock
// timeout.
func (c *Config) NewLedger(s ledger.Store, logger *slog.Logger) *ledger.Ledger {
	loc := c.Location
	if loc == nil {
		loc = time.UTC
	}
	l := ledger.New(s, ledger.NewDailySpendTracker(c.DailyLimit, loc), ledger.SystemClock{}, logger)
	l.Executor.LockTimeout = c.LockTimeout
	return l
}

// =============================================================================
// HELPERS
// =============================================================================

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return level, fmt.Errorf("log level %q: %w", s, err)
	}
	return level, nil
}

// getEnv returns the value of key or fallback when unset.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int, errs *[]error) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration, errs *[]error) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return d
}

func getEnvDecimal(key string, fallback decimal.Decimal, errs *[]error) decimal.Decimal {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return d
}
