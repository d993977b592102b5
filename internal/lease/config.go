package lease

import (
	"errors"
	"strings"
	"time"

	"github.com/tsingest-io/tsingest/internal/config"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 30 * time.Minute
	defaultTTL             = 1 * time.Hour
)

// ErrDatabaseURLEmpty is returned when the database url is an empty string.
var ErrDatabaseURLEmpty = errors.New("lease: database URL cannot be empty")

// Config holds PostgreSQL connection configuration for the lease store.
type Config struct {
	databaseURL     string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	DefaultTTL      time.Duration
}

// LoadConfig loads lease store configuration from environment variables with
// fallback to production-ready defaults.
func LoadConfig() *Config {
	return &Config{
		databaseURL:     config.GetEnvStr("LEASE_DATABASE_URL", ""),
		MaxOpenConns:    config.GetEnvInt("LEASE_DATABASE_MAX_OPEN_CONNS", defaultMaxOpenConns),
		MaxIdleConns:    config.GetEnvInt("LEASE_DATABASE_MAX_IDLE_CONNS", defaultMaxIdleConns),
		ConnMaxLifetime: config.GetEnvDuration("LEASE_DATABASE_CONN_MAX_LIFETIME", defaultConnMaxLifetime),
		DefaultTTL:      config.GetEnvDuration("LEASE_DEFAULT_TTL", defaultTTL),
	}
}

// Validate checks if the lease store configuration is valid.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.databaseURL) == "" {
		return ErrDatabaseURLEmpty
	}

	return nil
}
