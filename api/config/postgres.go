package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/prospectaio/prospecta/pipeline/pkg/store"
)

// PgPool is the shared PostgreSQL connection pool.
var PgPool *pgxpool.Pool

// PgConfig holds the PostgreSQL configuration.
type PgConfig struct {
	Host     string
	Port     string
	Database string
	Username string
	Password string
	SSLMode  string
}

func (c PgConfig) ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.Username, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

func pgConfigFromEnv() (PgConfig, error) {
	cfg := PgConfig{
		Host:     envOr("POSTGRES_HOST", "localhost"),
		Port:     envOr("POSTGRES_PORT", "5432"),
		Database: os.Getenv("POSTGRES_DB"),
		Username: os.Getenv("POSTGRES_USER"),
		Password: os.Getenv("POSTGRES_PASSWORD"),
		SSLMode:  envOr("POSTGRES_SSLMODE", "disable"),
	}
	if cfg.Database == "" {
		return cfg, fmt.Errorf("POSTGRES_DB is required")
	}
	if cfg.Username == "" {
		return cfg, fmt.Errorf("POSTGRES_USER is required")
	}
	if cfg.Password == "" {
		return cfg, fmt.Errorf("POSTGRES_PASSWORD is required")
	}
	return cfg, nil
}

// LoadPostgres initializes the PostgreSQL connection pool and, when
// POSTGRES_RUN_MIGRATIONS=true, applies the embedded migrations.
func LoadPostgres(log *slog.Logger) error {
	cfg, err := pgConfigFromEnv()
	if err != nil {
		return err
	}
	connStr := cfg.ConnString()

	log.Info("connecting to PostgreSQL",
		"host", cfg.Host, "port", cfg.Port, "database", cfg.Database, "username", cfg.Username)

	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return fmt.Errorf("failed to parse postgres config: %w", err)
	}
	poolConfig.MaxConns = 20
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping postgres: %w", err)
	}
	PgPool = pool

	if os.Getenv("POSTGRES_RUN_MIGRATIONS") == "true" {
		if err := store.RunMigrations(connStr); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		log.Info("PostgreSQL migrations applied")
	}
	return nil
}

// PostgresConnString rebuilds the connection string for out-of-pool users
// (migration CLI).
func PostgresConnString() (string, error) {
	cfg, err := pgConfigFromEnv()
	if err != nil {
		return "", err
	}
	return cfg.ConnString(), nil
}

// ClosePostgres closes the PostgreSQL connection pool.
func ClosePostgres() {
	if PgPool != nil {
		PgPool.Close()
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
