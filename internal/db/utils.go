package db

import (
	"context"
	"embed"
	"fmt"
	"os"
	"path"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

//go:embed sql/*.sql
var sqlFiles embed.FS

// BatchSize is the number of rows sent per multi-row statement.
const BatchSize = 100

const (
	driverName      = "pgx"
	maxOpenConns    = 10
	maxIdleConns    = 5
	connMaxLifetime = 5 * time.Minute
	connectTimeout  = 15 * time.Second
)

// Config holds the Postgres connection settings.
type Config struct {
	Host     string
	Port     string
	User     string
	Password string
	Name     string
}

// ConfigFromEnv reads DB_HOST, DB_PORT, DB_USER, DB_PASSWORD and DB_NAME.
func ConfigFromEnv() Config {
	cfg := Config{
		Host:     os.Getenv("DB_HOST"),
		Port:     os.Getenv("DB_PORT"),
		User:     os.Getenv("DB_USER"),
		Password: os.Getenv("DB_PASSWORD"),
		Name:     os.Getenv("DB_NAME"),
	}
	if cfg.Port == "" {
		cfg.Port = "5432"
	}
	return cfg
}

func (c Config) connString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", c.User, c.Password, c.Host, c.Port, c.Name)
}

// Connect opens a pooled connection and pings it.
func Connect(ctx context.Context, cfg Config) (*sqlx.DB, error) {
	if cfg.Host == "" || cfg.Name == "" {
		return nil, fmt.Errorf("database host and name are required")
	}

	db, err := sqlx.Open(driverName, cfg.connString())
	if err != nil {
		return nil, fmt.Errorf("unable to open database: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	logger.Info("Connected to database", zap.String("host", cfg.Host), zap.String("database", cfg.Name))
	return db, nil
}

// EnsureSchema creates the tables and indices if they do not exist.
func EnsureSchema(ctx context.Context, db *sqlx.DB) error {
	schema, err := getQueryString("schema")
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func getQueryString(queryFilename string) (string, error) {
	name := path.Join("sql", queryFilename+".sql")
	sqlBytes, err := sqlFiles.ReadFile(name)
	if err != nil {
		return "", fmt.Errorf("failed to read embedded SQL file %q: %w", name, err)
	}
	return string(sqlBytes), nil
}

func chunk(items []string, size int) [][]string {
	var chunks [][]string
	for size < len(items) {
		items, chunks = items[size:], append(chunks, items[:size:size])
	}
	if len(items) > 0 {
		chunks = append(chunks, items)
	}
	return chunks
}
