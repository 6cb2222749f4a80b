package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"tempshare/internal/config"
)

//go:embed migrations/*.sql
var postgresMigrations embed.FS

// PostgresDB is the PostgreSQL-backed Store.
type PostgresDB struct {
	*queries
	config *config.DatabaseConfig
}

var postgresDialect = dialect{
	name:   "postgres",
	rebind: rebindDollar,
	dayOf: func(col string) string {
		return "to_char(" + col + " AT TIME ZONE 'UTC', 'YYYY-MM-DD')"
	},
	isUniqueViolation: func(err error) bool {
		var pgErr *pgconn.PgError
		return errors.As(err, &pgErr) && pgErr.Code == "23505"
	},
}

// NewPostgres opens a PostgreSQL connection pool through pgx.
func NewPostgres(cfg *config.DatabaseConfig) (*PostgresDB, error) {
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return newPostgresDB(db, cfg), nil
}

func newPostgresDB(db *sql.DB, cfg *config.DatabaseConfig) *PostgresDB {
	return &PostgresDB{queries: newQueries(db, postgresDialect), config: cfg}
}

// gooseUpContext is a seam for testing goose.UpContext.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// Migrate applies the embedded goose migrations.
func (p *PostgresDB) Migrate(ctx context.Context) error {
	goose.SetBaseFS(postgresMigrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return err
	}
	return gooseUpContext(ctx, p.db, "migrations")
}
