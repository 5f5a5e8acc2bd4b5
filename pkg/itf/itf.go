// Package itf provides Postgres fixtures for integration tests: one fresh
// database per test, migrated with the embedded goose migrations.
package itf

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/iota-uz/corpcms/migrations"
	"github.com/iota-uz/corpcms/pkg/configuration"
)

const maxDBNameLength = 63

var nonIdent = regexp.MustCompile(`[^a-z0-9_]+`)

// IsCI reports whether tests run under CI, where a missing database is a
// failure instead of a skip.
func IsCI() bool {
	return strings.TrimSpace(os.Getenv("CI")) != "" ||
		strings.EqualFold(strings.TrimSpace(os.Getenv("GITHUB_ACTIONS")), "true")
}

func CanDialPostgres(tb testing.TB) bool {
	tb.Helper()

	db := configuration.Use().Database
	host := strings.TrimSpace(db.Host)
	if host == "" {
		host = "localhost"
	}
	port := strings.TrimSpace(db.Port)
	if port == "" {
		port = "5432"
	}

	dialer := &net.Dialer{Timeout: 250 * time.Millisecond}
	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, port))
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

// RequirePostgres skips tb when Postgres is unreachable, or fails it on CI.
func RequirePostgres(tb testing.TB) {
	tb.Helper()
	if CanDialPostgres(tb) {
		return
	}
	if IsCI() {
		tb.Fatalf("postgres is not reachable (DB_HOST/DB_PORT)")
	}
	tb.Skip("postgres is not reachable; skipping integration test")
}

// NewPool creates a database named after tb, applies every migration and
// returns a pool closed at cleanup.
func NewPool(tb testing.TB) *pgxpool.Pool {
	tb.Helper()
	RequirePostgres(tb)

	name := DBName(tb.Name())
	createDB(tb, name)

	db, err := sql.Open("postgres", DbOpts(name))
	if err != nil {
		tb.Fatalf("open %s: %v", name, err)
	}
	defer func() { _ = db.Close() }()
	if err := Migrate(context.Background(), db); err != nil {
		tb.Fatalf("migrate %s: %v", name, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cfg, err := pgxpool.ParseConfig(DbOpts(name))
	if err != nil {
		tb.Fatalf("parse pool config: %v", err)
	}
	cfg.MaxConns = 4
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		tb.Fatalf("connect %s: %v", name, err)
	}
	tb.Cleanup(pool.Close)
	return pool
}

// Migrate applies the embedded migrations to db.
func Migrate(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, ".")
}

func DbOpts(name string) string {
	c := configuration.Use().Database
	return fmt.Sprintf(
		"host=%s port=%s user=%s dbname=%s password=%s sslmode=disable",
		c.Host, c.Port, c.User, name, c.Password,
	)
}

// DBName turns a test name into a valid, unique Postgres identifier.
func DBName(testName string) string {
	name := strings.Trim(nonIdent.ReplaceAllString(strings.ToLower(testName), "_"), "_")
	if name == "" {
		name = "test_db"
	}
	if len(name) <= maxDBNameLength {
		return name
	}
	sum := fmt.Sprintf("%x", sha256.Sum256([]byte(testName)))[:8]
	return name[:maxDBNameLength-len(sum)-1] + "_" + sum
}

func createDB(tb testing.TB, name string) {
	tb.Helper()
	admin, err := sql.Open("postgres", DbOpts("postgres"))
	if err != nil {
		tb.Fatalf("open admin database: %v", err)
	}
	defer func() { _ = admin.Close() }()

	ctx := context.Background()
	if _, err := admin.ExecContext(ctx, "DROP DATABASE IF EXISTS "+name); err != nil {
		tb.Fatalf("drop %s: %v", name, err)
	}
	if _, err := admin.ExecContext(ctx, "CREATE DATABASE "+name); err != nil {
		tb.Fatalf("create %s: %v", name, err)
	}
}
