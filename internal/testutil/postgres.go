// Package testutil starts the backing services integration tests need.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"strings"
	"sync"
	"testing"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/mbd888/chatgate/migrations"
)

var (
	pgOnce sync.Once
	pgURL  string
	pgErr  error
)

// Postgres returns a migrated database and empties its tables when the test
// ends. POSTGRES_URL is used when set; otherwise one postgres:16-alpine
// container is shared by every test in the binary. The test is skipped when
// neither is available.
func Postgres(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	pgOnce.Do(func() {
		if pgURL = os.Getenv("POSTGRES_URL"); pgURL != "" {
			return
		}
		pgURL, pgErr = startPostgres(ctx)
	})
	if pgErr != nil {
		t.Skipf("POSTGRES_URL not set and no container runtime: %v", pgErr)
	}

	db, err := sql.Open("postgres", pgURL)
	if err != nil {
		t.Fatalf("testutil: open database: %v", err)
	}
	t.Cleanup(func() {
		truncateAll(context.Background(), db)
		_ = db.Close()
	})

	if err := db.PingContext(ctx); err != nil {
		t.Fatalf("testutil: connect to database: %v", err)
	}
	goose.SetLogger(goose.NopLogger())
	if err := migrations.Up(ctx, db); err != nil {
		t.Fatalf("testutil: run migrations: %v", err)
	}
	return db
}

// The container outlives the tests; the testcontainers reaper removes it
// when the test binary exits.
func startPostgres(ctx context.Context) (string, error) {
	ctr, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("chatgate_test"),
		postgres.WithUsername("chatgate"),
		postgres.WithPassword("chatgate"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		return "", err
	}
	return ctr.ConnectionString(ctx, "sslmode=disable")
}

// truncateAll empties every application table. goose's version table is
// kept so later tests skip the migrations.
func truncateAll(ctx context.Context, db *sql.DB) {
	rows, err := db.QueryContext(ctx, `
		SELECT tablename FROM pg_tables
		WHERE schemaname = 'public' AND tablename <> 'goose_db_version'`)
	if err != nil {
		return
	}
	var tables []string
	for rows.Next() {
		var name string
		if rows.Scan(&name) == nil {
			tables = append(tables, name)
		}
	}
	_ = rows.Close()

	if len(tables) > 0 {
		_, _ = db.ExecContext(ctx, "TRUNCATE "+strings.Join(tables, ", ")+" CASCADE") // #nosec G202 -- names come from pg_tables
	}
}
