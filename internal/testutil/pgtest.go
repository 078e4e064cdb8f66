// README: Postgres test fixture; skips unless RIDE_TEST_DSN is set and migrates a clean schema.
package testutil

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"campusride/internal/infra"
)

const DSNEnv = "RIDE_TEST_DSN"

var truncateSQL = `TRUNCATE TABLE ride_state_events, rides, drivers, passengers, fare_rates, location_snapshots`

// OpenDB connects to RIDE_TEST_DSN, applies migrations and truncates every table.
func OpenDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv(DSNEnv)
	if dsn == "" {
		t.Skip(DSNEnv + " not set; skipping DB-backed tests")
	}
	return OpenDSN(t, dsn)
}

func OpenDSN(t *testing.T, dsn string) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	root, err := RepoRoot()
	if err != nil {
		t.Fatalf("repo root: %v", err)
	}
	if err := infra.Migrate(dsn, filepath.Join(root, "migrations"), zap.NewNop()); err != nil {
		t.Fatalf("apply migration: %v", err)
	}

	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if _, err := db.Exec(ctx, truncateSQL); err != nil {
		t.Fatalf("truncate tables: %v", err)
	}
	return db
}

func RepoRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for i := 0; i < 6; i++ {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return "", os.ErrNotExist
}
