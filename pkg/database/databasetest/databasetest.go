// Package databasetest opens a migrated PostgreSQL pool for repository tests.
// Tests are skipped unless TEST_DATABASE_URL points at a disposable database.
package databasetest

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/redlegion/eventpay/pkg/database"
)

// EnvURL names the variable holding the test database DSN.
const EnvURL = "TEST_DATABASE_URL"

// Open returns a pool on the test database with migrations applied, or skips t.
func Open(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv(EnvURL)
	if dsn == "" {
		t.Skip(EnvURL + " not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	pool, err := database.NewPostgresPool(ctx, dsn, 8, zap.NewNop())
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	if err := database.Migrate(ctx, pool, zap.NewNop()); err != nil {
		pool.Close()
		t.Fatalf("migrate test database: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

// EventID returns an id no other test run uses.
func EventID() string {
	return "web-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// InsertEvent stores a minimal event in status (planned, live or closed) tracking
// channels and removes it, with everything cascading from it, when t ends.
func InsertEvent(t *testing.T, pool *pgxpool.Pool, id, status string, channels ...string) {
	t.Helper()
	tracked := `[]`
	primary := ""
	if len(channels) > 0 {
		primary = channels[0]
		parts := make([]string, 0, len(channels))
		for _, ch := range channels {
			parts = append(parts, `{"id":"`+ch+`","name":"`+ch+`"}`)
		}
		tracked = "[" + strings.Join(parts, ",") + "]"
	}
	var started, ended *time.Time
	now := time.Now().UTC().Truncate(time.Second)
	begin := now.Add(-time.Hour)
	switch status {
	case "live":
		started = &begin
	case "closed":
		started, ended = &begin, &now
	}
	ctx := context.Background()
	_, err := pool.Exec(ctx, `INSERT INTO events (id, name, event_type, organizer_id, tracked_channels, primary_channel_id, status, started_at, ended_at)
		VALUES ($1, 'test event', 'mining', '100000000000000001', $2::jsonb, $3, $4, $5, $6)`,
		id, tracked, primary, status, started, ended)
	if err != nil {
		t.Fatalf("insert event %s: %v", id, err)
	}
	t.Cleanup(func() {
		// closed payrolls refuse updates, not deletes, so the cascade goes through
		_, _ = pool.Exec(context.Background(), `DELETE FROM events WHERE id = $1`, id)
	})
}
