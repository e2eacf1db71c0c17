package migrate_test

import (
	"testing"

	"okrsync/internal/db"
	"okrsync/internal/migrate"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()

	applied, err := migrate.Migrate(conn)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if applied < 1 {
		t.Fatalf("fresh workspace applied %d migrations", applied)
	}
	again, err := migrate.Migrate(conn)
	if err != nil {
		t.Fatalf("re-migrate: %v", err)
	}
	if again != 0 {
		t.Fatalf("current workspace re-applied %d migrations", again)
	}
}
