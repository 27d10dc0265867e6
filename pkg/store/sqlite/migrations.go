package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/plaenen/eventflow/pkg/store/sqlite/migrate"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

//go:embed checkpoint_migrations/*.sql
var checkpointMigrationsFS embed.FS

func runMigrations(ctx context.Context, db *sql.DB) error {
	return migrateFrom(ctx, db, "schema_migrations", migrationsFS, "migrations")
}

func runCheckpointMigrations(ctx context.Context, db *sql.DB) error {
	return migrateFrom(ctx, db, "checkpoint_schema_migrations", checkpointMigrationsFS, "checkpoint_migrations")
}

func migrateFrom(ctx context.Context, db *sql.DB, table string, fsys embed.FS, dir string) error {
	m := migrate.New(db, table)
	if err := m.Load(fsys, dir); err != nil {
		return fmt.Errorf("load %s: %w", dir, err)
	}
	if _, err := m.Up(ctx); err != nil {
		return fmt.Errorf("run %s: %w", dir, err)
	}
	return nil
}

// RunMigrations applies pending event store migrations.
func (s *EventStore) RunMigrations(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return runMigrations(ctx, s.db)
}

// MigrationVersion returns the applied event store schema version.
func (s *EventStore) MigrationVersion(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return migrate.New(s.db, "schema_migrations").Version(ctx)
}
