package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
)

// MigrationManager handles database schema migrations.
type MigrationManager struct {
	db         *sql.DB
	logger     *slog.Logger
	migrations map[int]string
}

// NewMigrationManager creates a new migration manager.
func NewMigrationManager(logger *slog.Logger, db *sql.DB, migrations map[int]string) *MigrationManager {
	return &MigrationManager{
		db:         db,
		logger:     logger,
		migrations: migrations,
	}
}

// RunMigrations applies every migration newer than the recorded schema version, in version order.
func (m *MigrationManager) RunMigrations(ctx context.Context) error {
	m.logger.InfoContext(ctx, "Starting database migrations")

	if err := m.createMigrationsTable(ctx); err != nil {
		return err
	}

	currentVersion, err := m.currentVersion(ctx)
	if err != nil {
		return err
	}
	m.logger.InfoContext(ctx, "Current schema version", "version", currentVersion)

	versions := make([]int, 0, len(m.migrations))
	for v := range m.migrations {
		if v > currentVersion {
			versions = append(versions, v)
		}
	}
	sort.Ints(versions)

	for _, version := range versions {
		if err := m.apply(ctx, version, m.migrations[version]); err != nil {
			return err
		}
		currentVersion = version
	}

	m.logger.InfoContext(ctx, "Database migrations completed", "version", currentVersion)
	return nil
}

func (m *MigrationManager) createMigrationsTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}
	return nil
}

func (m *MigrationManager) currentVersion(ctx context.Context) (int, error) {
	var version int
	err := m.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to query current schema version: %w", err)
	}
	return version, nil
}

func (m *MigrationManager) apply(ctx context.Context, version int, migration string) error {
	m.logger.InfoContext(ctx, "Applying migration", "version", version)

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction for migration %d: %w", version, err)
	}
	if _, err := tx.ExecContext(ctx, migration); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to execute migration %d: %w", version, err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", version); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to record migration %d: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration %d: %w", version, err)
	}
	return nil
}

func postgresMigrations() map[int]string {
	return map[int]string{
		1: `
			CREATE TABLE IF NOT EXISTS workflow_entities (
				entity_type   VARCHAR(64) NOT NULL,
				entity_id     VARCHAR(255) NOT NULL,
				current_state VARCHAR(64) NOT NULL,
				fields        JSONB NOT NULL DEFAULT '{}',
				timestamps    JSONB NOT NULL DEFAULT '{}',
				counters      JSONB NOT NULL DEFAULT '{}',
				air_date      TIMESTAMP WITH TIME ZONE,
				version       BIGINT NOT NULL DEFAULT 0,
				created_at    TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at    TIMESTAMP WITH TIME ZONE NOT NULL,
				PRIMARY KEY (entity_type, entity_id)
			);

			CREATE TABLE IF NOT EXISTS workflow_transitions (
				id          BIGINT PRIMARY KEY,
				seq         BIGSERIAL,
				entity_type VARCHAR(64) NOT NULL,
				entity_id   VARCHAR(255) NOT NULL,
				transition  VARCHAR(128) NOT NULL,
				from_state  VARCHAR(64) NOT NULL,
				to_state    VARCHAR(64) NOT NULL,
				actor_id    VARCHAR(255) NOT NULL,
				actor_role  VARCHAR(64) NOT NULL,
				occurred_at TIMESTAMP WITH TIME ZONE NOT NULL,
				notes       TEXT NOT NULL DEFAULT '',
				FOREIGN KEY (entity_type, entity_id) REFERENCES workflow_entities (entity_type, entity_id) ON DELETE CASCADE
			);

			CREATE INDEX IF NOT EXISTS idx_workflow_transitions_entity ON workflow_transitions (entity_type, entity_id, seq);
		`,
		2: `
			CREATE TABLE IF NOT EXISTS workflow_deadlines (
				id            BIGINT PRIMARY KEY,
				entity_type   VARCHAR(64) NOT NULL,
				entity_id     VARCHAR(255) NOT NULL,
				role          VARCHAR(64) NOT NULL,
				deadline_date TIMESTAMP WITH TIME ZONE NOT NULL,
				completed_at  TIMESTAMP WITH TIME ZONE,
				completed_by  VARCHAR(255) NOT NULL DEFAULT '',
				notes         TEXT NOT NULL DEFAULT '',
				reminded_at   TIMESTAMP WITH TIME ZONE,
				created_at    TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX IF NOT EXISTS idx_workflow_deadlines_entity ON workflow_deadlines (entity_type, entity_id, role);
			CREATE INDEX IF NOT EXISTS idx_workflow_deadlines_open ON workflow_deadlines (deadline_date) WHERE completed_at IS NULL;
		`,
		3: `
			CREATE TABLE IF NOT EXISTS notifications (
				id                BIGINT PRIMARY KEY,
				recipient_user_id VARCHAR(255) NOT NULL,
				entity_type       VARCHAR(64) NOT NULL,
				entity_id         VARCHAR(255) NOT NULL,
				kind              VARCHAR(64) NOT NULL,
				payload           JSONB NOT NULL DEFAULT '{}',
				is_read           BOOLEAN NOT NULL DEFAULT FALSE,
				created_at        TIMESTAMP WITH TIME ZONE NOT NULL
			);

			CREATE INDEX IF NOT EXISTS idx_notifications_recipient ON notifications (recipient_user_id, is_read);
		`,
		4: `
			CREATE UNIQUE INDEX IF NOT EXISTS idx_workflow_deadlines_one_open
				ON workflow_deadlines (entity_type, entity_id, role) WHERE completed_at IS NULL;
		`,
	}
}
