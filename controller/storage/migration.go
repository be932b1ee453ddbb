package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Migration represents a database migration
type Migration struct {
	Version  int
	Name     string
	SQL      string
	Optional bool
}

// migrations defines all controller migrations in order
var migrations = []Migration{
	{Version: 1, Name: "query_logs", SQL: QueryLogsTable},
	{Version: 2, Name: "index_recommendations", SQL: RecommendationsTable},
	{Version: 3, Name: "recommendation_approvals", SQL: ApprovalsTable},
	{Version: 4, Name: "performance_test_results", SQL: PerformanceResultsTable},
	{Version: 5, Name: "resource_metrics", SQL: MetricTables},
	{Version: 6, Name: "recommendation_feedback", SQL: FeedbackTable},
	{Version: 7, Name: "pgstattuple", SQL: PgStatTupleExtension, Optional: true},
}

// RunMigrations applies every pending migration
func RunMigrations(ctx context.Context, db *sql.DB, log logrus.FieldLogger) error {
	log = log.WithField("component", "migration")

	if err := createMigrationTable(ctx, db); err != nil {
		return fmt.Errorf("failed to create migration table: %w", err)
	}

	for _, migration := range migrations {
		applied, err := isMigrationApplied(ctx, db, migration.Version)
		if err != nil {
			return fmt.Errorf("failed to check migration %d: %w", migration.Version, err)
		}

		if applied {
			log.WithField("version", migration.Version).Debug("Migration already applied")
			continue
		}

		log.WithFields(logrus.Fields{
			"version": migration.Version,
			"name":    migration.Name,
		}).Info("Applying migration")

		if err := applyMigration(ctx, db, migration, log); err != nil {
			return fmt.Errorf("failed to apply migration %d: %w", migration.Version, err)
		}
	}

	return nil
}

func createMigrationTable(ctx context.Context, db *sql.DB) error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at TIMESTAMP WITH TIME ZONE DEFAULT CURRENT_TIMESTAMP
	)`

	_, err := db.ExecContext(ctx, query)
	return err
}

func isMigrationApplied(ctx context.Context, db *sql.DB, version int) (bool, error) {
	var count int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = $1`, version).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// applyMigration runs one migration in a transaction. Optional migrations run
// behind a savepoint so a missing contrib module does not abort the upgrade.
func applyMigration(ctx context.Context, db *sql.DB, migration Migration, log logrus.FieldLogger) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if migration.Optional {
		if _, err := tx.ExecContext(ctx, "SAVEPOINT optional_migration"); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
			log.WithError(err).WithField("name", migration.Name).Warn("Optional migration unavailable, continuing without it")
			if _, err := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT optional_migration"); err != nil {
				return err
			}
		}
	} else if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, migration.Version); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	return tx.Commit()
}
