package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/workload-advisor/controller/config"
)

// Database handles PostgreSQL access for both the observed workload and the controller tables
type Database struct {
	db  *sql.DB
	cfg *config.PostgreSQLConfig
	log logrus.FieldLogger
}

// NewDatabase creates a database handle; call Connect before use
func NewDatabase(cfg *config.PostgreSQLConfig, log logrus.FieldLogger) *Database {
	return &Database{
		cfg: cfg,
		log: log.WithField("component", "postgres"),
	}
}

// NewDatabaseFromDB wraps an already opened pool
func NewDatabaseFromDB(db *sql.DB, log logrus.FieldLogger) *Database {
	return &Database{
		db:  db,
		log: log.WithField("component", "postgres"),
	}
}

// Connect establishes the connection pool
func (d *Database) Connect(ctx context.Context) error {
	db, err := sql.Open("postgres", d.cfg.ConnectionString())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(d.cfg.MaxOpenConns)
	db.SetMaxIdleConns(d.cfg.MaxIdleConns)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	d.db = db
	d.log.WithFields(logrus.Fields{
		"host":     d.cfg.Host,
		"database": d.cfg.Database,
	}).Info("Connected to PostgreSQL database")
	return nil
}

// Migrate creates or upgrades the controller tables
func (d *Database) Migrate(ctx context.Context) error {
	return RunMigrations(ctx, d.db, d.log)
}

// DB exposes the underlying pool
func (d *Database) DB() *sql.DB {
	return d.db
}

// Close releases the pool
func (d *Database) Close() error {
	if d.db == nil {
		return nil
	}
	return d.db.Close()
}

// Ping checks connectivity
func (d *Database) Ping(ctx context.Context) error {
	if d.db == nil {
		return fmt.Errorf("database not connected")
	}
	return d.db.PingContext(ctx)
}

// ExecInTx executes one statement inside its own transaction.
// The transaction is rolled back on any error so a failed statement leaves no partial effect.
func (d *Database) ExecInTx(ctx context.Context, statement string) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, statement); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
